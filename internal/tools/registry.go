package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

const schemaBaseURL = "https://astrtown.ai/tools/"

type handlerFunc func(ctx context.Context, a args) (any, error)

type tool struct {
	name        string
	description string
	schema      map[string]any
	compiled    *jsonschema.Schema
	call        handlerFunc
}

func object(required []string, props map[string]any) map[string]any {
	s := map[string]any{
		"type":                 "object",
		"properties":           props,
		"additionalProperties": false,
	}
	if len(required) > 0 {
		s["required"] = required
	}
	return s
}

var (
	idString   = map[string]any{"type": "string", "minLength": 1}
	textString = map[string]any{"type": "string"}
	boolean    = map[string]any{"type": "boolean"}
)

func intRange(lo, hi int) map[string]any {
	return map[string]any{"type": "integer", "minimum": lo, "maximum": hi}
}

func (s *Server) buildTools() ([]*tool, error) {
	list := []*tool{
		{
			name:        "astrtown.get_status",
			description: "Connection state and player binding of the AstrTown gateway link.",
			schema:      object(nil, map[string]any{}),
			call:        s.getStatus,
		},
		{
			name:        "astrtown.poll_events",
			description: "Take queued world events that need the agent's attention.",
			schema: object(nil, map[string]any{
				"max":     intRange(1, 64),
				"wait_ms": intRange(0, int(maxPollWait.Milliseconds())),
			}),
			call: s.pollEvents,
		},
		{
			name:        "astrtown.recall_past_memory",
			description: "Search long-term memory for a person, event or place when the context lacks clues.",
			schema: object([]string{"search_keyword"}, map[string]any{
				"search_keyword": idString,
				"limit":          intRange(1, maxRecallLimit),
			}),
			call: s.recallPastMemory,
		},
		s.commandTool("astrtown.move_to", "Walk toward another player.",
			[]string{"target_player_id"}, map[string]any{"target_player_id": idString},
			func(a args) (string, map[string]any) {
				return "command.move_to", map[string]any{"targetPlayerId": a.str("target_player_id")}
			}),
		s.commandTool("astrtown.say", "Send a message in a conversation.",
			[]string{"conversation_id", "text"}, map[string]any{
				"conversation_id": idString,
				"text":            idString,
				"leave_after":     boolean,
			},
			func(a args) (string, map[string]any) {
				return "command.say", map[string]any{
					"conversationId": a.str("conversation_id"),
					"text":           a.str("text"),
					"leaveAfter":     a.boolean("leave_after"),
				}
			}),
		s.commandTool("astrtown.set_activity", "Set the current activity shown above the character.",
			[]string{"description"}, map[string]any{
				"description": textString,
				"emoji":       textString,
				"duration_ms": intRange(0, 24*60*60*1000),
			},
			func(a args) (string, map[string]any) {
				return "command.set_activity", map[string]any{
					"description": a.str("description"),
					"emoji":       a.str("emoji"),
					"duration":    a.integer("duration_ms", defaultActivityMS),
				}
			}),
		s.commandTool("astrtown.accept_invite", "Join a conversation you were invited to.",
			[]string{"conversation_id"}, map[string]any{"conversation_id": idString},
			conversationCommand("command.accept_invite")),
		s.commandTool("astrtown.reject_invite", "Decline a conversation invite.",
			[]string{"conversation_id"}, map[string]any{"conversation_id": idString},
			conversationCommand("command.reject_invite")),
		s.commandTool("astrtown.invite", "Invite another player to a conversation.",
			[]string{"target_player_id"}, map[string]any{"target_player_id": idString},
			func(a args) (string, map[string]any) {
				return "command.invite", map[string]any{"targetPlayerId": a.str("target_player_id")}
			}),
		s.commandTool("astrtown.leave_conversation", "Leave a conversation.",
			[]string{"conversation_id"}, map[string]any{"conversation_id": idString},
			conversationCommand("command.leave_conversation")),
		s.commandTool("astrtown.propose_relationship", "Propose a relationship to another player.",
			[]string{"target_player_id", "status"}, map[string]any{
				"target_player_id": idString,
				"status":           map[string]any{"type": "string", "enum": []string{"friend", "lover", "enemy"}},
			},
			func(a args) (string, map[string]any) {
				return "command.propose_relationship", map[string]any{
					"targetPlayerId": a.str("target_player_id"),
					"status":         a.str("status"),
				}
			}),
		s.commandTool("astrtown.respond_relationship", "Accept or decline a relationship proposal.",
			[]string{"proposer_id", "accept"}, map[string]any{
				"proposer_id": idString,
				"accept":      boolean,
			},
			func(a args) (string, map[string]any) {
				return "command.respond_relationship", map[string]any{
					"proposerId": a.str("proposer_id"),
					"accept":     a.boolean("accept"),
				}
			}),
		s.commandTool("astrtown.do_something", "Send a raw do_something action for anything the other tools do not cover.",
			[]string{"action_type"}, map[string]any{
				"action_type": idString,
				"args":        map[string]any{"type": "object"},
			},
			func(a args) (string, map[string]any) {
				extra, _ := a["args"].(map[string]any)
				if extra == nil {
					extra = map[string]any{}
				}
				return "command.do_something", map[string]any{"actionType": a.str("action_type"), "args": extra}
			}),
	}
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	for _, t := range list {
		b, err := json.Marshal(t.schema)
		if err != nil {
			return nil, err
		}
		if err := c.AddResource(schemaBaseURL+t.name, bytes.NewReader(b)); err != nil {
			return nil, fmt.Errorf("add schema %s: %w", t.name, err)
		}
	}
	for _, t := range list {
		sch, err := c.Compile(schemaBaseURL + t.name)
		if err != nil {
			return nil, fmt.Errorf("compile %s: %w", t.name, err)
		}
		t.compiled = sch
	}
	return list, nil
}

// args is a validated tool argument object.
type args map[string]any

func (a args) str(k string) string {
	s, _ := a[k].(string)
	return strings.TrimSpace(s)
}

func (a args) boolean(k string) bool {
	b, _ := a[k].(bool)
	return b
}

func (a args) integer(k string, def int) int {
	if f, ok := a[k].(float64); ok {
		return int(f)
	}
	return def
}

func conversationCommand(typ string) func(args) (string, map[string]any) {
	return func(a args) (string, map[string]any) {
		return typ, map[string]any{"conversationId": a.str("conversation_id")}
	}
}

// commandTool declares a tool that maps its arguments onto one gateway
// command and returns the command result.
func (s *Server) commandTool(name, description string, required []string, props map[string]any, build func(args) (string, map[string]any)) *tool {
	return &tool{
		name:        name,
		description: description,
		schema:      object(required, props),
		call: func(ctx context.Context, a args) (any, error) {
			typ, payload := build(a)
			return s.gw.SendCommand(ctx, typ, payload).Map(), nil
		},
	}
}
