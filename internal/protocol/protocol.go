package protocol

import (
	"encoding/json"
	"errors"
	"math"
	"strings"
)

// Version is the wire protocol version this client speaks when the
// gateway has not negotiated one yet.
const Version = 1

// DefaultVersionRange is sent as the v= connect parameter.
const DefaultVersionRange = "1-1"

// Frame types handled by the client itself.
const (
	TypePing       = "ping"
	TypePong       = "pong"
	TypeConnected  = "connected"
	TypeAuthError  = "auth_error"
	TypeCommandAck = "command.ack"
	TypeEventAck   = "event.ack"
)

// World event types.
const (
	TypeAgentStateChanged           = "agent.state_changed"
	TypeAgentQueueRefillRequested   = "agent.queue_refill_requested"
	TypeActionFinished              = "action.finished"
	TypeConversationStarted         = "conversation.started"
	TypeConversationInvited         = "conversation.invited"
	TypeConversationMessage         = "conversation.message"
	TypeConversationEnded           = "conversation.ended"
	TypeConversationTimeout         = "conversation.timeout"
	TypeSocialRelationshipProposed  = "social.relationship_proposed"
	TypeSocialRelationshipResponded = "social.relationship_responded"
)

// Command types sent to the gateway.
const (
	CmdMoveTo              = "command.move_to"
	CmdSay                 = "command.say"
	CmdSetActivity         = "command.set_activity"
	CmdAcceptInvite        = "command.accept_invite"
	CmdRejectInvite        = "command.reject_invite"
	CmdInvite              = "command.invite"
	CmdLeaveConversation   = "command.leave_conversation"
	CmdProposeRelationship = "command.propose_relationship"
	CmdRespondRelationship = "command.respond_relationship"
	CmdDoSomething         = "command.do_something"
)

var worldEventPrefixes = []string{"agent.", "conversation.", "action.", "social."}

// IsWorldEvent reports whether t belongs to one of the world event families.
func IsWorldEvent(t string) bool {
	for _, p := range worldEventPrefixes {
		if strings.HasPrefix(t, p) {
			return true
		}
	}
	return false
}

// Envelope is the common shape of every frame on the bot socket.
type Envelope struct {
	Type      string          `json:"type"`
	ID        string          `json:"id,omitempty"`
	Version   int             `json:"version,omitempty"`
	Timestamp int64           `json:"timestamp,omitempty"`
	ExpiresAt int64           `json:"expiresAt,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Metadata  map[string]any  `json:"metadata,omitempty"`
}

var (
	ErrNotObject   = errors.New("frame is not a json object")
	ErrMissingType = errors.New("frame has no type")
)

// wireEnvelope holds the loosely typed fields before coercion.
type wireEnvelope struct {
	Type      json.RawMessage `json:"type"`
	ID        json.RawMessage `json:"id"`
	Version   json.RawMessage `json:"version"`
	Timestamp json.RawMessage `json:"timestamp"`
	ExpiresAt json.RawMessage `json:"expiresAt"`
	Payload   json.RawMessage `json:"payload"`
	Metadata  json.RawMessage `json:"metadata"`
}

// Decode parses one inbound frame. Only a frame that is not a JSON object or
// has no string type is rejected. Malformed id, version, timestamps and
// metadata fall back to their defaults so the event can still be acked.
func Decode(b []byte) (Envelope, error) {
	trimmed := strings.TrimSpace(string(b))
	if !strings.HasPrefix(trimmed, "{") {
		return Envelope{}, ErrNotObject
	}
	var w wireEnvelope
	if err := json.Unmarshal(b, &w); err != nil {
		return Envelope{}, err
	}
	var typ string
	if err := json.Unmarshal(w.Type, &typ); err != nil || typ == "" {
		return Envelope{}, ErrMissingType
	}
	env := Envelope{
		Type:      typ,
		ID:        looseString(w.ID),
		Version:   int(looseInt(w.Version, Version)),
		Timestamp: looseInt(w.Timestamp, 0),
		ExpiresAt: looseInt(w.ExpiresAt, 0),
		Payload:   w.Payload,
	}
	if len(w.Metadata) > 0 {
		var md map[string]any
		if json.Unmarshal(w.Metadata, &md) == nil {
			env.Metadata = md
		}
	}
	return env, nil
}

// looseString accepts a string or a number; anything else is empty.
func looseString(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s
	}
	var n json.Number
	if json.Unmarshal(raw, &n) == nil {
		return n.String()
	}
	return ""
}

// looseInt accepts an integer, a float or a numeric string; anything else,
// including a missing field, yields def.
func looseInt(raw json.RawMessage, def int64) int64 {
	if len(raw) == 0 {
		return def
	}
	var n json.Number
	if json.Unmarshal(raw, &n) != nil {
		var s string
		if json.Unmarshal(raw, &s) != nil {
			return def
		}
		n = json.Number(strings.TrimSpace(s))
	}
	if i, err := n.Int64(); err == nil {
		return i
	}
	if f, err := n.Float64(); err == nil && !math.IsNaN(f) && !math.IsInf(f, 0) {
		return int64(f)
	}
	return def
}

// PayloadMap decodes the payload as a generic object. A missing or null
// payload is an empty object; ok is false for any other non-object payload.
func (e Envelope) PayloadMap() (m map[string]any, ok bool) {
	if len(e.Payload) == 0 {
		return map[string]any{}, true
	}
	var v any
	if err := json.Unmarshal(e.Payload, &v); err != nil {
		return nil, false
	}
	switch x := v.(type) {
	case nil:
		return map[string]any{}, true
	case map[string]any:
		return x, true
	default:
		return nil, false
	}
}
