package dispatch

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"astrtown.ai/internal/gatewayapi"
	"astrtown.ai/internal/protocol"
)

const fallbackExcerptLimit = 500

// formatEvent renders the wake text for an event. wc is only used for
// queue refills and may be nil.
func formatEvent(eventType string, payload map[string]any, wc *WorldContext) string {
	switch eventType {
	case protocol.TypeConversationMessage:
		msg := asMap(payload["message"])
		cid := str(payload["conversationId"])
		return "[AstrTown] You received a conversation message\n" +
			"Conversation ID: " + cid + "\n" +
			"Speaker ID: " + str(msg["speakerId"]) + "\n" +
			"They said: " + str(msg["content"]) + "\n\n" +
			"[Required] The other party spoke to you. You MUST do one of the following:\n" +
			fmt.Sprintf("1. Reply with say(conversation_id=%q, text=\"your reply\").\n", cid) +
			"2. To leave the conversation you MUST first say goodbye with say(text=\"farewell\", leave_after=true). Never leave silently.\n" +
			"Forbidden: calling only set_activity or leave_conversation without speaking to them first."

	case protocol.TypeConversationStarted:
		var ids []string
		if l, ok := asList(payload["otherParticipantIds"]); ok {
			for _, v := range l {
				if s := str(v); s != "" {
					ids = append(ids, s)
				}
			}
		}
		return "[AstrTown] A new conversation started\n" +
			"Conversation ID: " + str(payload["conversationId"]) + "\n" +
			"Participants: " + strings.Join(ids, ", ")

	case protocol.TypeConversationInvited:
		cid := str(payload["conversationId"])
		return "[AstrTown] You received a conversation invite\n" +
			"conversation_id: " + cid + "\n" +
			"Inviter ID: " + str(payload["inviterId"]) + "\n" +
			"Inviter name: " + str(payload["inviterName"]) + "\n" +
			"Respond right now with exactly one tool call:\n" +
			"- accept: accept_invite(conversation_id)\n" +
			"- reject: reject_invite(conversation_id)\n" +
			"Do not answer with text only; the response must be a tool call."

	case protocol.TypeSocialRelationshipProposed:
		return relationshipProposedText(payload)

	case protocol.TypeSocialRelationshipResponded:
		return relationshipRespondedText(payload)

	case protocol.TypeAgentQueueRefillRequested:
		return queueRefillText(wc)

	case protocol.TypeConversationTimeout:
		return timeoutText(str(payload["reason"]))
	}

	b, _ := json.Marshal(payload)
	excerpt := string(b)
	if r := []rune(excerpt); len(r) > fallbackExcerptLimit {
		excerpt = string(r[:fallbackExcerptLimit]) + "..."
	}
	return fmt.Sprintf("[AstrTown] Received event %s: %s", eventType, excerpt)
}

func timeoutText(reason string) string {
	switch reason {
	case "invite_timeout":
		return "[System] The conversation invite went unanswered for too long and has expired. You are idle again."
	case "idle_timeout":
		return "[System] Nobody spoke for a long time, so the conversation was ended by an awkward silence."
	default:
		return "[System] The conversation timed out and has ended."
	}
}

func relationshipProposedText(payload map[string]any) string {
	name := firstNonEmpty(str(payload["proposerName"]), str(payload["proposerId"]), "an unknown player")
	status := firstNonEmpty(str(payload["status"]), "an unknown relationship")
	return fmt.Sprintf("[System] Player %s just asked to become %s with you. "+
		"Weigh your private affinity and your persona, decide whether to accept with respond_relationship, and reply to them.", name, status)
}

func relationshipRespondedText(payload map[string]any) string {
	responder := firstNonEmpty(str(payload["responderId"]), "an unknown player")
	status := firstNonEmpty(str(payload["status"]), "an unknown relationship")
	decision := "rejected"
	if accepted, _ := payload["accept"].(bool); accepted {
		decision = "accepted"
	}
	return fmt.Sprintf("[System] [%s] %s your [%s] relationship proposal. React to this outcome.", responder, decision, status)
}

func queueRefillText(wc *WorldContext) string {
	lines := []string{
		"[AstrTown] Planning window: your external action queue needs more actions.",
		"This is not an ordinary notification; plan your next moves now.",
		"Available tools: invite(targetPlayerId), move_to(destination), say(content).",
		"Use the nearby characters to start social interactions; prefer approaching someone and talking or inviting.",
		"Never use event metadata fields (agentId/playerId/requestId/reason) as action arguments.",
		"Plan 1 to 3 concrete actions and queue them in order.",
	}
	if wc == nil {
		return strings.Join(lines, "\n")
	}

	pos := "unknown"
	if wc.Position.X != nil || wc.Position.Y != nil {
		pos = "(" + coord(wc.Position.X) + "," + coord(wc.Position.Y) + ")"
	}
	if wc.Position.AreaName != "" {
		pos += " / area: " + wc.Position.AreaName
	}

	participants := "none"
	if len(wc.Participants) > 0 {
		participants = strings.Join(wc.Participants, ", ")
	}

	var nearby []string
	for _, np := range wc.Nearby {
		p := "unknown"
		if np.Position.X != nil || np.Position.Y != nil {
			p = "(" + coord(np.Position.X) + "," + coord(np.Position.Y) + ")"
		}
		s := fmt.Sprintf("%s[%s]@%s", np.Name, np.PlayerID, p)
		if np.Distance != nil {
			s += fmt.Sprintf(", distance≈%.2f", *np.Distance)
		}
		nearby = append(nearby, s)
	}
	nearbyText := "none"
	if len(nearby) > 0 {
		nearbyText = strings.Join(nearby, "; ")
	}

	ago := "unknown"
	if wc.LastDequeuedAgo != nil {
		ago = fmt.Sprintf("%.1fs", *wc.LastDequeuedAgo)
	}
	remaining := str(wc.QueueRemaining)
	if remaining == "" {
		remaining = "unknown"
	}

	lines = append(lines,
		"[World summary]",
		"- Your position: "+pos,
		"- Your state: "+firstNonEmpty(wc.State, "unknown"),
		"- Current activity: "+firstNonEmpty(wc.CurrentActivity, "unknown"),
		"- In conversation: "+strconv.FormatBool(wc.InConversation),
		"- Conversation participants: "+participants,
		"- Nearby characters: "+nearbyText,
		"- Queue remaining: "+remaining,
		"- Last dequeue: "+ago+" ago",
	)
	return strings.Join(lines, "\n")
}

func coord(v *float64) string {
	if v == nil {
		return "?"
	}
	return strconv.FormatFloat(*v, 'f', -1, 64)
}

// socialContextLine renders the relationship hint appended to message and
// invite prompts.
func socialContextLine(st gatewayapi.SocialState) string {
	status := "stranger"
	if st.Relationship != nil && strings.TrimSpace(st.Relationship.Status) != "" {
		status = strings.TrimSpace(st.Relationship.Status)
	}
	score := 0
	label := "neutral"
	if st.Affinity != nil {
		score = int(st.Affinity.Score)
		if l := strings.TrimSpace(st.Affinity.Label); l != "" {
			label = l
		}
	}
	return fmt.Sprintf("[Social context] Publicly your relationship with them is [%s]. "+
		"Privately your affinity toward them is %d/100 and you feel they are [%s]. "+
		"Stay in character and never read these numbers out. If affinity is high enough you may call propose_relationship.",
		status, score, label)
}
