package dispatch

import (
	"strings"

	"astrtown.ai/internal/gateway"
	"astrtown.ai/internal/reflection"
)

// SessionID derives the host session an event is committed to:
//
//	astrtown:world:{worldId}
//	astrtown:world:{worldId}:player:{playerId}                         (unique)
//	astrtown:world:{worldId}:player:{playerId}:conversation:{convId}   (unique, conversation.*)
func SessionID(unique bool, b gateway.Binding, eventType string, payload map[string]any) string {
	playerID := firstNonEmpty(strings.TrimSpace(b.PlayerID), str(payload["playerId"]))
	worldID := firstNonEmpty(strings.TrimSpace(b.WorldID), str(payload["worldId"]), "default")

	sid := "astrtown:world:" + worldID
	if !unique || playerID == "" {
		return sid
	}
	sid += ":player:" + playerID
	if strings.HasPrefix(eventType, "conversation.") {
		if cid := str(payload["conversationId"]); cid != "" {
			sid += ":conversation:" + cid
		}
	}
	return sid
}

// ExtractMessages reads the transcript of a conversation.ended payload.
// Items may wrap the message ({"message": {...}}) or be flat; items with no
// content are skipped.
func ExtractMessages(payload map[string]any) []reflection.Message {
	raw, ok := asList(payload["messages"])
	if !ok {
		return nil
	}
	var out []reflection.Message
	for _, it := range raw {
		item := asMap(it)
		if item == nil {
			continue
		}
		msg := asMap(item["message"])
		if msg == nil {
			msg = item
		}
		speaker := firstNonEmpty(str(msg["speakerId"]), str(item["speakerId"]), str(msg["authorId"]), str(msg["author"]), "unknown")
		content := firstNonEmpty(str(msg["content"]), str(msg["text"]))
		if content == "" {
			continue
		}
		out = append(out, reflection.Message{SpeakerID: speaker, Content: content})
	}
	return out
}
