package reflection

import (
	"fmt"
	"strings"

	"astrtown.ai/internal/gatewayapi"
)

func conversationPrompt(in Input) string {
	role := firstNonEmpty(strings.TrimSpace(in.PlayerName), "this character")
	target := firstNonEmpty(strings.TrimSpace(in.OtherPlayerName), strings.TrimSpace(in.OtherPlayerID), "the other party")

	var lines []string
	for i, m := range in.Messages {
		content := strings.TrimSpace(m.Content)
		if content == "" {
			continue
		}
		speaker := firstNonEmpty(strings.TrimSpace(m.SpeakerID), "unknown")
		lines = append(lines, fmt.Sprintf("%d. %s: %s", i+1, speaker, content))
	}
	transcript := "(no transcript available)"
	if len(lines) > 0 {
		transcript = strings.Join(lines, "\n")
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Reflect, as the subconscious of %s, on the conversation that just ended.\n", role)
	b.WriteString("1. Write a summary and rate its importance from 1 to 10.\n")
	fmt.Fprintf(&b, "2. Rate the one-sided change in affinity toward %s from -10 to 10 and give a short feeling label (affinity_label, e.g. 'finds them loud', 'quietly smitten').\n", target)
	b.WriteString(`Reply with strict JSON only: {"summary":"...","importance":N,"affinity_delta":N,"affinity_label":"..."}` + "\n\n")
	fmt.Fprintf(&b, "Conversation ID: %s\n", firstNonEmpty(in.ConversationID, "unknown"))
	fmt.Fprintf(&b, "Other player ID: %s\n", firstNonEmpty(in.OtherPlayerID, "unknown"))
	fmt.Fprintf(&b, "Other player name: %s\n", target)
	b.WriteString("Transcript:\n")
	b.WriteString(transcript)
	return b.String()
}

// higherPrompt returns "" when no memory has a description.
func higherPrompt(role string, memories []gatewayapi.Memory) string {
	var lines []string
	for i, m := range memories {
		d := strings.TrimSpace(m.Description)
		if d == "" {
			continue
		}
		lines = append(lines, fmt.Sprintf("%d. %s", i+1, d))
	}
	if len(lines) == 0 {
		return ""
	}
	return fmt.Sprintf("You are the deep mind of %s. These are your %d most recent memories:\n%s\n\n", role, len(lines), strings.Join(lines, "\n")) +
		"Distill 3 to 5 high-level insights or long-held values from them. Each insight should abstract over several experiences and capture how your core understanding as this character has changed.\n" +
		`Reply with a strict JSON array: [{"insight":"..."},{"insight":"..."}]`
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
