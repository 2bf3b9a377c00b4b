package reflection

import (
	"encoding/json"
	"errors"
	"math"
	"strconv"
	"strings"
)

var ErrUnparsable = errors.New("reflection: llm reply is not parsable json")

// Reflection is the normalized result of a conversation reflection.
type Reflection struct {
	Summary       string `json:"summary"`
	Importance    int    `json:"importance"`
	AffinityDelta int    `json:"affinity_delta"`
	AffinityLabel string `json:"affinity_label"`
}

const (
	defaultSummary       = "(no summary)"
	defaultImportance    = 5
	defaultAffinityLabel = "neutral"
	maxInsights          = 5
)

// stripFence removes a surrounding ```json ... ``` block.
func stripFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	}
	if i := strings.LastIndex(s, "```"); i >= 0 {
		s = s[:i]
	}
	return strings.TrimSpace(s)
}

// decodeEnclosed parses text as JSON, falling back to the span between the
// first opening and last closing delimiter.
func decodeEnclosed(text string, first, last byte, v any) bool {
	text = stripFence(text)
	if text == "" {
		return false
	}
	if json.Unmarshal([]byte(text), v) == nil {
		return true
	}
	start := strings.IndexByte(text, first)
	end := strings.LastIndexByte(text, last)
	if start < 0 || end <= start {
		return false
	}
	return json.Unmarshal([]byte(text[start:end+1]), v) == nil
}

// ParseReflection normalizes the LLM reply to a conversation prompt.
func ParseReflection(text string) (Reflection, error) {
	var obj map[string]any
	if !decodeEnclosed(text, '{', '}', &obj) || obj == nil {
		return Reflection{}, ErrUnparsable
	}
	r := Reflection{
		Summary:       strings.TrimSpace(asString(obj["summary"])),
		Importance:    intInRange(obj["importance"], 1, 10, defaultImportance),
		AffinityDelta: intInRange(obj["affinity_delta"], -10, 10, 0),
		AffinityLabel: strings.TrimSpace(asString(obj["affinity_label"])),
	}
	if r.Summary == "" {
		r.Summary = defaultSummary
	}
	if r.AffinityLabel == "" {
		r.AffinityLabel = defaultAffinityLabel
	}
	return r, nil
}

// ParseInsights accepts a JSON array of strings or {"insight": ...}
// objects, or an object wrapping one under "insights". Results are
// trimmed, deduplicated and capped.
func ParseInsights(text string) []string {
	var items []any
	if !decodeEnclosed(text, '[', ']', &items) {
		var obj map[string]any
		if !decodeEnclosed(text, '{', '}', &obj) {
			return nil
		}
		switch l := obj["insights"].(type) {
		case []any:
			items = l
		default:
			if _, ok := obj["insight"]; ok {
				items = []any{obj}
			}
		}
	}

	var out []string
	seen := map[string]bool{}
	for _, it := range items {
		var s string
		switch x := it.(type) {
		case string:
			s = x
		case map[string]any:
			s = asString(x["insight"])
		}
		s = strings.TrimSpace(s)
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
		if len(out) >= maxInsights {
			break
		}
	}
	return out
}

func asString(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	default:
		return ""
	}
}

// intInRange truncates numbers and numeric strings and clamps them; booleans
// and anything else yield def.
func intInRange(v any, lo, hi, def int) int {
	var f float64
	switch x := v.(type) {
	case float64:
		f = x
	case string:
		p, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		if err != nil {
			return def
		}
		f = p
	default:
		return def
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return def
	}
	n := int(math.Trunc(f))
	if n < lo {
		return lo
	}
	if n > hi {
		return hi
	}
	return n
}
