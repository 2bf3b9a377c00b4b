package gateway

import (
	"encoding/json"
	"strings"
	"sync"
	"time"
)

type sayRecord struct {
	sentAt time.Time
	text   string
}

// sayDebouncer serializes speech per conversation by time, not by lock:
// a second say inside the window is refused with a retry hint.
type sayDebouncer struct {
	window    time.Duration
	dupWindow time.Duration

	mu   sync.Mutex
	last map[string]sayRecord
}

func newSayDebouncer(window, dupWindow time.Duration) *sayDebouncer {
	return &sayDebouncer{
		window:    window,
		dupWindow: dupWindow,
		last:      map[string]sayRecord{},
	}
}

type sayFields struct {
	ConversationID string `json:"conversationId"`
	Text           string `json:"text"`
}

func extractSay(payload any) (sayFields, bool) {
	var f sayFields
	switch p := payload.(type) {
	case map[string]any:
		f.ConversationID, _ = p["conversationId"].(string)
		f.Text, _ = p["text"].(string)
	default:
		b, err := json.Marshal(payload)
		if err != nil || json.Unmarshal(b, &f) != nil {
			return sayFields{}, false
		}
	}
	f.ConversationID = strings.TrimSpace(f.ConversationID)
	return f, f.ConversationID != ""
}

// admit records the say and returns 0, or returns how long the caller must
// wait before retrying.
func (d *sayDebouncer) admit(agentID string, payload any, now time.Time) time.Duration {
	f, ok := extractSay(payload)
	if !ok {
		return 0
	}
	key := agentID + ":" + f.ConversationID

	d.mu.Lock()
	defer d.mu.Unlock()
	d.pruneLocked(now)

	if rec, ok := d.last[key]; ok {
		elapsed := now.Sub(rec.sentAt)
		if d.window > 0 && elapsed < d.window {
			return d.window - elapsed
		}
		if d.dupWindow > 0 && rec.text == f.Text && elapsed < d.dupWindow {
			return d.dupWindow - elapsed
		}
	}
	d.last[key] = sayRecord{sentAt: now, text: f.Text}
	return 0
}

func (d *sayDebouncer) pruneLocked(now time.Time) {
	maxAge := 2 * d.dupWindow
	if maxAge < 10*time.Second {
		maxAge = 10 * time.Second
	}
	for k, rec := range d.last {
		if now.Sub(rec.sentAt) > maxAge {
			delete(d.last, k)
		}
	}
}

func (d *sayDebouncer) size() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.last)
}
