package journal

import "path/filepath"

// Decision is what the dispatcher did with one world event.
type Decision string

const (
	DecisionAckOnly      Decision = "ack_only"
	DecisionWake         Decision = "wake"
	DecisionAutoAccept   Decision = "auto_accept"
	DecisionStale        Decision = "stale"
	DecisionCommitFailed Decision = "commit_failed"
)

type EventRecord struct {
	At        int64    `json:"at"`
	Type      string   `json:"type"`
	EventID   string   `json:"eventId,omitempty"`
	SessionID string   `json:"sessionId,omitempty"`
	Decision  Decision `json:"decision"`
}

type ReflectionRecord struct {
	At             int64  `json:"at"`
	Kind           string `json:"kind"` // "conversation" or "higher"
	ConversationID string `json:"conversationId,omitempty"`
	OtherPlayerID  string `json:"otherPlayerId,omitempty"`
	Summary        string `json:"summary,omitempty"`
	Importance     int    `json:"importance,omitempty"`
	AffinityDelta  int    `json:"affinityDelta,omitempty"`
	AffinityLabel  string `json:"affinityLabel,omitempty"`
	Insights       int    `json:"insights,omitempty"`
	Error          string `json:"error,omitempty"`
}

// EventLog writes dispatch decisions under {dir}/events.
type EventLog struct{ w *Writer }

func NewEventLog(dir string) *EventLog {
	return &EventLog{w: NewWriter(filepath.Join(dir, "events"), "events")}
}

func (l *EventLog) RecordEvent(r EventRecord) error {
	if l == nil {
		return nil
	}
	return l.w.Write(r)
}

func (l *EventLog) Close() error {
	if l == nil {
		return nil
	}
	return l.w.Close()
}

// ReflectionLog writes reflection outcomes under {dir}/reflections.
type ReflectionLog struct{ w *Writer }

func NewReflectionLog(dir string) *ReflectionLog {
	return &ReflectionLog{w: NewWriter(filepath.Join(dir, "reflections"), "reflections")}
}

func (l *ReflectionLog) RecordReflection(r ReflectionRecord) error {
	if l == nil {
		return nil
	}
	return l.w.Write(r)
}

func (l *ReflectionLog) Close() error {
	if l == nil {
		return nil
	}
	return l.w.Close()
}
