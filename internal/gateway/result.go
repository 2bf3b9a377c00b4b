package gateway

import "time"

// ResultKind enumerates every outcome of SendCommand.
type ResultKind int

const (
	Accepted ResultKind = iota + 1
	Rejected
	TimedOut
	Debounced
	TransportError
	NotConnected
	InvalidAckStatus
)

func (k ResultKind) String() string {
	switch k {
	case Accepted:
		return "accepted"
	case Rejected:
		return "rejected"
	case TimedOut:
		return "timeout"
	case Debounced:
		return "debounced"
	case TransportError:
		return "transport_error"
	case NotConnected:
		return "not_connected"
	case InvalidAckStatus:
		return "invalid_ack_status"
	default:
		return "unknown"
	}
}

// Result is the single resolution of one command. Only the fields relevant
// to Kind are set.
type Result struct {
	Kind       ResultKind
	CommandID  string
	Reason     string        // Rejected
	AckStatus  string        // InvalidAckStatus
	Semantics  string        // Accepted, e.g. "queued"
	RetryAfter time.Duration // Debounced
	Err        error         // TransportError, NotConnected
}

func (r Result) OK() bool { return r.Kind == Accepted }

// Map renders the result for tool responses.
func (r Result) Map() map[string]any {
	m := map[string]any{"ok": r.OK()}
	if r.CommandID != "" {
		m["commandId"] = r.CommandID
	}
	switch r.Kind {
	case Accepted:
		if r.Semantics != "" {
			m["ackSemantics"] = r.Semantics
		}
	case Rejected:
		m["status"] = r.Kind.String()
		m["reason"] = r.Reason
	case TimedOut:
		m["status"] = r.Kind.String()
		m["note"] = "command sent, ack timeout"
	case Debounced:
		m["status"] = r.Kind.String()
		m["retryAfterMs"] = r.RetryAfter.Milliseconds()
	case InvalidAckStatus:
		m["status"] = r.Kind.String()
		m["ackStatus"] = r.AckStatus
	case TransportError, NotConnected:
		m["status"] = r.Kind.String()
		if r.Err != nil {
			m["error"] = r.Err.Error()
		}
	}
	return m
}
