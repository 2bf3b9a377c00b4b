package dispatch

import "time"

// conversation tracks the one conversation the agent is in, if any.
type conversation struct {
	activeID  string
	partnerID string
}

// clearFor drops the tracked conversation when id matches it, or
// unconditionally when id is empty.
func (c *conversation) clearFor(id string) {
	if id == "" || id == c.activeID {
		c.activeID = ""
		c.partnerID = ""
	}
}

// Position is a map coordinate. Either axis may be missing.
type Position struct {
	X        *float64 `json:"x,omitempty"`
	Y        *float64 `json:"y,omitempty"`
	AreaName string   `json:"areaName,omitempty"`
}

func (p Position) IsZero() bool { return p.X == nil && p.Y == nil && p.AreaName == "" }

func (p Position) known() bool { return p.X != nil && p.Y != nil }

// positionFrom accepts the area under any of the names backends use.
func positionFrom(v any) Position {
	m := asMap(v)
	if m == nil {
		return Position{}
	}
	return Position{
		X:        floatPtr(m["x"]),
		Y:        floatPtr(m["y"]),
		AreaName: pickFirst(m, "areaName", "area", "region", "regionName"),
	}
}

// snapshot is the last agent.state_changed payload.
type snapshot struct {
	State           string
	Position        Position
	NearbyPlayers   []any
	InConversation  *bool
	CurrentActivity string
	UpdatedAt       int64
}

func snapshotFrom(payload map[string]any, now time.Time) *snapshot {
	s := &snapshot{
		State:           str(payload["state"]),
		Position:        positionFrom(payload["position"]),
		CurrentActivity: str(payload["currentActivity"]),
		UpdatedAt:       now.UnixMilli(),
	}
	if l, ok := asList(payload["nearbyPlayers"]); ok {
		s.NearbyPlayers = l
	}
	if b, ok := payload["inConversation"].(bool); ok {
		s.InConversation = &b
	}
	return s
}

// Gate outcomes, in priority order.
const (
	gateForce         = "force_after_long_idle"
	gateNewEmpty      = "new_empty_request"
	gateNewEmptyThrot = "new_empty_request_throttled"
	gateInterval      = "interval"
)

// refillGate decides whether an agent.queue_refill_requested event wakes
// the agent.
type refillGate struct {
	lastWake      time.Time
	lastRequestID string
	skipped       int
	lastWoke      *bool
	lastLog       time.Time
}

type gateDecision struct {
	wake    bool
	gate    string
	elapsed time.Duration
	skipped int
	log     bool
}

func (g *refillGate) evaluate(now time.Time, minInterval time.Duration, requestID, reason string) gateDecision {
	elapsed := now.Sub(g.lastWake)
	if g.lastWake.IsZero() {
		elapsed = time.Duration(1<<63 - 1)
	}
	isNew := requestID != "" && requestID != g.lastRequestID

	d := gateDecision{elapsed: elapsed}
	switch {
	case elapsed >= 3*minInterval:
		d.wake, d.gate = true, gateForce
	case isNew && reason == "empty":
		d.wake = elapsed >= minInterval
		d.gate = gateNewEmptyThrot
		if d.wake {
			d.gate = gateNewEmpty
		}
	default:
		d.wake, d.gate = elapsed >= minInterval, gateInterval
	}

	if d.wake {
		d.skipped = g.skipped
		d.log = g.skipped > 0 || d.gate != gateInterval
		g.skipped = 0
		woke := true
		g.lastWoke = &woke
		g.lastWake = now
	} else {
		g.skipped++
		d.skipped = g.skipped
		flipped := g.lastWoke == nil || *g.lastWoke
		if flipped || now.Sub(g.lastLog) >= minInterval {
			d.log = true
			g.lastLog = now
			woke := false
			g.lastWoke = &woke
		}
	}
	if requestID != "" {
		g.lastRequestID = requestID
	}
	return d
}
