package dispatch

import (
	"math"
	"sort"
	"time"
)

const maxNearbyInContext = 5

type NearbyPlayer struct {
	PlayerID string   `json:"playerId"`
	Name     string   `json:"name"`
	Position Position `json:"position"`
	Distance *float64 `json:"distance,omitempty"`
}

// WorldContext summarizes the agent's surroundings for a queue refill
// prompt.
type WorldContext struct {
	State           string         `json:"state,omitempty"`
	CurrentActivity string         `json:"currentActivity,omitempty"`
	Position        Position       `json:"position"`
	InConversation  bool           `json:"inConversation"`
	Participants    []string       `json:"participants"`
	Nearby          []NearbyPlayer `json:"nearbyPlayers"`
	QueueRemaining  any            `json:"remaining,omitempty"`
	LastDequeuedAt  *float64       `json:"lastDequeuedAt,omitempty"`
	LastDequeuedAgo *float64       `json:"lastDequeuedAgoSec,omitempty"`
	NowMs           int64          `json:"nowTimestamp"`
}

// buildWorldContext prefers the refill payload and falls back to the last
// state snapshot for position and nearby players.
func buildWorldContext(payload map[string]any, snap *snapshot, conv conversation, ownerID string, now time.Time) WorldContext {
	if snap == nil {
		snap = &snapshot{}
	}
	wc := WorldContext{
		State:           snap.State,
		CurrentActivity: snap.CurrentActivity,
		QueueRemaining:  payload["remaining"],
		NowMs:           now.UnixMilli(),
	}

	wc.Position = positionFrom(payload["position"])
	if wc.Position.IsZero() {
		wc.Position = snap.Position
	}

	nearby, ok := asList(payload["nearbyPlayers"])
	if !ok {
		nearby = snap.NearbyPlayers
	}
	for _, it := range nearby {
		item := asMap(it)
		if item == nil {
			continue
		}
		id := pickFirst(item, "id", "playerId")
		if id == "" {
			continue
		}
		np := NearbyPlayer{
			PlayerID: id,
			Name:     firstNonEmpty(str(item["name"]), id),
			Position: positionFrom(item["position"]),
		}
		if wc.Position.known() && np.Position.known() {
			d := math.Hypot(*np.Position.X-*wc.Position.X, *np.Position.Y-*wc.Position.Y)
			np.Distance = &d
		}
		wc.Nearby = append(wc.Nearby, np)
	}
	sort.SliceStable(wc.Nearby, func(i, j int) bool {
		a, b := wc.Nearby[i].Distance, wc.Nearby[j].Distance
		switch {
		case a == nil:
			return false
		case b == nil:
			return true
		default:
			return *a < *b
		}
	})
	if len(wc.Nearby) > maxNearbyInContext {
		wc.Nearby = wc.Nearby[:maxNearbyInContext]
	}

	if last, ok := toFloat(payload["lastDequeuedAt"]); ok {
		wc.LastDequeuedAt = &last
		ago := math.Max(0, (float64(wc.NowMs)-last)/1000)
		wc.LastDequeuedAgo = &ago
	}

	wc.InConversation = conv.activeID != ""
	if snap.InConversation != nil && *snap.InConversation {
		wc.InConversation = true
	}
	if ownerID != "" {
		wc.Participants = append(wc.Participants, ownerID)
	}
	if conv.partnerID != "" && conv.partnerID != ownerID {
		wc.Participants = append(wc.Participants, conv.partnerID)
	}
	return wc
}
