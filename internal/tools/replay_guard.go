package tools

import (
	"sync"
	"time"
)

const (
	replayTTL     = 10 * time.Minute
	replayPruneAt = 4096
	replayHardCap = 65536
)

// replayGuard remembers accepted signatures per caller until they expire.
type replayGuard struct {
	ttl time.Duration

	mu        sync.Mutex
	seen      map[string]time.Time
	lastPrune time.Time
}

func newReplayGuard(ttl time.Duration) *replayGuard {
	if ttl <= 0 {
		ttl = replayTTL
	}
	return &replayGuard{ttl: ttl, seen: map[string]time.Time{}}
}

func (g *replayGuard) allow(caller, signature string, now time.Time) bool {
	if g == nil || signature == "" {
		return true
	}
	key := caller + "|" + signature

	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.seen) > replayPruneAt || now.Sub(g.lastPrune) > g.ttl/2 {
		for k, exp := range g.seen {
			if !exp.After(now) {
				delete(g.seen, k)
			}
		}
		g.lastPrune = now
	}
	if exp, ok := g.seen[key]; ok && exp.After(now) {
		return false
	}
	if len(g.seen) >= replayHardCap {
		g.seen = map[string]time.Time{}
	}
	g.seen[key] = now.Add(g.ttl)
	return true
}
