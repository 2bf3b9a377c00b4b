package tools

import (
	"testing"
	"time"
)

func TestReplayGuard(t *testing.T) {
	g := newReplayGuard(2 * time.Second)
	now := time.Unix(1700000000, 0)
	if !g.allow("agent_1", "sig_1", now) {
		t.Fatalf("expected first request to pass")
	}
	if g.allow("agent_1", "sig_1", now.Add(time.Second)) {
		t.Fatalf("expected duplicate signature to be rejected")
	}
	if !g.allow("agent_2", "sig_1", now.Add(time.Second)) {
		t.Fatalf("signatures are scoped per caller")
	}
	if !g.allow("agent_1", "sig_1", now.Add(3*time.Second)) {
		t.Fatalf("expected request after ttl expiry to pass")
	}
	var nilGuard *replayGuard
	if !nilGuard.allow("agent_1", "sig_1", now) {
		t.Fatalf("nil guard allows everything")
	}
}
