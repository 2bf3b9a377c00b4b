package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"astrtown.ai/internal/protocol"
)

var (
	ErrNotConnected     = errors.New("websocket not connected")
	ErrConnectionClosed = errors.New("websocket disconnected")
	ErrClientClosed     = errors.New("client closed")
)

type ackOutcome struct {
	ack protocol.CommandAckPayload
	err error
}

// commandChannel correlates outbound commands with their command.ack frames.
// Each pending entry is resolved exactly once: whoever removes it from the
// map under mu owns the resolution.
type commandChannel struct {
	log          *zap.Logger
	now          func() time.Time
	ackTimeout   time.Duration
	tombstoneTTL time.Duration
	say          *sayDebouncer

	mu         sync.Mutex
	pending    map[string]chan ackOutcome
	tombstones map[string]time.Time
}

func newCommandChannel(log *zap.Logger, now func() time.Time, ackTimeout, tombstoneTTL time.Duration, say *sayDebouncer) *commandChannel {
	return &commandChannel{
		log:          log,
		now:          now,
		ackTimeout:   ackTimeout,
		tombstoneTTL: tombstoneTTL,
		say:          say,
		pending:      map[string]chan ackOutcome{},
		tombstones:   map[string]time.Time{},
	}
}

// issue sends one command through write and waits for its ack.
func (cc *commandChannel) issue(ctx context.Context, b Binding, typ string, payload any, write func(v any) error) Result {
	if typ == protocol.CmdSay && cc.say != nil {
		if wait := cc.say.admit(b.AgentID, payload, cc.now()); wait > 0 {
			cc.log.Debug("say debounced", zap.String("agent_id", b.AgentID), zap.Duration("retry_after", wait))
			return Result{Kind: Debounced, RetryAfter: wait}
		}
	}

	id := protocol.NewID("cmd")
	msg := protocol.Command{
		Type:      typ,
		ID:        id,
		Version:   b.Version(),
		Timestamp: cc.now().UnixMilli(),
		Payload:   payload,
	}

	ch := make(chan ackOutcome, 1)
	cc.mu.Lock()
	cc.pending[id] = ch
	cc.mu.Unlock()

	if err := write(msg); err != nil {
		cc.drop(id)
		if errors.Is(err, ErrNotConnected) {
			return Result{Kind: NotConnected, Err: err}
		}
		return Result{Kind: TransportError, CommandID: id, Err: fmt.Errorf("send failed: %w", err)}
	}

	timer := time.NewTimer(cc.ackTimeout)
	defer timer.Stop()

	var out ackOutcome
	select {
	case out = <-ch:
	case <-timer.C:
		if cc.expire(id) {
			cc.log.Warn("command ack timeout", zap.String("type", typ), zap.String("command_id", id))
			return Result{Kind: TimedOut, CommandID: id}
		}
		// Resolved concurrently with the timer.
		out = <-ch
	case <-ctx.Done():
		if cc.drop(id) {
			return Result{Kind: TransportError, CommandID: id, Err: ctx.Err()}
		}
		out = <-ch
	}

	if out.err != nil {
		return Result{Kind: TransportError, CommandID: id, Err: out.err}
	}
	switch out.ack.Status {
	case protocol.AckAccepted:
		cc.log.Info("command accepted",
			zap.String("type", typ),
			zap.String("command_id", id),
			zap.String("agent_id", b.AgentID),
			zap.String("ack_semantics", out.ack.AckSemantics))
		return Result{Kind: Accepted, CommandID: id, Semantics: out.ack.AckSemantics}
	case protocol.AckRejected:
		cc.log.Warn("command rejected",
			zap.String("type", typ),
			zap.String("command_id", id),
			zap.String("agent_id", b.AgentID),
			zap.String("reason", out.ack.Reason))
		return Result{Kind: Rejected, CommandID: id, Reason: out.ack.Reason}
	default:
		return Result{Kind: InvalidAckStatus, CommandID: id, AckStatus: out.ack.Status}
	}
}

// resolve delivers an ack. It reports false for unknown ids; tombstoned
// reports whether the id belonged to a command that already timed out.
func (cc *commandChannel) resolve(ack protocol.CommandAckPayload) (ok bool, tombstoned bool) {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	cc.pruneTombstonesLocked()
	ch, found := cc.pending[ack.CommandID]
	if !found {
		_, tombstoned = cc.tombstones[ack.CommandID]
		if tombstoned {
			delete(cc.tombstones, ack.CommandID)
		}
		return false, tombstoned
	}
	delete(cc.pending, ack.CommandID)
	ch <- ackOutcome{ack: ack}
	return true, false
}

// failAll resolves every pending command with err.
func (cc *commandChannel) failAll(err error) int {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	n := len(cc.pending)
	for id, ch := range cc.pending {
		ch <- ackOutcome{err: err}
		delete(cc.pending, id)
	}
	return n
}

func (cc *commandChannel) drop(id string) bool {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	if _, ok := cc.pending[id]; !ok {
		return false
	}
	delete(cc.pending, id)
	return true
}

func (cc *commandChannel) expire(id string) bool {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	if _, ok := cc.pending[id]; !ok {
		return false
	}
	delete(cc.pending, id)
	cc.pruneTombstonesLocked()
	cc.tombstones[id] = cc.now().Add(cc.tombstoneTTL)
	return true
}

func (cc *commandChannel) pruneTombstonesLocked() {
	now := cc.now()
	for id, exp := range cc.tombstones {
		if !now.Before(exp) {
			delete(cc.tombstones, id)
		}
	}
}

func (cc *commandChannel) pendingCount() int {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	return len(cc.pending)
}
