package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"astrtown.ai/internal/protocol"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock { return &fakeClock{t: time.Unix(1700000000, 0)} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// captureWriter records outbound commands and exposes them to the test.
type captureWriter struct {
	sent chan protocol.Command
	err  error
}

func newCaptureWriter() *captureWriter { return &captureWriter{sent: make(chan protocol.Command, 64)} }

func (w *captureWriter) write(v any) error {
	if w.err != nil {
		return w.err
	}
	w.sent <- v.(protocol.Command)
	return nil
}

func newTestChannel(ackTimeout time.Duration) *commandChannel {
	return newCommandChannel(zap.NewNop(), time.Now, ackTimeout, 120*time.Second,
		newSayDebouncer(1200*time.Millisecond, 3000*time.Millisecond))
}

var testBinding = Binding{AgentID: "a1", PlayerID: "p1", WorldID: "w1", NegotiatedVersion: 3}

func TestCommandChannel_AcceptedEnvelope(t *testing.T) {
	cc := newTestChannel(time.Second)
	w := newCaptureWriter()

	done := make(chan Result, 1)
	go func() {
		done <- cc.issue(context.Background(), testBinding, protocol.CmdMoveTo, map[string]any{"targetPlayerId": "p2"}, w.write)
	}()

	cmd := <-w.sent
	assert.Equal(t, protocol.CmdMoveTo, cmd.Type)
	assert.Equal(t, 3, cmd.Version)
	assert.Regexp(t, `^cmd_[0-9a-f-]{36}$`, cmd.ID)
	assert.NotZero(t, cmd.Timestamp)

	ok, late := cc.resolve(protocol.CommandAckPayload{CommandID: cmd.ID, Status: protocol.AckAccepted, AckSemantics: "queued"})
	require.True(t, ok)
	require.False(t, late)

	res := <-done
	assert.True(t, res.OK())
	assert.Equal(t, cmd.ID, res.CommandID)
	assert.Equal(t, "queued", res.Semantics)
	assert.Equal(t, 0, cc.pendingCount())
}

func TestCommandChannel_DefaultVersionWithoutNegotiation(t *testing.T) {
	cc := newTestChannel(20 * time.Millisecond)
	w := newCaptureWriter()
	go cc.issue(context.Background(), Binding{AgentID: "a1"}, protocol.CmdInvite, map[string]any{}, w.write)
	cmd := <-w.sent
	assert.Equal(t, protocol.Version, cmd.Version)
}

func TestCommandChannel_OutOfOrderAcks(t *testing.T) {
	const n = 24
	cc := newTestChannel(5 * time.Second)
	w := newCaptureWriter()

	type outcome struct {
		idx int
		res Result
	}
	results := make(chan outcome, n)
	for i := 0; i < n; i++ {
		go func(i int) {
			res := cc.issue(context.Background(), testBinding, protocol.CmdDoSomething, map[string]any{"actionType": fmt.Sprint(i)}, w.write)
			results <- outcome{idx: i, res: res}
		}(i)
	}

	sent := make([]protocol.Command, 0, n)
	for i := 0; i < n; i++ {
		sent = append(sent, <-w.sent)
	}
	idByAction := map[string]string{}
	// Ack in reverse order; odd actions are rejected so each caller can be
	// matched to its own ack.
	for i := len(sent) - 1; i >= 0; i-- {
		cmd := sent[i]
		action := cmd.Payload.(map[string]any)["actionType"].(string)
		idByAction[action] = cmd.ID
		status := protocol.AckAccepted
		var idx int
		fmt.Sscan(action, &idx)
		if idx%2 == 1 {
			status = protocol.AckRejected
		}
		ok, _ := cc.resolve(protocol.CommandAckPayload{CommandID: cmd.ID, Status: status, Reason: "r" + action})
		require.True(t, ok)
	}

	for i := 0; i < n; i++ {
		o := <-results
		assert.Equal(t, idByAction[fmt.Sprint(o.idx)], o.res.CommandID)
		if o.idx%2 == 1 {
			assert.Equal(t, Rejected, o.res.Kind)
			assert.Equal(t, fmt.Sprintf("r%d", o.idx), o.res.Reason)
		} else {
			assert.Equal(t, Accepted, o.res.Kind)
		}
	}
	assert.Equal(t, 0, cc.pendingCount())
}

func TestCommandChannel_TimeoutThenLateAck(t *testing.T) {
	cc := newTestChannel(20 * time.Millisecond)
	w := newCaptureWriter()

	res := cc.issue(context.Background(), testBinding, protocol.CmdInvite, map[string]any{"targetPlayerId": "p2"}, w.write)
	require.Equal(t, TimedOut, res.Kind)
	cmd := <-w.sent
	assert.Equal(t, cmd.ID, res.CommandID)
	assert.Equal(t, 0, cc.pendingCount())

	ok, late := cc.resolve(protocol.CommandAckPayload{CommandID: cmd.ID, Status: protocol.AckAccepted})
	assert.False(t, ok)
	assert.True(t, late)

	// The tombstone is consumed by the first late ack.
	ok, late = cc.resolve(protocol.CommandAckPayload{CommandID: cmd.ID, Status: protocol.AckAccepted})
	assert.False(t, ok)
	assert.False(t, late)
}

func TestCommandChannel_TombstoneExpires(t *testing.T) {
	clock := newFakeClock()
	cc := newCommandChannel(zap.NewNop(), clock.Now, 10*time.Millisecond, 120*time.Second, nil)
	w := newCaptureWriter()

	res := cc.issue(context.Background(), testBinding, protocol.CmdInvite, map[string]any{}, w.write)
	require.Equal(t, TimedOut, res.Kind)

	clock.Advance(121 * time.Second)
	ok, late := cc.resolve(protocol.CommandAckPayload{CommandID: res.CommandID, Status: protocol.AckAccepted})
	assert.False(t, ok)
	assert.False(t, late)
}

func TestCommandChannel_SendFailure(t *testing.T) {
	cc := newTestChannel(time.Second)
	w := newCaptureWriter()
	w.err = errors.New("broken pipe")

	res := cc.issue(context.Background(), testBinding, protocol.CmdInvite, map[string]any{}, w.write)
	assert.Equal(t, TransportError, res.Kind)
	assert.ErrorContains(t, res.Err, "broken pipe")
	assert.Equal(t, 0, cc.pendingCount())

	w.err = ErrNotConnected
	res = cc.issue(context.Background(), testBinding, protocol.CmdInvite, map[string]any{}, w.write)
	assert.Equal(t, NotConnected, res.Kind)
	assert.Empty(t, res.CommandID)
}

func TestCommandChannel_FailAllOnDisconnect(t *testing.T) {
	cc := newTestChannel(5 * time.Second)
	w := newCaptureWriter()

	done := make(chan Result, 2)
	for i := 0; i < 2; i++ {
		go func() {
			done <- cc.issue(context.Background(), testBinding, protocol.CmdInvite, map[string]any{}, w.write)
		}()
	}
	<-w.sent
	<-w.sent
	require.Equal(t, 2, cc.failAll(ErrConnectionClosed))
	for i := 0; i < 2; i++ {
		res := <-done
		assert.Equal(t, TransportError, res.Kind)
		assert.ErrorIs(t, res.Err, ErrConnectionClosed)
	}
}

func TestCommandChannel_InvalidAckStatus(t *testing.T) {
	cc := newTestChannel(time.Second)
	w := newCaptureWriter()
	done := make(chan Result, 1)
	go func() {
		done <- cc.issue(context.Background(), testBinding, protocol.CmdInvite, map[string]any{}, w.write)
	}()
	cmd := <-w.sent
	cc.resolve(protocol.CommandAckPayload{CommandID: cmd.ID, Status: "maybe"})
	res := <-done
	assert.Equal(t, InvalidAckStatus, res.Kind)
	assert.Equal(t, "maybe", res.AckStatus)
	assert.Equal(t, "invalid_ack_status", res.Map()["status"])
}

func TestCommandChannel_SayDuplicateSentOnce(t *testing.T) {
	cc := newTestChannel(time.Second)
	w := newCaptureWriter()
	say := map[string]any{"conversationId": "c1", "text": "hello"}

	first := make(chan Result, 1)
	go func() { first <- cc.issue(context.Background(), testBinding, protocol.CmdSay, say, w.write) }()
	cmd := <-w.sent
	cc.resolve(protocol.CommandAckPayload{CommandID: cmd.ID, Status: protocol.AckAccepted})
	require.True(t, (<-first).OK())

	second := cc.issue(context.Background(), testBinding, protocol.CmdSay, say, w.write)
	assert.Equal(t, Debounced, second.Kind)
	assert.Greater(t, second.RetryAfter, time.Duration(0))
	assert.Empty(t, second.CommandID)
	assert.Len(t, w.sent, 0)

	m := second.Map()
	assert.Equal(t, false, m["ok"])
	assert.Equal(t, "debounced", m["status"])
}
