package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"astrtown.ai/internal/gateway"
	"astrtown.ai/internal/journal"
	"astrtown.ai/internal/protocol"
	"astrtown.ai/internal/reflection"
	"astrtown.ai/internal/supervisor"
)

// trace records commits and acks in the order they happen.
type trace struct {
	mu      sync.Mutex
	entries []string
}

func (t *trace) add(s string) {
	t.mu.Lock()
	t.entries = append(t.entries, s)
	t.mu.Unlock()
}

func (t *trace) list() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.entries...)
}

type sentCommand struct {
	typ     string
	payload map[string]any
}

type fakeGateway struct {
	tr      *trace
	binding gateway.Binding
	result  gateway.Result

	mu   sync.Mutex
	acks []protocol.EventAck
	cmds []sentCommand
}

func (g *fakeGateway) WriteJSON(v any) error {
	ack, ok := v.(protocol.EventAck)
	if !ok {
		return errors.New("unexpected frame")
	}
	g.mu.Lock()
	g.acks = append(g.acks, ack)
	g.mu.Unlock()
	g.tr.add("ack:" + ack.Payload.EventID)
	return nil
}

func (g *fakeGateway) Binding() gateway.Binding { return g.binding }

func (g *fakeGateway) SendCommand(_ context.Context, typ string, payload any) gateway.Result {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cmds = append(g.cmds, sentCommand{typ: typ, payload: payload.(map[string]any)})
	g.tr.add("cmd:" + typ)
	return g.result
}

func (g *fakeGateway) ackIDs() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []string
	for _, a := range g.acks {
		out = append(out, a.Payload.EventID)
	}
	return out
}

func (g *fakeGateway) commands() []sentCommand {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]sentCommand(nil), g.cmds...)
}

type fakeCommitter struct {
	tr  *trace
	err error

	mu     sync.Mutex
	events []WakeEvent
}

func (c *fakeCommitter) Commit(_ context.Context, ev WakeEvent) error {
	if c.err != nil {
		return c.err
	}
	c.mu.Lock()
	c.events = append(c.events, ev)
	c.mu.Unlock()
	c.tr.add("commit:" + ev.ID)
	return nil
}

func (c *fakeCommitter) list() []WakeEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]WakeEvent(nil), c.events...)
}

type fakeReflections struct {
	mu     sync.Mutex
	inputs []reflection.Input
}

func (f *fakeReflections) Spawn(in reflection.Input) {
	f.mu.Lock()
	f.inputs = append(f.inputs, in)
	f.mu.Unlock()
}

type memJournal struct {
	mu      sync.Mutex
	records []journal.EventRecord
}

func (j *memJournal) RecordEvent(r journal.EventRecord) error {
	j.mu.Lock()
	j.records = append(j.records, r)
	j.mu.Unlock()
	return nil
}

type harness struct {
	d       *Dispatcher
	gw      *fakeGateway
	commits *fakeCommitter
	refl    *fakeReflections
	journal *memJournal
	tr      *trace
	clock   time.Time
}

func newHarness(t *testing.T, mutate func(*Config)) *harness {
	t.Helper()
	tr := &trace{}
	h := &harness{
		tr:      tr,
		gw:      &fakeGateway{tr: tr, binding: gateway.Binding{AgentID: "a1", PlayerID: "p1", WorldID: "w1"}, result: gateway.Result{Kind: gateway.Accepted}},
		commits: &fakeCommitter{tr: tr},
		refl:    &fakeReflections{},
		journal: &memJournal{},
		clock:   time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC),
	}
	tasks := supervisor.New(context.Background(), zap.NewNop())
	t.Cleanup(tasks.Close)
	cfg := Config{
		InviteMode:            InviteAutoAccept,
		RefillWakeEnabled:     true,
		RefillMinWakeInterval: 10 * time.Second,
		MaxContextRounds:      50,
		Gateway:               h.gw,
		Committer:             h.commits,
		Reflection:            h.refl,
		Journal:               h.journal,
		Tasks:                 tasks,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	d, err := New(cfg)
	require.NoError(t, err)
	d.now = func() time.Time { return h.clock }
	h.d = d
	return h
}

func frame(t *testing.T, typ, id string, payload any) protocol.Envelope {
	t.Helper()
	env := protocol.Envelope{Type: typ, ID: id, Version: 1}
	if payload != nil {
		b, err := json.Marshal(payload)
		require.NoError(t, err)
		env.Payload = b
	}
	return env
}

func (h *harness) send(t *testing.T, typ, id string, payload any) (journal.Decision, error) {
	t.Helper()
	return h.d.handle(context.Background(), frame(t, typ, id, payload))
}

func TestStaleConversationMessageIsAckedWithoutWake(t *testing.T) {
	h := newHarness(t, nil)
	_, err := h.send(t, protocol.TypeConversationStarted, "e1", map[string]any{"conversationId": "c1", "otherParticipantIds": []string{"p1", "p2"}})
	require.NoError(t, err)

	dec, err := h.send(t, protocol.TypeConversationMessage, "e2", map[string]any{
		"conversationId": "c2",
		"message":        map[string]any{"speakerId": "p9", "content": "hello?"},
	})
	require.NoError(t, err)
	assert.Equal(t, journal.DecisionStale, dec)
	assert.Len(t, h.commits.list(), 1)
	assert.Equal(t, []string{"e1", "e2"}, h.gw.ackIDs())

	active, partner := h.d.Conversation()
	assert.Equal(t, "c1", active)
	assert.Equal(t, "p2", partner)
}

func TestWakeCommitsBeforeAck(t *testing.T) {
	h := newHarness(t, nil)
	dec, err := h.send(t, protocol.TypeConversationMessage, "e1", map[string]any{
		"conversationId": "c1",
		"message":        map[string]any{"speakerId": "p2", "content": "nice weather"},
	})
	require.NoError(t, err)
	assert.Equal(t, journal.DecisionWake, dec)
	assert.Equal(t, []string{"commit:e1", "ack:e1"}, h.tr.list())

	ev := h.commits.list()[0]
	assert.Equal(t, "p2", ev.SenderID)
	assert.Equal(t, "c1", ev.Extras["conversation_id"])
	assert.Contains(t, ev.Text, "They said: nice weather")
	assert.Contains(t, ev.Text, `say(conversation_id="c1"`)
	assert.Equal(t, "astrtown:world:w1", ev.SessionID)
	assert.Equal(t, &SocialRef{WorldID: "w1", OwnerID: "p1", TargetID: "p2"}, ev.Social)
	assert.NotContains(t, ev.Text, "[Social context]")

	_, partner := h.d.Conversation()
	assert.Equal(t, "p2", partner)
}

func TestCommitFailureLeavesEventUnacked(t *testing.T) {
	h := newHarness(t, nil)
	h.commits.err = errors.New("host queue full")

	dec, err := h.send(t, protocol.TypeSocialRelationshipProposed, "e1", map[string]any{"proposerId": "p2", "status": "friend"})
	require.ErrorIs(t, err, ErrCommit)
	assert.Equal(t, journal.DecisionCommitFailed, dec)
	assert.Empty(t, h.gw.ackIDs())

	_, err = h.send(t, protocol.TypeConversationTimeout, "e2", map[string]any{"conversationId": "c1", "reason": "idle_timeout"})
	require.ErrorIs(t, err, ErrCommit)
	assert.Empty(t, h.gw.ackIDs())
}

func TestAutoAcceptInvite(t *testing.T) {
	h := newHarness(t, nil)
	dec, err := h.send(t, protocol.TypeConversationInvited, "e1", map[string]any{"conversationId": "c1", "inviterId": "p2"})
	require.NoError(t, err)
	assert.Equal(t, journal.DecisionAutoAccept, dec)

	require.Eventually(t, func() bool { return len(h.gw.commands()) == 1 }, time.Second, 5*time.Millisecond)
	cmd := h.gw.commands()[0]
	assert.Equal(t, protocol.CmdAcceptInvite, cmd.typ)
	assert.Equal(t, map[string]any{"conversationId": "c1"}, cmd.payload)

	active, partner := h.d.Conversation()
	assert.Equal(t, "c1", active)
	assert.Equal(t, "p2", partner)
	assert.Equal(t, []string{"e1"}, h.gw.ackIDs())
	assert.Empty(t, h.commits.list())
}

func TestAutoAcceptRejectedClearsActiveConversation(t *testing.T) {
	h := newHarness(t, nil)
	h.gw.result = gateway.Result{Kind: gateway.Rejected, Reason: "invite expired"}
	_, err := h.send(t, protocol.TypeConversationInvited, "e1", map[string]any{"conversationId": "c1", "inviterId": "p2"})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		active, _ := h.d.Conversation()
		return len(h.gw.commands()) == 1 && active == ""
	}, time.Second, 5*time.Millisecond)
}

func TestAutoAcceptWithoutConversationIDOnlyAcks(t *testing.T) {
	h := newHarness(t, nil)
	_, err := h.send(t, protocol.TypeConversationInvited, "e1", map[string]any{"inviterId": "p2"})
	require.NoError(t, err)
	assert.Equal(t, []string{"e1"}, h.gw.ackIDs())
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, h.gw.commands())
}

func TestLLMJudgeInviteWakesWithConversationID(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.InviteMode = InviteLLMJudge })
	dec, err := h.send(t, protocol.TypeConversationInvited, "e1", map[string]any{"conversationId": "c7", "inviterId": "p2", "inviterName": "Bob"})
	require.NoError(t, err)
	assert.Equal(t, journal.DecisionWake, dec)

	ev := h.commits.list()[0]
	assert.Equal(t, "c7", ev.Extras["conversation_id"])
	assert.Equal(t, "p2", ev.SenderID)
	assert.Equal(t, "Bob", ev.SenderName)
	assert.Contains(t, ev.Text, "accept_invite(conversation_id)")
	assert.Equal(t, &SocialRef{WorldID: "w1", OwnerID: "p1", TargetID: "p2"}, ev.Social)
	assert.Empty(t, h.gw.commands())
}

func TestConversationStartedTracksPartner(t *testing.T) {
	h := newHarness(t, nil)
	dec, err := h.send(t, protocol.TypeConversationStarted, "e1", map[string]any{"conversationId": "c1", "otherParticipantIds": []string{"p1", "p2"}})
	require.NoError(t, err)
	assert.Equal(t, journal.DecisionWake, dec)

	active, partner := h.d.Conversation()
	assert.Equal(t, "c1", active)
	assert.Equal(t, "p2", partner)
	require.Len(t, h.commits.list(), 1)
	assert.Equal(t, "c1", h.commits.list()[0].Extras["conversation_id"])
	assert.Nil(t, h.commits.list()[0].Social)

	dec, err = h.send(t, protocol.TypeConversationMessage, "e2", map[string]any{
		"conversationId": "c2",
		"message":        map[string]any{"speakerId": "p3", "content": "psst"},
	})
	require.NoError(t, err)
	assert.Equal(t, journal.DecisionStale, dec)
	assert.Len(t, h.commits.list(), 1)
	_, partner = h.d.Conversation()
	assert.Equal(t, "p2", partner)
}

func TestConversationStartedFallsBackToOtherPlayerKey(t *testing.T) {
	h := newHarness(t, nil)
	_, err := h.send(t, protocol.TypeConversationStarted, "e1", map[string]any{"conversationId": "c1", "otherParticipantIds": []string{"p1"}, "otherPlayerId": "p4"})
	require.NoError(t, err)
	active, partner := h.d.Conversation()
	assert.Equal(t, "c1", active)
	assert.Equal(t, "p4", partner)
}

func TestSelfMessageHasNoSocialRef(t *testing.T) {
	h := newHarness(t, nil)
	_, err := h.send(t, protocol.TypeConversationMessage, "e1", map[string]any{
		"conversationId": "c1",
		"message":        map[string]any{"speakerId": "p1", "content": "echo"},
	})
	require.NoError(t, err)
	assert.Nil(t, h.commits.list()[0].Social)
}

func TestQueueRefillGate(t *testing.T) {
	h := newHarness(t, nil)
	refill := func(id, req, reason string) journal.Decision {
		dec, err := h.send(t, protocol.TypeAgentQueueRefillRequested, id, map[string]any{"requestId": req, "reason": reason})
		require.NoError(t, err)
		return dec
	}

	assert.Equal(t, journal.DecisionWake, refill("e1", "r1", "low"), "first refill always wakes")

	h.clock = h.clock.Add(time.Second)
	assert.Equal(t, journal.DecisionAckOnly, refill("e2", "r1", "low"))

	h.clock = h.clock.Add(time.Second)
	assert.Equal(t, journal.DecisionAckOnly, refill("e3", "r2", "empty"), "new empty request is still throttled")

	h.clock = h.clock.Add(9 * time.Second)
	assert.Equal(t, journal.DecisionWake, refill("e4", "r3", "empty"))

	h.clock = h.clock.Add(31 * time.Second)
	assert.Equal(t, journal.DecisionWake, refill("e5", "r3", "low"), "long idle forces a wake")

	assert.Len(t, h.commits.list(), 3)
	assert.Equal(t, []string{"e1", "e2", "e3", "e4", "e5"}, h.gw.ackIDs())
}

func TestQueueRefillDisabledOnlyAcks(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.RefillWakeEnabled = false })
	dec, err := h.send(t, protocol.TypeAgentQueueRefillRequested, "e1", map[string]any{"requestId": "r1", "reason": "empty"})
	require.NoError(t, err)
	assert.Equal(t, journal.DecisionAckOnly, dec)
	assert.Empty(t, h.commits.list())
}

func TestQueueRefillUsesStateSnapshot(t *testing.T) {
	h := newHarness(t, nil)
	dec, err := h.send(t, protocol.TypeAgentStateChanged, "s1", map[string]any{
		"state":           "idle",
		"position":        map[string]any{"x": 0, "y": 0, "region": "Plaza"},
		"currentActivity": "reading",
		"nearbyPlayers": []any{
			map[string]any{"id": "far", "name": "Far", "position": map[string]any{"x": 30, "y": 40}},
			map[string]any{"id": "near", "name": "Near", "position": map[string]any{"x": 3, "y": 4}},
			map[string]any{"playerId": "lost", "name": "Lost"},
			map[string]any{"name": "no id"},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, journal.DecisionAckOnly, dec)
	assert.Empty(t, h.commits.list())

	last := h.clock.Add(-4 * time.Second).UnixMilli()
	_, err = h.send(t, protocol.TypeAgentQueueRefillRequested, "e1", map[string]any{"remaining": 0, "lastDequeuedAt": last})
	require.NoError(t, err)

	text := h.commits.list()[0].Text
	assert.Contains(t, text, "Your position: (0,0) / area: Plaza")
	assert.Contains(t, text, "Current activity: reading")
	assert.Contains(t, text, "Near[near]@(3,4), distance≈5.00; Far[far]@(30,40), distance≈50.00; Lost[lost]@unknown")
	assert.NotContains(t, text, "no id")
	assert.Contains(t, text, "Queue remaining: 0")
	assert.Contains(t, text, "Last dequeue: 4.0s ago")
	assert.Contains(t, text, "Conversation participants: p1")
}

func TestConversationEndedSpawnsReflectionAndClearsState(t *testing.T) {
	h := newHarness(t, nil)
	_, err := h.send(t, protocol.TypeConversationStarted, "e1", map[string]any{"conversationId": "c1", "otherPlayerId": "p2"})
	require.NoError(t, err)

	_, err = h.send(t, protocol.TypeConversationEnded, "e2", map[string]any{
		"conversationId":  "c1",
		"otherPlayerId":   "p2",
		"otherPlayerName": "Bob",
		"messages": []any{
			map[string]any{"message": map[string]any{"speakerId": "p2", "content": "bye"}},
			map[string]any{"authorId": "p1", "text": "see you"},
			map[string]any{"speakerId": "p2", "content": " "},
		},
	})
	require.NoError(t, err)

	active, partner := h.d.Conversation()
	assert.Empty(t, active)
	assert.Empty(t, partner)

	require.Len(t, h.refl.inputs, 1)
	in := h.refl.inputs[0]
	assert.Equal(t, "c1", in.ConversationID)
	assert.Equal(t, "p2", in.OtherPlayerID)
	assert.Equal(t, "Bob", in.OtherPlayerName)
	assert.Equal(t, "a1", in.AgentID)
	assert.Equal(t, []reflection.Message{{SpeakerID: "p2", Content: "bye"}, {SpeakerID: "p1", Content: "see you"}}, in.Messages)
	assert.Len(t, h.commits.list(), 2)
}

func TestConversationEndedForOtherConversationKeepsState(t *testing.T) {
	h := newHarness(t, nil)
	_, _ = h.send(t, protocol.TypeConversationStarted, "e1", map[string]any{"conversationId": "c1"})
	_, _ = h.send(t, protocol.TypeConversationEnded, "e2", map[string]any{"conversationId": "c0"})
	active, _ := h.d.Conversation()
	assert.Equal(t, "c1", active)

	_, _ = h.send(t, protocol.TypeConversationEnded, "e3", map[string]any{})
	active, _ = h.d.Conversation()
	assert.Empty(t, active)
	assert.Equal(t, "the other party", h.refl.inputs[1].OtherPlayerName)
}

func TestConversationTimeoutWakesWithSystemText(t *testing.T) {
	h := newHarness(t, nil)
	_, _ = h.send(t, protocol.TypeConversationStarted, "e1", map[string]any{"conversationId": "c1"})

	dec, err := h.send(t, protocol.TypeConversationTimeout, "e2", map[string]any{"conversationId": "c1", "reason": "invite_timeout"})
	require.NoError(t, err)
	assert.Equal(t, journal.DecisionWake, dec)
	ev := h.commits.list()[1]
	assert.Equal(t, "system", ev.SenderID)
	assert.Contains(t, ev.Text, "invite went unanswered")
	assert.Equal(t, "c1", ev.Extras["conversation_id"])
	active, _ := h.d.Conversation()
	assert.Empty(t, active)
}

func TestRelationshipRespondedIsHighPriority(t *testing.T) {
	h := newHarness(t, nil)
	_, err := h.send(t, protocol.TypeSocialRelationshipResponded, "e1", map[string]any{"responderId": "p2", "status": "partner", "accept": true})
	require.NoError(t, err)
	ev := h.commits.list()[0]
	assert.Equal(t, "high", ev.Extras["priority"])
	assert.Equal(t, true, ev.Extras["relationship_accept"])
	assert.Equal(t, "partner", ev.Extras["relationship_status"])
	assert.Contains(t, ev.Text, "[p2] accepted your [partner] relationship proposal")
}

func TestActionFinishedNeverWakes(t *testing.T) {
	h := newHarness(t, nil)
	dec, err := h.send(t, protocol.TypeActionFinished, "e1", map[string]any{"success": false, "result": map[string]any{"reason": "expired"}})
	require.NoError(t, err)
	assert.Equal(t, journal.DecisionAckOnly, dec)
	assert.Empty(t, h.commits.list())
	assert.Equal(t, []string{"e1"}, h.gw.ackIDs())
}

func TestUnknownEventUsesBoundedExcerpt(t *testing.T) {
	h := newHarness(t, nil)
	_, err := h.send(t, "agent.mood_changed", "e1", map[string]any{"blob": strings.Repeat("z", 800)})
	require.NoError(t, err)
	text := h.commits.list()[0].Text
	assert.True(t, strings.HasPrefix(text, "[AstrTown] Received event agent.mood_changed: "))
	assert.True(t, strings.HasSuffix(text, "..."))
	assert.Less(t, len(text), 600)
}

func TestNonObjectPayloadIsDropped(t *testing.T) {
	h := newHarness(t, nil)
	env := protocol.Envelope{Type: protocol.TypeConversationMessage, ID: "e1", Payload: json.RawMessage(`[1,2]`)}
	dec, err := h.d.handle(context.Background(), env)
	require.NoError(t, err)
	assert.Empty(t, dec)
	assert.Empty(t, h.gw.ackIDs())

	env = protocol.Envelope{Type: protocol.TypeAgentStateChanged, ID: "e2", Payload: json.RawMessage(`null`)}
	dec, err = h.d.handle(context.Background(), env)
	require.NoError(t, err)
	assert.Equal(t, journal.DecisionAckOnly, dec)
}

func TestEmptyEventIDIsNotAcked(t *testing.T) {
	h := newHarness(t, nil)
	_, err := h.send(t, protocol.TypeActionFinished, "", map[string]any{})
	require.NoError(t, err)
	assert.Empty(t, h.gw.ackIDs())

	_, err = h.send(t, protocol.TypeConversationStarted, "", map[string]any{"conversationId": "c1"})
	require.NoError(t, err)
	ev := h.commits.list()[0]
	assert.True(t, strings.HasPrefix(ev.ID, "evt_"))
	assert.Empty(t, h.gw.ackIDs())
}

func TestResetSessionClearsState(t *testing.T) {
	h := newHarness(t, nil)
	_, _ = h.send(t, protocol.TypeConversationStarted, "e1", map[string]any{"conversationId": "c1", "otherPlayerId": "p2"})
	_, _ = h.send(t, protocol.TypeAgentQueueRefillRequested, "e2", map[string]any{})
	h.d.ResetSession()

	active, partner := h.d.Conversation()
	assert.Empty(t, active)
	assert.Empty(t, partner)

	dec, err := h.send(t, protocol.TypeAgentQueueRefillRequested, "e3", map[string]any{})
	require.NoError(t, err)
	assert.Equal(t, journal.DecisionWake, dec, "gate restarts after reset")
}

func TestSessionCounterWarnsAndResets(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	h := newHarness(t, func(c *Config) {
		c.MaxContextRounds = 1
		c.Logger = zap.New(core)
	})
	for i := 0; i < 3; i++ {
		_, err := h.send(t, "agent.custom", "e", map[string]any{})
		require.NoError(t, err)
	}
	assert.Equal(t, 1, logs.FilterMessageSnippet("session accumulated many events").Len())
	assert.Zero(t, h.d.sessionEvents["astrtown:world:w1"])
}

func TestJournalRecordsDecisions(t *testing.T) {
	h := newHarness(t, nil)
	_, _ = h.send(t, protocol.TypeActionFinished, "e1", map[string]any{})
	_, _ = h.send(t, protocol.TypeConversationStarted, "e2", map[string]any{"conversationId": "c1"})
	require.Len(t, h.journal.records, 2)
	assert.Equal(t, journal.DecisionAckOnly, h.journal.records[0].Decision)
	assert.Equal(t, journal.DecisionWake, h.journal.records[1].Decision)
	assert.Equal(t, "astrtown:world:w1", h.journal.records[1].SessionID)
}

func TestNewRejectsUnknownInviteMode(t *testing.T) {
	_, err := New(Config{InviteMode: "coin_flip", Gateway: &fakeGateway{}, Committer: &fakeCommitter{}})
	assert.Error(t, err)
}
