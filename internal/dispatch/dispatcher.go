// Package dispatch turns world events into state updates, autonomous
// replies or wake events for the host agent. Every event is acked once its
// handling is decided; events that wake the agent are acked only after the
// commit succeeds, so a failed commit leaves the event for redelivery.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"astrtown.ai/internal/gateway"
	"astrtown.ai/internal/gatewayapi"
	"astrtown.ai/internal/journal"
	"astrtown.ai/internal/logging"
	"astrtown.ai/internal/protocol"
	"astrtown.ai/internal/reflection"
	"astrtown.ai/internal/supervisor"
)

// Invite decision modes.
const (
	InviteAutoAccept = "auto_accept"
	InviteLLMJudge   = "llm_judge"
)

var ErrCommit = errors.New("commit wake event")

type FrameWriter interface {
	WriteJSON(v any) error
}

// Gateway is the slice of gateway.Client the dispatcher uses.
type Gateway interface {
	FrameWriter
	Binding() gateway.Binding
	SendCommand(ctx context.Context, typ string, payload any) gateway.Result
}

// Committer hands a wake event to the host agent pipeline.
type Committer interface {
	Commit(ctx context.Context, ev WakeEvent) error
}

// ReflectionSpawner starts a post-conversation reflection in the background.
// Spawn must not block.
type ReflectionSpawner interface {
	Spawn(in reflection.Input)
}

type SocialStates interface {
	SocialState(ctx context.Context, worldID, ownerID, targetID string) (gatewayapi.SocialState, error)
}

type EventJournal interface {
	RecordEvent(r journal.EventRecord) error
}

// WakeEvent is one message for the host agent.
type WakeEvent struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	SessionID  string         `json:"sessionId"`
	SenderID   string         `json:"senderId"`
	SenderName string         `json:"senderName"`
	Text       string         `json:"text"`
	Extras     map[string]any `json:"extras,omitempty"`
	Payload    map[string]any `json:"payload,omitempty"`
	At         int64          `json:"at"`

	// Social is resolved by AppendSocialContext on the consumer side.
	Social *SocialRef `json:"-"`
}

type Config struct {
	InviteMode            string
	RefillWakeEnabled     bool
	RefillMinWakeInterval time.Duration
	MaxContextRounds      int
	UniqueSession         bool

	Gateway    Gateway
	Committer  Committer
	Reflection ReflectionSpawner
	Journal    EventJournal
	Tasks      *supervisor.Group
	Logger     *zap.Logger
}

type Dispatcher struct {
	cfg   Config
	log   *zap.Logger
	tasks *supervisor.Group
	acks  *ackSender
	now   func() time.Time

	mu            sync.Mutex
	conv          conversation
	snap          *snapshot
	gate          refillGate
	sessionEvents map[string]int
}

func New(cfg Config) (*Dispatcher, error) {
	if cfg.Gateway == nil {
		return nil, fmt.Errorf("dispatch: nil gateway")
	}
	if cfg.Committer == nil {
		return nil, fmt.Errorf("dispatch: nil committer")
	}
	switch cfg.InviteMode {
	case "":
		cfg.InviteMode = InviteAutoAccept
	case InviteAutoAccept, InviteLLMJudge:
	default:
		return nil, fmt.Errorf("dispatch: unknown invite mode %q", cfg.InviteMode)
	}
	if cfg.RefillMinWakeInterval <= 0 {
		cfg.RefillMinWakeInterval = 10 * time.Second
	}
	if cfg.MaxContextRounds <= 0 {
		cfg.MaxContextRounds = 50
	}
	log := logging.OrNop(cfg.Logger).Named("dispatch")
	tasks := cfg.Tasks
	if tasks == nil {
		tasks = supervisor.New(context.Background(), log)
	}
	d := &Dispatcher{
		cfg:           cfg,
		log:           log,
		tasks:         tasks,
		now:           time.Now,
		sessionEvents: map[string]int{},
	}
	d.acks = &ackSender{w: cfg.Gateway, log: log, now: func() time.Time { return d.now() }, window: 10 * time.Second}
	return d, nil
}

// Conversation returns the tracked conversation id and partner.
func (d *Dispatcher) Conversation() (activeID, partnerID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.conv.activeID, d.conv.partnerID
}

// ResetSession drops all per-connection state.
func (d *Dispatcher) ResetSession() {
	d.mu.Lock()
	d.conv = conversation{}
	d.snap = nil
	d.gate = refillGate{}
	d.sessionEvents = map[string]int{}
	d.mu.Unlock()
}

// HandleEvent processes one world event. Failures are logged; an event
// whose commit failed stays unacked.
func (d *Dispatcher) HandleEvent(ctx context.Context, env protocol.Envelope) {
	if _, err := d.handle(ctx, env); err != nil {
		d.log.Error("world event not acked", zap.String("event_id", env.ID), zap.String("type", env.Type), zap.Error(err))
	}
}

type event struct {
	env     protocol.Envelope
	payload map[string]any
	binding gateway.Binding
}

func (e event) owner() string { return strings.TrimSpace(e.binding.PlayerID) }

func (d *Dispatcher) handle(ctx context.Context, env protocol.Envelope) (journal.Decision, error) {
	payload, ok := env.PayloadMap()
	if !ok {
		d.log.Debug("world event payload is not an object", zap.String("type", env.Type))
		return "", nil
	}
	ev := event{env: env, payload: payload, binding: d.cfg.Gateway.Binding()}

	var (
		decision journal.Decision
		sid      string
		err      error
	)
	switch env.Type {
	case protocol.TypeConversationMessage:
		decision, sid, err = d.onMessage(ctx, ev)
	case protocol.TypeAgentStateChanged:
		decision = d.onStateChanged(ev)
	case protocol.TypeConversationEnded:
		decision, sid, err = d.onEnded(ctx, ev)
	case protocol.TypeConversationStarted:
		decision, sid, err = d.onStarted(ctx, ev)
	case protocol.TypeConversationTimeout:
		decision, sid, err = d.onTimeout(ctx, ev)
	case protocol.TypeSocialRelationshipProposed, protocol.TypeSocialRelationshipResponded:
		decision, sid, err = d.onRelationship(ctx, ev)
	case protocol.TypeConversationInvited:
		decision, sid, err = d.onInvited(ctx, ev)
	case protocol.TypeAgentQueueRefillRequested:
		decision, sid, err = d.onQueueRefill(ctx, ev)
	case protocol.TypeActionFinished:
		decision = d.onActionFinished(ev)
	default:
		decision, sid, err = d.wakeGeneric(ctx, ev, nil)
	}
	d.record(env, sid, decision)
	return decision, err
}

func (d *Dispatcher) record(env protocol.Envelope, sid string, decision journal.Decision) {
	if d.cfg.Journal == nil || decision == "" {
		return
	}
	err := d.cfg.Journal.RecordEvent(journal.EventRecord{
		At:        d.now().UnixMilli(),
		Type:      env.Type,
		EventID:   env.ID,
		SessionID: sid,
		Decision:  decision,
	})
	if err != nil {
		d.log.Warn("journal write failed", zap.Error(err))
	}
}

func (d *Dispatcher) ack(eventID string) {
	if err := d.acks.send(eventID); err != nil {
		d.log.Warn("send event ack failed", zap.String("event_id", eventID), zap.Error(err))
	}
}

func (d *Dispatcher) ackOnly(ev event) journal.Decision {
	d.ack(ev.env.ID)
	return journal.DecisionAckOnly
}

func (d *Dispatcher) newWake(ev event, text, senderID, senderName string) WakeEvent {
	id := ev.env.ID
	if id == "" {
		id = protocol.NewID("evt")
	}
	return WakeEvent{
		ID:         id,
		Type:       ev.env.Type,
		SessionID:  SessionID(d.cfg.UniqueSession, ev.binding, ev.env.Type, ev.payload),
		SenderID:   firstNonEmpty(senderID, "system"),
		SenderName: firstNonEmpty(senderName, "AstrTown"),
		Text:       text,
		Extras:     map[string]any{"event_type": ev.env.Type, "event_id": ev.env.ID},
		Payload:    ev.payload,
		At:         d.now().UnixMilli(),
	}
}

// commit hands we to the host and acks only on success.
func (d *Dispatcher) commit(ctx context.Context, ev event, we WakeEvent) (journal.Decision, string, error) {
	if err := d.cfg.Committer.Commit(ctx, we); err != nil {
		return journal.DecisionCommitFailed, we.SessionID, fmt.Errorf("%w: %v", ErrCommit, err)
	}
	d.log.Info("world event received",
		zap.String("event_id", ev.env.ID),
		zap.String("type", ev.env.Type),
		zap.String("agent_id", ev.binding.AgentID))
	d.ack(ev.env.ID)
	return journal.DecisionWake, we.SessionID, nil
}

func (d *Dispatcher) onMessage(ctx context.Context, ev event) (journal.Decision, string, error) {
	incoming := str(ev.payload["conversationId"])
	speaker := str(asMap(ev.payload["message"])["speakerId"])

	d.mu.Lock()
	active := d.conv.activeID
	stale := active != "" && incoming != "" && incoming != active
	if !stale && speaker != "" && speaker != ev.owner() {
		d.conv.partnerID = speaker
	}
	d.mu.Unlock()

	if stale {
		d.log.Info("stale conversation message filtered",
			zap.String("incoming", incoming),
			zap.String("active", active),
			zap.String("agent_id", ev.binding.AgentID))
		d.ack(ev.env.ID)
		return journal.DecisionStale, "", nil
	}
	return d.wakeGeneric(ctx, ev, nil)
}

func (d *Dispatcher) onStateChanged(ev event) journal.Decision {
	snap := snapshotFrom(ev.payload, d.now())
	d.mu.Lock()
	d.snap = snap
	d.mu.Unlock()
	d.log.Debug("state snapshot updated", zap.String("event_id", ev.env.ID))
	return d.ackOnly(ev)
}

var (
	otherIDKeys   = []string{"otherPlayerId", "other_player_id", "otherParticipantId", "targetPlayerId", "counterpartId"}
	otherNameKeys = []string{"otherPlayerName", "other_player_name", "otherParticipantName", "targetPlayerName", "counterpartName"}
)

func (d *Dispatcher) onEnded(ctx context.Context, ev event) (journal.Decision, string, error) {
	cid := str(ev.payload["conversationId"])
	d.mu.Lock()
	d.conv.clearFor(cid)
	d.mu.Unlock()

	if d.cfg.Reflection != nil {
		otherID := pickFirst(ev.payload, otherIDKeys...)
		otherName := firstNonEmpty(pickFirst(ev.payload, otherNameKeys...), otherID, "the other party")
		d.cfg.Reflection.Spawn(reflection.Input{
			AgentID:         ev.binding.AgentID,
			PlayerID:        ev.binding.PlayerID,
			PlayerName:      ev.binding.PlayerName,
			WorldID:         ev.binding.WorldID,
			ConversationID:  cid,
			OtherPlayerID:   otherID,
			OtherPlayerName: otherName,
			Messages:        ExtractMessages(ev.payload),
		})
	}
	return d.wakeGeneric(ctx, ev, nil)
}

func (d *Dispatcher) onStarted(ctx context.Context, ev event) (journal.Decision, string, error) {
	cid := str(ev.payload["conversationId"])
	owner := ev.owner()
	partner := ""
	if ids, ok := asList(ev.payload["otherParticipantIds"]); ok {
		for _, v := range ids {
			if s := str(v); s != "" && s != owner {
				partner = s
				break
			}
		}
	}
	if partner == "" {
		partner = pickFirst(ev.payload, otherIDKeys...)
	}

	d.mu.Lock()
	if cid != "" {
		d.conv.activeID = cid
	}
	if partner != "" && partner != owner {
		d.conv.partnerID = partner
	}
	d.mu.Unlock()
	return d.wakeGeneric(ctx, ev, nil)
}

func (d *Dispatcher) onTimeout(ctx context.Context, ev event) (journal.Decision, string, error) {
	cid := str(ev.payload["conversationId"])
	d.mu.Lock()
	d.conv.clearFor(cid)
	d.mu.Unlock()

	we := d.newWake(ev, timeoutText(str(ev.payload["reason"])), "", "")
	if cid != "" {
		we.Extras["conversation_id"] = cid
	}
	return d.commit(ctx, ev, we)
}

func (d *Dispatcher) onRelationship(ctx context.Context, ev event) (journal.Decision, string, error) {
	status := firstNonEmpty(str(ev.payload["status"]), "unknown")
	var we WakeEvent
	if ev.env.Type == protocol.TypeSocialRelationshipProposed {
		we = d.newWake(ev, relationshipProposedText(ev.payload), "", "")
		if id := str(ev.payload["proposerId"]); id != "" {
			we.Extras["proposer_id"] = id
		}
	} else {
		we = d.newWake(ev, relationshipRespondedText(ev.payload), "", "")
		accepted, _ := ev.payload["accept"].(bool)
		we.Extras["responder_id"] = firstNonEmpty(str(ev.payload["responderId"]), "unknown")
		we.Extras["relationship_accept"] = accepted
	}
	we.Extras["relationship_status"] = status
	we.Extras["priority"] = "high"
	return d.commit(ctx, ev, we)
}

func (d *Dispatcher) onInvited(ctx context.Context, ev event) (journal.Decision, string, error) {
	cid := str(ev.payload["conversationId"])
	inviter := str(ev.payload["inviterId"])
	if inviter != "" && inviter != ev.owner() {
		d.mu.Lock()
		d.conv.partnerID = inviter
		d.mu.Unlock()
	}
	d.log.Info("conversation invite",
		zap.String("mode", d.cfg.InviteMode),
		zap.String("conversation_id", cid),
		zap.String("inviter", firstNonEmpty(str(ev.payload["inviterName"]), inviter)))

	if d.cfg.InviteMode != InviteAutoAccept {
		return d.wakeGeneric(ctx, ev, nil)
	}

	if cid == "" {
		d.log.Warn("auto accept skipped: empty conversationId")
	} else {
		d.mu.Lock()
		d.conv.activeID = cid
		d.mu.Unlock()
		// The ack for this command arrives on the read loop that is running
		// this handler, so the send must not block it.
		d.tasks.Go("auto-accept-invite", func(ctx context.Context) error {
			return d.autoAccept(ctx, cid)
		})
	}
	d.ack(ev.env.ID)
	return journal.DecisionAutoAccept, "", nil
}

func (d *Dispatcher) autoAccept(ctx context.Context, cid string) error {
	res := d.cfg.Gateway.SendCommand(ctx, protocol.CmdAcceptInvite, map[string]any{"conversationId": cid})
	switch res.Kind {
	case gateway.Accepted, gateway.TimedOut:
		d.log.Info("invite auto accepted", zap.String("conversation_id", cid), zap.String("result", res.Kind.String()))
		return nil
	}
	d.mu.Lock()
	if d.conv.activeID == cid {
		d.conv.activeID = ""
	}
	d.mu.Unlock()
	return fmt.Errorf("accept invite %s: %s %s", cid, res.Kind, firstNonEmpty(res.Reason, errString(res.Err)))
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func (d *Dispatcher) onQueueRefill(ctx context.Context, ev event) (journal.Decision, string, error) {
	if !d.cfg.RefillWakeEnabled {
		return d.ackOnly(ev), "", nil
	}
	requestID := str(ev.payload["requestId"])
	reason := strings.ToLower(str(ev.payload["reason"]))
	now := d.now()

	d.mu.Lock()
	gd := d.gate.evaluate(now, d.cfg.RefillMinWakeInterval, requestID, reason)
	var wc WorldContext
	if gd.wake {
		wc = buildWorldContext(ev.payload, d.snap, d.conv, ev.owner(), now)
	}
	d.mu.Unlock()

	if gd.log {
		d.log.Debug("queue refill gate",
			zap.Duration("elapsed", gd.elapsed),
			zap.Duration("min_interval", d.cfg.RefillMinWakeInterval),
			zap.Bool("wake", gd.wake),
			zap.String("gate", gd.gate),
			zap.String("request_id", requestID),
			zap.String("reason", reason),
			zap.Int("skipped", gd.skipped))
	}
	if !gd.wake {
		return d.ackOnly(ev), "", nil
	}
	return d.wakeGeneric(ctx, ev, &wc)
}

func (d *Dispatcher) onActionFinished(ev event) journal.Decision {
	result := asMap(ev.payload["result"])
	if success, ok := ev.payload["success"].(bool); ok && !success && str(result["reason"]) == "expired" {
		d.log.Warn("command expired and was discarded", zap.Any("payload", ev.payload))
	}
	return d.ackOnly(ev)
}

// wakeGeneric is the default wake path shared by most event types.
func (d *Dispatcher) wakeGeneric(ctx context.Context, ev event, wc *WorldContext) (journal.Decision, string, error) {
	text := formatEvent(ev.env.Type, ev.payload, wc)

	var senderID, senderName, partner string
	switch ev.env.Type {
	case protocol.TypeConversationMessage:
		senderID = str(asMap(ev.payload["message"])["speakerId"])
		senderName = senderID
		partner = senderID
	case protocol.TypeConversationInvited:
		senderID = str(ev.payload["inviterId"])
		senderName = firstNonEmpty(str(ev.payload["inviterName"]), senderID)
		partner = senderID
	}
	we := d.newWake(ev, text, senderID, senderName)
	we.Social = socialRef(ev.binding.WorldID, ev.owner(), partner)
	if cid := str(ev.payload["conversationId"]); cid != "" {
		we.Extras["conversation_id"] = cid
	}
	d.countSession(we.SessionID)
	return d.commit(ctx, ev, we)
}

// countSession warns when one session accumulates more events than the
// host context can reasonably hold, then restarts the count.
func (d *Dispatcher) countSession(sid string) {
	threshold := d.cfg.MaxContextRounds * 2
	d.mu.Lock()
	d.sessionEvents[sid]++
	n := d.sessionEvents[sid]
	over := threshold > 0 && n > threshold
	if over {
		d.sessionEvents[sid] = 0
	}
	d.mu.Unlock()
	if over {
		d.log.Warn("session accumulated many events; check host context compression",
			zap.String("session_id", sid), zap.Int("events", n))
	}
}
