// Package reflection turns finished conversations into long-term memory and
// affinity updates, and periodically distills accumulated memories into
// higher-level insights. All of it runs off the event path.
package reflection

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"astrtown.ai/internal/gatewayapi"
	"astrtown.ai/internal/journal"
	"astrtown.ai/internal/logging"
	"astrtown.ai/internal/supervisor"
)

var ErrMissingBinding = errors.New("reflection: agent or player id unknown")

const (
	DefaultThreshold  = 300
	recentMemoryCount = 50
	insightImportance = 10

	kindConversation = "conversation"
	kindHigher       = "higher"
)

// Outcome.Skipped reasons.
const (
	SkipNoMessages    = "no messages"
	SkipNoOtherPlayer = "no other player"
	SkipNoMemories    = "no memories"
	SkipNoWorld       = "no world"
)

// Completer is the reflection LLM.
type Completer interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// MemoryAPI is the subset of gatewayapi.Client reflections write through.
type MemoryAPI interface {
	InjectMemory(ctx context.Context, m gatewayapi.MemoryInjection) error
	UpdateAffinity(ctx context.Context, ownerID, targetID string, delta int, label string) error
	RecentMemories(ctx context.Context, worldID, playerID string, count int) ([]gatewayapi.Memory, error)
}

type Journal interface {
	RecordReflection(r journal.ReflectionRecord) error
}

type Config struct {
	LLM       Completer
	Memory    MemoryAPI
	Threshold float64
	Journal   Journal
	Tasks     *supervisor.Group
	Logger    *zap.Logger
}

// Outcome reports how far a conversation reflection got. Each step that
// failed carries its own error; later steps are not attempted.
type Outcome struct {
	Reflection    Reflection
	Skipped       string
	LLMErr        error
	MemoryErr     error
	AffinityErr   error
	HigherSpawned bool
}

func (o Outcome) Err() error { return errors.Join(o.LLMErr, o.MemoryErr, o.AffinityErr) }

type HigherOutcome struct {
	Insights []string
	Injected int
	Skipped  string
	Err      error
}

type Orchestrator struct {
	cfg   Config
	log   *zap.Logger
	tasks *supervisor.Group
	now   func() time.Time

	mu         sync.Mutex
	importance float64
}

func New(cfg Config) (*Orchestrator, error) {
	if cfg.LLM == nil {
		return nil, fmt.Errorf("reflection: nil llm")
	}
	if cfg.Memory == nil {
		return nil, fmt.Errorf("reflection: nil memory api")
	}
	if cfg.Threshold <= 0 {
		cfg.Threshold = DefaultThreshold
	}
	log := logging.OrNop(cfg.Logger).Named("reflection")
	tasks := cfg.Tasks
	if tasks == nil {
		tasks = supervisor.New(context.Background(), log)
	}
	return &Orchestrator{cfg: cfg, log: log, tasks: tasks, now: time.Now}, nil
}

// Spawn runs Reflect on the supervisor and returns immediately.
func (o *Orchestrator) Spawn(in Input) {
	name := "reflection-" + firstNonEmpty(in.ConversationID, "unknown")
	if !o.tasks.Go(name, func(ctx context.Context) error {
		return o.Reflect(ctx, in).Err()
	}) {
		o.log.Debug("reflection not started: shutting down", zap.String("conversation_id", in.ConversationID))
	}
}

// Accumulated is the importance collected since the last higher reflection.
func (o *Orchestrator) Accumulated() float64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.importance
}

func (o *Orchestrator) Reflect(ctx context.Context, in Input) (out Outcome) {
	defer func() { o.recordConversation(in, out) }()

	if len(in.Messages) == 0 {
		out.Skipped = SkipNoMessages
		return out
	}
	owner := strings.TrimSpace(in.PlayerID)
	agent := strings.TrimSpace(in.AgentID)
	if owner == "" || agent == "" {
		out.LLMErr = ErrMissingBinding
		return out
	}

	reply, err := o.cfg.LLM.Complete(ctx, conversationPrompt(in))
	if err != nil {
		out.LLMErr = err
		return out
	}
	r, err := ParseReflection(reply)
	if err != nil {
		out.LLMErr = err
		o.log.Warn("reflection reply unparsable", zap.String("conversation_id", in.ConversationID))
		return out
	}
	out.Reflection = r

	err = o.cfg.Memory.InjectMemory(ctx, gatewayapi.MemoryInjection{
		AgentID:    agent,
		PlayerID:   owner,
		Summary:    r.Summary,
		Importance: r.Importance,
		MemoryType: gatewayapi.MemoryConversation,
	})
	if err != nil {
		out.MemoryErr = err
		o.log.Warn("reflection memory inject failed; importance not accumulated",
			zap.String("conversation_id", in.ConversationID), zap.Error(err))
		return out
	}

	target := strings.TrimSpace(in.OtherPlayerID)
	if target == "" {
		out.Skipped = SkipNoOtherPlayer
		o.log.Warn("reflection has no other player; affinity skipped", zap.String("conversation_id", in.ConversationID))
		return out
	}
	if err := o.cfg.Memory.UpdateAffinity(ctx, owner, target, r.AffinityDelta, r.AffinityLabel); err != nil {
		out.AffinityErr = err
		o.log.Warn("reflection affinity update failed; importance not accumulated",
			zap.String("conversation_id", in.ConversationID), zap.Error(err))
		return out
	}
	o.log.Info("conversation reflection completed",
		zap.String("conversation_id", in.ConversationID),
		zap.Int("delta", r.AffinityDelta))

	if o.accumulate(r.Importance) {
		out.HigherSpawned = o.tasks.Go("higher-reflection-"+owner, func(ctx context.Context) error {
			return o.HigherReflect(ctx, in).Err
		})
	}
	return out
}

// accumulate adds importance and reports whether the threshold was reached,
// resetting the total when it was.
func (o *Orchestrator) accumulate(importance int) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.importance += float64(importance)
	if o.importance < o.cfg.Threshold {
		return false
	}
	o.importance = 0
	return true
}

// HigherReflect distills recent memories into insights stored as reflection
// memories.
func (o *Orchestrator) HigherReflect(ctx context.Context, in Input) (out HigherOutcome) {
	defer func() { o.recordHigher(out) }()

	owner := strings.TrimSpace(in.PlayerID)
	agent := strings.TrimSpace(in.AgentID)
	if owner == "" || agent == "" {
		out.Err = ErrMissingBinding
		return out
	}
	world := strings.TrimSpace(in.WorldID)
	if world == "" {
		out.Skipped = SkipNoWorld
		return out
	}

	memories, err := o.cfg.Memory.RecentMemories(ctx, world, owner, recentMemoryCount)
	if err != nil {
		out.Err = fmt.Errorf("recent memories: %w", err)
		return out
	}
	prompt := higherPrompt(firstNonEmpty(strings.TrimSpace(in.PlayerName), owner), memories)
	if prompt == "" {
		out.Skipped = SkipNoMemories
		o.log.Info("higher reflection skipped: no memory descriptions")
		return out
	}

	reply, err := o.cfg.LLM.Complete(ctx, prompt)
	if err != nil {
		out.Err = err
		return out
	}
	out.Insights = ParseInsights(reply)
	if len(out.Insights) == 0 {
		out.Err = ErrUnparsable
		return out
	}

	var errs []error
	for _, insight := range out.Insights {
		err := o.cfg.Memory.InjectMemory(ctx, gatewayapi.MemoryInjection{
			AgentID:    agent,
			PlayerID:   owner,
			Summary:    insight,
			Importance: insightImportance,
			MemoryType: gatewayapi.MemoryReflection,
		})
		if err != nil {
			errs = append(errs, err)
			continue
		}
		out.Injected++
	}
	if out.Injected == 0 {
		out.Err = fmt.Errorf("no insight persisted: %w", errors.Join(errs...))
		return out
	}
	o.log.Info("higher reflection completed", zap.Int("injected", out.Injected))
	return out
}

func (o *Orchestrator) recordConversation(in Input, out Outcome) {
	if o.cfg.Journal == nil || out.Skipped == SkipNoMessages {
		return
	}
	rec := journal.ReflectionRecord{
		At:             o.now().UnixMilli(),
		Kind:           kindConversation,
		ConversationID: in.ConversationID,
		OtherPlayerID:  in.OtherPlayerID,
		Summary:        out.Reflection.Summary,
		Importance:     out.Reflection.Importance,
		AffinityDelta:  out.Reflection.AffinityDelta,
		AffinityLabel:  out.Reflection.AffinityLabel,
	}
	if err := out.Err(); err != nil {
		rec.Error = err.Error()
	}
	if err := o.cfg.Journal.RecordReflection(rec); err != nil {
		o.log.Warn("journal write failed", zap.Error(err))
	}
}

func (o *Orchestrator) recordHigher(out HigherOutcome) {
	if o.cfg.Journal == nil {
		return
	}
	rec := journal.ReflectionRecord{
		At:       o.now().UnixMilli(),
		Kind:     kindHigher,
		Insights: out.Injected,
	}
	if out.Err != nil {
		rec.Error = out.Err.Error()
	}
	if err := o.cfg.Journal.RecordReflection(rec); err != nil {
		o.log.Warn("journal write failed", zap.Error(err))
	}
}
