// Package supervisor owns background work that must never block or crash
// the protocol loop: persona sync and reflections.
package supervisor

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"astrtown.ai/internal/logging"
)

// Group runs named tasks under one cancellable context. Task errors and
// panics are logged, never returned to the caller of Go.
type Group struct {
	log    *zap.Logger
	ctx    context.Context
	cancel context.CancelFunc
	eg     *errgroup.Group

	mu     sync.Mutex
	closed bool
	active atomic.Int64
}

func New(parent context.Context, log *zap.Logger) *Group {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)
	eg, ctx := errgroup.WithContext(ctx)
	return &Group{
		log:    logging.OrNop(log).Named("supervisor"),
		ctx:    ctx,
		cancel: cancel,
		eg:     eg,
	}
}

// Go starts fn unless the group is already closed.
func (g *Group) Go(name string, fn func(ctx context.Context) error) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return false
	}
	g.active.Add(1)
	g.eg.Go(func() error {
		defer g.active.Add(-1)
		// Failures stay local: returning them would cancel sibling tasks.
		if err := g.run(fn); err != nil && g.ctx.Err() == nil {
			g.log.Warn("background task failed", zap.String("task", name), zap.Error(err))
		}
		return nil
	})
	return true
}

func (g *Group) run(fn func(ctx context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn(g.ctx)
}

// Len is the number of tasks still running.
func (g *Group) Len() int { return int(g.active.Load()) }

// Close cancels every task and waits for them to return.
func (g *Group) Close() {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return
	}
	g.closed = true
	g.mu.Unlock()
	g.cancel()
	_ = g.eg.Wait()
}
