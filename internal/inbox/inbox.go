// Package inbox queues committed wake events until the external agent polls
// them through the tool server.
package inbox

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"astrtown.ai/internal/dispatch"
	"astrtown.ai/internal/logging"
)

var ErrFull = errors.New("inbox: full")

const (
	DefaultCapacity = 256
	defaultPollMax  = 16
)

// Inbox is a bounded FIFO ring. A full inbox refuses commits so the gateway
// keeps the event unacked and redelivers it later.
type Inbox struct {
	log *zap.Logger

	mu     sync.Mutex
	buf    []dispatch.WakeEvent
	head   int
	n      int
	notify chan struct{}
}

func New(capacity int, log *zap.Logger) *Inbox {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Inbox{
		log:    logging.OrNop(log).Named("inbox"),
		buf:    make([]dispatch.WakeEvent, capacity),
		notify: make(chan struct{}),
	}
}

func (b *Inbox) Commit(ctx context.Context, ev dispatch.WakeEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.n == len(b.buf) {
		b.log.Warn("inbox full; event left for redelivery",
			zap.String("event_id", ev.ID), zap.Int("capacity", len(b.buf)))
		return ErrFull
	}
	b.buf[(b.head+b.n)%len(b.buf)] = ev
	b.n++
	close(b.notify)
	b.notify = make(chan struct{})
	return nil
}

// Poll returns up to limit queued events, waiting up to wait for the first one.
// An empty result with a nil error means the wait elapsed.
func (b *Inbox) Poll(ctx context.Context, limit int, wait time.Duration) ([]dispatch.WakeEvent, error) {
	if limit <= 0 {
		limit = defaultPollMax
	}
	var timer <-chan time.Time
	if wait > 0 {
		t := time.NewTimer(wait)
		defer t.Stop()
		timer = t.C
	}
	for {
		b.mu.Lock()
		if b.n > 0 {
			out := b.takeLocked(limit)
			b.mu.Unlock()
			return out, nil
		}
		notify := b.notify
		b.mu.Unlock()

		if timer == nil {
			return nil, nil
		}
		select {
		case <-notify:
		case <-timer:
			return nil, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (b *Inbox) takeLocked(limit int) []dispatch.WakeEvent {
	k := min(limit, b.n)
	out := make([]dispatch.WakeEvent, k)
	for i := range k {
		idx := (b.head + i) % len(b.buf)
		out[i] = b.buf[idx]
		b.buf[idx] = dispatch.WakeEvent{}
	}
	b.head = (b.head + k) % len(b.buf)
	b.n -= k
	return out
}

func (b *Inbox) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.n
}
