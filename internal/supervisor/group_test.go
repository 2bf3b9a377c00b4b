package supervisor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestGroup_CloseCancelsTasks(t *testing.T) {
	defer goleak.VerifyNone(t)

	g := New(context.Background(), nil)
	started := make(chan struct{})
	require.True(t, g.Go("blocker", func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}))
	<-started
	assert.Equal(t, 1, g.Len())

	g.Close()
	assert.Equal(t, 0, g.Len())
	assert.False(t, g.Go("late", func(context.Context) error { return nil }))
}

func TestGroup_FailureDoesNotCancelSiblings(t *testing.T) {
	defer goleak.VerifyNone(t)

	core, logs := observer.New(zap.WarnLevel)
	g := New(context.Background(), zap.New(core))
	defer g.Close()

	done := make(chan struct{})
	g.Go("fails", func(context.Context) error { return errors.New("boom") })
	g.Go("panics", func(context.Context) error { panic("bad") })

	var sawCancel atomic.Bool
	g.Go("survivor", func(ctx context.Context) error {
		defer close(done)
		select {
		case <-ctx.Done():
			sawCancel.Store(true)
		case <-time.After(50 * time.Millisecond):
		}
		return nil
	})
	<-done
	assert.False(t, sawCancel.Load())

	require.Eventually(t, func() bool { return logs.Len() == 2 }, time.Second, 5*time.Millisecond)
	for _, e := range logs.All() {
		assert.Equal(t, "background task failed", e.Message)
	}
}
