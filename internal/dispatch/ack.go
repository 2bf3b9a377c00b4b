package dispatch

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"astrtown.ai/internal/protocol"
)

// ackSender writes event.ack frames. Successful acks are logged at most
// once per window with a count.
type ackSender struct {
	w      FrameWriter
	log    *zap.Logger
	now    func() time.Time
	window time.Duration

	mu      sync.Mutex
	lastLog time.Time
	count   int
}

func (a *ackSender) send(eventID string) error {
	if eventID == "" || a.w == nil {
		return nil
	}
	now := a.now()
	err := a.w.WriteJSON(protocol.EventAck{
		Type:      protocol.TypeEventAck,
		ID:        protocol.NewID("ack"),
		Timestamp: now.UnixMilli(),
		Payload:   protocol.EventAckPayload{EventID: eventID},
	})
	if err != nil {
		return err
	}

	a.mu.Lock()
	a.count++
	if now.Sub(a.lastLog) < a.window {
		a.mu.Unlock()
		return nil
	}
	n := a.count
	a.count = 0
	a.lastLog = now
	a.mu.Unlock()
	a.log.Debug("event acks sent", zap.String("last_event_id", eventID), zap.Int("count", n), zap.Duration("window", a.window))
	return nil
}
