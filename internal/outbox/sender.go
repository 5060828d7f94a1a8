// Package outbox resends queued messages once the connection is back.
package outbox

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/matheus3301/hubclient/internal/bus"
	"github.com/matheus3301/hubclient/internal/outbound"
	"github.com/matheus3301/hubclient/internal/status"
	"github.com/matheus3301/hubclient/internal/store"
)

// Resender sends one queued entry. *outbound.Invoker satisfies it.
type Resender interface {
	Resend(ctx context.Context, e store.OutboxEntry) error
}

// Pending lists queued entries. *store.DB satisfies it.
type Pending interface {
	PendingOutbox() ([]store.OutboxEntry, error)
}

// Sender drains the outbox every time the lifecycle enters Connected.
type Sender struct {
	db     Pending
	sender Resender
	bus    *bus.Bus
	logger *zap.Logger
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// flushMu keeps one drain running at a time.
	flushMu sync.Mutex
}

// NewSender creates a new outbox sender.
func NewSender(db Pending, sender Resender, b *bus.Bus, logger *zap.Logger) *Sender {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sender{
		db:     db,
		sender: sender,
		bus:    b,
		logger: logger,
	}
}

// Start subscribes to lifecycle changes.
func (s *Sender) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	ch, unsub := s.bus.Subscribe(bus.KindStateChanged, 16)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer unsub()
		s.loop(ctx, ch)
	}()
}

// Stop stops the sender loop and waits for a running drain.
func (s *Sender) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

func (s *Sender) loop(ctx context.Context, ch <-chan bus.Event) {
	for {
		select {
		case evt := <-ch:
			change, ok := evt.Payload.(status.StatusChange)
			if !ok || change.To != status.Connected {
				continue
			}
			if n := s.Flush(ctx); n > 0 {
				s.logger.Info("outbox flushed after connect", zap.Int("sent", n))
			}
		case <-ctx.Done():
			return
		}
	}
}

// Flush resends every queued entry, oldest first, and returns how many
// were sent. It stops early when the connection drops again.
func (s *Sender) Flush(ctx context.Context) int {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()

	pending, err := s.db.PendingOutbox()
	if err != nil {
		s.logger.Error("failed to read outbox", zap.Error(err))
		return 0
	}

	sent := 0
	for _, entry := range pending {
		if ctx.Err() != nil {
			return sent
		}
		if err := s.sender.Resend(ctx, entry); err != nil {
			s.logger.Warn("failed to resend queued message", zap.Error(err),
				zap.String("client_msg_id", entry.ClientMsgID), zap.Int("attempts", entry.Attempts+1))
			if ctx.Err() != nil || errors.Is(err, outbound.ErrNotConnected) {
				return sent
			}
			continue
		}
		sent++
	}
	return sent
}
