// Package notify turns inbound messages into user notifications published
// on the bus for attached consumers (hubctl watch, desktop bridges).
package notify

import (
	"context"

	"go.uber.org/zap"

	"github.com/matheus3301/hubclient/internal/bus"
)

const maxBody = 140

// Message describes an inbound message worth notifying about.
type Message struct {
	ChatID    string
	Sender    string
	Body      string
	IsGroup   bool
	GroupName string
}

// Title is "{sender} in {group}" for group messages, otherwise the sender.
func (m Message) Title() string {
	if m.IsGroup && m.GroupName != "" {
		return m.Sender + " in " + m.GroupName
	}
	return m.Sender
}

// Notification is the bus payload of bus.KindNotification.
type Notification struct {
	ChatID string
	Title  string
	Body   string
}

// Sink publishes notifications unless the relevant chat is in focus.
type Sink struct {
	bus    *bus.Bus
	focus  func() string
	logger *zap.Logger
}

// New creates a sink. focus returns the chat currently open, or "".
func New(b *bus.Bus, focus func() string, logger *zap.Logger) *Sink {
	if logger == nil {
		logger = zap.NewNop()
	}
	if focus == nil {
		focus = func() string { return "" }
	}
	return &Sink{bus: b, focus: focus, logger: logger}
}

// ShowMessageNotification publishes m. It is suppressed when m's chat is
// the one currently open.
func (s *Sink) ShowMessageNotification(ctx context.Context, m Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if m.ChatID != "" && m.ChatID == s.focus() {
		s.logger.Debug("notification suppressed, chat in focus", zap.String("chat_id", m.ChatID))
		return nil
	}
	s.bus.Emit(bus.KindNotification, Notification{
		ChatID: m.ChatID,
		Title:  m.Title(),
		Body:   truncate(m.Body, maxBody),
	})
	return nil
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
