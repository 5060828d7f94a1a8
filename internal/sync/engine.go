// Package sync loads chat lists and message history from the REST service
// into the store.
package sync

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/hubclient/internal/bus"
	"github.com/matheus3301/hubclient/internal/rest"
	"github.com/matheus3301/hubclient/internal/status"
	"github.com/matheus3301/hubclient/internal/store"
	"github.com/matheus3301/hubclient/internal/wire"
)

const fetchTimeout = 30 * time.Second

// Source is the history service. *rest.Client satisfies it.
type Source interface {
	GetChats(ctx context.Context, r rest.HistoryRequest) (*rest.History, error)
	GetRecentChat(ctx context.Context) ([]rest.RecentChat, error)
}

// Engine seeds recent chats on connect and loads history for the selected
// chat. It subscribes to lifecycle and selection events on the bus.
type Engine struct {
	db       *store.DB
	source   Source
	bus      *bus.Bus
	identity func() int64
	logger   *zap.Logger
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewEngine creates a new sync engine.
func NewEngine(db *store.DB, source Source, b *bus.Bus, identity func() int64, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		db:       db,
		source:   source,
		bus:      b,
		identity: identity,
		logger:   logger,
	}
}

// Start subscribes to bus events.
func (e *Engine) Start(ctx context.Context) {
	ctx, e.cancel = context.WithCancel(ctx)
	states, unsubStates := e.bus.Subscribe(bus.KindStateChanged, 16)
	selections, unsubSelections := e.bus.Subscribe(bus.KindChatSelected, 16)
	e.done = make(chan struct{})

	go func() {
		defer close(e.done)
		defer unsubStates()
		defer unsubSelections()
		for {
			select {
			case evt := <-states:
				if change, ok := evt.Payload.(status.StatusChange); ok && change.To == status.Connected {
					e.onConnected(ctx)
				}
			case evt := <-selections:
				if sel, ok := evt.Payload.(store.ChatSelected); ok && sel.ChatID != "" {
					if _, err := e.LoadHistory(ctx, sel.ChatID); err != nil {
						e.logger.Error("failed to load history", zap.Error(err), zap.String("chat_id", sel.ChatID))
					}
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops the engine.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
		<-e.done
	}
}

func (e *Engine) onConnected(ctx context.Context) {
	n, err := e.SeedRecentChats(ctx)
	if err != nil {
		e.logger.Error("failed to seed recent chats", zap.Error(err))
		return
	}
	e.logger.Info("recent chats seeded", zap.Int("chats", n))

	// Refresh the open chat, which may have missed messages while offline.
	if sel := e.db.SelectedChatID(); sel != "" {
		if _, err := e.LoadHistory(ctx, sel); err != nil {
			e.logger.Error("failed to refresh history", zap.Error(err), zap.String("chat_id", sel))
		}
	}
}

// SeedRecentChats replaces the chat summaries with the service's list.
func (e *Engine) SeedRecentChats(ctx context.Context) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, fetchTimeout)
	defer cancel()
	remote, err := e.source.GetRecentChat(ctx)
	if err != nil {
		return 0, err
	}
	chats := make([]store.RecentChat, 0, len(remote))
	for _, r := range remote {
		canSend := true
		if r.CanSendMessages != nil {
			canSend = *r.CanSendMessages
		}
		chats = append(chats, store.RecentChat{
			ChatID:                  r.ChatID(),
			Name:                    r.Name,
			Photo:                   r.Photo,
			IsGroup:                 r.IsGroup(),
			LastMessage:             r.LastMessage,
			LastMessageID:           r.LastMessageID,
			LastMessageAt:           r.LastMessageAt.UnixMilli(),
			UnreadCount:             r.UnreadCount,
			IsAdmin:                 r.IsAdmin,
			CanEditSettings:         r.CanEditSettings,
			CanSendMessages:         canSend,
			CanAddMembers:           r.CanAddMembers,
			HasPendingDeleteRequest: r.HasPendingDeleteRequest,
		})
	}
	if err := e.db.UpsertRecentChats(chats); err != nil {
		return 0, fmt.Errorf("upsert recent chats: %w", err)
	}
	e.bus.Emit(bus.KindSyncRecentChats, len(chats))
	return len(chats), nil
}

func pageKey(chatID string) string {
	return "history_page:" + chatID
}

// LoadHistory replaces chatID's messages with the most recent page.
func (e *Engine) LoadHistory(ctx context.Context, chatID string) (int, error) {
	msgs, err := e.fetch(ctx, chatID, 0)
	if err != nil {
		return 0, err
	}
	if err := e.db.SetMessages(chatID, msgs); err != nil {
		return 0, fmt.Errorf("set messages: %w", err)
	}
	if err := e.db.SetSyncInt(pageKey(chatID), 0); err != nil {
		return 0, fmt.Errorf("save checkpoint: %w", err)
	}
	e.logger.Info("history loaded", zap.String("chat_id", chatID), zap.Int("messages", len(msgs)))
	return len(msgs), nil
}

// LoadMore appends the next older page of chatID's history and returns how
// many messages it held. Zero means the start of history was reached.
func (e *Engine) LoadMore(ctx context.Context, chatID string) (int, error) {
	page, err := e.db.SyncInt(pageKey(chatID))
	if err != nil {
		return 0, fmt.Errorf("read checkpoint: %w", err)
	}
	page++
	msgs, err := e.fetch(ctx, chatID, page)
	if err != nil {
		return 0, err
	}
	if len(msgs) == 0 {
		return 0, nil
	}
	if err := e.db.AppendMessages(msgs); err != nil {
		return 0, fmt.Errorf("append messages: %w", err)
	}
	if err := e.db.SetSyncInt(pageKey(chatID), page); err != nil {
		return 0, fmt.Errorf("save checkpoint: %w", err)
	}
	e.bus.Emit(bus.KindSyncHistoryPage, HistoryPage{ChatID: chatID, Page: page, Count: len(msgs)})
	return len(msgs), nil
}

// HistoryPage is the bus payload of bus.KindSyncHistoryPage.
type HistoryPage struct {
	ChatID string
	Page   int
	Count  int
}

func (e *Engine) fetch(ctx context.Context, chatID string, page int) ([]store.Message, error) {
	chatType, to, err := wire.ParseChatKey(chatID)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, fetchTimeout)
	defer cancel()
	self := e.identity()
	h, err := e.source.GetChats(ctx, rest.HistoryRequest{UserID: self, Type: chatType, To: int64(to), CallCount: page})
	if err != nil {
		return nil, err
	}

	msgs := make([]store.Message, 0, len(h.Messages))
	for i := range h.Messages {
		p := &h.Messages[i]
		if err := p.Validate(); err != nil {
			e.logger.Warn("history message dropped", zap.Error(err), zap.String("chat_id", chatID))
			continue
		}
		if p.Type == "" {
			p.Type = chatType
		}
		m := store.MessageFromPayload(p, wire.ID(self), wire.StatusSent)
		m.ChatID = chatID
		msgs = append(msgs, *m)
	}
	return msgs, nil
}
