// Package router reconciles inbound hub events into the local store.
package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/matheus3301/hubclient/internal/dedup"
	"github.com/matheus3301/hubclient/internal/hub"
	"github.com/matheus3301/hubclient/internal/metrics"
	"github.com/matheus3301/hubclient/internal/notify"
	"github.com/matheus3301/hubclient/internal/store"
	"github.com/matheus3301/hubclient/internal/wire"
)

// Handler outcomes recorded in metrics.
const (
	outcomeHandled    = "handled"
	outcomeDuplicate  = "duplicate"
	outcomeInvalid    = "invalid"
	outcomeIrrelevant = "irrelevant"
	outcomeError      = "error"
	outcomePanic      = "panic"
)

const seenTimeout = 10 * time.Second

// errIrrelevant marks an event that was dropped on purpose.
var errIrrelevant = errors.New("irrelevant")

// Store is the mutation surface the router writes to. *store.DB satisfies it.
type Store interface {
	SelectedChatID() string
	GetMessage(id string) (*store.Message, error)
	AddMessage(m *store.Message) error
	AddOrUpdateRecentChat(a store.ChatActivity) (*store.RecentChat, error)
	SetChatDeletePending(chatID string, pending bool) error
	SetTypingStatus(t store.Typing)
	UpdateMessageStatus(id, status string) error
	UpdateMessageApproval(id string, u store.ApprovalUpdate) error
	SetApprovalNeeded(id string, needed bool) error
	SetDeleteRequest(id string, pending bool) error
	UpdateMessageText(id, text string) error
	RemoveMessage(id string) error
}

// Notifier shows a notification for an inbound message.
type Notifier interface {
	ShowMessageNotification(ctx context.Context, m notify.Message) error
}

// SeenMarker reports a message as seen to the server.
type SeenMarker interface {
	MarkAsSeen(ctx context.Context, messageID string, chatType wire.ChatType) error
}

// Options configures a Table.
type Options struct {
	Identity int64
	Store    Store
	Notifier Notifier
	Seen     SeenMarker
	Dedup    *dedup.Cache
	Metrics  *metrics.Metrics
	Logger   *zap.Logger
}

// Table maps hub event names to handlers bound to one identity. It
// satisfies supervisor.HandlerSet.
type Table struct {
	id       string
	identity wire.ID
	store    Store
	notifier Notifier
	seen     SeenMarker
	dedup    *dedup.Cache
	metrics  *metrics.Metrics
	logger   *zap.Logger

	// mu runs handlers to completion one at a time.
	mu       sync.Mutex
	inflight sync.WaitGroup
}

// New builds the handler table for opts.Identity.
func New(opts Options) *Table {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Dedup == nil {
		opts.Dedup = dedup.New(dedup.Options{Logger: opts.Logger})
	}
	return &Table{
		id:       uuid.NewString(),
		identity: wire.ID(opts.Identity),
		store:    opts.Store,
		notifier: opts.Notifier,
		seen:     opts.Seen,
		dedup:    opts.Dedup,
		metrics:  opts.Metrics,
		logger:   opts.Logger,
	}
}

// ID identifies this table; a new table forces a transport rebuild.
func (t *Table) ID() string { return t.id }

// Identity returns the identity the table was built for.
func (t *Table) Identity() int64 { return int64(t.identity) }

// Handlers returns the event registry.
func (t *Table) Handlers() map[string]hub.Handler {
	return map[string]hub.Handler{
		wire.EventReceiveMessage:         t.wrap(wire.EventReceiveMessage, t.receiveMessage),
		wire.EventReceiveTyping:          t.wrap(wire.EventReceiveTyping, t.receiveTyping),
		wire.EventMessageSeen:            t.wrap(wire.EventMessageSeen, t.messageSeen),
		wire.EventSeenAllMessage:         t.wrap(wire.EventSeenAllMessage, t.seenAll),
		wire.EventApprovalDecision:       t.wrap(wire.EventApprovalDecision, t.approvalDecision),
		wire.EventReceiveApprovedRequest: t.wrap(wire.EventReceiveApprovedRequest, t.approvedRequest),
		wire.EventReceiveDeleteRequest:   t.wrap(wire.EventReceiveDeleteRequest, t.deleteRequest(true)),
		wire.EventCancelDeleteRequest:    t.wrap(wire.EventCancelDeleteRequest, t.deleteRequest(false)),
		wire.EventDeleteMessage:          t.wrap(wire.EventDeleteMessage, t.deleteMessage),
		wire.EventModifyMessage:          t.wrap(wire.EventModifyMessage, t.modifyMessage),
	}
}

// Wait blocks until side-effect calls started by handlers have finished.
func (t *Table) Wait() {
	t.inflight.Wait()
}

type duplicateError struct{ key string }

func (e duplicateError) Error() string { return "duplicate " + e.key }

type invalidError struct{ err error }

func (e invalidError) Error() string { return e.err.Error() }
func (e invalidError) Unwrap() error { return e.err }

func (t *Table) wrap(event string, fn func(json.RawMessage) error) hub.Handler {
	return func(payload json.RawMessage) {
		t.mu.Lock()
		defer t.mu.Unlock()
		outcome := outcomeHandled
		defer func() {
			if r := recover(); r != nil {
				outcome = outcomePanic
				t.logger.Error("event handler panicked", zap.String("event", event), zap.Any("panic", r))
			}
			t.metrics.Event(event, outcome)
		}()

		err := fn(payload)
		var dup duplicateError
		var inv invalidError
		switch {
		case err == nil:
		case errors.As(err, &dup):
			outcome = outcomeDuplicate
			t.logger.Debug("duplicate event dropped", zap.String("event", event), zap.String("key", dup.key))
		case errors.As(err, &inv):
			outcome = outcomeInvalid
			t.logger.Warn("malformed event dropped", zap.String("event", event), zap.Error(err))
		case errors.Is(err, errIrrelevant):
			outcome = outcomeIrrelevant
		default:
			outcome = outcomeError
			t.logger.Error("event handler failed", zap.String("event", event), zap.Error(err))
		}
	}
}

type validator interface {
	Validate() error
}

func decode[T any, P interface {
	*T
	validator
}](payload json.RawMessage) (*T, error) {
	v := new(T)
	if len(payload) == 0 || string(payload) == "null" {
		return nil, invalidError{errors.New("empty payload")}
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return nil, invalidError{fmt.Errorf("decode: %w", err)}
	}
	if err := P(v).Validate(); err != nil {
		return nil, invalidError{err}
	}
	return v, nil
}

// claim records key in category. The returned release forgets it again
// when the handler fails, so the event is not lost on redelivery.
func (t *Table) claim(category, key string) (release func(*error), dup bool) {
	if t.dedup.Seen(category, key) {
		return nil, true
	}
	return func(err *error) {
		if *err != nil {
			t.dedup.Forget(category, key)
		}
	}, false
}

func (t *Table) receiveMessage(payload json.RawMessage) (err error) {
	p, err := decode[wire.MessagePayload](payload)
	if err != nil {
		return err
	}
	p.Normalize()

	var stamp string
	created := p.CreatedAt.Time
	if created.IsZero() {
		created = time.Now()
	} else {
		stamp = created.UTC().Format(time.RFC3339Nano)
	}
	key := dedup.Fingerprint(p.MessageID, p.Message, stamp)
	release, dup := t.claim(dedup.CategoryMessage, key)
	if dup {
		return duplicateError{key: p.MessageID}
	}
	defer release(&err)

	chatID := p.ChatID(t.identity)
	own := p.UserID == t.identity
	selected := t.store.SelectedChatID() == chatID

	if selected {
		m := store.MessageFromPayload(p, t.identity, wire.StatusSent)
		m.CreatedAt = created.UnixMilli()
		if err := t.store.AddMessage(m); err != nil {
			return fmt.Errorf("add message %s: %w", p.MessageID, err)
		}
	}

	name := p.Username
	if p.Type.IsGroup() {
		name = p.GroupName
	} else if own {
		name = ""
	}
	if _, err := t.store.AddOrUpdateRecentChat(store.ChatActivity{
		ChatID:        chatID,
		Name:          name,
		IsGroup:       p.Type.IsGroup(),
		LastMessage:   p.Message,
		LastMessageID: p.MessageID,
		LastMessageAt: created.UnixMilli(),
		ResetUnread:   own || selected,
	}); err != nil {
		return fmt.Errorf("update recent chat %s: %w", chatID, err)
	}

	if own {
		return nil
	}
	if selected && t.seen != nil {
		t.markSeen(p.MessageID, p.Type)
	}
	if t.notifier != nil {
		if err := t.notifier.ShowMessageNotification(context.Background(), notify.Message{
			ChatID:    chatID,
			Sender:    p.Username,
			Body:      p.Message,
			IsGroup:   p.Type.IsGroup(),
			GroupName: p.GroupName,
		}); err != nil {
			t.logger.Warn("notification failed", zap.String("msg_id", p.MessageID), zap.Error(err))
		}
	}
	return nil
}

func (t *Table) markSeen(messageID string, chatType wire.ChatType) {
	t.inflight.Add(1)
	go func() {
		defer t.inflight.Done()
		ctx, cancel := context.WithTimeout(context.Background(), seenTimeout)
		defer cancel()
		if err := t.seen.MarkAsSeen(ctx, messageID, chatType); err != nil {
			t.logger.Warn("mark as seen failed", zap.String("msg_id", messageID), zap.Error(err))
		}
	}()
}

func (t *Table) receiveTyping(payload json.RawMessage) error {
	p, err := decode[wire.TypingPayload](payload)
	if err != nil {
		return err
	}
	if p.SenderID == t.identity {
		return errIrrelevant
	}
	selected := t.store.SelectedChatID()
	relevant := wire.ChatKey(wire.ChatUser, p.SenderID) == selected
	if p.Type.IsGroup() {
		relevant = wire.ChatKey(wire.ChatGroup, p.GroupID) == selected
	}
	if !relevant {
		return errIrrelevant
	}
	t.store.SetTypingStatus(store.Typing{
		SenderID:   int64(p.SenderID),
		ReceiverID: int64(p.ReceiverID),
		IsTyping:   p.IsTyping,
		Username:   p.Username,
		GroupID:    int64(p.GroupID),
		Type:       p.Type,
	})
	return nil
}

func (t *Table) messageSeen(payload json.RawMessage) error {
	p, err := decode[wire.SeenPayload](payload)
	if err != nil {
		return err
	}
	return t.store.UpdateMessageStatus(p.MessageID, p.Status())
}

func (t *Table) seenAll(payload json.RawMessage) error {
	var refs []wire.MessageRef
	if err := json.Unmarshal(payload, &refs); err != nil {
		// Anything but an array is a no-op.
		return errIrrelevant
	}
	for _, ref := range refs {
		if ref.Validate() != nil {
			continue
		}
		if err := t.store.UpdateMessageStatus(ref.MessageID, wire.StatusSeen); err != nil {
			return fmt.Errorf("mark %s seen: %w", ref.MessageID, err)
		}
	}
	return nil
}

func (t *Table) approvalDecision(payload json.RawMessage) (err error) {
	p, err := decode[wire.ApprovalPayload](payload)
	if err != nil {
		return err
	}
	if err := t.store.UpdateMessageApproval(p.MessageID, store.ApprovalUpdate{
		IsApproved:       p.IsApproved,
		IsRejected:       p.IsRejected,
		IsApprovalNeeded: p.IsApprovalNeeded,
	}); err != nil {
		return fmt.Errorf("update approval %s: %w", p.MessageID, err)
	}

	decision := p.Decision()
	if p.Reply == nil || decision == "" {
		return nil
	}
	key := p.MessageID + "_reply_" + decision
	release, dup := t.claim(dedup.CategoryApprovalReply, key)
	if dup {
		return duplicateError{key: key}
	}
	defer release(&err)

	original, err := t.store.GetMessage(p.MessageID)
	if err != nil {
		return fmt.Errorf("load %s: %w", p.MessageID, err)
	}
	reply := &store.Message{
		ID:             p.Reply.MessageID,
		ChatID:         t.store.SelectedChatID(),
		ChatType:       p.Type,
		SenderID:       int64(p.Reply.UserID),
		SenderName:     p.Reply.Username,
		Body:           p.Reply.Message,
		ParentID:       p.MessageID,
		IsNotification: true,
		FromMe:         p.Reply.UserID == t.identity,
		Status:         wire.StatusSent,
	}
	if reply.ID == "" {
		reply.ID = key
	}
	if reply.SenderID == 0 {
		reply.SenderID = int64(p.DecidedBy)
	}
	if reply.SenderName == "" {
		reply.SenderName = p.Username
	}
	if original != nil {
		reply.ChatID = original.ChatID
		reply.ChatType = original.ChatType
		reply.ParentText = original.Body
	}
	if reply.ChatID == "" {
		return fmt.Errorf("reply to %s: %w", p.MessageID, errIrrelevant)
	}
	return t.store.AddMessage(reply)
}

func (t *Table) approvedRequest(payload json.RawMessage) (err error) {
	p, err := decode[wire.ApprovedRequestPayload](payload)
	if err != nil {
		return err
	}
	key := p.MessageID + "_approve_request"
	release, dup := t.claim(dedup.CategoryApproveRequest, key)
	if dup {
		return duplicateError{key: key}
	}
	defer release(&err)
	return t.store.SetApprovalNeeded(p.MessageID, true)
}

func (t *Table) deleteRequest(pending bool) func(json.RawMessage) error {
	return func(payload json.RawMessage) error {
		p, err := decode[wire.MessageRef](payload)
		if err != nil {
			return err
		}
		if err := t.store.SetDeleteRequest(p.MessageID, pending); err != nil {
			return err
		}
		m, err := t.store.GetMessage(p.MessageID)
		if err != nil || m == nil {
			return err
		}
		return t.store.SetChatDeletePending(m.ChatID, pending)
	}
}

func (t *Table) deleteMessage(payload json.RawMessage) error {
	p, err := decode[wire.MessageRef](payload)
	if err != nil {
		return err
	}
	return t.store.RemoveMessage(p.MessageID)
}

func (t *Table) modifyMessage(payload json.RawMessage) error {
	p, err := decode[wire.ModifyPayload](payload)
	if err != nil {
		return err
	}
	return t.store.UpdateMessageText(p.MessageID, p.NewMessage)
}
