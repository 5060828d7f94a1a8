// Package outbound implements the client-to-server calls with optimistic
// local mutations.
package outbound

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/matheus3301/hubclient/internal/bus"
	"github.com/matheus3301/hubclient/internal/metrics"
	"github.com/matheus3301/hubclient/internal/status"
	"github.com/matheus3301/hubclient/internal/store"
	"github.com/matheus3301/hubclient/internal/wire"
)

// ErrNotConnected is returned by operations attempted outside the
// Connected state. SendMessage queues instead.
var ErrNotConnected = errors.New("outbound: not connected")

// ErrUnknownMessage is returned when an operation targets a message the
// store does not hold.
var ErrUnknownMessage = errors.New("outbound: unknown message")

const defaultCallTimeout = 30 * time.Second

// Call results recorded in metrics.
const (
	resultOK           = "ok"
	resultError        = "error"
	resultQueued       = "queued"
	resultNotConnected = "not_connected"
	resultThrottled    = "throttled"
)

// Caller is the live connection. *supervisor.Supervisor satisfies it.
type Caller interface {
	State() status.State
	Invoke(ctx context.Context, method string, args ...any) (json.RawMessage, error)
}

// Store is the mutation surface used for optimistic updates. *store.DB
// satisfies it.
type Store interface {
	GetMessage(id string) (*store.Message, error)
	AddMessage(m *store.Message) error
	AddOptimisticMessage(m *store.Message) error
	AddOrUpdateRecentChat(a store.ChatActivity) (*store.RecentChat, error)
	UpdateMessageStatus(id, status string) error
	UpdateMessageApproval(id string, u store.ApprovalUpdate) error
	SetApprovalNeeded(id string, needed bool) error
	SetDeleteRequest(id string, pending bool) error
	UpdateMessageText(id, text string) error
	SetReaction(id, reaction string) error
	RemoveMessage(id string) error
	QueueOutbox(clientMsgID, chatID string, payload []byte) error
	MarkOutboxSending(clientMsgID string) error
	MarkOutboxSent(clientMsgID string) error
	MarkOutboxFailed(clientMsgID, errMsg string) error
}

// Options configures an Invoker.
type Options struct {
	Caller Caller
	Store  Store
	// Identity returns the signed-in user id.
	Identity func() int64
	// TypingRate limits typing-start indicators per second; 0 disables
	// the limit.
	TypingRate  float64
	CallTimeout time.Duration
	Bus         *bus.Bus
	Metrics     *metrics.Metrics
	Logger      *zap.Logger
}

// Invoker is safe for concurrent use.
type Invoker struct {
	caller   Caller
	store    Store
	identity func() int64
	typing   *rate.Limiter
	timeout  time.Duration
	bus      *bus.Bus
	metrics  *metrics.Metrics
	logger   *zap.Logger
}

// New creates an invoker.
func New(opts Options) *Invoker {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Identity == nil {
		opts.Identity = func() int64 { return 0 }
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = defaultCallTimeout
	}
	limit := rate.Inf
	if opts.TypingRate > 0 {
		limit = rate.Limit(opts.TypingRate)
	}
	return &Invoker{
		caller:   opts.Caller,
		store:    opts.Store,
		identity: opts.Identity,
		typing:   rate.NewLimiter(limit, 1),
		timeout:  opts.CallTimeout,
		bus:      opts.Bus,
		metrics:  opts.Metrics,
		logger:   opts.Logger,
	}
}

// SendRequest describes a message to send.
type SendRequest struct {
	// ClientMsgID is the local message id; a UUID is generated when empty.
	ClientMsgID string
	Type        wire.ChatType
	// To is the recipient user id, or the group id for group messages.
	To                int64
	Text              string
	Attachments       []wire.Attachment
	ParentMessageID   string
	ParentMessageText string
	Approvers         []int64
	IsApprovalNeeded  bool
}

// SendAck is the bus payload of bus.KindMessageSendAck.
type SendAck struct {
	ClientMsgID string
	ChatID      string
}

// SendFailure is the bus payload of bus.KindMessageFailed.
type SendFailure struct {
	ClientMsgID string
	ChatID      string
	Error       string
}

func (i *Invoker) connected() bool {
	return i.caller != nil && i.caller.State() == status.Connected
}

// Payload builds the wire payload of a send request.
func (i *Invoker) Payload(req SendRequest) wire.MessagePayload {
	p := wire.MessagePayload{
		MessageID:         req.ClientMsgID,
		UserID:            wire.ID(i.identity()),
		Type:              req.Type,
		Message:           req.Text,
		Attachments:       req.Attachments,
		ParentMessageID:   req.ParentMessageID,
		ParentMessageText: req.ParentMessageText,
		IsApprovalNeeded:  req.IsApprovalNeeded,
		CreatedAt:         wire.Time{Time: time.Now().UTC()},
	}
	if req.Type.IsGroup() {
		p.GroupID = wire.ID(req.To)
	} else {
		p.ToUserID = wire.ID(req.To)
	}
	for _, a := range req.Approvers {
		p.Approvers = append(p.Approvers, wire.ID(a))
	}
	p.Normalize()
	return p
}

// SendMessage records the message locally and sends it. It never fails:
// the returned message carries the resulting status ("sent", "failed" or
// "queued" when not connected).
func (i *Invoker) SendMessage(ctx context.Context, req SendRequest) *store.Message {
	if req.ClientMsgID == "" {
		req.ClientMsgID = uuid.NewString()
	}
	p := i.Payload(req)
	chatID := wire.ChatKey(req.Type, wire.ID(req.To))
	approvers := make([]int64, len(p.Approvers))
	for n, a := range p.Approvers {
		approvers[n] = int64(a)
	}
	m := &store.Message{
		ID:               p.MessageID,
		ChatID:           chatID,
		ChatType:         p.Type,
		SenderID:         int64(p.UserID),
		Body:             p.Message,
		Attachments:      p.Attachments,
		ParentID:         p.ParentMessageID,
		ParentText:       p.ParentMessageText,
		Approvers:        approvers,
		IsApprovalNeeded: p.IsApprovalNeeded,
		FromMe:           true,
		Status:           wire.StatusSending,
		CreatedAt:        p.CreatedAt.UnixMilli(),
	}
	log := i.logger.With(zap.String("client_msg_id", m.ID), zap.String("chat_id", chatID))

	if !i.connected() {
		m.Status = wire.StatusQueued
		i.record(m, log)
		raw, err := json.Marshal(p)
		if err == nil {
			err = i.store.QueueOutbox(m.ID, chatID, raw)
		}
		if err != nil {
			log.Error("failed to queue message", zap.Error(err))
		}
		i.metrics.Outbound(wire.MethodSendMessage, resultQueued)
		log.Info("message queued, not connected")
		return m
	}

	i.record(m, log)
	m.Status = wire.StatusSent
	if err := i.deliver(ctx, m.ID, chatID, p, log); err != nil {
		m.Status = wire.StatusFailed
	}
	// A receipt may have raced the completion.
	if cur, err := i.store.GetMessage(m.ID); err == nil && cur != nil {
		m.Status = cur.Status
	}
	return m
}

// record stores the optimistic message and bumps the chat summary.
func (i *Invoker) record(m *store.Message, log *zap.Logger) {
	if err := i.store.AddOptimisticMessage(m); err != nil {
		log.Error("failed to store optimistic message", zap.Error(err))
	}
	if _, err := i.store.AddOrUpdateRecentChat(store.ChatActivity{
		ChatID:        m.ChatID,
		IsGroup:       m.ChatType.IsGroup(),
		LastMessage:   m.Body,
		LastMessageID: m.ID,
		LastMessageAt: m.CreatedAt,
		ResetUnread:   true,
	}); err != nil {
		log.Error("failed to update recent chat", zap.Error(err))
	}
}

// deliver invokes SendMessage with payload and settles the local status.
func (i *Invoker) deliver(ctx context.Context, id, chatID string, payload any, log *zap.Logger) error {
	ctx, cancel := context.WithTimeout(ctx, i.timeout)
	defer cancel()
	if _, err := i.caller.Invoke(ctx, wire.MethodSendMessage, payload); err != nil {
		log.Error("failed to send message", zap.Error(err))
		if err := i.store.UpdateMessageStatus(id, wire.StatusFailed); err != nil {
			log.Error("failed to mark message failed", zap.Error(err))
		}
		i.metrics.Outbound(wire.MethodSendMessage, resultError)
		i.bus.Emit(bus.KindMessageFailed, SendFailure{ClientMsgID: id, ChatID: chatID, Error: err.Error()})
		return err
	}
	if err := i.store.UpdateMessageStatus(id, wire.StatusSent); err != nil {
		log.Error("failed to mark message sent", zap.Error(err))
	}
	i.metrics.Outbound(wire.MethodSendMessage, resultOK)
	i.bus.Emit(bus.KindMessageSendAck, SendAck{ClientMsgID: id, ChatID: chatID})
	log.Info("message sent")
	return nil
}

// Resend sends a queued outbox entry. It returns ErrNotConnected, leaving
// the entry queued, if the connection is not usable.
func (i *Invoker) Resend(ctx context.Context, e store.OutboxEntry) error {
	if !i.connected() {
		return ErrNotConnected
	}
	log := i.logger.With(zap.String("client_msg_id", e.ClientMsgID), zap.String("chat_id", e.ChatID))
	if err := i.store.MarkOutboxSending(e.ClientMsgID); err != nil {
		return fmt.Errorf("mark sending: %w", err)
	}
	if err := i.store.UpdateMessageStatus(e.ClientMsgID, wire.StatusSending); err != nil {
		log.Warn("failed to mark message sending", zap.Error(err))
	}
	if err := i.deliver(ctx, e.ClientMsgID, e.ChatID, json.RawMessage(e.Payload), log); err != nil {
		if mErr := i.store.MarkOutboxFailed(e.ClientMsgID, err.Error()); mErr != nil {
			log.Error("failed to mark outbox failed", zap.Error(mErr))
		}
		return fmt.Errorf("resend %s: %w", e.ClientMsgID, err)
	}
	return i.store.MarkOutboxSent(e.ClientMsgID)
}

// call runs one non-send operation: apply the optimistic change, invoke,
// and revert on failure.
func (i *Invoker) call(ctx context.Context, method string, apply func() error, revert func(), args ...any) error {
	if !i.connected() {
		i.metrics.Outbound(method, resultNotConnected)
		return ErrNotConnected
	}
	if apply != nil {
		if err := apply(); err != nil {
			i.metrics.Outbound(method, resultError)
			return fmt.Errorf("%s: %w", method, err)
		}
	}
	ctx, cancel := context.WithTimeout(ctx, i.timeout)
	defer cancel()
	if _, err := i.caller.Invoke(ctx, method, args...); err != nil {
		if revert != nil {
			revert()
		}
		i.metrics.Outbound(method, resultError)
		i.logger.Warn("outbound call failed", zap.String("method", method), zap.Error(err))
		return fmt.Errorf("%s: %w", method, err)
	}
	i.metrics.Outbound(method, resultOK)
	return nil
}

func (i *Invoker) message(id string) (*store.Message, error) {
	m, err := i.store.GetMessage(id)
	if err != nil {
		return nil, err
	}
	if m == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownMessage, id)
	}
	return m, nil
}

func (i *Invoker) warnRevert(what, id string, err error) {
	if err != nil {
		i.logger.Error("failed to revert optimistic change", zap.String("op", what), zap.String("msg_id", id), zap.Error(err))
	}
}

// MarkAsSeen reports a received message as seen.
func (i *Invoker) MarkAsSeen(ctx context.Context, messageID string, chatType wire.ChatType) error {
	args := wire.SeenArgs{MessageID: messageID, Kind: chatType.Kind()}
	return i.call(ctx, wire.MethodMarkAsSeen, nil, nil, args.Args()...)
}

// MarkMultipleAsSeen reports several received messages as seen.
func (i *Invoker) MarkMultipleAsSeen(ctx context.Context, messageIDs []string, chatType wire.ChatType) error {
	if len(messageIDs) == 0 {
		return nil
	}
	return i.call(ctx, wire.MethodMarkMultipleAsSeen, nil, nil,
		wire.MultipleSeenArgs{MessageIDs: messageIDs, Kind: chatType.Kind()})
}

// ApprovalDecision is an approve or reject decision on a message.
type ApprovalDecision struct {
	MessageID string
	Approved  bool
	Reply     string
	Type      wire.ChatType
}

// SetApprovalDecision approves or rejects a message awaiting approval.
func (i *Invoker) SetApprovalDecision(ctx context.Context, d ApprovalDecision) error {
	prev, err := i.message(d.MessageID)
	if err != nil {
		return err
	}
	approved, rejected, needed := d.Approved, !d.Approved, false
	args := wire.ApprovalDecisionArgs{
		MessageID:  d.MessageID,
		IsApproved: approved,
		IsRejected: rejected,
		Reply:      d.Reply,
		Kind:       d.Type.Kind(),
	}
	return i.call(ctx, wire.MethodSetApprovalDecision,
		func() error {
			return i.store.UpdateMessageApproval(d.MessageID, store.ApprovalUpdate{
				IsApproved: &approved, IsRejected: &rejected, IsApprovalNeeded: &needed,
			})
		},
		func() {
			i.warnRevert("approval", d.MessageID, i.store.UpdateMessageApproval(d.MessageID, store.ApprovalUpdate{
				IsApproved: &prev.IsApproved, IsRejected: &prev.IsRejected, IsApprovalNeeded: &prev.IsApprovalNeeded,
			}))
		},
		args)
}

// SendForApprove asks for approval of a message, optionally from one
// approver.
func (i *Invoker) SendForApprove(ctx context.Context, messageID string, chatType wire.ChatType, approverID int64) error {
	prev, err := i.message(messageID)
	if err != nil {
		return err
	}
	args := []any{messageID, chatType.Kind()}
	if approverID != 0 {
		args = append(args, approverID)
	}
	return i.call(ctx, wire.MethodSendForApprove,
		func() error { return i.store.SetApprovalNeeded(messageID, true) },
		func() { i.warnRevert("approve_request", messageID, i.store.SetApprovalNeeded(messageID, prev.IsApprovalNeeded)) },
		args...)
}

// SetModifyMessage edits the text of a message.
func (i *Invoker) SetModifyMessage(ctx context.Context, messageID, text string, chatType wire.ChatType) error {
	prev, err := i.message(messageID)
	if err != nil {
		return err
	}
	return i.call(ctx, wire.MethodSetModifyMessage,
		func() error { return i.store.UpdateMessageText(messageID, text) },
		func() { i.warnRevert("modify", messageID, i.store.UpdateMessageText(messageID, prev.Body)) },
		messageID, text, chatType.Kind())
}

// SetMessageReaction sets or, with an empty reaction, clears a reaction.
func (i *Invoker) SetMessageReaction(ctx context.Context, messageID, reaction string, chatType wire.ChatType) error {
	prev, err := i.message(messageID)
	if err != nil {
		return err
	}
	return i.call(ctx, wire.MethodSetMessageReaction,
		func() error { return i.store.SetReaction(messageID, reaction) },
		func() { i.warnRevert("reaction", messageID, i.store.SetReaction(messageID, prev.Reaction)) },
		messageID, reaction, chatType.Kind())
}

// SetDeleteRequest asks the other party to agree to delete a message.
func (i *Invoker) SetDeleteRequest(ctx context.Context, messageID string, chatType wire.ChatType) error {
	return i.toggleDelete(ctx, wire.MethodSetDeleteRequest, messageID, chatType, true)
}

// SetCancelDeleteRequest withdraws a pending delete request.
func (i *Invoker) SetCancelDeleteRequest(ctx context.Context, messageID string, chatType wire.ChatType) error {
	return i.toggleDelete(ctx, wire.MethodSetCancelDeleteRequest, messageID, chatType, false)
}

func (i *Invoker) toggleDelete(ctx context.Context, method, messageID string, chatType wire.ChatType, pending bool) error {
	prev, err := i.message(messageID)
	if err != nil {
		return err
	}
	return i.call(ctx, method,
		func() error { return i.store.SetDeleteRequest(messageID, pending) },
		func() { i.warnRevert("delete_request", messageID, i.store.SetDeleteRequest(messageID, prev.IsDeleteRequest)) },
		messageID, chatType.Kind())
}

// SetDeleteMessage deletes a message for everyone.
func (i *Invoker) SetDeleteMessage(ctx context.Context, messageID string, chatType wire.ChatType) error {
	prev, err := i.message(messageID)
	if err != nil {
		return err
	}
	return i.call(ctx, wire.MethodSetDeleteMessage,
		func() error { return i.store.RemoveMessage(messageID) },
		func() { i.warnRevert("delete", messageID, i.store.AddMessage(prev)) },
		messageID, chatType.Kind())
}

// Typing is a typing indicator to send.
type Typing struct {
	To       int64
	IsTyping bool
	Type     wire.ChatType
	GroupID  int64
}

// SendTyping sends a typing indicator. Typing-start indicators beyond the
// configured rate are dropped; stop indicators are always sent.
func (i *Invoker) SendTyping(ctx context.Context, t Typing) error {
	if t.IsTyping && !i.typing.Allow() {
		i.metrics.Outbound(wire.MethodSendTyping, resultThrottled)
		return nil
	}
	args := wire.TypingArgs{
		FromUserID: wire.ID(i.identity()),
		ToUserID:   wire.ID(t.To),
		IsTyping:   t.IsTyping,
		Kind:       t.Type.Kind(),
		GroupID:    wire.ID(t.GroupID),
	}
	return i.call(ctx, wire.MethodSendTyping, nil, nil, args.Args()...)
}
