package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/matheus3301/hubclient/internal/bus"
	"github.com/matheus3301/hubclient/internal/wire"
)

const messageColumns = `msg_id, chat_id, chat_type, sender_id, sender_name, body, attachments,
	parent_msg_id, parent_msg_text, approvers, is_approval_needed, is_approved, is_rejected,
	is_delete_request, is_notification, reaction, from_me, status, created_at`

// Inbound rows never lower a status: a late "sent" echo must not undo "seen".
const upsertMessage = `
	INSERT INTO messages (` + messageColumns + `, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(msg_id) DO UPDATE SET
		chat_id = excluded.chat_id,
		sender_name = CASE WHEN excluded.sender_name != '' THEN excluded.sender_name ELSE messages.sender_name END,
		body = excluded.body,
		attachments = excluded.attachments,
		parent_msg_id = excluded.parent_msg_id,
		parent_msg_text = excluded.parent_msg_text,
		approvers = excluded.approvers,
		is_approval_needed = excluded.is_approval_needed,
		status = CASE
			WHEN COALESCE((SELECT rank FROM status_rank WHERE status = excluded.status), 0)
			   > COALESCE((SELECT rank FROM status_rank WHERE status = messages.status), 0)
			THEN excluded.status ELSE messages.status END,
		updated_at = excluded.updated_at`

type execer interface {
	Exec(query string, args ...any) (sql.Result, error)
}

func upsert(x execer, m *Message) error {
	atts, err := json.Marshal(nonNilAttachments(m.Attachments))
	if err != nil {
		return fmt.Errorf("encode attachments: %w", err)
	}
	approvers, err := json.Marshal(nonNilIDs(m.Approvers))
	if err != nil {
		return fmt.Errorf("encode approvers: %w", err)
	}
	if m.CreatedAt == 0 {
		m.CreatedAt = time.Now().UnixMilli()
	}
	if m.ChatType == "" {
		m.ChatType = wire.ChatUser
	}
	_, err = x.Exec(upsertMessage,
		m.ID, m.ChatID, string(m.ChatType), m.SenderID, m.SenderName, m.Body, string(atts),
		m.ParentID, m.ParentText, string(approvers), m.IsApprovalNeeded, m.IsApproved, m.IsRejected,
		m.IsDeleteRequest, m.IsNotification, m.Reaction, m.FromMe, m.Status, m.CreatedAt,
		time.Now().UnixMilli())
	return err
}

// AddMessage inserts or updates a single message, idempotent on its id.
func (db *DB) AddMessage(m *Message) error {
	if err := upsert(db, m); err != nil {
		return err
	}
	db.emitMessage(m.ID)
	return nil
}

// AddOptimisticMessage records a locally created message before the server
// confirms it. Its status is written as given.
func (db *DB) AddOptimisticMessage(m *Message) error {
	if err := db.AddMessage(m); err != nil {
		return err
	}
	return db.writeStatus(m.ID, m.Status, false)
}

// AppendMessages upserts a batch of older messages in one transaction.
func (db *DB) AppendMessages(msgs []Message) error {
	if len(msgs) == 0 {
		return nil
	}
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for i := range msgs {
		if err := upsert(tx, &msgs[i]); err != nil {
			return fmt.Errorf("append %s: %w", msgs[i].ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	for _, m := range msgs {
		db.emitMessage(m.ID)
	}
	return nil
}

// SetMessages replaces a chat's server history with msgs. Local messages
// still waiting on the server (queued, sending, failed) are kept.
func (db *DB) SetMessages(chatID string, msgs []Message) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`DELETE FROM messages WHERE chat_id = ? AND status NOT IN ('queued', 'sending', 'failed')`, chatID); err != nil {
		return fmt.Errorf("clear chat: %w", err)
	}
	for i := range msgs {
		msgs[i].ChatID = chatID
		if err := upsert(tx, &msgs[i]); err != nil {
			return fmt.Errorf("set %s: %w", msgs[i].ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	db.bus.Emit(bus.KindMessagesReset, MessagesReset{ChatID: chatID, Count: len(msgs)})
	return nil
}

// A status only moves up the rank table; queued, sending and failed share
// the lowest rank so a local retry can move between them.
const updateStatus = `
	UPDATE messages SET status = ?, updated_at = ?
	WHERE msg_id = ?
	  AND COALESCE((SELECT rank FROM status_rank WHERE status = ?), 0)
	   >= COALESCE((SELECT rank FROM status_rank WHERE status = messages.status), 0)`

// UpdateMessageStatus sets a message's status unless that would lower it,
// so "seen" is never overwritten by a late "sent" or "delivered". Unknown
// ids and downgrades are ignored.
func (db *DB) UpdateMessageStatus(id, status string) error {
	return db.writeStatus(id, status, true)
}

func (db *DB) writeStatus(id, status string, ranked bool) error {
	query := `UPDATE messages SET status = ?, updated_at = ? WHERE msg_id = ?`
	args := []any{status, time.Now().UnixMilli(), id}
	if ranked {
		query = updateStatus
		args = append(args, status)
	}
	n, err := db.execCount(query, args...)
	if err != nil {
		return err
	}
	if n > 0 {
		db.bus.Emit(bus.KindMessageStatus, StatusChange{MessageID: id, Status: status})
	}
	return nil
}

// UpdateMessageApproval applies approval flags to a message.
func (db *DB) UpdateMessageApproval(id string, u ApprovalUpdate) error {
	needed := false
	if u.IsApprovalNeeded != nil {
		needed = *u.IsApprovalNeeded
	}
	n, err := db.execCount(`
		UPDATE messages SET
			is_approved = COALESCE(?, is_approved),
			is_rejected = COALESCE(?, is_rejected),
			is_approval_needed = ?,
			updated_at = ?
		WHERE msg_id = ?`,
		nullBool(u.IsApproved), nullBool(u.IsRejected), needed, time.Now().UnixMilli(), id)
	if err != nil {
		return err
	}
	if n > 0 {
		db.emitMessage(id)
	}
	return nil
}

// SetApprovalNeeded marks whether a message awaits approval.
func (db *DB) SetApprovalNeeded(id string, needed bool) error {
	return db.updateColumn(id, "is_approval_needed", needed)
}

// SetDeleteRequest toggles the pending delete request flag.
func (db *DB) SetDeleteRequest(id string, pending bool) error {
	return db.updateColumn(id, "is_delete_request", pending)
}

// UpdateMessageText overwrites a message body in place.
func (db *DB) UpdateMessageText(id, text string) error {
	return db.updateColumn(id, "body", text)
}

// SetReaction stores the reaction on a message; empty clears it.
func (db *DB) SetReaction(id, reaction string) error {
	return db.updateColumn(id, "reaction", reaction)
}

// updateColumn is only called with fixed column names.
func (db *DB) updateColumn(id, column string, value any) error {
	n, err := db.execCount(`UPDATE messages SET `+column+` = ?, updated_at = ? WHERE msg_id = ?`, value, time.Now().UnixMilli(), id)
	if err != nil {
		return err
	}
	if n > 0 {
		db.emitMessage(id)
	}
	return nil
}

// RemoveMessage deletes a message. Unknown ids are ignored.
func (db *DB) RemoveMessage(id string) error {
	var chatID string
	err := db.QueryRow(`SELECT chat_id FROM messages WHERE msg_id = ?`, id).Scan(&chatID)
	if err == sql.ErrNoRows {
		return nil
	}
	if err != nil {
		return err
	}
	if _, err := db.Exec(`DELETE FROM messages WHERE msg_id = ?`, id); err != nil {
		return err
	}
	db.bus.Emit(bus.KindMessageRemoved, MessageRemoved{MessageID: id, ChatID: chatID})
	return nil
}

// GetMessage returns a message by id, or nil if it does not exist.
func (db *DB) GetMessage(id string) (*Message, error) {
	row := db.QueryRow(`SELECT `+messageColumns+` FROM messages WHERE msg_id = ?`, id)
	m, err := scanMessage(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return m, nil
}

// ListMessages returns messages for a chat using keyset pagination by
// creation time, newest first.
func (db *DB) ListMessages(chatID string, beforeTs int64, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	if beforeTs <= 0 {
		beforeTs = time.Now().UnixMilli() + 1
	}
	return db.queryMessages(`SELECT `+messageColumns+` FROM messages
		WHERE chat_id = ? AND created_at < ?
		ORDER BY created_at DESC
		LIMIT ?`, chatID, beforeTs, limit)
}

func (db *DB) queryMessages(q string, args ...any) ([]Message, error) {
	rows, err := db.Query(q, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, *m)
	}
	return msgs, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanMessage(s scanner) (*Message, error) {
	var (
		m         Message
		chatType  string
		atts      string
		approvers string
	)
	if err := s.Scan(&m.ID, &m.ChatID, &chatType, &m.SenderID, &m.SenderName, &m.Body, &atts,
		&m.ParentID, &m.ParentText, &approvers, &m.IsApprovalNeeded, &m.IsApproved, &m.IsRejected,
		&m.IsDeleteRequest, &m.IsNotification, &m.Reaction, &m.FromMe, &m.Status, &m.CreatedAt); err != nil {
		return nil, err
	}
	m.ChatType = wire.ChatType(chatType)
	if err := json.Unmarshal([]byte(atts), &m.Attachments); err != nil {
		return nil, fmt.Errorf("decode attachments of %s: %w", m.ID, err)
	}
	if err := json.Unmarshal([]byte(approvers), &m.Approvers); err != nil {
		return nil, fmt.Errorf("decode approvers of %s: %w", m.ID, err)
	}
	return &m, nil
}

func (db *DB) execCount(q string, args ...any) (int64, error) {
	res, err := db.Exec(q, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (db *DB) emitMessage(id string) {
	if db.bus == nil {
		return
	}
	m, err := db.GetMessage(id)
	if err != nil || m == nil {
		return
	}
	db.bus.Emit(bus.KindMessageUpserted, *m)
}

func nullBool(b *bool) any {
	if b == nil {
		return nil
	}
	return *b
}

func nonNilAttachments(a []wire.Attachment) []wire.Attachment {
	if a == nil {
		return []wire.Attachment{}
	}
	return a
}

func nonNilIDs(ids []int64) []int64 {
	if ids == nil {
		return []int64{}
	}
	return ids
}

// MessageCount returns the number of stored messages.
func (db *DB) MessageCount() (int, error) {
	var n int
	err := db.QueryRow(`SELECT COUNT(*) FROM messages`).Scan(&n)
	return n, err
}
