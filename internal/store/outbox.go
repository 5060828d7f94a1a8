package store

import (
	"database/sql"
	"time"
)

// QueueOutbox stores a message payload for a later (re)send. Queuing the same
// client id again resets it to queued.
func (db *DB) QueueOutbox(clientMsgID, chatID string, payload []byte) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO outbox (client_msg_id, chat_id, payload, status, created_at, updated_at)
		VALUES (?, ?, ?, 'queued', ?, ?)
		ON CONFLICT(client_msg_id) DO UPDATE SET
			payload = excluded.payload,
			status = 'queued',
			error_message = '',
			updated_at = excluded.updated_at`,
		clientMsgID, chatID, string(payload), now, now)
	return err
}

// MarkOutboxSending updates an outbox entry to 'sending' and counts the attempt.
func (db *DB) MarkOutboxSending(clientMsgID string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`UPDATE outbox SET status = 'sending', attempts = attempts + 1, updated_at = ? WHERE client_msg_id = ?`, now, clientMsgID)
	return err
}

// MarkOutboxSent removes a delivered entry.
func (db *DB) MarkOutboxSent(clientMsgID string) error {
	_, err := db.Exec(`DELETE FROM outbox WHERE client_msg_id = ?`, clientMsgID)
	return err
}

// MarkOutboxFailed updates an outbox entry to 'failed' with an error message.
func (db *DB) MarkOutboxFailed(clientMsgID, errMsg string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`UPDATE outbox SET status = 'failed', error_message = ?, updated_at = ? WHERE client_msg_id = ?`, errMsg, now, clientMsgID)
	return err
}

// GetOutbox returns one entry, or nil.
func (db *DB) GetOutbox(clientMsgID string) (*OutboxEntry, error) {
	var (
		e       OutboxEntry
		payload string
	)
	err := db.QueryRow(`
		SELECT client_msg_id, chat_id, payload, status, error_message, attempts, created_at
		FROM outbox WHERE client_msg_id = ?`, clientMsgID).
		Scan(&e.ClientMsgID, &e.ChatID, &payload, &e.Status, &e.ErrorMessage, &e.Attempts, &e.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	e.Payload = []byte(payload)
	return &e, nil
}

// PendingOutbox returns outbox entries that are still queued, oldest first.
func (db *DB) PendingOutbox() ([]OutboxEntry, error) {
	rows, err := db.Query(`
		SELECT client_msg_id, chat_id, payload, status, error_message, attempts, created_at
		FROM outbox WHERE status = 'queued' ORDER BY created_at ASC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var entries []OutboxEntry
	for rows.Next() {
		var (
			e       OutboxEntry
			payload string
		)
		if err := rows.Scan(&e.ClientMsgID, &e.ChatID, &payload, &e.Status, &e.ErrorMessage, &e.Attempts, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Payload = []byte(payload)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
