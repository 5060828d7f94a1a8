package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/matheus3301/hubclient/internal/bus"
)

const recentChatColumns = `chat_id, name, photo, is_group, last_message, last_message_id, last_message_at,
	unread_count, is_admin, can_edit_settings, can_send_messages, can_add_members, has_pending_delete_request`

// UpsertRecentChats replaces the summaries of the given chats, as delivered
// by the recent-chat listing.
func (db *DB) UpsertRecentChats(chats []RecentChat) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UnixMilli()
	for _, c := range chats {
		if _, err := tx.Exec(`
			INSERT INTO recent_chats (`+recentChatColumns+`, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(chat_id) DO UPDATE SET
				name = excluded.name,
				photo = excluded.photo,
				is_group = excluded.is_group,
				last_message = excluded.last_message,
				last_message_id = excluded.last_message_id,
				last_message_at = excluded.last_message_at,
				unread_count = excluded.unread_count,
				is_admin = excluded.is_admin,
				can_edit_settings = excluded.can_edit_settings,
				can_send_messages = excluded.can_send_messages,
				can_add_members = excluded.can_add_members,
				has_pending_delete_request = excluded.has_pending_delete_request,
				updated_at = excluded.updated_at`,
			c.ChatID, c.Name, c.Photo, c.IsGroup, c.LastMessage, c.LastMessageID, c.LastMessageAt,
			c.UnreadCount, c.IsAdmin, c.CanEditSettings, c.CanSendMessages, c.CanAddMembers,
			c.HasPendingDeleteRequest, now); err != nil {
			return fmt.Errorf("upsert chat %s: %w", c.ChatID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	for _, c := range chats {
		db.bus.Emit(bus.KindChatUpdated, c)
	}
	return nil
}

// AddOrUpdateRecentChat records a new last message on a chat, creating the
// summary if needed. The unread count is reset or incremented atomically.
func (db *DB) AddOrUpdateRecentChat(a ChatActivity) (*RecentChat, error) {
	unread := 1
	if a.ResetUnread {
		unread = 0
	}
	_, err := db.Exec(`
		INSERT INTO recent_chats (chat_id, name, is_group, last_message, last_message_id, last_message_at, unread_count, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(chat_id) DO UPDATE SET
			name = CASE WHEN excluded.name != '' THEN excluded.name ELSE recent_chats.name END,
			last_message = excluded.last_message,
			last_message_id = excluded.last_message_id,
			last_message_at = excluded.last_message_at,
			unread_count = CASE WHEN ? THEN 0 ELSE recent_chats.unread_count + 1 END,
			updated_at = excluded.updated_at`,
		a.ChatID, a.Name, a.IsGroup, a.LastMessage, a.LastMessageID, a.LastMessageAt, unread,
		time.Now().UnixMilli(), a.ResetUnread)
	if err != nil {
		return nil, err
	}
	c, err := db.GetRecentChat(a.ChatID)
	if err != nil {
		return nil, err
	}
	if c != nil {
		db.bus.Emit(bus.KindChatUpdated, *c)
	}
	return c, nil
}

// SetChatDeletePending sets the chat-level pending delete request flag.
func (db *DB) SetChatDeletePending(chatID string, pending bool) error {
	_, err := db.Exec(`UPDATE recent_chats SET has_pending_delete_request = ?, updated_at = ? WHERE chat_id = ?`,
		pending, time.Now().UnixMilli(), chatID)
	return err
}

// GetRecentChat returns a single chat summary, or nil if unknown.
func (db *DB) GetRecentChat(chatID string) (*RecentChat, error) {
	c, err := scanRecentChat(db.QueryRow(`SELECT `+recentChatColumns+` FROM recent_chats WHERE chat_id = ?`, chatID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return c, nil
}

// ListRecentChats returns summaries sorted by last message time descending.
func (db *DB) ListRecentChats(limit, offset int) ([]RecentChat, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.Query(`SELECT `+recentChatColumns+` FROM recent_chats
		ORDER BY last_message_at DESC
		LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var chats []RecentChat
	for rows.Next() {
		c, err := scanRecentChat(rows)
		if err != nil {
			return nil, err
		}
		chats = append(chats, *c)
	}
	return chats, rows.Err()
}

func scanRecentChat(s scanner) (*RecentChat, error) {
	var c RecentChat
	err := s.Scan(&c.ChatID, &c.Name, &c.Photo, &c.IsGroup, &c.LastMessage, &c.LastMessageID, &c.LastMessageAt,
		&c.UnreadCount, &c.IsAdmin, &c.CanEditSettings, &c.CanSendMessages, &c.CanAddMembers, &c.HasPendingDeleteRequest)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// SelectedChatID returns the chat currently open in the UI, or "".
func (db *DB) SelectedChatID() string {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return db.selected
}

// SetSelectedChatID opens a chat: its unread count resets to 0 and the
// typing indicator is cleared.
func (db *DB) SetSelectedChatID(chatID string) error {
	db.mu.Lock()
	db.selected = chatID
	db.typing = nil
	db.mu.Unlock()

	if chatID != "" {
		if _, err := db.Exec(`UPDATE recent_chats SET unread_count = 0, updated_at = ? WHERE chat_id = ?`,
			time.Now().UnixMilli(), chatID); err != nil {
			return err
		}
	}
	db.bus.Emit(bus.KindChatSelected, ChatSelected{ChatID: chatID})
	return nil
}

// SetTypingStatus overwrites the typing indicator.
func (db *DB) SetTypingStatus(t Typing) {
	db.mu.Lock()
	db.typing = &t
	db.mu.Unlock()
	db.bus.Emit(bus.KindTyping, t)
}

// TypingStatus returns the current typing indicator, if any.
func (db *DB) TypingStatus() (Typing, bool) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	if db.typing == nil {
		return Typing{}, false
	}
	return *db.typing, true
}

// ChatCount returns the number of recent chat summaries.
func (db *DB) ChatCount() (int, error) {
	var n int
	err := db.QueryRow(`SELECT COUNT(*) FROM recent_chats`).Scan(&n)
	return n, err
}
