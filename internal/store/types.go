package store

import "github.com/matheus3301/hubclient/internal/wire"

// Message is a message row as the UI renders it.
type Message struct {
	ID               string
	ChatID           string
	ChatType         wire.ChatType
	SenderID         int64
	SenderName       string
	Body             string
	Attachments      []wire.Attachment
	ParentID         string
	ParentText       string
	Approvers        []int64
	IsApprovalNeeded bool
	IsApproved       bool
	IsRejected       bool
	IsDeleteRequest  bool
	IsNotification   bool
	Reaction         string
	FromMe           bool
	Status           string
	CreatedAt        int64 // unix millis
}

// RecentChat is the per-chat summary shown in the chat list.
type RecentChat struct {
	ChatID                  string
	Name                    string
	Photo                   string
	IsGroup                 bool
	LastMessage             string
	LastMessageID           string
	LastMessageAt           int64
	UnreadCount             int
	IsAdmin                 bool
	CanEditSettings         bool
	CanSendMessages         bool
	CanAddMembers           bool
	HasPendingDeleteRequest bool
}

// ChatActivity records a new last message on a chat.
type ChatActivity struct {
	ChatID        string
	Name          string
	IsGroup       bool
	LastMessage   string
	LastMessageID string
	LastMessageAt int64
	// ResetUnread sets the unread count to 0; otherwise it is incremented.
	ResetUnread bool
}

// ApprovalUpdate carries the approval flags to change; nil fields are kept,
// except IsApprovalNeeded which defaults to false.
type ApprovalUpdate struct {
	IsApproved       *bool
	IsRejected       *bool
	IsApprovalNeeded *bool
}

// Typing is the transient typing indicator for the selected chat.
type Typing struct {
	SenderID   int64
	ReceiverID int64
	IsTyping   bool
	Username   string
	GroupID    int64
	Type       wire.ChatType
}

// OutboxEntry is a message waiting to be (re)sent.
type OutboxEntry struct {
	ClientMsgID  string
	ChatID       string
	Payload      []byte
	Status       string // queued, sending, sent, failed
	ErrorMessage string
	Attempts     int
	CreatedAt    int64
}

// StatusChange is the bus payload for a message status update.
type StatusChange struct {
	MessageID string
	Status    string
}

// MessageRemoved is the bus payload for a deleted message.
type MessageRemoved struct {
	MessageID string
	ChatID    string
}

// MessagesReset is the bus payload after a chat's history was replaced.
type MessagesReset struct {
	ChatID string
	Count  int
}

// ChatSelected is the bus payload for a selection change.
type ChatSelected struct {
	ChatID string
}

// SearchResult holds a message with a search snippet.
type SearchResult struct {
	Message Message
	Snippet string
}
