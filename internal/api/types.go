package api

import (
	"encoding/json"
	"time"

	"github.com/matheus3301/hubclient/internal/store"
)

// Service names on the control socket.
const (
	SessionServiceName = "hubclient.v1.SessionService"
	ChatServiceName    = "hubclient.v1.ChatService"
	MessageServiceName = "hubclient.v1.MessageService"
)

type GetStatusRequest struct{}

type GetStatusResponse struct {
	Profile             string
	State               string
	StateSince          time.Time
	Identity            int64
	Quality             string
	ReconnectAttempts   int
	ConnectAttempts     int
	LastConnectedAt     time.Time
	TotalDisconnections int
	AverageReconnectMs  float64
	LastError           string
	ErrorCategory       string
	SelectedChat        string
	ChatCount           int
	MessageCount        int
	UptimeMs            int64
	PID                 int
}

type ReconnectRequest struct {
	// Force also resets the disconnection history and quality.
	Force bool
}

type ReconnectResponse struct {
	State string
}

type WatchEventsRequest struct {
	// Prefix filters event kinds, e.g. "message."; empty watches all.
	Prefix string
}

// Event is a bus event as streamed to watchers.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   json.RawMessage
}

type ListChatsRequest struct {
	Limit  int
	Offset int
}

type ListChatsResponse struct {
	Chats   []store.RecentChat
	HasMore bool
}

type SelectChatRequest struct {
	ChatID string
}

type SelectChatResponse struct {
	ChatID string
}

type LoadMoreRequest struct {
	ChatID string
}

type LoadMoreResponse struct {
	Count int
}

type ListMessagesRequest struct {
	ChatID   string
	BeforeTs int64
	Limit    int
}

type ListMessagesResponse struct {
	Messages []store.Message
	HasMore  bool
}

type SearchMessagesRequest struct {
	Query  string
	ChatID string
	Limit  int
}

type SearchMessagesResponse struct {
	Results []store.SearchResult
}

// File is an attachment to upload before sending.
type File struct {
	Name string
	Data []byte
}

type SendMessageRequest struct {
	ChatID           string
	Group            bool
	Text             string
	ReplyTo          string
	Files            []File
	Approvers        []int64
	IsApprovalNeeded bool
}

type SendMessageResponse struct {
	Message store.Message
}

// Operations accepted by Perform.
const (
	OpMarkSeen       = "mark-seen"
	OpApproval       = "approval"
	OpSendForApprove = "send-for-approve"
	OpModify         = "modify"
	OpReact          = "react"
	OpDeleteRequest  = "delete-request"
	OpCancelDelete   = "cancel-delete"
	OpDelete         = "delete"
	OpTyping         = "typing"
)

type PerformRequest struct {
	Op         string
	MessageID  string
	MessageIDs []string
	// ChatType is "user" or "group"; empty takes the stored message's type.
	ChatType   string
	Text       string
	Reaction   string
	Approved   bool
	ApproverID int64
	// Typing target.
	To       int64
	GroupID  int64
	IsTyping bool
}

type PerformResponse struct{}
