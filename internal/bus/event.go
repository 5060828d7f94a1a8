package bus

import "time"

// Event kinds published by the daemon. Subscribers filter by prefix, so
// "conn." receives every connection event.
const (
	KindStateChanged   = "conn.state_changed"
	KindQualityChanged = "conn.quality_changed"
	KindAuthFailed     = "conn.auth_failed"
	KindConnectFailed  = "conn.connect_failed"

	KindMessageUpserted = "message.upserted"
	KindMessageStatus   = "message.status"
	KindMessageRemoved  = "message.removed"
	KindMessagesReset   = "message.reset"
	KindMessageSendAck  = "message.send_ack"
	KindMessageFailed   = "message.send_failed"

	KindChatUpdated  = "chat.updated"
	KindChatSelected = "chat.selected"
	KindTyping       = "chat.typing"

	KindSyncRecentChats = "sync.recent_chats"
	KindSyncHistoryPage = "sync.history_page"

	KindNotification = "notify.message"
)

// Event represents a domain event published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}
