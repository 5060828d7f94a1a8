// Package wire defines the hub event names, method names and payloads.
package wire

// Server to client events.
const (
	EventReceiveMessage         = "OnReceiveMessage"
	EventReceiveTyping          = "OnReceiveTyping"
	EventSeenAllMessage         = "OnSeenAllMessage"
	EventMessageSeen            = "OnMessageSeen"
	EventApprovalDecision       = "OnApprovalDecision"
	EventReceiveApprovedRequest = "OnReceiveApprovedRequest"
	EventReceiveDeleteRequest   = "OnReceiveDeleteRequest"
	EventDeleteMessage          = "OnDeleteMessage"
	EventCancelDeleteRequest    = "OnCancelDeleteRequest"
	EventModifyMessage          = "OnModifyMessage"
)

// Client to server methods.
const (
	MethodAnnounce               = "Announce"
	MethodHeartbeat              = "Heartbeat"
	MethodSendMessage            = "SendMessage"
	MethodMarkAsSeen             = "MarkAsSeen"
	MethodMarkMultipleAsSeen     = "MarkMultipleAsSeen"
	MethodSetApprovalDecision    = "SetApprovalDecision"
	MethodSendForApprove         = "SendForApprove"
	MethodSetModifyMessage       = "SetModifyMessage"
	MethodSetMessageReaction     = "SetMessageReaction"
	MethodSetDeleteRequest       = "SetDeleteRequest"
	MethodSetDeleteMessage       = "SetDeleteMessage"
	MethodSetCancelDeleteRequest = "SetCancelDeleteRequest"
	MethodSendTyping             = "SendTyping"
)

// ChatType discriminates direct from group addressing in payloads.
type ChatType string

const (
	ChatUser  ChatType = "user"
	ChatGroup ChatType = "group"
)

// Kind returns the message kind the server expects for seen and
// moderation calls: "Message" for direct chats, "GroupMessage" for groups.
func (t ChatType) Kind() string {
	if t == ChatGroup {
		return "GroupMessage"
	}
	return "Message"
}

// IsGroup reports whether t addresses a group.
func (t ChatType) IsGroup() bool { return t == ChatGroup }

// ParseChatType accepts "user"/"group" and the kind spellings.
func ParseChatType(s string) ChatType {
	switch s {
	case "group", "Group", "GroupMessage":
		return ChatGroup
	default:
		return ChatUser
	}
}

// Message statuses.
const (
	StatusQueued    = "queued"
	StatusSending   = "sending"
	StatusSent      = "sent"
	StatusDelivered = "delivered"
	StatusSeen      = "seen"
	StatusFailed    = "failed"
)
