package wire

import "errors"

// ErrMissingMessageID is returned by Validate when a payload has no message id.
var ErrMissingMessageID = errors.New("wire: missing messageId")

// Attachment references an uploaded file.
type Attachment struct {
	ID          string `json:"id"`
	FileName    string `json:"fileName"`
	ContentType string `json:"contentType,omitempty"`
	Size        int64  `json:"size,omitempty"`
}

// MessagePayload is carried by OnReceiveMessage and the SendMessage call.
type MessagePayload struct {
	MessageID         string       `json:"messageId"`
	UserID            ID           `json:"userId"`
	ToUserID          ID           `json:"toUserId,omitempty"`
	GroupID           ID           `json:"groupId,omitempty"`
	Type              ChatType     `json:"type"`
	Message           string       `json:"message"`
	Attachments       []Attachment `json:"attachments"`
	ParentMessageID   string       `json:"parentMessageId,omitempty"`
	ParentMessageText string       `json:"parentMessageText,omitempty"`
	Approvers         []ID         `json:"approvers"`
	IsApprovalNeeded  bool         `json:"isApprovalNeeded"`
	Username          string       `json:"username,omitempty"`
	GroupName         string       `json:"groupName,omitempty"`
	CreatedAt         Time         `json:"createdAt"`
}

// Validate checks the required fields.
func (p *MessagePayload) Validate() error {
	if p.MessageID == "" {
		return ErrMissingMessageID
	}
	return nil
}

// ChatID returns the chat the message belongs to from self's point of view:
// the group for group messages, otherwise the counterpart.
func (p *MessagePayload) ChatID(self ID) string {
	if p.Type.IsGroup() {
		return ChatKey(ChatGroup, p.GroupID)
	}
	if p.UserID == self {
		return ChatKey(ChatUser, p.ToUserID)
	}
	return ChatKey(ChatUser, p.UserID)
}

// Normalize fills optional collections so they encode as empty lists.
func (p *MessagePayload) Normalize() {
	if p.Attachments == nil {
		p.Attachments = []Attachment{}
	}
	if p.Approvers == nil {
		p.Approvers = []ID{}
	}
	if p.Type == "" {
		p.Type = ChatUser
	}
}

// TypingPayload is carried by OnReceiveTyping and SendTyping.
type TypingPayload struct {
	SenderID   ID       `json:"senderId"`
	ReceiverID ID       `json:"receiverId"`
	IsTyping   bool     `json:"isTyping"`
	Username   string   `json:"username,omitempty"`
	GroupID    ID       `json:"groupId,omitempty"`
	Type       ChatType `json:"type"`
}

// Validate checks the required fields.
func (p *TypingPayload) Validate() error {
	if p.SenderID == 0 {
		return errors.New("wire: typing payload missing senderId")
	}
	return nil
}

// SeenPayload is carried by OnMessageSeen.
type SeenPayload struct {
	MessageID string `json:"messageId"`
	IsSeen    bool   `json:"isSeen"`
}

// Validate checks the required fields.
func (p *SeenPayload) Validate() error {
	if p.MessageID == "" {
		return ErrMissingMessageID
	}
	return nil
}

// Status maps the flag to "seen" or "delivered".
func (p *SeenPayload) Status() string {
	if p.IsSeen {
		return StatusSeen
	}
	return StatusDelivered
}

// MessageRef identifies a message, as in OnSeenAllMessage entries and the
// delete/cancel events.
type MessageRef struct {
	MessageID string   `json:"messageId"`
	Type      ChatType `json:"type,omitempty"`
}

// Validate checks the required fields.
func (p *MessageRef) Validate() error {
	if p.MessageID == "" {
		return ErrMissingMessageID
	}
	return nil
}

// ReplyMessage accompanies an approval decision.
type ReplyMessage struct {
	MessageID string `json:"messageId,omitempty"`
	Message   string `json:"message"`
	UserID    ID     `json:"userId"`
	Username  string `json:"username,omitempty"`
}

// ApprovalPayload is carried by OnApprovalDecision.
type ApprovalPayload struct {
	MessageID        string        `json:"messageId"`
	IsApproved       *bool         `json:"isApproved,omitempty"`
	IsRejected       *bool         `json:"isRejected,omitempty"`
	IsApprovalNeeded *bool         `json:"isApprovalNeeded,omitempty"`
	Reply            *ReplyMessage `json:"reply,omitempty"`
	DecidedBy        ID            `json:"decidedBy,omitempty"`
	Username         string        `json:"username,omitempty"`
	Type             ChatType      `json:"type,omitempty"`
}

// Validate checks the required fields.
func (p *ApprovalPayload) Validate() error {
	if p.MessageID == "" {
		return ErrMissingMessageID
	}
	return nil
}

// Decision returns "approved", "rejected" or "" when neither flag is set.
func (p *ApprovalPayload) Decision() string {
	switch {
	case p.IsApproved != nil && *p.IsApproved:
		return "approved"
	case p.IsRejected != nil && *p.IsRejected:
		return "rejected"
	}
	return ""
}

// ApprovedRequestPayload is carried by OnReceiveApprovedRequest.
type ApprovedRequestPayload struct {
	MessageID  string   `json:"messageId"`
	ApproverID ID       `json:"approverId,omitempty"`
	Type       ChatType `json:"type,omitempty"`
}

// Validate checks the required fields.
func (p *ApprovedRequestPayload) Validate() error {
	if p.MessageID == "" {
		return ErrMissingMessageID
	}
	return nil
}

// ModifyPayload is carried by OnModifyMessage.
type ModifyPayload struct {
	MessageID  string   `json:"messageId"`
	NewMessage string   `json:"newMessage"`
	Type       ChatType `json:"type,omitempty"`
}

// Validate checks the required fields.
func (p *ModifyPayload) Validate() error {
	if p.MessageID == "" {
		return ErrMissingMessageID
	}
	return nil
}
