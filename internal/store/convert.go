package store

import (
	"time"

	"github.com/matheus3301/hubclient/internal/wire"
)

// MessageFromPayload converts a wire message as seen by self.
func MessageFromPayload(p *wire.MessagePayload, self wire.ID, status string) *Message {
	approvers := make([]int64, len(p.Approvers))
	for i, a := range p.Approvers {
		approvers[i] = int64(a)
	}
	created := p.CreatedAt.Time
	if created.IsZero() {
		created = time.Now()
	}
	chatType := p.Type
	if chatType == "" {
		chatType = wire.ChatUser
	}
	return &Message{
		ID:               p.MessageID,
		ChatID:           p.ChatID(self),
		ChatType:         chatType,
		SenderID:         int64(p.UserID),
		SenderName:       p.Username,
		Body:             p.Message,
		Attachments:      p.Attachments,
		ParentID:         p.ParentMessageID,
		ParentText:       p.ParentMessageText,
		Approvers:        approvers,
		IsApprovalNeeded: p.IsApprovalNeeded,
		FromMe:           p.UserID == self,
		Status:           status,
		CreatedAt:        created.UnixMilli(),
	}
}
