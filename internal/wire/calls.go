package wire

// SeenArgs are the arguments of MarkAsSeen.
type SeenArgs struct {
	MessageID string
	Kind      string
}

// Args returns the positional call arguments.
func (a SeenArgs) Args() []any { return []any{a.MessageID, a.Kind} }

// MultipleSeenArgs are the arguments of MarkMultipleAsSeen.
type MultipleSeenArgs struct {
	MessageIDs []string `json:"messageIds"`
	Kind       string   `json:"type"`
}

// ApprovalDecisionArgs are the arguments of SetApprovalDecision.
type ApprovalDecisionArgs struct {
	MessageID  string `json:"messageId"`
	IsApproved bool   `json:"isApproved"`
	IsRejected bool   `json:"isRejected"`
	Reply      string `json:"reply,omitempty"`
	Kind       string `json:"type"`
}

// TypingArgs are the arguments of SendTyping.
type TypingArgs struct {
	FromUserID ID
	ToUserID   ID
	IsTyping   bool
	Kind       string
	GroupID    ID
}

// Args returns the positional call arguments, omitting an unset group id.
func (a TypingArgs) Args() []any {
	args := []any{int64(a.FromUserID), int64(a.ToUserID), a.IsTyping, a.Kind}
	if a.GroupID != 0 {
		args = append(args, int64(a.GroupID))
	}
	return args
}
