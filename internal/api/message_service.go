package api

import (
	"context"
	"errors"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"

	"github.com/matheus3301/hubclient/internal/outbound"
	"github.com/matheus3301/hubclient/internal/store"
	"github.com/matheus3301/hubclient/internal/wire"
)

// Uploader stores attachment files. *rest.Client satisfies it.
type Uploader interface {
	UploadFile(ctx context.Context, fileName string, data []byte) (*wire.Attachment, error)
}

// MessageServer is the server API of the message service.
type MessageServer interface {
	ListMessages(context.Context, *ListMessagesRequest) (*ListMessagesResponse, error)
	SearchMessages(context.Context, *SearchMessagesRequest) (*SearchMessagesResponse, error)
	SendMessage(context.Context, *SendMessageRequest) (*SendMessageResponse, error)
	Perform(context.Context, *PerformRequest) (*PerformResponse, error)
}

// MessageService serves message history and outbound operations.
type MessageService struct {
	db       *store.DB
	invoker  *outbound.Invoker
	uploader Uploader
}

// NewMessageService creates a new message service.
func NewMessageService(db *store.DB, invoker *outbound.Invoker, uploader Uploader) *MessageService {
	return &MessageService{db: db, invoker: invoker, uploader: uploader}
}

func (s *MessageService) ListMessages(_ context.Context, req *ListMessagesRequest) (*ListMessagesResponse, error) {
	limit := 50
	if req.Limit > 0 {
		limit = req.Limit
	}

	msgs, err := s.db.ListMessages(req.ChatID, req.BeforeTs, limit)
	if err != nil {
		return nil, grpcstatus.Errorf(codes.Internal, "list messages: %v", err)
	}
	return &ListMessagesResponse{Messages: msgs, HasMore: len(msgs) == limit}, nil
}

func (s *MessageService) SearchMessages(_ context.Context, req *SearchMessagesRequest) (*SearchMessagesResponse, error) {
	if req.Query == "" {
		return nil, grpcstatus.Error(codes.InvalidArgument, "query is required")
	}
	limit := 50
	if req.Limit > 0 {
		limit = req.Limit
	}

	results, err := s.db.SearchMessages(req.Query, req.ChatID, limit)
	if err != nil {
		return nil, grpcstatus.Errorf(codes.Internal, "search messages: %v", err)
	}
	return &SearchMessagesResponse{Results: results}, nil
}

// SendMessage uploads the attached files and sends the message. While
// disconnected the message is queued and returned with status queued.
func (s *MessageService) SendMessage(ctx context.Context, req *SendMessageRequest) (*SendMessageResponse, error) {
	chatType, to, err := wire.ParseChatKey(req.ChatID)
	if err != nil || to == 0 {
		return nil, grpcstatus.Errorf(codes.InvalidArgument, "invalid chat id %q", req.ChatID)
	}
	if req.Text == "" && len(req.Files) == 0 {
		return nil, grpcstatus.Error(codes.InvalidArgument, "message is empty")
	}

	send := outbound.SendRequest{
		Type:             chatType,
		To:               int64(to),
		Text:             req.Text,
		Approvers:        req.Approvers,
		IsApprovalNeeded: req.IsApprovalNeeded,
	}
	if req.Group {
		send.Type = wire.ChatGroup
	}

	if req.ReplyTo != "" {
		parent, err := s.db.GetMessage(req.ReplyTo)
		if err != nil {
			return nil, grpcstatus.Errorf(codes.Internal, "get parent: %v", err)
		}
		if parent == nil {
			return nil, grpcstatus.Errorf(codes.NotFound, "message %q not found", req.ReplyTo)
		}
		send.ParentMessageID = parent.ID
		send.ParentMessageText = parent.Body
	}

	for _, f := range req.Files {
		if s.uploader == nil {
			return nil, grpcstatus.Error(codes.Unavailable, "attachments not configured")
		}
		a, err := s.uploader.UploadFile(ctx, f.Name, f.Data)
		if err != nil {
			return nil, grpcstatus.Errorf(codes.Unavailable, "upload %s: %v", f.Name, err)
		}
		send.Attachments = append(send.Attachments, *a)
	}

	m := s.invoker.SendMessage(ctx, send)
	return &SendMessageResponse{Message: *m}, nil
}

// Perform runs one outbound operation on existing messages.
func (s *MessageService) Perform(ctx context.Context, req *PerformRequest) (*PerformResponse, error) {
	chatType, err := s.chatType(req)
	if err != nil {
		return nil, err
	}

	switch req.Op {
	case OpMarkSeen:
		if len(req.MessageIDs) > 0 {
			err = s.invoker.MarkMultipleAsSeen(ctx, req.MessageIDs, chatType)
		} else {
			err = s.invoker.MarkAsSeen(ctx, req.MessageID, chatType)
		}
	case OpApproval:
		err = s.invoker.SetApprovalDecision(ctx, outbound.ApprovalDecision{
			MessageID: req.MessageID,
			Approved:  req.Approved,
			Reply:     req.Text,
			Type:      chatType,
		})
	case OpSendForApprove:
		err = s.invoker.SendForApprove(ctx, req.MessageID, chatType, req.ApproverID)
	case OpModify:
		err = s.invoker.SetModifyMessage(ctx, req.MessageID, req.Text, chatType)
	case OpReact:
		err = s.invoker.SetMessageReaction(ctx, req.MessageID, req.Reaction, chatType)
	case OpDeleteRequest:
		err = s.invoker.SetDeleteRequest(ctx, req.MessageID, chatType)
	case OpCancelDelete:
		err = s.invoker.SetCancelDeleteRequest(ctx, req.MessageID, chatType)
	case OpDelete:
		err = s.invoker.SetDeleteMessage(ctx, req.MessageID, chatType)
	case OpTyping:
		err = s.invoker.SendTyping(ctx, outbound.Typing{
			To:       req.To,
			IsTyping: req.IsTyping,
			Type:     chatType,
			GroupID:  req.GroupID,
		})
	default:
		return nil, grpcstatus.Errorf(codes.InvalidArgument, "unknown operation %q", req.Op)
	}
	if err != nil {
		return nil, toStatus(req.Op, err)
	}
	return &PerformResponse{}, nil
}

// chatType resolves an explicit type, else the stored message's type.
func (s *MessageService) chatType(req *PerformRequest) (wire.ChatType, error) {
	if req.ChatType != "" {
		return wire.ParseChatType(req.ChatType), nil
	}
	if req.Op == OpTyping && req.GroupID != 0 {
		return wire.ChatGroup, nil
	}
	id := req.MessageID
	if id == "" && len(req.MessageIDs) > 0 {
		id = req.MessageIDs[0]
	}
	if id == "" {
		if req.Op == OpTyping {
			return wire.ChatUser, nil
		}
		return "", grpcstatus.Error(codes.InvalidArgument, "message id is required")
	}
	m, err := s.db.GetMessage(id)
	if err != nil {
		return "", grpcstatus.Errorf(codes.Internal, "get message: %v", err)
	}
	if m == nil {
		return "", grpcstatus.Errorf(codes.NotFound, "message %q not found", id)
	}
	return m.ChatType, nil
}

func toStatus(op string, err error) error {
	switch {
	case errors.Is(err, outbound.ErrNotConnected):
		return grpcstatus.Errorf(codes.Unavailable, "%s: %v", op, err)
	case errors.Is(err, outbound.ErrUnknownMessage):
		return grpcstatus.Errorf(codes.NotFound, "%s: %v", op, err)
	case errors.Is(err, context.DeadlineExceeded):
		return grpcstatus.Errorf(codes.DeadlineExceeded, "%s: %v", op, err)
	default:
		return grpcstatus.Errorf(codes.Internal, "%s: %v", op, err)
	}
}

// MessageServiceDesc describes MessageService for grpc.ServiceRegistrar.
var MessageServiceDesc = grpc.ServiceDesc{
	ServiceName: MessageServiceName,
	HandlerType: (*MessageServer)(nil),
	Methods: []grpc.MethodDesc{
		unary(MessageServiceName, "ListMessages", MessageServer.ListMessages),
		unary(MessageServiceName, "SearchMessages", MessageServer.SearchMessages),
		unary(MessageServiceName, "SendMessage", MessageServer.SendMessage),
		unary(MessageServiceName, "Perform", MessageServer.Perform),
	},
}

// RegisterMessageService registers s on r.
func RegisterMessageService(r grpc.ServiceRegistrar, s MessageServer) {
	r.RegisterService(&MessageServiceDesc, s)
}
