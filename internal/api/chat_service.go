package api

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"

	"github.com/matheus3301/hubclient/internal/store"
)

// History pages older messages in. *sync.Engine satisfies it.
type History interface {
	LoadMore(ctx context.Context, chatID string) (int, error)
}

// ChatServer is the server API of the chat service.
type ChatServer interface {
	ListChats(context.Context, *ListChatsRequest) (*ListChatsResponse, error)
	SelectChat(context.Context, *SelectChatRequest) (*SelectChatResponse, error)
	LoadMore(context.Context, *LoadMoreRequest) (*LoadMoreResponse, error)
}

// ChatService serves the recent chat list and the selection.
type ChatService struct {
	db      *store.DB
	history History
}

// NewChatService creates a new chat service backed by the store.
func NewChatService(db *store.DB, history History) *ChatService {
	return &ChatService{db: db, history: history}
}

func (s *ChatService) ListChats(_ context.Context, req *ListChatsRequest) (*ListChatsResponse, error) {
	limit := 50
	if req.Limit > 0 {
		limit = req.Limit
	}

	chats, err := s.db.ListRecentChats(limit, req.Offset)
	if err != nil {
		return nil, grpcstatus.Errorf(codes.Internal, "list chats: %v", err)
	}
	return &ListChatsResponse{Chats: chats, HasMore: len(chats) == limit}, nil
}

// SelectChat opens a chat; an empty id closes the current one. History
// for the chat is loaded in the background.
func (s *ChatService) SelectChat(_ context.Context, req *SelectChatRequest) (*SelectChatResponse, error) {
	if err := s.db.SetSelectedChatID(req.ChatID); err != nil {
		return nil, grpcstatus.Errorf(codes.Internal, "select chat: %v", err)
	}
	return &SelectChatResponse{ChatID: req.ChatID}, nil
}

func (s *ChatService) LoadMore(ctx context.Context, req *LoadMoreRequest) (*LoadMoreResponse, error) {
	chatID := req.ChatID
	if chatID == "" {
		chatID = s.db.SelectedChatID()
	}
	if chatID == "" {
		return nil, grpcstatus.Error(codes.InvalidArgument, "no chat selected")
	}
	if s.history == nil {
		return nil, grpcstatus.Error(codes.Unavailable, "history sync not configured")
	}
	n, err := s.history.LoadMore(ctx, chatID)
	if err != nil {
		return nil, grpcstatus.Errorf(codes.Unavailable, "load more: %v", err)
	}
	return &LoadMoreResponse{Count: n}, nil
}

// ChatServiceDesc describes ChatService for grpc.ServiceRegistrar.
var ChatServiceDesc = grpc.ServiceDesc{
	ServiceName: ChatServiceName,
	HandlerType: (*ChatServer)(nil),
	Methods: []grpc.MethodDesc{
		unary(ChatServiceName, "ListChats", ChatServer.ListChats),
		unary(ChatServiceName, "SelectChat", ChatServer.SelectChat),
		unary(ChatServiceName, "LoadMore", ChatServer.LoadMore),
	},
}

// RegisterChatService registers s on r.
func RegisterChatService(r grpc.ServiceRegistrar, s ChatServer) {
	r.RegisterService(&ChatServiceDesc, s)
}
