package api

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

func invoke[Resp any](ctx context.Context, cc grpc.ClientConnInterface, service, method string, req any, opts []grpc.CallOption) (*Resp, error) {
	in, err := toStruct(req)
	if err != nil {
		return nil, err
	}
	out := new(structpb.Struct)
	if err := cc.Invoke(ctx, FullMethod(service, method), in, out, opts...); err != nil {
		return nil, err
	}
	resp := new(Resp)
	if err := fromStruct(out, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// SessionServiceClient is the client API of the session service.
type SessionServiceClient struct {
	cc grpc.ClientConnInterface
}

func NewSessionServiceClient(cc grpc.ClientConnInterface) *SessionServiceClient {
	return &SessionServiceClient{cc: cc}
}

func (c *SessionServiceClient) GetStatus(ctx context.Context, in *GetStatusRequest, opts ...grpc.CallOption) (*GetStatusResponse, error) {
	return invoke[GetStatusResponse](ctx, c.cc, SessionServiceName, "GetStatus", in, opts)
}

func (c *SessionServiceClient) Reconnect(ctx context.Context, in *ReconnectRequest, opts ...grpc.CallOption) (*ReconnectResponse, error) {
	return invoke[ReconnectResponse](ctx, c.cc, SessionServiceName, "Reconnect", in, opts)
}

// WatchEvents opens the event stream. Cancel ctx to stop it.
func (c *SessionServiceClient) WatchEvents(ctx context.Context, in *WatchEventsRequest, opts ...grpc.CallOption) (*EventReceiver, error) {
	msg, err := toStruct(in)
	if err != nil {
		return nil, err
	}
	stream, err := c.cc.NewStream(ctx, &SessionServiceDesc.Streams[0], FullMethod(SessionServiceName, "WatchEvents"), opts...)
	if err != nil {
		return nil, err
	}
	if err := stream.SendMsg(msg); err != nil {
		return nil, err
	}
	if err := stream.CloseSend(); err != nil {
		return nil, err
	}
	return &EventReceiver{stream: stream}, nil
}

// EventReceiver reads a WatchEvents stream.
type EventReceiver struct {
	stream grpc.ClientStream
}

// Recv returns the next event, or io.EOF when the server ends the stream.
func (r *EventReceiver) Recv() (*Event, error) {
	msg := new(structpb.Struct)
	if err := r.stream.RecvMsg(msg); err != nil {
		return nil, err
	}
	e := new(Event)
	if err := fromStruct(msg, e); err != nil {
		return nil, err
	}
	return e, nil
}

// ChatServiceClient is the client API of the chat service.
type ChatServiceClient struct {
	cc grpc.ClientConnInterface
}

func NewChatServiceClient(cc grpc.ClientConnInterface) *ChatServiceClient {
	return &ChatServiceClient{cc: cc}
}

func (c *ChatServiceClient) ListChats(ctx context.Context, in *ListChatsRequest, opts ...grpc.CallOption) (*ListChatsResponse, error) {
	return invoke[ListChatsResponse](ctx, c.cc, ChatServiceName, "ListChats", in, opts)
}

func (c *ChatServiceClient) SelectChat(ctx context.Context, in *SelectChatRequest, opts ...grpc.CallOption) (*SelectChatResponse, error) {
	return invoke[SelectChatResponse](ctx, c.cc, ChatServiceName, "SelectChat", in, opts)
}

func (c *ChatServiceClient) LoadMore(ctx context.Context, in *LoadMoreRequest, opts ...grpc.CallOption) (*LoadMoreResponse, error) {
	return invoke[LoadMoreResponse](ctx, c.cc, ChatServiceName, "LoadMore", in, opts)
}

// MessageServiceClient is the client API of the message service.
type MessageServiceClient struct {
	cc grpc.ClientConnInterface
}

func NewMessageServiceClient(cc grpc.ClientConnInterface) *MessageServiceClient {
	return &MessageServiceClient{cc: cc}
}

func (c *MessageServiceClient) ListMessages(ctx context.Context, in *ListMessagesRequest, opts ...grpc.CallOption) (*ListMessagesResponse, error) {
	return invoke[ListMessagesResponse](ctx, c.cc, MessageServiceName, "ListMessages", in, opts)
}

func (c *MessageServiceClient) SearchMessages(ctx context.Context, in *SearchMessagesRequest, opts ...grpc.CallOption) (*SearchMessagesResponse, error) {
	return invoke[SearchMessagesResponse](ctx, c.cc, MessageServiceName, "SearchMessages", in, opts)
}

func (c *MessageServiceClient) SendMessage(ctx context.Context, in *SendMessageRequest, opts ...grpc.CallOption) (*SendMessageResponse, error) {
	return invoke[SendMessageResponse](ctx, c.cc, MessageServiceName, "SendMessage", in, opts)
}

func (c *MessageServiceClient) Perform(ctx context.Context, in *PerformRequest, opts ...grpc.CallOption) (*PerformResponse, error) {
	return invoke[PerformResponse](ctx, c.cc, MessageServiceName, "Perform", in, opts)
}
