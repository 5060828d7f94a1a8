package api

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// unary builds a method descriptor for a typed handler on server S.
// Interceptors see the *structpb.Struct request and response.
func unary[S any, Req any, Resp any](service, name string, fn func(S, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			handler := func(ctx context.Context, msg any) (any, error) {
				req := new(Req)
				if err := fromStruct(msg.(*structpb.Struct), req); err != nil {
					return nil, grpcstatus.Error(codes.InvalidArgument, err.Error())
				}
				resp, err := fn(srv.(S), ctx, req)
				if err != nil {
					return nil, err
				}
				out, err := toStruct(resp)
				if err != nil {
					return nil, grpcstatus.Error(codes.Internal, err.Error())
				}
				return out, nil
			}
			if interceptor == nil {
				return handler(ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: FullMethod(service, name)}
			return interceptor(ctx, in, info, handler)
		},
	}
}

// FullMethod returns the gRPC path of a method.
func FullMethod(service, name string) string {
	return "/" + service + "/" + name
}

// recvRequest reads the single request of a server stream.
func recvRequest(stream grpc.ServerStream, req any) error {
	in := new(structpb.Struct)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	if err := fromStruct(in, req); err != nil {
		return grpcstatus.Error(codes.InvalidArgument, err.Error())
	}
	return nil
}

// EventStream is the server side of WatchEvents.
type EventStream interface {
	Send(*Event) error
	Context() context.Context
}

type eventStream struct {
	grpc.ServerStream
}

func (s eventStream) Send(e *Event) error {
	msg, err := toStruct(e)
	if err != nil {
		return err
	}
	return s.ServerStream.SendMsg(msg)
}
