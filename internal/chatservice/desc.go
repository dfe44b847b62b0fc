package chatservice

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

const ServiceName = "tuyu.chat.v1.ChatService"

const (
	MethodSendMessage        = "SendMessage"
	MethodGetMessages        = "GetMessages"
	MethodGetPrivateMessages = "GetPrivateMessages"
	MethodListChannels       = "ListChannels"
	MethodEditMessage        = "EditMessage"
	MethodDeleteMessage      = "DeleteMessage"
)

// ChatServiceServer is the server API for the chat service.
type ChatServiceServer interface {
	SendMessage(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetMessages(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetPrivateMessages(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListChannels(context.Context, *structpb.Struct) (*structpb.Struct, error)
	EditMessage(context.Context, *structpb.Struct) (*structpb.Struct, error)
	DeleteMessage(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

type unaryCall func(ChatServiceServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ChatServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		unary(MethodSendMessage, ChatServiceServer.SendMessage),
		unary(MethodGetMessages, ChatServiceServer.GetMessages),
		unary(MethodGetPrivateMessages, ChatServiceServer.GetPrivateMessages),
		unary(MethodListChannels, ChatServiceServer.ListChannels),
		unary(MethodEditMessage, ChatServiceServer.EditMessage),
		unary(MethodDeleteMessage, ChatServiceServer.DeleteMessage),
	},
	Streams: []grpc.StreamDesc{},
}

func RegisterChatServiceServer(s grpc.ServiceRegistrar, srv ChatServiceServer) {
	s.RegisterService(&ServiceDesc, srv)
}

// FullMethod returns the gRPC path of a method of the chat service.
func FullMethod(method string) string {
	return "/" + ServiceName + "/" + method
}

func unary(method string, call unaryCall) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(ChatServiceServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: FullMethod(method)}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(ChatServiceServer), ctx, req.(*structpb.Struct))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}
