package grpc

import (
	"context"

	"google.golang.org/grpc"
)

const ServiceName = "whisper.chat.v1.ChatService"

type ChatServiceServer interface {
	Login(context.Context, *LoginRequest) (*LoginResponse, error)
	Logout(context.Context, *Empty) (*Empty, error)
	GetConversation(context.Context, *Empty) (*ConversationResponse, error)
	SendText(context.Context, *SendTextRequest) (*MessageResponse, error)
	SendVoice(context.Context, *SendVoiceRequest) (*MessageResponse, error)
	GetAttachment(context.Context, *GetAttachmentRequest) (*AttachmentResponse, error)
	SaveHistory(context.Context, *Empty) (*HistoryEntryResponse, error)
	NewChat(context.Context, *Empty) (*HistoryEntryResponse, error)
	ListHistory(context.Context, *Empty) (*ListHistoryResponse, error)
	LoadHistory(context.Context, *HistoryEntryRequest) (*ConversationResponse, error)
	DeleteHistory(context.Context, *HistoryEntryRequest) (*Empty, error)
	OverwriteHistory(context.Context, *HistoryEntryRequest) (*Empty, error)
	SearchHistory(context.Context, *SearchHistoryRequest) (*SearchHistoryResponse, error)
	DeleteConversation(context.Context, *Empty) (*Empty, error)
	WatchConversation(*Empty, WatchConversationServer) error
}

type WatchConversationServer interface {
	Send(*ConversationEvent) error
	grpc.ServerStream
}

type watchConversationServer struct {
	grpc.ServerStream
}

func (x *watchConversationServer) Send(ev *ConversationEvent) error {
	return x.ServerStream.SendMsg(ev)
}

func fullMethod(name string) string {
	return "/" + ServiceName + "/" + name
}

// unaryMethod adapts a typed server method to grpc's untyped handler shape.
func unaryMethod[Req, Resp any](name string, call func(ChatServiceServer, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			handler := func(ctx context.Context, req any) (any, error) {
				resp, err := call(srv.(ChatServiceServer), ctx, req.(*Req))
				if err != nil {
					return nil, err
				}
				return resp, nil
			}
			if interceptor == nil {
				return handler(ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod(name)}
			return interceptor(ctx, in, info, handler)
		},
	}
}

func watchConversationHandler(srv any, stream grpc.ServerStream) error {
	in := new(Empty)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(ChatServiceServer).WatchConversation(in, &watchConversationServer{stream})
}

var ChatServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ChatServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		unaryMethod("Login", ChatServiceServer.Login),
		unaryMethod("Logout", ChatServiceServer.Logout),
		unaryMethod("GetConversation", ChatServiceServer.GetConversation),
		unaryMethod("SendText", ChatServiceServer.SendText),
		unaryMethod("SendVoice", ChatServiceServer.SendVoice),
		unaryMethod("GetAttachment", ChatServiceServer.GetAttachment),
		unaryMethod("SaveHistory", ChatServiceServer.SaveHistory),
		unaryMethod("NewChat", ChatServiceServer.NewChat),
		unaryMethod("ListHistory", ChatServiceServer.ListHistory),
		unaryMethod("LoadHistory", ChatServiceServer.LoadHistory),
		unaryMethod("DeleteHistory", ChatServiceServer.DeleteHistory),
		unaryMethod("OverwriteHistory", ChatServiceServer.OverwriteHistory),
		unaryMethod("SearchHistory", ChatServiceServer.SearchHistory),
		unaryMethod("DeleteConversation", ChatServiceServer.DeleteConversation),
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "WatchConversation",
			Handler:       watchConversationHandler,
			ServerStreams: true,
		},
	},
}

func RegisterChatServiceServer(s grpc.ServiceRegistrar, srv ChatServiceServer) {
	s.RegisterService(&ChatServiceDesc, srv)
}
