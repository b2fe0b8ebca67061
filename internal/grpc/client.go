package grpc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Client calls the chat service with the JSON codec. Authenticated calls need
// a context from WithToken.
type Client struct {
	cc              grpc.ClientConnInterface
	maxMessageBytes int
}

// NewClient should be given the server's message limit; zero means
// DefaultMaxMessageBytes.
func NewClient(cc grpc.ClientConnInterface, maxMessageBytes int) *Client {
	if maxMessageBytes <= 0 {
		maxMessageBytes = DefaultMaxMessageBytes
	}
	return &Client{cc: cc, maxMessageBytes: maxMessageBytes}
}

func (c *Client) callOptions(opts []grpc.CallOption) []grpc.CallOption {
	return append([]grpc.CallOption{
		grpc.CallContentSubtype(CodecName),
		grpc.MaxCallRecvMsgSize(c.maxMessageBytes),
		grpc.MaxCallSendMsgSize(c.maxMessageBytes),
	}, opts...)
}

func (c *Client) invoke(ctx context.Context, method string, in, out any, opts ...grpc.CallOption) error {
	return c.cc.Invoke(ctx, fullMethod(method), in, out, c.callOptions(opts)...)
}

func (c *Client) Login(ctx context.Context, username, password string, opts ...grpc.CallOption) (*LoginResponse, error) {
	out := new(LoginResponse)
	if err := c.invoke(ctx, "Login", &LoginRequest{Username: username, Password: password}, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) Logout(ctx context.Context, opts ...grpc.CallOption) error {
	return c.invoke(ctx, "Logout", &Empty{}, new(Empty), opts...)
}

func (c *Client) GetConversation(ctx context.Context, opts ...grpc.CallOption) (*ConversationResponse, error) {
	out := new(ConversationResponse)
	if err := c.invoke(ctx, "GetConversation", &Empty{}, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) SendText(ctx context.Context, text string, opts ...grpc.CallOption) (*Message, error) {
	out := new(MessageResponse)
	if err := c.invoke(ctx, "SendText", &SendTextRequest{Text: text}, out, opts...); err != nil {
		return nil, err
	}
	return &out.Message, nil
}

func (c *Client) SendVoice(ctx context.Context, audio []byte, opts ...grpc.CallOption) (*Message, error) {
	if limit := MaxAudioBytes(c.maxMessageBytes); len(audio) > limit {
		return nil, status.Errorf(codes.InvalidArgument, "voice note is %d bytes, the limit is %d", len(audio), limit)
	}
	out := new(MessageResponse)
	if err := c.invoke(ctx, "SendVoice", &SendVoiceRequest{Audio: audio}, out, opts...); err != nil {
		return nil, err
	}
	return &out.Message, nil
}

func (c *Client) GetAttachment(ctx context.Context, ref string, opts ...grpc.CallOption) ([]byte, error) {
	out := new(AttachmentResponse)
	if err := c.invoke(ctx, "GetAttachment", &GetAttachmentRequest{Ref: ref}, out, opts...); err != nil {
		return nil, err
	}
	return out.Data, nil
}

func (c *Client) SaveHistory(ctx context.Context, opts ...grpc.CallOption) (string, error) {
	out := new(HistoryEntryResponse)
	if err := c.invoke(ctx, "SaveHistory", &Empty{}, out, opts...); err != nil {
		return "", err
	}
	return out.EntryID, nil
}

func (c *Client) NewChat(ctx context.Context, opts ...grpc.CallOption) (string, error) {
	out := new(HistoryEntryResponse)
	if err := c.invoke(ctx, "NewChat", &Empty{}, out, opts...); err != nil {
		return "", err
	}
	return out.EntryID, nil
}

func (c *Client) ListHistory(ctx context.Context, opts ...grpc.CallOption) ([]string, error) {
	out := new(ListHistoryResponse)
	if err := c.invoke(ctx, "ListHistory", &Empty{}, out, opts...); err != nil {
		return nil, err
	}
	return out.EntryIDs, nil
}

func (c *Client) LoadHistory(ctx context.Context, entryID string, opts ...grpc.CallOption) (*ConversationResponse, error) {
	out := new(ConversationResponse)
	if err := c.invoke(ctx, "LoadHistory", &HistoryEntryRequest{EntryID: entryID}, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) DeleteHistory(ctx context.Context, entryID string, opts ...grpc.CallOption) error {
	return c.invoke(ctx, "DeleteHistory", &HistoryEntryRequest{EntryID: entryID}, new(Empty), opts...)
}

func (c *Client) OverwriteHistory(ctx context.Context, entryID string, opts ...grpc.CallOption) error {
	return c.invoke(ctx, "OverwriteHistory", &HistoryEntryRequest{EntryID: entryID}, new(Empty), opts...)
}

func (c *Client) SearchHistory(ctx context.Context, query string, maxResults int, opts ...grpc.CallOption) (*SearchHistoryResponse, error) {
	out := new(SearchHistoryResponse)
	if err := c.invoke(ctx, "SearchHistory", &SearchHistoryRequest{Query: query, MaxResults: maxResults}, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) DeleteConversation(ctx context.Context, opts ...grpc.CallOption) error {
	return c.invoke(ctx, "DeleteConversation", &Empty{}, new(Empty), opts...)
}

type ConversationEvents struct {
	stream grpc.ClientStream
}

func (e *ConversationEvents) Recv() (*ConversationEvent, error) {
	ev := new(ConversationEvent)
	if err := e.stream.RecvMsg(ev); err != nil {
		return nil, err
	}
	return ev, nil
}

// WatchConversation streams change events until ctx is cancelled.
func (c *Client) WatchConversation(ctx context.Context, opts ...grpc.CallOption) (*ConversationEvents, error) {
	stream, err := c.cc.NewStream(ctx, &ChatServiceDesc.Streams[0], fullMethod("WatchConversation"), c.callOptions(opts)...)
	if err != nil {
		return nil, err
	}
	if err := stream.SendMsg(&Empty{}); err != nil {
		return nil, err
	}
	if err := stream.CloseSend(); err != nil {
		return nil, err
	}
	return &ConversationEvents{stream: stream}, nil
}
