package grpc

import (
	"context"

	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"

	"whisper/chat-service/internal/models"
	"whisper/chat-service/internal/service"
)

type ChatServer struct {
	service service.ChatService
	logger  *logrus.Logger
}

func NewChatServer(svc service.ChatService, logger *logrus.Logger) *ChatServer {
	return &ChatServer{
		service: svc,
		logger:  logger,
	}
}

// DefaultMaxMessageBytes applies when NewServer or NewClient get zero.
const DefaultMaxMessageBytes = 64 << 20

// envelopeBytes covers the JSON field names and quoting around a voice payload.
const envelopeBytes = 4 << 10

// MaxAudioBytes is the largest voice note that still fits in one message
// once base64 encoded.
func MaxAudioBytes(maxMessageBytes int) int {
	if maxMessageBytes <= 0 {
		maxMessageBytes = DefaultMaxMessageBytes
	}
	n := (maxMessageBytes - envelopeBytes) / 4 * 3
	if n < 0 {
		return 0
	}
	return n
}

// NewServer builds a grpc.Server with the chat and health services registered
// behind the logging, auth and rate-limit interceptors.
func NewServer(chat *ChatServer, limiter *RateLimiter, maxMessageBytes int, logger *logrus.Logger, opts ...grpc.ServerOption) (*grpc.Server, *health.Server) {
	if maxMessageBytes <= 0 {
		maxMessageBytes = DefaultMaxMessageBytes
	}
	opts = append(opts,
		grpc.MaxRecvMsgSize(maxMessageBytes),
		grpc.MaxSendMsgSize(maxMessageBytes),
		grpc.ChainUnaryInterceptor(
			LoggingUnaryInterceptor(logger),
			AuthUnaryInterceptor(chat.service),
			RateLimitUnaryInterceptor(limiter),
		),
		grpc.ChainStreamInterceptor(
			LoggingStreamInterceptor(logger),
			AuthStreamInterceptor(chat.service),
			RateLimitStreamInterceptor(limiter),
		),
	)

	s := grpc.NewServer(opts...)
	RegisterChatServiceServer(s, chat)

	hs := health.NewServer()
	hs.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(s, hs)

	return s, hs
}

func (s *ChatServer) session(ctx context.Context) (models.Session, error) {
	sess, ok := SessionFromContext(ctx)
	if !ok {
		return models.Session{}, status.Error(codes.Unauthenticated, "no session")
	}
	return sess, nil
}

func (s *ChatServer) Login(ctx context.Context, req *LoginRequest) (*LoginResponse, error) {
	sess, err := s.service.Login(ctx, req.Username, req.Password)
	if err != nil {
		return nil, toStatus(err)
	}

	return &LoginResponse{
		Token:     sess.Token,
		User:      sess.User,
		Partner:   sess.Partner,
		ExpiresAt: sess.ExpiresAt,
	}, nil
}

func (s *ChatServer) Logout(ctx context.Context, _ *Empty) (*Empty, error) {
	sess, err := s.session(ctx)
	if err != nil {
		return nil, err
	}
	s.service.Logout(ctx, sess)
	return &Empty{}, nil
}

func (s *ChatServer) GetConversation(ctx context.Context, _ *Empty) (*ConversationResponse, error) {
	sess, err := s.session(ctx)
	if err != nil {
		return nil, err
	}

	conv, err := s.service.Conversation(ctx, sess)
	if err != nil {
		return nil, toStatus(err)
	}
	return s.conversationToWire(conv), nil
}

func (s *ChatServer) SendText(ctx context.Context, req *SendTextRequest) (*MessageResponse, error) {
	sess, err := s.session(ctx)
	if err != nil {
		return nil, err
	}

	msg, err := s.service.SendText(ctx, sess, req.Text)
	if err != nil {
		return nil, toStatus(err)
	}
	return &MessageResponse{Message: s.messageToWire(*msg)}, nil
}

func (s *ChatServer) SendVoice(ctx context.Context, req *SendVoiceRequest) (*MessageResponse, error) {
	sess, err := s.session(ctx)
	if err != nil {
		return nil, err
	}

	msg, err := s.service.SendVoice(ctx, sess, req.Audio)
	if err != nil {
		return nil, toStatus(err)
	}
	return &MessageResponse{Message: s.messageToWire(*msg)}, nil
}

func (s *ChatServer) GetAttachment(ctx context.Context, req *GetAttachmentRequest) (*AttachmentResponse, error) {
	sess, err := s.session(ctx)
	if err != nil {
		return nil, err
	}

	data, err := s.service.Attachment(ctx, sess, req.Ref)
	if err != nil {
		return nil, toStatus(err)
	}
	return &AttachmentResponse{Ref: req.Ref, Data: data}, nil
}

func (s *ChatServer) SaveHistory(ctx context.Context, _ *Empty) (*HistoryEntryResponse, error) {
	sess, err := s.session(ctx)
	if err != nil {
		return nil, err
	}

	entryID, err := s.service.SaveHistory(ctx, sess)
	if err != nil {
		return nil, toStatus(err)
	}
	return &HistoryEntryResponse{EntryID: entryID}, nil
}

func (s *ChatServer) NewChat(ctx context.Context, _ *Empty) (*HistoryEntryResponse, error) {
	sess, err := s.session(ctx)
	if err != nil {
		return nil, err
	}

	entryID, err := s.service.NewChat(ctx, sess)
	if err != nil {
		return nil, toStatus(err)
	}
	return &HistoryEntryResponse{EntryID: entryID}, nil
}

func (s *ChatServer) ListHistory(ctx context.Context, _ *Empty) (*ListHistoryResponse, error) {
	sess, err := s.session(ctx)
	if err != nil {
		return nil, err
	}

	ids, err := s.service.ListHistory(ctx, sess)
	if err != nil {
		return nil, toStatus(err)
	}
	if ids == nil {
		ids = []string{}
	}
	return &ListHistoryResponse{EntryIDs: ids}, nil
}

func (s *ChatServer) LoadHistory(ctx context.Context, req *HistoryEntryRequest) (*ConversationResponse, error) {
	sess, err := s.session(ctx)
	if err != nil {
		return nil, err
	}

	conv, err := s.service.LoadHistory(ctx, sess, req.EntryID)
	if err != nil {
		return nil, toStatus(err)
	}
	return s.conversationToWire(conv), nil
}

func (s *ChatServer) DeleteHistory(ctx context.Context, req *HistoryEntryRequest) (*Empty, error) {
	sess, err := s.session(ctx)
	if err != nil {
		return nil, err
	}

	if err := s.service.DeleteHistory(ctx, sess, req.EntryID); err != nil {
		return nil, toStatus(err)
	}
	return &Empty{}, nil
}

func (s *ChatServer) OverwriteHistory(ctx context.Context, req *HistoryEntryRequest) (*Empty, error) {
	sess, err := s.session(ctx)
	if err != nil {
		return nil, err
	}

	if err := s.service.OverwriteHistory(ctx, sess, req.EntryID); err != nil {
		return nil, toStatus(err)
	}
	return &Empty{}, nil
}

func (s *ChatServer) SearchHistory(ctx context.Context, req *SearchHistoryRequest) (*SearchHistoryResponse, error) {
	sess, err := s.session(ctx)
	if err != nil {
		return nil, err
	}

	result, err := s.service.SearchHistory(ctx, sess, req.Query, req.MaxResults)
	if err != nil {
		return nil, toStatus(err)
	}

	hits := make([]SearchHit, len(result.Hits))
	for i, h := range result.Hits {
		hits[i] = SearchHit{
			EntryID:   h.EntryID,
			Timestamp: h.Timestamp,
			Sender:    h.Sender,
			Text:      h.Text,
			Preview:   h.Preview,
		}
	}
	return &SearchHistoryResponse{Hits: hits, Total: result.Total}, nil
}

func (s *ChatServer) DeleteConversation(ctx context.Context, _ *Empty) (*Empty, error) {
	sess, err := s.session(ctx)
	if err != nil {
		return nil, err
	}

	if err := s.service.DeleteConversation(ctx, sess); err != nil {
		return nil, toStatus(err)
	}
	return &Empty{}, nil
}

func (s *ChatServer) WatchConversation(_ *Empty, stream WatchConversationServer) error {
	ctx := stream.Context()
	sess, err := s.session(ctx)
	if err != nil {
		return err
	}

	events, cancel, err := s.service.Watch(ctx, sess)
	if err != nil {
		return toStatus(err)
	}
	defer cancel()

	s.logger.WithField("user", sess.User).Debug("Conversation watch started")
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if err := stream.Send(&ConversationEvent{Key: ev.Key, At: ev.At}); err != nil {
				return err
			}
		}
	}
}

func (s *ChatServer) conversationToWire(conv *models.Conversation) *ConversationResponse {
	messages := make([]Message, len(conv.Messages))
	for i, m := range conv.Messages {
		messages[i] = s.messageToWire(m)
	}
	return &ConversationResponse{
		Key:      conv.Key,
		Messages: messages,
		Reset:    conv.Quarantined != "",
	}
}

func (s *ChatServer) messageToWire(msg models.Message) Message {
	return Message{
		Sender:     msg.Sender,
		Kind:       string(msg.Kind),
		Text:       msg.Text,
		Attachment: msg.Attachment,
		DurationMs: msg.DurationMs,
		Timestamp:  msg.Timestamp,
		TS:         msg.TS,
		Read:       msg.Read,
	}
}
