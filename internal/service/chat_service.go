package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"whisper/chat-service/internal/attachment"
	"whisper/chat-service/internal/auth"
	"whisper/chat-service/internal/models"
	"whisper/chat-service/internal/repository"
	"whisper/chat-service/internal/search"
	"whisper/chat-service/internal/watch"
)

const DefaultTimestampFormat = "2006-01-02 03:04 PM"

type ChatService interface {
	Login(ctx context.Context, username, password string) (models.Session, error)
	Logout(ctx context.Context, s models.Session)
	Authenticate(ctx context.Context, token string) (models.Session, error)

	Conversation(ctx context.Context, s models.Session) (*models.Conversation, error)
	SendText(ctx context.Context, s models.Session, text string) (*models.Message, error)
	SendVoice(ctx context.Context, s models.Session, audio []byte) (*models.Message, error)
	Attachment(ctx context.Context, s models.Session, ref string) ([]byte, error)
	DeleteConversation(ctx context.Context, s models.Session) error

	SaveHistory(ctx context.Context, s models.Session) (string, error)
	NewChat(ctx context.Context, s models.Session) (string, error)
	ListHistory(ctx context.Context, s models.Session) ([]string, error)
	LoadHistory(ctx context.Context, s models.Session, entryID string) (*models.Conversation, error)
	DeleteHistory(ctx context.Context, s models.Session, entryID string) error
	OverwriteHistory(ctx context.Context, s models.Session, entryID string) error
	SearchHistory(ctx context.Context, s models.Session, query string, maxResults int) (*models.SearchResult, error)

	// Watch reports changes to the session's conversation until cancel is
	// called or ctx ends.
	Watch(ctx context.Context, s models.Session) (<-chan watch.Event, func(), error)
}

type Dependencies struct {
	Chats       repository.ChatRepository
	Archive     repository.ArchiveRepository
	Index       *search.Index
	Attachments attachment.Store
	Auth        *auth.Authenticator
	Hub         *watch.Hub
}

type Options struct {
	Location        *time.Location
	TimestampFormat string
	Now             func() time.Time
	// MaxVoiceBytes caps a voice note's size; zero means no cap.
	MaxVoiceBytes int
}

type chatService struct {
	chats       repository.ChatRepository
	archive     repository.ArchiveRepository
	index       *search.Index
	attachments attachment.Store
	auth        *auth.Authenticator
	hub         *watch.Hub

	location        *time.Location
	timestampFormat string
	now             func() time.Time
	maxVoiceBytes   int

	logger *logrus.Logger
}

func NewChatService(deps Dependencies, opts Options, logger *logrus.Logger) ChatService {
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.TimestampFormat == "" {
		opts.TimestampFormat = DefaultTimestampFormat
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	return &chatService{
		chats:           deps.Chats,
		archive:         deps.Archive,
		index:           deps.Index,
		attachments:     deps.Attachments,
		auth:            deps.Auth,
		hub:             deps.Hub,
		location:        opts.Location,
		timestampFormat: opts.TimestampFormat,
		now:             opts.Now,
		maxVoiceBytes:   opts.MaxVoiceBytes,
		logger:          logger,
	}
}

func (s *chatService) Login(ctx context.Context, username, password string) (models.Session, error) {
	session, err := s.auth.Login(username, password)
	if err != nil {
		s.logger.WithField("user", username).Warn("Login rejected")
		return models.Session{}, err
	}

	s.logger.WithFields(logrus.Fields{
		"user":    session.User,
		"partner": session.Partner,
	}).Info("User logged in")
	return session, nil
}

func (s *chatService) Logout(ctx context.Context, sess models.Session) {
	s.auth.Logout(sess.Token)
	s.logger.WithField("user", sess.User).Info("User logged out")
}

func (s *chatService) Authenticate(ctx context.Context, token string) (models.Session, error) {
	return s.auth.Resolve(token)
}

// Conversation marks the partner's messages read, since the caller is now
// looking at them, and returns the result.
func (s *chatService) Conversation(ctx context.Context, sess models.Session) (*models.Conversation, error) {
	conv, err := s.chats.Load(ctx, sess.User, sess.Partner)
	if err != nil {
		s.logger.WithError(err).Error("Failed to load conversation")
		return nil, err
	}
	if conv.Quarantined != "" {
		s.logger.WithFields(logrus.Fields{
			"user":        sess.User,
			"quarantined": conv.Quarantined,
		}).Warn("Conversation was unreadable and has been reset")
	}

	unread := 0
	for _, msg := range conv.Messages {
		if msg.Sender == sess.Partner && !msg.Read {
			unread++
		}
	}
	if unread == 0 {
		return conv, nil
	}

	count, err := s.chats.MarkRead(ctx, sess.User, sess.Partner, sess.User)
	if err != nil {
		s.logger.WithError(err).Error("Failed to mark messages as read")
		return nil, err
	}

	s.logger.WithFields(logrus.Fields{
		"user":    sess.User,
		"partner": sess.Partner,
		"count":   count,
	}).Debug("Messages marked as read")

	return s.chats.Load(ctx, sess.User, sess.Partner)
}

func (s *chatService) SendText(ctx context.Context, sess models.Session, text string) (*models.Message, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, fmt.Errorf("%w: message is empty", models.ErrInvalidArgument)
	}

	msg := s.newMessage(sess)
	msg.Kind = models.KindText
	msg.Text = text

	return s.append(ctx, sess, msg)
}

func (s *chatService) SendVoice(ctx context.Context, sess models.Session, audio []byte) (*models.Message, error) {
	if s.maxVoiceBytes > 0 && len(audio) > s.maxVoiceBytes {
		return nil, fmt.Errorf("%w: voice note is %d bytes, the limit is %d", models.ErrInvalidAudio, len(audio), s.maxVoiceBytes)
	}
	info, err := attachment.ParseWAV(audio)
	if err != nil {
		return nil, err
	}

	ref, err := s.attachments.Put(ctx, audio)
	if err != nil {
		s.logger.WithError(err).Error("Failed to store voice note")
		return nil, err
	}

	msg := s.newMessage(sess)
	msg.Kind = models.KindVoice
	msg.Attachment = ref
	msg.DurationMs = info.DurationMs

	return s.append(ctx, sess, msg)
}

func (s *chatService) Attachment(ctx context.Context, sess models.Session, ref string) ([]byte, error) {
	data, err := s.attachments.Get(ctx, ref)
	if err != nil {
		s.logger.WithError(err).WithField("ref", ref).Warn("Failed to read attachment")
		return nil, err
	}
	return data, nil
}

func (s *chatService) DeleteConversation(ctx context.Context, sess models.Session) error {
	conv, err := s.chats.Load(ctx, sess.User, sess.Partner)
	if err != nil {
		return err
	}
	if len(conv.Messages) == 0 {
		return fmt.Errorf("%w: no conversation to delete", models.ErrNotFound)
	}

	if err := s.chats.Clear(ctx, sess.User, sess.Partner); err != nil {
		s.logger.WithError(err).Error("Failed to delete conversation")
		return err
	}

	s.logger.WithFields(logrus.Fields{
		"user":     sess.User,
		"partner":  sess.Partner,
		"messages": len(conv.Messages),
	}).Info("Conversation deleted")
	return nil
}

func (s *chatService) SaveHistory(ctx context.Context, sess models.Session) (string, error) {
	conv, err := s.chats.Load(ctx, sess.User, sess.Partner)
	if err != nil {
		return "", err
	}
	if len(conv.Messages) == 0 {
		return "", models.ErrEmptyConversation
	}

	entryID, err := s.archive.Snapshot(ctx, conv.Messages)
	if err != nil {
		s.logger.WithError(err).Error("Failed to save history")
		return "", err
	}

	s.logger.WithFields(logrus.Fields{
		"user":     sess.User,
		"entry_id": entryID,
	}).Info("Conversation saved to history")
	return entryID, nil
}

// NewChat archives the active conversation, when there is one, and clears it.
// The returned entry id is empty when nothing was archived.
func (s *chatService) NewChat(ctx context.Context, sess models.Session) (string, error) {
	conv, err := s.chats.Load(ctx, sess.User, sess.Partner)
	if err != nil {
		return "", err
	}

	var entryID string
	if len(conv.Messages) > 0 {
		entryID, err = s.archive.Snapshot(ctx, conv.Messages)
		if err != nil {
			s.logger.WithError(err).Error("Failed to archive conversation for new chat")
			return "", err
		}
	}

	if err := s.chats.Clear(ctx, sess.User, sess.Partner); err != nil {
		s.logger.WithError(err).Error("Failed to clear conversation for new chat")
		return entryID, err
	}

	s.logger.WithFields(logrus.Fields{
		"user":     sess.User,
		"partner":  sess.Partner,
		"entry_id": entryID,
	}).Info("New chat started")
	return entryID, nil
}

func (s *chatService) ListHistory(ctx context.Context, sess models.Session) ([]string, error) {
	return s.archive.List(ctx)
}

// LoadHistory replaces the active conversation with an archived one.
func (s *chatService) LoadHistory(ctx context.Context, sess models.Session, entryID string) (*models.Conversation, error) {
	entry, err := s.archive.Load(ctx, entryID)
	if err != nil {
		return nil, err
	}

	if err := s.chats.Replace(ctx, sess.User, sess.Partner, entry.Messages); err != nil {
		s.logger.WithError(err).Error("Failed to restore history entry")
		return nil, err
	}

	s.logger.WithFields(logrus.Fields{
		"user":     sess.User,
		"entry_id": entryID,
		"messages": len(entry.Messages),
	}).Info("History entry restored")

	return s.chats.Load(ctx, sess.User, sess.Partner)
}

func (s *chatService) DeleteHistory(ctx context.Context, sess models.Session, entryID string) error {
	if err := s.archive.Delete(ctx, entryID); err != nil {
		return err
	}
	s.logger.WithFields(logrus.Fields{
		"user":     sess.User,
		"entry_id": entryID,
	}).Info("History entry removed")
	return nil
}

// OverwriteHistory writes the active conversation into an existing entry.
func (s *chatService) OverwriteHistory(ctx context.Context, sess models.Session, entryID string) error {
	if _, err := s.archive.Load(ctx, entryID); err != nil && !isCorrupt(err) {
		return err
	}

	conv, err := s.chats.Load(ctx, sess.User, sess.Partner)
	if err != nil {
		return err
	}
	if len(conv.Messages) == 0 {
		return models.ErrEmptyConversation
	}

	if err := s.archive.Overwrite(ctx, entryID, conv.Messages); err != nil {
		s.logger.WithError(err).Error("Failed to overwrite history entry")
		return err
	}

	s.logger.WithFields(logrus.Fields{
		"user":     sess.User,
		"entry_id": entryID,
		"messages": len(conv.Messages),
	}).Info("History entry updated")
	return nil
}

func (s *chatService) SearchHistory(ctx context.Context, sess models.Session, query string, maxResults int) (*models.SearchResult, error) {
	result, err := s.index.Search(ctx, query, maxResults)
	if err != nil {
		return nil, err
	}

	s.logger.WithFields(logrus.Fields{
		"user":  sess.User,
		"hits":  len(result.Hits),
		"total": result.Total,
	}).Debug("History searched")
	return result, nil
}

func (s *chatService) Watch(ctx context.Context, sess models.Session) (<-chan watch.Event, func(), error) {
	key, err := repository.ConversationKey(sess.User, sess.Partner)
	if err != nil {
		return nil, nil, err
	}
	if s.hub == nil {
		return nil, nil, fmt.Errorf("change notifications are not enabled")
	}

	events, cancel := s.hub.Subscribe(key)
	stop := context.AfterFunc(ctx, cancel)
	return events, func() {
		stop()
		cancel()
	}, nil
}

func (s *chatService) newMessage(sess models.Session) models.Message {
	now := s.now()
	return models.Message{
		Sender:    sess.User,
		Timestamp: now.In(s.location).Format(s.timestampFormat),
		TS:        now.Unix(),
	}
}

func (s *chatService) append(ctx context.Context, sess models.Session, msg models.Message) (*models.Message, error) {
	conv, err := s.chats.Append(ctx, sess.User, sess.Partner, msg)
	if err != nil {
		s.logger.WithError(err).Error("Failed to send message")
		return nil, err
	}

	sent := conv.Messages[len(conv.Messages)-1]
	s.logger.WithFields(logrus.Fields{
		"user":    sess.User,
		"partner": sess.Partner,
		"kind":    sent.Kind,
		"ts":      sent.TS,
	}).Info("Message sent")
	return &sent, nil
}

func isCorrupt(err error) bool {
	return errors.Is(err, models.ErrCorruptData)
}
