package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"whisper/chat-service/internal/keylock"
	"whisper/chat-service/internal/models"
	"whisper/chat-service/internal/store"
	"whisper/chat-service/internal/watch"
)

// maxConflictRetries bounds how often a read-modify-write cycle restarts after
// another writer changed the document underneath it.
const maxConflictRetries = 10

type ChatRepository interface {
	Load(ctx context.Context, user1, user2 string) (*models.Conversation, error)
	Append(ctx context.Context, user1, user2 string, msg models.Message) (*models.Conversation, error)
	MarkRead(ctx context.Context, user1, user2, reader string) (int, error)
	Clear(ctx context.Context, user1, user2 string) error
	Replace(ctx context.Context, user1, user2 string, messages []models.Message) error
}

type chatRepository struct {
	docs   store.DocumentStore
	locks  *keylock.Locker
	hub    *watch.Hub
	logger *logrus.Logger
}

func NewChatRepository(docs store.DocumentStore, locks *keylock.Locker, hub *watch.Hub, logger *logrus.Logger) ChatRepository {
	return &chatRepository{
		docs:   docs,
		locks:  locks,
		hub:    hub,
		logger: logger,
	}
}

// ConversationKey is the storage key for the unordered pair {user1, user2}.
func ConversationKey(user1, user2 string) (string, error) {
	return models.PairKey(user1, user2)
}

func (r *chatRepository) Load(ctx context.Context, user1, user2 string) (*models.Conversation, error) {
	key, err := ConversationKey(user1, user2)
	if err != nil {
		return nil, err
	}

	conv, err := r.fetch(ctx, key)
	if !errors.Is(err, models.ErrCorruptData) {
		return conv, err
	}

	unlock, err := r.locks.Lock(ctx, key)
	if err != nil {
		return nil, err
	}
	defer unlock()
	return r.recoverLocked(ctx, key)
}

func (r *chatRepository) Append(ctx context.Context, user1, user2 string, msg models.Message) (*models.Conversation, error) {
	if msg.Sender != user1 && msg.Sender != user2 {
		return nil, fmt.Errorf("%w: sender %q is not a participant", models.ErrInvalidArgument, msg.Sender)
	}
	msg.Normalize()
	if err := validateMessage(msg); err != nil {
		return nil, err
	}

	return r.mutate(ctx, user1, user2, func(messages []models.Message) ([]models.Message, bool) {
		if n := len(messages); n > 0 && msg.TS < messages[n-1].TS {
			msg.TS = messages[n-1].TS
		}
		return append(messages, msg), true
	})
}

func (r *chatRepository) MarkRead(ctx context.Context, user1, user2, reader string) (int, error) {
	if reader != user1 && reader != user2 {
		return 0, fmt.Errorf("%w: reader %q is not a participant", models.ErrInvalidArgument, reader)
	}

	count := 0
	_, err := r.mutate(ctx, user1, user2, func(messages []models.Message) ([]models.Message, bool) {
		count = 0
		for i := range messages {
			if messages[i].Sender != reader && !messages[i].Read {
				messages[i].Read = true
				count++
			}
		}
		return messages, count > 0
	})
	if err != nil {
		return 0, err
	}
	return count, nil
}

func (r *chatRepository) Clear(ctx context.Context, user1, user2 string) error {
	_, err := r.mutate(ctx, user1, user2, func(messages []models.Message) ([]models.Message, bool) {
		return []models.Message{}, len(messages) > 0
	})
	return err
}

func (r *chatRepository) Replace(ctx context.Context, user1, user2 string, messages []models.Message) error {
	next := models.CloneMessages(messages)
	for i := range next {
		next[i].Normalize()
	}

	_, err := r.mutate(ctx, user1, user2, func([]models.Message) ([]models.Message, bool) {
		return next, true
	})
	return err
}

// mutate runs one read-modify-write cycle under the pair's lock, retrying when
// the store reports a concurrent change.
func (r *chatRepository) mutate(ctx context.Context, user1, user2 string, fn func([]models.Message) ([]models.Message, bool)) (*models.Conversation, error) {
	key, err := ConversationKey(user1, user2)
	if err != nil {
		return nil, err
	}

	unlock, err := r.locks.Lock(ctx, key)
	if err != nil {
		return nil, err
	}
	defer unlock()

	for attempt := 0; attempt < maxConflictRetries; attempt++ {
		conv, err := r.fetch(ctx, key)
		if errors.Is(err, models.ErrCorruptData) {
			conv, err = r.recoverLocked(ctx, key)
		}
		if err != nil {
			return nil, err
		}

		next, changed := fn(models.CloneMessages(conv.Messages))
		if !changed {
			return conv, nil
		}
		if next == nil {
			next = []models.Message{}
		}

		body, err := encodeMessages(next)
		if err != nil {
			return nil, fmt.Errorf("conversation %s: %w", key, err)
		}

		version, err := r.docs.Put(ctx, store.NamespaceConversations, key, body, conv.Version)
		if errors.Is(err, models.ErrConflict) {
			r.logger.WithFields(logrus.Fields{
				"key":     key,
				"attempt": attempt + 1,
			}).Debug("Conversation changed concurrently, retrying")
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("save conversation %s: %w", key, err)
		}

		if r.hub != nil {
			r.hub.Publish(key)
		}
		return &models.Conversation{
			Key:         key,
			Messages:    next,
			Version:     version,
			Quarantined: conv.Quarantined,
		}, nil
	}

	return nil, fmt.Errorf("%w: conversation %s kept changing", models.ErrConflict, key)
}

func (r *chatRepository) fetch(ctx context.Context, key string) (*models.Conversation, error) {
	doc, err := r.docs.Get(ctx, store.NamespaceConversations, key)
	if errors.Is(err, models.ErrNotFound) {
		return &models.Conversation{Key: key, Messages: []models.Message{}, Version: store.VersionAbsent}, nil
	}
	if err != nil {
		return nil, err
	}

	messages, err := decodeMessages(doc.Body)
	if err != nil {
		return nil, err
	}
	return &models.Conversation{Key: key, Messages: messages, Version: doc.Version}, nil
}

// recoverLocked must run under the key's lock. It re-reads the document and,
// if it is still corrupt, moves it aside and reports an empty conversation.
func (r *chatRepository) recoverLocked(ctx context.Context, key string) (*models.Conversation, error) {
	conv, err := r.fetch(ctx, key)
	if !errors.Is(err, models.ErrCorruptData) {
		return conv, err
	}

	quarantined, qerr := r.docs.Quarantine(ctx, store.NamespaceConversations, key)
	if qerr != nil && !errors.Is(qerr, models.ErrNotFound) {
		return nil, fmt.Errorf("quarantine corrupt conversation %s: %w", key, qerr)
	}

	r.logger.WithError(err).WithFields(logrus.Fields{
		"key":         key,
		"quarantined": quarantined,
	}).Warn("Chat file corrupted, starting fresh")

	return &models.Conversation{
		Key:         key,
		Messages:    []models.Message{},
		Version:     store.VersionAbsent,
		Quarantined: quarantined,
	}, nil
}

func decodeMessages(body []byte) ([]models.Message, error) {
	var messages []models.Message
	if err := json.Unmarshal(body, &messages); err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrCorruptData, err)
	}
	if messages == nil {
		messages = []models.Message{}
	}
	for i := range messages {
		messages[i].Normalize()
	}
	return messages, nil
}

func validateMessage(msg models.Message) error {
	switch msg.Kind {
	case models.KindText:
		if strings.TrimSpace(msg.Text) == "" {
			return fmt.Errorf("%w: message text is empty", models.ErrInvalidArgument)
		}
	case models.KindVoice:
		if msg.Attachment == "" {
			return fmt.Errorf("%w: voice message has no attachment", models.ErrInvalidArgument)
		}
	default:
		return fmt.Errorf("%w: unknown message kind %q", models.ErrInvalidArgument, msg.Kind)
	}
	return nil
}
