package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"whisper/chat-service/internal/keylock"
	"whisper/chat-service/internal/models"
	"whisper/chat-service/internal/store"
)

// entryTimeLayout is fixed width so entry names sort chronologically.
const entryTimeLayout = "2006-01-02_15-04-05.000000000"

const maxNameAttempts = 3

var entryIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

type ArchiveRepository interface {
	Snapshot(ctx context.Context, messages []models.Message) (string, error)
	List(ctx context.Context) ([]string, error)
	Load(ctx context.Context, entryID string) (*models.ArchiveEntry, error)
	Delete(ctx context.Context, entryID string) error
	Overwrite(ctx context.Context, entryID string, messages []models.Message) error
}

type archiveRepository struct {
	docs   store.DocumentStore
	locks  *keylock.Locker
	now    func() time.Time
	logger *logrus.Logger
}

func NewArchiveRepository(docs store.DocumentStore, locks *keylock.Locker, now func() time.Time, logger *logrus.Logger) ArchiveRepository {
	if now == nil {
		now = time.Now
	}
	return &archiveRepository{
		docs:   docs,
		locks:  locks,
		now:    now,
		logger: logger,
	}
}

// NewEntryID names an archive entry from the UTC time plus a random suffix.
func NewEntryID(at time.Time) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return at.UTC().Format(entryTimeLayout) + "_" + suffix
}

func (r *archiveRepository) Snapshot(ctx context.Context, messages []models.Message) (string, error) {
	body, err := encodeMessages(messages)
	if err != nil {
		return "", err
	}

	for attempt := 0; attempt < maxNameAttempts; attempt++ {
		entryID := NewEntryID(r.now())
		_, err := r.docs.Put(ctx, store.NamespaceHistory, entryID, body, store.VersionAbsent)
		if errors.Is(err, models.ErrConflict) {
			continue
		}
		if err != nil {
			return "", fmt.Errorf("save history entry: %w", err)
		}

		r.logger.WithFields(logrus.Fields{
			"entry_id": entryID,
			"messages": len(messages),
		}).Info("History entry saved")
		return entryID, nil
	}

	return "", fmt.Errorf("%w: could not allocate a unique history entry name", models.ErrConflict)
}

func (r *archiveRepository) List(ctx context.Context) ([]string, error) {
	keys, err := r.docs.Keys(ctx, store.NamespaceHistory)
	if err != nil {
		return nil, fmt.Errorf("list history: %w", err)
	}
	return keys, nil
}

func (r *archiveRepository) Load(ctx context.Context, entryID string) (*models.ArchiveEntry, error) {
	if err := validateEntryID(entryID); err != nil {
		return nil, err
	}

	doc, err := r.docs.Get(ctx, store.NamespaceHistory, entryID)
	if err != nil {
		return nil, err
	}

	messages, err := decodeMessages(doc.Body)
	if err != nil {
		return nil, fmt.Errorf("history entry %s: %w", entryID, err)
	}
	return &models.ArchiveEntry{ID: entryID, Messages: messages}, nil
}

func (r *archiveRepository) Delete(ctx context.Context, entryID string) error {
	if err := validateEntryID(entryID); err != nil {
		return err
	}

	unlock, err := r.locks.Lock(ctx, historyLockKey(entryID))
	if err != nil {
		return err
	}
	defer unlock()

	if err := r.docs.Delete(ctx, store.NamespaceHistory, entryID); err != nil {
		return err
	}

	r.logger.WithField("entry_id", entryID).Info("History entry deleted")
	return nil
}

func (r *archiveRepository) Overwrite(ctx context.Context, entryID string, messages []models.Message) error {
	if err := validateEntryID(entryID); err != nil {
		return err
	}
	body, err := encodeMessages(messages)
	if err != nil {
		return err
	}

	unlock, err := r.locks.Lock(ctx, historyLockKey(entryID))
	if err != nil {
		return err
	}
	defer unlock()

	version := store.VersionAbsent
	doc, err := r.docs.Get(ctx, store.NamespaceHistory, entryID)
	switch {
	case err == nil:
		version = doc.Version
	case errors.Is(err, models.ErrCorruptData):
		quarantined, qerr := r.docs.Quarantine(ctx, store.NamespaceHistory, entryID)
		if qerr != nil {
			return fmt.Errorf("quarantine corrupt history entry %s: %w", entryID, qerr)
		}
		r.logger.WithFields(logrus.Fields{
			"entry_id":    entryID,
			"quarantined": quarantined,
		}).Warn("Corrupt history entry moved aside before overwrite")
	default:
		return err
	}

	if _, err := r.docs.Put(ctx, store.NamespaceHistory, entryID, body, version); err != nil {
		return fmt.Errorf("overwrite history entry %s: %w", entryID, err)
	}

	r.logger.WithFields(logrus.Fields{
		"entry_id": entryID,
		"messages": len(messages),
	}).Info("History entry overwritten")
	return nil
}

func historyLockKey(entryID string) string {
	return store.NamespaceHistory + "/" + entryID
}

func validateEntryID(entryID string) error {
	if !entryIDPattern.MatchString(entryID) || strings.Contains(entryID, "..") {
		return fmt.Errorf("%w: invalid history entry %q", models.ErrInvalidArgument, entryID)
	}
	return nil
}

func encodeMessages(messages []models.Message) ([]byte, error) {
	if messages == nil {
		messages = []models.Message{}
	}
	body, err := json.MarshalIndent(messages, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal messages: %w", err)
	}
	return body, nil
}
