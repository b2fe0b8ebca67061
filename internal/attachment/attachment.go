// Package attachment stores voice-note audio and validates its format.
package attachment

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"

	"github.com/google/uuid"

	"whisper/chat-service/internal/fsutil"
	"whisper/chat-service/internal/models"
)

const voicePrefix = "voice/"

var (
	refPattern = regexp.MustCompile(`^voice/[0-9a-f-]{36}\.wav$`)
	// legacyRefPattern matches notes written by older clients, such as
	// voice_notes/alice_1700000000.wav. They are read relative to the store root.
	legacyRefPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+/[A-Za-z0-9][A-Za-z0-9._-]*\.wav$`)
)

type Store interface {
	Put(ctx context.Context, data []byte) (string, error)
	Get(ctx context.Context, ref string) ([]byte, error)
}

func newRef() string {
	return voicePrefix + uuid.NewString() + ".wav"
}

func validateRef(ref string) error {
	if !refPattern.MatchString(ref) && !legacyRefPattern.MatchString(ref) {
		return fmt.Errorf("%w: invalid attachment reference %q", models.ErrInvalidArgument, ref)
	}
	return nil
}

type LocalStore struct {
	dir string
}

func NewLocalStore(dir string) (*LocalStore, error) {
	if err := os.MkdirAll(filepath.Join(dir, "voice"), 0o700); err != nil {
		return nil, fmt.Errorf("create attachment directory: %w", err)
	}
	return &LocalStore{dir: dir}, nil
}

func (s *LocalStore) Put(ctx context.Context, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	ref := newRef()
	if err := fsutil.WriteFileAtomic(s.path(ref), data, 0o600); err != nil {
		return "", fmt.Errorf("store attachment: %w", err)
	}
	return ref, nil
}

func (s *LocalStore) Get(ctx context.Context, ref string) ([]byte, error) {
	if err := validateRef(ref); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(s.path(ref))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, models.ErrNotFound
		}
		return nil, fmt.Errorf("read attachment %s: %w", ref, err)
	}
	return data, nil
}

func (s *LocalStore) path(ref string) string {
	return filepath.Join(s.dir, filepath.FromSlash(ref))
}
