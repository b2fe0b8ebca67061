// Package filestore keeps each document as a JSON file under
// <root>/<namespace>/<key>.json.
package filestore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gofrs/flock"
	"github.com/sirupsen/logrus"

	"whisper/chat-service/internal/fsutil"
	"whisper/chat-service/internal/models"
	"whisper/chat-service/internal/store"
)

const (
	fileExt         = ".json"
	lockExt         = ".lock"
	corruptInfix    = ".corrupt-"
	filePerm        = 0o600
	dirPerm         = 0o700
	lockRetryDelay  = 5 * time.Millisecond
	defaultRetries  = 3
	defaultInterval = 20 * time.Millisecond
)

var keyPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

type Config struct {
	Root string
	// Retries bounds how often a failed disk operation is retried.
	Retries int
	// RetryInterval is the first backoff interval.
	RetryInterval time.Duration
	// RetryMaxElapsed caps the total time spent retrying one operation.
	RetryMaxElapsed time.Duration
}

type Store struct {
	root            string
	retries         int
	retryInterval   time.Duration
	retryMaxElapsed time.Duration
	logger          *logrus.Logger
}

var _ store.DocumentStore = (*Store)(nil)

func New(cfg Config, logger *logrus.Logger) (*Store, error) {
	if cfg.Root == "" {
		return nil, errors.New("filestore: root directory is required")
	}
	if err := os.MkdirAll(cfg.Root, dirPerm); err != nil {
		return nil, fmt.Errorf("create storage directory: %w", err)
	}
	if cfg.Retries < 0 {
		cfg.Retries = 0
	} else if cfg.Retries == 0 {
		cfg.Retries = defaultRetries
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = defaultInterval
	}
	if cfg.RetryMaxElapsed <= 0 {
		cfg.RetryMaxElapsed = 2 * time.Second
	}

	return &Store{
		root:            cfg.Root,
		retries:         cfg.Retries,
		retryInterval:   cfg.RetryInterval,
		retryMaxElapsed: cfg.RetryMaxElapsed,
		logger:          logger,
	}, nil
}

// Path returns where a document lives on disk.
func (s *Store) Path(namespace, key string) string {
	return filepath.Join(s.root, namespace, key+fileExt)
}

// Dir returns the directory holding a namespace.
func (s *Store) Dir(namespace string) string {
	return filepath.Join(s.root, namespace)
}

// KeyFromFileName maps a file name inside a namespace directory back to its key.
func KeyFromFileName(name string) (string, bool) {
	if !strings.HasSuffix(name, fileExt) || strings.HasPrefix(name, ".") {
		return "", false
	}
	key := strings.TrimSuffix(name, fileExt)
	if !keyPattern.MatchString(key) {
		return "", false
	}
	return key, true
}

func (s *Store) Get(ctx context.Context, namespace, key string) (store.Document, error) {
	if err := validate(namespace, key); err != nil {
		return store.Document{}, err
	}
	path := s.Path(namespace, key)

	var data []byte
	err := s.retry(ctx, "read "+path, func() error {
		var readErr error
		data, readErr = os.ReadFile(path)
		return readErr
	})
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return store.Document{}, store.ErrNotFound
		}
		return store.Document{}, fmt.Errorf("read %s: %w", path, err)
	}

	if !json.Valid(data) {
		return store.Document{}, fmt.Errorf("%w: %s", store.ErrCorruptData, path)
	}

	return store.Document{Body: data, Version: version(data)}, nil
}

func (s *Store) Put(ctx context.Context, namespace, key string, body []byte, ifVersion string) (string, error) {
	if err := validate(namespace, key); err != nil {
		return "", err
	}
	if !json.Valid(body) {
		return "", fmt.Errorf("%w: document body is not valid JSON", models.ErrInvalidArgument)
	}
	path := s.Path(namespace, key)

	unlock, err := s.lock(ctx, path)
	if err != nil {
		return "", err
	}
	defer unlock()

	if ifVersion != store.VersionAny {
		current, err := s.currentVersion(ctx, path)
		if err != nil {
			return "", err
		}
		if current != ifVersion {
			return "", fmt.Errorf("%w: %s", store.ErrConflict, path)
		}
	}

	err = s.retry(ctx, "write "+path, func() error {
		return fsutil.WriteFileAtomic(path, body, filePerm)
	})
	if err != nil {
		return "", fmt.Errorf("write %s: %w", path, err)
	}

	return version(body), nil
}

func (s *Store) Delete(ctx context.Context, namespace, key string) error {
	if err := validate(namespace, key); err != nil {
		return err
	}
	path := s.Path(namespace, key)

	unlock, err := s.lock(ctx, path)
	if err != nil {
		return err
	}
	defer unlock()

	err = s.retry(ctx, "remove "+path, func() error {
		return os.Remove(path)
	})
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove %s: %w", path, err)
	}

	// Callers already waiting on this lock file notice it is gone and relock.
	lp := lockPath(path)
	if rmErr := os.Remove(lp); rmErr != nil && !errors.Is(rmErr, fs.ErrNotExist) && s.logger != nil {
		s.logger.WithError(rmErr).WithField("path", lp).Warn("Failed to remove lock file")
	}

	if err != nil {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) Keys(ctx context.Context, namespace string) ([]string, error) {
	if err := validateNamespace(namespace); err != nil {
		return nil, err
	}
	dir := s.Dir(namespace)

	var entries []os.DirEntry
	err := s.retry(ctx, "list "+dir, func() error {
		var readErr error
		entries, readErr = os.ReadDir(dir)
		return readErr
	})
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("list %s: %w", dir, err)
	}

	keys := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if key, ok := KeyFromFileName(entry.Name()); ok {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Quarantine renames a document to <key>.json.corrupt-<unixnano> so its bytes
// survive and the key reads as absent.
func (s *Store) Quarantine(ctx context.Context, namespace, key string) (string, error) {
	if err := validate(namespace, key); err != nil {
		return "", err
	}
	path := s.Path(namespace, key)

	unlock, err := s.lock(ctx, path)
	if err != nil {
		return "", err
	}
	defer unlock()

	target := fmt.Sprintf("%s%s%d", path, corruptInfix, time.Now().UnixNano())
	err = s.retry(ctx, "quarantine "+path, func() error {
		return os.Rename(path, target)
	})
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", store.ErrNotFound
		}
		return "", fmt.Errorf("quarantine %s: %w", path, err)
	}

	return filepath.Base(target), nil
}

func (s *Store) Close() error {
	return nil
}

func (s *Store) currentVersion(ctx context.Context, path string) (string, error) {
	var data []byte
	err := s.retry(ctx, "read "+path, func() error {
		var readErr error
		data, readErr = os.ReadFile(path)
		return readErr
	})
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return store.VersionAbsent, nil
		}
		return "", fmt.Errorf("read %s: %w", path, err)
	}
	return version(data), nil
}

func lockPath(path string) string {
	return filepath.Join(filepath.Dir(path), "."+filepath.Base(path)+lockExt)
}

// lock takes an exclusive advisory lock next to path, shared with other
// processes using the same data directory. Delete unlinks the lock file, so a
// lock won on a file that is gone no longer excludes anyone and is retaken.
func (s *Store) lock(ctx context.Context, path string) (func(), error) {
	if err := os.MkdirAll(filepath.Dir(path), dirPerm); err != nil {
		return nil, fmt.Errorf("create storage directory: %w", err)
	}

	lp := lockPath(path)
	for {
		fl := flock.New(lp)
		locked, err := fl.TryLockContext(ctx, lockRetryDelay)
		if err != nil {
			return nil, fmt.Errorf("lock %s: %w", lp, err)
		}
		if !locked {
			return nil, fmt.Errorf("lock %s: not acquired", lp)
		}

		if _, err := os.Stat(lp); errors.Is(err, fs.ErrNotExist) {
			_ = fl.Unlock()
			continue
		}

		return func() {
			if err := fl.Unlock(); err != nil && s.logger != nil {
				s.logger.WithError(err).WithField("path", lp).Warn("Failed to release file lock")
			}
		}, nil
	}
}

func (s *Store) retry(ctx context.Context, op string, fn func() error) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = s.retryInterval
	policy.MaxElapsedTime = s.retryMaxElapsed

	b := backoff.WithContext(backoff.WithMaxRetries(policy, uint64(s.retries)), ctx)

	return backoff.RetryNotify(func() error {
		err := fn()
		if err == nil {
			return nil
		}
		if errors.Is(err, fs.ErrNotExist) || errors.Is(err, fs.ErrPermission) {
			return backoff.Permanent(err)
		}
		return err
	}, b, func(err error, wait time.Duration) {
		if s.logger != nil {
			s.logger.WithError(err).WithFields(logrus.Fields{
				"op":   op,
				"wait": wait,
			}).Warn("Retrying storage operation")
		}
	})
}

func validate(namespace, key string) error {
	if err := validateNamespace(namespace); err != nil {
		return err
	}
	if !keyPattern.MatchString(key) || strings.Contains(key, "..") {
		return fmt.Errorf("%w: invalid document key %q", models.ErrInvalidArgument, key)
	}
	return nil
}

func validateNamespace(namespace string) error {
	if !keyPattern.MatchString(namespace) || strings.Contains(namespace, "..") {
		return fmt.Errorf("%w: invalid namespace %q", models.ErrInvalidArgument, namespace)
	}
	return nil
}

func version(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
