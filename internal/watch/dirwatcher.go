package watch

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"

	"whisper/chat-service/internal/store/filestore"
)

// DirWatcher publishes conversation keys whose files change on disk, so writes
// made by another process reach subscribers of this one.
type DirWatcher struct {
	dir      string
	hub      *Hub
	debounce time.Duration
	logger   *logrus.Logger

	watcher *fsnotify.Watcher
	mu      sync.Mutex
	pending map[string]time.Time
	done    chan struct{}
}

func NewDirWatcher(dir string, hub *Hub, debounce time.Duration, logger *logrus.Logger) (*DirWatcher, error) {
	if debounce <= 0 {
		debounce = 100 * time.Millisecond
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create watched directory: %w", err)
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}
	if err := w.Add(dir); err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("watch %s: %w", dir, err)
	}

	return &DirWatcher{
		dir:      dir,
		hub:      hub,
		debounce: debounce,
		logger:   logger,
		watcher:  w,
		pending:  make(map[string]time.Time),
		done:     make(chan struct{}),
	}, nil
}

// Run processes events until ctx is cancelled, then closes the watcher.
func (dw *DirWatcher) Run(ctx context.Context) {
	defer close(dw.done)
	defer dw.watcher.Close()

	ticker := time.NewTicker(dw.debounce / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-dw.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			key, ok := filestore.KeyFromFileName(filepath.Base(event.Name))
			if !ok {
				continue
			}
			dw.mu.Lock()
			dw.pending[key] = time.Now()
			dw.mu.Unlock()

		case err, ok := <-dw.watcher.Errors:
			if !ok {
				return
			}
			dw.logger.WithError(err).WithField("dir", dw.dir).Warn("File watcher error")

		case <-ticker.C:
			dw.flush(time.Now())
		}
	}
}

// Done is closed once Run has returned.
func (dw *DirWatcher) Done() <-chan struct{} {
	return dw.done
}

func (dw *DirWatcher) flush(now time.Time) {
	dw.mu.Lock()
	var ready []string
	for key, at := range dw.pending {
		if now.Sub(at) >= dw.debounce {
			ready = append(ready, key)
			delete(dw.pending, key)
		}
	}
	dw.mu.Unlock()

	for _, key := range ready {
		dw.logger.WithField("key", key).Debug("Conversation changed on disk")
		dw.hub.Publish(key)
	}
}
