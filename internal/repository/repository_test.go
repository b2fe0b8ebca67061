package repository

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"whisper/chat-service/internal/keylock"
	"whisper/chat-service/internal/models"
	"whisper/chat-service/internal/store"
	"whisper/chat-service/internal/store/filestore"
	"whisper/chat-service/internal/store/sqlstore"
	"whisper/chat-service/internal/watch"
)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func newFileStore(t *testing.T, root string) *filestore.Store {
	t.Helper()
	s, err := filestore.New(filestore.Config{Root: root}, quietLogger())
	require.NoError(t, err)
	return s
}

// backends runs fn against every document store implementation.
func backends(t *testing.T, fn func(t *testing.T, docs store.DocumentStore)) {
	t.Run("file", func(t *testing.T) {
		fn(t, newFileStore(t, t.TempDir()))
	})
	t.Run("sqlite", func(t *testing.T) {
		s, err := sqlstore.Open(context.Background(), sqlstore.DriverSQLite,
			sqlstore.SQLiteDSN(filepath.Join(t.TempDir(), "chat.db")))
		require.NoError(t, err)
		t.Cleanup(func() { _ = s.Close() })
		fn(t, s)
	})
}

func textMessage(sender, text string, ts int64) models.Message {
	return models.Message{
		Sender:    sender,
		Kind:      models.KindText,
		Text:      text,
		Timestamp: time.Unix(ts, 0).UTC().Format("2006-01-02 03:04 PM"),
		TS:        ts,
	}
}

func TestConversationPathIsOrderIndependent(t *testing.T) {
	fs := newFileStore(t, t.TempDir())
	for _, pair := range [][2]string{{"alice", "bob"}, {"Madam", "Meliora"}, {"x1", "X1"}} {
		ab, err := ConversationKey(pair[0], pair[1])
		require.NoError(t, err)
		ba, err := ConversationKey(pair[1], pair[0])
		require.NoError(t, err)
		assert.Equal(t,
			fs.Path(store.NamespaceConversations, ab),
			fs.Path(store.NamespaceConversations, ba))
	}
}

func TestLoadEmptyConversation(t *testing.T) {
	backends(t, func(t *testing.T, docs store.DocumentStore) {
		repo := NewChatRepository(docs, keylock.New(), nil, quietLogger())

		conv, err := repo.Load(context.Background(), "alice", "bob")
		require.NoError(t, err)
		assert.Empty(t, conv.Messages)
		assert.NotNil(t, conv.Messages)
		assert.Equal(t, "alice_bob", conv.Key)
	})
}

func TestAppendKeepsPriorMessages(t *testing.T) {
	backends(t, func(t *testing.T, docs store.DocumentStore) {
		ctx := context.Background()
		repo := NewChatRepository(docs, keylock.New(), nil, quietLogger())

		_, err := repo.Append(ctx, "alice", "bob", textMessage("alice", "hello", 1000))
		require.NoError(t, err)
		_, err = repo.Append(ctx, "bob", "alice", textMessage("bob", "hi", 1001))
		require.NoError(t, err)

		before, err := repo.Load(ctx, "alice", "bob")
		require.NoError(t, err)

		m := textMessage("alice", "how are you", 1002)
		_, err = repo.Append(ctx, "alice", "bob", m)
		require.NoError(t, err)

		after, err := repo.Load(ctx, "bob", "alice")
		require.NoError(t, err)
		require.Len(t, after.Messages, len(before.Messages)+1)
		assert.Equal(t, before.Messages, after.Messages[:len(before.Messages)])
		assert.Equal(t, m, after.Messages[len(after.Messages)-1])
	})
}

func TestAppendClampsOutOfOrderTimestamp(t *testing.T) {
	ctx := context.Background()
	repo := NewChatRepository(newFileStore(t, t.TempDir()), keylock.New(), nil, quietLogger())

	_, err := repo.Append(ctx, "alice", "bob", textMessage("alice", "first", 2000))
	require.NoError(t, err)
	conv, err := repo.Append(ctx, "alice", "bob", textMessage("bob", "skewed clock", 1500))
	require.NoError(t, err)

	assert.Equal(t, int64(2000), conv.Messages[1].TS)
}

func TestAppendRejectsInvalidMessages(t *testing.T) {
	ctx := context.Background()
	repo := NewChatRepository(newFileStore(t, t.TempDir()), keylock.New(), nil, quietLogger())

	_, err := repo.Append(ctx, "alice", "bob", textMessage("carol", "intruder", 1))
	assert.ErrorIs(t, err, models.ErrInvalidArgument)

	_, err = repo.Append(ctx, "alice", "bob", textMessage("alice", "   ", 1))
	assert.ErrorIs(t, err, models.ErrInvalidArgument)

	_, err = repo.Append(ctx, "alice", "bob", models.Message{Sender: "alice", Kind: models.KindVoice})
	assert.ErrorIs(t, err, models.ErrInvalidArgument)

	_, err = repo.Append(ctx, "alice", "alice", textMessage("alice", "self", 1))
	assert.ErrorIs(t, err, models.ErrInvalidArgument)
}

func TestMarkReadIsIdempotent(t *testing.T) {
	backends(t, func(t *testing.T, docs store.DocumentStore) {
		ctx := context.Background()
		repo := NewChatRepository(docs, keylock.New(), nil, quietLogger())

		_, err := repo.Append(ctx, "alice", "bob", textMessage("alice", "one", 1))
		require.NoError(t, err)
		_, err = repo.Append(ctx, "alice", "bob", textMessage("bob", "two", 2))
		require.NoError(t, err)
		_, err = repo.Append(ctx, "alice", "bob", textMessage("alice", "three", 3))
		require.NoError(t, err)

		marked, err := repo.MarkRead(ctx, "alice", "bob", "bob")
		require.NoError(t, err)
		assert.Equal(t, 2, marked)

		once, err := repo.Load(ctx, "alice", "bob")
		require.NoError(t, err)

		marked, err = repo.MarkRead(ctx, "alice", "bob", "bob")
		require.NoError(t, err)
		assert.Equal(t, 0, marked)

		twice, err := repo.Load(ctx, "alice", "bob")
		require.NoError(t, err)
		assert.Equal(t, once.Messages, twice.Messages)
		assert.Equal(t, once.Version, twice.Version, "no write when nothing changed")

		assert.True(t, twice.Messages[0].Read)
		assert.False(t, twice.Messages[1].Read, "reader's own message stays unread")
		assert.True(t, twice.Messages[2].Read)
	})
}

func TestMarkReadRejectsOutsider(t *testing.T) {
	repo := NewChatRepository(newFileStore(t, t.TempDir()), keylock.New(), nil, quietLogger())
	_, err := repo.MarkRead(context.Background(), "alice", "bob", "carol")
	assert.ErrorIs(t, err, models.ErrInvalidArgument)
}

func TestClearAndReplace(t *testing.T) {
	backends(t, func(t *testing.T, docs store.DocumentStore) {
		ctx := context.Background()
		repo := NewChatRepository(docs, keylock.New(), nil, quietLogger())

		_, err := repo.Append(ctx, "alice", "bob", textMessage("alice", "hello", 1))
		require.NoError(t, err)
		require.NoError(t, repo.Clear(ctx, "bob", "alice"))

		conv, err := repo.Load(ctx, "alice", "bob")
		require.NoError(t, err)
		assert.Empty(t, conv.Messages)

		restored := []models.Message{
			textMessage("bob", "restored", 10),
			{Sender: "alice", Text: "[Voice Message](voice_notes/a.wav)", TS: 11},
		}
		require.NoError(t, repo.Replace(ctx, "alice", "bob", restored))

		conv, err = repo.Load(ctx, "alice", "bob")
		require.NoError(t, err)
		require.Len(t, conv.Messages, 2)
		assert.Equal(t, "restored", conv.Messages[0].Text)
		assert.Equal(t, models.KindVoice, conv.Messages[1].Kind)
		assert.Equal(t, "voice_notes/a.wav", conv.Messages[1].Attachment)
	})
}

func TestCorruptConversationIsQuarantined(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	fs := newFileStore(t, root)
	repo := NewChatRepository(fs, keylock.New(), nil, quietLogger())

	path := fs.Path(store.NamespaceConversations, "alice_bob")
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o700))
	require.NoError(t, os.WriteFile(path, []byte(`[{"sender": "alice", "text": "trunc`), 0o600))

	conv, err := repo.Load(ctx, "alice", "bob")
	require.NoError(t, err)
	assert.Empty(t, conv.Messages)
	require.NotEmpty(t, conv.Quarantined)

	data, err := os.ReadFile(filepath.Join(fs.Dir(store.NamespaceConversations), conv.Quarantined))
	require.NoError(t, err)
	assert.Equal(t, `[{"sender": "alice", "text": "trunc`, string(data))

	_, err = repo.Append(ctx, "alice", "bob", textMessage("alice", "fresh start", 5))
	require.NoError(t, err)
	conv, err = repo.Load(ctx, "alice", "bob")
	require.NoError(t, err)
	assert.Len(t, conv.Messages, 1)
	assert.Empty(t, conv.Quarantined)
}

func TestWrongShapeIsTreatedAsCorrupt(t *testing.T) {
	ctx := context.Background()
	fs := newFileStore(t, t.TempDir())
	repo := NewChatRepository(fs, keylock.New(), nil, quietLogger())

	_, err := fs.Put(ctx, store.NamespaceConversations, "alice_bob", []byte(`{"not":"an array"}`), store.VersionAny)
	require.NoError(t, err)

	conv, err := repo.Append(ctx, "alice", "bob", textMessage("alice", "hello", 1))
	require.NoError(t, err)
	assert.Len(t, conv.Messages, 1)
	assert.NotEmpty(t, conv.Quarantined)
}

func TestConcurrentAppendsLoseNothing(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()

	// Two repositories with separate in-process locks model two processes
	// sharing a data directory; the store's version check keeps them honest.
	repoA := NewChatRepository(newFileStore(t, root), keylock.New(), nil, quietLogger())
	repoB := NewChatRepository(newFileStore(t, root), keylock.New(), nil, quietLogger())

	const perWriter = 4
	var wg sync.WaitGroup
	errs := make(chan error, 4*perWriter)
	for w, repo := range []ChatRepository{repoA, repoA, repoB, repoB} {
		wg.Add(1)
		go func(w int, repo ChatRepository) {
			defer wg.Done()
			sender := "alice"
			if w%2 == 1 {
				sender = "bob"
			}
			for i := 0; i < perWriter; i++ {
				_, err := repo.Append(ctx, "alice", "bob", textMessage(sender, "msg", int64(i)))
				errs <- err
			}
		}(w, repo)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	conv, err := repoA.Load(ctx, "alice", "bob")
	require.NoError(t, err)
	assert.Len(t, conv.Messages, 4*perWriter)

	for i := 1; i < len(conv.Messages); i++ {
		assert.LessOrEqual(t, conv.Messages[i-1].TS, conv.Messages[i].TS)
	}
}

func TestMutationsPublishChanges(t *testing.T) {
	ctx := context.Background()
	hub := watch.NewHub()
	repo := NewChatRepository(newFileStore(t, t.TempDir()), keylock.New(), hub, quietLogger())

	events, cancel := hub.Subscribe("alice_bob")
	defer cancel()

	_, err := repo.Append(ctx, "alice", "bob", textMessage("alice", "ping", 1))
	require.NoError(t, err)

	select {
	case ev := <-events:
		assert.Equal(t, "alice_bob", ev.Key)
	case <-time.After(time.Second):
		t.Fatal("expected change event")
	}
}

func fixedClock(start time.Time, step time.Duration) func() time.Time {
	var mu sync.Mutex
	current := start
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		now := current
		current = current.Add(step)
		return now
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	backends(t, func(t *testing.T, docs store.DocumentStore) {
		ctx := context.Background()
		locks := keylock.New()
		chats := NewChatRepository(docs, locks, nil, quietLogger())
		archive := NewArchiveRepository(docs, locks, nil, quietLogger())

		_, err := chats.Append(ctx, "alice", "bob", textMessage("alice", "hello", 1000))
		require.NoError(t, err)
		_, err = chats.Append(ctx, "alice", "bob", textMessage("bob", "hey", 1001))
		require.NoError(t, err)

		conv, err := chats.Load(ctx, "alice", "bob")
		require.NoError(t, err)

		entryID, err := archive.Snapshot(ctx, conv.Messages)
		require.NoError(t, err)

		entry, err := archive.Load(ctx, entryID)
		require.NoError(t, err)
		assert.Equal(t, conv.Messages, entry.Messages)
		assert.Equal(t, entryID, entry.ID)
	})
}

func TestEntryNamesSortChronologically(t *testing.T) {
	ctx := context.Background()
	docs := newFileStore(t, t.TempDir())
	start := time.Date(2026, 10, 15, 9, 59, 59, 999_999_000, time.UTC)
	archive := NewArchiveRepository(docs, keylock.New(), fixedClock(start, 500*time.Microsecond), quietLogger())

	var created []string
	for i := 0; i < 5; i++ {
		id, err := archive.Snapshot(ctx, []models.Message{textMessage("alice", "x", int64(i))})
		require.NoError(t, err)
		created = append(created, id)
	}

	listed, err := archive.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, created, listed)
	assert.True(t, sort.StringsAreSorted(listed))
	assert.Regexp(t, `^2026-10-15_09-59-59\.999999000_[0-9a-f]{8}$`, listed[0])
}

func TestSnapshotsWithSameClockDoNotCollide(t *testing.T) {
	ctx := context.Background()
	docs := newFileStore(t, t.TempDir())
	frozen := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	archive := NewArchiveRepository(docs, keylock.New(), func() time.Time { return frozen }, quietLogger())

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := archive.Snapshot(ctx, []models.Message{})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	listed, err := archive.List(ctx)
	require.NoError(t, err)
	assert.Len(t, listed, 10)
}

func TestDeleteMissingEntry(t *testing.T) {
	backends(t, func(t *testing.T, docs store.DocumentStore) {
		ctx := context.Background()
		archive := NewArchiveRepository(docs, keylock.New(), nil, quietLogger())

		_, err := archive.Snapshot(ctx, []models.Message{textMessage("alice", "keep", 1)})
		require.NoError(t, err)
		before, err := archive.List(ctx)
		require.NoError(t, err)

		err = archive.Delete(ctx, "2020-01-01_00-00-00.000000000_deadbeef")
		assert.ErrorIs(t, err, models.ErrNotFound)

		after, err := archive.List(ctx)
		require.NoError(t, err)
		assert.Equal(t, before, after)
	})
}

func TestDeleteAndLoadMissingEntry(t *testing.T) {
	ctx := context.Background()
	archive := NewArchiveRepository(newFileStore(t, t.TempDir()), keylock.New(), nil, quietLogger())

	id, err := archive.Snapshot(ctx, []models.Message{textMessage("alice", "bye", 1)})
	require.NoError(t, err)
	require.NoError(t, archive.Delete(ctx, id))

	_, err = archive.Load(ctx, id)
	assert.ErrorIs(t, err, models.ErrNotFound)

	_, err = archive.Load(ctx, "../../etc/passwd")
	assert.ErrorIs(t, err, models.ErrInvalidArgument)
}

func TestOverwriteEntry(t *testing.T) {
	backends(t, func(t *testing.T, docs store.DocumentStore) {
		ctx := context.Background()
		archive := NewArchiveRepository(docs, keylock.New(), nil, quietLogger())

		id, err := archive.Snapshot(ctx, []models.Message{textMessage("alice", "v1", 1)})
		require.NoError(t, err)

		updated := []models.Message{textMessage("alice", "v1", 1), textMessage("bob", "v2", 2)}
		require.NoError(t, archive.Overwrite(ctx, id, updated))

		entry, err := archive.Load(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, updated, entry.Messages)

		listed, err := archive.List(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{id}, listed)

		err = archive.Overwrite(ctx, "2020-01-01_00-00-00.000000000_deadbeef", updated)
		assert.ErrorIs(t, err, models.ErrNotFound)
	})
}

func TestLoadCorruptEntry(t *testing.T) {
	ctx := context.Background()
	fs := newFileStore(t, t.TempDir())
	archive := NewArchiveRepository(fs, keylock.New(), nil, quietLogger())

	path := fs.Path(store.NamespaceHistory, "2025-01-01_10-00-00")
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o700))
	require.NoError(t, os.WriteFile(path, []byte("{{"), 0o600))

	_, err := archive.Load(ctx, "2025-01-01_10-00-00")
	assert.ErrorIs(t, err, models.ErrCorruptData)

	listed, err := archive.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"2025-01-01_10-00-00"}, listed, "corrupt entries stay listed until deleted")
}

func TestScenarioSendReadArchiveDelete(t *testing.T) {
	backends(t, func(t *testing.T, docs store.DocumentStore) {
		ctx := context.Background()
		locks := keylock.New()
		chats := NewChatRepository(docs, locks, nil, quietLogger())
		archive := NewArchiveRepository(docs, locks, nil, quietLogger())

		conv, err := chats.Load(ctx, "alice", "bob")
		require.NoError(t, err)
		require.Empty(t, conv.Messages)

		_, err = chats.Append(ctx, "alice", "bob", textMessage("alice", "hello", 1000))
		require.NoError(t, err)

		_, err = chats.MarkRead(ctx, "bob", "alice", "bob")
		require.NoError(t, err)

		conv, err = chats.Load(ctx, "alice", "bob")
		require.NoError(t, err)
		require.Len(t, conv.Messages, 1)
		assert.True(t, conv.Messages[0].Read)

		entryID, err := archive.Snapshot(ctx, conv.Messages)
		require.NoError(t, err)
		listed, err := archive.List(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{entryID}, listed)

		require.NoError(t, chats.Clear(ctx, "alice", "bob"))

		conv, err = chats.Load(ctx, "alice", "bob")
		require.NoError(t, err)
		assert.Empty(t, conv.Messages)

		entry, err := archive.Load(ctx, entryID)
		require.NoError(t, err)
		require.Len(t, entry.Messages, 1)
		assert.Equal(t, "hello", entry.Messages[0].Text)
		assert.True(t, entry.Messages[0].Read)
	})
}
