// Package storetest is a conformance suite for store.DocumentStore backends.
package storetest

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"whisper/chat-service/internal/store"
)

// Factory returns a fresh, empty store. Cleanup is the caller's job.
type Factory func(t *testing.T) store.DocumentStore

// Corrupter writes raw bytes for a key bypassing JSON validation.
type Corrupter func(t *testing.T, s store.DocumentStore, namespace, key string, raw []byte)

func Run(t *testing.T, newStore Factory, corrupt Corrupter) {
	t.Run("GetMissing", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Get(context.Background(), store.NamespaceHistory, "nope")
		assert.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("PutGetRoundTrip", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		v1, err := s.Put(ctx, store.NamespaceConversations, "alice_bob", []byte(`[{"sender":"alice"}]`), store.VersionAbsent)
		require.NoError(t, err)
		require.NotEmpty(t, v1)

		doc, err := s.Get(ctx, store.NamespaceConversations, "alice_bob")
		require.NoError(t, err)
		assert.JSONEq(t, `[{"sender":"alice"}]`, string(doc.Body))
		assert.Equal(t, v1, doc.Version)
	})

	t.Run("CompareAndSwap", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		ns := store.NamespaceConversations

		v1, err := s.Put(ctx, ns, "k", []byte(`[]`), store.VersionAbsent)
		require.NoError(t, err)

		_, err = s.Put(ctx, ns, "k", []byte(`[1]`), store.VersionAbsent)
		assert.ErrorIs(t, err, store.ErrConflict)

		v2, err := s.Put(ctx, ns, "k", []byte(`[1]`), v1)
		require.NoError(t, err)
		assert.NotEqual(t, v1, v2)

		_, err = s.Put(ctx, ns, "k", []byte(`[2]`), v1)
		assert.ErrorIs(t, err, store.ErrConflict)

		doc, err := s.Get(ctx, ns, "k")
		require.NoError(t, err)
		assert.JSONEq(t, `[1]`, string(doc.Body))

		_, err = s.Put(ctx, ns, "k", []byte(`[3]`), store.VersionAny)
		require.NoError(t, err)
		doc, err = s.Get(ctx, ns, "k")
		require.NoError(t, err)
		assert.JSONEq(t, `[3]`, string(doc.Body))

		_, err = s.Put(ctx, ns, "missing", []byte(`[]`), v2)
		assert.ErrorIs(t, err, store.ErrConflict)
	})

	t.Run("RejectsInvalidJSON", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Put(context.Background(), store.NamespaceHistory, "bad", []byte(`{`), store.VersionAny)
		assert.Error(t, err)
	})

	t.Run("KeysSortedPerNamespace", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		for _, k := range []string{"c", "a", "b"} {
			_, err := s.Put(ctx, store.NamespaceHistory, k, []byte(`[]`), store.VersionAny)
			require.NoError(t, err)
		}
		_, err := s.Put(ctx, store.NamespaceConversations, "z", []byte(`[]`), store.VersionAny)
		require.NoError(t, err)

		keys, err := s.Keys(ctx, store.NamespaceHistory)
		require.NoError(t, err)
		assert.Equal(t, []string{"a", "b", "c"}, keys)

		empty, err := s.Keys(ctx, "unused")
		require.NoError(t, err)
		assert.Empty(t, empty)
	})

	t.Run("Delete", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		_, err := s.Put(ctx, store.NamespaceHistory, "x", []byte(`[]`), store.VersionAny)
		require.NoError(t, err)

		require.NoError(t, s.Delete(ctx, store.NamespaceHistory, "x"))
		assert.ErrorIs(t, s.Delete(ctx, store.NamespaceHistory, "x"), store.ErrNotFound)

		_, err = s.Get(ctx, store.NamespaceHistory, "x")
		assert.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("CorruptAndQuarantine", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		corrupt(t, s, store.NamespaceConversations, "alice_bob", []byte(`[{"sender":`))

		_, err := s.Get(ctx, store.NamespaceConversations, "alice_bob")
		require.ErrorIs(t, err, store.ErrCorruptData)

		name, err := s.Quarantine(ctx, store.NamespaceConversations, "alice_bob")
		require.NoError(t, err)
		assert.NotEmpty(t, name)

		_, err = s.Get(ctx, store.NamespaceConversations, "alice_bob")
		assert.ErrorIs(t, err, store.ErrNotFound)

		keys, err := s.Keys(ctx, store.NamespaceConversations)
		require.NoError(t, err)
		assert.Empty(t, keys)

		_, err = s.Quarantine(ctx, store.NamespaceConversations, "alice_bob")
		assert.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("ConcurrentCASLosesNoUpdate", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		ns := store.NamespaceConversations
		_, err := s.Put(ctx, ns, "k", []byte(`0`), store.VersionAbsent)
		require.NoError(t, err)

		const writers = 8
		var wg sync.WaitGroup
		results := make(chan error, writers)
		for i := 0; i < writers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				doc, err := s.Get(ctx, ns, "k")
				if err != nil {
					results <- err
					return
				}
				_, err = s.Put(ctx, ns, "k", []byte(`1`), doc.Version)
				results <- err
			}()
		}
		wg.Wait()
		close(results)

		wins := 0
		for err := range results {
			if err == nil {
				wins++
				continue
			}
			assert.ErrorIs(t, err, store.ErrConflict)
		}
		assert.GreaterOrEqual(t, wins, 1)
	})
}
