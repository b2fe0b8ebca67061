// Package store defines the namespaced JSON document contract shared by the
// file and SQL backends.
package store

import (
	"context"

	"whisper/chat-service/internal/models"
)

const (
	NamespaceConversations = "conversations"
	NamespaceHistory       = "history"
)

const (
	// VersionAny makes Put unconditional.
	VersionAny = "*"
	// VersionAbsent makes Put succeed only when the document does not exist.
	VersionAbsent = ""
)

type Document struct {
	Body    []byte
	Version string
}

// DocumentStore persists JSON documents with optimistic versions.
//
// Get returns models.ErrNotFound for missing documents and models.ErrCorruptData
// when the stored bytes are not valid JSON. Put returns models.ErrConflict when
// ifVersion does not match the stored version.
type DocumentStore interface {
	Get(ctx context.Context, namespace, key string) (Document, error)
	Put(ctx context.Context, namespace, key string, body []byte, ifVersion string) (string, error)
	Delete(ctx context.Context, namespace, key string) error
	Keys(ctx context.Context, namespace string) ([]string, error)
	Quarantine(ctx context.Context, namespace, key string) (string, error)
	Close() error
}

var (
	ErrNotFound    = models.ErrNotFound
	ErrCorruptData = models.ErrCorruptData
	ErrConflict    = models.ErrConflict
)
