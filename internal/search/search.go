// Package search scans archived conversations for a substring. Nothing is
// indexed ahead of time; every call reads the whole archive.
package search

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"
	"golang.org/x/text/cases"

	"whisper/chat-service/internal/models"
	"whisper/chat-service/internal/repository"
)

const (
	DefaultMaxResults = 5
	previewRunes      = 30
)

type Index struct {
	archive    repository.ArchiveRepository
	maxResults int
	logger     *logrus.Logger
}

func NewIndex(archive repository.ArchiveRepository, defaultMax int, logger *logrus.Logger) *Index {
	if defaultMax <= 0 {
		defaultMax = DefaultMaxResults
	}
	return &Index{
		archive:    archive,
		maxResults: defaultMax,
		logger:     logger,
	}
}

// Search returns hits in archive order, then message order. Total counts every
// hit even when Hits is truncated to maxResults.
func (ix *Index) Search(ctx context.Context, query string, maxResults int) (*models.SearchResult, error) {
	if strings.TrimSpace(query) == "" {
		return nil, fmt.Errorf("%w: search query is empty", models.ErrInvalidArgument)
	}
	if maxResults <= 0 {
		maxResults = ix.maxResults
	}

	fold := cases.Fold()
	needle := fold.String(query)

	entryIDs, err := ix.archive.List(ctx)
	if err != nil {
		return nil, err
	}

	result := &models.SearchResult{Hits: []models.SearchHit{}}
	for _, entryID := range entryIDs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		entry, err := ix.archive.Load(ctx, entryID)
		if err != nil {
			if errors.Is(err, models.ErrCorruptData) || errors.Is(err, models.ErrNotFound) {
				ix.logger.WithError(err).WithField("entry_id", entryID).Warn("Skipping unreadable history entry")
				continue
			}
			return nil, err
		}

		for _, msg := range entry.Messages {
			if msg.Text == "" || !strings.Contains(fold.String(msg.Text), needle) {
				continue
			}
			result.Total++
			if len(result.Hits) < maxResults {
				result.Hits = append(result.Hits, models.SearchHit{
					EntryID:   entryID,
					Timestamp: msg.Timestamp,
					Sender:    msg.Sender,
					Text:      msg.Text,
					Preview:   preview(msg.Text),
				})
			}
		}
	}

	return result, nil
}

func preview(text string) string {
	runes := []rune(text)
	if len(runes) <= previewRunes {
		return text
	}
	return string(runes[:previewRunes]) + "..."
}
