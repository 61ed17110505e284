// Package bufferstore holds captured events until the reconciler moves them
// into the event store. Records are keyed solely by partition key, so a
// redelivered upstream record overwrites its earlier copy.
package bufferstore

import (
	"context"
	"errors"

	"github.com/telhawk-systems/telhawk-playback/playback/internal/models"
)

var (
	ErrNotFound      = errors.New("buffer record not found")
	ErrInvalidCursor = errors.New("invalid buffer cursor")
)

// Page is one slice of a buffer scan. An empty Cursor means the scan is complete.
type Page struct {
	Records []models.BufferRecord
	Cursor  string
}

// Store is the buffer store contract shared by the Redis and in-memory backends.
type Store interface {
	Put(ctx context.Context, rec models.BufferRecord) error
	Get(ctx context.Context, key string) (*models.BufferRecord, error)
	Delete(ctx context.Context, key string) error

	// Scan returns up to limit records starting at cursor. An empty cursor
	// starts a fresh scan. Records deleted between pages are never returned
	// again, and records added mid-scan may or may not be.
	Scan(ctx context.Context, cursor string, limit int) (Page, error)

	Close() error
}
