// Package eventstore persists reconciled events addressed by time slot.
package eventstore

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/telhawk-systems/telhawk-playback/playback/internal/models"
)

var (
	ErrNotFound      = errors.New("event record not found")
	ErrInvalidCursor = errors.New("invalid event cursor")
)

// Page is one slice of a slot query. An empty Cursor means the slot is exhausted.
type Page struct {
	Records []models.EventRecord
	Cursor  string
}

// Store is the event store contract shared by the Postgres and in-memory backends.
type Store interface {
	// Put upserts rec on (slot, stamp, key). An unset NextSlot never clears
	// a pointer that is already stored.
	Put(ctx context.Context, rec models.EventRecord) error

	// First returns the earliest record of slot, or ErrNotFound.
	First(ctx context.Context, slot time.Time) (*models.EventRecord, error)

	// QuerySlot pages through every record of slot in (stamp, key) order.
	QuerySlot(ctx context.Context, slot time.Time, cursor string, limit int) (Page, error)

	Close() error
}

// position is the keyset cursor: the last (stamp, key) returned.
type position struct {
	Stamp int64  `json:"s"`
	Key   string `json:"k"`
}

func encodeCursor(rec models.EventRecord) string {
	data, _ := json.Marshal(position{Stamp: rec.Stamp.UnixMilli(), Key: rec.Key})
	return base64.RawURLEncoding.EncodeToString(data)
}

func decodeCursor(cursor string) (*position, error) {
	if cursor == "" {
		return nil, nil
	}
	data, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCursor, err)
	}
	var pos position
	if err := json.Unmarshal(data, &pos); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCursor, err)
	}
	return &pos, nil
}

func (p *position) before(rec models.EventRecord) bool {
	ms := rec.Stamp.UnixMilli()
	if ms != p.Stamp {
		return p.Stamp < ms
	}
	return p.Key < rec.Key
}
