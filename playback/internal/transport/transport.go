// Package transport publishes replayed events to an output stream.
package transport

import (
	"context"

	"github.com/telhawk-systems/telhawk-playback/playback/internal/models"
)

// PutResult is the outcome of one record of a batched publish.
type PutResult struct {
	Sequence string
	Err      error
}

// Transport is an output stream. A batched publish reports success or
// failure per record, in input order; a non-nil error from PutRecords means
// no record outcome is known.
type Transport interface {
	// PutRecord publishes one record. prevSeq is the sequence number of the
	// record published just before it, empty for the first of a run.
	PutRecord(ctx context.Context, rec models.OutRecord, prevSeq string) (string, error)

	PutRecords(ctx context.Context, recs []models.OutRecord) ([]PutResult, error)

	Close() error
}
