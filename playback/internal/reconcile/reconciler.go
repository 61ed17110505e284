// Package reconcile drains the buffer store into the event store.
package reconcile

import (
	"context"
	"fmt"
	"time"

	"github.com/telhawk-systems/telhawk-playback/common/logging"
	"github.com/telhawk-systems/telhawk-playback/common/messaging"
	"github.com/telhawk-systems/telhawk-playback/playback/internal/bufferstore"
	"github.com/telhawk-systems/telhawk-playback/playback/internal/eventstore"
	"github.com/telhawk-systems/telhawk-playback/playback/internal/invoke"
	"github.com/telhawk-systems/telhawk-playback/playback/internal/metrics"
	"github.com/telhawk-systems/telhawk-playback/playback/internal/models"
)

type Config struct {
	TimeUnit      time.Duration
	PageSize      int
	DecodePayload bool
}

// Reconciler processes one buffer page per invocation and hands the rest of
// the scan to a continuation.
type Reconciler struct {
	buffer     bufferstore.Store
	events     eventstore.Store
	dispatcher invoke.Dispatcher
	cfg        Config
	logger     *logging.Logger
}

func New(buffer bufferstore.Store, events eventstore.Store, dispatcher invoke.Dispatcher, cfg Config, logger *logging.Logger) *Reconciler {
	return &Reconciler{
		buffer:     buffer,
		events:     events,
		dispatcher: dispatcher,
		cfg:        cfg,
		logger:     logger,
	}
}

// Run reconciles the page at inv's cursor. A store failure aborts the run
// and is returned; records already moved stay moved.
func (r *Reconciler) Run(ctx context.Context, inv models.Invocation) error {
	cursor := ""
	if inv.Continue {
		cursor = inv.PaginationCursor
	}

	page, err := r.buffer.Scan(ctx, cursor, r.cfg.PageSize)
	if err != nil {
		return fmt.Errorf("scan buffer: %w", err)
	}

	for _, rec := range page.Records {
		if err := r.reconcile(ctx, rec); err != nil {
			return err
		}
	}

	r.logger.InfoContext(ctx, "Buffer page reconciled",
		logging.Count(len(page.Records)),
		logging.Cursor(cursor),
	)

	if page.Cursor != "" {
		invoke.Continue(ctx, r.dispatcher, messaging.ComponentReconcile,
			models.Invocation{PaginationCursor: page.Cursor}, r.logger)
	}
	return nil
}

// reconcile writes rec to the event store and only then deletes it from the
// buffer. A crash between the two leaves the buffer entry behind; the next
// scan rewrites the same event record.
func (r *Reconciler) reconcile(ctx context.Context, rec models.BufferRecord) error {
	payload := rec.RawPayload
	if r.cfg.DecodePayload {
		decoded, err := payload.Decoded()
		if err != nil {
			metrics.DecodeFailures.Inc()
			r.logger.WarnContext(ctx, "Keeping encoded payload",
				logging.PartitionKey(rec.PartitionKey),
				logging.Error(err),
			)
		}
		payload = decoded
	}

	event := rec.ToEventRecord(payload, r.cfg.TimeUnit)
	if err := r.events.Put(ctx, event); err != nil {
		return fmt.Errorf("write event %s: %w", rec.PartitionKey, err)
	}

	if err := r.buffer.Delete(ctx, rec.PartitionKey); err != nil {
		return fmt.Errorf("delete buffer record %s: %w", rec.PartitionKey, err)
	}

	metrics.RecordsReconciled.Inc()
	r.logger.DebugContext(ctx, "Record reconciled",
		logging.PartitionKey(rec.PartitionKey),
		logging.Slot(event.Slot),
	)
	return nil
}
