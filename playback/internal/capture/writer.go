// Package capture moves raw stream records into the buffer store.
package capture

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/telhawk-systems/telhawk-playback/common/logging"
	"github.com/telhawk-systems/telhawk-playback/playback/internal/bufferstore"
	"github.com/telhawk-systems/telhawk-playback/playback/internal/metrics"
	"github.com/telhawk-systems/telhawk-playback/playback/internal/models"
)

// Writer appends batches of stream records to the buffer store.
type Writer struct {
	store       bufferstore.Store
	concurrency int
	logger      *logging.Logger
}

func NewWriter(store bufferstore.Store, concurrency int, logger *logging.Logger) *Writer {
	if concurrency <= 0 {
		concurrency = 1
	}
	return &Writer{store: store, concurrency: concurrency, logger: logger}
}

// Write stores one BufferRecord per input record. Writes run concurrently and
// the batch fails as a whole if any single write fails, so the upstream
// transport redelivers every record of it.
func (w *Writer) Write(ctx context.Context, records []models.StreamRecord) error {
	start := time.Now()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.concurrency)

	for _, rec := range records {
		buf := models.NewBufferRecord(rec)
		g.Go(func() error {
			if err := w.store.Put(gctx, buf); err != nil {
				metrics.BufferWriteErrors.Inc()
				return fmt.Errorf("buffer record %s/%s: %w", rec.SourceID, rec.RecordID, err)
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		metrics.CaptureBatches.WithLabelValues("failed").Inc()
		w.logger.ErrorContext(ctx, "Capture batch failed",
			logging.Count(len(records)),
			logging.Error(err),
		)
		return err
	}

	metrics.CaptureBatches.WithLabelValues("success").Inc()
	metrics.RecordsCaptured.Add(float64(len(records)))
	w.logger.DebugContext(ctx, "Capture batch written",
		logging.Count(len(records)),
		logging.Duration(time.Since(start)),
	)
	return nil
}
