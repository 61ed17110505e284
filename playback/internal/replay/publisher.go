package replay

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/telhawk-systems/telhawk-playback/common/logging"
	"github.com/telhawk-systems/telhawk-playback/playback/internal/metrics"
	"github.com/telhawk-systems/telhawk-playback/playback/internal/models"
	"github.com/telhawk-systems/telhawk-playback/playback/internal/transport"
)

// Stats summarizes the publishing of one page.
type Stats struct {
	Published   int
	Attempts    int
	Retried     int
	Outstanding int
}

func (s *Stats) add(o Stats) {
	s.Published += o.Published
	s.Attempts += o.Attempts
	s.Retried += o.Retried
	s.Outstanding = o.Outstanding
}

// OrderedPublisher delivers a page of records and returns only once every
// record of it is published, so no record of a later page can be
// acknowledged before all records of this one. Publish fails only when ctx ends.
type OrderedPublisher interface {
	Publish(ctx context.Context, page []models.OutRecord) (Stats, error)
}

// Backoff paces resubmissions. Retries never give up on their own.
type Backoff struct {
	Initial time.Duration
	Max     time.Duration
}

func (b Backoff) newBackOff(ctx context.Context) backoff.BackOffContext {
	eb := backoff.NewExponentialBackOff()
	if b.Initial > 0 {
		eb.InitialInterval = b.Initial
	}
	if b.Max > 0 {
		eb.MaxInterval = b.Max
	}
	eb.MaxElapsedTime = 0
	eb.Reset()
	return backoff.WithContext(eb, ctx)
}

// wait sleeps for the next backoff interval, returning ctx's error if it ends first.
func wait(ctx context.Context, b backoff.BackOffContext) error {
	d := b.NextBackOff()
	if d == backoff.Stop {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// BatchPublisher submits a page as one multi-record call, then resubmits only
// the records that failed, in their original relative order, until none remain.
type BatchPublisher struct {
	transport transport.Transport
	backoff   Backoff
	logger    *logging.Logger
}

func NewBatchPublisher(t transport.Transport, b Backoff, logger *logging.Logger) *BatchPublisher {
	return &BatchPublisher{transport: t, backoff: b, logger: logger}
}

func (p *BatchPublisher) Publish(ctx context.Context, page []models.OutRecord) (Stats, error) {
	var stats Stats
	pending := page
	b := p.backoff.newBackOff(ctx)

	for len(pending) > 0 {
		stats.Attempts++
		results, err := p.transport.PutRecords(ctx, pending)

		var failed []models.OutRecord
		if err != nil {
			p.logger.WarnContext(ctx, "Batch publish failed",
				logging.Count(len(pending)),
				logging.Error(err),
			)
			failed = pending
		} else {
			for i, res := range results {
				if res.Err != nil {
					failed = append(failed, pending[i])
					continue
				}
				stats.Published++
			}
		}

		stats.Outstanding = len(failed)
		if len(failed) == 0 {
			break
		}

		stats.Retried += len(failed)
		metrics.ReplayRetries.WithLabelValues("batch").Add(float64(len(failed)))
		p.logger.DebugContext(ctx, "Resubmitting failed records", logging.Count(len(failed)))

		if err := wait(ctx, b); err != nil {
			return stats, fmt.Errorf("batch publish interrupted with %d outstanding: %w", len(failed), err)
		}
		pending = failed
	}

	metrics.RecordsReplayed.WithLabelValues("batch").Add(float64(stats.Published))
	return stats, nil
}

// SequencedPublisher submits one record at a time, each chained to the
// sequence number of the previous successful publish. The chain spans every
// page published through the same instance.
type SequencedPublisher struct {
	transport transport.Transport
	backoff   Backoff
	logger    *logging.Logger
	lastSeq   string
}

func NewSequencedPublisher(t transport.Transport, b Backoff, logger *logging.Logger) *SequencedPublisher {
	return &SequencedPublisher{transport: t, backoff: b, logger: logger}
}

// LastSequence returns the sequence number of the last published record.
func (p *SequencedPublisher) LastSequence() string {
	return p.lastSeq
}

func (p *SequencedPublisher) Publish(ctx context.Context, page []models.OutRecord) (Stats, error) {
	var stats Stats

	for i, rec := range page {
		b := p.backoff.newBackOff(ctx)
		for {
			stats.Attempts++
			seq, err := p.transport.PutRecord(ctx, rec, p.lastSeq)
			if err == nil {
				p.lastSeq = seq
				stats.Published++
				break
			}

			stats.Retried++
			metrics.ReplayRetries.WithLabelValues("sequenced").Inc()
			p.logger.WarnContext(ctx, "Sequenced publish failed, retrying",
				logging.PartitionKey(rec.PartitionKey),
				logging.Sequence(p.lastSeq),
				logging.Error(err),
			)

			if err := wait(ctx, b); err != nil {
				stats.Outstanding = len(page) - i
				return stats, fmt.Errorf("sequenced publish interrupted with %d outstanding: %w", stats.Outstanding, err)
			}
		}
	}

	metrics.RecordsReplayed.WithLabelValues("sequenced").Add(float64(stats.Published))
	return stats, nil
}
