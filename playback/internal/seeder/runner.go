package seeder

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/telhawk-systems/telhawk-playback/common/logging"
)

// Publisher appends one event to the capture stream.
type Publisher interface {
	Publish(ctx context.Context, partitionKey string, data []byte) (string, error)
}

type Config struct {
	Count      int
	Interval   time.Duration // pause between events
	TimeSpread time.Duration // spread @timestamp values backwards from now
	Seed       int64
}

type Summary struct {
	Sent     int
	Failed   int
	Duration time.Duration
}

// Runner handles the event seeding execution
type Runner struct {
	cfg       Config
	publisher Publisher
	generator *Generator
	now       func() time.Time
	logger    *logging.Logger
}

func NewRunner(cfg Config, publisher Publisher, logger *logging.Logger) *Runner {
	return &Runner{
		cfg:       cfg,
		publisher: publisher,
		generator: NewGenerator(cfg.Seed),
		now:       time.Now,
		logger:    logger,
	}
}

// Run publishes cfg.Count events. Individual publish failures are counted,
// not returned; Run only fails when ctx ends.
func (r *Runner) Run(ctx context.Context) (Summary, error) {
	var summary Summary
	started := r.now()

	r.logger.InfoContext(ctx, "Starting event seeder",
		logging.Count(r.cfg.Count),
		"interval", r.cfg.Interval.String(),
		"time_spread", r.cfg.TimeSpread.String(),
	)

	progressEvery := r.cfg.Count / 10
	if progressEvery < 100 {
		progressEvery = 100
	}

	for i := 0; i < r.cfg.Count; i++ {
		if err := ctx.Err(); err != nil {
			summary.Duration = r.now().Sub(started)
			return summary, err
		}

		at := r.generator.EventTime(started, i, r.cfg.Count, r.cfg.TimeSpread)
		data, err := json.Marshal(r.generator.Event(at))
		if err != nil {
			return summary, fmt.Errorf("marshal event: %w", err)
		}

		if _, err := r.publisher.Publish(ctx, uuid.NewString(), data); err != nil {
			summary.Failed++
			r.logger.WarnContext(ctx, "Failed to publish event", logging.Error(err))
		} else {
			summary.Sent++
		}

		if (i+1)%progressEvery == 0 {
			r.logger.InfoContext(ctx, "Seeding progress", "sent", summary.Sent, "failed", summary.Failed)
		}

		if r.cfg.Interval > 0 && i < r.cfg.Count-1 {
			select {
			case <-time.After(r.cfg.Interval):
			case <-ctx.Done():
				summary.Duration = r.now().Sub(started)
				return summary, ctx.Err()
			}
		}
	}

	summary.Duration = r.now().Sub(started)
	r.logger.InfoContext(ctx, "Seeding complete",
		"sent", summary.Sent,
		"failed", summary.Failed,
		logging.Duration(summary.Duration),
	)
	return summary, nil
}
