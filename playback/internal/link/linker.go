// Package link threads forward pointers through populated event slots so
// replay can skip empty time units.
package link

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/telhawk-systems/telhawk-playback/common/logging"
	"github.com/telhawk-systems/telhawk-playback/common/messaging"
	"github.com/telhawk-systems/telhawk-playback/playback/internal/eventstore"
	"github.com/telhawk-systems/telhawk-playback/playback/internal/invoke"
	"github.com/telhawk-systems/telhawk-playback/playback/internal/metrics"
	"github.com/telhawk-systems/telhawk-playback/playback/internal/models"
)

type Config struct {
	TimeUnit time.Duration

	// LookbackUnits is how far before now a run without a start begins.
	LookbackUnits int

	// SafetyMarginUnits is the remaining budget, in time units, below which
	// a run stops and dispatches a continuation.
	SafetyMarginUnits int
}

// Linker scans slots in time order and links each populated slot to the next one.
type Linker struct {
	events     eventstore.Store
	dispatcher invoke.Dispatcher
	cfg        Config
	now        func() time.Time
	logger     *logging.Logger
}

func New(events eventstore.Store, dispatcher invoke.Dispatcher, cfg Config, logger *logging.Logger) *Linker {
	return &Linker{
		events:     events,
		dispatcher: dispatcher,
		cfg:        cfg,
		now:        time.Now,
		logger:     logger,
	}
}

// WithClock replaces the clock used for default windows and budget checks.
func (l *Linker) WithClock(now func() time.Time) *Linker {
	l.now = now
	return l
}

// Run links every populated slot in [start, end). The last populated slot
// seen before a continuation boundary travels in the continuation as
// pending_slot, so the next run links it to the first slot it finds.
func (l *Linker) Run(ctx context.Context, inv models.Invocation) error {
	start, end := l.window(inv)
	current := models.SlotOf(start, l.cfg.TimeUnit)

	pending, err := l.resume(ctx, inv.PendingSlot)
	if err != nil {
		return err
	}

	linked, scanned := 0, 0
	for current.Before(end) {
		// Every run scans at least one slot, so each continuation starts
		// later than the run that dispatched it.
		if scanned > 0 && l.budgetExhausted(ctx) {
			next := models.Invocation{Start: models.TimePtr(current), End: models.TimePtr(end)}
			if pending != nil {
				next.PendingSlot = models.TimePtr(pending.Slot)
			}
			l.logger.InfoContext(ctx, "Link budget exhausted",
				logging.Slot(current),
				logging.Count(scanned),
			)
			invoke.Continue(ctx, l.dispatcher, messaging.ComponentLink, next, l.logger)
			return nil
		}

		rec, err := l.events.First(ctx, current)
		if errors.Is(err, eventstore.ErrNotFound) {
			metrics.SlotsScanned.WithLabelValues("empty").Inc()
			current = current.Add(l.cfg.TimeUnit)
			scanned++
			continue
		}
		if err != nil {
			return fmt.Errorf("look up slot %s: %w", models.FormatTimestamp(current), err)
		}
		metrics.SlotsScanned.WithLabelValues("populated").Inc()

		if pending != nil {
			ok, err := l.link(ctx, pending, rec.Slot)
			if err != nil {
				return err
			}
			if ok {
				linked++
			}
		}

		pending = rec
		current = current.Add(l.cfg.TimeUnit)
		scanned++
	}

	l.logger.InfoContext(ctx, "Link window complete",
		"start", models.FormatTimestamp(start),
		"end", models.FormatTimestamp(end),
		"slots_scanned", scanned,
		"slots_linked", linked,
	)
	return nil
}

// link points pending at next and persists it. A pointer that is already
// correct is left alone.
func (l *Linker) link(ctx context.Context, pending *models.EventRecord, next time.Time) (bool, error) {
	if !next.After(pending.Slot) {
		return false, fmt.Errorf("refusing backward link %s -> %s",
			models.FormatTimestamp(pending.Slot), models.FormatTimestamp(next))
	}
	if pending.NextSlot != nil && pending.NextSlot.Equal(next) {
		return false, nil
	}

	pending.NextSlot = models.TimePtr(next)
	if err := l.events.Put(ctx, *pending); err != nil {
		return false, fmt.Errorf("link slot %s: %w", models.FormatTimestamp(pending.Slot), err)
	}

	metrics.SlotsLinked.Inc()
	l.logger.DebugContext(ctx, "Slot linked",
		logging.Slot(pending.Slot),
		"next_slot", models.FormatTimestamp(next),
	)
	return true, nil
}

func (l *Linker) resume(ctx context.Context, slot *time.Time) (*models.EventRecord, error) {
	if slot == nil {
		return nil, nil
	}
	rec, err := l.events.First(ctx, *slot)
	if errors.Is(err, eventstore.ErrNotFound) {
		l.logger.WarnContext(ctx, "Pending slot no longer populated", logging.Slot(*slot))
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load pending slot %s: %w", models.FormatTimestamp(*slot), err)
	}
	return rec, nil
}

func (l *Linker) window(inv models.Invocation) (time.Time, time.Time) {
	var start, end time.Time
	if inv.End != nil {
		end = *inv.End
	} else {
		end = l.now()
	}
	if inv.Start != nil {
		start = *inv.Start
	} else {
		start = end.Add(-time.Duration(l.cfg.LookbackUnits) * l.cfg.TimeUnit)
	}
	return start, end
}

// budgetExhausted reports whether less than the safety margin remains before
// ctx's deadline. Without a deadline the budget is unbounded.
func (l *Linker) budgetExhausted(ctx context.Context) bool {
	deadline, ok := ctx.Deadline()
	if !ok {
		return false
	}
	margin := time.Duration(l.cfg.SafetyMarginUnits) * l.cfg.TimeUnit
	return deadline.Sub(l.now()) < margin
}
