// Package replay republishes stored events, in order, to an output transport.
package replay

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/telhawk-systems/telhawk-playback/common/logging"
	"github.com/telhawk-systems/telhawk-playback/common/messaging"
	"github.com/telhawk-systems/telhawk-playback/playback/internal/config"
	"github.com/telhawk-systems/telhawk-playback/playback/internal/eventstore"
	"github.com/telhawk-systems/telhawk-playback/playback/internal/invoke"
	"github.com/telhawk-systems/telhawk-playback/playback/internal/models"
	"github.com/telhawk-systems/telhawk-playback/playback/internal/transport"
)

// errBudgetExhausted stops a walk so the run can hand the rest of its window
// to a continuation.
var errBudgetExhausted = errors.New("replay budget exhausted")

type Config struct {
	TimeUnit time.Duration
	PageSize int
	Strategy string // batch or sequenced
	Walk     string // stride or chain

	// LookbackUnits is how far before the end a run without a start begins.
	LookbackUnits int

	// SafetyMarginUnits is the remaining budget, in time units, below which
	// a run stops before its next slot and dispatches a continuation.
	SafetyMarginUnits int

	Backoff Backoff
}

// Replayer walks the slots of a window and publishes each slot's records
// before moving on to the next.
type Replayer struct {
	events     eventstore.Store
	transport  transport.Transport
	dispatcher invoke.Dispatcher
	cfg        Config
	now        func() time.Time
	logger     *logging.Logger
}

func New(events eventstore.Store, t transport.Transport, dispatcher invoke.Dispatcher, cfg Config, logger *logging.Logger) *Replayer {
	return &Replayer{
		events:     events,
		transport:  t,
		dispatcher: dispatcher,
		cfg:        cfg,
		now:        time.Now,
		logger:     logger,
	}
}

// newPublisher builds the ordering strategy for one run. A sequenced chain
// picks up from the sequence number a previous run handed over.
func (r *Replayer) newPublisher(prevSeq string) OrderedPublisher {
	if r.cfg.Strategy == config.StrategySequenced {
		p := NewSequencedPublisher(r.transport, r.cfg.Backoff, r.logger)
		p.lastSeq = prevSeq
		return p
	}
	return NewBatchPublisher(r.transport, r.cfg.Backoff, r.logger)
}

// pass is the state of one run over a window.
type pass struct {
	r        *Replayer
	ctx      context.Context
	pub      OrderedPublisher
	examined int
	resume   time.Time
	slots    int
	total    Stats
}

// checkpoint is called before each slot is examined. Once at least one slot
// has been examined it stops the walk at slot if the budget is running out.
func (p *pass) checkpoint(slot time.Time) error {
	if p.examined > 0 && p.r.budgetExhausted(p.ctx) {
		p.resume = slot
		return errBudgetExhausted
	}
	p.examined++
	return nil
}

func (p *pass) visit(slot time.Time) error {
	stats, err := p.r.replaySlot(p.ctx, p.pub, slot)
	p.total.add(stats)
	if stats.Published > 0 {
		p.slots++
	}
	return err
}

// Run replays [start, end). A missing end means now; a missing start means
// LookbackUnits before the end. When the budget runs low the rest of the
// window is handed to a continuation that starts at the first slot not yet
// examined.
func (r *Replayer) Run(ctx context.Context, inv models.Invocation) error {
	start, end := r.window(inv)
	p := &pass{r: r, ctx: ctx, pub: r.newPublisher(inv.PrevSequence)}

	var err error
	if r.cfg.Walk == config.WalkChain {
		err = r.walkChain(p, start, end)
	} else {
		err = r.walkStride(p, start, end)
	}

	if errors.Is(err, errBudgetExhausted) {
		next := models.Invocation{Start: models.TimePtr(p.resume), End: models.TimePtr(end)}
		if seq, ok := p.pub.(*SequencedPublisher); ok {
			next.PrevSequence = seq.LastSequence()
		}
		r.logger.InfoContext(ctx, "Replay budget exhausted",
			logging.Slot(p.resume),
			logging.Sequence(next.PrevSequence),
			"published", p.total.Published,
		)
		invoke.Continue(ctx, r.dispatcher, messaging.ComponentReplay, next, r.logger)
		return nil
	}

	r.logger.InfoContext(ctx, "Replay finished",
		"start", models.FormatTimestamp(start),
		"end", models.FormatTimestamp(end),
		"strategy", r.cfg.Strategy,
		"walk", r.cfg.Walk,
		"slots", p.slots,
		"published", p.total.Published,
		"retried", p.total.Retried,
		"outstanding", p.total.Outstanding,
	)
	return err
}

func (r *Replayer) window(inv models.Invocation) (time.Time, time.Time) {
	end := r.now()
	if inv.End != nil {
		end = *inv.End
	}
	start := end.Add(-time.Duration(r.cfg.LookbackUnits) * r.cfg.TimeUnit)
	if inv.Start != nil {
		start = *inv.Start
	}
	return models.SlotOf(start, r.cfg.TimeUnit), end
}

// budgetExhausted reports whether less than the safety margin remains before
// ctx's deadline. Without a deadline the budget is unbounded.
func (r *Replayer) budgetExhausted(ctx context.Context) bool {
	deadline, ok := ctx.Deadline()
	if !ok {
		return false
	}
	margin := time.Duration(r.cfg.SafetyMarginUnits) * r.cfg.TimeUnit
	return deadline.Sub(r.now()) < margin
}

// walkStride visits every time unit of the window.
func (r *Replayer) walkStride(p *pass, start, end time.Time) error {
	for slot := start; slot.Before(end); slot = slot.Add(r.cfg.TimeUnit) {
		if err := p.checkpoint(slot); err != nil {
			return err
		}
		if err := p.visit(slot); err != nil {
			return err
		}
	}
	return nil
}

// walkChain visits populated slots by following next_slot pointers. Where a
// pointer is missing, because the linker has not reached that slot yet, it
// strides forward to the next populated slot instead.
func (r *Replayer) walkChain(p *pass, start, end time.Time) error {
	rec, err := r.firstPopulated(p, start, end)
	for err == nil && rec != nil {
		slot := rec.Slot
		next := rec.NextSlot

		if err := p.visit(slot); err != nil {
			return err
		}

		if next == nil {
			rec, err = r.firstPopulated(p, slot.Add(r.cfg.TimeUnit), end)
			continue
		}
		if !next.Before(end) {
			return nil
		}
		if err := p.checkpoint(*next); err != nil {
			return err
		}
		rec, err = r.events.First(p.ctx, *next)
		if errors.Is(err, eventstore.ErrNotFound) {
			r.logger.WarnContext(p.ctx, "Chain points at an empty slot", logging.Slot(*next))
			rec, err = r.firstPopulated(p, next.Add(r.cfg.TimeUnit), end)
		}
	}
	if err != nil && !errors.Is(err, errBudgetExhausted) {
		return fmt.Errorf("walk chain: %w", err)
	}
	return err
}

// firstPopulated returns the first record of the earliest populated slot in
// [from, end), or nil when there is none.
func (r *Replayer) firstPopulated(p *pass, from, end time.Time) (*models.EventRecord, error) {
	for slot := from; slot.Before(end); slot = slot.Add(r.cfg.TimeUnit) {
		if err := p.checkpoint(slot); err != nil {
			return nil, err
		}
		rec, err := r.events.First(p.ctx, slot)
		if errors.Is(err, eventstore.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return rec, nil
	}
	return nil, nil
}

// replaySlot pages through slot, publishing each page fully before reading the next.
func (r *Replayer) replaySlot(ctx context.Context, pub OrderedPublisher, slot time.Time) (Stats, error) {
	var total Stats
	cursor := ""
	for {
		page, err := r.events.QuerySlot(ctx, slot, cursor, r.cfg.PageSize)
		if err != nil {
			return total, fmt.Errorf("query slot %s: %w", models.FormatTimestamp(slot), err)
		}
		if len(page.Records) > 0 {
			out := make([]models.OutRecord, len(page.Records))
			for i, rec := range page.Records {
				out[i] = rec.ToOutRecord()
			}

			stats, err := pub.Publish(ctx, out)
			total.add(stats)
			if err != nil {
				return total, fmt.Errorf("publish slot %s: %w", models.FormatTimestamp(slot), err)
			}
			r.logger.DebugContext(ctx, "Slot page replayed",
				logging.Slot(slot),
				logging.Count(len(out)),
			)
		}

		if page.Cursor == "" {
			return total, nil
		}
		cursor = page.Cursor
	}
}
