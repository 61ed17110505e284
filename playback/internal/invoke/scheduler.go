package invoke

import (
	"context"
	"time"

	"github.com/telhawk-systems/telhawk-playback/common/logging"
	"github.com/telhawk-systems/telhawk-playback/playback/internal/models"
)

// Schedule is one periodically triggered component.
type Schedule struct {
	Component string
	Interval  time.Duration
}

// Scheduler issues fresh (non-continuation) invocations on fixed intervals.
type Scheduler struct {
	dispatcher Dispatcher
	schedules  []Schedule
	logger     *logging.Logger
	stop       chan struct{}
	stopped    chan struct{}
}

func NewScheduler(dispatcher Dispatcher, logger *logging.Logger, schedules ...Schedule) *Scheduler {
	return &Scheduler{
		dispatcher: dispatcher,
		schedules:  schedules,
		logger:     logger,
		stop:       make(chan struct{}),
		stopped:    make(chan struct{}),
	}
}

// Start runs the scheduler loop. This should be called in a goroutine.
func (s *Scheduler) Start(ctx context.Context) {
	defer close(s.stopped)

	done := make(chan struct{})
	finished := make(chan struct{}, len(s.schedules))

	for _, sched := range s.schedules {
		if sched.Interval <= 0 {
			finished <- struct{}{}
			continue
		}
		go func() {
			defer func() { finished <- struct{}{} }()
			s.loop(ctx, sched, done)
		}()
	}

	select {
	case <-s.stop:
	case <-ctx.Done():
	}
	close(done)
	for range s.schedules {
		<-finished
	}
	s.logger.InfoContext(ctx, "Scheduler stopped")
}

// Stop signals the scheduler to stop and waits for it to finish.
func (s *Scheduler) Stop() {
	close(s.stop)
	<-s.stopped
}

func (s *Scheduler) loop(ctx context.Context, sched Schedule, done <-chan struct{}) {
	s.logger.InfoContext(ctx, "Schedule started",
		logging.Component(sched.Component),
		"interval", sched.Interval.String(),
	)

	ticker := time.NewTicker(sched.Interval)
	defer ticker.Stop()

	// Run immediately on start
	s.fire(ctx, sched.Component)

	for {
		select {
		case <-ticker.C:
			s.fire(ctx, sched.Component)
		case <-done:
			return
		}
	}
}

func (s *Scheduler) fire(ctx context.Context, component string) {
	id, err := s.dispatcher.Dispatch(ctx, component, models.Invocation{})
	if err != nil {
		s.logger.WarnContext(ctx, "Scheduled invocation failed",
			logging.Component(component),
			logging.Error(err),
		)
		return
	}
	s.logger.DebugContext(ctx, "Scheduled invocation dispatched",
		logging.Component(component),
		logging.InvocationID(id),
	)
}
