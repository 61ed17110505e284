package invoke

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/telhawk-systems/telhawk-playback/common/logging"
	"github.com/telhawk-systems/telhawk-playback/common/messaging"
	natsclient "github.com/telhawk-systems/telhawk-playback/common/messaging/nats"
	"github.com/telhawk-systems/telhawk-playback/playback/internal/metrics"
	"github.com/telhawk-systems/telhawk-playback/playback/internal/models"
)

// Worker executes invocations for a set of components. Each invocation runs
// under its own execution budget; a failed one is returned to the broker,
// which redelivers it.
type Worker struct {
	runners map[string]Runner
	budget  time.Duration
	logger  *logging.Logger
}

func NewWorker(budget time.Duration, logger *logging.Logger) *Worker {
	return &Worker{
		runners: make(map[string]Runner),
		budget:  budget,
		logger:  logger,
	}
}

// Register binds a component name to the runner that executes it.
func (w *Worker) Register(component string, r Runner) {
	w.runners[component] = r
}

// Components returns the registered component names.
func (w *Worker) Components() []string {
	names := make([]string, 0, len(w.runners))
	for name := range w.runners {
		names = append(names, name)
	}
	return names
}

// Execute runs one invocation of component and records its outcome.
func (w *Worker) Execute(ctx context.Context, component string, inv models.Invocation) error {
	runner, ok := w.runners[component]
	if !ok {
		return fmt.Errorf("no runner registered for component %q", component)
	}
	if inv.ID == "" {
		inv.ID = uuid.NewString()
	}

	ctx, cancel := context.WithTimeout(ctx, w.budget)
	defer cancel()
	ctx = logging.ContextWithInvocation(ctx, component, inv.ID)

	start := time.Now()
	w.logger.InfoContext(ctx, "Invocation started",
		"continue", inv.Continue,
	)

	err := runner.Run(ctx, inv)
	elapsed := time.Since(start)
	metrics.InvocationDuration.WithLabelValues(component).Observe(elapsed.Seconds())

	if err != nil {
		metrics.Invocations.WithLabelValues(component, "failed").Inc()
		w.logger.ErrorContext(ctx, "Invocation failed",
			logging.Duration(elapsed),
			logging.Error(err),
		)
		return err
	}

	metrics.Invocations.WithLabelValues(component, "success").Inc()
	w.logger.InfoContext(ctx, "Invocation finished", logging.Duration(elapsed))
	return nil
}

// Handler returns the message handler for component's invocation consumer.
func (w *Worker) Handler(component string) messaging.MessageHandler {
	return func(ctx context.Context, msg *messaging.Message) error {
		inv, err := models.DecodeInvocation(msg.Data)
		if err != nil {
			// Redelivery cannot fix a malformed payload.
			w.logger.ErrorContext(ctx, "Dropping malformed invocation",
				logging.Component(component),
				logging.Error(err),
			)
			return nil
		}
		if inv.ID == "" {
			inv.ID = msg.Metadata[messaging.HeaderInvocationID]
		}
		return w.Execute(ctx, component, inv)
	}
}

// Start creates a durable work-queue consumer per registered component and
// begins consuming. The returned function stops every consumer.
func (w *Worker) Start(ctx context.Context, js *natsclient.JetStreamClient) (func(), error) {
	var stops []func()
	stopAll := func() {
		for _, stop := range stops {
			stop()
		}
	}

	for component := range w.runners {
		cfg := natsclient.DefaultConsumerConfig(messaging.InvokeConsumer(component), messaging.InvokeSubject(component))
		cfg.AckWait = w.budget + 30*time.Second

		if _, err := js.CreateOrUpdateConsumer(ctx, natsclient.InvocationStream.Name, cfg); err != nil {
			stopAll()
			return nil, err
		}

		stop, err := js.ConsumeMessages(ctx, natsclient.InvocationStream.Name, cfg.Name, w.Handler(component))
		if err != nil {
			stopAll()
			return nil, err
		}
		stops = append(stops, stop)

		w.logger.InfoContext(ctx, "Invocation consumer started",
			logging.Component(component),
			"subject", cfg.FilterSubject,
		)
	}

	return stopAll, nil
}
