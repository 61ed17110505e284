// Package invoke runs pipeline components as independent invocations.
// Scheduled runs and self-dispatched continuations travel as messages on a
// work-queue stream, so no invocation ever waits on another.
package invoke

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/telhawk-systems/telhawk-playback/common/logging"
	"github.com/telhawk-systems/telhawk-playback/common/messaging"
	natsclient "github.com/telhawk-systems/telhawk-playback/common/messaging/nats"
	"github.com/telhawk-systems/telhawk-playback/playback/internal/metrics"
	"github.com/telhawk-systems/telhawk-playback/playback/internal/models"
)

// Dispatcher requests a new, independent invocation of a component.
type Dispatcher interface {
	Dispatch(ctx context.Context, component string, inv models.Invocation) (string, error)
}

// Runner is a component that can be invoked.
type Runner interface {
	Run(ctx context.Context, inv models.Invocation) error
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context, inv models.Invocation) error

func (f RunnerFunc) Run(ctx context.Context, inv models.Invocation) error {
	return f(ctx, inv)
}

// JetStreamDispatcher publishes invocations to playback.invoke.<component>.
type JetStreamDispatcher struct {
	js *natsclient.JetStreamClient
}

func NewJetStreamDispatcher(js *natsclient.JetStreamClient) *JetStreamDispatcher {
	return &JetStreamDispatcher{js: js}
}

// Dispatch publishes inv and returns its invocation ID, generating one when unset.
// It returns once the stream has stored the message, not when the invocation runs.
func (d *JetStreamDispatcher) Dispatch(ctx context.Context, component string, inv models.Invocation) (string, error) {
	if inv.ID == "" {
		inv.ID = uuid.NewString()
	}

	data, err := inv.Encode()
	if err != nil {
		return "", fmt.Errorf("encode invocation: %w", err)
	}

	msg := nats.NewMsg(messaging.InvokeSubject(component))
	msg.Data = data
	msg.Header.Set(messaging.HeaderInvocationID, inv.ID)

	if _, err := d.js.PublishMsgSync(ctx, msg); err != nil {
		return "", fmt.Errorf("dispatch %s invocation: %w", component, err)
	}
	return inv.ID, nil
}

// Continue dispatches a continuation of component. A dispatch failure is
// logged and counted but never returned, so it cannot fail work the current
// invocation already committed.
func Continue(ctx context.Context, d Dispatcher, component string, inv models.Invocation, logger *logging.Logger) {
	inv.ID = ""
	inv.Continue = true

	id, err := d.Dispatch(ctx, component, inv)
	if err != nil {
		metrics.Continuations.WithLabelValues(component, "failed").Inc()
		logger.WarnContext(ctx, "Continuation dispatch failed",
			logging.Cursor(inv.PaginationCursor),
			logging.Error(err),
		)
		return
	}

	metrics.Continuations.WithLabelValues(component, "dispatched").Inc()
	logger.InfoContext(ctx, "Continuation dispatched",
		"continuation_id", id,
		logging.Cursor(inv.PaginationCursor),
	)
}
