package invoke

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/telhawk-systems/telhawk-playback/playback/internal/models"
)

// Dispatched is one queued invocation.
type Dispatched struct {
	Component  string
	Invocation models.Invocation
}

// LocalDispatcher queues invocations in process. Drain executes them one at
// a time, including any continuations they dispatch, until the queue is empty.
type LocalDispatcher struct {
	mu      sync.Mutex
	queue   []Dispatched
	history []Dispatched
	err     error
}

func NewLocalDispatcher() *LocalDispatcher {
	return &LocalDispatcher{}
}

// FailWith makes every later Dispatch return err. A nil err restores normal behaviour.
func (d *LocalDispatcher) FailWith(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.err = err
}

func (d *LocalDispatcher) Dispatch(ctx context.Context, component string, inv models.Invocation) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.err != nil {
		return "", d.err
	}
	if inv.ID == "" {
		inv.ID = uuid.NewString()
	}
	item := Dispatched{Component: component, Invocation: inv}
	d.queue = append(d.queue, item)
	d.history = append(d.history, item)
	return inv.ID, nil
}

// History returns every invocation dispatched so far, in order.
func (d *LocalDispatcher) History() []Dispatched {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Dispatched(nil), d.history...)
}

// Drain executes queued invocations through w until none remain, returning
// the number executed. It stops at the first failed invocation.
func (d *LocalDispatcher) Drain(ctx context.Context, w *Worker) (int, error) {
	n := 0
	for {
		d.mu.Lock()
		if len(d.queue) == 0 {
			d.mu.Unlock()
			return n, nil
		}
		next := d.queue[0]
		d.queue = d.queue[1:]
		d.mu.Unlock()

		if err := w.Execute(ctx, next.Component, next.Invocation); err != nil {
			return n, err
		}
		n++
	}
}
