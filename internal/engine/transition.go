package engine

import (
	"context"

	"github.com/Paintersrp/procman/internal/registry"
)

// Transition tracks an intent that was accepted and is completing in the
// background.
type Transition struct {
	id   string
	op   registry.Op
	done chan struct{}
	err  error
}

func newTransition(id string, op registry.Op) *Transition {
	return &Transition{id: id, op: op, done: make(chan struct{})}
}

func (t *Transition) finish(err error) {
	t.err = err
	close(t.done)
}

// ID returns the entry the transition applies to.
func (t *Transition) ID() string { return t.id }

// Op returns the intent.
func (t *Transition) Op() registry.Op { return t.op }

// Done is closed once the entry has settled.
func (t *Transition) Done() <-chan struct{} { return t.done }

// Err reports the outcome after Done; it is nil while the transition runs.
func (t *Transition) Err() error {
	select {
	case <-t.done:
		return t.err
	default:
		return nil
	}
}

// Wait blocks until the transition completes or ctx ends.
func (t *Transition) Wait(ctx context.Context) error {
	select {
	case <-t.done:
		return t.err
	case <-ctx.Done():
		return ctx.Err()
	}
}
