package engine

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/Paintersrp/procman/internal/registry"
)

// Outcome is the per-entry result of a bulk operation.
type Outcome struct {
	ID      string         `json:"id"`
	Name    string         `json:"name"`
	State   registry.State `json:"state"`
	Skipped bool           `json:"skipped,omitempty"`
	Error   string         `json:"error,omitempty"`
	Err     error          `json:"-"`
}

// Failed reports whether the entry's operation returned an error.
func (o Outcome) Failed() bool { return o.Err != nil }

type intent func(context.Context, string) (*Transition, error)

// StartAll starts every entry that is not already active.
func (s *Supervisor) StartAll(ctx context.Context) []Outcome {
	return s.bulk(ctx, s.Start, nil, func(snap registry.Snapshot) bool {
		return !snap.Runtime.State.HasHandle()
	})
}

// StartAuto starts every auto_start entry that is not already active.
func (s *Supervisor) StartAuto(ctx context.Context) []Outcome {
	autoStart := func(snap registry.Snapshot) bool { return snap.Entry.AutoStart }
	return s.bulk(ctx, s.Start, autoStart, func(snap registry.Snapshot) bool {
		return !snap.Runtime.State.HasHandle()
	})
}

// StopAll stops every Running or Starting entry.
func (s *Supervisor) StopAll(ctx context.Context) []Outcome {
	return s.bulk(ctx, s.Stop, nil, func(snap registry.Snapshot) bool {
		switch snap.Runtime.State {
		case registry.Running, registry.Starting:
			return true
		}
		return false
	})
}

// RestartAll restarts every entry.
func (s *Supervisor) RestartAll(ctx context.Context) []Outcome {
	return s.bulk(ctx, s.Restart, nil, nil)
}

// bulk applies op to the entries in declared order. Entries rejected by
// include are left out; entries rejected by apply are reported as skipped. Operations
// run concurrently and independently, and bulk waits for every transition.
func (s *Supervisor) bulk(ctx context.Context, op intent, include, apply func(registry.Snapshot) bool) []Outcome {
	var snaps []registry.Snapshot
	for _, snap := range s.reg.List() {
		if include != nil && !include(snap) {
			continue
		}
		snaps = append(snaps, snap)
	}

	out := make([]Outcome, len(snaps))
	var g errgroup.Group
	if s.cfg.BulkConcurrency > 0 {
		g.SetLimit(s.cfg.BulkConcurrency)
	}
	for i, snap := range snaps {
		out[i] = Outcome{ID: snap.Entry.ID, Name: snap.Entry.Name, State: snap.Runtime.State}
		if apply != nil && !apply(snap) {
			out[i].Skipped = true
			continue
		}
		g.Go(func() error {
			o := &out[i]
			t, err := op(ctx, o.ID)
			if err == nil {
				err = t.Wait(ctx)
			}
			if err != nil {
				o.Err = err
				o.Error = err.Error()
			}
			if rt, stateErr := s.reg.GetState(o.ID); stateErr == nil {
				o.State = rt.State
			}
			return nil
		})
	}
	_ = g.Wait()
	return out
}
