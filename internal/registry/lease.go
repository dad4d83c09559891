package registry

import (
	"fmt"
	"time"
)

// Op names the intent holding a lease.
type Op string

const (
	OpStart   Op = "start"
	OpStop    Op = "stop"
	OpRestart Op = "restart"
	OpRemove  Op = "remove"
)

// Lease is the per-entry transition lock. Only its holder may move the entry
// between states until Release.
type Lease struct {
	r           *Registry
	id          string
	op          Op
	pendingStop bool
	released    bool
	err         error
	done        chan struct{}
}

// Begin acquires the lease for id. check runs under the registry lock against
// the current state and can veto the intent. ErrEntryBusy is returned while
// another lease is held.
func (r *Registry) Begin(id string, op Op, check func(RuntimeState) error) (*Lease, Snapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.slots[id]
	if !ok {
		return nil, Snapshot{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if s.lease != nil {
		return nil, Snapshot{}, fmt.Errorf("%w: %s in flight for %s", ErrEntryBusy, s.lease.op, id)
	}
	if check != nil {
		if err := check(s.runtime.clone()); err != nil {
			return nil, Snapshot{}, err
		}
	}
	l := &Lease{r: r, id: id, op: op, done: make(chan struct{})}
	s.lease = l
	return l, r.snapshotLocked(s), nil
}

// RequestStop records a stop against an in-flight plain start. It returns the
// start's lease so the caller can wait for it, nil when the entry is not
// leased, or ErrEntryBusy for any other transition or a repeated request.
func (r *Registry) RequestStop(id string) (*Lease, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.slots[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	l := s.lease
	if l == nil {
		return nil, nil
	}
	if l.op != OpStart || l.pendingStop || s.runtime.State != Starting {
		return nil, fmt.Errorf("%w: %s in flight for %s", ErrEntryBusy, l.op, id)
	}
	l.pendingStop = true
	return l, nil
}

// ID returns the leased entry id.
func (l *Lease) ID() string { return l.id }

// Op returns the intent holding the lease.
func (l *Lease) Op() Op { return l.op }

// Done is closed on Release.
func (l *Lease) Done() <-chan struct{} { return l.done }

// Err returns the outcome recorded by ReleaseWith.
func (l *Lease) Err() error {
	l.r.mu.Lock()
	defer l.r.mu.Unlock()
	return l.err
}

// StopRequested reports whether RequestStop was called against this lease.
func (l *Lease) StopRequested() bool {
	l.r.mu.Lock()
	defer l.r.mu.Unlock()
	return l.pendingStop
}

// Entry returns the current entry definition.
func (l *Lease) Entry() (Snapshot, bool) {
	l.r.mu.Lock()
	defer l.r.mu.Unlock()
	s, ok := l.r.slots[l.id]
	if !ok {
		return Snapshot{}, false
	}
	return l.r.snapshotLocked(s), true
}

// Set moves the entry to state and applies mutate. Entering Starting begins a
// new run: the generation advances and the previous exit code is cleared.
func (l *Lease) Set(state State, mutate func(*RuntimeState)) Snapshot {
	snap, _ := l.transition(state, mutate, false)
	return snap
}

// Advance is Set unless a stop was requested against the lease, in which case
// nothing changes and false is returned.
func (l *Lease) Advance(state State, mutate func(*RuntimeState)) (Snapshot, bool) {
	return l.transition(state, mutate, true)
}

func (l *Lease) transition(state State, mutate func(*RuntimeState), yieldToStop bool) (Snapshot, bool) {
	l.r.mu.Lock()
	s, ok := l.r.slots[l.id]
	if !ok || s.lease != l || (yieldToStop && l.pendingStop) {
		l.r.mu.Unlock()
		return Snapshot{}, false
	}
	rt := &s.runtime
	if state == Starting && rt.State != Starting {
		rt.Generation++
		rt.ExitCode = nil
		rt.StartedAt = time.Time{}
		rt.Handle = nil
	}
	if state == Running && rt.State != Running {
		rt.StartedAt = time.Now()
	}
	rt.State = state
	if mutate != nil {
		mutate(rt)
	}
	rt.normalize()
	snap := l.r.snapshotLocked(s)
	l.r.mu.Unlock()

	l.r.notify(snap)
	return snap, true
}

// Release gives the lease back. It is safe to call more than once.
func (l *Lease) Release() { l.ReleaseWith(nil) }

// ReleaseWith gives the lease back and records err as the outcome of the
// intent. Only the first release counts.
func (l *Lease) ReleaseWith(err error) {
	l.r.mu.Lock()
	if l.released {
		l.r.mu.Unlock()
		return
	}
	l.released = true
	l.err = err
	var snap Snapshot
	s, held := l.r.slots[l.id]
	held = held && s.lease == l
	if held {
		s.lease = nil
		snap = l.r.snapshotLocked(s)
	}
	l.r.mu.Unlock()

	close(l.done)
	if held {
		l.r.notify(snap)
	}
}
