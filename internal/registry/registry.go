// Package registry is the single source of truth for configured entries and
// their runtime state.
//
// All reads and writes go through one mutex. Lifecycle transitions on an
// entry additionally require its lease: Begin hands out at most one lease per
// entry, so two intents can never interleave on the same id while operations
// on different ids proceed in parallel.
package registry

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/Paintersrp/procman/internal/config"
)

var (
	// ErrNotFound is returned for unknown entry ids.
	ErrNotFound = errors.New("entry not found")
	// ErrEntryBusy is returned while a transition is in flight or when an
	// edit targets an entry that is not Stopped.
	ErrEntryBusy = errors.New("entry busy")
	// ErrInvalidEntry is returned for entries with missing or malformed fields.
	ErrInvalidEntry = config.ErrInvalidEntry
)

// Store persists the entry list after every mutation.
type Store interface {
	Save(doc *config.File) error
}

// Snapshot pairs an entry with a copy of its runtime state.
type Snapshot struct {
	Entry   config.ProcessEntry `json:"entry"`
	Runtime RuntimeState        `json:"runtime"`
}

// Fields lists the editable properties of an entry; nil pointers are left
// unchanged.
type Fields struct {
	Name             *string
	Command          *string
	WorkingDirectory *string
	ProcessType      *config.ProcessType
	AutoStart        *bool
	AutoRestart      *bool
}

func (f Fields) apply(entry config.ProcessEntry) config.ProcessEntry {
	if f.Name != nil {
		entry.Name = strings.TrimSpace(*f.Name)
	}
	if f.Command != nil {
		entry.Command = strings.TrimSpace(*f.Command)
	}
	if f.WorkingDirectory != nil {
		entry.WorkingDirectory = strings.TrimSpace(*f.WorkingDirectory)
	}
	if f.ProcessType != nil {
		entry.ProcessType = *f.ProcessType
	}
	if f.AutoStart != nil {
		entry.AutoStart = *f.AutoStart
	}
	if f.AutoRestart != nil {
		entry.AutoRestart = *f.AutoRestart
	}
	return entry
}

type slot struct {
	entry   config.ProcessEntry
	runtime RuntimeState
	lease   *Lease
}

// Registry holds the ordered entries and their runtime state.
type Registry struct {
	mu        sync.Mutex
	stackName string
	order     []string
	slots     map[string]*slot
	store     Store
	observers []func(Snapshot)
}

// New builds a registry from a loaded document. Every entry starts Stopped.
// store may be nil for an in-memory registry.
func New(doc *config.File, store Store) (*Registry, error) {
	r := &Registry{slots: make(map[string]*slot), store: store, stackName: config.DefaultStackName}
	if doc == nil {
		return r, nil
	}
	if err := doc.Validate(); err != nil {
		return nil, err
	}
	if doc.StackName != "" {
		r.stackName = doc.StackName
	}
	for _, entry := range doc.Processes {
		if entry.ProcessType == "" {
			entry.ProcessType = config.ProcessTypeProcess
		}
		r.order = append(r.order, entry.ID)
		r.slots[entry.ID] = &slot{entry: entry}
	}
	return r, nil
}

// Observe registers fn to receive a snapshot after every runtime or entry
// change. Observers run outside the registry lock and must not block.
func (r *Registry) Observe(fn func(Snapshot)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.observers = append(r.observers, fn)
}

func (r *Registry) notify(snap Snapshot) {
	r.mu.Lock()
	observers := slices.Clone(r.observers)
	r.mu.Unlock()
	for _, fn := range observers {
		fn(snap)
	}
}

// StackName returns the display name of the stack.
func (r *Registry) StackName() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stackName
}

// List returns every entry with its state in declared order.
func (r *Registry) List() []Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Snapshot, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.snapshotLocked(r.slots[id]))
	}
	return out
}

// IDs returns the entry ids in declared order.
func (r *Registry) IDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.order...)
}

// Get returns the entry and state for id.
func (r *Registry) Get(id string) (Snapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.slots[id]
	if !ok {
		return Snapshot{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return r.snapshotLocked(s), nil
}

// GetState returns the runtime state for id.
func (r *Registry) GetState(id string) (RuntimeState, error) {
	snap, err := r.Get(id)
	if err != nil {
		return RuntimeState{}, err
	}
	return snap.Runtime, nil
}

func (r *Registry) snapshotLocked(s *slot) Snapshot {
	rt := s.runtime.clone()
	rt.Busy = s.lease != nil
	return Snapshot{Entry: s.entry, Runtime: rt}
}

// Document renders the persisted form of the registry.
func (r *Registry) Document() *config.File {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.documentLocked(r.order, nil)
}

func (r *Registry) documentLocked(order []string, override map[string]config.ProcessEntry) *config.File {
	doc := &config.File{StackName: r.stackName, Processes: make([]config.ProcessEntry, 0, len(order))}
	for _, id := range order {
		entry, ok := override[id]
		if !ok {
			entry = r.slots[id].entry
		}
		doc.Processes = append(doc.Processes, entry)
	}
	return doc
}

func (r *Registry) persistLocked(doc *config.File) error {
	if r.store == nil {
		return nil
	}
	if err := r.store.Save(doc); err != nil {
		return fmt.Errorf("persist entries: %w", err)
	}
	return nil
}

// Add registers a new entry under a fresh id. Names may repeat.
func (r *Registry) Add(entry config.ProcessEntry) (config.ProcessEntry, error) {
	entry.Name = strings.TrimSpace(entry.Name)
	entry.Command = strings.TrimSpace(entry.Command)
	entry.WorkingDirectory = strings.TrimSpace(entry.WorkingDirectory)
	if entry.ProcessType == "" {
		entry.ProcessType = config.ProcessTypeProcess
	}
	if err := entry.ValidateFields(); err != nil {
		return config.ProcessEntry{}, err
	}
	entry.ID = uuid.NewString()

	r.mu.Lock()
	order := append(append([]string(nil), r.order...), entry.ID)
	if err := r.persistLocked(r.documentLocked(order, map[string]config.ProcessEntry{entry.ID: entry})); err != nil {
		r.mu.Unlock()
		return config.ProcessEntry{}, err
	}
	s := &slot{entry: entry}
	r.order = order
	r.slots[entry.ID] = s
	snap := r.snapshotLocked(s)
	r.mu.Unlock()

	r.notify(snap)
	return entry, nil
}

// Update edits the fields of a Stopped entry.
func (r *Registry) Update(id string, fields Fields) (config.ProcessEntry, error) {
	r.mu.Lock()
	s, ok := r.slots[id]
	if !ok {
		r.mu.Unlock()
		return config.ProcessEntry{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if s.lease != nil || s.runtime.State != Stopped {
		state := s.runtime.State
		r.mu.Unlock()
		return config.ProcessEntry{}, fmt.Errorf("%w: %s is %s", ErrEntryBusy, id, state)
	}
	updated := fields.apply(s.entry)
	if err := updated.ValidateFields(); err != nil {
		r.mu.Unlock()
		return config.ProcessEntry{}, err
	}
	if err := r.persistLocked(r.documentLocked(r.order, map[string]config.ProcessEntry{id: updated})); err != nil {
		r.mu.Unlock()
		return config.ProcessEntry{}, err
	}
	s.entry = updated
	snap := r.snapshotLocked(s)
	r.mu.Unlock()

	r.notify(snap)
	return updated, nil
}

// Delete drops an entry. The entry must be Stopped or Errored and either
// unleased or held by lease, which is consumed.
func (r *Registry) Delete(id string, lease *Lease) error {
	r.mu.Lock()
	s, ok := r.slots[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if (s.lease != nil && s.lease != lease) || s.runtime.State.HasHandle() {
		state := s.runtime.State
		r.mu.Unlock()
		return fmt.Errorf("%w: %s is %s", ErrEntryBusy, id, state)
	}
	order := make([]string, 0, len(r.order))
	for _, other := range r.order {
		if other != id {
			order = append(order, other)
		}
	}
	if err := r.persistLocked(r.documentLocked(order, nil)); err != nil {
		r.mu.Unlock()
		return err
	}
	r.order = order
	delete(r.slots, id)
	s.lease = nil
	closeLease := lease != nil && !lease.released
	if closeLease {
		lease.released = true
	}
	r.mu.Unlock()

	if closeLease {
		close(lease.done)
	}
	return nil
}

// Acknowledge clears an Errored state back to Stopped.
func (r *Registry) Acknowledge(id string) (RuntimeState, error) {
	r.mu.Lock()
	s, ok := r.slots[id]
	if !ok {
		r.mu.Unlock()
		return RuntimeState{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if s.lease != nil {
		r.mu.Unlock()
		return RuntimeState{}, fmt.Errorf("%w: transition in flight for %s", ErrEntryBusy, id)
	}
	if s.runtime.State == Errored {
		s.runtime.State = Stopped
		s.runtime.normalize()
	}
	snap := r.snapshotLocked(s)
	r.mu.Unlock()

	r.notify(snap)
	return snap.Runtime, nil
}

// Settle applies an unsolicited transition for the run identified by
// generation. It does nothing, returning false, when the entry is leased, has
// moved on to another run, or is not in one of the from states.
func (r *Registry) Settle(id string, generation uint64, to State, mutate func(*RuntimeState), from ...State) (Snapshot, bool) {
	r.mu.Lock()
	s, ok := r.slots[id]
	if !ok || s.lease != nil || s.runtime.Generation != generation || !stateIn(s.runtime.State, from) {
		r.mu.Unlock()
		return Snapshot{}, false
	}
	s.runtime.State = to
	if mutate != nil {
		mutate(&s.runtime)
	}
	s.runtime.normalize()
	snap := r.snapshotLocked(s)
	r.mu.Unlock()

	r.notify(snap)
	return snap, true
}

// Annotate updates informational fields of the current run without a lease.
func (r *Registry) Annotate(id string, generation uint64, mutate func(*RuntimeState)) {
	r.mu.Lock()
	s, ok := r.slots[id]
	if !ok || s.runtime.Generation != generation {
		r.mu.Unlock()
		return
	}
	state := s.runtime.State
	mutate(&s.runtime)
	s.runtime.State = state
	s.runtime.normalize()
	r.mu.Unlock()
}

func stateIn(state State, set []State) bool {
	for _, candidate := range set {
		if candidate == state {
			return true
		}
	}
	return false
}
