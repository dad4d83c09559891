// Package engine drives the lifecycle of registry entries.
//
// Every intent acquires the entry's registry lease, records Starting or
// Stopping and returns a Transition; the work itself completes in the
// background. Running entries are watched so that an exit nobody asked for is
// reflected in the registry and announced on the event hub.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/Paintersrp/procman/internal/config"
	"github.com/Paintersrp/procman/internal/logger"
	"github.com/Paintersrp/procman/internal/logstream"
	"github.com/Paintersrp/procman/internal/metrics"
	"github.com/Paintersrp/procman/internal/registry"
	"github.com/Paintersrp/procman/internal/runtime/docker"
	"github.com/Paintersrp/procman/internal/runtime/process"
)

var (
	// ErrNotRunning is returned by Stop for entries that are neither Running
	// nor Starting.
	ErrNotRunning = errors.New("entry not running")
	// ErrShuttingDown rejects new starts once Shutdown has begun.
	ErrShuttingDown = errors.New("supervisor shutting down")
)

const (
	dockerActionTimeout = 2 * time.Minute
	drainTimeout        = 2 * time.Second
)

// Config tunes the supervisor.
type Config struct {
	RestartDelay     time.Duration
	BulkConcurrency  int
	ShutdownGrace    time.Duration
	PollInterval     time.Duration
	LogTail          int
	BufferLines      int
	SubscriberBuffer int
	Restart          RestartPolicy
}

// ConfigFromSettings maps runtime settings onto a supervisor Config.
func ConfigFromSettings(s config.Settings) Config {
	return Config{
		RestartDelay:     s.Supervisor.RestartDelay,
		BulkConcurrency:  s.Supervisor.BulkConcurrency,
		ShutdownGrace:    s.Shutdown.Grace,
		PollInterval:     s.Docker.PollInterval,
		LogTail:          s.Docker.LogTail,
		BufferLines:      s.Logs.BufferLines,
		SubscriberBuffer: s.Logs.SubscriberBuffer,
		Restart: RestartPolicy{
			MaxRetries: s.Restart.MaxRetries,
			Min:        s.Restart.BackoffMin,
			Max:        s.Restart.BackoffMax,
		},
	}
}

func (c Config) normalized() Config {
	if c.RestartDelay < 0 {
		c.RestartDelay = 0
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = 10 * time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 750 * time.Millisecond
	}
	c.Restart = c.Restart.normalized()
	return c
}

// Options are the collaborators of a Supervisor. Registry is required; every
// other field has a usable default.
type Options struct {
	Registry *registry.Registry
	Runner   *process.Runner
	Docker   docker.Client
	Logger   *logger.Logger
	Config   Config
}

// run is the live side of an entry between Running and the next settle.
type run struct {
	generation uint64
	handle     *process.Handle
	container  string
	stream     docker.LogStream
	attach     *logstream.Attachment
	ports      []string
	startedAt  time.Time

	quit     chan struct{}
	quitOnce sync.Once
}

func (r *run) stopWatching() {
	r.quitOnce.Do(func() { close(r.quit) })
}

func (r *run) closeStream() {
	if r.stream != nil {
		_ = r.stream.Close()
	}
}

func (r *run) drain() {
	if r.attach == nil {
		return
	}
	timer := time.NewTimer(drainTimeout)
	defer timer.Stop()
	select {
	case <-r.attach.Done():
	case <-timer.C:
	}
}

type seenState struct {
	state      registry.State
	generation uint64
}

// Supervisor owns the async work behind every entry.
type Supervisor struct {
	reg    *registry.Registry
	logs   *logstream.Streamer
	runner *process.Runner
	docker docker.Client
	log    *logger.Logger
	hub    *Hub
	cfg    Config

	jitter func(time.Duration) time.Duration
	sleep  func(context.Context, time.Duration) error

	ctx     context.Context
	cancel  context.CancelFunc
	closing atomic.Bool
	// spawnMu orders process spawns against Shutdown setting closing.
	spawnMu sync.Mutex

	mu      sync.Mutex
	runs    map[string]*run
	retries map[string]int

	seenMu sync.Mutex
	seen   map[string]seenState

	shutdownOnce sync.Once
	shutdownErr  error
}

// New constructs a Supervisor and subscribes it to registry changes.
func New(opts Options) (*Supervisor, error) {
	if opts.Registry == nil {
		return nil, errors.New("engine: registry is required")
	}
	if opts.Runner == nil {
		opts.Runner = process.NewRunner()
	}
	if opts.Logger == nil {
		opts.Logger = logger.Default()
	}
	if opts.Docker == nil {
		opts.Docker = docker.NewCLI("docker", opts.Runner)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Supervisor{
		reg:     opts.Registry,
		runner:  opts.Runner,
		docker:  opts.Docker,
		log:     opts.Logger.WithComponent("supervisor"),
		hub:     NewHub(),
		cfg:     opts.Config.normalized(),
		jitter:  defaultJitter,
		sleep:   sleepWithContext,
		ctx:     ctx,
		cancel:  cancel,
		runs:    make(map[string]*run),
		retries: make(map[string]int),
		seen:    make(map[string]seenState),
	}
	s.logs = logstream.New(logstream.Options{
		Capacity:         s.cfg.BufferLines,
		SubscriberBuffer: s.cfg.SubscriberBuffer,
		OnLine:           s.onLine,
		OnDrop:           metrics.ObserveLogDropped,
	})
	for _, snap := range s.reg.List() {
		s.seen[snap.Entry.ID] = seenState{state: snap.Runtime.State, generation: snap.Runtime.Generation}
	}
	s.reg.Observe(s.observe)
	return s, nil
}

// Registry exposes the underlying registry.
func (s *Supervisor) Registry() *registry.Registry { return s.reg }

// Logs exposes the log streamer.
func (s *Supervisor) Logs() *logstream.Streamer { return s.logs }

// Events exposes the lifecycle event hub.
func (s *Supervisor) Events() *Hub { return s.hub }

func (s *Supervisor) observe(snap registry.Snapshot) {
	id := snap.Entry.ID
	cur := seenState{state: snap.Runtime.State, generation: snap.Runtime.Generation}

	s.seenMu.Lock()
	prev, known := s.seen[id]
	s.seen[id] = cur
	s.seenMu.Unlock()

	if !known {
		s.hub.Publish(Event{ID: id, Name: snap.Entry.Name, Type: EventTypeAdded, State: cur.state.String()})
		return
	}
	if prev == cur {
		return
	}
	metrics.RecordTransition(id, cur.state.String())
	s.hub.Publish(Event{
		ID:       id,
		Name:     snap.Entry.Name,
		Type:     eventForState(cur.state),
		State:    cur.state.String(),
		Message:  snap.Runtime.Reason,
		ExitCode: snap.Runtime.ExitCode,
	})
}

func eventForState(state registry.State) EventType {
	switch state {
	case registry.Starting:
		return EventTypeStarting
	case registry.Running:
		return EventTypeRunning
	case registry.Stopping:
		return EventTypeStopping
	case registry.Errored:
		return EventTypeErrored
	default:
		return EventTypeStopped
	}
}

func (s *Supervisor) onLine(id string, line logstream.Line) {
	metrics.ObserveLogLine(id, line.Source)
	if line.Level != logstream.LevelError {
		return
	}
	evt := Event{ID: id, Type: EventTypeAttention, Message: line.Text}
	if snap, err := s.reg.Get(id); err == nil {
		evt.Name = snap.Entry.Name
	}
	s.hub.Publish(evt)
}

func (s *Supervisor) entryLog(entry config.ProcessEntry) *logger.Logger {
	return s.log.WithEntry(entry.ID, entry.Name)
}

func (s *Supervisor) setRun(id string, r *run) {
	s.mu.Lock()
	s.runs[id] = r
	s.mu.Unlock()
}

func (s *Supervisor) currentRun(id string) *run {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runs[id]
}

func (s *Supervisor) clearRun(id string, r *run) {
	s.mu.Lock()
	if s.runs[id] == r {
		delete(s.runs, id)
	}
	s.mu.Unlock()
}

func (s *Supervisor) resetRetries(id string) {
	s.mu.Lock()
	delete(s.retries, id)
	s.mu.Unlock()
}

// begin runs op in the background under lease. A run returned by op has
// reached Running and is watched once the lease is released, so an exit is
// never missed and never races the transition that produced it.
func (s *Supervisor) begin(lease *registry.Lease, op func() (*run, error)) *Transition {
	t := newTransition(lease.ID(), lease.Op())
	go func() {
		r, err := op()
		lease.ReleaseWith(err)
		if r != nil {
			s.watch(lease.ID(), r)
		}
		t.finish(err)
	}()
	return t
}

func startable(id string) func(registry.RuntimeState) error {
	return func(rt registry.RuntimeState) error {
		switch rt.State {
		case registry.Stopped, registry.Errored:
			return nil
		}
		return fmt.Errorf("%w: %s is %s", registry.ErrEntryBusy, id, rt.State)
	}
}

// Start launches an entry that is Stopped or Errored. It returns once the
// entry is Starting.
func (s *Supervisor) Start(ctx context.Context, id string) (*Transition, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.closing.Load() {
		return nil, ErrShuttingDown
	}
	lease, snap, err := s.reg.Begin(id, registry.OpStart, startable(id))
	if err != nil {
		return nil, err
	}
	s.resetRetries(id)
	entry := snap.Entry
	gen := s.markStarting(lease, entry)
	return s.begin(lease, func() (*run, error) {
		return s.launch(lease, entry, gen, false)
	}), nil
}

func (s *Supervisor) markStarting(lease *registry.Lease, entry config.ProcessEntry) uint64 {
	snap := lease.Set(registry.Starting, func(rt *registry.RuntimeState) {
		if entry.IsDocker() {
			rt.Handle = &registry.Handle{Container: entry.Command}
		}
	})
	return snap.Runtime.Generation
}

// launch brings a Starting entry to Running. A stop requested while Starting
// is honoured under the same lease before returning.
func (s *Supervisor) launch(lease *registry.Lease, entry config.ProcessEntry, gen uint64, restartContainer bool) (*run, error) {
	s.logs.Clear(entry.ID)

	var (
		r   *run
		err error
	)
	if entry.IsDocker() {
		r, err = s.launchContainer(entry, gen, restartContainer)
	} else {
		r, err = s.launchProcess(entry, gen)
	}
	if errors.Is(err, ErrShuttingDown) {
		lease.Set(registry.Stopped, nil)
		s.entryLog(entry).Info("start abandoned for shutdown")
		return nil, err
	}
	if err != nil {
		s.logs.AppendSystem(entry.ID, fmt.Sprintf("[Failed to start: %v]", err))
		lease.Set(registry.Errored, func(rt *registry.RuntimeState) { rt.Reason = err.Error() })
		s.entryLog(entry).Warn("start failed", zap.Error(err))
		return nil, err
	}
	s.setRun(entry.ID, r)

	snap, ok := lease.Advance(registry.Running, func(rt *registry.RuntimeState) {
		rt.Handle = &registry.Handle{Container: r.container}
		if r.handle != nil {
			rt.Handle.PID = r.handle.PID()
		}
		rt.Ports = r.ports
	})
	if !ok {
		s.entryLog(entry).Info("stop requested while starting")
		return nil, s.halt(lease, entry, r)
	}
	r.startedAt = snap.Runtime.StartedAt
	s.entryLog(entry).Info("running", zap.Int("pid", snap.Runtime.Handle.PID))
	return r, nil
}

func (s *Supervisor) launchProcess(entry config.ProcessEntry, gen uint64) (*run, error) {
	spec, err := process.SpecFromCommand(entry.Command, entry.WorkingDirectory)
	if err != nil {
		return nil, err
	}

	// Every handle spawned before closing is set lands in runs, where the
	// shutdown kill pass finds it.
	s.spawnMu.Lock()
	defer s.spawnMu.Unlock()
	if s.closing.Load() {
		return nil, ErrShuttingDown
	}
	h, err := s.runner.Spawn(s.ctx, spec)
	if err != nil {
		return nil, err
	}
	s.logs.AppendSystem(entry.ID, fmt.Sprintf("[Started with PID %d]", h.PID()))
	r := &run{
		generation: gen,
		handle:     h,
		attach:     s.logs.Attach(entry.ID, h.Logs()),
		quit:       make(chan struct{}),
	}
	s.setRun(entry.ID, r)
	return r, nil
}

func (s *Supervisor) launchContainer(entry config.ProcessEntry, gen uint64, restart bool) (*run, error) {
	name := entry.Command
	ctx, cancel := context.WithTimeout(s.ctx, dockerActionTimeout)
	defer cancel()

	action := s.docker.Start
	if restart {
		action = s.docker.Restart
	}
	if err := action(ctx, name); err != nil {
		return nil, err
	}
	s.logs.AppendSystem(entry.ID, fmt.Sprintf("[Docker container '%s' started]", name))

	r := &run{generation: gen, container: name, quit: make(chan struct{})}
	if status, err := s.docker.Inspect(ctx, name); err == nil {
		r.ports = status.Ports
	} else {
		s.entryLog(entry).Debug("inspect after start failed", zap.Error(err))
	}
	stream, err := s.docker.Logs(s.ctx, name, s.cfg.LogTail)
	if err != nil {
		s.entryLog(entry).Warn("container log stream unavailable", zap.Error(err))
		s.logs.AppendSystem(entry.ID, fmt.Sprintf("[Log stream unavailable: %v]", err))
		return r, nil
	}
	r.stream = stream
	r.attach = s.logs.Attach(entry.ID, stream.Logs())
	return r, nil
}

// Stop terminates a Running entry. Against a Starting entry the stop is
// recorded and carried out as soon as the start completes.
func (s *Supervisor) Stop(ctx context.Context, id string) (*Transition, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	pending, err := s.reg.RequestStop(id)
	if err != nil {
		return nil, err
	}
	if pending != nil {
		t := newTransition(id, registry.OpStop)
		go func() {
			<-pending.Done()
			t.finish(s.deferredStopResult(id, pending))
		}()
		return t, nil
	}

	lease, snap, err := s.reg.Begin(id, registry.OpStop, func(rt registry.RuntimeState) error {
		if rt.State != registry.Running {
			return fmt.Errorf("%w: %s is %s", ErrNotRunning, id, rt.State)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	r := s.currentRun(id)
	lease.Set(registry.Stopping, nil)
	return s.begin(lease, func() (*run, error) {
		return nil, s.halt(lease, snap.Entry, r)
	}), nil
}

// deferredStopResult reports how a stop carried out by a start lease went.
// A start that failed never ran, so the stop did not happen either.
func (s *Supervisor) deferredStopResult(id string, start *registry.Lease) error {
	err := start.Err()
	if err == nil {
		return nil
	}
	if rt, getErr := s.reg.GetState(id); getErr == nil && rt.State == registry.Errored {
		return fmt.Errorf("%w: %s failed to start: %w", ErrNotRunning, id, err)
	}
	return err
}

// halt takes a leased entry from Running or Starting to Stopped.
func (s *Supervisor) halt(lease *registry.Lease, entry config.ProcessEntry, r *run) error {
	lease.Set(registry.Stopping, nil)
	if r == nil {
		lease.Set(registry.Stopped, nil)
		return nil
	}
	defer s.clearRun(entry.ID, r)
	r.stopWatching()
	if r.handle != nil {
		return s.haltProcess(lease, entry, r)
	}
	return s.haltContainer(lease, entry, r)
}

func (s *Supervisor) haltProcess(lease *registry.Lease, entry config.ProcessEntry, r *run) error {
	err := r.handle.Terminate(context.Background())
	switch {
	case err == nil, errors.Is(err, process.ErrAlreadyExited):
		err = nil
	case errors.Is(err, process.ErrTerminationTimedOut) && r.handle.Exited():
		s.entryLog(entry).Warn("process group force killed", zap.Error(err))
		err = nil
	}
	r.drain()

	if err != nil {
		s.logs.AppendSystem(entry.ID, fmt.Sprintf("[Stop error: %v]", err))
		lease.Set(registry.Errored, func(rt *registry.RuntimeState) { rt.Reason = err.Error() })
		return err
	}
	s.logs.AppendSystem(entry.ID, "[Process stopped]")
	code := r.handle.ExitCode()
	lease.Set(registry.Stopped, func(rt *registry.RuntimeState) { rt.ExitCode = &code })
	s.entryLog(entry).Info("stopped", zap.Int("exit_code", code))
	return nil
}

func (s *Supervisor) haltContainer(lease *registry.Lease, entry config.ProcessEntry, r *run) error {
	ctx, cancel := context.WithTimeout(context.Background(), dockerActionTimeout)
	defer cancel()
	err := s.docker.Stop(ctx, r.container)
	r.closeStream()
	r.drain()

	if err != nil {
		s.logs.AppendSystem(entry.ID, fmt.Sprintf("[Stop error: %v]", err))
		lease.Set(registry.Errored, func(rt *registry.RuntimeState) { rt.Reason = err.Error() })
		s.entryLog(entry).Warn("docker stop failed", zap.Error(err))
		return err
	}
	s.logs.AppendSystem(entry.ID, fmt.Sprintf("[Docker container '%s' stopped]", r.container))
	lease.Set(registry.Stopped, nil)
	s.entryLog(entry).Info("container stopped")
	return nil
}

// Restart stops a Running entry and starts it again as one transition.
// Entries that are Stopped or Errored are simply started.
func (s *Supervisor) Restart(ctx context.Context, id string) (*Transition, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.closing.Load() {
		return nil, ErrShuttingDown
	}
	lease, snap, err := s.reg.Begin(id, registry.OpRestart, nil)
	if err != nil {
		return nil, err
	}
	s.resetRetries(id)
	entry := snap.Entry
	if snap.Runtime.State != registry.Running {
		gen := s.markStarting(lease, entry)
		return s.begin(lease, func() (*run, error) {
			return s.launch(lease, entry, gen, false)
		}), nil
	}

	r := s.currentRun(id)
	lease.Set(registry.Stopping, nil)
	return s.begin(lease, func() (*run, error) {
		if entry.IsDocker() && r != nil {
			r.stopWatching()
			r.closeStream()
			r.drain()
			s.clearRun(id, r)
			gen := s.markStarting(lease, entry)
			return s.launch(lease, entry, gen, true)
		}
		if err := s.halt(lease, entry, r); err != nil {
			return nil, err
		}
		if err := s.sleep(s.ctx, s.cfg.RestartDelay); err != nil {
			return nil, ErrShuttingDown
		}
		gen := s.markStarting(lease, entry)
		return s.launch(lease, entry, gen, false)
	}), nil
}

// Remove stops an active entry and deletes it.
func (s *Supervisor) Remove(ctx context.Context, id string) (*Transition, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	lease, snap, err := s.reg.Begin(id, registry.OpRemove, nil)
	if err != nil {
		return nil, err
	}
	entry := snap.Entry
	active := snap.Runtime.State == registry.Running
	r := s.currentRun(id)
	if active {
		lease.Set(registry.Stopping, nil)
	}
	return s.begin(lease, func() (*run, error) {
		if active {
			if err := s.halt(lease, entry, r); err != nil {
				s.entryLog(entry).Warn("stop before removal failed", zap.Error(err))
			}
		}
		if err := s.reg.Delete(id, lease); err != nil {
			return nil, err
		}
		s.logs.Remove(id)
		metrics.ResetEntry(id)
		s.resetRetries(id)
		s.seenMu.Lock()
		delete(s.seen, id)
		s.seenMu.Unlock()
		s.hub.Publish(Event{ID: id, Name: entry.Name, Type: EventTypeRemoved})
		s.entryLog(entry).Info("removed")
		return nil, nil
	}), nil
}

// Add registers a new entry.
func (s *Supervisor) Add(entry config.ProcessEntry) (config.ProcessEntry, error) {
	return s.reg.Add(entry)
}

// Update edits a Stopped entry.
func (s *Supervisor) Update(id string, fields registry.Fields) (config.ProcessEntry, error) {
	entry, err := s.reg.Update(id, fields)
	if err != nil {
		return config.ProcessEntry{}, err
	}
	s.hub.Publish(Event{ID: id, Name: entry.Name, Type: EventTypeUpdated, State: registry.Stopped.String()})
	return entry, nil
}

// Acknowledge clears an Errored entry back to Stopped.
func (s *Supervisor) Acknowledge(id string) (registry.RuntimeState, error) {
	s.resetRetries(id)
	return s.reg.Acknowledge(id)
}

// List returns every entry with its state in declared order.
func (s *Supervisor) List() []registry.Snapshot {
	return s.reg.List()
}

// Get returns one entry with its state.
func (s *Supervisor) Get(id string) (registry.Snapshot, error) {
	return s.reg.Get(id)
}

// StackName returns the display name of the stack.
func (s *Supervisor) StackName() string {
	return s.reg.StackName()
}
