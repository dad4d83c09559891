package engine

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/Paintersrp/procman/internal/metrics"
	"github.com/Paintersrp/procman/internal/registry"
)

func (s *Supervisor) watch(id string, r *run) {
	if r.handle != nil {
		go s.watchProcess(id, r)
		return
	}
	go s.watchContainer(id, r)
}

// watchProcess treats the end of the output streams as the exit signal. The
// handle closes its log channel only after every stream hit EOF and the root
// process was reaped.
func (s *Supervisor) watchProcess(id string, r *run) {
	<-r.handle.Done()
	r.drain()
	s.exited(id, r, r.handle.ExitCode())
}

func (s *Supervisor) watchContainer(id string, r *run) {
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-r.quit:
			return
		case <-ticker.C:
		}

		status, err := s.docker.Inspect(s.ctx, r.container)
		if err != nil {
			s.log.Debug("container poll failed", zap.String("id", id), zap.String("container", r.container), zap.Error(err))
			continue
		}
		if status.Running {
			ports := status.Ports
			s.reg.Annotate(id, r.generation, func(rt *registry.RuntimeState) { rt.Ports = ports })
			continue
		}
		select {
		case <-r.quit:
			return
		default:
		}
		r.closeStream()
		r.drain()
		s.exited(id, r, status.ExitCode)
		return
	}
}

// exited settles an exit that no transition asked for. Exits observed while a
// lease is held belong to that transition and are ignored here.
func (s *Supervisor) exited(id string, r *run, code int) {
	to := registry.Stopped
	reason := ""
	if code != 0 {
		to = registry.Errored
		reason = fmt.Sprintf("exited with code %d", code)
	}
	snap, ok := s.reg.Settle(id, r.generation, to, func(rt *registry.RuntimeState) {
		exit := code
		rt.ExitCode = &exit
		rt.Reason = reason
	}, registry.Running)
	if !ok {
		return
	}
	s.clearRun(id, r)
	r.stopWatching()

	if r.handle != nil {
		s.logs.AppendSystem(id, fmt.Sprintf("[Process exited with: code %d]", code))
	} else {
		s.logs.AppendSystem(id, fmt.Sprintf("[Docker container '%s' exited with: code %d]", r.container, code))
	}
	exit := code
	s.hub.Publish(Event{
		ID:       id,
		Name:     snap.Entry.Name,
		Type:     EventTypeExited,
		State:    snap.Runtime.State.String(),
		Message:  reason,
		ExitCode: &exit,
	})
	s.entryLog(snap.Entry).Info("exited", zap.Int("exit_code", code))

	if to == registry.Errored && snap.Entry.AutoRestart && !snap.Entry.IsDocker() {
		s.scheduleRestart(snap, r)
	}
}

func (s *Supervisor) scheduleRestart(snap registry.Snapshot, r *run) {
	id := snap.Entry.ID
	policy := s.cfg.Restart

	s.mu.Lock()
	if !r.startedAt.IsZero() && time.Since(r.startedAt) >= policy.Max {
		delete(s.retries, id)
	}
	attempt := s.retries[id] + 1
	if attempt > policy.MaxRetries {
		s.mu.Unlock()
		s.logs.AppendSystem(id, fmt.Sprintf("[Auto-restart gave up after %d attempts]", policy.MaxRetries))
		s.entryLog(snap.Entry).Warn("restart retries exhausted", zap.Int("max_retries", policy.MaxRetries))
		return
	}
	s.retries[id] = attempt
	s.mu.Unlock()

	delay := s.jitter(policy.delay(attempt))
	if delay > policy.Max {
		delay = policy.Max
	}
	gen := snap.Runtime.Generation
	s.entryLog(snap.Entry).Info("scheduling restart", zap.Int("attempt", attempt), zap.Duration("delay", delay))
	go func() {
		if err := s.sleep(s.ctx, delay); err != nil {
			return
		}
		s.autoRestart(id, gen, attempt)
	}()
}

// autoRestart starts the entry again if nobody touched it since the crash.
func (s *Supervisor) autoRestart(id string, gen uint64, attempt int) {
	if s.closing.Load() {
		return
	}
	lease, snap, err := s.reg.Begin(id, registry.OpStart, func(rt registry.RuntimeState) error {
		if rt.State != registry.Errored || rt.Generation != gen {
			return registry.ErrEntryBusy
		}
		return nil
	})
	if err != nil {
		return
	}
	metrics.IncrementRestart(id)
	entry := snap.Entry
	next := lease.Set(registry.Starting, func(rt *registry.RuntimeState) { rt.Restarts++ })
	s.entryLog(entry).Info("auto restart", zap.Int("attempt", attempt))
	s.begin(lease, func() (*run, error) {
		return s.launch(lease, entry, next.Runtime.Generation, false)
	})
}
