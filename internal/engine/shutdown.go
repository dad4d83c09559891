package engine

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Paintersrp/procman/internal/registry"
	"github.com/Paintersrp/procman/internal/runtime/process"
)

// Shutdown stops every Process entry that is Starting or Running, waiting at
// most the shutdown grace in total, and force kills whatever is still alive
// afterwards. Docker entries are left running; only their log streams and
// status polling end. New starts are rejected from the moment Shutdown is
// called. Repeated calls return the first result.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.shutdownOnce.Do(func() {
		s.shutdownErr = s.shutdown(ctx)
	})
	return s.shutdownErr
}

func (s *Supervisor) shutdown(ctx context.Context) error {
	s.spawnMu.Lock()
	s.closing.Store(true)
	s.spawnMu.Unlock()
	log := s.log.WithComponent("shutdown")

	ctx, cancel := context.WithTimeout(ctx, s.cfg.ShutdownGrace)
	defer cancel()

	handles := s.processHandles()
	var g errgroup.Group
	stopping := 0
	for _, snap := range s.reg.List() {
		if snap.Entry.IsDocker() {
			continue
		}
		switch snap.Runtime.State {
		case registry.Starting, registry.Running:
		default:
			continue
		}
		id := snap.Entry.ID
		stopping++
		g.Go(func() error {
			t, err := s.Stop(context.Background(), id)
			if err != nil {
				if errors.Is(err, ErrNotRunning) {
					return nil
				}
				// Another transition owns the entry; the kill pass below
				// covers it if it outlives the grace period.
				log.Debug("stop skipped", zap.String("id", id), zap.Error(err))
				return nil
			}
			return t.Wait(ctx)
		})
	}
	_ = g.Wait()

	for h := range s.processHandles() {
		handles[h] = struct{}{}
	}
	for h := range handles {
		select {
		case <-h.Done():
		case <-ctx.Done():
		}
	}

	// Status polling and auto-restart timers end here; containers keep running.
	s.cancel()
	s.mu.Lock()
	for _, r := range s.runs {
		if r.container != "" {
			r.stopWatching()
			r.closeStream()
		}
	}
	s.mu.Unlock()

	killed := 0
	for h := range handles {
		if h.Exited() {
			continue
		}
		err := h.Kill()
		if errors.Is(err, process.ErrAlreadyExited) {
			continue
		}
		if err != nil {
			log.Warn("force kill failed", zap.Int("pid", h.PID()), zap.Error(err))
		}
		killed++
	}
	log.Info("shutdown complete", zap.Int("stopped", stopping), zap.Int("force_killed", killed))
	if killed > 0 {
		return fmt.Errorf("%w: force killed %d process group(s) after %s", process.ErrTerminationTimedOut, killed, s.cfg.ShutdownGrace)
	}
	return nil
}

func (s *Supervisor) processHandles() map[*process.Handle]struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[*process.Handle]struct{}, len(s.runs))
	for _, r := range s.runs {
		if r.handle != nil {
			out[r.handle] = struct{}{}
		}
	}
	return out
}
