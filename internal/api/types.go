// Package api defines the contract between the supervisor and its control
// servers.
package api

import (
	stdcontext "context"
	"strings"
	"time"

	"github.com/Paintersrp/procman/internal/config"
	"github.com/Paintersrp/procman/internal/engine"
	"github.com/Paintersrp/procman/internal/logstream"
	"github.com/Paintersrp/procman/internal/registry"
	"github.com/Paintersrp/procman/internal/runtime/docker"
	"github.com/Paintersrp/procman/internal/runtime/process"
)

var (
	ErrNotFound                = registry.ErrNotFound
	ErrEntryBusy               = registry.ErrEntryBusy
	ErrInvalidEntry            = registry.ErrInvalidEntry
	ErrNotRunning              = engine.ErrNotRunning
	ErrShuttingDown            = engine.ErrShuttingDown
	ErrCommandNotFound         = process.ErrCommandNotFound
	ErrWorkingDirectoryMissing = process.ErrWorkingDirectoryMissing
	ErrDockerCommandFailed     = docker.ErrDockerCommandFailed
)

// EntryReport describes one entry and its runtime state.
type EntryReport struct {
	ID               string     `json:"id" yaml:"id"`
	Name             string     `json:"name" yaml:"name"`
	Command          string     `json:"command" yaml:"command"`
	WorkingDirectory string     `json:"working_directory,omitempty" yaml:"working_directory,omitempty"`
	ProcessType      string     `json:"process_type" yaml:"process_type"`
	AutoStart        bool       `json:"auto_start" yaml:"auto_start"`
	AutoRestart      bool       `json:"auto_restart" yaml:"auto_restart"`
	State            string     `json:"state" yaml:"state"`
	Reason           string     `json:"reason,omitempty" yaml:"reason,omitempty"`
	PID              int        `json:"pid,omitempty" yaml:"pid,omitempty"`
	Container        string     `json:"container,omitempty" yaml:"container,omitempty"`
	StartedAt        *time.Time `json:"started_at,omitempty" yaml:"started_at,omitempty"`
	ExitCode         *int       `json:"exit_code,omitempty" yaml:"exit_code,omitempty"`
	Restarts         int        `json:"restarts" yaml:"restarts"`
	Ports            []string   `json:"ports,omitempty" yaml:"ports,omitempty"`
	Busy             bool       `json:"busy" yaml:"busy"`
}

// NewEntryReport flattens a registry snapshot.
func NewEntryReport(snap registry.Snapshot) EntryReport {
	rt := snap.Runtime
	report := EntryReport{
		ID:               snap.Entry.ID,
		Name:             snap.Entry.Name,
		Command:          snap.Entry.Command,
		WorkingDirectory: snap.Entry.WorkingDirectory,
		ProcessType:      string(snap.Entry.ProcessType),
		AutoStart:        snap.Entry.AutoStart,
		AutoRestart:      snap.Entry.AutoRestart,
		State:            rt.State.String(),
		Reason:           rt.Reason,
		ExitCode:         rt.ExitCode,
		Restarts:         rt.Restarts,
		Ports:            rt.Ports,
		Busy:             rt.Busy,
	}
	if rt.Handle != nil {
		report.PID = rt.Handle.PID
		report.Container = rt.Handle.Container
	}
	if !rt.StartedAt.IsZero() && rt.State == registry.Running {
		started := rt.StartedAt
		report.StartedAt = &started
	}
	return report
}

// StatusReport aggregates every entry of the stack.
type StatusReport struct {
	Stack       string        `json:"stack" yaml:"stack"`
	GeneratedAt time.Time     `json:"generated_at" yaml:"generated_at"`
	Entries     []EntryReport `json:"entries" yaml:"entries"`
}

// NewStatusReport builds a report from snapshots in declared order.
func NewStatusReport(stack string, snaps []registry.Snapshot) *StatusReport {
	report := &StatusReport{Stack: stack, GeneratedAt: time.Now().UTC(), Entries: make([]EntryReport, 0, len(snaps))}
	for _, snap := range snaps {
		report.Entries = append(report.Entries, NewEntryReport(snap))
	}
	return report
}

// TransitionResult is returned for single-entry intents.
type TransitionResult struct {
	ID      string `json:"id"`
	Op      string `json:"op"`
	State   string `json:"state"`
	Pending bool   `json:"pending"`
	Error   string `json:"error,omitempty"`
}

// EntryPatch carries the editable fields of an entry. Nil fields are left
// unchanged on update.
type EntryPatch struct {
	Name             *string `json:"name,omitempty"`
	Command          *string `json:"command,omitempty"`
	WorkingDirectory *string `json:"working_directory,omitempty"`
	ProcessType      *string `json:"process_type,omitempty"`
	AutoStart        *bool   `json:"auto_start,omitempty"`
	AutoRestart      *bool   `json:"auto_restart,omitempty"`
}

// Fields converts the patch for registry updates.
func (p EntryPatch) Fields() registry.Fields {
	f := registry.Fields{
		Name:             p.Name,
		Command:          p.Command,
		WorkingDirectory: p.WorkingDirectory,
		AutoStart:        p.AutoStart,
		AutoRestart:      p.AutoRestart,
	}
	if p.ProcessType != nil {
		pt := ParseProcessType(*p.ProcessType)
		f.ProcessType = &pt
	}
	return f
}

// Entry converts the patch into a new entry; absent fields are zero.
func (p EntryPatch) Entry() config.ProcessEntry {
	var entry config.ProcessEntry
	if p.Name != nil {
		entry.Name = *p.Name
	}
	if p.Command != nil {
		entry.Command = *p.Command
	}
	if p.WorkingDirectory != nil {
		entry.WorkingDirectory = *p.WorkingDirectory
	}
	if p.ProcessType != nil {
		entry.ProcessType = ParseProcessType(*p.ProcessType)
	}
	if p.AutoStart != nil {
		entry.AutoStart = *p.AutoStart
	}
	if p.AutoRestart != nil {
		entry.AutoRestart = *p.AutoRestart
	}
	return entry
}

// ParseProcessType accepts the canonical names case-insensitively. Unknown
// values are passed through so validation can reject them.
func ParseProcessType(value string) config.ProcessType {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", "process":
		return config.ProcessTypeProcess
	case "docker":
		return config.ProcessTypeDocker
	default:
		return config.ProcessType(value)
	}
}

// Controller exposes the supervisor operations required by control servers.
type Controller interface {
	StackName() string
	List() []registry.Snapshot
	Get(id string) (registry.Snapshot, error)
	Add(entry config.ProcessEntry) (config.ProcessEntry, error)
	Update(id string, fields registry.Fields) (config.ProcessEntry, error)
	Acknowledge(id string) (registry.RuntimeState, error)

	Start(ctx stdcontext.Context, id string) (*engine.Transition, error)
	Stop(ctx stdcontext.Context, id string) (*engine.Transition, error)
	Restart(ctx stdcontext.Context, id string) (*engine.Transition, error)
	Remove(ctx stdcontext.Context, id string) (*engine.Transition, error)

	StartAll(ctx stdcontext.Context) []engine.Outcome
	StopAll(ctx stdcontext.Context) []engine.Outcome
	RestartAll(ctx stdcontext.Context) []engine.Outcome

	Logs() *logstream.Streamer
	Events() *engine.Hub
}
