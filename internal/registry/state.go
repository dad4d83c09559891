package registry

import (
	"fmt"
	"time"
)

// State is the lifecycle position of an entry.
type State int

const (
	Stopped State = iota
	Starting
	Running
	Stopping
	Errored
)

var stateNames = [...]string{
	Stopped:  "Stopped",
	Starting: "Starting",
	Running:  "Running",
	Stopping: "Stopping",
	Errored:  "Errored",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// MarshalText renders the state name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses a state name.
func (s *State) UnmarshalText(text []byte) error {
	for i, name := range stateNames {
		if name == string(text) {
			*s = State(i)
			return nil
		}
	}
	return fmt.Errorf("unknown state %q", text)
}

// HasHandle reports whether an entry in this state owns an OS-level handle.
func (s State) HasHandle() bool {
	switch s {
	case Starting, Running, Stopping:
		return true
	default:
		return false
	}
}

// Handle references the OS-level object behind an active entry. PID is zero
// until the spawn completes; Container is set for Docker entries.
type Handle struct {
	PID       int    `json:"pid,omitempty"`
	Container string `json:"container,omitempty"`
}

// RuntimeState is the in-memory state of one entry. It is never persisted.
type RuntimeState struct {
	State      State     `json:"state"`
	Reason     string    `json:"reason,omitempty"`
	Handle     *Handle   `json:"handle,omitempty"`
	StartedAt  time.Time `json:"started_at,omitempty"`
	ExitCode   *int      `json:"exit_code,omitempty"`
	Restarts   int       `json:"restarts"`
	Ports      []string  `json:"ports,omitempty"`
	Busy       bool      `json:"busy"`
	Generation uint64    `json:"generation"`
}

func (rt RuntimeState) clone() RuntimeState {
	if rt.Handle != nil {
		h := *rt.Handle
		rt.Handle = &h
	}
	if rt.ExitCode != nil {
		code := *rt.ExitCode
		rt.ExitCode = &code
	}
	if rt.Ports != nil {
		rt.Ports = append([]string(nil), rt.Ports...)
	}
	return rt
}

// normalize enforces the handle invariant after every transition.
func (rt *RuntimeState) normalize() {
	if rt.State.HasHandle() {
		if rt.Handle == nil {
			rt.Handle = &Handle{}
		}
	} else {
		rt.Handle = nil
		rt.Ports = nil
	}
	if rt.State != Errored {
		rt.Reason = ""
	}
}
