package config

import (
	"encoding/json"
	"fmt"
	"strings"
)

// DefaultStackName is used when the processes file omits stack_name.
const DefaultStackName = "My Stack"

// ProcessType selects how an entry is launched.
type ProcessType string

const (
	// ProcessTypeProcess entries are spawned directly as local programs.
	ProcessTypeProcess ProcessType = "Process"
	// ProcessTypeDocker entries name an existing container driven through docker.
	ProcessTypeDocker ProcessType = "Docker"
)

// Valid reports whether t is one of the known process types.
func (t ProcessType) Valid() bool {
	switch t {
	case ProcessTypeProcess, ProcessTypeDocker:
		return true
	default:
		return false
	}
}

// UnmarshalJSON defaults an empty process_type to Process.
func (t *ProcessType) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("process_type: %w", err)
	}
	switch strings.TrimSpace(raw) {
	case "":
		*t = ProcessTypeProcess
	default:
		*t = ProcessType(strings.TrimSpace(raw))
	}
	return nil
}

// ProcessEntry is one persisted process or container definition.
type ProcessEntry struct {
	ID               string      `json:"id"`
	Name             string      `json:"name"`
	Command          string      `json:"command"`
	WorkingDirectory string      `json:"working_directory"`
	ProcessType      ProcessType `json:"process_type"`
	AutoStart        bool        `json:"auto_start"`
	AutoRestart      bool        `json:"auto_restart,omitempty"`
}

// IsDocker reports whether Command names a container.
func (e ProcessEntry) IsDocker() bool {
	return e.ProcessType == ProcessTypeDocker
}

// File is the on-disk processes document.
type File struct {
	StackName string         `json:"stack_name,omitempty"`
	Processes []ProcessEntry `json:"processes"`
}

// Clone returns a deep copy of the file.
func (f *File) Clone() *File {
	if f == nil {
		return nil
	}
	dup := &File{StackName: f.StackName}
	if f.Processes != nil {
		dup.Processes = make([]ProcessEntry, len(f.Processes))
		copy(dup.Processes, f.Processes)
	}
	return dup
}

// Find returns the entry with the provided id.
func (f *File) Find(id string) (ProcessEntry, bool) {
	for _, entry := range f.Processes {
		if entry.ID == id {
			return entry, true
		}
	}
	return ProcessEntry{}, false
}

func (f *File) applyDefaults() {
	if strings.TrimSpace(f.StackName) == "" {
		f.StackName = DefaultStackName
	}
	if f.Processes == nil {
		f.Processes = []ProcessEntry{}
	}
	for i := range f.Processes {
		if f.Processes[i].ProcessType == "" {
			f.Processes[i].ProcessType = ProcessTypeProcess
		}
	}
}
