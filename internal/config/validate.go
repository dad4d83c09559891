package config

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidEntry marks a process entry with missing or malformed fields.
var ErrInvalidEntry = errors.New("invalid entry")

// Validate checks every entry and the uniqueness of ids.
func (f *File) Validate() error {
	seen := make(map[string]int, len(f.Processes))
	var errs []error
	for idx, entry := range f.Processes {
		if err := entry.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", processField(idx, ""), err))
			continue
		}
		if prev, dup := seen[entry.ID]; dup {
			errs = append(errs, fmt.Errorf("%s: %w: id %q already used by %s", processField(idx, "id"), ErrInvalidEntry, entry.ID, processField(prev, "")))
			continue
		}
		seen[entry.ID] = idx
	}
	return errors.Join(errs...)
}

// Validate checks the fields required to supervise the entry.
func (e ProcessEntry) Validate() error {
	if strings.TrimSpace(e.ID) == "" {
		return fmt.Errorf("%w: id must not be empty", ErrInvalidEntry)
	}
	return e.ValidateFields()
}

// ValidateFields checks the user-editable fields, ignoring the id.
func (e ProcessEntry) ValidateFields() error {
	if strings.TrimSpace(e.Name) == "" {
		return fmt.Errorf("%w: name must not be empty", ErrInvalidEntry)
	}
	if strings.TrimSpace(e.Command) == "" {
		return fmt.Errorf("%w: command must not be empty", ErrInvalidEntry)
	}
	if e.ProcessType != "" && !e.ProcessType.Valid() {
		return fmt.Errorf("%w: unknown process_type %q", ErrInvalidEntry, e.ProcessType)
	}
	if e.IsDocker() && strings.ContainsAny(strings.TrimSpace(e.Command), " \t") {
		return fmt.Errorf("%w: docker command must be a single container name", ErrInvalidEntry)
	}
	return nil
}

func processField(idx int, field string) string {
	if field == "" {
		return fmt.Sprintf("processes[%d]", idx)
	}
	return fmt.Sprintf("processes[%d].%s", idx, field)
}
