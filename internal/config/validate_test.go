package config

import (
	"errors"
	"testing"
)

func TestProcessEntryValidateFields(t *testing.T) {
	cases := []struct {
		name  string
		entry ProcessEntry
		ok    bool
	}{
		{name: "process", entry: ProcessEntry{Name: "api", Command: "go run ."}, ok: true},
		{name: "docker", entry: ProcessEntry{Name: "db", Command: "pg", ProcessType: ProcessTypeDocker}, ok: true},
		{name: "empty name", entry: ProcessEntry{Name: " ", Command: "run"}},
		{name: "empty command", entry: ProcessEntry{Name: "api"}},
		{name: "unknown type", entry: ProcessEntry{Name: "api", Command: "run", ProcessType: "Podman"}},
		{name: "docker with args", entry: ProcessEntry{Name: "db", Command: "pg --rm", ProcessType: ProcessTypeDocker}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.entry.ValidateFields()
			if tc.ok && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !tc.ok && !errors.Is(err, ErrInvalidEntry) {
				t.Fatalf("expected ErrInvalidEntry, got %v", err)
			}
		})
	}
}

func TestProcessEntryValidateRequiresID(t *testing.T) {
	err := ProcessEntry{Name: "api", Command: "run"}.Validate()
	if !errors.Is(err, ErrInvalidEntry) {
		t.Fatalf("expected ErrInvalidEntry, got %v", err)
	}
}
