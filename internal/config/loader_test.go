package config

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
)

func TestLoadMissingFileCreatesEmptyDocument(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", DefaultFileName)

	doc, err := Load(path)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if len(doc.Processes) != 0 {
		t.Fatalf("expected no processes, got %d", len(doc.Processes))
	}
	if doc.StackName != DefaultStackName {
		t.Fatalf("unexpected stack name %q", doc.StackName)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("expected file to be persisted: %v", err)
	}
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("persisted file is not JSON: %v", err)
	}
	processes, ok := raw["processes"].([]any)
	if !ok || len(processes) != 0 {
		t.Fatalf("expected empty processes array, got %#v", raw["processes"])
	}
}

func TestLoadEmptyFileIsTreatedAsMissing(t *testing.T) {
	path := filepath.Join(t.TempDir(), DefaultFileName)
	if err := os.WriteFile(path, []byte("  \n"), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}
	doc, err := Load(path)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if len(doc.Processes) != 0 {
		t.Fatalf("expected empty document")
	}
}

func TestSaveLoadRoundTripPreservesEntries(t *testing.T) {
	path := filepath.Join(t.TempDir(), DefaultFileName)
	want := &File{
		StackName: "dev",
		Processes: []ProcessEntry{
			{ID: "b7", Name: "web", Command: "npm run dev", WorkingDirectory: "/srv/web", ProcessType: ProcessTypeProcess, AutoStart: true},
			{ID: "a1", Name: "db", Command: "postgres-dev", ProcessType: ProcessTypeDocker},
			{ID: "c3", Name: "web", Command: `uv run "my app.py"`, WorkingDirectory: "/srv/api", ProcessType: ProcessTypeProcess, AutoRestart: true},
		},
	}

	if err := Save(path, want); err != nil {
		t.Fatalf("Save returned error: %v", err)
	}
	got, err := Load(path)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if !reflect.DeepEqual(got.Processes, want.Processes) {
		t.Fatalf("round trip mismatch:\n got  %#v\n want %#v", got.Processes, want.Processes)
	}
	if got.StackName != "dev" {
		t.Fatalf("unexpected stack name %q", got.StackName)
	}

	entries, err := filepath.Glob(filepath.Join(filepath.Dir(path), ".processes-*"))
	if err != nil {
		t.Fatalf("glob: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("temporary files left behind: %v", entries)
	}
}

func TestLoadDefaultsProcessType(t *testing.T) {
	path := filepath.Join(t.TempDir(), DefaultFileName)
	body := `{"processes":[{"id":"1","name":"api","command":"go run .","working_directory":"","auto_start":false}]}`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}
	doc, err := Load(path)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if got := doc.Processes[0].ProcessType; got != ProcessTypeProcess {
		t.Fatalf("expected default process type, got %q", got)
	}
}

func TestLoadRejectsSchemaViolations(t *testing.T) {
	cases := []struct {
		name     string
		body     string
		contains string
	}{
		{
			name:     "unknown field",
			body:     `{"processes":[{"id":"1","name":"api","command":"run","shell":true}]}`,
			contains: "processes[0]",
		},
		{
			name:     "bad process type",
			body:     `{"processes":[{"id":"1","name":"api","command":"run","process_type":"Podman"}]}`,
			contains: "process_type",
		},
		{
			name:     "missing command",
			body:     `{"processes":[{"id":"1","name":"api"}]}`,
			contains: "command",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), DefaultFileName)
			if err := os.WriteFile(path, []byte(tc.body), 0o644); err != nil {
				t.Fatalf("write file: %v", err)
			}
			_, err := Load(path)
			if err == nil {
				t.Fatalf("expected error")
			}
			if !strings.Contains(err.Error(), tc.contains) {
				t.Fatalf("expected error to mention %q, got %v", tc.contains, err)
			}
		})
	}
}

func TestLoadRejectsDuplicateIDs(t *testing.T) {
	path := filepath.Join(t.TempDir(), DefaultFileName)
	body := `{"processes":[
		{"id":"1","name":"api","command":"run"},
		{"id":"1","name":"worker","command":"work"}]}`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}
	_, err := Load(path)
	if !errors.Is(err, ErrInvalidEntry) {
		t.Fatalf("expected ErrInvalidEntry, got %v", err)
	}
	if !strings.Contains(err.Error(), "processes[1].id") {
		t.Fatalf("expected error to reference second entry, got %v", err)
	}
}

func TestLoadLeavesUnparsableFileUntouched(t *testing.T) {
	path := filepath.Join(t.TempDir(), DefaultFileName)
	body := []byte(`{"processes":[{"id":"1","name":"api","command":"run"},]}`)
	if err := os.WriteFile(path, body, 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatalf("expected decode error")
	}
	after, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if string(after) != string(body) {
		t.Fatalf("file was rewritten: %s", after)
	}
}
