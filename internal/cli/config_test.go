package cli

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestConfigLintSuccess(t *testing.T) {
	stdout, stderr, path, err := runConfigLint(t, `{
  "stack_name": "demo",
  "processes": [
    {"id": "a", "name": "web", "command": "npm run dev", "process_type": "Process"},
    {"id": "b", "name": "db", "command": "postgres-dev", "process_type": "Docker"}
  ]
}`)
	if err != nil {
		t.Fatalf("Execute returned error: %v", err)
	}
	want := path + ": OK (2 entries)\n"
	if stdout != want {
		t.Fatalf("unexpected stdout: got %q want %q", stdout, want)
	}
	if stderr != "" {
		t.Fatalf("unexpected stderr output: %q", stderr)
	}
}

func TestConfigLintSchemaViolation(t *testing.T) {
	stdout, stderr, _, err := runConfigLint(t, `{"processes": [{"id": "a", "name": "web", "command": "x", "process_type": "Shell"}]}`)
	if err == nil {
		t.Fatalf("expected error, got nil")
	}
	if stdout != "" {
		t.Fatalf("expected empty stdout, got %q", stdout)
	}
	if !strings.Contains(stderr, "schema validation failed") {
		t.Fatalf("stderr does not mention schema failure: %q", stderr)
	}
	if !strings.Contains(stderr, "process_type") {
		t.Fatalf("stderr does not mention the offending field: %q", stderr)
	}
}

func TestConfigLintDuplicateIDs(t *testing.T) {
	_, stderr, path, err := runConfigLint(t, `{"processes": [
  {"id": "a", "name": "web", "command": "x"},
  {"id": "a", "name": "api", "command": "y"}
]}`)
	if err == nil {
		t.Fatalf("expected error, got nil")
	}
	if !strings.Contains(stderr, filepath.Base(path)) {
		t.Fatalf("stderr does not mention processes path: %q", stderr)
	}
	if !strings.Contains(stderr, "already used") {
		t.Fatalf("stderr does not mention duplicate id: %q", stderr)
	}
}

func TestConfigLintMissingFileIsNotCreated(t *testing.T) {
	isolateSettings(t)
	path := filepath.Join(t.TempDir(), "processes.json")

	_, _, err := runCLI(t, nil, "config", "lint", path)
	if err == nil {
		t.Fatalf("expected error for missing file")
	}
	if _, statErr := os.Stat(path); !errors.Is(statErr, fs.ErrNotExist) {
		t.Fatalf("lint must not create the processes file, stat returned %v", statErr)
	}
}

func runConfigLint(t *testing.T, doc string) (stdout, stderr, path string, err error) {
	t.Helper()
	isolateSettings(t)
	path = filepath.Join(t.TempDir(), "processes.json")
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatalf("write processes file: %v", err)
	}
	stdout, stderr, err = runCLI(t, nil, "--config", path, "config", "lint")
	return stdout, stderr, path, err
}
