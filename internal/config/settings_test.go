package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultSettings(t *testing.T) {
	s := DefaultSettings()
	if s.Supervisor.StopGrace != 5*time.Second {
		t.Fatalf("unexpected stop grace %s", s.Supervisor.StopGrace)
	}
	if s.Shutdown.Grace != 10*time.Second {
		t.Fatalf("unexpected shutdown grace %s", s.Shutdown.Grace)
	}
	if s.Logs.BufferLines != 1000 {
		t.Fatalf("unexpected buffer size %d", s.Logs.BufferLines)
	}
	if s.Docker.Driver != DockerDriverCLI || s.Docker.Binary != "docker" {
		t.Fatalf("unexpected docker settings %+v", s.Docker)
	}
	if s.Docker.PollInterval != 750*time.Millisecond {
		t.Fatalf("unexpected poll interval %s", s.Docker.PollInterval)
	}
}

func TestLoadSettingsFileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "procman.yaml")
	body := []byte(`logging:
  level: debug
shutdown:
  grace: 3s
docker:
  driver: api
`)
	if err := os.WriteFile(path, body, 0o644); err != nil {
		t.Fatalf("write settings: %v", err)
	}
	t.Setenv("PROCMAN_LOGS_BUFFER_LINES", "42")

	s, err := LoadSettings(path)
	if err != nil {
		t.Fatalf("LoadSettings returned error: %v", err)
	}
	if s.Logging.Level != "debug" {
		t.Fatalf("expected file override, got %q", s.Logging.Level)
	}
	if s.Shutdown.Grace != 3*time.Second {
		t.Fatalf("expected 3s grace, got %s", s.Shutdown.Grace)
	}
	if s.Docker.Driver != DockerDriverAPI {
		t.Fatalf("expected api driver, got %q", s.Docker.Driver)
	}
	if s.Logs.BufferLines != 42 {
		t.Fatalf("expected env override, got %d", s.Logs.BufferLines)
	}
}

func TestLoadSettingsRejectsInvalidValues(t *testing.T) {
	path := filepath.Join(t.TempDir(), "procman.yaml")
	if err := os.WriteFile(path, []byte("docker:\n  driver: podman\nlogs:\n  buffer_lines: 0\n"), 0o644); err != nil {
		t.Fatalf("write settings: %v", err)
	}
	_, err := LoadSettings(path)
	if err == nil {
		t.Fatalf("expected validation error")
	}
	for _, want := range []string{"docker.driver", "logs.buffer_lines"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("expected error to mention %s, got %v", want, err)
		}
	}
}

func TestLoadSettingsExplicitPathMustExist(t *testing.T) {
	if _, err := LoadSettings(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("expected error for missing explicit settings file")
	}
}
