package process

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	stdruntime "runtime"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/Paintersrp/procman/internal/runtime"
)

func skipOnWindows(t *testing.T) {
	t.Helper()
	if stdruntime.GOOS == "windows" {
		t.Skip("process group tests require a unix shell")
	}
}

func collect(t *testing.T, h *Handle, timeout time.Duration) []runtime.LogEntry {
	t.Helper()
	var out []runtime.LogEntry
	deadline := time.After(timeout)
	for {
		select {
		case entry, ok := <-h.Logs():
			if !ok {
				return out
			}
			out = append(out, entry)
		case <-deadline:
			t.Fatalf("timed out collecting logs, got %d entries", len(out))
		}
	}
}

func TestSpawnCapturesStdoutAndStderr(t *testing.T) {
	skipOnWindows(t)

	runner := NewRunner()
	h, err := runner.Spawn(context.Background(), Spec{
		Program: "/bin/sh",
		Args:    []string{"-c", "echo out-line; echo err-line 1>&2; exit 3"},
	})
	if err != nil {
		t.Fatalf("Spawn returned error: %v", err)
	}
	if h.PID() <= 0 {
		t.Fatalf("expected pid, got %d", h.PID())
	}

	entries := collect(t, h, 5*time.Second)
	<-h.Done()

	var stdout, stderr []string
	for _, entry := range entries {
		switch entry.Source {
		case runtime.LogSourceStdout:
			stdout = append(stdout, entry.Message)
		case runtime.LogSourceStderr:
			stderr = append(stderr, entry.Message)
			if entry.Level != "warn" {
				t.Fatalf("expected stderr level warn, got %q", entry.Level)
			}
		}
	}
	if strings.Join(stdout, ",") != "out-line" || strings.Join(stderr, ",") != "err-line" {
		t.Fatalf("unexpected output stdout=%v stderr=%v", stdout, stderr)
	}
	if h.ExitCode() != 3 {
		t.Fatalf("expected exit code 3, got %d", h.ExitCode())
	}
	if h.Err() == nil {
		t.Fatalf("expected non-nil Err for non-zero exit")
	}
}

func TestSpawnUsesWorkingDirectory(t *testing.T) {
	skipOnWindows(t)

	dir := t.TempDir()
	res, err := NewRunner().Run(context.Background(), Spec{Program: "pwd", Dir: dir})
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	want, _ := filepath.EvalSymlinks(dir)
	if len(res.Stdout) != 1 {
		t.Fatalf("unexpected output %v", res.Stdout)
	}
	got, _ := filepath.EvalSymlinks(res.Stdout[0])
	if got != want {
		t.Fatalf("pwd: got %q want %q", got, want)
	}
}

func TestSpawnMissingWorkingDirectory(t *testing.T) {
	_, err := NewRunner().Spawn(context.Background(), Spec{
		Program: "true",
		Dir:     filepath.Join(t.TempDir(), "gone"),
	})
	if !errors.Is(err, ErrWorkingDirectoryMissing) {
		t.Fatalf("expected ErrWorkingDirectoryMissing, got %v", err)
	}
}

func TestSpawnTreatsShellOperatorsLiterally(t *testing.T) {
	skipOnWindows(t)

	spec, err := SpecFromCommand("procman-missing-build&&procman-missing-serve", "")
	if err != nil {
		t.Fatalf("SpecFromCommand returned error: %v", err)
	}
	if _, err := NewRunner().Spawn(context.Background(), spec); !errors.Is(err, ErrCommandNotFound) {
		t.Fatalf("expected ErrCommandNotFound, got %v", err)
	}

	spec, err = SpecFromCommand("echo first && echo second", "")
	if err != nil {
		t.Fatalf("SpecFromCommand returned error: %v", err)
	}
	res, err := NewRunner().Run(context.Background(), spec)
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if len(res.Stdout) != 1 || res.Stdout[0] != "first && echo second" {
		t.Fatalf("expected a single literal echo, got %v", res.Stdout)
	}
}

func TestTerminateKillsDescendants(t *testing.T) {
	skipOnWindows(t)

	h, err := NewRunner(WithGrace(2*time.Second)).Spawn(context.Background(), Spec{
		Program: "/bin/sh",
		Args:    []string{"-c", "sleep 30 & echo $!; wait"},
	})
	if err != nil {
		t.Fatalf("Spawn returned error: %v", err)
	}

	var childPID int
	select {
	case entry := <-h.Logs():
		childPID, err = strconv.Atoi(strings.TrimSpace(entry.Message))
		if err != nil {
			t.Fatalf("parse child pid from %q: %v", entry.Message, err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for child pid")
	}
	go func() {
		for range h.Logs() {
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := h.Terminate(ctx); err != nil {
		t.Fatalf("Terminate returned error: %v", err)
	}
	if !h.Exited() {
		t.Fatalf("expected root process to have exited")
	}
	waitGone(t, childPID)

	if err := h.Terminate(ctx); !errors.Is(err, ErrAlreadyExited) {
		t.Fatalf("expected ErrAlreadyExited on second terminate, got %v", err)
	}
}

func TestTerminateEscalatesWhenSignalIgnored(t *testing.T) {
	skipOnWindows(t)

	h, err := NewRunner(WithGrace(200*time.Millisecond)).Spawn(context.Background(), Spec{
		Program: "/bin/sh",
		Args:    []string{"-c", "trap '' TERM; echo ready; while true; do sleep 1; done"},
	})
	if err != nil {
		t.Fatalf("Spawn returned error: %v", err)
	}
	select {
	case <-h.Logs():
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for ready line")
	}
	go func() {
		for range h.Logs() {
		}
	}()

	start := time.Now()
	err = h.Terminate(context.Background())
	if !errors.Is(err, ErrTerminationTimedOut) {
		t.Fatalf("expected ErrTerminationTimedOut, got %v", err)
	}
	if !h.Exited() {
		t.Fatalf("expected process to be gone after escalation")
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Fatalf("terminate took too long: %s", elapsed)
	}
	if code := h.ExitCode(); code != 128+9 {
		t.Fatalf("expected SIGKILL exit code, got %d", code)
	}
}

func TestTerminateAfterExit(t *testing.T) {
	skipOnWindows(t)

	h, err := NewRunner().Spawn(context.Background(), Spec{Program: "true"})
	if err != nil {
		t.Fatalf("Spawn returned error: %v", err)
	}
	collect(t, h, 5*time.Second)
	<-h.Done()
	if err := h.Terminate(context.Background()); !errors.Is(err, ErrAlreadyExited) {
		t.Fatalf("expected ErrAlreadyExited, got %v", err)
	}
	if err := h.Kill(); !errors.Is(err, ErrAlreadyExited) {
		t.Fatalf("expected ErrAlreadyExited from Kill, got %v", err)
	}
}

func TestRunCancelledKillsProcess(t *testing.T) {
	skipOnWindows(t)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err := NewRunner().Run(ctx, Spec{Program: "sleep", Args: []string{"30"}})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if time.Since(start) > 5*time.Second {
		t.Fatalf("Run did not return promptly after cancellation")
	}
}

// waitGone polls until pid no longer names a live process. A zombie awaiting
// reaping by init counts as gone.
func waitGone(t *testing.T, pid int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		if !processAlive(pid) {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("descendant %d survived termination", pid)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func processAlive(pid int) bool {
	data, err := os.ReadFile(filepath.Join("/proc", strconv.Itoa(pid), "stat"))
	if err == nil {
		fields := strings.Fields(string(data[strings.LastIndexByte(string(data), ')')+1:]))
		return len(fields) > 0 && fields[0] != "Z" && fields[0] != "X"
	}
	if !os.IsNotExist(err) {
		return signalZero(pid)
	}
	if _, statErr := os.Stat("/proc/self"); statErr == nil {
		return false
	}
	return signalZero(pid)
}
