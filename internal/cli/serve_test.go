package cli

import (
	stdcontext "context"
	"errors"
	"net"
	"os"
	"path/filepath"
	goruntime "runtime"
	"strings"
	"testing"
	"time"

	apihttp "github.com/Paintersrp/procman/internal/api/http"
)

func TestServeCommandReportsAPIServerError(t *testing.T) {
	isolateSettings(t)
	path := filepath.Join(t.TempDir(), "processes.json")

	startErr := errors.New("serve failure")
	origNewAPIServer := newAPIServer
	t.Cleanup(func() {
		newAPIServer = origNewAPIServer
	})
	newAPIServer = func(cfg apihttp.Config) (*apihttp.Server, error) {
		cfg.Listener = &failingListener{addr: staticAddr("127.0.0.1:0"), err: startErr}
		return apihttp.NewServer(cfg)
	}

	stdout, stderr, err := runCLI(t, nil, "-c", path, "serve")
	if !errors.Is(err, startErr) {
		t.Fatalf("expected serve error %v, got %v (stderr: %s)", startErr, err, stderr)
	}
	if strings.Contains(stdout, "Control API listening") {
		t.Fatalf("expected no API startup message, got stdout: %s", stdout)
	}
}

func TestUpSupervisesEntriesUntilCancelled(t *testing.T) {
	if goruntime.GOOS == "windows" {
		t.Skip("uses the sleep command")
	}
	isolateSettings(t)
	path := filepath.Join(t.TempDir(), "processes.json")
	doc := `{
  "stack_name": "demo",
  "processes": [
    {"id": "3f2a9c1e-web", "name": "web", "command": "sleep 30", "auto_start": true},
    {"id": "8b7d04aa-job", "name": "job", "command": "sleep 30"}
  ]
}`
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatalf("write processes file: %v", err)
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	origNewAPIServer := newAPIServer
	t.Cleanup(func() {
		newAPIServer = origNewAPIServer
	})
	newAPIServer = func(cfg apihttp.Config) (*apihttp.Server, error) {
		cfg.Listener = ln
		return apihttp.NewServer(cfg)
	}

	runCtx, cancel := stdcontext.WithCancel(stdcontext.Background())
	defer cancel()
	type result struct {
		stdout string
		err    error
	}
	done := make(chan result, 1)
	go func() {
		stdout, _, err := runCLI(t, runCtx, "-c", path, "up", "--no-logs")
		done <- result{stdout: stdout, err: err}
	}()

	client, err := apihttp.NewClient(addr)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	waitForState(t, client, "web", "Running")

	stdout, stderr, err := runCLI(t, nil, "--addr", addr, "stop", "web")
	if err != nil {
		t.Fatalf("stop: %v (stderr: %s)", err, stderr)
	}
	if strings.TrimSpace(stdout) != "web: Stopped" {
		t.Fatalf("unexpected stop output %q", stdout)
	}

	stdout, stderr, err = runCLI(t, nil, "--addr", addr, "start", "--all")
	if err != nil {
		t.Fatalf("start --all: %v (stderr: %s)", err, stderr)
	}
	for _, name := range []string{"web:", "job:"} {
		if !strings.Contains(stdout, name) {
			t.Fatalf("bulk start output missing %s: %q", name, stdout)
		}
	}
	waitForState(t, client, "job", "Running")

	stdout, _, err = runCLI(t, nil, "--addr", addr, "acknowledge", "job")
	if err != nil {
		t.Fatalf("acknowledge: %v", err)
	}
	if strings.TrimSpace(stdout) != "job: Running" {
		t.Fatalf("acknowledge must leave a running entry alone, got %q", stdout)
	}

	cancel()
	select {
	case res := <-done:
		if res.err != nil {
			t.Fatalf("up returned error: %v", res.err)
		}
		for _, want := range []string{"Stack demo loaded from", "Control API listening on " + addr, "Started 1 auto_start entries"} {
			if !strings.Contains(res.stdout, want) {
				t.Fatalf("up output missing %q:\n%s", want, res.stdout)
			}
		}
	case <-time.After(15 * time.Second):
		t.Fatalf("up did not return after cancellation")
	}

	if _, err := client.Status(stdcontext.Background()); !apihttp.IsUnreachable(err) {
		t.Fatalf("expected control API to be closed, got %v", err)
	}
}

func waitForState(t *testing.T, client *apihttp.Client, name, state string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	var last string
	for time.Now().Before(deadline) {
		report, err := client.Status(stdcontext.Background())
		if err == nil {
			for _, entry := range report.Entries {
				if entry.Name == name {
					last = entry.State
				}
			}
			if last == state {
				return
			}
		}
		time.Sleep(25 * time.Millisecond)
	}
	t.Fatalf("%s did not reach %s (last state %q)", name, state, last)
}

type failingListener struct {
	addr net.Addr
	err  error
}

func (l *failingListener) Accept() (net.Conn, error) {
	return nil, l.err
}

func (l *failingListener) Close() error {
	return nil
}

func (l *failingListener) Addr() net.Addr {
	return l.addr
}

type staticAddr string

func (a staticAddr) Network() string { return "tcp" }

func (a staticAddr) String() string { return string(a) }
