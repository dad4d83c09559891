// Package docker drives existing containers for Docker entries. Containers
// are started and stopped on request but never created or removed, and they
// outlive procman.
package docker

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"strings"

	"github.com/docker/go-connections/nat"

	"github.com/Paintersrp/procman/internal/runtime"
)

// ErrDockerCommandFailed matches every *CommandError.
var ErrDockerCommandFailed = errors.New("docker command failed")

const (
	stderrTailLines = 20
	stderrTailBytes = 2048
)

// CommandError reports a docker action that did not succeed.
type CommandError struct {
	Container  string
	Action     string
	ExitCode   int
	StderrTail string
	Err        error
}

func (e *CommandError) Error() string {
	msg := fmt.Sprintf("docker %s %s failed with exit code %d", e.Action, e.Container, e.ExitCode)
	if e.StderrTail != "" {
		msg += ": " + e.StderrTail
	}
	return msg
}

// Is reports ErrDockerCommandFailed.
func (e *CommandError) Is(target error) bool {
	return target == ErrDockerCommandFailed
}

func (e *CommandError) Unwrap() error {
	return e.Err
}

// Status is the observed state of a container.
type Status struct {
	Running  bool
	ExitCode int
	Ports    []string
}

// LogStream follows a container's output.
type LogStream interface {
	Logs() <-chan runtime.LogEntry
	Close() error
}

// Client is the container driver used by the supervisor. Start, Stop and
// Restart return once docker has completed the action.
type Client interface {
	Start(ctx context.Context, container string) error
	Stop(ctx context.Context, container string) error
	Restart(ctx context.Context, container string) error
	Inspect(ctx context.Context, container string) (Status, error)
	Logs(ctx context.Context, container string, tail int) (LogStream, error)
}

// tailLines keeps the last lines of stderr, bounded in size.
func tailLines(lines []string) string {
	if len(lines) > stderrTailLines {
		lines = lines[len(lines)-stderrTailLines:]
	}
	out := strings.TrimSpace(strings.Join(lines, "\n"))
	if len(out) > stderrTailBytes {
		out = out[len(out)-stderrTailBytes:]
	}
	return out
}

// FormatPorts renders published ports as host:port->port/proto, sorted.
func FormatPorts(ports nat.PortMap) []string {
	var out []string
	for port, bindings := range ports {
		for _, binding := range bindings {
			host := binding.HostIP
			if host == "" {
				host = "0.0.0.0"
			}
			out = append(out, fmt.Sprintf("%s->%s", net.JoinHostPort(host, binding.HostPort), port))
		}
	}
	sort.Strings(out)
	return out
}
