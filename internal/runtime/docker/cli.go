package docker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/docker/go-connections/nat"

	"github.com/Paintersrp/procman/internal/runtime"
	"github.com/Paintersrp/procman/internal/runtime/process"
)

const inspectFormat = "{{.State.Running}}|{{.State.ExitCode}}|{{json .NetworkSettings.Ports}}"

// CLI drives containers through the docker binary.
type CLI struct {
	binary string
	runner *process.Runner
}

// NewCLI returns a driver invoking binary ("docker" when empty).
func NewCLI(binary string, runner *process.Runner) *CLI {
	if strings.TrimSpace(binary) == "" {
		binary = "docker"
	}
	if runner == nil {
		runner = process.NewRunner()
	}
	return &CLI{binary: binary, runner: runner}
}

func (c *CLI) Start(ctx context.Context, container string) error {
	_, err := c.run(ctx, container, "start", container)
	return err
}

func (c *CLI) Stop(ctx context.Context, container string) error {
	_, err := c.run(ctx, container, "stop", container)
	return err
}

func (c *CLI) Restart(ctx context.Context, container string) error {
	_, err := c.run(ctx, container, "restart", container)
	return err
}

func (c *CLI) Inspect(ctx context.Context, container string) (Status, error) {
	res, err := c.run(ctx, container, "inspect", "-f", inspectFormat, container)
	if err != nil {
		return Status{}, err
	}
	if len(res.Stdout) == 0 {
		return Status{}, fmt.Errorf("docker inspect %s: empty output", container)
	}
	return parseInspect(res.Stdout[0])
}

func (c *CLI) Logs(ctx context.Context, container string, tail int) (LogStream, error) {
	args := []string{"logs", "-f", "--tail", strconv.Itoa(tail), container}
	h, err := c.runner.Spawn(ctx, process.Spec{Program: c.binary, Args: args})
	if err != nil {
		return nil, fmt.Errorf("docker logs %s: %w", container, err)
	}
	return &cliLogStream{handle: h}, nil
}

func (c *CLI) run(ctx context.Context, container, action string, args ...string) (process.Result, error) {
	spec := process.Spec{Program: c.binary, Args: append([]string{action}, args...)}
	res, err := c.runner.Run(ctx, spec)
	if err != nil {
		return res, &CommandError{Container: container, Action: action, ExitCode: -1, StderrTail: err.Error(), Err: err}
	}
	if res.ExitCode != 0 {
		return res, &CommandError{
			Container:  container,
			Action:     action,
			ExitCode:   res.ExitCode,
			StderrTail: tailLines(res.Stderr),
		}
	}
	return res, nil
}

func parseInspect(line string) (Status, error) {
	parts := strings.SplitN(strings.TrimSpace(line), "|", 3)
	if len(parts) != 3 {
		return Status{}, fmt.Errorf("unexpected inspect output %q", line)
	}
	running, err := strconv.ParseBool(parts[0])
	if err != nil {
		return Status{}, fmt.Errorf("parse running flag %q: %w", parts[0], err)
	}
	code, err := strconv.Atoi(parts[1])
	if err != nil {
		return Status{}, fmt.Errorf("parse exit code %q: %w", parts[1], err)
	}
	status := Status{Running: running, ExitCode: code}
	if raw := strings.TrimSpace(parts[2]); raw != "" && raw != "null" {
		var ports nat.PortMap
		if err := json.Unmarshal([]byte(raw), &ports); err != nil {
			return Status{}, fmt.Errorf("parse ports: %w", err)
		}
		status.Ports = FormatPorts(ports)
	}
	return status, nil
}

type cliLogStream struct {
	handle *process.Handle
}

func (s *cliLogStream) Logs() <-chan runtime.LogEntry {
	return s.handle.Logs()
}

func (s *cliLogStream) Close() error {
	err := s.handle.Kill()
	if errors.Is(err, process.ErrAlreadyExited) {
		return nil
	}
	return err
}
