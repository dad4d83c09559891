package process

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/Paintersrp/procman/internal/runtime"
)

var (
	// ErrCommandNotFound is returned when the program cannot be located.
	ErrCommandNotFound = errors.New("command not found")
	// ErrWorkingDirectoryMissing is returned when the requested cwd does not exist.
	ErrWorkingDirectoryMissing = errors.New("working directory missing")
	// ErrAlreadyExited is returned by Terminate and Kill once the process has ended.
	ErrAlreadyExited = errors.New("process already exited")
	// ErrTerminationTimedOut reports that the group ignored the cooperative
	// signal and was force killed.
	ErrTerminationTimedOut = errors.New("termination timed out")
)

const (
	defaultGrace    = 5 * time.Second
	defaultKillWait = 2 * time.Second
	logBuffer       = 256
	maxLineBytes    = 1 << 20
)

// Spec describes a program launch.
type Spec struct {
	Program string
	Args    []string
	Dir     string
	// Env entries are appended to the supervisor environment.
	Env []string
}

// SpecFromCommand tokenizes command with ParseCommand.
func SpecFromCommand(command, dir string) (Spec, error) {
	program, args, err := ParseCommand(command)
	if err != nil {
		return Spec{}, err
	}
	return Spec{Program: program, Args: args, Dir: dir}, nil
}

func (s Spec) String() string {
	return strings.TrimSpace(s.Program + " " + strings.Join(s.Args, " "))
}

// Runner launches processes in their own group.
type Runner struct {
	grace    time.Duration
	killWait time.Duration
}

// Option customises a Runner.
type Option func(*Runner)

// WithGrace sets how long Terminate waits after the cooperative signal
// before escalating to a forceful kill.
func WithGrace(d time.Duration) Option {
	return func(r *Runner) {
		if d > 0 {
			r.grace = d
		}
	}
}

// WithKillWait bounds the wait for exit after the forceful kill.
func WithKillWait(d time.Duration) Option {
	return func(r *Runner) {
		if d > 0 {
			r.killWait = d
		}
	}
}

// NewRunner constructs a Runner.
func NewRunner(opts ...Option) *Runner {
	r := &Runner{grace: defaultGrace, killWait: defaultKillWait}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Spawn starts spec without a shell and returns once the process is running.
// The returned handle's Logs channel must be drained.
func (r *Runner) Spawn(ctx context.Context, spec Spec) (*Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if spec.Program == "" {
		return nil, fmt.Errorf("%w: empty program", ErrInvalidCommand)
	}
	if spec.Dir != "" {
		info, err := os.Stat(spec.Dir)
		if err != nil || !info.IsDir() {
			return nil, fmt.Errorf("%w: %s", ErrWorkingDirectoryMissing, spec.Dir)
		}
	}

	cmd := exec.Command(spec.Program, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.Env = append(os.Environ(), spec.Env...)
	configureCmdSysProcAttr(cmd)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("%s stdout: %w", spec.Program, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("%s stderr: %w", spec.Program, err)
	}

	if err := cmd.Start(); err != nil {
		if errors.Is(err, exec.ErrNotFound) || errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrCommandNotFound, spec.Program)
		}
		return nil, fmt.Errorf("start %s: %w", spec.Program, err)
	}

	group, err := attachGroup(cmd)
	if err != nil {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
		return nil, fmt.Errorf("create process group for %s: %w", spec.Program, err)
	}

	h := &Handle{
		pid:      cmd.Process.Pid,
		spec:     spec,
		cmd:      cmd,
		group:    group,
		stdout:   stdout,
		stderr:   stderr,
		logs:     make(chan runtime.LogEntry, logBuffer),
		done:     make(chan struct{}),
		grace:    r.grace,
		killWait: r.killWait,
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go h.streamLogs(stdout, runtime.LogSourceStdout, &wg)
	go h.streamLogs(stderr, runtime.LogSourceStderr, &wg)
	go h.wait(&wg)

	return h, nil
}

// Result is the outcome of Run.
type Result struct {
	ExitCode int
	Stdout   []string
	Stderr   []string
}

// Run spawns spec and waits for it to finish, collecting its output. When ctx
// ends first the process group is killed and ctx.Err is returned.
func (r *Runner) Run(ctx context.Context, spec Spec) (Result, error) {
	h, err := r.Spawn(ctx, spec)
	if err != nil {
		return Result{}, err
	}

	var res Result
	collected := make(chan struct{})
	go func() {
		defer close(collected)
		for entry := range h.Logs() {
			switch entry.Source {
			case runtime.LogSourceStderr:
				res.Stderr = append(res.Stderr, entry.Message)
			case runtime.LogSourceStdout:
				res.Stdout = append(res.Stdout, entry.Message)
			}
		}
	}()

	select {
	case <-h.Done():
	case <-ctx.Done():
		_ = h.Kill()
		<-h.Done()
		<-collected
		return Result{ExitCode: h.ExitCode()}, ctx.Err()
	}
	<-collected
	res.ExitCode = h.ExitCode()
	return res, nil
}

// Handle is a running process and its group.
type Handle struct {
	pid      int
	spec     Spec
	cmd      *exec.Cmd
	group    processGroup
	stdout   io.ReadCloser
	stderr   io.ReadCloser
	logs     chan runtime.LogEntry
	done     chan struct{}
	grace    time.Duration
	killWait time.Duration

	exitCode int
	waitErr  error

	termOnce sync.Once
	termErr  error
}

// PID returns the root process id, which is also the group id on unix.
func (h *Handle) PID() int { return h.pid }

// Spec returns the launch description.
func (h *Handle) Spec() Spec { return h.spec }

// Logs streams stdout and stderr lines. It is closed after both streams reach
// EOF and the process has been reaped.
func (h *Handle) Logs() <-chan runtime.LogEntry { return h.logs }

// Done is closed once the process has exited and its streams are closed.
func (h *Handle) Done() <-chan struct{} { return h.done }

// ExitCode is valid after Done. Signalled processes report 128+signal on unix.
func (h *Handle) ExitCode() int {
	select {
	case <-h.done:
		return h.exitCode
	default:
		return -1
	}
}

// Err returns the error reported by the wait, nil for a clean exit.
func (h *Handle) Err() error {
	select {
	case <-h.done:
		return h.waitErr
	default:
		return nil
	}
}

// Exited reports whether the process has ended.
func (h *Handle) Exited() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

// Terminate stops the whole group: a cooperative signal first, then a forceful
// kill once the grace period or ctx expires. ErrTerminationTimedOut is
// returned when escalation was needed; the process is gone either way. Calls
// made after the process ended return ErrAlreadyExited.
func (h *Handle) Terminate(ctx context.Context) error {
	if h.Exited() {
		return ErrAlreadyExited
	}
	ran := false
	h.termOnce.Do(func() {
		ran = true
		h.termErr = h.terminate(ctx)
	})
	if !ran && h.Exited() {
		return ErrAlreadyExited
	}
	return h.termErr
}

// Kill force kills the group without a grace period.
func (h *Handle) Kill() error {
	if h.Exited() {
		return ErrAlreadyExited
	}
	_ = h.group.kill()
	return h.awaitKilled()
}

func (h *Handle) terminate(ctx context.Context) error {
	if err := h.group.terminate(); err != nil {
		if h.Exited() {
			return nil
		}
		_ = h.group.kill()
		return h.awaitKilled()
	}

	timer := time.NewTimer(h.grace)
	defer timer.Stop()
	select {
	case <-h.done:
		return nil
	case <-timer.C:
	case <-ctx.Done():
	}

	_ = h.group.kill()
	if err := h.awaitKilled(); err != nil {
		return err
	}
	return fmt.Errorf("%w: pid %d ignored the stop signal for %s", ErrTerminationTimedOut, h.pid, h.grace)
}

// awaitKilled waits for exit after a forceful kill. A descendant that escaped
// the group may still hold the output pipes open; closing our read ends lets
// the reap complete.
func (h *Handle) awaitKilled() error {
	timer := time.NewTimer(h.killWait)
	defer timer.Stop()
	select {
	case <-h.done:
		return nil
	case <-timer.C:
	}

	_ = h.stdout.Close()
	_ = h.stderr.Close()
	timer.Reset(h.killWait)
	select {
	case <-h.done:
		return nil
	case <-timer.C:
		return fmt.Errorf("%w: pid %d still running after kill", ErrTerminationTimedOut, h.pid)
	}
}

func (h *Handle) streamLogs(r io.Reader, source string, wg *sync.WaitGroup) {
	defer wg.Done()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r\n")
		h.logs <- runtime.NewLogEntry(source, line)
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, os.ErrClosed) {
		h.logs <- runtime.NewLogEntry(runtime.LogSourceSystem, fmt.Sprintf("[%s read error: %v]", source, err))
		_, _ = io.Copy(io.Discard, r)
	}
}

func (h *Handle) wait(wg *sync.WaitGroup) {
	wg.Wait()
	err := h.cmd.Wait()
	h.exitCode = exitCode(h.cmd.ProcessState)
	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		h.waitErr = err
	} else if err != nil {
		h.waitErr = fmt.Errorf("exit status %d", h.exitCode)
	}
	h.group.release()
	close(h.logs)
	close(h.done)
}
