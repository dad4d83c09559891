package docker

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"sync"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/Paintersrp/procman/internal/runtime"
)

// API drives containers through the Engine API using DOCKER_HOST and the
// related environment variables.
type API struct {
	client     *client.Client
	clientOnce sync.Once
	clientErr  error
}

// NewAPI returns a driver that connects lazily on first use.
func NewAPI() *API {
	return &API{}
}

func (a *API) getClient() (*client.Client, error) {
	a.clientOnce.Do(func() {
		cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
		if err != nil {
			a.clientErr = err
			return
		}
		a.client = cli
	})
	return a.client, a.clientErr
}

func (a *API) Start(ctx context.Context, name string) error {
	cli, err := a.getClient()
	if err != nil {
		return apiError(name, "start", err)
	}
	if err := cli.ContainerStart(ctx, name, types.ContainerStartOptions{}); err != nil {
		return apiError(name, "start", err)
	}
	return nil
}

func (a *API) Stop(ctx context.Context, name string) error {
	cli, err := a.getClient()
	if err != nil {
		return apiError(name, "stop", err)
	}
	if err := cli.ContainerStop(ctx, name, container.StopOptions{}); err != nil {
		return apiError(name, "stop", err)
	}
	return nil
}

func (a *API) Restart(ctx context.Context, name string) error {
	cli, err := a.getClient()
	if err != nil {
		return apiError(name, "restart", err)
	}
	if err := cli.ContainerRestart(ctx, name, container.StopOptions{}); err != nil {
		return apiError(name, "restart", err)
	}
	return nil
}

func (a *API) Inspect(ctx context.Context, name string) (Status, error) {
	cli, err := a.getClient()
	if err != nil {
		return Status{}, apiError(name, "inspect", err)
	}
	info, err := cli.ContainerInspect(ctx, name)
	if err != nil {
		return Status{}, apiError(name, "inspect", err)
	}
	var status Status
	if info.ContainerJSONBase != nil && info.State != nil {
		status.Running = info.State.Running
		status.ExitCode = info.State.ExitCode
	}
	if info.NetworkSettings != nil {
		status.Ports = FormatPorts(info.NetworkSettings.Ports)
	}
	return status, nil
}

func (a *API) Logs(ctx context.Context, name string, tail int) (LogStream, error) {
	cli, err := a.getClient()
	if err != nil {
		return nil, apiError(name, "logs", err)
	}
	tty := false
	if info, err := cli.ContainerInspect(ctx, name); err == nil && info.Config != nil {
		tty = info.Config.Tty
	}

	logCtx, cancel := context.WithCancel(context.Background())
	reader, err := cli.ContainerLogs(logCtx, name, types.ContainerLogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     true,
		Tail:       strconv.Itoa(tail),
	})
	if err != nil {
		cancel()
		return nil, apiError(name, "logs", err)
	}

	stream := &apiLogStream{
		logs:   make(chan runtime.LogEntry, 64),
		cancel: cancel,
		reader: reader,
		done:   make(chan struct{}),
	}
	go stream.pump(logCtx, tty)
	return stream, nil
}

func apiError(name, action string, err error) error {
	ce := &CommandError{Container: name, Action: action, ExitCode: -1, StderrTail: err.Error(), Err: err}
	if client.IsErrNotFound(err) {
		ce.StderrTail = fmt.Sprintf("no such container: %s", name)
	}
	return ce
}

type apiLogStream struct {
	logs      chan runtime.LogEntry
	cancel    context.CancelFunc
	reader    io.ReadCloser
	done      chan struct{}
	closeOnce sync.Once
}

func (s *apiLogStream) pump(ctx context.Context, tty bool) {
	defer close(s.done)
	defer close(s.logs)
	stdout := newLogWriter(ctx, s.logs, runtime.LogSourceStdout)
	stderr := newLogWriter(ctx, s.logs, runtime.LogSourceStderr)
	if tty {
		_, _ = io.Copy(stdout, s.reader)
	} else {
		_, _ = stdcopy.StdCopy(stdout, stderr, s.reader)
	}
	stdout.Close()
	stderr.Close()
}

func (s *apiLogStream) Logs() <-chan runtime.LogEntry {
	return s.logs
}

func (s *apiLogStream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.cancel()
		err = s.reader.Close()
		<-s.done
	})
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// logWriter splits a byte stream into LogEntry lines.
type logWriter struct {
	ctx    context.Context
	ch     chan<- runtime.LogEntry
	source string
	buf    bytes.Buffer
	mu     sync.Mutex
}

func newLogWriter(ctx context.Context, ch chan<- runtime.LogEntry, source string) *logWriter {
	return &logWriter{ctx: ctx, ch: ch, source: source}
}

func (w *logWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	total := len(p)
	reader := bufio.NewReader(bytes.NewReader(p))
	for {
		segment, err := reader.ReadBytes('\n')
		if len(segment) > 0 {
			if segment[len(segment)-1] == '\n' {
				w.buf.Write(bytes.TrimRight(segment, "\r\n"))
				w.emit(w.buf.String())
				w.buf.Reset()
			} else {
				w.buf.Write(segment)
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return total, err
		}
	}
	return total, nil
}

func (w *logWriter) emit(line string) {
	if line == "" {
		return
	}
	select {
	case w.ch <- runtime.NewLogEntry(w.source, line):
	case <-w.ctx.Done():
	}
}

// Close flushes a trailing partial line.
func (w *logWriter) Close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.buf.Len() == 0 {
		return
	}
	w.emit(w.buf.String())
	w.buf.Reset()
}
