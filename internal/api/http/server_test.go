package httpapi

import (
	stdcontext "context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	goruntime "runtime"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Paintersrp/procman/internal/api"
	"github.com/Paintersrp/procman/internal/config"
	"github.com/Paintersrp/procman/internal/engine"
	"github.com/Paintersrp/procman/internal/logger"
	"github.com/Paintersrp/procman/internal/logstream"
	"github.com/Paintersrp/procman/internal/metrics"
	"github.com/Paintersrp/procman/internal/registry"
	"github.com/Paintersrp/procman/internal/runtime"
	"github.com/Paintersrp/procman/internal/runtime/docker"
	"github.com/Paintersrp/procman/internal/runtime/process"
)

type stubDocker struct {
	startErr error
}

func (d *stubDocker) Start(stdcontext.Context, string) error   { return d.startErr }
func (d *stubDocker) Stop(stdcontext.Context, string) error    { return nil }
func (d *stubDocker) Restart(stdcontext.Context, string) error { return nil }

func (d *stubDocker) Inspect(stdcontext.Context, string) (docker.Status, error) {
	return docker.Status{Running: true}, nil
}

func (d *stubDocker) Logs(stdcontext.Context, string, int) (docker.LogStream, error) {
	return nil, errors.New("logs unavailable")
}

func newTestServer(t *testing.T, entries ...config.ProcessEntry) (*Server, *engine.Supervisor) {
	t.Helper()
	reg, err := registry.New(&config.File{StackName: "demo", Processes: entries}, nil)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	sup, err := engine.New(engine.Options{
		Registry: reg,
		Runner:   process.NewRunner(process.WithGrace(time.Second)),
		Docker: &stubDocker{startErr: &docker.CommandError{
			Container: "missing-container", Action: "start", ExitCode: 1, StderrTail: "No such container",
		}},
		Logger: logger.Nop(),
		Config: engine.Config{ShutdownGrace: 2 * time.Second, PollInterval: time.Hour},
	})
	if err != nil {
		t.Fatalf("supervisor: %v", err)
	}
	t.Cleanup(func() { _ = sup.Shutdown(stdcontext.Background()) })
	server, err := NewServer(Config{Controller: sup})
	if err != nil {
		t.Fatalf("server: %v", err)
	}
	return server, sup
}

func do(t *testing.T, server *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) errorBody {
	t.Helper()
	var body errorBody
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	return body
}

func requireSh(t *testing.T) {
	t.Helper()
	if goruntime.GOOS == "windows" {
		t.Skip("uses sleep")
	}
}

func TestNewServerRejectsTypedNilController(t *testing.T) {
	var ctrl api.Controller = (*engine.Supervisor)(nil)
	_, err := NewServer(Config{Controller: ctrl})
	if err == nil {
		t.Fatalf("expected error when controller is typed nil")
	}
	if !strings.Contains(err.Error(), "Supervisor") {
		t.Fatalf("expected error to describe typed nil controller, got %v", err)
	}
}

func TestNormalizeAddr(t *testing.T) {
	t.Parallel()

	tests := map[string]string{
		"":           defaultAddr,
		":80":        "127.0.0.1:80",
		"0.0.0.0:80": "0.0.0.0:80",
		"[::]:80":    "[::]:80",
		"host:9000":  "host:9000",
		"[::1]:443":  "[::1]:443",
	}

	for input, expected := range tests {
		t.Run(fmt.Sprintf("%s->%s", input, expected), func(t *testing.T) {
			t.Parallel()
			if got := normalizeAddr(input); got != expected {
				t.Fatalf("normalizeAddr(%q)=%q, want %q", input, got, expected)
			}
		})
	}
}

func TestClassifyError(t *testing.T) {
	tests := []struct {
		err    error
		status int
		code   string
	}{
		{fmt.Errorf("%w: x", registry.ErrNotFound), http.StatusNotFound, "not_found"},
		{fmt.Errorf("%w: x", registry.ErrEntryBusy), http.StatusConflict, "entry_busy"},
		{fmt.Errorf("%w: x", engine.ErrNotRunning), http.StatusConflict, "not_running"},
		{fmt.Errorf("%w: x", config.ErrInvalidEntry), http.StatusBadRequest, "invalid_entry"},
		{fmt.Errorf("%w: x", process.ErrCommandNotFound), http.StatusUnprocessableEntity, "command_not_found"},
		{fmt.Errorf("%w: x", process.ErrWorkingDirectoryMissing), http.StatusUnprocessableEntity, "working_directory_missing"},
		{&docker.CommandError{Container: "db", Action: "stop", ExitCode: 1}, http.StatusBadGateway, "docker_command_failed"},
		{engine.ErrShuttingDown, http.StatusServiceUnavailable, "shutting_down"},
		{errors.New("boom"), http.StatusInternalServerError, "internal_error"},
	}
	for _, tc := range tests {
		status, code := classifyError(tc.err)
		if status != tc.status || code != tc.code {
			t.Fatalf("classifyError(%v) = %d %s, want %d %s", tc.err, status, code, tc.status, tc.code)
		}
	}
}

func TestHandleStatusPreservesOrder(t *testing.T) {
	server, _ := newTestServer(t,
		config.ProcessEntry{ID: "b", Name: "web", Command: "npm run dev", ProcessType: config.ProcessTypeProcess},
		config.ProcessEntry{ID: "a", Name: "db", Command: "postgres-dev", ProcessType: config.ProcessTypeDocker},
	)

	rec := do(t, server, http.MethodGet, "/api/v1/status", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 OK, got %d", rec.Code)
	}
	var body api.StatusReport
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("failed decoding response: %v", err)
	}
	if body.Stack != "demo" {
		t.Fatalf("expected stack 'demo', got %q", body.Stack)
	}
	if len(body.Entries) != 2 || body.Entries[0].ID != "b" || body.Entries[1].ID != "a" {
		t.Fatalf("unexpected entries: %+v", body.Entries)
	}
	if body.Entries[0].State != "Stopped" {
		t.Fatalf("expected Stopped, got %s", body.Entries[0].State)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	server, _ := newTestServer(t)
	rec := do(t, server, http.MethodDelete, "/api/v1/status", "")
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rec.Code)
	}
}

func TestAddAndUpdateEntries(t *testing.T) {
	server, _ := newTestServer(t)

	rec := do(t, server, http.MethodPost, "/api/v1/entries", `{"name":"api","command":"uv run server.py","working_directory":"/srv"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var created api.EntryReport
	if err := json.NewDecoder(rec.Body).Decode(&created); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if created.ID == "" || created.ProcessType != "Process" || created.State != "Stopped" {
		t.Fatalf("unexpected entry: %+v", created)
	}

	rec = do(t, server, http.MethodPatch, "/api/v1/entries/"+created.ID, `{"command":"uv run app.py"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var updated api.EntryReport
	if err := json.NewDecoder(rec.Body).Decode(&updated); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if updated.Command != "uv run app.py" || updated.Name != "api" {
		t.Fatalf("unexpected update: %+v", updated)
	}

	rec = do(t, server, http.MethodPost, "/api/v1/entries", `{"name":"","command":"x"}`)
	if rec.Code != http.StatusBadRequest || decodeError(t, rec).Code != "invalid_entry" {
		t.Fatalf("expected invalid_entry, got %d", rec.Code)
	}

	rec = do(t, server, http.MethodPost, "/api/v1/entries", `{"name":"x","command":"y","shell":true}`)
	if rec.Code != http.StatusBadRequest || decodeError(t, rec).Code != "bad_request" {
		t.Fatalf("expected bad_request for unknown field, got %d", rec.Code)
	}

	rec = do(t, server, http.MethodGet, "/api/v1/entries/nope", "")
	if rec.Code != http.StatusNotFound || decodeError(t, rec).Code != "not_found" {
		t.Fatalf("expected not_found, got %d", rec.Code)
	}
}

func TestLifecycleActions(t *testing.T) {
	requireSh(t)
	server, sup := newTestServer(t,
		config.ProcessEntry{ID: "sleeper", Name: "sleeper", Command: "sleep 30", ProcessType: config.ProcessTypeProcess},
		config.ProcessEntry{ID: "bad", Name: "bad", Command: "procman-missing-binary", ProcessType: config.ProcessTypeProcess},
		config.ProcessEntry{ID: "db", Name: "db", Command: "missing-container", ProcessType: config.ProcessTypeDocker},
	)

	rec := do(t, server, http.MethodPost, "/api/v1/entries/sleeper/start?wait=true", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var result api.TransitionResult
	if err := json.NewDecoder(rec.Body).Decode(&result); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if result.State != "Running" || result.Pending {
		t.Fatalf("unexpected result: %+v", result)
	}

	rec = do(t, server, http.MethodPost, "/api/v1/entries/sleeper/start", "")
	if rec.Code != http.StatusConflict || decodeError(t, rec).Code != "entry_busy" {
		t.Fatalf("expected entry_busy, got %d", rec.Code)
	}

	rec = do(t, server, http.MethodPatch, "/api/v1/entries/sleeper", `{"name":"renamed"}`)
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 editing a running entry, got %d", rec.Code)
	}

	rec = do(t, server, http.MethodPost, "/api/v1/entries/sleeper/stop?wait=true", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = do(t, server, http.MethodPost, "/api/v1/entries/sleeper/stop", "")
	if rec.Code != http.StatusConflict || decodeError(t, rec).Code != "not_running" {
		t.Fatalf("expected not_running, got %d", rec.Code)
	}

	rec = do(t, server, http.MethodPost, "/api/v1/entries/bad/start?wait=true", "")
	if rec.Code != http.StatusUnprocessableEntity || decodeError(t, rec).Code != "command_not_found" {
		t.Fatalf("expected command_not_found, got %d", rec.Code)
	}

	rec = do(t, server, http.MethodPost, "/api/v1/entries/db/start?wait=true", "")
	if rec.Code != http.StatusBadGateway || decodeError(t, rec).Code != "docker_command_failed" {
		t.Fatalf("expected docker_command_failed, got %d", rec.Code)
	}

	rec = do(t, server, http.MethodPost, "/api/v1/entries/bad/acknowledge", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if snap, _ := sup.Get("bad"); snap.Runtime.State != registry.Stopped {
		t.Fatalf("expected acknowledged entry to be Stopped, got %s", snap.Runtime.State)
	}

	rec = do(t, server, http.MethodPost, "/api/v1/entries/sleeper/explode", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown action, got %d", rec.Code)
	}

	rec = do(t, server, http.MethodDelete, "/api/v1/entries/sleeper?wait=true", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 removing entry, got %d: %s", rec.Code, rec.Body.String())
	}
	if _, err := sup.Get("sleeper"); !errors.Is(err, registry.ErrNotFound) {
		t.Fatalf("expected entry to be removed, got %v", err)
	}
}

func TestBulkRestartReportsEveryEntry(t *testing.T) {
	requireSh(t)
	server, _ := newTestServer(t,
		config.ProcessEntry{ID: "one", Name: "one", Command: "sleep 30", ProcessType: config.ProcessTypeProcess},
		config.ProcessEntry{ID: "bad", Name: "bad", Command: "procman-missing-binary", ProcessType: config.ProcessTypeProcess},
	)

	rec := do(t, server, http.MethodPost, "/api/v1/bulk/restart", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body struct {
		Outcomes []engine.Outcome `json:"outcomes"`
		Failed   int              `json:"failed"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Outcomes) != 2 || body.Failed != 1 {
		t.Fatalf("unexpected outcomes: %+v", body)
	}
	if body.Outcomes[0].State != registry.Running || body.Outcomes[1].Error == "" {
		t.Fatalf("unexpected outcomes: %+v", body.Outcomes)
	}
}

func TestLogsReplayAfterSequence(t *testing.T) {
	server, sup := newTestServer(t, config.ProcessEntry{ID: "a", Name: "a", Command: "run", ProcessType: config.ProcessTypeProcess})
	for i := 1; i <= 5; i++ {
		sup.Logs().Append("a", runtime.NewLogEntry(runtime.LogSourceStdout, fmt.Sprintf("line %d", i)))
	}

	rec := do(t, server, http.MethodGet, "/api/v1/entries/a/logs?after=3", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body struct {
		Lines   []logstream.Line `json:"lines"`
		LastSeq uint64           `json:"last_seq"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Lines) != 2 || body.Lines[0].Seq != 4 || body.Lines[1].Text != "line 5" || body.LastSeq != 5 {
		t.Fatalf("unexpected replay: %+v", body)
	}

	rec = do(t, server, http.MethodGet, "/api/v1/entries/a/logs?after=abc", "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad sequence, got %d", rec.Code)
	}
}

func TestLogsWebsocketReplaysThenStreams(t *testing.T) {
	server, sup := newTestServer(t, config.ProcessEntry{ID: "a", Name: "a", Command: "run", ProcessType: config.ProcessTypeProcess})
	for i := 1; i <= 3; i++ {
		sup.Logs().Append("a", runtime.NewLogEntry(runtime.LogSourceStdout, fmt.Sprintf("line %d", i)))
	}

	ts := httptest.NewServer(server.Handler())
	defer ts.Close()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/v1/entries/a/logs/ws?after=1"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var got []uint64
	for len(got) < 2 {
		var line logstream.Line
		if err := conn.ReadJSON(&line); err != nil {
			t.Fatalf("read backlog: %v", err)
		}
		got = append(got, line.Seq)
	}

	sup.Logs().Append("a", runtime.NewLogEntry(runtime.LogSourceStderr, "live"))
	var live logstream.Line
	if err := conn.ReadJSON(&live); err != nil {
		t.Fatalf("read live: %v", err)
	}
	got = append(got, live.Seq)
	if fmt.Sprint(got) != "[2 3 4]" || live.Text != "live" || live.Source != runtime.LogSourceStderr {
		t.Fatalf("unexpected stream %v, live %+v", got, live)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	server, _ := newTestServer(t)
	metrics.EmitBuildInfo()
	rec := do(t, server, http.MethodGet, "/metrics", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "procman_build_info{") {
		t.Fatalf("expected build info metric:\n%s", rec.Body.String())
	}
}
