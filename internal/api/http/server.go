package httpapi

import (
	stdcontext "context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/Paintersrp/procman/internal/api"
	"github.com/Paintersrp/procman/internal/engine"
	"github.com/Paintersrp/procman/internal/logger"
	"github.com/Paintersrp/procman/internal/metrics"
	"github.com/Paintersrp/procman/internal/registry"
)

const (
	defaultAddr            = "127.0.0.1:7663"
	defaultReadHeader      = 5 * time.Second
	defaultShutdownTimeout = 5 * time.Second
	defaultWaitTimeout     = time.Minute
	maxBodyBytes           = 1 << 20
)

// Config controls construction of the API server.
type Config struct {
	Addr              string
	Controller        api.Controller
	Listener          net.Listener
	Logger            *logger.Logger
	ReadHeaderTimeout time.Duration
	ShutdownTimeout   time.Duration
}

// Server wraps an http.Server exposing supervisor controls.
type Server struct {
	ctrl            api.Controller
	srv             *http.Server
	listener        net.Listener
	log             *logger.Logger
	shutdownTimeout time.Duration
}

// NewServer constructs a Server with sane defaults.
func NewServer(cfg Config) (*Server, error) {
	if isNil(cfg.Controller) {
		return nil, fmt.Errorf("controller is required, got %T", cfg.Controller)
	}
	addr := normalizeAddr(cfg.Addr)
	mux := http.NewServeMux()
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
	}
	if srv.ReadHeaderTimeout == 0 {
		srv.ReadHeaderTimeout = defaultReadHeader
	}
	log := cfg.Logger
	if log == nil {
		log = logger.Nop()
	}
	server := &Server{
		ctrl:            cfg.Controller,
		srv:             srv,
		listener:        cfg.Listener,
		log:             log.WithComponent("api"),
		shutdownTimeout: cfg.ShutdownTimeout,
	}
	if server.shutdownTimeout == 0 {
		server.shutdownTimeout = defaultShutdownTimeout
	}
	server.registerRoutes(mux)
	return server, nil
}

func isNil(ctrl api.Controller) bool {
	if ctrl == nil {
		return true
	}
	v := reflect.ValueOf(ctrl)
	return v.Kind() == reflect.Pointer && v.IsNil()
}

// Run starts serving until the provided context is cancelled.
func (s *Server) Run(ctx stdcontext.Context) error {
	if ctx == nil {
		ctx = stdcontext.Background()
	}
	errCh := make(chan error, 1)
	stop := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			shutdownCtx, cancel := stdcontext.WithTimeout(stdcontext.Background(), s.shutdownTimeout)
			defer cancel()
			_ = s.srv.Shutdown(shutdownCtx)
		case <-stop:
		}
	}()

	go func() {
		var err error
		if s.listener != nil {
			err = s.srv.Serve(s.listener)
		} else {
			err = s.srv.ListenAndServe()
		}
		errCh <- err
	}()

	err := <-errCh
	close(stop)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Addr returns the listen address.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.srv.Addr
}

// Handler exposes the routes, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.srv.Handler
}

func (s *Server) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/v1/status", s.handleStatus)
	mux.HandleFunc("GET /api/v1/entries", s.handleList)
	mux.HandleFunc("POST /api/v1/entries", s.handleAdd)
	mux.HandleFunc("GET /api/v1/entries/{id}", s.handleGet)
	mux.HandleFunc("PATCH /api/v1/entries/{id}", s.handleUpdate)
	mux.HandleFunc("DELETE /api/v1/entries/{id}", s.handleRemove)
	mux.HandleFunc("POST /api/v1/entries/{id}/{action}", s.handleAction)
	mux.HandleFunc("POST /api/v1/bulk/{action}", s.handleBulk)
	mux.HandleFunc("GET /api/v1/entries/{id}/logs", s.handleLogs)
	mux.HandleFunc("GET /api/v1/entries/{id}/logs/ws", s.handleLogsSocket)
	mux.HandleFunc("GET /api/v1/events/ws", s.handleEventsSocket)
	mux.Handle("GET /metrics", promhttp.HandlerFor(metrics.Registry(), promhttp.HandlerOpts{}))
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, api.NewStatusReport(s.ctrl.StackName(), s.ctrl.List()))
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	report := api.NewStatusReport(s.ctrl.StackName(), s.ctrl.List())
	s.writeJSON(w, http.StatusOK, map[string]any{"entries": report.Entries})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	snap, err := s.ctrl.Get(id)
	if err != nil {
		s.writeErrorWithDetails(w, err, map[string]any{"id": id})
		return
	}
	s.writeJSON(w, http.StatusOK, api.NewEntryReport(snap))
}

func (s *Server) handleAdd(w http.ResponseWriter, r *http.Request) {
	var patch api.EntryPatch
	if err := decodeBody(w, r, &patch); err != nil {
		s.writeError(w, err)
		return
	}
	entry, err := s.ctrl.Add(patch.Entry())
	if err != nil {
		s.writeError(w, err)
		return
	}
	snap, err := s.ctrl.Get(entry.ID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, api.NewEntryReport(snap))
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var patch api.EntryPatch
	if err := decodeBody(w, r, &patch); err != nil {
		s.writeErrorWithDetails(w, err, map[string]any{"id": id})
		return
	}
	if _, err := s.ctrl.Update(id, patch.Fields()); err != nil {
		s.writeErrorWithDetails(w, err, map[string]any{"id": id})
		return
	}
	s.handleGet(w, r)
}

func (s *Server) handleRemove(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	t, err := s.ctrl.Remove(r.Context(), id)
	s.respondTransition(w, r, id, t, err)
}

func (s *Server) handleAction(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	action := r.PathValue("action")
	var (
		t   *engine.Transition
		err error
	)
	switch action {
	case "start":
		t, err = s.ctrl.Start(r.Context(), id)
	case "stop":
		t, err = s.ctrl.Stop(r.Context(), id)
	case "restart":
		t, err = s.ctrl.Restart(r.Context(), id)
	case "acknowledge":
		rt, ackErr := s.ctrl.Acknowledge(id)
		if ackErr != nil {
			s.writeErrorWithDetails(w, ackErr, map[string]any{"id": id})
			return
		}
		s.writeJSON(w, http.StatusOK, api.TransitionResult{ID: id, Op: action, State: rt.State.String()})
		return
	default:
		s.writeJSON(w, http.StatusNotFound, errorBody{Code: "unknown_action", Message: fmt.Sprintf("unknown action %q", action)})
		return
	}
	s.respondTransition(w, r, id, t, err)
}

// respondTransition answers 202 for an accepted intent, or waits for it when
// the request asks with ?wait=true.
func (s *Server) respondTransition(w http.ResponseWriter, r *http.Request, id string, t *engine.Transition, err error) {
	if err != nil {
		s.writeErrorWithDetails(w, err, map[string]any{"id": id})
		return
	}
	result := api.TransitionResult{ID: id, Op: string(t.Op()), Pending: true}
	status := http.StatusAccepted
	if wait, _ := strconv.ParseBool(r.URL.Query().Get("wait")); wait {
		ctx, cancel := stdcontext.WithTimeout(r.Context(), defaultWaitTimeout)
		defer cancel()
		if err := t.Wait(ctx); err != nil {
			s.writeErrorWithDetails(w, err, map[string]any{"id": id, "op": result.Op})
			return
		}
		result.Pending = false
		status = http.StatusOK
	}
	if snap, getErr := s.ctrl.Get(id); getErr == nil {
		result.State = snap.Runtime.State.String()
	} else if t.Op() == registry.OpRemove && !result.Pending {
		result.State = "Removed"
	}
	s.writeJSON(w, status, result)
}

func (s *Server) handleBulk(w http.ResponseWriter, r *http.Request) {
	var outcomes []engine.Outcome
	switch action := r.PathValue("action"); action {
	case "start":
		outcomes = s.ctrl.StartAll(r.Context())
	case "stop":
		outcomes = s.ctrl.StopAll(r.Context())
	case "restart":
		outcomes = s.ctrl.RestartAll(r.Context())
	default:
		s.writeJSON(w, http.StatusNotFound, errorBody{Code: "unknown_action", Message: fmt.Sprintf("unknown bulk action %q", action)})
		return
	}
	failed := 0
	for _, o := range outcomes {
		if o.Failed() {
			failed++
		}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"outcomes": outcomes, "failed": failed})
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.ctrl.Get(id); err != nil {
		s.writeErrorWithDetails(w, err, map[string]any{"id": id})
		return
	}
	after, err := parseAfter(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	logs := s.ctrl.Logs()
	lines := logs.Lines(id, after)
	if limit, convErr := strconv.Atoi(r.URL.Query().Get("limit")); convErr == nil && limit >= 0 && len(lines) > limit {
		lines = lines[len(lines)-limit:]
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"id": id, "lines": lines, "last_seq": logs.LastSeq(id)})
}

var errBadRequest = errors.New("bad request")

func parseAfter(r *http.Request) (uint64, error) {
	raw := r.URL.Query().Get("after")
	if raw == "" {
		return 0, nil
	}
	after, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: after must be a sequence number", errBadRequest)
	}
	return after, nil
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("%w: %v", errBadRequest, err)
	}
	return nil
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}

type errorBody struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Details interface{} `json:"details"`
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	s.writeErrorWithDetails(w, err, nil)
}

func (s *Server) writeErrorWithDetails(w http.ResponseWriter, err error, extra map[string]any) {
	status, code := classifyError(err)
	details := map[string]any{
		"timestamp": time.Now().UTC(),
	}
	for k, v := range extra {
		details[k] = v
	}
	if status >= http.StatusInternalServerError {
		s.log.Warn("request failed", zap.String("code", code), zap.Error(err))
	}
	body := errorBody{
		Code:    code,
		Message: err.Error(),
		Details: details,
	}
	s.writeJSON(w, status, body)
}

func classifyError(err error) (int, string) {
	switch {
	case errors.Is(err, stdcontext.Canceled):
		return 499, "context_canceled"
	case errors.Is(err, stdcontext.DeadlineExceeded):
		return http.StatusGatewayTimeout, "timeout"
	case errors.Is(err, api.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, api.ErrEntryBusy):
		return http.StatusConflict, "entry_busy"
	case errors.Is(err, api.ErrNotRunning):
		return http.StatusConflict, "not_running"
	case errors.Is(err, api.ErrInvalidEntry):
		return http.StatusBadRequest, "invalid_entry"
	case errors.Is(err, errBadRequest):
		return http.StatusBadRequest, "bad_request"
	case errors.Is(err, api.ErrCommandNotFound):
		return http.StatusUnprocessableEntity, "command_not_found"
	case errors.Is(err, api.ErrWorkingDirectoryMissing):
		return http.StatusUnprocessableEntity, "working_directory_missing"
	case errors.Is(err, api.ErrDockerCommandFailed):
		return http.StatusBadGateway, "docker_command_failed"
	case errors.Is(err, api.ErrShuttingDown):
		return http.StatusServiceUnavailable, "shutting_down"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

func normalizeAddr(addr string) string {
	if strings.TrimSpace(addr) == "" {
		return defaultAddr
	}
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		// If parsing failed, trust caller.
		return addr
	}
	if host == "" {
		host = "127.0.0.1"
	}
	return net.JoinHostPort(host, port)
}
