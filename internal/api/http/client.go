package httpapi

import (
	"bytes"
	stdcontext "context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Paintersrp/procman/internal/api"
	"github.com/Paintersrp/procman/internal/engine"
	"github.com/Paintersrp/procman/internal/logstream"
)

// APIError is a non-2xx answer from the control API.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("control api: %d %s", e.Status, e.Code)
	}
	return e.Message
}

var codeErrors = map[string]error{
	"not_found":                 api.ErrNotFound,
	"entry_busy":                api.ErrEntryBusy,
	"not_running":               api.ErrNotRunning,
	"invalid_entry":             api.ErrInvalidEntry,
	"bad_request":               errBadRequest,
	"command_not_found":         api.ErrCommandNotFound,
	"working_directory_missing": api.ErrWorkingDirectoryMissing,
	"docker_command_failed":     api.ErrDockerCommandFailed,
	"shutting_down":             api.ErrShuttingDown,
	"timeout":                   stdcontext.DeadlineExceeded,
}

// Is maps the error code back onto the supervisor's sentinel errors.
func (e *APIError) Is(target error) bool {
	sentinel, ok := codeErrors[e.Code]
	return ok && sentinel == target
}

// BulkResult is the answer of a bulk action.
type BulkResult struct {
	Outcomes []engine.Outcome `json:"outcomes"`
	Failed   int              `json:"failed"`
}

// LogsPage is a replay of buffered lines.
type LogsPage struct {
	ID      string           `json:"id"`
	Lines   []logstream.Line `json:"lines"`
	LastSeq uint64           `json:"last_seq"`
}

// Client talks to a running control API.
type Client struct {
	base *url.URL
	http *http.Client
}

// NewClient targets addr, either host:port or a full http URL.
func NewClient(addr string) (*Client, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		addr = defaultAddr
	}
	if !strings.Contains(addr, "://") {
		addr = "http://" + normalizeAddr(addr)
	}
	base, err := url.Parse(addr)
	if err != nil {
		return nil, fmt.Errorf("parse api address: %w", err)
	}
	return &Client{base: base, http: &http.Client{Timeout: 2 * defaultWaitTimeout}}, nil
}

// BaseURL returns the API root.
func (c *Client) BaseURL() string {
	return c.base.String()
}

func (c *Client) url(path string, query url.Values) string {
	u := *c.base
	u.Path = strings.TrimSuffix(u.Path, "/") + path
	u.RawQuery = query.Encode()
	return u.String()
}

func (c *Client) do(ctx stdcontext.Context, method, path string, query url.Values, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.url(path, query), reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("control api unreachable at %s: %w", c.base.Host, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		var errBody errorBody
		if decodeErr := json.NewDecoder(resp.Body).Decode(&errBody); decodeErr != nil {
			return &APIError{Status: resp.StatusCode, Code: http.StatusText(resp.StatusCode)}
		}
		return &APIError{Status: resp.StatusCode, Code: errBody.Code, Message: errBody.Message}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func waitQuery(wait bool) url.Values {
	if !wait {
		return nil
	}
	return url.Values{"wait": []string{"true"}}
}

// Status returns every entry in declared order.
func (c *Client) Status(ctx stdcontext.Context) (*api.StatusReport, error) {
	var report api.StatusReport
	if err := c.do(ctx, http.MethodGet, "/api/v1/status", nil, nil, &report); err != nil {
		return nil, err
	}
	return &report, nil
}

// Get returns one entry.
func (c *Client) Get(ctx stdcontext.Context, id string) (api.EntryReport, error) {
	var report api.EntryReport
	err := c.do(ctx, http.MethodGet, "/api/v1/entries/"+url.PathEscape(id), nil, nil, &report)
	return report, err
}

// Add creates an entry.
func (c *Client) Add(ctx stdcontext.Context, patch api.EntryPatch) (api.EntryReport, error) {
	var report api.EntryReport
	err := c.do(ctx, http.MethodPost, "/api/v1/entries", nil, patch, &report)
	return report, err
}

// Update edits a Stopped entry.
func (c *Client) Update(ctx stdcontext.Context, id string, patch api.EntryPatch) (api.EntryReport, error) {
	var report api.EntryReport
	err := c.do(ctx, http.MethodPatch, "/api/v1/entries/"+url.PathEscape(id), nil, patch, &report)
	return report, err
}

// Remove stops and deletes an entry.
func (c *Client) Remove(ctx stdcontext.Context, id string, wait bool) (api.TransitionResult, error) {
	var result api.TransitionResult
	err := c.do(ctx, http.MethodDelete, "/api/v1/entries/"+url.PathEscape(id), waitQuery(wait), nil, &result)
	return result, err
}

// Action issues start, stop, restart or acknowledge for one entry.
func (c *Client) Action(ctx stdcontext.Context, id, action string, wait bool) (api.TransitionResult, error) {
	var result api.TransitionResult
	path := "/api/v1/entries/" + url.PathEscape(id) + "/" + action
	err := c.do(ctx, http.MethodPost, path, waitQuery(wait), nil, &result)
	return result, err
}

// Bulk issues start, stop or restart for every applicable entry.
func (c *Client) Bulk(ctx stdcontext.Context, action string) (BulkResult, error) {
	var result BulkResult
	err := c.do(ctx, http.MethodPost, "/api/v1/bulk/"+action, nil, nil, &result)
	return result, err
}

// Logs replays buffered lines newer than after. A negative limit returns
// everything buffered.
func (c *Client) Logs(ctx stdcontext.Context, id string, after uint64, limit int) (LogsPage, error) {
	query := url.Values{}
	if after > 0 {
		query.Set("after", strconv.FormatUint(after, 10))
	}
	if limit >= 0 {
		query.Set("limit", strconv.Itoa(limit))
	}
	var page LogsPage
	err := c.do(ctx, http.MethodGet, "/api/v1/entries/"+url.PathEscape(id)+"/logs", query, nil, &page)
	return page, err
}

// FollowLogs streams lines newer than after over a websocket until ctx ends
// or the entry is removed. Drop notices from the server are passed to onDrop.
func (c *Client) FollowLogs(ctx stdcontext.Context, id string, after uint64, onLine func(logstream.Line), onDrop func(uint64)) error {
	u := *c.base
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/api/v1/entries/" + url.PathEscape(id) + "/logs/ws"
	if after > 0 {
		u.RawQuery = url.Values{"after": []string{strconv.FormatUint(after, 10)}}.Encode()
	}

	dialer := websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	conn, resp, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		if resp != nil && resp.StatusCode >= http.StatusBadRequest {
			var errBody errorBody
			if json.NewDecoder(resp.Body).Decode(&errBody) == nil {
				return &APIError{Status: resp.StatusCode, Code: errBody.Code, Message: errBody.Message}
			}
		}
		return fmt.Errorf("follow logs: %w", err)
	}
	defer conn.Close()

	finished := make(chan struct{})
	defer close(finished)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			_ = conn.Close()
		case <-finished:
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return fmt.Errorf("follow logs: %w", err)
		}
		var notice dropNotice
		if json.Unmarshal(data, &notice) == nil && notice.Type == "dropped" {
			if onDrop != nil {
				onDrop(notice.Dropped)
			}
			continue
		}
		var line logstream.Line
		if err := json.Unmarshal(data, &line); err != nil {
			return fmt.Errorf("decode log line: %w", err)
		}
		onLine(line)
	}
}

// IsUnreachable reports whether err means no API answered at all.
func IsUnreachable(err error) bool {
	var apiErr *APIError
	return err != nil && !errors.As(err, &apiErr) && !errors.Is(err, stdcontext.Canceled)
}
