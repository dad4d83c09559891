package httpapi

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/Paintersrp/procman/internal/logstream"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
}

// dropNotice tells a websocket client that live lines were lost.
type dropNotice struct {
	Type    string `json:"type"`
	Dropped uint64 `json:"dropped"`
}

// handleLogsSocket replays the buffer after ?after=seq and then streams live
// lines as JSON text frames until either side goes away.
func (s *Server) handleLogsSocket(w http.ResponseWriter, r *http.Request) {
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
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	sub := s.ctrl.Logs().Subscribe(id, after)
	defer sub.Close()
	closed := readUntilClose(conn)

	for _, line := range sub.Backlog {
		if err := writeFrame(conn, line); err != nil {
			return
		}
	}

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	var reported uint64
	for {
		select {
		case line, ok := <-sub.C():
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "entry removed"), time.Now().Add(writeWait))
				return
			}
			if dropped := sub.Dropped(); dropped > reported {
				reported = dropped
				if err := writeFrame(conn, dropNotice{Type: "dropped", Dropped: dropped}); err != nil {
					return
				}
			}
			if err := writeFrame(conn, line); err != nil {
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case <-closed:
			return
		case <-r.Context().Done():
			return
		}
	}
}

// handleEventsSocket streams lifecycle events.
func (s *Server) handleEventsSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	sub := s.ctrl.Events().Subscribe(logstream.DefaultSubscriberBuffer)
	defer sub.Close()
	closed := readUntilClose(conn)

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case evt, ok := <-sub.C():
			if !ok {
				return
			}
			if err := writeFrame(conn, evt); err != nil {
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case <-closed:
			return
		case <-r.Context().Done():
			return
		}
	}
}

func writeFrame(conn *websocket.Conn, payload any) error {
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(payload)
}

// readUntilClose consumes client frames so control messages are processed,
// and closes the returned channel once the client disconnects.
func readUntilClose(conn *websocket.Conn) <-chan struct{} {
	closed := make(chan struct{})
	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
	return closed
}
