package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ashita-ai/kansoku/internal/model"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = (wsPongWait * 9) / 10
	wsReadLimit  = 64 << 10
)

var upgrader = websocket.Upgrader{
	// Origin checks belong to the deployment's proxy; authentication is out of scope here.
	CheckOrigin:     func(*http.Request) bool { return true },
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// wsMessage is a frame on the session socket. The server sends "snapshot"
// and "error" frames; clients may send "message" frames to post a user
// transcript line.
type wsMessage struct {
	Type     string          `json:"type"`
	Snapshot *model.Snapshot `json:"snapshot,omitempty"`
	Content  string          `json:"content,omitempty"`
	Error    string          `json:"error,omitempty"`
}

// HandleSessionWS handles GET /v1/sessions/{id}/ws. It pushes every
// snapshot as a JSON text frame and keeps the connection alive with pings.
func (h *Handlers) HandleSessionWS(w http.ResponseWriter, r *http.Request) {
	d, ok := h.session(w, r)
	if !ok {
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the error response.
		h.logger.Warn("websocket upgrade failed", "error", err, "request_id", RequestIDFromContext(r.Context()))
		return
	}
	defer func() { _ = conn.Close() }()

	sessionID := r.PathValue("id")
	logger := h.logger.With("session_id", sessionID)

	ch, unsubscribe := d.Subscribe()
	defer unsubscribe()

	// Writes are owned by the loop below; the read loop hands work back
	// to it over replies.
	replies := make(chan wsMessage, 4)
	readDone := make(chan struct{})
	writerDone := make(chan struct{})
	defer close(writerDone)
	reply := func(msg wsMessage) bool {
		select {
		case replies <- msg:
			return true
		case <-writerDone:
			return false
		}
	}
	go func() {
		defer close(readDone)
		conn.SetReadLimit(wsReadLimit)
		_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(wsPongWait))
		})
		for {
			var msg wsMessage
			if err := conn.ReadJSON(&msg); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					logger.Debug("websocket read ended", "error", err)
				}
				return
			}
			if msg.Type != "message" {
				if !reply(wsMessage{Type: "error", Error: "unknown message type: " + msg.Type}) {
					return
				}
				continue
			}
			if _, err := d.PostMessage(msg.Content); err != nil && !reply(wsMessage{Type: "error", Error: err.Error()}) {
				return
			}
		}
	}()

	ping := time.NewTicker(wsPingPeriod)
	defer ping.Stop()

	write := func(msg wsMessage) bool {
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		return conn.WriteJSON(msg) == nil
	}

	for {
		select {
		case <-r.Context().Done():
			return
		case <-readDone:
			return
		case msg := <-replies:
			if !write(msg) {
				return
			}
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case snap, ok := <-ch:
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session closed"),
					time.Now().Add(wsWriteWait))
				return
			}
			if !write(wsMessage{Type: "snapshot", Snapshot: &snap}) {
				return
			}
		}
	}
}

// snapshotSSE encodes a snapshot as a "snapshot" SSE event.
func snapshotSSE(snap model.Snapshot) ([]byte, error) {
	data, err := json.Marshal(snap)
	if err != nil {
		return nil, err
	}
	return formatSSE("snapshot", string(data)), nil
}
