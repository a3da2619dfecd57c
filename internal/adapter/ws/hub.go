// Package ws implements the room-based WebSocket adapter for real-time
// client communication. Each task has one room; every member of a room
// observes that task's events in publish order.
package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"

	"github.com/coder/websocket"
)

// Message is the envelope for all WebSocket messages.
type Message struct {
	Type    string          `json:"type"`
	TaskID  string          `json:"task_id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// JoinHook produces the replay messages a viewer receives on joining a
// task's room, before any live event. The broadcast layer's stream buffer
// service installs it so late joiners catch up on in-flight output.
type JoinHook func(taskID string) []Message

// BufferHook records a published message into the in-flight buffer.
// Publish invokes it inside the same critical section as the room
// fan-out, so buffer growth and delivery are atomic with respect to a
// concurrent join: a viewer sees each message in the replay or live,
// never both and never neither.
type BufferHook func(taskID string, msg Message)

// conn wraps a single WebSocket connection.
type conn struct {
	ws     *websocket.Conn
	cancel context.CancelFunc

	// writeMu serializes writes to this connection: replay on join can
	// race a concurrent Publish.
	writeMu sync.Mutex
}

func (c *conn) write(ctx context.Context, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.Write(ctx, websocket.MessageText, data)
}

// Hub manages rooms of WebSocket connections keyed by task ID.
type Hub struct {
	mu         sync.Mutex
	rooms      map[string]map[*conn]struct{}
	joinHook   JoinHook
	bufferHook BufferHook
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{rooms: make(map[string]map[*conn]struct{})}
}

// SetJoinHook installs the replay hook. Must be called before serving.
func (h *Hub) SetJoinHook(hook JoinHook) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.joinHook = hook
}

// SetBufferHook installs the buffer hook. Must be called before serving.
func (h *Hub) SetBufferHook(hook BufferHook) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.bufferHook = hook
}

// HandleWS upgrades the request to a WebSocket connection and serves the
// join/leave protocol until the client disconnects.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true, // CORS handled by middleware
	})
	if err != nil {
		slog.Error("websocket accept failed", "error", err)
		return
	}

	// The serve loop runs synchronously: net/http cancels r.Context()
	// the moment ServeHTTP returns, which would kill the connection.
	ctx, cancel := context.WithCancel(r.Context())
	c := &conn{ws: ws, cancel: cancel}

	slog.Info("websocket connected", "remote", r.RemoteAddr)

	defer func() {
		h.removeAll(c)
		_ = ws.Close(websocket.StatusNormalClosure, "")
	}()
	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			return
		}

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			slog.Debug("ignoring malformed client message", "error", err)
			continue
		}
		switch msg.Type {
		case "join":
			h.join(ctx, c, msg.TaskID)
		case "leave":
			h.leave(c, msg.TaskID)
		default:
			slog.Debug("ignoring unknown client message", "type", msg.Type)
		}
	}
}

// join adds the connection to a task's room and replays the task's
// in-flight buffer to it. The replay is computed and sent while the room
// lock is held so the viewer cannot miss an event published between the
// snapshot and membership taking effect.
func (h *Hub) join(ctx context.Context, c *conn, taskID string) {
	if taskID == "" {
		return
	}

	h.mu.Lock()
	room, ok := h.rooms[taskID]
	if !ok {
		room = make(map[*conn]struct{})
		h.rooms[taskID] = room
	}
	room[c] = struct{}{}
	hook := h.joinHook

	var replay []Message
	if hook != nil {
		replay = hook(taskID)
	}

	// Replay is written before the room lock is released: a Publish racing
	// this join would otherwise deliver a live event ahead of the replay
	// that already contains it.
	var failed bool
	for _, msg := range replay {
		data, err := json.Marshal(msg)
		if err != nil {
			slog.Error("marshal replay message", "error", err)
			continue
		}
		if err := c.write(ctx, data); err != nil {
			slog.Debug("replay write failed", "error", err)
			failed = true
			break
		}
	}
	h.mu.Unlock()

	if failed {
		h.removeAll(c)
	}
}

func (h *Hub) leave(c *conn, taskID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if room, ok := h.rooms[taskID]; ok {
		delete(room, c)
		if len(room) == 0 {
			delete(h.rooms, taskID)
		}
	}
}

// Publish sends a typed event to all current members of the task's room.
// Implements broadcast.Broadcaster. Buffering and fan-out happen under
// the hub lock, so all members observe a task's events in the same
// relative order and a join racing a publish replays the buffer either
// with or without this message, matching whether the live delivery
// reaches that viewer.
func (h *Hub) Publish(ctx context.Context, taskID, eventType string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		slog.Error("marshal ws event payload", "type", eventType, "error", err)
		return
	}
	m := Message{Type: eventType, TaskID: taskID, Payload: data}
	raw, err := json.Marshal(m)
	if err != nil {
		slog.Error("marshal ws envelope", "type", eventType, "error", err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.bufferHook != nil {
		h.bufferHook(taskID, m)
	}
	for c := range h.rooms[taskID] {
		if err := c.write(ctx, raw); err != nil {
			slog.Debug("websocket write failed", "error", err)
			go h.removeAll(c)
		}
	}
}

// RoomSize returns the number of viewers joined to a task's room.
func (h *Hub) RoomSize(taskID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.rooms[taskID])
}

// removeAll drops the connection from every room and cancels its context.
func (h *Hub) removeAll(c *conn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for taskID, room := range h.rooms {
		if _, ok := room[c]; ok {
			delete(room, c)
			if len(room) == 0 {
				delete(h.rooms, taskID)
			}
		}
	}
	c.cancel()
}
