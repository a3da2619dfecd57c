package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
)

func TestNewHub(t *testing.T) {
	hub := NewHub()
	if hub == nil {
		t.Fatal("expected non-nil hub")
	}
	if hub.RoomSize("t1") != 0 {
		t.Fatalf("expected empty room, got %d", hub.RoomSize("t1"))
	}
}

func TestHubPublishNoConnections(t *testing.T) {
	hub := NewHub()

	// Publishing into an empty room should not panic.
	hub.Publish(context.Background(), "t1", EventSession, map[string]string{"key": "value"})
}

func TestHubPublishMarshalError(t *testing.T) {
	hub := NewHub()

	// A channel cannot be marshaled to JSON; should log and return, not panic.
	hub.Publish(context.Background(), "t1", "bad", make(chan int))
}

func TestHubJoinEmptyTaskID(t *testing.T) {
	hub := NewHub()

	_, cancel := context.WithCancel(context.Background())
	defer cancel()
	c := &conn{cancel: cancel}

	hub.join(context.Background(), c, "")
	if len(hub.rooms) != 0 {
		t.Fatalf("expected no rooms, got %d", len(hub.rooms))
	}
}

func TestHubLeaveRemovesEmptyRoom(t *testing.T) {
	hub := NewHub()

	_, cancel := context.WithCancel(context.Background())
	defer cancel()
	c := &conn{cancel: cancel}

	hub.join(context.Background(), c, "t1")
	if hub.RoomSize("t1") != 1 {
		t.Fatalf("expected 1 member, got %d", hub.RoomSize("t1"))
	}

	hub.leave(c, "t1")
	if hub.RoomSize("t1") != 0 {
		t.Fatalf("expected empty room, got %d", hub.RoomSize("t1"))
	}
	if _, ok := hub.rooms["t1"]; ok {
		t.Fatal("expected empty room to be deleted")
	}
}

func TestHubRemoveAllDropsEveryRoom(t *testing.T) {
	hub := NewHub()

	_, cancel := context.WithCancel(context.Background())
	c := &conn{cancel: cancel}

	hub.join(context.Background(), c, "t1")
	hub.join(context.Background(), c, "t2")

	hub.removeAll(c)
	if len(hub.rooms) != 0 {
		t.Fatalf("expected no rooms, got %d", len(hub.rooms))
	}
}

func TestHubJoinReplaysBuffer(t *testing.T) {
	hub := NewHub()
	hub.SetJoinHook(func(taskID string) []Message {
		return nil
	})

	_, cancel := context.WithCancel(context.Background())
	defer cancel()
	c := &conn{cancel: cancel}

	// An empty replay must still complete the join.
	hub.join(context.Background(), c, "t1")
	if hub.RoomSize("t1") != 1 {
		t.Fatalf("expected 1 member, got %d", hub.RoomSize("t1"))
	}
}

// dialHub serves the hub over a test server and connects one client.
func dialHub(t *testing.T, ctx context.Context, hub *Hub) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	t.Cleanup(srv.Close)

	c, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = c.Close(websocket.StatusNormalClosure, "") })
	return c
}

func waitForRoom(t *testing.T, hub *Hub, taskID string, size int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for hub.RoomSize(taskID) != size {
		if time.Now().After(deadline) {
			t.Fatalf("room %q never reached %d members", taskID, size)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestHandleWSIdleConnectionStaysOpen(t *testing.T) {
	hub := NewHub()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c := dialHub(t, ctx, hub)

	// A client that dials and does nothing must not be closed by the
	// server; the read should only time out.
	readCtx, readCancel := context.WithTimeout(ctx, 200*time.Millisecond)
	defer readCancel()
	_, _, err := c.Read(readCtx)
	if err == nil {
		t.Fatal("unexpected message on an idle connection")
	}
	if websocket.CloseStatus(err) != -1 {
		t.Fatalf("server closed an idle connection: %v", err)
	}
}

func TestHandleWSJoinAndReceive(t *testing.T) {
	hub := NewHub()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c := dialHub(t, ctx, hub)

	if err := c.Write(ctx, websocket.MessageText, []byte(`{"type":"join","task_id":"t1"}`)); err != nil {
		t.Fatalf("join write: %v", err)
	}
	waitForRoom(t, hub, "t1", 1)

	hub.Publish(ctx, "t1", EventSession, map[string]string{"key": "value"})

	_, data, err := c.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if msg.Type != EventSession || msg.TaskID != "t1" {
		t.Fatalf("got %+v", msg)
	}
}

func TestPublishInvokesBufferHook(t *testing.T) {
	hub := NewHub()
	var got []Message
	hub.SetBufferHook(func(taskID string, msg Message) {
		if taskID == "t1" {
			got = append(got, msg)
		}
	})

	// Buffering happens even with an empty room: a viewer joining later
	// replays the buffer.
	hub.Publish(context.Background(), "t1", EventSession, map[string]string{"key": "value"})

	if len(got) != 1 {
		t.Fatalf("buffer hook called %d times, want 1", len(got))
	}
	if got[0].Type != EventSession || got[0].TaskID != "t1" {
		t.Fatalf("buffered %+v", got[0])
	}
}
