package service

import (
	"sync"

	"github.com/moru-ai/shadow/internal/adapter/ws"
)

// StreamRegistry keeps the in-memory, per-task buffer of not-yet-final
// output for the current turn. A viewer that joins mid-turn replays this
// buffer instead of re-deriving state from storage. Buffers are not
// persisted: a process restart loses in-flight buffering but not the
// already-durable session events.
type StreamRegistry struct {
	mu      sync.Mutex
	streams map[string]*stream
}

type stream struct {
	buffer    []ws.Message
	streaming bool
}

// NewStreamRegistry creates an empty registry.
func NewStreamRegistry() *StreamRegistry {
	return &StreamRegistry{streams: make(map[string]*stream)}
}

// Start marks the task as streaming and resets its buffer.
func (r *StreamRegistry) Start(taskID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.streams[taskID] = &stream{streaming: true}
}

// Append adds one in-flight message to the task's buffer. No-op when the
// task is not streaming (terminal events are published but never
// buffered).
func (r *StreamRegistry) Append(taskID string, msg ws.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.streams[taskID]; ok && s.streaming {
		s.buffer = append(s.buffer, msg)
	}
}

// Snapshot returns a copy of the task's buffer and its streaming flag.
// The copy means joining viewers observe a consistent state even while
// the poller keeps appending.
func (r *StreamRegistry) Snapshot(taskID string) ([]ws.Message, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.streams[taskID]
	if !ok {
		return nil, false
	}
	out := make([]ws.Message, len(s.buffer))
	copy(out, s.buffer)
	return out, s.streaming
}

// Clear drops the task's buffer. Called when a terminal (complete/error)
// event is published.
func (r *StreamRegistry) Clear(taskID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.streams, taskID)
}

// BufferHook returns the function the hub invokes inside its fan-out
// critical section. Buffering there, rather than in the poller, keeps
// buffer growth atomic with delivery: a viewer joining mid-turn gets
// each session event exactly once, in the replay or live.
func (r *StreamRegistry) BufferHook() ws.BufferHook {
	return func(taskID string, msg ws.Message) {
		if msg.Type != ws.EventSession {
			return
		}
		r.Append(taskID, msg)
	}
}

// JoinHook returns the replay function the websocket hub calls for each
// joining viewer: the streaming flag first, then the full in-flight
// buffer.
func (r *StreamRegistry) JoinHook() ws.JoinHook {
	return func(taskID string) []ws.Message {
		buffer, streaming := r.Snapshot(taskID)

		state, err := marshalMessage(ws.EventStreamState, taskID, ws.StreamStateEvent{
			TaskID:    taskID,
			Streaming: streaming,
		})
		if err != nil {
			return buffer
		}
		return append([]ws.Message{state}, buffer...)
	}
}
