package ws

import (
	"github.com/moru-ai/shadow/internal/domain/fsevent"
	"github.com/moru-ai/shadow/internal/domain/todo"
)

// Event type constants for WebSocket messages.
const (
	EventSession     = "session.event"      // relayed session log event
	EventStreamState = "session.stream"     // streaming flag + replay marker
	EventLifecycle   = "session.lifecycle"  // started / complete / error / interrupted
	EventFSChanges   = "fs.changes"         // coalesced filesystem change batch
	EventFSTree      = "fs.tree"            // authoritative file tree override
	EventTodos       = "todos.updated"      // todo snapshot replaced
	EventTaskStatus  = "task.status"        // high-level task status change
)

// StreamStateEvent tells a (re)connecting viewer whether a turn is in
// flight so it can render "in progress" before the next live event.
type StreamStateEvent struct {
	TaskID    string `json:"task_id"`
	Streaming bool   `json:"streaming"`
}

// LifecycleEvent is broadcast on session lifecycle transitions.
type LifecycleEvent struct {
	TaskID    string  `json:"task_id"`
	SessionID string  `json:"session_id,omitempty"`
	Kind      string  `json:"kind"` // "started", "complete", "error", "interrupted", "timed_out"
	Message   string  `json:"message,omitempty"`
	CostUSD   float64 `json:"cost_usd,omitempty"`
	NumTurns  int     `json:"num_turns,omitempty"`
}

// FSChangesEvent carries one coalesced batch of filesystem changes.
type FSChangesEvent struct {
	TaskID  string           `json:"task_id"`
	Changes []fsevent.Change `json:"changes"`
}

// FSTreeEvent carries an authoritative file tree recomputed from the live
// sandbox, overriding whatever the viewer derived from change batches.
type FSTreeEvent struct {
	TaskID string        `json:"task_id"`
	Tree   *fsevent.Node `json:"tree"`
}

// TodosEvent carries the full todo snapshot after a replace.
type TodosEvent struct {
	TaskID string      `json:"task_id"`
	Todos  []todo.Item `json:"todos"`
}

// TaskStatusEvent is broadcast when a task's status changes.
type TaskStatusEvent struct {
	TaskID string `json:"task_id"`
	Status string `json:"status"`
}
