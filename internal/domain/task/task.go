// Package task defines the Task domain entity.
package task

import "time"

// Status represents the current high-level state of a task.
type Status string

const (
	// StatusInactive means no sandbox exists and no turn is running.
	StatusInactive Status = "inactive"
	// StatusInitializing means a sandbox is being created or restored.
	StatusInitializing Status = "initializing"
	// StatusRunning means the agent subprocess is executing a turn.
	StatusRunning Status = "running"
	// StatusActive means the sandbox is up but the agent is idle.
	StatusActive Status = "active"
	// StatusCompleted means the last turn finished successfully.
	StatusCompleted Status = "completed"
	// StatusFailed means the last turn ended with an error.
	StatusFailed Status = "failed"
)

// Task is the unit of work: one conversation with one agent, executed in
// an ephemeral sandbox whose workspace survives between turns via archives.
type Task struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Title     string    `json:"title"`
	Status    Status    `json:"status"`
	SessionID *string   `json:"session_id,omitempty"` // resumable agent session, nil before first turn
	ArchiveID *string   `json:"archive_id,omitempty"` // most recent persisted workspace archive
	Workspace string    `json:"workspace"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Result summarizes a completed turn, taken from the agent's
// session_complete payload.
type Result struct {
	DurationMS    int64   `json:"duration_ms"`
	DurationAPIMS int64   `json:"duration_api_ms"`
	TotalCostUSD  float64 `json:"total_cost_usd"`
	NumTurns      int     `json:"num_turns"`
}

// CreateRequest holds the fields needed to create a new task.
type CreateRequest struct {
	UserID string `json:"user_id"`
	Title  string `json:"title"`
}
