// Package todo defines the agent's task-breakdown snapshot and the
// checkpoints that pin a snapshot to a point in the conversation.
package todo

import "time"

// ItemStatus is the completion state of a single todo item.
type ItemStatus string

const (
	StatusPending    ItemStatus = "pending"
	StatusInProgress ItemStatus = "in_progress"
	StatusCompleted  ItemStatus = "completed"
)

// Item is one entry in the agent's current task breakdown.
type Item struct {
	Content string     `json:"content"`
	Status  ItemStatus `json:"status"`
}

// Checkpoint pins a todo snapshot to a specific conversation message.
// Checkpoints are immutable: created once after a successful turn and
// never updated. Restoring looks up the latest checkpoint strictly before
// a target message.
type Checkpoint struct {
	ID        string    `json:"id"`
	TaskID    string    `json:"task_id"`
	MessageID string    `json:"message_id"`
	Todos     []Item    `json:"todos"`
	CreatedAt time.Time `json:"created_at"`
}
