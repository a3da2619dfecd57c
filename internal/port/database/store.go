// Package database defines the port interface for durable task state.
package database

import (
	"context"
	"errors"
	"time"

	"github.com/moru-ai/shadow/internal/domain/task"
	"github.com/moru-ai/shadow/internal/domain/todo"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Store is the port interface for tasks, checkpoints, and todo snapshots.
type Store interface {
	// CreateTask inserts a new task in status inactive.
	CreateTask(ctx context.Context, req task.CreateRequest) (*task.Task, error)

	// GetTask returns a task by ID, or ErrNotFound.
	GetTask(ctx context.Context, id string) (*task.Task, error)

	// UpdateTaskStatus sets the task's high-level status.
	UpdateTaskStatus(ctx context.Context, id string, status task.Status) error

	// UpdateTaskSession records the agent's resumable session identity.
	UpdateTaskSession(ctx context.Context, id, sessionID string) error

	// UpdateTaskArchive records the most recent workspace archive. Called
	// only after a successful save.
	UpdateTaskArchive(ctx context.Context, id, archiveID string) error

	// CreateCheckpoint persists an immutable checkpoint.
	CreateCheckpoint(ctx context.Context, cp *todo.Checkpoint) error

	// LatestCheckpointBefore returns the newest checkpoint for the task
	// created strictly before the given instant, or ErrNotFound. Message
	// ordering lives with the chat layer, so callers pass the target
	// message's timestamp rather than its identity.
	LatestCheckpointBefore(ctx context.Context, taskID string, before time.Time) (*todo.Checkpoint, error)

	// ListTodos returns the task's current todo snapshot in order.
	ListTodos(ctx context.Context, taskID string) ([]todo.Item, error)

	// ReplaceTodos atomically replaces the task's todo snapshot
	// (delete-all then recreate inside one transaction, never partial).
	ReplaceTodos(ctx context.Context, taskID string, items []todo.Item) error
}
