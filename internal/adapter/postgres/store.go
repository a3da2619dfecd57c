package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/moru-ai/shadow/internal/domain/task"
	"github.com/moru-ai/shadow/internal/domain/todo"
	"github.com/moru-ai/shadow/internal/port/database"
)

// Store implements database.Store using PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a Store backed by the given connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

const taskColumns = `id, user_id, title, status, session_id, archive_id, workspace, created_at, updated_at`

// CreateTask inserts a new task in status inactive.
func (s *Store) CreateTask(ctx context.Context, req task.CreateRequest) (*task.Task, error) {
	row := s.pool.QueryRow(ctx,
		fmt.Sprintf(`INSERT INTO tasks (user_id, title) VALUES ($1, $2) RETURNING %s`, taskColumns),
		req.UserID, req.Title)

	t, err := scanTask(row)
	if err != nil {
		return nil, fmt.Errorf("create task: %w", err)
	}
	return t, nil
}

// GetTask returns a task by ID.
func (s *Store) GetTask(ctx context.Context, id string) (*task.Task, error) {
	row := s.pool.QueryRow(ctx,
		fmt.Sprintf(`SELECT %s FROM tasks WHERE id = $1`, taskColumns), id)

	t, err := scanTask(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, database.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get task %s: %w", id, err)
	}
	return t, nil
}

// UpdateTaskStatus sets the task's high-level status.
func (s *Store) UpdateTaskStatus(ctx context.Context, id string, status task.Status) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE tasks SET status = $2, updated_at = now() WHERE id = $1`, id, status)
	if err != nil {
		return fmt.Errorf("update task status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return database.ErrNotFound
	}
	return nil
}

// UpdateTaskSession records the agent's resumable session identity.
func (s *Store) UpdateTaskSession(ctx context.Context, id, sessionID string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE tasks SET session_id = $2, updated_at = now() WHERE id = $1`, id, sessionID)
	if err != nil {
		return fmt.Errorf("update task session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return database.ErrNotFound
	}
	return nil
}

// UpdateTaskArchive records the most recent workspace archive.
func (s *Store) UpdateTaskArchive(ctx context.Context, id, archiveID string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE tasks SET archive_id = $2, updated_at = now() WHERE id = $1`, id, archiveID)
	if err != nil {
		return fmt.Errorf("update task archive: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return database.ErrNotFound
	}
	return nil
}

// CreateCheckpoint persists an immutable checkpoint.
func (s *Store) CreateCheckpoint(ctx context.Context, cp *todo.Checkpoint) error {
	todos, err := json.Marshal(cp.Todos)
	if err != nil {
		return fmt.Errorf("marshal checkpoint todos: %w", err)
	}

	err = s.pool.QueryRow(ctx,
		`INSERT INTO checkpoints (task_id, message_id, todos)
		 VALUES ($1, $2, $3) RETURNING id, created_at`,
		cp.TaskID, cp.MessageID, todos).Scan(&cp.ID, &cp.CreatedAt)
	if err != nil {
		return fmt.Errorf("create checkpoint: %w", err)
	}
	return nil
}

// LatestCheckpointBefore returns the newest checkpoint for the task
// created strictly before the given instant.
func (s *Store) LatestCheckpointBefore(ctx context.Context, taskID string, before time.Time) (*todo.Checkpoint, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, task_id, message_id, todos, created_at
		 FROM checkpoints
		 WHERE task_id = $1 AND created_at < $2
		 ORDER BY created_at DESC LIMIT 1`, taskID, before)

	var cp todo.Checkpoint
	var todos []byte
	err := row.Scan(&cp.ID, &cp.TaskID, &cp.MessageID, &todos, &cp.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, database.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("latest checkpoint before: %w", err)
	}
	if err := json.Unmarshal(todos, &cp.Todos); err != nil {
		return nil, fmt.Errorf("unmarshal checkpoint todos: %w", err)
	}
	return &cp, nil
}

// ListTodos returns the task's current todo snapshot in order.
func (s *Store) ListTodos(ctx context.Context, taskID string) ([]todo.Item, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT content, status FROM todos WHERE task_id = $1 ORDER BY position ASC`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list todos: %w", err)
	}
	defer rows.Close()

	var items []todo.Item
	for rows.Next() {
		var it todo.Item
		if err := rows.Scan(&it.Content, &it.Status); err != nil {
			return nil, fmt.Errorf("scan todo: %w", err)
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

// ReplaceTodos atomically replaces the task's todo snapshot. The delete
// and recreate happen inside one transaction so the post-restore state
// always matches the snapshot exactly, never a partial merge.
func (s *Store) ReplaceTodos(ctx context.Context, taskID string, items []todo.Item) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin replace todos: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `DELETE FROM todos WHERE task_id = $1`, taskID); err != nil {
		return fmt.Errorf("delete todos: %w", err)
	}

	for i, it := range items {
		_, err := tx.Exec(ctx,
			`INSERT INTO todos (task_id, position, content, status) VALUES ($1, $2, $3, $4)`,
			taskID, i, it.Content, it.Status)
		if err != nil {
			return fmt.Errorf("insert todo %d: %w", i, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit replace todos: %w", err)
	}
	return nil
}

func scanTask(row pgx.Row) (*task.Task, error) {
	var t task.Task
	err := row.Scan(&t.ID, &t.UserID, &t.Title, &t.Status, &t.SessionID,
		&t.ArchiveID, &t.Workspace, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
