package service

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/moru-ai/shadow/internal/adapter/ws"
	"github.com/moru-ai/shadow/internal/domain/fsevent"
	"github.com/moru-ai/shadow/internal/domain/todo"
	"github.com/moru-ai/shadow/internal/port/broadcast"
	"github.com/moru-ai/shadow/internal/port/database"
	"github.com/moru-ai/shadow/internal/port/sandbox"
)

// CheckpointService creates todo checkpoints after turns and rewinds a
// task's todo state when the user edits an earlier message.
type CheckpointService struct {
	db       database.Store
	watchers *WatcherRegistry
	b        broadcast.Broadcaster
	settle   time.Duration
	log      *slog.Logger
}

func NewCheckpointService(db database.Store, watchers *WatcherRegistry, b broadcast.Broadcaster, settle time.Duration, log *slog.Logger) *CheckpointService {
	return &CheckpointService{db: db, watchers: watchers, b: b, settle: settle, log: log}
}

// Checkpoint snapshots the task's current todos against the given
// message. Failures here never fail the turn; the caller logs and moves
// on.
func (s *CheckpointService) Checkpoint(ctx context.Context, taskID, messageID string) error {
	items, err := s.db.ListTodos(ctx, taskID)
	if err != nil {
		return fmt.Errorf("list todos: %w", err)
	}
	cp := &todo.Checkpoint{
		ID:        uuid.NewString(),
		TaskID:    taskID,
		MessageID: messageID,
		Todos:     items,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.db.CreateCheckpoint(ctx, cp); err != nil {
		return fmt.Errorf("create checkpoint: %w", err)
	}
	s.log.Debug("checkpoint created", "task_id", taskID, "checkpoint_id", cp.ID, "todos", len(items))
	return nil
}

// UpdateTodos replaces the task's todo snapshot and notifies viewers.
func (s *CheckpointService) UpdateTodos(ctx context.Context, taskID string, items []todo.Item) error {
	if err := s.db.ReplaceTodos(ctx, taskID, items); err != nil {
		return fmt.Errorf("replace todos: %w", err)
	}
	s.b.Publish(ctx, taskID, ws.EventTodos, ws.TodosEvent{TaskID: taskID, Todos: items})
	return nil
}

// Restore rewinds the task's todo state to the latest checkpoint created
// strictly before the given instant. With no such checkpoint the state
// rewinds to empty. While restoring, the task's watcher is paused so the
// churn never reaches viewers; afterwards an authoritative tree is
// recomputed from the sandbox and broadcast. The two settle delays let
// in-flight filesystem and UI activity quiesce before each transition.
func (s *CheckpointService) Restore(ctx context.Context, taskID string, before time.Time, sb sandbox.Sandbox) error {
	var items []todo.Item
	cp, err := s.db.LatestCheckpointBefore(ctx, taskID, before)
	switch {
	case err == nil:
		items = cp.Todos
	case errors.Is(err, database.ErrNotFound):
		items = nil
	default:
		return fmt.Errorf("lookup checkpoint: %w", err)
	}

	if w, ok := s.watchers.Get(taskID); ok {
		w.Pause()
		defer w.Resume()
	}

	if err := s.db.ReplaceTodos(ctx, taskID, items); err != nil {
		return fmt.Errorf("replace todos: %w", err)
	}
	s.b.Publish(ctx, taskID, ws.EventTodos, ws.TodosEvent{TaskID: taskID, Todos: items})

	s.wait(ctx)

	if sb != nil {
		tree, err := workspaceTree(ctx, sb)
		if err != nil {
			s.log.Warn("tree recompute failed", "task_id", taskID, "error", err)
		} else {
			s.b.Publish(ctx, taskID, ws.EventFSTree, ws.FSTreeEvent{TaskID: taskID, Tree: tree})
		}
	}

	s.wait(ctx)

	s.log.Info("checkpoint restored", "task_id", taskID, "todos", len(items))
	return nil
}

func (s *CheckpointService) wait(ctx context.Context) {
	select {
	case <-time.After(s.settle):
	case <-ctx.Done():
	}
}

// workspaceTree walks the live sandbox workspace and builds a browsable
// file tree, skipping the same directories the watcher ignores.
func workspaceTree(ctx context.Context, sb sandbox.Sandbox) (*fsevent.Node, error) {
	root := &fsevent.Node{Name: "/", Type: fsevent.NodeFolder}
	err := sb.Walk(ctx, sb.Workspace(), func(p string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		rel := relWorkspace(sb.Workspace(), p)
		if rel == "" {
			return nil
		}
		if _, skip := ignoredNames[d.Name()]; skip {
			if d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		var size int64
		if !d.IsDir() {
			if info, err := d.Info(); err == nil {
				size = info.Size()
			}
		}
		root.Insert(rel, size, d.IsDir())
		return nil
	})
	if err != nil {
		return nil, err
	}
	return root, nil
}
