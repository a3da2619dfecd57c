package service

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/moru-ai/shadow/internal/domain/session"
	"github.com/moru-ai/shadow/internal/domain/task"
	"github.com/moru-ai/shadow/internal/domain/todo"
	"github.com/moru-ai/shadow/internal/port/database"
	"github.com/moru-ai/shadow/internal/port/eventstore"
)

// TaskService serves task reads and creation for the HTTP layer. Turn
// execution lives in the Supervisor.
type TaskService struct {
	db     database.Store
	events eventstore.Store
	log    *slog.Logger
}

func NewTaskService(db database.Store, events eventstore.Store, log *slog.Logger) *TaskService {
	return &TaskService{db: db, events: events, log: log}
}

// Create inserts a new inactive task.
func (s *TaskService) Create(ctx context.Context, req task.CreateRequest) (*task.Task, error) {
	t, err := s.db.CreateTask(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("create task: %w", err)
	}
	s.log.Info("task created", "task_id", t.ID, "user_id", t.UserID)
	return t, nil
}

// Get returns a task by ID.
func (s *TaskService) Get(ctx context.Context, id string) (*task.Task, error) {
	return s.db.GetTask(ctx, id)
}

// Events returns the task's persisted session events in sequence order.
// A task with no session yet has no events.
func (s *TaskService) Events(ctx context.Context, taskID string) ([]session.Event, error) {
	t, err := s.db.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if t.SessionID == nil {
		return nil, nil
	}
	return s.events.LoadBySession(ctx, taskID, *t.SessionID)
}

// Todos returns the task's current todo snapshot.
func (s *TaskService) Todos(ctx context.Context, taskID string) ([]todo.Item, error) {
	return s.db.ListTodos(ctx, taskID)
}
