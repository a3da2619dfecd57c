// Package http exposes the REST and WebSocket API.
package http

import (
	"errors"
	"io/fs"
	"net/http"
	"time"

	"github.com/moru-ai/shadow/internal/adapter/ws"
	"github.com/moru-ai/shadow/internal/domain/session"
	"github.com/moru-ai/shadow/internal/domain/task"
	"github.com/moru-ai/shadow/internal/domain/todo"
	"github.com/moru-ai/shadow/internal/service"
)

// Handlers bundles the services the HTTP layer exposes.
type Handlers struct {
	Tasks       *service.TaskService
	Supervisor  *service.Supervisor
	Checkpoints *service.CheckpointService
	Archives    *service.ArchiveService
	Hub         *ws.Hub
}

// CreateTask handles POST /api/v1/tasks
func (h *Handlers) CreateTask(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[task.CreateRequest](w, r)
	if !ok {
		return
	}
	if !requireField(w, req.UserID, "user_id") {
		return
	}

	t, err := h.Tasks.Create(r.Context(), req)
	if err != nil {
		writeServiceError(w, r, err, "task not found")
		return
	}
	writeJSON(w, http.StatusCreated, t)
}

// GetTask handles GET /api/v1/tasks/{id}
func (h *Handlers) GetTask(w http.ResponseWriter, r *http.Request) {
	t, err := h.Tasks.Get(r.Context(), urlParam(r, "id"))
	if err != nil {
		writeServiceError(w, r, err, "task not found")
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// ListTaskEvents handles GET /api/v1/tasks/{id}/events
func (h *Handlers) ListTaskEvents(w http.ResponseWriter, r *http.Request) {
	events, err := h.Tasks.Events(r.Context(), urlParam(r, "id"))
	if err != nil {
		writeServiceError(w, r, err, "task not found")
		return
	}
	if events == nil {
		events = []session.Event{}
	}
	writeJSON(w, http.StatusOK, events)
}

type sendMessageRequest struct {
	MessageID string `json:"message_id"`
	Text      string `json:"text"`
	Fork      bool   `json:"fork"`
}

// SendMessage handles POST /api/v1/tasks/{id}/messages. Blocks until the
// turn resolves.
func (h *Handlers) SendMessage(w http.ResponseWriter, r *http.Request) {
	taskID := urlParam(r, "id")
	req, ok := readJSON[sendMessageRequest](w, r)
	if !ok {
		return
	}
	if !requireField(w, req.MessageID, "message_id") || !requireField(w, req.Text, "text") {
		return
	}

	result, err := h.Supervisor.SendMessage(r.Context(), taskID, req.MessageID, req.Text, req.Fork)
	if err != nil {
		writeServiceError(w, r, err, "task not found")
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// InterruptTask handles POST /api/v1/tasks/{id}/interrupt
func (h *Handlers) InterruptTask(w http.ResponseWriter, r *http.Request) {
	if err := h.Supervisor.Interrupt(r.Context(), urlParam(r, "id")); err != nil {
		writeServiceError(w, r, err, "task not found")
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// StopTask handles POST /api/v1/tasks/{id}/stop
func (h *Handlers) StopTask(w http.ResponseWriter, r *http.Request) {
	if err := h.Supervisor.StopTask(r.Context(), urlParam(r, "id")); err != nil {
		writeServiceError(w, r, err, "task not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListTodos handles GET /api/v1/tasks/{id}/todos
func (h *Handlers) ListTodos(w http.ResponseWriter, r *http.Request) {
	items, err := h.Tasks.Todos(r.Context(), urlParam(r, "id"))
	if err != nil {
		writeServiceError(w, r, err, "task not found")
		return
	}
	if items == nil {
		items = []todo.Item{}
	}
	writeJSON(w, http.StatusOK, items)
}

type replaceTodosRequest struct {
	Todos []todo.Item `json:"todos"`
}

// ReplaceTodos handles PUT /api/v1/tasks/{id}/todos
func (h *Handlers) ReplaceTodos(w http.ResponseWriter, r *http.Request) {
	taskID := urlParam(r, "id")
	req, ok := readJSON[replaceTodosRequest](w, r)
	if !ok {
		return
	}
	if err := h.Checkpoints.UpdateTodos(r.Context(), taskID, req.Todos); err != nil {
		writeServiceError(w, r, err, "task not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type restoreRequest struct {
	Before time.Time `json:"before"`
}

// RestoreCheckpoint handles POST /api/v1/tasks/{id}/restore
func (h *Handlers) RestoreCheckpoint(w http.ResponseWriter, r *http.Request) {
	taskID := urlParam(r, "id")
	req, ok := readJSON[restoreRequest](w, r)
	if !ok {
		return
	}
	if req.Before.IsZero() {
		writeError(w, http.StatusBadRequest, "before is required")
		return
	}
	if err := h.Supervisor.RestoreCheckpoint(r.Context(), taskID, req.Before); err != nil {
		writeServiceError(w, r, err, "task not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ArchiveTree handles GET /api/v1/archives/{id}/tree
func (h *Handlers) ArchiveTree(w http.ResponseWriter, r *http.Request) {
	tree, err := h.Archives.FileTree(r.Context(), urlParam(r, "id"))
	if err != nil {
		writeServiceError(w, r, err, "archive not found")
		return
	}
	writeJSON(w, http.StatusOK, tree)
}

// ArchiveFile handles GET /api/v1/archives/{id}/file?path=...
func (h *Handlers) ArchiveFile(w http.ResponseWriter, r *http.Request) {
	relPath := r.URL.Query().Get("path")
	if !requireField(w, relPath, "path") {
		return
	}

	data, err := h.Archives.FileContent(r.Context(), urlParam(r, "id"), relPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			writeError(w, http.StatusNotFound, "file not found in archive")
			return
		}
		writeServiceError(w, r, err, "archive not found")
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	_, _ = w.Write(data)
}

// DeleteArchive handles DELETE /api/v1/archives/{id}
func (h *Handlers) DeleteArchive(w http.ResponseWriter, r *http.Request) {
	if err := h.Archives.Delete(r.Context(), urlParam(r, "id")); err != nil {
		writeServiceError(w, r, err, "archive not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
