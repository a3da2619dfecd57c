package http

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// MountRoutes registers all API routes on the given chi router.
func MountRoutes(r chi.Router, h *Handlers) {
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Get("/ws", h.Hub.HandleWS)

	r.Route("/api/v1", func(r chi.Router) {
		// Tasks
		r.Post("/tasks", h.CreateTask)
		r.Get("/tasks/{id}", h.GetTask)
		r.Get("/tasks/{id}/events", h.ListTaskEvents)
		r.Post("/tasks/{id}/messages", h.SendMessage)
		r.Post("/tasks/{id}/interrupt", h.InterruptTask)
		r.Post("/tasks/{id}/stop", h.StopTask)
		r.Post("/tasks/{id}/restore", h.RestoreCheckpoint)

		// Todos
		r.Get("/tasks/{id}/todos", h.ListTodos)
		r.Put("/tasks/{id}/todos", h.ReplaceTodos)

		// Archives
		r.Get("/archives/{id}/tree", h.ArchiveTree)
		r.Get("/archives/{id}/file", h.ArchiveFile)
		r.Delete("/archives/{id}", h.DeleteArchive)
	})
}
