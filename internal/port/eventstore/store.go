// Package eventstore defines the port interface for the append-only
// session event log.
package eventstore

import (
	"context"

	"github.com/moru-ai/shadow/internal/domain/session"
)

// Store is the port interface for persisting session events.
type Store interface {
	// Append persists an event. Appending the same (task, session, seq)
	// twice is a no-op: re-polling an overlapping range must not create
	// duplicates. Returns true when the event was newly inserted.
	Append(ctx context.Context, ev *session.Event) (bool, error)

	// LoadBySession returns all events for (taskID, sessionID) ordered by
	// seq ascending.
	LoadBySession(ctx context.Context, taskID, sessionID string) ([]session.Event, error)

	// LastSeq returns the highest persisted seq for (taskID, sessionID),
	// or -1 when no events exist.
	LastSeq(ctx context.Context, taskID, sessionID string) (int, error)
}
