package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/moru-ai/shadow/internal/domain/session"
)

// EventStore implements eventstore.Store using PostgreSQL (append-only).
type EventStore struct {
	pool *pgxpool.Pool
}

// NewEventStore creates an EventStore backed by the given connection pool.
func NewEventStore(pool *pgxpool.Pool) *EventStore {
	return &EventStore{pool: pool}
}

// Append inserts an event. The unique constraint on
// (task_id, session_id, seq) makes re-appends from overlapping polls
// no-ops; the returned bool reports whether the row was newly inserted.
func (s *EventStore) Append(ctx context.Context, ev *session.Event) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO session_events (task_id, session_id, seq, payload)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (task_id, session_id, seq) DO NOTHING`,
		ev.TaskID, ev.SessionID, ev.Seq, ev.Payload)
	if err != nil {
		return false, fmt.Errorf("append session event: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// LoadBySession returns all events for (taskID, sessionID) ordered by seq.
func (s *EventStore) LoadBySession(ctx context.Context, taskID, sessionID string) ([]session.Event, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, task_id, session_id, seq, payload, created_at
		 FROM session_events
		 WHERE task_id = $1 AND session_id = $2
		 ORDER BY seq ASC`, taskID, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load session events: %w", err)
	}
	defer rows.Close()

	var events []session.Event
	for rows.Next() {
		var ev session.Event
		if err := rows.Scan(&ev.ID, &ev.TaskID, &ev.SessionID, &ev.Seq, &ev.Payload, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan session event: %w", err)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// LastSeq returns the highest persisted seq for (taskID, sessionID), or -1.
func (s *EventStore) LastSeq(ctx context.Context, taskID, sessionID string) (int, error) {
	var seq int
	err := s.pool.QueryRow(ctx,
		`SELECT COALESCE(MAX(seq), -1) FROM session_events
		 WHERE task_id = $1 AND session_id = $2`, taskID, sessionID).Scan(&seq)
	if err != nil {
		return -1, fmt.Errorf("last seq: %w", err)
	}
	return seq, nil
}
