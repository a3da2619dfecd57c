package service

import (
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"log/slog"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/moru-ai/shadow/internal/adapter/otel"
	"github.com/moru-ai/shadow/internal/adapter/ws"
	"github.com/moru-ai/shadow/internal/domain/session"
	"github.com/moru-ai/shadow/internal/port/broadcast"
	"github.com/moru-ai/shadow/internal/port/eventstore"
	"github.com/moru-ai/shadow/internal/port/sandbox"
)

// SessionLogPath returns the agent's session log location, derived from
// the workspace root. The agent writes one JSON object per line.
func SessionLogPath(workspace, sessionID string) string {
	return path.Join(workspace, ".shadow", "sessions", sessionID+".jsonl")
}

// Poller incrementally tails one session's log file. Each poll reads the
// whole file and slices past the last processed line: the agent may
// rewrite the log non-append-only in rare cases, so the file content is
// authoritative on every poll rather than assumed to only grow.
//
// Polls are driven by a self-rescheduling single-shot timer, never a
// free-running interval, so a slow poll cannot overlap with itself.
type Poller struct {
	taskID    string
	sessionID string
	sb        sandbox.Sandbox
	events    eventstore.Store
	b         broadcast.Broadcaster
	turn      *Turn
	interval  time.Duration
	metrics   *otel.Metrics // optional
	log       *slog.Logger

	mu      sync.Mutex
	offset  int // lines already processed
	timer   *time.Timer
	stopped bool
}

// NewPoller creates a poller for (taskID, sessionID). Polling starts only
// after the subprocess reports session_started; the log file does not
// exist before then.
func NewPoller(taskID, sessionID string, sb sandbox.Sandbox, events eventstore.Store,
	b broadcast.Broadcaster, turn *Turn,
	interval time.Duration, metrics *otel.Metrics, log *slog.Logger) *Poller {
	return &Poller{
		taskID:    taskID,
		sessionID: sessionID,
		sb:        sb,
		events:    events,
		b:         b,
		turn:      turn,
		interval:  interval,
		metrics:   metrics,
		log:       log.With("task_id", taskID, "session_id", sessionID),
	}
}

// Start arms the first poll.
func (p *Poller) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return
	}
	p.timer = time.AfterFunc(p.interval, func() { p.tick(ctx) })
}

// tick runs one poll and re-arms the timer. The next poll is scheduled
// only after this one finishes.
func (p *Poller) tick(ctx context.Context) {
	p.Poll(ctx)

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return
	}
	p.timer = time.AfterFunc(p.interval, func() { p.tick(ctx) })
}

// Stop cancels rescheduling and runs one guaranteed final poll to drain
// lines written just before the subprocess exited.
func (p *Poller) Stop(ctx context.Context) {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	if p.timer != nil {
		p.timer.Stop()
	}
	p.mu.Unlock()

	p.Poll(ctx)
}

// Poll processes all log lines beyond the last processed offset. Safe to
// call concurrently with the timer: a single mutex serializes polls.
func (p *Poller) Poll(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()

	data, err := p.sb.ReadFile(ctx, SessionLogPath(p.sb.Workspace(), p.sessionID))
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			p.log.Warn("session log read failed", "error", err)
		}
		return
	}

	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	if len(lines) == 1 && lines[0] == "" {
		return
	}

	// A rewritten, shorter log restarts processing from the top. The
	// event store's uniqueness on (task, session, seq) keeps re-reads
	// idempotent.
	if len(lines) < p.offset {
		p.log.Warn("session log shrank, re-reading", "had", p.offset, "now", len(lines))
		p.offset = 0
	}

	for i := p.offset; i < len(lines); i++ {
		if err := p.processLine(ctx, i, lines[i]); err != nil {
			// Leave the offset at the failed line so the next tick
			// retries it; advancing would drop the event permanently.
			p.offset = i
			return
		}
	}
	p.offset = len(lines)
}

// processLine persists and emits one log line. Malformed lines are
// skipped without aborting the poll; a persist failure is returned so
// the poll stops before the line is consumed.
func (p *Poller) processLine(ctx context.Context, seq int, line string) error {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil
	}

	payload := []byte(line)
	ev := &session.Event{
		ID:        uuid.NewString(),
		TaskID:    p.taskID,
		SessionID: p.sessionID,
		Seq:       seq,
		Payload:   payload,
		CreatedAt: time.Now(),
	}

	if !json.Valid(payload) {
		p.log.Warn("skipping malformed log line", "seq", seq)
		return nil
	}

	inserted, err := p.events.Append(ctx, ev)
	if err != nil {
		p.log.Error("persist session event", "seq", seq, "error", err)
		return err
	}
	if !inserted {
		// Already persisted by an earlier poll over this range.
		return nil
	}
	if p.metrics != nil {
		p.metrics.EventsPersisted.Add(ctx, 1)
	}

	p.b.Publish(ctx, p.taskID, ws.EventSession, ev)

	// A provider/billing error embedded in an otherwise normal line is
	// the turn's terminal outcome, even if the subprocess later reports
	// an ordinary completion.
	if msg := session.ProviderError(payload); msg != "" {
		p.log.Warn("provider error detected in session log", "seq", seq, "message", msg)
		p.turn.RecordProviderError(msg)
	}
	return nil
}
