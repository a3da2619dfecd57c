package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/moru-ai/shadow/internal/adapter/otel"
	"github.com/moru-ai/shadow/internal/adapter/ws"
	"github.com/moru-ai/shadow/internal/config"
	"github.com/moru-ai/shadow/internal/domain/task"
	"github.com/moru-ai/shadow/internal/port/broadcast"
	"github.com/moru-ai/shadow/internal/port/database"
	"github.com/moru-ai/shadow/internal/port/eventstore"
	"github.com/moru-ai/shadow/internal/port/sandbox"
	"github.com/moru-ai/shadow/internal/protocol"
	"github.com/moru-ai/shadow/internal/resilience"
)

// processStopGrace is how long teardown waits for the agent process to
// exit after a cooperative process_stop before killing it.
const processStopGrace = 5 * time.Second

// SupervisorDeps bundles everything a Supervisor needs.
type SupervisorDeps struct {
	Config      config.Config
	DB          database.Store
	Events      eventstore.Store
	Provider    sandbox.Provider
	Breaker     *resilience.Breaker
	Archives    *ArchiveService
	Checkpoints *CheckpointService
	Turns       *TurnRegistry
	Streams     *StreamRegistry
	Watchers    *WatcherRegistry
	Broadcaster broadcast.Broadcaster
	Metrics     *otel.Metrics
	Logger      *slog.Logger
}

// Supervisor owns the full lifecycle of a turn: sandbox acquisition,
// agent subprocess management, the control protocol conversation, and
// turn resolution. One Supervisor serves all tasks; per-task exclusivity
// comes from the turn registry.
type Supervisor struct {
	cfg         config.Config
	db          database.Store
	events      eventstore.Store
	provider    sandbox.Provider
	breaker     *resilience.Breaker
	archives    *ArchiveService
	checkpoints *CheckpointService
	turns       *TurnRegistry
	streams     *StreamRegistry
	watchers    *WatcherRegistry
	b           broadcast.Broadcaster
	metrics     *otel.Metrics
	log         *slog.Logger
}

// NewSupervisor creates a Supervisor from its dependencies.
func NewSupervisor(d SupervisorDeps) *Supervisor {
	return &Supervisor{
		cfg:         d.Config,
		db:          d.DB,
		events:      d.Events,
		provider:    d.Provider,
		breaker:     d.Breaker,
		archives:    d.Archives,
		checkpoints: d.Checkpoints,
		turns:       d.Turns,
		streams:     d.Streams,
		watchers:    d.Watchers,
		b:           d.Broadcaster,
		metrics:     d.Metrics,
		log:         d.Logger,
	}
}

// outcome is the resolved terminal state of one turn.
type outcome struct {
	result      *task.Result
	errMsg      string
	interrupted bool
	timedOut    bool
}

// SendMessage runs one complete turn: deliver the user's message to the
// agent in the task's sandbox and block until the turn resolves. Returns
// ErrTurnActive when a turn is already in flight for the task.
func (s *Supervisor) SendMessage(ctx context.Context, taskID, messageID, text string, fork bool) (*task.Result, error) {
	turn, err := s.turns.Begin(taskID)
	if err != nil {
		return nil, err
	}
	defer s.turns.End(taskID)

	log := s.log.With("task_id", taskID)
	started := time.Now()
	s.metrics.TurnsStarted.Add(ctx, 1)

	t, err := s.db.GetTask(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("load task: %w", err)
	}

	s.setStatus(ctx, taskID, task.StatusInitializing)

	sb, err := s.acquireSandbox(ctx, t)
	if err != nil {
		s.failTurn(ctx, taskID, "sandbox unavailable: "+err.Error())
		return nil, err
	}
	s.setStatus(ctx, taskID, task.StatusActive)
	s.ensureWatcher(ctx, taskID, sb)

	out, err := s.runTurn(ctx, t, turn, sb, messageID, text, fork, log)
	if err != nil {
		s.failTurn(ctx, taskID, err.Error())
		return nil, err
	}

	// An error the provider embedded in the session log overrides
	// whatever the subprocess reported.
	if pe := turn.ProviderError(); pe != "" {
		out = &outcome{errMsg: pe}
	}

	s.resolve(ctx, t, messageID, sb, out, log)
	s.metrics.TurnDuration.Record(ctx, time.Since(started).Seconds())

	if out.errMsg != "" {
		return nil, errors.New(out.errMsg)
	}
	return out.result, nil
}

// Interrupt asks the agent to stop the task's current session. A no-op
// when no turn or no live session exists: the turn may already be
// resolving, and a late interrupt must not fail the request.
func (s *Supervisor) Interrupt(ctx context.Context, taskID string) error {
	turn, ok := s.turns.Get(taskID)
	if !ok {
		return nil
	}
	if _, active := turn.Session(); !active {
		return nil
	}
	return turn.Send(protocol.SessionInterrupt{Type: protocol.TypeSessionInterrupt})
}

// StopTask tears down the task's sandbox and watcher. The workspace
// survives through the archive written at the end of the last turn.
func (s *Supervisor) StopTask(ctx context.Context, taskID string) error {
	if err := s.Interrupt(ctx, taskID); err != nil {
		s.log.Warn("interrupt before stop failed", "task_id", taskID, "error", err)
	}

	s.watchers.Delete(taskID)

	sb, err := s.provider.Connect(ctx, taskID)
	if err == nil {
		if err := sb.Remove(ctx); err != nil {
			return fmt.Errorf("remove sandbox: %w", err)
		}
	}

	s.setStatus(ctx, taskID, task.StatusInactive)
	return nil
}

// RestoreCheckpoint rewinds the task's todo state to just before the
// given instant. Rejected while a turn is in flight; the live sandbox, if
// any, supplies the authoritative tree afterwards.
func (s *Supervisor) RestoreCheckpoint(ctx context.Context, taskID string, before time.Time) error {
	if _, active := s.turns.Get(taskID); active {
		return ErrTurnActive
	}

	var sb sandbox.Sandbox
	if connected, err := s.provider.Connect(ctx, taskID); err == nil {
		sb = connected
	}
	return s.checkpoints.Restore(ctx, taskID, before, sb)
}

// acquireSandbox reattaches to the task's running sandbox or provisions a
// fresh one, restoring the last workspace archive into it. Provisioning
// goes through the circuit breaker so a broken container runtime fails
// turns fast.
func (s *Supervisor) acquireSandbox(ctx context.Context, t *task.Task) (sandbox.Sandbox, error) {
	if sb, err := s.provider.Connect(ctx, t.ID); err == nil {
		return sb, nil
	}

	var sb sandbox.Sandbox
	err := s.breaker.Execute(func() error {
		var err error
		sb, err = s.provider.Create(ctx, sandbox.Spec{
			TaskID:    t.ID,
			Image:     s.cfg.Sandbox.Image,
			Workspace: s.cfg.Sandbox.Workspace,
			MemoryMB:  s.cfg.Sandbox.MemoryMB,
			CPUQuota:  s.cfg.Sandbox.CPUQuota,
			PidsLimit: s.cfg.Sandbox.PidsLimit,
		})
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("create sandbox: %w", err)
	}

	if t.ArchiveID != nil {
		if _, err := s.archives.Restore(ctx, *t.ArchiveID, sb); err != nil {
			// A fresh workspace is better than no turn at all.
			s.log.Warn("archive restore failed, starting from empty workspace",
				"task_id", t.ID, "archive_id", *t.ArchiveID, "error", err)
		}
	}
	return sb, nil
}

// ensureWatcher starts a filesystem watcher for the task if none is
// registered. Watcher failure degrades the viewer experience but never
// blocks a turn.
func (s *Supervisor) ensureWatcher(ctx context.Context, taskID string, sb sandbox.Sandbox) {
	if _, ok := s.watchers.Get(taskID); ok {
		return
	}
	w, err := NewWatcher(taskID, sb.HostWorkspace(), s.cfg.Watcher.Debounce, s.b, s.log)
	if err != nil {
		s.log.Warn("watcher create failed", "task_id", taskID, "error", err)
		return
	}
	if err := w.Start(ctx); err != nil {
		s.log.Warn("watcher start failed", "task_id", taskID, "error", err)
		return
	}
	s.watchers.Set(taskID, w)
}

// runTurn drives the control protocol conversation for one turn and
// returns its terminal outcome. An error return means the turn could not
// be run at all; protocol-level failures come back inside the outcome.
func (s *Supervisor) runTurn(ctx context.Context, t *task.Task, turn *Turn, sb sandbox.Sandbox,
	messageID, text string, fork bool, log *slog.Logger) (*outcome, error) {

	turnCtx, cancel := context.WithTimeout(ctx, s.cfg.Session.TurnTimeout)
	defer cancel()

	proc, err := sb.StartProcess(turnCtx, s.cfg.Sandbox.AgentCmd, map[string]string{
		"WORKSPACE_DIR": sb.Workspace(),
	})
	if err != nil {
		return nil, fmt.Errorf("start agent process: %w", err)
	}

	writer := protocol.NewWriter(proc.Stdin())
	scanner := protocol.NewScanner(proc.Stdout(), log)
	turn.attach(writer.Send)

	s.streams.Start(t.ID)

	var resume string
	if t.SessionID != nil {
		resume = *t.SessionID
	}
	if err := writer.Send(protocol.ProcessStart{
		Type:      protocol.TypeProcessStart,
		SessionID: resume,
		Fork:      fork,
	}); err != nil {
		_ = proc.Kill()
		return nil, fmt.Errorf("send process_start: %w", err)
	}

	inbound := make(chan *protocol.Inbound)
	readErr := make(chan error, 1)
	go func() {
		for {
			msg, err := scanner.Next()
			if err != nil {
				readErr <- err
				return
			}
			select {
			case inbound <- msg:
			case <-turnCtx.Done():
				return
			}
		}
	}()

	var poller *Poller
	out := s.consume(turnCtx, t, turn, sb, writer, inbound, readErr, text, &poller, log)

	// Final drain before resolving: lines written just before exit must
	// be persisted, and a provider error among them must be seen.
	if poller != nil {
		poller.Stop(ctx)
	}
	turn.SessionEnded()

	s.stopProcess(writer, proc, log)
	return out, nil
}

// consume processes inbound control messages until the turn resolves.
func (s *Supervisor) consume(ctx context.Context, t *task.Task, turn *Turn, sb sandbox.Sandbox,
	writer *protocol.Writer, inbound <-chan *protocol.Inbound, readErr <-chan error,
	text string, poller **Poller, log *slog.Logger) *outcome {

	for {
		select {
		case msg := <-inbound:
			switch msg.Type {
			case protocol.TypeProcessReady:
				log.Info("agent process ready",
					"session_id", msg.SessionID, "resumed", msg.Resumed, "forked", msg.Forked)
				if err := writer.Send(protocol.SessionMessage{
					Type: protocol.TypeSessionMessage,
					Text: text,
				}); err != nil {
					return &outcome{errMsg: "send session_message: " + err.Error()}
				}

			case protocol.TypeSessionStarted:
				turn.SessionStarted(msg.SessionID)
				if err := s.db.UpdateTaskSession(ctx, t.ID, msg.SessionID); err != nil {
					log.Error("record session id", "error", err)
				}
				s.setStatus(ctx, t.ID, task.StatusRunning)
				s.b.Publish(ctx, t.ID, ws.EventLifecycle, ws.LifecycleEvent{
					TaskID:    t.ID,
					SessionID: msg.SessionID,
					Kind:      "started",
				})

				p := NewPoller(t.ID, msg.SessionID, sb, s.events, s.b, turn,
					s.cfg.Session.PollInterval, s.metrics, s.log)
				p.Start(ctx)
				*poller = p

			case protocol.TypeSessionComplete:
				out := &outcome{result: &task.Result{}}
				if msg.Result != nil {
					out.result = &task.Result{
						DurationMS:    msg.Result.DurationMS,
						DurationAPIMS: msg.Result.DurationAPIMS,
						TotalCostUSD:  msg.Result.TotalCostUSD,
						NumTurns:      msg.Result.NumTurns,
					}
				}
				return out

			case protocol.TypeSessionInterrupted:
				return &outcome{interrupted: true}

			case protocol.TypeSessionError:
				return &outcome{errMsg: firstNonEmpty(msg.Message, "session error")}

			case protocol.TypeProcessError:
				return &outcome{errMsg: firstNonEmpty(msg.Message, "agent process error")}

			case protocol.TypeProcessStopped:
				return &outcome{errMsg: "agent process stopped before the session completed"}

			default:
				log.Warn("ignoring unknown control message", "type", msg.Type)
			}

		case err := <-readErr:
			if errors.Is(err, io.EOF) {
				return &outcome{errMsg: "agent process exited unexpectedly"}
			}
			return &outcome{errMsg: "control channel: " + err.Error()}

		case <-ctx.Done():
			return &outcome{timedOut: true, errMsg: "turn timed out"}
		}
	}
}

// resolve applies the turn's terminal outcome: lifecycle broadcast,
// checkpoint, workspace archive, and final task status. Checkpoint and
// archive failures are logged, never surfaced; the turn's outcome is
// already decided.
func (s *Supervisor) resolve(ctx context.Context, t *task.Task, messageID string, sb sandbox.Sandbox,
	out *outcome, log *slog.Logger) {

	taskID := t.ID
	lc := ws.LifecycleEvent{TaskID: taskID}
	switch {
	case out.timedOut:
		lc.Kind = "timed_out"
		lc.Message = out.errMsg
	case out.interrupted:
		lc.Kind = "interrupted"
	case out.errMsg != "":
		lc.Kind = "error"
		lc.Message = out.errMsg
	default:
		lc.Kind = "complete"
		if out.result != nil {
			lc.CostUSD = out.result.TotalCostUSD
			lc.NumTurns = out.result.NumTurns
		}
	}
	s.b.Publish(ctx, taskID, ws.EventLifecycle, lc)
	s.streams.Clear(taskID)

	success := lc.Kind == "complete" || lc.Kind == "interrupted"
	if success {
		if err := s.checkpoints.Checkpoint(ctx, taskID, messageID); err != nil {
			log.Warn("checkpoint failed", "error", err)
		}
	}

	archiveID, err := s.archives.Save(ctx, taskID, t.UserID, sb, nil, s.cfg.Archive.Excludes)
	if err != nil {
		log.Warn("workspace archive failed", "error", err)
	} else if err := s.db.UpdateTaskArchive(ctx, taskID, archiveID); err != nil {
		log.Error("record archive id", "error", err)
	}

	if success {
		s.metrics.TurnsCompleted.Add(ctx, 1)
		s.setStatus(ctx, taskID, task.StatusCompleted)
	} else {
		s.metrics.TurnsFailed.Add(ctx, 1)
		s.setStatus(ctx, taskID, task.StatusFailed)
	}
}

// stopProcess asks the agent to exit and kills it when the grace period
// elapses.
func (s *Supervisor) stopProcess(writer *protocol.Writer, proc sandbox.Process, log *slog.Logger) {
	if err := writer.Send(protocol.ProcessStop{Type: protocol.TypeProcessStop}); err != nil {
		log.Warn("send process_stop failed, killing", "error", err)
		_ = proc.Kill()
		return
	}

	done := make(chan error, 1)
	go func() { done <- proc.Wait() }()
	select {
	case <-done:
	case <-time.After(processStopGrace):
		log.Warn("agent process did not exit, killing")
		_ = proc.Kill()
	}
}

// failTurn resolves a turn that never reached the protocol conversation.
func (s *Supervisor) failTurn(ctx context.Context, taskID, msg string) {
	s.metrics.TurnsFailed.Add(ctx, 1)
	s.b.Publish(ctx, taskID, ws.EventLifecycle, ws.LifecycleEvent{
		TaskID:  taskID,
		Kind:    "error",
		Message: msg,
	})
	s.streams.Clear(taskID)
	s.setStatus(ctx, taskID, task.StatusFailed)
}

func (s *Supervisor) setStatus(ctx context.Context, taskID string, status task.Status) {
	if err := s.db.UpdateTaskStatus(ctx, taskID, status); err != nil {
		s.log.Error("update task status", "task_id", taskID, "status", status, "error", err)
	}
	s.b.Publish(ctx, taskID, ws.EventTaskStatus, ws.TaskStatusEvent{
		TaskID: taskID,
		Status: string(status),
	})
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
