package service

import (
	"errors"
	"sync"
)

// ErrTurnActive is returned when a turn is already running for a task.
// At most one concurrent turn per task is a hard invariant.
var ErrTurnActive = errors.New("a turn is already active for this task")

// Turn is the in-memory state of one active turn. Fields are written by
// the supervisor and read by Interrupt and the poller.
type Turn struct {
	mu            sync.Mutex
	taskID        string
	sessionID     string
	sessionActive bool
	providerErr   string
	send          func(msg any) error
}

// SessionStarted records the live session and its identity.
func (t *Turn) SessionStarted(sessionID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sessionID = sessionID
	t.sessionActive = true
}

// SessionEnded marks the session inactive.
func (t *Turn) SessionEnded() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sessionActive = false
}

// Session reports the session identity and whether it is active.
func (t *Turn) Session() (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sessionID, t.sessionActive
}

// RecordProviderError stores a provider error found in the session log.
// The first recorded error wins; it overrides any success the subprocess
// reports afterwards.
func (t *Turn) RecordProviderError(msg string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.providerErr == "" {
		t.providerErr = msg
	}
}

// ProviderError returns the recorded provider error, if any.
func (t *Turn) ProviderError() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.providerErr
}

// Send delivers a control message to the agent subprocess, when one is
// attached.
func (t *Turn) Send(msg any) error {
	t.mu.Lock()
	send := t.send
	t.mu.Unlock()
	if send == nil {
		return errors.New("no agent process attached")
	}
	return send(msg)
}

func (t *Turn) attach(send func(msg any) error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.send = send
}

// TurnRegistry enforces at most one active turn per task. The existence
// check and the registration are a single operation under one lock, so
// two concurrent SendMessage calls can never both proceed.
type TurnRegistry struct {
	mu    sync.Mutex
	turns map[string]*Turn
}

// NewTurnRegistry creates an empty registry.
func NewTurnRegistry() *TurnRegistry {
	return &TurnRegistry{turns: make(map[string]*Turn)}
}

// Begin atomically registers a turn for the task. Returns ErrTurnActive
// if one is already registered.
func (r *TurnRegistry) Begin(taskID string) (*Turn, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.turns[taskID]; exists {
		return nil, ErrTurnActive
	}
	t := &Turn{taskID: taskID}
	r.turns[taskID] = t
	return t, nil
}

// Get returns the active turn for the task, if any.
func (r *TurnRegistry) Get(taskID string) (*Turn, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.turns[taskID]
	return t, ok
}

// End removes the task's turn. Called from the supervisor's deferred
// cleanup, so a new turn can begin even after a prior failure.
func (r *TurnRegistry) End(taskID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.turns, taskID)
}
