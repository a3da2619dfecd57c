// Package session defines session log events and the helpers the core
// needs to inspect them. Payloads are opaque: the orchestrator only
// detects session lifecycle lines and embedded provider errors, and never
// reinterprets the agent's message structure.
package session

import (
	"encoding/json"
	"strings"
	"time"
)

// Event is one parsed line from the agent's append-oriented session log.
// Events for a given (task, session) are persisted and emitted in strictly
// increasing Seq order, exactly once each, even across sandbox reconnects.
type Event struct {
	ID        string          `json:"id"`
	TaskID    string          `json:"task_id"`
	SessionID string          `json:"session_id"`
	Seq       int             `json:"seq"` // position within the session log
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

// envelope holds the only payload fields the core ever looks at.
type envelope struct {
	Type      string `json:"type"`
	Subtype   string `json:"subtype"`
	SessionID string `json:"session_id"`
	IsError   bool   `json:"is_error"`
	Result    string `json:"result"`
	Message   struct {
		Content json.RawMessage `json:"content"`
	} `json:"message"`
}

// ID extracts the session identity from a raw log line, if present.
func ID(payload json.RawMessage) string {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return ""
	}
	return env.SessionID
}

// IsLifecycle reports whether a log line is a session lifecycle marker
// (init or result) rather than conversational content.
func IsLifecycle(payload json.RawMessage) bool {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return false
	}
	switch env.Type {
	case "system":
		return env.Subtype == "init"
	case "result":
		return true
	}
	return false
}

// providerErrorMarkers are substrings that identify a provider or billing
// failure embedded in an otherwise well-formed log line. The agent's SDK
// reports these as normal result payloads, so the subprocess can exit with
// an ordinary completion even though the turn failed.
var providerErrorMarkers = []string{
	"credit balance is too low",
	"billing_error",
	"invalid_api_key",
	"authentication_error",
	"overloaded_error",
}

// ProviderError extracts an embedded provider-error message from a log
// line. Returns "" when the line carries no such marker. A non-empty
// return must be treated as the turn's terminal outcome, overriding any
// success the subprocess reports afterwards.
func ProviderError(payload json.RawMessage) string {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return ""
	}
	if env.Type == "result" && env.IsError {
		if env.Result != "" {
			return env.Result
		}
		return "session ended with an error result"
	}
	haystack := strings.ToLower(env.Result + string(env.Message.Content))
	for _, marker := range providerErrorMarkers {
		if strings.Contains(haystack, marker) {
			return marker
		}
	}
	return ""
}
