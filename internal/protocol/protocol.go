// Package protocol defines the newline-delimited JSON control protocol
// spoken between the orchestrator and the agent subprocess over its
// standard streams.
package protocol

// Outbound message types (orchestrator -> agent).
const (
	TypeProcessStart     = "process_start"
	TypeSessionMessage   = "session_message"
	TypeSessionInterrupt = "session_interrupt"
	TypeProcessStop      = "process_stop"
)

// Inbound message types (agent -> orchestrator).
const (
	TypeProcessReady       = "process_ready"
	TypeProcessError       = "process_error"
	TypeProcessStopped     = "process_stopped"
	TypeSessionStarted     = "session_started"
	TypeSessionComplete    = "session_complete"
	TypeSessionInterrupted = "session_interrupted"
	TypeSessionError       = "session_error"
)

// ProcessStart instructs the agent to initialize, optionally resuming or
// forking a prior session.
type ProcessStart struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id,omitempty"`
	Fork      bool   `json:"fork,omitempty"`
}

// SessionMessage carries one user message into the agent.
type SessionMessage struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// SessionInterrupt asks the agent to stop the current session. Interrupt
// is cooperative: the agent acknowledges with session_interrupted and the
// normal completion path still resolves the turn.
type SessionInterrupt struct {
	Type string `json:"type"`
}

// ProcessStop asks the agent process to shut down.
type ProcessStop struct {
	Type string `json:"type"`
}

// ResultData summarizes a completed session.
type ResultData struct {
	DurationMS    int64   `json:"duration_ms"`
	DurationAPIMS int64   `json:"duration_api_ms"`
	TotalCostUSD  float64 `json:"total_cost_usd"`
	NumTurns      int     `json:"num_turns"`
}

// Inbound is the decoded form of any agent -> orchestrator message. One
// struct covers all kinds; fields not present for a kind are zero.
type Inbound struct {
	Type      string      `json:"type"`
	SessionID string      `json:"session_id,omitempty"`
	Workspace string      `json:"workspace,omitempty"`
	Resumed   bool        `json:"resumed,omitempty"`
	Forked    bool        `json:"forked,omitempty"`
	Result    *ResultData `json:"result,omitempty"`
	Message   string      `json:"message,omitempty"`
	Code      string      `json:"code,omitempty"`
	Reason    string      `json:"reason,omitempty"`
}
