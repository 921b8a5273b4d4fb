package session

import (
	"time"

	"github.com/harun/agentloop/pkg/agent"
)

// Status is the session state machine state
type Status string

const (
	StatusIdle         Status = "idle"
	StatusAwaitingLLM  Status = "awaiting_llm"
	StatusAwaitingTool Status = "awaiting_tool"
	StatusCompleted    Status = "completed"
	StatusError        Status = "error"
)

// InFlight reports whether a request is being worked on
func (s Status) InFlight() bool {
	return s == StatusAwaitingLLM || s == StatusAwaitingTool
}

// AtRest reports whether the session accepts a new request
func (s Status) AtRest() bool {
	return !s.InFlight()
}

// WorkerStatus tracks the session's delegated worker
type WorkerStatus string

const (
	WorkerMissing  WorkerStatus = "missing"
	WorkerStarting WorkerStatus = "starting"
	WorkerRunning  WorkerStatus = "running"
	WorkerReady    WorkerStatus = "ready"
)

// Alive reports whether the worker has confirmed its start
func (w WorkerStatus) Alive() bool {
	return w == WorkerRunning || w == WorkerReady
}

// ToolCallStatus is the state of one pending tool call
type ToolCallStatus string

const (
	ToolCallPending ToolCallStatus = "pending"
	ToolCallOK      ToolCallStatus = "ok"
	ToolCallError   ToolCallStatus = "error"
)

// Termination types set when a request ends
const (
	TerminationFinalAnswer = "final_answer"
	TerminationError       = "error"
	TerminationCancelled   = "cancelled"
)

// PendingToolCall tracks one tool invocation of the current turn
type PendingToolCall struct {
	ID         string                 `json:"id"`
	Name       string                 `json:"name"`
	Arguments  map[string]interface{} `json:"arguments,omitempty"`
	Status     ToolCallStatus         `json:"status"`
	Result     interface{}            `json:"result,omitempty"`
	Attempts   int                    `json:"attempts"`
	DurationMS *int64                 `json:"duration_ms,omitempty"`
}

// Usage counts tokens
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Total returns input plus output tokens
func (u Usage) Total() int {
	return u.InputTokens + u.OutputTokens
}

// Add returns the field-wise sum of u and other
func (u Usage) Add(other Usage) Usage {
	return Usage{
		InputTokens:  u.InputTokens + other.InputTokens,
		OutputTokens: u.OutputTokens + other.OutputTokens,
	}
}

// ThinkingEntry is one turn's reasoning text
type ThinkingEntry struct {
	CallID    string `json:"call_id"`
	Iteration int    `json:"iteration"`
	Text      string `json:"text"`
}

// State is the session state. It is a value: Apply returns a new State and
// never modifies the one it was given.
type State struct {
	Status           Status
	ActiveRequestID  string
	Iteration        int
	PendingToolCalls []PendingToolCall
	CheckpointToken  string
	WorkerPID        string
	WorkerStatus     WorkerStatus

	// Usage is reset per request; TotalUsage accumulates over the session
	Usage      Usage
	TotalUsage Usage

	// Per-request transients, reset by request_started
	Query         string
	RunID         string
	Model         string
	Text          string
	Thinking      string
	ThinkingTrace []ThinkingEntry
	LastLLMCallID string
	Result        string
	Termination   string
	Failure       *agent.FailureReason
	CancelReason  string
	StartedAt     time.Time
	CompletedAt   time.Time
	LastEventAt   time.Time
}

// NewState returns the state of a fresh session
func NewState() State {
	return State{
		Status:       StatusIdle,
		WorkerStatus: WorkerMissing,
	}
}

// Busy reports whether a new start must be rejected. A request stays active
// from admission until its terminal event, including the short window after
// a final answer arrives and before request_completed.
func (s State) Busy() bool {
	return s.ActiveRequestID != ""
}

// begin admits requestID, resetting the per-request transients
func (s State) begin(requestID, query string, now time.Time) State {
	s.Status = StatusAwaitingLLM
	s.ActiveRequestID = requestID
	s.Query = query
	s.resetTransients(now)
	return s
}

func (s *State) resetTransients(now time.Time) {
	s.Iteration = 0
	s.PendingToolCalls = nil
	s.Usage = Usage{}
	s.RunID = ""
	s.Model = ""
	s.Text = ""
	s.Thinking = ""
	s.ThinkingTrace = nil
	s.LastLLMCallID = ""
	s.Result = ""
	s.Termination = ""
	s.Failure = nil
	s.CancelReason = ""
	s.StartedAt = now
	s.CompletedAt = time.Time{}
}

// pendingIndex returns the index of the pending call with id, or -1
func (s State) pendingIndex(id string) int {
	for i, call := range s.PendingToolCalls {
		if call.ID == id {
			return i
		}
	}
	return -1
}

// clonePending copies the pending call slice so it can be updated
func (s *State) clonePending() {
	if s.PendingToolCalls == nil {
		return
	}
	s.PendingToolCalls = append([]PendingToolCall(nil), s.PendingToolCalls...)
}
