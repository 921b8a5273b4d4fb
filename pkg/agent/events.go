package agent

import (
	"fmt"
	"time"
)

// Kind identifies a runtime event. The set is closed; wire names are
// translated through ParseKind and unknown names map to KindUnknown.
type Kind int

const (
	KindUnknown Kind = iota
	KindRequestStarted
	KindLLMStarted
	KindLLMDelta
	KindLLMCompleted
	KindToolStarted
	KindToolCompleted
	KindCheckpoint
	KindRequestCompleted
	KindRequestFailed
	KindRequestCancelled

	// Synthesized by the session from process lifecycle notifications
	KindWorkerStarted
	KindWorkerExit
)

var kindNames = map[Kind]string{
	KindUnknown:          "unknown",
	KindRequestStarted:   "request_started",
	KindLLMStarted:       "llm_started",
	KindLLMDelta:         "llm_delta",
	KindLLMCompleted:     "llm_completed",
	KindToolStarted:      "tool_started",
	KindToolCompleted:    "tool_completed",
	KindCheckpoint:       "checkpoint",
	KindRequestCompleted: "request_completed",
	KindRequestFailed:    "request_failed",
	KindRequestCancelled: "request_cancelled",
	KindWorkerStarted:    "worker_started",
	KindWorkerExit:       "worker_exit",
}

var wireKinds = func() map[string]Kind {
	m := make(map[string]Kind, len(kindNames))
	for k, name := range kindNames {
		if k != KindUnknown {
			m[name] = k
		}
	}
	return m
}()

// ParseKind translates a wire name into a Kind
func ParseKind(name string) Kind {
	return wireKinds[name]
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// MarshalText implements encoding.TextMarshaler
func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler. Unknown names decode to
// KindUnknown rather than failing.
func (k *Kind) UnmarshalText(text []byte) error {
	*k = ParseKind(string(text))
	return nil
}

// IsTerminal reports whether the kind ends a request
func (k Kind) IsTerminal() bool {
	return k == KindRequestCompleted || k == KindRequestFailed || k == KindRequestCancelled
}

// Turn types carried by llm_completed
const (
	TurnToolCalls   = "tool_calls"
	TurnFinalAnswer = "final_answer"
)

// Chunk types carried by llm_delta
const (
	ChunkText     = "text"
	ChunkThinking = "thinking"
)

// Failure reasons carried by request_failed and request_cancelled
const (
	ReasonError             = "error"
	ReasonTimeout           = "timeout"
	ReasonMaxIterations     = "max_iterations"
	ReasonCheckpointInvalid = "checkpoint_invalid"
	ReasonWorkerExit        = "worker_exit"
	ReasonCancelled         = "cancelled"
)

// FailureReason is the typed cause of a failed request
type FailureReason struct {
	Type   string `json:"type"`
	Detail string `json:"detail,omitempty"`
}

func (r FailureReason) String() string {
	if r.Detail == "" {
		return r.Type
	}
	return r.Type + ": " + r.Detail
}

// Event is one entry of a worker's event stream. Only the fields relevant to
// Kind are populated.
type Event struct {
	Kind      Kind      `json:"kind"`
	RequestID string    `json:"request_id,omitempty"`
	WorkerPID string    `json:"worker_pid,omitempty"`
	At        time.Time `json:"at"`
	Iteration int       `json:"iteration,omitempty"`

	// request_started
	Query string `json:"query,omitempty"`
	RunID string `json:"run_id,omitempty"`

	// llm_* (CallID is the LLM call id) and tool_* (CallID is the tool call id)
	CallID    string         `json:"call_id,omitempty"`
	Model     string         `json:"model,omitempty"`
	Messages  []AgentMessage `json:"messages,omitempty"`
	Delta     string         `json:"delta,omitempty"`
	ChunkType string         `json:"chunk_type,omitempty"`
	TurnType  string         `json:"turn_type,omitempty"`
	Text      string         `json:"text,omitempty"`
	Thinking  string         `json:"thinking,omitempty"`
	ToolCalls []ToolCall     `json:"tool_calls,omitempty"`
	Usage     *TokenUsage    `json:"usage,omitempty"`

	// tool_*
	ToolName   string                 `json:"tool_name,omitempty"`
	Arguments  map[string]interface{} `json:"arguments,omitempty"`
	Result     interface{}            `json:"result,omitempty"`
	Status     string                 `json:"status,omitempty"`
	Attempts   int                    `json:"attempts,omitempty"`
	DurationMS int64                  `json:"duration_ms,omitempty"`

	// checkpoint
	Token string `json:"token,omitempty"`

	// request_failed / request_cancelled / worker_exit
	Reason     *FailureReason `json:"reason,omitempty"`
	ExitReason string         `json:"exit_reason,omitempty"`
}
