package session

import (
	"context"
	"errors"
	"time"

	"github.com/harun/agentloop/pkg/agent"
)

// ErrAwaitTimeout is returned by Await when the deadline passes first
var ErrAwaitTimeout = errors.New("await timed out")

// Phases reported in snapshots
const (
	PhaseIdle      = "idle"
	PhaseStarting  = "starting_worker"
	PhaseLLM       = "llm"
	PhaseStreaming = "streaming"
	PhaseTools     = "tools"
	PhaseCompleted = "completed"
	PhaseFailed    = "failed"
	PhaseCancelled = "cancelled"
)

// Snapshot is a point-in-time view of a session for polling
type Snapshot struct {
	Status  Status          `json:"status"`
	Done    bool            `json:"done"`
	Result  string          `json:"result,omitempty"`
	Details SnapshotDetails `json:"details"`
}

// UsageSummary reports token counts with their total
type UsageSummary struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

func summarizeUsage(u Usage) UsageSummary {
	return UsageSummary{
		InputTokens:  u.InputTokens,
		OutputTokens: u.OutputTokens,
		TotalTokens:  u.Total(),
	}
}

// Timing reports request timestamps
type Timing struct {
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	LastEventAt *time.Time `json:"last_event_at,omitempty"`
	ElapsedMS   int64      `json:"elapsed_ms"`
}

// SnapshotDetails carries the diagnostic part of a snapshot
type SnapshotDetails struct {
	Phase            string                 `json:"phase"`
	RequestID        string                 `json:"request_id,omitempty"`
	Iteration        int                    `json:"iteration"`
	PendingToolCalls []PendingToolCall      `json:"pending_tool_calls"`
	Usage            UsageSummary           `json:"usage"`
	TotalUsage       UsageSummary           `json:"total_usage"`
	Timing           Timing                 `json:"timing"`
	CheckpointToken  string                 `json:"checkpoint_token,omitempty"`
	WorkerStatus     WorkerStatus           `json:"worker_status"`
	WorkerPID        string                 `json:"worker_pid,omitempty"`
	Termination      string                 `json:"termination,omitempty"`
	Failure          *agent.FailureReason   `json:"failure,omitempty"`
	Thinking         []ThinkingEntry        `json:"thinking,omitempty"`
	TraceSummary     map[string]interface{} `json:"trace_summary"`
	EffectiveConfig  map[string]interface{} `json:"effective_config"`
}

// Snapshot returns the current view of the session
func (s *Session) Snapshot(ctx context.Context) (Snapshot, error) {
	v, err := s.do(ctx, "snapshot", func(ctx context.Context) (interface{}, error) {
		return s.snapshot(time.Now()), nil
	})
	if err != nil {
		return Snapshot{}, err
	}
	return v.(Snapshot), nil
}

func (s *Session) snapshot(now time.Time) Snapshot {
	st := s.state

	cfg := s.config
	toolContext := s.toolContext
	if s.effective != nil {
		cfg = s.effective.config
		toolContext = s.effective.toolContext
	}
	effective := cfg.Summary()
	effective["tool_context_keys"] = contextKeys(toolContext)

	requestID := st.ActiveRequestID
	if requestID == "" {
		requestID = s.lastRequestID
	}

	return Snapshot{
		Status: st.Status,
		Done:   isDone(st),
		Result: st.Result,
		Details: SnapshotDetails{
			Phase:            phaseOf(st),
			RequestID:        requestID,
			Iteration:        st.Iteration,
			PendingToolCalls: append([]PendingToolCall{}, st.PendingToolCalls...),
			Usage:            summarizeUsage(st.Usage),
			TotalUsage:       summarizeUsage(st.TotalUsage),
			Timing:           timingOf(st, now),
			CheckpointToken:  st.CheckpointToken,
			WorkerStatus:     st.WorkerStatus,
			WorkerPID:        st.WorkerPID,
			Termination:      st.Termination,
			Failure:          st.Failure,
			Thinking:         append([]ThinkingEntry(nil), st.ThinkingTrace...),
			TraceSummary:     s.traces.Summary(requestID),
			EffectiveConfig:  effective,
		},
	}
}

func isDone(st State) bool {
	return !st.Busy() && (st.Status == StatusCompleted || st.Status == StatusError)
}

func phaseOf(st State) string {
	switch st.Status {
	case StatusAwaitingLLM:
		if st.WorkerStatus == WorkerStarting {
			return PhaseStarting
		}
		if st.Text != "" || st.Thinking != "" {
			return PhaseStreaming
		}
		return PhaseLLM
	case StatusAwaitingTool:
		return PhaseTools
	case StatusCompleted:
		if st.Busy() {
			return PhaseLLM
		}
		return PhaseCompleted
	case StatusError:
		if st.Termination == TerminationCancelled {
			return PhaseCancelled
		}
		return PhaseFailed
	default:
		return PhaseIdle
	}
}

func timingOf(st State, now time.Time) Timing {
	var t Timing
	if st.StartedAt.IsZero() {
		return t
	}
	started := st.StartedAt
	t.StartedAt = &started
	end := now
	if !st.CompletedAt.IsZero() && !st.Busy() {
		completed := st.CompletedAt
		t.CompletedAt = &completed
		end = completed
	}
	if !st.LastEventAt.IsZero() {
		last := st.LastEventAt
		t.LastEventAt = &last
	}
	t.ElapsedMS = end.Sub(started).Milliseconds()
	return t
}

// Snapshotter is anything Await can poll
type Snapshotter interface {
	Snapshot(ctx context.Context) (Snapshot, error)
}

// AwaitOptions configure Await
type AwaitOptions struct {
	// Interval between polls; zero uses 50ms
	Interval time.Duration
	// Timeout bounds the wait; zero waits until ctx is done
	Timeout time.Duration
}

// Await polls s until its snapshot reports done. It never blocks the
// session: each poll is an ordinary Snapshot call. On timeout the last
// snapshot is returned with ErrAwaitTimeout.
func Await(ctx context.Context, s Snapshotter, opts AwaitOptions) (Snapshot, error) {
	if opts.Interval <= 0 {
		opts.Interval = 50 * time.Millisecond
	}

	var deadline <-chan time.Time
	if opts.Timeout > 0 {
		timer := time.NewTimer(opts.Timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	ticker := time.NewTicker(opts.Interval)
	defer ticker.Stop()

	for {
		snap, err := s.Snapshot(ctx)
		if err != nil {
			return snap, err
		}
		if snap.Done {
			return snap, nil
		}

		select {
		case <-ctx.Done():
			return snap, ctx.Err()
		case <-deadline:
			return snap, ErrAwaitTimeout
		case <-ticker.C:
		}
	}
}
