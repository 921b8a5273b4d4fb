package session

import (
	"github.com/harun/agentloop/internal/logger"
	"github.com/harun/agentloop/pkg/agent"
)

// ApplyOptions are the configuration inputs of Apply
type ApplyOptions struct {
	SessionID      string
	EmitSignals    bool
	RedactToolArgs bool
}

// Accepts reports whether event belongs to the state's current request and
// worker. Events failing the check are stale and must not be applied.
func Accepts(state State, event agent.Event) bool {
	switch event.Kind {
	case agent.KindUnknown:
		return false

	case agent.KindWorkerStarted:
		return event.WorkerPID != "" &&
			event.WorkerPID == state.WorkerPID &&
			state.WorkerStatus == WorkerStarting

	case agent.KindWorkerExit:
		return event.WorkerPID != "" && event.WorkerPID == state.WorkerPID
	}

	if state.ActiveRequestID == "" || event.RequestID != state.ActiveRequestID {
		return false
	}
	if event.WorkerPID != "" && event.WorkerPID != state.WorkerPID {
		return false
	}
	return true
}

// Apply computes the state that follows event and the signals the transition
// produces. It never modifies state. Unknown kinds and stale events return
// state unchanged.
func Apply(state State, event agent.Event, opts ApplyOptions) (State, []Signal) {
	if !Accepts(state, event) {
		return state, nil
	}

	a := applier{opts: opts, event: event, state: state}
	a.state.LastEventAt = event.At

	switch event.Kind {
	case agent.KindRequestStarted:
		a.requestStarted()
	case agent.KindLLMStarted:
		a.llmStarted()
	case agent.KindLLMDelta:
		a.llmDelta()
	case agent.KindLLMCompleted:
		a.llmCompleted()
	case agent.KindToolStarted:
		a.toolStarted()
	case agent.KindToolCompleted:
		a.toolCompleted()
	case agent.KindCheckpoint:
		a.state.CheckpointToken = event.Token
	case agent.KindRequestCompleted:
		a.requestCompleted()
	case agent.KindRequestFailed:
		a.finish(TerminationError, event.Reason)
	case agent.KindRequestCancelled:
		a.finish(TerminationCancelled, event.Reason)
	case agent.KindWorkerStarted:
		a.state.WorkerStatus = WorkerRunning
	case agent.KindWorkerExit:
		a.workerExit()
	}

	if !opts.EmitSignals {
		return a.state, nil
	}
	return a.state, a.signals
}

type applier struct {
	opts    ApplyOptions
	event   agent.Event
	state   State
	signals []Signal
}

func (a *applier) signal(name, requestID string, data map[string]interface{}) {
	if !a.opts.EmitSignals {
		return
	}
	a.signals = append(a.signals, Signal{
		Name:      name,
		SessionID: a.opts.SessionID,
		RequestID: requestID,
		Data:      data,
		At:        a.event.At,
	})
}

func (a *applier) arguments(args map[string]interface{}) map[string]interface{} {
	if a.opts.RedactToolArgs {
		return logger.RedactFields(args)
	}
	if args == nil {
		return nil
	}
	out := make(map[string]interface{}, len(args))
	for k, v := range args {
		out[k] = v
	}
	return out
}

func (a *applier) requestStarted() {
	s := &a.state
	s.Status = StatusAwaitingLLM
	s.resetTransients(a.event.At)
	if a.event.Query != "" {
		s.Query = a.event.Query
	}
	s.RunID = a.event.RunID

	a.signal(SignalRequestStarted, a.event.RequestID, map[string]interface{}{
		"request_id": a.event.RequestID,
		"query":      s.Query,
		"run_id":     s.RunID,
	})
}

func (a *applier) llmStarted() {
	s := &a.state
	s.Status = StatusAwaitingLLM
	s.Iteration = a.event.Iteration
	s.Model = a.event.Model
	s.Text = ""
	s.Thinking = ""
}

func (a *applier) llmDelta() {
	s := &a.state
	if a.event.ChunkType == agent.ChunkThinking {
		s.Thinking += a.event.Delta
	} else {
		s.Text += a.event.Delta
	}

	a.signal(SignalLLMDelta, a.event.RequestID, map[string]interface{}{
		"call_id":    a.event.CallID,
		"delta":      a.event.Delta,
		"chunk_type": a.event.ChunkType,
	})
}

func (a *applier) llmCompleted() {
	s := &a.state
	ev := a.event

	if ev.CallID == "" || ev.CallID != s.LastLLMCallID {
		if ev.Usage != nil {
			turn := Usage{InputTokens: ev.Usage.InputTokens, OutputTokens: ev.Usage.OutputTokens}
			s.Usage = s.Usage.Add(turn)
			s.TotalUsage = s.TotalUsage.Add(turn)
		}
		if ev.Thinking != "" {
			s.ThinkingTrace = append(append([]ThinkingEntry(nil), s.ThinkingTrace...), ThinkingEntry{
				CallID:    ev.CallID,
				Iteration: ev.Iteration,
				Text:      ev.Thinking,
			})
		}
		s.LastLLMCallID = ev.CallID
	}
	if ev.Iteration > 0 {
		s.Iteration = ev.Iteration
	}

	var result interface{}
	if ev.TurnType == agent.TurnToolCalls {
		calls := make([]PendingToolCall, 0, len(ev.ToolCalls))
		described := make([]map[string]interface{}, 0, len(ev.ToolCalls))
		for _, tc := range ev.ToolCalls {
			args := a.arguments(tc.Parameters)
			calls = append(calls, PendingToolCall{
				ID:        tc.ID,
				Name:      tc.Name,
				Arguments: args,
				Status:    ToolCallPending,
			})
			described = append(described, map[string]interface{}{
				"id":        tc.ID,
				"name":      tc.Name,
				"arguments": args,
			})
		}
		s.PendingToolCalls = calls
		s.Status = StatusAwaitingTool
		result = map[string]interface{}{"tool_calls": described}
	} else {
		s.Result = ev.Text
		if ev.Text == "" {
			s.Result = s.Text
		}
		s.Status = StatusCompleted
		result = s.Result
	}

	a.signal(SignalLLMResponse, ev.RequestID, map[string]interface{}{
		"call_id":   ev.CallID,
		"turn_type": ev.TurnType,
		"result":    result,
	})
	if ev.Usage != nil {
		a.signal(SignalLLMUsage, ev.RequestID, map[string]interface{}{
			"call_id":       ev.CallID,
			"model":         s.Model,
			"input_tokens":  ev.Usage.InputTokens,
			"output_tokens": ev.Usage.OutputTokens,
			"total_tokens":  ev.Usage.InputTokens + ev.Usage.OutputTokens,
		})
	}
}

// upsertCall returns the index of the pending call for the event, appending
// a new entry when the id is unknown
func (a *applier) upsertCall() int {
	s := &a.state
	s.clonePending()
	if i := s.pendingIndex(a.event.CallID); i >= 0 {
		return i
	}
	s.PendingToolCalls = append(s.PendingToolCalls, PendingToolCall{
		ID:        a.event.CallID,
		Name:      a.event.ToolName,
		Arguments: a.arguments(a.event.Arguments),
		Status:    ToolCallPending,
	})
	return len(s.PendingToolCalls) - 1
}

func (a *applier) toolStarted() {
	s := &a.state
	i := a.upsertCall()
	call := &s.PendingToolCalls[i]
	if call.Name == "" {
		call.Name = a.event.ToolName
	}
	if a.event.Arguments != nil {
		call.Arguments = a.arguments(a.event.Arguments)
	}
	s.Status = StatusAwaitingTool
}

func (a *applier) toolCompleted() {
	s := &a.state
	ev := a.event
	i := a.upsertCall()
	call := &s.PendingToolCalls[i]
	if call.Name == "" {
		call.Name = ev.ToolName
	}
	call.Status = ToolCallOK
	if ev.Status == string(ToolCallError) {
		call.Status = ToolCallError
	}
	call.Result = ev.Result
	call.Attempts = ev.Attempts
	duration := ev.DurationMS
	call.DurationMS = &duration

	a.signal(SignalToolResult, ev.RequestID, map[string]interface{}{
		"call_id":   ev.CallID,
		"tool_name": call.Name,
		"status":    string(call.Status),
		"result":    ev.Result,
	})
}

func (a *applier) requestCompleted() {
	s := &a.state
	requestID := s.ActiveRequestID
	if a.event.Text != "" {
		s.Result = a.event.Text
	}
	s.Status = StatusCompleted
	s.Termination = TerminationFinalAnswer
	a.closeRequest()

	a.signal(SignalRequestCompleted, requestID, map[string]interface{}{
		"request_id": requestID,
		"result":     s.Result,
		"run_id":     s.RunID,
	})
}

func (a *applier) finish(termination string, reason *agent.FailureReason) {
	s := &a.state
	requestID := s.ActiveRequestID
	s.Status = StatusError
	s.Termination = termination
	if reason == nil {
		reason = &agent.FailureReason{Type: termination}
	} else {
		cp := *reason
		reason = &cp
	}
	s.Failure = reason
	if termination == TerminationCancelled {
		s.CancelReason = reason.Detail
	}
	a.closeRequest()

	a.signal(SignalRequestFailed, requestID, map[string]interface{}{
		"request_id":  requestID,
		"error":       reason.String(),
		"termination": termination,
		"run_id":      s.RunID,
	})
}

func (a *applier) closeRequest() {
	s := &a.state
	s.ActiveRequestID = ""
	s.CompletedAt = a.event.At
	if s.WorkerStatus.Alive() {
		s.WorkerStatus = WorkerReady
	}
}

func (a *applier) workerExit() {
	s := &a.state
	inFlight := s.ActiveRequestID != "" && s.Status.InFlight()
	s.WorkerPID = ""
	s.WorkerStatus = WorkerMissing
	if inFlight {
		a.finish(TerminationError, &agent.FailureReason{
			Type:   agent.ReasonWorkerExit,
			Detail: a.event.ExitReason,
		})
	}
}
