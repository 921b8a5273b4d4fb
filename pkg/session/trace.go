package session

import (
	"github.com/harun/agentloop/internal/logger"
	"github.com/harun/agentloop/pkg/agent"
	"github.com/harun/agentloop/pkg/runtimeconfig"
)

const (
	// MaxTraceEvents bounds the events stored per request
	MaxTraceEvents = 2000
	// DefaultTraceRetention is the number of request traces kept per session
	DefaultTraceRetention = 32
)

// Trace is the stored event history of one request
type Trace struct {
	RequestID string        `json:"request_id"`
	Events    []agent.Event `json:"events"`
	Truncated bool          `json:"truncated"`
}

// TraceStore keeps the traces of a session's most recent requests. It is
// owned by the session mailbox and is not safe for concurrent use.
type TraceStore struct {
	maxEvents int
	retention int
	traces    map[string]*Trace
	order     []string
}

// NewTraceStore creates a store keeping at most retention traces of at most
// maxEvents events each. Non-positive values select the defaults.
func NewTraceStore(maxEvents, retention int) *TraceStore {
	if maxEvents <= 0 {
		maxEvents = MaxTraceEvents
	}
	if retention <= 0 {
		retention = DefaultTraceRetention
	}
	return &TraceStore{
		maxEvents: maxEvents,
		retention: retention,
		traces:    make(map[string]*Trace),
	}
}

// Append records event in the trace of requestID, filtered by the capture
// settings. It reports whether the event was stored.
func (ts *TraceStore) Append(requestID string, event agent.Event, capture runtimeconfig.TraceSettings, redact bool) bool {
	if requestID == "" {
		return false
	}
	event, keep := filterEvent(event, capture, redact)
	if !keep {
		return false
	}

	trace := ts.traces[requestID]
	if trace == nil {
		trace = &Trace{RequestID: requestID}
		ts.traces[requestID] = trace
		ts.order = append(ts.order, requestID)
		ts.evict()
	}

	if trace.Truncated || len(trace.Events) >= ts.maxEvents {
		trace.Truncated = true
		return false
	}
	trace.Events = append(trace.Events, event)
	return true
}

func (ts *TraceStore) evict() {
	for len(ts.order) > ts.retention {
		delete(ts.traces, ts.order[0])
		ts.order = ts.order[1:]
	}
}

// Get returns a copy of the trace of requestID
func (ts *TraceStore) Get(requestID string) (Trace, bool) {
	trace, ok := ts.traces[requestID]
	if !ok {
		return Trace{}, false
	}
	return Trace{
		RequestID: trace.RequestID,
		Events:    append([]agent.Event(nil), trace.Events...),
		Truncated: trace.Truncated,
	}, true
}

// Len returns the number of retained traces
func (ts *TraceStore) Len() int {
	return len(ts.traces)
}

// Summary describes the trace of requestID for snapshots
func (ts *TraceStore) Summary(requestID string) map[string]interface{} {
	summary := map[string]interface{}{
		"retained_traces": len(ts.traces),
	}
	if trace, ok := ts.traces[requestID]; ok {
		summary["request_id"] = requestID
		summary["events"] = len(trace.Events)
		summary["truncated"] = trace.Truncated
	}
	return summary
}

func filterEvent(event agent.Event, capture runtimeconfig.TraceSettings, redact bool) (agent.Event, bool) {
	if event.Kind == agent.KindLLMDelta {
		if !capture.CaptureDeltas {
			return event, false
		}
		if event.ChunkType == agent.ChunkThinking && !capture.CaptureThinking {
			return event, false
		}
	}
	if !capture.CaptureThinking {
		event.Thinking = ""
	}
	if !capture.CaptureMessages {
		event.Messages = nil
	}
	if redact {
		event.Arguments = logger.RedactFields(event.Arguments)
		if len(event.ToolCalls) > 0 {
			calls := make([]agent.ToolCall, len(event.ToolCalls))
			for i, tc := range event.ToolCalls {
				tc.Parameters = logger.RedactFields(tc.Parameters)
				calls[i] = tc
			}
			event.ToolCalls = calls
		}
	}
	return event, true
}
