package toolexecutor

import (
	"context"
	"time"

	"github.com/harun/agentloop/internal/logger"
	"github.com/harun/agentloop/internal/observability"
)

// Telemetry event names
const (
	EventToolStart     = "tool.start"
	EventToolStop      = "tool.stop"
	EventToolException = "tool.exception"
)

// TelemetryEvent describes one step of a tool invocation. Arguments and
// Metadata are already redacted when redaction is enabled.
type TelemetryEvent struct {
	Name      string
	Tool      string
	CallID    string
	SessionID string
	Attempt   int
	Duration  time.Duration
	Outcome   string
	Arguments map[string]interface{}
	Metadata  map[string]interface{}
}

// TelemetryHandler receives tool telemetry events. It is called from the
// goroutine running the tool call and must not block.
type TelemetryHandler func(ctx context.Context, event TelemetryEvent)

func (e *Executor) emit(ctx context.Context, event TelemetryEvent) {
	if !e.emitTelemetry {
		return
	}

	if e.redact {
		event.Arguments = logger.RedactFields(event.Arguments)
		event.Metadata = logger.RedactFields(event.Metadata)
	}

	entry := e.logger.Debug()
	if event.Name == EventToolException {
		entry = e.logger.Error()
	}
	entry.
		Str("event", event.Name).
		Str("tool", event.Tool).
		Str("call_id", event.CallID).
		Int("attempt", event.Attempt).
		Str("outcome", event.Outcome).
		Dur("duration", event.Duration).
		Interface("arguments", event.Arguments).
		Msg("tool telemetry")

	if event.Name == EventToolException {
		observability.RecordToolAudit(ctx, event.Tool, event.SessionID, ErrorException, event.Metadata)
	}

	if e.telemetry != nil {
		e.telemetry(ctx, event)
	}
}
