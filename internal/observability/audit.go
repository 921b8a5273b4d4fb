package observability

import (
	"context"
	"io"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// AuditEvent represents a structured event for the audit log
type AuditEvent struct {
	Type      string                 `json:"event_type"`
	Timestamp time.Time              `json:"timestamp"`
	Actor     string                 `json:"actor,omitempty"` // session id
	Action    string                 `json:"action"`          // e.g. "request:completed", "tool:exception"
	Status    string                 `json:"status"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	TraceID   string                 `json:"trace_id,omitempty"`
}

// AuditLogger handles recording and persisting audit events
type AuditLogger struct {
	logger zerolog.Logger
	mu     sync.Mutex
	closer io.Closer
}

var (
	auditMu   sync.RWMutex
	auditInst *AuditLogger
)

// GetAuditLogger returns the global audit logger instance. Until
// InitAuditLogger is called events are discarded.
func GetAuditLogger() *AuditLogger {
	auditMu.RLock()
	a := auditInst
	auditMu.RUnlock()
	if a != nil {
		return a
	}

	auditMu.Lock()
	defer auditMu.Unlock()
	if auditInst == nil {
		auditInst = &AuditLogger{logger: zerolog.Nop()}
	}
	return auditInst
}

// InitAuditLogger points the global audit logger at a file
func InitAuditLogger(path string) error {
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	SetAuditWriter(file)
	auditMu.Lock()
	auditInst.closer = file
	auditMu.Unlock()
	return nil
}

// SetAuditWriter replaces the global audit logger with one writing JSON lines to w
func SetAuditWriter(w io.Writer) {
	auditMu.Lock()
	defer auditMu.Unlock()
	auditInst = &AuditLogger{
		logger: zerolog.New(w).With().Timestamp().Logger(),
	}
}

// Record emits an audit event to the log and to the active span, if any
func (a *AuditLogger) Record(ctx context.Context, event AuditEvent) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	span := trace.SpanFromContext(ctx)
	if span.SpanContext().IsValid() {
		event.TraceID = span.SpanContext().TraceID().String()

		span.AddEvent(event.Action, trace.WithAttributes(
			attribute.String("audit.type", event.Type),
			attribute.String("audit.status", event.Status),
			attribute.String("audit.actor", event.Actor),
		))
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	entry := a.logger.Log().
		Str("type", event.Type).
		Str("actor", event.Actor).
		Str("action", event.Action).
		Str("status", event.Status)
	if event.TraceID != "" {
		entry = entry.Str("trace_id", event.TraceID)
	}
	if event.Metadata != nil {
		entry = entry.Interface("metadata", event.Metadata)
	}

	entry.Msg("")
}

// Close closes the audit logger's file handle
func (a *AuditLogger) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closer != nil {
		err := a.closer.Close()
		a.closer = nil
		return err
	}
	return nil
}

// RecordToolAudit records a tool invocation outcome. metadata must already
// be redacted.
func RecordToolAudit(ctx context.Context, toolName, sessionID, status string, metadata map[string]interface{}) {
	GetAuditLogger().Record(ctx, AuditEvent{
		Type:     "tool",
		Actor:    sessionID,
		Action:   "tool:" + toolName,
		Status:   status,
		Metadata: metadata,
	})
}

// RecordRequestAudit records the terminal outcome of a session request
func RecordRequestAudit(ctx context.Context, sessionID, requestID, termination string) {
	GetAuditLogger().Record(ctx, AuditEvent{
		Type:   "request",
		Actor:  sessionID,
		Action: "request:" + termination,
		Status: termination,
		Metadata: map[string]interface{}{
			"request_id": requestID,
		},
	})
}

// RecordConfigAudit records a configuration change such as a tool
// registration
func RecordConfigAudit(ctx context.Context, action, sessionID string, metadata map[string]interface{}) {
	GetAuditLogger().Record(ctx, AuditEvent{
		Type:     "config",
		Actor:    sessionID,
		Action:   action,
		Status:   "success",
		Metadata: metadata,
	})
}
