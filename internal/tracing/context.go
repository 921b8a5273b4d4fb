package tracing

import (
	"context"

	"github.com/google/uuid"
)

// ContextKey is the type for context keys
type ContextKey string

const (
	// TraceIDKey is the context key for trace ID
	TraceIDKey ContextKey = "trace_id"
	// RunIDKey is the context key for the run of one request
	RunIDKey ContextKey = "run_id"
	// SessionIDKey is the context key for the owning session
	SessionIDKey ContextKey = "session_id"
	// RequestIDKey is the context key for the active request
	RequestIDKey ContextKey = "request_id"
	// WorkerPIDKey is the context key for the worker process id
	WorkerPIDKey ContextKey = "worker_pid"
)

// TraceContext holds tracing information
type TraceContext struct {
	TraceID   string
	RunID     string
	SessionID string
	RequestID string
	WorkerPID string
}

// NewTraceID generates a new trace ID
func NewTraceID() string {
	return uuid.New().String()
}

// NewRunID generates a new run ID
func NewRunID() string {
	return uuid.New().String()
}

// NewRequestID generates a new request ID
func NewRequestID() string {
	return uuid.New().String()
}

// WithTraceID adds a trace ID to the context
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, TraceIDKey, traceID)
}

// WithRunID adds a run ID to the context
func WithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, RunIDKey, runID)
}

// WithSessionID adds a session ID to the context
func WithSessionID(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, SessionIDKey, sessionID)
}

// WithRequestID adds a request ID to the context
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, RequestIDKey, requestID)
}

// WithWorkerPID adds a worker pid to the context
func WithWorkerPID(ctx context.Context, pid string) context.Context {
	return context.WithValue(ctx, WorkerPIDKey, pid)
}

func stringValue(ctx context.Context, key ContextKey) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(key).(string); ok {
		return v
	}
	return ""
}

// GetTraceID retrieves the trace ID from the context
func GetTraceID(ctx context.Context) string { return stringValue(ctx, TraceIDKey) }

// GetRunID retrieves the run ID from the context
func GetRunID(ctx context.Context) string { return stringValue(ctx, RunIDKey) }

// GetSessionID retrieves the session ID from the context
func GetSessionID(ctx context.Context) string { return stringValue(ctx, SessionIDKey) }

// GetRequestID retrieves the request ID from the context
func GetRequestID(ctx context.Context) string { return stringValue(ctx, RequestIDKey) }

// GetWorkerPID retrieves the worker pid from the context
func GetWorkerPID(ctx context.Context) string { return stringValue(ctx, WorkerPIDKey) }

// FromContext extracts all tracing information from the context
func FromContext(ctx context.Context) *TraceContext {
	return &TraceContext{
		TraceID:   GetTraceID(ctx),
		RunID:     GetRunID(ctx),
		SessionID: GetSessionID(ctx),
		RequestID: GetRequestID(ctx),
		WorkerPID: GetWorkerPID(ctx),
	}
}

// NewContext copies the non-empty fields of tc into ctx
func NewContext(ctx context.Context, tc *TraceContext) context.Context {
	if tc.TraceID != "" {
		ctx = WithTraceID(ctx, tc.TraceID)
	}
	if tc.RunID != "" {
		ctx = WithRunID(ctx, tc.RunID)
	}
	if tc.SessionID != "" {
		ctx = WithSessionID(ctx, tc.SessionID)
	}
	if tc.RequestID != "" {
		ctx = WithRequestID(ctx, tc.RequestID)
	}
	if tc.WorkerPID != "" {
		ctx = WithWorkerPID(ctx, tc.WorkerPID)
	}
	return ctx
}

// NewRequestContext starts a new trace for an incoming request
func NewRequestContext(ctx context.Context) context.Context {
	return WithTraceID(ctx, NewTraceID())
}

// NewRunContext scopes ctx to one run of requestID with a fresh run ID
func NewRunContext(ctx context.Context, requestID string) context.Context {
	if GetTraceID(ctx) == "" {
		ctx = NewRequestContext(ctx)
	}
	ctx = WithRunID(ctx, NewRunID())
	return WithRequestID(ctx, requestID)
}
