package toolexecutor

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/xeipuuv/gojsonschema"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/harun/agentloop/internal/logger"
	"github.com/harun/agentloop/internal/observability"
	"github.com/harun/agentloop/internal/tracing"
)

const maxExceptionMessage = 200

// Policy bounds how tool calls run
type Policy struct {
	Timeout      time.Duration
	MaxRetries   int
	RetryBackoff time.Duration
	Concurrency  int
}

// DefaultPolicy returns the default execution policy
func DefaultPolicy() Policy {
	return Policy{
		Timeout:      15 * time.Second,
		MaxRetries:   1,
		RetryBackoff: 200 * time.Millisecond,
		Concurrency:  4,
	}
}

// Call is one requested tool invocation
type Call struct {
	ID        string                 `json:"id"`
	Name      string                 `json:"name"`
	Arguments map[string]interface{} `json:"arguments"`
	Context   map[string]interface{} `json:"-"`
}

// Result is the outcome of a Call. Exactly one of Output and Err is meaningful.
type Result struct {
	CallID    string        `json:"call_id"`
	Name      string        `json:"name"`
	Output    interface{}   `json:"output,omitempty"`
	Err       *Envelope     `json:"error,omitempty"`
	Truncated bool          `json:"truncated,omitempty"`
	Attempts  int           `json:"attempts"`
	Duration  time.Duration `json:"duration"`
}

// OK reports whether the call succeeded
func (r Result) OK() bool {
	return r.Err == nil
}

// Value returns the output on success or the envelope map on failure
func (r Result) Value() interface{} {
	if r.Err != nil {
		return r.Err.Map()
	}
	return r.Output
}

// Outcome returns "ok" or the envelope type
func (r Result) Outcome() string {
	if r.Err != nil {
		return r.Err.Type
	}
	return "ok"
}

// Option configures an Executor
type Option func(*Executor)

// WithLogger sets the executor logger
func WithLogger(l zerolog.Logger) Option {
	return func(e *Executor) { e.logger = l }
}

// WithTelemetry registers a handler for tool.start / tool.stop / tool.exception
func WithTelemetry(h TelemetryHandler) Option {
	return func(e *Executor) { e.telemetry = h }
}

// WithEmitTelemetry toggles telemetry emission
func WithEmitTelemetry(enabled bool) Option {
	return func(e *Executor) { e.emitTelemetry = enabled }
}

// WithRedaction toggles redaction of telemetry arguments
func WithRedaction(enabled bool) Option {
	return func(e *Executor) { e.redact = enabled }
}

// WithSessionID tags telemetry and handler call info with the owning session
func WithSessionID(id string) Option {
	return func(e *Executor) { e.sessionID = id }
}

// Executor runs tool calls for one session. All calls share one concurrency
// cap regardless of which tool they target.
type Executor struct {
	policy        Policy
	sem           *semaphore.Weighted
	logger        zerolog.Logger
	telemetry     TelemetryHandler
	emitTelemetry bool
	redact        bool
	sessionID     string
	redactor      *logger.Redactor

	schemas sync.Map // *ToolDefinition -> *gojsonschema.Schema
}

// New creates an executor bound to policy
func New(policy Policy, opts ...Option) *Executor {
	if policy.Concurrency < 1 {
		policy.Concurrency = 1
	}
	if policy.MaxRetries < 0 {
		policy.MaxRetries = 0
	}
	if policy.Timeout <= 0 {
		policy.Timeout = DefaultPolicy().Timeout
	}

	e := &Executor{
		policy:        policy,
		sem:           semaphore.NewWeighted(int64(policy.Concurrency)),
		logger:        zerolog.Nop(),
		emitTelemetry: true,
		redact:        true,
		redactor:      logger.NewRedactor(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With().Str("component", "toolexecutor").Logger()
	return e
}

// Policy returns the policy the executor enforces
func (e *Executor) Policy() Policy {
	return e.policy
}

// BatchHooks observe calls run by ExecuteBatch
type BatchHooks struct {
	// OnStart fires once a call holds a concurrency slot
	OnStart func(call Call)
	// OnComplete fires when a call finishes, before the batch is joined
	OnComplete func(result Result)
}

// ExecuteBatch runs calls concurrently under the executor's cap and returns
// their results in call order once every call has finished.
func (e *Executor) ExecuteBatch(ctx context.Context, registry Registry, calls []Call, hooks BatchHooks) []Result {
	results := make([]Result, len(calls))

	var g errgroup.Group
	for i, call := range calls {
		g.Go(func() error {
			res := e.execute(ctx, registry, call, hooks.OnStart)
			if hooks.OnComplete != nil {
				hooks.OnComplete(res)
			}
			results[i] = res
			return nil
		})
	}
	_ = g.Wait()

	return results
}

// Execute runs one call
func (e *Executor) Execute(ctx context.Context, registry Registry, call Call) Result {
	return e.execute(ctx, registry, call, nil)
}

func (e *Executor) execute(ctx context.Context, registry Registry, call Call, onStart func(Call)) Result {
	start := time.Now()
	res := Result{CallID: call.ID, Name: call.Name}

	ctx, span := tracing.StartSpan(ctx, "agentloop.toolexecutor", "tool.execute",
		attribute.String("tool.name", call.Name),
		attribute.String("tool.call_id", call.ID),
	)
	defer span.End()

	finish := func(r Result) Result {
		r.Duration = time.Since(start)
		span.SetAttributes(
			attribute.Int("tool.attempts", r.Attempts),
			attribute.String("tool.outcome", r.Outcome()),
		)
		if r.Err != nil {
			tracing.FailSpan(span, r.Err)
		}
		observability.RecordToolExecution(call.Name, r.Duration, r.Outcome())
		return r
	}

	def := registry.Get(call.Name)
	if def == nil {
		e.logger.Warn().Str("tool", call.Name).Msg("Tool not found")
		res.Err = &Envelope{
			Type:    ErrorNotFound,
			Message: fmt.Sprintf("tool not found: %s", call.Name),
		}
		return finish(res)
	}

	params := coerceArguments(def, call.Arguments)
	schema, err := e.schemaFor(def)
	if err == nil {
		err = validateArguments(schema, params)
	}
	if err != nil {
		e.logger.Warn().Str("tool", call.Name).Err(err).Msg("Argument validation failed")
		res.Err = &Envelope{
			Type:    ErrorExecution,
			Message: e.redactor.Redact(err.Error()),
			Kind:    "invalid_arguments",
		}
		return finish(res)
	}

	if err := e.sem.Acquire(ctx, 1); err != nil {
		res.Err = &Envelope{Type: ErrorExecution, Message: "cancelled before start", Kind: "cancelled"}
		return finish(res)
	}
	observability.ToolSlotAcquired()
	defer func() {
		observability.ToolSlotReleased()
		e.sem.Release(1)
	}()

	if onStart != nil {
		onStart(call)
	}

	hctx := WithToolContext(ctx, call.Context)

	for attempt := 1; ; attempt++ {
		res.Attempts = attempt
		e.emit(ctx, TelemetryEvent{
			Name:      EventToolStart,
			Tool:      call.Name,
			CallID:    call.ID,
			SessionID: e.sessionID,
			Attempt:   attempt,
			Arguments: params,
		})

		attemptStart := time.Now()
		actx := withCallInfo(hctx, CallInfo{CallID: call.ID, SessionID: e.sessionID, Attempt: attempt})
		output, env, cause := e.invoke(ctx, actx, def, params)

		stop := TelemetryEvent{
			Name:      EventToolStop,
			Tool:      call.Name,
			CallID:    call.ID,
			SessionID: e.sessionID,
			Attempt:   attempt,
			Duration:  time.Since(attemptStart),
			Outcome:   "ok",
			Arguments: params,
		}
		if env != nil {
			stop.Outcome = env.Type
		}
		e.emit(ctx, stop)

		if env == nil {
			res.Output, res.Truncated = Normalize(output)
			if res.Truncated {
				e.logger.Warn().Str("tool", call.Name).Msg("Tool output truncated")
			}
			return finish(res)
		}

		res.Err = env
		if env.Type != ErrorExecution || cause == nil {
			return finish(res)
		}
		if attempt > e.policy.MaxRetries || !def.isRetryable(cause) || ctx.Err() != nil {
			return finish(res)
		}

		backoff := time.Duration(attempt) * e.policy.RetryBackoff
		e.logger.Debug().
			Str("tool", call.Name).
			Int("attempt", attempt).
			Dur("backoff", backoff).
			Msg("Retrying tool call")
		observability.RecordToolRetry(call.Name)

		if backoff > 0 {
			timer := time.NewTimer(backoff)
			select {
			case <-ctx.Done():
				timer.Stop()
				return finish(res)
			case <-timer.C:
			}
		}
	}
}

type panicValue struct {
	value interface{}
	stack []byte
}

type outcome struct {
	output interface{}
	err    error
	panic  *panicValue
}

// invoke runs the handler once under the policy timeout. On failure it
// returns the envelope and, for handler errors, the original error so the
// caller can classify it.
func (e *Executor) invoke(ctx, hctx context.Context, def *ToolDefinition, params map[string]interface{}) (interface{}, *Envelope, error) {
	timeoutCtx, cancel := context.WithTimeout(hctx, e.policy.Timeout)
	defer cancel()

	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{panic: &panicValue{value: r, stack: debug.Stack()}}
			}
		}()
		out, err := def.Handler(timeoutCtx, params)
		done <- outcome{output: out, err: err}
	}()

	select {
	case o := <-done:
		switch {
		case o.panic != nil:
			return nil, e.exceptionEnvelope(ctx, hctx, def, o.panic), nil
		case o.err != nil:
			if ctx.Err() == nil && timeoutCtx.Err() == context.DeadlineExceeded && errors.Is(o.err, context.DeadlineExceeded) {
				return nil, e.timeoutEnvelope(), nil
			}
			if env, ok := AsEnvelope(o.err); ok {
				return nil, env, o.err
			}
			return nil, &Envelope{
				Type:    ErrorExecution,
				Message: e.redactor.Redact(o.err.Error()),
			}, o.err
		default:
			return o.output, nil, nil
		}
	case <-timeoutCtx.Done():
		if ctx.Err() != nil {
			return nil, &Envelope{Type: ErrorExecution, Message: "cancelled", Kind: "cancelled"}, nil
		}
		e.logger.Warn().Str("tool", def.Name).Dur("timeout", e.policy.Timeout).Msg("Tool execution timeout")
		return nil, e.timeoutEnvelope(), nil
	}
}

func (e *Executor) timeoutEnvelope() *Envelope {
	return &Envelope{
		Type:    ErrorTimeout,
		Message: fmt.Sprintf("tool execution timeout after %v", e.policy.Timeout),
		Details: map[string]interface{}{"timeout_ms": e.policy.Timeout.Milliseconds()},
	}
}

func (e *Executor) exceptionEnvelope(ctx, hctx context.Context, def *ToolDefinition, p *panicValue) *Envelope {
	kind := fmt.Sprintf("%T", p.value)
	msg := fmt.Sprint(p.value)
	info, _ := CallInfoFrom(hctx)

	e.logger.Error().
		Str("tool", def.Name).
		Str("call_id", info.CallID).
		Int("attempt", info.Attempt).
		Str("kind", kind).
		Str("panic", msg).
		Bytes("stack", p.stack).
		Msg("Tool panicked")

	e.emit(ctx, TelemetryEvent{
		Name:      EventToolException,
		Tool:      def.Name,
		CallID:    info.CallID,
		SessionID: e.sessionID,
		Attempt:   info.Attempt,
		Outcome:   ErrorException,
		Metadata:  map[string]interface{}{"kind": kind},
	})

	return &Envelope{
		Type:    ErrorException,
		Message: sanitizeMessage(e.redactor.Redact(msg)),
		Kind:    kind,
	}
}

// sanitizeMessage keeps the first line of msg and bounds its length
func sanitizeMessage(msg string) string {
	if i := strings.IndexByte(msg, '\n'); i >= 0 {
		msg = msg[:i]
	}
	msg = strings.TrimSpace(msg)
	if len(msg) > maxExceptionMessage {
		msg = truncateUTF8(msg, maxExceptionMessage) + "..."
	}
	if msg == "" {
		msg = "tool raised an unexpected error"
	}
	return msg
}

func (e *Executor) schemaFor(def *ToolDefinition) (*gojsonschema.Schema, error) {
	if s, ok := e.schemas.Load(def); ok {
		return s.(*gojsonschema.Schema), nil
	}
	schema, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(def.InputSchema()))
	if err != nil {
		return nil, fmt.Errorf("failed to generate schema: %w", err)
	}
	e.schemas.Store(def, schema)
	return schema, nil
}
