package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"github.com/harun/agentloop/internal/logger"
	"github.com/harun/agentloop/internal/observability"
	"github.com/harun/agentloop/internal/tracing"
	"github.com/harun/agentloop/pkg/checkpoint"
	"github.com/harun/agentloop/pkg/runtimeconfig"
	"github.com/harun/agentloop/pkg/subagent"
	"github.com/harun/agentloop/pkg/toolexecutor"
)

// ErrLLMTimeout is returned when one LLM call exceeds llm.timeout_ms
var ErrLLMTimeout = errors.New("llm call timed out")

// StartMessage asks the worker to run one request
type StartMessage struct {
	RequestID       string
	Query           string
	Config          *runtimeconfig.Config
	ToolContext     map[string]interface{}
	CheckpointToken string
	TraceID         string
}

// CancelMessage asks the worker to stop the request with RequestID
type CancelMessage struct {
	RequestID string
	Reason    string
}

// EventSink receives every event the worker produces, in production order
// per request. ctx is the worker process context.
type EventSink func(ctx context.Context, event Event) error

// WorkerConfig holds worker configuration
type WorkerConfig struct {
	SessionID string
	Provider  LLMProvider
	Sink      EventSink
	Logger    zerolog.Logger
	Telemetry toolexecutor.TelemetryHandler

	// LLMRetries bounds retries of retryable transport errors; zero uses 2
	LLMRetries int
	// LLMRetryBackoff is the base of the exponential retry delay; zero uses 1s
	LLMRetryBackoff time.Duration
}

// Worker runs requests for one session. It is a subagent.Process: the
// session spawns it lazily and talks to it only through its inbox.
type Worker struct {
	sessionID  string
	provider   LLMProvider
	sink       EventSink
	logger     zerolog.Logger
	telemetry  toolexecutor.TelemetryHandler
	llmRetries int
	llmBackoff time.Duration
	redactor   *logger.Redactor
}

type activeRequest struct {
	id     string
	cancel context.CancelFunc
	done   chan struct{}

	mu     sync.Mutex
	reason string
}

func (r *activeRequest) cancelWith(reason string) {
	r.mu.Lock()
	if r.reason == "" {
		r.reason = reason
	}
	r.mu.Unlock()
	r.cancel()
}

func (r *activeRequest) cancelReason() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.reason
}

func (r *activeRequest) finished() bool {
	select {
	case <-r.done:
		return true
	default:
		return false
	}
}

// checkpointState is the payload carried inside checkpoint tokens
type checkpointState struct {
	Messages  []AgentMessage `msgpack:"messages"`
	Iteration int            `msgpack:"iteration"`
}

// NewWorker creates a new worker
func NewWorker(cfg WorkerConfig) (*Worker, error) {
	if cfg.Provider == nil {
		return nil, fmt.Errorf("provider is required")
	}
	if cfg.Sink == nil {
		return nil, fmt.Errorf("event sink is required")
	}
	if cfg.LLMRetries <= 0 {
		cfg.LLMRetries = 2
	}
	if cfg.LLMRetryBackoff <= 0 {
		cfg.LLMRetryBackoff = time.Second
	}

	return &Worker{
		sessionID:  cfg.SessionID,
		provider:   cfg.Provider,
		sink:       cfg.Sink,
		logger:     cfg.Logger.With().Str("component", "worker").Str("session_id", cfg.SessionID).Logger(),
		telemetry:  cfg.Telemetry,
		llmRetries: cfg.LLMRetries,
		llmBackoff: cfg.LLMRetryBackoff,
		redactor:   logger.NewRedactor(),
	}, nil
}

// Run implements subagent.Process. A panic inside a request crashes the
// worker: Run returns an error whose text becomes the exit reason.
func (w *Worker) Run(ctx context.Context, inbox <-chan interface{}) error {
	crash := make(chan error, 1)
	var active *activeRequest

	defer func() {
		if active != nil && !active.finished() {
			active.cancelWith("worker stopped")
			<-active.done
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case err := <-crash:
			return err

		case msg := <-inbox:
			switch m := msg.(type) {
			case StartMessage:
				if active != nil && !active.finished() {
					// The session only starts a request after the previous one
					// emitted its terminal event; wait out the goroutine's exit.
					select {
					case <-active.done:
					case <-ctx.Done():
						return ctx.Err()
					case err := <-crash:
						return err
					}
				}
				active = w.start(ctx, m, crash)

			case CancelMessage:
				if active == nil || active.finished() || active.id != m.RequestID {
					w.logger.Debug().Str("request_id", m.RequestID).Msg("Ignoring cancel for inactive request")
					continue
				}
				w.logger.Info().Str("request_id", m.RequestID).Str("reason", m.Reason).Msg("Cancelling request")
				active.cancelWith(m.Reason)

			default:
				w.logger.Warn().Str("type", fmt.Sprintf("%T", msg)).Msg("Ignoring unknown message")
			}
		}
	}
}

func (w *Worker) start(procCtx context.Context, msg StartMessage, crash chan<- error) *activeRequest {
	reqCtx, cancel := context.WithCancel(procCtx)
	req := &activeRequest{
		id:     msg.RequestID,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	go func() {
		defer close(req.done)
		defer cancel()
		defer func() {
			if r := recover(); r != nil {
				w.logger.Error().
					Str("request_id", msg.RequestID).
					Interface("panic", r).
					Msg("Worker request panicked")
				select {
				case crash <- fmt.Errorf("panic: %v", r):
				default:
				}
			}
		}()
		w.runRequest(procCtx, reqCtx, msg, req)
	}()

	return req
}

// requestRun carries the per-request state of runRequest
type requestRun struct {
	w       *Worker
	procCtx context.Context
	msg     StartMessage
	cfg     *runtimeconfig.Config
	req     *activeRequest
	logger  zerolog.Logger
	pid     string
}

func (r *requestRun) emit(event Event) {
	event.RequestID = r.msg.RequestID
	event.WorkerPID = r.pid
	event.At = time.Now()
	if err := r.w.sink(r.procCtx, event); err != nil {
		r.logger.Warn().Err(err).Str("kind", event.Kind.String()).Msg("Failed to deliver event")
	}
}

func (r *requestRun) fail(reasonType, detail string, iteration int) {
	r.emit(Event{
		Kind:      KindRequestFailed,
		Iteration: iteration,
		Reason:    &FailureReason{Type: reasonType, Detail: r.w.redactor.Redact(detail)},
	})
}

func (r *requestRun) cancelled(iteration int) {
	r.emit(Event{
		Kind:      KindRequestCancelled,
		Iteration: iteration,
		Reason:    &FailureReason{Type: ReasonCancelled, Detail: r.req.cancelReason()},
	})
}

func (w *Worker) runRequest(procCtx, ctx context.Context, msg StartMessage, req *activeRequest) {
	pid := subagent.PIDFromContext(procCtx)
	ctx = tracing.NewContext(ctx, &tracing.TraceContext{
		TraceID:   msg.TraceID,
		SessionID: w.sessionID,
		WorkerPID: pid,
	})
	ctx = tracing.NewRunContext(ctx, msg.RequestID)
	ctx, span := tracing.StartSpan(ctx, "agentloop.agent", "worker.request",
		attribute.String("session_id", w.sessionID),
		attribute.String("request_id", msg.RequestID),
	)
	defer span.End()

	run := &requestRun{
		w:       w,
		procCtx: procCtx,
		msg:     msg,
		cfg:     msg.Config,
		req:     req,
		logger:  tracing.LoggerFromContext(ctx, w.logger),
		pid:     pid,
	}

	run.emit(Event{Kind: KindRequestStarted, Query: msg.Query, RunID: tracing.GetRunID(ctx)})

	if run.cfg == nil {
		run.fail(ReasonError, "runtime config missing", 0)
		return
	}
	cfg := run.cfg

	signer, err := checkpoint.NewSigner(cfg.Token.Secret, cfg.Token.TTL, cfg.Token.Compress)
	if err != nil {
		run.fail(ReasonError, err.Error(), 0)
		return
	}

	var messages []AgentMessage
	iteration := 0
	if msg.CheckpointToken != "" {
		var state checkpointState
		if _, err := signer.Verify(msg.CheckpointToken, cfg.Fingerprint(), &state); err != nil {
			run.logger.Warn().Err(err).Msg("Rejecting checkpoint token")
			run.fail(ReasonCheckpointInvalid, err.Error(), 0)
			return
		}
		messages = state.Messages
		iteration = state.Iteration
		run.logger.Info().Int("iteration", iteration).Int("messages", len(messages)).Msg("Resuming from checkpoint")
	}
	if msg.Query != "" {
		messages = append(messages, AgentMessage{Role: RoleUser, Content: msg.Query})
	}

	registry := cfg.Tools()
	specs := toolSpecs(registry)
	executor := toolexecutor.New(cfg.ToolPolicy(),
		toolexecutor.WithLogger(w.logger),
		toolexecutor.WithTelemetry(w.telemetry),
		toolexecutor.WithEmitTelemetry(cfg.Observability.EmitTelemetry),
		toolexecutor.WithRedaction(cfg.Observability.RedactToolArgs),
		toolexecutor.WithSessionID(w.sessionID),
	)

	for {
		if ctx.Err() != nil {
			run.cancelled(iteration)
			return
		}
		if iteration >= cfg.MaxIterations {
			run.fail(ReasonMaxIterations, fmt.Sprintf("reached %d iterations", cfg.MaxIterations), iteration)
			return
		}
		iteration++

		callID := uuid.NewString()
		run.emit(Event{
			Kind:      KindLLMStarted,
			Iteration: iteration,
			CallID:    callID,
			Model:     cfg.Model,
			Messages:  append([]AgentMessage(nil), messages...),
		})

		response, err := run.callLLM(ctx, specs, messages, callID, iteration)
		if err != nil {
			switch {
			case ctx.Err() != nil:
				run.cancelled(iteration)
			case errors.Is(err, ErrLLMTimeout):
				run.fail(ReasonTimeout, err.Error(), iteration)
			default:
				run.fail(ReasonError, err.Error(), iteration)
			}
			return
		}

		if response.Usage != nil {
			observability.RecordTokenUsage(cfg.Model, response.Usage.InputTokens, response.Usage.OutputTokens)
		}

		if len(response.ToolCalls) == 0 {
			run.emit(Event{
				Kind:      KindLLMCompleted,
				Iteration: iteration,
				CallID:    callID,
				Model:     cfg.Model,
				TurnType:  TurnFinalAnswer,
				Text:      response.Content,
				Thinking:  response.Thinking,
				Usage:     response.Usage,
			})
			run.emit(Event{Kind: KindRequestCompleted, Iteration: iteration, Text: response.Content})
			return
		}

		run.emit(Event{
			Kind:      KindLLMCompleted,
			Iteration: iteration,
			CallID:    callID,
			Model:     cfg.Model,
			TurnType:  TurnToolCalls,
			Text:      response.Content,
			Thinking:  response.Thinking,
			ToolCalls: response.ToolCalls,
			Usage:     response.Usage,
		})

		results := run.executeTools(ctx, executor, registry, response.ToolCalls, iteration)
		if ctx.Err() != nil {
			run.cancelled(iteration)
			return
		}

		messages = append(messages, AgentMessage{
			Role:      RoleAssistant,
			Content:   response.Content,
			ToolCalls: response.ToolCalls,
		})
		for _, res := range results {
			messages = append(messages, AgentMessage{
				Role:       RoleTool,
				Content:    toolResultContent(res),
				ToolCallID: res.CallID,
				IsError:    !res.OK(),
			})
		}

		token, err := signer.Issue(cfg.Fingerprint(), msg.RequestID, checkpointState{
			Messages:  messages,
			Iteration: iteration,
		})
		if err != nil {
			run.logger.Warn().Err(err).Msg("Failed to issue checkpoint token")
			continue
		}
		run.emit(Event{Kind: KindCheckpoint, Iteration: iteration, Token: token})
	}
}

func (r *requestRun) executeTools(ctx context.Context, executor *toolexecutor.Executor, registry toolexecutor.Registry, toolCalls []ToolCall, iteration int) []toolexecutor.Result {
	calls := make([]toolexecutor.Call, len(toolCalls))
	for i, tc := range toolCalls {
		calls[i] = toolexecutor.Call{
			ID:        tc.ID,
			Name:      tc.Name,
			Arguments: tc.Parameters,
			Context:   r.msg.ToolContext,
		}
	}

	return executor.ExecuteBatch(ctx, registry, calls, toolexecutor.BatchHooks{
		OnStart: func(call toolexecutor.Call) {
			r.emit(Event{
				Kind:      KindToolStarted,
				Iteration: iteration,
				CallID:    call.ID,
				ToolName:  call.Name,
				Arguments: call.Arguments,
			})
		},
		OnComplete: func(res toolexecutor.Result) {
			status := "ok"
			if !res.OK() {
				status = "error"
			}
			r.emit(Event{
				Kind:       KindToolCompleted,
				Iteration:  iteration,
				CallID:     res.CallID,
				ToolName:   res.Name,
				Result:     res.Value(),
				Status:     status,
				Attempts:   res.Attempts,
				DurationMS: res.Duration.Milliseconds(),
			})
		},
	})
}

// callLLM calls the provider, retrying retryable transport errors with
// exponential backoff. A call that already streamed deltas is not retried.
func (r *requestRun) callLLM(ctx context.Context, specs []ToolSpec, messages []AgentMessage, callID string, iteration int) (*LLMResponse, error) {
	cfg := r.cfg
	request := LLMRequest{
		Model:        cfg.Model,
		Messages:     messages,
		Tools:        specs,
		ToolChoice:   cfg.LLM.ToolChoice,
		Temperature:  cfg.LLM.Temperature,
		MaxTokens:    cfg.LLM.MaxTokens,
		SystemPrompt: cfg.SystemPrompt,
	}

	for attempt := 0; ; attempt++ {
		streamed := false
		onChunk := func(chunk StreamChunk) {
			streamed = true
			r.emit(Event{
				Kind:      KindLLMDelta,
				Iteration: iteration,
				CallID:    callID,
				Delta:     chunk.Text,
				ChunkType: chunk.Type,
			})
		}

		start := time.Now()
		response, err := r.w.callOnce(ctx, cfg.LLM.Timeout, request, onChunk)
		observability.RecordLLMCall(r.w.provider.Provider(), time.Since(start), err == nil)
		if err == nil {
			return response, nil
		}

		if streamed || ctx.Err() != nil || errors.Is(err, ErrLLMTimeout) ||
			!IsRetryableError(err) || attempt >= r.w.llmRetries {
			return nil, err
		}

		delay := r.w.llmBackoff * time.Duration(1<<attempt)
		r.logger.Info().
			Int("attempt", attempt+1).
			Dur("delay", delay).
			Err(err).
			Msg("Retrying LLM call after error")

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}
}

func (w *Worker) callOnce(ctx context.Context, timeout time.Duration, request LLMRequest, onChunk func(StreamChunk)) (*LLMResponse, error) {
	callCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	var response *LLMResponse
	var err error
	if sp, ok := w.provider.(StreamingProvider); ok {
		response, err = sp.Stream(callCtx, request, onChunk)
	} else {
		response, err = w.provider.Call(callCtx, request)
	}

	if err != nil {
		if ctx.Err() == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w after %s", ErrLLMTimeout, timeout)
		}
		return nil, err
	}
	if response == nil {
		return nil, fmt.Errorf("provider %s returned no response", w.provider.Provider())
	}
	return response, nil
}

func toolSpecs(registry toolexecutor.Registry) []ToolSpec {
	names := registry.Names()
	if len(names) == 0 {
		return nil
	}
	specs := make([]ToolSpec, 0, len(names))
	for _, name := range names {
		def := registry.Get(name)
		specs = append(specs, ToolSpec{
			Name:        def.Name,
			Description: def.Description,
			InputSchema: def.InputSchema(),
		})
	}
	return specs
}

func toolResultContent(res toolexecutor.Result) string {
	value := res.Value()
	if s, ok := value.(string); ok {
		return s
	}
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Sprintf("%v", value)
	}
	return string(data)
}
