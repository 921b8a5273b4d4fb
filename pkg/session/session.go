package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"github.com/harun/agentloop/internal/observability"
	"github.com/harun/agentloop/internal/tracing"
	"github.com/harun/agentloop/pkg/agent"
	"github.com/harun/agentloop/pkg/commandqueue"
	"github.com/harun/agentloop/pkg/runtimeconfig"
	"github.com/harun/agentloop/pkg/subagent"
	"github.com/harun/agentloop/pkg/toolexecutor"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
)

var (
	// ErrBusy rejects a start while another request is active. Starts are
	// never queued.
	ErrBusy = errors.New("busy")
	// ErrClosed is returned by every operation after Shutdown
	ErrClosed = errors.New("session closed")
	// ErrNoActiveRequest is returned by Cancel when nothing is running
	ErrNoActiveRequest = errors.New("no active request")
	// ErrRequestMismatch is returned by Cancel for a request id other than
	// the active one
	ErrRequestMismatch = errors.New("request id does not match active request")
	// ErrWorkerNotAlive is returned by Cancel before the worker confirmed
	// its start or after it exited
	ErrWorkerNotAlive = errors.New("worker not alive")
	// ErrTraceNotFound is returned for requests without a retained trace
	ErrTraceNotFound = errors.New("trace not found")
)

const commandWarnAfter = 2 * time.Second

// StartCommand starts a request
type StartCommand struct {
	Query string
	// RequestID is generated when empty
	RequestID string
	// ToolContext is merged over the session's base tool context
	ToolContext map[string]interface{}
	// CheckpointToken resumes the conversation it was issued for
	CheckpointToken string
	// Resume uses the session's latest checkpoint token when
	// CheckpointToken is empty
	Resume bool
}

// CancelCommand cancels the active request
type CancelCommand struct {
	// RequestID must match the active request when set
	RequestID string
	Reason    string
}

// Config holds session configuration
type Config struct {
	ID      string
	Runtime *runtimeconfig.Config
	// ToolContext is the base context handed to every tool call
	ToolContext map[string]interface{}

	// Queue and Coordinator are shared between sessions; a session creates
	// and owns private ones when they are nil.
	Queue       *commandqueue.CommandQueue
	Coordinator *subagent.Coordinator

	// Provider backs the default worker. WorkerFactory, when set, replaces
	// the default worker entirely.
	Provider      agent.LLMProvider
	WorkerFactory WorkerFactory
	Telemetry     toolexecutor.TelemetryHandler

	Hub            *SignalHub
	TraceRetention int
	Logger         zerolog.Logger
}

// effectiveConfig is the configuration a request was started with
type effectiveConfig struct {
	config      *runtimeconfig.Config
	toolContext map[string]interface{}
}

// Session drives one conversational agent. Every command and every worker
// event is processed on the session's mailbox lane, one at a time, so the
// fields below the mailbox marker need no locking.
type Session struct {
	id         string
	lane       string
	queue      *commandqueue.CommandQueue
	coord      *subagent.Coordinator
	hub        *SignalHub
	logger     zerolog.Logger
	ownsQueue  bool
	ownsCoord  bool
	closed     atomic.Bool
	lastActive atomic.Int64

	// owned by the mailbox
	state         State
	config        *runtimeconfig.Config
	toolContext   map[string]interface{}
	effective     *effectiveConfig
	lastRequestID string
	traces        *TraceStore
	sup           *supervisor
}

// New creates a session. The worker is spawned lazily by the first Start.
func New(cfg Config) (*Session, error) {
	if err := validateSessionID(cfg.ID); err != nil {
		return nil, err
	}
	if cfg.Runtime == nil {
		return nil, fmt.Errorf("runtime config is required")
	}
	if cfg.Provider == nil && cfg.WorkerFactory == nil {
		return nil, fmt.Errorf("provider or worker factory is required")
	}

	logger := cfg.Logger.With().Str("component", "session").Str("session_id", cfg.ID).Logger()

	s := &Session{
		id:          cfg.ID,
		lane:        "session:" + cfg.ID,
		queue:       cfg.Queue,
		coord:       cfg.Coordinator,
		hub:         cfg.Hub,
		logger:      logger,
		state:       NewState(),
		config:      cfg.Runtime,
		toolContext: copyContext(cfg.ToolContext),
		traces:      NewTraceStore(MaxTraceEvents, cfg.TraceRetention),
	}
	if s.queue == nil {
		s.queue = commandqueue.New()
		s.ownsQueue = true
	}
	if s.coord == nil {
		s.coord = subagent.NewCoordinator(subagent.Config{Logger: cfg.Logger})
		s.ownsCoord = true
	}
	if s.hub == nil {
		s.hub = NewSignalHub()
	}

	factory := cfg.WorkerFactory
	if factory == nil {
		factory = func(sink agent.EventSink) (subagent.Process, error) {
			return agent.NewWorker(agent.WorkerConfig{
				SessionID: cfg.ID,
				Provider:  cfg.Provider,
				Sink:      sink,
				Logger:    cfg.Logger,
				Telemetry: cfg.Telemetry,
			})
		}
	}
	s.sup = &supervisor{
		sessionID: cfg.ID,
		coord:     s.coord,
		factory:   factory,
		sink:      s.Deliver,
		notify:    s.onWorkerNotification,
		logger:    logger,
	}

	s.lastActive.Store(time.Now().UnixNano())

	observability.SessionOpened()
	logger.Info().
		Str("model", cfg.Runtime.Model).
		Bool("ephemeral_secret", cfg.Runtime.EphemeralSecret()).
		Msg("Session created")

	return s, nil
}

// ID returns the session id
func (s *Session) ID() string {
	return s.id
}

// LastActive returns the time of the latest command or event
func (s *Session) LastActive() time.Time {
	return time.Unix(0, s.lastActive.Load())
}

// Closed reports whether Shutdown has run
func (s *Session) Closed() bool {
	return s.closed.Load()
}

// do runs fn on the session mailbox and waits for its result
func (s *Session) do(ctx context.Context, name string, fn func(ctx context.Context) (interface{}, error)) (interface{}, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	s.lastActive.Store(time.Now().UnixNano())
	ctx = tracing.WithSessionID(ctx, s.id)
	return s.queue.EnqueueWithContext(ctx, s.lane, func(ctx context.Context) (interface{}, error) {
		if s.closed.Load() {
			return nil, ErrClosed
		}
		return fn(ctx)
	}, &commandqueue.TaskOptions{
		WarnAfter: commandWarnAfter,
		OnWait: func(wait time.Duration, queuePos int) {
			s.logger.Warn().Str("command", name).Dur("wait", wait).Int("position", queuePos).Msg("Session command waiting")
		},
	})
}

// Start admits a new request and returns its id. It returns ErrBusy,
// leaving the session untouched, while another request is active.
func (s *Session) Start(ctx context.Context, cmd StartCommand) (string, error) {
	ctx, span := tracing.StartSpan(ctx, "agentloop.session", "session.start",
		attribute.String("session_id", s.id))
	defer span.End()

	v, err := s.do(ctx, "start", func(ctx context.Context) (interface{}, error) {
		return s.handleStart(ctx, cmd)
	})
	if err != nil {
		tracing.FailSpan(span, err)
		return "", err
	}
	return v.(string), nil
}

func (s *Session) handleStart(ctx context.Context, cmd StartCommand) (string, error) {
	if s.state.Busy() {
		observability.RecordBusyRejection()
		s.logger.Info().Str("active_request_id", s.state.ActiveRequestID).Msg("Rejecting start while busy")
		return "", ErrBusy
	}

	requestID := cmd.RequestID
	if requestID == "" {
		requestID = tracing.NewRequestID()
	}
	token := cmd.CheckpointToken
	if token == "" && cmd.Resume {
		token = s.state.CheckpointToken
	}
	traceID := tracing.GetTraceID(ctx)
	if traceID == "" {
		traceID = tracing.NewTraceID()
	}

	effective := &effectiveConfig{
		config:      s.config,
		toolContext: mergeContext(s.toolContext, cmd.ToolContext),
	}
	msg := agent.StartMessage{
		RequestID:       requestID,
		Query:           cmd.Query,
		Config:          effective.config,
		ToolContext:     effective.toolContext,
		CheckpointToken: token,
		TraceID:         traceID,
	}

	next, err := s.sup.dispatchStart(s.state.begin(requestID, cmd.Query, time.Now()), msg)
	if err != nil {
		s.logger.Error().Err(err).Str("request_id", requestID).Msg("Failed to dispatch start")
		return "", err
	}

	s.state = next
	s.effective = effective
	s.lastRequestID = requestID

	s.logger.Info().
		Str("request_id", requestID).
		Str("worker_status", string(next.WorkerStatus)).
		Bool("resume", token != "").
		Msg("Request started")
	return requestID, nil
}

// Cancel asks the worker to stop the active request. Cancellation is
// advisory: the request ends when the worker emits request_cancelled.
func (s *Session) Cancel(ctx context.Context, cmd CancelCommand) error {
	_, err := s.do(ctx, "cancel", func(ctx context.Context) (interface{}, error) {
		active := s.state.ActiveRequestID
		if active == "" {
			return nil, ErrNoActiveRequest
		}
		if cmd.RequestID != "" && cmd.RequestID != active {
			return nil, ErrRequestMismatch
		}
		if err := s.sup.cancel(s.state, agent.CancelMessage{RequestID: active, Reason: cmd.Reason}); err != nil {
			return nil, err
		}
		s.state.CancelReason = cmd.Reason
		s.logger.Info().Str("request_id", active).Str("reason", cmd.Reason).Msg("Cancel forwarded")
		return nil, nil
	})
	return err
}

// RegisterTool replaces the session config with one including def. Running
// requests keep the config they started with.
func (s *Session) RegisterTool(ctx context.Context, def *toolexecutor.ToolDefinition) error {
	_, err := s.do(ctx, "register_tool", func(ctx context.Context) (interface{}, error) {
		next, err := s.config.WithTool(def)
		if err != nil {
			return nil, err
		}
		s.config = next
		observability.RecordConfigAudit(ctx, "tool:registered", s.id, map[string]interface{}{"tool": def.Name})
		return nil, nil
	})
	return err
}

// UnregisterTool replaces the session config with one without name
func (s *Session) UnregisterTool(ctx context.Context, name string) error {
	_, err := s.do(ctx, "unregister_tool", func(ctx context.Context) (interface{}, error) {
		s.config = s.config.WithoutTool(name)
		observability.RecordConfigAudit(ctx, "tool:unregistered", s.id, map[string]interface{}{"tool": name})
		return nil, nil
	})
	return err
}

// SetToolContext replaces the base tool context
func (s *Session) SetToolContext(ctx context.Context, toolContext map[string]interface{}) error {
	_, err := s.do(ctx, "set_tool_context", func(ctx context.Context) (interface{}, error) {
		s.toolContext = copyContext(toolContext)
		observability.RecordConfigAudit(ctx, "tool_context:set", s.id, map[string]interface{}{"keys": contextKeys(toolContext)})
		return nil, nil
	})
	return err
}

// SetSystemPrompt replaces the session config with one using prompt
func (s *Session) SetSystemPrompt(ctx context.Context, prompt string) error {
	_, err := s.do(ctx, "set_system_prompt", func(ctx context.Context) (interface{}, error) {
		s.config = s.config.WithSystemPrompt(prompt)
		observability.RecordConfigAudit(ctx, "system_prompt:set", s.id, nil)
		return nil, nil
	})
	return err
}

// Config returns the current runtime config
func (s *Session) Config(ctx context.Context) (*runtimeconfig.Config, error) {
	v, err := s.do(ctx, "config", func(ctx context.Context) (interface{}, error) {
		return s.config, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*runtimeconfig.Config), nil
}

// State returns a copy of the session state
func (s *Session) State(ctx context.Context) (State, error) {
	v, err := s.do(ctx, "state", func(ctx context.Context) (interface{}, error) {
		st := s.state
		st.PendingToolCalls = append([]PendingToolCall(nil), st.PendingToolCalls...)
		st.ThinkingTrace = append([]ThinkingEntry(nil), st.ThinkingTrace...)
		return st, nil
	})
	if err != nil {
		return State{}, err
	}
	return v.(State), nil
}

// Trace returns the stored trace of requestID
func (s *Session) Trace(ctx context.Context, requestID string) (Trace, error) {
	v, err := s.do(ctx, "trace", func(ctx context.Context) (interface{}, error) {
		trace, ok := s.traces.Get(requestID)
		if !ok {
			return nil, ErrTraceNotFound
		}
		return trace, nil
	})
	if err != nil {
		return Trace{}, err
	}
	return v.(Trace), nil
}

// Subscribe returns a channel receiving the session's signals
func (s *Session) Subscribe(buffer int) (<-chan Signal, func()) {
	return s.hub.Subscribe(s.id, buffer)
}

// Deliver applies a worker event. It is the worker's event sink and blocks
// until the event has been applied.
func (s *Session) Deliver(ctx context.Context, event agent.Event) error {
	if s.closed.Load() {
		return ErrClosed
	}
	// A killed worker's context is done; its trailing events are dropped.
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := s.do(ctx, "deliver", func(ctx context.Context) (interface{}, error) {
		s.applyEvent(ctx, event)
		return nil, nil
	})
	return err
}

func (s *Session) onWorkerNotification(n subagent.Notification) {
	if s.closed.Load() {
		return
	}

	event := agent.Event{WorkerPID: n.PID, At: time.Now()}
	switch n.Type {
	case subagent.NotifyStarted:
		event.Kind = agent.KindWorkerStarted
	case subagent.NotifyExit:
		event.Kind = agent.KindWorkerExit
		event.ExitReason = n.Reason
	default:
		return
	}

	err := s.Deliver(context.Background(), event)
	if err != nil && !errors.Is(err, ErrClosed) &&
		!errors.Is(err, commandqueue.ErrClosed) && !errors.Is(err, commandqueue.ErrLaneCleared) {
		s.logger.Warn().Err(err).Str("pid", n.PID).Str("type", string(n.Type)).Msg("Failed to deliver worker notification")
	}
}

// requestConfig returns the config of the active or latest request
func (s *Session) requestConfig() *runtimeconfig.Config {
	if s.effective != nil {
		return s.effective.config
	}
	return s.config
}

func (s *Session) applyEvent(ctx context.Context, event agent.Event) {
	if event.At.IsZero() {
		event.At = time.Now()
	}

	prev := s.state
	if !Accepts(prev, event) {
		s.logger.Debug().
			Str("kind", event.Kind.String()).
			Str("request_id", event.RequestID).
			Str("worker_pid", event.WorkerPID).
			Msg("Ignoring stale event")
		return
	}

	cfg := s.requestConfig()
	next, signals := Apply(prev, event, ApplyOptions{
		SessionID:      s.id,
		EmitSignals:    cfg.Observability.EmitSignals,
		RedactToolArgs: cfg.Observability.RedactToolArgs,
	})
	s.state = next

	traceKey := event.RequestID
	if traceKey == "" {
		traceKey = prev.ActiveRequestID
	}
	s.traces.Append(traceKey, event, cfg.Trace, cfg.Observability.RedactToolArgs)

	for _, sig := range signals {
		s.hub.Publish(sig)
	}

	switch event.Kind {
	case agent.KindWorkerStarted:
		s.logger.Info().Str("pid", event.WorkerPID).Msg("Worker started")
		msg, err := s.sup.onStarted(event.WorkerPID)
		if err != nil && msg != nil {
			s.logger.Error().Err(err).Str("request_id", msg.RequestID).Msg("Failed to deliver deferred start")
			s.applyEvent(ctx, agent.Event{
				Kind:      agent.KindRequestFailed,
				RequestID: msg.RequestID,
				Reason: &agent.FailureReason{
					Type:   agent.ReasonError,
					Detail: fmt.Sprintf("failed to deliver start: %v", err),
				},
			})
		}

	case agent.KindWorkerExit:
		s.logger.Warn().
			Str("pid", event.WorkerPID).
			Str("reason", event.ExitReason).
			Bool("during_request", prev.Busy()).
			Msg("Worker exited")
		s.sup.onExit(event.WorkerPID, prev.Busy())
	}

	if prev.Busy() && !next.Busy() {
		s.requestFinished(ctx, prev.ActiveRequestID, next)
	}
}

func (s *Session) requestFinished(ctx context.Context, requestID string, st State) {
	observability.RecordRequest(st.Termination, st.CompletedAt.Sub(st.StartedAt))
	observability.RecordRequestAudit(ctx, s.id, requestID, st.Termination)

	entry := s.logger.Info()
	if st.Termination != TerminationFinalAnswer {
		entry = s.logger.Warn()
		if st.Failure != nil {
			entry = entry.Str("reason", st.Failure.String())
		}
	}
	entry.
		Str("request_id", requestID).
		Str("termination", st.Termination).
		Int("iterations", st.Iteration).
		Int("total_tokens", st.Usage.Total()).
		Msg("Request finished")
}

// Shutdown stops the worker and closes the session. An active request is
// recorded as cancelled. Shutdown is idempotent.
func (s *Session) Shutdown(ctx context.Context) error {
	if s.closed.Load() {
		return nil
	}

	v, err := s.queue.EnqueueWithContext(ctx, s.lane, func(ctx context.Context) (interface{}, error) {
		if s.closed.Load() {
			return false, nil
		}
		if s.state.Busy() {
			s.applyEvent(ctx, agent.Event{
				Kind:      agent.KindRequestCancelled,
				RequestID: s.state.ActiveRequestID,
				Reason:    &agent.FailureReason{Type: agent.ReasonCancelled, Detail: subagent.ReasonShutdown},
			})
		}
		s.closed.Store(true)
		s.sup.shutdown(s.state)
		return true, nil
	}, nil)
	if err != nil {
		return err
	}
	if closedNow, _ := v.(bool); !closedNow {
		return nil
	}

	s.queue.RemoveLane(s.lane)
	s.hub.CloseSession(s.id)
	observability.SessionClosed()

	if s.ownsCoord {
		if err := s.coord.Shutdown(ctx); err != nil {
			return err
		}
	}
	if s.ownsQueue {
		if err := s.queue.Close(); err != nil {
			return err
		}
	}

	s.logger.Info().Msg("Session closed")
	return nil
}

func copyContext(in map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// mergeContext returns a new map holding base overlaid with override
func mergeContext(base, override map[string]interface{}) map[string]interface{} {
	out := copyContext(base)
	for k, v := range override {
		out[k] = v
	}
	return out
}

func contextKeys(m map[string]interface{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
