package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/harun/agentloop/internal/observability"
	"github.com/harun/agentloop/internal/tracing"
	"github.com/harun/agentloop/pkg/agent"
	"github.com/harun/agentloop/pkg/commandqueue"
	"github.com/harun/agentloop/pkg/subagent"
	"github.com/harun/agentloop/pkg/toolexecutor"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var (
	// ErrSessionNotFound is returned for unknown session ids
	ErrSessionNotFound = errors.New("session not found")
	// ErrSessionExists is returned when opening an id that is already open
	ErrSessionExists = errors.New("session already exists")
)

// ManagerConfig holds the dependencies shared by every managed session
type ManagerConfig struct {
	Provider       agent.LLMProvider
	WorkerFactory  WorkerFactory
	Telemetry      toolexecutor.TelemetryHandler
	InboxSize      int
	TraceRetention int
	Logger         zerolog.Logger
}

// Manager owns a set of sessions sharing one mailbox queue, one process
// coordinator and one signal hub
type Manager struct {
	cfg      ManagerConfig
	queue    *commandqueue.CommandQueue
	coord    *subagent.Coordinator
	hub      *SignalHub
	sessions map[string]*Session
	mu       sync.RWMutex
}

// NewManager creates a session manager
func NewManager(cfg ManagerConfig) *Manager {
	observability.EnsureRegistered()

	m := &Manager{
		cfg:   cfg,
		queue: commandqueue.New(),
		coord: subagent.NewCoordinator(subagent.Config{
			InboxSize: cfg.InboxSize,
			Logger:    cfg.Logger,
		}),
		hub:      NewSignalHub(),
		sessions: make(map[string]*Session),
	}

	log.Info().Msg("Session manager initialized")
	return m
}

// validateSessionID validates a session id for use in lane names and tags
func validateSessionID(id string) error {
	if id == "" {
		return fmt.Errorf("session id cannot be empty")
	}
	if strings.TrimSpace(id) != id {
		return fmt.Errorf("session id cannot have surrounding whitespace")
	}
	if strings.Contains(id, "..") {
		return fmt.Errorf("session id cannot contain '..'")
	}
	if strings.ContainsAny(id, "/\\") {
		return fmt.Errorf("session id cannot contain path separators")
	}
	if strings.Contains(id, "\x00") {
		return fmt.Errorf("session id cannot contain null bytes")
	}
	return nil
}

// Open creates and registers a session. Shared dependencies left unset in
// cfg are filled from the manager.
func (m *Manager) Open(ctx context.Context, cfg Config) (*Session, error) {
	ctx, span := tracing.StartSpan(
		ctx,
		"agentloop.session",
		"session.open",
		attribute.String("session_id", cfg.ID),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, log.Logger).With().Str("session_id", cfg.ID).Logger()

	cfg.Queue = m.queue
	cfg.Coordinator = m.coord
	cfg.Hub = m.hub
	if cfg.Provider == nil {
		cfg.Provider = m.cfg.Provider
	}
	if cfg.WorkerFactory == nil {
		cfg.WorkerFactory = m.cfg.WorkerFactory
	}
	if cfg.Telemetry == nil {
		cfg.Telemetry = m.cfg.Telemetry
	}
	if cfg.TraceRetention == 0 {
		cfg.TraceRetention = m.cfg.TraceRetention
	}
	cfg.Logger = m.cfg.Logger

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.sessions[cfg.ID]; exists {
		span.RecordError(ErrSessionExists)
		span.SetStatus(codes.Error, ErrSessionExists.Error())
		return nil, fmt.Errorf("%w: %s", ErrSessionExists, cfg.ID)
	}

	s, err := New(cfg)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.Error().Err(err).Msg("Failed to open session")
		return nil, err
	}
	m.sessions[cfg.ID] = s

	logger.Debug().Int("sessions", len(m.sessions)).Msg("Session opened")
	return s, nil
}

// Get returns an open session
func (m *Manager) Get(id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return s, nil
}

// List returns the ids of open sessions, sorted
func (m *Manager) List() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Subscribe returns a channel receiving the signals of session id
func (m *Manager) Subscribe(id string, buffer int) (<-chan Signal, func()) {
	return m.hub.Subscribe(id, buffer)
}

// Coordinator returns the process coordinator shared by the sessions
func (m *Manager) Coordinator() *subagent.Coordinator {
	return m.coord
}

// Close shuts a session down and forgets it
func (m *Manager) Close(ctx context.Context, id string) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return s.Shutdown(ctx)
}

// CloseAll shuts every session down
func (m *Manager) CloseAll(ctx context.Context) error {
	m.mu.Lock()
	sessions := m.sessions
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	var errs []error
	for id, s := range sessions {
		if err := s.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("session %s: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

// Shutdown closes every session, then stops the coordinator and the queue
func (m *Manager) Shutdown(ctx context.Context) error {
	err := m.CloseAll(ctx)
	if cerr := m.coord.Shutdown(ctx); cerr != nil {
		err = errors.Join(err, cerr)
	}
	if qerr := m.queue.Close(); qerr != nil {
		err = errors.Join(err, qerr)
	}
	log.Info().Msg("Session manager stopped")
	return err
}
