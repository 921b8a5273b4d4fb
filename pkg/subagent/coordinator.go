package subagent

import (
	"context"
	"fmt"
	"sync"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"
)

const defaultInboxSize = 64

type pidKey struct{}

// PIDFromContext returns the pid of the process whose Run received ctx
func PIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	pid, _ := ctx.Value(pidKey{}).(string)
	return pid
}

type process struct {
	pid    string
	tag    string
	inbox  chan interface{}
	cancel context.CancelFunc
	done   chan struct{}

	mu         sync.Mutex
	killReason string
}

func (p *process) kill(reason string) {
	p.mu.Lock()
	if p.killReason == "" {
		p.killReason = reason
	}
	p.mu.Unlock()
	p.cancel()
}

func (p *process) killedWith() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.killReason
}

// Coordinator spawns and supervises in-process processes. Each process runs
// on its own goroutine with a buffered inbox.
type Coordinator struct {
	inboxSize int
	logger    zerolog.Logger

	mu     sync.RWMutex
	procs  map[string]*process
	runs   map[string]*RunRecord
	closed bool

	// Event handlers
	eventHandlers map[string][]EventHandler
	eventMu       sync.RWMutex
}

// Config holds coordinator configuration
type Config struct {
	InboxSize int
	Logger    zerolog.Logger
}

// NewCoordinator creates a new process coordinator
func NewCoordinator(cfg Config) *Coordinator {
	if cfg.InboxSize <= 0 {
		cfg.InboxSize = defaultInboxSize
	}
	return &Coordinator{
		inboxSize:     cfg.InboxSize,
		logger:        cfg.Logger.With().Str("component", "subagent").Logger(),
		procs:         make(map[string]*process),
		runs:          make(map[string]*RunRecord),
		eventHandlers: make(map[string][]EventHandler),
	}
}

// Spawn starts proc on a new goroutine and returns its pid. notify receives
// the started notification from the new goroutine, never synchronously, and
// the exit notification once Run has returned.
func (c *Coordinator) Spawn(tag string, proc Process, notify NotifyFunc) (string, error) {
	pid, err := gonanoid.New()
	if err != nil {
		return "", fmt.Errorf("failed to generate pid: %w", err)
	}

	ctx, cancel := context.WithCancel(context.WithValue(context.Background(), pidKey{}, pid))
	p := &process{
		pid:    pid,
		tag:    tag,
		inbox:  make(chan interface{}, c.inboxSize),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	record := &RunRecord{
		PID:       pid,
		Tag:       tag,
		Status:    StatusPending,
		StartedAt: time.Now().UnixMilli(),
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		cancel()
		return "", ErrClosed
	}
	c.procs[pid] = p
	c.runs[pid] = record
	c.mu.Unlock()

	c.logger.Debug().Str("pid", pid).Str("tag", tag).Msg("Process spawned")
	c.emit(EventProcessSpawned, *record)

	go c.run(ctx, p, proc, notify)

	return pid, nil
}

func (c *Coordinator) run(ctx context.Context, p *process, proc Process, notify NotifyFunc) {
	defer close(p.done)

	c.setStatus(p.pid, StatusRunning, "")
	if notify != nil {
		notify(Notification{Type: NotifyStarted, Tag: p.tag, PID: p.pid})
	}

	reason := ReasonNormal
	func() {
		defer func() {
			if r := recover(); r != nil {
				reason = fmt.Sprintf("panic: %v", r)
			}
		}()
		if err := proc.Run(ctx, p.inbox); err != nil {
			reason = err.Error()
		}
	}()

	status := StatusFailed
	switch {
	case p.killedWith() != "":
		reason = p.killedWith()
		status = StatusAborted
	case reason == ReasonNormal:
		status = StatusCompleted
	}

	c.mu.Lock()
	delete(c.procs, p.pid)
	c.mu.Unlock()
	p.cancel()

	c.setStatus(p.pid, status, reason)

	c.logger.Debug().
		Str("pid", p.pid).
		Str("tag", p.tag).
		Str("reason", reason).
		Msg("Process exited")

	if notify != nil {
		notify(Notification{Type: NotifyExit, Tag: p.tag, PID: p.pid, Reason: reason})
	}
}

func (c *Coordinator) setStatus(pid string, status RunStatus, reason string) {
	c.mu.Lock()
	record, ok := c.runs[pid]
	if !ok {
		c.mu.Unlock()
		return
	}
	record.Status = status
	if status.IsTerminal() {
		now := time.Now().UnixMilli()
		record.CompletedAt = &now
		record.ExitReason = reason
	}
	snapshot := *record
	c.mu.Unlock()

	if status.IsTerminal() {
		c.emit(EventProcessExited, snapshot)
	}
}

// Send delivers msg to the process inbox without blocking
func (c *Coordinator) Send(pid string, msg interface{}) error {
	c.mu.RLock()
	p, ok := c.procs[pid]
	c.mu.RUnlock()
	if !ok {
		return ErrProcessNotFound
	}

	select {
	case p.inbox <- msg:
		return nil
	default:
		return ErrMailboxFull
	}
}

// Kill cancels the process context. The exit notification carries reason.
func (c *Coordinator) Kill(pid, reason string) error {
	c.mu.RLock()
	p, ok := c.procs[pid]
	c.mu.RUnlock()
	if !ok {
		return ErrProcessNotFound
	}
	if reason == "" {
		reason = ReasonKilled
	}
	p.kill(reason)
	return nil
}

// Alive reports whether pid is still running
func (c *Coordinator) Alive(pid string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.procs[pid]
	return ok
}

// Wait blocks until pid has exited or ctx is done
func (c *Coordinator) Wait(ctx context.Context, pid string) error {
	c.mu.RLock()
	p, ok := c.procs[pid]
	c.mu.RUnlock()
	if !ok {
		return nil
	}
	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// GetRun returns a copy of the run record for pid
func (c *Coordinator) GetRun(pid string) (RunRecord, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	record, ok := c.runs[pid]
	if !ok {
		return RunRecord{}, false
	}
	return *record, true
}

// ListByTag returns the run records spawned under tag
func (c *Coordinator) ListByTag(tag string) []RunRecord {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := []RunRecord{}
	for _, record := range c.runs {
		if record.Tag == tag {
			out = append(out, *record)
		}
	}
	return out
}

// Cleanup removes terminal run records older than retention
func (c *Coordinator) Cleanup(retention time.Duration) int {
	if retention <= 0 {
		retention = 24 * time.Hour
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	cutoff := time.Now().Add(-retention).UnixMilli()
	removed := 0
	for pid, record := range c.runs {
		if !record.Status.IsTerminal() {
			continue
		}
		if record.CompletedAt != nil && *record.CompletedAt <= cutoff {
			delete(c.runs, pid)
			removed++
		}
	}

	c.logger.Debug().Int("removed", removed).Msg("Cleanup completed")
	return removed
}

// GetStats returns coordinator statistics
func (c *Coordinator) GetStats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	stats := Stats{
		TotalRuns: len(c.runs),
	}

	for _, record := range c.runs {
		switch record.Status {
		case StatusPending, StatusRunning:
			stats.ActiveRuns++
		case StatusCompleted:
			stats.CompletedRuns++
		case StatusFailed:
			stats.FailedRuns++
		case StatusAborted:
			stats.AbortedRuns++
		}
	}

	return stats
}

// Shutdown kills every live process and waits for them to exit
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	c.closed = true
	procs := make([]*process, 0, len(c.procs))
	for _, p := range c.procs {
		procs = append(procs, p)
	}
	c.mu.Unlock()

	for _, p := range procs {
		p.kill(ReasonShutdown)
	}
	for _, p := range procs {
		select {
		case <-p.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// On registers an event handler
func (c *Coordinator) On(eventType string, handler EventHandler) {
	c.eventMu.Lock()
	defer c.eventMu.Unlock()

	c.eventHandlers[eventType] = append(c.eventHandlers[eventType], handler)
}

// Off removes all handlers for an event type
func (c *Coordinator) Off(eventType string) {
	c.eventMu.Lock()
	defer c.eventMu.Unlock()

	delete(c.eventHandlers, eventType)
}

// emit emits an event to all registered handlers
func (c *Coordinator) emit(eventType string, record RunRecord) {
	c.eventMu.RLock()
	handlers := c.eventHandlers[eventType]
	c.eventMu.RUnlock()

	for _, handler := range handlers {
		handler(record)
	}
}
