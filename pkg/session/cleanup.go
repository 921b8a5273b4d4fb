package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	DefaultIdleTimeout     = 30 * time.Minute
	DefaultRunRetention    = time.Hour
	DefaultCleanupInterval = time.Minute
)

// Cleanup periodically closes idle sessions and prunes finished worker run
// records from the coordinator
type Cleanup struct {
	manager      *Manager
	idleTimeout  time.Duration
	runRetention time.Duration
	interval     time.Duration

	mu      sync.Mutex
	stopCh  chan struct{}
	doneCh  chan struct{}
	running bool
}

// NewCleanup creates a cleanup handler. Zero durations select the defaults.
func NewCleanup(manager *Manager, idleTimeout, runRetention, interval time.Duration) *Cleanup {
	if idleTimeout == 0 {
		idleTimeout = DefaultIdleTimeout
	}
	if runRetention == 0 {
		runRetention = DefaultRunRetention
	}
	if interval == 0 {
		interval = DefaultCleanupInterval
	}

	return &Cleanup{
		manager:      manager,
		idleTimeout:  idleTimeout,
		runRetention: runRetention,
		interval:     interval,
	}
}

// Start starts the cleanup loop
func (c *Cleanup) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.running {
		return fmt.Errorf("cleanup is already running")
	}

	c.running = true
	c.stopCh = make(chan struct{})
	c.doneCh = make(chan struct{})
	go c.run(c.stopCh, c.doneCh)

	log.Info().
		Dur("idle_timeout", c.idleTimeout).
		Dur("run_retention", c.runRetention).
		Msg("Session cleanup started")

	return nil
}

// Stop stops the cleanup loop and waits for it to exit
func (c *Cleanup) Stop() error {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return fmt.Errorf("cleanup is not running")
	}
	c.running = false
	close(c.stopCh)
	done := c.doneCh
	c.mu.Unlock()

	<-done
	log.Info().Msg("Session cleanup stopped")
	return nil
}

// IsRunning returns whether the cleanup loop is running
func (c *Cleanup) IsRunning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

func (c *Cleanup) run(stopCh <-chan struct{}, doneCh chan<- struct{}) {
	defer close(doneCh)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.RunOnce(context.Background())
		case <-stopCh:
			return
		}
	}
}

// RunOnce performs one cleanup pass and returns the number of sessions
// closed and run records pruned
func (c *Cleanup) RunOnce(ctx context.Context) (closed, pruned int) {
	now := time.Now()

	for _, id := range c.manager.List() {
		s, err := c.manager.Get(id)
		if err != nil {
			continue
		}
		idle := now.Sub(s.LastActive())
		if idle < c.idleTimeout {
			continue
		}

		st, err := s.State(ctx)
		if err != nil || st.Busy() {
			continue
		}

		if err := c.manager.Close(ctx, id); err != nil {
			log.Warn().
				Str("session_id", id).
				Err(err).
				Msg("Failed to close idle session")
			continue
		}
		closed++

		log.Debug().
			Str("session_id", id).
			Dur("idle", idle).
			Msg("Idle session closed")
	}

	pruned = c.manager.Coordinator().Cleanup(c.runRetention)

	if closed > 0 || pruned > 0 {
		log.Info().
			Int("closed", closed).
			Int("pruned_runs", pruned).
			Msg("Session cleanup completed")
	}
	return closed, pruned
}
