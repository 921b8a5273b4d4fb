package subagent

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestCoordinator(t *testing.T) *Coordinator {
	logger := zerolog.New(os.Stdout).Level(zerolog.ErrorLevel)
	coordinator := NewCoordinator(Config{InboxSize: 4, Logger: logger})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = coordinator.Shutdown(ctx)
	})
	return coordinator
}

type notifications struct {
	mu   sync.Mutex
	list []Notification
	ch   chan Notification
}

func newNotifications() *notifications {
	return &notifications{ch: make(chan Notification, 16)}
}

func (n *notifications) notify(note Notification) {
	n.mu.Lock()
	n.list = append(n.list, note)
	n.mu.Unlock()
	n.ch <- note
}

func (n *notifications) next(t *testing.T) Notification {
	t.Helper()
	select {
	case note := <-n.ch:
		return note
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for notification")
		return Notification{}
	}
}

// echoProcess forwards inbox messages to out until a "stop" message arrives
func echoProcess(out chan<- interface{}) Process {
	return ProcessFunc(func(ctx context.Context, inbox <-chan interface{}) error {
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case msg := <-inbox:
				if msg == "stop" {
					return nil
				}
				out <- msg
			}
		}
	})
}

func TestCoordinatorSpawn(t *testing.T) {
	t.Run("should notify started then exit with normal reason", func(t *testing.T) {
		c := setupTestCoordinator(t)
		notes := newNotifications()
		out := make(chan interface{}, 1)

		pid, err := c.Spawn("session-1", echoProcess(out), notes.notify)
		require.NoError(t, err)
		assert.NotEmpty(t, pid)

		started := notes.next(t)
		assert.Equal(t, NotifyStarted, started.Type)
		assert.Equal(t, pid, started.PID)
		assert.Equal(t, "session-1", started.Tag)

		require.NoError(t, c.Send(pid, "stop"))

		exit := notes.next(t)
		assert.Equal(t, NotifyExit, exit.Type)
		assert.Equal(t, ReasonNormal, exit.Reason)
		assert.False(t, c.Alive(pid))

		record, ok := c.GetRun(pid)
		require.True(t, ok)
		assert.Equal(t, StatusCompleted, record.Status)
		assert.NotNil(t, record.CompletedAt)
	})

	t.Run("should expose pid through context", func(t *testing.T) {
		c := setupTestCoordinator(t)
		seen := make(chan string, 1)

		pid, err := c.Spawn("t", ProcessFunc(func(ctx context.Context, _ <-chan interface{}) error {
			seen <- PIDFromContext(ctx)
			return nil
		}), nil)
		require.NoError(t, err)

		select {
		case got := <-seen:
			assert.Equal(t, pid, got)
		case <-time.After(2 * time.Second):
			t.Fatal("process did not run")
		}
	})

	t.Run("should generate unique pids", func(t *testing.T) {
		c := setupTestCoordinator(t)
		noop := ProcessFunc(func(context.Context, <-chan interface{}) error { return nil })

		pids := make(map[string]bool)
		for i := 0; i < 50; i++ {
			pid, err := c.Spawn("t", noop, nil)
			require.NoError(t, err)
			pids[pid] = true
		}
		assert.Len(t, pids, 50)
	})

	t.Run("should reject spawn after shutdown", func(t *testing.T) {
		c := setupTestCoordinator(t)
		require.NoError(t, c.Shutdown(context.Background()))

		_, err := c.Spawn("t", echoProcess(make(chan interface{})), nil)
		assert.ErrorIs(t, err, ErrClosed)
	})
}

func TestCoordinatorExitReasons(t *testing.T) {
	t.Run("should report returned error as reason", func(t *testing.T) {
		c := setupTestCoordinator(t)
		notes := newNotifications()

		pid, err := c.Spawn("t", ProcessFunc(func(context.Context, <-chan interface{}) error {
			return errors.New("boom")
		}), notes.notify)
		require.NoError(t, err)

		notes.next(t)
		exit := notes.next(t)
		assert.Equal(t, "boom", exit.Reason)

		record, _ := c.GetRun(pid)
		assert.Equal(t, StatusFailed, record.Status)
	})

	t.Run("should convert panic into exit reason", func(t *testing.T) {
		c := setupTestCoordinator(t)
		notes := newNotifications()

		_, err := c.Spawn("t", ProcessFunc(func(context.Context, <-chan interface{}) error {
			panic("crashed")
		}), notes.notify)
		require.NoError(t, err)

		notes.next(t)
		exit := notes.next(t)
		assert.Equal(t, "panic: crashed", exit.Reason)
	})

	t.Run("should report kill reason", func(t *testing.T) {
		c := setupTestCoordinator(t)
		notes := newNotifications()

		pid, err := c.Spawn("t", echoProcess(make(chan interface{})), notes.notify)
		require.NoError(t, err)
		notes.next(t)

		require.NoError(t, c.Kill(pid, "session closed"))

		exit := notes.next(t)
		assert.Equal(t, "session closed", exit.Reason)

		record, _ := c.GetRun(pid)
		assert.Equal(t, StatusAborted, record.Status)
	})
}

func TestCoordinatorSend(t *testing.T) {
	t.Run("should deliver messages in order", func(t *testing.T) {
		c := setupTestCoordinator(t)
		out := make(chan interface{}, 3)

		pid, err := c.Spawn("t", echoProcess(out), nil)
		require.NoError(t, err)

		for i := 1; i <= 3; i++ {
			require.NoError(t, c.Send(pid, i))
		}
		for i := 1; i <= 3; i++ {
			select {
			case got := <-out:
				assert.Equal(t, i, got)
			case <-time.After(2 * time.Second):
				t.Fatal("message not delivered")
			}
		}
	})

	t.Run("should fail for unknown pid", func(t *testing.T) {
		c := setupTestCoordinator(t)

		assert.ErrorIs(t, c.Send("missing", "x"), ErrProcessNotFound)
		assert.ErrorIs(t, c.Kill("missing", ""), ErrProcessNotFound)
	})

	t.Run("should not block when inbox is full", func(t *testing.T) {
		c := setupTestCoordinator(t)
		block := make(chan struct{})
		defer close(block)

		pid, err := c.Spawn("t", ProcessFunc(func(ctx context.Context, _ <-chan interface{}) error {
			select {
			case <-block:
			case <-ctx.Done():
			}
			return nil
		}), nil)
		require.NoError(t, err)

		var lastErr error
		for i := 0; i < 10; i++ {
			if lastErr = c.Send(pid, i); lastErr != nil {
				break
			}
		}
		assert.ErrorIs(t, lastErr, ErrMailboxFull)
	})
}

func TestCoordinatorStats(t *testing.T) {
	t.Run("should count runs by status", func(t *testing.T) {
		c := setupTestCoordinator(t)
		notes := newNotifications()

		okPID, _ := c.Spawn("t", ProcessFunc(func(context.Context, <-chan interface{}) error { return nil }), notes.notify)
		failPID, _ := c.Spawn("t", ProcessFunc(func(context.Context, <-chan interface{}) error { return errors.New("x") }), notes.notify)
		for i := 0; i < 4; i++ {
			notes.next(t)
		}

		stats := c.GetStats()
		assert.Equal(t, 2, stats.TotalRuns)
		assert.Equal(t, 1, stats.CompletedRuns)
		assert.Equal(t, 1, stats.FailedRuns)
		assert.Equal(t, 0, stats.ActiveRuns)

		assert.Len(t, c.ListByTag("t"), 2)
		_, ok := c.GetRun(okPID)
		assert.True(t, ok)
		_, ok = c.GetRun(failPID)
		assert.True(t, ok)
	})

	t.Run("should cleanup terminal records past retention", func(t *testing.T) {
		c := setupTestCoordinator(t)
		notes := newNotifications()

		_, err := c.Spawn("t", ProcessFunc(func(context.Context, <-chan interface{}) error { return nil }), notes.notify)
		require.NoError(t, err)
		notes.next(t)
		notes.next(t)

		time.Sleep(5 * time.Millisecond)
		removed := c.Cleanup(time.Millisecond)
		assert.Equal(t, 1, removed)
		assert.Equal(t, 0, c.GetStats().TotalRuns)
	})

	t.Run("should emit lifecycle events", func(t *testing.T) {
		c := setupTestCoordinator(t)
		notes := newNotifications()
		var mu sync.Mutex
		var events []string

		c.On(EventProcessSpawned, func(r RunRecord) {
			mu.Lock()
			events = append(events, EventProcessSpawned)
			mu.Unlock()
		})
		c.On(EventProcessExited, func(r RunRecord) {
			mu.Lock()
			events = append(events, EventProcessExited+":"+r.ExitReason)
			mu.Unlock()
		})

		_, err := c.Spawn("t", ProcessFunc(func(context.Context, <-chan interface{}) error { return nil }), notes.notify)
		require.NoError(t, err)
		notes.next(t)
		notes.next(t)

		mu.Lock()
		defer mu.Unlock()
		assert.Equal(t, []string{EventProcessSpawned, EventProcessExited + ":normal"}, events)
	})
}

func TestCoordinatorShutdown(t *testing.T) {
	t.Run("should kill and wait for live processes", func(t *testing.T) {
		c := setupTestCoordinator(t)
		notes := newNotifications()

		pid, err := c.Spawn("t", echoProcess(make(chan interface{})), notes.notify)
		require.NoError(t, err)
		notes.next(t)

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		require.NoError(t, c.Shutdown(ctx))

		assert.False(t, c.Alive(pid))
		exit := notes.next(t)
		assert.Equal(t, ReasonShutdown, exit.Reason)
	})
}
