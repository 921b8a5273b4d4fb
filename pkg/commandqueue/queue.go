package commandqueue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"

	"github.com/harun/agentloop/internal/observability"
	"github.com/harun/agentloop/internal/tracing"
)

var (
	// ErrClosed is returned for tasks enqueued after Close or still queued when it ran
	ErrClosed = errors.New("command queue closed")
	// ErrLaneReset is returned for queued tasks dropped by ResetLane
	ErrLaneReset = errors.New("lane reset")
	// ErrLaneCleared is returned for queued tasks dropped by ClearLane
	ErrLaneCleared = errors.New("lane cleared")
)

// Task represents an asynchronous operation to be executed
type Task func(ctx context.Context) (interface{}, error)

// TaskOptions provides configuration for task execution
type TaskOptions struct {
	// WarnAfter logs a warning (and calls OnWait) if the task is still queued
	WarnAfter time.Duration
	OnWait    func(wait time.Duration, queuePos int)
}

const (
	recordQueued int32 = iota
	recordRunning
	recordAbandoned
)

// taskRecord tracks a task's execution state
type taskRecord struct {
	id         string
	task       Task
	ctx        context.Context
	generation int
	enqueuedAt time.Time
	options    TaskOptions
	result     chan taskResult
	state      atomic.Int32
}

type taskResult struct {
	value interface{}
	err   error
}

// laneState manages execution state for a single lane
type laneState struct {
	generation  int
	concurrency int
	queue       []*taskRecord
	running     int
	activeIDs   map[string]bool
	mu          sync.Mutex
}

// CommandQueue provides lane-based task serialization with concurrency
// control. A lane with concurrency 1 is a mailbox: its tasks run one at a
// time in the order they were enqueued.
type CommandQueue struct {
	lanes     map[string]*laneState
	taskIDSeq int
	closed    bool
	mu        sync.RWMutex
	wg        sync.WaitGroup
	ctx       context.Context
	cancel    context.CancelFunc
}

// New creates a new CommandQueue. Lanes are created on first use with
// concurrency 1.
func New() *CommandQueue {
	observability.EnsureRegistered()

	ctx, cancel := context.WithCancel(context.Background())

	return &CommandQueue{
		lanes:  make(map[string]*laneState),
		ctx:    ctx,
		cancel: cancel,
	}
}

// lane returns the lane state, creating it if needed
func (cq *CommandQueue) lane(lane string) *laneState {
	cq.mu.RLock()
	ls, exists := cq.lanes[lane]
	cq.mu.RUnlock()
	if exists {
		return ls
	}

	cq.mu.Lock()
	defer cq.mu.Unlock()
	if ls, exists = cq.lanes[lane]; !exists {
		ls = &laneState{
			concurrency: 1,
			queue:       make([]*taskRecord, 0),
			activeIDs:   make(map[string]bool),
		}
		cq.lanes[lane] = ls
		log.Debug().Str("lane", lane).Msg("Lane initialized")
	}
	return ls
}

// lookup returns an existing lane without creating it
func (cq *CommandQueue) lookup(lane string) (*laneState, bool) {
	cq.mu.RLock()
	defer cq.mu.RUnlock()
	ls, exists := cq.lanes[lane]
	return ls, exists
}

// Enqueue adds a task to the specified lane and waits for its result
func (cq *CommandQueue) Enqueue(lane string, task Task, options *TaskOptions) (interface{}, error) {
	return cq.EnqueueWithContext(context.Background(), lane, task, options)
}

// EnqueueWithContext adds a task to the specified lane and waits for its
// result. If ctx is done while the task is still queued, the task is dropped
// and ctx.Err() is returned; once the task has started, its result is
// always awaited.
func (cq *CommandQueue) EnqueueWithContext(ctx context.Context, lane string, task Task, options *TaskOptions) (interface{}, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	ctx, span := tracing.StartSpan(
		ctx,
		"agentloop.commandqueue",
		"commandqueue.enqueue",
		attribute.String("lane", lane),
	)
	defer span.End()

	logger := tracing.LoggerFromContext(ctx, log.Logger).With().Str("lane", lane).Logger()

	cq.mu.Lock()
	if cq.closed {
		cq.mu.Unlock()
		return nil, ErrClosed
	}
	cq.taskIDSeq++
	taskID := fmt.Sprintf("%s-%d", lane, cq.taskIDSeq)
	cq.mu.Unlock()

	opts := TaskOptions{}
	if options != nil {
		opts = *options
	}

	ls := cq.lane(lane)
	record := &taskRecord{
		id:         taskID,
		task:       task,
		ctx:        ctx,
		enqueuedAt: time.Now(),
		options:    opts,
		result:     make(chan taskResult, 1),
	}

	ls.mu.Lock()
	record.generation = ls.generation
	ls.queue = append(ls.queue, record)
	queueSize := len(ls.queue)
	ls.mu.Unlock()

	logger.Debug().
		Str("taskId", taskID).
		Int("queueSize", queueSize).
		Msg("Task enqueued")

	observability.RecordQueueEnqueue(lane, queueSize)

	if opts.WarnAfter > 0 {
		go cq.startWarnTimer(record, lane)
	}

	go cq.processLane(lane)

	var result taskResult
	select {
	case result = <-record.result:
	case <-ctx.Done():
		if record.state.CompareAndSwap(recordQueued, recordAbandoned) {
			tracing.FailSpan(span, ctx.Err())
			return nil, ctx.Err()
		}
		result = <-record.result
	}

	if result.err != nil {
		tracing.FailSpan(span, result.err)
	}
	return result.value, result.err
}

// processLane starts queued tasks while the lane has capacity
func (cq *CommandQueue) processLane(lane string) {
	ls, ok := cq.lookup(lane)
	if !ok {
		return
	}
	ls.mu.Lock()
	defer ls.mu.Unlock()

	for ls.running < ls.concurrency && len(ls.queue) > 0 {
		record := ls.queue[0]
		ls.queue = ls.queue[1:]

		if record.generation != ls.generation {
			record.result <- taskResult{err: ErrLaneReset}
			continue
		}
		if !record.state.CompareAndSwap(recordQueued, recordRunning) {
			// caller gave up while queued
			continue
		}

		ls.running++
		ls.activeIDs[record.id] = true

		log.Debug().
			Str("lane", lane).
			Str("taskId", record.id).
			Int("running", ls.running).
			Msg("Task started")

		cq.wg.Add(1)
		go cq.executeTask(lane, ls, record)
	}
}

// executeTask executes a single task. A panicking task fails with an error
// instead of taking the lane down.
func (cq *CommandQueue) executeTask(lane string, ls *laneState, record *taskRecord) {
	defer cq.wg.Done()

	taskCtx, span := tracing.StartSpan(
		record.ctx,
		"agentloop.commandqueue",
		"commandqueue.execute_task",
		attribute.String("lane", lane),
		attribute.String("task_id", record.id),
	)
	defer span.End()

	logger := tracing.LoggerFromContext(taskCtx, log.Logger).With().Str("lane", lane).Logger()

	runCtx, cancel := context.WithCancel(taskCtx)
	stopCancel := context.AfterFunc(cq.ctx, cancel)

	startTime := time.Now()

	value, err := func() (value interface{}, err error) {
		defer func() {
			if r := recover(); r != nil {
				logger.Error().
					Str("taskId", record.id).
					Interface("panic", r).
					Msg("Task panicked")
				err = fmt.Errorf("task panicked: %v", r)
			}
		}()
		return record.task(runCtx)
	}()

	stopCancel()
	cancel()
	duration := time.Since(startTime)

	ls.mu.Lock()
	ls.running--
	delete(ls.activeIDs, record.id)
	queueSize := len(ls.queue)
	ls.mu.Unlock()

	record.result <- taskResult{value: value, err: err}

	if err != nil {
		tracing.FailSpan(span, err)
		logger.Debug().
			Str("taskId", record.id).
			Dur("duration", duration).
			Err(err).
			Msg("Task failed")
	} else {
		logger.Debug().
			Str("taskId", record.id).
			Dur("duration", duration).
			Msg("Task completed")
	}

	observability.RecordQueueCompletion(lane, duration, err == nil, queueSize)

	cq.processLane(lane)
}

// startWarnTimer warns when a task waits longer than expected
func (cq *CommandQueue) startWarnTimer(record *taskRecord, lane string) {
	timer := time.NewTimer(record.options.WarnAfter)
	defer timer.Stop()

	select {
	case <-timer.C:
		ls, ok := cq.lookup(lane)
		if !ok {
			return
		}
		ls.mu.Lock()
		queuePos := -1
		for i, r := range ls.queue {
			if r.id == record.id {
				queuePos = i
				break
			}
		}
		ls.mu.Unlock()

		if queuePos >= 0 {
			wait := time.Since(record.enqueuedAt)
			log.Warn().
				Str("lane", lane).
				Str("taskId", record.id).
				Dur("wait", wait).
				Int("queuePos", queuePos).
				Msg("Task waiting longer than expected")

			if record.options.OnWait != nil {
				record.options.OnWait(wait, queuePos)
			}
		}
	case <-cq.ctx.Done():
		return
	}
}

// GetQueueSize returns the number of queued tasks for a lane
func (cq *CommandQueue) GetQueueSize(lane string) int {
	ls, exists := cq.lookup(lane)
	if !exists {
		return 0
	}

	ls.mu.Lock()
	defer ls.mu.Unlock()
	return len(ls.queue)
}

// GetRunningCount returns the number of currently executing tasks for a lane
func (cq *CommandQueue) GetRunningCount(lane string) int {
	ls, exists := cq.lookup(lane)
	if !exists {
		return 0
	}

	ls.mu.Lock()
	defer ls.mu.Unlock()
	return ls.running
}

// GetStats returns statistics for all lanes
func (cq *CommandQueue) GetStats() map[string]map[string]int {
	cq.mu.RLock()
	defer cq.mu.RUnlock()

	stats := make(map[string]map[string]int)
	for lane, ls := range cq.lanes {
		ls.mu.Lock()
		stats[lane] = map[string]int{
			"queued":      len(ls.queue),
			"running":     ls.running,
			"concurrency": ls.concurrency,
		}
		ls.mu.Unlock()
	}

	return stats
}

// dropQueued fails every queued task with err. Caller holds ls.mu.
func dropQueued(ls *laneState, err error) int {
	count := 0
	for _, record := range ls.queue {
		if record.state.CompareAndSwap(recordQueued, recordAbandoned) {
			record.result <- taskResult{err: err}
			count++
		}
	}
	ls.queue = make([]*taskRecord, 0)
	return count
}

// ClearLane removes all queued tasks from a lane
func (cq *CommandQueue) ClearLane(lane string) int {
	ls, exists := cq.lookup(lane)
	if !exists {
		return 0
	}

	ls.mu.Lock()
	defer ls.mu.Unlock()

	count := dropQueued(ls, ErrLaneCleared)

	log.Info().Str("lane", lane).Int("cleared", count).Msg("Lane cleared")
	observability.SetQueueSize(lane, 0)

	return count
}

// ResetLane increments the generation counter for a lane, failing queued
// tasks with ErrLaneReset
func (cq *CommandQueue) ResetLane(lane string) {
	ls, exists := cq.lookup(lane)
	if !exists {
		return
	}

	ls.mu.Lock()
	defer ls.mu.Unlock()

	ls.generation++
	dropQueued(ls, ErrLaneReset)

	log.Info().Str("lane", lane).Int("generation", ls.generation).Msg("Lane reset")
	observability.SetQueueSize(lane, 0)
}

// RemoveLane drops a lane and its metrics. Queued tasks fail with
// ErrLaneCleared; a running task completes normally.
func (cq *CommandQueue) RemoveLane(lane string) {
	cq.mu.Lock()
	ls, exists := cq.lanes[lane]
	delete(cq.lanes, lane)
	cq.mu.Unlock()

	if !exists {
		return
	}

	ls.mu.Lock()
	dropQueued(ls, ErrLaneCleared)
	ls.mu.Unlock()

	observability.ForgetLane(lane)
	log.Debug().Str("lane", lane).Msg("Lane removed")
}

// SetConcurrency updates the concurrency limit for a lane
func (cq *CommandQueue) SetConcurrency(lane string, concurrency int) {
	if concurrency < 1 {
		concurrency = 1
	}
	ls := cq.lane(lane)
	ls.mu.Lock()
	oldMax := ls.concurrency
	ls.concurrency = concurrency
	ls.mu.Unlock()

	log.Debug().
		Str("lane", lane).
		Int("oldMax", oldMax).
		Int("newMax", concurrency).
		Msg("Lane concurrency updated")

	if concurrency > oldMax {
		go cq.processLane(lane)
	}
}

// WaitForActive waits for all active tasks to complete with timeout
func (cq *CommandQueue) WaitForActive(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		allDrained := true

		cq.mu.RLock()
		for _, ls := range cq.lanes {
			ls.mu.Lock()
			if len(ls.activeIDs) > 0 {
				allDrained = false
			}
			ls.mu.Unlock()
		}
		cq.mu.RUnlock()

		if allDrained {
			return true
		}

		if time.Now().After(deadline) {
			log.Warn().Dur("timeout", timeout).Msg("Timeout waiting for active tasks")
			return false
		}

		<-ticker.C
	}
}

// Close cancels running tasks, fails queued ones with ErrClosed and waits
// for running tasks to return
func (cq *CommandQueue) Close() error {
	cq.mu.Lock()
	if cq.closed {
		cq.mu.Unlock()
		return nil
	}
	cq.closed = true
	lanes := make([]*laneState, 0, len(cq.lanes))
	for _, ls := range cq.lanes {
		lanes = append(lanes, ls)
	}
	cq.mu.Unlock()

	cq.cancel()
	for _, ls := range lanes {
		ls.mu.Lock()
		dropQueued(ls, ErrClosed)
		ls.mu.Unlock()
	}
	cq.wg.Wait()
	return nil
}
