// Package commandqueue provides lane-based task execution with FIFO ordering per lane.
//
// Invariants:
// - Tasks in the same lane execute in FIFO order.
// - A lane runs at most its concurrency (default 1) tasks at once.
// - Tasks in different lanes may execute concurrently.
// - Queue depth and task latency are exported as Prometheus metrics per lane.
//
// Sessions use one lane each as their mailbox.
//
// Usage:
//
//	queue := commandqueue.New()
//	defer queue.Close()
//	result, err := queue.EnqueueWithContext(ctx, "session:abc", func(ctx context.Context) (interface{}, error) {
//		return "ok", nil
//	}, nil)
package commandqueue
