package subagent

import (
	"context"
	"errors"
)

var (
	// ErrProcessNotFound is returned for unknown or already exited pids
	ErrProcessNotFound = errors.New("process not found")
	// ErrMailboxFull is returned when a process inbox cannot take another message
	ErrMailboxFull = errors.New("process mailbox full")
	// ErrClosed is returned by Spawn after Shutdown
	ErrClosed = errors.New("coordinator closed")
)

// Exit reasons reported in exit notifications
const (
	ReasonNormal   = "normal"
	ReasonKilled   = "killed"
	ReasonShutdown = "shutdown"
)

// Process is the body of a spawned process. Run receives messages from its
// inbox until it returns; the returned error becomes the exit reason.
type Process interface {
	Run(ctx context.Context, inbox <-chan interface{}) error
}

// ProcessFunc adapts a function to Process
type ProcessFunc func(ctx context.Context, inbox <-chan interface{}) error

// Run implements Process
func (f ProcessFunc) Run(ctx context.Context, inbox <-chan interface{}) error {
	return f(ctx, inbox)
}

// RunRecord represents one spawned process
type RunRecord struct {
	PID         string    `json:"pid"`
	Tag         string    `json:"tag"`
	Status      RunStatus `json:"status"`
	StartedAt   int64     `json:"started_at"`
	CompletedAt *int64    `json:"completed_at,omitempty"`
	ExitReason  string    `json:"exit_reason,omitempty"`
}

// RunStatus represents the execution state of a process
type RunStatus string

const (
	StatusPending   RunStatus = "pending"
	StatusRunning   RunStatus = "running"
	StatusCompleted RunStatus = "completed"
	StatusFailed    RunStatus = "failed"
	StatusAborted   RunStatus = "aborted"
)

// IsTerminal returns true if the status is terminal
func (s RunStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusAborted
}

// NotificationType distinguishes lifecycle notifications
type NotificationType string

const (
	NotifyStarted NotificationType = "started"
	NotifyExit    NotificationType = "exit"
)

// Notification is delivered to the spawner when its process starts and exits
type Notification struct {
	Type   NotificationType `json:"type"`
	Tag    string           `json:"tag"`
	PID    string           `json:"pid"`
	Reason string           `json:"reason,omitempty"`
}

// NotifyFunc receives lifecycle notifications. It runs on the process
// goroutine.
type NotifyFunc func(Notification)

// Stats contains coordinator statistics
type Stats struct {
	TotalRuns     int `json:"total_runs"`
	ActiveRuns    int `json:"active_runs"`
	CompletedRuns int `json:"completed_runs"`
	FailedRuns    int `json:"failed_runs"`
	AbortedRuns   int `json:"aborted_runs"`
}

// EventHandler is a function that handles coordinator events
type EventHandler func(record RunRecord)

// Event names
const (
	EventProcessSpawned = "process:spawned"
	EventProcessExited  = "process:exited"
)
