package session

import (
	"errors"
	"fmt"

	"github.com/harun/agentloop/internal/observability"
	"github.com/harun/agentloop/pkg/agent"
	"github.com/harun/agentloop/pkg/subagent"
	"github.com/rs/zerolog"
)

// WorkerFactory builds the process that serves a session's requests. sink
// delivers the process's events back to the session.
type WorkerFactory func(sink agent.EventSink) (subagent.Process, error)

// supervisor keeps at most one live worker per session. It is owned by the
// session mailbox and is not safe for concurrent use.
type supervisor struct {
	sessionID string
	coord     *subagent.Coordinator
	factory   WorkerFactory
	sink      agent.EventSink
	notify    subagent.NotifyFunc
	logger    zerolog.Logger

	// At most one start waits for a worker's started notification
	deferred    *agent.StartMessage
	deferredPID string
}

func workerTag(sessionID string) string {
	return fmt.Sprintf("session:%s:worker", sessionID)
}

// dispatchStart hands msg to the worker, spawning one when none is alive.
// The returned state carries the updated worker fields.
func (sv *supervisor) dispatchStart(state State, msg agent.StartMessage) (State, error) {
	switch {
	case state.WorkerPID != "" && state.WorkerStatus.Alive():
		err := sv.coord.Send(state.WorkerPID, msg)
		if err == nil {
			return state, nil
		}
		if !errors.Is(err, subagent.ErrProcessNotFound) {
			return state, err
		}
		// Exited without its exit notification applied yet; that
		// notification is stale once a new worker is tracked.
		sv.logger.Warn().Str("pid", state.WorkerPID).Msg("Worker gone before dispatch, respawning")
		state.WorkerPID = ""
		state.WorkerStatus = WorkerMissing

	case state.WorkerPID != "" && state.WorkerStatus == WorkerStarting:
		sv.deferred = &msg
		sv.deferredPID = state.WorkerPID
		return state, nil
	}

	pid, err := sv.spawn()
	if err != nil {
		return state, err
	}
	state.WorkerPID = pid
	state.WorkerStatus = WorkerStarting
	sv.deferred = &msg
	sv.deferredPID = pid
	return state, nil
}

func (sv *supervisor) spawn() (string, error) {
	proc, err := sv.factory(sv.sink)
	if err != nil {
		return "", fmt.Errorf("failed to build worker: %w", err)
	}
	pid, err := sv.coord.Spawn(workerTag(sv.sessionID), proc, sv.notify)
	if err != nil {
		return "", fmt.Errorf("failed to spawn worker: %w", err)
	}
	observability.RecordWorkerSpawn()
	sv.logger.Info().Str("pid", pid).Msg("Worker spawned")
	return pid, nil
}

// onStarted delivers the deferred start to the worker that confirmed its
// start. It returns the delivered message, if any.
func (sv *supervisor) onStarted(pid string) (*agent.StartMessage, error) {
	if sv.deferred == nil || sv.deferredPID != pid {
		return nil, nil
	}
	msg := sv.deferred
	sv.deferred = nil
	sv.deferredPID = ""
	return msg, sv.coord.Send(pid, *msg)
}

// onExit drops a start still waiting on the exited worker
func (sv *supervisor) onExit(pid string, duringRequest bool) {
	if sv.deferredPID == pid {
		sv.deferred = nil
		sv.deferredPID = ""
	}
	observability.RecordWorkerExit(duringRequest)
}

// cancel forwards a cancel to the worker
func (sv *supervisor) cancel(state State, msg agent.CancelMessage) error {
	if state.WorkerPID == "" || !state.WorkerStatus.Alive() {
		return ErrWorkerNotAlive
	}
	if err := sv.coord.Send(state.WorkerPID, msg); err != nil {
		if errors.Is(err, subagent.ErrProcessNotFound) {
			return ErrWorkerNotAlive
		}
		return err
	}
	return nil
}

// shutdown kills the tracked worker
func (sv *supervisor) shutdown(state State) {
	sv.deferred = nil
	sv.deferredPID = ""
	if state.WorkerPID == "" {
		return
	}
	if err := sv.coord.Kill(state.WorkerPID, subagent.ReasonShutdown); err != nil && !errors.Is(err, subagent.ErrProcessNotFound) {
		sv.logger.Warn().Err(err).Str("pid", state.WorkerPID).Msg("Failed to stop worker")
	}
}
