// Package session drives one conversational agent end to end.
//
// A Session owns an event-sourced state machine. Commands (Start, Cancel,
// tool and prompt changes) and worker events are processed one at a time on
// the session's mailbox lane, so session state is never locked. Requests run
// on a lazily spawned worker process; the session never blocks on it.
//
// Invariants:
//   - At most one request is active. Start while busy returns ErrBusy and
//     changes nothing.
//   - Apply is a pure function of (state, event). Events for a request or a
//     worker other than the tracked ones are ignored.
//   - A worker exit during a request fails that request with reason
//     worker_exit; the next Start spawns a fresh worker.
//   - Each request trace holds at most MaxTraceEvents events.
//
// Usage:
//
//	mgr := session.NewManager(session.ManagerConfig{Provider: provider})
//	s, _ := mgr.Open(ctx, session.Config{ID: "chat-1", Runtime: cfg})
//	id, _ := s.Start(ctx, session.StartCommand{Query: "add 2 and 3"})
//	snap, _ := session.Await(ctx, s, session.AwaitOptions{Timeout: time.Minute})
//	_, _ = id, snap.Result
package session
