// Package agent runs the LLM/tool iteration loop on behalf of a session.
//
// A Worker is a subagent.Process. The owning session spawns it lazily and
// sends it StartMessage and CancelMessage values; the worker answers with a
// stream of Events delivered through its EventSink, one request at a time:
//
//	request_started
//	llm_started, llm_delta*, llm_completed{tool_calls}
//	tool_started, tool_completed (per call), checkpoint
//	...
//	llm_completed{final_answer}, request_completed
//
// or request_failed / request_cancelled. Event kinds form a closed set;
// wire names are translated with ParseKind.
//
// Usage:
//
//	worker, _ := agent.NewWorker(agent.WorkerConfig{
//		SessionID: "s1",
//		Provider:  provider,
//		Sink:      sess.Deliver,
//	})
//	pid, _ := coordinator.Spawn("session:s1:worker", worker, notify)
//	_ = coordinator.Send(pid, agent.StartMessage{RequestID: "r1", Query: "hi", Config: cfg})
package agent
