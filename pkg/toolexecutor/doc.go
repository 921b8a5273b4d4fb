// Package toolexecutor executes structured tools on behalf of a session's
// reasoning loop.
//
// Invariants:
// - Arguments are coerced to the declared types, then schema-validated before execution.
// - At most Policy.Concurrency calls hold a slot at once, across all tools of one executor.
// - A timed out call is never retried; other failures are retried only when classified retryable.
// - Handler panics surface as an "exception" envelope; stack traces stay in the server log.
//
// Usage:
//
//	reg, _ := toolexecutor.NewRegistry(&toolexecutor.ToolDefinition{
//		Name: "echo",
//		Description: "Echo input",
//		Parameters: []toolexecutor.ToolParameter{{Name: "text", Type: "string", Description: "text", Required: true}},
//		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) { return params["text"], nil },
//	})
//	exec := toolexecutor.New(toolexecutor.DefaultPolicy())
//	res := exec.Execute(ctx, reg, toolexecutor.Call{ID: "c1", Name: "echo", Arguments: map[string]interface{}{"text": "hi"}})
package toolexecutor
