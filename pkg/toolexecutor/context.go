package toolexecutor

import "context"

type toolContextKey struct{}

type callInfoKey struct{}

// CallInfo identifies the invocation a handler is running for
type CallInfo struct {
	CallID    string
	SessionID string
	Attempt   int
}

// WithToolContext attaches the merged session tool context to ctx for tool handlers.
func WithToolContext(ctx context.Context, toolCtx map[string]interface{}) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	if toolCtx == nil {
		return ctx
	}
	return context.WithValue(ctx, toolContextKey{}, toolCtx)
}

// ToolContextFrom extracts the tool context from ctx. Handlers must treat the
// returned map as read-only.
func ToolContextFrom(ctx context.Context) map[string]interface{} {
	if ctx == nil {
		return nil
	}
	if v, ok := ctx.Value(toolContextKey{}).(map[string]interface{}); ok {
		return v
	}
	return nil
}

func withCallInfo(ctx context.Context, info CallInfo) context.Context {
	return context.WithValue(ctx, callInfoKey{}, info)
}

// CallInfoFrom returns the invocation details for the running handler
func CallInfoFrom(ctx context.Context) (CallInfo, bool) {
	if ctx == nil {
		return CallInfo{}, false
	}
	info, ok := ctx.Value(callInfoKey{}).(CallInfo)
	return info, ok
}
