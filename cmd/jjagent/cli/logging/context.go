package logging

import "context"

type contextKey int

const (
	sessionIDKey contextKey = iota
	componentKey
	hookKey
	toolKey
)

// WithSession attaches an agent session ID. The ID passed to Init wins
// when both are set.
func WithSession(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, sessionIDKey, sessionID)
}

// WithComponent names the subsystem logging, such as "hooks", "lock" or
// "coordinator".
func WithComponent(ctx context.Context, component string) context.Context {
	return context.WithValue(ctx, componentKey, component)
}

// WithHook attaches the hook name, such as "pre-tool-use".
func WithHook(ctx context.Context, hook string) context.Context {
	return context.WithValue(ctx, hookKey, hook)
}

// WithTool attaches the agent tool being handled.
func WithTool(ctx context.Context, tool string) context.Context {
	return context.WithValue(ctx, toolKey, tool)
}

func SessionIDFromContext(ctx context.Context) string { return stringValue(ctx, sessionIDKey) }

func ComponentFromContext(ctx context.Context) string { return stringValue(ctx, componentKey) }

func HookFromContext(ctx context.Context) string { return stringValue(ctx, hookKey) }

func stringValue(ctx context.Context, key contextKey) string {
	if ctx == nil {
		return ""
	}
	s, _ := ctx.Value(key).(string)
	return s
}
