package tools

import (
	"context"

	"github.com/google/uuid"
)

// Invocation identifies the session and agent on whose behalf a tool
// runs. The agent loop attaches it to the execution context; tools that
// need their caller (such as the task tool) read it back.
type Invocation struct {
	SessionID uuid.UUID
	MessageID uuid.UUID
	AgentSlug string
}

type invocationKey struct{}

// WithInvocation attaches the invocation to the context.
func WithInvocation(ctx context.Context, inv Invocation) context.Context {
	return context.WithValue(ctx, invocationKey{}, inv)
}

// InvocationFrom extracts the invocation, if present.
func InvocationFrom(ctx context.Context) (Invocation, bool) {
	inv, ok := ctx.Value(invocationKey{}).(Invocation)
	return inv, ok
}
