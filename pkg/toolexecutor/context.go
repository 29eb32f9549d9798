package toolexecutor

import (
	"context"

	"github.com/harun/shopassist/pkg/provider"
)

type invocationKey struct{}

// ContextWithInvocation attaches the tool call being executed to ctx so
// handlers can log or audit it.
func ContextWithInvocation(ctx context.Context, req provider.ToolCallRequest) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, invocationKey{}, req)
}

// InvocationFromContext returns the tool call attached by ContextWithInvocation.
func InvocationFromContext(ctx context.Context) (provider.ToolCallRequest, bool) {
	if ctx == nil {
		return provider.ToolCallRequest{}, false
	}
	req, ok := ctx.Value(invocationKey{}).(provider.ToolCallRequest)
	return req, ok
}
