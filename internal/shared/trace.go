package shared

import (
	"context"

	"github.com/google/uuid"
)

type traceKey struct{}
type agentKey struct{}
type projectKey struct{}

// WithTraceID attaches a trace_id to the context.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceKey{}, traceID)
}

// TraceID extracts trace_id from context. Returns "-" if absent.
func TraceID(ctx context.Context) string {
	if v, ok := ctx.Value(traceKey{}).(string); ok && v != "" {
		return v
	}
	return "-"
}

// NewTraceID generates a new trace_id.
func NewTraceID() string {
	return uuid.NewString()
}

// WithAgent attaches the acting agent's name to the context.
func WithAgent(ctx context.Context, agent string) context.Context {
	return context.WithValue(ctx, agentKey{}, agent)
}

// Agent extracts the acting agent from context. Returns "" if absent.
func Agent(ctx context.Context) string {
	if v, ok := ctx.Value(agentKey{}).(string); ok {
		return v
	}
	return ""
}

// WithProject attaches a project key (repo path) to the context.
func WithProject(ctx context.Context, project string) context.Context {
	return context.WithValue(ctx, projectKey{}, project)
}

// Project extracts the project key from context. Returns "" if absent.
func Project(ctx context.Context) string {
	if v, ok := ctx.Value(projectKey{}).(string); ok {
		return v
	}
	return ""
}
