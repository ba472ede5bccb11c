package logging

import (
	"context"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

type (
	namespaceCtxKey struct{}
	agentCtxKey     struct{}
	taskCtxKey      struct{}
	phaseCtxKey     struct{}
	requestCtxKey   struct{}
	loggerCtxKey    struct{}
)

// ContextFields extracts correlation data from context.
func ContextFields(ctx context.Context) []zap.Field {
	fields := make([]zap.Field, 0, 7)

	if span := trace.SpanFromContext(ctx); span.SpanContext().IsValid() {
		sc := span.SpanContext()
		fields = append(fields,
			zap.String("trace_id", sc.TraceID().String()),
			zap.String("span_id", sc.SpanID().String()),
		)
	}
	if v := stringValue(ctx, namespaceCtxKey{}); v != "" {
		fields = append(fields, zap.String("namespace", v))
	}
	if v := stringValue(ctx, agentCtxKey{}); v != "" {
		fields = append(fields, zap.String("agent", v))
	}
	if v := stringValue(ctx, taskCtxKey{}); v != "" {
		fields = append(fields, zap.String("task_id", v))
	}
	if v := stringValue(ctx, phaseCtxKey{}); v != "" {
		fields = append(fields, zap.String("phase", v))
	}
	if v := stringValue(ctx, requestCtxKey{}); v != "" {
		fields = append(fields, zap.String("request.id", v))
	}
	return fields
}

func stringValue(ctx context.Context, key any) string {
	if s, ok := ctx.Value(key).(string); ok {
		return s
	}
	return ""
}

// WithNamespace tags the context with the project namespace.
func WithNamespace(ctx context.Context, namespace string) context.Context {
	return context.WithValue(ctx, namespaceCtxKey{}, namespace)
}

// NamespaceFromContext returns the namespace set by WithNamespace.
func NamespaceFromContext(ctx context.Context) string {
	return stringValue(ctx, namespaceCtxKey{})
}

// WithAgent tags the context with the acting agent name.
func WithAgent(ctx context.Context, agent string) context.Context {
	return context.WithValue(ctx, agentCtxKey{}, agent)
}

// WithTaskID tags the context with a task id.
func WithTaskID(ctx context.Context, taskID string) context.Context {
	return context.WithValue(ctx, taskCtxKey{}, taskID)
}

// WithPhase tags the context with the phase being worked on.
func WithPhase(ctx context.Context, phase string) context.Context {
	return context.WithValue(ctx, phaseCtxKey{}, phase)
}

// WithRequestID tags the context with an inbound request id.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestCtxKey{}, requestID)
}

// WithLogger stores logger in context.
func WithLogger(ctx context.Context, logger *Logger) context.Context {
	return context.WithValue(ctx, loggerCtxKey{}, logger)
}

// FromContext retrieves logger from context.
// Returns a nop logger if not found.
func FromContext(ctx context.Context) *Logger {
	if l, ok := ctx.Value(loggerCtxKey{}).(*Logger); ok {
		return l
	}
	return Nop()
}
