// internal/logging/context.go
package logging

import (
	"context"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// ContextFields extracts correlation data from context.
func ContextFields(ctx context.Context) []zap.Field {
	if ctx == nil {
		return nil
	}
	fields := make([]zap.Field, 0, 6)

	if span := trace.SpanFromContext(ctx); span.SpanContext().IsValid() {
		sc := span.SpanContext()
		fields = append(fields,
			zap.String("trace_id", sc.TraceID().String()),
			zap.String("span_id", sc.SpanID().String()),
		)
	}

	if runID := RunIDFromContext(ctx); runID != "" {
		fields = append(fields, zap.String("run.id", runID))
	}
	if courseID := CourseIDFromContext(ctx); courseID != "" {
		fields = append(fields, zap.String("course.id", courseID))
	}
	if nodePath := NodePathFromContext(ctx); nodePath != "" {
		fields = append(fields, zap.String("node.path", nodePath))
	}
	if requestID := RequestIDFromContext(ctx); requestID != "" {
		fields = append(fields, zap.String("request.id", requestID))
	}

	return fields
}

type runCtxKey struct{}
type courseCtxKey struct{}
type nodeCtxKey struct{}
type requestCtxKey struct{}
type loggerCtxKey struct{}

// WithRunID tags the context with a workflow run id.
func WithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, runCtxKey{}, runID)
}

// RunIDFromContext returns the run id or "".
func RunIDFromContext(ctx context.Context) string {
	s, _ := ctx.Value(runCtxKey{}).(string)
	return s
}

// WithCourseID tags the context with a course id.
func WithCourseID(ctx context.Context, courseID string) context.Context {
	return context.WithValue(ctx, courseCtxKey{}, courseID)
}

// CourseIDFromContext returns the course id or "".
func CourseIDFromContext(ctx context.Context) string {
	s, _ := ctx.Value(courseCtxKey{}).(string)
	return s
}

// WithNodePath tags the context with a hierarchy node path.
func WithNodePath(ctx context.Context, path string) context.Context {
	return context.WithValue(ctx, nodeCtxKey{}, path)
}

// NodePathFromContext returns the node path or "".
func NodePathFromContext(ctx context.Context) string {
	s, _ := ctx.Value(nodeCtxKey{}).(string)
	return s
}

// WithRequestID tags the context with an HTTP request id.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestCtxKey{}, requestID)
}

// RequestIDFromContext returns the request id or "".
func RequestIDFromContext(ctx context.Context) string {
	s, _ := ctx.Value(requestCtxKey{}).(string)
	return s
}

// WithLogger stores logger in context.
func WithLogger(ctx context.Context, logger *Logger) context.Context {
	return context.WithValue(ctx, loggerCtxKey{}, logger)
}

// FromContext retrieves logger from context.
// Returns a nop logger if none was stored.
func FromContext(ctx context.Context) *Logger {
	if l, ok := ctx.Value(loggerCtxKey{}).(*Logger); ok {
		return l
	}
	return NewNop()
}
