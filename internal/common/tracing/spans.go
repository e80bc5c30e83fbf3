package tracing

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	daemonTracerName  = "stoneforge-daemon"
	sessionTracerName = "stoneforge-session"
)

func daemonTracer() trace.Tracer {
	return Tracer(daemonTracerName)
}

func sessionTracer() trace.Tracer {
	return Tracer(sessionTracerName)
}

// TraceTick creates a span for one daemon control pass.
// Caller must call span.End() when the pass completes.
func TraceTick(ctx context.Context, tick uint64) (context.Context, trace.Span) {
	ctx, span := daemonTracer().Start(ctx, "daemon.tick",
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	span.SetAttributes(
		attribute.Int64("tick", int64(tick)),
	)
	return ctx, span
}

// TraceDispatch creates a span for one task dispatch: worktree, claim, spawn.
// Caller must call span.End() when the dispatch settles.
func TraceDispatch(ctx context.Context, taskID, workerID string) (context.Context, trace.Span) {
	ctx, span := daemonTracer().Start(ctx, "daemon.dispatch",
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	span.SetAttributes(
		attribute.String("task_id", taskID),
		attribute.String("worker_id", workerID),
	)
	return ctx, span
}

// TraceDispatchResult records the outcome of a dispatch on its span.
func TraceDispatchResult(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// TraceSpawn creates a span for an agent process spawn.
// Caller must call span.End() when the spawn attempt returns.
func TraceSpawn(ctx context.Context, sessionID, agentID, taskID string) (context.Context, trace.Span) {
	ctx, span := sessionTracer().Start(ctx, "session.spawn",
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	span.SetAttributes(
		attribute.String("session_id", sessionID),
		attribute.String("agent_id", agentID),
		attribute.String("task_id", taskID),
	)
	return ctx, span
}

// TraceSpawnResult records the outcome of a spawn attempt on its span.
func TraceSpawnResult(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}
