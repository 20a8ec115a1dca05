package agent

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("github.com/rahul/matseg/internal/agent")

// startRunSpan starts a span covering one instruction run.
func startRunSpan(ctx context.Context, sessionID string) (context.Context, trace.Span) {
	ctx, span := tracer.Start(ctx, "agent.run")
	span.SetAttributes(attribute.String("session.id", sessionID))
	return ctx, span
}

// endRunSpan ends the run span with result info.
func endRunSpan(span trace.Span, resp Response, err error) {
	span.SetAttributes(
		attribute.Bool("run.success", resp.Success),
		attribute.Int("run.iterations", resp.Iterations),
	)
	if err != nil {
		span.RecordError(err)
	}
	span.End()
}

func startPlanSpan(ctx context.Context, iteration int) (context.Context, trace.Span) {
	ctx, span := tracer.Start(ctx, "agent.plan")
	span.SetAttributes(attribute.Int("run.iteration", iteration))
	return ctx, span
}

func startDispatchSpan(ctx context.Context, tool, stepID string) (context.Context, trace.Span) {
	ctx, span := tracer.Start(ctx, "agent.dispatch."+tool)
	span.SetAttributes(
		attribute.String("step.tool", tool),
		attribute.String("step.id", stepID),
	)
	return ctx, span
}

// endSpan records err, if any, and ends span.
func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
	}
	span.End()
}
