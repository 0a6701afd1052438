package orchestrator

import (
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/aristath/taskforge/internal/quality"
)

func attemptAttributes(a Assignment) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("task.id", a.TaskID),
		attribute.String("task.category", string(a.Category)),
		attribute.String("agent.id", a.AgentID),
		attribute.Int("task.attempt", a.Attempt),
	}
}

func validationAttributes(r quality.Result) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.Bool("validation.passed", r.Passed),
		attribute.String("validation.action", r.Action.String()),
		attribute.Int("validation.findings", len(r.Findings)),
	}
}

// endSpan closes span with err as its error status. Nil spans are ignored.
func endSpan(span trace.Span, err error) {
	if span == nil {
		return
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
