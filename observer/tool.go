package observer

import (
	"context"
	"encoding/json"
	"time"

	"github.com/nevindra/loom"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	otellog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// ObservedTools wraps a loom.ToolSource with OTEL instrumentation.
type ObservedTools struct {
	inner loom.ToolSource
	inst  *Instruments
}

// WrapTools returns an instrumented tool source.
func WrapTools(inner loom.ToolSource, inst *Instruments) *ObservedTools {
	return &ObservedTools{inner: inner, inst: inst}
}

func (o *ObservedTools) Definition(id string) (loom.ToolDefinition, bool) {
	return o.inner.Definition(id)
}

func (o *ObservedTools) Definitions(ids []string) []loom.ToolDefinition {
	return o.inner.Definitions(ids)
}

func (o *ObservedTools) Execute(ctx context.Context, id string, args json.RawMessage) (loom.ToolResult, error) {
	ctx, span := o.inst.Tracer.Start(ctx, "tool.execute", trace.WithAttributes(
		AttrToolName.String(id),
	))
	defer span.End()
	start := time.Now()

	result, err := o.inner.Execute(ctx, id, args)

	durationMs := float64(time.Since(start).Milliseconds())
	status := "ok"
	if result.Error != "" {
		status = "tool_error"
	}
	if err != nil {
		status = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}

	span.SetAttributes(
		AttrToolStatus.String(status),
		AttrToolResultLength.Int(len(result.Content)),
	)

	o.inst.ToolExecutions.Add(ctx, 1, metric.WithAttributes(
		AttrToolName.String(id),
		attribute.String("status", status),
	))
	o.inst.ToolDuration.Record(ctx, durationMs, metric.WithAttributes(
		AttrToolName.String(id),
	))

	// Structured log
	var rec otellog.Record
	rec.SetSeverity(otellog.SeverityInfo)
	rec.SetBody(otellog.StringValue("tool executed"))
	rec.AddAttributes(
		otellog.String("tool.name", id),
		otellog.String("tool.status", status),
		otellog.Int("tool.result_length", len(result.Content)),
		otellog.Float64("tool.duration_ms", durationMs),
	)
	o.inst.Logger.Emit(ctx, rec)

	return result, err
}

// compile-time check
var _ loom.ToolSource = (*ObservedTools)(nil)
