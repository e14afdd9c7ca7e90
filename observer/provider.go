package observer

import (
	"context"
	"time"

	"github.com/nevindra/loom"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	otellog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// ObservedProvider wraps a loom.ModelProvider with OTEL instrumentation.
type ObservedProvider struct {
	inner loom.ModelProvider
	inst  *Instruments
}

// WrapProvider returns an instrumented provider that emits traces, metrics,
// and logs for every Stream call.
func WrapProvider(inner loom.ModelProvider, inst *Instruments) *ObservedProvider {
	return &ObservedProvider{inner: inner, inst: inst}
}

func (o *ObservedProvider) Name() string { return o.inner.Name() }

func (o *ObservedProvider) Stream(ctx context.Context, req loom.ModelRequest, ch chan<- loom.ProviderEvent) (loom.ModelResult, error) {
	spanAttrs := []trace.SpanStartOption{
		trace.WithAttributes(
			AttrModel.String(req.Model),
			AttrProvider.String(o.inner.Name()),
		),
	}
	if len(req.Tools) > 0 {
		toolNames := make([]string, len(req.Tools))
		for i, t := range req.Tools {
			toolNames[i] = t.Name
		}
		spanAttrs = append(spanAttrs, trace.WithAttributes(
			AttrToolCount.Int(len(req.Tools)),
			AttrToolNames.StringSlice(toolNames),
		))
	}

	ctx, span := o.inst.Tracer.Start(ctx, "model.stream", spanAttrs...)
	defer span.End()
	start := time.Now()

	// Interpose a buffered channel to count delta chunks. Neither side closes
	// its channel (the Stream contract forbids it), so the forwarder runs
	// until told to stop and then drains what is buffered. The buffer is
	// sized so the inner provider never blocks on send while the caller is
	// slow to read.
	bufSize := max(cap(ch), 64)
	wrapped := make(chan loom.ProviderEvent, bufSize)
	chunks := 0
	stop := make(chan struct{})
	done := make(chan struct{})
	forward := func(ev loom.ProviderEvent) bool {
		if ev.Type == loom.ProviderEventDelta {
			chunks++
		}
		select {
		case ch <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}
	go func() {
		defer close(done)
		for {
			select {
			case ev := <-wrapped:
				if !forward(ev) {
					return
				}
			case <-stop:
				for {
					select {
					case ev := <-wrapped:
						if !forward(ev) {
							return
						}
					default:
						return
					}
				}
			}
		}
	}()

	res, err := o.inner.Stream(ctx, req, wrapped)
	close(stop)
	<-done

	durationMs := float64(time.Since(start).Milliseconds())
	status := "ok"
	if err != nil {
		status = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}

	span.SetAttributes(AttrStreamChunks.Int(chunks))
	o.record(ctx, span, req.Model, status, durationMs, res.Usage)
	return res, err
}

func (o *ObservedProvider) record(ctx context.Context, span trace.Span, model, status string, durationMs float64, usage loom.ModelUsage) {
	cost := o.inst.Cost.Calculate(model, usage.InputTokens, usage.OutputTokens)

	attrs := metric.WithAttributes(
		AttrModel.String(model),
		AttrProvider.String(o.inner.Name()),
	)

	span.SetAttributes(
		AttrTokensInput.Int(usage.InputTokens),
		AttrTokensOutput.Int(usage.OutputTokens),
		AttrCostUSD.Float64(cost),
	)

	o.inst.TokenUsage.Add(ctx, int64(usage.InputTokens), metric.WithAttributes(
		AttrModel.String(model),
		AttrProvider.String(o.inner.Name()),
		attribute.String("direction", "input"),
	))
	o.inst.TokenUsage.Add(ctx, int64(usage.OutputTokens), metric.WithAttributes(
		AttrModel.String(model),
		AttrProvider.String(o.inner.Name()),
		attribute.String("direction", "output"),
	))
	o.inst.CostTotal.Add(ctx, cost, attrs)
	o.inst.ModelRequests.Add(ctx, 1, metric.WithAttributes(
		AttrModel.String(model),
		AttrProvider.String(o.inner.Name()),
		attribute.String("status", status),
	))
	o.inst.ModelDuration.Record(ctx, durationMs, attrs)

	// Structured log
	var rec otellog.Record
	rec.SetSeverity(otellog.SeverityInfo)
	rec.SetBody(otellog.StringValue("model call completed"))
	rec.AddAttributes(
		otellog.String("model.name", model),
		otellog.String("model.provider", o.inner.Name()),
		otellog.Int("model.tokens.input", usage.InputTokens),
		otellog.Int("model.tokens.output", usage.OutputTokens),
		otellog.Float64("model.cost_usd", cost),
		otellog.Float64("model.duration_ms", durationMs),
		otellog.String("status", status),
	)
	o.inst.Logger.Emit(ctx, rec)
}

// compile-time check
var _ loom.ModelProvider = (*ObservedProvider)(nil)
