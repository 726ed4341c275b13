package rpcproxy

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

// Telemetry records OpenTelemetry spans and metrics for the attempts of a client.
// It observes lifecycle events only and never changes the outcome of a call.
//
// Every attempt that fires CallSuccess or OnException produces one span named
// "rpc.attempt.<Contract>.<Method>" covering the attempt's elapsed time. Attempts
// rejected by a response rule are only counted in rpc.attempts.
type Telemetry struct {
	tracer       trace.Tracer
	attempts     metric.Int64Counter
	failures     metric.Int64Counter
	successes    metric.Int64Counter
	durationHist metric.Float64Histogram
}

// NewTelemetry creates a telemetry observer. A nil tracer or meter disables that signal.
func NewTelemetry(tracer trace.Tracer, meter metric.Meter) (*Telemetry, error) {
	if tracer == nil {
		tracer = tracenoop.NewTracerProvider().Tracer("rpcproxy")
	}
	if meter == nil {
		meter = metricnoop.NewMeterProvider().Meter("rpcproxy")
	}

	attempts, err := meter.Int64Counter(
		"rpc.attempts",
		metric.WithDescription("Total number of call attempts"),
		metric.WithUnit("{attempt}"),
	)
	if err != nil {
		return nil, err
	}

	failures, err := meter.Int64Counter(
		"rpc.attempt.errors",
		metric.WithDescription("Total number of failed call attempts"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return nil, err
	}

	successes, err := meter.Int64Counter(
		"rpc.calls.succeeded",
		metric.WithDescription("Total number of successful calls"),
		metric.WithUnit("{call}"),
	)
	if err != nil {
		return nil, err
	}

	durationHist, err := meter.Float64Histogram(
		"rpc.attempt.duration_ms",
		metric.WithDescription("Call attempt duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	return &Telemetry{
		tracer:       tracer,
		attempts:     attempts,
		failures:     failures,
		successes:    successes,
		durationHist: durationHist,
	}, nil
}

// WithTelemetry records spans and metrics for every attempt.
//
// Example:
//
//	tel, err := rpcproxy.NewTelemetry(otel.Tracer("calculator"), otel.Meter("calculator"))
//	if err != nil {
//	    return err
//	}
//	client, err := rpcproxy.New[Calculator](factory, rpcproxy.WithTelemetry(tel))
func WithTelemetry(t *Telemetry) Option {
	return func(c *Config) {
		if t == nil {
			return
		}
		c.Events.Subscribe(EventCallBegin, t.onCallBegin)
		c.Events.Subscribe(EventException, t.onException)
		c.Events.Subscribe(EventCallSuccess, t.onCallSuccess)
	}
}

func (t *Telemetry) onCallBegin(ev InvokeEvent) {
	t.attempts.Add(context.Background(), 1, metric.WithAttributes(eventAttributes(ev)...))
}

func (t *Telemetry) onException(ev InvokeEvent) {
	ctx := context.Background()
	attrs := eventAttributes(ev)
	opt := metric.WithAttributes(attrs...)

	t.failures.Add(ctx, 1, opt)
	t.durationHist.Record(ctx, float64(ev.Elapsed.Milliseconds()), opt)

	span := t.recordSpan(ctx, ev, attrs)
	if ev.Err != nil {
		span.RecordError(ev.Err)
		span.SetStatus(codes.Error, ev.Err.Error())
	}
	span.SetAttributes(attribute.Bool("rpc.error", true))
	span.End()
}

func (t *Telemetry) onCallSuccess(ev InvokeEvent) {
	ctx := context.Background()
	attrs := eventAttributes(ev)
	opt := metric.WithAttributes(attrs...)

	t.successes.Add(ctx, 1, opt)
	t.durationHist.Record(ctx, float64(ev.Elapsed.Milliseconds()), opt)

	span := t.recordSpan(ctx, ev, attrs)
	span.SetAttributes(attribute.Bool("rpc.error", false))
	span.SetStatus(codes.Ok, "")
	span.End()
}

// recordSpan starts a span back-dated to the beginning of the attempt.
func (t *Telemetry) recordSpan(ctx context.Context, ev InvokeEvent, attrs []attribute.KeyValue) trace.Span {
	start := time.Now().Add(-ev.Elapsed)
	_, span := t.tracer.Start(ctx, spanName(ev),
		trace.WithTimestamp(start),
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attrs...),
		trace.WithAttributes(attribute.Int("rpc.retry", ev.RetryCounter)),
	)
	return span
}

func spanName(ev InvokeEvent) string {
	contract := "unknown"
	if ev.Contract != nil {
		contract = ev.Contract.Name()
	}
	method := ""
	if ev.Info != nil {
		method = ev.Info.MethodName
	}
	return "rpc.attempt." + contract + "." + method
}

func eventAttributes(ev InvokeEvent) []attribute.KeyValue {
	var attrs []attribute.KeyValue
	if ev.Contract != nil {
		attrs = append(attrs, attribute.String("rpc.service", ev.Contract.Name()))
	}
	if ev.Info != nil {
		attrs = append(attrs, attribute.String("rpc.method", ev.Info.MethodName))
	}
	return attrs
}
