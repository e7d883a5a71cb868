package telemetry

import (
	"context"
	"strconv"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
)

const upstreamScope = "github.com/constelar/constelar/internal/telemetry/upstream"

// UpstreamMetrics records outbound calls to an upstream service.
type UpstreamMetrics struct {
	tracer   trace.Tracer
	requests metric.Int64Counter
	duration metric.Float64Histogram
}

// NewUpstreamMetrics creates instruments on the global providers.
func NewUpstreamMetrics() *UpstreamMetrics {
	meter := otel.Meter(upstreamScope)
	fallback := noop.NewMeterProvider().Meter(upstreamScope)

	m := &UpstreamMetrics{tracer: otel.Tracer(upstreamScope)}

	var err error
	if m.requests, err = meter.Int64Counter("upstream.requests",
		metric.WithDescription("Outbound requests by upstream and outcome"),
		metric.WithUnit("{request}")); err != nil {
		m.requests, _ = fallback.Int64Counter("upstream.requests")
	}
	if m.duration, err = meter.Float64Histogram("upstream.duration",
		metric.WithDescription("Outbound request duration including retries"),
		metric.WithUnit("s")); err != nil {
		m.duration, _ = fallback.Float64Histogram("upstream.duration")
	}
	return m
}

// Start opens a client span for one logical call. The returned function
// ends it and records the outcome; status is zero when no response arrived.
func (m *UpstreamMetrics) Start(ctx context.Context, upstream, method string) (context.Context, func(status int, err error)) {
	start := time.Now()
	ctx, span := m.tracer.Start(ctx, upstream+" "+method,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("upstream", upstream),
			attribute.String("http.request.method", method),
		),
	)

	return ctx, func(status int, err error) {
		outcome := "ok"
		switch {
		case err != nil:
			outcome = "error"
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		case status >= 400:
			outcome = strconv.Itoa(status / 100 * 100)
			span.SetStatus(codes.Error, "status "+strconv.Itoa(status))
		}
		if status > 0 {
			span.SetAttributes(attribute.Int("http.response.status_code", status))
		}
		span.End()

		attrs := metric.WithAttributes(
			attribute.String("upstream", upstream),
			attribute.String("outcome", outcome),
		)
		m.requests.Add(ctx, 1, attrs)
		m.duration.Record(ctx, time.Since(start).Seconds(), attrs)
	}
}
