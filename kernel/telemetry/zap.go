package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

type (
	// ZapLogger wraps a *zap.Logger for kernel logging.
	ZapLogger struct {
		base *zap.Logger
	}

	// OTelMetrics wraps an OTEL meter for kernel instrumentation.
	OTelMetrics struct {
		meter metric.Meter
	}

	// OTelTracer wraps an OTEL tracer for kernel tracing.
	OTelTracer struct {
		tracer trace.Tracer
	}

	otelSpan struct {
		span trace.Span
	}
)

// NewZapLogger wraps base for use as a kernel Logger.
func NewZapLogger(base *zap.Logger) Logger {
	return ZapLogger{base: base}
}

// NewOTelMetrics constructs a Metrics recorder backed by the global
// MeterProvider, scoped under the kernel's instrumentation name. Configure
// the provider via otel.SetMeterProvider before invoking kernel operations.
func NewOTelMetrics() Metrics {
	return &OTelMetrics{meter: otel.Meter("github.com/flowkernel/orchestrator/kernel")}
}

// NewOTelTracer constructs a Tracer backed by the global TracerProvider.
func NewOTelTracer() Tracer {
	return &OTelTracer{tracer: otel.Tracer("github.com/flowkernel/orchestrator/kernel")}
}

func (l ZapLogger) Debug(_ context.Context, msg string, keyvals ...any) {
	l.base.Debug(msg, toZapFields(keyvals)...)
}

func (l ZapLogger) Info(_ context.Context, msg string, keyvals ...any) {
	l.base.Info(msg, toZapFields(keyvals)...)
}

func (l ZapLogger) Warn(_ context.Context, msg string, keyvals ...any) {
	l.base.Warn(msg, toZapFields(keyvals)...)
}

func (l ZapLogger) Error(_ context.Context, msg string, keyvals ...any) {
	l.base.Error(msg, toZapFields(keyvals)...)
}

// toZapFields converts variadic key-value pairs (k1, v1, k2, v2, ...) into
// zap.Fields. A trailing unmatched key is paired with nil; non-string keys
// are skipped since zap field names must be strings.
func toZapFields(keyvals []any) []zap.Field {
	fields := make([]zap.Field, 0, len(keyvals)/2)
	for i := 0; i < len(keyvals); i += 2 {
		key, ok := keyvals[i].(string)
		if !ok {
			continue
		}
		var val any
		if i+1 < len(keyvals) {
			val = keyvals[i+1]
		}
		fields = append(fields, zap.Any(key, val))
	}
	return fields
}

func (m *OTelMetrics) IncCounter(name string, value float64, tags ...string) {
	counter, err := m.meter.Float64Counter(name)
	if err != nil {
		return
	}
	counter.Add(context.Background(), value, metric.WithAttributes(tagsToAttrs(tags)...))
}

func (m *OTelMetrics) RecordTimer(name string, duration time.Duration, tags ...string) {
	histogram, err := m.meter.Float64Histogram(name)
	if err != nil {
		return
	}
	histogram.Record(context.Background(), duration.Seconds(), metric.WithAttributes(tagsToAttrs(tags)...))
}

func (m *OTelMetrics) RecordGauge(name string, value float64, tags ...string) {
	histogram, err := m.meter.Float64Histogram(name + "_gauge")
	if err != nil {
		return
	}
	histogram.Record(context.Background(), value, metric.WithAttributes(tagsToAttrs(tags)...))
}

func tagsToAttrs(tags []string) []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, len(tags)/2)
	for i := 0; i < len(tags); i += 2 {
		v := ""
		if i+1 < len(tags) {
			v = tags[i+1]
		}
		attrs = append(attrs, attribute.String(tags[i], v))
	}
	return attrs
}

func (t *OTelTracer) Start(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, Span) {
	newCtx, span := t.tracer.Start(ctx, name, opts...)
	return newCtx, &otelSpan{span: span}
}

func (t *OTelTracer) Span(ctx context.Context) Span {
	return &otelSpan{span: trace.SpanFromContext(ctx)}
}

func (s *otelSpan) End(opts ...trace.SpanEndOption)              { s.span.End(opts...) }
func (s *otelSpan) SetStatus(code codes.Code, description string) { s.span.SetStatus(code, description) }
func (s *otelSpan) RecordError(err error, opts ...trace.EventOption) {
	s.span.RecordError(err, opts...)
}

func (s *otelSpan) AddEvent(name string, attrs ...any) {
	s.span.AddEvent(name, trace.WithAttributes(kvToAttrs(attrs)...))
}

func kvToAttrs(keyvals []any) []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, len(keyvals)/2)
	for i := 0; i < len(keyvals); i += 2 {
		key, ok := keyvals[i].(string)
		if !ok {
			continue
		}
		var val any
		if i+1 < len(keyvals) {
			val = keyvals[i+1]
		}
		switch v := val.(type) {
		case string:
			attrs = append(attrs, attribute.String(key, v))
		case int:
			attrs = append(attrs, attribute.Int(key, v))
		case int64:
			attrs = append(attrs, attribute.Int64(key, v))
		case float64:
			attrs = append(attrs, attribute.Float64(key, v))
		case bool:
			attrs = append(attrs, attribute.Bool(key, v))
		default:
			attrs = append(attrs, attribute.String(key, ""))
		}
	}
	return attrs
}
