package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// OtelSink reports each event as a span event plus a counter increment, and
// each exception as a recorded span error plus a counter increment. Every
// call starts its own root span from context.Background and ends it
// immediately; it never attaches to a caller's live span.
type OtelSink struct {
	tracer       trace.Tracer
	eventCounter metric.Int64Counter
	errCounter   metric.Int64Counter
}

// NewOtelSink builds an OtelSink whose tracer and meter, both named
// "kestrel/broker", come from the given TracerProvider and MeterProvider;
// this package has no opinion on exporters.
func NewOtelSink(tracerProvider trace.TracerProvider, meterProvider metric.MeterProvider) (*OtelSink, error) {
	tracer := tracerProvider.Tracer("kestrel/broker")
	meter := meterProvider.Meter("kestrel/broker")

	eventCounter, err := meter.Int64Counter("kestrel.events",
		metric.WithDescription("count of operational events emitted by the broker"))
	if err != nil {
		return nil, err
	}
	errCounter, err := meter.Int64Counter("kestrel.exceptions",
		metric.WithDescription("count of recovered errors emitted by the broker"))
	if err != nil {
		return nil, err
	}

	return &OtelSink{
		tracer:       tracer,
		eventCounter: eventCounter,
		errCounter:   errCounter,
	}, nil
}

func (s *OtelSink) Emit(name string, attrs map[string]any) {
	ctx := context.Background()
	_, span := s.tracer.Start(ctx, name)
	span.AddEvent(name, trace.WithAttributes(toAttrs(attrs)...))
	s.eventCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("event", name)))
	span.End()
}

func (s *OtelSink) EmitException(err error, component string, attrs map[string]any) {
	ctx := context.Background()
	_, span := s.tracer.Start(ctx, component)
	span.RecordError(err, trace.WithAttributes(toAttrs(attrs)...))
	s.errCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("component", component)))
	span.End()
}

func toAttrs(attrs map[string]any) []attribute.KeyValue {
	out := make([]attribute.KeyValue, 0, len(attrs))
	for k, v := range attrs {
		switch val := v.(type) {
		case string:
			out = append(out, attribute.String(k, val))
		case bool:
			out = append(out, attribute.Bool(k, val))
		case int:
			out = append(out, attribute.Int(k, val))
		case int64:
			out = append(out, attribute.Int64(k, val))
		case float64:
			out = append(out, attribute.Float64(k, val))
		default:
			out = append(out, attribute.String(k, fmt.Sprintf("%v", val)))
		}
	}
	return out
}
