// Package telemetry defines the sinks the broker emits operational events
// and exceptions through. Every component takes an EventSink and an
// ExceptionSink rather than a concrete logger, so tests can swap in a noop
// sink and production can swap in one backed by structured logging and
// OpenTelemetry without either side knowing about the other.
package telemetry

// EventSink receives named operational events with structured attributes,
// e.g. Emit("message.routed", map[string]any{"kind": "Request", "receiverId": "S2"}).
type EventSink interface {
	Emit(name string, attrs map[string]any)
}

// ExceptionSink receives errors the broker recovered from rather than
// propagating. component identifies where the error originated (e.g.
// "routing.frontend", "transport.backend").
type ExceptionSink interface {
	EmitException(err error, component string, attrs map[string]any)
}

// Sink bundles both interfaces, since in practice a component always wants
// both.
type Sink interface {
	EventSink
	ExceptionSink
}

type noopSink struct{}

func (noopSink) Emit(string, map[string]any)                {}
func (noopSink) EmitException(error, string, map[string]any) {}

// Noop returns a Sink that discards everything, for use in tests and any
// caller that hasn't configured telemetry.
func Noop() Sink { return noopSink{} }
