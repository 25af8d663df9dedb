package telemetry

import (
	"log"
	"os"

	"github.com/go-logr/logr"
	"github.com/go-logr/stdr"
)

// LogrSink is a Sink backed by a logr.Logger. NewLogrSink's default
// instance writes through stdr, which is the go-logr adapter over the
// standard library's log package — the same place the broker's other
// plain-text output goes, so operators see everything in one stream.
type LogrSink struct {
	log logr.Logger
}

// NewLogrSink builds a LogrSink that writes to stderr with stdr, tagged
// "kestrel".
func NewLogrSink() *LogrSink {
	stdr.SetVerbosity(1)
	l := stdr.New(log.New(os.Stderr, "", log.LstdFlags|log.Lmicroseconds))
	return &LogrSink{log: l.WithName("kestrel")}
}

// NewLogrSinkFrom wraps an already-configured logr.Logger, for callers that
// want a different backend (zap, zerolog, logrus, all of which ship logr
// adapters) without changing anything in this package.
func NewLogrSinkFrom(l logr.Logger) *LogrSink {
	return &LogrSink{log: l}
}

func (s *LogrSink) Emit(name string, attrs map[string]any) {
	s.log.Info(name, flatten(attrs)...)
}

func (s *LogrSink) EmitException(err error, component string, attrs map[string]any) {
	s.log.Error(err, component, flatten(attrs)...)
}

func flatten(attrs map[string]any) []interface{} {
	out := make([]interface{}, 0, len(attrs)*2)
	for k, v := range attrs {
		out = append(out, k, v)
	}
	return out
}
