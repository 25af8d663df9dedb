package telemetry

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNoopDiscardsEverything(t *testing.T) {
	s := Noop()
	assert.NotPanics(t, func() {
		s.Emit("anything", map[string]any{"k": "v"})
		s.EmitException(errors.New("boom"), "test", nil)
	})
}

func TestLogrSinkDoesNotPanic(t *testing.T) {
	s := NewLogrSink()
	assert.NotPanics(t, func() {
		s.Emit("message.routed", map[string]any{"kind": "Request"})
		s.EmitException(errors.New("boom"), "routing.frontend", map[string]any{"messageId": "m1"})
	})
}

func TestFlattenProducesPairs(t *testing.T) {
	pairs := flatten(map[string]any{"a": 1})
	assert.Len(t, pairs, 2)
	assert.Equal(t, "a", pairs[0])
	assert.Equal(t, 1, pairs[1])
}
