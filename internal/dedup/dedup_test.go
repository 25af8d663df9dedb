package dedup

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSeenBeforeWithinWindow(t *testing.T) {
	s := New(10 * time.Minute)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	assert.False(t, s.SeenBefore("m12", base))
	assert.True(t, s.SeenBefore("m12", base.Add(time.Minute)))
	assert.True(t, s.SeenBefore("m12", base.Add(9*time.Minute)))
}

func TestSeenBeforeExpiresAfterWindow(t *testing.T) {
	s := New(time.Minute)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	assert.False(t, s.SeenBefore("m1", base))
	assert.False(t, s.SeenBefore("m1", base.Add(2*time.Minute)))
}

func TestGCRemovesExpiredEntries(t *testing.T) {
	s := New(time.Minute)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	s.SeenBefore("m1", base)
	s.SeenBefore("m2", base.Add(30*time.Second))

	removed := s.GC(base.Add(90 * time.Second))
	assert.Equal(t, 1, removed)
	assert.Equal(t, 1, s.Len())
}

func TestNewDefaultsZeroWindow(t *testing.T) {
	s := New(0)
	assert.Equal(t, DefaultWindow, s.window)
}
