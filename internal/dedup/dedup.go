// Package dedup tracks recently seen message ids so the routing engine can
// collapse a retransmitted message into a no-op instead of delivering it
// twice. Entries expire after a fixed window; a background sweep (driven by
// the broker's timer loop) reclaims expired ones so the set doesn't grow
// without bound.
package dedup

import (
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
)

// DefaultWindow is how long a message id is remembered after first being
// seen.
const DefaultWindow = 10 * time.Minute

type entry struct {
	seenAt time.Time
}

// Set is a concurrency-safe, time-windowed set of message ids. The zero
// value is not usable; construct with New.
type Set struct {
	mu     sync.Mutex
	window time.Duration
	seen   map[uint64]entry
}

// New returns a Set that forgets an id once window has elapsed since it was
// first observed. A window of zero uses DefaultWindow.
func New(window time.Duration) *Set {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Set{
		window: window,
		seen:   make(map[uint64]entry),
	}
}

// SeenBefore records id as seen at now and reports whether it had already
// been recorded within the current window. A duplicate hit does not refresh
// the original seenAt, so a message retransmitted continuously every few
// seconds still falls out of the window at a fixed offset from its first
// arrival.
func (s *Set) SeenBefore(id string, now time.Time) bool {
	h := hash(id)

	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.seen[h]; ok && now.Sub(e.seenAt) < s.window {
		return true
	}
	s.seen[h] = entry{seenAt: now}
	return false
}

// GC removes every entry whose seenAt is older than the window as of now,
// returning the number removed. The timer loop calls this on its dedup GC
// interval.
func (s *Set) GC(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for h, e := range s.seen {
		if now.Sub(e.seenAt) > s.window {
			delete(s.seen, h)
			removed++
		}
	}
	return removed
}

// Len reports how many ids are currently tracked, including ones GC hasn't
// yet reclaimed.
func (s *Set) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.seen)
}

func hash(id string) uint64 {
	return xxhash.Sum64String(id)
}
