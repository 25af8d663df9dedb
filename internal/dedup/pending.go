package dedup

import (
	"sync"
	"time"

	"github.com/kestrelmq/kestrel/internal/message"
)

// DefaultAckDeadline is how long the broker waits for an Acknowledgment
// before retransmitting.
const DefaultAckDeadline = 5 * time.Second

// DefaultMaxRetries is how many times the broker retransmits an
// unacknowledged message before giving up on it.
const DefaultMaxRetries = 3

// PendingAck is a message awaiting acknowledgment, along with the
// bookkeeping the retry sweep needs.
type PendingAck struct {
	Message   *message.Message
	Peer      string
	FirstSent time.Time
	LastSent  time.Time
	Retries   int
}

// Expired reports whether deadline has elapsed since LastSent, as of now.
func (p *PendingAck) Expired(now time.Time, deadline time.Duration) bool {
	return now.Sub(p.LastSent) >= deadline
}

// PendingStore tracks in-flight acknowledgment-required messages keyed by
// message id. It is safe for concurrent use.
type PendingStore struct {
	mu      sync.Mutex
	pending map[string]*PendingAck
}

// NewPendingStore returns an empty PendingStore.
func NewPendingStore() *PendingStore {
	return &PendingStore{pending: make(map[string]*PendingAck)}
}

// Add begins tracking m, sent to peer at now, awaiting acknowledgment.
func (s *PendingStore) Add(m *message.Message, peer string, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending[m.ID] = &PendingAck{
		Message:   m,
		Peer:      peer,
		FirstSent: now,
		LastSent:  now,
	}
}

// Ack stops tracking the message identified by inResponseTo, reporting
// whether it was still pending (a late or duplicate ack is simply ignored).
func (s *PendingStore) Ack(inResponseTo string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.pending[inResponseTo]; !ok {
		return false
	}
	delete(s.pending, inResponseTo)
	return true
}

// Sweep scans every pending ack and calls retransmit for each one that has
// exceeded deadline since its last send. retransmit returns true if the
// message was resent (in which case the retry count and LastSent advance)
// and false if the caller declines to resend (e.g. transport unavailable;
// the entry is left untouched and re-evaluated on the next sweep). Any
// message that would exceed maxRetries is passed to giveUp instead and
// dropped from the store.
func (s *PendingStore) Sweep(now time.Time, deadline time.Duration, maxRetries int, retransmit func(*PendingAck) bool, giveUp func(*PendingAck)) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, p := range s.pending {
		if !p.Expired(now, deadline) {
			continue
		}
		if p.Retries >= maxRetries {
			giveUp(p)
			delete(s.pending, id)
			continue
		}
		if retransmit(p) {
			p.Retries++
			p.LastSent = now
		}
	}
}

// Len reports how many messages are currently awaiting acknowledgment.
func (s *PendingStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}
