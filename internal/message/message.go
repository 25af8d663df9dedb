// Package message defines the wire record the broker routes and the JSON
// codec that frames it. A Message is the only unit of communication
// between peers and the broker; everything else (registry entries, pending
// acks, dedup entries) is broker-side bookkeeping built on top of it.
package message

import (
	"time"

	"github.com/google/uuid"
)

// Message is the unit of communication between peers and the broker. ID is
// assigned by the originator and carried unchanged by the broker; the
// broker never rewrites it.
type Message struct {
	ID           string            `json:"id"`
	Kind         Kind              `json:"type"`
	Sender       string            `json:"senderId"`
	Receiver     string            `json:"receiverId,omitempty"`
	InResponseTo string            `json:"inResponseTo,omitempty"`
	Topic        string            `json:"topic,omitempty"`
	Timestamp    time.Time         `json:"timestamp"`
	Headers      map[string]string `json:"headers,omitempty"`
	Payload      []byte            `json:"-"`
	RequiresAck  bool              `json:"requiresAcknowledgment,omitempty"`

	// Route records the serviceIds that forwarded this message. The
	// monitor stream and broadcast fan-out use it for debugging; the core
	// routing decision never reads it.
	Route []string `json:"route,omitempty"`
}

// New constructs a Message with a fresh id and the current UTC timestamp.
// Kind, sender and payload are the only fields every caller must set;
// everything else defaults to its zero value.
func New(kind Kind, sender string, payload []byte) *Message {
	return &Message{
		ID:        uuid.New().String(),
		Kind:      kind,
		Sender:    sender,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}
}

// Broadcast reports whether the message has no addressed receiver, which
// means it is sent to every registered backend peer rather than routed
// point-to-point.
func (m *Message) Broadcast() bool {
	return m.Receiver == ""
}

// AddHop appends serviceID to the message's route history. Called by the
// routing engine each time it forwards (not originates) a message.
func (m *Message) AddHop(serviceID string) {
	m.Route = append(m.Route, serviceID)
}

// Ack builds the Acknowledgment reply the broker sends for system kinds
// that require one (ServiceRegistration, Ping) and for the client's
// Heartbeat response.
func Ack(sender, inResponseTo string) *Message {
	m := New(KindAcknowledgment, sender, nil)
	m.InResponseTo = inResponseTo
	return m
}

// ErrorReply builds the Error(404) synthesized by the routing engine when
// a point-to-point receiver is not in the registry.
func ErrorReply(sender, inResponseTo string, code int, msg string) (*Message, error) {
	payload, err := encodeJSON(errorPayload{ErrorCode: code, Message: msg})
	if err != nil {
		return nil, err
	}
	m := New(KindError, sender, payload)
	m.InResponseTo = inResponseTo
	return m, nil
}

type errorPayload struct {
	ErrorCode int    `json:"errorCode"`
	Message   string `json:"message"`
	Details   string `json:"details,omitempty"`
}
