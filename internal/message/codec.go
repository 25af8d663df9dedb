package message

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"
)

const rfc3339 = time.RFC3339

// ErrMalformedMessage is returned by Decode for invalid JSON, a missing id,
// or a missing/empty kind. It is the error value the
// routing engine's per-message handler checks for to count and drop rather
// than propagate.
var ErrMalformedMessage = errors.New("malformed message")

// wireFields mirrors the on-the-wire JSON object. It exists
// separately from Message so decode can recover unknown fields before
// discarding them into headers, and so Payload can be carried as a plain
// JSON string rather than a Go []byte (which json would base64-encode).
type wireFields struct {
	ID           string            `json:"id"`
	Kind         Kind              `json:"type"`
	Sender       string            `json:"senderId"`
	Receiver     string            `json:"receiverId,omitempty"`
	InResponseTo string            `json:"inResponseTo,omitempty"`
	Topic        string            `json:"topic,omitempty"`
	Timestamp    string            `json:"timestamp"`
	Headers      map[string]string `json:"headers,omitempty"`
	Payload      string            `json:"payload,omitempty"`
	RequiresAck  bool              `json:"requiresAcknowledgment,omitempty"`
	Route        []string          `json:"route,omitempty"`
}

// Encode serializes m to its wire JSON form. Encoding a well-formed record
// never fails; the error return exists only for the degenerate case of a
// payload that is not valid UTF-8.
func (m *Message) Encode() ([]byte, error) {
	if !bytesValidUTF8OrEmpty(m.Payload) {
		return nil, fmt.Errorf("message %s: payload is not valid UTF-8 text", m.ID)
	}
	w := wireFields{
		ID:           m.ID,
		Kind:         m.Kind,
		Sender:       m.Sender,
		Receiver:     m.Receiver,
		InResponseTo: m.InResponseTo,
		Topic:        m.Topic,
		Timestamp:    m.Timestamp.Format(rfc3339),
		Headers:      m.Headers,
		Payload:      string(m.Payload),
		RequiresAck:  m.RequiresAck,
		Route:        m.Route,
	}
	return json.Marshal(w)
}

// Decode parses frame into a Message. It wraps ErrMalformedMessage for
// invalid JSON, a missing id, or a missing kind; callers should treat any
// error from Decode as transient per-message noise, never fatal to the
// caller's loop.
func Decode(frame []byte) (*Message, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(frame, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}

	var w wireFields
	if err := json.Unmarshal(frame, &w); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if w.ID == "" {
		return nil, fmt.Errorf("%w: missing id", ErrMalformedMessage)
	}
	if w.Kind == "" {
		return nil, fmt.Errorf("%w: missing type", ErrMalformedMessage)
	}

	ts, err := parseTimestamp(w.Timestamp)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}

	m := &Message{
		ID:           w.ID,
		Kind:         w.Kind,
		Sender:       w.Sender,
		Receiver:     w.Receiver,
		InResponseTo: w.InResponseTo,
		Topic:        w.Topic,
		Timestamp:    ts,
		Headers:      w.Headers,
		Payload:      []byte(w.Payload),
		RequiresAck:  w.RequiresAck,
		Route:        w.Route,
	}

	preserveUnknownFields(m, raw)
	return m, nil
}

// knownWireKeys lists every field name codec.go assigns explicitly, so
// preserveUnknownFields can tell a future-protocol field apart from one it
// already understands.
var knownWireKeys = map[string]bool{
	"id": true, "type": true, "senderId": true, "receiverId": true,
	"inResponseTo": true, "topic": true, "timestamp": true, "headers": true,
	"payload": true, "requiresAcknowledgment": true, "route": true,
}

// preserveUnknownFields stashes any field the wire sent that this codec
// version doesn't model into Headers, so a round-trip through Decode then
// Encode doesn't silently drop data a newer peer cares about.
func preserveUnknownFields(m *Message, raw map[string]json.RawMessage) {
	for key, val := range raw {
		if knownWireKeys[key] {
			continue
		}
		if m.Headers == nil {
			m.Headers = make(map[string]string)
		}
		m.Headers["x-unknown-"+key] = string(val)
	}
}

func encodeJSON(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}

func bytesValidUTF8OrEmpty(b []byte) bool {
	return len(b) == 0 || utf8.Valid(b)
}

func parseTimestamp(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(rfc3339, s)
}
