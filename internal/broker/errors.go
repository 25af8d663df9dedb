package broker

import "errors"

// ErrUnknownReceiver is recorded when a point-to-point message names a
// receiverId the registry has no entry for. The engine still replies to
// the sender with an Error(404) message; this value is only what gets
// passed to the exception sink.
var ErrUnknownReceiver = errors.New("broker: unknown receiver")

// ErrAckTimeout means a message requiring acknowledgment exhausted its
// retry budget without one arriving.
var ErrAckTimeout = errors.New("broker: acknowledgment timed out")

// ErrTransportSendFailed wraps any error the transport returns while the
// engine is trying to deliver a frame.
var ErrTransportSendFailed = errors.New("broker: transport send failed")

// ErrInternalInvariant marks a condition the engine believes can never
// happen during normal operation (e.g. a registry lookup disagreeing with
// a peer binding it just set). The per-message handler wraps any panic it
// recovers from in this error rather than taking the whole broker down.
var ErrInternalInvariant = errors.New("broker: internal invariant violated")
