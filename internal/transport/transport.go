// Package transport abstracts how the broker exchanges raw message frames
// with peers. The routing engine is written against the Transport
// interface only; internal/transport/net.go implements it over ZMQ4
// ROUTER sockets for real deployments, and internal/transport/inproc.go
// implements it over Go channels for tests and same-process embedding.
package transport

import "context"

// PeerHandle identifies one connected peer for the lifetime of its
// transport session. It has no meaning beyond that session — a
// reconnecting peer gets a new handle and must re-register.
type PeerHandle string

// Frame is one undifferentiated blob of bytes: the JSON encoding of a
// message.Message. Transport never looks inside it.
type Frame []byte

// Transport is the broker's view of its network. A broker binds a
// frontend (where clients connect and send requests) and a backend
// (where services connect, both to receive routed work and to publish
// broadcasts), and optionally a monitor endpoint that only ever sends.
type Transport interface {
	// BindFrontend starts accepting frontend peer connections at addr.
	BindFrontend(ctx context.Context, addr string) error
	// BindBackend starts accepting backend peer connections at addr.
	BindBackend(ctx context.Context, addr string) error
	// BindMonitor starts a publish-only endpoint at addr; peers connect to
	// observe routing events but never send.
	BindMonitor(ctx context.Context, addr string) error

	// RecvFrontend blocks until a frame arrives on the frontend endpoint.
	RecvFrontend(ctx context.Context) (PeerHandle, Frame, error)
	// RecvBackend blocks until a frame arrives on the backend endpoint.
	RecvBackend(ctx context.Context) (PeerHandle, Frame, error)

	// SendFrontend delivers frame to peer on the frontend endpoint.
	SendFrontend(ctx context.Context, peer PeerHandle, frame Frame) error
	// SendBackend delivers frame to peer on the backend endpoint.
	SendBackend(ctx context.Context, peer PeerHandle, frame Frame) error
	// PublishMonitor fans frame out to every peer connected to the
	// monitor endpoint. Best-effort: a slow or absent monitor peer never
	// blocks or errors the caller.
	PublishMonitor(ctx context.Context, frame Frame)

	// Close releases every bound socket. RecvFrontend/RecvBackend return
	// an error once Close has been called.
	Close() error
}

// Disconnect is returned by RecvFrontend/RecvBackend, unwrapped, when a peer's
// transport session has ended, so the routing engine can clean up its
// registry binding for that peer.
type Disconnect struct {
	Peer PeerHandle
}

func (d *Disconnect) Error() string {
	return "peer disconnected: " + string(d.Peer)
}
