package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

// ErrClosed is returned by any operation attempted after Close.
var ErrClosed = errors.New("transport: closed")

const inprocQueueDepth = 256

type inprocEnvelope struct {
	peer  PeerHandle
	frame Frame
	disc  bool
}

// InProc is a Transport implementation backed entirely by Go channels. It
// never touches the network, so it is the transport of choice for tests and
// for embedding a broker and its clients in one process.
type InProc struct {
	frontendIn chan inprocEnvelope
	backendIn  chan inprocEnvelope

	mu          sync.Mutex
	frontendOut map[PeerHandle]chan Frame
	backendOut  map[PeerHandle]chan Frame
	monitorOut  map[PeerHandle]chan Frame

	nextPeer atomic.Uint64
	closed   chan struct{}
	once     sync.Once
}

// NewInProc returns a ready-to-use in-process transport. Bind* are no-ops
// for InProc (there is no listen address); they exist only to satisfy the
// Transport interface.
func NewInProc() *InProc {
	return &InProc{
		frontendIn:  make(chan inprocEnvelope, inprocQueueDepth),
		backendIn:   make(chan inprocEnvelope, inprocQueueDepth),
		frontendOut: make(map[PeerHandle]chan Frame),
		backendOut:  make(map[PeerHandle]chan Frame),
		monitorOut:  make(map[PeerHandle]chan Frame),
		closed:      make(chan struct{}),
	}
}

func (t *InProc) BindFrontend(ctx context.Context, addr string) error { return nil }
func (t *InProc) BindBackend(ctx context.Context, addr string) error  { return nil }
func (t *InProc) BindMonitor(ctx context.Context, addr string) error  { return nil }

// PeerConn is the client-side handle a peer uses to talk to an InProc
// transport's frontend or backend endpoint.
type PeerConn struct {
	Peer PeerHandle

	out    chan Frame // broker -> peer
	in     chan inprocEnvelope
	closed chan struct{}
}

// Send delivers frame to the broker as this peer.
func (c *PeerConn) Send(ctx context.Context, frame Frame) error {
	select {
	case c.in <- inprocEnvelope{peer: c.Peer, frame: frame}:
		return nil
	case <-c.closed:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Recv blocks for the next frame the broker sent this peer.
func (c *PeerConn) Recv(ctx context.Context) (Frame, error) {
	select {
	case f, ok := <-c.out:
		if !ok {
			return nil, ErrClosed
		}
		return f, nil
	case <-c.closed:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close ends this peer's session, which the broker observes as a
// Disconnect on its next receive.
func (c *PeerConn) Close() error {
	select {
	case c.in <- inprocEnvelope{peer: c.Peer, disc: true}:
	default:
	}
	return nil
}

func (t *InProc) newPeer() PeerHandle {
	return PeerHandle(fmt.Sprintf("inproc-%d", t.nextPeer.Add(1)))
}

// DialFrontend creates a new simulated peer connection to the frontend
// endpoint.
func (t *InProc) DialFrontend() *PeerConn {
	return t.dial(t.frontendIn, t.frontendOut)
}

// DialBackend creates a new simulated peer connection to the backend
// endpoint.
func (t *InProc) DialBackend() *PeerConn {
	return t.dial(t.backendIn, t.backendOut)
}

func (t *InProc) dial(in chan inprocEnvelope, outMap map[PeerHandle]chan Frame) *PeerConn {
	peer := t.newPeer()
	out := make(chan Frame, inprocQueueDepth)

	t.mu.Lock()
	outMap[peer] = out
	t.mu.Unlock()

	return &PeerConn{Peer: peer, out: out, in: in, closed: t.closed}
}

// DialMonitor attaches a read-only observer to the monitor stream.
func (t *InProc) DialMonitor() *PeerConn {
	peer := t.newPeer()
	out := make(chan Frame, inprocQueueDepth)

	t.mu.Lock()
	t.monitorOut[peer] = out
	t.mu.Unlock()

	return &PeerConn{Peer: peer, out: out, in: nil, closed: t.closed}
}

func (t *InProc) RecvFrontend(ctx context.Context) (PeerHandle, Frame, error) {
	return recvFrom(ctx, t.frontendIn, t.closed)
}

func (t *InProc) RecvBackend(ctx context.Context) (PeerHandle, Frame, error) {
	return recvFrom(ctx, t.backendIn, t.closed)
}

func recvFrom(ctx context.Context, ch chan inprocEnvelope, closed chan struct{}) (PeerHandle, Frame, error) {
	select {
	case env, ok := <-ch:
		if !ok {
			return "", nil, ErrClosed
		}
		if env.disc {
			return env.peer, nil, &Disconnect{Peer: env.peer}
		}
		return env.peer, env.frame, nil
	case <-closed:
		return "", nil, ErrClosed
	case <-ctx.Done():
		return "", nil, ctx.Err()
	}
}

func (t *InProc) SendFrontend(ctx context.Context, peer PeerHandle, frame Frame) error {
	return t.sendTo(ctx, t.frontendOut, peer, frame)
}

func (t *InProc) SendBackend(ctx context.Context, peer PeerHandle, frame Frame) error {
	return t.sendTo(ctx, t.backendOut, peer, frame)
}

func (t *InProc) sendTo(ctx context.Context, outMap map[PeerHandle]chan Frame, peer PeerHandle, frame Frame) error {
	t.mu.Lock()
	out, ok := outMap[peer]
	t.mu.Unlock()
	if !ok {
		return fmt.Errorf("transport: unknown peer %s", peer)
	}

	select {
	case out <- frame:
		return nil
	case <-t.closed:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// PublishMonitor is best-effort: a monitor observer that isn't keeping up
// simply misses the frame rather than blocking routing.
func (t *InProc) PublishMonitor(ctx context.Context, frame Frame) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, out := range t.monitorOut {
		select {
		case out <- frame:
		default:
		}
	}
}

func (t *InProc) Close() error {
	t.once.Do(func() {
		close(t.closed)
	})
	return nil
}
