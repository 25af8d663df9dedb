// Package broker implements the routing engine that sits between the
// transport and everything else: it decodes frames, dispatches system
// messages, routes domain messages point-to-point or by broadcast, and
// drives acknowledgment retries and dedup bookkeeping.
package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/kestrelmq/kestrel/internal/config"
	"github.com/kestrelmq/kestrel/internal/dedup"
	"github.com/kestrelmq/kestrel/internal/message"
	"github.com/kestrelmq/kestrel/internal/registry"
	"github.com/kestrelmq/kestrel/internal/telemetry"
	"github.com/kestrelmq/kestrel/internal/transport"
)

const (
	endpointFrontend = "frontend"
	endpointBackend  = "backend"

	brokerSenderID = "broker"
)

// Engine is the broker's routing core. It owns no transport sockets
// itself — Run methods pull frames from whatever transport.Transport it
// is given, which lets the same Engine run against real ZMQ4 sockets in
// production and against transport.InProc in tests.
type Engine struct {
	tr      transport.Transport
	reg     *registry.Registry
	dd      *dedup.Set
	pending *dedup.PendingStore
	cfg     *config.Config
	sink    telemetry.Sink
	now     func() time.Time

	mu           sync.RWMutex
	peerEndpoint map[transport.PeerHandle]string
	lastSeen     map[transport.PeerHandle]time.Time
}

// New builds an Engine whose clock is time.Now; tests in this package
// replace e.now with a deterministic clock to make retry and dedup timing
// reproducible.
func New(tr transport.Transport, reg *registry.Registry, dd *dedup.Set, pending *dedup.PendingStore, cfg *config.Config, sink telemetry.Sink) *Engine {
	return &Engine{
		tr:           tr,
		reg:          reg,
		dd:           dd,
		pending:      pending,
		cfg:          cfg,
		sink:         sink,
		now:          time.Now,
		peerEndpoint: make(map[transport.PeerHandle]string),
		lastSeen:     make(map[transport.PeerHandle]time.Time),
	}
}

// RunFrontend pulls frames from the transport's frontend endpoint until
// ctx is cancelled or the transport closes.
func (e *Engine) RunFrontend(ctx context.Context) error {
	return e.runLoop(ctx, endpointFrontend, e.tr.RecvFrontend)
}

// RunBackend pulls frames from the transport's backend endpoint until ctx
// is cancelled or the transport closes.
func (e *Engine) RunBackend(ctx context.Context) error {
	return e.runLoop(ctx, endpointBackend, e.tr.RecvBackend)
}

type recvFunc func(context.Context) (transport.PeerHandle, transport.Frame, error)

func (e *Engine) runLoop(ctx context.Context, endpoint string, recv recvFunc) error {
	for {
		peer, frame, err := recv(ctx)
		if err != nil {
			if disc, ok := err.(*transport.Disconnect); ok {
				e.handleDisconnect(disc.Peer)
				continue
			}
			if ctx.Err() != nil || err == transport.ErrClosed {
				return nil
			}
			e.sink.EmitException(err, "engine."+endpoint, nil)
			continue
		}

		e.mu.Lock()
		e.peerEndpoint[peer] = endpoint
		e.lastSeen[peer] = e.now()
		e.mu.Unlock()

		e.handleFrame(ctx, endpoint, peer, frame)
	}
}

func (e *Engine) handleDisconnect(peer transport.PeerHandle) {
	serviceID := e.reg.RemovePeer(string(peer))
	e.mu.Lock()
	delete(e.peerEndpoint, peer)
	delete(e.lastSeen, peer)
	e.mu.Unlock()
	e.sink.Emit("peer.disconnected", map[string]any{"peer": string(peer), "serviceId": serviceID})
}

// handleFrame decodes and dispatches one frame, recovering from any panic
// so one malformed or unexpected message can never take the engine's
// receive loop down.
func (e *Engine) handleFrame(ctx context.Context, endpoint string, peer transport.PeerHandle, frame transport.Frame) {
	defer func() {
		if r := recover(); r != nil {
			e.sink.EmitException(fmt.Errorf("%w: %v", ErrInternalInvariant, r), "engine.handleFrame", map[string]any{"peer": string(peer)})
		}
	}()

	m, err := message.Decode(frame)
	if err != nil {
		e.sink.EmitException(err, "engine.decode", map[string]any{"peer": string(peer)})
		return
	}

	now := e.now()
	if e.dd.SeenBefore(m.ID, now) {
		e.sink.Emit("message.duplicate", map[string]any{"id": m.ID})
		// Ping and ServiceRegistration carry their own acknowledgment as
		// part of the protocol: a peer that retransmits one (because the
		// original Acknowledgment was lost) must still get a reply, or its
		// connect/liveness timeout fires even though the broker is alive.
		// Every other kind is dropped silently on a duplicate id.
		if m.Kind == message.KindPing || m.Kind == message.KindServiceRegistration {
			e.replyAck(ctx, endpoint, peer, m)
		}
		return
	}

	e.dispatch(ctx, endpoint, peer, m)
}

func (e *Engine) dispatch(ctx context.Context, endpoint string, peer transport.PeerHandle, m *message.Message) {
	switch m.Kind {
	case message.KindServiceRegistration:
		e.handleRegistration(ctx, peer, m)
	case message.KindServiceDiscovery:
		e.handleDiscovery(ctx, endpoint, peer, m)
	case message.KindPing:
		e.replyAck(ctx, endpoint, peer, m)
	case message.KindHeartbeat:
		e.replyAck(ctx, endpoint, peer, m)
	case message.KindAcknowledgment:
		e.pending.Ack(m.InResponseTo)
	case message.KindError:
		e.sink.Emit("message.error_received", map[string]any{"id": m.ID, "inResponseTo": m.InResponseTo})
	default:
		e.routeDomain(ctx, endpoint, peer, m)
	}
}

func (e *Engine) handleRegistration(ctx context.Context, peer transport.PeerHandle, m *message.Message) {
	reg, err := message.DecodeRegistration(m)
	if err != nil {
		e.sink.EmitException(err, "engine.registration", map[string]any{"peer": string(peer)})
		return
	}

	e.reg.Upsert(reg)
	e.reg.BindPeer(string(peer), reg.ServiceID)
	e.sink.Emit("service.registered", map[string]any{"serviceId": reg.ServiceID, "serviceType": reg.ServiceType})

	if m.RequiresAck {
		e.replyAck(ctx, endpointBackend, peer, m)
	}

	e.publishMonitor(ctx, m)
	e.broadcastRegistration(ctx, peer, m)
}

// broadcastRegistration fans the registration out to every other
// currently bound backend peer, so a client library's local peer cache
// stays current without polling ServiceDiscovery. The fan-out copy carries
// a freshly generated id rather than the originating message's id — it is
// itself subject to dedup on the receiving side, and reusing the original
// id would make it indistinguishable from (and silently dropped as) a
// retransmission of a message that peer may have already seen.
func (e *Engine) broadcastRegistration(ctx context.Context, origin transport.PeerHandle, m *message.Message) {
	fanout := message.New(message.KindServiceRegistration, m.Sender, m.Payload)
	fanout.Headers = m.Headers
	for _, p := range e.backendPeers() {
		if p == origin {
			continue
		}
		e.sendTo(ctx, p, fanout)
	}
}

func (e *Engine) handleDiscovery(ctx context.Context, endpoint string, peer transport.PeerHandle, m *message.Message) {
	req, err := message.DecodeDiscoveryRequest(m)
	if err != nil {
		e.sink.EmitException(err, "engine.discovery", map[string]any{"peer": string(peer)})
		return
	}

	regs := e.reg.Discover(req.ServiceType, req.Capability)
	payload, err := message.EncodeDiscoveryResponse(regs)
	if err != nil {
		e.sink.EmitException(err, "engine.discovery.encode", nil)
		return
	}

	reply := message.New(message.KindServiceDiscovery, brokerSenderID, payload)
	reply.InResponseTo = m.ID
	reply.Receiver = m.Sender
	e.sendTo(ctx, peer, reply)
}

func (e *Engine) replyAck(ctx context.Context, endpoint string, peer transport.PeerHandle, m *message.Message) {
	ack := message.Ack(brokerSenderID, m.ID)
	ack.Receiver = m.Sender
	e.sendTo(ctx, peer, ack)
}

// routeDomain implements point-to-point delivery, unknown-receiver
// synthesis, and broadcast fan-out for every non-system message kind.
func (e *Engine) routeDomain(ctx context.Context, endpoint string, peer transport.PeerHandle, m *message.Message) {
	e.publishMonitor(ctx, m)

	if m.Broadcast() {
		if m.RequiresAck {
			e.sink.Emit("message.broadcast_requires_ack", map[string]any{
				"id":     m.ID,
				"sender": m.Sender,
			})
		}
		m.AddHop(brokerSenderID)
		for _, p := range e.backendPeers() {
			if p == peer {
				continue
			}
			e.sendTo(ctx, p, m)
		}
		return
	}

	target, ok := e.reg.PeerForService(m.Receiver)
	if !ok {
		e.sink.EmitException(ErrUnknownReceiver, "engine.route", map[string]any{"receiverId": m.Receiver, "messageId": m.ID})
		errReply, err := message.ErrorReply(brokerSenderID, m.ID, 404, "Unknown service: "+m.Receiver)
		if err != nil {
			e.sink.EmitException(err, "engine.route.error_reply", nil)
			return
		}
		errReply.Receiver = m.Sender
		e.sendTo(ctx, peer, errReply)
		return
	}

	m.AddHop(brokerSenderID)
	if !e.sendTo(ctx, transport.PeerHandle(target), m) {
		return
	}

	if m.RequiresAck {
		e.pending.Add(m, target, e.now())
	}
}

// backendPeers returns every peer handle currently bound to a registered
// service, which is the broker's definition of "every registered backend
// peer" for broadcast fan-out.
func (e *Engine) backendPeers() []transport.PeerHandle {
	regs := e.reg.Discover("", "")
	out := make([]transport.PeerHandle, 0, len(regs))
	for _, r := range regs {
		if p, ok := e.reg.PeerForService(r.ServiceID); ok {
			out = append(out, transport.PeerHandle(p))
		}
	}
	return out
}

// Peers returns every peer handle the engine has heard from, regardless
// of whether it has registered a service. The timer loop uses this to
// emit heartbeats broadly, not just to registered services.
func (e *Engine) Peers() []transport.PeerHandle {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]transport.PeerHandle, 0, len(e.peerEndpoint))
	for p := range e.peerEndpoint {
		out = append(out, p)
	}
	return out
}

// stalePeers returns every peer handle whose last observed frame (of any
// kind, including a heartbeat's Acknowledgment reply) is older than
// timeout. ROUTER-backed transports never report a disconnect on Recv, so
// this is the liveness signal the timer loop uses to age out registrations
// for peers that silently vanished instead of closing cleanly.
func (e *Engine) stalePeers(now time.Time, timeout time.Duration) []transport.PeerHandle {
	e.mu.RLock()
	defer e.mu.RUnlock()
	var out []transport.PeerHandle
	for p, seen := range e.lastSeen {
		if now.Sub(seen) > timeout {
			out = append(out, p)
		}
	}
	return out
}

func (e *Engine) publishMonitor(ctx context.Context, m *message.Message) {
	frame, err := m.Encode()
	if err != nil {
		e.sink.EmitException(err, "engine.monitor.encode", nil)
		return
	}
	e.tr.PublishMonitor(ctx, transport.Frame(frame))
}

// sendTo encodes m and delivers it to peer on whichever endpoint the
// engine last heard from that peer on. It reports success so callers can
// decide whether to track the message for acknowledgment.
func (e *Engine) sendTo(ctx context.Context, peer transport.PeerHandle, m *message.Message) bool {
	frame, err := m.Encode()
	if err != nil {
		e.sink.EmitException(err, "engine.send.encode", map[string]any{"peer": string(peer)})
		return false
	}
	return e.Send(ctx, peer, frame)
}

// Send delivers a pre-encoded frame to peer on whichever endpoint it was
// last observed on. Exported so the timer loop can resend a pending ack's
// already-encoded message without re-deriving routing decisions.
func (e *Engine) Send(ctx context.Context, peer transport.PeerHandle, frame []byte) bool {
	e.mu.RLock()
	endpoint, ok := e.peerEndpoint[peer]
	e.mu.RUnlock()
	if !ok {
		e.sink.EmitException(fmt.Errorf("%w: no known endpoint for peer %s", ErrTransportSendFailed, peer), "engine.send", nil)
		return false
	}

	var err error
	switch endpoint {
	case endpointFrontend:
		err = e.tr.SendFrontend(ctx, peer, frame)
	case endpointBackend:
		err = e.tr.SendBackend(ctx, peer, frame)
	}
	if err != nil {
		e.sink.EmitException(fmt.Errorf("%w: %v", ErrTransportSendFailed, err), "engine.send", map[string]any{"peer": string(peer)})
		return false
	}
	return true
}
