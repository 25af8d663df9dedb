// Package client is the peer-side counterpart of the broker's wire
// protocol: registration, request/response correlation, and the
// heartbeat/ping replies every connected peer is expected to send.
package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dgraph-io/ristretto/v2"

	"github.com/kestrelmq/kestrel/internal/message"
	"github.com/kestrelmq/kestrel/internal/telemetry"
	"github.com/kestrelmq/kestrel/internal/transport"
)

// ErrConnectTimeout is returned by Connect when the broker does not
// acknowledge a ServiceRegistration within connectTimeout.
var ErrConnectTimeout = errors.New("client: connect timed out waiting for acknowledgment")

// ErrRequestTimeout is returned by Request when no response arrives within
// the caller-supplied deadline.
var ErrRequestTimeout = errors.New("client: request timed out")

// ErrConnectionLost is returned to any call in flight when the transport
// session ends.
var ErrConnectionLost = errors.New("client: connection lost")

// ErrNotConnected is returned by Request once the client's transport
// session has ended. Neither Request nor Respond checks whether Connect has
// completed.
var ErrNotConnected = errors.New("client: not connected")

const (
	connectTimeout = 5 * time.Second
	inboxDepth     = 256
	peerCacheTTL   = 5 * time.Minute
)

// Conn is the transport-level session a Client speaks the wire protocol
// over. transport.PeerConn (InProc) and transport.NetConn (ZMQ4) both
// satisfy it.
type Conn interface {
	Send(ctx context.Context, frame transport.Frame) error
	Recv(ctx context.Context) (transport.Frame, error)
	Close() error
}

// Client is the peer-side counterpart of the broker's routing engine. One
// Client represents one transport session, speaking for one serviceId.
type Client struct {
	conn         Conn
	serviceID    string
	serviceType  string
	capabilities []string
	sink         telemetry.Sink

	peers *ristretto.Cache[string, message.Registration]

	mu      sync.Mutex
	pending map[string]chan *message.Message

	inbox chan *message.Message

	closeOnce sync.Once
	closed    chan struct{}
}

// New builds a Client ready to Connect. conn must already be dialed (or be
// an InProc PeerConn obtained from transport.InProc.DialFrontend/DialBackend);
// New does not itself open the transport session.
func New(conn Conn, serviceID, serviceType string, capabilities []string, sink telemetry.Sink) (*Client, error) {
	if sink == nil {
		sink = telemetry.Noop()
	}
	peers, err := ristretto.NewCache(&ristretto.Config[string, message.Registration]{
		NumCounters: 1e4,
		MaxCost:     1 << 20,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("client: init peer cache: %w", err)
	}

	return &Client{
		conn:         conn,
		serviceID:    serviceID,
		serviceType:  serviceType,
		capabilities: capabilities,
		sink:         sink,
		peers:        peers,
		pending:      make(map[string]chan *message.Message),
		inbox:        make(chan *message.Message, inboxDepth),
		closed:       make(chan struct{}),
	}, nil
}

// Connect sends one ServiceRegistration with requiresAck=true and waits for
// the broker's Acknowledgment before returning. The background listen loop
// is started before the registration is sent so its Acknowledgment is never
// missed.
func (c *Client) Connect(ctx context.Context) error {
	go c.listen()

	reg := message.Registration{
		ServiceID:    c.serviceID,
		ServiceName:  c.serviceID,
		ServiceType:  c.serviceType,
		Capabilities: c.capabilities,
	}
	payload, err := message.EncodeRegistration(reg)
	if err != nil {
		return fmt.Errorf("client: encode registration: %w", err)
	}

	m := message.New(message.KindServiceRegistration, c.serviceID, payload)
	m.RequiresAck = true

	respCh := c.registerPending(m.ID)
	defer c.unregisterPending(m.ID)

	if err := c.send(ctx, m); err != nil {
		return fmt.Errorf("client: send registration: %w", err)
	}

	select {
	case <-respCh:
		c.sink.Emit("client.connected", map[string]any{"serviceId": c.serviceID})
		return nil
	case <-time.After(connectTimeout):
		return ErrConnectTimeout
	case <-c.closed:
		return ErrConnectionLost
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Request sends a message to target requiring acknowledgment and resolves
// with the first message whose inResponseTo matches, including a broker-
// synthesized Error(404) if target is unknown.
func (c *Client) Request(ctx context.Context, target string, kind message.Kind, payload []byte, timeout time.Duration) (*message.Message, error) {
	select {
	case <-c.closed:
		return nil, ErrNotConnected
	default:
	}

	m := message.New(kind, c.serviceID, payload)
	m.Receiver = target
	m.RequiresAck = true

	respCh := c.registerPending(m.ID)
	defer c.unregisterPending(m.ID)

	if err := c.send(ctx, m); err != nil {
		return nil, fmt.Errorf("client: send request: %w", err)
	}

	select {
	case resp := <-respCh:
		return resp, nil
	case <-time.After(timeout):
		return nil, ErrRequestTimeout
	case <-c.closed:
		return nil, ErrConnectionLost
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Respond sends a reply to an inbound message received via Inbox, with
// inResponseTo and receiver set to correlate it back to the original
// sender.
func (c *Client) Respond(ctx context.Context, to *message.Message, kind message.Kind, payload []byte) error {
	reply := message.New(kind, c.serviceID, payload)
	reply.InResponseTo = to.ID
	reply.Receiver = to.Sender
	return c.send(ctx, reply)
}

// Inbox delivers every inbound message that is neither a response
// correlated to one of this client's own pending requests nor a protocol
// message Connect/Request already consumed (Heartbeat, Ping, broadcast
// ServiceRegistration). A Client acting as a service reads its incoming
// Requests from here.
func (c *Client) Inbox() <-chan *message.Message {
	return c.inbox
}

// PeerByID returns the most recently cached registration for serviceID,
// learned either from a broadcast ServiceRegistration or a ServiceDiscovery
// response the caller chose to feed into Observe.
func (c *Client) PeerByID(serviceID string) (message.Registration, bool) {
	return c.peers.Get(serviceID)
}

// Observe records regs in the local peer cache, for callers that issue
// their own ServiceDiscovery requests via Request and want the results to
// also populate PeerByID.
func (c *Client) Observe(regs []message.Registration) {
	for _, r := range regs {
		c.peers.SetWithTTL(r.ServiceID, r, 1, peerCacheTTL)
	}
}

// Closed reports a channel that closes when the transport session ends,
// for callers that want to select on disconnection directly.
func (c *Client) Closed() <-chan struct{} {
	return c.closed
}

// Disconnect closes the underlying transport session. Per-request timeout
// handling in Request/Connect is identical whether Disconnect is called
// explicitly or the transport fails on its own.
func (c *Client) Disconnect() error {
	err := c.conn.Close()
	c.handleDisconnect()
	return err
}

func (c *Client) send(ctx context.Context, m *message.Message) error {
	frame, err := m.Encode()
	if err != nil {
		return err
	}
	return c.conn.Send(ctx, frame)
}

func (c *Client) registerPending(id string) chan *message.Message {
	ch := make(chan *message.Message, 1)
	c.mu.Lock()
	c.pending[id] = ch
	c.mu.Unlock()
	return ch
}

func (c *Client) unregisterPending(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// listen is the client's single reader goroutine. It recovers from any
// panic in dispatch so one malformed frame can never silently kill the
// session.
func (c *Client) listen() {
	defer func() {
		if r := recover(); r != nil {
			c.sink.EmitException(fmt.Errorf("client: listener panic: %v", r), "client.listen", nil)
		}
	}()

	for {
		frame, err := c.conn.Recv(context.Background())
		if err != nil {
			c.handleDisconnect()
			return
		}

		m, err := message.Decode(frame)
		if err != nil {
			c.sink.EmitException(err, "client.decode", nil)
			continue
		}

		c.dispatch(m)
	}
}

func (c *Client) dispatch(m *message.Message) {
	if m.InResponseTo != "" {
		c.mu.Lock()
		ch, ok := c.pending[m.InResponseTo]
		c.mu.Unlock()
		if ok {
			select {
			case ch <- m:
			default:
			}
			return
		}
	}

	switch m.Kind {
	case message.KindHeartbeat:
		c.replyAck(m)
	case message.KindPing:
		c.replyAck(m)
	case message.KindServiceRegistration:
		reg, err := message.DecodeRegistration(m)
		if err != nil {
			c.sink.EmitException(err, "client.registration_broadcast", nil)
			return
		}
		c.peers.SetWithTTL(reg.ServiceID, reg, 1, peerCacheTTL)
	default:
		select {
		case c.inbox <- m:
		default:
			c.sink.Emit("client.inbox_full", map[string]any{"droppedId": m.ID})
		}
	}
}

func (c *Client) replyAck(m *message.Message) {
	ack := message.Ack(c.serviceID, m.ID)
	ack.Receiver = m.Sender
	if err := c.send(context.Background(), ack); err != nil {
		c.sink.EmitException(err, "client.ack_reply", nil)
	}
}

func (c *Client) handleDisconnect() {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.sink.Emit("client.disconnected", map[string]any{"serviceId": c.serviceID})
	})
}
