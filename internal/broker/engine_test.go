package broker

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kestrelmq/kestrel/internal/config"
	"github.com/kestrelmq/kestrel/internal/dedup"
	"github.com/kestrelmq/kestrel/internal/message"
	"github.com/kestrelmq/kestrel/internal/registry"
	"github.com/kestrelmq/kestrel/internal/telemetry"
	"github.com/kestrelmq/kestrel/internal/transport"
)

// recordingSink captures every Emit/EmitException call so tests can assert
// on telemetry the engine is expected to produce without needing a real
// logging or otel backend.
type recordingSink struct {
	mu     sync.Mutex
	events []string
}

func (s *recordingSink) Emit(name string, _ map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, name)
}

func (s *recordingSink) EmitException(error, string, map[string]any) {}

func (s *recordingSink) has(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.events {
		if e == name {
			return true
		}
	}
	return false
}

// harness wires an Engine against an InProc transport and runs its
// frontend/backend loops in the background for the lifetime of the test.
type harness struct {
	t       *testing.T
	tr      *transport.InProc
	reg     *registry.Registry
	dd      *dedup.Set
	pending *dedup.PendingStore
	engine  *Engine
	cancel  context.CancelFunc
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	return newHarnessWithSink(t, telemetry.Noop())
}

func newHarnessWithSink(t *testing.T, sink telemetry.Sink) *harness {
	t.Helper()
	tr := transport.NewInProc()
	reg := registry.New()
	dd := dedup.New(time.Minute)
	pending := dedup.NewPendingStore()
	cfg := &config.Config{MaxRetries: 3}
	e := New(tr, reg, dd, pending, cfg, sink)

	ctx, cancel := context.WithCancel(context.Background())
	go e.RunFrontend(ctx)
	go e.RunBackend(ctx)

	h := &harness{t: t, tr: tr, reg: reg, dd: dd, pending: pending, engine: e, cancel: cancel}
	t.Cleanup(cancel)
	return h
}

func recvWithin(t *testing.T, conn *transport.PeerConn, d time.Duration) *message.Message {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	frame, err := conn.Recv(ctx)
	require.NoError(t, err)
	m, err := message.Decode(frame)
	require.NoError(t, err)
	return m
}

func send(t *testing.T, conn *transport.PeerConn, m *message.Message) {
	t.Helper()
	frame, err := m.Encode()
	require.NoError(t, err)
	require.NoError(t, conn.Send(context.Background(), frame))
}

func TestRegistrationRoundTrip(t *testing.T) {
	h := newHarness(t)
	peer := h.tr.DialBackend()

	regPayload, err := message.EncodeRegistration(message.Registration{
		ServiceID:   "S1",
		ServiceName: "dealer",
		ServiceType: "Deck",
	})
	require.NoError(t, err)
	regMsg := message.New(message.KindServiceRegistration, "S1", regPayload)
	regMsg.RequiresAck = true
	send(t, peer, regMsg)

	ack := recvWithin(t, peer, time.Second)
	assert.Equal(t, message.KindAcknowledgment, ack.Kind)
	assert.Equal(t, regMsg.ID, ack.InResponseTo)

	assert.Equal(t, 1, h.reg.Count())
	got, ok := h.reg.Find("S1")
	assert.True(t, ok)
	assert.Equal(t, "Deck", got.ServiceType)
}

func TestDiscoveryReturnsMatchingServices(t *testing.T) {
	h := newHarness(t)
	backend := h.tr.DialBackend()

	payload, _ := message.EncodeRegistration(message.Registration{ServiceID: "S1", ServiceType: "Deck", Capabilities: []string{"shuffle"}})
	send(t, backend, message.New(message.KindServiceRegistration, "S1", payload))
	require.Eventually(t, func() bool { return h.reg.Count() == 1 }, time.Second, 10*time.Millisecond)

	frontend := h.tr.DialFrontend()
	reqPayload, _ := json.Marshal(message.DiscoveryRequest{ServiceType: "Deck"})
	discoverMsg := message.New(message.KindServiceDiscovery, "client-1", reqPayload)
	send(t, frontend, discoverMsg)

	resp := recvWithin(t, frontend, time.Second)
	assert.Equal(t, message.KindServiceDiscovery, resp.Kind)
	assert.Equal(t, discoverMsg.ID, resp.InResponseTo)

	regs, err := message.DecodeDiscoveryResponse(resp)
	require.NoError(t, err)
	require.Len(t, regs, 1)
	assert.Equal(t, "S1", regs[0].ServiceID)
}

func TestUnknownReceiverProducesError404(t *testing.T) {
	h := newHarness(t)
	frontend := h.tr.DialFrontend()

	req := message.New(message.KindRequest, "client-1", []byte(`{"op":"draw"}`))
	req.Receiver = "does-not-exist"
	send(t, frontend, req)

	reply := recvWithin(t, frontend, time.Second)
	assert.Equal(t, message.KindError, reply.Kind)
	assert.Equal(t, req.ID, reply.InResponseTo)

	var payload struct {
		ErrorCode int `json:"errorCode"`
	}
	require.NoError(t, json.Unmarshal(reply.Payload, &payload))
	assert.Equal(t, 404, payload.ErrorCode)
}

func TestPointToPointDelivery(t *testing.T) {
	h := newHarness(t)
	backend := h.tr.DialBackend()

	payload, _ := message.EncodeRegistration(message.Registration{ServiceID: "S1", ServiceType: "Deck"})
	send(t, backend, message.New(message.KindServiceRegistration, "S1", payload))

	frontend := h.tr.DialFrontend()
	req := message.New(message.KindRequest, "client-1", []byte(`{"op":"draw"}`))
	req.Receiver = "S1"
	send(t, frontend, req)

	delivered := recvWithin(t, backend, time.Second)
	assert.Equal(t, req.ID, delivered.ID)
	assert.Contains(t, delivered.Route, brokerSenderID)
}

func TestDuplicateMessageIsDroppedOnce(t *testing.T) {
	h := newHarness(t)
	backend := h.tr.DialBackend()
	monitor := h.tr.DialMonitor()

	payload, _ := message.EncodeRegistration(message.Registration{ServiceID: "S1", ServiceType: "Deck"})
	send(t, backend, message.New(message.KindServiceRegistration, "S1", payload))
	require.Eventually(t, func() bool { return h.reg.Count() == 1 }, time.Second, 10*time.Millisecond)
	recvWithin(t, monitor, time.Second) // the registration itself reaches the monitor stream

	frontend := h.tr.DialFrontend()
	req := message.New(message.KindRequest, "client-1", []byte(`{"op":"draw"}`))
	req.Receiver = "S1"

	send(t, frontend, req)
	first := recvWithin(t, backend, time.Second)
	assert.Equal(t, req.ID, first.ID)
	recvWithin(t, monitor, time.Second) // first delivery's monitor publish

	send(t, frontend, req) // same id, resent verbatim: must be dropped by dedup before reaching monitor or backend
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	_, err := monitor.Recv(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestPingReceivesAcknowledgment(t *testing.T) {
	h := newHarness(t)
	frontend := h.tr.DialFrontend()

	ping := message.New(message.KindPing, "client-1", nil)
	send(t, frontend, ping)

	ack := recvWithin(t, frontend, time.Second)
	assert.Equal(t, message.KindAcknowledgment, ack.Kind)
	assert.Equal(t, ping.ID, ack.InResponseTo)
}

func TestDisconnectRemovesRegistration(t *testing.T) {
	h := newHarness(t)
	backend := h.tr.DialBackend()

	payload, _ := message.EncodeRegistration(message.Registration{ServiceID: "S1", ServiceType: "Deck"})
	send(t, backend, message.New(message.KindServiceRegistration, "S1", payload))

	require.Eventually(t, func() bool { return h.reg.Count() == 1 }, time.Second, 10*time.Millisecond)

	require.NoError(t, backend.Close())

	require.Eventually(t, func() bool { return h.reg.Count() == 0 }, time.Second, 10*time.Millisecond)
}

// TestRetransmittedSystemMessageStillAcknowledged covers the dedup-drop
// exception for Ping and ServiceRegistration: their acknowledgment is part
// of the protocol, so a peer that resends one after losing the original
// Acknowledgment must still get a reply on the resend.
func TestRetransmittedSystemMessageStillAcknowledged(t *testing.T) {
	h := newHarness(t)
	backend := h.tr.DialBackend()

	payload, _ := message.EncodeRegistration(message.Registration{ServiceID: "S1", ServiceType: "Deck"})
	reg := message.New(message.KindServiceRegistration, "S1", payload)
	reg.RequiresAck = true

	send(t, backend, reg)
	first := recvWithin(t, backend, time.Second)
	assert.Equal(t, message.KindAcknowledgment, first.Kind)
	assert.Equal(t, reg.ID, first.InResponseTo)

	// Same id, resent verbatim, as if the original Acknowledgment were lost
	// in transit: the registration is a dedup hit but must still be acked.
	send(t, backend, reg)
	second := recvWithin(t, backend, time.Second)
	assert.Equal(t, message.KindAcknowledgment, second.Kind)
	assert.Equal(t, reg.ID, second.InResponseTo)
}

func TestBroadcastRegistrationUsesFreshID(t *testing.T) {
	h := newHarness(t)
	originator := h.tr.DialBackend()
	observer := h.tr.DialBackend()

	observerPayload, _ := message.EncodeRegistration(message.Registration{ServiceID: "S-observer", ServiceType: "Hand"})
	send(t, observer, message.New(message.KindServiceRegistration, "S-observer", observerPayload))
	require.Eventually(t, func() bool { return h.reg.Count() == 1 }, time.Second, 10*time.Millisecond)

	payload, _ := message.EncodeRegistration(message.Registration{ServiceID: "S1", ServiceType: "Deck"})
	originalReg := message.New(message.KindServiceRegistration, "S1", payload)
	send(t, originator, originalReg)

	fanout := recvWithin(t, observer, time.Second)
	assert.Equal(t, message.KindServiceRegistration, fanout.Kind)
	assert.NotEqual(t, originalReg.ID, fanout.ID, "the fan-out copy must carry a freshly generated id, not the originator's")
}

func TestBroadcastWithRequiresAckEmitsWarning(t *testing.T) {
	sink := &recordingSink{}
	h := newHarnessWithSink(t, sink)
	frontend := h.tr.DialFrontend()

	m := message.New("domain.announce", "client-1", []byte(`{}`))
	m.RequiresAck = true
	send(t, frontend, m)

	require.Eventually(t, func() bool { return sink.has("message.broadcast_requires_ack") }, time.Second, 10*time.Millisecond)
}
