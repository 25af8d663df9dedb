package transport

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInProcSendRecvFrontend(t *testing.T) {
	tr := NewInProc()
	defer tr.Close()

	client := tr.DialFrontend()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	require.NoError(t, client.Send(ctx, Frame(`{"id":"m1"}`)))

	peer, frame, err := tr.RecvFrontend(ctx)
	require.NoError(t, err)
	assert.Equal(t, client.Peer, peer)
	assert.Equal(t, `{"id":"m1"}`, string(frame))
}

func TestInProcBrokerRepliesToPeer(t *testing.T) {
	tr := NewInProc()
	defer tr.Close()

	client := tr.DialBackend()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	require.NoError(t, tr.SendBackend(ctx, client.Peer, Frame("hello")))

	got, err := client.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(got))
}

func TestInProcDisconnectObservedByBroker(t *testing.T) {
	tr := NewInProc()
	defer tr.Close()

	client := tr.DialFrontend()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	require.NoError(t, client.Close())

	_, _, err := tr.RecvFrontend(ctx)
	var disc *Disconnect
	require.ErrorAs(t, err, &disc)
	assert.Equal(t, client.Peer, disc.Peer)
}

func TestInProcMonitorBroadcast(t *testing.T) {
	tr := NewInProc()
	defer tr.Close()

	obs1 := tr.DialMonitor()
	obs2 := tr.DialMonitor()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	tr.PublishMonitor(ctx, Frame("heartbeat"))

	got1, err := obs1.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, "heartbeat", string(got1))

	got2, err := obs2.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, "heartbeat", string(got2))
}

func TestInProcSendUnknownPeerErrors(t *testing.T) {
	tr := NewInProc()
	defer tr.Close()

	ctx := context.Background()
	err := tr.SendFrontend(ctx, PeerHandle("ghost"), Frame("x"))
	assert.Error(t, err)
}

func TestInProcCloseUnblocksRecv(t *testing.T) {
	tr := NewInProc()
	ctx := context.Background()

	done := make(chan error, 1)
	go func() {
		_, _, err := tr.RecvFrontend(ctx)
		done <- err
	}()

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, tr.Close())

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrClosed)
	case <-time.After(time.Second):
		t.Fatal("RecvFrontend did not unblock after Close")
	}
}
