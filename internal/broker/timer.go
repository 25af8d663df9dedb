package broker

import (
	"context"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/kestrelmq/kestrel/internal/dedup"
	"github.com/kestrelmq/kestrel/internal/message"
	"github.com/kestrelmq/kestrel/internal/transport"
)

func toPeerHandle(peer string) transport.PeerHandle {
	return transport.PeerHandle(peer)
}

// RunTimers drives the periodic duties the broker needs regardless of
// message traffic, on three tickers: sweeping pending acknowledgments for
// retransmission or give-up (followed by the peer liveness sweep on the
// same tick), garbage-collecting the dedup window, and emitting heartbeats
// to every known peer. It returns when ctx is cancelled.
func (e *Engine) RunTimers(ctx context.Context) {
	ackTicker := time.NewTicker(e.cfg.AckSweepPeriod.Dur())
	defer ackTicker.Stop()
	gcTicker := time.NewTicker(e.cfg.DedupGCPeriod.Dur())
	defer gcTicker.Stop()
	hbTicker := time.NewTicker(e.cfg.HeartbeatPeriod.Dur())
	defer hbTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ackTicker.C:
			e.sweepPendingAcks(ctx)
			e.sweepPeerLiveness()
		case <-gcTicker.C:
			e.gcDedup()
		case <-hbTicker.C:
			e.emitHeartbeats(ctx)
		}
	}
}

// sweepPeerLiveness disconnects every peer that has gone quiet for longer
// than PeerLivenessTimeout. The ZMQ4 ROUTER-backed transport never reports
// a disconnect on Recv, so this is the only signal that ages out a
// registration when a peer vanishes without closing its session cleanly;
// it rides the same cadence as the ack sweep rather than its own ticker.
func (e *Engine) sweepPeerLiveness() {
	now := e.now()
	timeout := e.cfg.PeerLivenessTimeout.Dur()
	for _, peer := range e.stalePeers(now, timeout) {
		e.sink.Emit("peer.liveness_timeout", map[string]any{"peer": string(peer)})
		e.handleDisconnect(peer)
	}
}

func (e *Engine) sweepPendingAcks(ctx context.Context) {
	now := e.now()
	deadline := e.cfg.AckDeadline.Dur()
	maxRetries := e.cfg.MaxRetries

	if n := e.pending.Len(); n > 0 {
		e.sink.Emit("ack.backlog", map[string]any{
			"count": humanize.Comma(int64(n)),
		})
	}

	e.pending.Sweep(now, deadline, maxRetries,
		func(p *dedup.PendingAck) bool {
			frame, err := p.Message.Encode()
			if err != nil {
				e.sink.EmitException(err, "timer.ack_retry.encode", map[string]any{"id": p.Message.ID})
				return false
			}
			ok := e.Send(ctx, toPeerHandle(p.Peer), frame)
			if ok {
				e.sink.Emit("ack.retransmit", map[string]any{"id": p.Message.ID, "retries": p.Retries + 1})
			}
			return ok
		},
		func(p *dedup.PendingAck) {
			e.sink.EmitException(ErrAckTimeout, "timer.ack_giveup", map[string]any{"id": p.Message.ID, "peer": p.Peer})
		},
	)
}

func (e *Engine) gcDedup() {
	removed := e.dd.GC(e.now())
	if removed > 0 {
		e.sink.Emit("dedup.gc", map[string]any{"removed": removed})
	}
}

// emitHeartbeats broadcasts one Heartbeat, payload set to the current UTC
// timestamp, to every known peer and republishes it on the monitor stream
// the same way routeDomain republishes routed domain messages.
func (e *Engine) emitHeartbeats(ctx context.Context) {
	hb := message.New(message.KindHeartbeat, brokerSenderID, []byte(e.now().UTC().Format(time.RFC3339)))
	e.publishMonitor(ctx, hb)
	for _, peer := range e.Peers() {
		e.sendTo(ctx, peer, hb)
	}
}
