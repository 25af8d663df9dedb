package broker

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/kestrelmq/kestrel/internal/config"
	"github.com/kestrelmq/kestrel/internal/dedup"
	"github.com/kestrelmq/kestrel/internal/registry"
	"github.com/kestrelmq/kestrel/internal/telemetry"
	"github.com/kestrelmq/kestrel/internal/transport"
)

// Broker owns one Engine plus the transport and background goroutines
// that keep it fed, and coordinates starting and stopping all of them
// together.
type Broker struct {
	cfg     *config.Config
	tr      transport.Transport
	reg     *registry.Registry
	dd      *dedup.Set
	pending *dedup.PendingStore
	sink    telemetry.Sink
	engine  *Engine

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewBroker builds a Broker ready to Start. tr is the transport to drive;
// tests pass transport.NewInProc(), production passes transport.NewNet().
func NewBroker(cfg *config.Config, tr transport.Transport, sink telemetry.Sink) *Broker {
	if sink == nil {
		sink = telemetry.Noop()
	}
	reg := registry.New()
	dd := dedup.New(cfg.DedupWindow.Dur())
	pending := dedup.NewPendingStore()
	engine := New(tr, reg, dd, pending, cfg, sink)

	return &Broker{
		cfg:     cfg,
		tr:      tr,
		reg:     reg,
		dd:      dd,
		pending: pending,
		sink:    sink,
		engine:  engine,
	}
}

// Engine exposes the running Engine, mainly for tests that want to assert
// on registry/pending state after driving messages through a Broker.
func (b *Broker) Engine() *Engine { return b.engine }

// Start binds every transport endpoint and spawns the frontend loop, the
// backend loop, and the timer loop, each in their own goroutine. It
// returns once binding succeeds; the loops keep running until Stop.
func (b *Broker) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	b.cancel = cancel

	if err := b.tr.BindFrontend(runCtx, net.JoinHostPort("0.0.0.0", strconv.Itoa(b.cfg.FrontendPort))); err != nil {
		cancel()
		return fmt.Errorf("broker: start frontend: %w", err)
	}
	if err := b.tr.BindBackend(runCtx, net.JoinHostPort("0.0.0.0", strconv.Itoa(b.cfg.BackendPort))); err != nil {
		cancel()
		return fmt.Errorf("broker: start backend: %w", err)
	}
	if err := b.tr.BindMonitor(runCtx, net.JoinHostPort("0.0.0.0", strconv.Itoa(b.cfg.MonitorPort))); err != nil {
		cancel()
		return fmt.Errorf("broker: start monitor: %w", err)
	}

	b.wg.Add(3)
	go func() {
		defer b.wg.Done()
		if err := b.engine.RunFrontend(runCtx); err != nil {
			b.sink.EmitException(err, "broker.frontend_loop", nil)
		}
	}()
	go func() {
		defer b.wg.Done()
		if err := b.engine.RunBackend(runCtx); err != nil {
			b.sink.EmitException(err, "broker.backend_loop", nil)
		}
	}()
	go func() {
		defer b.wg.Done()
		b.engine.RunTimers(runCtx)
	}()

	b.sink.Emit("broker.started", map[string]any{
		"frontendPort": b.cfg.FrontendPort,
		"backendPort":  b.cfg.BackendPort,
		"monitorPort":  b.cfg.MonitorPort,
	})
	return nil
}

// Stop cancels the running loops, waits up to ShutdownGrace for them to
// exit, and closes the transport. It always closes the transport and
// clears the registry, even if the grace period is exceeded, so a stuck
// receive loop can never leak file descriptors past Stop returning.
func (b *Broker) Stop() error {
	if b.cancel != nil {
		b.cancel()
	}

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(b.cfg.ShutdownGrace.Dur()):
		b.sink.Emit("broker.shutdown_grace_exceeded", nil)
	}

	b.reg.Clear()
	err := b.tr.Close()
	b.sink.Emit("broker.stopped", nil)
	return err
}
