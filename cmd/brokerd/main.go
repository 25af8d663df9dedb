// Command brokerd runs the kestrel broker as a standalone process: load
// config, wire telemetry, bind the transport, and serve until a shutdown
// signal arrives.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.opentelemetry.io/otel"

	"github.com/kestrelmq/kestrel/internal/broker"
	"github.com/kestrelmq/kestrel/internal/config"
	"github.com/kestrelmq/kestrel/internal/telemetry"
	"github.com/kestrelmq/kestrel/internal/transport"
)

func main() {
	configPath := flag.String("config", "", "path to broker config YAML (defaults applied if omitted)")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatalf("brokerd: %v", err)
	}

	sink, err := buildSink(cfg)
	if err != nil {
		log.Fatalf("brokerd: %v", err)
	}

	tr, err := transport.NewNet()
	if err != nil {
		log.Fatalf("brokerd: init transport: %v", err)
	}

	b := broker.NewBroker(cfg, tr, sink)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := b.Start(ctx); err != nil {
		log.Fatalf("brokerd: %v", err)
	}

	<-ctx.Done()
	log.Printf("brokerd: shutdown signal received, grace period %s", cfg.ShutdownGrace.Dur())
	if err := b.Stop(); err != nil {
		log.Printf("brokerd: stop: %v", err)
	}
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}

func buildSink(cfg *config.Config) (telemetry.Sink, error) {
	switch cfg.Telemetry.Backend {
	case "noop":
		return telemetry.Noop(), nil
	case "otel":
		return telemetry.NewOtelSink(otel.GetTracerProvider(), otel.GetMeterProvider())
	case "logr", "":
		return telemetry.NewLogrSink(), nil
	default:
		return nil, fmt.Errorf("unknown telemetry backend %q", cfg.Telemetry.Backend)
	}
}
