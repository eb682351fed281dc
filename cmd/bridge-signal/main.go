package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/careline/engine/internal/config"
	"github.com/careline/engine/internal/logging"
	"github.com/careline/engine/internal/sip/app"
	"github.com/careline/engine/internal/events"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}

	zapLogger, err := logging.New(cfg.LogLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, "logging:", err)
		os.Exit(1)
	}
	defer zapLogger.Sync()

	pub, err := newEventPublisher(cfg)
	if err != nil {
		slog.Error("failed to create event publisher", "error", err)
		os.Exit(1)
	}
	defer pub.Close()

	board, err := app.NewServer(cfg, pub)
	if err != nil {
		slog.Error("failed to create signaling server", "error", err)
		os.Exit(1)
	}
	defer board.Close()

	run(board, cfg)
}

// newEventPublisher fans every CallReceived/CallAnswered event out to
// both JetStream and a LoggingPublisher audit trail, the same
// MultiPublisher wiring cmd/telephony-gateway uses — this process never
// subscribes, so it has no need for the raw NATS handle back.
func newEventPublisher(cfg *config.Config) (events.Publisher, error) {
	if cfg.NATSURL == "" {
		return events.NewNoopPublisher(), nil
	}

	natsCfg := events.DefaultNATSConfig()
	natsCfg.URL = cfg.NATSURL

	natsPub, err := events.NewNATSPublisher(natsCfg, slog.Default())
	if err != nil {
		slog.Warn("NATS unavailable, falling back to logging publisher", "error", err)
		return events.NewLoggingPublisher(slog.Default()), nil
	}
	return events.NewMultiPublisher(natsPub, events.NewLoggingPublisher(slog.Default())), nil
}

func run(board *app.SwitchBoard, cfg *config.Config) {
	slog.Info("starting bridge-signal",
		"port", cfg.SIPPort,
		"bridge_addrs", cfg.BridgeGRPCAddrs,
	)
	logNetworkInterfaces()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		if err := board.Start(ctx); err != nil {
			slog.Error("server error", "error", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	slog.Info("received signal, shutting down", "signal", sig)
	cancel()

	time.Sleep(1 * time.Second)
}

func logNetworkInterfaces() {
	interfaces, err := net.Interfaces()
	if err != nil {
		return
	}

	for _, iface := range interfaces {
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			ip, _, err := net.ParseCIDR(addr.String())
			if err != nil {
				continue
			}
			slog.Debug("network interface", "interface", iface.Name, "ip", ip.String())
		}
	}
}
