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

	"google.golang.org/grpc"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/peer"

	"github.com/careline/engine/internal/bridgepb"
	"github.com/careline/engine/internal/config"
	"github.com/careline/engine/internal/logging"
	mediaserver "github.com/careline/engine/internal/media/server"
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

	slog.Info("starting bridge-media",
		"grpc_listen", fmt.Sprintf("%s:%d", cfg.BridgeGRPCBindAddr, cfg.BridgeGRPCPort),
		"advertise", cfg.BridgeAdvertiseAddr,
		"rtp_range", fmt.Sprintf("%d-%d", cfg.RTPPortMin, cfg.RTPPortMax))

	srvCfg := &mediaserver.Config{
		GRPCPort:      cfg.BridgeGRPCPort,
		GRPCBindAddr:  cfg.BridgeGRPCBindAddr,
		AdvertiseAddr: cfg.BridgeAdvertiseAddr,
		RTPPortMin:    cfg.RTPPortMin,
		RTPPortMax:    cfg.RTPPortMax,
	}

	mediaSrv, err := mediaserver.NewServer(srvCfg)
	if err != nil {
		slog.Error("failed to create media server", "error", err)
		os.Exit(1)
	}
	defer func() { _ = mediaSrv.Close() }()

	grpcServer := grpc.NewServer(
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    30 * time.Second,
			Timeout: 10 * time.Second,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             10 * time.Second,
			PermitWithoutStream: true,
		}),
		grpc.UnaryInterceptor(loggingUnaryInterceptor),
		grpc.StreamInterceptor(loggingStreamInterceptor),
	)
	bridgepb.RegisterBridgeServiceServer(grpcServer, mediaSrv)

	listenAddr := fmt.Sprintf("%s:%d", cfg.BridgeGRPCBindAddr, cfg.BridgeGRPCPort)
	listener, err := net.Listen("tcp", listenAddr)
	if err != nil {
		slog.Error("failed to listen", "address", listenAddr, "error", err)
		os.Exit(1)
	}

	slog.Info("gRPC server listening", "address", listenAddr)

	go func() {
		if err := grpcServer.Serve(listener); err != nil {
			slog.Error("gRPC server error", "error", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	slog.Info("received signal, shutting down", "signal", sig)

	grpcServer.GracefulStop()
	slog.Info("bridge-media stopped")
}

func loggingUnaryInterceptor(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
	peerAddr := "unknown"
	if p, ok := peer.FromContext(ctx); ok {
		peerAddr = p.Addr.String()
	}
	slog.Debug("[gRPC] incoming request", "method", info.FullMethod, "peer", peerAddr)
	return handler(ctx, req)
}

func loggingStreamInterceptor(srv interface{}, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
	peerAddr := "unknown"
	if p, ok := peer.FromContext(ss.Context()); ok {
		peerAddr = p.Addr.String()
	}
	slog.Debug("[gRPC] incoming stream", "method", info.FullMethod, "peer", peerAddr)
	return handler(srv, ss)
}
