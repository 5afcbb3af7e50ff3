package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/obsidianstack/statussync/server/internal/api"
	"github.com/obsidianstack/statussync/server/internal/auth"
	"github.com/obsidianstack/statussync/server/internal/config"
	"github.com/obsidianstack/statussync/server/internal/history"
	"github.com/obsidianstack/statussync/server/internal/hub"
	"github.com/obsidianstack/statussync/server/internal/store"
)

// serviceName is the gRPC health service name reported by the relay.
const serviceName = "statussync.relay"

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()

	level := new(slog.LevelVar)
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	slog.Info("statussync-relay starting", "config", *configPath)

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "err", err)
		os.Exit(1)
	}
	if err := level.UnmarshalText([]byte(cfg.Server.Logging.Level)); err != nil {
		slog.Warn("invalid log level", "level", cfg.Server.Logging.Level, "err", err)
	}

	slog.Info("config loaded",
		"grpc_port", cfg.Server.GRPCPort,
		"http_port", cfg.Server.HTTPPort,
		"auth_mode", cfg.Server.Auth.Mode,
		"snapshot_ttl", cfg.Server.Snapshot.TTL,
		"history", cfg.Server.History.Path != "",
	)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Latest status per scope with background TTL eviction.
	st := store.New(cfg.Server.Snapshot.TTL)
	go st.Run(ctx)

	h := hub.New(st, logger)
	go h.Run(ctx)

	checker := auth.New(cfg.Server.Auth)
	metrics := api.NewMetrics(h.Count, st.Count)
	opts := []api.Option{api.WithLogger(logger), api.WithMetrics(metrics)}

	if path := cfg.Server.History.Path; path != "" {
		hist, err := history.Open(path)
		if err != nil {
			slog.Error("failed to open history", "path", path, "err", err)
			os.Exit(1)
		}
		defer hist.Close()
		go hist.Run(ctx, cfg.Server.History.Retention, pruneInterval(cfg.Server.History.Retention))
		opts = append(opts, api.WithHistory(hist, cfg.Server.History.Limit))
	}

	// gRPC health service behind the same API key as the REST API.
	grpcSrv, healthSrv := newGRPCServer(checker)
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Server.GRPCPort))
	if err != nil {
		slog.Error("failed to listen on gRPC port",
			"port", cfg.Server.GRPCPort, "err", err)
		os.Exit(1)
	}
	go func() {
		slog.Info("gRPC health listening", "port", cfg.Server.GRPCPort)
		if err := grpcSrv.Serve(lis); err != nil {
			slog.Error("gRPC server stopped", "err", err)
		}
	}()

	// Combined HTTP server: REST API + WebSocket hub on HTTPPort.
	httpMux := http.NewServeMux()
	apiHandler := api.New(st, h, opts...)
	httpMux.Handle("/api/", apiHandler)
	httpMux.Handle("/metrics", apiHandler)
	httpMux.Handle("/ws", h)

	httpSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.HTTPPort),
		Handler:           checker.Middleware(httpMux, "/api/v1/health", "/metrics"),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		slog.Info("HTTP server listening", "port", cfg.Server.HTTPPort)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("HTTP server stopped", "err", err)
			cancel()
		}
	}()

	<-ctx.Done()
	slog.Info("statussync-relay shutting down")
	healthSrv.Shutdown()
	grpcSrv.GracefulStop()

	shutCtx, shutCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutCancel()
	httpSrv.Shutdown(shutCtx) //nolint:errcheck
}

// newGRPCServer builds the gRPC server with API key interceptors and a health
// service reporting SERVING for the relay and the overall server.
func newGRPCServer(checker *auth.Checker) (*grpc.Server, *health.Server) {
	srv := grpc.NewServer(
		grpc.UnaryInterceptor(checker.UnaryInterceptor()),
		grpc.StreamInterceptor(checker.StreamInterceptor()),
	)
	hs := health.NewServer()
	hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	hs.SetServingStatus(serviceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(srv, hs)
	return srv, hs
}

// pruneInterval runs history pruning a few times per retention window,
// bounded to [1m, 1h].
func pruneInterval(retention time.Duration) time.Duration {
	d := retention / 4
	switch {
	case d < time.Minute:
		return time.Minute
	case d > time.Hour:
		return time.Hour
	}
	return d
}
