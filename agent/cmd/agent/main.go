package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/obsidianstack/statussync/agent/internal/api"
	"github.com/obsidianstack/statussync/agent/internal/config"
	"github.com/obsidianstack/statussync/agent/internal/coordinator"
	"github.com/obsidianstack/statussync/agent/internal/fetcher"
	"github.com/obsidianstack/statussync/agent/internal/metrics"
	"github.com/obsidianstack/statussync/agent/internal/notify"
	"github.com/obsidianstack/statussync/agent/internal/security"
	"github.com/obsidianstack/statussync/agent/internal/transport"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()

	level := new(slog.LevelVar)
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	slog.Info("statussync-agent starting", "config", *configPath)

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "err", err)
		os.Exit(1)
	}
	setLevel(level, cfg.Agent.Logging.Level)
	slog.Info("config loaded",
		"server_url", cfg.Agent.ServerURL,
		"api_url", cfg.Agent.APIURL,
		"scopes", len(cfg.Agent.Scopes),
		"retry_policy", cfg.Agent.Sync.RetryPolicy,
	)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	client, err := transport.New(cfg.Agent, transport.WithLogger(logger))
	if err != nil {
		slog.Error("failed to build transport", "err", err)
		os.Exit(1)
	}
	fetch, err := fetcher.New(cfg.Agent)
	if err != nil {
		slog.Error("failed to build fetcher", "err", err)
		os.Exit(1)
	}

	m := metrics.New()
	bus := notify.NewBus(logger)
	defer bus.Close()

	coord := coordinator.New(client, fetch, cfg.Agent.Sync,
		coordinator.WithLogger(logger),
		coordinator.WithMetrics(m),
		coordinator.WithBus(bus),
	)

	scopes := newScopeSet(coord)
	scopes.reconcile(cfg.Agent.Scopes)
	coord.Start()

	// Hot reload reconciles the configured scopes and the log level. Transport
	// and retry settings take effect on restart.
	go func() {
		if err := config.Watch(ctx, *configPath, func(updated *config.Config) {
			setLevel(level, updated.Agent.Logging.Level)
			scopes.reconcile(updated.Agent.Scopes)
			slog.Info("config hot-reloaded", "scopes", len(updated.Agent.Scopes))
		}); err != nil {
			slog.Error("config watcher stopped", "err", err)
		}
	}()

	serverURL, insecure := cfg.Agent.ServerURL, cfg.Agent.TLS.InsecureSkipVerify
	handler := api.New(coord,
		api.WithMetrics(m.Handler()),
		api.WithNotifications(bus),
		api.WithCertChecker(func(ctx context.Context) *security.CertStatus {
			return security.Check(ctx, serverURL, insecure)
		}),
	)

	srv := &http.Server{
		Addr:              cfg.Agent.ListenAddr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		slog.Info("local api listening", "addr", cfg.Agent.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("local api server error", "err", err)
			cancel()
		}
	}()

	<-ctx.Done()
	slog.Info("statussync-agent shutting down")

	shutCtx, shutCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutCancel()
	if err := srv.Shutdown(shutCtx); err != nil {
		slog.Warn("local api shutdown", "err", err)
	}
	if err := coord.Teardown(); err != nil {
		slog.Warn("coordinator teardown", "err", err)
	}
}

func setLevel(v *slog.LevelVar, level string) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		return
	}
	v.Set(l)
}

// scopeSet tracks the scopes activated from config so a reload only touches
// the difference and leaves scopes added through the API alone.
type scopeSet struct {
	mu      sync.Mutex
	coord   *coordinator.Coordinator
	current map[string]bool
}

func newScopeSet(c *coordinator.Coordinator) *scopeSet {
	return &scopeSet{coord: c, current: make(map[string]bool)}
}

func (s *scopeSet) reconcile(scopes []string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	want := make(map[string]bool, len(scopes))
	for _, sc := range scopes {
		want[sc] = true
	}
	for sc := range s.current {
		if want[sc] {
			continue
		}
		if err := s.coord.UnsubscribeScope(sc); err != nil {
			slog.Warn("unsubscribe configured scope", "scope", sc, "err", err)
		}
		delete(s.current, sc)
	}
	for sc := range want {
		if s.current[sc] {
			continue
		}
		if err := s.coord.SubscribeScope(sc); err != nil {
			slog.Warn("subscribe configured scope", "scope", sc, "err", err)
			continue
		}
		s.current[sc] = true
	}
}
