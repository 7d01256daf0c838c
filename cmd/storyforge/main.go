// Command storyforge runs the comic generation service: the HTTP API, the
// session worker pool, and the retention sweep, over PostgreSQL and an
// optional Redis checkpoint cache.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/storyforge-ai/storyforge/pkg/agent/phases"
	"github.com/storyforge-ai/storyforge/pkg/api"
	"github.com/storyforge-ai/storyforge/pkg/cache"
	"github.com/storyforge-ai/storyforge/pkg/cleanup"
	"github.com/storyforge-ai/storyforge/pkg/config"
	"github.com/storyforge-ai/storyforge/pkg/events"
	"github.com/storyforge-ai/storyforge/pkg/gateway"
	"github.com/storyforge-ai/storyforge/pkg/metrics"
	"github.com/storyforge-ai/storyforge/pkg/orchestrator"
	"github.com/storyforge-ai/storyforge/pkg/store"
	"github.com/storyforge-ai/storyforge/pkg/supervisor"
)

const dbConnectTimeout = 15 * time.Second

func main() {
	configDir := flag.String("config-dir", ".", "directory containing storyforge.yaml")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	if err := run(*configDir, logger); err != nil {
		logger.Error("service exited with error", "error", err)
		os.Exit(1)
	}
}

func run(configDir string, logger *slog.Logger) error {
	// Local development keys live in .env; absence is fine in production.
	_ = godotenv.Load()

	cfg, err := config.Initialize(configDir)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(ctx, cfg.Database.DSN(), dbConnectTimeout, store.PoolOptions{
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
	})
	if err != nil {
		return err
	}
	defer st.Close()
	if err := st.Migrate(); err != nil {
		return err
	}

	cacheStore, closeCache, err := openCache(ctx, cfg.Cache)
	if err != nil {
		return err
	}
	defer closeCache()

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(registry)

	var gw gateway.ModelGateway = gateway.NewHTTPGateway(
		cfg.Gateway.BaseURL,
		os.Getenv(cfg.Gateway.APIKeyEnv),
		cfg.Gateway.CallTimeout,
	)
	gw = gateway.NewBreakerGateway(gw, cfg.Gateway.BreakerMaxFailures, cfg.Gateway.BreakerOpenTimeout)

	bus := events.NewBus(logger)
	agents := phases.NewAll(gw, cfg.Pipeline.ImageRetryBackoffBase, logger)
	orch := orchestrator.New(
		orchestrator.StoresFrom(st),
		cacheStore, cfg.Cache.CheckpointTTL,
		agents, bus, m, cfg.Pipeline, logger,
	)

	pool := supervisor.New(st.Sessions, orch, cfg.Queue, m, logger)
	pool.Start(ctx)

	sweeper := cleanup.New(st.Sessions, st.Content,
		cfg.Pipeline.Retention, cfg.Pipeline.RetentionSweepInterval, logger)
	sweeper.Start(ctx)

	server := api.New(orch, st.Sessions, st.Content, pool, bus, registry, cfg.HTTP, logger)
	serverErr := make(chan error, 1)
	go func() { serverErr <- server.Start() }()

	select {
	case err := <-serverErr:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Queue.GracefulShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown incomplete", "error", err)
	}
	sweeper.Stop()
	if !pool.Stop() {
		logger.Warn("worker pool did not drain before the deadline")
	}
	return nil
}

// openCache selects the checkpoint backend. Memory keeps checkpoints local to
// the process; Redis shares them across replicas.
func openCache(ctx context.Context, cfg config.CacheConfig) (cache.Store, func(), error) {
	switch cfg.Backend {
	case "redis":
		rs, err := cache.NewRedisStore(ctx, cfg.RedisAddr)
		if err != nil {
			return nil, nil, err
		}
		return rs, func() { rs.Close() }, nil
	default:
		return cache.NewMemoryStore(cfg.CheckpointTTL), func() {}, nil
	}
}
