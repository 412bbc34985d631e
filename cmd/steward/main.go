// Steward build master — receives build requests, tracks the agent
// fleet, and guarantees every accepted build runs exactly once on a live
// worker or surfaces as a dead letter.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/steward-ci/steward/pkg/api"
	"github.com/steward-ci/steward/pkg/breaker"
	"github.com/steward-ci/steward/pkg/cleanup"
	"github.com/steward-ci/steward/pkg/config"
	"github.com/steward-ci/steward/pkg/database"
	"github.com/steward-ci/steward/pkg/dispatch"
	"github.com/steward-ci/steward/pkg/leader"
	"github.com/steward-ci/steward/pkg/metrics"
	"github.com/steward-ci/steward/pkg/queue"
	"github.com/steward-ci/steward/pkg/registry"
	"github.com/steward-ci/steward/pkg/services"
	"github.com/steward-ci/steward/pkg/transport"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// resolveMasterID determines this master's identifier for multi-replica
// coordination. Priority: MASTER_ID env > HOSTNAME env > "local"
func resolveMasterID() string {
	if id := os.Getenv("MASTER_ID"); id != "" {
		return id
	}
	if hostname := os.Getenv("HOSTNAME"); hostname != "" {
		return hostname
	}
	return "local"
}

func main() {
	configDir := flag.String("config-dir",
		getEnv("CONFIG_DIR", "./deploy/config"),
		"Path to configuration directory")
	flag.Parse()

	// Load .env file from config directory
	envPath := filepath.Join(*configDir, ".env")
	if err := godotenv.Load(envPath); err != nil {
		slog.Warn("Could not load .env file, continuing with existing environment",
			"path", envPath, "error", err)
	} else {
		slog.Info("Loaded environment", "path", envPath)
	}

	httpPort := getEnv("HTTP_PORT", "8080")
	masterID := resolveMasterID()
	masterRegion := os.Getenv("MASTER_REGION")

	slog.Info("Starting steward",
		"http_port", httpPort,
		"master_id", masterID,
		"config_dir", *configDir)

	ctx := context.Background()

	// 1. Initialize configuration
	cfg, err := config.Initialize(ctx, *configDir)
	if err != nil {
		slog.Error("Failed to initialize configuration", "error", err)
		os.Exit(1)
	}

	// 2. Initialize database
	dbConfig, err := database.LoadConfigFromEnv()
	if err != nil {
		slog.Error("Failed to load database config", "error", err)
		os.Exit(1)
	}

	dbClient, err := database.NewClient(ctx, dbConfig)
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			slog.Error("Error closing database client", "error", err)
		}
	}()
	slog.Info("Connected to database", "backend", dbClient.Backend())

	// 3. One-time startup sweep: claims stranded by a master that died
	// between claim and dispatch go back to pending.
	store := queue.NewStore(dbClient.DB)
	if released, err := store.ReleaseStuckClaims(ctx, queue.DefaultStuckClaimAge); err != nil {
		slog.Error("Failed to release stuck claims at startup", "error", err)
		// Non-fatal — the orphan monitor retries every pass
	} else if released > 0 {
		slog.Warn("Released stuck dispatch claims at startup", "count", released)
	}

	// 4. Metrics, fleet state, and domain services
	promRegistry := prometheus.NewRegistry()
	recorder := metrics.NewRecorder(promRegistry)

	breakers := breaker.New(breaker.Config{
		Threshold:   cfg.Distributed.Dispatch.CircuitBreakerThreshold,
		ResetWindow: cfg.Distributed.Dispatch.CircuitBreakerReset,
	}, func(_ string, from, to breaker.State) {
		recorder.BreakerTransition(string(from), string(to))
	})

	scorer := registry.NewScorer(masterRegion, cfg.FeatureFlags.ResourceAwareScheduling)
	agentRegistry := registry.New(registry.NewSQLStore(dbClient.DB), scorer, cfg.Distributed.HeartbeatTimeout)
	if err := agentRegistry.Rehydrate(ctx); err != nil {
		slog.Warn("Failed to rehydrate agent registry, starting empty", "error", err)
	}

	pool := transport.NewPool(transport.Config{
		AuthToken: cfg.Distributed.AuthToken,
	})
	defer pool.CloseAll()

	dispatcher := dispatch.New(dispatch.Config{
		Enabled:       cfg.Distributed.Enabled,
		QueueEnabled:  cfg.Distributed.Dispatch.QueueEnabled,
		FallbackLocal: cfg.Distributed.Dispatch.FallbackLocal,
		MaxRetries:    cfg.Distributed.Dispatch.MaxRetries,
	}, store, agentRegistry, breakers, pool, recorder)

	agentService := services.NewAgentService(agentRegistry)
	buildService := services.NewBuildService(dispatcher, store, agentRegistry)
	slog.Info("Services initialized")

	// 5. Leader-gated background services. Each lease holds exactly one
	// runner across all masters; followers poll until the holder dies.
	processor := queue.NewProcessor(store, agentRegistry, breakers, pool, recorder, queue.ProcessorConfig{
		BaseRetryBackoff: cfg.Distributed.Dispatch.RetryBackoff,
		MaxRetryBackoff:  cfg.Distributed.Dispatch.MaxRetryBackoff,
		FallbackLocal:    cfg.Distributed.Dispatch.FallbackLocal,
	})
	monitor := queue.NewMonitor(store, agentRegistry, breakers, recorder, queue.MonitorConfig{
		Interval: cfg.Distributed.Dispatch.OrphanCheckInterval,
	})
	cleanupService := cleanup.NewService(cfg.Retention, store)

	var electors []*leader.Elector
	if cfg.Distributed.Enabled {
		if cfg.Distributed.Dispatch.QueueEnabled {
			processorElector := leader.New(dbClient, "queue-processor", leader.Config{})
			processorElector.SetCallbacks(func(ctx context.Context) error {
				processor.Start(ctx)
				return nil
			}, processor.Stop)
			electors = append(electors, processorElector)
		}

		monitorElector := leader.New(dbClient, "orphan-monitor", leader.Config{})
		monitorElector.SetCallbacks(func(ctx context.Context) error {
			monitor.Start(ctx)
			return nil
		}, monitor.Stop)
		electors = append(electors, monitorElector)

		cleanupElector := leader.New(dbClient, "retention-cleanup", leader.Config{})
		cleanupElector.SetCallbacks(func(ctx context.Context) error {
			cleanupService.Start(ctx)
			return nil
		}, cleanupService.Stop)
		electors = append(electors, cleanupElector)

		for _, e := range electors {
			e.Start(ctx)
		}
		slog.Info("Leader election started", "leases", len(electors))
	} else {
		slog.Info("Distributed execution disabled; background services not started")
	}

	// 6. Create HTTP server
	httpServer := api.NewServer(cfg, dbClient, agentService, buildService, breakers, pool)
	httpServer.SetProcessor(processor)
	httpServer.SetMonitor(monitor)
	httpServer.SetMetricsGatherer(promRegistry)

	// 7. Start HTTP server (non-blocking)
	errCh := make(chan error, 1)
	go func() {
		addr := ":" + httpPort
		slog.Info("HTTP server listening", "addr", addr)
		if err := httpServer.Start(addr); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server error", "error", err)
			errCh <- err
		}
	}()

	slog.Info("Steward started successfully",
		"master_id", masterID,
		"distributed", cfg.Distributed.Enabled,
		"queue", cfg.Distributed.Dispatch.QueueEnabled)

	// 8. Wait for shutdown signal or server error
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	}

	// 9. Graceful shutdown. Electors stop their leased services before
	// releasing the lease, so another master can take over cleanly.
	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	done := make(chan struct{})
	go func() {
		for _, e := range electors {
			e.Stop()
		}
		close(done)
	}()

	select {
	case <-done:
		slog.Info("Background services stopped gracefully")
	case <-shutdownCtx.Done():
		slog.Warn("Shutdown timeout exceeded — dispatched builds will be orphan-recovered")
	}

	// Stop HTTP server with its own timeout budget
	httpShutdownCtx, httpCancel := context.WithTimeout(ctx, 5*time.Second)
	defer httpCancel()
	if err := httpServer.Shutdown(httpShutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	slog.Info("Shutdown complete")
}
