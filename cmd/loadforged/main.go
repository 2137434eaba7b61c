// loadforged is the load-testing control plane server: it serves the
// run-orchestration REST/WebSocket API and owns the run orchestrator,
// event bus, run store, and spec resolver behind it.
package main

import (
	"context"
	"crypto/tls"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/loadforge/platform/internal/api"
	"github.com/loadforge/platform/internal/config"
	"github.com/loadforge/platform/internal/eventbus"
	"github.com/loadforge/platform/internal/orchestrator"
	"github.com/loadforge/platform/internal/postgres"
	"github.com/loadforge/platform/internal/reaper"
	"github.com/loadforge/platform/internal/scheduler"
	"github.com/loadforge/platform/internal/specresolver"
	"github.com/loadforge/platform/internal/store"
)

// reaperInterval is how often the background orphan sweep runs, beyond the
// one-shot sweep main performs at startup.
const reaperInterval = 1 * time.Minute

// schedulerInterval is the scheduler's own tick rate; cron entries fire at
// most once per tick, so this bounds scheduling precision.
const schedulerInterval = 30 * time.Second

func main() {
	// Built-in healthcheck for scratch containers (no wget/curl available).
	// Usage: /loadforged healthcheck
	if len(os.Args) > 1 && os.Args[1] == "healthcheck" {
		resp, err := http.Get("http://localhost:8080/health/live")
		if err != nil {
			os.Exit(1)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			os.Exit(1)
		}
		os.Exit(0)
	}

	baseHandler := slog.NewJSONHandler(os.Stdout, nil)
	logger := slog.New(api.NewContextHandler(baseHandler))
	slog.SetDefault(logger)

	cfg, errs := config.Load()
	if len(errs) > 0 {
		for _, e := range errs {
			slog.Error("invalid environment variable", "error", e)
		}
		os.Exit(1)
	}

	ctx := context.Background()

	srv := &api.Server{
		CORSOrigins: cfg.CORSOrigins,
	}

	var (
		pool       *pgxpool.Pool
		runStore   store.Store
		closePool  func()
		stopSched  func()
		stopReaper func()
	)

	if cfg.DatabaseURL != "" {
		var err error
		pool, err = postgres.NewPool(ctx, cfg.DatabaseURL)
		if err != nil {
			slog.Error("failed to connect to database", "error", err)
			os.Exit(1)
		}
		closePool = pool.Close

		if err := postgres.Migrate(ctx, pool); err != nil {
			slog.Error("failed to run migrations", "error", err)
			os.Exit(1)
		}

		runStore = store.NewPostgres(pool)
		srv.DBHealth = postgres.NewHealthChecker(pool)
		slog.Info("postgres run store initialized")
	} else {
		runStore = store.NewMemory()
		slog.Warn("DATABASE_URL not set, using in-memory run store (not durable across restarts)")
	}

	bus := eventbus.New(eventbus.Options{
		SubscriberQueue: cfg.SubscriberQueue,
		TerminalGrace:   cfg.TerminalGrace,
	})

	// Topics for finished runs outlive their grace window until swept;
	// without this, a long-lived process accumulates one dead topic per
	// run it ever executed.
	busSweepDone := make(chan struct{})
	busSweepStop := make(chan struct{})
	go func() {
		defer close(busSweepDone)
		ticker := time.NewTicker(cfg.TerminalGrace)
		defer ticker.Stop()
		for {
			select {
			case <-busSweepStop:
				return
			case <-ticker.C:
				bus.Sweep()
			}
		}
	}()
	stopBusSweep := func() {
		close(busSweepStop)
		<-busSweepDone
	}

	resolver := specresolver.New()
	if cfg.SpecsFile != "" {
		if err := resolver.LoadFile(cfg.SpecsFile); err != nil {
			slog.Error("failed to load specs file", "path", cfg.SpecsFile, "error", err)
			os.Exit(1)
		}
		slog.Info("specs loaded", "path", cfg.SpecsFile)
	}

	orch := orchestrator.New(runStore, bus, resolver, orchestrator.Config{
		WorkerBin:      cfg.WorkerBin,
		WorkerTimeout:  cfg.WorkerTimeout,
		KillGrace:      cfg.KillGrace,
		MaxConcurrency: cfg.MaxWorkers,
	}, logger)

	// One-shot restart sweep: repair any record left "running" by a
	// Supervisor that vanished across a prior process's crash or restart,
	// before the API starts accepting traffic.
	if n, err := orch.SweepOrphans(ctx); err != nil {
		slog.Error("startup orphan sweep failed", "error", err)
	} else if n > 0 {
		slog.Warn("startup orphan sweep repaired orphaned runs", "count", n)
	}

	reap := reaper.New(orch, reaperInterval)
	reap.Start(ctx)
	stopReaper = reap.Stop

	if cfg.SchedulerSpecID != "" {
		sched := scheduler.New(orch, []scheduler.Entry{
			{SpecID: cfg.SchedulerSpecID, CronExpr: cfg.SchedulerCron, Enabled: true},
		}, schedulerInterval)
		sched.Start(ctx)
		stopSched = sched.Stop
		slog.Info("scheduler started", "spec_id", cfg.SchedulerSpecID, "cron", cfg.SchedulerCron)
	}

	srv.Orchestrator = orch
	srv.Store = runStore
	srv.Bus = bus

	if cfg.RateLimit {
		rl := api.DefaultRateLimitConfig()
		srv.RateLimit = &rl
		slog.Info("rate limiting enabled", "rps", rl.RequestsPerSecond, "burst", rl.Burst)
	}

	router := api.NewRouter(srv)

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           router,
		ReadTimeout:       60 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      120 * time.Second,
		IdleTimeout:       120 * time.Second,
		TLSConfig: &tls.Config{
			MinVersion: tls.VersionTLS13,
		},
	}

	errCh := make(chan error, 1)
	tlsCertFile := os.Getenv("TLS_CERT_FILE")
	tlsKeyFile := os.Getenv("TLS_KEY_FILE")
	if tlsCertFile != "" && tlsKeyFile != "" {
		go func() { errCh <- httpServer.ListenAndServeTLS(tlsCertFile, tlsKeyFile) }()
		slog.Info("starting loadforged (HTTPS)", "addr", cfg.ListenAddr)
	} else {
		go func() { errCh <- httpServer.ListenAndServe() }()
		slog.Info("starting loadforged", "addr", cfg.ListenAddr)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("received signal, shutting down", "signal", sig)
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server failed", "error", err)
			os.Exit(1)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("http shutdown error", "error", err)
	}

	if stopSched != nil {
		stopSched()
		slog.Info("scheduler stopped")
	}
	if stopReaper != nil {
		stopReaper()
		slog.Info("reaper stopped")
	}
	stopBusSweep()

	// Orchestrator.Shutdown cancels every in-flight run's Supervisor and
	// waits for each to report terminal before returning, so no Supervisor
	// is left running unsupervised past this point.
	orch.Shutdown()
	slog.Info("orchestrator stopped")

	if srv.RateLimiterStop != nil {
		srv.RateLimiterStop()
		slog.Info("rate limiter stopped")
	}
	if closePool != nil {
		closePool()
		slog.Info("database pool closed")
	}

	slog.Info("loadforged shutdown complete")
}
