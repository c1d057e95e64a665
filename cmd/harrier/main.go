// Harrier - Real-time fraud decisions for loan applications.
// Copyright (c) 2025 opensource.finance
// Licensed under the Apache License 2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/opensource-finance/harrier/internal/alert"
	"github.com/opensource-finance/harrier/internal/api"
	"github.com/opensource-finance/harrier/internal/bus"
	"github.com/opensource-finance/harrier/internal/cache"
	"github.com/opensource-finance/harrier/internal/cases"
	"github.com/opensource-finance/harrier/internal/config"
	"github.com/opensource-finance/harrier/internal/domain"
	"github.com/opensource-finance/harrier/internal/features"
	"github.com/opensource-finance/harrier/internal/metrics"
	"github.com/opensource-finance/harrier/internal/pipeline"
	"github.com/opensource-finance/harrier/internal/repository"
	"github.com/opensource-finance/harrier/internal/rules"
	"github.com/opensource-finance/harrier/internal/scoring"
	"github.com/opensource-finance/harrier/internal/tracing"
	"github.com/opensource-finance/harrier/internal/worker"
)

// Version information (set via ldflags)
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	slog.SetDefault(newLogger(cfg.Logging))

	slog.Info("starting harrier",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
	)
	slog.Info("configuration loaded",
		"tier", cfg.Tier,
		"repository", cfg.Repository.Driver,
		"cache", cfg.Cache.Type,
		"eventbus", cfg.EventBus.Type,
		"review_threshold", cfg.Pipeline.ReviewThreshold,
		"reject_threshold", cfg.Pipeline.RejectThreshold,
		"strict_dedup", cfg.Pipeline.StrictDedup,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		slog.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	shutdownTracing, err := tracing.Init(ctx, cfg.Tracing, Version, slog.Default())
	if err != nil {
		slog.Error("failed to initialize tracing", "error", err)
		os.Exit(1)
	}

	// Repository
	repo, err := repository.New(cfg.Repository)
	if err != nil {
		slog.Error("failed to initialize repository", "error", err)
		os.Exit(1)
	}
	defer repo.Close()
	slog.Info("repository initialized", "driver", cfg.Repository.Driver)

	go metrics.StartDBStatsCollector(ctx, repo.DB(), 15*time.Second)

	// Cache
	cacheImpl, err := cache.New(cfg.Cache)
	if err != nil {
		slog.Error("failed to initialize cache", "error", err)
		os.Exit(1)
	}
	defer cacheImpl.Close()
	slog.Info("cache initialized", "type", cfg.Cache.Type)

	// EventBus
	busImpl, err := bus.New(cfg.EventBus)
	if err != nil {
		slog.Error("failed to initialize event bus", "error", err)
		os.Exit(1)
	}
	defer busImpl.Close()
	slog.Info("event bus initialized", "type", cfg.EventBus.Type)

	// Alert fan-out
	alerts := alert.NewBroadcaster(busImpl, alert.DefaultBufferSize)
	if err := alerts.Start(ctx); err != nil {
		slog.Error("failed to start alert broadcaster", "error", err)
		os.Exit(1)
	}
	defer alerts.Close()

	// Rules are read from the repository on every evaluation.
	engine := rules.NewEngine(repo, rules.NewCELEvaluator(), 0)

	weights := features.NewWeightMatrix(nil)
	if seed := cfg.Pipeline.WeightSeed; seed != nil {
		weights = features.NewSeededWeightMatrix(*seed)
		slog.Info("feature weights seeded", "seed", *seed)
	}
	transformer := features.NewTransformer(weights)

	timeouts := scoring.Timeouts{
		Connect:  cfg.Scoring.ConnectTimeout,
		Response: cfg.Scoring.ResponseTimeout,
	}
	scorer := scoring.NewHTTPScorer(cfg.Scoring.ScorerURL, timeouts)
	explainer := scoring.NewHTTPExplainer(cfg.Scoring.ExplainerURL, timeouts)
	slog.Info("scoring clients initialized",
		"scorer", cfg.Scoring.ScorerURL,
		"explainer", cfg.Scoring.ExplainerURL,
	)

	pipe := pipeline.New(cfg.Pipeline, pipeline.Deps{
		Rules:       engine,
		Transformer: transformer,
		Scorer:      scorer,
		Explainer:   explainer,
		Recorder:    repo,
		Cache:       cacheImpl,
		Alerts:      alerts,
	})

	caseSvc := cases.NewService(repo)

	// Async worker (on by default in Pro tier)
	var asyncWorker *worker.Worker
	if cfg.Pipeline.AsyncWorker {
		asyncWorker = worker.NewWorker(busImpl, pipe)
		if err := asyncWorker.Start(worker.Config{WorkerCount: cfg.Pipeline.Workers}); err != nil {
			slog.Error("failed to start async worker", "error", err)
		} else {
			slog.Info("async worker started", "workers", cfg.Pipeline.Workers)
		}
	}

	srv := api.NewServer(cfg.Server, api.Deps{
		Repo:     repo,
		Cache:    cacheImpl,
		Bus:      busImpl,
		Pipeline: pipe,
		Rules:    engine,
		Cases:    caseSvc,
		Alerts:   alerts,
		Version:  Version,
	})

	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	slog.Info("harrier is ready",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
	)

	printBanner(cfg, Version)

	<-ctx.Done()
	slog.Info("shutting down...")

	if asyncWorker != nil {
		if err := asyncWorker.Stop(); err != nil {
			slog.Error("failed to stop async worker", "error", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	if err := shutdownTracing(shutdownCtx); err != nil {
		slog.Error("failed to flush traces", "error", err)
	}

	slog.Info("harrier shutdown complete")
}

func newLogger(cfg domain.LoggingConfig) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}

func printBanner(cfg *domain.Config, version string) {
	fmt.Println()
	fmt.Println("  ╔═══════════════════════════════════════════╗")
	fmt.Println("  ║               HARRIER                     ║")
	fmt.Println("  ║     Loan Application Fraud Decisions      ║")
	fmt.Println("  ╚═══════════════════════════════════════════╝")
	fmt.Println()
	fmt.Printf("  Version:  %s\n", version)
	fmt.Printf("  Tier:     %s\n", cfg.Tier)
	fmt.Printf("  Server:   http://%s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Println()
	fmt.Println("  Endpoints:")
	fmt.Println("    POST   /evaluate              - Evaluate an application")
	fmt.Println("    GET    /rules                 - List rules")
	fmt.Println("    POST   /rules                 - Create a rule (admin)")
	fmt.Println("    PUT    /rules/{id}/toggle     - Enable or disable a rule (admin)")
	fmt.Println("    DELETE /rules/{id}            - Delete a rule (admin)")
	fmt.Println("    GET    /cases                 - List investigation cases")
	fmt.Println("    POST   /cases/{id}/claim      - Claim a case")
	fmt.Println("    POST   /cases/{id}/resolve    - Resolve a case")
	fmt.Println("    GET    /alerts/stream         - Live alerts (SSE)")
	fmt.Println("    GET    /alerts/ws             - Live alerts (WebSocket)")
	fmt.Println("    GET    /metrics               - Prometheus metrics")
	fmt.Println("    GET    /health                - Health check")
	fmt.Println()
}
