package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/opsforge/remedia/internal/api"
	"github.com/opsforge/remedia/internal/config"
	"github.com/opsforge/remedia/internal/dedupe"
	"github.com/opsforge/remedia/internal/engine"
	"github.com/opsforge/remedia/internal/executor"
	"github.com/opsforge/remedia/internal/feedback"
	"github.com/opsforge/remedia/internal/inference"
	"github.com/opsforge/remedia/internal/metrics"
	"github.com/opsforge/remedia/internal/orchestrator"
	"github.com/opsforge/remedia/internal/resolver"
	"github.com/opsforge/remedia/internal/router"
	"github.com/opsforge/remedia/internal/rules"
	"github.com/opsforge/remedia/internal/store"
	"github.com/opsforge/remedia/internal/utils"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		slog.Error("failed to load config", slog.String("path", configPath), slog.Any("error", err))
		os.Exit(1)
	}

	logger := utils.NewLogger(cfg.Logging.Level, cfg.Logging.JSON)
	logger.Info("starting remedia-engine", slog.String("address", cfg.Server.Address))

	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		logger.Error("failed to register metrics", slog.Any("error", err))
		os.Exit(1)
	}

	var st store.Store
	switch cfg.Store.Driver {
	case "sqlite":
		st, err = store.NewGormStore(cfg.Store.DSN)
		if err != nil {
			logger.Error("failed to open sqlite store", slog.Any("error", err))
			os.Exit(1)
		}
	default:
		st = store.NewMemoryStore()
	}
	defer st.Close()

	var dedupeProvider dedupe.Provider = dedupe.NoopProvider{}
	if cfg.Dedupe.Enabled && cfg.Dedupe.Addr != "" {
		provider, err := dedupe.NewRedisProvider(dedupe.RedisConfig{
			Addr:      cfg.Dedupe.Addr,
			Username:  cfg.Dedupe.Username,
			Password:  cfg.Dedupe.Password,
			DB:        cfg.Dedupe.DB,
			KeyPrefix: cfg.Dedupe.KeyPrefix,
		})
		if err != nil {
			logger.Warn("redis dedupe unavailable, falling back to in-memory",
				slog.Any("error", err))
			dedupeProvider = dedupe.NewMemoryProvider()
		} else {
			dedupeProvider = provider
		}
	}
	defer dedupeProvider.Close()

	ruleEngine, err := rules.NewEngine(cfg.Rules.Path, logger)
	if err != nil {
		logger.Error("failed to load rule catalog", slog.Any("error", err))
		os.Exit(1)
	}
	logger.Info("rule catalog loaded", slog.Int("rules", ruleEngine.Size()))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Rules.Watch {
		watcher := rules.NewWatcher(ruleEngine, logger)
		go func() {
			if err := watcher.Run(ctx); err != nil {
				logger.Warn("rule catalog watcher stopped", slog.Any("error", err))
			}
		}()
	}

	var scorer engine.Scorer
	if cfg.Inference.BaseURL != "" {
		scorer = inference.NewClient(
			cfg.Inference.BaseURL,
			cfg.Inference.Path,
			cfg.Inference.Timeout,
			cfg.Inference.MaxRetries,
			cfg.Inference.BackoffBase,
			logger,
		)
	} else {
		logger.Warn("inference provider not configured, relying on the rule layer only")
	}

	executorClient := executor.NewClient(cfg.Executor.BaseURL, cfg.Executor.Path, cfg.Executor.Timeout)

	locks := resolver.NewTargetLocks()
	res := resolver.New(st, locks, resolver.Policy{
		ActionThreshold:   cfg.Policy.ActionThreshold,
		InferenceTiebreak: cfg.Policy.InferenceTiebreak,
	}, logger)
	orch := orchestrator.New(st, executorClient, locks, orchestrator.Config{
		MaxAttempts: cfg.Policy.MaxAttempts,
		Backoff:     cfg.Policy.DispatchBackoff,
		CallTimeout: cfg.Executor.Timeout,
	}, logger)
	recorder := feedback.NewRecorder(st, logger)
	rt := router.New(ruleEngine, cfg.Policy.AutoAcceptThreshold, logger)

	coordinator := engine.New(logger, st, rt, scorer, res, orch, recorder, engine.Config{
		Workers:          cfg.Workers.Count,
		QueueSize:        cfg.Workers.QueueSize,
		InferenceTimeout: cfg.Inference.Timeout,
	})
	coordinator.Start(ctx)

	handlers := api.NewHandlers(logger, st, coordinator, orch, dedupeProvider, ruleEngine, cfg.Dedupe.TTL)
	server, err := api.NewServer(cfg.Server, handlers, logger)
	if err != nil {
		logger.Error("failed to create HTTP server", slog.Any("error", err))
		os.Exit(1)
	}

	go func() {
		if serveErr := server.Start(); serveErr != nil {
			logger.Error("HTTP server exited", slog.Any("error", serveErr))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.GracefulTimeout)
	defer cancel()
	server.Shutdown(shutdownCtx)
	coordinator.Stop()

	// Give remaining goroutines time to finish logging
	time.Sleep(100 * time.Millisecond)
	logger.Info("remedia-engine stopped")
}
