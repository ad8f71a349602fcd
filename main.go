package main

import (
	"context"
	"errors"
	"log"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mastertrade/core/config"
	"github.com/mastertrade/core/internal/alerts"
	"github.com/mastertrade/core/internal/api"
	"github.com/mastertrade/core/internal/cache"
	"github.com/mastertrade/core/internal/collectors"
	"github.com/mastertrade/core/internal/database"
	"github.com/mastertrade/core/internal/executor"
	"github.com/mastertrade/core/internal/fabric"
	"github.com/mastertrade/core/internal/logging"
	"github.com/mastertrade/core/internal/orchestrator"
	"github.com/mastertrade/core/internal/risk"
	"github.com/mastertrade/core/internal/scheduler"
	"github.com/mastertrade/core/internal/signals"
)

const drainTimeout = 30 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("configuration: %v", err)
	}

	logger := logging.New(cfg.Logging)
	logger.Info().Strs("services", cfg.Services).Msg("mastertrade core starting")

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := database.New(rootCtx, cfg.DatabaseURL, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("database connect failed")
	}
	defer db.Close()
	if err := db.RunMigrations(rootCtx); err != nil {
		logger.Fatal().Err(err).Msg("migrations failed")
	}
	repo := database.NewRepository(db)

	bus, err := fabric.Connect(cfg.BrokerURL, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("broker connect failed")
	}
	defer bus.Close()

	cacheSvc, err := cache.New(cfg.CacheURL, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("cache connect failed")
	}
	defer cacheSvc.Close()

	// The alert bus doubles as the Alerter for every other cluster, so it
	// is built whenever anything runs.
	alertBus := alerts.New(cfg.Alerts, repo, bus, logger)

	goals := risk.NewGoalTracker(cfg.Goals, repo, cacheSvc, bus, logger)
	monitor := risk.NewDrawdownMonitor(cfg.Risk, cfg.Goals.PortfolioTargetUSD, repo, bus, alertBus, logger)
	gate := risk.NewGate(cfg.Risk, goals, monitor, repo, cacheSvc, logger)

	var engine *orchestrator.Orchestrator
	if cfg.RunsService("orchestrator") || cfg.RunsService("scheduler") {
		engine = orchestrator.New(cfg.Strategy, cfg.Collectors.Symbols, repo, cacheSvc, goals, bus, alertBus, logger)
	}

	var manager *collectors.Manager
	if cfg.RunsService("collectors") {
		manager = collectors.NewManager(cfg.Collectors, repo, bus, cacheSvc, logger)
	}

	// workCtx governs the consumer loops; it is cancelled after the drain
	// window so in-flight deliveries are nacked with requeue.
	workCtx, cancelWork := context.WithCancel(context.Background())
	defer cancelWork()

	g, gCtx := errgroup.WithContext(workCtx)

	if cfg.RunsService("alerts") {
		g.Go(func() error { return alertBus.Run(gCtx) })
	}

	if manager != nil {
		manager.StartAll(gCtx)
	}

	if cfg.RunsService("signals") {
		aggregator := signals.New(cfg.Signals, cfg.Collectors.Symbols, repo, cacheSvc, bus, alertBus, logger)
		g.Go(func() error { return aggregator.Run(gCtx) })
	}

	if cfg.RunsService("risk") {
		if err := goals.EnsureDefaults(rootCtx); err != nil {
			logger.Fatal().Err(err).Msg("goal defaults failed")
		}
		riskSvc := risk.NewService(gate, monitor, goals, repo, bus, logger)
		g.Go(func() error { return riskSvc.Run(gCtx) })
	}

	if cfg.RunsService("executor") {
		var adaptor executor.ExchangeAdaptor
		if cfg.Executor.APIKey != "" && cfg.Executor.APISecret != "" {
			adaptor = executor.NewRESTAdaptor(cfg.Executor.ExchangeRESTURL, cfg.Executor.APIKey, cfg.Executor.APISecret)
			logger.Info().Msg("live exchange adaptor configured")
		} else {
			logger.Info().Msg("no exchange credentials, paper execution only")
		}
		exec := executor.New(repo, cacheSvc, bus, adaptor, logger)
		g.Go(func() error { return exec.Run(gCtx) })
	}

	if cfg.RunsService("scheduler") {
		sched := scheduler.New(repo, engine, goals, logger)
		g.Go(func() error { return sched.Start(gCtx) })
	}

	var server *api.Server
	if cfg.RunsService("api") {
		var apiEngine api.StrategyEngine
		if engine != nil {
			apiEngine = engine
		}
		server = api.NewServer(cfg, repo, cacheSvc, bus, manager, goals, apiEngine, logger)
		g.Go(func() error { return server.Start(gCtx) })
	}

	logger.Info().Msg("all clusters running")

	// Shutdown: stop intake first, then drain consumers, then cut them off.
	<-rootCtx.Done()
	logger.Info().Msg("shutdown signal received, stopping intake")

	if server != nil {
		if err := server.Stop(context.Background()); err != nil {
			logger.Warn().Err(err).Msg("api shutdown error")
		}
	}
	if manager != nil {
		manager.StopAll()
	}

	// Cancelled consumers finish their current delivery, then nack
	// anything still queued with requeue.
	cancelWork()

	done := make(chan error, 1)
	go func() { done <- g.Wait() }()

	select {
	case err := <-done:
		if err != nil && !errors.Is(err, context.Canceled) {
			logger.Error().Err(err).Msg("cluster exited with error")
		}
	case <-time.After(drainTimeout):
		logger.Warn().Dur("after", drainTimeout).Msg("drain window elapsed, forcing exit")
	}

	logger.Info().Msg("mastertrade core stopped")
}
