package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gorilla/mux"

	"github.com/bldst/buildstate/api/rest/routes"
	"github.com/bldst/buildstate/config"
	"github.com/bldst/buildstate/pkg/artifactstore"
	"github.com/bldst/buildstate/pkg/dispatch"
	"github.com/bldst/buildstate/pkg/ledger"
	"github.com/bldst/buildstate/pkg/orchestrator"
	"github.com/bldst/buildstate/pkg/resume"
	"github.com/bldst/buildstate/pkg/storage"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	db, err := storage.Open(cfg.Database.Driver, cfg.Database.DSN, storage.DefaultPoolConfig())
	if err != nil {
		logger.Error("failed to open database", "driver", cfg.Database.Driver, "error", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store := storage.NewGormStore(db)
	if err := store.Migrate(ctx); err != nil {
		logger.Error("failed to migrate database", "error", err)
		os.Exit(1)
	}
	logger.Info("database ready", "driver", cfg.Database.Driver)

	stepPolicy := ledger.StepPolicy{Step: cfg.Engine.Step, Terminal: cfg.Engine.Terminal}
	buildLedger := ledger.New(store, stepPolicy, logger)
	builder := resume.NewBuilder(store, stepPolicy)
	tracker := dispatch.NewTracker(store)

	registry := dispatch.NewRegistry()
	for _, oc := range cfg.Orchestrators {
		registry.Register(oc.Platform, orchestrator.NewWebhook(orchestrator.WebhookConfig{
			TriggerURL: oc.TriggerURL,
			StatusURL:  oc.StatusURL,
			CancelURL:  oc.CancelURL,
			Token:      oc.Token(),
			Timeout:    oc.Timeout,
		}))
	}
	logger.Info("orchestration targets registered", "platforms", registry.Platforms())

	var stater artifactstore.Stater
	if cfg.ArtifactStore.Enabled {
		s3Stater, err := artifactstore.NewS3Stater(ctx, cfg.ArtifactStore.Region)
		if err != nil {
			logger.Error("failed to init artifact store client", "error", err)
			os.Exit(1)
		}
		stater = s3Stater
	}

	dispatcher := dispatch.NewDispatcher(store, builder, registry, dispatch.Config{
		PollInterval:   cfg.Dispatcher.PollInterval,
		Concurrency:    cfg.Dispatcher.Concurrency,
		MaxAttempts:    cfg.Dispatcher.MaxAttempts,
		BackoffBase:    cfg.Dispatcher.BackoffBase,
		BackoffMax:     cfg.Dispatcher.BackoffMax,
		TriggerTimeout: cfg.Dispatcher.TriggerTimeout,
		LockTTL:        cfg.Dispatcher.LockTTL,
	}, logger)
	go func() {
		if err := dispatcher.Start(ctx); err != nil && err != context.Canceled {
			logger.Error("dispatcher stopped", "error", err)
		}
	}()

	poller := dispatch.NewPoller(store, registry, cfg.Poller.Interval, logger)
	go func() {
		if err := poller.Start(ctx); err != nil && err != context.Canceled {
			logger.Error("poller stopped", "error", err)
		}
	}()

	sweeper := dispatch.NewSweeper(store, cfg.Sweep.Schedule, cfg.Sweep.StaleFor, logger)
	if err := sweeper.Start(ctx); err != nil {
		logger.Error("failed to start sweeper", "error", err)
		os.Exit(1)
	}
	defer sweeper.Stop()

	r := mux.NewRouter()
	routes.Setup(r, routes.Deps{
		Store:   store,
		Ledger:  buildLedger,
		Builder: builder,
		Tracker: tracker,
		Stater:  stater,
	})

	server := &http.Server{
		Addr:    ":" + cfg.Server.Port,
		Handler: r,
	}

	go func() {
		logger.Info("starting server", "port", cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server failed", "error", err)
			cancel()
		}
	}()

	<-ctx.Done()

	logger.Info("shutting down")
	if err := server.Shutdown(context.Background()); err != nil {
		logger.Error("forced shutdown", "error", err)
	}
	logger.Info("server exited")
}
