package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/blissfulldev/devops-ai-sub001/internal/api"
	"github.com/blissfulldev/devops-ai-sub001/internal/common/logger"
	"github.com/blissfulldev/devops-ai-sub001/internal/common/tracing"
	"github.com/blissfulldev/devops-ai-sub001/internal/conversation"
	"github.com/blissfulldev/devops-ai-sub001/internal/events"
	"github.com/blissfulldev/devops-ai-sub001/internal/gateway"
	"github.com/blissfulldev/devops-ai-sub001/internal/orchestrator"
	"github.com/blissfulldev/devops-ai-sub001/internal/persistence"
	"github.com/blissfulldev/devops-ai-sub001/internal/workflow"
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			return serve(opts)
		},
	}
}

func serve(opts *rootOptions) error {
	// 1. Load configuration
	cfg, err := opts.loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	// 2. Initialize logger
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 3. Tracing
	shutdownTracing, err := tracing.Setup(ctx, cfg.Tracing)
	if err != nil {
		return err
	}

	// 4. Event bus
	eventBus, err := events.Provide(cfg.NATS, log)
	if err != nil {
		return err
	}
	defer eventBus.Close()

	// 5. Generation gateway
	gw, err := gateway.Provide(ctx, cfg.Gateway, log)
	if err != nil {
		return err
	}

	// 6. Workflow definition
	var def *workflow.Definition
	if cfg.Workflow.DefinitionPath != "" {
		if def, err = workflow.LoadDefinition(cfg.Workflow.DefinitionPath); err != nil {
			return err
		}
	}

	// 7. Conversation store, restored from the last snapshots
	store := conversation.NewStore(log)
	repo, err := persistence.Provide(ctx, cfg.Database, log)
	if err != nil {
		return err
	}
	var snap *persistence.Snapshotter
	if repo != nil {
		defer func() {
			if err := repo.Close(); err != nil {
				log.Error("snapshot repository close error", zap.Error(err))
			}
		}()
		snap = persistence.NewSnapshotter(store, repo, log)
		n, err := snap.Rehydrate(ctx)
		if err != nil {
			return fmt.Errorf("failed to restore conversations: %w", err)
		}
		log.Info("restored conversations", zap.Int("count", n))
	}

	// 8. Services and background loops
	svc, err := orchestrator.Build(store, gw, eventBus, cfg, def, log)
	if err != nil {
		return err
	}
	if cfg.Workflow.WatchDefinition && cfg.Workflow.DefinitionPath != "" {
		if _, err := svc.WatchDefinition(ctx, cfg.Workflow.DefinitionPath); err != nil {
			log.Warn("workflow definition watch disabled", zap.Error(err))
		}
	}
	var background sync.WaitGroup
	background.Add(1)
	go func() {
		defer background.Done()
		svc.RunAutoAdvance(ctx, cfg.Workflow.AutoAdvanceIntervalDuration())
	}()
	if snap != nil {
		background.Add(1)
		go func() {
			defer background.Done()
			snap.Run(ctx, cfg.Database.SnapshotIntervalDuration())
		}()
	}

	// 9. HTTP server
	router := api.NewRouter(api.NewHandlers(svc, eventBus, cfg.Gateway.Model, log), log)
	server := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info("HTTP server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	// 10. Wait for shutdown
	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-serveErr:
		stop()
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}
	background.Wait()
	if err := shutdownTracing(shutdownCtx); err != nil {
		log.Error("tracing shutdown error", zap.Error(err))
	}
	return runErr
}
