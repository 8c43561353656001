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

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/lattice-ai/loom/internal/approval"
	"github.com/lattice-ai/loom/internal/auth"
	"github.com/lattice-ai/loom/internal/bridge"
	"github.com/lattice-ai/loom/internal/config"
	"github.com/lattice-ai/loom/internal/dispatch"
	"github.com/lattice-ai/loom/internal/llm"
	"github.com/lattice-ai/loom/internal/model"
	"github.com/lattice-ai/loom/internal/projector"
	"github.com/lattice-ai/loom/internal/server"
	"github.com/lattice-ai/loom/internal/storage"
	"github.com/lattice-ai/loom/internal/telemetry"
	"github.com/lattice-ai/loom/internal/tools"
	"github.com/lattice-ai/loom/internal/worker"
	"github.com/lattice-ai/loom/migrations"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run0())
}

func run0() int {
	level := slog.LevelInfo
	if os.Getenv("LOOM_LOG_LEVEL") == "debug" {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, logger); err != nil {
		slog.Error("fatal error", "error", err)
		return 1
	}
	return 0
}

func run(ctx context.Context, logger *slog.Logger) error {
	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	slog.Info("loom starting", "version", version, "port", cfg.Port)

	// Initialize OpenTelemetry.
	otelShutdown, err := telemetry.Init(ctx, cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() { _ = otelShutdown(context.Background()) }()

	// Connect to database.
	db, err := storage.New(ctx, cfg.DatabaseURL, cfg.NotifyURL, logger)
	if err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	defer db.Close(ctx)

	// RunMigrations tracks applied files in schema_migrations and skips
	// duplicates, so errors here indicate real failures.
	if err := db.RunMigrations(ctx, migrations.FS); err != nil {
		return fmt.Errorf("migrations: %w", err)
	}

	jwtMgr, err := auth.NewJWTManager(cfg.JWTPrivateKeyPath, cfg.JWTPublicKeyPath, cfg.JWTExpiration)
	if err != nil {
		return fmt.Errorf("auth: %w", err)
	}

	catalog, err := loadCatalog(cfg.ToolCatalogPath, logger)
	if err != nil {
		return fmt.Errorf("tool catalog: %w", err)
	}

	proj := projector.New(db, logger)
	gate := approval.NewGate(db, logger)

	dispatcher := dispatch.New(db, logger, dispatch.Options{
		Prefetch:     cfg.WorkerPrefetch,
		Lease:        cfg.WorkerLease,
		PollInterval: cfg.WorkPollInterval,
		MaxAttempts:  cfg.MaxAttempts,
	})
	dispatcher.RegisterMetrics()

	// Live event fanout over LISTEN/NOTIFY.
	br := bridge.New(db, logger)
	br.RegisterMetrics()

	llmClient := llm.NewHTTPClient(cfg.LLMBaseURL, cfg.LLMAPIKey, cfg.LLMTimeout)
	runner := tools.NewHTTPRunner(cfg.ToolServiceURL, cfg.ToolTimeout)

	orchestrator := worker.NewOrchestrator(db, proj, gate, dispatcher, br, cfg.ApprovalTTL, logger)
	gateway := worker.NewModelGateway(db, proj, br, llmClient, catalog, cfg.DefaultModel, cfg.MaxAttempts, logger)
	executor := worker.NewToolExecutor(db, proj, gate, br, runner, cfg.MaxAttempts, cfg.ApprovalTTL, logger)

	srv := server.New(server.Config{
		Port:            cfg.Port,
		ReadTimeout:     cfg.ReadTimeout,
		WriteTimeout:    cfg.WriteTimeout,
		IdleTimeout:     cfg.IdleTimeout,
		ShutdownTimeout: cfg.ShutdownTimeout,
	}, server.NewHandlers(server.HandlersDeps{
		DB:                  db,
		JWTMgr:              jwtMgr,
		Projector:           proj,
		Gate:                gate,
		Dispatcher:          dispatcher,
		Bridge:              br,
		Logger:              logger,
		Version:             version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		EnableDevTokens:     cfg.EnableDevTokens,
	}), logger)

	// Workers and the bridge share a cancellable context so shutdown stops
	// them after HTTP drain.
	workCtx, stopWorkers := context.WithCancel(context.Background())
	defer stopWorkers()

	var g errgroup.Group
	g.Go(func() error { return br.Run(workCtx) })
	g.Go(func() error { return dispatcher.Consume(workCtx, model.QueueOrchestrator, orchestrator.Handle) })
	g.Go(func() error { return dispatcher.Consume(workCtx, model.QueueModelGateway, gateway.Handle) })
	g.Go(func() error { return dispatcher.Consume(workCtx, model.QueueToolExecutor, executor.Handle) })

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// Wait for shutdown signal or server error.
	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	// Graceful shutdown. Order: (1) stop accepting new HTTP requests and
	// drain in-flight handlers (they may still enqueue work), (2) stop the
	// workers and the bridge, letting in-flight handlers finish or release
	// their leases.
	slog.Info("loom shutting down")

	if err := srv.Shutdown(context.Background()); err != nil {
		slog.Error("http shutdown error", "error", err)
	}

	stopWorkers()
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("worker shutdown error", "error", err)
	}

	slog.Info("loom stopped")
	return nil
}

// loadCatalog reads the tool catalog file. An empty path yields an empty
// catalog: the model gets no tools and runs are pure conversation.
func loadCatalog(path string, logger *slog.Logger) (*tools.Catalog, error) {
	if path == "" {
		logger.Info("tool catalog: none configured")
		return tools.ParseCatalog(nil)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	catalog, err := tools.ParseCatalog(data)
	if err != nil {
		return nil, err
	}
	logger.Info("tool catalog: loaded", "path", path, "tools", catalog.Len())
	return catalog, nil
}
