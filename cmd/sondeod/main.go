// Command sondeod runs the simulation worker: it claims pending simulation
// runs from storage, executes them through the scheduler, and periodically
// reconciles usage rollups against the event log.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"

	"github.com/sondeo-ai/sondeo/internal/config"
	"github.com/sondeo-ai/sondeo/internal/ledger"
	"github.com/sondeo-ai/sondeo/internal/llm"
	"github.com/sondeo-ai/sondeo/internal/model"
	"github.com/sondeo-ai/sondeo/internal/sim"
	"github.com/sondeo-ai/sondeo/internal/storage"
	"github.com/sondeo-ai/sondeo/internal/telemetry"
	"github.com/sondeo-ai/sondeo/migrations"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run0())
}

func run0() int {
	level := slog.LevelInfo
	if os.Getenv("SONDEO_LOG_LEVEL") == "debug" {
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

	slog.Info("sondeod starting", "version", version)

	otelShutdown, err := telemetry.Init(ctx, cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() { _ = otelShutdown(context.Background()) }()

	store, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	client, err := newProviderClient(ctx, cfg)
	if err != nil {
		return err
	}

	usageLedger := ledger.New(store, logger)
	invoker := llm.NewInvoker(usageLedger, logger, nil)
	scheduler := sim.New(store, client, invoker, logger)

	// Periodic rollup drift check over recently active scopes.
	c := cron.New()
	if _, err := c.AddFunc(cfg.ReconcileSchedule, func() {
		reconcileActiveScopes(ctx, store, usageLedger, cfg.ReconcileWindow, logger)
	}); err != nil {
		return fmt.Errorf("schedule reconcile job: %w", err)
	}
	c.Start()
	defer c.Stop()

	claimLoop(ctx, cfg, store, scheduler, logger)

	slog.Info("sondeod stopped")
	return nil
}

// openStore picks Postgres when DATABASE_URL is set, SQLite otherwise.
func openStore(ctx context.Context, cfg config.Config, logger *slog.Logger) (storage.Store, func(), error) {
	if cfg.DatabaseURL != "" {
		db, err := storage.New(ctx, cfg.DatabaseURL, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("storage: %w", err)
		}
		if err := db.RunMigrations(ctx, migrations.FS); err != nil {
			db.Close()
			return nil, nil, fmt.Errorf("migrations: %w", err)
		}
		return db, db.Close, nil
	}
	db, err := storage.OpenSQLite(cfg.SQLitePath)
	if err != nil {
		return nil, nil, fmt.Errorf("storage: %w", err)
	}
	return db, func() { _ = db.Close() }, nil
}

func newProviderClient(ctx context.Context, cfg config.Config) (llm.Client, error) {
	switch cfg.DefaultProvider {
	case "openai":
		return llm.NewOpenAIClient(cfg.OpenAIBaseURL, cfg.OpenAIAPIKey), nil
	case "anthropic":
		return llm.NewAnthropicClient("", cfg.AnthropicAPIKey), nil
	case "gemini":
		return llm.NewGeminiClient(ctx, cfg.GeminiAPIKey)
	default:
		return nil, fmt.Errorf("unsupported provider %q", cfg.DefaultProvider)
	}
}

// claimLoop polls for pending runs and executes each in its own goroutine.
// Concurrency inside a run is bounded by the run's own config; the loop does
// not bound the number of concurrent runs.
func claimLoop(ctx context.Context, cfg config.Config, store storage.Store, scheduler *sim.Scheduler, logger *slog.Logger) {
	ticker := time.NewTicker(cfg.ClaimInterval)
	defer ticker.Stop()

	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		// Drain everything pending before going back to sleep.
		for {
			run, err := store.ClaimPendingRun(ctx)
			if err != nil {
				if !errors.Is(err, storage.ErrNotFound) {
					logger.Error("claim pending run", "error", err)
				}
				break
			}
			applyConfigDefaults(run, cfg)
			logger.Info("claimed simulation run",
				"run", run.ID, "personas", len(run.PersonaIDs))

			wg.Add(1)
			go func() {
				defer wg.Done()
				if err := scheduler.Execute(ctx, run, run.Questions); err != nil {
					logger.Error("execute simulation run", "run", run.ID, "error", err)
				}
			}()
		}
	}
}

// applyConfigDefaults fills unset per-run fields from daemon configuration.
func applyConfigDefaults(run *model.SimulationRun, cfg config.Config) {
	if run.Config.Provider == "" {
		run.Config.Provider = model.Provider(cfg.DefaultProvider)
	}
	if run.Config.InterviewerModel == "" {
		run.Config.InterviewerModel = cfg.InterviewerModel
	}
	if run.Config.PersonaModel == "" {
		run.Config.PersonaModel = cfg.PersonaModel
	}
	if run.Config.MaxConcurrentSimulations == 0 {
		run.Config.MaxConcurrentSimulations = cfg.MaxConcurrentSimulations
	}
	if run.Config.CallTimeout == 0 {
		run.Config.CallTimeout = cfg.CallTimeout
	}
	if run.Config.InterTurnDelay == 0 {
		run.Config.InterTurnDelay = cfg.InterTurnDelay
	}
}

// reconcileActiveScopes walks scopes with recent events and logs any rollup
// drift. Read-only; the write path never depends on it.
func reconcileActiveScopes(ctx context.Context, store storage.Store, usageLedger *ledger.Service, window time.Duration, logger *slog.Logger) {
	keys, err := store.ListActiveScopeKeys(ctx, time.Now().UTC().Add(-window), 1000)
	if err != nil {
		logger.Error("list active scopes", "error", err)
		return
	}
	clean := 0
	for _, key := range keys {
		drift, err := usageLedger.Reconcile(ctx, key)
		if err != nil {
			logger.Error("reconcile scope", "scope", key, "error", err)
			continue
		}
		if drift.Clean() {
			clean++
		}
	}
	logger.Info("reconcile pass finished", "scopes", len(keys), "clean", clean)
}
