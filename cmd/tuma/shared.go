package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/jkaninda/tuma/internal/botapi"
	"github.com/jkaninda/tuma/internal/config"
	"github.com/jkaninda/tuma/internal/dispatch"
	"github.com/jkaninda/tuma/internal/observability"
	"github.com/jkaninda/tuma/internal/sandbox"
	"github.com/jkaninda/tuma/internal/secrets"
	"github.com/jkaninda/tuma/internal/store"
)

// SharedComponents holds all initialized subsystems the commands require.
// Built once by initShared, torn down by Cleanup.
type SharedComponents struct {
	Config   *config.Config
	Logger   *slog.Logger
	Store    store.Store
	Obs      *observability.Observability
	Client   *botapi.Client
	Governor *dispatch.Governor
	Executor *sandbox.Executor

	cleanups []func()
}

// Cleanup runs all deferred cleanup functions in reverse order.
func (sc *SharedComponents) Cleanup() {
	for i := len(sc.cleanups) - 1; i >= 0; i-- {
		sc.cleanups[i]()
	}
}

func (sc *SharedComponents) addCleanup(fn func()) {
	sc.cleanups = append(sc.cleanups, fn)
}

func newLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
}

// initShared wires the full pipeline: store, observability, remote client,
// governor, executor. Callers must call sc.Cleanup() when done.
func initShared(cfg *config.Config, logger *slog.Logger) (*SharedComponents, error) {
	sc := &SharedComponents{
		Config: cfg,
		Logger: logger,
	}

	// Ensure data directory exists.
	dataDir := cfg.ResolvedDataDir()
	if err := os.MkdirAll(dataDir, 0750); err != nil {
		return nil, fmt.Errorf("creating data directory %s: %w", dataDir, err)
	}
	logger.Debug("data directory initialized", slog.String("path", dataDir))

	// Observability.
	obs, err := observability.New(cfg.Observability, logger)
	if err != nil {
		return nil, fmt.Errorf("initializing observability: %w", err)
	}
	sc.Obs = obs
	sc.addCleanup(func() {
		if obs != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			obs.Shutdown(shutdownCtx)
		}
	})

	// Storage (SQLite default, PostgreSQL optional).
	st, err := initStore(cfg, logger)
	if err != nil {
		sc.Cleanup()
		return nil, fmt.Errorf("initializing storage: %w", err)
	}
	sc.Store = st
	sc.addCleanup(func() {
		if err := st.Close(); err != nil {
			logger.Error("closing store", slog.String("error", err.Error()))
		}
	})
	if err := st.Migrate(context.Background()); err != nil {
		sc.Cleanup()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	if obs != nil && cfg.Observability != nil && cfg.Observability.Health != nil && cfg.Observability.Health.IncludeDB {
		obs.Health.AddCheck("database", func(ctx context.Context) error {
			_, _, err := st.LoadCooldown(ctx)
			return err
		})
	}
	// Readiness gate: a dependency that is already degraded at startup fails
	// the wiring instead of surfacing later inside a run.
	if obs != nil {
		if failed := obs.Health.CheckReady(context.Background()).Failed(); len(failed) > 0 {
			sc.Cleanup()
			return nil, fmt.Errorf("readiness degraded: %s", strings.Join(failed, ", "))
		}
	}

	// Remote client, tokens resolved through the secret provider chain.
	provider := secrets.FromConfig(cfg.Secrets)
	botToken, err := resolveToken(provider, cfg.Remote.BotToken)
	if err != nil {
		sc.Cleanup()
		return nil, fmt.Errorf("resolving bot token: %w", err)
	}
	webhookToken, err := resolveToken(provider, cfg.Remote.WebhookToken)
	if err != nil {
		sc.Cleanup()
		return nil, fmt.Errorf("resolving webhook token: %w", err)
	}
	sc.Client = botapi.NewClient(botapi.Config{
		BaseURL:      cfg.Remote.BaseURL,
		BotToken:     botToken,
		WebhookToken: webhookToken,
		Namespaces:   cfg.Remote.Namespaces,
		Timeout:      cfg.Remote.Timeout(),
	}, logger)

	// Rate governor.
	metrics := obs.MetricsOrNil()
	tracer := obs.TracerOrNil()
	gov := dispatch.New(dispatch.Config{
		PerSecond:          cfg.Dispatch.PerSecond,
		WindowCapacity:     cfg.Dispatch.WindowCapacity,
		WindowLength:       cfg.Dispatch.WindowLength(),
		Cooldown:           cfg.Dispatch.CooldownDuration(),
		QueueCapacity:      cfg.Dispatch.QueueCapacity,
		MaxRetriesCeiling:  cfg.Dispatch.MaxRetries,
		RetryBaseDelay:     cfg.Dispatch.RetryBaseDelay(),
		RetryMaxDelay:      cfg.Dispatch.RetryMaxDelay(),
		DispatchBudget:     cfg.Dispatch.Budget(),
		ChunkThreshold:     cfg.Dispatch.ChunkThreshold,
		ChunkMethods:       cfg.Dispatch.ChunkMethods,
		IdentityNamespaces: cfg.Dispatch.IdentityNamespaces,
	}, sc.Client, st, metrics, tracer, logger)
	if err := gov.Start(context.Background()); err != nil {
		sc.Cleanup()
		return nil, fmt.Errorf("starting governor: %w", err)
	}
	sc.Governor = gov
	sc.addCleanup(gov.Stop)

	// Sandbox executor.
	sc.Executor = sandbox.New(sandbox.Config{
		MaxConcurrentRuns: cfg.Sandbox.Concurrency(),
		MaxScriptBytes:    cfg.Sandbox.MaxScriptBytes,
	}, gov, st, metrics, tracer, logger)

	return sc, nil
}

// initStore opens the configured persistence backend.
func initStore(cfg *config.Config, logger *slog.Logger) (store.Store, error) {
	switch cfg.StorageDriverName() {
	case "postgres":
		pg := cfg.Storage.Postgres
		return store.OpenPostgres(store.PostgresConfig{
			DSN:              pg.DSN,
			MaxOpenConns:     pg.MaxOpenConns,
			MaxIdleConns:     pg.MaxIdleConns,
			ConnMaxLifetimeS: pg.ConnMaxLifetimeS,
		}, logger)
	default:
		sqliteCfg := store.SQLiteConfig{Path: cfg.DatabasePath()}
		if cfg.Storage != nil && cfg.Storage.SQLite != nil {
			sqliteCfg.JournalMode = cfg.Storage.SQLite.JournalMode
		}
		return store.OpenSQLite(sqliteCfg, logger)
	}
}

// resolveToken passes env:// references through the secret provider chain;
// anything else is used as-is.
func resolveToken(provider secrets.Provider, ref string) (string, error) {
	if ref == "" || !strings.Contains(ref, "://") {
		return ref, nil
	}
	secret, err := provider.Resolve(context.Background(), ref)
	if err != nil {
		return "", err
	}
	return secret.Value, nil
}

// budgetFromConfig builds the per-run budget from the sandbox section.
func budgetFromConfig(s config.SandboxConfig) sandbox.Budget {
	return sandbox.Budget{
		Timeout:           s.Timeout(),
		MaxMemoryBytes:    s.MaxMemoryBytes(),
		MaxTimers:         s.MaxTimers,
		MaxTimerDelay:     s.MaxTimerDelay(),
		APICallsPerMinute: s.APICallsPerMinute,
	}
}
