package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"

	"github.com/jthorsen/optionset/internal/config"
	"github.com/jthorsen/optionset/internal/core"
	"github.com/jthorsen/optionset/internal/dataverse"
	"github.com/jthorsen/optionset/internal/history"
	"github.com/jthorsen/optionset/internal/logging"
	"github.com/jthorsen/optionset/internal/web"
)

func main() {
	// Load .env file if it exists (Overload overwrites existing env vars)
	if err := godotenv.Overload(); err != nil {
		slog.Info("no .env file found, using environment variables")
	} else {
		slog.Info("loaded .env file (overwriting existing env vars)")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	logging.Setup(cfg.Logging.Level, cfg.Logging.Format)

	slog.Info("configuration loaded",
		"port", cfg.Server.Port,
		"environment_url", cfg.Dataverse.EnvironmentURL,
		"batch_size", cfg.Engine.BatchSize,
		"safe_insert", cfg.Engine.SafeInsert,
		"history_enabled", cfg.History.URL != "",
		"rate_limit_enabled", cfg.Rate.Enabled,
	)

	creds := dataverse.NewCredentials(
		cfg.Dataverse.ClientID,
		cfg.Dataverse.ClientSecret,
		cfg.Dataverse.TenantID,
		cfg.Dataverse.EnvironmentURL,
	)
	auth := dataverse.NewAuthenticator(creds, dataverse.AuthenticatorConfig{})
	client := dataverse.NewClient(creds, auth, dataverse.ClientConfig{
		LanguageCode: cfg.Dataverse.LanguageCode,
	})

	ctx := context.Background()

	// Job history is optional; without DATABASE_URL results live in memory.
	var hist *history.Store
	if cfg.History.URL != "" {
		poolConfig, err := pgxpool.ParseConfig(cfg.History.URL)
		if err != nil {
			slog.Error("failed to parse database URL", "error", err)
			os.Exit(1)
		}
		poolConfig.MaxConns = int32(cfg.History.MaxConns)

		pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
		if err != nil {
			slog.Error("failed to connect to database", "error", err)
			os.Exit(1)
		}
		defer pool.Close()

		if err := pool.Ping(ctx); err != nil {
			slog.Error("failed to ping database", "error", err)
			os.Exit(1)
		}

		hist, err = history.New(ctx, pool)
		if err != nil {
			slog.Error("failed to init job history", "error", err)
			os.Exit(1)
		}
		slog.Info("job history enabled")
	}

	core.JobTimeout = cfg.Engine.JobTimeout

	var recorder core.HistoryRecorder
	if hist != nil {
		recorder = hist
	}
	service := core.NewService(core.ServiceConfig{
		API:    client,
		Tokens: auth,
		Engine: core.EngineConfig{
			BatchSize:    cfg.Engine.BatchSize,
			MaxRetries:   cfg.Engine.MaxRetries,
			RetryBackoff: cfg.Engine.RetryBackoff,
			SafeInsert:   cfg.Engine.SafeInsert,
		},
		History: recorder,
	})

	server := web.NewServer(service, hist, cfg)

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh

		slog.Info("shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		// Let a running job finish before the listener closes.
		service.WaitForDrain()

		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("shutdown error", "error", err)
		}
	}()

	slog.Info("server starting", "addr", cfg.Server.Addr())
	if err := server.Start(); err != nil && err != http.ErrServerClosed {
		slog.Error("server stopped", "error", err)
		os.Exit(1)
	}
	slog.Info("server stopped")
}
