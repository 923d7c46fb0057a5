package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"
	_ "gocloud.dev/blob/gcsblob"
	_ "gocloud.dev/blob/s3blob"

	"github.com/italolelis/bulk_downloader/internal/cleanup"
	"github.com/italolelis/bulk_downloader/internal/config"
	"github.com/italolelis/bulk_downloader/internal/downloader"
	"github.com/italolelis/bulk_downloader/internal/http/rest"
	"github.com/italolelis/bulk_downloader/internal/logctx"
	"github.com/italolelis/bulk_downloader/internal/notifier"
	"github.com/italolelis/bulk_downloader/internal/storage"
	"github.com/italolelis/bulk_downloader/internal/storage/blobstore"
	"github.com/italolelis/bulk_downloader/internal/storage/sqlite"
	"github.com/italolelis/bulk_downloader/internal/telemetry"
	"github.com/italolelis/bulk_downloader/internal/transfer"
)

var version = "dev"

type historyStore interface {
	storage.HistoryStore
	storage.HistoryReader
	storage.HistoryPruner
}

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		slog.Error("config error", "err", err)
		os.Exit(1)
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()})
	logger := slog.New(logctx.NewTraceHandler(handler))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	slog.Info("bulk downloader starting...", "log_level", cfg.LogLevel, "version", version)

	if err := run(logctx.WithLogger(ctx, logger), cfg); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("fatal error", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	logger := logctx.LoggerFromContext(ctx)

	// =========================================================================
	// Start Telemetry
	tel, err := telemetry.New(ctx, telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: version,
		OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Web.ShutdownTimeout)
		defer cancel()

		if err := tel.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to shutdown telemetry", "err", err)
		}
	}()

	// =========================================================================
	// Start History Store
	history, closeHistory, err := setupHistory(ctx, cfg, tel)
	if err != nil {
		return err
	}
	defer closeHistory()

	// =========================================================================
	// Start Payload Storage
	store, err := blobstore.Open(ctx, cfg.TargetDir, cfg.BucketURL)
	if err != nil {
		return fmt.Errorf("failed to open payload storage: %w", err)
	}
	defer store.Close()

	// =========================================================================
	// Start Transfer Client
	client, err := transfer.NewClient(transfer.Options{
		BaseURL:   cfg.APIBaseURL,
		Token:     cfg.APIToken,
		Timeout:   cfg.RequestTimeout,
		RateLimit: cfg.RateLimit,
	})
	if err != nil {
		return fmt.Errorf("failed to build transfer client: %w", err)
	}

	instrumented := transfer.NewInstrumentedClient(client, client, tel, "remote_api")

	// =========================================================================
	// Start Controller
	controller := downloader.NewController(
		ctx,
		history,
		instrumented,
		downloader.NewFetcher(instrumented, store, tel),
		downloader.Options{
			WaveSize:    cfg.WaveSize,
			WaveDelay:   cfg.WaveDelay,
			MaxAttempts: cfg.MaxAttempts,
		},
		tel,
	)

	// =========================================================================
	// Start Notification
	setupNotification(ctx, controller, cfg)

	// =========================================================================
	// Start Cleanup
	cleanup.Watch(ctx, history, cfg.HistoryRetention, cfg.CleanupInterval)

	// =========================================================================
	// Start API Service

	// Make a channel to listen for errors coming from the listener. Use a
	// buffered channel so the goroutine can exit if we don't collect this error.
	serverErrors := make(chan error, 1)

	server := setupServer(ctx, controller, history, tel, cfg)

	go func() {
		logger.Info("Initializing API support", "host", cfg.Web.BindAddress)
		serverErrors <- server.ListenAndServe()
	}()

	logger.Info("waiting for runs...",
		"target_dir", cfg.TargetDir,
		"wave_size", cfg.WaveSize,
		"wave_delay", cfg.WaveDelay.String(),
		"max_attempts", cfg.MaxAttempts,
		"retention", cfg.HistoryRetention.String(),
	)

	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		logger.Info("start shutdown")

		// Give outstanding requests and the active run a deadline for completion.
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Web.ShutdownTimeout)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to gracefully shutdown the server", "err", err)

			if err = server.Close(); err != nil {
				return fmt.Errorf("could not stop server gracefully: %w", err)
			}
		}

		if err := controller.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to gracefully stop the active run", "err", err)
		}

		return ctx.Err()
	}
}

// setupHistory opens the sqlite history, or an in-memory one when DB_PATH is empty.
func setupHistory(ctx context.Context, cfg *config.Config, tel *telemetry.Telemetry) (historyStore, func(), error) {
	logger := logctx.LoggerFromContext(ctx)

	if cfg.DBPath == "" {
		logger.Warn("DB_PATH is empty, download history will not survive restarts")

		return storage.NewMemoryHistory(), func() {}, nil
	}

	database, err := sqlite.InitDB(cfg.DBPath)
	if err != nil {
		logger.Error("DB error", "err", err)

		return nil, nil, err
	}

	repo, err := sqlite.NewHistoryRepository(ctx, database)
	if err != nil {
		database.Close()

		return nil, nil, fmt.Errorf("failed to load download history: %w", err)
	}

	logger.Info("download history loaded", "db_path", cfg.DBPath, "items", repo.Len())

	return sqlite.NewInstrumentedHistoryRepository(repo, tel), func() { database.Close() }, nil
}

func setupNotification(ctx context.Context, controller *downloader.Controller, cfg *config.Config) {
	logger := logctx.LoggerFromContext(ctx)

	var notif notifier.Notifier
	if cfg.DiscordWebhookURL != "" {
		notif = notifier.NewDiscordNotifier(cfg.DiscordWebhookURL)
	}

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case summary := <-controller.OnRunFinished:
				logger.Info("run finished", "run_id", summary.RunID, "status", summary.Status)

				if notif == nil {
					continue
				}

				if notifyErr := notif.Notify(ctx, summary.String()); notifyErr != nil {
					logger.Error("failed to send notification", "run_id", summary.RunID, "err", notifyErr)
				}
			}
		}
	}()
}

// setupServer prepares the handlers and services to create the http rest server.
func setupServer(
	ctx context.Context,
	controller *downloader.Controller,
	history storage.HistoryReader,
	tel *telemetry.Telemetry,
	cfg *config.Config,
) *http.Server {
	r := chi.NewRouter()
	r.Use(telemetry.RequestID)
	r.Use(telemetry.HTTPLogging)
	r.Use(telemetry.NewHTTPMiddleware(tel).Middleware)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Handle("/metrics", tel.Handler())
	r.Mount("/", rest.NewRunHandler(controller, history).Routes())

	return &http.Server{
		Addr:         cfg.Web.BindAddress,
		ReadTimeout:  cfg.Web.ReadTimeout,
		WriteTimeout: cfg.Web.WriteTimeout,
		IdleTimeout:  cfg.Web.IdleTimeout,
		Handler:      r,
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}
}
