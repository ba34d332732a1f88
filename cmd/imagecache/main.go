package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/contrib/instrumentation/runtime"

	"github.com/aozorahub/imagecache/internal/catalog/sqlite"
	"github.com/aozorahub/imagecache/internal/config"
	"github.com/aozorahub/imagecache/internal/downloader"
	"github.com/aozorahub/imagecache/internal/fetch"
	"github.com/aozorahub/imagecache/internal/http/rest"
	"github.com/aozorahub/imagecache/internal/imagestore"
	"github.com/aozorahub/imagecache/internal/ledger"
	"github.com/aozorahub/imagecache/internal/logctx"
	"github.com/aozorahub/imagecache/internal/notifier"
	"github.com/aozorahub/imagecache/internal/telemetry"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		slog.Error("config error", "err", err)
		os.Exit(1)
	}

	logger := slog.New(logctx.NewTraceHandler(
		slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()}),
	))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	slog.Info("imagecache starting...", "log_level", cfg.LogLevel)

	if err := run(logctx.WithLogger(ctx, logger), cfg); err != nil {
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
		ServiceVersion: cfg.Telemetry.ServiceVersion,
		OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
	})
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}

	defer func() {
		if err := tel.Shutdown(context.Background()); err != nil {
			logger.Error("failed to shutdown telemetry", "err", err)
		}
	}()

	if cfg.Telemetry.Enabled {
		if err := runtime.Start(); err != nil {
			logger.Warn("failed to start runtime instrumentation", "err", err)
		}
	}

	// =========================================================================
	// Start Catalog Database
	database, err := sqlite.InitDB(cfg.CatalogDBPath)
	if err != nil {
		return fmt.Errorf("failed to open catalog db: %w", err)
	}
	defer database.Close()

	items := sqlite.NewInstrumentedItemRepository(database, tel)

	// =========================================================================
	// Start Store and Ledger
	store := imagestore.NewStore(cfg.ImageRoot())

	ldg := ledger.New(cfg.LedgerPath(), cfg.LedgerFlushEvery)
	if err := ldg.Load(ctx); err != nil {
		return fmt.Errorf("failed to load download status: %w", err)
	}

	// =========================================================================
	// Start Downloader
	fetcher := fetch.NewFetcher(fetch.Options{
		Timeout:         cfg.FetchTimeout,
		RetryAttempts:   cfg.FetchRetryAttempts,
		RetryBackoff:    cfg.FetchRetryBackoff,
		RetryMaxBackoff: cfg.FetchMaxBackoff,
		MaxBytes:        cfg.MaxImageSize,
	})

	dl := downloader.NewDownloader(items, store, fetcher, ldg, cfg.MaxParallel, tel)
	defer dl.Close()

	// =========================================================================
	// Start Notification
	setupNotificationForDownloader(ctx, dl, cfg)

	// =========================================================================
	// Start API Service

	// Make a channel to listen for errors coming from the listener. Use a
	// buffered channel so the goroutine can exit if we don't collect this error.
	serverErrors := make(chan error, 1)

	server := setupServer(ctx, dl, store, tel, cfg)

	go func() {
		logger.Info("Initializing API support", "host", cfg.Web.BindAddress)
		serverErrors <- server.ListenAndServe()
	}()

	logger.Info("ready",
		"output_dir", cfg.OutputDir,
		"catalog_db", cfg.CatalogDBPath,
		"max_parallel", cfg.MaxParallel,
	)

	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		logger.Info("start shutdown")

		// Give outstanding requests a deadline for completion.
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Web.ShutdownTimeout)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to gracefully shutdown the server", "err", err)

			if err = server.Close(); err != nil {
				return fmt.Errorf("could not stop server gracefully: %w", err)
			}
		}

		return nil
	}
}

func setupNotificationForDownloader(ctx context.Context, dl *downloader.Downloader, cfg *config.Config) {
	logger := logctx.LoggerFromContext(ctx)

	var notif notifier.Notifier
	if cfg.DiscordWebhookURL != "" {
		notif = &notifier.DiscordNotifier{WebhookURL: cfg.DiscordWebhookURL}
	}

	go func() {
		for event := range dl.OnItemFailed {
			logger.Error("image download failed",
				"category", event.Ref.Category,
				"owner_id", event.Ref.OwnerID,
				"err", event.Err,
			)

			if notif == nil {
				continue
			}

			if notifyErr := notif.ItemFailed(ctx, event.Ref.Key(), event.Err); notifyErr != nil {
				logger.Error("failed to send notification", "err", notifyErr)
			}
		}
	}()

	go func() {
		for event := range dl.OnRunFinished {
			logger.Info("download run finished",
				"run_id", event.RunID,
				"succeeded", event.Status.Succeeded,
				"failed", event.Status.Failed,
				"skipped", event.Status.Skipped,
			)

			if notif == nil {
				continue
			}

			if notifyErr := notif.RunFinished(ctx, notifier.RunSummary{
				RunID:     event.RunID,
				Succeeded: event.Status.Succeeded,
				Failed:    event.Status.Failed,
				Skipped:   event.Status.Skipped,
			}); notifyErr != nil {
				logger.Error("failed to send notification", "run_id", event.RunID, "err", notifyErr)
			}
		}
	}()
}

// setupServer prepares the handlers and services to create the http rest server.
func setupServer(ctx context.Context, dl *downloader.Downloader, store *imagestore.Store, tel *telemetry.Telemetry, cfg *config.Config) *http.Server {
	handler := rest.NewImageHandler(dl, store, tel)

	r := chi.NewRouter()
	r.Use(telemetry.RequestID)
	r.Use(telemetry.HTTPLogging)
	r.Use(telemetry.NewHTTPMiddleware(tel).Middleware)

	r.Mount("/", handler.Routes())
	r.Method(http.MethodGet, "/metrics", tel.Handler())

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
