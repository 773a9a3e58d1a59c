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

	"github.com/applivery/updater/internal/applivery"
	"github.com/applivery/updater/internal/cleanup"
	"github.com/applivery/updater/internal/config"
	"github.com/applivery/updater/internal/downloader"
	"github.com/applivery/updater/internal/feedback"
	"github.com/applivery/updater/internal/http/rest"
	"github.com/applivery/updater/internal/installer"
	"github.com/applivery/updater/internal/logctx"
	"github.com/applivery/updater/internal/notifier"
	"github.com/applivery/updater/internal/storage/sqlite"
	"github.com/applivery/updater/internal/telemetry"
	"github.com/applivery/updater/internal/update"
	"github.com/go-chi/chi/v5"
	"github.com/spf13/afero"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"
)

var version = "dev"

type flags struct {
	once    bool
	buildID string
	envFile string
}

func main() {
	var f flags

	pflag.BoolVar(&f.once, "once", false, "download and install a single build, then exit")
	pflag.StringVar(&f.buildID, "build-id", "", "build to download (default: the latest published build)")
	pflag.StringVar(&f.envFile, "env-file", ".env", "dotenv file loaded before the environment")
	pflag.Parse()

	cfg, err := config.LoadConfig(f.envFile)
	if err != nil {
		slog.Error("config error", "err", err)
		os.Exit(1)
	}

	logger, logCloser := logctx.NewLogger(cfg.SlogLevel(), cfg.LogFileOptions())
	defer logCloser.Close()

	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("applivery updater starting...", "version", version, "log_level", cfg.LogLevel, "once", f.once)

	if err := run(logctx.WithLogger(ctx, logger), cfg, f); err != nil {
		logger.Error("fatal error", "err", err)
		logCloser.Close()
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, f flags) error {
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
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Web.ShutdownTimeout)
		defer cancel()

		if err := tel.Shutdown(ctx); err != nil {
			logger.Error("failed to shutdown telemetry", "err", err)
		}
	}()

	// =========================================================================
	// Start Database
	database, err := sqlite.InitDB(cfg.DBPath)
	if err != nil {
		logger.Error("DB error", "err", err)

		return err
	}
	defer database.Close()

	repo := sqlite.NewInstrumentedDownloadRepository(database, tel)

	// =========================================================================
	// Start API Client
	composer := feedback.Composer{
		Details: cfg.HostDetails(),
		Package: feedback.PackageInfo{
			Name:        cfg.PackageName,
			Version:     cfg.PackageVersion,
			VersionName: cfg.AppVersion,
		},
	}

	client, err := applivery.NewClient(applivery.Options{
		BaseURL:  cfg.APIBaseURL,
		AppToken: cfg.AppToken,
		Timeout:  cfg.APITimeout,
		Headers:  applivery.NewDeviceHeaders(cfg.SDKVersion, cfg.Language, feedback.Collect(composer.Details), composer.Package),
	})
	if err != nil {
		return fmt.Errorf("failed to build api client: %w", err)
	}

	api := applivery.NewInstrumentedClient(client, tel)

	// =========================================================================
	// Start Pipeline
	fs := afero.NewOsFs()

	pipeline := update.NewPipeline(
		api,
		downloader.NewDownloader(api, fs, cfg.ChunkSize),
		notifier.NewProgressNotifier(buildSurface(cfg, logger)),
		installer.NewCommandInstaller(cfg.InstallCommand),
		update.Options{
			DownloadDir:             cfg.DownloadDir,
			KeepTransferOnInterrupt: cfg.KeepTransferOnInterrupt,
			FS:                      fs,
			Repository:              repo,
			Telemetry:               tel,
		},
	)

	resolve := func(ctx context.Context, buildID string) (update.Request, error) {
		if buildID == "" {
			buildID = cfg.BuildID
		}

		return update.ResolveRequest(ctx, api, cfg.AppName, buildID)
	}

	if f.once {
		return runOnce(ctx, pipeline, resolve, f.buildID)
	}

	// =========================================================================
	// Start API Service
	server := setupServer(ctx, cfg, tel, pipeline, resolve, repo, api, composer)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("Initializing API support", "host", cfg.Web.BindAddress)

		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}

		return nil
	})

	// =========================================================================
	// Start Cleanup
	g.Go(func() error {
		return cleanup.Run(gctx, fs, repo, cfg.KeepDownloadedFor, cfg.CleanupInterval)
	})

	logger.Info("waiting for update requests...",
		"download_dir", cfg.DownloadDir,
		"retention", cfg.KeepDownloadedFor.String(),
	)

	// =========================================================================
	// Shutdown
	g.Go(func() error {
		<-gctx.Done()

		logger.Info("start shutdown")

		// Give outstanding requests a deadline for completion.
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), cfg.Web.ShutdownTimeout)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to gracefully shutdown the server", "err", err)

			if err = server.Close(); err != nil {
				return fmt.Errorf("could not stop server gracefully: %w", err)
			}
		}

		pipeline.Interrupt(shutdownCtx)
		pipeline.Wait()

		return nil
	})

	return g.Wait()
}

func runOnce(ctx context.Context, pipeline *update.Pipeline, resolve rest.RequestResolver, buildID string) error {
	logger := logctx.LoggerFromContext(ctx)

	req, err := resolve(ctx, buildID)
	if err != nil {
		return fmt.Errorf("failed to resolve build: %w", err)
	}

	state, err := pipeline.Run(ctx, req)

	logger.Info("update finished", "build_id", req.BuildID, "state", state.String())

	if err != nil {
		return fmt.Errorf("update %s: %w", state, err)
	}

	return nil
}

func buildSurface(cfg *config.Config, logger *slog.Logger) notifier.Surface {
	if cfg.DiscordWebhookURL != "" {
		return &notifier.DiscordSurface{WebhookURL: cfg.DiscordWebhookURL, Client: &http.Client{Timeout: cfg.APITimeout}}
	}

	return &notifier.LogSurface{Logger: logger}
}

// setupServer prepares the handlers and services to create the http rest server.
func setupServer(
	ctx context.Context,
	cfg *config.Config,
	tel *telemetry.Telemetry,
	updater rest.Updater,
	resolve rest.RequestResolver,
	history rest.HistorySource,
	sender rest.FeedbackSender,
	composer feedback.Composer,
) *http.Server {
	r := chi.NewRouter()
	r.Use(telemetry.RequestID)
	r.Use(telemetry.NewHTTPMiddleware(tel).Middleware)
	r.Use(telemetry.HTTPLogging)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", tel.Handler())

	r.Mount("/updates", rest.NewUpdateHandler(updater, resolve, history).Routes())
	r.Post("/feedback", rest.NewFeedbackHandler(sender, composer).HandleFeedback)

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
