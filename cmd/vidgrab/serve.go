package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/sync/errgroup"

	"github.com/italolelis/vidgrab/internal/artifact"
	"github.com/italolelis/vidgrab/internal/cleanup"
	"github.com/italolelis/vidgrab/internal/config"
	"github.com/italolelis/vidgrab/internal/delivery"
	"github.com/italolelis/vidgrab/internal/entitlement"
	"github.com/italolelis/vidgrab/internal/extract"
	"github.com/italolelis/vidgrab/internal/extract/remote"
	"github.com/italolelis/vidgrab/internal/extract/ytdlp"
	"github.com/italolelis/vidgrab/internal/fetcher"
	"github.com/italolelis/vidgrab/internal/http/rest"
	"github.com/italolelis/vidgrab/internal/logctx"
	"github.com/italolelis/vidgrab/internal/notifier"
	"github.com/italolelis/vidgrab/internal/orchestrator"
	"github.com/italolelis/vidgrab/internal/storage"
	"github.com/italolelis/vidgrab/internal/storage/resilient"
	"github.com/italolelis/vidgrab/internal/storage/sqlite"
	"github.com/italolelis/vidgrab/internal/telemetry"
)

func (a *app) serve(ctx context.Context) error {
	cfg := a.cfg

	// =========================================================================
	// Start Telemetry
	tel, err := telemetry.New(ctx, telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: cfg.Telemetry.ServiceVersion,
		OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := tel.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("failed to shutdown telemetry", "err", err)
		}
	}()

	logger := a.logger
	if export := tel.LogHandler(); export != nil {
		logger = newLogger(cfg, os.Stdout, export)
	}

	ctx = logctx.WithLogger(ctx, logger)

	logger.Info("vidgrab starting...",
		"log_level", cfg.LogLevel,
		"extractor", cfg.Extractor,
		"max_parallel", cfg.MaxParallel,
		"retention", cfg.Retention.String(),
		"telemetry_enabled", cfg.Telemetry.Enabled,
	)

	notif := buildNotifier(cfg)

	// =========================================================================
	// Start Artifact Store
	artifacts, err := artifact.Open(cfg.ArtifactDir)
	if err != nil {
		return fmt.Errorf("failed to open artifact directory: %w", err)
	}
	defer artifacts.Close()

	// =========================================================================
	// Start Database
	database, ledger, err := openLedger(ctx, cfg, artifacts, tel, notif)
	if err != nil {
		logger.Error("DB error", "err", err)

		return err
	}
	defer database.Close()

	// =========================================================================
	// Start Extraction
	extractor, err := buildExtractor(cfg, tel)
	if err != nil {
		return fmt.Errorf("failed to build extractor: %w", err)
	}

	fetch := fetcher.New(extractor)

	// =========================================================================
	// Start Entitlement
	lookup, err := buildSubscriptionLookup(cfg)
	if err != nil {
		return fmt.Errorf("failed to build subscription lookup: %w", err)
	}

	if pf, ok := lookup.(*entitlement.PlanFile); ok {
		go reloadPlansOnHangup(ctx, pf)
	}

	gate := entitlement.NewGate(cfg.FreeTierMax())

	// =========================================================================
	// Start Orchestrator
	sweeper := cleanup.NewSweeper(ledger, artifacts, nil, cleanup.Config{
		Retention:       cfg.Retention,
		RecordRetention: cfg.RecordRetention,
		Interval:        cfg.SweepInterval,
	}, tel)

	orch := orchestrator.New(orchestrator.Config{
		MaxParallel:      cfg.MaxParallel,
		MaxFetchDuration: cfg.MaxFetchDuration,
		FetchRetries:     cfg.FetchRetries,
		ProgressStep:     cfg.ProgressStep,
	}, orchestrator.Deps{
		Ledger:    ledger,
		Artifacts: artifacts,
		Fetcher:   fetch,
		Extractor: extractor,
		Gate:      gate,
		Expirer:   sweeper,
		Telemetry: tel,
	})

	recovered, err := orch.RecoverInterrupted(ctx)
	if err != nil {
		logger.Error("failed to recover interrupted downloads", "err", err)
	}

	if recovered > 0 {
		logger.Warn("marked downloads interrupted by the previous run as failed", "count", recovered)
	}

	// =========================================================================
	// Start Notification
	setupNotificationForOrchestrator(ctx, orch, notif)

	// =========================================================================
	// Start API Service
	handler := rest.NewDownloadHandler(rest.DownloadHandlerConfig{
		Downloads:  orch,
		Files:      delivery.NewService(ledger, artifacts, nil, tel),
		Fetcher:    fetch,
		Gate:       gate,
		Limiter:    rest.NewIPRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst, nil),
		Degraded:   ledger.Degraded,
		RetryAfter: 30 * time.Second,
	})

	server := setupServer(ctx, cfg, rest.NewRouter(handler, tel, lookup))

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("Initializing API support", "host", cfg.Web.BindAddress)

		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}

		return nil
	})

	g.Go(func() error {
		return sweeper.Run(gctx)
	})

	g.Go(func() error {
		<-gctx.Done()

		logger.Info("start shutdown")

		// Give outstanding requests and downloads a deadline for completion.
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Web.ShutdownTimeout)
		defer cancel()

		var errs []error

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to gracefully shutdown the server", "err", err)

			if err := server.Close(); err != nil {
				errs = append(errs, fmt.Errorf("could not stop server gracefully: %w", err))
			}
		}

		if err := orch.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, err)
		}

		orch.Close()

		return errors.Join(errs...)
	})

	return g.Wait()
}

// openLedger opens the sqlite ledger and wraps it so the service keeps answering when the database
// becomes unavailable.
func openLedger(ctx context.Context, cfg *config.Config, artifacts *artifact.Store, tel *telemetry.Telemetry, notif notifier.Notifier) (*sql.DB, *resilient.Ledger, error) {
	database, err := sqlite.InitDB(ctx, cfg.DBPath)
	if err != nil {
		return nil, nil, err
	}

	opts := resilient.Options{
		Telemetry: tel,
		OnChange: func(ctx context.Context, degraded bool, cause error) {
			msg := "✅ Download ledger recovered, leaving degraded mode"
			if degraded {
				msg = fmt.Sprintf("⚠️ Download ledger unavailable, running in degraded mode: %v", cause)
			}

			// Called inline with ledger operations; the webhook must not hold them up.
			go func() {
				if err := notif.Notify(context.WithoutCancel(ctx), msg); err != nil {
					logctx.LoggerFromContext(ctx).Error("failed to send notification", "err", err)
				}
			}()
		},
	}

	if cfg.DegradedFSStatus {
		opts.Artifacts = artifacts
	}

	return database, resilient.New(sqlite.NewInstrumentedDownloadRepository(database, tel), opts), nil
}

// This is an abstract factory for the extractor.
func buildExtractor(cfg *config.Config, tel *telemetry.Telemetry) (extract.Extractor, error) {
	switch cfg.Extractor {
	case "ytdlp":
		return extract.NewInstrumentedExtractor(ytdlp.New(ytdlp.ExecRunner{Path: cfg.YtdlpPath}), tel, "ytdlp"), nil
	case "remote":
		client, err := remote.NewClient(cfg.ExtractorURL, cfg.ExtractorToken)
		if err != nil {
			return nil, err
		}

		return extract.NewInstrumentedExtractor(client, tel, "remote"), nil
	}

	return nil, fmt.Errorf("invalid extractor: %s", cfg.Extractor)
}

func buildSubscriptionLookup(cfg *config.Config) (entitlement.SubscriptionLookup, error) {
	switch {
	case cfg.SubscriptionURL != "":
		lookup, err := entitlement.NewRemoteLookup(cfg.SubscriptionURL, cfg.SubscriptionToken)
		if err != nil {
			return nil, err
		}

		return lookup, nil
	case cfg.PlansFile != "":
		pf, err := entitlement.LoadPlanFile(cfg.PlansFile)
		if err != nil {
			return nil, err
		}

		return pf, nil
	}

	return nil, nil
}

func reloadPlansOnHangup(ctx context.Context, pf *entitlement.PlanFile) {
	logger := logctx.LoggerFromContext(ctx)

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			if err := pf.Reload(); err != nil {
				logger.Error("failed to reload plans file, keeping previous plans", "err", err)

				continue
			}

			logger.Info("plans file reloaded")
		}
	}
}

func buildNotifier(cfg *config.Config) notifier.Notifier {
	if cfg.DiscordWebhookURL == "" {
		return notifier.Nop{}
	}

	return notifier.NewDiscordNotifier(cfg.DiscordWebhookURL)
}

func setupNotificationForOrchestrator(ctx context.Context, orch *orchestrator.Orchestrator, notif notifier.Notifier) {
	logger := logctx.LoggerFromContext(ctx)
	notifyCtx := context.WithoutCancel(ctx)

	go func() {
		for event := range orch.OnDownloadFailed {
			// Only local storage failures need an operator.
			if event.Record.FailureReason != storage.ReasonStorageError {
				continue
			}

			if notifyErr := notif.Notify(notifyCtx,
				"❌ Download failed on local storage: "+event.Record.Title+" ("+event.Record.ID+"): "+event.Err.Error(),
			); notifyErr != nil {
				logger.Error("failed to send notification", "download_id", event.Record.ID, "err", notifyErr)
			}
		}
	}()

	go func() {
		for rec := range orch.OnDownloadFinished {
			logger.Info("download ready for delivery",
				"download_id", rec.ID,
				"title", rec.Title,
				"size", humanize.Bytes(uint64(max(rec.FileSize, 0))),
			)
		}
	}()
}

// setupServer creates the http rest server around handler.
func setupServer(ctx context.Context, cfg *config.Config, handler http.Handler) *http.Server {
	// Requests outlive a shutdown signal until Shutdown's deadline.
	base := context.WithoutCancel(ctx)

	return &http.Server{
		Addr:         cfg.Web.BindAddress,
		ReadTimeout:  cfg.Web.ReadTimeout,
		WriteTimeout: cfg.Web.WriteTimeout,
		IdleTimeout:  cfg.Web.IdleTimeout,
		Handler:      handler,
		BaseContext: func(net.Listener) context.Context {
			return base
		},
	}
}
