package main

import (
	"context"
	stderrors "errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"bizmsg/internal/config"
	"bizmsg/internal/connectivity"
	"bizmsg/internal/constants"
	"bizmsg/internal/delivery"
	"bizmsg/internal/models"
	"bizmsg/internal/privacy"
	"bizmsg/internal/queue"
	"bizmsg/internal/retry"
	"bizmsg/internal/tracing"
	"bizmsg/internal/trigger"
	"bizmsg/pkg/messaging"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

var (
	// Version information (set at build time)
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"

	// CLI flags
	verbose    = flag.Bool("verbose", false, "Enable verbose logging (includes sensitive information)")
	configPath = flag.String("config", "config.json", "Path to configuration file (.json, .toml or .yaml)")
	version    = flag.Bool("version", false, "Show version information")
)

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("bizmsg %s\nBuild Time: %s\nGit Commit: %s\n", Version, BuildTime, GitCommit)
		os.Exit(0)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		logrus.Fatalf("Application error: %v", err)
	}
}

func run(ctx context.Context) error {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})

	logger.WithFields(logrus.Fields{
		"version": Version,
		"build":   BuildTime,
		"commit":  GitCommit,
	}).Info("Starting bizmsg")

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	applyLogLevel(logger, cfg.LogLevel)

	tracingManager := tracing.NewTracingManager(cfg.Tracing, logger)
	if err := tracingManager.Initialize(ctx); err != nil {
		logger.Warnf("Failed to initialize tracing: %v", err)
	}
	defer func() {
		if err := tracingManager.Shutdown(context.Background()); err != nil {
			logger.Warnf("Failed to shutdown tracing: %v", err)
		}
	}()

	kv, closeStore, err := openStore(ctx, cfg.Storage, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := closeStore(); err != nil {
			logger.WithError(err).Warn("Failed to close storage")
		}
	}()

	api := messaging.NewClientWithLogger(cfg.API.BaseURL, cfg.API.Token, &http.Client{
		Timeout: time.Duration(cfg.API.TimeoutSec) * time.Second,
	}, logger)
	deliveryOpts := delivery.Options{
		Timeout: time.Duration(cfg.API.TimeoutSec) * time.Second,
		Breaker: cfg.CircuitBreaker,
		Logger:  logger,
	}

	var (
		deliverer queue.Deliverer
		breaker   breakerReporter
		flusher   trigger.Flusher
	)
	if cfg.API.Mode == models.DeliveryModeRelay {
		relay := delivery.NewRelay(api, deliveryOpts)
		deliverer, breaker, flusher = relay, relay, relay
	} else {
		direct := delivery.NewClient(api, deliveryOpts)
		deliverer, breaker = direct, direct
	}
	logger.WithField("mode", cfg.API.Mode).Info("Delivery client initialized")

	manager, err := queue.NewManager(queue.Options{
		Store:       queue.NewSnapshotStore(kv, constants.QueueSnapshotKey),
		DeadLetter:  queue.NewSnapshotStore(kv, constants.DeadLetterSnapshotKey),
		Deliverer:   deliverer,
		MaxAttempts: cfg.Queue.MaxAttempts,
		Backoff:     retry.NewBackoff(retry.FromQueueConfig(cfg.Queue.RetryBackoff)),
		Logger:      logger,
	})
	if err != nil {
		return fmt.Errorf("failed to create offline queue: %w", err)
	}
	if err := manager.Initialize(ctx); err != nil {
		// The manager keeps working from memory and retries the load on the next write.
		logger.WithError(err).Warn("Offline queue started without its stored snapshot")
	}
	manager.OnDelivered(func(d models.Delivery) {
		logger.WithFields(logrus.Fields{
			"client_id":         privacy.MaskClientID(d.ClientID),
			"server_message_id": privacy.MaskMessageID(d.ServerMessageID),
		}).Info("Queued message confirmed by server")
	})

	online := connectivity.NewSignal(cfg.Connectivity.InitiallyOnline, logger)

	scheduler := trigger.NewScheduler(trigger.Options{
		Queue:        manager,
		Connectivity: online,
		Relay:        flusher,
		Interval:     time.Duration(cfg.Queue.SyncIntervalSec) * time.Second,
		Foreground:   *cfg.Queue.Foreground,
		Logger:       logger,
	})

	watcher := config.NewConfigWatcher(*configPath, cfg, 0, logger)
	watcher.OnConfigChange(func(next *models.Config) {
		scheduler.SetInterval(time.Duration(next.Queue.SyncIntervalSec) * time.Second)
		scheduler.SetForeground(*next.Queue.Foreground)
		if !*verbose {
			applyLogLevel(logger, next.LogLevel)
		}
	})

	server := NewServer(cfg, manager, scheduler, online, breaker, logger)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		scheduler.Start(gctx)
		return nil
	})

	if cfg.Connectivity.ProbeURL != "" {
		probe := connectivity.NewProbe(online, connectivity.ProbeOptions{
			URL:      cfg.Connectivity.ProbeURL,
			Interval: time.Duration(cfg.Connectivity.ProbeIntervalSec) * time.Second,
			Token:    cfg.API.Token,
			Logger:   logger,
		})
		g.Go(func() error { return probe.Run(gctx) })
	} else {
		logger.Info("No connectivity probe configured; use the control API to set online state")
	}

	g.Go(func() error {
		if err := watcher.Start(gctx); err != nil {
			logger.WithError(err).Warn("Configuration watcher stopped")
		}
		return nil
	})

	g.Go(func() error {
		if err := server.Start(); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Received shutdown signal")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(constants.DefaultGracefulShutdownSec)*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("failed to shutdown server gracefully: %w", err)
		}
		return nil
	})

	runErr := g.Wait()

	disposeCtx, cancel := context.WithTimeout(context.Background(), time.Duration(constants.DefaultGracefulShutdownSec)*time.Second)
	defer cancel()
	if err := manager.Dispose(disposeCtx); err != nil {
		logger.WithError(err).Error("Failed to persist offline queue on shutdown")
	}

	if runErr != nil {
		logger.Error(runErr)
		return runErr
	}
	logger.Info("Shutdown completed")
	return nil
}

func applyLogLevel(logger *logrus.Logger, configured string) {
	if *verbose {
		logger.SetLevel(logrus.DebugLevel)
		logger.Info("Verbose logging enabled - sensitive information will be logged")
		return
	}

	level, err := logrus.ParseLevel(configured)
	if err != nil {
		logger.Warnf("Invalid log level %q, defaulting to info", configured)
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)
}
