package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"coachchat/internal/config"
	"coachchat/internal/constants"
	"coachchat/internal/database"
	"coachchat/internal/retry"
	"coachchat/internal/service"
	"coachchat/internal/tracing"
	"coachchat/pkg/notify"
	"coachchat/pkg/presence"

	"github.com/sirupsen/logrus"
)

var (
	// Version information (set at build time)
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"

	// CLI flags
	verbose    = flag.Bool("verbose", false, "Enable verbose logging (includes sensitive information)")
	configPath = flag.String("config", "config.json", "Path to configuration file")
	version    = flag.Bool("version", false, "Show version information")
)

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("CoachChat %s\nBuild Time: %s\nGit Commit: %s\n", Version, BuildTime, GitCommit)
		os.Exit(0)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil && err != context.Canceled {
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
	}).Info("Starting CoachChat")

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if *verbose {
		logger.SetLevel(logrus.DebugLevel)
		logger.Info("Verbose logging enabled - sensitive information will be logged")
	} else if cfg.LogLevel != "" {
		level, err := logrus.ParseLevel(cfg.LogLevel)
		if err != nil {
			logger.Warnf("Invalid log level %q, defaulting to info", cfg.LogLevel)
			logger.SetLevel(logrus.InfoLevel)
		} else {
			if level > logrus.InfoLevel {
				level = logrus.InfoLevel
			}
			logger.SetLevel(level)
		}
	} else {
		logger.SetLevel(logrus.InfoLevel)
	}

	tracingManager := tracing.NewTracingManager(tracing.TracingConfig{
		ServiceName:    "coachchat",
		ServiceVersion: Version,
		Environment:    cfg.Tracing.Environment,
		OTLPEndpoint:   cfg.Tracing.OTLPEndpoint,
		SampleRate:     cfg.Tracing.SampleRate,
		Enabled:        cfg.Tracing.Enabled,
		UseStdout:      cfg.Tracing.UseStdout,
	}, logger)

	if err := tracingManager.Initialize(ctx); err != nil {
		logger.Warnf("Failed to initialize tracing: %v", err)
	}
	defer func() {
		if err := tracingManager.Shutdown(context.Background()); err != nil {
			logger.Warnf("Failed to shutdown tracing: %v", err)
		}
	}()

	db, err := database.New(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("failed to open message store: %w", err)
	}
	defer func() {
		if err := db.Close(); err != nil {
			logger.Warnf("Failed to close message store: %v", err)
		}
	}()

	channel, err := presence.NewChannel(presence.Options{
		Addr:        cfg.Redis.Addr,
		Password:    cfg.Redis.Password,
		DB:          cfg.Redis.DB,
		LocalUserID: cfg.UserID,
		TTL:         time.Duration(cfg.Redis.PresenceTTLSec) * time.Second,
		Logger:      logger,
	})
	if err != nil {
		return fmt.Errorf("failed to create presence channel: %w", err)
	}
	if err := channel.Start(ctx); err != nil {
		// presence degrades, messaging keeps working
		logger.WithError(err).Warn("Presence channel unavailable, indicators disabled")
	}
	defer func() {
		if err := channel.Close(); err != nil {
			logger.Warnf("Failed to close presence channel: %v", err)
		}
	}()

	var sink service.NotificationSink
	if len(cfg.Kafka.Brokers) > 0 {
		kafkaSink, err := notify.NewSink(cfg.Kafka.Brokers, cfg.Kafka.Topic, logger)
		if err != nil {
			return fmt.Errorf("failed to create notification sink: %w", err)
		}
		defer func() {
			if err := kafkaSink.Close(); err != nil {
				logger.Warnf("Failed to close notification sink: %v", err)
			}
		}()
		sink = kafkaSink
	} else {
		logger.Info("No kafka brokers configured, notification fanout disabled")
	}

	runtime := service.NewRuntime(service.RuntimeConfig{
		LocalUserID:     cfg.UserID,
		PageSize:        cfg.Database.PageSize,
		TypingDebounce:  time.Duration(cfg.Typing.DebounceMs) * time.Millisecond,
		TypingStaleness: time.Duration(cfg.Typing.StalenessMs) * time.Millisecond,
		SendBackoff: retry.BackoffConfig{
			InitialDelay: time.Duration(cfg.Retry.InitialBackoffMs) * time.Millisecond,
			MaxDelay:     time.Duration(cfg.Retry.MaxBackoffMs) * time.Millisecond,
			Multiplier:   2.0,
			MaxAttempts:  cfg.Retry.MaxAttempts,
			Jitter:       true,
		},
	}, db, channel, sink, logger)

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()
	runtimeDone := make(chan struct{})
	go func() {
		defer close(runtimeDone)
		_ = runtime.Run(runCtx)
	}()

	if err := runtime.Bootstrap(ctx); err != nil {
		return fmt.Errorf("failed to bootstrap runtime: %w", err)
	}

	monitor := service.NewDeliveryMonitor(runtime,
		constants.DefaultDeliveryCheckIntervalSec*time.Second,
		constants.DefaultDeliveryStaleThresholdSec*time.Second,
		logger)
	go monitor.Start(ctx)
	defer monitor.Stop()

	scheduler := service.NewScheduler(db, cfg.RetentionDays, constants.DefaultCleanupIntervalHours, logger)
	go scheduler.Start(ctx)
	defer scheduler.Stop()

	server := NewServer(runtime, cfg.Server, logger)

	serverErr := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	select {
	case err := <-serverErr:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
	}

	logger.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), constants.DefaultGracefulShutdownSec*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warnf("Server shutdown error: %v", err)
	}

	cancelRun()
	<-runtimeDone
	return ctx.Err()
}
