package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	_ "go.uber.org/automaxprocs"

	"github.com/dataflux-func/dataflux-func/internal/beat"
	"github.com/dataflux-func/dataflux-func/internal/locks"
	"github.com/dataflux-func/dataflux-func/internal/observ"
	"github.com/dataflux-func/dataflux-func/internal/queue"
	"github.com/dataflux-func/dataflux-func/internal/timex"
	"github.com/dataflux-func/dataflux-func/pkg/config"
	"github.com/dataflux-func/dataflux-func/pkg/database"
	"github.com/dataflux-func/dataflux-func/pkg/logging"
)

func run() error {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	tm := logging.NewTelemetryManager("beat", cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	if err := tm.Initialize(ctx); err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tm.Shutdown(shutdownCtx)
	}()

	logger := slog.Default().With(slog.String("service", "beat"))

	redis, err := database.NewRedis(ctx, cfg.RedisURL, false)
	if err != nil {
		return err
	}
	defer func() { _ = redis.Close() }()

	source := timex.NewSource(redis)
	fabric := queue.NewFabric(redis, cfg.WorkerQueueCount)
	lockSvc := locks.NewService(redis)

	logger.Info("Beat is running", slog.Int("pid", os.Getpid()))

	// Heartbeat runs beside the tick loop.
	reporter := observ.NewReporter(cfg, redis, "beat", "", nil, logger)
	go func() {
		ticker := time.NewTicker(time.Duration(cfg.HeartbeatInterval) * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := reporter.Report(ctx); err != nil {
					logger.Warn("Heartbeat failed", slog.String("error", err.Error()))
				}
			}
		}
	}()

	b := beat.New(cfg, source, fabric, lockSvc, logger)
	return b.Run(ctx)
}

func main() {
	fmt.Println("Beat is running (Press CTRL+C to quit)")
	fmt.Printf("PID: %d\n", os.Getpid())

	if err := run(); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
