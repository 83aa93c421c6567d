package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	_ "go.uber.org/automaxprocs"

	"github.com/dataflux-func/dataflux-func/internal/cronstarter"
	"github.com/dataflux-func/dataflux-func/internal/locks"
	"github.com/dataflux-func/dataflux-func/internal/metastore"
	"github.com/dataflux-func/dataflux-func/internal/observ"
	"github.com/dataflux-func/dataflux-func/internal/queue"
	"github.com/dataflux-func/dataflux-func/internal/runtime"
	"github.com/dataflux-func/dataflux-func/internal/scriptload"
	"github.com/dataflux-func/dataflux-func/internal/task"
	"github.com/dataflux-func/dataflux-func/internal/tasks"
	"github.com/dataflux-func/dataflux-func/internal/worker"
	"github.com/dataflux-func/dataflux-func/pkg/config"
	"github.com/dataflux-func/dataflux-func/pkg/database"
	"github.com/dataflux-func/dataflux-func/pkg/logging"
	"github.com/dataflux-func/dataflux-func/pkg/toolkit"
)

// listeningQueues parses queue indexes from args, defaulting to all
// configured queues.
func listeningQueues(cfg *config.Config, args []string) ([]int, error) {
	if len(args) == 0 {
		queues := make([]int, cfg.WorkerQueueCount)
		for i := range queues {
			queues[i] = i
		}
		return queues, nil
	}

	seen := map[int]struct{}{}
	var queues []int
	for _, arg := range args {
		q, err := strconv.Atoi(arg)
		if err != nil || q < 0 || q >= cfg.WorkerQueueCount {
			return nil, fmt.Errorf("invalid queue index: %s", arg)
		}
		if _, dup := seen[q]; dup {
			continue
		}
		seen[q] = struct{}{}
		queues = append(queues, q)
	}
	sort.Ints(queues)
	return queues, nil
}

func run() error {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	tm := logging.NewTelemetryManager("worker", cfg.LogLevel)

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

	logger := slog.Default().With(slog.String("service", "worker"))

	queues, err := listeningQueues(cfg, os.Args[1:])
	if err != nil {
		return err
	}

	redis, err := database.NewRedis(ctx, cfg.RedisURL, false)
	if err != nil {
		return err
	}
	defer func() { _ = redis.Close() }()

	db, err := database.NewPostgres(ctx, cfg.DBURL)
	if err != nil {
		return err
	}
	defer db.Close()

	store := metastore.NewStore(db, logger)
	fabric := queue.NewFabric(redis, cfg.WorkerQueueCount)
	lockSvc := locks.NewService(redis)
	loader := scriptload.NewLoader(store, redis,
		time.Duration(cfg.ScriptLocalCacheExpires)*time.Second, logger)

	engine := runtime.NewEngine(cfg, redis, store, loader, fabric, lockSvc, logger)
	runtime.RegisterTaskClasses(engine)
	cronstarter.Register(store, fabric, lockSvc)
	tasks.Register(tasks.NewDeps(cfg, redis, store, fabric))

	workerID := "WORKER-" + toolkit.GenTimeSerialSeq()
	logger.Info("Worker is running",
		slog.String("worker_id", workerID),
		slog.Int("pid", os.Getpid()),
		slog.Any("queues", queues))

	deps := &task.Deps{Cfg: cfg, Redis: redis, DB: db, Logger: logger}
	reporter := observ.NewReporter(cfg, redis, "worker", workerID, queues, logger)

	supervisor := worker.NewSupervisor(worker.SupervisorOptions{
		NewLoop: func() *worker.Loop {
			return worker.NewLoop(deps, fabric, queues, cfg.WorkerMaxTasks, logger)
		},
		PoolSize: cfg.WorkerConcurrency,
		Reporter: reporter,
		Logger:   logger,

		RedisCheck: redis.HealthCheck,
		DBCheck:    store.HealthCheck,
		ReadRestartRaw: func(ctx context.Context) (string, error) {
			return redis.Get(ctx, worker.RestartFlagKey())
		},

		RedisCheckInterval: time.Duration(cfg.SysRedisCheckInterval) * time.Second,
		RedisCheckTimeout:  time.Duration(cfg.SysRedisCheckTimeout) * time.Second,
		DBCheckTimeout:     time.Duration(cfg.SysDBCheckTimeout) * time.Second,
		RestartInterval:    time.Duration(cfg.RestartFlagCheckInterval) * time.Second,
		HeartbeatInterval:  time.Duration(cfg.HeartbeatInterval) * time.Second,
	})

	err = supervisor.Run(ctx)

	var shutdown *worker.ErrShutdown
	switch {
	case errors.As(err, &shutdown):
		switch shutdown.Reason {
		case worker.ShutdownRestartFlag:
			logger.Warn("Restart flag is set, worker will restart soon")
		default:
			logger.Error("Infrastructure check failed, worker will restart soon",
				slog.String("reason", shutdown.Reason))
			time.Sleep(3 * time.Second)
		}
		// Non-zero exit asks the process manager to restart us.
		return err
	case errors.Is(err, context.Canceled):
		logger.Warn("Signal received, worker exit")
		return nil
	default:
		return err
	}
}

func main() {
	fmt.Println("Worker is running (Press CTRL+C to quit)")
	fmt.Printf("PID: %d\n", os.Getpid())

	if err := run(); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
