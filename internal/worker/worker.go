// Package worker claims tasks from the ready queues and runs them
// under their wall-clock timeouts. The supervisor keeps a fixed pool
// of claim loops alive, watches infrastructure health and reports
// heartbeat.
package worker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/dataflux-func/dataflux-func/internal/queue"
	"github.com/dataflux-func/dataflux-func/internal/task"
)

// Loop is one claim-and-run loop. After maxTasks executions it exits
// cleanly and the supervisor replaces it.
type Loop struct {
	deps            *task.Deps
	fabric          *queue.Fabric
	listeningQueues []int
	maxTasks        int
	logger          *slog.Logger
}

func NewLoop(deps *task.Deps, fabric *queue.Fabric, listeningQueues []int, maxTasks int, logger *slog.Logger) *Loop {
	return &Loop{
		deps:            deps,
		fabric:          fabric,
		listeningQueues: listeningQueues,
		maxTasks:        maxTasks,
		logger:          logger,
	}
}

// RunOnce claims at most one task and runs it. Returns whether a task
// ran.
func (l *Loop) RunOnce(ctx context.Context) (bool, error) {
	fetchTimeout := time.Duration(l.deps.Cfg.WorkerFetchTimeout) * time.Second

	queueIdx, req, err := l.fabric.BPop(ctx, l.listeningQueues, fetchTimeout)
	if err != nil {
		if errors.Is(err, queue.ErrMalformedRequest) {
			l.logger.Warn("Dropped malformed task request", slog.Int("queue", queueIdx))
			return false, nil
		}
		return false, err
	}
	if req == nil {
		return false, nil
	}

	factory, ok := task.Lookup(req.Name)
	if !ok {
		l.logger.Warn("Unknown task class",
			slog.String("task_name", req.Name),
			slog.String("task_id", req.ID))
		return false, nil
	}

	t := task.New(l.deps, req)
	runner := factory(t)

	// Start enforces the request's timeout and runs the finally block
	// regardless of outcome.
	t.Start(ctx, runner)
	return true, nil
}

// Run claims tasks until the context ends or maxTasks have run.
func (l *Loop) Run(ctx context.Context) error {
	ranTasks := 0
	for l.maxTasks <= 0 || ranTasks < l.maxTasks {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		ran, err := l.RunOnce(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			l.logger.Warn("Task loop iteration failed", slog.String("error", err.Error()))
			// Back off briefly so a broken store does not spin the
			// loop; the supervisor health check decides on restarts.
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}
		if ran {
			ranTasks++
		}
	}

	l.logger.Info("Task budget spent, loop recycling", slog.Int("ran_tasks", ranTasks))
	return nil
}
