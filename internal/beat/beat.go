// Package beat is the singleton clock of the cluster: it fires the
// scheduled system tasks and promotes delayed tasks into the ready
// queues, guarded by a master lock so only one Beat acts per tick.
package beat

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/dataflux-func/dataflux-func/internal/locks"
	"github.com/dataflux-func/dataflux-func/internal/queue"
	"github.com/dataflux-func/dataflux-func/internal/task"
	"github.com/dataflux-func/dataflux-func/internal/timex"
	"github.com/dataflux-func/dataflux-func/pkg/config"
	"github.com/dataflux-func/dataflux-func/pkg/toolkit"
)

// SystemTaskMeta describes one scheduled system task.
type SystemTaskMeta struct {
	Name     string
	CronExpr string
	Delay    int
	Queue    int
	Kwargs   map[string]any
}

// SystemTaskMetas builds the system task table from config. All system
// tasks run on the default system queue.
func SystemTaskMetas(cfg *config.Config) []SystemTaskMeta {
	q := cfg.TaskQueueDefault
	return []SystemTaskMeta{
		{Name: "CronJob.Starter", CronExpr: cfg.CronExprCronJobStarter, Queue: q},
		{Name: "Internal.SystemMetric", CronExpr: cfg.CronExprSystemMetric, Delay: 5, Queue: q},
		{Name: "Internal.FlushDataBuffer", CronExpr: cfg.CronExprFlushDataBuffer, Queue: q},
		{Name: "Internal.AutoClean", CronExpr: cfg.CronExprAutoClean, Queue: q},
		{Name: "Internal.AutoBackupDB", CronExpr: cfg.CronExprAutoBackupDB, Queue: q},
		{Name: "Internal.ReloadDataMD5Cache", CronExpr: cfg.CronExprReloadDataMD5Cache, Queue: q,
			Kwargs: map[string]any{"lockTime": 15, "all": true}},
		{Name: "Internal.UpdateWorkerQueueLimit", CronExpr: cfg.CronExprUpdateWorkerQueueLimit, Queue: q},
	}
}

// Beat drives the tick loop.
type Beat struct {
	cfg    *config.Config
	source *timex.Source
	fabric *queue.Fabric
	locks  *locks.Service
	logger *slog.Logger

	masterLockValue string
	prevTickTime    int64
	metas           []SystemTaskMeta
}

func New(cfg *config.Config, source *timex.Source, fabric *queue.Fabric, lockSvc *locks.Service, logger *slog.Logger) *Beat {
	return &Beat{
		cfg:             cfg,
		source:          source,
		fabric:          fabric,
		locks:           lockSvc,
		logger:          logger.With(slog.String("service", "beat")),
		masterLockValue: toolkit.GenRandString(16),
		metas:           SystemTaskMetas(cfg),
	}
}

// isMaster acquires or renews the master lock. A Beat that neither
// acquires nor renews is a deposed leader and skips the tick.
func (b *Beat) isMaster(ctx context.Context) bool {
	ttl := time.Duration(b.cfg.BeatLockExpire) * time.Second
	key := locks.BeatMasterKey()

	acquired, err := b.locks.Acquire(ctx, key, b.masterLockValue, ttl)
	if err != nil {
		b.logger.Warn("Master lock acquire failed", slog.String("error", err.Error()))
		return false
	}
	if acquired {
		return true
	}

	renewed, err := b.locks.Renew(ctx, key, b.masterLockValue, ttl)
	if err != nil {
		b.logger.Warn("Master lock renew failed", slog.String("error", err.Error()))
		return false
	}
	return renewed
}

// createSystemTasks builds requests for every meta matching tick t.
func (b *Beat) createSystemTasks(t int64) []*task.Request {
	loc := b.cfg.Location()

	var reqs []*task.Request
	for _, meta := range b.metas {
		if !timex.IsValidCronExpr(meta.CronExpr) {
			continue
		}
		if !timex.MatchCronExpr(meta.CronExpr, t, loc) {
			continue
		}

		reqs = append(reqs, &task.Request{
			Name:         meta.Name,
			ID:           toolkit.GenTaskID(),
			Kwargs:       meta.Kwargs,
			TriggerTime:  float64(t),
			Queue:        meta.Queue,
			Delay:        meta.Delay,
			Timeout:      b.cfg.TaskTimeoutDefault,
			Expires:      b.cfg.TaskExpiresDefault,
			IgnoreResult: b.cfg.TaskIgnoreResult,
		})
	}
	return reqs
}

// Tick performs one wake: align to the next whole second, then for
// every elapsed tick instant fire matching system tasks and promote
// delayed tasks. The whole wake runs under the hard tick timeout.
func (b *Beat) Tick(ctx context.Context) error {
	tickCtx, cancel := context.WithTimeout(ctx, time.Duration(b.cfg.BeatTickTimeout)*time.Second)
	defer cancel()

	next, now, err := b.source.NextWholeSecond(tickCtx)
	if err != nil {
		return err
	}

	// Wait until the whole second.
	if wait := float64(next) - now; wait > 0 {
		select {
		case <-time.After(time.Duration(wait * float64(time.Second))):
		case <-tickCtx.Done():
			return tickCtx.Err()
		}
	}

	prev := b.prevTickTime
	if prev == 0 {
		prev = next - 1
	}

	for tickTime := prev + 1; tickTime <= next; tickTime++ {
		b.prevTickTime = tickTime

		// Only one Beat fires each tick across the cluster.
		if !b.isMaster(tickCtx) {
			continue
		}

		for _, req := range b.createSystemTasks(tickTime) {
			if req.Delay > 0 {
				eta := int64(req.TriggerTime) + int64(req.Delay)
				if err := b.fabric.AddDelayed(tickCtx, req, eta); err != nil {
					return fmt.Errorf("enqueue delayed system task: %w", err)
				}
			} else {
				if err := b.fabric.Push(tickCtx, req); err != nil {
					return fmt.Errorf("enqueue system task: %w", err)
				}
			}
		}

		// Promote until a pass moves nothing.
		for q := 0; q < b.cfg.WorkerQueueCount; q++ {
			for {
				moved, err := b.fabric.Promote(tickCtx, q, tickTime)
				if err != nil {
					return fmt.Errorf("promote queue %d: %w", q, err)
				}
				if moved == 0 {
					break
				}
				b.logger.Info("Released delayed tasks",
					slog.Int("queue", q),
					slog.Int("count", moved))
			}
		}
	}

	return nil
}

// Run ticks until the context is cancelled or the tick budget is
// spent. The process recycles after maxTicks to bound long-run memory
// growth; the supervisor restarts it.
func (b *Beat) Run(ctx context.Context) error {
	maxTicks := b.cfg.BeatMaxTicks

	for ranTicks := 0; maxTicks <= 0 || ranTicks < maxTicks; ranTicks++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if err := b.Tick(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
	}

	b.logger.Warn("Tick budget spent, recycling", slog.Int("max_ticks", maxTicks))
	return nil
}
