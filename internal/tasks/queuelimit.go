package tasks

import (
	"context"
	"fmt"
	"time"

	"github.com/dataflux-func/dataflux-func/internal/metastore"
	"github.com/dataflux-func/dataflux-func/internal/task"
)

// UpdateWorkerQueueLimit recomputes the per-queue Cron Job admission
// ceilings from the count of enabled cron jobs per queue and publishes
// them for the starter.
type UpdateWorkerQueueLimit struct {
	t    *task.Task
	deps *Deps
}

func (u *UpdateWorkerQueueLimit) Run(ctx context.Context) (any, error) {
	if err := u.t.Lock(ctx, 30*time.Second); err != nil {
		return nil, err
	}

	cfg := u.deps.Cfg

	// funcId -> queue.
	extraByFunc, err := u.deps.Store.ListFuncQueueMap(ctx)
	if err != nil {
		return nil, err
	}

	funcQueue := map[string]string{}
	for funcID, extraJSON := range extraByFunc {
		queueIdx := cfg.FuncTaskQueueCronJob
		if extraJSON != "" {
			cfgBlock := &metastore.FuncExtraConfig{}
			if err := jsonUnmarshal(extraJSON, cfgBlock); err == nil && cfgBlock.Queue != nil {
				queueIdx = *cfgBlock.Queue
			}
		}
		funcQueue[funcID] = fmt.Sprintf("%d", queueIdx)
	}

	// queue -> enabled cron job count.
	countByFunc, err := u.deps.Store.CountCronJobsByFunc(ctx)
	if err != nil {
		return nil, err
	}

	queueCount := map[string]int64{}
	for funcID, count := range countByFunc {
		queueIdx, ok := funcQueue[funcID]
		if !ok {
			continue
		}
		queueCount[queueIdx] += count
	}

	// queue -> ceiling; nil means no limit.
	limits := map[string]*int64{}
	for q := 0; q < cfg.WorkerQueueCount; q++ {
		key := fmt.Sprintf("%d", q)

		count, ok := queueCount[key]
		if !ok || count == 0 {
			limits[key] = nil
			continue
		}

		limit := count * int64(cfg.WorkerQueueLimitScaleCronJob)
		if limit < int64(cfg.WorkerQueueLimitMin) {
			limit = int64(cfg.WorkerQueueLimitMin)
		}
		limits[key] = &limit
	}

	if err := u.deps.Fabric.PublishQueueLimits(ctx, limits); err != nil {
		return nil, err
	}
	return map[string]any{"queues": len(limits)}, nil
}
