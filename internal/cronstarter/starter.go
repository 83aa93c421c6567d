// Package cronstarter scans Cron Jobs each matching second and
// enqueues the corresponding function runs: pause/dynamic-expression
// joins, seq-based load distribution, admission control and the
// per-cron-job overlap lock.
package cronstarter

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/dataflux-func/dataflux-func/internal/locks"
	"github.com/dataflux-func/dataflux-func/internal/metastore"
	"github.com/dataflux-func/dataflux-func/internal/queue"
	"github.com/dataflux-func/dataflux-func/internal/runtime"
	"github.com/dataflux-func/dataflux-func/internal/task"
	"github.com/dataflux-func/dataflux-func/internal/timex"
	"github.com/dataflux-func/dataflux-func/pkg/toolkit"
)

// PauseAllFlagKey pauses every Cron Job when set.
func PauseAllFlagKey() string {
	return toolkit.GlobalCacheKey("tempFlag", "pauseCronJobs")
}

// Starter is the CronJob.Starter task class.
type Starter struct {
	t      *task.Task
	store  *metastore.Store
	fabric *queue.Fabric
	locks  *locks.Service
	logger *slog.Logger

	// Per-run availability cache so one run checks each queue at most
	// once.
	availability map[int]bool
}

// Register binds the starter task classes.
func Register(store *metastore.Store, fabric *queue.Fabric, lockSvc *locks.Service) {
	task.Register("CronJob.Starter", func(t *task.Task) task.Runner {
		return &Starter{
			t:            t,
			store:        store,
			fabric:       fabric,
			locks:        lockSvc,
			logger:       t.Deps.Logger.With(slog.String("task", "CronJob.Starter")),
			availability: map[int]bool{},
		}
	})
	task.Register("CronJob.ManualStarter", func(t *task.Task) task.Runner {
		return &ManualStarter{Starter: &Starter{
			t:            t,
			store:        store,
			fabric:       fabric,
			locks:        lockSvc,
			logger:       t.Deps.Logger.With(slog.String("task", "CronJob.ManualStarter")),
			availability: map[int]bool{},
		}}
	})
}

func (s *Starter) isPaused(ctx context.Context) bool {
	flag, err := s.t.Deps.Redis.Get(ctx, PauseAllFlagKey())
	return err == nil && flag != ""
}

// isQueueAvailable applies the per-queue admission ceiling, memoized
// for the run.
func (s *Starter) isQueueAvailable(ctx context.Context, queueIdx int) bool {
	if available, ok := s.availability[queueIdx]; ok {
		return available
	}
	available, err := s.fabric.IsAvailable(ctx, queueIdx)
	if err != nil {
		s.logger.Warn("Queue availability check failed",
			slog.Int("queue", queueIdx),
			slog.String("error", err.Error()))
		available = true
	}
	s.availability[queueIdx] = available
	return available
}

// prepare joins the pause-flag and dynamic-expression caches into the
// fetched rows.
func (s *Starter) prepare(ctx context.Context, cronJobs []*metastore.CronJob) {
	if len(cronJobs) == 0 {
		return
	}

	ids := make([]string, len(cronJobs))
	for i, c := range cronJobs {
		ids[i] = c.ID
	}

	pauseMap, err := s.t.Deps.Redis.HMGet(ctx, runtime.CronJobPauseKey(), ids...)
	if err != nil {
		s.logger.Warn("Pause flag load failed", slog.String("error", err.Error()))
		pauseMap = map[string]string{}
	}

	dynamicMap, err := s.t.Deps.Redis.HMGet(ctx, runtime.DynamicCronExprKey(), ids...)
	if err != nil {
		s.logger.Warn("Dynamic cron expression load failed", slog.String("error", err.Error()))
		dynamicMap = map[string]string{}
	}

	triggerTime := int64(s.t.Req.TriggerTime)

	for _, c := range cronJobs {
		if raw, ok := pauseMap[c.ID]; ok && raw != "" {
			if expireTime, err := strconv.ParseInt(raw, 10, 64); err == nil && expireTime >= triggerTime {
				c.IsPaused = true
			}
		}

		if raw, ok := dynamicMap[c.ID]; ok && raw != "" {
			var dynamic struct {
				Value      string `json:"value"`
				ExpireTime int64  `json:"expireTime"`
			}
			if err := jsonUnmarshal(raw, &dynamic); err == nil && dynamic.Value != "" {
				if dynamic.ExpireTime == 0 || dynamic.ExpireTime >= triggerTime {
					c.DynamicCronExpr = dynamic.Value
				}
			}
		}
	}
}

// matches filters one prepared row against pause state and the
// effective cron expression at this trigger second.
func (s *Starter) matches(c *metastore.CronJob) bool {
	if c.IsPaused {
		return false
	}

	cronExpr := c.EffectiveCronExpr()
	if cronExpr == "" || !timex.IsValidCronExpr(cronExpr) {
		return false
	}

	loc := s.t.Deps.Cfg.Location()
	if c.Timezone != "" {
		if parsed, err := time.LoadLocation(c.Timezone); err == nil {
			loc = parsed
		}
	}

	return timex.MatchCronExpr(cronExpr, int64(s.t.Req.TriggerTime), loc)
}

type enqueueItem struct {
	cronJob  *metastore.CronJob
	origin   string
	originID string
	delay    int
	execMode string
}

// putTasks turns matched cron jobs into Func.Runner requests and
// submits them, applying delayed lists and admission control.
func (s *Starter) putTasks(ctx context.Context, items []*enqueueItem, ignoreDelayedList bool) error {
	cfg := s.t.Deps.Cfg

	var reqs []*task.Request
	for _, item := range items {
		extra := item.cronJob.FuncExtraConfig()

		timeout := cfg.FuncTaskTimeoutDefault
		if extra.Timeout != nil {
			timeout = *extra.Timeout
		}
		expires := cfg.FuncTaskExpiresDefault
		if extra.Expires != nil {
			expires = *extra.Expires
		}

		queueIdx := cfg.FuncTaskQueueCronJob
		if extra.Queue != nil {
			queueIdx = *extra.Queue
		}

		// Admission control: a full queue drops this enqueue; the next
		// matching second retries.
		if !s.isQueueAvailable(ctx, queueIdx) {
			s.logger.Warn("Worker queue full, dropping cron job trigger",
				slog.String("cron_job_id", item.cronJob.ID),
				slog.Int("queue", queueIdx))
			continue
		}

		delayedList := extra.DelayedCronJob
		if len(delayedList) == 0 || ignoreDelayedList {
			delayedList = []int{0}
		}

		execMode := item.execMode
		if execMode == "" {
			execMode = "cronJob"
		}

		for _, cronJobDelay := range delayedList {
			lockKey := locks.CronJobKey(item.cronJob.ID, item.cronJob.FuncID, execMode)
			lockValue := locks.CronJobValue(time.Now().Unix())

			reqs = append(reqs, &task.Request{
				Name: "Func.Runner",
				ID:   toolkit.GenTaskID(),
				Kwargs: map[string]any{
					"funcId":           item.cronJob.FuncID,
					"funcCallKwargs":   item.cronJob.FuncCallKwargs(),
					"origin":           item.origin,
					"originId":         item.originID,
					"cronExpr":         item.cronJob.EffectiveCronExpr(),
					"cronJobDelay":     cronJobDelay,
					"cronJobLockKey":   lockKey,
					"cronJobLockValue": lockValue,
					"cronJobExecMode":  execMode,
					"scriptSetTitle":   item.cronJob.ScriptSetTitle,
					"scriptTitle":      item.cronJob.ScriptTitle,
					"funcTitle":        item.cronJob.FuncTitle,
				},
				TriggerTime:     s.t.Req.TriggerTime,
				Queue:           queueIdx,
				Delay:           cronJobDelay + item.delay,
				Timeout:         timeout,
				Expires:         cronJobDelay + item.delay + expires,
				IgnoreResult:    true,
				TaskRecordLimit: item.cronJob.TaskRecordLimit,
			})
		}
	}

	if len(reqs) == 0 {
		return nil
	}
	return s.fabric.PutTasks(ctx, reqs...)
}

// integrationCronJobs loads autoRun functions with an integration cron
// expression, presented as cron jobs with a synthetic origin id.
func (s *Starter) integrationCronJobs(ctx context.Context) ([]*metastore.CronJob, error) {
	funcs, err := s.store.ListFuncsByIntegration(ctx, "autoRun")
	if err != nil {
		return nil, err
	}

	var cronJobs []*metastore.CronJob
	for _, fn := range funcs {
		extra := fn.ExtraConfig()
		if extra.IntegrationConfig == nil || extra.IntegrationConfig.CronExpr == "" {
			continue
		}

		cronJobs = append(cronJobs, &metastore.CronJob{
			ID:                  fmt.Sprintf("autoRun.cronJob-%s", fn.ID),
			FuncID:              fn.ID,
			CronExpr:            extra.IntegrationConfig.CronExpr,
			FuncExtraConfigJSON: fn.ExtraConfigJSON,
			ScriptSetTitle:      fn.ScriptSetTitle,
			ScriptTitle:         fn.ScriptTitle,
			FuncTitle:           fn.Title,
		})
	}
	return cronJobs, nil
}

// Run performs one starter pass.
func (s *Starter) Run(ctx context.Context) (any, error) {
	if s.isPaused(ctx) {
		s.logger.Debug("Cron jobs paused, skipping pass")
		return nil, nil
	}

	// Exclusive lock covering one pass.
	if err := s.t.Lock(ctx, 60*time.Second); err != nil {
		return nil, err
	}

	// Integration cron jobs.
	integration, err := s.integrationCronJobs(ctx)
	if err != nil {
		return nil, err
	}
	s.prepare(ctx, integration)

	var items []*enqueueItem
	for _, c := range integration {
		if !s.matches(c) {
			continue
		}
		items = append(items, &enqueueItem{
			cronJob:  c,
			origin:   runtime.OriginIntegration,
			originID: c.ID,
		})
	}
	if err := s.putTasks(ctx, items, false); err != nil {
		return nil, err
	}

	// User cron jobs, paged by seq.
	cfg := s.t.Deps.Cfg
	triggerTime := int64(s.t.Req.TriggerTime)

	enqueued := 0
	nextSeq := int64(0)
	for nextSeq >= 0 {
		page, latestSeq, err := s.store.FetchCronJobPage(ctx, nextSeq, triggerTime, cfg.CronJobStarterFetchBulkCount)
		if err != nil {
			return nil, err
		}
		nextSeq = latestSeq
		if len(page) == 0 {
			break
		}

		s.prepare(ctx, page)

		items = items[:0]
		for _, c := range page {
			if !s.matches(c) {
				continue
			}

			// Spread matched jobs across the second by seq.
			delay := 0
			if cfg.FuncTaskDistributionRange > 0 {
				delay = int(c.Seq % int64(cfg.FuncTaskDistributionRange))
			}

			items = append(items, &enqueueItem{
				cronJob:  c,
				origin:   runtime.OriginCronJob,
				originID: c.ID,
				delay:    delay,
			})
		}

		if err := s.putTasks(ctx, items, false); err != nil {
			return nil, err
		}
		enqueued += len(items)
	}

	return map[string]any{"enqueued": enqueued}, nil
}

// ManualStarter triggers one Cron Job immediately regardless of its
// expression, ignoring the delayed list.
type ManualStarter struct {
	*Starter
}

func (s *ManualStarter) Run(ctx context.Context) (any, error) {
	cronJobID, _ := s.t.Req.Kwargs["cronJobId"].(string)
	if cronJobID == "" {
		return nil, fmt.Errorf("no cronJobId given")
	}

	cronJob, err := s.store.GetCronJob(ctx, cronJobID)
	if err != nil {
		return nil, err
	}
	if cronJob == nil {
		return nil, fmt.Errorf("cron job not found: `%s`", cronJobID)
	}

	s.prepare(ctx, []*metastore.CronJob{cronJob})

	item := &enqueueItem{
		cronJob:  cronJob,
		origin:   runtime.OriginCronJob,
		originID: cronJob.ID,
		execMode: "manual",
	}
	if err := s.putTasks(ctx, []*enqueueItem{item}, true); err != nil {
		return nil, err
	}
	return map[string]any{"cronJobId": cronJobID}, nil
}
