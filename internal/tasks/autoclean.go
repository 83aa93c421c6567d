package tasks

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/dataflux-func/dataflux-func/internal/observ"
	"github.com/dataflux-func/dataflux-func/internal/runtime"
	"github.com/dataflux-func/dataflux-func/internal/task"
)

// AutoClean rolls tables by per-table limits and ages, drops expired
// Func Store rows, clears expired cache entries and orphaned data, and
// deletes expired temp files.
type AutoClean struct {
	t    *task.Task
	deps *Deps
}

// limitMap: per-table retention by row count.
func (a *AutoClean) limitMap() map[string]int {
	cfg := a.deps.Cfg
	return map[string]int{
		"biz_main_task_record":      cfg.TaskRecordLimitDefault,
		"biz_main_task_record_func": cfg.TaskRecordLimitDefault * 10,
	}
}

// expireMap: per-table retention by age.
func (a *AutoClean) expireMap() map[string]time.Duration {
	return map[string]time.Duration{
		"biz_main_task_record":      30 * 24 * time.Hour,
		"biz_main_task_record_func": 30 * 24 * time.Hour,
	}
}

func (a *AutoClean) clearTables(ctx context.Context) {
	for table, limit := range a.limitMap() {
		if deleted, err := a.deps.Store.RollByLimit(ctx, table, limit); err != nil {
			a.t.Deps.Logger.Warn("Roll by limit failed",
				slog.String("table", table), slog.String("error", err.Error()))
		} else if deleted > 0 {
			a.t.Deps.Logger.Info("Rolled table by limit",
				slog.String("table", table), slog.Int64("deleted", deleted))
		}
	}

	for table, maxAge := range a.expireMap() {
		if deleted, err := a.deps.Store.RollByExpires(ctx, table, maxAge); err != nil {
			a.t.Deps.Logger.Warn("Roll by expires failed",
				slog.String("table", table), slog.String("error", err.Error()))
		} else if deleted > 0 {
			a.t.Deps.Logger.Info("Rolled table by expires",
				slog.String("table", table), slog.Int64("deleted", deleted))
		}
	}
}

func (a *AutoClean) clearExpiredFuncStore(ctx context.Context) {
	deleted, err := a.deps.Store.DeleteExpiredFuncStore(ctx, time.Now().Unix())
	if err != nil {
		a.t.Deps.Logger.Warn("Func store cleanup failed", slog.String("error", err.Error()))
		return
	}
	if deleted > 0 {
		a.t.Deps.Logger.Info("Expired func store entries removed", slog.Int64("deleted", deleted))
	}
}

// clearExpiredDynamicCronExpr drops dynamic cron expressions whose
// expire time has passed.
func (a *AutoClean) clearExpiredDynamicCronExpr(ctx context.Context) {
	now := time.Now().Unix()

	entries, err := a.deps.Redis.HGetAll(ctx, runtime.DynamicCronExprKey())
	if err != nil {
		return
	}
	for cronJobID, raw := range entries {
		var decoded struct {
			ExpireTime int64 `json:"expireTime"`
		}
		if err := jsonUnmarshal(raw, &decoded); err != nil {
			continue
		}
		if decoded.ExpireTime > 0 && decoded.ExpireTime < now {
			_ = a.deps.Redis.HDel(ctx, runtime.DynamicCronExprKey(), cronJobID)
		}
	}
}

// clearExpiredPauseFlags drops pause flags whose expire time has
// passed.
func (a *AutoClean) clearExpiredPauseFlags(ctx context.Context) {
	now := time.Now().Unix()

	entries, err := a.deps.Redis.HGetAll(ctx, runtime.CronJobPauseKey())
	if err != nil {
		return
	}
	for cronJobID, raw := range entries {
		expireTime, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || expireTime < now {
			_ = a.deps.Redis.HDel(ctx, runtime.CronJobPauseKey(), cronJobID)
		}
	}
}

// clearExpiredHeartbeats drops heartbeat hash fields past the monitor
// report window.
func (a *AutoClean) clearExpiredHeartbeats(ctx context.Context) {
	now := time.Now().Unix()
	maxAge := int64(a.deps.Cfg.MonitorReportExpires)

	for _, key := range []string{observ.ServiceInfoKey(), observ.WorkerOnQueueKey()} {
		entries, err := a.deps.Redis.HGetAll(ctx, key)
		if err != nil {
			continue
		}
		for field, raw := range entries {
			var decoded struct {
				TS int64 `json:"ts"`
			}
			if err := jsonUnmarshal(raw, &decoded); err != nil {
				continue
			}
			if now-decoded.TS > maxAge {
				_ = a.deps.Redis.HDel(ctx, key, field)
			}
		}
	}
}

// clearOrphanedData removes recent-trigger entries and task record
// rows whose origin entity no longer exists.
func (a *AutoClean) clearOrphanedData(ctx context.Context) {
	cronJobIDs, err := a.deps.Store.ListCronJobIDs(ctx)
	if err != nil {
		return
	}
	live := map[string]struct{}{}
	for _, id := range cronJobIDs {
		live[id] = struct{}{}
	}

	key := runtime.RecentTriggeredKey(runtime.OriginCronJob)
	entries, err := a.deps.Redis.HGetAll(ctx, key)
	if err == nil {
		for originID := range entries {
			// Integration cron jobs are synthetic and never in the
			// table.
			if strings.HasPrefix(originID, "autoRun.cronJob-") {
				continue
			}
			if _, ok := live[originID]; !ok {
				_ = a.deps.Redis.HDel(ctx, key, originID)
			}
		}
	}

	if len(cronJobIDs) > 0 {
		if deleted, err := a.deps.Store.DeleteTaskRecordFuncByMissingOrigin(ctx, runtime.OriginCronJob, cronJobIDs); err == nil && deleted > 0 {
			a.t.Deps.Logger.Info("Orphaned task records removed", slog.Int64("deleted", deleted))
		}
	}
}

// clearTempFiles deletes response spill files whose timestamp prefix
// has passed.
func (a *AutoClean) clearTempFiles() {
	dir := filepath.Join(a.deps.Cfg.ResourceRootPath, ".tmp")
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}

	now := time.Now().Unix()
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		parts := strings.SplitN(entry.Name(), "_", 2)
		expireAt, err := strconv.ParseInt(parts[0], 10, 64)
		if err != nil {
			continue
		}
		if expireAt < now {
			_ = os.Remove(filepath.Join(dir, entry.Name()))
		}
	}
}

func (a *AutoClean) Run(ctx context.Context) (any, error) {
	if err := a.t.Lock(ctx, 60*time.Second); err != nil {
		return nil, err
	}

	a.clearTables(ctx)
	a.clearExpiredFuncStore(ctx)
	a.clearExpiredDynamicCronExpr(ctx)
	a.clearExpiredPauseFlags(ctx)
	a.clearExpiredHeartbeats(ctx)
	a.clearOrphanedData(ctx)
	a.clearTempFiles()

	return nil, nil
}
