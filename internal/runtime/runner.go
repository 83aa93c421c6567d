package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/dataflux-func/dataflux-func/internal/task"
	"github.com/dataflux-func/dataflux-func/pkg/toolkit"
)

// Buffer lists drained by FlushDataBuffer.
func TaskRecordFuncBufferKey() string {
	return toolkit.WorkerCacheKey("dataBuffer", "taskRecordFunc")
}

func FuncCallCountBufferKey() string {
	return toolkit.WorkerCacheKey("dataBuffer", "funcCallCount")
}

func TaskRecordGuanceBufferKey() string {
	return toolkit.WorkerCacheKey("dataBuffer", "taskRecordGuance")
}

// RecentTriggeredKey is the hash of recently observed trigger times
// per origin entity.
func RecentTriggeredKey(origin string) string {
	return toolkit.GlobalCacheKey("cache", "recentTaskTriggered", "origin", origin)
}

// LastTaskStatusKey is the hash of the last run status per origin
// entity.
func LastTaskStatusKey(origin string) string {
	return toolkit.GlobalCacheKey("cache", "lastTaskStatus", "origin", origin)
}

// FuncRunner executes one function run as a task.
type FuncRunner struct {
	ft     *FuncTask
	engine *Engine
	draft  bool
}

// RegisterTaskClasses binds the function task classes to the task
// registry, closed over the engine.
func RegisterTaskClasses(engine *Engine) {
	task.Register("Func.Runner", func(t *task.Task) task.Runner {
		return newFuncRunner(engine, t, false)
	})
	task.Register("Func.Debugger", func(t *task.Task) task.Runner {
		return newFuncRunner(engine, t, true)
	})
}

func newFuncRunner(engine *Engine, t *task.Task, draft bool) *FuncRunner {
	ft, err := NewFuncTask(engine, t)
	if err != nil {
		return &FuncRunner{engine: engine, ft: nil}
	}

	r := &FuncRunner{ft: ft, engine: engine, draft: draft}

	t.BufferRecord = r.bufferRecords
	t.OnFinish = r.onFinish
	return r
}

// Run drives one function run: cron-job lock, status caches, script
// application and result shaping.
func (r *FuncRunner) Run(ctx context.Context) (any, error) {
	if r.ft == nil {
		return nil, fmt.Errorf("%w: malformed function task request", ErrBadEntityCall)
	}
	ft := r.ft

	if ft.IsRootTask() && ft.Origin == OriginCronJob {
		r.cacheRecentTriggered(ctx)
	}

	// Cron Job lock: carried in the request, held across the run so
	// the same Cron Job never overlaps itself.
	if ft.CronJobLockKey != "" && ft.CronJobLockValue != "" {
		ttl := time.Duration(ft.Req.Timeout) * time.Second
		ok, err := r.engine.Locks.Acquire(ctx, ft.CronJobLockKey, ft.CronJobLockValue, ttl)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, task.ErrPrevTaskNotFinished
		}
		defer func() {
			// Release uses a fresh context: the run context may
			// already be past its deadline.
			releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_, _ = r.engine.Locks.Release(releaseCtx, ft.CronJobLockKey, ft.CronJobLockValue)
		}()
	}

	r.cacheLastStatus(ctx, "started", nil)

	funcResp, err := r.engine.Apply(ctx, ft, r.draft)
	if err != nil {
		r.cacheLastStatus(ctx, "failure", err)
		return nil, err
	}

	if funcResp.LargeData {
		var cacheExpires float64
		if ft.Script != nil {
			if extra, ok := ft.Script.FuncExtraConfig[ft.FuncID]; ok && extra.CacheResult != nil {
				cacheExpires = *extra.CacheResult
			}
		}
		if err := funcResp.CacheToFile(r.engine.Cfg.ResourceRootPath, cacheExpires); err != nil {
			r.engine.Logger.Warn("Large data response caching failed",
				slog.String("task_id", ft.Req.ID),
				slog.String("error", err.Error()))
		}
	}

	r.cacheLastStatus(ctx, "success", nil)

	return map[string]any{
		"returnValue":     funcResp.Data,
		"responseControl": funcResp.ResponseControl(),
	}, nil
}

// onFinish caches the published response for fingerprint-identical
// calls and tears down the task-scoped state.
func (r *FuncRunner) onFinish(ctx context.Context) {
	ft := r.ft
	if ft == nil {
		return
	}

	if ft.Status == task.StatusSuccess && ft.CacheResult > 0 && ft.CacheResultKey != "" {
		ttl := time.Duration(ft.CacheResult * float64(time.Second))
		payload := toolkit.JSONDumps(ft.MakeResponse())
		if err := r.engine.Redis.Set(ctx, ft.CacheResultKey, payload, ttl); err != nil {
			r.engine.Logger.Warn("Func result caching failed",
				slog.String("task_id", ft.Req.ID),
				slog.String("error", err.Error()))
		}
	}

	ft.cleanUp()
}

// cacheRecentTriggered appends this trigger time to the per-origin
// recent-trigger hash, trimming entries beyond the keep window.
func (r *FuncRunner) cacheRecentTriggered(ctx context.Context) {
	ft := r.ft
	key := RecentTriggeredKey(ft.Origin)

	byMode := map[string][]int64{}
	if raw, err := r.engine.Redis.HGet(ctx, key, ft.OriginID); err == nil && raw != "" {
		_ = jsonUnmarshal(raw, &byMode)
	}

	execMode := ft.CronJobExecMode
	if execMode == "" {
		execMode = OriginCronJob
	}

	cutoff := int64(ft.Req.TriggerTime) - int64(r.engine.Cfg.RecentCronJobTriggeredKeep)
	kept := make([]int64, 0, len(byMode[execMode])+1)
	for _, ts := range byMode[execMode] {
		if ts > cutoff {
			kept = append(kept, ts)
		}
	}
	byMode[execMode] = append(kept, int64(ft.Req.TriggerTime))

	if err := r.engine.Redis.HSet(ctx, key, ft.OriginID, toolkit.JSONDumps(byMode)); err != nil {
		r.engine.Logger.Warn("Recent trigger caching failed",
			slog.String("origin_id", ft.OriginID),
			slog.String("error", err.Error()))
	}
}

// cacheLastStatus records the most recent run status per origin
// entity, for the admin surface.
func (r *FuncRunner) cacheLastStatus(ctx context.Context, status string, runErr error) {
	ft := r.ft
	switch ft.Origin {
	case OriginSyncAPI, OriginAsyncAPI, OriginCronJob:
	default:
		return
	}

	value := map[string]any{
		"status":    status,
		"timestamp": int64(ft.Req.TriggerTime),
	}
	if runErr != nil {
		value["exceptionType"] = task.ExceptionType(runErr)
		value["exceptionTEXT"] = runErr.Error()
	}

	if err := r.engine.Redis.HSet(ctx, LastTaskStatusKey(ft.Origin), ft.OriginID, toolkit.JSONDumps(value)); err != nil {
		r.engine.Logger.Warn("Last task status caching failed",
			slog.String("origin_id", ft.OriginID),
			slog.String("error", err.Error()))
	}
}

// bufferRecords replaces the default task record with the function-run
// record, the call count point and the uploaded record.
func (r *FuncRunner) bufferRecords(ctx context.Context) error {
	ft := r.ft
	if ft == nil {
		return nil
	}

	record := map[string]any{
		"_taskRecordLimit": ft.Req.TaskRecordLimit,

		"id":                  ft.Req.ID,
		"rootTaskId":          ft.RootTaskID,
		"scriptSetId":         ft.ScriptSetID,
		"scriptId":            ft.ScriptID,
		"funcId":              ft.FuncID,
		"funcCallKwargsJSON":  toolkit.JSONDumps(ft.FuncCallKwargs),
		"origin":              ft.Origin,
		"originId":            ft.OriginID,
		"cronExpr":            ft.CronExpr,
		"callChainJSON":       toolkit.JSONDumps(ft.CallChain),
		"triggerTimeMs":       ft.TriggerTimeMS(),
		"startTimeMs":         msOrZero(ft.StartTime),
		"endTimeMs":           msOrZero(ft.EndTime),
		"delay":               ft.Req.Delay,
		"queue":               ft.Req.Queue,
		"timeout":             ft.Req.Timeout,
		"expires":             ft.Req.Expires,
		"ignoreResult":        ft.Req.IgnoreResult,
		"status":              ft.Status,
		"exceptionType":       task.ExceptionType(ft.RunErr),
		"exceptionTEXT":       errString(ft.RunErr),
		"tracebackTEXT":       ft.Traceback,
		"printLogsTEXT":       ft.ReducedPrintLogs(),
		"returnValueJSON":     toolkit.JSONDumps(ft.ReturnValue()),
		"responseControlJSON": ft.responseControlJSON(),
	}
	if err := r.engine.Redis.Push(ctx, TaskRecordFuncBufferKey(), toolkit.JSONDumps(record)); err != nil {
		return err
	}

	callCount := map[string]any{
		"scriptSetId":    ft.ScriptSetID,
		"scriptId":       ft.ScriptID,
		"funcId":         ft.FuncID,
		"origin":         ft.Origin,
		"originId":       ft.OriginID,
		"queue":          fmt.Sprintf("%d", ft.Req.Queue),
		"status":         ft.Status,
		"timestamp":      int64(ft.Req.TriggerTime),
		"waitCost":       ft.WaitCostMS(),
		"runCost":        ft.RunCostMS(),
		"totalCost":      ft.TotalCostMS(),
		"scriptSetTitle": ft.ScriptSetTitle,
		"scriptTitle":    ft.ScriptTitle,
		"funcTitle":      ft.FuncTitle,
	}
	if err := r.engine.Redis.Push(ctx, FuncCallCountBufferKey(), toolkit.JSONDumps(callCount)); err != nil {
		return err
	}

	// Uploaded record for the external sink, drained by the flusher.
	guancePoint := map[string]any{
		"measurement": "DFF_task_record_func",
		"tags": map[string]any{
			"id":          ft.Req.ID,
			"name":        ft.Req.Name,
			"queue":       fmt.Sprintf("%d", ft.Req.Queue),
			"task_status": ft.Status,
			"script_id":   ft.ScriptID,
			"func_id":     ft.FuncID,
			"origin":      ft.Origin,
			"origin_id":   ft.OriginID,
		},
		"fields": map[string]any{
			"message":      joinLines(ft.PrintLogLines(), ft.Traceback),
			"return_value": toolkit.JSONDumps(ft.ReturnValue()),
			"wait_cost":    ft.WaitCostMS(),
			"run_cost":     ft.RunCostMS(),
			"total_cost":   ft.TotalCostMS(),
		},
		"timestamp": int64(ft.Req.TriggerTime),
	}
	for k, v := range ft.ExtraGuance.Tags {
		guancePoint["tags"].(map[string]any)[k] = v
	}
	for k, v := range ft.ExtraGuance.Fields {
		fields := guancePoint["fields"].(map[string]any)
		if _, exists := fields[k]; !exists {
			fields[k] = v
		}
	}
	return r.engine.Redis.Push(ctx, TaskRecordGuanceBufferKey(), toolkit.JSONDumps(guancePoint))
}

func msOrZero(t *float64) int64 {
	if t == nil {
		return 0
	}
	return int64(*t * 1000)
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func joinLines(lines []string, traceback string) string {
	out := ""
	for i, l := range lines {
		if i > 0 {
			out += "\n"
		}
		out += l
	}
	if traceback != "" {
		if out != "" {
			out += "\n"
		}
		out += "[Traceback]\n" + traceback
	}
	return out
}
