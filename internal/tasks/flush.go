package tasks

import (
	"context"
	"log/slog"
	"time"

	"github.com/dataflux-func/dataflux-func/internal/metastore"
	"github.com/dataflux-func/dataflux-func/internal/observ"
	"github.com/dataflux-func/dataflux-func/internal/runtime"
	"github.com/dataflux-func/dataflux-func/internal/task"
	"github.com/dataflux-func/dataflux-func/pkg/toolkit"
)

// FlushDataBuffer drains the append-only buffers (task records,
// function task records, uploaded points, function call counts) into
// the metadata store and the external sink in bounded batches.
type FlushDataBuffer struct {
	t    *task.Task
	deps *Deps
}

// drain pops up to the configured bulk count from one buffer list.
func (f *FlushDataBuffer) drain(ctx context.Context, key string) ([]string, error) {
	var out []string
	for i := 0; i < f.deps.Cfg.FlushDataBufferBulkCount; i++ {
		raw, err := f.deps.Redis.Pop(ctx, key)
		if err != nil {
			return out, err
		}
		if raw == "" {
			break
		}
		out = append(out, raw)
	}
	return out, nil
}

func (f *FlushDataBuffer) flushTaskRecords(ctx context.Context) (int, error) {
	batch, err := f.drain(ctx, task.TaskRecordBufferKey())
	if err != nil || len(batch) == 0 {
		return 0, err
	}

	for _, raw := range batch {
		var data task.RecordData
		if err := jsonUnmarshal(raw, &data); err != nil {
			f.t.Deps.Logger.Warn("Malformed task record dropped", slog.String("error", err.Error()))
			continue
		}

		record := &metastore.TaskRecord{
			ID:            data.ID,
			Name:          data.Name,
			KwargsJSON:    data.KwargsJSON,
			TriggerTimeMS: data.TriggerTimeMS,
			StartTimeMS:   data.StartTimeMS,
			EndTimeMS:     data.EndTimeMS,
			Queue:         data.Queue,
			Delay:         data.Delay,
			Timeout:       data.Timeout,
			Expires:       data.Expires,
			IgnoreResult:  data.IgnoreResult,
			ResultJSON:    data.ResultJSON,
			Status:        data.Status,
			ExceptionType: data.ExceptionType,
			ExceptionTEXT: data.ExceptionTEXT,
			TracebackTEXT: data.TracebackTEXT,
		}
		if err := f.deps.Store.InsertTaskRecord(ctx, record); err != nil {
			return 0, err
		}
	}

	if _, err := f.deps.Store.RollByLimit(ctx, metastore.TableTaskRecord, f.deps.Cfg.TaskRecordLimitDefault); err != nil {
		return 0, err
	}
	return len(batch), nil
}

type bufferedFuncRecord struct {
	TaskRecordLimit *int `json:"_taskRecordLimit"`

	ID                  string `json:"id"`
	RootTaskID          string `json:"rootTaskId"`
	ScriptSetID         string `json:"scriptSetId"`
	ScriptID            string `json:"scriptId"`
	FuncID              string `json:"funcId"`
	FuncCallKwargsJSON  string `json:"funcCallKwargsJSON"`
	Origin              string `json:"origin"`
	OriginID            string `json:"originId"`
	CronExpr            string `json:"cronExpr"`
	CallChainJSON       string `json:"callChainJSON"`
	TriggerTimeMS       int64  `json:"triggerTimeMs"`
	StartTimeMS         int64  `json:"startTimeMs"`
	EndTimeMS           int64  `json:"endTimeMs"`
	Delay               int    `json:"delay"`
	Queue               int    `json:"queue"`
	Timeout             int    `json:"timeout"`
	Expires             int    `json:"expires"`
	IgnoreResult        bool   `json:"ignoreResult"`
	Status              string `json:"status"`
	ExceptionType       string `json:"exceptionType"`
	ExceptionTEXT       string `json:"exceptionTEXT"`
	TracebackTEXT       string `json:"tracebackTEXT"`
	PrintLogsTEXT       string `json:"printLogsTEXT"`
	ReturnValueJSON     string `json:"returnValueJSON"`
	ResponseControlJSON string `json:"responseControlJSON"`
}

func (f *FlushDataBuffer) taskRecordLimitFor(record *bufferedFuncRecord) int {
	if record.TaskRecordLimit != nil {
		return *record.TaskRecordLimit
	}
	cfg := f.deps.Cfg
	switch record.Origin {
	case runtime.OriginDirect:
		return cfg.TaskRecordFuncLimitDirect
	case runtime.OriginIntegration:
		return cfg.TaskRecordFuncLimitIntegration
	case runtime.OriginConnector:
		return cfg.TaskRecordFuncLimitConnector
	default:
		return cfg.TaskRecordLimitDefault
	}
}

func (f *FlushDataBuffer) flushTaskRecordFuncs(ctx context.Context) (int, error) {
	key := runtime.TaskRecordFuncBufferKey()

	// When local function task records are disabled the buffer and
	// the table are cleared instead of flushed.
	if !f.deps.settingBool(ctx, metastore.SettingLocalFuncTaskRecordEnabled) {
		if err := f.deps.Redis.Delete(ctx, key); err != nil {
			return 0, err
		}
		return 0, f.deps.Store.ClearTable(ctx, metastore.TableTaskRecordFunc)
	}

	batch, err := f.drain(ctx, key)
	if err != nil || len(batch) == 0 {
		return 0, err
	}

	originLimits := map[string]int{}
	for _, raw := range batch {
		var data bufferedFuncRecord
		if err := jsonUnmarshal(raw, &data); err != nil {
			f.t.Deps.Logger.Warn("Malformed func task record dropped", slog.String("error", err.Error()))
			continue
		}

		record := &metastore.TaskRecordFunc{
			ID:                  data.ID,
			RootTaskID:          data.RootTaskID,
			ScriptSetID:         data.ScriptSetID,
			ScriptID:            data.ScriptID,
			FuncID:              data.FuncID,
			FuncCallKwargsJSON:  data.FuncCallKwargsJSON,
			Origin:              data.Origin,
			OriginID:            data.OriginID,
			CronExpr:            data.CronExpr,
			CallChainJSON:       data.CallChainJSON,
			TriggerTimeMS:       data.TriggerTimeMS,
			StartTimeMS:         data.StartTimeMS,
			EndTimeMS:           data.EndTimeMS,
			Delay:               data.Delay,
			Queue:               data.Queue,
			Timeout:             data.Timeout,
			Expires:             data.Expires,
			IgnoreResult:        data.IgnoreResult,
			Status:              data.Status,
			ExceptionType:       data.ExceptionType,
			ExceptionTEXT:       data.ExceptionTEXT,
			TracebackTEXT:       data.TracebackTEXT,
			PrintLogsTEXT:       data.PrintLogsTEXT,
			ReturnValueJSON:     data.ReturnValueJSON,
			ResponseControlJSON: data.ResponseControlJSON,
		}
		if err := f.deps.Store.InsertTaskRecordFunc(ctx, record); err != nil {
			return 0, err
		}
		if data.OriginID != "" {
			originLimits[data.OriginID] = f.taskRecordLimitFor(&data)
		}
	}

	// Roll each touched origin to its retention limit.
	for originID, limit := range originLimits {
		if _, err := f.deps.Store.RollTaskRecordFuncByOrigin(ctx, originID, limit); err != nil {
			return 0, err
		}
	}
	return len(batch), nil
}

func (f *FlushDataBuffer) flushGuancePoints(ctx context.Context) (int, error) {
	key := runtime.TaskRecordGuanceBufferKey()

	dataway, enabled := f.deps.DataWay(ctx)
	if !enabled {
		if err := f.deps.Redis.Delete(ctx, key); err != nil {
			return 0, err
		}
		return 0, nil
	}

	batch, err := f.drain(ctx, key)
	if err != nil || len(batch) == 0 {
		return 0, err
	}

	siteName := f.deps.settingString(ctx, metastore.SettingGuanceDataSiteName)

	for _, raw := range batch {
		var point observ.Point
		if err := jsonUnmarshal(raw, &point); err != nil {
			continue
		}
		if point.Tags == nil {
			point.Tags = map[string]any{}
		}
		if siteName != "" {
			point.Tags["site_name"] = siteName
		}

		// Upload failures are non-critical and never retried past the
		// client's bounded attempts.
		if err := dataway.PostLoggingPoint(ctx, &point); err != nil {
			f.t.Deps.Logger.Warn("Guance data upload failed", slog.String("error", err.Error()))
		}
	}
	return len(batch), nil
}

type funcCallCountPoint struct {
	ScriptSetID string `json:"scriptSetId"`
	ScriptID    string `json:"scriptId"`
	FuncID      string `json:"funcId"`
	Origin      string `json:"origin"`
	Queue       string `json:"queue"`
	Status      string `json:"status"`
	Timestamp   int64  `json:"timestamp"`
}

func (f *FlushDataBuffer) flushFuncCallCounts(ctx context.Context) (int, error) {
	batch, err := f.drain(ctx, runtime.FuncCallCountBufferKey())
	if err != nil || len(batch) == 0 {
		return 0, err
	}

	// Counts aggregate per function per minute; timestamps align to
	// the minute boundary.
	type bucket struct {
		funcID string
		minute int64
	}
	counts := map[bucket]int64{}
	for _, raw := range batch {
		var point funcCallCountPoint
		if err := jsonUnmarshal(raw, &point); err != nil || point.FuncID == "" {
			continue
		}
		minute := point.Timestamp - point.Timestamp%60
		counts[bucket{funcID: point.FuncID, minute: minute}]++
	}

	maxAge := f.deps.Cfg.MetricSeriesMaxAge
	for b, count := range counts {
		key := toolkit.MonitorCacheKey("monitor", "funcCallCount", "funcId", b.funcID)
		if err := f.deps.Redis.TSAdd(ctx, key, b.minute, float64(count), tsAddUp(maxAge)); err != nil {
			return 0, err
		}
	}
	return len(batch), nil
}

func (f *FlushDataBuffer) Run(ctx context.Context) (any, error) {
	if err := f.t.Lock(ctx, 60*time.Second); err != nil {
		return nil, err
	}

	// One flush pass is bounded on its own: unflushed rows stay
	// buffered for the next tick.
	if timeout := time.Duration(f.deps.Cfg.FlushDataBufferTimeout) * time.Second; timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	flushed := map[string]int{}

	n, err := f.flushTaskRecords(ctx)
	if err != nil {
		return nil, err
	}
	flushed["taskRecord"] = n

	n, err = f.flushTaskRecordFuncs(ctx)
	if err != nil {
		return nil, err
	}
	flushed["taskRecordFunc"] = n

	n, err = f.flushGuancePoints(ctx)
	if err != nil {
		return nil, err
	}
	flushed["taskRecordGuance"] = n

	n, err = f.flushFuncCallCounts(ctx)
	if err != nil {
		return nil, err
	}
	flushed["funcCallCount"] = n

	return flushed, nil
}
