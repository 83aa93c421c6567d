package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/dop251/goja"

	"github.com/dataflux-func/dataflux-func/internal/metastore"
	"github.com/dataflux-func/dataflux-func/internal/scriptload"
	"github.com/dataflux-func/dataflux-func/internal/task"
	"github.com/dataflux-func/dataflux-func/pkg/toolkit"
)

// RootTaskIDOfRootTask marks a task that was not spawned by another
// function run.
const RootTaskIDOfRootTask = "ROOT"

// Origins of function runs.
const (
	OriginCronJob     = "cronJob"
	OriginSyncAPI     = "syncAPI"
	OriginAsyncAPI    = "asyncAPI"
	OriginIntegration = "integration"
	OriginDirect      = "direct"
	OriginConnector   = "connector"
)

type printLogLine struct {
	Time    string
	DeltaMS int64
	TotalMS int64
	Message string
}

// FuncTask is the execution state of one function run on top of the
// task envelope.
type FuncTask struct {
	*task.Task
	engine *Engine

	FuncID      string
	ScriptSetID string
	ScriptID    string
	ScriptName  string
	FuncName    string

	FuncCallKwargs map[string]any

	Origin     string
	OriginID   string
	RootTaskID string
	CallChain  []string

	ScriptSetTitle string
	ScriptTitle    string
	FuncTitle      string

	CronExpr         string
	CronJobDelay     int
	CronJobExecMode  string
	CronJobLockKey   string
	CronJobLockValue string

	CacheResult    float64
	CacheResultKey string

	HTTPRequest map[string]any

	Script *scriptload.Loaded
	APIs   *APIRegistry
	Thread *ThreadHelper

	// Per-task secondary caches.
	loadedScripts   map[string]*scriptload.Loaded
	importedModules map[string]*goja.Object

	printLogs   []printLogLine
	maskValues  []string
	prevLogTime time.Time

	ExtraGuance *ExtraGuanceData

	ctxStore map[string]any

	vm *goja.Runtime
}

func kwString(kwargs map[string]any, key string) string {
	if v, ok := kwargs[key].(string); ok {
		return v
	}
	return ""
}

func kwInt(kwargs map[string]any, key string) int {
	switch v := kwargs[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	}
	return 0
}

func kwFloat(kwargs map[string]any, key string) float64 {
	switch v := kwargs[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	}
	return 0
}

// NewFuncTask derives the function-run state from a task request.
func NewFuncTask(engine *Engine, base *task.Task) (*FuncTask, error) {
	kwargs := base.Req.Kwargs

	funcID := kwString(kwargs, "funcId")
	if funcID == "" {
		return nil, fmt.Errorf("%w: task request has no funcId", ErrBadEntityCall)
	}

	scriptID, funcName := funcID, ""
	if idx := strings.Index(funcID, "."); idx >= 0 {
		scriptID, funcName = funcID[:idx], funcID[idx+1:]
	}

	scriptSetID, scriptName := scriptID, ""
	if idx := strings.Index(scriptID, "__"); idx >= 0 {
		scriptSetID, scriptName = scriptID[:idx], scriptID[idx+2:]
	}

	callKwargs := map[string]any{}
	if raw, ok := kwargs["funcCallKwargs"].(map[string]any); ok {
		callKwargs = raw
	}

	var callChain []string
	if raw, ok := kwargs["callChain"].([]any); ok {
		for _, v := range raw {
			if s, ok := v.(string); ok {
				callChain = append(callChain, s)
			}
		}
	}
	callChain = append(callChain, funcID)

	rootTaskID := kwString(kwargs, "rootTaskId")
	if rootTaskID == "" {
		rootTaskID = RootTaskIDOfRootTask
	}

	httpRequest, _ := kwargs["httpRequest"].(map[string]any)

	ft := &FuncTask{
		Task:   base,
		engine: engine,

		FuncID:      funcID,
		ScriptSetID: scriptSetID,
		ScriptID:    scriptID,
		ScriptName:  scriptName,
		FuncName:    funcName,

		FuncCallKwargs: callKwargs,

		Origin:     kwString(kwargs, "origin"),
		OriginID:   kwString(kwargs, "originId"),
		RootTaskID: rootTaskID,
		CallChain:  callChain,

		ScriptSetTitle: kwString(kwargs, "scriptSetTitle"),
		ScriptTitle:    kwString(kwargs, "scriptTitle"),
		FuncTitle:      kwString(kwargs, "funcTitle"),

		CronExpr:         kwString(kwargs, "cronExpr"),
		CronJobDelay:     kwInt(kwargs, "cronJobDelay"),
		CronJobExecMode:  kwString(kwargs, "cronJobExecMode"),
		CronJobLockKey:   kwString(kwargs, "cronJobLockKey"),
		CronJobLockValue: kwString(kwargs, "cronJobLockValue"),

		CacheResult:    kwFloat(kwargs, "cacheResult"),
		CacheResultKey: kwString(kwargs, "cacheResultKey"),

		HTTPRequest: httpRequest,

		Thread: NewThreadHelper(engine.Cfg.FuncTaskThreadPoolSize),

		loadedScripts:   map[string]*scriptload.Loaded{},
		importedModules: map[string]*goja.Object{},
		ctxStore:        map[string]any{},

		ExtraGuance: NewExtraGuanceData(),
	}
	return ft, nil
}

// IsRootTask reports whether this run was not spawned by another
// function.
func (ft *FuncTask) IsRootTask() bool {
	return ft.RootTaskID == RootTaskIDOfRootTask
}

// loadScript resolves a script through the loader with the per-task
// secondary cache in front.
func (ft *FuncTask) loadScript(ctx context.Context, scriptID string, draft bool) (*scriptload.Loaded, error) {
	if !strings.Contains(scriptID, "__") {
		return nil, nil
	}
	if !draft {
		if cached, ok := ft.loadedScripts[scriptID]; ok {
			return cached, nil
		}
	}

	loaded, err := ft.engine.Loader.Load(ctx, scriptID, draft)
	if err != nil {
		return nil, err
	}
	if loaded != nil && !draft {
		ft.loadedScripts[scriptID] = loaded
	}
	return loaded, nil
}

// log appends one captured print line, stamped with wall clock, delta
// from the previous line and total elapsed since start.
func (ft *FuncTask) log(message string) {
	now := time.Now()
	if ft.prevLogTime.IsZero() {
		ft.prevLogTime = now
	}

	var totalMS int64
	if ft.StartTime != nil {
		totalMS = now.UnixMilli() - int64(*ft.StartTime*1000)
	}

	ft.printLogs = append(ft.printLogs, printLogLine{
		Time:    now.In(ft.engine.loc).Format("01-02 15:04:05"),
		DeltaMS: now.Sub(ft.prevLogTime).Milliseconds(),
		TotalMS: totalMS,
		Message: message,
	})
	ft.prevLogTime = now
}

// addMaskValue registers a secret observed during the run (password
// env variables) for masking in the captured logs.
func (ft *FuncTask) addMaskValue(value string) {
	if value == "" {
		return
	}
	ft.maskValues = append(ft.maskValues, value)
}

// PrintLogLines renders the captured print log with secrets masked by
// longest-first replacement.
func (ft *FuncTask) PrintLogLines() []string {
	masks := append([]string(nil), ft.maskValues...)
	sort.Slice(masks, func(i, j int) bool { return len(masks[i]) > len(masks[j]) })

	lines := make([]string, 0, len(ft.printLogs))
	for _, l := range ft.printLogs {
		message := l.Message
		for _, m := range masks {
			message = strings.ReplaceAll(message, m, "*****")
		}
		lines = append(lines, fmt.Sprintf("[%s] [+%dms] [%dms] %s", l.Time, l.DeltaMS, l.TotalMS, message))
	}
	return lines
}

// ReducedPrintLogs renders the captured log bounded per line and in
// total for the task record.
func (ft *FuncTask) ReducedPrintLogs() string {
	cfg := ft.engine.Cfg

	lines := ft.PrintLogLines()
	for i, l := range lines {
		lines[i] = toolkit.LimitText(l, cfg.TaskRecordPrintLogLineLimit)
	}
	reduced := strings.TrimSpace(strings.Join(lines, "\n"))

	head, tail := cfg.TaskRecordPrintLogTotalHead, cfg.TaskRecordPrintLogTotalTail
	if len(reduced) > head+tail {
		tip := fmt.Sprintf("!!! Content too long, only FIRST %d chars and LAST %d are saved !!!", head, tail)
		skipped := fmt.Sprintf("<skipped %d chars>", len(reduced)-head-tail)
		reduced = strings.Join([]string{tip, reduced[:head] + "...", skipped, "..." + reduced[len(reduced)-tail:]}, "\n\n")
	}
	return reduced
}

// ReturnValue extracts the function return value from the task result.
func (ft *FuncTask) ReturnValue() any {
	if result, ok := ft.Result.(map[string]any); ok {
		return result["returnValue"]
	}
	return nil
}

// responseControlJSON extracts the response control block.
func (ft *FuncTask) responseControlJSON() string {
	if result, ok := ft.Result.(map[string]any); ok {
		return toolkit.JSONDumps(result["responseControl"])
	}
	return "null"
}

// cleanUp shuts down the task-scoped thread pool and drops per-task
// caches. Always runs, including after timeouts.
func (ft *FuncTask) cleanUp() {
	ft.Thread.Shutdown()
	ft.loadedScripts = map[string]*scriptload.Loaded{}
	ft.importedModules = map[string]*goja.Object{}
}

// MakeCacheResultKey builds the fingerprint key a cached function
// response is stored under.
func MakeCacheResultKey(funcID string, funcCallKwargs map[string]any) string {
	fingerprint := toolkit.MD5(toolkit.JSONDumps(funcCallKwargs))
	return toolkit.GlobalCacheKey("cache", "funcResult",
		"funcId", funcID,
		"kwargsMD5", fingerprint)
}

// ExtraGuanceData carries user-set tags/fields merged into uploaded
// task records.
type ExtraGuanceData struct {
	Tags     map[string]string
	Fields   map[string]any
	MoreData []map[string]any
}

func NewExtraGuanceData() *ExtraGuanceData {
	return &ExtraGuanceData{
		Tags:   map[string]string{},
		Fields: map[string]any{},
	}
}

func (d *ExtraGuanceData) SetTags(tags map[string]string) {
	for k, v := range tags {
		d.Tags[k] = v
	}
}

func (d *ExtraGuanceData) SetFields(fields map[string]any) {
	for k, v := range fields {
		d.Fields[k] = v
	}
}

func (d *ExtraGuanceData) AddMoreData(measurement string, tags map[string]string, fields map[string]any) {
	point := map[string]any{"measurement": measurement}
	if len(tags) > 0 {
		point["tags"] = tags
	}
	if len(fields) > 0 {
		point["fields"] = fields
	}
	d.MoreData = append(d.MoreData, point)
}

// envValue is one cached, casted env variable.
type envValue struct {
	raw      string
	casted   any
	md5      string
	password bool
	loadedAt time.Time
}

// castEnvValue applies the declared auto type casting. The casting set
// is a fixed table, not reflection.
func castEnvValue(kind, raw string) (any, error) {
	switch kind {
	case metastore.CastInteger:
		var v int64
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			return nil, fmt.Errorf("cast `%s` as integer: %w", raw, err)
		}
		return v, nil
	case metastore.CastFloat:
		var v float64
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			return nil, fmt.Errorf("cast `%s` as float: %w", raw, err)
		}
		return v, nil
	case metastore.CastBoolean:
		switch strings.ToLower(strings.TrimSpace(raw)) {
		case "true", "yes", "on", "1":
			return true, nil
		case "false", "no", "off", "0":
			return false, nil
		}
		return nil, fmt.Errorf("cast `%s` as boolean", raw)
	case metastore.CastJSON:
		var v any
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			return nil, fmt.Errorf("cast as json: %w", err)
		}
		return v, nil
	case metastore.CastCommaArray:
		parts := strings.Split(raw, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		return out, nil
	case metastore.CastPassword, metastore.CastString, "":
		return raw, nil
	default:
		return raw, nil
	}
}
