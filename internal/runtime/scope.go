package runtime

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/dop251/goja"

	"github.com/dataflux-func/dataflux-func/internal/metastore"
	"github.com/dataflux-func/dataflux-func/internal/task"
	"github.com/dataflux-func/dataflux-func/pkg/config"
	"github.com/dataflux-func/dataflux-func/pkg/toolkit"
)

// buildScope populates a fresh VM with the task-bound constants and
// the DFF capability object. Everything user code can reach is
// injected here.
func (e *Engine) buildScope(ctx context.Context, vm *goja.Runtime, ft *FuncTask, debug bool) error {
	consts := map[string]any{
		"_DFF_DEBUG":              debug,
		"_DFF_TASK_ID":            ft.Req.ID,
		"_DFF_ROOT_TASK_ID":       ft.RootTaskID,
		"_DFF_SCRIPT_SET_ID":      ft.ScriptSetID,
		"_DFF_SCRIPT_ID":          ft.ScriptID,
		"_DFF_FUNC_ID":            ft.FuncID,
		"_DFF_FUNC_NAME":          ft.FuncName,
		"_DFF_FUNC_CHAIN":         ft.CallChain,
		"_DFF_ORIGIN":             ft.Origin,
		"_DFF_ORIGIN_ID":          ft.OriginID,
		"_DFF_TRIGGER_TIME":       int64(ft.Req.TriggerTime),
		"_DFF_TRIGGER_TIME_MS":    ft.TriggerTimeMS(),
		"_DFF_CRON_EXPR":          ft.CronExpr,
		"_DFF_CRON_JOB_DELAY":     ft.CronJobDelay,
		"_DFF_CRON_JOB_EXEC_MODE": ft.CronJobExecMode,
		"_DFF_QUEUE":              ft.Req.Queue,
		"_DFF_HTTP_REQUEST":       ft.HTTPRequest,
	}
	if ft.StartTime != nil {
		consts["_DFF_START_TIME"] = int64(*ft.StartTime)
		consts["_DFF_START_TIME_MS"] = int64(*ft.StartTime * 1000)
	}
	for name, value := range consts {
		if err := vm.Set(name, value); err != nil {
			return err
		}
	}

	dff := vm.NewObject()

	// Print log capture: LOG / print / VAR all land in the captured,
	// time-stamped log list.
	logFn := func(args ...goja.Value) {
		parts := make([]string, len(args))
		for i, a := range args {
			parts[i] = a.String()
		}
		ft.log(strings.Join(parts, " "))
	}
	varFn := func(args ...goja.Value) {
		for _, a := range args {
			ft.log(fmt.Sprintf("[VAR] type=`%s`, value=`%s`", a.ExportType(), a.String()))
		}
	}
	_ = dff.Set("LOG", logFn)
	_ = dff.Set("VAR", varFn)
	_ = vm.Set("print", logFn)

	// API decorator: DFF.API(title, opts) returns a wrapper that
	// registers the function descriptor and hands the function back.
	_ = dff.Set("API", func(call goja.FunctionCall) goja.Value {
		title := ""
		if len(call.Arguments) > 0 && !goja.IsUndefined(call.Argument(0)) {
			title = call.Argument(0).String()
		}

		var opts APIOptions
		if len(call.Arguments) > 1 && !goja.IsUndefined(call.Argument(1)) && !goja.IsNull(call.Argument(1)) {
			if err := vm.ExportTo(call.Argument(1), &opts); err != nil {
				panic(vm.NewGoError(fmt.Errorf("%w: %s", ErrInvalidAPIOption, err.Error())))
			}
		}

		return vm.ToValue(func(fn goja.Value) goja.Value {
			fnObj := fn.ToObject(vm)
			name := fnObj.Get("name").String()

			if _, err := ft.APIs.Register(name, title, &opts); err != nil {
				panic(vm.NewGoError(err))
			}
			return fn
		})
	})

	// Connector helper.
	conn := vm.NewObject()
	_ = conn.Set("get", func(connectorID string) (*connectorHandle, error) {
		row, err := e.Store.GetConnector(ctx, connectorID)
		if err != nil {
			return nil, err
		}
		if row == nil {
			return nil, fmt.Errorf("%w: connector `%s`", ErrEntityNotFound, connectorID)
		}
		client, err := e.Connectors.Get(ctx, row)
		if err != nil {
			return nil, err
		}
		return &connectorHandle{ctx: ctx, client: client, connectorType: row.Type}, nil
	})
	_ = conn.Set("query", func(connectorType string) ([]map[string]any, error) {
		rows, err := e.Store.ListConnectors(ctx, connectorType)
		if err != nil {
			return nil, err
		}
		out := make([]map[string]any, 0, len(rows))
		for _, c := range rows {
			out = append(out, map[string]any{"id": c.ID, "title": c.Title, "type": c.Type})
		}
		return out, nil
	})
	_ = dff.Set("CONN", conn)

	// Env variable helper.
	env := vm.NewObject()
	_ = env.Set("get", func(id string) (any, error) {
		return e.loadEnvVariable(ctx, ft, id)
	})
	_ = env.Set("keys", func() ([]string, error) {
		return e.Store.ListEnvVariableIDs(ctx)
	})
	_ = dff.Set("ENV", env)

	// Context helper: per-task scratch space.
	ctxHelper := vm.NewObject()
	_ = ctxHelper.Set("has", func(key string) bool { _, ok := ft.ctxStore[key]; return ok })
	_ = ctxHelper.Set("get", func(key string) any { return ft.ctxStore[key] })
	_ = ctxHelper.Set("getAll", func() map[string]any { return ft.ctxStore })
	_ = ctxHelper.Set("set", func(key string, value goja.Value) { ft.ctxStore[key] = value.Export() })
	_ = ctxHelper.Set("delete", func(key string) { delete(ft.ctxStore, key) })
	_ = ctxHelper.Set("clear", func() { ft.ctxStore = map[string]any{} })
	_ = dff.Set("CTX", ctxHelper)

	e.buildStoreHelper(ctx, vm, dff, ft)
	e.buildCacheHelper(ctx, vm, dff, ft)

	// Config helper: user-defined custom keys only.
	cfgHelper := vm.NewObject()
	_ = cfgHelper.Set("get", func(key string) any {
		if v, ok := config.CustomEnvs()[key]; ok {
			return v
		}
		return nil
	})
	_ = cfgHelper.Set("query", func() map[string]string { return config.CustomEnvs() })
	_ = dff.Set("CONFIG", cfgHelper)

	_ = dff.Set("SQL", formatSQL)
	_ = dff.Set("RSRC", func(parts ...string) string {
		return filepath.Join(append([]string{e.Cfg.ResourceRootPath}, parts...)...)
	})
	_ = dff.Set("SIGN", func(args ...goja.Value) string {
		parts := make([]string, len(args))
		for i, a := range args {
			parts[i] = a.String()
		}
		return toolkit.MD5(strings.Join(parts, "-"))
	})

	// Response constructors.
	_ = dff.Set("RESP", func(data goja.Value) *FuncResponse {
		return NewFuncResponse(export(data))
	})
	_ = dff.Set("RESP_FILE", func(filePath string) *FuncResponse {
		return NewFuncResponseFile(filePath)
	})
	_ = dff.Set("RESP_LARGE_DATA", func(data goja.Value, contentType string) *FuncResponse {
		return NewFuncResponseLargeData(export(data), contentType)
	})
	_ = dff.Set("REDIRECT", func(url string) *FuncResponse {
		return NewFuncRedirect(url)
	})

	// Sub-task call helpers.
	_ = dff.Set("FUNC", func(funcID string, kwargs map[string]any) error {
		return e.callFunc(ctx, ft, funcID, kwargs, 0)
	})
	_ = dff.Set("BLUEPRINT", func(blueprintID string, kwargs map[string]any) error {
		return e.callFunc(ctx, ft, fmt.Sprintf("_bp_%s__main.run", blueprintID), kwargs, 0)
	})

	// Thread helper: task-scoped pool, distinct keys mandatory.
	thread := vm.NewObject()
	_ = thread.Set("setPoolSize", ft.Thread.SetPoolSize)
	_ = thread.Set("poolSize", ft.Thread.PoolSize)
	_ = thread.Set("submit", func(key string, fn goja.Value) error {
		callable, ok := goja.AssertFunction(fn)
		if !ok {
			return fmt.Errorf("THREAD.submit requires a function")
		}
		// The VM is single-threaded: the JS callable evaluates here on
		// the VM goroutine; only result bookkeeping rides the pool.
		ret, callErr := callable(goja.Undefined())
		return ft.Thread.Submit(key, func() (any, error) {
			if callErr != nil {
				return nil, callErr
			}
			return export(ret), nil
		})
	})
	_ = thread.Set("getResult", func(key string, wait bool) (any, error) {
		return ft.Thread.GetResult(key, wait)
	})
	_ = thread.Set("getAllResults", func(wait bool) map[string]any {
		return ft.Thread.GetAllResults(wait)
	})
	_ = thread.Set("popResult", func(wait bool) (any, error) {
		key, value, err, ok := ft.Thread.PopResult(wait)
		if !ok {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		return map[string]any{"key": key, "value": value}, nil
	})
	_ = thread.Set("waitAllFinished", ft.Thread.WaitAllFinished)
	_ = thread.Set("isAllFinished", ft.Thread.IsAllFinished)
	_ = dff.Set("THREAD", thread)

	e.buildEntityHelpers(ctx, vm, dff, ft)

	// Toolkit subset exposed to scripts.
	tk := vm.NewObject()
	_ = tk.Set("jsonDumps", func(v goja.Value) string { return toolkit.JSONDumps(export(v)) })
	_ = tk.Set("md5", toolkit.MD5)
	_ = tk.Set("genUUID", toolkit.GenUUID)
	_ = tk.Set("now", func() int64 { return time.Now().Unix() })
	_ = tk.Set("nowMs", func() int64 { return time.Now().UnixMilli() })
	_ = dff.Set("TOOLKIT", tk)

	// Extra uploaded-record data.
	extra := vm.NewObject()
	_ = extra.Set("setTags", ft.ExtraGuance.SetTags)
	_ = extra.Set("setFields", ft.ExtraGuance.SetFields)
	_ = extra.Set("addMoreData", ft.ExtraGuance.AddMoreData)
	_ = dff.Set("EXTRA_GUANCE_DATA", extra)

	// User-script import hook: names carrying the `__` delimiter
	// resolve as scripts, everything else is rejected as non-user.
	_ = dff.Set("IMPORT", func(name string) (*goja.Object, error) {
		return e.importScript(ctx, vm, ft, name)
	})

	return vm.Set("DFF", dff)
}

func export(v goja.Value) any {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return nil
	}
	return v.Export()
}

// connectorHandle is the script-facing wrapper over a connector
// client.
type connectorHandle struct {
	ctx           context.Context
	client        ConnectorClient
	connectorType string
}

func (h *connectorHandle) Check() error {
	return h.client.Check(h.ctx)
}

func (h *connectorHandle) Query(statement string, args ...goja.Value) (any, error) {
	exported := make([]any, len(args))
	for i, a := range args {
		exported[i] = export(a)
	}
	return h.client.Query(h.ctx, statement, exported...)
}

func (h *connectorHandle) Type() string {
	return h.connectorType
}

// callFunc enqueues another function run, guarding against circular
// calls and over-long call chains.
func (e *Engine) callFunc(ctx context.Context, ft *FuncTask, funcID string, kwargs map[string]any, queueOverride int) error {
	chainInfo := "`" + strings.Join(ft.CallChain, "` -> `") + "`"

	if len(ft.CallChain) >= e.Cfg.FuncTaskCallChainLimit {
		return fmt.Errorf("%w: %s", ErrFuncCallChainTooLong, chainInfo)
	}
	for _, id := range ft.CallChain {
		if id == funcID {
			return fmt.Errorf("%w: %s -> [%s]", ErrFuncCircularCall, chainInfo, funcID)
		}
	}

	fn, err := e.Store.GetFunc(ctx, funcID)
	if err != nil {
		return err
	}
	if fn == nil {
		return fmt.Errorf("%w: function `%s`", ErrEntityNotFound, funcID)
	}

	extra := fn.ExtraConfig()

	queueIdx := ft.Req.Queue
	if queueOverride > 0 {
		queueIdx = queueOverride
	} else if extra.Queue != nil {
		queueIdx = *extra.Queue
	}

	timeout := e.Cfg.FuncTaskTimeoutDefault
	if extra.Timeout != nil {
		timeout = *extra.Timeout
	}
	expires := e.Cfg.FuncTaskExpiresDefault
	if extra.Expires != nil {
		expires = *extra.Expires
	}

	req := &task.Request{
		Name: "Func.Runner",
		ID:   toolkit.GenTaskID(),
		Kwargs: map[string]any{
			"rootTaskId":     ft.Req.ID,
			"funcId":         funcID,
			"funcCallKwargs": kwargs,
			"origin":         ft.Origin,
			"originId":       ft.OriginID,
			"cronExpr":       ft.CronExpr,
			"callChain":      ft.CallChain,
			"scriptSetTitle": fn.ScriptSetTitle,
			"scriptTitle":    fn.ScriptTitle,
			"funcTitle":      fn.Title,
		},
		TriggerTime:     ft.Req.TriggerTime,
		Queue:           queueIdx,
		Timeout:         timeout,
		Expires:         expires,
		IgnoreResult:    true,
		TaskRecordLimit: ft.Req.TaskRecordLimit,
	}
	return e.Fabric.PutTasks(ctx, req)
}

// importScript loads and evaluates another user script inside the same
// VM, returning its newly declared bindings as a module object.
// `__name` is shorthand for a script of the same script set.
func (e *Engine) importScript(ctx context.Context, vm *goja.Runtime, ft *FuncTask, name string) (*goja.Object, error) {
	scriptID := name
	if strings.HasPrefix(name, "__") {
		scriptID = ft.ScriptSetID + name
	}
	if !strings.Contains(scriptID, "__") {
		return nil, fmt.Errorf("%w: `%s`", ErrInvalidImport, name)
	}

	if module, ok := ft.importedModules[scriptID]; ok {
		return module, nil
	}

	loaded, err := ft.loadScript(ctx, scriptID, false)
	if err != nil {
		return nil, err
	}
	if loaded == nil {
		return nil, fmt.Errorf("%w: script `%s`", ErrEntityNotFound, scriptID)
	}

	global := vm.GlobalObject()
	before := map[string]struct{}{}
	for _, k := range global.Keys() {
		before[k] = struct{}{}
	}

	if _, err := vm.RunProgram(loaded.Program); err != nil {
		return nil, e.mapVMError(err)
	}

	module := vm.NewObject()
	for _, k := range global.Keys() {
		if _, existed := before[k]; existed {
			continue
		}
		_ = module.Set(k, global.Get(k))
	}

	ft.importedModules[scriptID] = module
	return module, nil
}

// formatSQL renders `?` placeholders with quoted arguments, for
// scripts building statements for connectors without bind support.
func formatSQL(statement string, args ...goja.Value) (string, error) {
	var sb strings.Builder
	argIdx := 0
	for _, ch := range statement {
		if ch != '?' {
			sb.WriteRune(ch)
			continue
		}
		if argIdx >= len(args) {
			return "", fmt.Errorf("not enough arguments for SQL placeholders")
		}
		sb.WriteString(quoteSQLValue(export(args[argIdx])))
		argIdx++
	}
	if argIdx != len(args) {
		return "", fmt.Errorf("too many arguments for SQL placeholders")
	}
	return sb.String(), nil
}

func quoteSQLValue(v any) string {
	switch val := v.(type) {
	case nil:
		return "NULL"
	case bool:
		if val {
			return "TRUE"
		}
		return "FALSE"
	case int64, float64, int:
		return fmt.Sprintf("%v", val)
	case string:
		return "'" + strings.ReplaceAll(val, "'", "''") + "'"
	case []any:
		parts := make([]string, len(val))
		for i, item := range val {
			parts[i] = quoteSQLValue(item)
		}
		return strings.Join(parts, ", ")
	default:
		return "'" + strings.ReplaceAll(fmt.Sprintf("%v", val), "'", "''") + "'"
	}
}

// buildStoreHelper wires the durable scoped key/value store (STORE).
func (e *Engine) buildStoreHelper(ctx context.Context, vm *goja.Runtime, dff *goja.Object, ft *FuncTask) {
	defaultScope := ft.ScriptID

	resolveScope := func(scope string) string {
		if scope == "" {
			return defaultScope
		}
		return scope
	}

	store := vm.NewObject()
	_ = store.Set("set", func(key string, value goja.Value, expires float64, scope string) error {
		var expireAt *int64
		if expires > 0 {
			at := time.Now().Unix() + int64(expires)
			expireAt = &at
		}
		entry := &metastore.FuncStoreEntry{
			ID:        "fnst-" + toolkit.MD5(resolveScope(scope)+"|"+key),
			Scope:     resolveScope(scope),
			Key:       key,
			ValueJSON: toolkit.JSONDumps(export(value)),
			ExpireAt:  expireAt,
		}
		_, err := e.Store.SetFuncStore(ctx, entry, false)
		return err
	})
	_ = store.Set("get", func(key, scope string) (any, error) {
		entry, err := e.Store.GetFuncStore(ctx, resolveScope(scope), key, time.Now().Unix())
		if err != nil || entry == nil {
			return nil, err
		}
		var out any
		if err := jsonUnmarshal(entry.ValueJSON, &out); err != nil {
			return nil, err
		}
		return out, nil
	})
	_ = store.Set("keys", func(pattern, scope string) ([]string, error) {
		if pattern == "" {
			pattern = "%"
		} else {
			pattern = strings.ReplaceAll(pattern, "*", "%")
		}
		return e.Store.ListFuncStoreKeys(ctx, resolveScope(scope), pattern, time.Now().Unix())
	})
	_ = store.Set("delete", func(key, scope string) error {
		return e.Store.DeleteFuncStore(ctx, resolveScope(scope), key)
	})
	_ = dff.Set("STORE", store)
}

// buildCacheHelper wires the volatile scoped cache (CACHE) on the
// shared store.
func (e *Engine) buildCacheHelper(ctx context.Context, vm *goja.Runtime, dff *goja.Object, ft *FuncTask) {
	defaultScope := ft.ScriptID

	scopedKey := func(key, scope string) string {
		if scope == "" {
			scope = defaultScope
		}
		return toolkit.GlobalCacheKey("funcCache", scope, "key", key)
	}

	cache := vm.NewObject()
	_ = cache.Set("set", func(key string, value goja.Value, expires float64, scope string) error {
		var ttl time.Duration
		if expires > 0 {
			ttl = time.Duration(expires * float64(time.Second))
		}
		return e.Redis.Set(ctx, scopedKey(key, scope), toolkit.JSONDumps(export(value)), ttl)
	})
	_ = cache.Set("get", func(key, scope string) (any, error) {
		raw, err := e.Redis.Get(ctx, scopedKey(key, scope))
		if err != nil || raw == "" {
			return nil, err
		}
		var out any
		if err := jsonUnmarshal(raw, &out); err != nil {
			return raw, nil
		}
		return out, nil
	})
	_ = cache.Set("delete", func(key, scope string) error {
		return e.Redis.Delete(ctx, scopedKey(key, scope))
	})
	_ = cache.Set("incr", func(key, scope string) (int64, error) {
		return e.Redis.Client.Incr(ctx, scopedKey(key, scope)).Result()
	})
	_ = cache.Set("expire", func(key string, expires float64, scope string) error {
		return e.Redis.Client.Expire(ctx, scopedKey(key, scope),
			time.Duration(expires*float64(time.Second))).Err()
	})
	_ = cache.Set("hset", func(key, field string, value goja.Value, scope string) error {
		return e.Redis.HSet(ctx, scopedKey(key, scope), field, toolkit.JSONDumps(export(value)))
	})
	_ = cache.Set("hget", func(key, field, scope string) (any, error) {
		raw, err := e.Redis.HGet(ctx, scopedKey(key, scope), field)
		if err != nil || raw == "" {
			return nil, err
		}
		var out any
		if err := jsonUnmarshal(raw, &out); err != nil {
			return raw, nil
		}
		return out, nil
	})
	_ = cache.Set("hgetall", func(key, scope string) (map[string]string, error) {
		return e.Redis.HGetAll(ctx, scopedKey(key, scope))
	})
	_ = cache.Set("hdel", func(key, field, scope string) error {
		return e.Redis.HDel(ctx, scopedKey(key, scope), field)
	})
	_ = cache.Set("lpush", func(key string, value goja.Value, scope string) error {
		return e.Redis.Push(ctx, scopedKey(key, scope), toolkit.JSONDumps(export(value)))
	})
	_ = cache.Set("rpop", func(key, scope string) (string, error) {
		return e.Redis.Pop(ctx, scopedKey(key, scope))
	})
	_ = cache.Set("publish", func(topic string, message goja.Value, scope string) error {
		return e.Redis.Publish(ctx, scopedKey(topic, scope), toolkit.JSONDumps(export(message)))
	})
	_ = dff.Set("CACHE", cache)
}

// buildEntityHelpers wires SYNC_API / ASYNC_API / CRON_JOB.
func (e *Engine) buildEntityHelpers(ctx context.Context, vm *goja.Runtime, dff *goja.Object, ft *FuncTask) {
	makeAPIHelper := func(table, origin string, defaultQueue, defaultTimeout int) *goja.Object {
		helper := vm.NewObject()
		_ = helper.Set("get", func(id string) (map[string]any, error) {
			entry, err := e.Store.GetAPIEntry(ctx, table, id)
			if err != nil || entry == nil {
				return nil, err
			}
			return map[string]any{
				"id":              entry.ID,
				"funcId":          entry.FuncID,
				"funcCallKwargs":  entry.FuncCallKwargsJSON,
				"taskRecordLimit": entry.TaskRecordLimit,
			}, nil
		})
		_ = helper.Set("call", func(id string, kwargs map[string]any) error {
			entry, err := e.Store.GetAPIEntry(ctx, table, id)
			if err != nil {
				return err
			}
			if entry == nil {
				return fmt.Errorf("%w: `%s`", ErrEntityNotFound, id)
			}

			callKwargs := map[string]any{}
			if entry.FuncCallKwargsJSON != "" {
				_ = jsonUnmarshal(entry.FuncCallKwargsJSON, &callKwargs)
			}
			for k, v := range kwargs {
				callKwargs[k] = v
			}

			now, err := e.Redis.Timestamp(ctx)
			if err != nil {
				return err
			}

			req := &task.Request{
				Name: "Func.Runner",
				ID:   toolkit.GenTaskID(),
				Kwargs: map[string]any{
					"funcId":         entry.FuncID,
					"funcCallKwargs": callKwargs,
					"origin":         origin,
					"originId":       entry.ID,
				},
				TriggerTime:     now,
				Queue:           defaultQueue,
				Timeout:         defaultTimeout,
				Expires:         e.Cfg.FuncTaskExpiresDefault,
				IgnoreResult:    true,
				TaskRecordLimit: entry.TaskRecordLimit,
			}
			return e.Fabric.PutTasks(ctx, req)
		})
		return helper
	}

	_ = dff.Set("SYNC_API", makeAPIHelper(metastore.TableSyncAPI, OriginSyncAPI,
		e.Cfg.FuncTaskQueueSyncAPI, e.Cfg.FuncTaskSyncAPITimeout))
	_ = dff.Set("ASYNC_API", makeAPIHelper(metastore.TableAsyncAPI, OriginAsyncAPI,
		e.Cfg.FuncTaskQueueAsyncAPI, e.Cfg.FuncTaskAsyncAPITimeout))

	// Cron Job helper: dynamic cron expressions and pause flags live
	// in shared hashes joined by the starter.
	cronJob := vm.NewObject()

	resolveCronJobID := func(id string) (string, error) {
		if id != "" {
			return id, nil
		}
		if ft.Origin == OriginCronJob && ft.OriginID != "" {
			return ft.OriginID, nil
		}
		return "", fmt.Errorf("%w: no cron job in context and no id given", ErrBadEntityCall)
	}

	_ = cronJob.Set("setCronExpr", func(cronExpr string, expires float64, id string) error {
		cronJobID, err := resolveCronJobID(id)
		if err != nil {
			return err
		}
		if !isValidCron(cronExpr) {
			return fmt.Errorf("%w: invalid cron expression `%s`", ErrBadEntityCall, cronExpr)
		}

		value := map[string]any{"value": cronExpr}
		if expires > 0 {
			value["expireTime"] = time.Now().Unix() + int64(expires)
		}
		return e.Redis.HSet(ctx, DynamicCronExprKey(), cronJobID, toolkit.JSONDumps(value))
	})
	_ = cronJob.Set("getCronExpr", func(id string) (any, error) {
		cronJobID, err := resolveCronJobID(id)
		if err != nil {
			return nil, err
		}
		raw, err := e.Redis.HGet(ctx, DynamicCronExprKey(), cronJobID)
		if err != nil || raw == "" {
			return nil, err
		}
		var decoded map[string]any
		if err := jsonUnmarshal(raw, &decoded); err != nil {
			return nil, err
		}
		return decoded["value"], nil
	})
	_ = cronJob.Set("clearCronExpr", func(id string) error {
		cronJobID, err := resolveCronJobID(id)
		if err != nil {
			return err
		}
		return e.Redis.HDel(ctx, DynamicCronExprKey(), cronJobID)
	})
	_ = cronJob.Set("pause", func(expires float64, id string) error {
		cronJobID, err := resolveCronJobID(id)
		if err != nil {
			return err
		}
		expireTime := time.Now().Unix() + int64(expires)
		return e.Redis.HSet(ctx, CronJobPauseKey(), cronJobID, fmt.Sprintf("%d", expireTime))
	})
	_ = dff.Set("CRON_JOB", cronJob)
}

// DynamicCronExprKey is the shared hash of per-cron-job dynamic cron
// expression overrides.
func DynamicCronExprKey() string {
	return toolkit.GlobalCacheKey("cronJob", "dynamicCronExpr")
}

// CronJobPauseKey is the shared hash of per-cron-job pause flags
// (value: expire time of the pause).
func CronJobPauseKey() string {
	return toolkit.GlobalCacheKey("cronJob", "pause")
}
