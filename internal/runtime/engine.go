package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dop251/goja"

	"github.com/dataflux-func/dataflux-func/internal/locks"
	"github.com/dataflux-func/dataflux-func/internal/metastore"
	"github.com/dataflux-func/dataflux-func/internal/queue"
	"github.com/dataflux-func/dataflux-func/internal/scriptload"
	"github.com/dataflux-func/dataflux-func/internal/task"
	"github.com/dataflux-func/dataflux-func/pkg/config"
	"github.com/dataflux-func/dataflux-func/pkg/database"
	"github.com/dataflux-func/dataflux-func/pkg/toolkit"
)

// Engine executes function runs: it loads scripts, builds the safe
// scope with the injected capability helpers, runs the entry function
// under the task's wall-clock timeout and captures its output.
type Engine struct {
	Cfg        *config.Config
	Redis      *database.Redis
	Store      *metastore.Store
	Loader     *scriptload.Loader
	Fabric     *queue.Fabric
	Locks      *locks.Service
	Connectors *ConnectorPool
	Logger     *slog.Logger

	loc *time.Location

	// Per-process env variable cache, invalidated through the shared
	// MD5 index like the script cache.
	envMu    sync.Mutex
	envCache map[string]*envValue
	envTTL   time.Duration
}

func NewEngine(
	cfg *config.Config,
	redis *database.Redis,
	store *metastore.Store,
	loader *scriptload.Loader,
	fabric *queue.Fabric,
	lockSvc *locks.Service,
	logger *slog.Logger,
) *Engine {
	return &Engine{
		Cfg:        cfg,
		Redis:      redis,
		Store:      store,
		Loader:     loader,
		Fabric:     fabric,
		Locks:      lockSvc,
		Connectors: NewConnectorPool(cfg.Secret, cfg.ConnectorPoolSize),
		Logger:     logger.With(slog.String("component", "func_runtime")),
		loc:        cfg.Location(),
		envCache:   map[string]*envValue{},
		envTTL:     time.Duration(cfg.ScriptLocalCacheExpires) * time.Second,
	}
}

// loadEnvVariable resolves one env variable with the MD5-checked
// per-process cache, deciphering passwords and applying the declared
// casting.
func (e *Engine) loadEnvVariable(ctx context.Context, ft *FuncTask, id string) (any, error) {
	md5Key := scriptload.MD5IndexKey(scriptload.DataTypeEnvVariable)

	e.envMu.Lock()
	cached, ok := e.envCache[id]
	e.envMu.Unlock()

	if ok && time.Since(cached.loadedAt) <= e.envTTL {
		remoteMD5, err := e.Redis.HGet(ctx, md5Key, id)
		if err == nil && remoteMD5 == cached.md5 {
			if cached.password {
				ft.addMaskValue(cached.raw)
			}
			return cached.casted, nil
		}
	}

	row, err := e.Store.GetEnvVariable(ctx, id)
	if err != nil {
		return nil, err
	}
	if row == nil {
		return nil, nil
	}

	valueMD5 := toolkit.MD5(row.ValueTEXT)

	raw := row.ValueTEXT
	if row.AutoTypeCasting == metastore.CastPassword {
		plain, err := toolkit.DecipherByAES(raw, e.Cfg.Secret, row.ID)
		if err != nil {
			return nil, fmt.Errorf("decipher env variable `%s`: %w", id, err)
		}
		raw = plain
	}

	casted, err := castEnvValue(row.AutoTypeCasting, raw)
	if err != nil {
		return nil, err
	}

	if err := e.Redis.HSet(ctx, md5Key, id, valueMD5); err != nil {
		return nil, err
	}

	e.envMu.Lock()
	e.envCache[id] = &envValue{
		raw:      raw,
		casted:   casted,
		md5:      valueMD5,
		password: row.AutoTypeCasting == metastore.CastPassword,
		loadedAt: time.Now(),
	}
	e.envMu.Unlock()

	if row.AutoTypeCasting == metastore.CastPassword {
		ft.addMaskValue(raw)
	}
	return casted, nil
}

// Apply loads the target script, evaluates it in a fresh scope and
// calls the entry function with the call kwargs. The watchdog
// interrupts the VM when the task deadline passes; the interruption is
// not recoverable by user code.
func (e *Engine) Apply(ctx context.Context, ft *FuncTask, draft bool) (*FuncResponse, error) {
	loaded, err := ft.loadScript(ctx, ft.ScriptID, draft)
	if err != nil {
		return nil, err
	}
	if loaded == nil {
		return nil, fmt.Errorf("%w: script `%s`", ErrEntityNotFound, ft.ScriptID)
	}
	ft.Script = loaded

	vm := goja.New()
	vm.SetFieldNameMapper(goja.UncapFieldNameMapper())
	ft.vm = vm
	ft.APIs = NewAPIRegistry(
		e.Cfg.WorkerQueueCount,
		e.Cfg.FuncTaskTimeoutMin, e.Cfg.FuncTaskTimeoutMax,
		e.Cfg.FuncTaskExpiresMin, e.Cfg.FuncTaskExpiresMax)

	if err := e.buildScope(ctx, vm, ft, draft); err != nil {
		return nil, err
	}

	// Watchdog: a context deadline becomes a VM interrupt, the sole
	// hard cancellation of user code.
	watchdogDone := make(chan struct{})
	defer close(watchdogDone)
	go func() {
		select {
		case <-ctx.Done():
			vm.Interrupt(task.ErrTaskTimeout)
		case <-watchdogDone:
		}
	}()

	if _, err := vm.RunProgram(loaded.Program); err != nil {
		return nil, e.mapVMError(err)
	}

	if ft.FuncName == "" {
		return NewFuncResponse(nil), nil
	}

	entry := vm.Get(ft.FuncName)
	fn, ok := goja.AssertFunction(entry)
	if !ok {
		return nil, fmt.Errorf("%w: function `%s.%s`", ErrEntityNotFound, ft.ScriptID, ft.FuncName)
	}

	e.Logger.Info("Calling entry function", slog.String("func_id", ft.FuncID))

	ret, err := fn(goja.Undefined(), vm.ToValue(ft.FuncCallKwargs))
	if err != nil {
		return nil, e.mapVMError(err)
	}

	return exportFuncResponse(ret), nil
}

// mapVMError converts goja errors to task errors: interrupts become
// the timeout signal, thrown JS values keep their message and stack.
func (e *Engine) mapVMError(err error) error {
	var interrupted *goja.InterruptedError
	if errors.As(err, &interrupted) {
		if taskErr, ok := interrupted.Value().(error); ok && errors.Is(taskErr, task.ErrTaskTimeout) {
			return task.ErrTaskTimeout
		}
		return fmt.Errorf("script interrupted: %v", interrupted.Value())
	}

	var exception *goja.Exception
	if errors.As(err, &exception) {
		// Helper errors thrown into user code and rethrown keep their
		// identity where possible.
		if wrapped := unwrapThrownError(exception); wrapped != nil {
			return wrapped
		}
		return fmt.Errorf("script exception: %s", exception.String())
	}
	return err
}

// unwrapThrownError digs a Go error back out of a JS exception thrown
// from a helper callback.
func unwrapThrownError(exception *goja.Exception) error {
	if obj, ok := exception.Value().Export().(error); ok {
		return obj
	}
	return nil
}

// exportFuncResponse normalizes the entry function's return into a
// FuncResponse.
func exportFuncResponse(v goja.Value) *FuncResponse {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return NewFuncResponse(nil)
	}

	exported := v.Export()
	if resp, ok := exported.(*FuncResponse); ok {
		return resp
	}
	return NewFuncResponse(exported)
}
