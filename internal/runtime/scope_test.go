package runtime

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/dop251/goja"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dataflux-func/dataflux-func/internal/scriptload"
	"github.com/dataflux-func/dataflux-func/internal/task"
	"github.com/dataflux-func/dataflux-func/pkg/database"
)

// newScopedVM builds a VM with the injected scope around a minimal
// function task, backed by miniredis.
func newScopedVM(t *testing.T) (*goja.Runtime, *FuncTask, *Engine) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	cfg := testCfg()
	deps := &task.Deps{
		Cfg:    cfg,
		Redis:  database.NewRedisFromClient(client),
		Logger: slog.Default(),
	}

	engine := &Engine{
		Cfg:      cfg,
		Redis:    deps.Redis,
		Logger:   slog.Default(),
		loc:      time.UTC,
		envCache: map[string]*envValue{},
		envTTL:   time.Minute,
	}

	base := task.New(deps, &task.Request{
		Name:        "Func.Runner",
		TriggerTime: 100,
		Queue:       1,
		Timeout:     30,
		Expires:     60,
		Kwargs: map[string]any{
			"funcId":   "demo__script.plus",
			"origin":   OriginSyncAPI,
			"originId": "sapi-demo",
		},
	})

	ft, err := NewFuncTask(engine, base)
	require.NoError(t, err)

	start := 100.0
	ft.StartTime = &start

	vm := goja.New()
	vm.SetFieldNameMapper(goja.UncapFieldNameMapper())
	ft.vm = vm
	ft.APIs = NewAPIRegistry(cfg.WorkerQueueCount,
		cfg.FuncTaskTimeoutMin, cfg.FuncTaskTimeoutMax,
		cfg.FuncTaskExpiresMin, cfg.FuncTaskExpiresMax)

	require.NoError(t, engine.buildScope(context.Background(), vm, ft, false))
	return vm, ft, engine
}

func TestFuncTaskDerivation(t *testing.T) {
	_, ft, _ := newScopedVM(t)

	assert.Equal(t, "demo__script.plus", ft.FuncID)
	assert.Equal(t, "demo__script", ft.ScriptID)
	assert.Equal(t, "plus", ft.FuncName)
	assert.Equal(t, "demo", ft.ScriptSetID)
	assert.Equal(t, "script", ft.ScriptName)
	assert.True(t, ft.IsRootTask())
	assert.Equal(t, []string{"demo__script.plus"}, ft.CallChain)
}

func TestScopeEntryFunction(t *testing.T) {
	vm, _, _ := newScopedVM(t)

	_, err := vm.RunString(`
		function plus(kwargs) {
			return kwargs.x + kwargs.y;
		}
		DFF.API('Plus', { cacheResult: 300 })(plus);
	`)
	require.NoError(t, err)

	entry, ok := goja.AssertFunction(vm.Get("plus"))
	require.True(t, ok)

	ret, err := entry(goja.Undefined(), vm.ToValue(map[string]any{"x": 10, "y": 20}))
	require.NoError(t, err)
	assert.EqualValues(t, 30, ret.ToInteger())
}

func TestScopeAPIRegistration(t *testing.T) {
	vm, ft, _ := newScopedVM(t)

	_, err := vm.RunString(`
		function job() { return 'ok' }
		DFF.API('Scheduled job', { fixedCronExpr: '*/5 * * * *', timeout: 60, tags: ['demo'] })(job);
	`)
	require.NoError(t, err)

	descs := ft.APIs.Descriptors()
	require.Len(t, descs, 1)
	assert.Equal(t, "job", descs[0].Name)
	assert.Equal(t, "Scheduled job", descs[0].Title)
	assert.Equal(t, "*/5 * * * *", descs[0].ExtraConfig.FixedCronExpr)
	assert.Equal(t, 60, *descs[0].ExtraConfig.Timeout)
}

func TestScopeAPIDuplicateThrows(t *testing.T) {
	vm, _, _ := newScopedVM(t)

	_, err := vm.RunString(`
		function dup() {}
		DFF.API('a')(dup);
		DFF.API('b')(dup);
	`)
	assert.Error(t, err)
}

func TestScopePrintCapture(t *testing.T) {
	vm, ft, _ := newScopedVM(t)

	_, err := vm.RunString(`
		print('hello', 'world');
		DFF.LOG('second line');
	`)
	require.NoError(t, err)

	lines := ft.PrintLogLines()
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], "hello world")
	assert.Contains(t, lines[1], "second line")
}

func TestScopeConstants(t *testing.T) {
	vm, _, _ := newScopedVM(t)

	v, err := vm.RunString(`_DFF_FUNC_ID`)
	require.NoError(t, err)
	assert.Equal(t, "demo__script.plus", v.String())

	v, err = vm.RunString(`_DFF_QUEUE`)
	require.NoError(t, err)
	assert.EqualValues(t, 1, v.ToInteger())
}

func TestScopeCacheHelper(t *testing.T) {
	vm, _, _ := newScopedVM(t)

	_, err := vm.RunString(`
		DFF.CACHE.set('greeting', {msg: 'hi'}, 0, '');
		var got = DFF.CACHE.get('greeting', '');
	`)
	require.NoError(t, err)

	got := vm.Get("got")
	exported, ok := got.Export().(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "hi", exported["msg"])
}

func TestScopeCtxHelper(t *testing.T) {
	vm, _, _ := newScopedVM(t)

	v, err := vm.RunString(`
		DFF.CTX.set('k', 41);
		DFF.CTX.get('k') + 1;
	`)
	require.NoError(t, err)
	assert.EqualValues(t, 42, v.ToInteger())
}

func TestInterruptMapsToTimeout(t *testing.T) {
	vm, _, engine := newScopedVM(t)

	go func() {
		time.Sleep(50 * time.Millisecond)
		vm.Interrupt(task.ErrTaskTimeout)
	}()

	_, err := vm.RunString(`for (;;) {}`)
	require.Error(t, err)
	assert.ErrorIs(t, engine.mapVMError(err), task.ErrTaskTimeout)
}

func TestCompiledScriptProgramRuns(t *testing.T) {
	vm, _, _ := newScopedVM(t)

	program, err := goja.Compile("demo__script", `function plus(kw){ return kw.x + kw.y }`, true)
	require.NoError(t, err)

	loaded := &scriptload.Loaded{ScriptID: "demo__script", Program: program}
	_, err = vm.RunProgram(loaded.Program)
	require.NoError(t, err)

	_, ok := goja.AssertFunction(vm.Get("plus"))
	assert.True(t, ok)
}
