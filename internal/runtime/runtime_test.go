package runtime

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dataflux-func/dataflux-func/internal/task"
	"github.com/dataflux-func/dataflux-func/pkg/toolkit"
)

func newTestRegistry() *APIRegistry {
	return NewAPIRegistry(10, 1, 3600, 1, 3600)
}

func TestAPIRegistryRegister(t *testing.T) {
	reg := newTestRegistry()

	timeout := 60
	desc, err := reg.Register("plus", "Plus", &APIOptions{
		Timeout:        &timeout,
		DelayedCronJob: []int{60, 0, 60, 30},
		Category:       "math",
	})
	require.NoError(t, err)

	assert.Equal(t, "plus", desc.Name)
	assert.Equal(t, "math", desc.Category)
	assert.Equal(t, 60, *desc.ExtraConfig.Timeout)
	// Delayed list is deduplicated and sorted.
	assert.Equal(t, []int{0, 30, 60}, desc.ExtraConfig.DelayedCronJob)
	assert.Equal(t, 0, desc.DefOrder)
}

func TestAPIRegistryDuplicateName(t *testing.T) {
	reg := newTestRegistry()

	_, err := reg.Register("plus", "", nil)
	require.NoError(t, err)

	_, err = reg.Register("plus", "", nil)
	assert.ErrorIs(t, err, ErrDuplicatedFuncName)
}

func TestAPIRegistryValidation(t *testing.T) {
	badTimeout := 99999
	zeroQueue := 0
	badQueue := 42
	goodQueue := 3

	tests := []struct {
		name string
		opts *APIOptions
	}{
		{"timeout out of range", &APIOptions{Timeout: &badTimeout}},
		{"queue zero is reserved", &APIOptions{Queue: &zeroQueue}},
		{"queue out of range", &APIOptions{Queue: &badQueue}},
		{"six field fixed cron", &APIOptions{FixedCronExpr: "*/5 * * * * *"}},
		{"invalid fixed cron", &APIOptions{FixedCronExpr: "bogus"}},
		{"unknown integration", &APIOptions{Integration: "webhook"}},
	}

	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reg := newTestRegistry()
			_, err := reg.Register(fmt.Sprintf("fn%d", i), "", tt.opts)
			assert.Error(t, err)
		})
	}

	// Sanity: a valid queue and 5-field expression register fine.
	reg := newTestRegistry()
	_, err := reg.Register("ok", "", &APIOptions{
		Queue:         &goodQueue,
		FixedCronExpr: "*/5 * * * *",
		Integration:   "autoRun",
		IntegrationConfig: map[string]any{
			"cronExpr":       "*/5 * * * *",
			"onSystemLaunch": true,
		},
	})
	require.NoError(t, err)
}

func TestCastEnvValue(t *testing.T) {
	tests := []struct {
		kind    string
		raw     string
		want    any
		wantErr bool
	}{
		{"integer", "42", int64(42), false},
		{"integer", "abc", nil, true},
		{"float", "3.5", 3.5, false},
		{"boolean", "true", true, false},
		{"boolean", "off", false, false},
		{"boolean", "maybe", nil, true},
		{"json", `{"a":1}`, map[string]any{"a": float64(1)}, false},
		{"commaArray", "a, b ,c,", []string{"a", "b", "c"}, false},
		{"string", "plain", "plain", false},
		{"password", "secret", "secret", false},
	}

	for _, tt := range tests {
		t.Run(tt.kind+"/"+tt.raw, func(t *testing.T) {
			got, err := castEnvValue(tt.kind, tt.raw)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestPrintLogMasking(t *testing.T) {
	ft := &FuncTask{engine: &Engine{loc: time.UTC, Cfg: testCfg()}}

	ft.addMaskValue("pass")
	ft.addMaskValue("password123")

	ft.printLogs = []printLogLine{
		{Time: "08-02 12:00:00", Message: "connecting with password123 and pass"},
	}

	lines := ft.PrintLogLines()
	require.Len(t, lines, 1)
	// Longest-first replacement: "password123" masks whole, not as
	// "pass" + "word123".
	assert.NotContains(t, lines[0], "password123")
	assert.NotContains(t, lines[0], "word123")
	assert.Contains(t, lines[0], "*****")
}

func TestThreadHelper(t *testing.T) {
	h := NewThreadHelper(2)

	require.NoError(t, h.Submit("a", func() (any, error) { return 1, nil }))
	require.NoError(t, h.Submit("b", func() (any, error) { return 2, nil }))

	// Distinct keys are mandatory.
	err := h.Submit("a", func() (any, error) { return 3, nil })
	assert.ErrorIs(t, err, ErrDuplicatedThreadKey)

	value, err := h.GetResult("a", true)
	require.NoError(t, err)
	assert.Equal(t, 1, value)

	all := h.GetAllResults(true)
	assert.Len(t, all, 2)

	h.WaitAllFinished()
	assert.True(t, h.IsAllFinished())

	h.Shutdown()
	assert.Error(t, h.Submit("c", func() (any, error) { return nil, nil }))
}

func TestThreadHelperPopResult(t *testing.T) {
	h := NewThreadHelper(2)
	require.NoError(t, h.Submit("only", func() (any, error) { return "v", nil }))

	key, value, err, ok := h.PopResult(true)
	require.True(t, ok)
	require.NoError(t, err)
	assert.Equal(t, "only", key)
	assert.Equal(t, "v", value)

	_, _, _, ok = h.PopResult(false)
	assert.False(t, ok)
}

func TestMakeCacheResultKey(t *testing.T) {
	k1 := MakeCacheResultKey("demo__s.plus", map[string]any{"x": 10, "y": 20})
	k2 := MakeCacheResultKey("demo__s.plus", map[string]any{"x": 10, "y": 20})
	k3 := MakeCacheResultKey("demo__s.plus", map[string]any{"x": 10, "y": 21})

	// Identical fingerprints share a key, different kwargs do not.
	assert.Equal(t, k1, k2)
	assert.NotEqual(t, k1, k3)
	assert.Contains(t, k1, "funcId:demo__s.plus")
}

func TestFormatSQL(t *testing.T) {
	out, err := formatSQL("SELECT * FROM t WHERE id = ? AND n > ?", strVal("a'b"), intVal(5))
	require.NoError(t, err)
	assert.Equal(t, "SELECT * FROM t WHERE id = 'a''b' AND n > 5", out)

	_, err = formatSQL("SELECT ?", strVal("a"), strVal("b"))
	assert.Error(t, err)

	_, err = formatSQL("SELECT ?, ?")
	assert.Error(t, err)
}

func TestDecipherConnectorConfig(t *testing.T) {
	secret := "app-secret"
	connectorID := "cnct-demo"

	enciphered, err := toolkit.EncipherByAES("db-pass", secret, connectorID)
	require.NoError(t, err)

	configJSON := fmt.Sprintf(`{"host":"db.local","passwordCipher":%q}`, enciphered)
	config, err := DecipherConnectorConfig(connectorID, configJSON, secret)
	require.NoError(t, err)

	assert.Equal(t, "db.local", config["host"])
	assert.Equal(t, "db-pass", config["password"])
	assert.NotContains(t, config, "passwordCipher")
}

func TestUnsupportedConnectorKind(t *testing.T) {
	pool := NewConnectorPool("secret", 1)
	_, err := pool.build(t.Context(), "oracle", map[string]any{})
	assert.ErrorIs(t, err, ErrConnectorNotSupport)
}

func TestCallFuncGuards(t *testing.T) {
	_, ft, engine := newScopedVM(t)
	ctx := context.Background()

	// The current function id is already on the chain: calling it
	// again is circular.
	err := engine.callFunc(ctx, ft, "demo__script.plus", nil, 0)
	assert.ErrorIs(t, err, ErrFuncCircularCall)

	// An over-long chain is rejected before any lookup.
	ft.CallChain = []string{"a__s.f1", "a__s.f2", "a__s.f3", "a__s.f4", "a__s.f5"}
	err = engine.callFunc(ctx, ft, "b__s.f", nil, 0)
	assert.ErrorIs(t, err, ErrFuncCallChainTooLong)
}

func TestFuncResultCaching(t *testing.T) {
	_, ft, engine := newScopedVM(t)
	ctx := context.Background()

	ft.Status = task.StatusSuccess
	ft.Result = map[string]any{"returnValue": 30}
	ft.CacheResult = 300
	ft.CacheResultKey = MakeCacheResultKey(ft.FuncID, ft.FuncCallKwargs)

	r := &FuncRunner{ft: ft, engine: engine}
	r.onFinish(ctx)

	// A successful run stores its published response under the
	// fingerprint key for the cache window.
	raw, err := engine.Redis.Get(ctx, ft.CacheResultKey)
	require.NoError(t, err)
	assert.Contains(t, raw, `"status":"success"`)
	assert.Contains(t, raw, "30")
}
