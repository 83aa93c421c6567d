package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "DataFluxFunc", cfg.AppName)
	assert.Equal(t, 10, cfg.WorkerQueueCount)
	assert.Equal(t, 5, cfg.WorkerConcurrency)
	assert.Equal(t, "* * * * * *", cfg.CronExprCronJobStarter)
	assert.NotZero(t, cfg.FuncTaskCallChainLimit)
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("DFF_WORKERQUEUECOUNT", "4")
	t.Setenv("DFF_APPNAME", "TestFunc")

	cfg, err := Load()
	require.NoError(t, err)

	// Env vars with the DFF_ prefix override file values, coerced by
	// the default's type.
	assert.Equal(t, 4, cfg.WorkerQueueCount)
	assert.Equal(t, "TestFunc", cfg.AppName)
}

func TestCustomEnvs(t *testing.T) {
	t.Setenv("DFF_CUSTOM_MY_KEY", "my-value")

	custom := CustomEnvs()
	assert.Equal(t, "my-value", custom["MY_KEY"])
}

func TestLocationFallback(t *testing.T) {
	cfg := &Config{Timezone: "Not/AZone"}
	assert.Equal(t, time.UTC, cfg.Location())

	cfg = &Config{Timezone: "Asia/Shanghai"}
	assert.Equal(t, "Asia/Shanghai", cfg.Location().String())
}

func TestParseDurationWithDays(t *testing.T) {
	tests := []struct {
		in   string
		want time.Duration
	}{
		{"30m", 30 * time.Minute},
		{"7d", 7 * 24 * time.Hour},
		{"1d12h", 36 * time.Hour},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseDurationWithDays(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := ParseDurationWithDays("bogus")
	assert.Error(t, err)
}
