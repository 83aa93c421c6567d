package tasks

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/dataflux-func/dataflux-func/internal/runtime"
	"github.com/dataflux-func/dataflux-func/pkg/config"
)

func TestExtractInfoField(t *testing.T) {
	info := "# Memory\r\nused_memory:1048576\r\nused_memory_human:1.00M\r\n"

	assert.Equal(t, "1048576", extractInfoField(info, "used_memory"))
	assert.Equal(t, "1.00M", extractInfoField(info, "used_memory_human"))
	assert.Empty(t, extractInfoField(info, "missing_field"))
}

func TestTaskRecordLimitByOrigin(t *testing.T) {
	cfg := &config.Config{
		TaskRecordLimitDefault:         1000,
		TaskRecordFuncLimitDirect:      100,
		TaskRecordFuncLimitIntegration: 200,
		TaskRecordFuncLimitConnector:   300,
	}
	f := &FlushDataBuffer{deps: &Deps{Cfg: cfg}}

	tests := []struct {
		origin string
		want   int
	}{
		{runtime.OriginDirect, 100},
		{runtime.OriginIntegration, 200},
		{runtime.OriginConnector, 300},
		{runtime.OriginCronJob, 1000},
		{runtime.OriginSyncAPI, 1000},
	}
	for _, tt := range tests {
		t.Run(tt.origin, func(t *testing.T) {
			record := &bufferedFuncRecord{Origin: tt.origin}
			assert.Equal(t, tt.want, f.taskRecordLimitFor(record))
		})
	}

	// An explicit request limit overrides the origin default.
	explicit := 5
	record := &bufferedFuncRecord{Origin: runtime.OriginDirect, TaskRecordLimit: &explicit}
	assert.Equal(t, 5, f.taskRecordLimitFor(record))
}

func TestTSOptionsModes(t *testing.T) {
	addUp := tsAddUp(3600)
	assert.True(t, addUp.AddUp)
	assert.EqualValues(t, 3600, addUp.MaxAge.Seconds())

	replace := tsReplace(60)
	assert.False(t, replace.AddUp)
	assert.EqualValues(t, 60, replace.MaxAge.Seconds())
}
