package runtime

import (
	"github.com/dop251/goja"

	"github.com/dataflux-func/dataflux-func/pkg/config"
)

var testVM = goja.New()

func strVal(s string) goja.Value { return testVM.ToValue(s) }
func intVal(i int) goja.Value    { return testVM.ToValue(i) }

func testCfg() *config.Config {
	return &config.Config{
		Timezone:                    "UTC",
		WorkerQueueCount:            10,
		FuncTaskTimeoutMin:          1,
		FuncTaskTimeoutMax:          3600,
		FuncTaskExpiresMin:          1,
		FuncTaskExpiresMax:          3600,
		FuncTaskCallChainLimit:      5,
		FuncTaskThreadPoolSize:      3,
		TaskRecordPrintLogLineLimit: 2000,
		TaskRecordPrintLogTotalHead: 10000,
		TaskRecordPrintLogTotalTail: 10000,
	}
}
