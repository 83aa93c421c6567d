package tasks

import (
	"context"

	"github.com/dataflux-func/dataflux-func/internal/runtime"
	"github.com/dataflux-func/dataflux-func/internal/task"
	"github.com/dataflux-func/dataflux-func/pkg/toolkit"
)

// AutoRun enqueues every integration function flagged to run on system
// launch.
type AutoRun struct {
	t    *task.Task
	deps *Deps
}

func (a *AutoRun) Run(ctx context.Context) (any, error) {
	funcs, err := a.deps.Store.ListFuncsByIntegration(ctx, "autoRun")
	if err != nil {
		return nil, err
	}

	cfg := a.deps.Cfg

	enqueued := 0
	for _, fn := range funcs {
		extra := fn.ExtraConfig()
		if extra.IntegrationConfig == nil || !extra.IntegrationConfig.OnSystemLaunch {
			continue
		}

		timeout := cfg.FuncTaskTimeoutDefault
		if extra.Timeout != nil {
			timeout = *extra.Timeout
		}
		expires := cfg.FuncTaskExpiresDefault
		if extra.Expires != nil {
			expires = *extra.Expires
		}
		queueIdx := cfg.FuncTaskQueueDefault
		if extra.Queue != nil {
			queueIdx = *extra.Queue
		}

		req := &task.Request{
			Name: "Func.Runner",
			ID:   toolkit.GenTaskID(),
			Kwargs: map[string]any{
				"funcId":         fn.ID,
				"origin":         runtime.OriginIntegration,
				"originId":       "autoRun.onSystemLaunch-" + fn.ID,
				"scriptSetTitle": fn.ScriptSetTitle,
				"scriptTitle":    fn.ScriptTitle,
				"funcTitle":      fn.Title,
			},
			TriggerTime:  a.t.Req.TriggerTime,
			Queue:        queueIdx,
			Timeout:      timeout,
			Expires:      expires,
			IgnoreResult: true,
		}
		if err := a.deps.Fabric.PutTasks(ctx, req); err != nil {
			return nil, err
		}
		enqueued++
	}

	return map[string]any{"enqueued": enqueued}, nil
}
