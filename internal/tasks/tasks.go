// Package tasks holds the internal task classes: system metrics,
// buffer flushing, cleaning, MD5 reloading, connector checks, auto-run
// and queue-limit publication. They are ordinary tasks that happen to
// operate on the platform's own plumbing.
package tasks

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/dataflux-func/dataflux-func/internal/metastore"
	"github.com/dataflux-func/dataflux-func/internal/observ"
	"github.com/dataflux-func/dataflux-func/internal/queue"
	"github.com/dataflux-func/dataflux-func/internal/runtime"
	"github.com/dataflux-func/dataflux-func/internal/task"
	"github.com/dataflux-func/dataflux-func/pkg/config"
	"github.com/dataflux-func/dataflux-func/pkg/database"
)

// Deps are the shared components internal tasks run against.
type Deps struct {
	Cfg        *config.Config
	Redis      *database.Redis
	Store      *metastore.Store
	Fabric     *queue.Fabric
	Connectors *runtime.ConnectorPool

	settingsMu   sync.Mutex
	settings     map[string]string
	settingsAt   time.Time
	settingsTTL  time.Duration
}

func NewDeps(cfg *config.Config, redis *database.Redis, store *metastore.Store, fabric *queue.Fabric) *Deps {
	return &Deps{
		Cfg:         cfg,
		Redis:       redis,
		Store:       store,
		Fabric:      fabric,
		Connectors:  runtime.NewConnectorPool(cfg.Secret, cfg.ConnectorPoolSize),
		settingsTTL: 15 * time.Second,
	}
}

// SystemSettings reads the platform toggles with a short local cache.
func (d *Deps) SystemSettings(ctx context.Context) map[string]string {
	d.settingsMu.Lock()
	defer d.settingsMu.Unlock()

	if d.settings != nil && time.Since(d.settingsAt) < d.settingsTTL {
		return d.settings
	}

	ids := []string{
		metastore.SettingLocalFuncTaskRecordEnabled,
		metastore.SettingGuanceDataUploadEnabled,
		metastore.SettingGuanceDataUploadURL,
		metastore.SettingGuanceDataSiteName,
	}
	settings, err := d.Store.GetSystemSettings(ctx, ids)
	if err != nil {
		if d.settings != nil {
			return d.settings
		}
		settings = map[string]string{}
	}

	d.settings = settings
	d.settingsAt = time.Now()
	return settings
}

func (d *Deps) settingBool(ctx context.Context, id string) bool {
	raw, ok := d.SystemSettings(ctx)[id]
	if !ok {
		return false
	}
	var v bool
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return raw == "true" || raw == "1"
	}
	return v
}

func (d *Deps) settingString(ctx context.Context, id string) string {
	raw, ok := d.SystemSettings(ctx)[id]
	if !ok {
		return ""
	}
	var v string
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return raw
	}
	return v
}

// DataWay returns the external sink client when uploading is enabled.
func (d *Deps) DataWay(ctx context.Context) (*observ.DataWay, bool) {
	if !d.settingBool(ctx, metastore.SettingGuanceDataUploadEnabled) {
		return nil, false
	}
	url := d.settingString(ctx, metastore.SettingGuanceDataUploadURL)
	if url == "" {
		return nil, false
	}
	return observ.NewDataWay(url, d.Cfg.GuanceLoggingSplitBytes), true
}

// Register binds every internal task class.
func Register(deps *Deps) {
	task.Register("Internal.SystemMetric", func(t *task.Task) task.Runner {
		return &SystemMetric{t: t, deps: deps}
	})
	task.Register("Internal.FlushDataBuffer", func(t *task.Task) task.Runner {
		return &FlushDataBuffer{t: t, deps: deps}
	})
	task.Register("Internal.AutoClean", func(t *task.Task) task.Runner {
		return &AutoClean{t: t, deps: deps}
	})
	task.Register("Internal.AutoBackupDB", func(t *task.Task) task.Runner {
		return &AutoBackupDB{t: t, deps: deps}
	})
	task.Register("Internal.ReloadDataMD5Cache", func(t *task.Task) task.Runner {
		return &ReloadDataMD5Cache{t: t, deps: deps}
	})
	task.Register("Internal.CheckConnector", func(t *task.Task) task.Runner {
		return &CheckConnector{t: t, deps: deps}
	})
	task.Register("Internal.QueryConnector", func(t *task.Task) task.Runner {
		return &QueryConnector{t: t, deps: deps}
	})
	task.Register("Internal.AutoRun", func(t *task.Task) task.Runner {
		return &AutoRun{t: t, deps: deps}
	})
	task.Register("Internal.UpdateWorkerQueueLimit", func(t *task.Task) task.Runner {
		return &UpdateWorkerQueueLimit{t: t, deps: deps}
	})
}
