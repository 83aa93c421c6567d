package tasks

import (
	"context"
	"time"

	"github.com/dataflux-func/dataflux-func/internal/scriptload"
	"github.com/dataflux-func/dataflux-func/internal/task"
	"github.com/dataflux-func/dataflux-func/pkg/toolkit"
)

// ReloadDataMD5Cache recomputes the MD5 digests of cache-backed
// entities (scripts, connectors, env variables) and writes the shared
// index, either for all rows or for one id.
type ReloadDataMD5Cache struct {
	t    *task.Task
	deps *Deps
}

func (r *ReloadDataMD5Cache) loadAll(ctx context.Context, dataType string) (map[string]string, error) {
	switch dataType {
	case scriptload.DataTypeScript:
		// Scripts already store their digest.
		return r.deps.Store.ListScriptMD5s(ctx)
	case scriptload.DataTypeConnector:
		configs, err := r.deps.Store.ListConnectorConfigs(ctx)
		if err != nil {
			return nil, err
		}
		return md5Values(configs), nil
	case scriptload.DataTypeEnvVariable:
		values, err := r.deps.Store.ListEnvVariableValues(ctx)
		if err != nil {
			return nil, err
		}
		return md5Values(values), nil
	}
	return nil, nil
}

func md5Values(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for id, value := range in {
		out[id] = toolkit.MD5(value)
	}
	return out
}

// reload rewrites the whole index of one data type (replace-all) or
// one entry when dataID is given.
func (r *ReloadDataMD5Cache) reload(ctx context.Context, dataType, dataID string) error {
	md5s, err := r.loadAll(ctx, dataType)
	if err != nil {
		return err
	}

	key := scriptload.MD5IndexKey(dataType)

	if dataID != "" {
		if md5, ok := md5s[dataID]; ok {
			return r.deps.Redis.HSet(ctx, key, dataID, md5)
		}
		return r.deps.Redis.HDel(ctx, key, dataID)
	}

	if err := r.deps.Redis.Delete(ctx, key); err != nil {
		return err
	}
	for id, md5 := range md5s {
		if err := r.deps.Redis.HSet(ctx, key, id, md5); err != nil {
			return err
		}
	}
	return nil
}

func (r *ReloadDataMD5Cache) Run(ctx context.Context) (any, error) {
	lockTime := 15 * time.Second
	if v := kwFloat(r.t.Req.Kwargs, "lockTime"); v > 0 {
		lockTime = time.Duration(v) * time.Second
	}
	if err := r.t.Lock(ctx, lockTime); err != nil {
		return nil, err
	}

	all, _ := r.t.Req.Kwargs["all"].(bool)
	dataType := kwString(r.t.Req.Kwargs, "type")
	dataID := kwString(r.t.Req.Kwargs, "id")

	dataTypes := []string{dataType}
	if all || dataType == "" {
		dataTypes = []string{
			scriptload.DataTypeScript,
			scriptload.DataTypeConnector,
			scriptload.DataTypeEnvVariable,
		}
		dataID = ""
	}

	for _, dt := range dataTypes {
		if err := r.reload(ctx, dt, dataID); err != nil {
			return nil, err
		}
	}
	return map[string]any{"types": dataTypes}, nil
}

func kwString(kwargs map[string]any, key string) string {
	if v, ok := kwargs[key].(string); ok {
		return v
	}
	return ""
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
