// Package scriptload loads user scripts on demand, compiling them to
// an in-memory program and caching by MD5: a bounded-TTL local cache
// checked against the shared MD5 index so stale code is never run.
package scriptload

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dop251/goja"

	"github.com/dataflux-func/dataflux-func/internal/metastore"
	"github.com/dataflux-func/dataflux-func/pkg/database"
	"github.com/dataflux-func/dataflux-func/pkg/toolkit"
)

// Data types indexed in the shared MD5 cache.
const (
	DataTypeScript      = "script"
	DataTypeConnector   = "connector"
	DataTypeEnvVariable = "envVariable"
)

// MD5IndexKey is the shared hash `dataType -> {entityId -> md5}` used
// to invalidate local caches.
func MD5IndexKey(dataType string) string {
	return toolkit.WorkerCacheKey("cache", "dataMD5Cache", "dataType", dataType)
}

// Loaded is one ready-to-run script: source, digest, per-function
// extra configs and the compiled program.
type Loaded struct {
	ScriptID        string
	ScriptSetID     string
	PublishVersion  int64
	Code            string
	CodeMD5         string
	FuncExtraConfig map[string]*metastore.FuncExtraConfig
	Program         *goja.Program
}

type cacheEntry struct {
	loaded    *Loaded
	refreshed time.Time
}

// ScriptStore is the slice of the metadata store the loader reads.
type ScriptStore interface {
	GetScript(ctx context.Context, scriptID string, draft bool) (*metastore.Script, error)
	ListFuncExtraConfigs(ctx context.Context, scriptID string) (map[string]string, error)
}

// Loader resolves scripts: local process cache checked against the
// shared MD5 index, falling back to the store.
type Loader struct {
	store  ScriptStore
	redis  *database.Redis
	logger *slog.Logger

	localTTL time.Duration

	mu    sync.Mutex
	local map[string]*cacheEntry
}

func NewLoader(store ScriptStore, redis *database.Redis, localTTL time.Duration, logger *slog.Logger) *Loader {
	if localTTL <= 0 {
		localTTL = 60 * time.Second
	}
	return &Loader{
		store:    store,
		redis:    redis,
		logger:   logger.With(slog.String("component", "script_loader")),
		localTTL: localTTL,
		local:    map[string]*cacheEntry{},
	}
}

// Load returns the script or nil when not found. Draft loads always
// bypass the caches.
func (l *Loader) Load(ctx context.Context, scriptID string, draft bool) (*Loaded, error) {
	if !draft {
		if cached, err := l.fromLocalCache(ctx, scriptID); err == nil && cached != nil {
			return cached, nil
		}
	}
	return l.fromStore(ctx, scriptID, draft)
}

// fromLocalCache returns the locally cached entry when it is fresh and
// its MD5 still matches the shared index.
func (l *Loader) fromLocalCache(ctx context.Context, scriptID string) (*Loaded, error) {
	l.mu.Lock()
	entry, ok := l.local[scriptID]
	l.mu.Unlock()

	if !ok || time.Since(entry.refreshed) > l.localTTL {
		return nil, nil
	}

	remoteMD5, err := l.redis.HGet(ctx, MD5IndexKey(DataTypeScript), scriptID)
	if err != nil {
		return nil, err
	}
	if remoteMD5 == "" || remoteMD5 != entry.loaded.CodeMD5 {
		return nil, nil
	}

	l.mu.Lock()
	entry.refreshed = time.Now()
	l.mu.Unlock()

	l.logger.Debug("Script loaded from cache", slog.String("script_id", scriptID))
	return entry.loaded, nil
}

func (l *Loader) fromStore(ctx context.Context, scriptID string, draft bool) (*Loaded, error) {
	script, err := l.store.GetScript(ctx, scriptID, draft)
	if err != nil {
		return nil, err
	}
	if script == nil {
		l.logger.Debug("Script not found", slog.String("script_id", scriptID))
		return nil, nil
	}

	extraRaw, err := l.store.ListFuncExtraConfigs(ctx, scriptID)
	if err != nil {
		return nil, err
	}

	extra := make(map[string]*metastore.FuncExtraConfig, len(extraRaw))
	for funcID, raw := range extraRaw {
		cfg := &metastore.FuncExtraConfig{}
		if raw != "" {
			if err := json.Unmarshal([]byte(raw), cfg); err != nil {
				cfg = &metastore.FuncExtraConfig{}
			}
		}
		extra[funcID] = cfg
	}

	program, err := goja.Compile(scriptID, script.Code, true)
	if err != nil {
		return nil, fmt.Errorf("compile script %s: %w", scriptID, err)
	}

	loaded := &Loaded{
		ScriptID:        scriptID,
		ScriptSetID:     script.ScriptSetID,
		PublishVersion:  script.PublishVersion,
		Code:            script.Code,
		CodeMD5:         script.CodeMD5,
		FuncExtraConfig: extra,
		Program:         program,
	}

	// Only published scripts enter the caches.
	if !draft {
		if err := l.redis.HSet(ctx, MD5IndexKey(DataTypeScript), scriptID, script.CodeMD5); err != nil {
			return nil, err
		}
		l.mu.Lock()
		l.local[scriptID] = &cacheEntry{loaded: loaded, refreshed: time.Now()}
		l.mu.Unlock()
	}

	l.logger.Debug("Script loaded from store",
		slog.String("script_id", scriptID),
		slog.Bool("draft", draft))
	return loaded, nil
}

// Invalidate drops one script from the local cache.
func (l *Loader) Invalidate(scriptID string) {
	l.mu.Lock()
	delete(l.local, scriptID)
	l.mu.Unlock()
}
