package scriptload

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dataflux-func/dataflux-func/internal/metastore"
	"github.com/dataflux-func/dataflux-func/pkg/database"
	"github.com/dataflux-func/dataflux-func/pkg/toolkit"
)

// fakeStore serves scripts from memory and counts store reads.
type fakeStore struct {
	scripts      map[string]*metastore.Script
	extraConfigs map[string]map[string]string

	getCalls int
}

func (s *fakeStore) GetScript(ctx context.Context, scriptID string, draft bool) (*metastore.Script, error) {
	s.getCalls++
	script, ok := s.scripts[scriptID]
	if !ok {
		return nil, nil
	}
	if draft {
		copied := *script
		copied.Code = script.CodeDraft
		copied.CodeMD5 = script.CodeDraftMD5
		return &copied, nil
	}
	return script, nil
}

func (s *fakeStore) ListFuncExtraConfigs(ctx context.Context, scriptID string) (map[string]string, error) {
	return s.extraConfigs[scriptID], nil
}

func scriptRow(id, code string) *metastore.Script {
	return &metastore.Script{
		ID:           id,
		ScriptSetID:  "demo",
		Code:         code,
		CodeMD5:      toolkit.MD5(code),
		CodeDraft:    code + "\n// draft",
		CodeDraftMD5: toolkit.MD5(code + "\n// draft"),
	}
}

func newTestLoader(t *testing.T, store *fakeStore) (*Loader, *database.Redis) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	redisWrap := database.NewRedisFromClient(client)
	return NewLoader(store, redisWrap, time.Minute, slog.Default()), redisWrap
}

func TestLoadCompilesAndIndexes(t *testing.T) {
	store := &fakeStore{
		scripts: map[string]*metastore.Script{
			"demo__s": scriptRow("demo__s", "function run(kwargs) { return 1 }"),
		},
		extraConfigs: map[string]map[string]string{
			"demo__s": {"demo__s.run": `{"timeout":60}`},
		},
	}
	loader, redisWrap := newTestLoader(t, store)
	ctx := context.Background()

	loaded, err := loader.Load(ctx, "demo__s", false)
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, "demo", loaded.ScriptSetID)
	assert.NotNil(t, loaded.Program)

	extra, ok := loaded.FuncExtraConfig["demo__s.run"]
	require.True(t, ok)
	require.NotNil(t, extra.Timeout)
	assert.Equal(t, 60, *extra.Timeout)

	// The shared MD5 index carries the published digest.
	md5, err := redisWrap.HGet(ctx, MD5IndexKey(DataTypeScript), "demo__s")
	require.NoError(t, err)
	assert.Equal(t, loaded.CodeMD5, md5)
}

func TestLoadCachedWhileMD5Matches(t *testing.T) {
	store := &fakeStore{
		scripts: map[string]*metastore.Script{
			"demo__s": scriptRow("demo__s", "function run(kwargs) { return 1 }"),
		},
	}
	loader, _ := newTestLoader(t, store)
	ctx := context.Background()

	first, err := loader.Load(ctx, "demo__s", false)
	require.NoError(t, err)
	require.Equal(t, 1, store.getCalls)

	// Unchanged MD5: repeated loads perform zero store reads.
	for i := 0; i < 3; i++ {
		again, err := loader.Load(ctx, "demo__s", false)
		require.NoError(t, err)
		assert.Same(t, first, again)
	}
	assert.Equal(t, 1, store.getCalls)
}

func TestLoadRefreshesOnMD5Mismatch(t *testing.T) {
	store := &fakeStore{
		scripts: map[string]*metastore.Script{
			"demo__s": scriptRow("demo__s", "function run(kwargs) { return 1 }"),
		},
	}
	loader, redisWrap := newTestLoader(t, store)
	ctx := context.Background()

	old, err := loader.Load(ctx, "demo__s", false)
	require.NoError(t, err)

	// The script is republished: the row changes and the MD5 reloader
	// rewrites the shared index.
	republished := scriptRow("demo__s", "function run(kwargs) { return 2 }")
	store.scripts["demo__s"] = republished
	require.NoError(t, redisWrap.HSet(ctx, MD5IndexKey(DataTypeScript), "demo__s", republished.CodeMD5))

	fresh, err := loader.Load(ctx, "demo__s", false)
	require.NoError(t, err)
	require.NotNil(t, fresh)
	assert.NotEqual(t, old.CodeMD5, fresh.CodeMD5)
	assert.Equal(t, 2, store.getCalls)
}

func TestLoadDraftBypassesCache(t *testing.T) {
	store := &fakeStore{
		scripts: map[string]*metastore.Script{
			"demo__s": scriptRow("demo__s", "function run(kwargs) { return 1 }"),
		},
	}
	loader, redisWrap := newTestLoader(t, store)
	ctx := context.Background()

	draft, err := loader.Load(ctx, "demo__s", true)
	require.NoError(t, err)
	require.NotNil(t, draft)
	assert.Contains(t, draft.Code, "// draft")

	// Drafts never enter the caches.
	md5, err := redisWrap.HGet(ctx, MD5IndexKey(DataTypeScript), "demo__s")
	require.NoError(t, err)
	assert.Empty(t, md5)

	_, err = loader.Load(ctx, "demo__s", true)
	require.NoError(t, err)
	assert.Equal(t, 2, store.getCalls)
}

func TestLoadMissingScript(t *testing.T) {
	loader, _ := newTestLoader(t, &fakeStore{scripts: map[string]*metastore.Script{}})

	loaded, err := loader.Load(context.Background(), "nope__s", false)
	require.NoError(t, err)
	assert.Nil(t, loaded)
}

func TestLoadBadCode(t *testing.T) {
	store := &fakeStore{
		scripts: map[string]*metastore.Script{
			"demo__broken": scriptRow("demo__broken", "function ("),
		},
	}
	loader, _ := newTestLoader(t, store)

	_, err := loader.Load(context.Background(), "demo__broken", false)
	assert.Error(t, err)
}

func TestInvalidate(t *testing.T) {
	store := &fakeStore{
		scripts: map[string]*metastore.Script{
			"demo__s": scriptRow("demo__s", "function run(kwargs) { return 1 }"),
		},
	}
	loader, _ := newTestLoader(t, store)
	ctx := context.Background()

	_, err := loader.Load(ctx, "demo__s", false)
	require.NoError(t, err)

	loader.Invalidate("demo__s")

	_, err = loader.Load(ctx, "demo__s", false)
	require.NoError(t, err)
	assert.Equal(t, 2, store.getCalls)
}
