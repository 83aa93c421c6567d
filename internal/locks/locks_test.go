package locks

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dataflux-func/dataflux-func/pkg/database"
)

func newTestService(t *testing.T) (*Service, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return NewService(database.NewRedisFromClient(client)), mr
}

func TestAcquireExclusive(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	ok1, err := svc.Acquire(ctx, "lock-a", "v1", 10*time.Second)
	require.NoError(t, err)
	ok2, err := svc.Acquire(ctx, "lock-a", "v2", 10*time.Second)
	require.NoError(t, err)

	// Exactly one of two contenders wins.
	assert.True(t, ok1)
	assert.False(t, ok2)

	// The loser's release is a no-op.
	released, err := svc.Release(ctx, "lock-a", "v2")
	require.NoError(t, err)
	assert.False(t, released)

	// The winner's release works, then the loser can acquire.
	released, err = svc.Release(ctx, "lock-a", "v1")
	require.NoError(t, err)
	assert.True(t, released)

	ok2, err = svc.Acquire(ctx, "lock-a", "v2", 10*time.Second)
	require.NoError(t, err)
	assert.True(t, ok2)
}

func TestRenewOnlyByOwner(t *testing.T) {
	svc, mr := newTestService(t)
	ctx := context.Background()

	ok, err := svc.Acquire(ctx, "lock-b", "owner", 5*time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	renewed, err := svc.Renew(ctx, "lock-b", "owner", 30*time.Second)
	require.NoError(t, err)
	assert.True(t, renewed)

	renewed, err = svc.Renew(ctx, "lock-b", "impostor", 30*time.Second)
	require.NoError(t, err)
	assert.False(t, renewed)

	// After expiry, renewal fails and re-acquisition succeeds.
	mr.FastForward(31 * time.Second)
	renewed, err = svc.Renew(ctx, "lock-b", "owner", 30*time.Second)
	require.NoError(t, err)
	assert.False(t, renewed)

	ok, err = svc.Acquire(ctx, "lock-b", "other", 5*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestKeyShapes(t *testing.T) {
	assert.Contains(t, BeatMasterKey(), "#lock:beatMaster")

	key := CronJobKey("cron-1", "demo__s.run", "cronJob")
	assert.Contains(t, key, "cronJobId:cron-1")
	assert.Contains(t, key, "funcId:demo__s.run")
	assert.Contains(t, key, "execMode:cronJob")

	value := CronJobValue(1754000000)
	assert.Contains(t, value, "1754000000-")
}
