package beat

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dataflux-func/dataflux-func/internal/locks"
	"github.com/dataflux-func/dataflux-func/internal/queue"
	"github.com/dataflux-func/dataflux-func/internal/timex"
	"github.com/dataflux-func/dataflux-func/pkg/config"
)

func testConfig() *config.Config {
	return &config.Config{
		Timezone:         "UTC",
		WorkerQueueCount: 3,
		BeatLockExpire:   15,
		BeatMaxTicks:     3600,
		BeatTickTimeout:  60,

		TaskQueueDefault:   0,
		TaskTimeoutDefault: 3600,
		TaskExpiresDefault: 3600,
		TaskIgnoreResult:   true,

		CronExprCronJobStarter:         "* * * * * *",
		CronExprSystemMetric:           "*/5 * * * * *",
		CronExprFlushDataBuffer:        "* * * * * *",
		CronExprAutoClean:              "*/15 * * * * *",
		CronExprAutoBackupDB:           "0 0 * * * *",
		CronExprReloadDataMD5Cache:     "*/15 * * * * *",
		CronExprUpdateWorkerQueueLimit: "0 * * * * *",
	}
}

func newTestBeat(t *testing.T) (*Beat, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	redisWrap := databaseFromClient(client)
	cfg := testConfig()

	b := New(cfg,
		timex.NewSource(redisWrap),
		queue.NewFabric(redisWrap, cfg.WorkerQueueCount),
		locks.NewService(redisWrap),
		slog.Default())
	return b, mr
}

func TestCreateSystemTasks(t *testing.T) {
	b, _ := newTestBeat(t)

	// t=10: starter + flush every second, metric every 5s (delay 5).
	reqs := b.createSystemTasks(10)

	names := map[string]int{}
	for _, req := range reqs {
		names[req.Name] = req.Delay
		assert.EqualValues(t, 10, req.TriggerTime)
		assert.Zero(t, req.Queue)
		assert.True(t, req.IgnoreResult)
	}

	assert.Contains(t, names, "CronJob.Starter")
	assert.Contains(t, names, "Internal.FlushDataBuffer")
	require.Contains(t, names, "Internal.SystemMetric")
	assert.Equal(t, 5, names["Internal.SystemMetric"])
	assert.NotContains(t, names, "Internal.UpdateWorkerQueueLimit")

	// t=11 matches only the every-second metas.
	reqs = b.createSystemTasks(11)
	for _, req := range reqs {
		assert.NotEqual(t, "Internal.SystemMetric", req.Name)
	}
}

func TestSystemTaskMetasKwargs(t *testing.T) {
	metas := SystemTaskMetas(testConfig())

	var reload *SystemTaskMeta
	for i := range metas {
		if metas[i].Name == "Internal.ReloadDataMD5Cache" {
			reload = &metas[i]
		}
	}
	require.NotNil(t, reload)
	assert.Equal(t, true, reload.Kwargs["all"])
}

func TestMasterElection(t *testing.T) {
	b1, mr := newTestBeat(t)

	// A second Beat against the same store.
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	redisWrap := databaseFromClient(client)
	cfg := testConfig()
	b2 := New(cfg,
		timex.NewSource(redisWrap),
		queue.NewFabric(redisWrap, cfg.WorkerQueueCount),
		locks.NewService(redisWrap),
		slog.Default())

	ctx := context.Background()

	// Exactly one of two concurrent Beats is master, and stays master
	// across renewals.
	master1 := b1.isMaster(ctx)
	master2 := b2.isMaster(ctx)
	assert.NotEqual(t, master1, master2)

	again1 := b1.isMaster(ctx)
	again2 := b2.isMaster(ctx)
	assert.Equal(t, master1, again1)
	assert.Equal(t, master2, again2)

	// After the lock expires the survivor takes over.
	mr.FastForward(time.Duration(cfg.BeatLockExpire+1) * time.Second)
	assert.True(t, b1.isMaster(ctx) || b2.isMaster(ctx))
}

func TestPromoteMovesReadyDelayed(t *testing.T) {
	b, _ := newTestBeat(t)
	ctx := context.Background()

	// Seed a delayed request that became ready at t=50.
	req := b.createSystemTasks(10)[0]
	require.NoError(t, b.fabric.AddDelayed(ctx, req, 50))

	moved, err := b.fabric.Promote(ctx, req.Queue, 60)
	require.NoError(t, err)
	assert.Equal(t, 1, moved)

	length, err := b.fabric.WorkerQueueLen(ctx, req.Queue)
	require.NoError(t, err)
	assert.EqualValues(t, 1, length)
}
