package cronstarter

import (
	"context"
	"fmt"
	"log/slog"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dataflux-func/dataflux-func/internal/locks"
	"github.com/dataflux-func/dataflux-func/internal/metastore"
	"github.com/dataflux-func/dataflux-func/internal/queue"
	"github.com/dataflux-func/dataflux-func/internal/runtime"
	"github.com/dataflux-func/dataflux-func/internal/task"
	"github.com/dataflux-func/dataflux-func/pkg/config"
	"github.com/dataflux-func/dataflux-func/pkg/database"
	"github.com/dataflux-func/dataflux-func/pkg/toolkit"
)

func testConfig() *config.Config {
	return &config.Config{
		Timezone:         "UTC",
		WorkerQueueCount: 10,

		FuncTaskQueueCronJob:      1,
		FuncTaskTimeoutDefault:    30,
		FuncTaskExpiresDefault:    10,
		FuncTaskDistributionRange: 10,

		CronJobStarterFetchBulkCount: 2000,
	}
}

func newTestStarter(t *testing.T, triggerTime int64) (*Starter, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	redisWrap := database.NewRedisFromClient(client)
	cfg := testConfig()

	deps := &task.Deps{Cfg: cfg, Redis: redisWrap, Logger: slog.Default()}
	base := task.New(deps, &task.Request{
		Name:        "CronJob.Starter",
		TriggerTime: float64(triggerTime),
		Timeout:     30,
		Expires:     60,
	})

	return &Starter{
		t:            base,
		fabric:       queue.NewFabric(redisWrap, cfg.WorkerQueueCount),
		locks:        locks.NewService(redisWrap),
		logger:       slog.Default(),
		availability: map[int]bool{},
	}, mr
}

func cronJobRow(id string, seq int64, expr string) *metastore.CronJob {
	return &metastore.CronJob{
		Seq:      seq,
		ID:       id,
		FuncID:   "demo__s.run",
		CronExpr: expr,
	}
}

func TestMatchesEffectiveExpression(t *testing.T) {
	s, _ := newTestStarter(t, 10)

	// */2 on seconds matches t=10, not t=11.
	assert.True(t, s.matches(cronJobRow("cron-1", 1, "*/2 * * * * *")))

	s11, _ := newTestStarter(t, 11)
	assert.False(t, s11.matches(cronJobRow("cron-1", 1, "*/2 * * * * *")))

	// Invalid and empty expressions never match.
	assert.False(t, s.matches(cronJobRow("cron-2", 2, "bogus")))
	assert.False(t, s.matches(cronJobRow("cron-3", 3, "")))

	// Paused rows never match.
	paused := cronJobRow("cron-4", 4, "*/2 * * * * *")
	paused.IsPaused = true
	assert.False(t, s.matches(paused))
}

func TestPrepareJoinsPauseFlag(t *testing.T) {
	s, _ := newTestStarter(t, 15)
	ctx := context.Background()

	// Pause cron-1 until t=20.
	require.NoError(t, s.t.Deps.Redis.HSet(ctx, runtime.CronJobPauseKey(), "cron-1", "20"))

	jobs := []*metastore.CronJob{cronJobRow("cron-1", 1, "* * * * * *"), cronJobRow("cron-2", 2, "* * * * * *")}
	s.prepare(ctx, jobs)

	assert.True(t, jobs[0].IsPaused)
	assert.False(t, jobs[1].IsPaused)

	// At t=22 the pause has expired.
	s22, _ := newTestStarter(t, 22)
	require.NoError(t, s22.t.Deps.Redis.HSet(ctx, runtime.CronJobPauseKey(), "cron-1", "20"))
	jobs = []*metastore.CronJob{cronJobRow("cron-1", 1, "* * * * * *")}
	s22.prepare(ctx, jobs)
	assert.False(t, jobs[0].IsPaused)
}

func TestPrepareJoinsDynamicCronExpr(t *testing.T) {
	s, _ := newTestStarter(t, 15)
	ctx := context.Background()

	value := `{"value":"*/5 * * * * *"}`
	require.NoError(t, s.t.Deps.Redis.HSet(ctx, runtime.DynamicCronExprKey(), "cron-1", value))

	expired := `{"value":"*/7 * * * * *","expireTime":10}`
	require.NoError(t, s.t.Deps.Redis.HSet(ctx, runtime.DynamicCronExprKey(), "cron-2", expired))

	jobs := []*metastore.CronJob{
		cronJobRow("cron-1", 1, "*/2 * * * * *"),
		cronJobRow("cron-2", 2, "*/2 * * * * *"),
	}
	s.prepare(ctx, jobs)

	// Dynamic expression overrides; expired ones do not.
	assert.Equal(t, "*/5 * * * * *", jobs[0].EffectiveCronExpr())
	assert.Equal(t, "*/2 * * * * *", jobs[1].EffectiveCronExpr())

	// Dynamic */5 matches t=15 (the starter's trigger second).
	assert.True(t, s.matches(jobs[0]))
}

func TestPutTasksEnqueuesWithLock(t *testing.T) {
	s, mr := newTestStarter(t, 10)
	ctx := context.Background()

	item := &enqueueItem{
		cronJob:  cronJobRow("cron-1", 1, "*/2 * * * * *"),
		origin:   runtime.OriginCronJob,
		originID: "cron-1",
	}
	require.NoError(t, s.putTasks(ctx, []*enqueueItem{item}, false))

	// No delay: the request landed on worker queue 1 directly.
	length, err := s.fabric.WorkerQueueLen(ctx, 1)
	require.NoError(t, err)
	assert.EqualValues(t, 1, length)

	raw, err := mr.Lpop(toolkit.WorkerQueueKey(1))
	require.NoError(t, err)

	var req task.Request
	require.NoError(t, jsonUnmarshal(raw, &req))
	assert.Equal(t, "Func.Runner", req.Name)
	assert.Equal(t, "demo__s.run", req.Kwargs["funcId"])
	assert.NotEmpty(t, req.Kwargs["cronJobLockKey"])
	assert.NotEmpty(t, req.Kwargs["cronJobLockValue"])
	assert.True(t, req.IgnoreResult)
}

func TestPutTasksDelayedList(t *testing.T) {
	s, _ := newTestStarter(t, 10)
	ctx := context.Background()

	row := cronJobRow("cron-1", 1, "*/2 * * * * *")
	row.FuncExtraConfigJSON = `{"delayedCronJob":[0,30,60]}`

	item := &enqueueItem{cronJob: row, origin: runtime.OriginCronJob, originID: "cron-1"}
	require.NoError(t, s.putTasks(ctx, []*enqueueItem{item}, false))

	// One request per delayed element: delay 0 is immediate, 30 and
	// 60 land in the delay queue.
	workerLen, _ := s.fabric.WorkerQueueLen(ctx, 1)
	assert.EqualValues(t, 1, workerLen)
	delayLen, _ := s.fabric.DelayQueueLen(ctx, 1)
	assert.EqualValues(t, 2, delayLen)
}

func TestPutTasksAdmissionControl(t *testing.T) {
	s, _ := newTestStarter(t, 10)
	ctx := context.Background()

	// Publish a zero ceiling for queue 1: nothing is admitted.
	zero := int64(0)
	require.NoError(t, s.fabric.PublishQueueLimits(ctx, map[string]*int64{"1": &zero}))

	item := &enqueueItem{
		cronJob:  cronJobRow("cron-1", 1, "*/2 * * * * *"),
		origin:   runtime.OriginCronJob,
		originID: "cron-1",
	}
	require.NoError(t, s.putTasks(ctx, []*enqueueItem{item}, false))

	workerLen, _ := s.fabric.WorkerQueueLen(ctx, 1)
	assert.Zero(t, workerLen)
}

func TestIsPausedFlag(t *testing.T) {
	s, _ := newTestStarter(t, 10)
	ctx := context.Background()

	assert.False(t, s.isPaused(ctx))
	require.NoError(t, s.t.Deps.Redis.Set(ctx, PauseAllFlagKey(), "1", 0))
	assert.True(t, s.isPaused(ctx))
}

func TestDistributionDelay(t *testing.T) {
	cfg := testConfig()
	for seq := int64(0); seq < 25; seq++ {
		delay := int(seq % int64(cfg.FuncTaskDistributionRange))
		assert.Less(t, delay, cfg.FuncTaskDistributionRange, fmt.Sprintf("seq=%d", seq))
	}
}
