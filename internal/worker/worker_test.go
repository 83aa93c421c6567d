package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dataflux-func/dataflux-func/internal/queue"
	"github.com/dataflux-func/dataflux-func/internal/task"
	"github.com/dataflux-func/dataflux-func/pkg/config"
	"github.com/dataflux-func/dataflux-func/pkg/database"
	"github.com/dataflux-func/dataflux-func/pkg/toolkit"
)

type runnerFunc func(ctx context.Context) (any, error)

func (f runnerFunc) Run(ctx context.Context) (any, error) { return f(ctx) }

func newTestLoop(t *testing.T, maxTasks int) (*Loop, *queue.Fabric, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	redisWrap := database.NewRedisFromClient(client)
	cfg := &config.Config{
		WorkerQueueCount:   3,
		WorkerFetchTimeout: 1,
		TaskTimeoutDefault: 30,
		TaskExpiresDefault: 60,
	}

	deps := &task.Deps{Cfg: cfg, Redis: redisWrap, Logger: slog.Default()}
	fabric := queue.NewFabric(redisWrap, cfg.WorkerQueueCount)

	return NewLoop(deps, fabric, []int{0, 1, 2}, maxTasks, slog.Default()), fabric, mr
}

// testClass registers a per-test task class and returns its run
// counter. Class names are unique per test because the registry is
// process-global.
func testClass(t *testing.T, runErr error) (string, *atomic.Int64) {
	t.Helper()

	name := fmt.Sprintf("Test.Worker-%s", toolkit.GenUUID())
	ran := &atomic.Int64{}
	task.Register(name, func(tk *task.Task) task.Runner {
		return runnerFunc(func(ctx context.Context) (any, error) {
			ran.Add(1)
			return "ok", runErr
		})
	})
	return name, ran
}

func newRequest(name string, queueIdx int) *task.Request {
	return &task.Request{
		Name:         name,
		ID:           toolkit.GenTaskID(),
		TriggerTime:  float64(time.Now().Unix()),
		Queue:        queueIdx,
		Timeout:      30,
		Expires:      60,
		IgnoreResult: true,
	}
}

func TestRunOnceClaimsAndRuns(t *testing.T) {
	loop, fabric, _ := newTestLoop(t, 0)
	ctx := context.Background()

	name, ran := testClass(t, nil)
	require.NoError(t, fabric.Push(ctx, newRequest(name, 1)))

	didRun, err := loop.RunOnce(ctx)
	require.NoError(t, err)
	assert.True(t, didRun)
	assert.EqualValues(t, 1, ran.Load())

	// The queue is drained.
	length, err := fabric.WorkerQueueLen(ctx, 1)
	require.NoError(t, err)
	assert.Zero(t, length)
}

func TestRunOnceEmptyQueues(t *testing.T) {
	loop, _, _ := newTestLoop(t, 0)

	didRun, err := loop.RunOnce(context.Background())
	require.NoError(t, err)
	assert.False(t, didRun)
}

func TestRunOnceUnknownTaskClass(t *testing.T) {
	loop, fabric, _ := newTestLoop(t, 0)
	ctx := context.Background()

	require.NoError(t, fabric.Push(ctx, newRequest("No.Such.Class", 0)))

	didRun, err := loop.RunOnce(ctx)
	require.NoError(t, err)
	assert.False(t, didRun)

	// The request of an unknown class is consumed, not requeued.
	length, err := fabric.WorkerQueueLen(ctx, 0)
	require.NoError(t, err)
	assert.Zero(t, length)
}

func TestRunOnceMalformedRequest(t *testing.T) {
	loop, fabric, mr := newTestLoop(t, 0)
	ctx := context.Background()

	_, err := mr.Lpush(toolkit.WorkerQueueKey(2), "{not json")
	require.NoError(t, err)

	didRun, err := loop.RunOnce(ctx)
	require.NoError(t, err)
	assert.False(t, didRun)

	length, err := fabric.WorkerQueueLen(ctx, 2)
	require.NoError(t, err)
	assert.Zero(t, length)
}

func TestRunStopsAfterMaxTasks(t *testing.T) {
	loop, fabric, _ := newTestLoop(t, 2)
	ctx := context.Background()

	name, ran := testClass(t, nil)
	for i := 0; i < 3; i++ {
		require.NoError(t, fabric.Push(ctx, newRequest(name, 0)))
	}

	require.NoError(t, loop.Run(ctx))

	// The loop recycled after its task budget; the third request stays
	// queued for the replacement loop.
	assert.EqualValues(t, 2, ran.Load())
	length, err := fabric.WorkerQueueLen(ctx, 0)
	require.NoError(t, err)
	assert.EqualValues(t, 1, length)
}

func TestSupervisorShutdownReasons(t *testing.T) {
	s := NewSupervisor(SupervisorOptions{Logger: slog.Default()})

	s.setShutdown(ShutdownSysRedisCheck)
	assert.Equal(t, ShutdownSysRedisCheck, s.ShutdownReason())

	// Only the first reason is kept.
	s.setShutdown(ShutdownSysDBCheck)
	assert.Equal(t, ShutdownSysRedisCheck, s.ShutdownReason())
}

func TestSupervisorRestartFlag(t *testing.T) {
	flag := ""
	s := NewSupervisor(SupervisorOptions{
		Logger: slog.Default(),
		ReadRestartRaw: func(ctx context.Context) (string, error) {
			return flag, nil
		},
	})
	ctx := context.Background()

	// No flag: nothing happens.
	s.checkRestartFlag(ctx)
	assert.Empty(t, s.ShutdownReason())

	// A flag set before this process started is stale.
	flag = fmt.Sprintf("%d", s.startTime.Add(-time.Hour).Unix())
	s.checkRestartFlag(ctx)
	assert.Empty(t, s.ShutdownReason())

	// A flag set after process start asks for a restart.
	flag = fmt.Sprintf("%d", s.startTime.Add(time.Hour).Unix())
	s.checkRestartFlag(ctx)
	assert.Equal(t, ShutdownRestartFlag, s.ShutdownReason())
}

func TestSupervisorRunStopsOnFailedCheck(t *testing.T) {
	loop, _, _ := newTestLoop(t, 0)

	s := NewSupervisor(SupervisorOptions{
		NewLoop:  func() *Loop { return loop },
		PoolSize: 1,
		Logger:   slog.Default(),

		RedisCheck: func(ctx context.Context) error { return fmt.Errorf("connection refused") },
		DBCheck:    func(ctx context.Context) error { return nil },
		ReadRestartRaw: func(ctx context.Context) (string, error) {
			return "", nil
		},

		RedisCheckInterval: 10 * time.Millisecond,
		RedisCheckTimeout:  time.Second,
		DBCheckTimeout:     time.Second,
		RestartInterval:    time.Hour,
		HeartbeatInterval:  time.Hour,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err := s.Run(ctx)
	var shutdown *ErrShutdown
	require.ErrorAs(t, err, &shutdown)
	assert.Equal(t, ShutdownSysRedisCheck, shutdown.Reason)
}
