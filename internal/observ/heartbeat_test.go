package observ

import (
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dataflux-func/dataflux-func/pkg/config"
	"github.com/dataflux-func/dataflux-func/pkg/database"
)

func heartbeatConfig() *config.Config {
	return &config.Config{
		WorkerConcurrency:    5,
		MonitorReportExpires: 60,
		MetricSeriesMaxAge:   3600,
	}
}

func newTestRedis(t *testing.T) *database.Redis {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return database.NewRedisFromClient(client)
}

func TestWorkerReport(t *testing.T) {
	redisWrap := newTestRedis(t)
	ctx := context.Background()

	r := NewReporter(heartbeatConfig(), redisWrap, "worker", "WORKER-1", []int{0, 1}, slog.Default())
	require.NoError(t, r.Report(ctx))

	// One service info entry for this host/pid.
	entries, err := redisWrap.HGetAll(ctx, ServiceInfoKey())
	require.NoError(t, err)
	require.Len(t, entries, 1)

	for _, raw := range entries {
		var info map[string]any
		require.NoError(t, json.Unmarshal([]byte(raw), &info))
		assert.Equal(t, "worker", info["name"])
		assert.EqualValues(t, 5, info["processCount"])
	}

	// One worker-on-queue entry per listening queue.
	onQueue, err := redisWrap.HGetAll(ctx, WorkerOnQueueKey())
	require.NoError(t, err)
	assert.Len(t, onQueue, 2)

	// Counts are recomputed from the worker entries.
	raw, err := redisWrap.HGet(ctx, ProcessCountOnQueueKey(), "0")
	require.NoError(t, err)
	var counted struct {
		ProcessCount int `json:"processCount"`
	}
	require.NoError(t, json.Unmarshal([]byte(raw), &counted))
	assert.Equal(t, 5, counted.ProcessCount)
}

func TestWorkerReportSumsAcrossWorkers(t *testing.T) {
	redisWrap := newTestRedis(t)
	ctx := context.Background()

	cfg := heartbeatConfig()
	first := NewReporter(cfg, redisWrap, "worker", "WORKER-1", []int{0}, slog.Default())
	second := NewReporter(cfg, redisWrap, "worker", "WORKER-2", []int{0}, slog.Default())

	require.NoError(t, first.Report(ctx))
	require.NoError(t, second.Report(ctx))

	raw, err := redisWrap.HGet(ctx, WorkerCountOnQueueKey(), "0")
	require.NoError(t, err)
	var workers struct {
		WorkerCount int `json:"workerCount"`
	}
	require.NoError(t, json.Unmarshal([]byte(raw), &workers))
	assert.Equal(t, 2, workers.WorkerCount)

	raw, err = redisWrap.HGet(ctx, ProcessCountOnQueueKey(), "0")
	require.NoError(t, err)
	var processes struct {
		ProcessCount int `json:"processCount"`
	}
	require.NoError(t, json.Unmarshal([]byte(raw), &processes))
	assert.Equal(t, 10, processes.ProcessCount)
}

func TestBeatReportSkipsQueueCounts(t *testing.T) {
	redisWrap := newTestRedis(t)
	ctx := context.Background()

	r := NewReporter(heartbeatConfig(), redisWrap, "beat", "", nil, slog.Default())
	require.NoError(t, r.Report(ctx))

	entries, err := redisWrap.HGetAll(ctx, ServiceInfoKey())
	require.NoError(t, err)
	require.Len(t, entries, 1)

	onQueue, err := redisWrap.HGetAll(ctx, WorkerOnQueueKey())
	require.NoError(t, err)
	assert.Empty(t, onQueue)
}
