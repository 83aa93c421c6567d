package queue

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dataflux-func/dataflux-func/internal/task"
	"github.com/dataflux-func/dataflux-func/pkg/database"
	"github.com/dataflux-func/dataflux-func/pkg/toolkit"
)

func newTestFabric(t *testing.T) (*Fabric, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return NewFabric(database.NewRedisFromClient(client), 10), mr
}

func testRequest(queueIdx int, delay int) *task.Request {
	return &task.Request{
		Name:        "Func.Runner",
		ID:          toolkit.GenTaskID(),
		TriggerTime: 100,
		Queue:       queueIdx,
		Delay:       delay,
		Timeout:     30,
		Expires:     60,
	}
}

func TestPushAndBPop(t *testing.T) {
	fabric, _ := newTestFabric(t)
	ctx := context.Background()

	req := testRequest(1, 0)
	require.NoError(t, fabric.Push(ctx, req))

	queueIdx, popped, err := fabric.BPop(ctx, []int{0, 1, 2}, time.Second)
	require.NoError(t, err)
	require.NotNil(t, popped)
	assert.Equal(t, 1, queueIdx)
	assert.Equal(t, req.ID, popped.ID)
	assert.Equal(t, req.Name, popped.Name)
}

func TestBPopExactlyOnce(t *testing.T) {
	fabric, _ := newTestFabric(t)
	ctx := context.Background()

	require.NoError(t, fabric.Push(ctx, testRequest(2, 0)))

	type result struct {
		req *task.Request
		err error
	}
	results := make(chan result, 2)
	for i := 0; i < 2; i++ {
		go func() {
			_, popped, err := fabric.BPop(ctx, []int{2}, time.Second)
			results <- result{req: popped, err: err}
		}()
	}

	var got int
	for i := 0; i < 2; i++ {
		r := <-results
		require.NoError(t, r.err)
		if r.req != nil {
			got++
		}
	}
	// One pushed request, exactly one of the concurrent pops wins.
	assert.Equal(t, 1, got)
}

func TestPutTasksRouting(t *testing.T) {
	fabric, mr := newTestFabric(t)
	ctx := context.Background()

	immediate := testRequest(1, 0)
	delayed := testRequest(1, 30)
	require.NoError(t, fabric.PutTasks(ctx, immediate, delayed))

	workerLen, err := fabric.WorkerQueueLen(ctx, 1)
	require.NoError(t, err)
	assert.EqualValues(t, 1, workerLen)

	delayLen, err := fabric.DelayQueueLen(ctx, 1)
	require.NoError(t, err)
	assert.EqualValues(t, 1, delayLen)

	// The delayed member is scored at triggerTime+delay.
	members, err := mr.ZMembers(toolkit.DelayQueueKey(1))
	require.NoError(t, err)
	require.Len(t, members, 1)
	score, err := mr.ZScore(toolkit.DelayQueueKey(1), members[0])
	require.NoError(t, err)
	assert.EqualValues(t, 130, score)
}

func TestPromote(t *testing.T) {
	fabric, _ := newTestFabric(t)
	ctx := context.Background()

	for i, delay := range []int{10, 20, 300} {
		req := testRequest(3, delay)
		req.ID = toolkit.GenTaskID() + string(rune('a'+i))
		require.NoError(t, fabric.AddDelayed(ctx, req, int64(req.TriggerTime)+int64(delay)))
	}

	// Only the two members with eta <= 120 move.
	moved, err := fabric.Promote(ctx, 3, 120)
	require.NoError(t, err)
	assert.Equal(t, 2, moved)

	workerLen, _ := fabric.WorkerQueueLen(ctx, 3)
	assert.EqualValues(t, 2, workerLen)
	delayLen, _ := fabric.DelayQueueLen(ctx, 3)
	assert.EqualValues(t, 1, delayLen)

	// A second promotion with the same bound moves nothing: no
	// duplicates.
	moved, err = fabric.Promote(ctx, 3, 120)
	require.NoError(t, err)
	assert.Zero(t, moved)
}

func TestIsAvailable(t *testing.T) {
	fabric, _ := newTestFabric(t)
	ctx := context.Background()

	// No published limits: every queue admits.
	available, err := fabric.IsAvailable(ctx, 1)
	require.NoError(t, err)
	assert.True(t, available)

	limit := int64(2)
	require.NoError(t, fabric.PublishQueueLimits(ctx, map[string]*int64{
		"1": &limit,
		"2": nil,
	}))

	require.NoError(t, fabric.Push(ctx, testRequest(1, 0)))
	available, err = fabric.IsAvailable(ctx, 1)
	require.NoError(t, err)
	assert.True(t, available)

	require.NoError(t, fabric.Push(ctx, testRequest(1, 0)))
	available, err = fabric.IsAvailable(ctx, 1)
	require.NoError(t, err)
	assert.False(t, available)

	// nil limit means unlimited.
	available, err = fabric.IsAvailable(ctx, 2)
	require.NoError(t, err)
	assert.True(t, available)
}
