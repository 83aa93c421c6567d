// Package queue implements the fingerprint-aware queueing fabric:
// per-index worker FIFOs and eta-ordered delay queues on the shared
// store, plus the admission-control rule for Cron Job enqueues.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dataflux-func/dataflux-func/internal/task"
	"github.com/dataflux-func/dataflux-func/pkg/database"
	"github.com/dataflux-func/dataflux-func/pkg/toolkit"
)

// ErrMalformedRequest marks a popped payload that failed to decode. The
// request is already consumed from the queue and is lost by design
// rather than requeued poisoned.
var ErrMalformedRequest = errors.New("malformed task request")

// Fabric routes task requests to numbered queues.
type Fabric struct {
	redis      *database.Redis
	queueCount int
}

func NewFabric(redis *database.Redis, queueCount int) *Fabric {
	return &Fabric{redis: redis, queueCount: queueCount}
}

func (f *Fabric) QueueCount() int {
	return f.queueCount
}

// Push appends a ready task request to its worker queue.
func (f *Fabric) Push(ctx context.Context, req *task.Request) error {
	payload, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal task request: %w", err)
	}
	return f.redis.Push(ctx, toolkit.WorkerQueueKey(req.Queue), string(payload))
}

// AddDelayed inserts a task request into its delay queue, ordered by
// the eta (unix seconds) at which it becomes ready.
func (f *Fabric) AddDelayed(ctx context.Context, req *task.Request, eta int64) error {
	payload, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal task request: %w", err)
	}
	return f.redis.ZAdd(ctx, toolkit.DelayQueueKey(req.Queue), float64(eta), string(payload))
}

// PutTasks routes a batch: requests with a delay go to the delay queue
// at triggerTime+delay, the rest straight to the worker queue.
func (f *Fabric) PutTasks(ctx context.Context, reqs ...*task.Request) error {
	for _, req := range reqs {
		if req.Delay > 0 {
			eta := int64(req.TriggerTime) + int64(req.Delay)
			if err := f.AddDelayed(ctx, req, eta); err != nil {
				return err
			}
			continue
		}
		if err := f.Push(ctx, req); err != nil {
			return err
		}
	}
	return nil
}

// BPop blocks up to timeout for a request on any of the given queue
// indexes (checked left-to-right per the store's contract). Returns
// the queue index and the request, or (-1, nil) on timeout.
func (f *Fabric) BPop(ctx context.Context, queues []int, timeout time.Duration) (int, *task.Request, error) {
	keys := make([]string, len(queues))
	keyQueue := make(map[string]int, len(queues))
	for i, q := range queues {
		keys[i] = toolkit.WorkerQueueKey(q)
		keyQueue[keys[i]] = q
	}

	key, payload, err := f.redis.BPop(ctx, timeout, keys...)
	if err != nil {
		return -1, nil, err
	}
	if key == "" {
		return -1, nil, nil
	}

	var req task.Request
	if err := json.Unmarshal([]byte(payload), &req); err != nil {
		return keyQueue[key], nil, fmt.Errorf("%w: %v", ErrMalformedRequest, err)
	}
	return keyQueue[key], &req, nil
}

// Promote atomically moves all delay-queue members with eta <= upTo to
// the tail of the worker queue; returns the count moved.
func (f *Fabric) Promote(ctx context.Context, queue int, upTo int64) (int, error) {
	return f.redis.PromoteDelayed(ctx,
		toolkit.DelayQueueKey(queue),
		toolkit.WorkerQueueKey(queue),
		float64(upTo))
}

// WorkerQueueLen returns the ready-queue length for a queue index.
func (f *Fabric) WorkerQueueLen(ctx context.Context, queue int) (int64, error) {
	return f.redis.ListLen(ctx, toolkit.WorkerQueueKey(queue))
}

// DelayQueueLen returns the delay-queue cardinality for a queue index.
func (f *Fabric) DelayQueueLen(ctx context.Context, queue int) (int64, error) {
	return f.redis.ZCard(ctx, toolkit.DelayQueueKey(queue))
}

// WorkerQueueLimitCacheKey is where UpdateWorkerQueueLimit publishes
// the per-queue Cron Job admission ceilings.
func WorkerQueueLimitCacheKey() string {
	return toolkit.GlobalCacheKey("cache", "workerQueueLimitCronJob")
}

// LoadQueueLimits reads the published per-queue ceilings. A missing
// cache or a null entry means no limit for that queue.
func (f *Fabric) LoadQueueLimits(ctx context.Context) (map[string]*int64, error) {
	raw, err := f.redis.Get(ctx, WorkerQueueLimitCacheKey())
	if err != nil {
		return nil, err
	}
	if raw == "" {
		return map[string]*int64{}, nil
	}

	limits := map[string]*int64{}
	if err := json.Unmarshal([]byte(raw), &limits); err != nil {
		return nil, fmt.Errorf("unmarshal queue limits: %w", err)
	}
	return limits, nil
}

// PublishQueueLimits writes the per-queue ceilings computed by
// UpdateWorkerQueueLimit.
func (f *Fabric) PublishQueueLimits(ctx context.Context, limits map[string]*int64) error {
	payload, err := json.Marshal(limits)
	if err != nil {
		return fmt.Errorf("marshal queue limits: %w", err)
	}
	return f.redis.Set(ctx, WorkerQueueLimitCacheKey(), string(payload), 0)
}

// IsAvailable reports whether the worker queue admits another Cron Job
// enqueue: true when no limit is configured or the queue length is
// below the ceiling.
func (f *Fabric) IsAvailable(ctx context.Context, queue int) (bool, error) {
	limits, err := f.LoadQueueLimits(ctx)
	if err != nil {
		return false, err
	}

	limit, ok := limits[fmt.Sprintf("%d", queue)]
	if !ok || limit == nil {
		return true, nil
	}

	length, err := f.WorkerQueueLen(ctx, queue)
	if err != nil {
		return false, err
	}
	return length < *limit, nil
}
