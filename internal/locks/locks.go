// Package locks provides named cross-process mutual exclusion on the
// shared store: set-if-absent with TTL, owner-checked renewal and
// owner-checked release.
package locks

import (
	"context"
	"fmt"
	"time"

	"github.com/dataflux-func/dataflux-func/pkg/database"
	"github.com/dataflux-func/dataflux-func/pkg/toolkit"
)

// Service issues value-tagged locks.
type Service struct {
	redis *database.Redis
}

func NewService(redis *database.Redis) *Service {
	return &Service{redis: redis}
}

// Acquire succeeds only when key is unset; stores value with ttl.
func (s *Service) Acquire(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	return s.redis.Lock(ctx, key, value, ttl)
}

// Renew refreshes the TTL only when value still owns the lock.
func (s *Service) Renew(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	return s.redis.ExtendLock(ctx, key, value, ttl)
}

// Release deletes the lock only when value still owns it. Releasing a
// lock owned by someone else is a no-op.
func (s *Service) Release(ctx context.Context, key, value string) (bool, error) {
	return s.redis.Unlock(ctx, key, value)
}

// BeatMasterKey is the Beat leader-election lock.
func BeatMasterKey() string {
	return toolkit.WorkerCacheKey("lock", "beatMaster")
}

// CronJobKey is the per-(cronJob, func, execMode) lock preventing
// overlapping runs of the same Cron Job.
func CronJobKey(cronJobID, funcID, execMode string) string {
	return toolkit.WorkerCacheKey("lock", "CronJob",
		"cronJobId", cronJobID,
		"funcId", funcID,
		"execMode", execMode)
}

// CronJobValue builds the epoch-and-uuid owner tag carried inside the
// task request.
func CronJobValue(epoch int64) string {
	return fmt.Sprintf("%d-%s", epoch, toolkit.GenUUID())
}
