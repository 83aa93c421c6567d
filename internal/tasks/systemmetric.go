package tasks

import (
	"context"
	"fmt"
	"time"

	"github.com/dataflux-func/dataflux-func/internal/metastore"
	"github.com/dataflux-func/dataflux-func/internal/task"
	"github.com/dataflux-func/dataflux-func/internal/timex"
	"github.com/dataflux-func/dataflux-func/pkg/toolkit"
)

// SystemMetric samples the platform's own health: queue lengths,
// shared-store memory and key counts, per-table sizes, entity counts
// and a forecast of Cron Job triggers over the next 24 hours.
type SystemMetric struct {
	t    *task.Task
	deps *Deps
}

func (s *SystemMetric) metricKey(metric string, tags ...string) string {
	allTags := append([]string{"metric", metric}, tags...)
	return toolkit.MonitorCacheKey("monitor", "systemMetrics", allTags...)
}

func (s *SystemMetric) collectQueueMetrics(ctx context.Context, now int64) error {
	maxAge := s.deps.Cfg.MetricSeriesMaxAge

	for q := 0; q < s.deps.Cfg.WorkerQueueCount; q++ {
		workerLen, err := s.deps.Fabric.WorkerQueueLen(ctx, q)
		if err != nil {
			return err
		}
		key := s.metricKey("workerQueueLength", "queue", fmt.Sprintf("%d", q))
		if err := s.deps.Redis.TSAdd(ctx, key, now, float64(workerLen), tsReplace(maxAge)); err != nil {
			return err
		}

		delayLen, err := s.deps.Fabric.DelayQueueLen(ctx, q)
		if err != nil {
			return err
		}
		key = s.metricKey("delayQueueLength", "queue", fmt.Sprintf("%d", q))
		if err := s.deps.Redis.TSAdd(ctx, key, now, float64(delayLen), tsReplace(maxAge)); err != nil {
			return err
		}
	}
	return nil
}

func (s *SystemMetric) collectCacheDBMetrics(ctx context.Context, now int64) error {
	maxAge := s.deps.Cfg.MetricSeriesMaxAge

	dbSize, err := s.deps.Redis.Client.DBSize(ctx).Result()
	if err != nil {
		return err
	}
	if err := s.deps.Redis.TSAdd(ctx, s.metricKey("cacheDBKeyCount"), now, float64(dbSize), tsReplace(maxAge)); err != nil {
		return err
	}

	memory, err := s.deps.Redis.Client.Info(ctx, "memory").Result()
	if err != nil {
		return err
	}
	var usedMemory float64
	_, _ = fmt.Sscanf(extractInfoField(memory, "used_memory"), "%f", &usedMemory)
	return s.deps.Redis.TSAdd(ctx, s.metricKey("cacheDBMemoryUsage"), now, usedMemory, tsReplace(maxAge))
}

func (s *SystemMetric) collectDBMetrics(ctx context.Context, now int64) error {
	maxAge := s.deps.Cfg.MetricSeriesMaxAge

	for _, table := range metastore.BizTables() {
		rows, err := s.deps.Store.CountRows(ctx, table)
		if err != nil {
			return err
		}
		key := s.metricKey("dbTableTotalRows", "table", table)
		if err := s.deps.Redis.TSAdd(ctx, key, now, float64(rows), tsReplace(maxAge)); err != nil {
			return err
		}

		size, err := s.deps.Store.TableSize(ctx, table)
		if err != nil {
			return err
		}
		key = s.metricKey("dbTableTotalSize", "table", table)
		if err := s.deps.Redis.TSAdd(ctx, key, now, float64(size), tsReplace(maxAge)); err != nil {
			return err
		}
	}
	return nil
}

// collectCronJobForecast counts triggers of each enabled cron job over
// the next 24 hours, bucketed per hour.
func (s *SystemMetric) collectCronJobForecast(ctx context.Context, now int64) error {
	maxAge := 25 * 3600
	loc := s.deps.Cfg.Location()

	buckets := make([]int64, 24)

	nextSeq := int64(0)
	for nextSeq >= 0 {
		page, latestSeq, err := s.deps.Store.FetchCronJobPage(ctx, nextSeq, now, s.deps.Cfg.CronJobStarterFetchBulkCount)
		if err != nil {
			return err
		}
		nextSeq = latestSeq

		for _, c := range page {
			expr := c.EffectiveCronExpr()
			if !timex.IsValidCronExpr(expr) {
				continue
			}
			// Sample at minute resolution: each minute is checked at
			// second zero only, so a per-second expression counts at
			// most one trigger per minute.
			for minuteOffset := 0; minuteOffset < 24*60; minuteOffset++ {
				t := now + int64(minuteOffset)*60
				t -= t % 60
				if timex.MatchCronExpr(expr, t, loc) {
					buckets[minuteOffset/60]++
				}
			}
		}
	}

	for hour, count := range buckets {
		bucketTS := now - now%3600 + int64(hour)*3600
		key := s.metricKey("cronJobTriggerForecast")
		if err := s.deps.Redis.TSAdd(ctx, key, bucketTS, float64(count), tsAddUp(maxAge)); err != nil {
			return err
		}
	}
	return nil
}

func (s *SystemMetric) collectEntityCounts(ctx context.Context, now int64) error {
	maxAge := s.deps.Cfg.MetricSeriesMaxAge

	entityTables := map[string]string{
		"scriptSet":   metastore.TableScriptSet,
		"script":      metastore.TableScript,
		"func":        metastore.TableFunc,
		"cronJob":     metastore.TableCronJob,
		"syncAPI":     metastore.TableSyncAPI,
		"asyncAPI":    metastore.TableAsyncAPI,
		"connector":   metastore.TableConnector,
		"envVariable": metastore.TableEnvVariable,
	}

	for entity, table := range entityTables {
		count, err := s.deps.Store.CountRows(ctx, table)
		if err != nil {
			return err
		}
		key := s.metricKey("entityCount", "entity", entity)
		if err := s.deps.Redis.TSAdd(ctx, key, now, float64(count), tsReplace(maxAge)); err != nil {
			return err
		}
	}
	return nil
}

func (s *SystemMetric) Run(ctx context.Context) (any, error) {
	if err := s.t.Lock(ctx, 30*time.Second); err != nil {
		return nil, err
	}

	now := int64(s.t.Req.TriggerTime)

	if err := s.collectQueueMetrics(ctx, now); err != nil {
		return nil, err
	}
	if err := s.collectCacheDBMetrics(ctx, now); err != nil {
		return nil, err
	}
	if err := s.collectDBMetrics(ctx, now); err != nil {
		return nil, err
	}
	if err := s.collectEntityCounts(ctx, now); err != nil {
		return nil, err
	}
	if err := s.collectCronJobForecast(ctx, now); err != nil {
		return nil, err
	}
	return nil, nil
}

// extractInfoField pulls one "field:value" line out of a Redis INFO
// response.
func extractInfoField(info, field string) string {
	marker := field + ":"
	for start := 0; start < len(info); {
		end := start
		for end < len(info) && info[end] != '\n' {
			end++
		}
		line := info[start:end]
		if len(line) > len(marker) && line[:len(marker)] == marker {
			value := line[len(marker):]
			if len(value) > 0 && value[len(value)-1] == '\r' {
				value = value[:len(value)-1]
			}
			return value
		}
		start = end + 1
	}
	return ""
}
