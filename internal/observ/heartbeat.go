package observ

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/shirou/gopsutil/v4/process"

	"github.com/dataflux-func/dataflux-func/pkg/config"
	"github.com/dataflux-func/dataflux-func/pkg/database"
	"github.com/dataflux-func/dataflux-func/pkg/toolkit"
	"github.com/dataflux-func/dataflux-func/pkg/version"
)

// Heartbeat hash keys.
func ServiceInfoKey() string {
	return toolkit.MonitorCacheKey("heartbeat", "serviceInfo")
}

func WorkerOnQueueKey() string {
	return toolkit.MonitorCacheKey("heartbeat", "workerOnQueue")
}

func WorkerCountOnQueueKey() string {
	return toolkit.MonitorCacheKey("heartbeat", "workerCountOnQueue")
}

func ProcessCountOnQueueKey() string {
	return toolkit.MonitorCacheKey("heartbeat", "processCountOnQueue")
}

// Reporter publishes the per-process heartbeat: host/pid/service info,
// per-queue worker and process counts, and CPU/memory usage of the
// main process plus its children.
type Reporter struct {
	cfg    *config.Config
	redis  *database.Redis
	logger *slog.Logger

	serviceName     string
	workerID        string
	listeningQueues []int
	startedAt       time.Time

	proc *process.Process
}

func NewReporter(cfg *config.Config, redis *database.Redis, serviceName, workerID string, listeningQueues []int, logger *slog.Logger) *Reporter {
	proc, _ := process.NewProcess(int32(os.Getpid()))
	return &Reporter{
		cfg:             cfg,
		redis:           redis,
		logger:          logger.With(slog.String("component", "heartbeat")),
		serviceName:     serviceName,
		workerID:        workerID,
		listeningQueues: listeningQueues,
		startedAt:       time.Now(),
		proc:            proc,
	}
}

// Report publishes one heartbeat.
func (r *Reporter) Report(ctx context.Context) error {
	now, err := r.redis.Timestamp(ctx)
	if err != nil {
		return err
	}
	nowSec := int64(now)

	hostname, _ := os.Hostname()

	localMS := time.Now().UnixMilli()
	redisMS, err := r.redis.TimestampMS(ctx)
	if err != nil {
		return err
	}

	serviceInfo := map[string]any{
		"ts":         nowSec,
		"name":       r.serviceName,
		"version":    version.Version,
		"edition":    version.Edition,
		"uptime":     int64(time.Since(r.startedAt).Seconds()),
		"timeDiffMs": localMS - redisMS,
	}
	if r.serviceName == "worker" {
		serviceInfo["queues"] = r.listeningQueues
		serviceInfo["processCount"] = r.cfg.WorkerConcurrency
	}

	field := toolkit.ColonTags("hostname", hostname, "pid", fmt.Sprintf("%d", os.Getpid()))
	if err := r.redis.HSet(ctx, ServiceInfoKey(), field, toolkit.JSONDumps(serviceInfo)); err != nil {
		return err
	}

	if r.serviceName == "worker" && r.workerID != "" {
		if err := r.reportQueueCounts(ctx, nowSec); err != nil {
			return err
		}
	}

	return r.reportUsage(ctx, nowSec, hostname)
}

// reportQueueCounts recomputes per-queue worker and process counts by
// reading every worker's entry and summing processCount.
func (r *Reporter) reportQueueCounts(ctx context.Context, now int64) error {
	expires := time.Duration(r.cfg.MonitorReportExpires) * time.Second

	for _, q := range r.listeningQueues {
		field := toolkit.ColonTags("workerQueue", fmt.Sprintf("%d", q), "workerId", r.workerID)
		entry := map[string]any{"ts": now, "processCount": r.cfg.WorkerConcurrency}
		if err := r.redis.HSet(ctx, WorkerOnQueueKey(), field, toolkit.JSONDumps(entry)); err != nil {
			return err
		}

		pattern := toolkit.ColonTags("workerQueue", fmt.Sprintf("%d", q), "workerId", "*")
		entries, err := r.redis.HGetPattern(ctx, WorkerOnQueueKey(), pattern)
		if err != nil {
			return err
		}

		workerCount, processCount := 0, 0
		for _, raw := range entries {
			var decoded struct {
				TS           int64 `json:"ts"`
				ProcessCount int   `json:"processCount"`
			}
			if err := jsonUnmarshal(raw, &decoded); err != nil {
				continue
			}
			// Entries past the report window belong to dead workers;
			// AutoClean removes them, here they are just skipped.
			if now-decoded.TS > int64(expires.Seconds()) {
				continue
			}
			workerCount++
			processCount += decoded.ProcessCount
		}

		queueField := fmt.Sprintf("%d", q)
		workerEntry := map[string]any{"ts": now, "workerCount": workerCount}
		if err := r.redis.HSet(ctx, WorkerCountOnQueueKey(), queueField, toolkit.JSONDumps(workerEntry)); err != nil {
			return err
		}
		processEntry := map[string]any{"ts": now, "processCount": processCount}
		if err := r.redis.HSet(ctx, ProcessCountOnQueueKey(), queueField, toolkit.JSONDumps(processEntry)); err != nil {
			return err
		}
	}
	return nil
}

// reportUsage publishes CPU and memory of this process and its
// children as time series.
func (r *Reporter) reportUsage(ctx context.Context, now int64, hostname string) error {
	if r.proc == nil {
		return nil
	}

	totalCPU, _ := r.proc.CPUPercent()
	var totalRSS uint64
	if mem, err := r.proc.MemoryInfo(); err == nil && mem != nil {
		totalRSS = mem.RSS
	}

	if children, err := r.proc.Children(); err == nil {
		for _, child := range children {
			if cpu, err := child.CPUPercent(); err == nil {
				totalCPU += cpu
			}
			if mem, err := child.MemoryInfo(); err == nil && mem != nil {
				totalRSS += mem.RSS
			}
		}
	}

	maxAge := time.Duration(r.cfg.MetricSeriesMaxAge) * time.Second

	cpuKey := toolkit.MonitorCacheKey("monitor", "systemMetrics",
		"metric", "workerCPUPercent", "hostname", hostname)
	if err := r.redis.TSAdd(ctx, cpuKey, now, totalCPU, database.TSAddOptions{MaxAge: maxAge}); err != nil {
		return err
	}

	memKey := toolkit.MonitorCacheKey("monitor", "systemMetrics",
		"metric", "workerMemoryRSS", "hostname", hostname)
	return r.redis.TSAdd(ctx, memKey, now, float64(totalRSS), database.TSAddOptions{MaxAge: maxAge})
}
