package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/dataflux-func/dataflux-func/internal/observ"
	"github.com/dataflux-func/dataflux-func/pkg/toolkit"
)

// Shutdown reasons reported by the supervisor.
const (
	ShutdownSignal        = "signal"
	ShutdownRestartFlag   = "restartFlag"
	ShutdownSysRedisCheck = "sysRedisCheck"
	ShutdownSysDBCheck    = "sysDBCheck"
)

// ErrShutdown wraps the reason the supervisor stopped.
type ErrShutdown struct {
	Reason string
}

func (e *ErrShutdown) Error() string {
	return fmt.Sprintf("worker shutdown: %s", e.Reason)
}

// RestartFlagKey signals every worker and Beat to exit and restart.
func RestartFlagKey() string {
	return toolkit.GlobalCacheKey("tempFlag", "restartAllWorkersAndBeat")
}

// Supervisor keeps the pool of claim loops alive, watches
// infrastructure health and reports heartbeat. A failed check sets the
// shutdown event; the outer process manager restarts after a short
// delay.
type Supervisor struct {
	newLoop  func() *Loop
	poolSize int
	reporter *observ.Reporter
	logger   *slog.Logger

	redisCheck func(ctx context.Context) error
	dbCheck    func(ctx context.Context) error
	restartRaw func(ctx context.Context) (string, error)

	redisCheckInterval time.Duration
	redisCheckTimeout  time.Duration
	dbCheckTimeout     time.Duration
	restartInterval    time.Duration
	heartbeatInterval  time.Duration

	startTime time.Time

	mu             sync.Mutex
	shutdownReason string
	cancel         context.CancelFunc
}

// SupervisorOptions collects the wiring for a supervisor.
type SupervisorOptions struct {
	NewLoop  func() *Loop
	PoolSize int
	Reporter *observ.Reporter
	Logger   *slog.Logger

	RedisCheck     func(ctx context.Context) error
	DBCheck        func(ctx context.Context) error
	ReadRestartRaw func(ctx context.Context) (string, error)

	RedisCheckInterval time.Duration
	RedisCheckTimeout  time.Duration
	DBCheckTimeout     time.Duration
	RestartInterval    time.Duration
	HeartbeatInterval  time.Duration
}

func NewSupervisor(opts SupervisorOptions) *Supervisor {
	return &Supervisor{
		newLoop:            opts.NewLoop,
		poolSize:           opts.PoolSize,
		reporter:           opts.Reporter,
		logger:             opts.Logger.With(slog.String("component", "supervisor")),
		redisCheck:         opts.RedisCheck,
		dbCheck:            opts.DBCheck,
		restartRaw:         opts.ReadRestartRaw,
		redisCheckInterval: opts.RedisCheckInterval,
		redisCheckTimeout:  opts.RedisCheckTimeout,
		dbCheckTimeout:     opts.DBCheckTimeout,
		restartInterval:    opts.RestartInterval,
		heartbeatInterval:  opts.HeartbeatInterval,
		startTime:          time.Now(),
	}
}

// setShutdown records the first shutdown reason and cancels the loops.
func (s *Supervisor) setShutdown(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.shutdownReason != "" {
		return
	}
	s.shutdownReason = reason
	s.logger.Warn("Shutdown event set", slog.String("reason", reason))
	if s.cancel != nil {
		s.cancel()
	}
}

// ShutdownReason returns the recorded reason, if any.
func (s *Supervisor) ShutdownReason() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shutdownReason
}

// checkRedis probes the shared store with a bounded timeout; a failure
// is a shutdown condition, not a retry.
func (s *Supervisor) checkRedis(ctx context.Context) {
	checkCtx, cancel := context.WithTimeout(ctx, s.redisCheckTimeout)
	defer cancel()

	if err := s.redisCheck(checkCtx); err != nil {
		s.logger.Error("System Redis check failed", slog.String("error", err.Error()))
		s.setShutdown(ShutdownSysRedisCheck)
	}
}

func (s *Supervisor) checkDB(ctx context.Context) {
	checkCtx, cancel := context.WithTimeout(ctx, s.dbCheckTimeout)
	defer cancel()

	if err := s.dbCheck(checkCtx); err != nil {
		s.logger.Error("System DB check failed", slog.String("error", err.Error()))
		s.setShutdown(ShutdownSysDBCheck)
	}
}

// checkRestartFlag exits when the restart-all flag was set after this
// process started.
func (s *Supervisor) checkRestartFlag(ctx context.Context) {
	raw, err := s.restartRaw(ctx)
	if err != nil || raw == "" {
		return
	}

	flagTime, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return
	}
	if flagTime <= s.startTime.Unix() {
		return
	}

	s.logger.Warn("Restart flag is set, worker will exit soon",
		slog.Int64("flag_time", flagTime))
	s.setShutdown(ShutdownRestartFlag)
}

func (s *Supervisor) heartbeat(ctx context.Context) {
	if s.reporter == nil {
		return
	}
	if err := s.reporter.Report(ctx); err != nil {
		s.logger.Warn("Heartbeat failed", slog.String("error", err.Error()))
	}
}

// Run supervises until a shutdown condition. Returns *ErrShutdown with
// the reason, or ctx.Err() on external cancellation (signal).
func (s *Supervisor) Run(ctx context.Context) error {
	loopCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()

	var wg sync.WaitGroup
	loopExited := make(chan struct{}, s.poolSize)

	startLoop := func(seq int) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { loopExited <- struct{}{} }()

			logger := s.logger.With(slog.Int("loop_seq", seq))
			if err := s.newLoop().Run(loopCtx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Warn("Task loop exited", slog.String("error", err.Error()))
			}
		}()
	}

	loopSeq := 0
	for ; loopSeq < s.poolSize; loopSeq++ {
		startLoop(loopSeq)
	}

	redisTicker := time.NewTicker(s.redisCheckInterval)
	defer redisTicker.Stop()
	restartTicker := time.NewTicker(s.restartInterval)
	defer restartTicker.Stop()
	heartbeatTicker := time.NewTicker(s.heartbeatInterval)
	defer heartbeatTicker.Stop()

	s.heartbeat(ctx)

	for {
		select {
		case <-ctx.Done():
			s.setShutdown(ShutdownSignal)
			wg.Wait()
			return ctx.Err()

		case <-loopExited:
			if s.ShutdownReason() != "" {
				continue
			}
			// Keep the pool at size: recycled loops are replaced.
			startLoop(loopSeq)
			loopSeq++

		case <-redisTicker.C:
			s.checkRedis(ctx)
			s.checkDB(ctx)

		case <-restartTicker.C:
			s.checkRestartFlag(ctx)

		case <-heartbeatTicker.C:
			s.heartbeat(ctx)
		}

		if reason := s.ShutdownReason(); reason != "" {
			wg.Wait()
			return &ErrShutdown{Reason: reason}
		}
	}
}
