// Package task defines the lifecycle envelope shared by every task
// class: the immutable queue request, the mutable execution instance,
// status mapping, record buffering and response publication.
package task

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/dataflux-func/dataflux-func/pkg/config"
	"github.com/dataflux-func/dataflux-func/pkg/database"
	"github.com/dataflux-func/dataflux-func/pkg/toolkit"
)

// Task statuses.
const (
	StatusWaiting = "waiting"
	StatusPending = "pending"
	StatusSuccess = "success"
	StatusFailure = "failure"
	StatusTimeout = "timeout"
	StatusSkip    = "skip"
	StatusExpire  = "expire"
)

// IgnoredResult replaces the result in responses of tasks that ignore
// results.
const IgnoredResult = "IGNORED"

// Request is the immutable descriptor placed on a queue (wire shape:
// JSON on the shared store).
type Request struct {
	Name            string         `json:"name"`
	ID              string         `json:"id"`
	Kwargs          map[string]any `json:"kwargs,omitempty"`
	TriggerTime     float64        `json:"triggerTime"`
	Queue           int            `json:"queue"`
	ETA             *float64       `json:"eta,omitempty"`
	Delay           int            `json:"delay"`
	Timeout         int            `json:"timeout"`
	Expires         int            `json:"expires"`
	IgnoreResult    bool           `json:"ignoreResult"`
	TaskRecordLimit *int           `json:"taskRecordLimit,omitempty"`
}

// Response is published on the global channel when a task with
// ignoreResult=false completes.
type Response struct {
	Name          string   `json:"name"`
	ID            string   `json:"id"`
	TriggerTime   float64  `json:"triggerTime"`
	StartTime     *float64 `json:"startTime"`
	EndTime       *float64 `json:"endTime"`
	Result        any      `json:"result"`
	Status        string   `json:"status"`
	Exception     string   `json:"exception,omitempty"`
	ExceptionType string   `json:"exceptionType,omitempty"`
	Traceback     string   `json:"traceback,omitempty"`
}

// ResponseChannel is the global pub/sub channel for task responses.
func ResponseChannel() string {
	return toolkit.GlobalCacheKey("task", "response")
}

// TaskRecordBufferKey is the list task records are buffered into
// before FlushDataBuffer drains them to the metadata store.
func TaskRecordBufferKey() string {
	return toolkit.WorkerCacheKey("dataBuffer", "taskRecord")
}

// Deps carries the shared components a task runs against.
type Deps struct {
	Cfg    *config.Config
	Redis  *database.Redis
	DB     *database.Postgres
	Logger *slog.Logger
}

// Runner is the behavior a concrete task class plugs into the
// envelope. Run returns the task result; errors are mapped to the
// terminal status by Start.
type Runner interface {
	Run(ctx context.Context) (any, error)
}

// Task is the mutable execution state derived from a Request.
type Task struct {
	Req  *Request
	Deps *Deps

	StartTime *float64
	EndTime   *float64
	Status    string
	Result    any
	RunErr    error
	Traceback string

	// Optional task-class lock, owner-tagged.
	lockKey   string
	lockValue string

	// Non-critical errors (external sink uploads) never change the
	// task status.
	NonCriticalErrors []string

	// Hooks a task class may override.
	BufferRecord func(ctx context.Context) error
	OnFinish     func(ctx context.Context)
}

// New builds a task instance from a request, filling defaults from
// config.
func New(deps *Deps, req *Request) *Task {
	if req.ID == "" {
		req.ID = toolkit.GenTaskID()
	}
	if req.Timeout <= 0 {
		req.Timeout = deps.Cfg.TaskTimeoutDefault
	}
	if req.Expires <= 0 {
		req.Expires = deps.Cfg.TaskExpiresDefault
	}

	return &Task{
		Req:    req,
		Deps:   deps,
		Status: StatusWaiting,
	}
}

// TriggerTimeMS returns the trigger time in milliseconds.
func (t *Task) TriggerTimeMS() int64 {
	return int64(t.Req.TriggerTime * 1000)
}

// WaitCostMS is queue wait time in milliseconds; -1 before start.
func (t *Task) WaitCostMS() int64 {
	if t.StartTime == nil {
		return -1
	}
	return int64(*t.StartTime*1000) - t.TriggerTimeMS()
}

// RunCostMS is execution time in milliseconds; -1 before end.
func (t *Task) RunCostMS() int64 {
	if t.StartTime == nil || t.EndTime == nil {
		return -1
	}
	return int64(*t.EndTime*1000) - int64(*t.StartTime*1000)
}

// TotalCostMS is trigger-to-end time in milliseconds; -1 before end.
func (t *Task) TotalCostMS() int64 {
	if t.EndTime == nil {
		return -1
	}
	return int64(*t.EndTime*1000) - t.TriggerTimeMS()
}

// Lock acquires the task-class mutual-exclusion lock. Returns
// ErrPrevTaskNotFinished when a previous run still holds it.
func (t *Task) Lock(ctx context.Context, maxAge time.Duration) error {
	if maxAge <= 0 {
		maxAge = 30 * time.Second
	}

	lockKey := toolkit.WorkerCacheKey("lock", "task", "task", t.Req.Name)
	lockValue := toolkit.GenUUID()

	ok, err := t.Deps.Redis.Lock(ctx, lockKey, lockValue, maxAge)
	if err != nil {
		return fmt.Errorf("task lock: %w", err)
	}
	if !ok {
		return ErrPrevTaskNotFinished
	}

	t.lockKey = lockKey
	t.lockValue = lockValue

	t.Deps.Logger.Debug("Task locked", slog.String("lock_key", lockKey))
	return nil
}

// Unlock releases the task-class lock when this instance owns it.
func (t *Task) Unlock(ctx context.Context) {
	if t.lockKey == "" || t.lockValue == "" {
		return
	}
	if _, err := t.Deps.Redis.Unlock(ctx, t.lockKey, t.lockValue); err != nil {
		t.Deps.Logger.Warn("Task unlock failed",
			slog.String("lock_key", t.lockKey),
			slog.String("error", err.Error()))
	}
	t.lockKey = ""
	t.lockValue = ""
}

func (t *Task) now(ctx context.Context) float64 {
	ts, err := t.Deps.Redis.Timestamp(ctx)
	if err != nil {
		return float64(time.Now().UnixMilli()) / 1000
	}
	return ts
}

// Start drives one task execution: wait-budget check, run with the
// wall-clock timeout, status mapping, then record buffering, response
// publication and lock release regardless of outcome.
func (t *Task) Start(ctx context.Context, runner Runner) {
	start := t.now(ctx)
	t.StartTime = &start
	t.Status = StatusPending

	runCtx, cancel := context.WithTimeout(ctx, time.Duration(t.Req.Timeout)*time.Second)
	defer cancel()

	func() {
		defer func() {
			if r := recover(); r != nil {
				t.RunErr = fmt.Errorf("panic: %v", r)
				t.Traceback = string(debug.Stack())
			}
		}()

		if t.Req.Expires > 0 && t.WaitCostMS() > int64(t.Req.Expires)*1000 {
			t.RunErr = ErrTaskExpired
			return
		}

		t.Deps.Logger.Info("Task start",
			slog.String("task_name", t.Req.Name),
			slog.String("task_id", t.Req.ID))

		result, err := runner.Run(runCtx)
		if err != nil && runCtx.Err() == context.DeadlineExceeded {
			err = ErrTaskTimeout
		}
		t.Result = result
		t.RunErr = err
	}()

	t.Status = StatusFromError(t.RunErr)

	switch t.Status {
	case StatusSkip, StatusExpire:
		t.Deps.Logger.Warn("Task did not run",
			slog.String("task_id", t.Req.ID),
			slog.String("status", t.Status),
			slog.String("reason", errText(t.RunErr)))
	case StatusTimeout, StatusFailure:
		if t.Traceback == "" {
			t.Traceback = errText(t.RunErr)
		}
		t.Deps.Logger.Error("Task failed",
			slog.String("task_id", t.Req.ID),
			slog.String("status", t.Status),
			slog.String("error", errText(t.RunErr)))
	}

	// The finally block: times, record, response, unlock. Uses the
	// parent context so cleanup still happens after a timeout.
	end := t.now(ctx)
	t.EndTime = &end

	if t.BufferRecord != nil {
		if err := t.BufferRecord(ctx); err != nil {
			t.Deps.Logger.Warn("Task record buffering failed",
				slog.String("task_id", t.Req.ID),
				slog.String("error", err.Error()))
		}
	} else if err := t.bufferDefaultRecord(ctx); err != nil {
		t.Deps.Logger.Warn("Task record buffering failed",
			slog.String("task_id", t.Req.ID),
			slog.String("error", err.Error()))
	}

	if !t.Req.IgnoreResult {
		if err := t.PublishResponse(ctx); err != nil {
			t.Deps.Logger.Warn("Task response publish failed",
				slog.String("task_id", t.Req.ID),
				slog.String("error", err.Error()))
		}
	}

	if t.OnFinish != nil {
		t.OnFinish(ctx)
	}

	t.Unlock(ctx)
}

// MakeResponse builds the published response shape.
func (t *Task) MakeResponse() *Response {
	result := t.Result
	if t.Req.IgnoreResult {
		result = IgnoredResult
	}

	return &Response{
		Name:          t.Req.Name,
		ID:            t.Req.ID,
		TriggerTime:   t.Req.TriggerTime,
		StartTime:     t.StartTime,
		EndTime:       t.EndTime,
		Result:        result,
		Status:        t.Status,
		Exception:     errText(t.RunErr),
		ExceptionType: ExceptionType(t.RunErr),
		Traceback:     t.Traceback,
	}
}

// PublishResponse pushes the response onto the global channel.
func (t *Task) PublishResponse(ctx context.Context) error {
	return t.Deps.Redis.Publish(ctx, ResponseChannel(), toolkit.JSONDumps(t.MakeResponse()))
}

// RecordData is the buffered task-record row shape.
type RecordData struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	KwargsJSON    string `json:"kwargsJSON"`
	TriggerTimeMS int64  `json:"triggerTimeMs"`
	StartTimeMS   int64  `json:"startTimeMs"`
	EndTimeMS     int64  `json:"endTimeMs"`
	Queue         int    `json:"queue"`
	Delay         int    `json:"delay"`
	Timeout       int    `json:"timeout"`
	Expires       int    `json:"expires"`
	IgnoreResult  bool   `json:"ignoreResult"`
	ResultJSON    string `json:"resultJSON"`
	Status        string `json:"status"`
	ExceptionType string `json:"exceptionType"`
	ExceptionTEXT string `json:"exceptionTEXT"`
	TracebackTEXT string `json:"tracebackTEXT"`
}

// MakeRecordData builds the record row for this task.
func (t *Task) MakeRecordData() *RecordData {
	var startMS, endMS int64
	if t.StartTime != nil {
		startMS = int64(*t.StartTime * 1000)
	}
	if t.EndTime != nil {
		endMS = int64(*t.EndTime * 1000)
	}

	return &RecordData{
		ID:            t.Req.ID,
		Name:          t.Req.Name,
		KwargsJSON:    toolkit.JSONDumps(t.Req.Kwargs),
		TriggerTimeMS: t.TriggerTimeMS(),
		StartTimeMS:   startMS,
		EndTimeMS:     endMS,
		Queue:         t.Req.Queue,
		Delay:         t.Req.Delay,
		Timeout:       t.Req.Timeout,
		Expires:       t.Req.Expires,
		IgnoreResult:  t.Req.IgnoreResult,
		ResultJSON:    toolkit.JSONDumps(t.Result),
		Status:        t.Status,
		ExceptionType: ExceptionType(t.RunErr),
		ExceptionTEXT: errText(t.RunErr),
		TracebackTEXT: t.Traceback,
	}
}

// bufferDefaultRecord pushes the record into the shared buffer list
// for the flusher; writing to the store directly on every completion
// would be too chatty.
func (t *Task) bufferDefaultRecord(ctx context.Context) error {
	return t.Deps.Redis.Push(ctx, TaskRecordBufferKey(), toolkit.JSONDumps(t.MakeRecordData()))
}

func errText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
