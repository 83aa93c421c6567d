package task

import (
	"context"
	"errors"
	"fmt"
)

// Control-flow conditions of the task lifecycle. These are statuses in
// disguise: Start maps them onto the terminal status instead of
// surfacing them to the caller.
var (
	// ErrPrevTaskNotFinished means the task-class or cron-job lock is
	// still held by an earlier run; the task completes as "skip".
	ErrPrevTaskNotFinished = errors.New("previous task not finished, skip current task")

	// ErrTaskExpired means the task waited in queue longer than its
	// wait budget; the task completes as "expire" without running.
	ErrTaskExpired = errors.New("task waited too long and has been skipped")

	// ErrTaskTimeout is the sole non-recoverable interruption: the run
	// exceeded its wall-clock timeout and was cut off.
	ErrTaskTimeout = errors.New("task execution took too much time and has been interrupted by force")
)

// WarningError marks a user-facing condition that should complete the
// task as "skip" rather than "failure".
type WarningError struct {
	Message string
}

func (e *WarningError) Error() string {
	return e.Message
}

// Warningf builds a WarningError.
func Warningf(format string, args ...any) *WarningError {
	return &WarningError{Message: fmt.Sprintf(format, args...)}
}

// StatusFromError maps a run error onto the terminal task status.
func StatusFromError(err error) string {
	switch {
	case err == nil:
		return StatusSuccess
	case errors.Is(err, ErrPrevTaskNotFinished):
		return StatusSkip
	case errors.Is(err, ErrTaskExpired):
		return StatusExpire
	case errors.Is(err, ErrTaskTimeout), errors.Is(err, context.DeadlineExceeded):
		return StatusTimeout
	default:
		var warn *WarningError
		if errors.As(err, &warn) {
			return StatusSkip
		}
		return StatusFailure
	}
}

// ExceptionType names the error kind recorded in task records and
// responses.
func ExceptionType(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrPrevTaskNotFinished):
		return "PreviousTaskNotFinished"
	case errors.Is(err, ErrTaskExpired):
		return "TaskExpired"
	case errors.Is(err, ErrTaskTimeout), errors.Is(err, context.DeadlineExceeded):
		return "TaskTimeout"
	default:
		var warn *WarningError
		if errors.As(err, &warn) {
			return "Warning"
		}
		return "Exception"
	}
}
