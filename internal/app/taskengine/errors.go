package taskengine

import (
	"errors"
	"fmt"
	"time"

	model "github.com/R3E-Network/taskengine/internal/app/domain/taskengine"
)

// ErrorCode identifies a category of engine failure, mirroring
// infrastructure/errors' code-space idiom (a short prefix plus a numeric tag)
// but scoped to the task engine's own taxonomy.
type ErrorCode string

const (
	ErrCodeNotFound       ErrorCode = "TE_4001"
	ErrCodeConflict       ErrorCode = "TE_4002"
	ErrCodeMissingHandler ErrorCode = "TE_4003"
	ErrCodeHandler        ErrorCode = "TE_5001"
	ErrCodeWorkerDied     ErrorCode = "TE_5002"
	ErrCodeConfig         ErrorCode = "TE_5003"
)

// EngineError is the engine-internal structured error, the ancestor of which
// is infrastructure/errors.ServiceError.
type EngineError struct {
	Code    ErrorCode
	Message string
	Details map[string]any
	Err     error
}

func (e *EngineError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *EngineError) Unwrap() error { return e.Err }

// WithDetail attaches a detail key/value and returns the receiver for chaining.
func (e *EngineError) WithDetail(key string, value any) *EngineError {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

func newEngineError(code ErrorCode, message string, err error) *EngineError {
	return &EngineError{Code: code, Message: message, Err: err}
}

// NotFoundError is returned by a persistence Read when the id is unknown.
func NotFoundError(id string) *EngineError {
	return newEngineError(ErrCodeNotFound, "task not found", nil).WithDetail("id", id)
}

// ConflictError is returned by a persistence Update used as a compare-and-set
// signal during try-claim or appendLog.
func ConflictError(id string) *EngineError {
	return newEngineError(ErrCodeConflict, "update conflict", nil).WithDetail("id", id)
}

// MissingHandlerError is raised when a classification has no registered handler.
func MissingHandlerError(classification string) *EngineError {
	return newEngineError(ErrCodeMissingHandler, "no handler registered for classification", nil).
		WithDetail("classification", classification)
}

// HandlerError wraps whatever a Handler.Run returned into the engine's taxonomy.
func HandlerError(err error) *EngineError {
	return newEngineError(ErrCodeHandler, "handler execution failed", err)
}

// WorkerTerminationError marks a worker-pool crash (a handler panic inside a
// pool worker). It is returned to the dispatching caller as the job's error;
// the job is not re-queued.
func WorkerTerminationError(workerID string, err error) *EngineError {
	return newEngineError(ErrCodeWorkerDied, "worker terminated before reporting a result", err).
		WithDetail("workerId", workerID)
}

// IsNotFound reports whether err (or something it wraps) is a not-found error.
func IsNotFound(err error) bool {
	var ee *EngineError
	return errors.As(err, &ee) && ee.Code == ErrCodeNotFound
}

// IsConflict reports whether err (or something it wraps) is a conflict error.
func IsConflict(err error) bool {
	var ee *EngineError
	return errors.As(err, &ee) && ee.Code == ErrCodeConflict
}

// StateChangeKind enumerates the terminal/quasi-terminal transitions a
// handler may request directly, bypassing the retry ladder.
type StateChangeKind string

const (
	StateChangeCancel     StateChangeKind = "CANCEL"
	StateChangeRetry      StateChangeKind = "RETRY"
	StateChangeReschedule StateChangeKind = "RESCHEDULE"
)

// StateChangeRequest is a sentinel a Handler.Run may return (wrapped in an
// error, per Go convention — there is no exception channel) to ask the
// engine to move the Task to CANCELED, WAITING_RETRY, or SCHEDULED
// immediately instead of going through normal retry accounting.
type StateChangeRequest struct {
	Kind        StateChangeKind
	ScheduledTo *time.Time
	Error       *model.ErrorRecord
}

func (s *StateChangeRequest) Error() string { return string(s.Kind) }

// ControlError is the client-side (Tracker) rejection type. Trackers settle
// their promise-like future with one of the four concrete control errors
// below rather than the engine-internal StateChangeRequest.
type ControlError struct {
	TaskID     string
	Details    string
	Meta       map[string]any
	NextAction model.Status
}

func (c *ControlError) Error() string {
	return fmt.Sprintf("task %s settled with %s", c.TaskID, c.NextAction)
}

// TaskFailError is returned by a Tracker when the task reaches FAILED.
type TaskFailError struct{ ControlError }

// TaskCancelError is returned by a Tracker when the task reaches CANCELED.
type TaskCancelError struct{ ControlError }

// TaskRetryError is the control error a Tracker builds for WAITING_RETRY.
// Resolve and Wait do not settle on WAITING_RETRY, so neither returns it.
type TaskRetryError struct{ ControlError }

// TaskRescheduleError is returned by a Tracker.resolve() when the task is
// currently SCHEDULED.
type TaskRescheduleError struct{ ControlError }

func newControlError(taskID string, action model.Status, meta map[string]any, details string) ControlError {
	return ControlError{TaskID: taskID, NextAction: action, Meta: meta, Details: details}
}
