package taskengine

import (
	"time"

	model "github.com/R3E-Network/taskengine/internal/app/domain/taskengine"
)

// PushOption configures a Task at creation time, the engine's analogue of
// system/events/router.go's RequestOption.
type PushOption func(*model.Task)

// WithMaxAttempts sets the maximum retry attempts.
func WithMaxAttempts(n int) PushOption {
	return func(t *model.Task) { t.MaxAttempts = n }
}

// WithBackoff sets the retry backoff policy.
func WithBackoff(b model.Backoff) PushOption {
	return func(t *model.Task) { t.Backoff = b }
}

// WithScheduledTo defers the task to SCHEDULED status until the given time.
func WithScheduledTo(at time.Time) PushOption {
	return func(t *model.Task) { t.ScheduledTo = &at }
}

// WithSteps makes the task COMPOSITE with the given step sequence.
func WithSteps(steps ...model.StepSpec) PushOption {
	return func(t *model.Task) { t.Steps = steps }
}

// WithCreatedBy records the creating principal.
func WithCreatedBy(who string) PushOption {
	return func(t *model.Task) { t.CreatedBy = who; t.UpdatedBy = who }
}

// WithLogTailMax overrides the engine-wide default logTailMax for one task.
func WithLogTailMax(n int) PushOption {
	return func(t *model.Task) { t.LogTailMax = n }
}
