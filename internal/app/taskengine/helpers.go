package taskengine

import (
	"time"

	model "github.com/R3E-Network/taskengine/internal/app/domain/taskengine"
)

// toErrorRecord serializes any error into the durable ErrorRecord shape
// attached to a Task or StepResult.
func toErrorRecord(err error) *model.ErrorRecord {
	if err == nil {
		return nil
	}
	if ee, ok := err.(*EngineError); ok {
		rec := &model.ErrorRecord{Message: ee.Message}
		if ee.Err != nil {
			rec.Message = ee.Err.Error()
		}
		rec.Code = codeToInt(ee.Code)
		rec.Details = ee.Details
		return rec
	}
	return &model.ErrorRecord{Message: err.Error()}
}

func codeToInt(code ErrorCode) int {
	switch code {
	case ErrCodeNotFound:
		return 404
	case ErrCodeConflict:
		return 409
	case ErrCodeMissingHandler, ErrCodeHandler:
		return 500
	case ErrCodeWorkerDied:
		return 503
	default:
		return 0
	}
}

// now is overridable in tests via Engine.clock.
func (e *Engine) now() time.Time {
	if e.clock != nil {
		return e.clock()
	}
	return time.Now()
}
