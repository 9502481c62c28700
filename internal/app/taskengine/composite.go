package taskengine

import (
	"context"
	"fmt"

	model "github.com/R3E-Network/taskengine/internal/app/domain/taskengine"
)

// compositeStepKey returns the positional cache key for step i of task.
func compositeStepKey(taskID string, index int) string {
	return fmt.Sprintf("%s:step:%d", taskID, index)
}

// runComposite executes task.Steps sequentially starting at task.CurrentStep.
// It persists progress after every step so a retry resumes without
// re-invoking already-succeeded steps. On a step failure it writes the
// FAILED StepResult and persists *before* returning the error, so a crash
// between the two can never hide the failure from the outer retry decision.
func (e *Engine) runComposite(ctx context.Context, task *model.Task, tctx *Context) (any, error) {
	// Pre-populate the cache with every already-succeeded prior step so a
	// resumed execution sees the same keys a first-pass execution would
	// have built up incrementally.
	for i := 0; i < task.CurrentStep && i < len(task.StepResults); i++ {
		res := task.StepResults[i]
		if res.Status != model.StepSucceeded {
			continue
		}
		spec := task.Steps[i]
		tctx.CacheResult(spec.Classification, res.Output)
		tctx.CacheResult(compositeStepKey(task.ID, i), res.Output)
	}

	total := len(task.Steps)
	for i := task.CurrentStep; i < total; i++ {
		spec := task.Steps[i]
		tctx.Log("info", fmt.Sprintf("Composite step %d/%d: %s", i+1, total, spec.Classification), nil)

		handler, ok := e.registry.Get(spec.Classification)
		if !ok {
			stepErr := MissingHandlerError(spec.Classification)
			e.recordStepFailure(ctx, task, i, stepErr)
			return nil, stepErr
		}

		output, err := e.invokeHandler(ctx, handler, spec.Classification, spec.Input, task, tctx)
		if err != nil {
			e.recordStepFailure(ctx, task, i, err)
			return nil, err
		}

		now := e.now()
		result := model.StepResult{
			Status:    model.StepSucceeded,
			Output:    output,
			CreatedAt: now,
			UpdatedAt: now,
		}
		task.StepResults = appendStepResult(task.StepResults, i, result)
		tctx.CacheResult(spec.Classification, output)
		tctx.CacheResult(compositeStepKey(task.ID, i), output)
		task.CurrentStep = i + 1

		if stored, err := e.tasks.Update(ctx, task); err != nil {
			if e.log != nil {
				e.log.Warn("runComposite: best-effort progress persist failed", "taskId", task.ID, "err", err)
			}
		} else {
			task.Version = stored.Version
		}
		e.pipeline.emitProgress(ctx, task.ID, map[string]any{
			"currentStep": task.CurrentStep,
			"totalSteps":  total,
			"output":      output,
		})
	}

	if total == 0 {
		return nil, nil
	}
	return task.StepResults[total-1].Output, nil
}

// recordStepFailure writes a FAILED StepResult at index i and persists the
// task before the caller rethrows, so the failure is durable before it
// propagates.
func (e *Engine) recordStepFailure(ctx context.Context, task *model.Task, i int, stepErr error) {
	now := e.now()
	result := model.StepResult{
		Status:    model.StepFailed,
		Error:     toErrorRecord(stepErr),
		CreatedAt: now,
		UpdatedAt: now,
	}
	task.StepResults = appendStepResult(task.StepResults, i, result)
	if stored, err := e.tasks.Update(ctx, task); err != nil {
		if e.log != nil {
			e.log.Warn("recordStepFailure: persist failed", "taskId", task.ID, "step", i, "err", err)
		}
	} else {
		task.Version = stored.Version
	}
}

// appendStepResult sets results[i], growing the slice as needed. Composite
// tasks always fill indices in order so this never leaves a gap.
func appendStepResult(results []model.StepResult, i int, r model.StepResult) []model.StepResult {
	for len(results) <= i {
		results = append(results, model.StepResult{})
	}
	results[i] = r
	return results
}
