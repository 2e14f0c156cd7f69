package conveyor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/deepnoodle-ai/conveyor/retry"
)

// executeJob runs steps of one claimed job, strictly in declared order,
// until the job reaches a terminal status or a signal suspends it. The
// in-memory state here never outlives the current step attempt: everything
// a later attempt needs is persisted through the store.
func (r *Runtime) executeJob(ctx context.Context, q *jobQueue, job *Job) {
	w := q.workflow
	logger := r.logger.With("job_id", job.ID, "workflow_id", w.ID())

	for _, def := range w.Steps() {
		// Cancellation is cooperative: re-read the row between steps so an
		// operator cancel lands at the next boundary, never mid-step.
		current, err := r.store.GetJob(ctx, job.ID)
		if err != nil {
			logger.Error("failed to reload job", "error", err)
			return
		}
		if current.Status.Terminal() {
			logger.Info("job reached terminal status", "status", current.Status)
			return
		}
		current.QueueJobID = job.QueueJobID
		job = current

		row, err := r.store.GetJobStep(ctx, job.ID, def.Name)
		if errors.Is(err, ErrNotFound) {
			row = &JobStep{JobID: job.ID, Name: def.Name, Status: StepPending}
		} else if err != nil {
			logger.Error("failed to load job step", "step", def.Name, "error", err)
			return
		}

		// A step re-executes only if its row is absent or not SUCCEEDED;
		// this is what makes resuming after pause/delay/rerun safe.
		if row.Status == StepSucceeded {
			continue
		}

		row.Status = StepRunning
		row.Runs++
		if err := r.store.UpsertJobStep(ctx, row); err != nil {
			logger.Error("failed to persist job step", "step", def.Name, "error", err)
			return
		}

		sc, err := r.newStepContext(ctx, job, def.Name)
		if err != nil {
			logger.Error("failed to build step context", "step", def.Name, "error", err)
			return
		}

		result, stepErr := runStepHandler(def.Handler, sc)
		if stepErr != nil {
			r.failOrRetryStep(ctx, logger, job, row, stepErr)
			return
		}

		switch result.kind {
		case kindContinue:
			output, err := marshalResult(result.value)
			if err != nil {
				r.failOrRetryStep(ctx, logger, job, row, err)
				return
			}
			row.Result = output
			row.Status = StepSucceeded
			if err := r.store.UpsertJobStep(ctx, row); err != nil {
				logger.Error("failed to persist step result", "step", def.Name, "error", err)
				return
			}
			// Carry the mutable job context forward between steps.
			if err := r.store.UpdateJob(ctx, job); err != nil {
				logger.Error("failed to persist job", "error", err)
				return
			}

		case kindCancel:
			output, err := marshalResult(result.value)
			if err != nil {
				r.failOrRetryStep(ctx, logger, job, row, err)
				return
			}
			row.Result = output
			row.Status = StepSucceeded
			if err := r.store.UpsertJobStep(ctx, row); err != nil {
				logger.Error("failed to persist step result", "step", def.Name, "error", err)
			}
			job.Status = JobCancelled
			job.Output = output
			job.QueueJobID = ""
			job.ScheduledAt = nil
			if err := r.store.UpdateJob(ctx, job); err != nil {
				logger.Error("failed to persist job", "error", err)
			}
			logger.Info("job cancelled by step", "step", def.Name)
			return

		case kindDelay:
			row.Status = StepSucceeded
			if err := r.store.UpsertJobStep(ctx, row); err != nil {
				logger.Error("failed to persist step result", "step", def.Name, "error", err)
				return
			}
			at := time.Now().UTC().Add(result.delay)
			job.Status = JobDelayed
			job.ScheduledAt = &at
			job.QueueJobID = ""
			if err := r.store.UpdateJob(ctx, job); err != nil {
				logger.Error("failed to persist job", "error", err)
			}
			logger.Info("job delayed", "step", def.Name, "until", at)
			return

		case kindRerun:
			row.Status = StepPending
			if err := r.store.UpsertJobStep(ctx, row); err != nil {
				logger.Error("failed to persist step result", "step", def.Name, "error", err)
				return
			}
			// The job stays logically RUNNING; clearing the claim with a
			// future ScheduledAt re-admits the same step after the delay.
			at := time.Now().UTC().Add(result.delay)
			job.ScheduledAt = &at
			job.QueueJobID = ""
			if err := r.store.UpdateJob(ctx, job); err != nil {
				logger.Error("failed to persist job", "error", err)
			}
			logger.Info("step rerun scheduled", "step", def.Name, "at", at)
			return

		case kindPause:
			row.Status = StepPending
			if err := r.store.UpsertJobStep(ctx, row); err != nil {
				logger.Error("failed to persist step result", "step", def.Name, "error", err)
				return
			}
			// The persisted BlocksQueue flag is what ClaimJob enforces, so
			// the pause holds across worker restarts and sibling processes.
			job.Status = JobPaused
			job.PausedStep = def.Name
			job.BlocksQueue = result.block
			job.QueueJobID = ""
			job.ScheduledAt = nil
			if err := r.store.UpdateJob(ctx, job); err != nil {
				logger.Error("failed to persist job", "error", err)
				return
			}
			entry := newAuditEntry(AuditJobPaused)
			entry.WorkflowID = job.WorkflowID
			entry.JobID = job.ID
			entry.Detail = map[string]any{"step": def.Name, "block": result.block}
			if err := r.audit.LogAudit(ctx, entry); err != nil {
				logger.Error("failed to write audit entry", "error", err)
			}
			logger.Info("job paused", "step", def.Name, "block", result.block)
			return
		}
	}

	// Every step is memoized as SUCCEEDED; finish the job with the last
	// step's result as its terminal output.
	steps := w.StepNames()
	last, err := r.store.GetJobStep(ctx, job.ID, steps[len(steps)-1])
	if err != nil {
		logger.Error("failed to load final step", "error", err)
		return
	}
	job.Status = JobSucceeded
	job.Output = last.Result
	job.QueueJobID = ""
	job.ScheduledAt = nil
	if err := r.store.UpdateJob(ctx, job); err != nil {
		logger.Error("failed to persist job", "error", err)
		return
	}
	logger.Info("job succeeded")
}

// failOrRetryStep applies the retry budget to a step error: reschedule with
// backoff while budget remains, otherwise fail the job with the last error
// retained. Errors marked non-recoverable skip the remaining budget.
func (r *Runtime) failOrRetryStep(ctx context.Context, logger *slog.Logger, job *Job, row *JobStep, stepErr error) {
	if !retry.IsNonRecoverable(stepErr) && row.Retries < job.MaxRetries {
		row.Retries++
		row.Status = StepPending
		if err := r.store.UpsertJobStep(ctx, row); err != nil {
			logger.Error("failed to persist job step", "step", row.Name, "error", err)
			return
		}
		at := time.Now().UTC().Add(r.backoff.Delay(row.Retries))
		job.Status = JobScheduled
		job.ScheduledAt = &at
		job.QueueJobID = ""
		job.LastError = stepErr.Error()
		if err := r.store.UpdateJob(ctx, job); err != nil {
			logger.Error("failed to persist job", "error", err)
		}
		logger.Info("step retry scheduled",
			"step", row.Name,
			"retries", row.Retries,
			"max_retries", job.MaxRetries,
			"at", at,
			"error", stepErr)
		return
	}

	row.Status = StepFailed
	if err := r.store.UpsertJobStep(ctx, row); err != nil {
		logger.Error("failed to persist job step", "step", row.Name, "error", err)
	}
	job.Status = JobFailed
	job.LastError = stepErr.Error()
	job.QueueJobID = ""
	job.ScheduledAt = nil
	if err := r.store.UpdateJob(ctx, job); err != nil {
		logger.Error("failed to persist job", "error", err)
	}
	logger.Error("job failed", "step", row.Name, "error", stepErr)
}

// newStepContext assembles the view a step handler sees: payload, mutable
// job context, memoized prior outputs, and resume data if the job paused.
func (r *Runtime) newStepContext(ctx context.Context, job *Job, stepName string) (*StepContext, error) {
	rows, err := r.store.ListJobSteps(ctx, job.ID)
	if err != nil {
		return nil, err
	}
	outputs := make(map[string]json.RawMessage, len(rows))
	for _, row := range rows {
		if row.Status == StepSucceeded {
			outputs[row.Name] = row.Result
		}
	}
	sc := &StepContext{
		ctx:     ctx,
		logger:  r.logger.With("job_id", job.ID, "step", stepName),
		job:     job,
		step:    stepName,
		outputs: outputs,
		runtime: r,
	}
	if job.PausedStep != "" {
		sc.resume = outputs[job.PausedStep]
	}
	return sc, nil
}

// runStepHandler invokes the handler, converting panics into step errors so
// a bad step consumes its retry budget instead of killing the worker.
func runStepHandler(handler StepHandler, sc *StepContext) (result StepResult, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("step panicked: %v", p)
		}
	}()
	return handler(sc)
}

func marshalResult(value any) (json.RawMessage, error) {
	if value == nil {
		return nil, nil
	}
	data, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal step result: %w", err)
	}
	return data, nil
}
