package conveyor

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"
)

// StepHandler executes one step of a workflow. Returning a non-nil error
// consumes the retry budget; returning a StepResult emits exactly one
// control-flow signal. The zero StepResult means Continue(nil).
type StepHandler func(sc *StepContext) (StepResult, error)

type resultKind int

const (
	kindContinue resultKind = iota
	kindCancel
	kindDelay
	kindRerun
	kindPause
)

// StepResult is the tagged control-flow signal a step returns. Exactly one
// signal per step is a property of the type: a handler cannot emit two.
type StepResult struct {
	kind  resultKind
	value any
	delay time.Duration
	block bool
}

// Continue advances to the next step, memoizing value as this step's result.
func Continue(value any) StepResult {
	return StepResult{kind: kindContinue, value: value}
}

// Cancel stops the job with status CANCELLED. The value is stored as the
// job's terminal output; no later steps run.
func Cancel(value any) StepResult {
	return StepResult{kind: kindCancel, value: value}
}

// Delay suspends the job for d and resumes it at the next step.
func Delay(d time.Duration) StepResult {
	return StepResult{kind: kindDelay, delay: d}
}

// Rerun re-invokes the same step after d. Its run counter increments; the
// retry budget is untouched.
func Rerun(d time.Duration) StepResult {
	return StepResult{kind: kindRerun, delay: d}
}

// Pause suspends the job until an external caller resumes it with a
// job-scoped token. If block is true the whole workflow queue is paused
// until the job resumes.
func Pause(block bool) StepResult {
	return StepResult{kind: kindPause, block: block}
}

// StepContext carries everything a step handler may read or write. None of
// it survives the current step attempt in memory: durable state crosses
// suspension points only through memoized step results or the job's small
// mutable context map.
type StepContext struct {
	ctx     context.Context
	logger  *slog.Logger
	job     *Job
	step    string
	outputs map[string]json.RawMessage
	resume  json.RawMessage
	runtime *Runtime
}

// Context returns the context for the current step attempt.
func (sc *StepContext) Context() context.Context { return sc.ctx }

// Logger returns a logger scoped to the job and step.
func (sc *StepContext) Logger() *slog.Logger { return sc.logger }

// JobID returns the executing job's id.
func (sc *StepContext) JobID() string { return sc.job.ID }

// StepName returns the executing step's name.
func (sc *StepContext) StepName() string { return sc.step }

// Payload unmarshals the job payload into v.
func (sc *StepContext) Payload(v any) error {
	if len(sc.job.Payload) == 0 {
		return nil
	}
	return json.Unmarshal(sc.job.Payload, v)
}

// RawPayload returns the job payload as opaque JSON.
func (sc *StepContext) RawPayload() json.RawMessage { return sc.job.Payload }

// Output returns a prior step's memoized result, unmarshalled into v. For
// a step that paused, this is the externally supplied resume data.
func (sc *StepContext) Output(stepName string, v any) (bool, error) {
	raw, ok := sc.outputs[stepName]
	if !ok || len(raw) == 0 {
		return ok, nil
	}
	return true, json.Unmarshal(raw, v)
}

// ResumeData unmarshals the resume data supplied when this job was resumed
// from a pause, if any.
func (sc *StepContext) ResumeData(v any) (bool, error) {
	if len(sc.resume) == 0 {
		return false, nil
	}
	return true, json.Unmarshal(sc.resume, v)
}

// Get reads a key from the job's mutable context map.
func (sc *StepContext) Get(key string) (any, bool) {
	v, ok := sc.job.Context[key]
	return v, ok
}

// Set writes a key into the job's mutable context map. The map is persisted
// with the job after every step.
func (sc *StepContext) Set(key string, value any) {
	if sc.job.Context == nil {
		sc.job.Context = map[string]any{}
	}
	sc.job.Context[key] = value
}

// ResumeToken issues the job-scoped token an external party must present
// to resume this job after it pauses. Steps hand it out before returning
// Pause.
func (sc *StepContext) ResumeToken() (string, error) {
	return sc.runtime.ResumeToken(sc.job.ID)
}
