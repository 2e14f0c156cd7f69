package conveyor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/deepnoodle-ai/conveyor/retry"
	"go.jetify.com/typeid"
)

// RuntimeOptions configures a Runtime.
type RuntimeOptions struct {
	Registry *Registry
	Store    Store
	Logger   *slog.Logger
	Audit    AuditLogger

	// TokenSecret signs resume tokens. Defaults to a random process-local
	// secret, which is fine for a single process but will not verify
	// across workers; production deployments share one.
	TokenSecret []byte

	// PollInterval is how often idle claim loops re-check for due jobs.
	PollInterval time.Duration

	// ClaimTimeout bounds how long a claimed job may run one step before
	// the sweeper marks it STALLED and requeues it.
	ClaimTimeout time.Duration

	// ResumeTokenTTL bounds resume token validity. Paused jobs wait for
	// human- or third-party-driven processes, so the default is generous.
	ResumeTokenTTL time.Duration

	// Backoff computes retry delays for failed steps.
	Backoff retry.Strategy

	// SchedulerInterval is how often the cron scheduler checks for due
	// schedules.
	SchedulerInterval time.Duration
}

// Runtime is the job runtime: it creates and enqueues jobs, owns the
// per-workflow queues, executes steps on worker slots, and interprets the
// control-flow signals step code emits.
type Runtime struct {
	registry *Registry
	store    Store
	logger   *slog.Logger
	audit    AuditLogger
	signer   *tokenSigner

	pollInterval      time.Duration
	claimTimeout      time.Duration
	resumeTokenTTL    time.Duration
	backoff           retry.Strategy
	schedulerInterval time.Duration

	// queues maps workflow id to its dedicated queue, populated at boot
	// and read-only afterward.
	queues map[string]*jobQueue

	mu      sync.Mutex
	started bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// NewRuntime creates a runtime for the given registry and store.
func NewRuntime(opts RuntimeOptions) (*Runtime, error) {
	if opts.Registry == nil {
		return nil, fmt.Errorf("registry is required")
	}
	if opts.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if opts.Logger == nil {
		opts.Logger = nullLogger()
	}
	if opts.Audit == nil {
		opts.Audit = NewNullAuditLogger()
	}
	if len(opts.TokenSecret) == 0 {
		opts.TokenSecret = randomSecret()
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 500 * time.Millisecond
	}
	if opts.ClaimTimeout <= 0 {
		opts.ClaimTimeout = 5 * time.Minute
	}
	if opts.ResumeTokenTTL <= 0 {
		opts.ResumeTokenTTL = 30 * 24 * time.Hour
	}
	if opts.Backoff == nil {
		opts.Backoff = retry.DefaultStrategy()
	}
	if opts.SchedulerInterval <= 0 {
		opts.SchedulerInterval = time.Second
	}

	queues := make(map[string]*jobQueue)
	for _, w := range opts.Registry.List() {
		queues[w.ID()] = newJobQueue(w)
	}

	return &Runtime{
		registry:          opts.Registry,
		store:             opts.Store,
		logger:            opts.Logger,
		audit:             opts.Audit,
		signer:            newTokenSigner(opts.TokenSecret),
		pollInterval:      opts.PollInterval,
		claimTimeout:      opts.ClaimTimeout,
		resumeTokenTTL:    opts.ResumeTokenTTL,
		backoff:           opts.Backoff,
		schedulerInterval: opts.SchedulerInterval,
		queues:            queues,
		stopCh:            make(chan struct{}),
	}, nil
}

// Registry returns the runtime's workflow registry.
func (r *Runtime) Registry() *Registry { return r.registry }

// Store returns the runtime's store.
func (r *Runtime) Store() Store { return r.store }

// RunRequest describes one request to start a job.
type RunRequest struct {
	WorkflowID   string          `json:"workflow_id,omitempty"`
	WorkflowName string          `json:"workflow_name,omitempty"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	Context      map[string]any  `json:"context,omitempty"`
	Trigger      JobTrigger      `json:"trigger,omitempty"`
	TriggerID    string          `json:"trigger_id,omitempty"`
	ScheduledAt  *time.Time      `json:"scheduled_at,omitempty"`
	MaxRetries   *int            `json:"max_retries,omitempty"`
	DedupeID     string          `json:"dedupe_id,omitempty"`
}

// Run creates a job for the request and hands it to the workflow's queue.
// If the request carries a dedupe id naming an existing non-terminal job
// for the workflow, the call coalesces: no new job is created and the
// existing one is returned.
func (r *Runtime) Run(ctx context.Context, req RunRequest) (*Job, error) {
	w, err := r.resolveWorkflow(req.WorkflowID, req.WorkflowName)
	if err != nil {
		return nil, err
	}

	if req.DedupeID != "" {
		existing, err := r.store.FindActiveJobByDedupe(ctx, w.ID(), req.DedupeID)
		if err == nil {
			return existing, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, err
		}
	}

	trigger := req.Trigger
	if trigger == "" {
		trigger = TriggerManual
	}
	maxRetries := w.MaxRetries()
	if req.MaxRetries != nil {
		maxRetries = *req.MaxRetries
	}
	status := JobWaiting
	if req.ScheduledAt != nil && req.ScheduledAt.After(time.Now()) {
		status = JobScheduled
	}

	job := &Job{
		ID:          NewJobID(),
		WorkflowID:  w.ID(),
		DedupeID:    req.DedupeID,
		Status:      status,
		Trigger:     trigger,
		TriggerID:   req.TriggerID,
		ScheduledAt: req.ScheduledAt,
		Payload:     req.Payload,
		Context:     req.Context,
		MaxRetries:  maxRetries,
	}
	if err := r.store.CreateJob(ctx, job); err != nil {
		// A concurrent caller with the same dedupe key won the insert;
		// coalesce onto its job.
		if errors.Is(err, ErrDuplicate) && req.DedupeID != "" {
			existing, findErr := r.store.FindActiveJobByDedupe(ctx, w.ID(), req.DedupeID)
			if findErr == nil {
				return existing, nil
			}
		}
		return nil, fmt.Errorf("failed to create job: %w", err)
	}

	r.logger.Info("job enqueued",
		"job_id", job.ID,
		"workflow_id", w.ID(),
		"trigger", trigger,
		"status", job.Status)
	r.notifyQueue(w.ID())
	return job, nil
}

// Replay creates a new job from a terminal one: same payload, trigger
// MANUAL, a single retry, and a dedupe key derived from the source job so
// replaying twice in quick succession yields exactly one new job.
func (r *Runtime) Replay(ctx context.Context, jobID string) (*Job, error) {
	source, err := r.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if !source.Status.Terminal() {
		return nil, ErrNotTerminal
	}

	maxRetries := 1
	job, err := r.Run(ctx, RunRequest{
		WorkflowID: source.WorkflowID,
		Payload:    source.Payload,
		Trigger:    TriggerManual,
		MaxRetries: &maxRetries,
		DedupeID:   "replay:" + source.ID,
	})
	if err != nil {
		return nil, err
	}
	if job.ParentID == "" {
		job.ParentID = source.ID
		if err := r.store.UpdateJob(ctx, job); err != nil {
			return nil, err
		}
	}

	entry := newAuditEntry(AuditJobReplayed)
	entry.WorkflowID = source.WorkflowID
	entry.JobID = job.ID
	entry.Detail = map[string]any{"source_job_id": source.ID}
	if err := r.audit.LogAudit(ctx, entry); err != nil {
		r.logger.Error("failed to write audit entry", "error", err)
	}
	return job, nil
}

// ResumeToken issues the job-scoped token an external caller must present
// to resume the job after a pause.
func (r *Runtime) ResumeToken(jobID string) (string, error) {
	return r.signer.Sign(tokenClaims{
		Purpose:   tokenPurposeResume,
		Subject:   jobID,
		ExpiresAt: time.Now().Add(r.resumeTokenTTL).Unix(),
	})
}

// Resume verifies the token, writes data into the continuation store under
// the paused step's name, and re-enqueues the job at the step after the
// one that paused. A bad or expired token leaves the job PAUSED.
func (r *Runtime) Resume(ctx context.Context, jobID, token string, data json.RawMessage) (*Job, error) {
	claims, err := r.signer.Verify(token, tokenPurposeResume)
	if err != nil {
		return nil, err
	}
	if claims.Subject != jobID {
		return nil, ErrUnauthorized
	}

	job, err := r.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status != JobPaused {
		return nil, ErrNotPaused
	}

	// Marking the paused step SUCCEEDED with the supplied data lands the
	// next attempt on the step after it; the data is readable there as
	// the paused step's output.
	step, err := r.store.GetJobStep(ctx, job.ID, job.PausedStep)
	if err != nil {
		return nil, fmt.Errorf("failed to load paused step: %w", err)
	}
	step.Result = data
	step.Status = StepSucceeded
	if err := r.store.UpsertJobStep(ctx, step); err != nil {
		return nil, fmt.Errorf("failed to store resume data: %w", err)
	}

	// PausedStep stays set so the continuation of the run can read the
	// resume data; it records the most recent pause.
	pausedStep := job.PausedStep
	job.Status = JobWaiting
	job.BlocksQueue = false
	job.ScheduledAt = nil
	if err := r.store.UpdateJob(ctx, job); err != nil {
		return nil, err
	}
	r.notifyQueue(job.WorkflowID)

	entry := newAuditEntry(AuditJobResumed)
	entry.WorkflowID = job.WorkflowID
	entry.JobID = job.ID
	entry.Detail = map[string]any{"step": pausedStep}
	if err := r.audit.LogAudit(ctx, entry); err != nil {
		r.logger.Error("failed to write audit entry", "error", err)
	}

	r.logger.Info("job resumed", "job_id", job.ID, "step", pausedStep)
	return job, nil
}

// CancelJob requests cancellation of a job. Suspended and queued jobs are
// cancelled immediately; a running job is cancelled cooperatively at the
// next step boundary, never mid-step.
func (r *Runtime) CancelJob(ctx context.Context, jobID string) (*Job, error) {
	job, err := r.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status.Terminal() {
		return job, nil
	}

	job.Status = JobCancelled
	job.BlocksQueue = false
	job.ScheduledAt = nil
	if err := r.store.UpdateJob(ctx, job); err != nil {
		return nil, err
	}
	// Cancelling a blocking paused job releases its queue.
	r.notifyQueue(job.WorkflowID)

	entry := newAuditEntry(AuditJobCancelled)
	entry.WorkflowID = job.WorkflowID
	entry.JobID = job.ID
	if err := r.audit.LogAudit(ctx, entry); err != nil {
		r.logger.Error("failed to write audit entry", "error", err)
	}
	return job, nil
}

// DispatchEvent starts one run per active event registration matching the
// event name. Returns the jobs started.
func (r *Runtime) DispatchEvent(ctx context.Context, name string, payload json.RawMessage) ([]*Job, error) {
	events, err := r.store.FindEventsByName(ctx, name)
	if err != nil {
		return nil, err
	}
	var jobs []*Job
	for _, event := range events {
		job, err := r.Run(ctx, RunRequest{
			WorkflowID: event.WorkflowID,
			Payload:    payload,
			Trigger:    TriggerEvent,
			TriggerID:  event.ID,
		})
		if err != nil {
			// One misconfigured registration must not stop delivery to
			// the others.
			r.logger.Error("event dispatch failed",
				"event", name,
				"workflow_id", event.WorkflowID,
				"error", err)
			continue
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// Start launches the queue claim loops, the cron scheduler, and the
// stalled-job sweeper. It returns immediately.
func (r *Runtime) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return fmt.Errorf("runtime already started")
	}
	r.started = true

	for _, q := range r.queues {
		for slot := 0; slot < q.workflow.Concurrency(); slot++ {
			r.wg.Add(1)
			go r.claimLoop(q)
		}
	}
	r.wg.Add(2)
	go r.schedulerLoop()
	go r.sweepLoop()

	r.logger.Info("runtime started", "workflows", len(r.queues))
	return nil
}

// Stop signals all loops to stop and waits for in-flight steps to finish.
func (r *Runtime) Stop(ctx context.Context) error {
	r.mu.Lock()
	if !r.started {
		r.mu.Unlock()
		return nil
	}
	r.started = false
	r.mu.Unlock()

	close(r.stopCh)

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		r.logger.Info("runtime stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// claimLoop is one worker slot: it claims at most one job at a time from
// one workflow's queue and executes steps until the job suspends or ends.
func (r *Runtime) claimLoop(q *jobQueue) {
	defer r.wg.Done()

	for {
		select {
		case <-r.stopCh:
			return
		default:
		}

		// Reserve a rate limit token before claiming; an empty poll or a
		// failed claim hands the token back so polling never consumes the
		// workflow's budget.
		res := q.reserve()
		if res != nil && res.Delay() > 0 {
			res.Cancel()
			r.idle(q)
			continue
		}

		claimID := newClaimID()
		job, err := r.store.ClaimJob(context.Background(), q.workflow.ID(), claimID, time.Now().Add(r.claimTimeout))
		if err != nil {
			if res != nil {
				res.Cancel()
			}
			if !errors.Is(err, ErrNotFound) {
				r.logger.Error("claim error", "workflow_id", q.workflow.ID(), "error", err)
			}
			r.idle(q)
			continue
		}

		r.executeJob(context.Background(), q, job)
	}
}

// idle waits for a wakeup or one poll interval, whichever comes first.
func (r *Runtime) idle(q *jobQueue) {
	select {
	case <-q.wake:
	case <-time.After(r.pollInterval):
	case <-r.stopCh:
	}
}

// sweepLoop requeues jobs whose claim expired, e.g. because their worker
// process died mid-step.
func (r *Runtime) sweepLoop() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.claimTimeout)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			stalled, err := r.store.ReleaseExpiredClaims(context.Background(), time.Now().UTC())
			if err != nil {
				r.logger.Error("sweep error", "error", err)
				continue
			}
			for _, job := range stalled {
				r.logger.Warn("requeued stalled job", "job_id", job.ID, "workflow_id", job.WorkflowID)
				r.notifyQueue(job.WorkflowID)
			}
		}
	}
}

func (r *Runtime) notifyQueue(workflowID string) {
	if q := r.queues[workflowID]; q != nil {
		q.notify()
	}
}

func (r *Runtime) resolveWorkflow(id, name string) (*Workflow, error) {
	if id != "" {
		if w, ok := r.registry.Resolve(id); ok {
			return w, nil
		}
	}
	if name != "" {
		if w, ok := r.registry.ByName(name); ok {
			return w, nil
		}
	}
	return nil, fmt.Errorf("workflow %w", ErrNotFound)
}

func newClaimID() string {
	id, err := typeid.WithPrefix("claim")
	if err != nil {
		panic(err)
	}
	return id.String()
}
