package conveyor

import (
	"encoding/json"
	"time"

	"go.jetify.com/typeid"
)

// NewJobID returns a new typed id for a job.
func NewJobID() string {
	id, err := typeid.WithPrefix("job")
	if err != nil {
		panic(err)
	}
	return id.String()
}

// NewScheduleID returns a new typed id for a schedule row.
func NewScheduleID() string {
	id, err := typeid.WithPrefix("sched")
	if err != nil {
		panic(err)
	}
	return id.String()
}

// NewEventID returns a new typed id for an event row.
func NewEventID() string {
	id, err := typeid.WithPrefix("event")
	if err != nil {
		panic(err)
	}
	return id.String()
}

// JobStatus represents the lifecycle state of a job.
type JobStatus string

const (
	// JobWaiting means the job is queued and ready to be claimed.
	JobWaiting JobStatus = "WAITING"
	// JobScheduled means the job becomes claimable at ScheduledAt.
	JobScheduled JobStatus = "SCHEDULED"
	// JobDelayed means a step emitted Delay; the job re-enters the queue at
	// ScheduledAt and resumes at the next step.
	JobDelayed JobStatus = "DELAYED"
	// JobRunning means a worker slot holds the job. A running job with a
	// future ScheduledAt and no claim is awaiting a step rerun.
	JobRunning JobStatus = "RUNNING"
	// JobPaused means the job is suspended awaiting an external resume call.
	// Paused jobs are out of the queue entirely until resumed.
	JobPaused JobStatus = "PAUSED"
	// JobStalled means a worker claimed the job and disappeared; the next
	// sweep requeues it.
	JobStalled JobStatus = "STALLED"
	// JobSucceeded, JobFailed, and JobCancelled are terminal.
	JobSucceeded JobStatus = "SUCCEEDED"
	JobFailed    JobStatus = "FAILED"
	JobCancelled JobStatus = "CANCELLED"
)

// Terminal reports whether the status is one a job never leaves.
func (s JobStatus) Terminal() bool {
	return s == JobSucceeded || s == JobFailed || s == JobCancelled
}

// JobTrigger identifies what started a job.
type JobTrigger string

const (
	TriggerManual  JobTrigger = "MANUAL"
	TriggerCron    JobTrigger = "CRON"
	TriggerEvent   JobTrigger = "EVENT"
	TriggerWebhook JobTrigger = "WEBHOOK"
)

// Job is one persisted execution instance of a workflow. Jobs are mutated
// by the runtime and never hard-deleted.
type Job struct {
	ID          string          `json:"id"`
	ParentID    string          `json:"parent_id,omitempty"`
	WorkflowID  string          `json:"workflow_id"`
	QueueJobID  string          `json:"queue_job_id,omitempty"`
	DedupeID    string          `json:"dedupe_id,omitempty"`
	Status      JobStatus       `json:"status"`
	Trigger     JobTrigger      `json:"trigger"`
	TriggerID   string          `json:"trigger_id,omitempty"`
	ScheduledAt *time.Time      `json:"scheduled_at,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Context     map[string]any  `json:"context,omitempty"`
	Output      json.RawMessage `json:"output,omitempty"`
	LastError   string          `json:"last_error,omitempty"`
	PausedStep  string          `json:"paused_step,omitempty"`
	BlocksQueue bool            `json:"blocks_queue,omitempty"`
	MaxRetries  int             `json:"max_retries"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// StepStatus represents the lifecycle state of one step of one job.
type StepStatus string

const (
	StepPending   StepStatus = "PENDING"
	StepRunning   StepStatus = "RUNNING"
	StepSucceeded StepStatus = "SUCCEEDED"
	StepFailed    StepStatus = "FAILED"
)

// JobStep is the persisted record of one step of one job: its memoized
// result, its status, and its attempt counters. One row exists per
// (JobID, Name), created lazily on first attempt. The Result column doubles
// as the continuation store; for a paused step it holds the externally
// supplied resume data.
type JobStep struct {
	JobID     string          `json:"job_id"`
	Name      string          `json:"name"`
	Result    json.RawMessage `json:"result,omitempty"`
	Status    StepStatus      `json:"status"`
	Retries   int             `json:"retries"`
	Runs      int             `json:"runs"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Schedule is a persisted cron registration. Rows are created by the
// reconciler, or by an operator when UserDefined is true; they are never
// deleted, only marked dangling.
type Schedule struct {
	ID                string     `json:"id"`
	WorkflowID        string     `json:"workflow_id"`
	CronExpression    string     `json:"cron_expression"`
	OldCronExpression string     `json:"old_cron_expression,omitempty"`
	Timezone          string     `json:"timezone,omitempty"`
	Active            bool       `json:"active"`
	Dangling          bool       `json:"dangling"`
	UserDefined       bool       `json:"user_defined"`
	NextRunAt         *time.Time `json:"next_run_at,omitempty"`
	LastRunAt         *time.Time `json:"last_run_at,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

// Event is a persisted event-trigger registration with the same lifecycle
// pattern as Schedule.
type Event struct {
	ID         string    `json:"id"`
	WorkflowID string    `json:"workflow_id"`
	Name       string    `json:"name"`
	Provider   string    `json:"provider,omitempty"`
	Connection string    `json:"connection,omitempty"`
	Active     bool      `json:"active"`
	Dangling   bool      `json:"dangling"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}
