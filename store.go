package conveyor

import (
	"context"
	"time"
)

// Store persists jobs, job steps, schedules, and events. All mutations are
// single-row upserts keyed by natural identity, so concurrent runtimes and
// reconciler passes are tolerated. Implementations must be safe for
// concurrent use.
type Store interface {
	// CreateJob inserts a new job row. A job carrying a dedupe key that
	// collides with an existing non-terminal job for the same workflow is
	// rejected with ErrDuplicate; the check and insert are atomic.
	CreateJob(ctx context.Context, job *Job) error

	// GetJob returns a job by id, or ErrNotFound.
	GetJob(ctx context.Context, id string) (*Job, error)

	// UpdateJob overwrites a job row by id. Writes against a job already in
	// a terminal status are dropped: terminal is terminal, and a stale
	// worker cannot revive a job an operator cancelled.
	UpdateJob(ctx context.Context, job *Job) error

	// FindActiveJobByDedupe returns the non-terminal job for the workflow
	// and dedupe key, or ErrNotFound.
	FindActiveJobByDedupe(ctx context.Context, workflowID, dedupeID string) (*Job, error)

	// ClaimJob atomically claims the next due job for the workflow: a job
	// whose status admits execution and whose ScheduledAt (if any) has
	// passed. The claim writes QueueJobID and status RUNNING and expires at
	// deadline. While any job of the workflow is paused with BlocksQueue
	// set, nothing is claimable. Returns ErrNotFound when nothing is due.
	ClaimJob(ctx context.Context, workflowID, queueJobID string, deadline time.Time) (*Job, error)

	// ReleaseExpiredClaims flips running jobs whose claim deadline has
	// passed to STALLED and returns them so the runtime can requeue.
	ReleaseExpiredClaims(ctx context.Context, now time.Time) ([]*Job, error)

	// GetJobStep returns the step row for (jobID, name), or ErrNotFound.
	GetJobStep(ctx context.Context, jobID, name string) (*JobStep, error)

	// UpsertJobStep inserts or overwrites the step row keyed by
	// (JobID, Name).
	UpsertJobStep(ctx context.Context, step *JobStep) error

	// ListJobSteps returns all step rows for a job.
	ListJobSteps(ctx context.Context, jobID string) ([]*JobStep, error)

	// GetSchedule returns a schedule by id, or ErrNotFound.
	GetSchedule(ctx context.Context, id string) (*Schedule, error)

	// UpsertSchedule inserts or overwrites a schedule row by id.
	UpsertSchedule(ctx context.Context, schedule *Schedule) error

	// ListSchedules returns schedule rows for a workflow; an empty
	// workflowID returns all. Dangling rows are included.
	ListSchedules(ctx context.Context, workflowID string) ([]*Schedule, error)

	// DueSchedules returns active, non-dangling schedules with
	// NextRunAt <= now.
	DueSchedules(ctx context.Context, now time.Time) ([]*Schedule, error)

	// GetEvent returns an event row by id, or ErrNotFound.
	GetEvent(ctx context.Context, id string) (*Event, error)

	// UpsertEvent inserts or overwrites an event row by id.
	UpsertEvent(ctx context.Context, event *Event) error

	// ListEvents returns event rows for a workflow; an empty workflowID
	// returns all. Dangling rows are included.
	ListEvents(ctx context.Context, workflowID string) ([]*Event, error)

	// FindEventsByName returns active, non-dangling event rows matching the
	// event name.
	FindEventsByName(ctx context.Context, name string) ([]*Event, error)
}
