package conveyor

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// PostgresStore is a Store backed by Postgres. All mutations are single-row
// statements so multiple worker processes can share the tables; job claims
// use FOR UPDATE SKIP LOCKED.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore opens a connection to the given DSN and ensures the
// schema exists.
func NewPostgresStore(dsn string) (*PostgresStore, error) {
	if dsn == "" {
		return nil, fmt.Errorf("dsn is empty")
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres connection: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}
	s := &PostgresStore{db: db}
	if err := s.migrate(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to migrate schema: %w", err)
	}
	return s, nil
}

// Close closes the underlying connection pool.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func (s *PostgresStore) migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
create table if not exists conveyor_jobs (
  id text primary key,
  parent_id text not null default '',
  workflow_id text not null,
  queue_job_id text not null default '',
  dedupe_id text not null default '',
  status text not null,
  trigger text not null,
  trigger_id text not null default '',
  scheduled_at timestamptz,
  payload jsonb,
  context jsonb,
  output jsonb,
  last_error text not null default '',
  paused_step text not null default '',
  blocks_queue boolean not null default false,
  max_retries int not null default 0,
  claim_deadline timestamptz,
  created_at timestamptz not null,
  updated_at timestamptz not null
);
create index if not exists conveyor_jobs_claim_idx
  on conveyor_jobs (workflow_id, status, scheduled_at);
create unique index if not exists conveyor_jobs_dedupe_unique
  on conveyor_jobs (workflow_id, dedupe_id)
  where dedupe_id <> '' and status not in ('SUCCEEDED','FAILED','CANCELLED');
create table if not exists conveyor_job_steps (
  job_id text not null,
  name text not null,
  result jsonb,
  status text not null,
  retries int not null default 0,
  runs int not null default 0,
  updated_at timestamptz not null,
  primary key (job_id, name)
);
create table if not exists conveyor_schedules (
  id text primary key,
  workflow_id text not null,
  cron_expression text not null,
  old_cron_expression text not null default '',
  timezone text not null default '',
  active boolean not null default true,
  dangling boolean not null default false,
  user_defined boolean not null default false,
  next_run_at timestamptz,
  last_run_at timestamptz,
  created_at timestamptz not null,
  updated_at timestamptz not null
);
create table if not exists conveyor_events (
  id text primary key,
  workflow_id text not null,
  name text not null,
  provider text not null default '',
  connection text not null default '',
  active boolean not null default true,
  dangling boolean not null default false,
  created_at timestamptz not null,
  updated_at timestamptz not null
);
`)
	return err
}

const jobColumns = `id, parent_id, workflow_id, queue_job_id, dedupe_id, status,
trigger, trigger_id, scheduled_at, payload, context, output, last_error,
paused_step, blocks_queue, max_retries, created_at, updated_at`

// CreateJob implements Store.
func (s *PostgresStore) CreateJob(ctx context.Context, job *Job) error {
	now := time.Now().UTC()
	job.CreatedAt = now
	job.UpdatedAt = now
	contextJSON, err := marshalContext(job.Context)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
insert into conveyor_jobs (`+jobColumns+`)
values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18)`,
		job.ID, job.ParentID, job.WorkflowID, job.QueueJobID, job.DedupeID,
		string(job.Status), string(job.Trigger), job.TriggerID, job.ScheduledAt,
		nullableJSON(job.Payload), contextJSON, nullableJSON(job.Output),
		job.LastError, job.PausedStep, job.BlocksQueue, job.MaxRetries,
		job.CreatedAt, job.UpdatedAt)
	if err != nil {
		// The partial unique index on (workflow_id, dedupe_id) is what makes
		// cross-process dedupe races lose deterministically.
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code.Name() == "unique_violation" {
			return ErrDuplicate
		}
		return fmt.Errorf("failed to insert job: %w", err)
	}
	return nil
}

// GetJob implements Store.
func (s *PostgresStore) GetJob(ctx context.Context, id string) (*Job, error) {
	row := s.db.QueryRowContext(ctx, `select `+jobColumns+` from conveyor_jobs where id = $1`, id)
	return scanJob(row)
}

// UpdateJob implements Store.
func (s *PostgresStore) UpdateJob(ctx context.Context, job *Job) error {
	job.UpdatedAt = time.Now().UTC()
	contextJSON, err := marshalContext(job.Context)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
update conveyor_jobs set
  parent_id=$2, workflow_id=$3, queue_job_id=$4, dedupe_id=$5, status=$6,
  trigger=$7, trigger_id=$8, scheduled_at=$9, payload=$10, context=$11,
  output=$12, last_error=$13, paused_step=$14, blocks_queue=$15,
  max_retries=$16, updated_at=$17
where id=$1 and status not in ('SUCCEEDED','FAILED','CANCELLED')`,
		job.ID, job.ParentID, job.WorkflowID, job.QueueJobID, job.DedupeID,
		string(job.Status), string(job.Trigger), job.TriggerID, job.ScheduledAt,
		nullableJSON(job.Payload), contextJSON, nullableJSON(job.Output),
		job.LastError, job.PausedStep, job.BlocksQueue, job.MaxRetries, job.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to update job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		// Distinguish a missing row from a job already in a terminal status;
		// the latter is a silently dropped stale write.
		var exists bool
		if err := s.db.QueryRowContext(ctx,
			`select exists (select 1 from conveyor_jobs where id=$1)`, job.ID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return ErrNotFound
		}
	}
	return nil
}

// FindActiveJobByDedupe implements Store.
func (s *PostgresStore) FindActiveJobByDedupe(ctx context.Context, workflowID, dedupeID string) (*Job, error) {
	row := s.db.QueryRowContext(ctx, `
select `+jobColumns+` from conveyor_jobs
where workflow_id=$1 and dedupe_id=$2
  and status not in ('SUCCEEDED','FAILED','CANCELLED')
order by created_at limit 1`, workflowID, dedupeID)
	return scanJob(row)
}

// ClaimJob implements Store.
func (s *PostgresStore) ClaimJob(ctx context.Context, workflowID, queueJobID string, deadline time.Time) (*Job, error) {
	row := s.db.QueryRowContext(ctx, `
update conveyor_jobs set status='RUNNING', queue_job_id=$2, claim_deadline=$3, updated_at=now()
where id = (
  select id from conveyor_jobs
  where workflow_id = $1 and (
    status in ('WAITING','STALLED')
    or (status in ('SCHEDULED','DELAYED') and (scheduled_at is null or scheduled_at <= now()))
    or (status = 'RUNNING' and queue_job_id = '' and (scheduled_at is null or scheduled_at <= now()))
  )
  and not exists (
    select 1 from conveyor_jobs b
    where b.workflow_id = $1 and b.status = 'PAUSED' and b.blocks_queue
  )
  order by created_at
  for update skip locked
  limit 1
)
returning `+jobColumns, workflowID, queueJobID, deadline)
	return scanJob(row)
}

// ReleaseExpiredClaims implements Store.
func (s *PostgresStore) ReleaseExpiredClaims(ctx context.Context, now time.Time) ([]*Job, error) {
	rows, err := s.db.QueryContext(ctx, `
update conveyor_jobs set status='STALLED', queue_job_id='', claim_deadline=null, updated_at=now()
where status='RUNNING' and queue_job_id <> '' and claim_deadline is not null and claim_deadline <= $1
returning `+jobColumns, now)
	if err != nil {
		return nil, fmt.Errorf("failed to release expired claims: %w", err)
	}
	defer rows.Close()
	var out []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

// GetJobStep implements Store.
func (s *PostgresStore) GetJobStep(ctx context.Context, jobID, name string) (*JobStep, error) {
	row := s.db.QueryRowContext(ctx, `
select job_id, name, result, status, retries, runs, updated_at
from conveyor_job_steps where job_id=$1 and name=$2`, jobID, name)
	return scanJobStep(row)
}

// UpsertJobStep implements Store.
func (s *PostgresStore) UpsertJobStep(ctx context.Context, step *JobStep) error {
	step.UpdatedAt = time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
insert into conveyor_job_steps (job_id, name, result, status, retries, runs, updated_at)
values ($1,$2,$3,$4,$5,$6,$7)
on conflict (job_id, name) do update set
  result=excluded.result, status=excluded.status, retries=excluded.retries,
  runs=excluded.runs, updated_at=excluded.updated_at`,
		step.JobID, step.Name, nullableJSON(step.Result), string(step.Status),
		step.Retries, step.Runs, step.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert job step: %w", err)
	}
	return nil
}

// ListJobSteps implements Store.
func (s *PostgresStore) ListJobSteps(ctx context.Context, jobID string) ([]*JobStep, error) {
	rows, err := s.db.QueryContext(ctx, `
select job_id, name, result, status, retries, runs, updated_at
from conveyor_job_steps where job_id=$1 order by name`, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to list job steps: %w", err)
	}
	defer rows.Close()
	var out []*JobStep
	for rows.Next() {
		step, err := scanJobStep(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, step)
	}
	return out, rows.Err()
}

const scheduleColumns = `id, workflow_id, cron_expression, old_cron_expression,
timezone, active, dangling, user_defined, next_run_at, last_run_at, created_at, updated_at`

// GetSchedule implements Store.
func (s *PostgresStore) GetSchedule(ctx context.Context, id string) (*Schedule, error) {
	row := s.db.QueryRowContext(ctx, `select `+scheduleColumns+` from conveyor_schedules where id=$1`, id)
	return scanSchedule(row)
}

// UpsertSchedule implements Store.
func (s *PostgresStore) UpsertSchedule(ctx context.Context, schedule *Schedule) error {
	now := time.Now().UTC()
	if schedule.CreatedAt.IsZero() {
		schedule.CreatedAt = now
	}
	schedule.UpdatedAt = now
	_, err := s.db.ExecContext(ctx, `
insert into conveyor_schedules (`+scheduleColumns+`)
values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
on conflict (id) do update set
  workflow_id=excluded.workflow_id, cron_expression=excluded.cron_expression,
  old_cron_expression=excluded.old_cron_expression, timezone=excluded.timezone,
  active=excluded.active, dangling=excluded.dangling,
  user_defined=excluded.user_defined, next_run_at=excluded.next_run_at,
  last_run_at=excluded.last_run_at, updated_at=excluded.updated_at`,
		schedule.ID, schedule.WorkflowID, schedule.CronExpression,
		schedule.OldCronExpression, schedule.Timezone, schedule.Active,
		schedule.Dangling, schedule.UserDefined, schedule.NextRunAt,
		schedule.LastRunAt, schedule.CreatedAt, schedule.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert schedule: %w", err)
	}
	return nil
}

// ListSchedules implements Store.
func (s *PostgresStore) ListSchedules(ctx context.Context, workflowID string) ([]*Schedule, error) {
	query := `select ` + scheduleColumns + ` from conveyor_schedules`
	args := []any{}
	if workflowID != "" {
		query += ` where workflow_id=$1`
		args = append(args, workflowID)
	}
	query += ` order by id`
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list schedules: %w", err)
	}
	defer rows.Close()
	var out []*Schedule
	for rows.Next() {
		schedule, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, schedule)
	}
	return out, rows.Err()
}

// DueSchedules implements Store.
func (s *PostgresStore) DueSchedules(ctx context.Context, now time.Time) ([]*Schedule, error) {
	rows, err := s.db.QueryContext(ctx, `
select `+scheduleColumns+` from conveyor_schedules
where active and not dangling and next_run_at is not null and next_run_at <= $1
order by id`, now)
	if err != nil {
		return nil, fmt.Errorf("failed to list due schedules: %w", err)
	}
	defer rows.Close()
	var out []*Schedule
	for rows.Next() {
		schedule, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, schedule)
	}
	return out, rows.Err()
}

const eventColumns = `id, workflow_id, name, provider, connection, active, dangling, created_at, updated_at`

// GetEvent implements Store.
func (s *PostgresStore) GetEvent(ctx context.Context, id string) (*Event, error) {
	row := s.db.QueryRowContext(ctx, `select `+eventColumns+` from conveyor_events where id=$1`, id)
	return scanEvent(row)
}

// UpsertEvent implements Store.
func (s *PostgresStore) UpsertEvent(ctx context.Context, event *Event) error {
	now := time.Now().UTC()
	if event.CreatedAt.IsZero() {
		event.CreatedAt = now
	}
	event.UpdatedAt = now
	_, err := s.db.ExecContext(ctx, `
insert into conveyor_events (`+eventColumns+`)
values ($1,$2,$3,$4,$5,$6,$7,$8,$9)
on conflict (id) do update set
  workflow_id=excluded.workflow_id, name=excluded.name,
  provider=excluded.provider, connection=excluded.connection,
  active=excluded.active, dangling=excluded.dangling,
  updated_at=excluded.updated_at`,
		event.ID, event.WorkflowID, event.Name, event.Provider,
		event.Connection, event.Active, event.Dangling, event.CreatedAt,
		event.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert event: %w", err)
	}
	return nil
}

// ListEvents implements Store.
func (s *PostgresStore) ListEvents(ctx context.Context, workflowID string) ([]*Event, error) {
	query := `select ` + eventColumns + ` from conveyor_events`
	args := []any{}
	if workflowID != "" {
		query += ` where workflow_id=$1`
		args = append(args, workflowID)
	}
	query += ` order by id`
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()
	var out []*Event
	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, event)
	}
	return out, rows.Err()
}

// FindEventsByName implements Store.
func (s *PostgresStore) FindEventsByName(ctx context.Context, name string) ([]*Event, error) {
	rows, err := s.db.QueryContext(ctx, `
select `+eventColumns+` from conveyor_events
where name=$1 and active and not dangling order by id`, name)
	if err != nil {
		return nil, fmt.Errorf("failed to find events by name: %w", err)
	}
	defer rows.Close()
	var out []*Event
	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, event)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*Job, error) {
	var job Job
	var status, trigger string
	var scheduledAt sql.NullTime
	var payload, contextJSON, output []byte
	err := row.Scan(&job.ID, &job.ParentID, &job.WorkflowID, &job.QueueJobID,
		&job.DedupeID, &status, &trigger, &job.TriggerID, &scheduledAt,
		&payload, &contextJSON, &output, &job.LastError, &job.PausedStep,
		&job.BlocksQueue, &job.MaxRetries, &job.CreatedAt, &job.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan job: %w", err)
	}
	job.Status = JobStatus(status)
	job.Trigger = JobTrigger(trigger)
	if scheduledAt.Valid {
		t := scheduledAt.Time
		job.ScheduledAt = &t
	}
	job.Payload = payload
	job.Output = output
	if len(contextJSON) > 0 {
		if err := json.Unmarshal(contextJSON, &job.Context); err != nil {
			return nil, fmt.Errorf("failed to unmarshal job context: %w", err)
		}
	}
	return &job, nil
}

func scanJobStep(row rowScanner) (*JobStep, error) {
	var step JobStep
	var status string
	var result []byte
	err := row.Scan(&step.JobID, &step.Name, &result, &status, &step.Retries,
		&step.Runs, &step.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan job step: %w", err)
	}
	step.Status = StepStatus(status)
	step.Result = result
	return &step, nil
}

func scanSchedule(row rowScanner) (*Schedule, error) {
	var schedule Schedule
	var nextRunAt, lastRunAt sql.NullTime
	err := row.Scan(&schedule.ID, &schedule.WorkflowID, &schedule.CronExpression,
		&schedule.OldCronExpression, &schedule.Timezone, &schedule.Active,
		&schedule.Dangling, &schedule.UserDefined, &nextRunAt, &lastRunAt,
		&schedule.CreatedAt, &schedule.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan schedule: %w", err)
	}
	if nextRunAt.Valid {
		t := nextRunAt.Time
		schedule.NextRunAt = &t
	}
	if lastRunAt.Valid {
		t := lastRunAt.Time
		schedule.LastRunAt = &t
	}
	return &schedule, nil
}

func scanEvent(row rowScanner) (*Event, error) {
	var event Event
	err := row.Scan(&event.ID, &event.WorkflowID, &event.Name, &event.Provider,
		&event.Connection, &event.Active, &event.Dangling, &event.CreatedAt,
		&event.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan event: %w", err)
	}
	return &event, nil
}

func marshalContext(m map[string]any) ([]byte, error) {
	if m == nil {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal job context: %w", err)
	}
	return b, nil
}

func nullableJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}
