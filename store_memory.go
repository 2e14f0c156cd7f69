package conveyor

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store for tests and single-process use.
type MemoryStore struct {
	mu        sync.Mutex
	jobs      map[string]*Job
	steps     map[string]map[string]*JobStep
	schedules map[string]*Schedule
	events    map[string]*Event
	claims    map[string]time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs:      map[string]*Job{},
		steps:     map[string]map[string]*JobStep{},
		schedules: map[string]*Schedule{},
		events:    map[string]*Event{},
		claims:    map[string]time.Time{},
	}
}

// CreateJob implements Store.
func (s *MemoryStore) CreateJob(ctx context.Context, job *Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	// Dedupe uniqueness is checked under the same lock as the insert, so
	// two concurrent creates with one key cannot both land.
	if job.DedupeID != "" {
		for _, existing := range s.jobs {
			if existing.WorkflowID == job.WorkflowID && existing.DedupeID == job.DedupeID && !existing.Status.Terminal() {
				return ErrDuplicate
			}
		}
	}
	now := time.Now().UTC()
	job.CreatedAt = now
	job.UpdatedAt = now
	s.jobs[job.ID] = copyJob(job)
	return nil
}

// GetJob implements Store.
func (s *MemoryStore) GetJob(ctx context.Context, id string) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyJob(job), nil
}

// UpdateJob implements Store.
func (s *MemoryStore) UpdateJob(ctx context.Context, job *Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.jobs[job.ID]
	if !ok {
		return ErrNotFound
	}
	// Terminal is terminal: a stale writer cannot revive a finished job.
	if existing.Status.Terminal() {
		return nil
	}
	job.UpdatedAt = time.Now().UTC()
	s.jobs[job.ID] = copyJob(job)
	return nil
}

// FindActiveJobByDedupe implements Store.
func (s *MemoryStore) FindActiveJobByDedupe(ctx context.Context, workflowID, dedupeID string) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, job := range s.jobs {
		if job.WorkflowID == workflowID && job.DedupeID == dedupeID && !job.Status.Terminal() {
			return copyJob(job), nil
		}
	}
	return nil, ErrNotFound
}

// ClaimJob implements Store.
func (s *MemoryStore) ClaimJob(ctx context.Context, workflowID, queueJobID string, deadline time.Time) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	var due []*Job
	for _, job := range s.jobs {
		// A blocking paused job holds the whole workflow queue.
		if job.WorkflowID == workflowID && job.Status == JobPaused && job.BlocksQueue {
			return nil, ErrNotFound
		}
	}
	for _, job := range s.jobs {
		if job.WorkflowID != workflowID || !claimable(job, now) {
			continue
		}
		due = append(due, job)
	}
	if len(due) == 0 {
		return nil, ErrNotFound
	}
	sort.Slice(due, func(i, j int) bool { return due[i].CreatedAt.Before(due[j].CreatedAt) })

	job := due[0]
	job.Status = JobRunning
	job.QueueJobID = queueJobID
	job.UpdatedAt = now
	s.claims[job.ID] = deadline
	return copyJob(job), nil
}

// claimable reports whether a job may be handed to a worker slot right now.
// A RUNNING job with no claim is one awaiting a step rerun.
func claimable(job *Job, now time.Time) bool {
	switch job.Status {
	case JobWaiting, JobStalled:
		return true
	case JobScheduled, JobDelayed:
		return job.ScheduledAt == nil || !job.ScheduledAt.After(now)
	case JobRunning:
		return job.QueueJobID == "" && (job.ScheduledAt == nil || !job.ScheduledAt.After(now))
	default:
		return false
	}
}

// ReleaseExpiredClaims implements Store.
func (s *MemoryStore) ReleaseExpiredClaims(ctx context.Context, now time.Time) ([]*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var stalled []*Job
	for id, deadline := range s.claims {
		if deadline.After(now) {
			continue
		}
		job, ok := s.jobs[id]
		if !ok || job.Status != JobRunning || job.QueueJobID == "" {
			delete(s.claims, id)
			continue
		}
		job.Status = JobStalled
		job.QueueJobID = ""
		job.UpdatedAt = now
		delete(s.claims, id)
		stalled = append(stalled, copyJob(job))
	}
	return stalled, nil
}

// GetJobStep implements Store.
func (s *MemoryStore) GetJobStep(ctx context.Context, jobID, name string) (*JobStep, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	step, ok := s.steps[jobID][name]
	if !ok {
		return nil, ErrNotFound
	}
	out := *step
	return &out, nil
}

// UpsertJobStep implements Store.
func (s *MemoryStore) UpsertJobStep(ctx context.Context, step *JobStep) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.steps[step.JobID] == nil {
		s.steps[step.JobID] = map[string]*JobStep{}
	}
	step.UpdatedAt = time.Now().UTC()
	out := *step
	s.steps[step.JobID][step.Name] = &out
	return nil
}

// ListJobSteps implements Store.
func (s *MemoryStore) ListJobSteps(ctx context.Context, jobID string) ([]*JobStep, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*JobStep
	for _, step := range s.steps[jobID] {
		cp := *step
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// GetSchedule implements Store.
func (s *MemoryStore) GetSchedule(ctx context.Context, id string) (*Schedule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	schedule, ok := s.schedules[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := *schedule
	return &out, nil
}

// UpsertSchedule implements Store.
func (s *MemoryStore) UpsertSchedule(ctx context.Context, schedule *Schedule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	if schedule.CreatedAt.IsZero() {
		schedule.CreatedAt = now
	}
	schedule.UpdatedAt = now
	out := *schedule
	s.schedules[schedule.ID] = &out
	return nil
}

// ListSchedules implements Store.
func (s *MemoryStore) ListSchedules(ctx context.Context, workflowID string) ([]*Schedule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Schedule
	for _, schedule := range s.schedules {
		if workflowID != "" && schedule.WorkflowID != workflowID {
			continue
		}
		cp := *schedule
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// DueSchedules implements Store.
func (s *MemoryStore) DueSchedules(ctx context.Context, now time.Time) ([]*Schedule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Schedule
	for _, schedule := range s.schedules {
		if !schedule.Active || schedule.Dangling || schedule.NextRunAt == nil {
			continue
		}
		if schedule.NextRunAt.After(now) {
			continue
		}
		cp := *schedule
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// GetEvent implements Store.
func (s *MemoryStore) GetEvent(ctx context.Context, id string) (*Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	event, ok := s.events[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := *event
	return &out, nil
}

// UpsertEvent implements Store.
func (s *MemoryStore) UpsertEvent(ctx context.Context, event *Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	if event.CreatedAt.IsZero() {
		event.CreatedAt = now
	}
	event.UpdatedAt = now
	out := *event
	s.events[event.ID] = &out
	return nil
}

// ListEvents implements Store.
func (s *MemoryStore) ListEvents(ctx context.Context, workflowID string) ([]*Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Event
	for _, event := range s.events {
		if workflowID != "" && event.WorkflowID != workflowID {
			continue
		}
		cp := *event
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// FindEventsByName implements Store.
func (s *MemoryStore) FindEventsByName(ctx context.Context, name string) ([]*Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Event
	for _, event := range s.events {
		if event.Name != name || !event.Active || event.Dangling {
			continue
		}
		cp := *event
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func copyJob(job *Job) *Job {
	cp := *job
	if job.Context != nil {
		cp.Context = make(map[string]any, len(job.Context))
		for k, v := range job.Context {
			cp.Context[k] = v
		}
	}
	if job.ScheduledAt != nil {
		t := *job.ScheduledAt
		cp.ScheduledAt = &t
	}
	return &cp
}
