package conveyor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.jetify.com/typeid"
)

// contractWorkflowID returns a fresh workflow id so contract subtests stay
// isolated even when the backing store is shared, as it is when the suite
// runs against one Postgres container.
func contractWorkflowID(t *testing.T) string {
	t.Helper()
	id, err := typeid.WithPrefix("wf")
	require.NoError(t, err)
	return id.String()
}

// runStoreContract exercises the Store behaviors every implementation must
// share. MemoryStore and PostgresStore both run it.
func runStoreContract(t *testing.T, store Store) {
	ctx := context.Background()

	t.Run("JobLifecycle", func(t *testing.T) {
		wfID := contractWorkflowID(t)
		job := &Job{ID: NewJobID(), WorkflowID: wfID, Status: JobWaiting, Trigger: TriggerManual}
		require.NoError(t, store.CreateJob(ctx, job))
		require.False(t, job.CreatedAt.IsZero())

		got, err := store.GetJob(ctx, job.ID)
		require.NoError(t, err)
		require.Equal(t, JobWaiting, got.Status)

		got.Status = JobSucceeded
		require.NoError(t, store.UpdateJob(ctx, got))

		got, err = store.GetJob(ctx, job.ID)
		require.NoError(t, err)
		require.Equal(t, JobSucceeded, got.Status)

		_, err = store.GetJob(ctx, "job_missing")
		require.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("TerminalIsTerminal", func(t *testing.T) {
		wfID := contractWorkflowID(t)
		job := &Job{ID: NewJobID(), WorkflowID: wfID, Status: JobCancelled, Trigger: TriggerManual}
		require.NoError(t, store.CreateJob(ctx, job))

		// A stale worker cannot revive a finished job.
		job.Status = JobRunning
		require.NoError(t, store.UpdateJob(ctx, job))
		got, err := store.GetJob(ctx, job.ID)
		require.NoError(t, err)
		require.Equal(t, JobCancelled, got.Status)
	})

	t.Run("Claim", func(t *testing.T) {
		wfID := contractWorkflowID(t)
		deadline := time.Now().Add(time.Minute)
		job := &Job{ID: NewJobID(), WorkflowID: wfID, Status: JobWaiting, Trigger: TriggerManual}
		require.NoError(t, store.CreateJob(ctx, job))

		claimed, err := store.ClaimJob(ctx, wfID, "claim_1", deadline)
		require.NoError(t, err)
		require.Equal(t, job.ID, claimed.ID)
		require.Equal(t, JobRunning, claimed.Status)
		require.Equal(t, "claim_1", claimed.QueueJobID)

		// A claimed job cannot be claimed again.
		_, err = store.ClaimJob(ctx, wfID, "claim_2", deadline)
		require.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("ClaimRespectsSchedule", func(t *testing.T) {
		wfID := contractWorkflowID(t)
		deadline := time.Now().Add(time.Minute)
		future := time.Now().Add(time.Hour)
		job := &Job{ID: NewJobID(), WorkflowID: wfID, Status: JobScheduled, Trigger: TriggerManual, ScheduledAt: &future}
		require.NoError(t, store.CreateJob(ctx, job))

		_, err := store.ClaimJob(ctx, wfID, "claim_1", deadline)
		require.ErrorIs(t, err, ErrNotFound)

		past := time.Now().Add(-time.Minute)
		job.ScheduledAt = &past
		require.NoError(t, store.UpdateJob(ctx, job))

		claimed, err := store.ClaimJob(ctx, wfID, "claim_1", deadline)
		require.NoError(t, err)
		require.Equal(t, job.ID, claimed.ID)
	})

	t.Run("ClaimOrder", func(t *testing.T) {
		wfID := contractWorkflowID(t)
		deadline := time.Now().Add(time.Minute)
		first := &Job{ID: NewJobID(), WorkflowID: wfID, Status: JobWaiting, Trigger: TriggerManual}
		require.NoError(t, store.CreateJob(ctx, first))
		time.Sleep(2 * time.Millisecond)
		second := &Job{ID: NewJobID(), WorkflowID: wfID, Status: JobWaiting, Trigger: TriggerManual}
		require.NoError(t, store.CreateJob(ctx, second))

		claimed, err := store.ClaimJob(ctx, wfID, "claim_1", deadline)
		require.NoError(t, err)
		require.Equal(t, first.ID, claimed.ID)
	})

	t.Run("ClaimBlockedByPause", func(t *testing.T) {
		wfID := contractWorkflowID(t)
		deadline := time.Now().Add(time.Minute)
		blocker := &Job{ID: NewJobID(), WorkflowID: wfID, Status: JobPaused, Trigger: TriggerManual, PausedStep: "gate", BlocksQueue: true}
		require.NoError(t, store.CreateJob(ctx, blocker))
		waiting := &Job{ID: NewJobID(), WorkflowID: wfID, Status: JobWaiting, Trigger: TriggerManual}
		require.NoError(t, store.CreateJob(ctx, waiting))

		// The blocking paused job holds the whole workflow queue.
		_, err := store.ClaimJob(ctx, wfID, "claim_1", deadline)
		require.ErrorIs(t, err, ErrNotFound)

		blocker.Status = JobWaiting
		blocker.BlocksQueue = false
		blocker.PausedStep = ""
		require.NoError(t, store.UpdateJob(ctx, blocker))

		claimed, err := store.ClaimJob(ctx, wfID, "claim_1", deadline)
		require.NoError(t, err)
		require.Contains(t, []string{blocker.ID, waiting.ID}, claimed.ID)
	})

	t.Run("ReleaseExpiredClaims", func(t *testing.T) {
		wfID := contractWorkflowID(t)
		job := &Job{ID: NewJobID(), WorkflowID: wfID, Status: JobWaiting, Trigger: TriggerManual}
		require.NoError(t, store.CreateJob(ctx, job))

		_, err := store.ClaimJob(ctx, wfID, "claim_dead", time.Now().Add(-time.Second))
		require.NoError(t, err)

		stalled, err := store.ReleaseExpiredClaims(ctx, time.Now())
		require.NoError(t, err)
		var mine *Job
		for _, s := range stalled {
			if s.ID == job.ID {
				mine = s
			}
		}
		require.NotNil(t, mine)
		require.Equal(t, JobStalled, mine.Status)

		// Stalled jobs are claimable again.
		claimed, err := store.ClaimJob(ctx, wfID, "claim_2", time.Now().Add(time.Minute))
		require.NoError(t, err)
		require.Equal(t, job.ID, claimed.ID)
	})

	t.Run("Dedupe", func(t *testing.T) {
		wfID := contractWorkflowID(t)
		job := &Job{ID: NewJobID(), WorkflowID: wfID, Status: JobWaiting, Trigger: TriggerManual, DedupeID: "order:42"}
		require.NoError(t, store.CreateJob(ctx, job))

		found, err := store.FindActiveJobByDedupe(ctx, wfID, "order:42")
		require.NoError(t, err)
		require.Equal(t, job.ID, found.ID)

		// Terminal jobs no longer coalesce.
		job.Status = JobSucceeded
		require.NoError(t, store.UpdateJob(ctx, job))
		_, err = store.FindActiveJobByDedupe(ctx, wfID, "order:42")
		require.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("DedupeInsertConflict", func(t *testing.T) {
		wfID := contractWorkflowID(t)
		first := &Job{ID: NewJobID(), WorkflowID: wfID, Status: JobWaiting, Trigger: TriggerManual, DedupeID: "order:42"}
		require.NoError(t, store.CreateJob(ctx, first))

		// The uniqueness check is part of the insert, so two racing creates
		// with one key cannot both land.
		dup := &Job{ID: NewJobID(), WorkflowID: wfID, Status: JobWaiting, Trigger: TriggerManual, DedupeID: "order:42"}
		require.ErrorIs(t, store.CreateJob(ctx, dup), ErrDuplicate)

		// Other workflows do not collide on the same key.
		other := &Job{ID: NewJobID(), WorkflowID: contractWorkflowID(t), Status: JobWaiting, Trigger: TriggerManual, DedupeID: "order:42"}
		require.NoError(t, store.CreateJob(ctx, other))

		// Once the holder is terminal, the key is free again.
		first.Status = JobSucceeded
		require.NoError(t, store.UpdateJob(ctx, first))
		fresh := &Job{ID: NewJobID(), WorkflowID: wfID, Status: JobWaiting, Trigger: TriggerManual, DedupeID: "order:42"}
		require.NoError(t, store.CreateJob(ctx, fresh))
	})

	t.Run("JobSteps", func(t *testing.T) {
		jobID := NewJobID()
		step := &JobStep{JobID: jobID, Name: "fetch", Status: StepPending}
		require.NoError(t, store.UpsertJobStep(ctx, step))

		step.Status = StepSucceeded
		step.Runs = 1
		require.NoError(t, store.UpsertJobStep(ctx, step))

		got, err := store.GetJobStep(ctx, jobID, "fetch")
		require.NoError(t, err)
		require.Equal(t, StepSucceeded, got.Status)
		require.Equal(t, 1, got.Runs)

		steps, err := store.ListJobSteps(ctx, jobID)
		require.NoError(t, err)
		require.Len(t, steps, 1)

		_, err = store.GetJobStep(ctx, jobID, "missing")
		require.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("Schedules", func(t *testing.T) {
		wfID := contractWorkflowID(t)
		now := time.Now().UTC()

		due := now.Add(-time.Minute)
		active := &Schedule{ID: NewScheduleID(), WorkflowID: wfID, CronExpression: "* * * * *", Active: true, NextRunAt: &due}
		require.NoError(t, store.UpsertSchedule(ctx, active))

		notDue := now.Add(time.Hour)
		later := &Schedule{ID: NewScheduleID(), WorkflowID: wfID, CronExpression: "0 0 * * *", Active: true, NextRunAt: &notDue}
		require.NoError(t, store.UpsertSchedule(ctx, later))

		dangled := &Schedule{ID: NewScheduleID(), WorkflowID: wfID, CronExpression: "0 1 * * *", Active: false, Dangling: true, NextRunAt: &due}
		require.NoError(t, store.UpsertSchedule(ctx, dangled))

		dueList, err := store.DueSchedules(ctx, now)
		require.NoError(t, err)
		var mine []*Schedule
		for _, s := range dueList {
			if s.WorkflowID == wfID {
				mine = append(mine, s)
			}
		}
		require.Len(t, mine, 1)
		require.Equal(t, active.ID, mine[0].ID)

		all, err := store.ListSchedules(ctx, wfID)
		require.NoError(t, err)
		require.Len(t, all, 3)
	})

	t.Run("Events", func(t *testing.T) {
		name := "invoice.created." + contractWorkflowID(t)
		event := &Event{ID: NewEventID(), WorkflowID: contractWorkflowID(t), Name: name, Active: true}
		require.NoError(t, store.UpsertEvent(ctx, event))
		other := &Event{ID: NewEventID(), WorkflowID: contractWorkflowID(t), Name: name, Active: true}
		require.NoError(t, store.UpsertEvent(ctx, other))
		dangled := &Event{ID: NewEventID(), WorkflowID: contractWorkflowID(t), Name: name, Active: false, Dangling: true}
		require.NoError(t, store.UpsertEvent(ctx, dangled))

		matches, err := store.FindEventsByName(ctx, name)
		require.NoError(t, err)
		require.Len(t, matches, 2)

		matches, err = store.FindEventsByName(ctx, name+".nothing")
		require.NoError(t, err)
		require.Empty(t, matches)
	})
}
