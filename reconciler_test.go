package conveyor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// newUnstartedRuntime builds a runtime over an existing store without
// starting its loops, for exercising reconciliation in isolation.
func newUnstartedRuntime(t *testing.T, store Store, workflows ...*Workflow) *Runtime {
	t.Helper()
	registry, err := NewRegistry(workflows...)
	require.NoError(t, err)
	rt, err := NewRuntime(RuntimeOptions{Registry: registry, Store: store})
	require.NoError(t, err)
	return rt
}

func cronWorkflow(t *testing.T, opts Options) *Workflow {
	t.Helper()
	if opts.Steps == nil {
		opts.Steps = []StepDef{{Name: "run", Order: 1, Handler: noopStep}}
	}
	wf, err := New(opts)
	require.NoError(t, err)
	return wf
}

func TestReconcileCreatesRows(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	wf := cronWorkflow(t, Options{
		Name: "Nightly Report",
		Triggers: []Trigger{
			CronTrigger{Pattern: "0 3 * * *"},
			EventTrigger{Names: []string{"report.requested", "report.rebuilt"}},
		},
	})
	rt := newUnstartedRuntime(t, store, wf)
	require.NoError(t, rt.Reconcile(ctx))

	schedules, err := store.ListSchedules(ctx, "nightly-report")
	require.NoError(t, err)
	require.Len(t, schedules, 1)
	require.Equal(t, "0 3 * * *", schedules[0].CronExpression)
	require.True(t, schedules[0].Active)
	require.False(t, schedules[0].Dangling)
	require.NotNil(t, schedules[0].NextRunAt)
	require.True(t, schedules[0].NextRunAt.After(time.Now()))

	events, err := store.ListEvents(ctx, "nightly-report")
	require.NoError(t, err)
	require.Len(t, events, 2)

	// Running it again changes nothing.
	require.NoError(t, rt.Reconcile(ctx))
	again, err := store.ListSchedules(ctx, "nightly-report")
	require.NoError(t, err)
	require.Len(t, again, 1)
	require.Equal(t, schedules[0].ID, again[0].ID)
	eventsAgain, err := store.ListEvents(ctx, "nightly-report")
	require.NoError(t, err)
	require.Len(t, eventsAgain, 2)
}

func TestReconcileImmediate(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	wf := cronWorkflow(t, Options{
		Name:     "Eager",
		Triggers: []Trigger{CronTrigger{Pattern: "0 3 * * *", Immediate: true}},
	})
	rt := newUnstartedRuntime(t, store, wf)
	require.NoError(t, rt.Reconcile(ctx))

	schedules, err := store.ListSchedules(ctx, "eager")
	require.NoError(t, err)
	require.Len(t, schedules, 1)
	require.NotNil(t, schedules[0].NextRunAt)
	// Immediate schedules fire on the next scheduler tick, not at 3am.
	require.False(t, schedules[0].NextRunAt.After(time.Now()))
}

func TestReconcileRepointsRenamedPattern(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	before := cronWorkflow(t, Options{
		Name:     "Sync",
		Triggers: []Trigger{CronTrigger{Pattern: "0 2 * * *"}},
	})
	require.NoError(t, newUnstartedRuntime(t, store, before).Reconcile(ctx))

	schedules, err := store.ListSchedules(ctx, "sync")
	require.NoError(t, err)
	require.Len(t, schedules, 1)
	originalID := schedules[0].ID

	after := cronWorkflow(t, Options{
		Name:     "Sync",
		Triggers: []Trigger{CronTrigger{Pattern: "0 4 * * *", OldPattern: "0 2 * * *"}},
	})
	require.NoError(t, newUnstartedRuntime(t, store, after).Reconcile(ctx))

	schedules, err = store.ListSchedules(ctx, "sync")
	require.NoError(t, err)
	require.Len(t, schedules, 1)
	require.Equal(t, originalID, schedules[0].ID)
	require.Equal(t, "0 4 * * *", schedules[0].CronExpression)
	require.True(t, schedules[0].Active)
}

func TestReconcileDanglesRemovedTriggers(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	before := cronWorkflow(t, Options{
		Name: "Shrinking",
		Triggers: []Trigger{
			CronTrigger{Pattern: "0 2 * * *"},
			EventTrigger{Names: []string{"thing.happened"}},
		},
	})
	require.NoError(t, newUnstartedRuntime(t, store, before).Reconcile(ctx))

	after := cronWorkflow(t, Options{Name: "Shrinking"})
	require.NoError(t, newUnstartedRuntime(t, store, after).Reconcile(ctx))

	schedules, err := store.ListSchedules(ctx, "shrinking")
	require.NoError(t, err)
	require.Len(t, schedules, 1)
	require.True(t, schedules[0].Dangling)
	require.False(t, schedules[0].Active)

	events, err := store.ListEvents(ctx, "shrinking")
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.True(t, events[0].Dangling)

	// Re-adding the trigger revives the dangled row instead of duplicating.
	require.NoError(t, newUnstartedRuntime(t, store, before).Reconcile(ctx))
	schedules, err = store.ListSchedules(ctx, "shrinking")
	require.NoError(t, err)
	require.Len(t, schedules, 1)
	require.False(t, schedules[0].Dangling)
	require.True(t, schedules[0].Active)
}

func TestReconcileFollowsWorkflowRename(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	before := cronWorkflow(t, Options{
		Name:     "Old Name",
		Triggers: []Trigger{CronTrigger{Pattern: "0 2 * * *"}},
	})
	require.NoError(t, newUnstartedRuntime(t, store, before).Reconcile(ctx))

	after := cronWorkflow(t, Options{
		Name:     "New Name",
		OldName:  "Old Name",
		Triggers: []Trigger{CronTrigger{Pattern: "0 2 * * *"}},
	})
	require.NoError(t, newUnstartedRuntime(t, store, after).Reconcile(ctx))

	moved, err := store.ListSchedules(ctx, "new-name")
	require.NoError(t, err)
	require.Len(t, moved, 1)
	require.Equal(t, "0 2 * * *", moved[0].CronExpression)

	left, err := store.ListSchedules(ctx, "old-name")
	require.NoError(t, err)
	require.Empty(t, left)
}

func TestReconcileKeepsUserSchedules(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	wf := cronWorkflow(t, Options{
		Name:                 "Custom",
		AllowUserDefinedCron: true,
	})
	rt := newUnstartedRuntime(t, store, wf)

	created, err := rt.CreateSchedule(ctx, "custom", "30 6 * * 1", "")
	require.NoError(t, err)
	require.True(t, created.UserDefined)

	// The reconciler has no declaration for this row but leaves it alone.
	require.NoError(t, rt.Reconcile(ctx))
	got, err := store.GetSchedule(ctx, created.ID)
	require.NoError(t, err)
	require.True(t, got.Active)
	require.False(t, got.Dangling)
}

func TestUserScheduleCRUD(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	open := cronWorkflow(t, Options{
		Name:                 "Open",
		AllowUserDefinedCron: true,
	})
	closed := cronWorkflow(t, Options{
		Name:     "Closed",
		Triggers: []Trigger{CronTrigger{Pattern: "0 1 * * *"}},
	})
	rt := newUnstartedRuntime(t, store, open, closed)
	require.NoError(t, rt.Reconcile(ctx))

	// Workflows must opt in to operator schedules.
	_, err := rt.CreateSchedule(ctx, "closed", "0 5 * * *", "")
	require.ErrorIs(t, err, ErrForbidden)

	_, err = rt.CreateSchedule(ctx, "open", "bogus", "")
	require.ErrorIs(t, err, ErrBadRequest)

	created, err := rt.CreateSchedule(ctx, "open", "0 5 * * *", "Europe/Berlin")
	require.NoError(t, err)
	require.NotNil(t, created.NextRunAt)

	updated, err := rt.UpdateSchedule(ctx, created.ID, "0 6 * * *", "Europe/Berlin")
	require.NoError(t, err)
	require.Equal(t, "0 6 * * *", updated.CronExpression)

	// Declaration-owned rows are immutable through the operator path.
	declared, err := store.ListSchedules(ctx, "closed")
	require.NoError(t, err)
	require.Len(t, declared, 1)
	_, err = rt.UpdateSchedule(ctx, declared[0].ID, "0 7 * * *", "")
	require.ErrorIs(t, err, ErrForbidden)
	err = rt.DeleteSchedule(ctx, declared[0].ID)
	require.ErrorIs(t, err, ErrForbidden)

	require.NoError(t, rt.DeleteSchedule(ctx, created.ID))
	got, err := store.GetSchedule(ctx, created.ID)
	require.NoError(t, err)
	require.False(t, got.Active)
	require.True(t, got.Dangling)

	err = rt.DeleteSchedule(ctx, "sched_missing")
	require.ErrorIs(t, err, ErrNotFound)
}
