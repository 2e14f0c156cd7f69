package conveyor

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func noopStep(sc *StepContext) (StepResult, error) {
	return Continue(nil), nil
}

func TestWorkflowStepOrdering(t *testing.T) {
	wf, err := New(Options{
		Name: "Order Sync",
		Steps: []StepDef{
			{Name: "second", Order: 2, Handler: noopStep},
			{Name: "first", Order: 1, Handler: noopStep},
			{Name: "third", Order: 3, Handler: noopStep},
		},
	})
	require.NoError(t, err)
	require.Equal(t, "order-sync", wf.ID())
	require.Equal(t, []string{"first", "second", "third"}, wf.StepNames())

	step, ok := wf.GetStep("second")
	require.True(t, ok)
	require.Equal(t, 2, step.Order)
}

func TestInvalidWorkflows(t *testing.T) {
	t.Run("empty workflow", func(t *testing.T) {
		_, err := New(Options{})
		require.Error(t, err)
		require.Contains(t, err.Error(), "workflow name required")
	})

	t.Run("no steps", func(t *testing.T) {
		_, err := New(Options{Name: "test-workflow"})
		require.Error(t, err)
		require.Contains(t, err.Error(), "steps required")
	})

	t.Run("empty step name", func(t *testing.T) {
		_, err := New(Options{
			Name:  "test-workflow",
			Steps: []StepDef{{Name: "", Order: 1, Handler: noopStep}},
		})
		require.Error(t, err)
		require.Contains(t, err.Error(), "step name required")
	})

	t.Run("missing handler", func(t *testing.T) {
		_, err := New(Options{
			Name:  "test-workflow",
			Steps: []StepDef{{Name: "step1", Order: 1}},
		})
		require.Error(t, err)
		require.True(t, IsConfigError(err))
		require.Contains(t, err.Error(), "no handler")
	})

	t.Run("duplicate step order", func(t *testing.T) {
		_, err := New(Options{
			Name: "test-workflow",
			Steps: []StepDef{
				{Name: "step1", Order: 1, Handler: noopStep},
				{Name: "step2", Order: 1, Handler: noopStep},
			},
		})
		require.Error(t, err)
		require.True(t, IsConfigError(err))
		require.Contains(t, err.Error(), "share order 1")
	})

	t.Run("duplicate step name", func(t *testing.T) {
		_, err := New(Options{
			Name: "test-workflow",
			Steps: []StepDef{
				{Name: "step1", Order: 1, Handler: noopStep},
				{Name: "step1", Order: 2, Handler: noopStep},
			},
		})
		require.Error(t, err)
		require.Contains(t, err.Error(), "duplicate step name")
	})

	t.Run("invalid cron pattern", func(t *testing.T) {
		_, err := New(Options{
			Name:     "test-workflow",
			Steps:    []StepDef{{Name: "step1", Order: 1, Handler: noopStep}},
			Triggers: []Trigger{CronTrigger{Pattern: "not a cron"}},
		})
		require.Error(t, err)
		require.True(t, IsConfigError(err))
		require.Contains(t, err.Error(), "invalid cron pattern")
	})

	t.Run("invalid timezone", func(t *testing.T) {
		_, err := New(Options{
			Name:     "test-workflow",
			Steps:    []StepDef{{Name: "step1", Order: 1, Handler: noopStep}},
			Triggers: []Trigger{CronTrigger{Pattern: "0 9 * * *", Timezone: "Mars/Olympus"}},
		})
		require.Error(t, err)
		require.Contains(t, err.Error(), "invalid timezone")
	})

	t.Run("event trigger without names", func(t *testing.T) {
		_, err := New(Options{
			Name:     "test-workflow",
			Steps:    []StepDef{{Name: "step1", Order: 1, Handler: noopStep}},
			Triggers: []Trigger{EventTrigger{}},
		})
		require.Error(t, err)
		require.Contains(t, err.Error(), "at least one event name")
	})
}

func TestWorkflowTriggers(t *testing.T) {
	wf, err := New(Options{
		Name:  "Nightly Report",
		Steps: []StepDef{{Name: "report", Order: 1, Handler: noopStep}},
		Triggers: []Trigger{
			CronTrigger{Pattern: "0 2 * * *", Timezone: "America/New_York"},
			EventTrigger{Names: []string{"invoice.created", "invoice.updated"}},
			WebhookTrigger{},
		},
	})
	require.NoError(t, err)

	crons := wf.CronTriggers()
	require.Len(t, crons, 1)
	require.Equal(t, "0 2 * * *", crons[0].Pattern)

	events := wf.EventTriggers()
	require.Len(t, events, 1)
	require.Equal(t, []string{"invoice.created", "invoice.updated"}, events[0].Names)

	require.True(t, wf.WebhookEnabled())
}

func TestWebhookEnabledShorthand(t *testing.T) {
	wf, err := New(Options{
		Name:           "Inbound",
		Steps:          []StepDef{{Name: "ingest", Order: 1, Handler: noopStep}},
		WebhookEnabled: true,
	})
	require.NoError(t, err)
	require.True(t, wf.WebhookEnabled())
	require.Len(t, wf.Triggers(), 1)
}

func TestWorkflowDefaults(t *testing.T) {
	wf, err := New(Options{
		Name:  "Defaults",
		Steps: []StepDef{{Name: "only", Order: 1, Handler: noopStep}},
	})
	require.NoError(t, err)
	require.Equal(t, 1, wf.Concurrency())
	require.Equal(t, 0, wf.MaxRetries())
	require.Nil(t, wf.RateLimit())
	require.False(t, wf.Internal())
	require.False(t, wf.WebhookEnabled())
}

func TestSlugify(t *testing.T) {
	require.Equal(t, "order-sync", Slugify("Order Sync"))
	require.Equal(t, "order-sync", Slugify("  Order   Sync  "))
	require.Equal(t, "already-slugged", Slugify("already-slugged"))
}

func TestLoadOptionsString(t *testing.T) {
	opts, err := LoadOptionsString(`
name: Invoice Sync
description: Syncs invoices nightly
concurrency: 4
max_retries: 3
allow_user_defined_cron: true
triggers:
  - cron:
      pattern: "0 3 * * *"
      timezone: Europe/Berlin
      immediate: true
  - event:
      names: [invoice.created]
      provider: billing
  - webhook: {}
`)
	require.NoError(t, err)
	require.Equal(t, "Invoice Sync", opts.Name)
	require.Equal(t, 4, opts.Concurrency)
	require.Equal(t, 3, opts.MaxRetries)
	require.True(t, opts.AllowUserDefinedCron)
	require.Len(t, opts.Triggers, 3)

	cron, ok := opts.Triggers[0].(CronTrigger)
	require.True(t, ok)
	require.Equal(t, "0 3 * * *", cron.Pattern)
	require.Equal(t, "Europe/Berlin", cron.Timezone)
	require.True(t, cron.Immediate)

	event, ok := opts.Triggers[1].(EventTrigger)
	require.True(t, ok)
	require.Equal(t, "billing", event.Provider)

	require.Equal(t, TriggerKindWebhook, opts.Triggers[2].Kind())
}

func TestLoadOptionsStringInvalid(t *testing.T) {
	_, err := LoadOptionsString("{not yaml")
	require.Error(t, err)
}
