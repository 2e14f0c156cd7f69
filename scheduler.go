package conveyor

import (
	"context"
	"fmt"
	"time"

	cronlib "github.com/robfig/cron/v3"
)

// cronParser supports standard 5-field cron and descriptors like
// "@every 30s".
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

// ParseCron parses a cron expression, returning a ConfigError on failure.
func ParseCron(expression string) (cronlib.Schedule, error) {
	sched, err := cronParser.Parse(expression)
	if err != nil {
		return nil, &ConfigError{Cause: fmt.Sprintf("invalid cron expression %q", expression), Wrapped: err}
	}
	return sched, nil
}

// cronNext computes the next fire time for an expression after from, in the
// schedule's timezone if one is set.
func cronNext(expression, timezone string, from time.Time) (time.Time, error) {
	sched, err := ParseCron(expression)
	if err != nil {
		return time.Time{}, err
	}
	if timezone != "" {
		loc, err := time.LoadLocation(timezone)
		if err != nil {
			return time.Time{}, &ConfigError{Cause: fmt.Sprintf("invalid timezone %q", timezone), Wrapped: err}
		}
		from = from.In(loc)
	}
	return sched.Next(from), nil
}

// schedulerLoop fires due schedules. Every runtime process runs one; the
// per-fire dedupe key collapses concurrent firings across processes into a
// single job, so no leader election is needed.
func (r *Runtime) schedulerLoop() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.schedulerInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.fireDueSchedules(context.Background())
		}
	}
}

func (r *Runtime) fireDueSchedules(ctx context.Context) {
	now := time.Now().UTC()
	due, err := r.store.DueSchedules(ctx, now)
	if err != nil {
		r.logger.Error("failed to list due schedules", "error", err)
		return
	}

	for _, schedule := range due {
		if _, ok := r.registry.Resolve(schedule.WorkflowID); !ok {
			// The reconciler dangles these; skip rather than fail.
			r.logger.Warn("schedule references unknown workflow",
				"schedule_id", schedule.ID,
				"workflow_id", schedule.WorkflowID)
			continue
		}

		fireAt := *schedule.NextRunAt
		_, err := r.Run(ctx, RunRequest{
			WorkflowID: schedule.WorkflowID,
			Trigger:    TriggerCron,
			TriggerID:  schedule.ID,
			DedupeID:   fmt.Sprintf("cron:%s:%d", schedule.ID, fireAt.Unix()),
		})
		if err != nil {
			r.logger.Error("cron fire failed",
				"schedule_id", schedule.ID,
				"workflow_id", schedule.WorkflowID,
				"error", err)
			continue
		}

		next, err := cronNext(schedule.CronExpression, schedule.Timezone, now)
		if err != nil {
			r.logger.Error("failed to compute next fire time",
				"schedule_id", schedule.ID,
				"expression", schedule.CronExpression,
				"error", err)
			continue
		}
		schedule.LastRunAt = &fireAt
		schedule.NextRunAt = &next
		if err := r.store.UpsertSchedule(ctx, schedule); err != nil {
			r.logger.Error("failed to advance schedule",
				"schedule_id", schedule.ID,
				"error", err)
		}
	}
}
