package conveyor

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Reconcile aligns the persisted Schedule and Event rows with the trigger
// declarations currently in the registry. Declarations in code are the
// source of truth: missing rows are created, renamed ones are repointed,
// and rows whose declaration disappeared are marked dangling rather than
// deleted, preserving their run history. Reconcile is idempotent; running
// it twice in a row changes nothing the second time.
//
// A failure reconciling one workflow does not block the others.
func (r *Runtime) Reconcile(ctx context.Context) error {
	var errs []error
	for _, w := range r.registry.List() {
		if err := r.reconcileCron(ctx, w); err != nil {
			r.logger.Error("cron reconcile failed", "workflow_id", w.ID(), "error", err)
			errs = append(errs, fmt.Errorf("workflow %s: %w", w.ID(), err))
		}
		if err := r.reconcileEvents(ctx, w); err != nil {
			r.logger.Error("event reconcile failed", "workflow_id", w.ID(), "error", err)
			errs = append(errs, fmt.Errorf("workflow %s: %w", w.ID(), err))
		}
	}
	return errors.Join(errs...)
}

func (r *Runtime) reconcileCron(ctx context.Context, w *Workflow) error {
	rows, err := r.schedulesIncludingOldName(ctx, w)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	live := make(map[string]bool)

	for _, trigger := range w.CronTriggers() {
		row := findSchedule(rows, trigger.Pattern)
		if row == nil && trigger.OldPattern != "" {
			// A declared rename: repoint the old row instead of creating a
			// duplicate, keeping its id and run history.
			row = findSchedule(rows, trigger.OldPattern)
			if row != nil {
				r.logger.Info("repointing renamed schedule",
					"schedule_id", row.ID,
					"workflow_id", w.ID(),
					"old", trigger.OldPattern,
					"new", trigger.Pattern)
				row.NextRunAt = nil
			}
		}
		if row == nil {
			row = &Schedule{
				ID:         NewScheduleID(),
				WorkflowID: w.ID(),
			}
			rows = append(rows, row)
			r.logger.Info("creating schedule",
				"schedule_id", row.ID,
				"workflow_id", w.ID(),
				"pattern", trigger.Pattern)
		}

		row.WorkflowID = w.ID()
		row.CronExpression = trigger.Pattern
		row.OldCronExpression = trigger.OldPattern
		row.Timezone = trigger.Timezone
		row.Active = true
		row.Dangling = false
		if row.NextRunAt == nil {
			if trigger.Immediate && row.LastRunAt == nil {
				row.NextRunAt = &now
			} else {
				next, err := cronNext(trigger.Pattern, trigger.Timezone, now)
				if err != nil {
					return err
				}
				row.NextRunAt = &next
			}
		}
		if err := r.store.UpsertSchedule(ctx, row); err != nil {
			return err
		}
		live[row.ID] = true
	}

	for _, row := range rows {
		if live[row.ID] || row.Dangling {
			continue
		}
		if row.UserDefined {
			// Operator-owned rows are never dangled by declaration changes,
			// but they follow the workflow through a rename.
			if row.WorkflowID != w.ID() {
				row.WorkflowID = w.ID()
				if err := r.store.UpsertSchedule(ctx, row); err != nil {
					return err
				}
			}
			continue
		}
		row.Dangling = true
		row.Active = false
		if err := r.store.UpsertSchedule(ctx, row); err != nil {
			return err
		}
		r.logger.Info("dangled schedule",
			"schedule_id", row.ID,
			"workflow_id", w.ID(),
			"pattern", row.CronExpression)
	}
	return nil
}

// schedulesIncludingOldName lists the workflow's schedule rows, also picking
// up rows still filed under the workflow's previous name during a rename.
func (r *Runtime) schedulesIncludingOldName(ctx context.Context, w *Workflow) ([]*Schedule, error) {
	rows, err := r.store.ListSchedules(ctx, w.ID())
	if err != nil {
		return nil, err
	}
	if w.OldName() != "" {
		oldRows, err := r.store.ListSchedules(ctx, Slugify(w.OldName()))
		if err != nil {
			return nil, err
		}
		rows = append(rows, oldRows...)
	}
	return rows, nil
}

func findSchedule(rows []*Schedule, pattern string) *Schedule {
	for _, row := range rows {
		if !row.UserDefined && row.CronExpression == pattern {
			return row
		}
	}
	return nil
}

func (r *Runtime) reconcileEvents(ctx context.Context, w *Workflow) error {
	rows, err := r.store.ListEvents(ctx, w.ID())
	if err != nil {
		return err
	}
	if w.OldName() != "" {
		oldRows, err := r.store.ListEvents(ctx, Slugify(w.OldName()))
		if err != nil {
			return err
		}
		rows = append(rows, oldRows...)
	}

	live := make(map[string]bool)

	for _, trigger := range w.EventTriggers() {
		for _, name := range trigger.Names {
			row := findEvent(rows, name)
			if row == nil {
				row = &Event{
					ID:         NewEventID(),
					WorkflowID: w.ID(),
					Name:       name,
				}
				rows = append(rows, row)
				entry := newAuditEntry(AuditEventCreated)
				entry.WorkflowID = w.ID()
				entry.Detail = map[string]any{"event": name}
				if err := r.audit.LogAudit(ctx, entry); err != nil {
					r.logger.Error("failed to write audit entry", "error", err)
				}
			}
			row.WorkflowID = w.ID()
			row.Provider = trigger.Provider
			row.Connection = trigger.Connection
			row.Active = true
			row.Dangling = false
			if err := r.store.UpsertEvent(ctx, row); err != nil {
				return err
			}
			live[row.ID] = true
		}
	}

	for _, row := range rows {
		if live[row.ID] || row.Dangling {
			continue
		}
		row.Dangling = true
		row.Active = false
		if err := r.store.UpsertEvent(ctx, row); err != nil {
			return err
		}
		entry := newAuditEntry(AuditEventDangling)
		entry.WorkflowID = w.ID()
		entry.Detail = map[string]any{"event": row.Name}
		if err := r.audit.LogAudit(ctx, entry); err != nil {
			r.logger.Error("failed to write audit entry", "error", err)
		}
	}
	return nil
}

func findEvent(rows []*Event, name string) *Event {
	for _, row := range rows {
		if row.Name == name {
			return row
		}
	}
	return nil
}

// CreateSchedule attaches an operator-defined cron schedule to a workflow.
// Only workflows that opt in accept them.
func (r *Runtime) CreateSchedule(ctx context.Context, workflowID, expression, timezone string) (*Schedule, error) {
	w, err := r.resolveWorkflow(workflowID, "")
	if err != nil {
		return nil, err
	}
	if !w.AllowUserDefinedCron() {
		return nil, ErrForbidden
	}
	next, err := cronNext(expression, timezone, time.Now().UTC())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadRequest, err)
	}
	row := &Schedule{
		ID:             NewScheduleID(),
		WorkflowID:     w.ID(),
		CronExpression: expression,
		Timezone:       timezone,
		Active:         true,
		UserDefined:    true,
		NextRunAt:      &next,
	}
	if err := r.store.UpsertSchedule(ctx, row); err != nil {
		return nil, err
	}
	return row, nil
}

// UpdateSchedule changes an operator-defined schedule's expression or
// timezone. Declaration-owned rows are immutable through this path.
func (r *Runtime) UpdateSchedule(ctx context.Context, id, expression, timezone string) (*Schedule, error) {
	row, err := r.store.GetSchedule(ctx, id)
	if err != nil {
		return nil, err
	}
	if !row.UserDefined {
		return nil, ErrForbidden
	}
	next, err := cronNext(expression, timezone, time.Now().UTC())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadRequest, err)
	}
	row.CronExpression = expression
	row.Timezone = timezone
	row.NextRunAt = &next
	row.Active = true
	row.Dangling = false
	if err := r.store.UpsertSchedule(ctx, row); err != nil {
		return nil, err
	}
	return row, nil
}

// DeleteSchedule deactivates an operator-defined schedule. The row is kept
// dangling so its run history survives.
func (r *Runtime) DeleteSchedule(ctx context.Context, id string) error {
	row, err := r.store.GetSchedule(ctx, id)
	if err != nil {
		return err
	}
	if !row.UserDefined {
		return ErrForbidden
	}
	row.Active = false
	row.Dangling = true
	return r.store.UpsertSchedule(ctx, row)
}
