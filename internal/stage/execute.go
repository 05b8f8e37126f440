package stage

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"planbot/internal/collab"
	"planbot/internal/model"
	"planbot/internal/storage"
	"planbot/pkg/logx"
)

// Execute applies an approved plan: one calendar event and one status
// update per placed task, then a single summary notification. Slots already
// applied by an earlier run of the same plan are skipped. Sub-operation
// failures go into the report; there is no rollback.
type Execute struct {
	d Deps
}

func NewExecute(d Deps) *Execute {
	d = d.withDefaults()
	d.Log = d.Log.With(logx.String("comp", "stage.execute"))
	return &Execute{d: d}
}

func (e *Execute) Kind() model.StageKind { return model.StageExecute }

func (e *Execute) Run(ctx context.Context, in Input) (Output, error) {
	out := Output{Kind: model.StageExecute}
	plan, err := e.plan(ctx, in)
	if err != nil {
		return out, err
	}
	applied, err := e.ledger(ctx, plan.ID())
	if err != nil {
		return out, err
	}

	rep := &model.ExecutionReport{PlanID: plan.ID(), Applied: map[string]string{}}
	set := e.d.Collab
	if set.Calendar == nil {
		out.Degraded = append(out.Degraded, string(model.SourceCalendar))
	}
	if set.Notes == nil {
		out.Degraded = append(out.Degraded, string(model.SourceNotes))
	}

	for _, a := range plan.Placed() {
		key := a.Slot.Key()
		base := model.SubOp{TaskID: a.Task.ID, SlotKey: key, Start: a.Slot.Start, End: a.Slot.End}

		if id, ok := applied[key]; ok {
			rep.AlreadyApplied++
			rep.Applied[key] = id
			op := base
			op.Kind, op.EventID, op.OK, op.Skipped = model.SubOpCalendar, id, true, true
			rep.SubOps = append(rep.SubOps, op)
			continue
		}

		cal := base
		cal.Kind = model.SubOpCalendar
		if set.Calendar == nil {
			cal.Error = collab.ErrUnavailable.Error()
			rep.SubOps = append(rep.SubOps, cal)
			continue
		}
		id, err := collab.Call(ctx, e.d.Policy, func(ctx context.Context) (collab.EventID, error) {
			return set.Calendar.UpsertEvent(ctx, a.Slot)
		})
		if err != nil {
			cal.Error = err.Error()
			rep.SubOps = append(rep.SubOps, cal)
			e.d.Log.Warn("calendar upsert failed", logx.String("task", a.Task.ID), logx.Err(err))
			continue
		}
		cal.OK, cal.EventID = true, string(id)
		rep.SubOps = append(rep.SubOps, cal)
		rep.EventsCreated++

		st := base
		st.Kind = model.SubOpNotes
		if set.Notes == nil {
			st.Error = collab.ErrUnavailable.Error()
			rep.SubOps = append(rep.SubOps, st)
			continue
		}
		err = collab.Do(ctx, e.d.Policy, func(ctx context.Context) error {
			return set.Notes.UpdateTaskStatus(ctx, a.Task.ID, model.StatusScheduled)
		})
		if err != nil {
			st.Error = err.Error()
			rep.SubOps = append(rep.SubOps, st)
			e.d.Log.Warn("status update failed", logx.String("task", a.Task.ID), logx.Err(err))
			continue
		}
		st.OK = true
		rep.SubOps = append(rep.SubOps, st)
		rep.StatusUpdates++
		// Only fully applied slots enter the ledger; a failed status update
		// is retried by the next run.
		rep.Applied[key] = string(id)
	}

	e.notify(ctx, plan, rep)

	e.d.Log.Info("plan executed",
		logx.String("plan", plan.ID()),
		logx.Int("events_created", rep.EventsCreated),
		logx.Int("already_applied", rep.AlreadyApplied),
		logx.Int("status_updates", rep.StatusUpdates),
		logx.Int("notifications", rep.NotificationsSent),
		logx.Int("failures", rep.Failures()),
	)
	out.Plan = plan
	out.Report = rep
	return out, nil
}

func (e *Execute) notify(ctx context.Context, plan *model.ApprovedPlan, rep *model.ExecutionReport) {
	n := e.d.Collab.Notifier
	if n == nil || !n.Configured() {
		e.d.Log.Debug("notifier not configured, no summary sent")
		return
	}
	// A rerun that only found applied slots has nothing new to report.
	if !rep.Changed() && rep.Failures() == 0 {
		return
	}
	op := model.SubOp{Kind: model.SubOpNotify}
	msg := Summary(plan, rep)
	err := collab.Do(ctx, e.d.Policy, func(ctx context.Context) error {
		return n.Send(ctx, msg)
	})
	if err != nil {
		op.Error = err.Error()
		e.d.Log.Warn("summary notification failed", logx.Err(err))
	} else {
		op.OK = true
		rep.NotificationsSent++
	}
	rep.SubOps = append(rep.SubOps, op)
}

// Summary renders the operator message for an executed plan. Only slots
// that are on the calendar, now or from an earlier run, are listed.
func Summary(plan *model.ApprovedPlan, rep *model.ExecutionReport) string {
	if rep == nil {
		rep = &model.ExecutionReport{}
	}
	failed := rep.Failures()
	status := "applied"
	switch {
	case failed > 0 && rep.EventsCreated+rep.AlreadyApplied == 0:
		status = "failed"
	case failed > 0:
		status = "partially applied"
	}

	var b strings.Builder
	b.WriteString("Planbot update\n\n")
	fmt.Fprintf(&b, "Plan status: %s\n", status)
	fmt.Fprintf(&b, "Plan date: %s\n", plan.ApprovedAt().Format("2006-01-02 15:04"))
	fmt.Fprintf(&b, "Events created: %d\n", rep.EventsCreated)
	fmt.Fprintf(&b, "Already applied: %d\n", rep.AlreadyApplied)
	fmt.Fprintf(&b, "Failed operations: %d\n", failed)
	fmt.Fprintf(&b, "Conflicts resolved: %d\n", plan.Resolved())
	if n := plan.Deferred(); n > 0 {
		fmt.Fprintf(&b, "Tasks left pending: %d\n", n)
	}

	var lines []string
	for _, a := range plan.Placed() {
		if _, ok := rep.Applied[a.Slot.Key()]; !ok && !calendarOK(rep, a.Slot.Key()) {
			continue
		}
		title := a.Task.Title
		if title == "" {
			title = a.Task.ID
		}
		lines = append(lines, fmt.Sprintf("%s-%s %s", a.Slot.Start.Format("Mon 15:04"), a.Slot.End.Format("15:04"), title))
	}
	if len(lines) > 0 {
		b.WriteString("\n")
		b.WriteString(strings.Join(lines, "\n"))
		b.WriteString("\n")
	}
	if adv := strings.TrimSpace(plan.Advisory()); adv != "" {
		b.WriteString("\n")
		b.WriteString(adv)
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

func calendarOK(rep *model.ExecutionReport, key string) bool {
	for _, op := range rep.SubOps {
		if op.Kind == model.SubOpCalendar && op.SlotKey == key && op.OK {
			return true
		}
	}
	return false
}

func (e *Execute) plan(ctx context.Context, in Input) (*model.ApprovedPlan, error) {
	if in.Plan != nil {
		return in.Plan, nil
	}
	if e.d.Store == nil {
		return nil, NoRetry(ErrNoPlan)
	}
	plan, ok, err := e.d.Store.LatestPlan(ctx)
	if err != nil {
		return nil, fmt.Errorf("load plan: %w", err)
	}
	if !ok || plan == nil {
		return nil, NoRetry(ErrNoPlan)
	}
	return plan, nil
}

// ledger collects slot keys applied by earlier successful runs of the plan.
func (e *Execute) ledger(ctx context.Context, planID string) (map[string]string, error) {
	applied := map[string]string{}
	if e.d.Store == nil {
		return applied, nil
	}
	recs, err := e.d.Store.Records(ctx, storage.RecordQuery{
		Stage:   model.StageExecute,
		PlanID:  planID,
		Outcome: model.OutcomeSuccess,
	})
	if err != nil && !errors.Is(err, storage.ErrDisabled) {
		return nil, fmt.Errorf("load execution ledger: %w", err)
	}
	for _, r := range recs {
		if r.Report == nil {
			continue
		}
		for k, v := range r.Report.Applied {
			applied[k] = v
		}
	}
	return applied, nil
}
