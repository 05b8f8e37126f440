package stage

import (
	"context"
	"errors"
	"fmt"

	"planbot/internal/collab"
	"planbot/internal/model"
	"planbot/internal/planning"
	"planbot/pkg/logx"
)

// Plan turns a snapshot into an approved plan. Without an upstream snapshot
// it plans from the latest stored one.
type Plan struct {
	d       Deps
	planner *planning.Planner
}

func NewPlan(d Deps, planner *planning.Planner) *Plan {
	d = d.withDefaults()
	d.Log = d.Log.With(logx.String("comp", "stage.plan"))
	return &Plan{d: d, planner: planner}
}

func (p *Plan) Kind() model.StageKind { return model.StagePlan }

func (p *Plan) Run(ctx context.Context, in Input) (Output, error) {
	out := Output{Kind: model.StagePlan}
	snap, err := p.snapshot(ctx, in)
	if err != nil {
		return out, err
	}

	var rules []model.LearnedRule
	if notes := p.d.Collab.Notes; notes != nil {
		rules, err = collab.Call(ctx, p.d.Policy, notes.GetRules)
		if err != nil {
			p.d.Log.Warn("rules unavailable, planning without them", logx.Err(err))
			out.Degraded = append(out.Degraded, "rules")
			rules = nil
		}
	} else {
		out.Degraded = append(out.Degraded, "rules")
	}
	for _, src := range snap.Missing {
		out.Degraded = append(out.Degraded, string(src))
	}

	plan, err := p.planner.Plan(ctx, snap, rules)
	if err != nil {
		if errors.Is(err, planning.ErrNoFeasibleSchedule) {
			var pe *planning.PlanningError
			if errors.As(err, &pe) {
				p.d.Log.Warn("no feasible schedule", logx.Int("remaining", len(pe.Remaining)))
			}
			return out, NoRetry(err)
		}
		return out, err
	}
	if p.d.Store != nil {
		if err := p.d.Store.PutPlan(ctx, plan); err != nil {
			return out, fmt.Errorf("store plan: %w", err)
		}
	}
	for _, a := range plan.Assignments() {
		if !a.Placed {
			out.Deferred = append(out.Deferred, a.Task.ID)
		}
	}
	p.d.Log.Info("plan approved",
		logx.String("plan", plan.ID()),
		logx.String("snapshot", plan.SnapshotID()),
		logx.Int("placed", len(plan.Placed())),
		logx.Int("deferred", len(out.Deferred)),
		logx.Int("resolved", plan.Resolved()),
		logx.Int("rules", len(rules)),
	)
	out.Plan = plan
	return out, nil
}

func (p *Plan) snapshot(ctx context.Context, in Input) (model.DataSnapshot, error) {
	if in.Snapshot != nil {
		return in.Snapshot.Clone(), nil
	}
	if p.d.Store == nil {
		return model.DataSnapshot{}, NoRetry(ErrNoSnapshot)
	}
	snap, ok, err := p.d.Store.LatestSnapshot(ctx)
	if err != nil {
		return model.DataSnapshot{}, fmt.Errorf("load snapshot: %w", err)
	}
	if !ok {
		return model.DataSnapshot{}, NoRetry(ErrNoSnapshot)
	}
	return snap, nil
}
