package storage

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"planbot/internal/model"
	"planbot/pkg/logx"
)

var t0 = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func record(run string, stage model.StageKind, out model.Outcome, plan string, i int) model.StageRunRecord {
	return model.StageRunRecord{
		RunID:     run,
		Stage:     stage,
		StartedAt: t0.Add(time.Duration(i) * time.Minute),
		EndedAt:   t0.Add(time.Duration(i)*time.Minute + time.Second),
		Outcome:   out,
		PlanID:    plan,
	}
}

func approved(t *testing.T, id string) *model.ApprovedPlan {
	t.Helper()
	d := model.PlanDraft{Assignments: []model.Assignment{{
		Task:   model.Task{ID: "t1", Priority: 3},
		Slot:   model.TimeSlot{Start: t0, End: t0.Add(time.Hour), TaskID: "t1"},
		Placed: true,
	}}}
	p, err := model.Approve(d, id, "snap-1", 0, "", t0)
	if err != nil {
		t.Fatalf("Approve error: %v", err)
	}
	return p
}

func drivers(t *testing.T) map[string]Config {
	dir := t.TempDir()
	return map[string]Config{
		"memory": {Driver: "memory"},
		"file":   {Driver: "file", Path: filepath.Join(dir, "file", "planbot.db")},
		"sqlite": {Driver: "sqlite", Path: filepath.Join(dir, "sqlite", "planbot.db")},
	}
}

func TestStoreRecords(t *testing.T) {
	t.Parallel()
	for name, cfg := range drivers(t) {
		cfg := cfg
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			st, err := Open(cfg, logx.Nop())
			if err != nil {
				t.Fatalf("Open error: %v", err)
			}
			defer st.Close()

			for i := 0; i < 6; i++ {
				stage := model.StageExecute
				if i%2 == 0 {
					stage = model.StagePlan
				}
				rec := record(fmt.Sprintf("run-%d", i), stage, model.OutcomeSuccess, "plan-a", i)
				if i == 5 {
					rec.Report = &model.ExecutionReport{PlanID: "plan-a", Applied: map[string]string{"k": "evt"}}
				}
				if err := st.AppendRecord(ctx, rec); err != nil {
					t.Fatalf("AppendRecord error: %v", err)
				}
			}

			all, err := st.Records(ctx, RecordQuery{})
			if err != nil || len(all) != 6 {
				t.Fatalf("Records = %d, %v; want 6", len(all), err)
			}
			if all[0].RunID != "run-0" || all[5].RunID != "run-5" {
				t.Fatalf("order = %s..%s, want oldest first", all[0].RunID, all[5].RunID)
			}

			exec, err := st.Records(ctx, RecordQuery{Stage: model.StageExecute, PlanID: "plan-a", Limit: 2})
			if err != nil {
				t.Fatalf("Records error: %v", err)
			}
			if len(exec) != 2 || exec[0].RunID != "run-3" || exec[1].RunID != "run-5" {
				t.Fatalf("limited execute records = %+v", exec)
			}
			if exec[1].Report == nil || exec[1].Report.Applied["k"] != "evt" {
				t.Fatalf("report not persisted: %+v", exec[1].Report)
			}
		})
	}
}

func TestStoreArtifacts(t *testing.T) {
	t.Parallel()
	for name, cfg := range drivers(t) {
		cfg := cfg
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			st, err := Open(cfg, logx.Nop())
			if err != nil {
				t.Fatalf("Open error: %v", err)
			}
			defer st.Close()

			if _, ok, err := st.LatestSnapshot(ctx); ok || err != nil {
				t.Fatalf("LatestSnapshot on empty store = %v, %v", ok, err)
			}
			for i := 1; i <= 2; i++ {
				snap := model.DataSnapshot{ID: fmt.Sprintf("snap-%d", i), CapturedAt: t0, Missing: []model.Source{model.SourceWeather}}
				if err := st.PutSnapshot(ctx, snap); err != nil {
					t.Fatalf("PutSnapshot error: %v", err)
				}
			}
			snap, ok, err := st.LatestSnapshot(ctx)
			if err != nil || !ok || snap.ID != "snap-2" || snap.Has(model.SourceWeather) {
				t.Fatalf("LatestSnapshot = %+v, %v, %v", snap, ok, err)
			}

			if err := st.PutPlan(ctx, approved(t, "plan-1")); err != nil {
				t.Fatalf("PutPlan error: %v", err)
			}
			p, ok, err := st.LatestPlan(ctx)
			if err != nil || !ok {
				t.Fatalf("LatestPlan = %v, %v", ok, err)
			}
			if p.ID() != "plan-1" || len(p.Placed()) != 1 {
				t.Fatalf("LatestPlan = %s with %d placed", p.ID(), len(p.Placed()))
			}
		})
	}
}

func TestStoreReopenPersists(t *testing.T) {
	t.Parallel()
	for name, cfg := range drivers(t) {
		if name == "memory" {
			continue
		}
		cfg := cfg
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			st, err := Open(cfg, logx.Nop())
			if err != nil {
				t.Fatalf("Open error: %v", err)
			}
			if err := st.AppendRecord(ctx, record("run-1", model.StageCollect, model.OutcomeSuccess, "", 0)); err != nil {
				t.Fatalf("AppendRecord error: %v", err)
			}
			if err := st.PutPlan(ctx, approved(t, "plan-1")); err != nil {
				t.Fatalf("PutPlan error: %v", err)
			}
			if err := st.Close(); err != nil {
				t.Fatalf("Close error: %v", err)
			}

			st2, err := Open(cfg, logx.Nop())
			if err != nil {
				t.Fatalf("reopen error: %v", err)
			}
			defer st2.Close()
			recs, err := st2.Records(ctx, RecordQuery{Stage: model.StageCollect})
			if err != nil || len(recs) != 1 {
				t.Fatalf("Records after reopen = %d, %v", len(recs), err)
			}
			if p, ok, _ := st2.LatestPlan(ctx); !ok || p.ID() != "plan-1" {
				t.Fatal("plan lost after reopen")
			}
		})
	}
}

func TestOpenDisabled(t *testing.T) {
	t.Parallel()
	if _, err := Open(Config{}, logx.Nop()); !errors.Is(err, ErrDisabled) {
		t.Fatalf("Open(empty) = %v, want ErrDisabled", err)
	}
	if _, err := Open(Config{Driver: "redis"}, logx.Nop()); err == nil {
		t.Fatal("expected error for unknown driver")
	}
}
