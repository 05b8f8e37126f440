package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"planbot/internal/collab"
	"planbot/internal/collab/fake"
	"planbot/internal/eventbus"
	"planbot/internal/model"
	"planbot/internal/planning"
	"planbot/internal/stage"
	"planbot/internal/storage"
	"planbot/pkg/logx"
)

var monday = time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)

func at(h, m int) time.Time { return monday.Add(time.Duration(h)*time.Hour + time.Duration(m)*time.Minute) }

type scripted struct {
	kind  model.StageKind
	calls atomic.Int32
	run   func(ctx context.Context, in stage.Input) (stage.Output, error)
}

func (s *scripted) Kind() model.StageKind { return s.kind }

func (s *scripted) Run(ctx context.Context, in stage.Input) (stage.Output, error) {
	s.calls.Add(1)
	if s.run == nil {
		return stage.Output{Kind: s.kind}, nil
	}
	return s.run(ctx, in)
}

func realStages(t *testing.T, st storage.Store, tasks []model.Task, budget int) ([]stage.Stage, *fake.Calendar) {
	t.Helper()
	cal := &fake.Calendar{}
	set := collab.Set{
		Calendar: cal,
		Notes:    fake.NewNotes(tasks...),
		Notifier: &fake.Notifier{},
	}
	d := stage.Deps{
		Collab: set,
		Store:  st,
		Policy: collab.Policy{Timeout: time.Second, RetryBase: time.Millisecond, RetryMaxDelay: time.Millisecond},
		Log:    logx.Nop(),
		Now:    func() time.Time { return at(8, 0) },
	}
	cfg := planning.DefaultConfig()
	cfg.Location = time.UTC
	if budget > 0 {
		cfg.Budget = budget
	}
	planner, err := planning.New(cfg, nil, logx.Nop())
	if err != nil {
		t.Fatalf("planning.New error: %v", err)
	}
	return []stage.Stage{
		stage.NewCollect(d, stage.CollectConfig{}),
		stage.NewPlan(d, planner),
		stage.NewExecute(d),
		stage.NewReview(d, stage.ReviewConfig{Location: time.UTC}),
	}, cal
}

func newOrchestrator(stages []stage.Stage, st storage.Store, bus eventbus.Bus) *Orchestrator {
	o := New(Config{RetryMax: 1, RetryBase: time.Millisecond, RetryMaxDelay: time.Millisecond}, stages, st, bus, logx.Nop())
	n := 0
	o.newID = func() string { n++; return fmt.Sprintf("run-%d", n) }
	return o
}

func task(id string, prio model.Priority) model.Task {
	return model.Task{ID: id, Title: id, Priority: prio, Status: model.StatusPending, CreatedAt: at(0, 0), UpdatedAt: at(0, 0)}
}

func TestRunChainCompletes(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := storage.NewMemory()
	stages, cal := realStages(t, st, []model.Task{task("a", 4), task("b", 2)}, 0)
	bus := eventbus.New()
	events, unsub := bus.Subscribe(16)
	defer unsub()
	o := newOrchestrator(stages, st, bus)

	res, err := o.RunChain(ctx)
	if err != nil {
		t.Fatalf("RunChain error: %v", err)
	}
	if res.State != model.RunCompleted || o.State() != model.RunCompleted {
		t.Fatalf("state = %s / %s, want completed", res.State, o.State())
	}
	if len(res.Stages) != 3 {
		t.Fatalf("stages = %d, want 3", len(res.Stages))
	}
	for _, sr := range res.Stages {
		if sr.Outcome != model.OutcomeSuccess {
			t.Fatalf("%s outcome = %s (%s)", sr.Stage, sr.Outcome, sr.Error)
		}
	}
	// Weather is not configured, so collect is degraded but successful.
	if got := res.Stages[0].Degraded; len(got) != 1 || got[0] != "weather" {
		t.Fatalf("collect degraded = %v", got)
	}
	if cal.Created() != 2 {
		t.Fatalf("calendar events = %d, want 2", cal.Created())
	}

	recs, err := st.Records(ctx, storage.RecordQuery{})
	if err != nil || len(recs) != 3 {
		t.Fatalf("records = %d, %v", len(recs), err)
	}
	if recs[2].Stage != model.StageExecute || recs[2].PlanID == "" || recs[2].Report == nil {
		t.Fatalf("execute record = %+v", recs[2])
	}
	if recs[1].PlanID != recs[2].PlanID || recs[0].SnapshotID == "" {
		t.Fatalf("records not linked: %+v", recs)
	}

	var types []string
	for len(events) > 0 {
		types = append(types, (<-events).Type)
	}
	want := []string{eventbus.RunStarted, eventbus.StageFinished, eventbus.StageFinished, eventbus.StageFinished, eventbus.RunFinished}
	if fmt.Sprint(types) != fmt.Sprint(want) {
		t.Fatalf("events = %v, want %v", types, want)
	}

	// A second chain re-plans the same slots and reuses their events.
	if _, err := o.RunChain(ctx); err != nil {
		t.Fatalf("second RunChain error: %v", err)
	}
	if cal.Created() != 2 {
		t.Fatalf("calendar events after rerun = %d, want 2", cal.Created())
	}
}

func TestRunChainBudgetExhaustionSkipsExecute(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := storage.NewMemory()
	var tasks []model.Task
	for i := 0; i < 8; i++ {
		tk := task(fmt.Sprintf("t%d", i), 3)
		start := at(9, 0)
		tk.RequestedStart = &start
		tasks = append(tasks, tk)
	}
	stages, cal := realStages(t, st, tasks, 2)
	o := newOrchestrator(stages, st, nil)

	res, err := o.RunChain(ctx)
	if !errors.Is(err, planning.ErrNoFeasibleSchedule) {
		t.Fatalf("RunChain err = %v, want ErrNoFeasibleSchedule", err)
	}
	if !res.Failed() || o.State() != model.RunFailed {
		t.Fatalf("state = %s, want failed", res.State)
	}
	got := []model.Outcome{res.Stages[0].Outcome, res.Stages[1].Outcome, res.Stages[2].Outcome}
	want := []model.Outcome{model.OutcomeSuccess, model.OutcomeFailure, model.OutcomeSkipped}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("outcomes = %v, want %v", got, want)
	}
	if res.Stages[1].Attempts != 1 {
		t.Fatalf("plan attempts = %d, want 1 (no retry)", res.Stages[1].Attempts)
	}
	if cal.UpsertCalls() != 0 {
		t.Fatalf("calendar touched %d times after a failed plan", cal.UpsertCalls())
	}
	recs, _ := st.Records(ctx, storage.RecordQuery{Stage: model.StageExecute})
	if len(recs) != 1 || recs[0].Outcome != model.OutcomeSkipped {
		t.Fatalf("execute records = %+v", recs)
	}
}

func TestRunChainRetriesTransientStageFailure(t *testing.T) {
	t.Parallel()
	var failed atomic.Bool
	collect := &scripted{kind: model.StageCollect, run: func(ctx context.Context, in stage.Input) (stage.Output, error) {
		if failed.CompareAndSwap(false, true) {
			return stage.Output{}, errors.New("flaky")
		}
		return stage.Output{Kind: model.StageCollect, Snapshot: &model.DataSnapshot{ID: "s1"}}, nil
	}}
	plan := &scripted{kind: model.StagePlan}
	exec := &scripted{kind: model.StageExecute}
	o := newOrchestrator([]stage.Stage{collect, plan, exec}, storage.NewMemory(), nil)

	res, err := o.RunChain(context.Background())
	if err != nil {
		t.Fatalf("RunChain error: %v", err)
	}
	if res.Stages[0].Attempts != 2 || collect.calls.Load() != 2 {
		t.Fatalf("collect attempts = %d, calls = %d, want 2", res.Stages[0].Attempts, collect.calls.Load())
	}
	if res.Stages[1].SnapshotID != "s1" {
		t.Fatalf("plan snapshot = %q, want s1", res.Stages[1].SnapshotID)
	}
}

func TestRunChainCancelEndsRetryWait(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	collect := &scripted{kind: model.StageCollect, run: func(context.Context, stage.Input) (stage.Output, error) {
		cancel()
		return stage.Output{}, errors.New("calendar down")
	}}
	o := New(Config{RetryMax: 3, RetryBase: time.Hour, RetryMaxDelay: time.Hour}, []stage.Stage{collect, &scripted{kind: model.StagePlan}, &scripted{kind: model.StageExecute}}, nil, nil, logx.Nop())

	done := make(chan RunResult, 1)
	go func() {
		res, _ := o.RunChain(ctx)
		done <- res
	}()
	select {
	case res := <-done:
		if res.State != model.RunFailed || res.Stages[0].Outcome != model.OutcomeFailure || res.Stages[0].Attempts != 1 {
			t.Fatalf("result = %+v, want failed collect after one attempt", res)
		}
		if res.Stages[1].Outcome != model.OutcomeSkipped {
			t.Fatalf("plan outcome = %s, want skipped", res.Stages[1].Outcome)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("RunChain still waiting on retry backoff after cancellation")
	}
	if collect.calls.Load() != 1 {
		t.Fatalf("collect calls = %d, want 1", collect.calls.Load())
	}
}

func TestRunChainSingleFlight(t *testing.T) {
	t.Parallel()
	release := make(chan struct{})
	entered := make(chan struct{})
	collect := &scripted{kind: model.StageCollect, run: func(ctx context.Context, in stage.Input) (stage.Output, error) {
		close(entered)
		<-release
		return stage.Output{Kind: model.StageCollect}, nil
	}}
	review := &scripted{kind: model.StageReview}
	o := newOrchestrator([]stage.Stage{collect, &scripted{kind: model.StagePlan}, &scripted{kind: model.StageExecute}, review}, nil, nil)

	done := make(chan error, 1)
	go func() {
		_, err := o.RunChain(context.Background())
		done <- err
	}()
	<-entered

	if _, err := o.RunChain(context.Background()); !errors.Is(err, ErrInFlight) {
		t.Fatalf("second RunChain err = %v, want ErrInFlight", err)
	}
	if _, err := o.RunStage(context.Background(), model.StagePlan); !errors.Is(err, ErrInFlight) {
		t.Fatalf("RunStage during chain err = %v, want ErrInFlight", err)
	}
	if _, err := o.RunReview(context.Background()); err != nil {
		t.Fatalf("RunReview during chain error: %v", err)
	}
	close(release)
	if err := <-done; err != nil {
		t.Fatalf("first RunChain error: %v", err)
	}
	if review.calls.Load() != 1 {
		t.Fatalf("review calls = %d, want 1", review.calls.Load())
	}
}

func TestRunChainCancelledAtStageBoundary(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var stageCtxErr error
	collect := &scripted{kind: model.StageCollect, run: func(sctx context.Context, in stage.Input) (stage.Output, error) {
		cancel()
		stageCtxErr = sctx.Err()
		return stage.Output{Kind: model.StageCollect}, nil
	}}
	plan := &scripted{kind: model.StagePlan}
	o := newOrchestrator([]stage.Stage{collect, plan, &scripted{kind: model.StageExecute}}, nil, nil)

	res, err := o.RunChain(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("RunChain err = %v, want context.Canceled", err)
	}
	if stageCtxErr != nil {
		t.Fatalf("running stage saw cancellation: %v", stageCtxErr)
	}
	if res.Stages[0].Outcome != model.OutcomeSuccess || res.Stages[1].Outcome != model.OutcomeSkipped || res.Stages[2].Outcome != model.OutcomeSkipped {
		t.Fatalf("stages = %+v", res.Stages)
	}
	if plan.calls.Load() != 0 {
		t.Fatalf("plan ran after cancellation")
	}
}

func TestRunStageExecuteUsesStoredPlan(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := storage.NewMemory()
	stages, cal := realStages(t, st, []model.Task{task("a", 3)}, 0)
	o := newOrchestrator(stages, st, nil)

	if _, err := o.RunStage(ctx, model.StageExecute); err == nil {
		t.Fatal("Execute without a stored plan succeeded")
	}
	if _, err := o.RunStage(ctx, model.StageCollect); err != nil {
		t.Fatalf("collect error: %v", err)
	}
	if _, err := o.RunStage(ctx, model.StagePlan); err != nil {
		t.Fatalf("plan error: %v", err)
	}
	res, err := o.RunStage(ctx, model.StageExecute)
	if err != nil {
		t.Fatalf("execute error: %v", err)
	}
	if res.State != model.RunCompleted || res.Stages[0].Report == nil || res.Stages[0].Report.EventsCreated != 1 {
		t.Fatalf("execute result = %+v", res)
	}
	if cal.Created() != 1 {
		t.Fatalf("calendar events = %d, want 1", cal.Created())
	}
	if _, err := o.RunStage(ctx, model.StageKind("bogus")); !errors.Is(err, ErrUnknownStage) {
		t.Fatalf("unknown stage err = %v", err)
	}
}
