package app

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"planbot/internal/collab"
	"planbot/internal/collab/fake"
	"planbot/internal/config"
	"planbot/internal/model"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Logging.Level = "error"
	cfg.Storage.Driver = "memory"
	cfg.Notes.Path = filepath.Join(t.TempDir(), "notes.db")
	cfg.Planning.Timezone = "UTC"
	cfg.Planning.DayStart = "00:00"
	cfg.Planning.DayEnd = "23:59"
	cfg.Planning.Horizon = "48h"
	cfg.Stages.RetryMax = 0
	cfg.Collaborators.RetryMax = 0
	return cfg
}

func TestBuildRunsChainAndAgents(t *testing.T) {
	t.Parallel()
	now := time.Now().UTC()
	cal := &fake.Calendar{}
	notifier := &fake.Notifier{}
	set := &collab.Set{
		Calendar: cal,
		Notes:    fake.NewNotes(model.Task{ID: "report", Title: "report", Priority: 3, Status: model.StatusPending, CreatedAt: now, UpdatedAt: now, Duration: 30 * time.Minute}),
		Notifier: notifier,
	}
	a, err := Build(testConfig(t), set)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	t.Cleanup(func() { _ = a.Close() })

	ctx := context.Background()
	res, err := a.RunChain(ctx)
	if err != nil {
		t.Fatalf("RunChain: %v", err)
	}
	if res.State != model.RunCompleted || len(res.Stages) != 3 {
		t.Fatalf("RunChain = %+v, want 3 completed stages", res)
	}
	if cal.Created() != 1 {
		t.Fatalf("calendar events = %d, want 1", cal.Created())
	}
	if len(notifier.Sent()) != 1 {
		t.Fatalf("notifications = %d, want 1", len(notifier.Sent()))
	}

	// A rerun of Execute against the same plan creates nothing new.
	res, err = a.RunAgent(ctx, model.StageExecute)
	if err != nil || res.Failed() {
		t.Fatalf("RunAgent(execute) = %+v, %v", res, err)
	}
	if cal.Created() != 1 {
		t.Fatalf("calendar events after rerun = %d, want 1", cal.Created())
	}

	res, err = a.RunAgent(ctx, model.StageReview)
	if err != nil || res.Chain != string(model.StageReview) {
		t.Fatalf("RunAgent(review) = %+v, %v", res, err)
	}
}

func TestBuildOpensNotesDatabase(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t)
	a, err := Build(cfg, nil)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	t.Cleanup(func() { _ = a.Close() })
	got := a.available()
	if len(got) != 1 || got[0] != "notes" {
		t.Fatalf("available = %v, want [notes]", got)
	}
	if _, err := os.Stat(cfg.Notes.Path); err != nil {
		t.Fatalf("notes db not created: %v", err)
	}
}

func TestNewRequiresCalendarForWorkflow(t *testing.T) {
	t.Setenv("GOOGLE_CALENDAR_TOKEN", "")
	t.Setenv("PLANBOT_CALENDAR_TOKEN", "")
	dir := t.TempDir()
	path := filepath.Join(dir, "planbot.yaml")
	body := "notes:\n  path: " + filepath.Join(dir, "notes.db") + "\nstorage:\n  driver: memory\n"
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}

	_, err := New(Options{ConfigPath: path, Agent: config.AgentWorkflow})
	var ce *config.ConfigurationError
	if !errors.As(err, &ce) {
		t.Fatalf("New(workflow) error = %v, want *ConfigurationError", err)
	}

	a, err := New(Options{ConfigPath: path, Agent: AgentFor(model.StagePlan)})
	if err != nil {
		t.Fatalf("New(planner): %v", err)
	}
	_ = a.Close()
}

func TestMapPlanningConfig(t *testing.T) {
	t.Parallel()
	cfg := config.Default()
	cfg.Planning.DayStart = "07:30"
	cfg.Planning.Budget = 0
	cfg.Planning.Timezone = "Europe/Berlin"
	pc, err := mapPlanningConfig(cfg)
	if err != nil {
		t.Fatalf("mapPlanningConfig: %v", err)
	}
	if pc.DayStart != 7*60+30 || pc.DayEnd != 20*60 {
		t.Fatalf("day = %s-%s, want 07:30-20:00", pc.DayStart, pc.DayEnd)
	}
	if pc.Budget != 5 || pc.Step != 15*time.Minute || pc.LocationBuffer != 15*time.Minute {
		t.Fatalf("conflict settings = %d/%v/%v", pc.Budget, pc.Step, pc.LocationBuffer)
	}
	if pc.Location.String() != "Europe/Berlin" {
		t.Fatalf("location = %s", pc.Location)
	}
	if pc.Weights.Deadline != 0.4 || pc.Weights.Preference != 0.1 {
		t.Fatalf("weights = %+v", pc.Weights)
	}
}

func TestDaemonCadencesAndReload(t *testing.T) {
	t.Parallel()
	a, err := Build(testConfig(t), &collab.Set{Notes: fake.NewNotes()})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	t.Cleanup(func() { _ = a.Close() })
	d, err := a.Daemon()
	if err != nil {
		t.Fatalf("Daemon: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := d.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { _ = d.Stop(context.Background(), StopRequested) })

	got := d.Schedules()
	if len(got) != 2 || got[0].Name != ScheduleChain || got[1].Name != ScheduleReview {
		t.Fatalf("schedules = %+v", got)
	}
	if got[0].Timeout != 10*time.Minute {
		t.Fatalf("chain timeout = %v, want 10m", got[0].Timeout)
	}
	if st := d.Status(); st.StartedAt.IsZero() || len(st.Schedules) != 2 || !st.Engine.Running {
		t.Fatalf("Status = %+v", st)
	}

	next := *a.Config()
	next.Schedule.Chain = "1h"
	next.Schedule.Review = ""
	d.applyConfig(a.Config(), &next)
	got = d.Schedules()
	if len(got) != 1 || got[0].Spec != "@every 1h0m0s" {
		t.Fatalf("schedules after reload = %+v", got)
	}

	bad := next
	bad.Schedule.Chain = "61 * * * *"
	d.applyConfig(&next, &bad)
	if got = d.Schedules(); len(got) != 1 || got[0].Spec != "@every 1h0m0s" {
		t.Fatalf("invalid cadence replaced the previous one: %+v", got)
	}
}
