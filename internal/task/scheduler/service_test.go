package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"planbot/internal/task/engine"
	"planbot/pkg/logx"
)

func TestParseSchedule(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in      string
		kind    SpecKind
		cron    string
		every   time.Duration
		wantErr bool
	}{
		{in: "*/15 * * * *", kind: SpecCron, cron: "*/15 * * * *"},
		{in: "0 22 * * *", kind: SpecCron, cron: "0 22 * * *"},
		{in: "@daily", kind: SpecCron, cron: "@daily"},
		{in: "cron: 5 * * * *", kind: SpecCron, cron: "5 * * * *"},
		{in: "15m", kind: SpecInterval, every: 15 * time.Minute},
		{in: "00:15", kind: SpecInterval, every: 15 * time.Minute},
		{in: "every: 02:30", kind: SpecInterval, every: 150 * time.Minute},
		{in: "interval:1h", kind: SpecInterval, every: time.Hour},
		{in: "", wantErr: true},
		{in: "cron:", wantErr: true},
		{in: "00:75", wantErr: true},
		{in: "00:00", wantErr: true},
		{in: "-5m", wantErr: true},
		{in: "soon", wantErr: true},
	}
	for _, tt := range tests {
		ps, err := ParseSchedule(tt.in)
		if tt.wantErr {
			if err == nil {
				t.Errorf("ParseSchedule(%q) = %+v, want error", tt.in, ps)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseSchedule(%q): %v", tt.in, err)
			continue
		}
		if ps.Kind != tt.kind || ps.Cron != tt.cron || ps.Every != tt.every {
			t.Errorf("ParseSchedule(%q) = %+v", tt.in, ps)
		}
	}
}

type recordingEnqueuer struct {
	mu   sync.Mutex
	jobs []engine.Job
	err  error
}

func (r *recordingEnqueuer) Enqueue(j engine.Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs = append(r.jobs, j)
	return r.err
}

func TestAddScheduleRegistersAndReplaces(t *testing.T) {
	t.Parallel()
	eng := &recordingEnqueuer{}
	s := New(Config{Timezone: "UTC"}, eng, logx.Nop())
	job := func(context.Context) error { return nil }

	if err := s.AddSchedule("chain", "*/15 * * * *", time.Minute, job); err != nil {
		t.Fatalf("AddSchedule: %v", err)
	}
	if err := s.AddSchedule("review", "0 22 * * *", 0, job); err != nil {
		t.Fatalf("AddSchedule: %v", err)
	}
	if err := s.AddSchedule("bad", "61 * * * *", 0, job); err == nil {
		t.Fatal("AddSchedule with invalid cron = nil, want error")
	}

	s.Start(context.Background())
	defer s.Stop(context.Background())

	if err := s.AddSchedule("chain", "30m", time.Minute, job); err != nil {
		t.Fatalf("AddSchedule replace: %v", err)
	}
	got := s.Schedules()
	if len(got) != 2 {
		t.Fatalf("schedules = %+v, want 2", got)
	}
	if got[0].Name != "chain" || got[0].Spec != "@every 30m0s" {
		t.Fatalf("chain = %+v", got[0])
	}
	if got[1].Name != "review" || got[1].Next.IsZero() || got[1].Next.Hour() != 22 {
		t.Fatalf("review = %+v", got[1])
	}
	if !s.Remove("review") || s.Remove("review") {
		t.Fatal("Remove should report true once")
	}
}

func TestFireEnqueuesSkipIfRunning(t *testing.T) {
	t.Parallel()
	eng := &recordingEnqueuer{err: engine.ErrOverlapSkip}
	s := New(Config{}, eng, logx.Nop())
	s.fire("chain", time.Second, func(context.Context) error { return nil })

	if len(eng.jobs) != 1 {
		t.Fatalf("jobs = %d, want 1", len(eng.jobs))
	}
	j := eng.jobs[0]
	if j.Name != "chain" || j.Overlap != engine.OverlapSkipIfRunning || j.Timeout != time.Second {
		t.Fatalf("job = %+v", j)
	}
}

func TestIntervalSpreadDelaysFirstRunOnly(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)
	sched, spread := intervalWithSpread(10*time.Second, now, "chain")
	if spread < 0 || spread >= 10*time.Second {
		t.Fatalf("spread = %v", spread)
	}
	first := sched.Next(now)
	if want := now.Add(10*time.Second + spread); !first.Equal(want) {
		t.Fatalf("first = %v, want %v", first, want)
	}
	// cron.Every truncates to whole seconds.
	if gap := sched.Next(first).Sub(first); gap <= 9*time.Second || gap > 10*time.Second {
		t.Fatalf("second - first = %v, want ~10s", gap)
	}
}

func TestAddScheduleValidation(t *testing.T) {
	t.Parallel()
	s := New(Config{}, nil, logx.Nop())
	if err := s.AddSchedule(" ", "15m", 0, func(context.Context) error { return nil }); err == nil {
		t.Fatal("empty name accepted")
	}
	if err := s.AddSchedule("x", "15m", 0, nil); err == nil {
		t.Fatal("nil job accepted")
	}
	err := s.AddSchedule("x", "soon", 0, func(context.Context) error { return nil })
	if err == nil || errors.Is(err, context.Canceled) {
		t.Fatalf("AddSchedule = %v, want parse error", err)
	}
}
