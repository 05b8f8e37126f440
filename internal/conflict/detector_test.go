package conflict

import (
	"testing"
	"time"

	"planbot/internal/model"
)

func at(h, m int) time.Time {
	return time.Date(2026, 3, 2, h, m, 0, 0, time.UTC)
}

func assign(id string, prio model.Priority, start, end time.Time) model.Assignment {
	return model.Assignment{
		Task:   model.Task{ID: id, Priority: prio, Status: model.StatusPending},
		Slot:   model.TimeSlot{Start: start, End: end, TaskID: id},
		Placed: true,
	}
}

func TestDetectOverlapScenario(t *testing.T) {
	t.Parallel()
	d := model.PlanDraft{Assignments: []model.Assignment{
		assign("high", 5, at(9, 0), at(10, 0)),
		assign("low", 2, at(9, 30), at(10, 30)),
	}}
	got := NewDetector(DefaultLocationBuffer).Detect(d)
	if len(got) != 1 {
		t.Fatalf("len(conflicts) = %d, want 1", len(got))
	}
	if got[0].Kind != model.ConflictTimeOverlap {
		t.Fatalf("Kind = %s, want %s", got[0].Kind, model.ConflictTimeOverlap)
	}
	if got[0].Movable != "low" {
		t.Fatalf("Movable = %s, want low", got[0].Movable)
	}
	if got[0].A.TaskID != "high" || got[0].B.TaskID != "low" {
		t.Fatalf("pair order = %s,%s, want high,low", got[0].A.TaskID, got[0].B.TaskID)
	}
}

func TestDetectKinds(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		a, b model.TimeSlot
		want model.ConflictKind
		none bool
	}{
		{
			name: "resource contention",
			a:    model.TimeSlot{Start: at(9, 0), End: at(10, 0), TaskID: "a", Resource: "car"},
			b:    model.TimeSlot{Start: at(9, 30), End: at(10, 30), TaskID: "b", Resource: "Car"},
			want: model.ConflictResourceContention,
		},
		{
			name: "overlap different resources",
			a:    model.TimeSlot{Start: at(9, 0), End: at(10, 0), TaskID: "a", Resource: "car"},
			b:    model.TimeSlot{Start: at(9, 30), End: at(10, 30), TaskID: "b", Resource: "desk"},
			want: model.ConflictTimeOverlap,
		},
		{
			name: "abutting same location",
			a:    model.TimeSlot{Start: at(9, 0), End: at(10, 0), TaskID: "a", Location: "office"},
			b:    model.TimeSlot{Start: at(10, 0), End: at(11, 0), TaskID: "b", Location: "office"},
			want: model.ConflictLocationClash,
		},
		{
			name: "gap inside buffer",
			a:    model.TimeSlot{Start: at(9, 0), End: at(10, 0), TaskID: "a", Location: "office"},
			b:    model.TimeSlot{Start: at(10, 10), End: at(11, 0), TaskID: "b", Location: "office"},
			want: model.ConflictLocationClash,
		},
		{
			name: "gap at buffer",
			a:    model.TimeSlot{Start: at(9, 0), End: at(10, 0), TaskID: "a", Location: "office"},
			b:    model.TimeSlot{Start: at(10, 15), End: at(11, 0), TaskID: "b", Location: "office"},
			none: true,
		},
		{
			name: "abutting different locations",
			a:    model.TimeSlot{Start: at(9, 0), End: at(10, 0), TaskID: "a", Location: "office"},
			b:    model.TimeSlot{Start: at(10, 0), End: at(11, 0), TaskID: "b", Location: "gym"},
			none: true,
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			d := model.PlanDraft{Assignments: []model.Assignment{
				{Task: model.Task{ID: "a", Priority: 3}, Slot: tt.a, Placed: true},
				{Task: model.Task{ID: "b", Priority: 3}, Slot: tt.b, Placed: true},
			}}
			got := NewDetector(DefaultLocationBuffer).Detect(d)
			if tt.none {
				if len(got) != 0 {
					t.Fatalf("conflicts = %+v, want none", got)
				}
				return
			}
			if len(got) != 1 || got[0].Kind != tt.want {
				t.Fatalf("conflicts = %+v, want one %s", got, tt.want)
			}
		})
	}
}

func TestDetectMovableTieBreaks(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		a, b model.Assignment
		want string
	}{
		{name: "identical start lower priority", a: assign("a", 4, at(9, 0), at(10, 0)), b: assign("b", 1, at(9, 0), at(9, 30)), want: "b"},
		{name: "equal priority later start", a: assign("a", 3, at(9, 0), at(10, 0)), b: assign("b", 3, at(9, 15), at(9, 45)), want: "b"},
		{name: "equal priority same start", a: assign("x", 3, at(9, 0), at(10, 0)), b: assign("y", 3, at(9, 0), at(10, 0)), want: "y"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := NewDetector(0).Detect(model.PlanDraft{Assignments: []model.Assignment{tt.b, tt.a}})
			if len(got) != 1 {
				t.Fatalf("len(conflicts) = %d, want 1", len(got))
			}
			if got[0].Movable != tt.want {
				t.Fatalf("Movable = %s, want %s", got[0].Movable, tt.want)
			}
		})
	}
}

func TestDetectFixedSlots(t *testing.T) {
	t.Parallel()
	d := model.PlanDraft{
		Fixed: []model.TimeSlot{
			{Start: at(9, 0), End: at(10, 0), TaskID: "evt-1"},
			{Start: at(9, 30), End: at(10, 30), TaskID: "evt-2"},
		},
		Assignments: []model.Assignment{assign("t1", 5, at(9, 45), at(10, 15))},
	}
	got := NewDetector(0).Detect(d)
	if len(got) != 2 {
		t.Fatalf("len(conflicts) = %d, want 2 (calendar pairs are ignored)", len(got))
	}
	for _, c := range got {
		if c.Movable != "t1" {
			t.Fatalf("Movable = %s, want t1 (calendar events never move)", c.Movable)
		}
	}
}

func TestDetectIgnoresUnplaced(t *testing.T) {
	t.Parallel()
	a := assign("a", 3, at(9, 0), at(10, 0))
	b := assign("b", 3, at(9, 0), at(10, 0))
	b.Placed = false
	if got := NewDetector(0).Detect(model.PlanDraft{Assignments: []model.Assignment{a, b}}); len(got) != 0 {
		t.Fatalf("conflicts = %+v, want none", got)
	}
}
