package model

import (
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func at(h, m int) time.Time {
	return time.Date(2026, 3, 2, h, m, 0, 0, time.UTC)
}

func TestCanTransition(t *testing.T) {
	t.Parallel()
	tests := []struct {
		from, to Status
		want     bool
	}{
		{StatusPending, StatusScheduled, true},
		{StatusPending, StatusCompleted, true},
		{StatusScheduled, StatusInProgress, true},
		{StatusInProgress, StatusCompleted, true},
		{StatusScheduled, StatusPending, false},
		{StatusInProgress, StatusScheduled, false},
		{StatusPending, StatusCancelled, true},
		{StatusInProgress, StatusCancelled, true},
		{StatusCompleted, StatusCancelled, false},
		{StatusCancelled, StatusPending, false},
		{StatusCompleted, StatusCompleted, false},
	}
	for _, tt := range tests {
		if got := CanTransition(tt.from, tt.to); got != tt.want {
			t.Fatalf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestTaskTransitionStampsUpdatedAt(t *testing.T) {
	t.Parallel()
	task := Task{ID: "t1", Priority: 3, Status: StatusPending, CreatedAt: at(8, 0), UpdatedAt: at(8, 0)}
	if err := task.Transition(StatusScheduled, at(9, 0)); err != nil {
		t.Fatalf("Transition error: %v", err)
	}
	if !task.UpdatedAt.Equal(at(9, 0)) {
		t.Fatalf("UpdatedAt = %v, want %v", task.UpdatedAt, at(9, 0))
	}
	err := task.Transition(StatusPending, at(10, 0))
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("backwards transition err = %v, want ErrInvalidTransition", err)
	}
	if task.Status != StatusScheduled {
		t.Fatalf("Status = %s after rejected transition", task.Status)
	}
}

func TestTaskValidate(t *testing.T) {
	t.Parallel()
	ok := Task{ID: "t1", Priority: 2, Status: StatusPending, CreatedAt: at(8, 0), UpdatedAt: at(8, 0)}
	if err := ok.Validate(); err != nil {
		t.Fatalf("Validate error: %v", err)
	}
	bad := ok
	bad.UpdatedAt = at(7, 0)
	if err := bad.Validate(); !errors.Is(err, ErrInvalidTask) {
		t.Fatalf("Validate(updated<created) = %v, want ErrInvalidTask", err)
	}
	bad = ok
	bad.Priority = 6
	if err := bad.Validate(); err == nil {
		t.Fatal("expected error for priority 6")
	}
}

func TestTaskCloneIsDeep(t *testing.T) {
	t.Parallel()
	dl := at(17, 0)
	orig := Task{ID: "t1", Deadline: &dl, Metadata: map[string]string{"k": "v"}}
	cp := orig.Clone()
	*cp.Deadline = at(18, 0)
	cp.Metadata["k"] = "changed"
	if !orig.Deadline.Equal(at(17, 0)) || orig.Metadata["k"] != "v" {
		t.Fatal("Clone shares state with original")
	}
}

func TestTimeSlotOverlapAndGap(t *testing.T) {
	t.Parallel()
	a := TimeSlot{Start: at(9, 0), End: at(10, 0), TaskID: "a"}
	b := TimeSlot{Start: at(9, 30), End: at(10, 30), TaskID: "b"}
	c := TimeSlot{Start: at(10, 0), End: at(11, 0), TaskID: "c"}
	if !a.Overlaps(b) || !b.Overlaps(a) {
		t.Fatal("expected a and b to overlap")
	}
	if a.Overlaps(c) {
		t.Fatal("abutting slots must not overlap")
	}
	if g := a.Gap(c); g != 0 {
		t.Fatalf("Gap = %v, want 0", g)
	}
	d := TimeSlot{Start: at(10, 10), End: at(11, 0), TaskID: "d"}
	if g := d.Gap(a); g != 10*time.Minute {
		t.Fatalf("Gap = %v, want 10m", g)
	}
	if err := (TimeSlot{Start: at(9, 0), End: at(9, 0)}).Validate(); !errors.Is(err, ErrInvalidSlot) {
		t.Fatalf("Validate(empty) = %v, want ErrInvalidSlot", err)
	}
}

func TestTimeSlotKeyStable(t *testing.T) {
	t.Parallel()
	a := TimeSlot{Start: at(9, 0), End: at(10, 0), TaskID: "a"}
	b := TimeSlot{Start: at(9, 0).In(time.FixedZone("x", 3600)), End: at(10, 0), TaskID: "a", Location: "home"}
	if a.Key() != b.Key() {
		t.Fatalf("Key differs for same instants: %s vs %s", a.Key(), b.Key())
	}
	if a.Key() == a.At(at(11, 0)).Key() {
		t.Fatal("Key must change when the slot moves")
	}
}

func TestParseTimeOfDay(t *testing.T) {
	t.Parallel()
	tests := []struct {
		raw  string
		want TimeOfDay
		err  bool
	}{
		{raw: "09:00", want: 540},
		{raw: "23:59", want: 1439},
		{raw: "24:00", want: 1440},
		{raw: "24:01", err: true},
		{raw: "9", err: true},
		{raw: "12:60", err: true},
	}
	for _, tt := range tests {
		got, err := ParseTimeOfDay(tt.raw)
		if tt.err {
			if err == nil {
				t.Fatalf("ParseTimeOfDay(%q) expected error", tt.raw)
			}
			continue
		}
		if err != nil {
			t.Fatalf("ParseTimeOfDay(%q) error: %v", tt.raw, err)
		}
		if got != tt.want {
			t.Fatalf("ParseTimeOfDay(%q) = %d, want %d", tt.raw, got, tt.want)
		}
	}
}

func TestApproveRejectsUnresolved(t *testing.T) {
	t.Parallel()
	d := PlanDraft{Unresolved: []Conflict{{Kind: ConflictTimeOverlap}}}
	if _, err := Approve(d, "p1", "s1", 0, "", at(8, 0)); !errors.Is(err, ErrPlanHasConflicts) {
		t.Fatalf("Approve err = %v, want ErrPlanHasConflicts", err)
	}
}

func TestApprovedPlanAccessorsCopy(t *testing.T) {
	t.Parallel()
	d := PlanDraft{Assignments: []Assignment{{
		Task:   Task{ID: "t1", Metadata: map[string]string{"k": "v"}},
		Slot:   TimeSlot{Start: at(9, 0), End: at(10, 0), TaskID: "t1"},
		Placed: true,
	}}}
	p, err := Approve(d, "p1", "s1", 1, "advice", at(8, 0))
	if err != nil {
		t.Fatalf("Approve error: %v", err)
	}
	d.Assignments[0].Slot.Start = at(12, 0)
	as := p.Assignments()
	as[0].Slot.Start = at(13, 0)
	as[0].Task.Metadata["k"] = "changed"

	got := p.Placed()
	if len(got) != 1 {
		t.Fatalf("Placed len = %d, want 1", len(got))
	}
	if !got[0].Slot.Start.Equal(at(9, 0)) {
		t.Fatalf("Slot.Start = %v, want 09:00", got[0].Slot.Start)
	}
	if got[0].Task.Metadata["k"] != "v" {
		t.Fatal("plan metadata was mutated through accessor")
	}
}

func TestApprovedPlanJSON(t *testing.T) {
	t.Parallel()
	d := PlanDraft{
		Fixed:       []TimeSlot{{Start: at(8, 0), End: at(8, 30), TaskID: "evt"}},
		Assignments: []Assignment{{Task: Task{ID: "t1", Priority: 2}, Slot: TimeSlot{Start: at(9, 0), End: at(10, 0), TaskID: "t1"}, Placed: true, Score: 0.5}},
		Generation:  2,
	}
	p, err := Approve(d, "p1", "s1", 1, "advice", at(8, 0))
	if err != nil {
		t.Fatalf("Approve error: %v", err)
	}
	raw, err := json.Marshal(p)
	if err != nil {
		t.Fatalf("Marshal error: %v", err)
	}
	var back ApprovedPlan
	if err := json.Unmarshal(raw, &back); err != nil {
		t.Fatalf("Unmarshal error: %v", err)
	}
	if back.ID() != "p1" || back.SnapshotID() != "s1" || back.Generation() != 2 || back.Resolved() != 1 || back.Advisory() != "advice" {
		t.Fatalf("unexpected plan after round trip: %s", raw)
	}
	if len(back.Placed()) != 1 || back.Placed()[0].Slot.Key() != d.Assignments[0].Slot.Key() {
		t.Fatalf("assignments lost in round trip: %s", raw)
	}
}

func TestLearnedRuleMatches(t *testing.T) {
	t.Parallel()
	mon := time.Monday
	r := LearnedRule{
		ID: "r1",
		Condition: RuleCondition{
			TitleContains:   "gym",
			Location:        "Downtown",
			MinPriority:     2,
			Weekday:         &mon,
			WeatherContains: "clear",
		},
		Effect:     RuleEffect{Kind: EffectPriorityAdjust, PriorityDelta: 1},
		Confidence: 0.8,
	}
	task := Task{ID: "t", Title: "Gym session", Location: "downtown", Priority: 3}
	day := at(9, 0) // 2026-03-02 is a Monday
	w := &WeatherObservation{Condition: "Clear"}

	if !r.Matches(task, day, w) {
		t.Fatal("expected rule to match")
	}
	if r.Matches(task, day.AddDate(0, 0, 1), w) {
		t.Fatal("rule matched on the wrong weekday")
	}
	if r.Matches(task, day, nil) {
		t.Fatal("weather condition must not match without weather")
	}
	low := task
	low.Priority = 1
	if r.Matches(low, day, w) {
		t.Fatal("rule matched below MinPriority")
	}

	byID := LearnedRule{ID: "r2", Condition: RuleCondition{TaskID: "t"}}
	other := task
	other.ID = "u"
	if !byID.Matches(task, day, nil) || byID.Matches(other, day, nil) {
		t.Fatal("TaskID condition must match only its own task")
	}
}

func TestLearnedRuleValidate(t *testing.T) {
	t.Parallel()
	nb, na := TimeOfDay(600), TimeOfDay(540)
	tests := []struct {
		name string
		rule LearnedRule
		ok   bool
	}{
		{name: "priority", rule: LearnedRule{ID: "a", Effect: RuleEffect{Kind: EffectPriorityAdjust, PriorityDelta: 1}, Confidence: 1}, ok: true},
		{name: "confidence high", rule: LearnedRule{ID: "a", Effect: RuleEffect{Kind: EffectPriorityAdjust, PriorityDelta: 1}, Confidence: 1.5}},
		{name: "window", rule: LearnedRule{ID: "a", Effect: RuleEffect{Kind: EffectPreferredWindow, WindowStart: 540, WindowEnd: 600}, Confidence: 0.3}, ok: true},
		{name: "empty window", rule: LearnedRule{ID: "a", Effect: RuleEffect{Kind: EffectPreferredWindow, WindowStart: 600, WindowEnd: 600}}},
		{name: "inverted constraint", rule: LearnedRule{ID: "a", Effect: RuleEffect{Kind: EffectConstraint, NotBefore: &nb, NotAfter: &na}}},
		{name: "unknown", rule: LearnedRule{ID: "a", Effect: RuleEffect{Kind: "x"}}},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			err := tt.rule.Validate()
			if tt.ok && err != nil {
				t.Fatalf("Validate error: %v", err)
			}
			if !tt.ok && !errors.Is(err, ErrInvalidRule) {
				t.Fatalf("Validate = %v, want ErrInvalidRule", err)
			}
		})
	}
}

func TestConstraintAllows(t *testing.T) {
	t.Parallel()
	nb := TimeOfDay(10 * 60)
	r := LearnedRule{ID: "c", Effect: RuleEffect{Kind: EffectConstraint, NotBefore: &nb}}
	if r.Allows(TimeSlot{Start: at(9, 0), End: at(10, 0)}) {
		t.Fatal("slot before not_before allowed")
	}
	if !r.Allows(TimeSlot{Start: at(10, 0), End: at(11, 0)}) {
		t.Fatal("slot at not_before rejected")
	}
}

func TestRunStateAdvance(t *testing.T) {
	t.Parallel()
	path := []RunState{RunIdle, RunCollecting, RunPlanning, RunExecuting, RunCompleted}
	for i := 0; i+1 < len(path); i++ {
		if !path[i].CanAdvance(path[i+1]) {
			t.Fatalf("%s -> %s rejected", path[i], path[i+1])
		}
	}
	if RunIdle.CanAdvance(RunPlanning) {
		t.Fatal("idle -> planning must skip nothing")
	}
	if !RunPlanning.CanAdvance(RunFailed) {
		t.Fatal("planning -> failed rejected")
	}
	if RunCompleted.CanAdvance(RunFailed) || RunFailed.CanAdvance(RunCollecting) {
		t.Fatal("terminal state advanced")
	}
}

func TestParseAgent(t *testing.T) {
	t.Parallel()
	for raw, want := range map[string]StageKind{"collector": StageCollect, "Planner": StagePlan, "executor": StageExecute, "reviewer": StageReview} {
		got, err := ParseAgent(raw)
		if err != nil || got != want {
			t.Fatalf("ParseAgent(%q) = %s, %v; want %s", raw, got, err, want)
		}
	}
	if _, err := ParseAgent("janitor"); err == nil {
		t.Fatal("expected error for unknown agent")
	}
}
