package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var ErrPlanHasConflicts = errors.New("plan has unresolved conflicts")

// Assignment binds a task to a slot. Unplaced assignments keep the task pending.
type Assignment struct {
	Task   Task     `json:"task"`
	Slot   TimeSlot `json:"slot"`
	Placed bool     `json:"placed"`
	Score  float64  `json:"score"`
}

// PlanDraft is the planner's working state. Fixed slots are calendar
// commitments and are never moved.
type PlanDraft struct {
	Fixed       []TimeSlot   `json:"fixed"`
	Assignments []Assignment `json:"assignments"`
	Generation  int          `json:"generation"`
	Unresolved  []Conflict   `json:"unresolved,omitempty"`

	// Moved and Unplaced split Generation by revision kind.
	Moved    int `json:"moved,omitempty"`
	Unplaced int `json:"unplaced,omitempty"`
}

func cloneAssignments(in []Assignment) []Assignment {
	if in == nil {
		return nil
	}
	out := make([]Assignment, len(in))
	for i, a := range in {
		out[i] = a
		out[i].Task = a.Task.Clone()
	}
	return out
}

func (d PlanDraft) Clone() PlanDraft {
	return PlanDraft{
		Fixed:       CloneSlots(d.Fixed),
		Assignments: cloneAssignments(d.Assignments),
		Generation:  d.Generation,
		Unresolved:  append([]Conflict(nil), d.Unresolved...),
		Moved:       d.Moved,
		Unplaced:    d.Unplaced,
	}
}

// PlacedSlots returns the slots of placed assignments.
func (d PlanDraft) PlacedSlots() []TimeSlot {
	out := make([]TimeSlot, 0, len(d.Assignments))
	for _, a := range d.Assignments {
		if a.Placed {
			out = append(out, a.Slot)
		}
	}
	return out
}

// Index returns the assignment index for taskID, or -1.
func (d PlanDraft) Index(taskID string) int {
	for i, a := range d.Assignments {
		if a.Task.ID == taskID {
			return i
		}
	}
	return -1
}

// ApprovedPlan is a conflict-free draft frozen for execution. Its contents
// can only be read through copying accessors.
type ApprovedPlan struct {
	id          string
	snapshotID  string
	approvedAt  time.Time
	fixed       []TimeSlot
	assignments []Assignment
	generation  int
	resolved    int
	advisory    string
}

// Approve freezes a draft. resolved is the number of conflicts settled by
// moving a slot; unplaced tasks are not counted (see Deferred).
func Approve(d PlanDraft, id, snapshotID string, resolved int, advisory string, now time.Time) (*ApprovedPlan, error) {
	if len(d.Unresolved) > 0 {
		return nil, fmt.Errorf("%w: %d remaining", ErrPlanHasConflicts, len(d.Unresolved))
	}
	for _, a := range d.Assignments {
		if !a.Placed {
			continue
		}
		if err := a.Slot.Validate(); err != nil {
			return nil, err
		}
	}
	return &ApprovedPlan{
		id:          id,
		snapshotID:  snapshotID,
		approvedAt:  now,
		fixed:       CloneSlots(d.Fixed),
		assignments: cloneAssignments(d.Assignments),
		generation:  d.Generation,
		resolved:    resolved,
		advisory:    advisory,
	}, nil
}

func (p *ApprovedPlan) ID() string            { return p.id }
func (p *ApprovedPlan) SnapshotID() string    { return p.snapshotID }
func (p *ApprovedPlan) ApprovedAt() time.Time { return p.approvedAt }
func (p *ApprovedPlan) Generation() int       { return p.generation }
func (p *ApprovedPlan) Resolved() int         { return p.resolved }
func (p *ApprovedPlan) Advisory() string      { return p.advisory }
func (p *ApprovedPlan) Fixed() []TimeSlot     { return CloneSlots(p.fixed) }

func (p *ApprovedPlan) Assignments() []Assignment { return cloneAssignments(p.assignments) }

// Deferred counts tasks the plan leaves pending because no slot was found.
func (p *ApprovedPlan) Deferred() int {
	n := 0
	for _, a := range p.assignments {
		if !a.Placed {
			n++
		}
	}
	return n
}

// Placed returns copies of the assignments that received a slot.
func (p *ApprovedPlan) Placed() []Assignment {
	out := make([]Assignment, 0, len(p.assignments))
	for _, a := range p.assignments {
		if a.Placed {
			cp := a
			cp.Task = a.Task.Clone()
			out = append(out, cp)
		}
	}
	return out
}

// Draft returns a mutable copy of the plan contents.
func (p *ApprovedPlan) Draft() PlanDraft {
	return PlanDraft{Fixed: p.Fixed(), Assignments: p.Assignments(), Generation: p.generation}
}

type approvedPlanJSON struct {
	ID          string       `json:"id"`
	SnapshotID  string       `json:"snapshot_id"`
	ApprovedAt  time.Time    `json:"approved_at"`
	Fixed       []TimeSlot   `json:"fixed"`
	Assignments []Assignment `json:"assignments"`
	Generation  int          `json:"generation"`
	Resolved    int          `json:"resolved"`
	Advisory    string       `json:"advisory,omitempty"`
}

func (p *ApprovedPlan) MarshalJSON() ([]byte, error) {
	return json.Marshal(approvedPlanJSON{
		ID:          p.id,
		SnapshotID:  p.snapshotID,
		ApprovedAt:  p.approvedAt,
		Fixed:       p.fixed,
		Assignments: p.assignments,
		Generation:  p.generation,
		Resolved:    p.resolved,
		Advisory:    p.advisory,
	})
}

func (p *ApprovedPlan) UnmarshalJSON(b []byte) error {
	var v approvedPlanJSON
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	if v.ID == "" {
		return errors.New("approved plan: missing id")
	}
	*p = ApprovedPlan{
		id:          v.ID,
		snapshotID:  v.SnapshotID,
		approvedAt:  v.ApprovedAt,
		fixed:       v.Fixed,
		assignments: v.Assignments,
		generation:  v.Generation,
		resolved:    v.Resolved,
		advisory:    v.Advisory,
	}
	return nil
}
