package conflict

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"planbot/internal/model"
)

const (
	// DefaultBudget bounds revision attempts per Resolve call.
	DefaultBudget = 5
	// DefaultStep is the probe granularity inside preferred windows.
	DefaultStep = 15 * time.Minute

	defaultHorizon = 7 * 24 * time.Hour
	maxProbes      = 4096
)

var ErrUnresolvedConflicts = errors.New("unresolved conflicts")

// UnresolvedConflictsError carries what was left when the budget ran out.
type UnresolvedConflictsError struct {
	Remaining []model.Conflict
	Attempts  int
}

func (e *UnresolvedConflictsError) Error() string {
	return fmt.Sprintf("%d conflicts unresolved after %d revisions", len(e.Remaining), e.Attempts)
}

func (e *UnresolvedConflictsError) Unwrap() error { return ErrUnresolvedConflicts }

// Resolver revises a draft until it is conflict-free. All choices are
// deterministic; ties fall back to task ID order.
type Resolver struct {
	Detector Detector

	// Working-day window. DayEnd == 0 means the whole day.
	DayStart model.TimeOfDay
	DayEnd   model.TimeOfDay

	// Horizon bounds every placement. A zero horizon allows a week past the slot.
	Horizon model.Window
	Step    time.Duration

	// Weather feeds weather-conditioned rules.
	Weather *model.WeatherObservation
}

// Resolve applies at most budget revisions to draft. Each revision takes the
// first conflict in canonical order and either shifts its movable slot later,
// moves it into a preferred window suggested by a matching rule, or unplaces
// it. On success the returned draft has no conflicts. Otherwise the error is
// an *UnresolvedConflictsError and the draft carries the remaining set.
func (r Resolver) Resolve(draft model.PlanDraft, conflicts []model.Conflict, rules []model.LearnedRule, budget int) (model.PlanDraft, error) {
	if budget <= 0 {
		budget = DefaultBudget
	}
	d := draft.Clone()
	cs := append([]model.Conflict(nil), conflicts...)
	sort.Slice(cs, func(i, j int) bool { return model.ConflictLess(cs[i], cs[j]) })

	attempts := 0
	for len(cs) > 0 {
		if attempts >= budget {
			d.Unresolved = cs
			return d, &UnresolvedConflictsError{Remaining: cs, Attempts: attempts}
		}
		c := cs[0]
		idx := d.Index(c.Movable)
		if idx < 0 || !d.Assignments[idx].Placed {
			d.Unresolved = cs
			return d, &UnresolvedConflictsError{Remaining: cs, Attempts: attempts}
		}
		r.revise(&d, idx, c, rules)
		d.Generation++
		attempts++
		cs = r.Detector.Detect(d)
	}
	d.Unresolved = nil
	return d, nil
}

func (r Resolver) revise(d *model.PlanDraft, idx int, c model.Conflict, rules []model.LearnedRule) {
	if s, ok := r.shiftLater(*d, idx, rules); ok {
		d.Assignments[idx].Slot = s
		d.Moved++
		return
	}
	if s, ok := r.preferredWindow(*d, idx, c, rules); ok {
		d.Assignments[idx].Slot = s
		d.Moved++
		return
	}
	d.Assignments[idx].Placed = false
	d.Unplaced++
}

// shiftLater steps the slot forward by its own length until it fits.
func (r Resolver) shiftLater(d model.PlanDraft, idx int, rules []model.LearnedRule) (model.TimeSlot, bool) {
	a := d.Assignments[idx]
	dur := a.Slot.Duration()
	if dur <= 0 {
		return model.TimeSlot{}, false
	}
	limit := r.latestEnd(a)
	others := otherSlots(d, idx)
	constraints := constraintsOf(rules)

	cand := a.Slot.At(a.Slot.Start.Add(dur))
	for i := 0; i < maxProbes; i++ {
		if cand.End.After(limit) {
			return model.TimeSlot{}, false
		}
		if ds := r.dayStart(cand.Start); cand.Start.Before(ds) {
			cand = cand.At(ds)
			continue
		}
		if cand.End.After(r.dayEnd(cand.Start)) {
			cand = cand.At(r.dayStart(cand.Start.AddDate(0, 0, 1)))
			continue
		}
		if r.fits(cand, a, others, constraints) {
			return cand, true
		}
		cand = cand.At(cand.Start.Add(dur))
	}
	return model.TimeSlot{}, false
}

// preferredWindow tries the windows of rules matching either side of c,
// strongest rule first, earliest free position first.
func (r Resolver) preferredWindow(d model.PlanDraft, idx int, c model.Conflict, rules []model.LearnedRule) (model.TimeSlot, bool) {
	a := d.Assignments[idx]
	day := a.Slot.Start
	var subjects []model.Task
	subjects = append(subjects, a.Task)
	other := c.A.TaskID
	if other == a.Task.ID {
		other = c.B.TaskID
	}
	if j := d.Index(other); j >= 0 {
		subjects = append(subjects, d.Assignments[j].Task)
	}

	var windows []model.LearnedRule
	for _, rule := range rules {
		if rule.Effect.Kind != model.EffectPreferredWindow {
			continue
		}
		for _, t := range subjects {
			if rule.Matches(t, day, r.Weather) {
				windows = append(windows, rule)
				break
			}
		}
	}
	if len(windows) == 0 {
		return model.TimeSlot{}, false
	}
	sort.SliceStable(windows, func(i, j int) bool {
		if windows[i].Confidence != windows[j].Confidence {
			return windows[i].Confidence > windows[j].Confidence
		}
		return windows[i].ID < windows[j].ID
	})

	step := r.Step
	if step <= 0 {
		step = DefaultStep
	}
	limit := r.latestEnd(a)
	others := otherSlots(d, idx)
	constraints := constraintsOf(rules)
	dur := a.Slot.Duration()

	for _, rule := range windows {
		probes := 0
		for cur := day; r.dayStart(cur).Before(limit) && probes < maxProbes; cur = cur.AddDate(0, 0, 1) {
			ws := rule.Effect.WindowStart.On(cur)
			we := rule.Effect.WindowEnd.On(cur)
			if ds := r.dayStart(cur); ws.Before(ds) {
				ws = ds
			}
			if de := r.dayEnd(cur); we.After(de) {
				we = de
			}
			for st := ws; !st.Add(dur).After(we) && probes < maxProbes; st = st.Add(step) {
				probes++
				cand := a.Slot.At(st)
				if cand.End.After(limit) {
					break
				}
				if r.fits(cand, a, others, constraints) {
					return cand, true
				}
			}
		}
	}
	return model.TimeSlot{}, false
}

func (r Resolver) fits(cand model.TimeSlot, a model.Assignment, others []model.TimeSlot, constraints []model.LearnedRule) bool {
	if h := r.horizon(a.Slot); cand.Start.Before(h.Start) || cand.End.After(h.End) {
		return false
	}
	for _, rule := range constraints {
		if rule.Matches(a.Task, cand.Start, r.Weather) && !rule.Allows(cand) {
			return false
		}
	}
	return !r.Detector.Clashes(cand, others)
}

func constraintsOf(rules []model.LearnedRule) []model.LearnedRule {
	var out []model.LearnedRule
	for _, rule := range rules {
		if rule.Effect.Kind == model.EffectConstraint {
			out = append(out, rule)
		}
	}
	return out
}

func (r Resolver) horizon(s model.TimeSlot) model.Window {
	if r.Horizon.Valid() {
		return r.Horizon
	}
	return model.Window{Start: s.Start.Add(-defaultHorizon), End: s.Start.Add(defaultHorizon)}
}

// latestEnd is the earliest of the task deadline and the horizon end.
func (r Resolver) latestEnd(a model.Assignment) time.Time {
	limit := r.horizon(a.Slot).End
	if dl := a.Task.Deadline; dl != nil && dl.Before(limit) {
		limit = *dl
	}
	return limit
}

func (r Resolver) dayStart(t time.Time) time.Time { return r.DayStart.On(t) }

func (r Resolver) dayEnd(t time.Time) time.Time {
	if r.DayEnd == 0 {
		return model.TimeOfDay(24 * 60).On(t)
	}
	return r.DayEnd.On(t)
}

func otherSlots(d model.PlanDraft, skip int) []model.TimeSlot {
	out := model.CloneSlots(d.Fixed)
	for i, a := range d.Assignments {
		if i != skip && a.Placed {
			out = append(out, a.Slot)
		}
	}
	return out
}
