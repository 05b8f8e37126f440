package conflict

import (
	"sort"
	"strings"
	"time"

	"planbot/internal/model"
)

// DefaultLocationBuffer is the minimum gap between two slots at the same place.
const DefaultLocationBuffer = 15 * time.Minute

// Detector finds conflicting slot pairs in a draft. It is pure and safe for
// concurrent use.
type Detector struct {
	// Slots at the same location closer than this (abutting included) clash.
	// Zero disables location clashes.
	LocationBuffer time.Duration
}

func NewDetector(buffer time.Duration) Detector {
	if buffer < 0 {
		buffer = 0
	}
	return Detector{LocationBuffer: buffer}
}

type entry struct {
	slot     model.TimeSlot
	fixed    bool
	priority model.Priority
}

func entryLess(a, b entry) bool {
	if model.SlotLess(a.slot, b.slot) || model.SlotLess(b.slot, a.slot) {
		return model.SlotLess(a.slot, b.slot)
	}
	if a.fixed != b.fixed {
		return a.fixed
	}
	if a.slot.Location != b.slot.Location {
		return a.slot.Location < b.slot.Location
	}
	return a.slot.Resource < b.slot.Resource
}

func entries(d model.PlanDraft) []entry {
	out := make([]entry, 0, len(d.Fixed)+len(d.Assignments))
	for _, s := range d.Fixed {
		out = append(out, entry{slot: s, fixed: true})
	}
	for _, a := range d.Assignments {
		if a.Placed {
			out = append(out, entry{slot: a.Slot, priority: a.Task.Priority})
		}
	}
	return out
}

// Detect returns the conflicts of d in canonical order. An empty result means
// the draft is conflict-free.
func (dt Detector) Detect(d model.PlanDraft) []model.Conflict {
	es := entries(d)
	sort.Slice(es, func(i, j int) bool { return entryLess(es[i], es[j]) })

	var out []model.Conflict
	active := make([]entry, 0, 8)
	for _, e := range es {
		kept := active[:0]
		for _, a := range active {
			if a.slot.End.Add(dt.LocationBuffer).After(e.slot.Start) {
				kept = append(kept, a)
			}
		}
		active = kept

		for _, a := range active {
			if c, ok := dt.pair(a, e); ok {
				out = append(out, c)
			}
		}
		active = append(active, e)
	}
	sort.Slice(out, func(i, j int) bool { return model.ConflictLess(out[i], out[j]) })
	return out
}

// pair classifies a (which sorts first) against b.
func (dt Detector) pair(a, b entry) (model.Conflict, bool) {
	if a.fixed && b.fixed {
		return model.Conflict{}, false
	}
	kind, ok := dt.classify(a.slot, b.slot)
	if !ok {
		return model.Conflict{}, false
	}
	return model.Conflict{A: a.slot, B: b.slot, Kind: kind, Movable: movable(a, b)}, true
}

func (dt Detector) classify(a, b model.TimeSlot) (model.ConflictKind, bool) {
	if a.Overlaps(b) {
		if a.Resource != "" && strings.EqualFold(a.Resource, b.Resource) {
			return model.ConflictResourceContention, true
		}
		return model.ConflictTimeOverlap, true
	}
	if dt.LocationBuffer > 0 && a.Location != "" && strings.EqualFold(a.Location, b.Location) && a.Gap(b) < dt.LocationBuffer {
		return model.ConflictLocationClash, true
	}
	return "", false
}

// movable picks the member the resolver may move: never a calendar
// commitment, then the lower priority, the later start, the greater task ID.
func movable(a, b entry) string {
	switch {
	case a.fixed:
		return b.slot.TaskID
	case b.fixed:
		return a.slot.TaskID
	case a.priority != b.priority:
		if a.priority < b.priority {
			return a.slot.TaskID
		}
		return b.slot.TaskID
	case !a.slot.Start.Equal(b.slot.Start):
		if a.slot.Start.After(b.slot.Start) {
			return a.slot.TaskID
		}
		return b.slot.TaskID
	case a.slot.TaskID > b.slot.TaskID:
		return a.slot.TaskID
	default:
		return b.slot.TaskID
	}
}

// Clashes reports whether slot s conflicts with any of others.
func (dt Detector) Clashes(s model.TimeSlot, others []model.TimeSlot) bool {
	for _, o := range others {
		if _, ok := dt.classify(s, o); ok {
			return true
		}
	}
	return false
}
