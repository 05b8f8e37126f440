package model

type ConflictKind string

const (
	ConflictTimeOverlap        ConflictKind = "time_overlap"
	ConflictLocationClash      ConflictKind = "location_clash"
	ConflictResourceContention ConflictKind = "resource_contention"
)

// Conflict pairs two slots in canonical order (A starts first; ties by task ID).
// Movable is the task ID the resolver is allowed to move.
type Conflict struct {
	A       TimeSlot     `json:"a"`
	B       TimeSlot     `json:"b"`
	Kind    ConflictKind `json:"kind"`
	Movable string       `json:"movable"`
}

// SlotLess is the canonical slot order: start, then task ID, then end.
func SlotLess(a, b TimeSlot) bool {
	if !a.Start.Equal(b.Start) {
		return a.Start.Before(b.Start)
	}
	if a.TaskID != b.TaskID {
		return a.TaskID < b.TaskID
	}
	return a.End.Before(b.End)
}

// ConflictLess orders conflicts canonically.
func ConflictLess(x, y Conflict) bool {
	switch {
	case SlotLess(x.A, y.A):
		return true
	case SlotLess(y.A, x.A):
		return false
	case SlotLess(x.B, y.B):
		return true
	case SlotLess(y.B, x.B):
		return false
	}
	return x.Kind < y.Kind
}
