package model

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Priority is an ordinal in [MinPriority, MaxPriority]; higher is more important.
type Priority int

const (
	MinPriority Priority = 1
	MaxPriority Priority = 5
)

func (p Priority) Valid() bool { return p >= MinPriority && p <= MaxPriority }

// Clamp forces p into the valid range.
func (p Priority) Clamp() Priority {
	if p < MinPriority {
		return MinPriority
	}
	if p > MaxPriority {
		return MaxPriority
	}
	return p
}

type Status string

const (
	StatusPending    Status = "pending"
	StatusScheduled  Status = "scheduled"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusCancelled  Status = "cancelled"
)

var (
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrInvalidTask       = errors.New("invalid task")
)

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusScheduled, StatusInProgress, StatusCompleted, StatusCancelled:
		return true
	}
	return false
}

func (s Status) Terminal() bool { return s == StatusCompleted || s == StatusCancelled }

// rank orders the forward lifecycle; Cancelled sits outside it.
func (s Status) rank() int {
	switch s {
	case StatusPending:
		return 0
	case StatusScheduled:
		return 1
	case StatusInProgress:
		return 2
	case StatusCompleted:
		return 3
	}
	return -1
}

// ParseStatus accepts the canonical names plus a few spellings used by note tools.
func ParseStatus(s string) (Status, error) {
	v := strings.ToLower(strings.TrimSpace(s))
	v = strings.NewReplacer("-", "_", " ", "_").Replace(v)
	switch v {
	case "", "pending", "todo", "not_started":
		return StatusPending, nil
	case "scheduled":
		return StatusScheduled, nil
	case "in_progress", "inprogress", "doing":
		return StatusInProgress, nil
	case "completed", "done":
		return StatusCompleted, nil
	case "cancelled", "canceled":
		return StatusCancelled, nil
	}
	return "", fmt.Errorf("unknown task status %q", s)
}

// CanTransition reports whether from -> to is allowed. Moves are monotonic
// along pending -> scheduled -> in_progress -> completed (skipping forward is
// fine), cancelled is reachable from any non-terminal state, and staying in
// the same non-terminal state is a no-op.
func CanTransition(from, to Status) bool {
	if !from.Valid() || !to.Valid() || from.Terminal() {
		return false
	}
	if to == StatusCancelled {
		return true
	}
	return to.rank() >= from.rank()
}

type Task struct {
	ID          string            `json:"id"`
	Title       string            `json:"title"`
	Description string            `json:"description,omitempty"`
	Priority    Priority          `json:"priority"`
	Deadline    *time.Time        `json:"deadline,omitempty"`
	Status      Status            `json:"status"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
	Metadata    map[string]string `json:"metadata,omitempty"`

	// Estimated effort; zero means the planner default.
	Duration       time.Duration `json:"duration,omitempty"`
	RequestedStart *time.Time    `json:"requested_start,omitempty"`
	Location       string        `json:"location,omitempty"`
	Resource       string        `json:"resource,omitempty"`
}

func (t Task) Validate() error {
	if strings.TrimSpace(t.ID) == "" {
		return fmt.Errorf("%w: empty id", ErrInvalidTask)
	}
	if !t.Priority.Valid() {
		return fmt.Errorf("%w %s: priority %d out of range", ErrInvalidTask, t.ID, t.Priority)
	}
	if !t.Status.Valid() {
		return fmt.Errorf("%w %s: unknown status %q", ErrInvalidTask, t.ID, t.Status)
	}
	if t.UpdatedAt.Before(t.CreatedAt) {
		return fmt.Errorf("%w %s: updated_at before created_at", ErrInvalidTask, t.ID)
	}
	if t.Duration < 0 {
		return fmt.Errorf("%w %s: negative duration", ErrInvalidTask, t.ID)
	}
	return nil
}

// Transition moves the task to status `to`, stamping UpdatedAt.
func (t *Task) Transition(to Status, now time.Time) error {
	if t.Status == to && !to.Terminal() {
		return nil
	}
	if !CanTransition(t.Status, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, t.Status, to)
	}
	t.Status = to
	if now.After(t.UpdatedAt) {
		t.UpdatedAt = now
	}
	return nil
}

// Plannable reports whether the planner may (re)place the task.
func (t Task) Plannable() bool {
	return t.Status == StatusPending || t.Status == StatusScheduled
}

func (t Task) EffectiveDuration(def time.Duration) time.Duration {
	if t.Duration > 0 {
		return t.Duration
	}
	return def
}

// Clone returns a deep copy.
func (t Task) Clone() Task {
	cp := t
	if t.Deadline != nil {
		d := *t.Deadline
		cp.Deadline = &d
	}
	if t.RequestedStart != nil {
		r := *t.RequestedStart
		cp.RequestedStart = &r
	}
	if t.Metadata != nil {
		cp.Metadata = make(map[string]string, len(t.Metadata))
		for k, v := range t.Metadata {
			cp.Metadata[k] = v
		}
	}
	return cp
}

func CloneTasks(in []Task) []Task {
	if in == nil {
		return nil
	}
	out := make([]Task, len(in))
	for i := range in {
		out[i] = in[i].Clone()
	}
	return out
}
