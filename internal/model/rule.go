package model

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var ErrInvalidRule = errors.New("invalid learned rule")

type EffectKind string

const (
	EffectPriorityAdjust  EffectKind = "priority_adjust"
	EffectPreferredWindow EffectKind = "preferred_window"
	EffectConstraint      EffectKind = "constraint"
)

// RuleCondition selects the tasks a rule applies to. Zero-valued fields match anything.
type RuleCondition struct {
	TaskID          string        `json:"task_id,omitempty"`
	TitleContains   string        `json:"title_contains,omitempty"`
	Location        string        `json:"location,omitempty"`
	MetaKey         string        `json:"meta_key,omitempty"`
	MetaValue       string        `json:"meta_value,omitempty"`
	MinPriority     Priority      `json:"min_priority,omitempty"`
	MaxPriority     Priority      `json:"max_priority,omitempty"`
	Weekday         *time.Weekday `json:"weekday,omitempty"`
	WeatherContains string        `json:"weather_contains,omitempty"`
}

// RuleEffect is a tagged union keyed by Kind.
type RuleEffect struct {
	Kind          EffectKind `json:"kind"`
	PriorityDelta int        `json:"priority_delta,omitempty"`
	WindowStart   TimeOfDay  `json:"window_start,omitempty"`
	WindowEnd     TimeOfDay  `json:"window_end,omitempty"`
	NotBefore     *TimeOfDay `json:"not_before,omitempty"`
	NotAfter      *TimeOfDay `json:"not_after,omitempty"`
}

type LearnedRule struct {
	ID          string        `json:"id"`
	Condition   RuleCondition `json:"condition"`
	Effect      RuleEffect    `json:"effect"`
	SourceRunID string        `json:"source_run_id"`
	Confidence  float64       `json:"confidence"`
	CreatedAt   time.Time     `json:"created_at"`
}

func (r LearnedRule) Validate() error {
	if strings.TrimSpace(r.ID) == "" {
		return fmt.Errorf("%w: empty id", ErrInvalidRule)
	}
	if r.Confidence < 0 || r.Confidence > 1 {
		return fmt.Errorf("%w %s: confidence %v outside [0,1]", ErrInvalidRule, r.ID, r.Confidence)
	}
	c := r.Condition
	if c.MinPriority != 0 && c.MaxPriority != 0 && c.MinPriority > c.MaxPriority {
		return fmt.Errorf("%w %s: priority range %d..%d", ErrInvalidRule, r.ID, c.MinPriority, c.MaxPriority)
	}
	e := r.Effect
	switch e.Kind {
	case EffectPriorityAdjust:
		if e.PriorityDelta == 0 {
			return fmt.Errorf("%w %s: zero priority delta", ErrInvalidRule, r.ID)
		}
	case EffectPreferredWindow:
		if !e.WindowStart.Valid() || !e.WindowEnd.Valid() || e.WindowStart >= e.WindowEnd {
			return fmt.Errorf("%w %s: window %s-%s", ErrInvalidRule, r.ID, e.WindowStart, e.WindowEnd)
		}
	case EffectConstraint:
		if e.NotBefore == nil && e.NotAfter == nil {
			return fmt.Errorf("%w %s: empty constraint", ErrInvalidRule, r.ID)
		}
		if e.NotBefore != nil && e.NotAfter != nil && *e.NotBefore >= *e.NotAfter {
			return fmt.Errorf("%w %s: constraint %s-%s", ErrInvalidRule, r.ID, *e.NotBefore, *e.NotAfter)
		}
	default:
		return fmt.Errorf("%w %s: unknown effect %q", ErrInvalidRule, r.ID, e.Kind)
	}
	return nil
}

// Matches reports whether the rule applies to task on the given day.
func (r LearnedRule) Matches(t Task, day time.Time, w *WeatherObservation) bool {
	c := r.Condition
	if c.TaskID != "" && c.TaskID != t.ID {
		return false
	}
	if c.TitleContains != "" && !strings.Contains(strings.ToLower(t.Title), strings.ToLower(c.TitleContains)) {
		return false
	}
	if c.Location != "" && !strings.EqualFold(c.Location, t.Location) {
		return false
	}
	if c.MetaKey != "" {
		v, ok := t.Metadata[c.MetaKey]
		if !ok || (c.MetaValue != "" && v != c.MetaValue) {
			return false
		}
	}
	if c.MinPriority != 0 && t.Priority < c.MinPriority {
		return false
	}
	if c.MaxPriority != 0 && t.Priority > c.MaxPriority {
		return false
	}
	if c.Weekday != nil && day.Weekday() != *c.Weekday {
		return false
	}
	if c.WeatherContains != "" {
		if w == nil {
			return false
		}
		hay := strings.ToLower(w.Condition + " " + w.Description)
		if !strings.Contains(hay, strings.ToLower(c.WeatherContains)) {
			return false
		}
	}
	return true
}

// Allows reports whether a constraint rule permits slot s. Non-constraint
// rules always allow.
func (r LearnedRule) Allows(s TimeSlot) bool {
	if r.Effect.Kind != EffectConstraint {
		return true
	}
	if nb := r.Effect.NotBefore; nb != nil && s.Start.Before(nb.On(s.Start)) {
		return false
	}
	if na := r.Effect.NotAfter; na != nil && s.End.After(na.On(s.Start)) {
		return false
	}
	return true
}
