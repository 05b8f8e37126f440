// Package collab defines the external services the planner talks to and the
// call policy (timeout + retry) applied to every call.
package collab

import (
	"context"

	"planbot/internal/model"
)

// EventID identifies an event in the calendar service.
type EventID string

// TaskFilter narrows ListTasks. An empty Statuses list means every
// non-terminal status.
type TaskFilter struct {
	Statuses []model.Status
	Limit    int
}

func (f TaskFilter) Match(t model.Task) bool {
	if len(f.Statuses) == 0 {
		return !t.Status.Terminal()
	}
	for _, s := range f.Statuses {
		if t.Status == s {
			return true
		}
	}
	return false
}

type Calendar interface {
	ListEvents(ctx context.Context, w model.Window) ([]model.TimeSlot, error)
	// UpsertEvent creates or updates the event for slot. Calling it twice
	// with the same slot yields the same event.
	UpsertEvent(ctx context.Context, slot model.TimeSlot) (EventID, error)
}

type NotesStore interface {
	ListTasks(ctx context.Context, f TaskFilter) ([]model.Task, error)
	UpdateTaskStatus(ctx context.Context, id string, status model.Status) error
	PutRules(ctx context.Context, rules []model.LearnedRule) error
	GetRules(ctx context.Context) ([]model.LearnedRule, error)
}

// Notifier delivers a message to the operator. An unconfigured notifier is a
// valid degraded state.
type Notifier interface {
	Send(ctx context.Context, message string) error
	Configured() bool
}

type Weather interface {
	// Current returns nil without error when the source has no observation.
	Current(ctx context.Context, location string) (*model.WeatherObservation, error)
}

// LanguageModel produces advisory text only.
type LanguageModel interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// Set is the bundle of collaborator handles built once at startup and passed
// to every stage. Nil members are unavailable.
type Set struct {
	Calendar Calendar
	Notes    NotesStore
	Notifier Notifier
	Weather  Weather
	LM       LanguageModel
}

// NopNotifier stands in when no chat channel is configured.
type NopNotifier struct{}

func (NopNotifier) Send(context.Context, string) error { return nil }
func (NopNotifier) Configured() bool                   { return false }
