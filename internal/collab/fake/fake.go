// Package fake provides in-memory collaborators for tests and dry runs.
package fake

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"planbot/internal/collab"
	"planbot/internal/model"
)

// Calendar stores events in memory. Upserts are keyed by slot key.
type Calendar struct {
	mu      sync.Mutex
	Events  []model.TimeSlot
	upserts map[string]collab.EventID
	calls   int

	// ListErr / UpsertErr are returned when set; ListDelay blocks ListEvents.
	ListErr   error
	UpsertErr error
	ListDelay time.Duration
	// FailUpsertFor fails UpsertEvent for these task IDs.
	FailUpsertFor map[string]bool
}

func (c *Calendar) ListEvents(ctx context.Context, w model.Window) ([]model.TimeSlot, error) {
	if c.ListDelay > 0 {
		t := time.NewTimer(c.ListDelay)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-t.C:
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ListErr != nil {
		return nil, c.ListErr
	}
	var out []model.TimeSlot
	for _, ev := range c.Events {
		if ev.Start.Before(w.End) && w.Start.Before(ev.End) {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (c *Calendar) UpsertEvent(ctx context.Context, slot model.TimeSlot) (collab.EventID, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	if c.UpsertErr != nil {
		return "", c.UpsertErr
	}
	if c.FailUpsertFor[slot.TaskID] {
		return "", &collab.Error{Service: "calendar", Op: "upsert", Err: fmt.Errorf("rejected %s", slot.TaskID)}
	}
	if c.upserts == nil {
		c.upserts = map[string]collab.EventID{}
	}
	if id, ok := c.upserts[slot.Key()]; ok {
		return id, nil
	}
	id := collab.EventID(fmt.Sprintf("evt-%d", len(c.upserts)+1))
	c.upserts[slot.Key()] = id
	return id, nil
}

// Created returns the number of distinct events created via UpsertEvent.
func (c *Calendar) Created() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.upserts)
}

// UpsertCalls returns how many times UpsertEvent was invoked.
func (c *Calendar) UpsertCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

// Notes is an in-memory notes store.
type Notes struct {
	mu    sync.Mutex
	tasks map[string]model.Task
	rules map[string]model.LearnedRule

	ListErr   error
	UpdateErr error
	RulesErr  error
}

func NewNotes(tasks ...model.Task) *Notes {
	n := &Notes{tasks: map[string]model.Task{}, rules: map[string]model.LearnedRule{}}
	for _, t := range tasks {
		n.tasks[t.ID] = t.Clone()
	}
	return n
}

func (n *Notes) ListTasks(ctx context.Context, f collab.TaskFilter) ([]model.Task, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.ListErr != nil {
		return nil, n.ListErr
	}
	out := make([]model.Task, 0, len(n.tasks))
	for _, t := range n.tasks {
		if f.Match(t) {
			out = append(out, t.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (n *Notes) UpdateTaskStatus(ctx context.Context, id string, status model.Status) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.UpdateErr != nil {
		return n.UpdateErr
	}
	t, ok := n.tasks[id]
	if !ok {
		return fmt.Errorf("task %s: %w", id, collab.ErrNotFound)
	}
	if err := t.Transition(status, time.Now()); err != nil {
		return err
	}
	n.tasks[id] = t
	return nil
}

func (n *Notes) PutRules(ctx context.Context, rules []model.LearnedRule) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.RulesErr != nil {
		return n.RulesErr
	}
	for _, r := range rules {
		n.rules[r.ID] = r
	}
	return nil
}

func (n *Notes) GetRules(ctx context.Context) ([]model.LearnedRule, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.RulesErr != nil {
		return nil, n.RulesErr
	}
	out := make([]model.LearnedRule, 0, len(n.rules))
	for _, r := range n.rules {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Task returns the stored copy of a task.
func (n *Notes) Task(id string) (model.Task, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	t, ok := n.tasks[id]
	return t.Clone(), ok
}

// Notifier records sent messages.
type Notifier struct {
	mu       sync.Mutex
	Messages []string
	Err      error
}

func (n *Notifier) Send(ctx context.Context, message string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.Err != nil {
		return n.Err
	}
	n.Messages = append(n.Messages, message)
	return nil
}

func (n *Notifier) Configured() bool { return true }

func (n *Notifier) Sent() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.Messages...)
}

// Weather returns a fixed observation.
type Weather struct {
	Obs *model.WeatherObservation
	Err error
}

func (w *Weather) Current(ctx context.Context, location string) (*model.WeatherObservation, error) {
	if w.Err != nil {
		return nil, w.Err
	}
	if w.Obs == nil {
		return nil, nil
	}
	o := *w.Obs
	if o.Location == "" {
		o.Location = location
	}
	return &o, nil
}

// LanguageModel echoes a canned reply and records prompts.
type LanguageModel struct {
	mu      sync.Mutex
	Reply   string
	Err     error
	Prompts []string
}

func (l *LanguageModel) Generate(ctx context.Context, prompt string) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.Prompts = append(l.Prompts, prompt)
	if l.Err != nil {
		return "", l.Err
	}
	return l.Reply, nil
}
