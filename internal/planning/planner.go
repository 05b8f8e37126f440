package planning

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"planbot/internal/collab"
	"planbot/internal/conflict"
	"planbot/internal/model"
	"planbot/pkg/logx"
)

type Config struct {
	Weights         Weights
	DayStart        model.TimeOfDay
	DayEnd          model.TimeOfDay
	Horizon         time.Duration
	DefaultDuration time.Duration
	LocationBuffer  time.Duration
	Budget          int
	Step            time.Duration
	Location        *time.Location
}

func DefaultConfig() Config {
	return Config{
		Weights:         DefaultWeights(),
		DayStart:        8 * 60,
		DayEnd:          20 * 60,
		Horizon:         24 * time.Hour,
		DefaultDuration: time.Hour,
		LocationBuffer:  conflict.DefaultLocationBuffer,
		Budget:          conflict.DefaultBudget,
		Step:            conflict.DefaultStep,
		Location:        time.Local,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.Weights.IsZero() {
		c.Weights = def.Weights
	}
	if c.DayEnd == 0 {
		c.DayEnd = 24 * 60
	}
	if c.Horizon <= 0 {
		c.Horizon = def.Horizon
	}
	if c.DefaultDuration <= 0 {
		c.DefaultDuration = def.DefaultDuration
	}
	if c.Budget <= 0 {
		c.Budget = def.Budget
	}
	if c.Step <= 0 {
		c.Step = def.Step
	}
	if c.Location == nil {
		c.Location = def.Location
	}
	return c
}

func (c Config) Validate() error {
	if err := c.Weights.Validate(); err != nil {
		return err
	}
	if c.DayStart >= c.DayEnd {
		return fmt.Errorf("day_start %s must be before day_end %s", c.DayStart, c.DayEnd)
	}
	return nil
}

// Planner turns a snapshot into an approved, conflict-free plan. Slot
// decisions are made here only; the language model contributes advisory text.
type Planner struct {
	cfg Config
	lm  collab.LanguageModel
	log logx.Logger

	now   func() time.Time
	newID func() string
}

func New(cfg Config, lm collab.LanguageModel, log logx.Logger) (*Planner, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("planning config: %w", err)
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Planner{
		cfg:   cfg,
		lm:    lm,
		log:   log.With(logx.String("comp", "planner")),
		now:   time.Now,
		newID: uuid.NewString,
	}, nil
}

func (p *Planner) Config() Config { return p.cfg }

// Plan drafts, resolves and approves. It fails with *PlanningError when the
// resolver cannot clear every conflict within budget.
func (p *Planner) Plan(ctx context.Context, snap model.DataSnapshot, rules []model.LearnedRule) (*model.ApprovedPlan, error) {
	snap = snap.Clone()
	now := snap.CapturedAt
	if now.IsZero() {
		now = p.now()
	}
	now = now.In(p.cfg.Location)
	horizon := model.Window{Start: now, End: now.Add(p.cfg.Horizon)}

	var valid []model.LearnedRule
	for _, r := range rules {
		if err := r.Validate(); err != nil {
			p.log.Warn("ignoring invalid rule", logx.Err(err))
			continue
		}
		valid = append(valid, r)
	}

	draft := p.draft(snap, valid, now, horizon)
	det := conflict.NewDetector(p.cfg.LocationBuffer)
	conflicts := det.Detect(draft)
	p.log.Debug("draft ready",
		logx.Int("assignments", len(draft.Assignments)),
		logx.Int("fixed", len(draft.Fixed)),
		logx.Int("conflicts", len(conflicts)),
	)

	if len(conflicts) > 0 {
		res := conflict.Resolver{
			Detector: det,
			DayStart: p.cfg.DayStart,
			DayEnd:   p.cfg.DayEnd,
			Horizon:  horizon,
			Step:     p.cfg.Step,
			Weather:  snap.Weather,
		}
		resolved, err := res.Resolve(draft, conflicts, valid, p.cfg.Budget)
		if err != nil {
			var ue *conflict.UnresolvedConflictsError
			remaining := resolved.Unresolved
			if errors.As(err, &ue) {
				remaining = ue.Remaining
			}
			return nil, &PlanningError{Reason: NoFeasibleSchedule, Remaining: remaining, Err: err}
		}
		draft = resolved
	}

	order(draft.Assignments)
	advisory := p.advise(ctx, draft, snap.Weather, now)
	return model.Approve(draft, p.newID(), snap.ID, draft.Moved, advisory, p.now())
}

type scored struct {
	task  model.Task
	score float64
}

func (p *Planner) draft(snap model.DataSnapshot, rules []model.LearnedRule, now time.Time, horizon model.Window) model.PlanDraft {
	var d model.PlanDraft
	for _, ev := range snap.Events {
		if ev.Validate() != nil || !ev.Overlaps(model.TimeSlot{Start: horizon.Start, End: horizon.End}) {
			continue
		}
		d.Fixed = append(d.Fixed, ev)
	}
	sort.Slice(d.Fixed, func(i, j int) bool { return model.SlotLess(d.Fixed[i], d.Fixed[j]) })

	var tasks []scored
	for _, t := range snap.Tasks {
		if !t.Plannable() {
			continue
		}
		if err := t.Validate(); err != nil {
			p.log.Warn("skipping invalid task", logx.Err(err))
			continue
		}
		pref := preference(t, now, snap.Weather, rules)
		tasks = append(tasks, scored{task: t, score: p.cfg.Weights.Score(t, now, p.cfg.DefaultDuration, pref)})
	}
	sort.SliceStable(tasks, func(i, j int) bool {
		if tasks[i].score != tasks[j].score {
			return tasks[i].score > tasks[j].score
		}
		return tasks[i].task.ID < tasks[j].task.ID
	})

	occupied := model.CloneSlots(d.Fixed)
	det := conflict.NewDetector(p.cfg.LocationBuffer)

	// Requested starts are honoured as given; the resolver settles clashes.
	for _, s := range tasks {
		if s.task.RequestedStart == nil {
			continue
		}
		start := s.task.RequestedStart.In(p.cfg.Location)
		slot := p.slotFor(s.task, start)
		d.Assignments = append(d.Assignments, model.Assignment{Task: s.task, Slot: slot, Placed: true, Score: s.score})
		occupied = append(occupied, slot)
	}
	for _, s := range tasks {
		if s.task.RequestedStart != nil {
			continue
		}
		a := model.Assignment{Task: s.task, Score: s.score, Slot: model.TimeSlot{TaskID: s.task.ID}}
		if slot, ok := p.firstFree(s.task, now, horizon, occupied, rules, snap.Weather, det); ok {
			a.Slot = slot
			a.Placed = true
			occupied = append(occupied, slot)
		} else {
			p.log.Debug("task left unplaced", logx.String("task", s.task.ID))
		}
		d.Assignments = append(d.Assignments, a)
	}
	return d
}

func (p *Planner) slotFor(t model.Task, start time.Time) model.TimeSlot {
	return model.TimeSlot{
		Start:    start,
		End:      start.Add(t.EffectiveDuration(p.cfg.DefaultDuration)),
		TaskID:   t.ID,
		Title:    t.Title,
		Location: t.Location,
		Resource: t.Resource,
	}
}

// firstFree scans the working windows from now for the earliest gap.
func (p *Planner) firstFree(t model.Task, now time.Time, horizon model.Window, occupied []model.TimeSlot, rules []model.LearnedRule, w *model.WeatherObservation, det conflict.Detector) (model.TimeSlot, bool) {
	limit := horizon.End
	if t.Deadline != nil && t.Deadline.Before(limit) {
		limit = *t.Deadline
	}
	start := now.Truncate(p.cfg.Step)
	if start.Before(now) {
		start = start.Add(p.cfg.Step)
	}
	for probes := 0; probes < 4096; probes++ {
		slot := p.slotFor(t, start)
		if slot.End.After(limit) {
			return model.TimeSlot{}, false
		}
		if ds := p.cfg.DayStart.On(start); start.Before(ds) {
			start = ds
			continue
		}
		if slot.End.After(p.cfg.DayEnd.On(start)) {
			start = p.cfg.DayStart.On(start.AddDate(0, 0, 1))
			continue
		}
		if allowed(t, slot, rules, w) && !det.Clashes(slot, occupied) {
			return slot, true
		}
		start = start.Add(p.cfg.Step)
	}
	return model.TimeSlot{}, false
}

func allowed(t model.Task, s model.TimeSlot, rules []model.LearnedRule, w *model.WeatherObservation) bool {
	for _, r := range rules {
		if r.Effect.Kind == model.EffectConstraint && r.Matches(t, s.Start, w) && !r.Allows(s) {
			return false
		}
	}
	return true
}

// order sorts placed assignments by start, then score, then ID; unplaced
// ones follow by score then ID.
func order(as []model.Assignment) {
	sort.SliceStable(as, func(i, j int) bool {
		a, b := as[i], as[j]
		if a.Placed != b.Placed {
			return a.Placed
		}
		if a.Placed && !a.Slot.Start.Equal(b.Slot.Start) {
			return a.Slot.Start.Before(b.Slot.Start)
		}
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		return a.Task.ID < b.Task.ID
	})
}

func (p *Planner) advise(ctx context.Context, d model.PlanDraft, w *model.WeatherObservation, now time.Time) string {
	if p.lm == nil {
		return ""
	}
	text, err := p.lm.Generate(ctx, Prompt(d, w, now))
	if err != nil {
		p.log.Warn("advisory text unavailable", logx.Err(err))
		return ""
	}
	return strings.TrimSpace(text)
}

// Prompt renders the schedule for the language model.
func Prompt(d model.PlanDraft, w *model.WeatherObservation, now time.Time) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Schedule for %s. Write a short, friendly overview of the day and practical tips. Do not change any times.\n", now.Format("Monday 2 January 2006"))
	if w != nil {
		fmt.Fprintf(&b, "Weather in %s: %s, %.1f°C, humidity %d%%, wind %.1f m/s.\n", w.Location, w.Condition, w.TempC, w.Humidity, w.WindSpeed)
	}
	for _, ev := range d.Fixed {
		fmt.Fprintf(&b, "- %s-%s calendar: %s\n", ev.Start.Format("15:04"), ev.End.Format("15:04"), ev.TaskID)
	}
	for _, a := range d.Assignments {
		if a.Placed {
			fmt.Fprintf(&b, "- %s-%s %s (priority %d)\n", a.Slot.Start.Format("15:04"), a.Slot.End.Format("15:04"), a.Task.Title, a.Task.Priority)
		} else {
			fmt.Fprintf(&b, "- unscheduled: %s (priority %d)\n", a.Task.Title, a.Task.Priority)
		}
	}
	return b.String()
}
