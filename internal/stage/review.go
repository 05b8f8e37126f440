package stage

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"planbot/internal/collab"
	"planbot/internal/model"
	"planbot/internal/storage"
	"planbot/pkg/logx"
)

type ReviewConfig struct {
	// Lookback bounds the run history considered. Default 14 days.
	Lookback time.Duration
	// MinSupport is the number of observations a rule needs. Default 3.
	MinSupport int
	// WindowSpan is the width of derived preferred windows. Default 2h.
	WindowSpan time.Duration
	Location   *time.Location
}

// Review learns rules from the run log. It reads past Plan and Execute
// records and never writes to them; derived rules go to the notes store.
type Review struct {
	d   Deps
	cfg ReviewConfig
}

func NewReview(d Deps, cfg ReviewConfig) *Review {
	if cfg.Lookback <= 0 {
		cfg.Lookback = 14 * 24 * time.Hour
	}
	if cfg.MinSupport <= 0 {
		cfg.MinSupport = 3
	}
	if cfg.WindowSpan <= 0 {
		cfg.WindowSpan = 2 * time.Hour
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	d = d.withDefaults()
	d.Log = d.Log.With(logx.String("comp", "stage.review"))
	return &Review{d: d, cfg: cfg}
}

func (r *Review) Kind() model.StageKind { return model.StageReview }

func (r *Review) Run(ctx context.Context, in Input) (Output, error) {
	out := Output{Kind: model.StageReview}
	if r.d.Store == nil {
		return out, NoRetry(fmt.Errorf("review: %w", storage.ErrDisabled))
	}
	now := r.d.Now()
	since := now.Add(-r.cfg.Lookback)

	plans, err := r.d.Store.Records(ctx, storage.RecordQuery{Stage: model.StagePlan, Outcome: model.OutcomeSuccess, Since: since})
	if err != nil {
		return out, fmt.Errorf("load plan records: %w", err)
	}
	execs, err := r.d.Store.Records(ctx, storage.RecordQuery{Stage: model.StageExecute, Outcome: model.OutcomeSuccess, Since: since})
	if err != nil {
		return out, fmt.Errorf("load execute records: %w", err)
	}

	tasks := map[string]model.Task{}
	if notes := r.d.Collab.Notes; notes != nil {
		all, err := collab.Call(ctx, r.d.Policy, func(ctx context.Context) ([]model.Task, error) {
			return notes.ListTasks(ctx, collab.TaskFilter{Statuses: []model.Status{
				model.StatusPending, model.StatusScheduled, model.StatusInProgress,
				model.StatusCompleted, model.StatusCancelled,
			}})
		})
		if err != nil {
			r.d.Log.Warn("tasks unavailable", logx.Err(err))
			out.Degraded = append(out.Degraded, string(model.SourceNotes))
		}
		for _, t := range all {
			tasks[t.ID] = t
		}
	} else {
		out.Degraded = append(out.Degraded, string(model.SourceNotes))
	}

	var rules []model.LearnedRule
	rules = append(rules, r.deferralRules(in.RunID, now, plans, tasks)...)
	rules = append(rules, r.windowRules(in.RunID, now, execs, tasks)...)
	sort.Slice(rules, func(i, j int) bool { return rules[i].ID < rules[j].ID })

	out.Feedback = r.feedback(ctx, len(plans), execs, rules)

	if len(rules) > 0 {
		notes := r.d.Collab.Notes
		if notes == nil {
			return out, fmt.Errorf("store rules: %w", collab.ErrUnavailable)
		}
		if err := collab.Do(ctx, r.d.Policy, func(ctx context.Context) error { return notes.PutRules(ctx, rules) }); err != nil {
			return out, fmt.Errorf("store rules: %w", err)
		}
	}
	r.d.Log.Info("review finished",
		logx.Int("plan_runs", len(plans)),
		logx.Int("execute_runs", len(execs)),
		logx.Int("rules", len(rules)),
	)
	out.Rules = rules
	return out, nil
}

// deferralRules boosts tasks that plans keep leaving unplaced.
func (r *Review) deferralRules(runID string, now time.Time, plans []model.StageRunRecord, tasks map[string]model.Task) []model.LearnedRule {
	if len(plans) == 0 {
		return nil
	}
	counts := map[string]int{}
	for _, rec := range plans {
		for _, id := range rec.Deferred {
			counts[id]++
		}
	}
	var out []model.LearnedRule
	for id, n := range counts {
		t, ok := tasks[id]
		if !ok || t.Status.Terminal() || n < r.cfg.MinSupport {
			continue
		}
		ratio := float64(n) / float64(len(plans))
		delta := 1
		if ratio >= 0.8 {
			delta = 2
		}
		out = append(out, model.LearnedRule{
			ID:          "defer:" + id,
			Condition:   model.RuleCondition{TaskID: t.ID},
			Effect:      model.RuleEffect{Kind: model.EffectPriorityAdjust, PriorityDelta: delta},
			SourceRunID: runID,
			Confidence:  clamp01(ratio),
			CreatedAt:   now,
		})
	}
	return out
}

// windowRules learns, per location, the hour at which applied slots
// cluster.
func (r *Review) windowRules(runID string, now time.Time, execs []model.StageRunRecord, tasks map[string]model.Task) []model.LearnedRule {
	type bucket struct {
		name  string
		total int
		hours [24]int
	}
	seen := map[string]bool{}
	byLoc := map[string]*bucket{}
	for _, rec := range execs {
		if rec.Report == nil {
			continue
		}
		for _, op := range rec.Report.SubOps {
			if op.Kind != model.SubOpCalendar || !op.OK || op.Skipped || op.Start.IsZero() || seen[op.SlotKey] {
				continue
			}
			seen[op.SlotKey] = true
			t, ok := tasks[op.TaskID]
			if !ok || strings.TrimSpace(t.Location) == "" {
				continue
			}
			key := strings.ToLower(strings.TrimSpace(t.Location))
			b := byLoc[key]
			if b == nil {
				b = &bucket{name: t.Location}
				byLoc[key] = b
			}
			b.total++
			b.hours[op.Start.In(r.cfg.Location).Hour()]++
		}
	}

	var out []model.LearnedRule
	for key, b := range byLoc {
		if b.total < r.cfg.MinSupport {
			continue
		}
		best := 0
		for h := 1; h < 24; h++ {
			if b.hours[h] > b.hours[best] {
				best = h
			}
		}
		ratio := float64(b.hours[best]) / float64(b.total)
		if ratio < 0.5 {
			continue
		}
		start := model.TimeOfDay(best * 60)
		end := start + model.TimeOfDay(r.cfg.WindowSpan/time.Minute)
		if end > 24*60 {
			end = 24 * 60
		}
		out = append(out, model.LearnedRule{
			ID:          "window:" + key,
			Condition:   model.RuleCondition{Location: b.name},
			Effect:      model.RuleEffect{Kind: model.EffectPreferredWindow, WindowStart: start, WindowEnd: end},
			SourceRunID: runID,
			Confidence:  clamp01(ratio),
			CreatedAt:   now,
		})
	}
	return out
}

func (r *Review) feedback(ctx context.Context, planRuns int, execs []model.StageRunRecord, rules []model.LearnedRule) string {
	lm := r.d.Collab.LM
	if lm == nil {
		return ""
	}
	var created, failed int
	for _, rec := range execs {
		if rec.Report != nil {
			created += rec.Report.EventsCreated
			failed += rec.Report.Failures()
		}
	}
	var b strings.Builder
	b.WriteString("You review an automatic day planner. Summarize in a few sentences how scheduling went and suggest one improvement.\n\n")
	fmt.Fprintf(&b, "Plan runs: %d\nExecute runs: %d\nEvents created: %d\nFailed operations: %d\n", planRuns, len(execs), created, failed)
	if len(rules) > 0 {
		b.WriteString("Learned rules:\n")
		for _, rule := range rules {
			fmt.Fprintf(&b, "- %s (%s, confidence %.2f)\n", rule.ID, rule.Effect.Kind, rule.Confidence)
		}
	}
	text, err := collab.Call(ctx, r.d.Policy, func(ctx context.Context) (string, error) {
		return lm.Generate(ctx, b.String())
	})
	if err != nil {
		r.d.Log.Warn("feedback unavailable", logx.Err(err))
		return ""
	}
	return strings.TrimSpace(text)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
