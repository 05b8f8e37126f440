package planning

import (
	"fmt"
	"math"
	"time"

	"planbot/internal/model"
)

// Weights blends the four ordering signals. Components are non-negative and
// sum to 1.
type Weights struct {
	Deadline   float64 `json:"deadline"`
	Importance float64 `json:"importance"`
	Duration   float64 `json:"duration"`
	Preference float64 `json:"preference"`
}

func DefaultWeights() Weights {
	return Weights{Deadline: 0.4, Importance: 0.3, Duration: 0.2, Preference: 0.1}
}

const weightEpsilon = 1e-6

func (w Weights) Validate() error {
	for name, v := range map[string]float64{
		"deadline": w.Deadline, "importance": w.Importance,
		"duration": w.Duration, "preference": w.Preference,
	} {
		if v < 0 || math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("weight %s must be >= 0 (got %v)", name, v)
		}
	}
	sum := w.Deadline + w.Importance + w.Duration + w.Preference
	if math.Abs(sum-1) > weightEpsilon {
		return fmt.Errorf("weights must sum to 1 (got %v)", sum)
	}
	return nil
}

// IsZero reports an unset weight vector.
func (w Weights) IsZero() bool { return w == Weights{} }

// Score rates a task in [0,1]; higher is placed first.
func (w Weights) Score(t model.Task, now time.Time, defDur time.Duration, pref float64) float64 {
	return w.Deadline*deadlineProximity(t, now) +
		w.Importance*importance(t) +
		w.Duration*shortness(t.EffectiveDuration(defDur)) +
		w.Preference*pref
}

// deadlineProximity is 1 for overdue work and halves per day of slack.
func deadlineProximity(t model.Task, now time.Time) float64 {
	if t.Deadline == nil {
		return 0
	}
	slack := t.Deadline.Sub(now)
	if slack <= 0 {
		return 1
	}
	return 1 / (1 + slack.Hours()/24)
}

func importance(t model.Task) float64 {
	p := t.Priority.Clamp()
	return float64(p-model.MinPriority) / float64(model.MaxPriority-model.MinPriority)
}

func shortness(d time.Duration) float64 {
	if d <= 0 {
		return 1
	}
	return 1 / (1 + d.Hours())
}

// preference folds matching priority-adjust rules into [0,1], 0.5 neutral.
func preference(t model.Task, day time.Time, w *model.WeatherObservation, rules []model.LearnedRule) float64 {
	adj := 0.0
	for _, r := range rules {
		if r.Effect.Kind == model.EffectPriorityAdjust && r.Matches(t, day, w) {
			adj += float64(r.Effect.PriorityDelta) * r.Confidence
		}
	}
	return math.Max(0, math.Min(1, 0.5+adj/4))
}
