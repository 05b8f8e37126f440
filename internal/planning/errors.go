package planning

import (
	"errors"
	"fmt"

	"planbot/internal/model"
)

type Reason string

const NoFeasibleSchedule Reason = "no_feasible_schedule"

var ErrNoFeasibleSchedule = errors.New("no feasible schedule")

// PlanningError is returned when no conflict-free plan exists. A plan in
// this state must never be executed.
type PlanningError struct {
	Reason    Reason
	Remaining []model.Conflict
	Err       error
}

func (e *PlanningError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("planning: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("planning: %s", e.Reason)
}

func (e *PlanningError) Unwrap() []error {
	errs := []error{}
	if e.Reason == NoFeasibleSchedule {
		errs = append(errs, ErrNoFeasibleSchedule)
	}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}
