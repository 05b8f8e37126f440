package model

import (
	"fmt"
	"strings"
	"time"
)

type StageKind string

const (
	StageCollect StageKind = "collect"
	StagePlan    StageKind = "plan"
	StageExecute StageKind = "execute"
	StageReview  StageKind = "review"
)

// ChainStages is the order stages run in a chain.
var ChainStages = []StageKind{StageCollect, StagePlan, StageExecute}

// ParseAgent maps a CLI agent name (collector, planner, ...) or a stage
// name onto its stage.
func ParseAgent(s string) (StageKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "collector", "collect":
		return StageCollect, nil
	case "planner", "plan":
		return StagePlan, nil
	case "executor", "execute":
		return StageExecute, nil
	case "reviewer", "review":
		return StageReview, nil
	}
	return "", fmt.Errorf("unknown agent %q (want collector, planner, executor or reviewer)", s)
}

type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
	OutcomeSkipped Outcome = "skipped"
)

// StageRunRecord is one append-only entry of the run log.
type StageRunRecord struct {
	RunID      string           `json:"run_id"`
	Stage      StageKind        `json:"stage"`
	StartedAt  time.Time        `json:"started_at"`
	EndedAt    time.Time        `json:"ended_at"`
	Outcome    Outcome          `json:"outcome"`
	Error      string           `json:"error,omitempty"`
	Degraded   []string         `json:"degraded,omitempty"`
	SnapshotID string           `json:"snapshot_id,omitempty"`
	PlanID     string           `json:"plan_id,omitempty"`
	RuleIDs    []string         `json:"rule_ids,omitempty"`
	Deferred   []string         `json:"deferred,omitempty"`
	Report     *ExecutionReport `json:"report,omitempty"`
}

func (r StageRunRecord) Duration() time.Duration { return r.EndedAt.Sub(r.StartedAt) }

type SubOpKind string

const (
	SubOpCalendar SubOpKind = "calendar"
	SubOpNotes    SubOpKind = "notes"
	SubOpNotify   SubOpKind = "notify"
)

type SubOp struct {
	Kind    SubOpKind `json:"kind"`
	TaskID  string    `json:"task_id,omitempty"`
	SlotKey string    `json:"slot_key,omitempty"`
	Start   time.Time `json:"start,omitzero"`
	End     time.Time `json:"end,omitzero"`
	EventID string    `json:"event_id,omitempty"`
	OK      bool      `json:"ok"`
	Skipped bool      `json:"skipped,omitempty"`
	Error   string    `json:"error,omitempty"`
}

type ExecutionReport struct {
	PlanID            string            `json:"plan_id"`
	SubOps            []SubOp           `json:"sub_ops"`
	EventsCreated     int               `json:"events_created"`
	AlreadyApplied    int               `json:"already_applied"`
	StatusUpdates     int               `json:"status_updates"`
	NotificationsSent int               `json:"notifications_sent"`
	Applied           map[string]string `json:"applied,omitempty"`
}

// Changed reports whether the execution touched any external system.
func (r *ExecutionReport) Changed() bool {
	return r != nil && (r.EventsCreated > 0 || r.StatusUpdates > 0)
}

// Failures counts failed sub-operations.
func (r *ExecutionReport) Failures() int {
	if r == nil {
		return 0
	}
	n := 0
	for _, op := range r.SubOps {
		if !op.OK && !op.Skipped {
			n++
		}
	}
	return n
}

// RunState tracks one chain run.
type RunState string

const (
	RunIdle       RunState = "idle"
	RunCollecting RunState = "collecting"
	RunPlanning   RunState = "planning"
	RunExecuting  RunState = "executing"
	RunCompleted  RunState = "completed"
	RunFailed     RunState = "failed"
)

func (s RunState) Terminal() bool { return s == RunCompleted || s == RunFailed }

// CanAdvance reports whether a run may move from s to next.
func (s RunState) CanAdvance(next RunState) bool {
	if s.Terminal() {
		return false
	}
	if next == RunFailed {
		return true
	}
	switch s {
	case RunIdle:
		return next == RunCollecting
	case RunCollecting:
		return next == RunPlanning
	case RunPlanning:
		return next == RunExecuting
	case RunExecuting:
		return next == RunCompleted
	}
	return false
}

// StateFor returns the run state while stage k is running.
func StateFor(k StageKind) RunState {
	switch k {
	case StageCollect:
		return RunCollecting
	case StagePlan:
		return RunPlanning
	case StageExecute:
		return RunExecuting
	}
	return RunIdle
}
