// Package stage implements the four pipeline stages: Collect, Plan, Execute
// and Review. Stages share one contract so the orchestrator can run, retry
// and record them uniformly.
package stage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"planbot/internal/collab"
	"planbot/internal/model"
	"planbot/internal/storage"
	"planbot/pkg/logx"
)

var (
	ErrNoSnapshot     = errors.New("no snapshot available")
	ErrNoPlan         = errors.New("no approved plan available")
	ErrAllSourcesDown = errors.New("every data source unavailable")
)

// Input carries upstream output into a stage. Nil members are loaded from
// storage where the stage supports it.
type Input struct {
	RunID    string
	Snapshot *model.DataSnapshot
	Plan     *model.ApprovedPlan
}

// Output is a tagged union keyed by Kind: Collect fills Snapshot, Plan fills
// Plan, Execute fills Report and Review fills Rules.
type Output struct {
	Kind     model.StageKind
	Snapshot *model.DataSnapshot
	Plan     *model.ApprovedPlan
	Report   *model.ExecutionReport
	Rules    []model.LearnedRule
	Feedback string
	Degraded []string
	Deferred []string
}

type Stage interface {
	Kind() model.StageKind
	Run(ctx context.Context, in Input) (Output, error)
}

// Deps are the handles shared by every stage.
type Deps struct {
	Collab collab.Set
	Store  storage.Store
	Policy collab.Policy
	Log    logx.Logger
	Now    func() time.Time
	NewID  func() string
}

func (d Deps) withDefaults() Deps {
	if d.Log.IsZero() {
		d.Log = logx.Nop()
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.NewID == nil {
		d.NewID = uuid.NewString
	}
	if d.Policy == (collab.Policy{}) {
		d.Policy = collab.DefaultPolicy()
	}
	return d
}

// NoRetry marks a stage error as permanent so the orchestrator does not
// retry it.
func NoRetry(err error) error {
	if err == nil {
		return nil
	}
	return noRetryError{err: err}
}

// IsNoRetry reports whether err is wrapped with NoRetry.
func IsNoRetry(err error) bool {
	var e noRetryError
	return errors.As(err, &e)
}

type noRetryError struct{ err error }

func (e noRetryError) Error() string { return fmt.Sprintf("no-retry: %v", e.err) }
func (e noRetryError) Unwrap() error { return e.err }
