// Package pipeline runs stages as chains: Collect, Plan and Execute in order,
// each starting only on its upstream's success. Review runs on its own.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"planbot/internal/eventbus"
	"planbot/internal/model"
	"planbot/internal/stage"
	"planbot/internal/storage"
	"planbot/pkg/logx"
)

var (
	// ErrInFlight is returned when a trigger arrives while the same run kind
	// is still in progress. The trigger is dropped, not queued.
	ErrInFlight     = errors.New("run already in flight")
	ErrUnknownStage = errors.New("unknown stage")
)

// Config controls stage-level retries.
type Config struct {
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	RetryJitter   float64
}

func (c Config) withDefaults() Config {
	if c.RetryMax < 0 {
		c.RetryMax = 0
	}
	if c.RetryBase <= 0 {
		c.RetryBase = time.Second
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 30 * time.Second
	}
	if c.RetryJitter <= 0 {
		c.RetryJitter = 0.2
	}
	return c
}

type Orchestrator struct {
	cfg    Config
	stages map[model.StageKind]stage.Stage
	store  storage.Store
	bus    eventbus.Bus
	log    logx.Logger
	now    func() time.Time
	newID  func() string

	chainBusy  atomic.Bool
	reviewBusy atomic.Bool

	mu    sync.Mutex
	state model.RunState

	rngMu sync.Mutex
	rng   *rand.Rand
}

func New(cfg Config, stages []stage.Stage, store storage.Store, bus eventbus.Bus, log logx.Logger) *Orchestrator {
	if bus == nil {
		bus = eventbus.Nop{}
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	o := &Orchestrator{
		cfg:    cfg.withDefaults(),
		stages: map[model.StageKind]stage.Stage{},
		store:  store,
		bus:    bus,
		log:    log.With(logx.String("comp", "pipeline")),
		now:    time.Now,
		newID:  uuid.NewString,
		state:  model.RunIdle,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for _, s := range stages {
		o.stages[s.Kind()] = s
	}
	return o
}

// State returns the state of the current or last chain run.
func (o *Orchestrator) State() model.RunState {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

func (o *Orchestrator) resetState() {
	o.mu.Lock()
	o.state = model.RunIdle
	o.mu.Unlock()
}

func (o *Orchestrator) setState(next model.RunState) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.state.CanAdvance(next) {
		o.log.Warn("invalid run state transition", logx.String("from", string(o.state)), logx.String("to", string(next)))
	}
	o.state = next
}

// StageResult is one stage outcome inside a run.
type StageResult struct {
	Stage      model.StageKind        `json:"stage"`
	Outcome    model.Outcome          `json:"outcome"`
	Attempts   int                    `json:"attempts,omitempty"`
	Duration   time.Duration          `json:"duration_ns,omitempty"`
	Error      string                 `json:"error,omitempty"`
	Degraded   []string               `json:"degraded,omitempty"`
	SnapshotID string                 `json:"snapshot_id,omitempty"`
	PlanID     string                 `json:"plan_id,omitempty"`
	Deferred   []string               `json:"deferred,omitempty"`
	Report     *model.ExecutionReport `json:"report,omitempty"`
	RuleIDs    []string               `json:"rule_ids,omitempty"`
	Feedback   string                 `json:"feedback,omitempty"`
}

// RunResult is what a chain or single-stage run produced.
type RunResult struct {
	RunID     string         `json:"run_id"`
	Chain     string         `json:"chain"`
	State     model.RunState `json:"state"`
	StartedAt time.Time      `json:"started_at"`
	EndedAt   time.Time      `json:"ended_at"`
	Stages    []StageResult  `json:"stages"`
	Error     string         `json:"error,omitempty"`
}

func (r RunResult) Failed() bool { return r.State == model.RunFailed }

// RunChain runs Collect, Plan and Execute. A stage failure skips every
// downstream stage and fails the run. Cancelling ctx stops the chain at the
// next stage boundary; a running stage is never interrupted.
func (o *Orchestrator) RunChain(ctx context.Context) (RunResult, error) {
	if !o.chainBusy.CompareAndSwap(false, true) {
		return RunResult{}, ErrInFlight
	}
	defer o.chainBusy.Store(false)

	res := o.begin("chain")
	o.resetState()
	in := stage.Input{RunID: res.RunID}
	var runErr error
	for _, kind := range model.ChainStages {
		if runErr == nil && ctx.Err() != nil {
			runErr = fmt.Errorf("chain cancelled before %s: %w", kind, ctx.Err())
		}
		if runErr != nil {
			res.Stages = append(res.Stages, o.skip(ctx, res.RunID, kind, runErr))
			continue
		}

		o.setState(model.StateFor(kind))
		out, sr, err := o.runStage(ctx, res.RunID, kind, in)
		res.Stages = append(res.Stages, sr)
		if err != nil {
			runErr = fmt.Errorf("%s: %w", kind, err)
			continue
		}
		if out.Snapshot != nil {
			in.Snapshot = out.Snapshot
		}
		if out.Plan != nil {
			in.Plan = out.Plan
		}
	}
	if runErr != nil {
		o.setState(model.RunFailed)
	} else {
		o.setState(model.RunCompleted)
	}
	return o.finish(res, o.State(), runErr)
}

// RunStage runs a single stage outside a chain. Plan reads the latest stored
// snapshot and Execute the latest stored plan.
func (o *Orchestrator) RunStage(ctx context.Context, kind model.StageKind) (RunResult, error) {
	if _, ok := o.stages[kind]; !ok {
		return RunResult{}, fmt.Errorf("%w: %s", ErrUnknownStage, kind)
	}
	busy := &o.chainBusy
	if kind == model.StageReview {
		busy = &o.reviewBusy
	}
	if !busy.CompareAndSwap(false, true) {
		return RunResult{}, ErrInFlight
	}
	defer busy.Store(false)

	res := o.begin(string(kind))
	if err := ctx.Err(); err != nil {
		res.Stages = append(res.Stages, o.skip(ctx, res.RunID, kind, err))
		return o.finish(res, model.RunFailed, err)
	}
	_, sr, err := o.runStage(ctx, res.RunID, kind, stage.Input{RunID: res.RunID})
	res.Stages = append(res.Stages, sr)
	if err != nil {
		return o.finish(res, model.RunFailed, fmt.Errorf("%s: %w", kind, err))
	}
	return o.finish(res, model.RunCompleted, nil)
}

// RunReview runs the Review stage. It has its own single-flight guard and
// never blocks a chain.
func (o *Orchestrator) RunReview(ctx context.Context) (RunResult, error) {
	return o.RunStage(ctx, model.StageReview)
}

func (o *Orchestrator) begin(chain string) RunResult {
	res := RunResult{RunID: o.newID(), Chain: chain, State: model.RunIdle, StartedAt: o.now()}
	o.log.Info("run started", logx.String("run", res.RunID), logx.String("chain", chain))
	o.bus.Publish(eventbus.Event{Type: eventbus.RunStarted, Data: eventbus.RunInfo{RunID: res.RunID, Chain: chain, State: string(model.RunIdle)}})
	return res
}

func (o *Orchestrator) finish(res RunResult, state model.RunState, err error) (RunResult, error) {
	res.State = state
	res.EndedAt = o.now()
	if err != nil {
		res.Error = err.Error()
	}
	fields := []logx.Field{
		logx.String("run", res.RunID),
		logx.String("chain", res.Chain),
		logx.String("state", string(state)),
		logx.Duration("took", res.EndedAt.Sub(res.StartedAt)),
	}
	if err != nil {
		o.log.Warn("run failed", append(fields, logx.Err(err))...)
	} else {
		o.log.Info("run finished", fields...)
	}
	o.bus.Publish(eventbus.Event{Type: eventbus.RunFinished, Data: eventbus.RunInfo{
		RunID: res.RunID, Chain: res.Chain, State: string(state), Error: res.Error, Stages: len(res.Stages),
	}})
	return res, err
}

// runStage runs one stage with retries. The stage itself sees a detached
// context; ctx only cuts short the wait between attempts.
func (o *Orchestrator) runStage(ctx context.Context, runID string, kind model.StageKind, in stage.Input) (stage.Output, StageResult, error) {
	st, ok := o.stages[kind]
	if !ok {
		err := fmt.Errorf("%w: %s", ErrUnknownStage, kind)
		return stage.Output{}, o.skip(ctx, runID, kind, err), err
	}

	started := o.now()
	var (
		out      stage.Output
		err      error
		attempts int
	)
	sctx := context.WithoutCancel(ctx)
retry:
	for {
		attempts++
		out, err = st.Run(sctx, in)
		if err == nil || stage.IsNoRetry(err) || attempts > o.cfg.RetryMax {
			break
		}
		d := o.backoff(attempts)
		o.log.Warn("stage failed, retrying",
			logx.String("run", runID), logx.String("stage", string(kind)),
			logx.Int("attempt", attempts), logx.Duration("in", d), logx.Err(err))
		t := time.NewTimer(d)
		select {
		case <-ctx.Done():
			t.Stop()
			o.log.Info("stage retry abandoned", logx.String("run", runID), logx.String("stage", string(kind)), logx.Err(ctx.Err()))
			break retry
		case <-t.C:
		}
	}
	ended := o.now()

	rec := model.StageRunRecord{
		RunID:     runID,
		Stage:     kind,
		StartedAt: started,
		EndedAt:   ended,
		Outcome:   model.OutcomeSuccess,
		Degraded:  out.Degraded,
		Deferred:  out.Deferred,
		Report:    out.Report,
	}
	switch {
	case out.Snapshot != nil:
		rec.SnapshotID = out.Snapshot.ID
	case in.Snapshot != nil:
		rec.SnapshotID = in.Snapshot.ID
	}
	if out.Plan != nil {
		rec.PlanID = out.Plan.ID()
		if rec.SnapshotID == "" {
			rec.SnapshotID = out.Plan.SnapshotID()
		}
	}
	for _, r := range out.Rules {
		rec.RuleIDs = append(rec.RuleIDs, r.ID)
	}
	if err != nil {
		rec.Outcome = model.OutcomeFailure
		rec.Error = err.Error()
	}
	o.append(ctx, rec)

	sr := StageResult{
		Stage:      kind,
		Outcome:    rec.Outcome,
		Attempts:   attempts,
		Duration:   rec.Duration(),
		Error:      rec.Error,
		Degraded:   rec.Degraded,
		SnapshotID: rec.SnapshotID,
		PlanID:     rec.PlanID,
		Deferred:   rec.Deferred,
		Report:     rec.Report,
		RuleIDs:    rec.RuleIDs,
		Feedback:   out.Feedback,
	}
	o.stageFinished(sr, runID)
	return out, sr, err
}

// skip records a stage that never ran.
func (o *Orchestrator) skip(ctx context.Context, runID string, kind model.StageKind, cause error) StageResult {
	now := o.now()
	rec := model.StageRunRecord{
		RunID:     runID,
		Stage:     kind,
		StartedAt: now,
		EndedAt:   now,
		Outcome:   model.OutcomeSkipped,
		Error:     cause.Error(),
	}
	o.append(ctx, rec)
	sr := StageResult{Stage: kind, Outcome: model.OutcomeSkipped, Error: rec.Error}
	o.stageFinished(sr, runID)
	return sr
}

func (o *Orchestrator) append(ctx context.Context, rec model.StageRunRecord) {
	if o.store == nil {
		return
	}
	if err := o.store.AppendRecord(context.WithoutCancel(ctx), rec); err != nil {
		o.log.Error("append run record failed", logx.String("run", rec.RunID), logx.String("stage", string(rec.Stage)), logx.Err(err))
	}
}

func (o *Orchestrator) stageFinished(sr StageResult, runID string) {
	fields := []logx.Field{
		logx.String("run", runID),
		logx.String("stage", string(sr.Stage)),
		logx.String("outcome", string(sr.Outcome)),
		logx.Duration("took", sr.Duration),
		logx.Bool("success", sr.Outcome == model.OutcomeSuccess),
	}
	if len(sr.Degraded) > 0 {
		fields = append(fields, logx.Strings("degraded", sr.Degraded))
	}
	if sr.Error != "" {
		fields = append(fields, logx.String("error", sr.Error))
	}
	o.log.Info("stage finished", fields...)
	o.bus.Publish(eventbus.Event{Type: eventbus.StageFinished, Data: eventbus.StageInfo{
		RunID:    runID,
		Stage:    string(sr.Stage),
		Outcome:  string(sr.Outcome),
		Attempts: sr.Attempts,
		Duration: sr.Duration,
		Degraded: sr.Degraded,
		Error:    sr.Error,
	}})
}

func (o *Orchestrator) backoff(attempt int) time.Duration {
	d := o.cfg.RetryBase
	for i := 1; i < attempt && d < o.cfg.RetryMaxDelay; i++ {
		d *= 2
	}
	if d > o.cfg.RetryMaxDelay {
		d = o.cfg.RetryMaxDelay
	}
	o.rngMu.Lock()
	r := (o.rng.Float64()*2 - 1) * o.cfg.RetryJitter
	o.rngMu.Unlock()
	d = time.Duration(float64(d) * (1 + r))
	if d < 0 {
		d = 0
	}
	return d
}
