package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"planbot/internal/config"
	"planbot/internal/eventbus"
	"planbot/internal/model"
	"planbot/internal/observability/status"
	"planbot/internal/pipeline"
	"planbot/internal/runtime/supervisor"
	"planbot/internal/task/engine"
	"planbot/internal/task/scheduler"
	"planbot/pkg/logx"
)

// StopReason is logged when the daemon shuts down.
type StopReason string

const (
	StopSignal     StopReason = "signal"
	StopFatalError StopReason = "fatal_error"
	StopRequested  StopReason = "requested"
)

// Schedule names.
const (
	ScheduleChain  = "chain"
	ScheduleReview = "review"
)

// Daemon triggers the chain and the review on their cadences in-process.
type Daemon struct {
	app   *App
	log   logx.Logger
	sup   *supervisor.Supervisor
	eng   *engine.Service
	sched *scheduler.Service
	http  *status.Server

	startedAt time.Time
}

// Status is the document served at /status.
type Status struct {
	StartedAt  time.Time                `json:"started_at"`
	ChainState model.RunState           `json:"chain_state"`
	Schedules  []scheduler.ScheduleInfo `json:"schedules"`
	Engine     engine.Snapshot          `json:"engine"`
	Goroutines supervisor.Counters      `json:"goroutines"`
}

func (a *App) Daemon() (*Daemon, error) {
	ec, err := mapEngineConfig(a.cfg)
	if err != nil {
		return nil, err
	}
	eng := engine.New(ec, a.log, a.bus)
	d := &Daemon{
		app:   a,
		log:   a.log.With(logx.String("comp", "daemon")),
		eng:   eng,
		sched: scheduler.New(mapSchedulerConfig(a.cfg), eng, a.log),
	}
	if sc := mapStatusConfig(a.cfg); sc.Enabled {
		d.http = status.New(sc, func() any { return d.Status() }, a.log)
	}
	return d, nil
}

// Status reports what the daemon is doing. It is safe before Start.
func (d *Daemon) Status() Status {
	st := Status{
		StartedAt:  d.startedAt,
		ChainState: d.app.orch.State(),
		Schedules:  d.sched.Schedules(),
		Engine:     d.eng.Snapshot(),
	}
	if d.sup != nil {
		st.Goroutines = d.sup.Counters()
	}
	return st
}

// Schedules lists the registered cadences with their next fire times.
func (d *Daemon) Schedules() []scheduler.ScheduleInfo { return d.sched.Schedules() }

func (d *Daemon) Engine() *engine.Service { return d.eng }

// Start registers the cadences and starts the engine, the scheduler and the
// background loops. It returns once everything is running.
func (d *Daemon) Start(ctx context.Context) error {
	if err := d.registerCadences(d.app.cfg.Schedule); err != nil {
		return err
	}
	d.startedAt = time.Now()
	d.sup = supervisor.New(ctx, supervisor.WithLogger(d.log), supervisor.WithCancelOnError(true))
	d.eng.Start(d.sup.Context())
	d.sched.Start(d.sup.Context())

	if d.http != nil {
		// Bind failures are retried with backoff and never cancel the daemon.
		d.sup.GoRestart("status.http", d.http.Serve, supervisor.WithRestartBackoff(time.Second, time.Minute))
	}

	events, unsub := d.app.bus.Subscribe(128)
	d.sup.Go("eventbus.log", func(c context.Context) error {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return nil
			case e, ok := <-events:
				if !ok {
					return nil
				}
				d.logEvent(e)
			}
		}
	})

	if d.app.cfgm != nil && d.app.cfgm.Path() != "" {
		updates := d.app.cfgm.Subscribe(1)
		d.sup.Go("config.reload", func(c context.Context) error {
			cur := d.app.cfg
			for {
				select {
				case <-c.Done():
					return nil
				case next := <-updates:
					d.applyConfig(cur, next)
					cur = next
				}
			}
		})
		d.sup.Go("config.watch", func(c context.Context) error {
			return d.app.cfgm.Watch(c)
		})
	}

	for _, s := range d.sched.Schedules() {
		d.log.Info("cadence registered",
			logx.String("name", s.Name),
			logx.String("spec", s.Spec),
			logx.Time("next", s.Next),
		)
	}
	d.log.Info("daemon started")
	return nil
}

// Done is closed when the daemon context ends, by cancellation or by a
// supervised goroutine failing.
func (d *Daemon) Done() <-chan struct{} { return d.sup.Context().Done() }

func (d *Daemon) Err() error { return d.sup.Err() }

// Run starts the daemon and blocks until ctx ends or a background loop
// fails, then stops it.
func (d *Daemon) Run(ctx context.Context) error {
	if err := d.Start(ctx); err != nil {
		return err
	}
	<-d.Done()
	reason := StopSignal
	if d.sup.Err() != nil {
		reason = StopFatalError
	}
	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 15*time.Second)
	defer cancel()
	if err := d.Stop(stopCtx, reason); err != nil {
		return err
	}
	return d.sup.Err()
}

func (d *Daemon) registerCadences(sc config.ScheduleConfig) error {
	timeout, err := config.ParseDurationOrDefault("schedule.timeout", sc.Timeout, 0)
	if err != nil {
		return err
	}
	jobs := []struct {
		name string
		spec string
		run  func(context.Context) (pipeline.RunResult, error)
	}{
		{ScheduleChain, sc.Chain, d.app.RunChain},
		{ScheduleReview, sc.Review, d.app.orch.RunReview},
	}
	for _, j := range jobs {
		if strings.TrimSpace(j.spec) == "" {
			if d.sched.Remove(j.name) {
				d.log.Info("cadence disabled", logx.String("name", j.name))
			}
			continue
		}
		if err := d.sched.AddSchedule(j.name, j.spec, timeout, d.trigger(j.name, j.run)); err != nil {
			return fmt.Errorf("schedule.%s: %w", j.name, err)
		}
	}
	return nil
}

// trigger adapts a pipeline run to an engine job. A run already in flight
// is a dropped trigger, not a job failure.
func (d *Daemon) trigger(name string, run func(context.Context) (pipeline.RunResult, error)) func(context.Context) error {
	return func(ctx context.Context) error {
		_, err := run(ctx)
		if errors.Is(err, pipeline.ErrInFlight) {
			d.log.Debug("trigger dropped; run in flight", logx.String("name", name))
			return nil
		}
		return err
	}
}

// applyConfig hot-applies logging and cadence changes. Other sections are
// reported and take effect on restart.
func (d *Daemon) applyConfig(oldCfg, newCfg *config.Config) {
	changed, attrs := config.SummarizeChange(oldCfg, newCfg)
	if len(changed) == 0 {
		d.log.Info("config reloaded (no changes)")
		return
	}
	var restart []string
	for _, section := range changed {
		switch section {
		case config.SectionLogging:
			d.app.logs.Apply(mapLoggingConfig(newCfg))
		case config.SectionSchedule:
			d.sched.Apply(mapSchedulerConfig(newCfg))
			if err := d.registerCadences(newCfg.Schedule); err != nil {
				d.log.Warn("invalid schedule; keeping previous cadences", logx.Err(err))
			}
		default:
			restart = append(restart, section)
		}
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(changed, ","))}, attrs...)
	d.log.Info("config reloaded", fields...)
	if len(restart) > 0 {
		d.log.Warn("config sections need a restart to apply", logx.Strings("sections", restart))
	}
}

func (d *Daemon) logEvent(e eventbus.Event) {
	switch p := e.Data.(type) {
	case eventbus.StageInfo:
		fields := []logx.Field{
			logx.String("run", p.RunID),
			logx.String("stage", p.Stage),
			logx.String("outcome", p.Outcome),
			logx.Int("attempts", p.Attempts),
			logx.Duration("took", p.Duration),
		}
		if len(p.Degraded) > 0 {
			fields = append(fields, logx.Strings("degraded", p.Degraded))
		}
		d.log.Debug(e.Type, fields...)
	case eventbus.RunInfo:
		d.log.Debug(e.Type, logx.String("run", p.RunID), logx.String("chain", p.Chain), logx.String("state", p.State))
	case engine.JobEvent:
		d.log.Debug(e.Type, logx.String("job", p.Name), logx.Duration("queue_delay", p.QueueDelay), logx.Duration("took", p.Duration))
	default:
		d.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
	}
}

// Stop shuts down the scheduler first so no new triggers arrive, then the
// engine, then the supervised loops. Each step is bounded.
func (d *Daemon) Stop(ctx context.Context, reason StopReason) error {
	if d.sup == nil {
		return nil
	}
	d.log.Info("stopping", logx.String("reason", string(reason)))
	d.sup.Cancel()

	step := func(name string, limit time.Duration, fn func(context.Context) error) {
		start := time.Now()
		if dl, ok := ctx.Deadline(); ok {
			limit = min(limit, time.Until(dl))
		}
		stepCtx, cancel := context.WithTimeout(ctx, max(limit, 0))
		defer cancel()

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()
		select {
		case err := <-done:
			if err != nil && !errors.Is(err, context.Canceled) {
				d.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			d.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			d.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Duration("elapsed", time.Since(start)),
			)
		}
	}

	step("scheduler", 2*time.Second, func(c context.Context) error { d.sched.Stop(c); return nil })
	step("engine", 10*time.Second, func(c context.Context) error { d.eng.Stop(c); return nil })
	step("supervisor", 2*time.Second, func(c context.Context) error { return d.sup.Wait(c) })

	d.log.Info("stopped", logx.String("reason", string(reason)))
	return nil
}
