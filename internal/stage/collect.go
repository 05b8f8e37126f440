package stage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"planbot/internal/collab"
	"planbot/internal/model"
	"planbot/pkg/logx"
)

type CollectConfig struct {
	// Horizon is the calendar window read ahead of now.
	Horizon         time.Duration
	WeatherLocation string
}

// Collect gathers calendar events, weather and open tasks into a snapshot.
// Sources are queried in parallel; an unavailable source is recorded as
// missing and the run continues unless every source is down.
type Collect struct {
	d   Deps
	cfg CollectConfig
}

func NewCollect(d Deps, cfg CollectConfig) *Collect {
	if cfg.Horizon <= 0 {
		cfg.Horizon = 24 * time.Hour
	}
	d = d.withDefaults()
	d.Log = d.Log.With(logx.String("comp", "stage.collect"))
	return &Collect{d: d, cfg: cfg}
}

func (c *Collect) Kind() model.StageKind { return model.StageCollect }

func (c *Collect) Run(ctx context.Context, in Input) (Output, error) {
	now := c.d.Now()
	win := model.Window{Start: now, End: now.Add(c.cfg.Horizon)}
	set := c.d.Collab

	snap := model.DataSnapshot{ID: c.d.NewID(), CapturedAt: now}
	var (
		mu      sync.Mutex
		missing = map[model.Source]error{}
	)
	fail := func(src model.Source, err error) {
		mu.Lock()
		missing[src] = err
		mu.Unlock()
	}

	var g errgroup.Group
	g.Go(func() error {
		if set.Calendar == nil {
			fail(model.SourceCalendar, collab.ErrUnavailable)
			return nil
		}
		evs, err := collab.Call(ctx, c.d.Policy, func(ctx context.Context) ([]model.TimeSlot, error) {
			return set.Calendar.ListEvents(ctx, win)
		})
		if err != nil {
			fail(model.SourceCalendar, err)
			return nil
		}
		snap.Events = evs
		return nil
	})
	g.Go(func() error {
		if set.Weather == nil || c.cfg.WeatherLocation == "" {
			fail(model.SourceWeather, collab.ErrUnavailable)
			return nil
		}
		obs, err := collab.Call(ctx, c.d.Policy, func(ctx context.Context) (*model.WeatherObservation, error) {
			return set.Weather.Current(ctx, c.cfg.WeatherLocation)
		})
		if err != nil {
			fail(model.SourceWeather, err)
			return nil
		}
		snap.Weather = obs
		return nil
	})
	g.Go(func() error {
		if set.Notes == nil {
			fail(model.SourceNotes, collab.ErrUnavailable)
			return nil
		}
		tasks, err := collab.Call(ctx, c.d.Policy, func(ctx context.Context) ([]model.Task, error) {
			return set.Notes.ListTasks(ctx, collab.TaskFilter{})
		})
		if err != nil {
			fail(model.SourceNotes, err)
			return nil
		}
		snap.Tasks = tasks
		return nil
	})
	_ = g.Wait()

	var degraded []string
	for _, src := range model.AllSources {
		err, ok := missing[src]
		if !ok {
			continue
		}
		snap.Missing = append(snap.Missing, src)
		degraded = append(degraded, string(src))
		c.d.Log.Warn("source unavailable", logx.String("source", string(src)), logx.Err(err))
	}
	if len(snap.Missing) == len(model.AllSources) {
		return Output{Kind: model.StageCollect, Degraded: degraded}, fmt.Errorf("collect: %w", ErrAllSourcesDown)
	}

	if c.d.Store != nil {
		if err := c.d.Store.PutSnapshot(ctx, snap); err != nil {
			return Output{Kind: model.StageCollect, Degraded: degraded}, fmt.Errorf("store snapshot: %w", err)
		}
	}
	c.d.Log.Info("snapshot captured",
		logx.String("snapshot", snap.ID),
		logx.Int("events", len(snap.Events)),
		logx.Int("tasks", len(snap.Tasks)),
		logx.Bool("weather", snap.Weather != nil),
		logx.Strings("missing", degraded),
	)
	return Output{Kind: model.StageCollect, Snapshot: &snap, Degraded: degraded}, nil
}
