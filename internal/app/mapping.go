package app

import (
	"fmt"
	"strings"
	"time"

	"planbot/internal/collab"
	"planbot/internal/config"
	"planbot/internal/model"
	"planbot/internal/observability/status"
	"planbot/internal/pipeline"
	"planbot/internal/planning"
	"planbot/internal/stage"
	"planbot/internal/storage"
	"planbot/internal/task/engine"
	"planbot/internal/task/scheduler"
	"planbot/pkg/logx"
)

// The config layer has already validated every field mapped here; the
// errors below only fire for configs built in code.

func mapLoggingConfig(cfg *config.Config) logx.Config {
	lc := cfg.Logging
	return logx.Config{
		Level:   lc.Level,
		Console: lc.Console,
		File:    logx.FileConfig{Enabled: lc.File.Enabled, Path: lc.File.Path},
		Chat: logx.ChatConfig{
			Enabled:    lc.Telegram.Enabled,
			MinLevel:   lc.Telegram.MinLevel,
			RatePerSec: lc.Telegram.RatePerSec,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
	if err != nil {
		return storage.Config{}, err
	}
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	path := strings.TrimSpace(sc.Path)
	if (driver == "sqlite" || driver == "sqlite3") && path == "" {
		return storage.Config{}, fmt.Errorf("storage.path is required when storage.driver=%s", driver)
	}
	return storage.Config{Driver: driver, Path: path, BusyTimeout: busy, KeepSnapshots: sc.KeepSnapshots}, nil
}

func location(name string) (*time.Location, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return time.Local, nil
	}
	return time.LoadLocation(name)
}

func mapPlanningConfig(cfg *config.Config) (planning.Config, error) {
	pc := cfg.Planning
	out := planning.DefaultConfig()
	out.Weights = planning.Weights{
		Deadline:   pc.Weights.Deadline,
		Importance: pc.Weights.Importance,
		Duration:   pc.Weights.Duration,
		Preference: pc.Weights.Preference,
	}
	var err error
	if pc.DayStart != "" {
		if out.DayStart, err = model.ParseTimeOfDay(pc.DayStart); err != nil {
			return out, fmt.Errorf("planning.day_start: %w", err)
		}
	}
	if pc.DayEnd != "" {
		if out.DayEnd, err = model.ParseTimeOfDay(pc.DayEnd); err != nil {
			return out, fmt.Errorf("planning.day_end: %w", err)
		}
	}
	durations := []struct {
		path string
		raw  string
		dst  *time.Duration
	}{
		{"planning.horizon", pc.Horizon, &out.Horizon},
		{"planning.default_duration", pc.DefaultDuration, &out.DefaultDuration},
		{"planning.location_buffer", pc.LocationBuffer, &out.LocationBuffer},
		{"planning.step", pc.Step, &out.Step},
	}
	for _, d := range durations {
		if *d.dst, err = config.ParseDurationOrDefault(d.path, d.raw, *d.dst); err != nil {
			return out, err
		}
	}
	if pc.Budget > 0 {
		out.Budget = pc.Budget
	}
	if out.Location, err = location(pc.Timezone); err != nil {
		return out, fmt.Errorf("planning.timezone: %w", err)
	}
	return out, nil
}

func mapCollabPolicy(cfg *config.Config) (collab.Policy, error) {
	cc := cfg.Collaborators
	p := collab.DefaultPolicy()
	var err error
	if p.Timeout, err = config.ParseDurationOrDefault("collaborators.timeout", cc.Timeout, p.Timeout); err != nil {
		return p, err
	}
	if p.RetryBase, err = config.ParseDurationOrDefault("collaborators.retry_base", cc.RetryBase, p.RetryBase); err != nil {
		return p, err
	}
	if p.RetryMaxDelay, err = config.ParseDurationOrDefault("collaborators.retry_max_delay", cc.RetryMaxDelay, p.RetryMaxDelay); err != nil {
		return p, err
	}
	p.RetryMax = cc.RetryMax
	if cc.Jitter > 0 {
		p.Jitter = cc.Jitter
	}
	return p, nil
}

func mapPipelineConfig(cfg *config.Config) (pipeline.Config, error) {
	sc := cfg.Stages
	out := pipeline.Config{RetryMax: sc.RetryMax}
	var err error
	if out.RetryBase, err = config.ParseDurationOrDefault("stages.retry_base", sc.RetryBase, time.Second); err != nil {
		return out, err
	}
	if out.RetryMaxDelay, err = config.ParseDurationOrDefault("stages.retry_max_delay", sc.RetryMaxDelay, 30*time.Second); err != nil {
		return out, err
	}
	return out, nil
}

func mapReviewConfig(cfg *config.Config, loc *time.Location) (stage.ReviewConfig, error) {
	lookback, err := config.ParseDurationOrDefault("stages.review_lookback", cfg.Stages.ReviewLookback, 0)
	if err != nil {
		return stage.ReviewConfig{}, err
	}
	return stage.ReviewConfig{Lookback: lookback, MinSupport: cfg.Stages.ReviewMinSupport, Location: loc}, nil
}

func mapEngineConfig(cfg *config.Config) (engine.Config, error) {
	ec := cfg.Engine
	delay, err := config.ParseDurationOrDefault("engine.max_queue_delay", ec.MaxQueueDelay, 0)
	if err != nil {
		return engine.Config{}, err
	}
	timeout, err := config.ParseDurationOrDefault("schedule.timeout", cfg.Schedule.Timeout, 10*time.Minute)
	if err != nil {
		return engine.Config{}, err
	}
	return engine.Config{
		Workers:        ec.Workers,
		QueueSize:      ec.QueueSize,
		DefaultTimeout: timeout,
		MaxQueueDelay:  delay,
		HistorySize:    ec.HistorySize,
	}, nil
}

func mapSchedulerConfig(cfg *config.Config) scheduler.Config {
	tz := cfg.Schedule.Timezone
	if strings.TrimSpace(tz) == "" {
		tz = cfg.Planning.Timezone
	}
	return scheduler.Config{Timezone: tz}
}

func mapStatusConfig(cfg *config.Config) status.Config {
	sc := cfg.Status
	return status.Config{Enabled: sc.Enabled, Addr: sc.Addr, Token: sc.Token, Pprof: sc.Pprof}
}
