package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"planbot/internal/collab"
	"planbot/internal/collab/calendar"
	"planbot/internal/collab/gemini"
	"planbot/internal/collab/notes"
	"planbot/internal/collab/telegram"
	"planbot/internal/collab/weather"
	"planbot/internal/config"
	"planbot/internal/eventbus"
	"planbot/internal/model"
	"planbot/internal/pipeline"
	"planbot/internal/planning"
	"planbot/internal/stage"
	"planbot/internal/storage"
	"planbot/pkg/logx"
)

type Options struct {
	ConfigPath  string
	EnvFile     string
	EnvRequired bool
	// Agent is checked with config.RequireFor before anything is opened.
	Agent string
	// Collab replaces the collaborators built from config.
	Collab *collab.Set
}

// App owns every long-lived handle of one process: logging, storage,
// collaborators and the orchestrator.
type App struct {
	cfgm *config.Manager
	cfg  *config.Config

	logs *logx.Service
	log  logx.Logger

	bus     eventbus.Bus
	store   storage.Store
	collab  collab.Set
	orch    *pipeline.Orchestrator
	closers []io.Closer
}

// AgentFor maps a stage to the name config.RequireFor checks.
func AgentFor(kind model.StageKind) string {
	switch kind {
	case model.StageCollect:
		return config.AgentCollector
	case model.StagePlan:
		return config.AgentPlanner
	case model.StageExecute:
		return config.AgentExecutor
	case model.StageReview:
		return config.AgentReviewer
	}
	return string(kind)
}

// New loads the environment and config, checks the agent's requirements and
// builds the app.
func New(opts Options) (*App, error) {
	if err := config.LoadDotEnv(opts.EnvFile, opts.EnvRequired); err != nil {
		return nil, err
	}
	cfgm := config.NewManager(opts.ConfigPath, logx.NewConsole("info").With(logx.String("comp", "config")))
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if opts.Agent != "" {
		if err := cfg.RequireFor(opts.Agent); err != nil {
			return nil, err
		}
	}
	a, err := Build(cfg, opts.Collab)
	if err != nil {
		return nil, err
	}
	a.cfgm = cfgm
	cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	return a, nil
}

// Build wires an app from an already validated config. A non-nil override
// replaces the configured collaborators.
func Build(cfg *config.Config, override *collab.Set) (*App, error) {
	a := &App{cfg: cfg, bus: eventbus.New()}
	built := false
	defer func() {
		if !built {
			_ = a.Close()
		}
	}()

	policy, err := mapCollabPolicy(cfg)
	if err != nil {
		return nil, err
	}

	var notifier collab.Notifier = collab.NopNotifier{}
	if override != nil && override.Notifier != nil {
		notifier = override.Notifier
	} else if override == nil {
		// The notifier logs to the console only so its own failures never
		// reach the chat sink.
		boot := logx.NewConsole(cfg.Logging.Level)
		tc := cfg.Telegram
		notifier, err = telegram.New(telegram.Config{
			Token:      tc.Token,
			ChatID:     tc.ChatID,
			ThreadID:   tc.ThreadID,
			APIURL:     tc.APIURL,
			RatePerSec: tc.RatePerSec,
			Timeout:    policy.Timeout,
		}, boot)
		if err != nil {
			return nil, fmt.Errorf("telegram: %w", err)
		}
	}
	var sender logx.Sender
	if notifier.Configured() {
		sender = notifier
	}
	a.logs, a.log = logx.New(mapLoggingConfig(cfg), sender)

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	a.store, err = storage.Open(sc, a.log)
	if err != nil {
		return nil, fmt.Errorf("storage: %w", err)
	}

	if override != nil {
		a.collab = *override
		a.collab.Notifier = notifier
	} else if a.collab, err = a.buildCollab(cfg, policy, notifier); err != nil {
		return nil, err
	}

	pc, err := mapPlanningConfig(cfg)
	if err != nil {
		return nil, err
	}
	planner, err := planning.New(pc, a.collab.LM, a.log)
	if err != nil {
		return nil, err
	}
	rc, err := mapReviewConfig(cfg, pc.Location)
	if err != nil {
		return nil, err
	}
	oc, err := mapPipelineConfig(cfg)
	if err != nil {
		return nil, err
	}

	deps := stage.Deps{Collab: a.collab, Store: a.store, Policy: policy, Log: a.log}
	stages := []stage.Stage{
		stage.NewCollect(deps, stage.CollectConfig{Horizon: pc.Horizon, WeatherLocation: cfg.Weather.Location}),
		stage.NewPlan(deps, planner),
		stage.NewExecute(deps),
		stage.NewReview(deps, rc),
	}
	a.orch = pipeline.New(oc, stages, a.store, a.bus, a.log)

	a.log.Info("app built",
		logx.String("storage", sc.Driver),
		logx.Strings("collaborators", a.available()),
	)
	built = true
	return a, nil
}

// buildCollab opens the notes database and the API clients whose
// credentials are present. Missing credentials leave the member nil.
func (a *App) buildCollab(cfg *config.Config, policy collab.Policy, notifier collab.Notifier) (collab.Set, error) {
	set := collab.Set{Notifier: notifier}

	busy, err := config.ParseDurationOrDefault("notes.busy_timeout", cfg.Notes.BusyTimeout, 0)
	if err != nil {
		return set, err
	}
	ns, err := notes.Open(notes.Config{Path: cfg.Notes.Path, BusyTimeout: busy}, a.log)
	if err != nil {
		return set, fmt.Errorf("notes: %w", err)
	}
	a.closers = append(a.closers, ns)
	set.Notes = ns

	if isSet(cfg.Calendar.Token) {
		set.Calendar = calendar.New(calendar.Config{
			Token:      cfg.Calendar.Token,
			CalendarID: cfg.Calendar.CalendarID,
			BaseURL:    cfg.Calendar.BaseURL,
			TimeZone:   cfg.Planning.Timezone,
			Timeout:    policy.Timeout,
		}, a.log)
	}
	if isSet(cfg.Weather.APIKey) {
		set.Weather = weather.New(weather.Config{
			APIKey:        cfg.Weather.APIKey,
			BaseURL:       cfg.Weather.BaseURL,
			Units:         cfg.Weather.Units,
			ForecastSteps: cfg.Weather.ForecastSteps,
			Timeout:       policy.Timeout,
		}, a.log)
	}
	if isSet(cfg.Gemini.APIKey) {
		set.LM = gemini.New(gemini.Config{
			APIKey:      cfg.Gemini.APIKey,
			Model:       cfg.Gemini.Model,
			BaseURL:     cfg.Gemini.BaseURL,
			Temperature: cfg.Gemini.Temperature,
			MaxTokens:   cfg.Gemini.MaxTokens,
			Timeout:     policy.Timeout,
		})
	}
	return set, nil
}

func (a *App) available() []string {
	var out []string
	add := func(ok bool, name string) {
		if ok {
			out = append(out, name)
		}
	}
	add(a.collab.Calendar != nil, "calendar")
	add(a.collab.Notes != nil, "notes")
	add(a.collab.Notifier != nil && a.collab.Notifier.Configured(), "notifier")
	add(a.collab.Weather != nil, "weather")
	add(a.collab.LM != nil, "lm")
	return out
}

func (a *App) Config() *config.Config               { return a.cfg }
func (a *App) Logger() logx.Logger                  { return a.log }
func (a *App) Bus() eventbus.Bus                    { return a.bus }
func (a *App) Store() storage.Store                 { return a.store }
func (a *App) Orchestrator() *pipeline.Orchestrator { return a.orch }

// RunChain runs Collect, Plan and Execute once.
func (a *App) RunChain(ctx context.Context) (pipeline.RunResult, error) {
	return a.orch.RunChain(ctx)
}

// RunAgent runs a single stage, as one crontab agent invocation would.
func (a *App) RunAgent(ctx context.Context, kind model.StageKind) (pipeline.RunResult, error) {
	return a.orch.RunStage(ctx, kind)
}

// Close releases storage, the notes database and the logging service.
func (a *App) Close() error {
	var errs []error
	if a.store != nil {
		errs = append(errs, a.store.Close())
		a.store = nil
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i].Close())
	}
	a.closers = nil
	if a.logs != nil {
		errs = append(errs, a.logs.Close())
		a.logs = nil
	}
	return errors.Join(errs...)
}

func isSet(s string) bool { return strings.TrimSpace(s) != "" }
