package config

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"planbot/internal/model"
)

// ConfigurationError reports credentials or settings an agent cannot run
// without. It is fatal at startup.
type ConfigurationError struct {
	Agent   string
	Missing []string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration: %s requires %s", e.Agent, strings.Join(e.Missing, ", "))
}

// Agent names accepted by RequireFor.
const (
	AgentCollector = "collector"
	AgentPlanner   = "planner"
	AgentExecutor  = "executor"
	AgentReviewer  = "reviewer"
	AgentWorkflow  = "workflow"
	AgentDaemon    = "daemon"
)

// RequireFor checks what agent needs to do useful work.
//
// Collect and Plan degrade per source and need only the notes database.
// Execute writes calendar events, so it needs a calendar token; the chain
// and the daemon include Execute.
func (c *Config) RequireFor(agent string) error {
	var missing []string
	need := func(ok bool, what string) {
		if !ok {
			missing = append(missing, what)
		}
	}
	switch agent {
	case AgentCollector, AgentPlanner, AgentReviewer:
		need(isSet(c.Notes.Path), "notes.path")
	case AgentExecutor, AgentWorkflow, AgentDaemon:
		need(isSet(c.Notes.Path), "notes.path")
		need(isSet(c.Calendar.Token), "calendar.token (GOOGLE_CALENDAR_TOKEN)")
	default:
		return fmt.Errorf("unknown agent %q", agent)
	}
	if len(missing) > 0 {
		return &ConfigurationError{Agent: agent, Missing: missing}
	}
	return nil
}

// Validate checks syntax and ranges. It does not check credentials.
func (c *Config) Validate() error {
	var errs []error
	check := func(path, raw string) {
		if _, err := ParseDurationField(path, raw); err != nil {
			errs = append(errs, err)
		}
	}
	check("storage.busy_timeout", c.Storage.BusyTimeout)
	check("planning.horizon", c.Planning.Horizon)
	check("planning.default_duration", c.Planning.DefaultDuration)
	check("planning.location_buffer", c.Planning.LocationBuffer)
	check("planning.step", c.Planning.Step)
	check("stages.retry_base", c.Stages.RetryBase)
	check("stages.retry_max_delay", c.Stages.RetryMaxDelay)
	check("stages.review_lookback", c.Stages.ReviewLookback)
	check("collaborators.timeout", c.Collaborators.Timeout)
	check("collaborators.retry_base", c.Collaborators.RetryBase)
	check("collaborators.retry_max_delay", c.Collaborators.RetryMaxDelay)
	check("schedule.timeout", c.Schedule.Timeout)
	check("engine.max_queue_delay", c.Engine.MaxQueueDelay)
	check("notes.busy_timeout", c.Notes.BusyTimeout)

	for _, f := range [][2]string{{"planning.day_start", c.Planning.DayStart}, {"planning.day_end", c.Planning.DayEnd}} {
		if f[1] == "" {
			continue
		}
		if _, err := model.ParseTimeOfDay(f[1]); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", f[0], err))
		}
	}
	if tz := strings.TrimSpace(c.Planning.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			errs = append(errs, fmt.Errorf("planning.timezone: %w", err))
		}
	}
	w := c.Planning.Weights
	if w.Deadline < 0 || w.Importance < 0 || w.Duration < 0 || w.Preference < 0 {
		errs = append(errs, errors.New("planning.weights: must be >= 0"))
	}
	if c.Planning.Budget < 0 {
		errs = append(errs, errors.New("planning.budget: must be >= 0"))
	}
	if c.Stages.RetryMax < 0 || c.Collaborators.RetryMax < 0 {
		errs = append(errs, errors.New("retry_max: must be >= 0"))
	}
	if j := c.Collaborators.Jitter; j < 0 || j > 1 {
		errs = append(errs, errors.New("collaborators.jitter: must be within [0,1]"))
	}
	if c.Status.Enabled && !isSet(c.Status.Token) && !isLoopback(c.Status.Addr) {
		errs = append(errs, fmt.Errorf("status.addr: %q is not loopback; set status.token", c.Status.Addr))
	}
	switch strings.ToLower(strings.TrimSpace(c.Storage.Driver)) {
	case "sqlite", "sqlite3", "file", "memory":
	default:
		errs = append(errs, fmt.Errorf("storage.driver: unsupported %q", c.Storage.Driver))
	}
	return errors.Join(errs...)
}

func isLoopback(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
