package config

import (
	"reflect"
	"strings"

	"planbot/pkg/logx"
)

// Hot-reloadable sections. Everything else needs a restart.
const (
	SectionLogging  = "logging"
	SectionSchedule = "schedule"
)

// SummarizeChange lists changed top-level sections and safe log attrs.
// Credentials are reported only as set/unset.
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	var (
		changed []string
		attrs   []logx.Field
	)
	section := func(name string, a, b any, fields ...logx.Field) {
		if !reflect.DeepEqual(a, b) {
			changed = append(changed, name)
			attrs = append(attrs, fields...)
		}
	}

	section(SectionLogging, oldCfg.Logging, newCfg.Logging,
		logx.String("logging.level", newCfg.Logging.Level),
		logx.Bool("logging.console", newCfg.Logging.Console),
		logx.Bool("logging.file", newCfg.Logging.File.Enabled),
		logx.Bool("logging.telegram", newCfg.Logging.Telegram.Enabled),
	)
	section(SectionSchedule, oldCfg.Schedule, newCfg.Schedule,
		logx.String("schedule.chain", newCfg.Schedule.Chain),
		logx.String("schedule.review", newCfg.Schedule.Review),
		logx.String("schedule.timezone", newCfg.Schedule.Timezone),
	)
	section("storage", oldCfg.Storage, newCfg.Storage, logx.String("storage.driver", newCfg.Storage.Driver))
	section("planning", oldCfg.Planning, newCfg.Planning, logx.Int("planning.budget", newCfg.Planning.Budget))
	section("stages", oldCfg.Stages, newCfg.Stages)
	section("collaborators", oldCfg.Collaborators, newCfg.Collaborators)
	section("engine", oldCfg.Engine, newCfg.Engine)
	section("status", oldCfg.Status, newCfg.Status, logx.Bool("status.enabled", newCfg.Status.Enabled), logx.Bool("status.token_set", isSet(newCfg.Status.Token)))
	section("calendar", oldCfg.Calendar, newCfg.Calendar, logx.Bool("calendar.token_set", isSet(newCfg.Calendar.Token)))
	section("notes", oldCfg.Notes, newCfg.Notes)
	section("telegram", oldCfg.Telegram, newCfg.Telegram, logx.Bool("telegram.token_set", isSet(newCfg.Telegram.Token)))
	section("weather", oldCfg.Weather, newCfg.Weather, logx.Bool("weather.key_set", isSet(newCfg.Weather.APIKey)))
	section("gemini", oldCfg.Gemini, newCfg.Gemini, logx.Bool("gemini.key_set", isSet(newCfg.Gemini.APIKey)))
	return changed, attrs
}

func isSet(s string) bool { return strings.TrimSpace(s) != "" }
