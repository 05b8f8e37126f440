package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// envBindings maps config keys to accepted variables, first match wins.
// The unprefixed names are the ones operators already export.
var envBindings = map[string][]string{
	"calendar.token":     {"PLANBOT_CALENDAR_TOKEN", "GOOGLE_CALENDAR_TOKEN"},
	"calendar.id":        {"PLANBOT_CALENDAR_ID", "GOOGLE_CALENDAR_ID"},
	"telegram.token":     {"PLANBOT_TELEGRAM_TOKEN", "TELEGRAM_BOT_TOKEN"},
	"telegram.chat_id":   {"PLANBOT_TELEGRAM_CHAT_ID", "TELEGRAM_CHAT_ID"},
	"weather.api_key":    {"PLANBOT_WEATHER_API_KEY", "OPENWEATHER_API_KEY"},
	"weather.location":   {"PLANBOT_WEATHER_LOCATION", "WEATHER_LOCATION"},
	"gemini.api_key":     {"PLANBOT_GEMINI_API_KEY", "GEMINI_API_KEY"},
	"gemini.model":       {"PLANBOT_GEMINI_MODEL"},
	"notes.path":         {"PLANBOT_NOTES_PATH"},
	"storage.driver":     {"PLANBOT_STORAGE_DRIVER"},
	"storage.path":       {"PLANBOT_STORAGE_PATH"},
	"logging.level":      {"PLANBOT_LOG_LEVEL"},
	"schedule.timezone":  {"PLANBOT_TIMEZONE"},
	"planning.timezone":  {"PLANBOT_TIMEZONE"},
	"planning.day_start": {"PLANBOT_DAY_START"},
	"planning.day_end":   {"PLANBOT_DAY_END"},
	"status.token":       {"PLANBOT_STATUS_TOKEN"},
}

// LoadDotEnv loads KEY=VALUE pairs from path into the process environment
// without overriding variables that are already set. A missing file is not
// an error unless required is true.
func LoadDotEnv(path string, required bool) error {
	if strings.TrimSpace(path) == "" {
		return nil
	}
	err := godotenv.Load(path)
	if err != nil && !required && errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("env file %s: %w", path, err)
	}
	return nil
}

// ApplyEnv overlays environment variables onto cfg.
func ApplyEnv(cfg *Config) error {
	v := viper.New()
	for key, names := range envBindings {
		if err := v.BindEnv(append([]string{key}, names...)...); err != nil {
			return err
		}
	}
	str := func(key string, dst *string) {
		if v.IsSet(key) {
			if s := strings.TrimSpace(v.GetString(key)); s != "" {
				*dst = s
			}
		}
	}
	str("calendar.token", &cfg.Calendar.Token)
	str("calendar.id", &cfg.Calendar.CalendarID)
	str("telegram.token", &cfg.Telegram.Token)
	str("weather.api_key", &cfg.Weather.APIKey)
	str("weather.location", &cfg.Weather.Location)
	str("gemini.api_key", &cfg.Gemini.APIKey)
	str("gemini.model", &cfg.Gemini.Model)
	str("notes.path", &cfg.Notes.Path)
	str("storage.driver", &cfg.Storage.Driver)
	str("storage.path", &cfg.Storage.Path)
	str("logging.level", &cfg.Logging.Level)
	str("schedule.timezone", &cfg.Schedule.Timezone)
	str("planning.timezone", &cfg.Planning.Timezone)
	str("planning.day_start", &cfg.Planning.DayStart)
	str("planning.day_end", &cfg.Planning.DayEnd)
	str("status.token", &cfg.Status.Token)

	if v.IsSet("telegram.chat_id") {
		id := v.GetInt64("telegram.chat_id")
		if id == 0 {
			return fmt.Errorf("telegram.chat_id: invalid value %q", v.GetString("telegram.chat_id"))
		}
		cfg.Telegram.ChatID = id
	}
	return nil
}
