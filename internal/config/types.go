package config

// Config is the on-disk configuration (JSON or YAML).
//
// All durations are Go duration strings ("500ms", "10s", "1m"). Credentials
// may be left empty in the file and supplied through the environment.
type Config struct {
	Logging       LoggingConfig  `json:"logging"`
	Storage       StorageConfig  `json:"storage"`
	Planning      PlanningConfig `json:"planning"`
	Stages        StagesConfig   `json:"stages"`
	Collaborators CollabConfig   `json:"collaborators"`
	Schedule      ScheduleConfig `json:"schedule"`
	Engine        EngineConfig   `json:"engine"`
	Status        StatusConfig   `json:"status"`

	Calendar CalendarConfig `json:"calendar"`
	Notes    NotesConfig    `json:"notes"`
	Telegram TelegramConfig `json:"telegram"`
	Weather  WeatherConfig  `json:"weather"`
	Gemini   GeminiConfig   `json:"gemini"`
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingTelegram forwards WARN+ lines to the notifier chat.
type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// StorageConfig selects the run-record store.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/planbot.db" }
type StorageConfig struct {
	Driver        string `json:"driver"` // sqlite | file | memory
	Path          string `json:"path"`
	BusyTimeout   string `json:"busy_timeout,omitempty"`
	KeepSnapshots int    `json:"keep_snapshots,omitempty"`
}

// PlanningConfig drives scoring and conflict resolution.
type PlanningConfig struct {
	Weights         WeightsConfig `json:"weights"`
	DayStart        string        `json:"day_start"` // HH:MM
	DayEnd          string        `json:"day_end"`   // HH:MM
	Horizon         string        `json:"horizon"`
	DefaultDuration string        `json:"default_duration"`
	LocationBuffer  string        `json:"location_buffer"`
	Step            string        `json:"step"`
	Budget          int           `json:"budget"`
	Timezone        string        `json:"timezone,omitempty"`
}

type WeightsConfig struct {
	Deadline   float64 `json:"deadline"`
	Importance float64 `json:"importance"`
	Duration   float64 `json:"duration"`
	Preference float64 `json:"preference"`
}

// StagesConfig controls stage-level retries and the review heuristics.
type StagesConfig struct {
	RetryMax      int    `json:"retry_max"`
	RetryBase     string `json:"retry_base,omitempty"`
	RetryMaxDelay string `json:"retry_max_delay,omitempty"`

	ReviewLookback   string `json:"review_lookback,omitempty"`
	ReviewMinSupport int    `json:"review_min_support,omitempty"`
}

// CollabConfig is the per-call policy for every external service call.
type CollabConfig struct {
	Timeout       string  `json:"timeout"`
	RetryMax      int     `json:"retry_max"`
	RetryBase     string  `json:"retry_base,omitempty"`
	RetryMaxDelay string  `json:"retry_max_delay,omitempty"`
	Jitter        float64 `json:"jitter,omitempty"`
}

// ScheduleConfig holds daemon cadences (cron, @every, duration or HH:MM).
type ScheduleConfig struct {
	Chain    string `json:"chain"`
	Review   string `json:"review"`
	Timezone string `json:"timezone,omitempty"`
	// Timeout bounds one triggered run; "0s" disables it.
	Timeout string `json:"timeout,omitempty"`
}

type EngineConfig struct {
	Workers       int    `json:"workers,omitempty"`
	QueueSize     int    `json:"queue_size,omitempty"`
	MaxQueueDelay string `json:"max_queue_delay,omitempty"`
	HistorySize   int    `json:"history_size,omitempty"`
}

// StatusConfig is the daemon's HTTP status endpoint. Off by default.
type StatusConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"`
	Token   string `json:"token,omitempty"`
	Pprof   bool   `json:"pprof,omitempty"`
}

type CalendarConfig struct {
	Token      string `json:"token,omitempty"`
	CalendarID string `json:"calendar_id,omitempty"`
	BaseURL    string `json:"base_url,omitempty"`
}

type NotesConfig struct {
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

type TelegramConfig struct {
	Token      string  `json:"token,omitempty"`
	ChatID     int64   `json:"chat_id,omitempty"`
	ThreadID   int     `json:"thread_id,omitempty"`
	APIURL     string  `json:"api_url,omitempty"`
	RatePerSec float64 `json:"rate_per_sec,omitempty"`
}

type WeatherConfig struct {
	APIKey        string `json:"api_key,omitempty"`
	Location      string `json:"location,omitempty"`
	Units         string `json:"units,omitempty"`
	ForecastSteps int    `json:"forecast_steps,omitempty"`
	BaseURL       string `json:"base_url,omitempty"`
}

type GeminiConfig struct {
	APIKey      string  `json:"api_key,omitempty"`
	Model       string  `json:"model,omitempty"`
	BaseURL     string  `json:"base_url,omitempty"`
	Temperature float64 `json:"temperature,omitempty"`
	MaxTokens   int     `json:"max_tokens,omitempty"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Logging: LoggingConfig{Level: "info", Console: true},
		Storage: StorageConfig{Driver: "sqlite", Path: "./data/planbot.db"},
		Planning: PlanningConfig{
			Weights:         WeightsConfig{Deadline: 0.4, Importance: 0.3, Duration: 0.2, Preference: 0.1},
			DayStart:        "08:00",
			DayEnd:          "20:00",
			Horizon:         "24h",
			DefaultDuration: "1h",
			LocationBuffer:  "15m",
			Step:            "15m",
			Budget:          5,
		},
		Stages:        StagesConfig{RetryMax: 2, RetryBase: "1s", RetryMaxDelay: "30s"},
		Collaborators: CollabConfig{Timeout: "10s", RetryMax: 2, RetryBase: "500ms", RetryMaxDelay: "5s", Jitter: 0.2},
		Schedule:      ScheduleConfig{Chain: "*/15 * * * *", Review: "0 22 * * *", Timeout: "10m"},
		Status:        StatusConfig{Addr: "127.0.0.1:6060"},
		Notes:         NotesConfig{Path: "./data/notes.db"},
	}
}
