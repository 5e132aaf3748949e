package config

// Config is the on-disk configuration. JSON and YAML are both accepted; YAML
// is converted to JSON and decoded with unknown fields rejected.
//
// All durations are Go duration strings (e.g. "150ms", "60s", "316h17m"),
// optionally led by whole days ("13d 4h 17m").
type Config struct {
	Countdown CountdownConfig `json:"countdown"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Render    RenderConfig    `json:"render"`
	Logging   LoggingConfig   `json:"logging"`
	Storage   *StorageConfig  `json:"storage,omitempty"`
	HTTP      HTTPConfig      `json:"http,omitempty"`
}

// CountdownConfig selects the target policy and the refresh cadence.
//
// Defaults (when fields are omitted/zero):
//   - enabled: true
//   - policy: "monthly"
//   - offset_minutes: 600 (Brisbane, UTC+10:00)
//   - fixed_span: "13d 4h 17m"
//   - refresh: "60s"
//   - tick_timeout: "10s"
//
// offset_minutes is read once at startup; changing it requires a restart.
type CountdownConfig struct {
	Enabled       *bool  `json:"enabled,omitempty"`
	Policy        string `json:"policy,omitempty" validate:"omitempty,oneof=monthly monthly_local fixed"`
	OffsetMinutes *int   `json:"offset_minutes,omitempty" validate:"omitempty,min=-720,max=840"`
	// Timezone is an IANA name used by monthly_local. Empty means the host zone.
	Timezone    string `json:"timezone,omitempty"`
	FixedSpan   string `json:"fixed_span,omitempty"`
	// Refresh is a schedule: a duration ("60s"), HH:MM ("00:01") or a cron
	// expression ("* * * * *", "@every 1m").
	Refresh     string `json:"refresh,omitempty"`
	TickTimeout string `json:"tick_timeout,omitempty"`
}

// SchedulerConfig controls the trigger service.
type SchedulerConfig struct {
	// Timezone used to evaluate cron triggers.
	Timezone string `json:"timezone,omitempty"`
	// DefaultTimeout bounds a job without its own timeout. "0s" disables it.
	DefaultTimeout string `json:"default_timeout,omitempty"`
}

// RenderConfig enables render sinks. With none enabled the countdown does not
// start.
type RenderConfig struct {
	Log      LogSinkConfig      `json:"log"`
	Terminal TerminalSinkConfig `json:"terminal"`
	Telegram TelegramSinkConfig `json:"telegram"`
}

type LogSinkConfig struct {
	Enabled bool `json:"enabled"`
}

// TerminalSinkConfig drives the full-screen tcell view.
type TerminalSinkConfig struct {
	Enabled bool `json:"enabled"`
	// Transition is how long a changed slot stays highlighted. Default "150ms".
	Transition string `json:"transition,omitempty"`
	Title      string `json:"title,omitempty"`
}

// TelegramSinkConfig posts the countdown to a chat and edits it in place.
//
// Example:
//
//	"telegram": { "enabled": true, "token": "123:abc", "chat_id": -1001234567890 }
type TelegramSinkConfig struct {
	Enabled  bool   `json:"enabled"`
	Token    string `json:"token,omitempty" validate:"required_if=Enabled true"` // do not log
	ChatID   int64  `json:"chat_id,omitempty" validate:"required_if=Enabled true"`
	ThreadID int    `json:"thread_id,omitempty" validate:"min=0"`
	// EditsPerMinute caps message edits. Default 20.
	EditsPerMinute int `json:"edits_per_minute,omitempty" validate:"min=0,max=60"`
	// RetryMax bounds send/edit attempts per frame. Default 3.
	RetryMax int    `json:"retry_max,omitempty" validate:"min=0,max=10"`
	Timeout  string `json:"timeout,omitempty"`
	Title    string `json:"title,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level" validate:"omitempty,oneof=trace debug info warn warning error"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig controls the rollover audit log.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./countdown.db" }
type StorageConfig struct {
	Driver      string `json:"driver" validate:"omitempty,oneof=none file sqlite sqlite3"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite
}

// HTTPConfig controls the status server.
//
// Security note:
//   - Prefer binding to localhost (the default "127.0.0.1:8080").
//   - A non-loopback address needs a token or allow_insecure.
type HTTPConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"` // default: "127.0.0.1:8080"
	Token         string `json:"token,omitempty"` // optional bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`
	// CORSOrigins allows browser dashboards on these origins to read status.
	CORSOrigins []string `json:"cors_origins,omitempty" validate:"omitempty,dive,url"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}
