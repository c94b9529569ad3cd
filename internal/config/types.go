package config

// Config is the on-disk configuration. JSON or YAML; unknown keys are
// rejected. All durations are Go duration strings ("500ms", "10s", "5m").
type Config struct {
	Logging  LoggingConfig   `json:"logging"`
	Storage  *StorageConfig  `json:"storage,omitempty"`
	Poller   PollerConfig    `json:"poller"`
	Sources  []SourceConfig  `json:"sources"`
	Notifier *NotifierConfig `json:"notifier,omitempty"`
	Desktop  DesktopConfig   `json:"desktop"`
	Sound    SoundConfig     `json:"sound"`
	Telegram TelegramConfig  `json:"telegram"`
	API      APIConfig       `json:"api"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig selects where cursors and the enabled flag live.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "/var/lib/tasknotify/state.db" }
//
// An omitted section uses the file driver under the XDG data dir.
type StorageConfig struct {
	Driver      string       `json:"driver"`
	Path        string       `json:"path,omitempty"`
	BusyTimeout string       `json:"busy_timeout,omitempty"` // sqlite
	Redis       *RedisConfig `json:"redis,omitempty"`
}

type RedisConfig struct {
	Addr     string `json:"addr"`
	Password string `json:"password,omitempty"`
	DB       int    `json:"db,omitempty"`
	Prefix   string `json:"prefix,omitempty"`
}

// PollerConfig controls triggering and cycle bounds.
//
// Schedule accepts "5m", "@every 5m", "HH:MM" or a cron expression.
// EnabledDefault is a pointer so an omitted key means true.
type PollerConfig struct {
	EnabledDefault *bool  `json:"enabled_default,omitempty"`
	Schedule       string `json:"schedule,omitempty"`
	Timezone       string `json:"timezone,omitempty"`
	FetchLimit     int    `json:"fetch_limit,omitempty"`
	Timeout        string `json:"timeout,omitempty"`
}

// SourceConfig describes one polled task list. Kind is "servicenow" or "feed".
type SourceConfig struct {
	Key      string         `json:"key"`
	Name     string         `json:"name,omitempty"`
	Kind     string         `json:"kind"`
	URL      string         `json:"url"`
	Username string         `json:"username,omitempty"`
	Password string         `json:"password,omitempty"`
	Token    string         `json:"token,omitempty"`
	Limit    int            `json:"limit,omitempty"`
	Timeout  string         `json:"timeout,omitempty"`
	Breaker  *BreakerConfig `json:"breaker,omitempty"`
}

type BreakerConfig struct {
	Failures uint   `json:"failures,omitempty"`
	Window   uint   `json:"window,omitempty"`
	Delay    string `json:"delay,omitempty"`
}

// NotifierConfig controls the async delivery pipeline. If the whole section
// is omitted the notifier runs with defaults.
type NotifierConfig struct {
	Enabled       bool   `json:"enabled"`
	Workers       int    `json:"workers"`
	QueueSize     int    `json:"queue_size"`
	RatePerSec    int    `json:"rate_per_sec"`
	RetryMax      int    `json:"retry_max"`
	RetryBase     string `json:"retry_base"`
	RetryMaxDelay string `json:"retry_max_delay"`
}

type DesktopConfig struct {
	Enabled bool     `json:"enabled"`
	Command []string `json:"command,omitempty"`
}

type SoundConfig struct {
	Enabled bool     `json:"enabled"`
	Command []string `json:"command,omitempty"`
	File    string   `json:"file,omitempty"`
}

type TelegramConfig struct {
	Enabled      bool    `json:"enabled"`
	Token        string  `json:"token"`
	ChatID       int64   `json:"chat_id"`
	ThreadID     int     `json:"thread_id,omitempty"`
	OwnerUserIDs []int64 `json:"owner_user_ids"`
	PollTimeout  string  `json:"poll_timeout,omitempty"`
}

// APIConfig controls the local HTTP API.
//
// Security note:
//   - Prefer binding to localhost (default "127.0.0.1:8787").
//   - A non-loopback Addr needs a Token or AllowInsecure.
type APIConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`
	Token         string `json:"token,omitempty"` // bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}
