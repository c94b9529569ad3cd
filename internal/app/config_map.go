package app

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/adrg/xdg"

	"tasknotify/internal/api"
	"tasknotify/internal/config"
	"tasknotify/internal/item"
	"tasknotify/internal/notifier"
	"tasknotify/internal/poller"
	"tasknotify/internal/scheduler"
	"tasknotify/internal/sound"
	"tasknotify/internal/source/feed"
	"tasknotify/internal/source/servicenow"
	"tasknotify/internal/storage"
	"tasknotify/internal/transport/telegram"
	logx "tasknotify/pkg/logx"
)

const appName = "tasknotify"

// DefaultConfigPath is $XDG_CONFIG_HOME/tasknotify/config.yaml.
func DefaultConfigPath() string {
	return filepath.Join(xdg.ConfigHome, appName, "config.yaml")
}

// defaultStatePath is $XDG_DATA_HOME/tasknotify/<name>.
func defaultStatePath(name string) string {
	return filepath.Join(xdg.DataHome, appName, name)
}

// mapLoggingConfig defaults the log file to $XDG_STATE_HOME/tasknotify/.
func mapLoggingConfig(cfg *config.Config) logx.Config {
	path := strings.TrimSpace(cfg.Logging.File.Path)
	if path == "" {
		path = filepath.Join(xdg.StateHome, appName, appName+".log")
	}
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    path,
		},
	}
}

// mapStorageConfig resolves the store. An omitted section or driver means
// the file driver under the XDG data dir; "none" and "memory" keep state in
// memory only.
func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	if sc == nil {
		return storage.Config{Driver: "file", Path: defaultStatePath("state")}, nil
	}
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	path := strings.TrimSpace(sc.Path)

	switch driver {
	case "none", "memory":
		return storage.Config{Driver: "memory"}, nil
	case "", "file":
		if path == "" {
			path = defaultStatePath("state")
		}
		return storage.Config{Driver: "file", Path: path}, nil
	case "sqlite", "sqlite3":
		if path == "" {
			path = defaultStatePath("state.db")
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, err
		}
		return storage.Config{Driver: "sqlite", Path: path, BusyTimeout: busy}, nil
	case "redis":
		if sc.Redis == nil || strings.TrimSpace(sc.Redis.Addr) == "" {
			return storage.Config{}, fmt.Errorf("storage.redis.addr is required when storage.driver=redis")
		}
		return storage.Config{Driver: "redis", Redis: storage.RedisConfig{
			Addr:     strings.TrimSpace(sc.Redis.Addr),
			Password: sc.Redis.Password,
			DB:       sc.Redis.DB,
			Prefix:   sc.Redis.Prefix,
		}}, nil
	default:
		return storage.Config{}, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

func enabledDefault(cfg *config.Config) bool {
	if cfg.Poller.EnabledDefault == nil {
		return true
	}
	return *cfg.Poller.EnabledDefault
}

func mapPollerConfig(cfg *config.Config) (poller.Config, error) {
	timeout, err := config.ParseDurationOrDefault("poller.timeout", cfg.Poller.Timeout, poller.DefaultTimeout)
	if err != nil {
		return poller.Config{}, err
	}
	return poller.Config{Timeout: timeout}, nil
}

func mapSchedulerConfig(cfg *config.Config) (scheduler.Config, error) {
	sc := scheduler.Config{
		Schedule: strings.TrimSpace(cfg.Poller.Schedule),
		Timezone: strings.TrimSpace(cfg.Poller.Timezone),
	}
	if sc.Schedule == "" {
		sc.Schedule = scheduler.DefaultSchedule
	}
	if _, err := scheduler.ParseSchedule(sc.Schedule); err != nil {
		return scheduler.Config{}, fmt.Errorf("poller.schedule: %w", err)
	}
	if sc.Timezone != "" {
		if _, err := time.LoadLocation(sc.Timezone); err != nil {
			return scheduler.Config{}, fmt.Errorf("poller.timezone: invalid %q: %w", sc.Timezone, err)
		}
	}
	return sc, nil
}

// buildSources constructs one item.Source per configured entry. Keys must
// be unique since they name cursors.
func buildSources(cfg *config.Config, log logx.Logger) ([]item.Source, error) {
	out := make([]item.Source, 0, len(cfg.Sources))
	seen := map[string]bool{}
	for i, sc := range cfg.Sources {
		path := fmt.Sprintf("sources[%d]", i)
		limit := sc.Limit
		if limit <= 0 {
			limit = cfg.Poller.FetchLimit
		}
		timeout, err := config.ParseDurationField(path+".timeout", sc.Timeout)
		if err != nil {
			return nil, err
		}

		var src item.Source
		switch strings.ToLower(strings.TrimSpace(sc.Kind)) {
		case "", "servicenow":
			var b servicenow.BreakerConfig
			if sc.Breaker != nil {
				delay, err := config.ParseDurationField(path+".breaker.delay", sc.Breaker.Delay)
				if err != nil {
					return nil, err
				}
				b = servicenow.BreakerConfig{Failures: sc.Breaker.Failures, Window: sc.Breaker.Window, Delay: delay}
			}
			s, err := servicenow.New(servicenow.Config{
				Key:      sc.Key,
				Name:     sc.Name,
				URL:      sc.URL,
				Username: sc.Username,
				Password: sc.Password,
				Token:    sc.Token,
				Limit:    limit,
				Timeout:  timeout,
				Breaker:  b,
			}, log.With(logx.String("source", sc.Key)))
			if err != nil {
				return nil, fmt.Errorf("%s: %w", path, err)
			}
			src = s
		case "feed", "rss", "atom":
			s, err := feed.New(feed.Config{
				Key:      sc.Key,
				Name:     sc.Name,
				URL:      sc.URL,
				Username: sc.Username,
				Password: sc.Password,
				Token:    sc.Token,
				Limit:    limit,
				Timeout:  timeout,
			})
			if err != nil {
				return nil, fmt.Errorf("%s: %w", path, err)
			}
			src = s
		default:
			return nil, fmt.Errorf("%s.kind: unknown %q", path, sc.Kind)
		}

		if seen[src.Key()] {
			return nil, fmt.Errorf("%s.key: duplicate %q", path, src.Key())
		}
		seen[src.Key()] = true
		out = append(out, src)
	}
	return out, nil
}

// mapNotifierConfig treats an omitted section as enabled with defaults.
func mapNotifierConfig(cfg *config.Config) (notifier.Config, error) {
	nc := cfg.Notifier
	if nc == nil {
		return notifier.Config{Enabled: true}, nil
	}
	if nc.Workers < 0 || nc.QueueSize < 0 || nc.RatePerSec < 0 || nc.RetryMax < 0 {
		return notifier.Config{}, fmt.Errorf("notifier: workers, queue_size, rate_per_sec and retry_max must be >= 0")
	}
	base, err := config.ParseDurationField("notifier.retry_base", nc.RetryBase)
	if err != nil {
		return notifier.Config{}, err
	}
	maxDelay, err := config.ParseDurationField("notifier.retry_max_delay", nc.RetryMaxDelay)
	if err != nil {
		return notifier.Config{}, err
	}
	return notifier.Config{
		Enabled:       nc.Enabled,
		Workers:       nc.Workers,
		QueueSize:     nc.QueueSize,
		RatePerSec:    nc.RatePerSec,
		RetryMax:      nc.RetryMax,
		RetryBase:     base,
		RetryMaxDelay: maxDelay,
	}, nil
}

func mapSoundConfig(cfg *config.Config) sound.Config {
	return sound.Config{
		Enabled: cfg.Sound.Enabled,
		Command: cfg.Sound.Command,
		File:    cfg.Sound.File,
	}
}

func mapTelegramConfig(cfg *config.Config) (telegram.Config, error) {
	tc := cfg.Telegram
	timeout, err := config.ParseDurationOrDefault("telegram.poll_timeout", tc.PollTimeout, 10*time.Second)
	if err != nil {
		return telegram.Config{}, err
	}
	if tc.Enabled && strings.TrimSpace(tc.Token) == "" {
		return telegram.Config{}, fmt.Errorf("telegram.token is required when telegram.enabled=true")
	}
	return telegram.Config{
		Enabled:      tc.Enabled,
		Token:        strings.TrimSpace(tc.Token),
		ChatID:       tc.ChatID,
		ThreadID:     tc.ThreadID,
		OwnerUserIDs: tc.OwnerUserIDs,
		PollTimeout:  timeout,
	}, nil
}

func mapAPIConfig(cfg *config.Config) (api.Config, error) {
	ac := cfg.API
	read, err := config.ParseDurationOrDefault("api.read_timeout", ac.ReadTimeout, 10*time.Second)
	if err != nil {
		return api.Config{}, err
	}
	write, err := config.ParseDurationOrDefault("api.write_timeout", ac.WriteTimeout, time.Minute)
	if err != nil {
		return api.Config{}, err
	}
	idle, err := config.ParseDurationOrDefault("api.idle_timeout", ac.IdleTimeout, 2*time.Minute)
	if err != nil {
		return api.Config{}, err
	}
	addr := strings.TrimSpace(ac.Addr)
	if addr == "" {
		addr = api.DefaultAddr
	}
	return api.Config{
		Enabled:       ac.Enabled,
		Addr:          addr,
		Token:         strings.TrimSpace(ac.Token),
		AllowInsecure: ac.AllowInsecure,
		Pprof:         ac.Pprof,
		ReadTimeout:   read,
		WriteTimeout:  write,
		IdleTimeout:   idle,
	}, nil
}

// Validate checks every section the way startup would map it.
func Validate(cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	if _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if _, err := mapPollerConfig(cfg); err != nil {
		return err
	}
	if _, err := mapSchedulerConfig(cfg); err != nil {
		return err
	}
	if _, err := buildSources(cfg, logx.Nop()); err != nil {
		return err
	}
	if _, err := mapNotifierConfig(cfg); err != nil {
		return err
	}
	if _, err := mapTelegramConfig(cfg); err != nil {
		return err
	}
	if _, err := mapAPIConfig(cfg); err != nil {
		return err
	}
	return nil
}
