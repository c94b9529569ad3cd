package config

import (
	"reflect"
	"sort"
	"strings"

	logx "tasknotify/pkg/logx"
)

// Sections whose changes are only picked up after a restart.
var restartSections = map[string]bool{
	"storage":  true,
	"sources":  true,
	"telegram": true,
}

// SummarizeChange returns the changed top-level sections and safe log fields
// describing them. Secrets (tokens, passwords) are reported only as "_set".
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 16)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, "storage")
		driver := ""
		if newCfg.Storage != nil {
			driver = strings.TrimSpace(newCfg.Storage.Driver)
		}
		attrs = append(attrs, logx.String("storage.driver", driver))
	}

	if !reflect.DeepEqual(oldCfg.Poller, newCfg.Poller) {
		changed = append(changed, "poller")
		attrs = append(attrs,
			logx.String("poller.schedule", strings.TrimSpace(newCfg.Poller.Schedule)),
			logx.String("poller.timezone", strings.TrimSpace(newCfg.Poller.Timezone)),
			logx.String("poller.timeout", strings.TrimSpace(newCfg.Poller.Timeout)),
		)
	}

	if !reflect.DeepEqual(oldCfg.Sources, newCfg.Sources) {
		changed = append(changed, "sources")
		keys := make([]string, 0, len(newCfg.Sources))
		for _, s := range newCfg.Sources {
			keys = append(keys, s.Key)
		}
		attrs = append(attrs, logx.String("sources.keys", strings.Join(keys, ",")))
	}

	if !reflect.DeepEqual(oldCfg.Notifier, newCfg.Notifier) {
		changed = append(changed, "notifier")
		if n := newCfg.Notifier; n != nil {
			attrs = append(attrs,
				logx.Bool("notifier.enabled", n.Enabled),
				logx.Int("notifier.workers", n.Workers),
				logx.Int("notifier.rate_per_sec", n.RatePerSec),
			)
		}
	}

	if !reflect.DeepEqual(oldCfg.Desktop, newCfg.Desktop) {
		changed = append(changed, "desktop")
		attrs = append(attrs, logx.Bool("desktop.enabled", newCfg.Desktop.Enabled))
	}
	if !reflect.DeepEqual(oldCfg.Sound, newCfg.Sound) {
		changed = append(changed, "sound")
		attrs = append(attrs, logx.Bool("sound.enabled", newCfg.Sound.Enabled))
	}

	if !reflect.DeepEqual(oldCfg.Telegram, newCfg.Telegram) {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.Bool("telegram.enabled", newCfg.Telegram.Enabled),
			logx.Bool("telegram.token_set", strings.TrimSpace(newCfg.Telegram.Token) != ""),
			logx.Int("telegram.owner_count", len(newCfg.Telegram.OwnerUserIDs)),
		)
	}

	if !reflect.DeepEqual(oldCfg.API, newCfg.API) {
		changed = append(changed, "api")
		attrs = append(attrs,
			logx.Bool("api.enabled", newCfg.API.Enabled),
			logx.String("api.addr", strings.TrimSpace(newCfg.API.Addr)),
			logx.Bool("api.token_set", strings.TrimSpace(newCfg.API.Token) != ""),
			logx.Bool("api.pprof", newCfg.API.Pprof),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}

// RestartRequired returns the subset of sections that hot reload cannot apply.
func RestartRequired(sections []string) []string {
	var out []string
	for _, s := range sections {
		if restartSections[s] {
			out = append(out, s)
		}
	}
	return out
}
