package config

import (
	"reflect"
	"sort"
	"strings"

	logx "crosspost/pkg/logx"
)

// SummarizeConfigChange returns the changed top-level sections and safe
// structured attrs for logging. The crypto key is never included.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 12)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.String("logging.format", newCfg.Logging.Format),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}
	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", newCfg.Storage.Driver),
			logx.String("storage.path", newCfg.Storage.Path),
		)
	}
	if oldCfg.Scheduler != newCfg.Scheduler {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.Bool("scheduler.enabled", newCfg.Scheduler.Enabled),
			logx.String("scheduler.poll_interval", strings.TrimSpace(newCfg.Scheduler.PollInterval)),
		)
	}
	if strings.TrimSpace(oldCfg.Crypto.Key) != strings.TrimSpace(newCfg.Crypto.Key) {
		changed = append(changed, "crypto")
		attrs = append(attrs, logx.Bool("crypto.key_set", strings.TrimSpace(newCfg.Crypto.Key) != ""))
	}
	if oldCfg.Capabilities != newCfg.Capabilities {
		changed = append(changed, "capabilities")
		attrs = append(attrs, logx.String("capabilities.cache_ttl", newCfg.Capabilities.CacheTTL))
	}
	if !reflect.DeepEqual(oldCfg.Dispatch, newCfg.Dispatch) {
		changed = append(changed, "dispatch")
		limited := make([]string, 0, len(newCfg.Dispatch.RateLimits))
		for name, rl := range newCfg.Dispatch.RateLimits {
			if rl.PerSec > 0 {
				limited = append(limited, name)
			}
		}
		sort.Strings(limited)
		attrs = append(attrs,
			logx.String("dispatch.publish_timeout", newCfg.Dispatch.PublishTimeout),
			logx.Strings("dispatch.rate_limited", limited),
		)
	}
	if oldCfg.Publishers != newCfg.Publishers {
		changed = append(changed, "publishers")
	}
	if oldCfg.Debug != newCfg.Debug {
		changed = append(changed, "debug")
		attrs = append(attrs,
			logx.Bool("debug.enabled", newCfg.Debug.Enabled),
			logx.String("debug.addr", newCfg.Debug.Addr),
			logx.Bool("debug.token_set", newCfg.Debug.Token != ""),
		)
	}
	return changed, attrs
}

// RestartRequired lists the changed sections that only take effect on
// restart. Logging and debug are applied live.
func RestartRequired(sections []string) []string {
	var out []string
	for _, s := range sections {
		if s != "logging" && s != "debug" {
			out = append(out, s)
		}
	}
	return out
}
