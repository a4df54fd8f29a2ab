package config

import (
	"fmt"
	"strings"
	"time"

	logx "crosspost/pkg/logx"
)

func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return def, nil
	}
	return d, nil
}

// Validate checks every duration string and bound in cfg. It does not check
// the crypto key; that is parsed where the key is used.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	durations := []struct{ path, raw string }{
		{"storage.busy_timeout", cfg.Storage.BusyTimeout},
		{"scheduler.poll_interval", cfg.Scheduler.PollInterval},
		{"capabilities.cache_ttl", cfg.Capabilities.CacheTTL},
		{"capabilities.fetch_timeout", cfg.Capabilities.FetchTimeout},
		{"dispatch.publish_timeout", cfg.Dispatch.PublishTimeout},
		{"publishers.timeout", cfg.Publishers.Timeout},
	}
	for _, d := range durations {
		if _, err := ParseDurationField(d.path, d.raw); err != nil {
			return err
		}
	}
	if d, _ := ParseDurationField("", cfg.Scheduler.PollInterval); d > 0 && d < time.Second {
		return fmt.Errorf("scheduler.poll_interval must be >= 1s")
	}
	if !logx.ValidFormat(cfg.Logging.Format) {
		return fmt.Errorf("logging.format must be %q or %q", logx.FormatConsole, logx.FormatJSON)
	}
	for name, rl := range cfg.Dispatch.RateLimits {
		if rl.PerSec < 0 {
			return fmt.Errorf("dispatch.rate_limits.%s.per_sec must be >= 0", name)
		}
		if rl.Burst < 0 {
			return fmt.Errorf("dispatch.rate_limits.%s.burst must be >= 0", name)
		}
	}
	return nil
}
