package app

import (
	"fmt"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"crosspost/internal/capability"
	"crosspost/internal/config"
	"crosspost/internal/content"
	"crosspost/internal/dispatch"
	"crosspost/internal/envelope"
	"crosspost/internal/observability/pprof"
	"crosspost/internal/publisher"
	"crosspost/internal/scheduler"
	"crosspost/internal/storage"
	logx "crosspost/pkg/logx"
)

const (
	defaultFilePath       = "./data/jobs.json"
	defaultSQLitePath     = "./data/jobs.db"
	defaultMediaDir       = "./data/media"
	defaultPublishTimeout = 2 * time.Minute
	defaultFetchTimeout   = 10 * time.Second
	defaultHTTPTimeout    = 60 * time.Second
)

func mapLoggingConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Format:  cfg.Logging.Format,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	path := strings.TrimSpace(sc.Path)

	switch driver {
	case "", "file", "json":
		if path == "" {
			path = defaultFilePath
		}
		return storage.Config{Driver: "file", Path: path}, nil
	case "sqlite", "sqlite3":
		if path == "" {
			path = defaultSQLitePath
		}
		busy, err := config.ParseDurationField("storage.busy_timeout", sc.BusyTimeout)
		if err != nil {
			return storage.Config{}, err
		}
		return storage.Config{Driver: "sqlite", Path: path, BusyTimeout: busy}, nil
	default:
		return storage.Config{}, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

// mapKey parses crypto.key. An empty key is allowed; scheduling then fails
// with an internal error while immediate publishing keeps working.
func mapKey(cfg *config.Config) (envelope.Key, error) {
	raw := strings.TrimSpace(cfg.Crypto.Key)
	if raw == "" {
		return envelope.Key{}, nil
	}
	k, err := envelope.ParseKey(raw)
	if err != nil {
		return envelope.Key{}, fmt.Errorf("crypto.key: %w", err)
	}
	return k, nil
}

func mapSchedulerConfig(cfg *config.Config) (scheduler.Config, error) {
	poll, err := config.ParseDurationOrDefault("scheduler.poll_interval", cfg.Scheduler.PollInterval, scheduler.DefaultPollInterval)
	if err != nil {
		return scheduler.Config{}, err
	}
	key, err := mapKey(cfg)
	if err != nil {
		return scheduler.Config{}, err
	}
	dir := strings.TrimSpace(cfg.Scheduler.MediaDir)
	if dir == "" {
		dir = defaultMediaDir
	}
	return scheduler.Config{
		Enabled:      cfg.Scheduler.Enabled,
		PollInterval: poll,
		MediaDir:     filepath.Clean(dir),
		Key:          key,
	}, nil
}

func mapCapabilityOptions(cfg *config.Config, log logx.Logger) ([]capability.Option, error) {
	ttl, err := config.ParseDurationOrDefault("capabilities.cache_ttl", cfg.Capabilities.CacheTTL, capability.DefaultTTL)
	if err != nil {
		return nil, err
	}
	timeout, err := config.ParseDurationOrDefault("capabilities.fetch_timeout", cfg.Capabilities.FetchTimeout, defaultFetchTimeout)
	if err != nil {
		return nil, err
	}
	return []capability.Option{
		capability.WithTTL(ttl),
		capability.WithHTTPClient(&http.Client{Timeout: timeout}),
		capability.WithLogger(log),
	}, nil
}

func mapDispatchOptions(cfg *config.Config, log logx.Logger) ([]dispatch.Option, error) {
	timeout, err := config.ParseDurationOrDefault("dispatch.publish_timeout", cfg.Dispatch.PublishTimeout, defaultPublishTimeout)
	if err != nil {
		return nil, err
	}
	opts := []dispatch.Option{dispatch.WithTimeout(timeout), dispatch.WithLogger(log)}
	for name, rl := range cfg.Dispatch.RateLimits {
		p, ok := platformByName(name)
		if !ok {
			return nil, fmt.Errorf("dispatch.rate_limits: unknown platform %q", name)
		}
		if rl.PerSec <= 0 {
			continue
		}
		opts = append(opts, dispatch.WithRateLimit(p, rl.PerSec, max(rl.Burst, 1)))
	}
	return opts, nil
}

func mapPublisherConfig(cfg *config.Config, log logx.Logger) (publisher.Config, error) {
	timeout, err := config.ParseDurationOrDefault("publishers.timeout", cfg.Publishers.Timeout, defaultHTTPTimeout)
	if err != nil {
		return publisher.Config{}, err
	}
	return publisher.Config{
		XAPIBase:       cfg.Publishers.X.APIBase,
		XUploadBase:    cfg.Publishers.X.UploadBase,
		BlueskyService: cfg.Publishers.Bluesky.Service,
		HTTPClient:     &http.Client{Timeout: timeout},
		Log:            log,
	}, nil
}

func mapDebugConfig(cfg *config.Config) (pprof.Config, error) {
	dc := pprof.Config{
		Enabled: cfg.Debug.Enabled,
		Addr:    strings.TrimSpace(cfg.Debug.Addr),
		Prefix:  cfg.Debug.Prefix,
		Token:   strings.TrimSpace(cfg.Debug.Token),
	}
	return dc, dc.Validate()
}

func platformByName(name string) (content.Platform, bool) {
	name = strings.ToLower(strings.TrimSpace(name))
	for _, p := range content.Platforms {
		if string(p) == name {
			return p, true
		}
	}
	return "", false
}

// validateConfig rejects a reloaded config that could not be mapped.
func validateConfig(cfg *config.Config) error {
	if _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if _, err := mapSchedulerConfig(cfg); err != nil {
		return err
	}
	if _, err := mapDispatchOptions(cfg, logx.Nop()); err != nil {
		return err
	}
	if _, err := mapCapabilityOptions(cfg, logx.Nop()); err != nil {
		return err
	}
	if _, err := mapPublisherConfig(cfg, logx.Nop()); err != nil {
		return err
	}
	_, err := mapDebugConfig(cfg)
	return err
}
