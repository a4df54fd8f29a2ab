package config

// Config is the on-disk configuration. Durations are Go duration strings
// ("500ms", "10s", "1m"); empty strings select the defaults.
type Config struct {
	Logging      LoggingConfig      `json:"logging"`
	Storage      StorageConfig      `json:"storage"`
	Scheduler    SchedulerConfig    `json:"scheduler"`
	Crypto       CryptoConfig       `json:"crypto"`
	Capabilities CapabilitiesConfig `json:"capabilities,omitempty"`
	Dispatch     DispatchConfig     `json:"dispatch,omitempty"`
	Publishers   PublishersConfig   `json:"publishers,omitempty"`
	Debug        DebugConfig        `json:"debug,omitempty"`
}

type LoggingConfig struct {
	Level   string            `env:"CROSSPOST_LOG_LEVEL"   json:"level"`
	Format  string            `env:"CROSSPOST_LOG_FORMAT"  json:"format,omitempty"`
	Console bool              `env:"CROSSPOST_LOG_CONSOLE" json:"console"`
	File    LoggingFileConfig `json:"file,omitempty"`
}

type LoggingFileConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig selects the job store.
//
// Defaults (when fields are omitted/zero):
//   - driver: "file"
//   - path: "./data/jobs.json" (file) or "./data/jobs.db" (sqlite)
//   - busy_timeout: "5s" (sqlite only)
//
// The file driver admits one process at a time. Use "sqlite" to run CLI
// commands against the store while serve is up.
type StorageConfig struct {
	Driver      string `env:"CROSSPOST_STORAGE_DRIVER"       json:"driver,omitempty"`
	Path        string `env:"CROSSPOST_STORAGE_PATH"         json:"path,omitempty"`
	BusyTimeout string `env:"CROSSPOST_STORAGE_BUSY_TIMEOUT" json:"busy_timeout,omitempty"`
}

type SchedulerConfig struct {
	Enabled      bool   `env:"CROSSPOST_SCHEDULER_ENABLED"       json:"enabled"`
	PollInterval string `env:"CROSSPOST_SCHEDULER_POLL_INTERVAL" json:"poll_interval,omitempty"`
	MediaDir     string `env:"CROSSPOST_SCHEDULER_MEDIA_DIR"     json:"media_dir,omitempty"`
}

// CryptoConfig holds the payload envelope key: 64 hex characters or base64 of
// 32 bytes. Usually supplied through CROSSPOST_CRYPTO_KEY rather than the file.
type CryptoConfig struct {
	Key string `env:"CROSSPOST_CRYPTO_KEY" json:"key,omitempty"`
}

type CapabilitiesConfig struct {
	CacheTTL     string `json:"cache_ttl,omitempty"`
	FetchTimeout string `json:"fetch_timeout,omitempty"`
}

type DispatchConfig struct {
	PublishTimeout string                     `json:"publish_timeout,omitempty"`
	RateLimits     map[string]RateLimitConfig `json:"rate_limits,omitempty"`
}

// RateLimitConfig caps outgoing publishes for one platform. PerSec <= 0
// disables the limiter.
type RateLimitConfig struct {
	PerSec float64 `json:"per_sec"`
	Burst  int     `json:"burst,omitempty"`
}

type PublishersConfig struct {
	X        XPublisherConfig        `json:"x,omitempty"`
	Mastodon MastodonPublisherConfig `json:"mastodon,omitempty"`
	Bluesky  BlueskyPublisherConfig  `json:"bluesky,omitempty"`
	// Timeout bounds a single HTTP round trip to a platform API.
	Timeout string `json:"timeout,omitempty"`
}

type XPublisherConfig struct {
	APIBase    string `json:"api_base,omitempty"`
	UploadBase string `json:"upload_base,omitempty"`
}

// MastodonPublisherConfig has no settings yet; the instance comes from each
// request's credentials.
type MastodonPublisherConfig struct{}

type BlueskyPublisherConfig struct {
	Service string `json:"service,omitempty"`
}

// DebugConfig controls the pprof and /healthz listener. It is applied live
// on reload. A non-loopback addr requires a token.
type DebugConfig struct {
	Enabled bool   `env:"CROSSPOST_DEBUG_ENABLED" json:"enabled"`
	Addr    string `env:"CROSSPOST_DEBUG_ADDR"    json:"addr,omitempty"`
	Prefix  string `json:"prefix,omitempty"`
	Token   string `env:"CROSSPOST_DEBUG_TOKEN"   json:"token,omitempty"`
}
