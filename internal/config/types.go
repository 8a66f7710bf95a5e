package config

type Config struct {
	Logging   LoggingConfig             `json:"logging"`
	Storage   *StorageConfig            `json:"storage,omitempty"`
	Scheduler SchedulerConfig           `json:"scheduler"`
	Metrics   MetricsConfig             `json:"metrics"`
	Retry     RetryConfig               `json:"retry"`
	Platforms map[string]PlatformConfig `json:"platforms"`
	API       APIConfig                 `json:"api"`
	Notify    *NotifyConfig             `json:"notify,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	JSON    bool        `json:"json,omitempty"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig controls the post store.
//
// Example:
//
//	storage: { driver: "file", path: "./data/posts.json" }
//
// If the section is omitted the file driver is used with ./posts.json.
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// SchedulerConfig controls the post dispatch loop.
//
// All durations are Go duration strings (e.g. "30s", "1m").
type SchedulerConfig struct {
	Enabled  *bool  `json:"enabled,omitempty"`  // default true
	Interval string `json:"interval,omitempty"` // default 30s
	// Timezone is used to read and write schedule_time in the file store.
	Timezone string `json:"timezone,omitempty"`
}

type MetricsConfig struct {
	Enabled      *bool  `json:"enabled,omitempty"`       // default true
	InitialDelay string `json:"initial_delay,omitempty"` // default 60s
	Interval     string `json:"interval,omitempty"`      // default 10m
}

// RetryConfig tunes the in-call publish retry policy.
type RetryConfig struct {
	Attempts      int    `json:"attempts,omitempty"`        // default 3
	RateLimitWait string `json:"rate_limit_wait,omitempty"` // default 60s
	ServerWait    string `json:"server_wait,omitempty"`     // default 10s
	MaxWait       string `json:"max_wait,omitempty"`        // default 5m; caps Retry-After hints
}

// PlatformConfig is the static per-platform setting.
// Credentials never live here; see Secrets.
type PlatformConfig struct {
	Enabled bool `json:"enabled"`
	// RateLimit is the number of publishes allowed per 24h (0 = unlimited).
	RateLimit int    `json:"rate_limit,omitempty"`
	Timeout   string `json:"timeout,omitempty"` // per adapter call, default 30s
	BaseURL   string `json:"base_url,omitempty"`

	// Telegram channel target.
	ChatID int64 `json:"chat_id,omitempty"`
	// LinkedIn author URN (urn:li:person:... or urn:li:organization:...).
	AuthorURN string `json:"author_urn,omitempty"`
}

type APIConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"` // default 127.0.0.1:8080
	// AllowUnknownPlatform accepts posts for platforms that are not configured.
	// Such posts stay pending and show up as blocked.
	AllowUnknownPlatform bool `json:"allow_unknown_platform,omitempty"`
	// Pprof exposes /debug/pprof on the API listener (behind API_TOKEN when set).
	Pprof bool `json:"pprof,omitempty"`
}

type NotifyConfig struct {
	Enabled    bool  `json:"enabled"`
	ChatID     int64 `json:"chat_id"`
	ThreadID   int   `json:"thread_id,omitempty"`
	RatePerMin int   `json:"rate_per_min,omitempty"` // default 6
}

// SchedulerEnabled reports the effective scheduler flag (default true).
func (c *Config) SchedulerEnabled() bool {
	return c == nil || c.Scheduler.Enabled == nil || *c.Scheduler.Enabled
}

// MetricsEnabled reports the effective refresher flag (default true).
func (c *Config) MetricsEnabled() bool {
	return c == nil || c.Metrics.Enabled == nil || *c.Metrics.Enabled
}
