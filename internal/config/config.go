// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Workers   WorkersConfig   `mapstructure:"workers"`
	Results   ResultsConfig   `mapstructure:"results"`
	Chrome    ChromeConfig    `mapstructure:"chrome"`
	Cookies   CookiesConfig   `mapstructure:"cookies"`
	Lens      LensConfig      `mapstructure:"lens"`
	Fetch     FetchConfig     `mapstructure:"fetch"`
	Workspace WorkspaceConfig `mapstructure:"workspace"`
	Storage   StorageConfig   `mapstructure:"storage"`
	DB        DBConfig        `mapstructure:"db"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
	RateLimit RateLimitConfig `mapstructure:"ratelimit"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Host           string `mapstructure:"host"`
	Port           int    `mapstructure:"port"`
	RequestTimeout int    `mapstructure:"request_timeout_seconds"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// AuthConfig defines WebSocket token authentication toggles.
type AuthConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	Secret       string `mapstructure:"secret"`
	TokenTTLMins int    `mapstructure:"token_ttl_minutes"`
}

// WorkersConfig governs the per-mode worker pools and job pacing.
type WorkersConfig struct {
	Images         int  `mapstructure:"images"`
	Text           int  `mapstructure:"text"`
	QueueDepth     int  `mapstructure:"queue_depth"`
	JobTimeoutSec  int  `mapstructure:"job_timeout_seconds"`
	JobDelaySec    int  `mapstructure:"job_delay_seconds"`
	EagerStart     bool `mapstructure:"eager_start"`
	PrewarmBrowser bool `mapstructure:"prewarm_browser"`
}

// ResultsConfig controls the in-memory result store lifecycle.
type ResultsConfig struct {
	TTLSeconds    int `mapstructure:"ttl_seconds"`
	SweepSeconds  int `mapstructure:"sweep_seconds"`
	MaxImageBytes int `mapstructure:"max_image_bytes"`
}

// ChromeConfig locates and tunes the headless browser.
type ChromeConfig struct {
	Binary       string `mapstructure:"binary"`
	DriverPath   string `mapstructure:"driver_path"`
	ExtraArgs    string `mapstructure:"extra_args"`
	ProfileBase  string `mapstructure:"profile_base"`
	IdleSeconds  int    `mapstructure:"idle_seconds"`
	NavTimeout   int    `mapstructure:"nav_timeout_seconds"`
	MaxSessions  int    `mapstructure:"max_sessions"`
	WindowWidth  int    `mapstructure:"window_width"`
	WindowHeight int    `mapstructure:"window_height"`
}

// CookiesConfig selects where Google session cookies come from.
type CookiesConfig struct {
	JSONURL           string `mapstructure:"json_url"`
	TTLSeconds        int    `mapstructure:"ttl_seconds"`
	BrowserTTLSeconds int    `mapstructure:"browser_ttl_seconds"`
}

// LensConfig addresses the upstream translation endpoint.
type LensConfig struct {
	Origin           string `mapstructure:"origin"`
	UserAgent        string `mapstructure:"user_agent"`
	UploadTimeoutSec int    `mapstructure:"upload_timeout_seconds"`
	ResultTimeoutSec int    `mapstructure:"result_timeout_seconds"`
}

// FetchConfig configures the source-image fetcher.
type FetchConfig struct {
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
	UserAgent      string `mapstructure:"user_agent"`
	MaxBodyBytes   int64  `mapstructure:"max_body_bytes"`
}

// WorkspaceConfig names the scratch directories prepared at startup.
type WorkspaceConfig struct {
	DownloadsDir   string `mapstructure:"downloads_dir"`
	CacheDir       string `mapstructure:"cache_dir"`
	DriverCacheDir string `mapstructure:"driver_cache_dir"`
	Strict         bool   `mapstructure:"strict"`
}

// StorageConfig selects the blob backend for oversized OCR images.
type StorageConfig struct {
	OffloadImages bool   `mapstructure:"offload_images"`
	Backend       string `mapstructure:"backend"`
	GCSBucket     string `mapstructure:"gcs_bucket"`
	Prefix        string `mapstructure:"prefix"`
}

// DBConfig controls the optional Postgres result archive.
type DBConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	DSN          string `mapstructure:"dsn"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
}

// PubSubConfig holds metadata for completion-event publishing.
type PubSubConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// RateLimitConfig paces outbound traffic per host.
type RateLimitConfig struct {
	LensRPS    float64 `mapstructure:"lens_rps"`
	LensBurst  int     `mapstructure:"lens_burst"`
	FetchRPS   float64 `mapstructure:"fetch_rps"`
	FetchBurst int     `mapstructure:"fetch_burst"`
}

// TelemetryConfig controls the OpenTelemetry trace exporter.
type TelemetryConfig struct {
	TraceEnabled bool   `mapstructure:"trace_enabled"`
	ProjectID    string `mapstructure:"project_id"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("LENSLATE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.request_timeout_seconds", 60)
	v.SetDefault("logging.development", true)
	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.token_ttl_minutes", 60)
	v.SetDefault("workers.images", 8)
	v.SetDefault("workers.text", 3)
	v.SetDefault("workers.queue_depth", 64)
	v.SetDefault("workers.job_timeout_seconds", 90)
	v.SetDefault("workers.job_delay_seconds", 0)
	v.SetDefault("workers.eager_start", false)
	v.SetDefault("workers.prewarm_browser", false)
	v.SetDefault("results.ttl_seconds", 300)
	v.SetDefault("results.sweep_seconds", 60)
	v.SetDefault("results.max_image_bytes", 5_000_000)
	v.SetDefault("chrome.binary", "/usr/bin/chromium")
	v.SetDefault("chrome.driver_path", "/usr/bin/chromedriver")
	v.SetDefault("chrome.extra_args", "--disable-gpu --no-sandbox --disable-dev-shm-usage --window-size=1920,1080 --headless=new")
	v.SetDefault("chrome.profile_base", "/tmp")
	v.SetDefault("chrome.idle_seconds", 10)
	v.SetDefault("chrome.nav_timeout_seconds", 25)
	v.SetDefault("chrome.max_sessions", 1)
	v.SetDefault("chrome.window_width", 1920)
	v.SetDefault("chrome.window_height", 1080)
	v.SetDefault("cookies.ttl_seconds", 600)
	v.SetDefault("cookies.browser_ttl_seconds", 900)
	v.SetDefault("lens.origin", "https://lens.google.com")
	v.SetDefault("lens.user_agent", "Mozilla/5.0 (Lenslate)")
	v.SetDefault("lens.upload_timeout_seconds", 10)
	v.SetDefault("lens.result_timeout_seconds", 5)
	v.SetDefault("fetch.timeout_seconds", 10)
	v.SetDefault("fetch.user_agent", "Mozilla/5.0 (Lenslate)")
	v.SetDefault("fetch.max_body_bytes", 20<<20)
	v.SetDefault("workspace.downloads_dir", "/tmp/downloads")
	v.SetDefault("workspace.cache_dir", "/tmp/.cache")
	v.SetDefault("workspace.driver_cache_dir", "/tmp/.wdm")
	v.SetDefault("workspace.strict", false)
	v.SetDefault("storage.offload_images", false)
	v.SetDefault("storage.backend", "local")
	v.SetDefault("storage.prefix", "ocr-images")
	v.SetDefault("db.enabled", false)
	v.SetDefault("db.max_open_conns", 4)
	v.SetDefault("pubsub.enabled", false)
	v.SetDefault("ratelimit.lens_rps", 1)
	v.SetDefault("ratelimit.lens_burst", 2)
	v.SetDefault("ratelimit.fetch_rps", 4)
	v.SetDefault("ratelimit.fetch_burst", 4)
	v.SetDefault("telemetry.trace_enabled", false)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Workers.Images <= 0 || c.Workers.Text <= 0 {
		return fmt.Errorf("workers.images and workers.text must be > 0")
	}
	if c.Workers.QueueDepth <= 0 {
		return fmt.Errorf("workers.queue_depth must be > 0")
	}
	if c.Results.TTLSeconds <= 0 {
		return fmt.Errorf("results.ttl_seconds must be > 0")
	}
	if c.Results.MaxImageBytes <= 0 {
		return fmt.Errorf("results.max_image_bytes must be > 0")
	}
	if c.Chrome.MaxSessions <= 0 {
		return fmt.Errorf("chrome.max_sessions must be > 0")
	}
	if c.Auth.Enabled && c.Auth.Secret == "" {
		return fmt.Errorf("auth.secret must be set when auth is enabled")
	}
	if c.DB.Enabled && c.DB.DSN == "" {
		return fmt.Errorf("db.dsn must be set when db is enabled")
	}
	if c.PubSub.Enabled && (c.PubSub.ProjectID == "" || c.PubSub.TopicName == "") {
		return fmt.Errorf("pubsub.project_id and pubsub.topic_name must be set when pubsub is enabled")
	}
	if c.Storage.OffloadImages && c.Storage.Backend == "gcs" && c.Storage.GCSBucket == "" {
		return fmt.Errorf("storage.gcs_bucket must be set for the gcs backend")
	}
	return nil
}

// Addr renders the server bind address.
func (c Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// ResultsTTL converts the result retention window into a duration.
func (c Config) ResultsTTL() time.Duration {
	return time.Duration(c.Results.TTLSeconds) * time.Second
}

// SweepInterval converts the janitor cadence into a duration.
func (c Config) SweepInterval() time.Duration {
	return time.Duration(c.Results.SweepSeconds) * time.Second
}

// JobTimeout bounds a single translation attempt.
func (c Config) JobTimeout() time.Duration {
	return time.Duration(c.Workers.JobTimeoutSec) * time.Second
}

// JobDelay is the pause a worker takes between jobs.
func (c Config) JobDelay() time.Duration {
	return time.Duration(c.Workers.JobDelaySec) * time.Second
}

// ChromeArgs splits the extra-args string into individual flags.
func (c Config) ChromeArgs() []string {
	return strings.Fields(c.Chrome.ExtraArgs)
}
