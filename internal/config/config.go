package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/foxzi/autopost/internal/provider"
	"github.com/foxzi/autopost/internal/ratelimit"
	apitls "github.com/foxzi/autopost/internal/tls"
)

// Config is the main configuration structure
type Config struct {
	Server     ServerConfig              `yaml:"server"`
	API        APIConfig                 `yaml:"api"`
	Storage    StorageConfig             `yaml:"storage"`
	Logging    LoggingConfig             `yaml:"logging"`
	Metrics    MetricsConfig             `yaml:"metrics"`
	Generation GenerationConfig          `yaml:"generation"`
	Providers  map[string]ProviderConfig `yaml:"providers"` // Per-provider credentials and endpoints
	RateLimit  RateLimitConfig           `yaml:"rate_limit"`
	Notify     NotifyConfig              `yaml:"notify"`
	Content    ContentConfig             `yaml:"content"` // Document defaults

	// EnvFile is an optional .env file loaded before credentials are resolved
	EnvFile string `yaml:"env_file"`
}

// ServerConfig contains server-wide settings
type ServerConfig struct {
	Hostname string `yaml:"hostname"`
	BaseURL  string `yaml:"base_url"` // Public URL, prefixes permalinks and the trigger URL
}

// APIConfig contains HTTP API settings
type APIConfig struct {
	ListenAddr     string        `yaml:"listen_addr"`
	APIKey         string        `yaml:"api_key"`
	APIKeyHash     string        `yaml:"api_key_hash"`     // bcrypt hash, alternative to api_key
	MaxHeaderBytes int           `yaml:"max_header_bytes"` // Max HTTP header size (default: 1MB)
	ReadTimeout    time.Duration `yaml:"read_timeout"`     // HTTP read timeout (default: 30s)
	WriteTimeout   time.Duration `yaml:"write_timeout"`    // HTTP write timeout, covers synchronous trigger runs (default: 15m)
	IdleTimeout    time.Duration `yaml:"idle_timeout"`     // HTTP idle timeout (default: 60s)
	AllowedIPs     []string      `yaml:"allowed_ips"`      // IP addresses/CIDRs allowed to access the admin API (empty = allow all)
	TLS            TLSConfig     `yaml:"tls"`
}

// TLSConfig contains HTTPS settings of the API server
type TLSConfig struct {
	CertFile string     `yaml:"cert_file"`
	KeyFile  string     `yaml:"key_file"`
	ACME     ACMEConfig `yaml:"acme"`
}

// ACMEConfig contains Let's Encrypt settings
type ACMEConfig struct {
	Enabled  bool     `yaml:"enabled"`
	Email    string   `yaml:"email"`
	Domains  []string `yaml:"domains"`
	CacheDir string   `yaml:"cache_dir"` // Default: <storage dir>/certs
	HTTPAddr string   `yaml:"http_addr"` // HTTP-01 challenge listener (default: :80)
}

// StorageConfig contains storage settings
type StorageConfig struct {
	Path string `yaml:"path"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// MetricsConfig contains Prometheus metrics settings
type MetricsConfig struct {
	Enabled       bool          `yaml:"enabled"`
	ListenAddr    string        `yaml:"listen_addr"`    // Default: :9090
	Path          string        `yaml:"path"`           // Default: /metrics
	FlushInterval time.Duration `yaml:"flush_interval"` // Default: 10s
	AllowedIPs    []string      `yaml:"allowed_ips"`    // IP addresses/CIDRs allowed to access metrics
}

// GenerationConfig contains global generation settings
type GenerationConfig struct {
	Provider    string        `yaml:"provider"`     // Default provider id
	Model       string        `yaml:"model"`        // Default model, empty = provider default
	Temperature float64       `yaml:"temperature"`  // Default: 0.7
	Timeout     time.Duration `yaml:"timeout"`      // Per provider call (default: 120s)
	LogCapacity int           `yaml:"log_capacity"` // Run log records kept (default: 500)
}

// ProviderConfig contains settings of one provider
type ProviderConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
	Model   string `yaml:"model"`
}

// RateLimitConfig contains provider call rate limiting settings
type RateLimitConfig struct {
	Enabled bool `yaml:"enabled"`

	// Global limits across all providers
	Global *LimitValues `yaml:"global,omitempty"`

	// Default limits for providers without specific config
	DefaultProvider *LimitValues `yaml:"default_provider,omitempty"`

	// Default limits per campaign
	DefaultCampaign *LimitValues `yaml:"default_campaign,omitempty"`

	// Per-provider limits (overrides DefaultProvider)
	Providers map[string]*LimitValues `yaml:"providers,omitempty"`

	FlushInterval time.Duration `yaml:"flush_interval"`
}

// LimitValues contains rate limit values
type LimitValues struct {
	CallsPerHour int `yaml:"calls_per_hour"`
	CallsPerDay  int `yaml:"calls_per_day"`
}

// NotifyConfig contains SMTP notification settings
type NotifyConfig struct {
	Enabled         bool          `yaml:"enabled"`
	SMTPAddr        string        `yaml:"smtp_addr"`
	Username        string        `yaml:"username"`
	Password        string        `yaml:"password"`
	From            string        `yaml:"from"`
	To              []string      `yaml:"to"`
	IncludeWarnings bool          `yaml:"include_warnings"`
	Timeout         time.Duration `yaml:"timeout"`
}

// ContentConfig contains document defaults used when a campaign leaves them empty
type ContentConfig struct {
	PostStatus string `yaml:"post_status"` // publish, draft, pending, private
	AuthorID   string `yaml:"author_id"`
	PostType   string `yaml:"post_type"`
}

// Load loads configuration from a YAML file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if cfg.EnvFile != "" {
		if err := godotenv.Load(cfg.EnvFile); err != nil {
			return nil, fmt.Errorf("failed to load env file: %w", err)
		}
	}

	cfg.setDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// LoadDotEnv loads a .env file if it exists. Variables already set win.
func LoadDotEnv(path string) error {
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to load %s: %w", path, err)
	}
	return nil
}

// setDefaults sets default values for configuration
func (c *Config) setDefaults() {
	if c.Server.Hostname == "" {
		hostname, _ := os.Hostname()
		c.Server.Hostname = hostname
	}

	if c.API.ListenAddr == "" {
		c.API.ListenAddr = ":8080"
	}
	if c.API.MaxHeaderBytes == 0 {
		c.API.MaxHeaderBytes = 1 << 20 // 1 MB
	}
	if c.API.ReadTimeout == 0 {
		c.API.ReadTimeout = 30 * time.Second
	}
	if c.API.WriteTimeout == 0 {
		c.API.WriteTimeout = 15 * time.Minute
	}
	if c.API.IdleTimeout == 0 {
		c.API.IdleTimeout = 60 * time.Second
	}

	if c.Server.BaseURL == "" {
		host := c.API.ListenAddr
		if strings.HasPrefix(host, ":") {
			host = "localhost" + host
		}
		c.Server.BaseURL = "http://" + host
	}
	c.Server.BaseURL = strings.TrimRight(c.Server.BaseURL, "/")

	if c.Storage.Path == "" {
		c.Storage.Path = "/var/lib/autopost/autopost.db"
	}

	if c.API.TLS.ACME.Enabled {
		if c.API.TLS.ACME.CacheDir == "" {
			c.API.TLS.ACME.CacheDir = filepath.Join(filepath.Dir(c.Storage.Path), "certs")
		}
		if c.API.TLS.ACME.HTTPAddr == "" {
			c.API.TLS.ACME.HTTPAddr = ":80"
		}
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}

	// Metrics defaults
	if c.Metrics.ListenAddr == "" {
		c.Metrics.ListenAddr = ":9090"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
	if c.Metrics.FlushInterval == 0 {
		c.Metrics.FlushInterval = 10 * time.Second
	}

	// Generation defaults
	if c.Generation.Provider == "" {
		c.Generation.Provider = "openai"
	}
	c.Generation.Provider = strings.ToLower(c.Generation.Provider)
	if c.Generation.Temperature == 0 {
		c.Generation.Temperature = 0.7
	}
	if c.Generation.Timeout == 0 {
		c.Generation.Timeout = 120 * time.Second
	}
	if c.Generation.LogCapacity == 0 {
		c.Generation.LogCapacity = 500
	}

	if c.RateLimit.FlushInterval == 0 {
		c.RateLimit.FlushInterval = 10 * time.Second
	}

	if c.Notify.Timeout == 0 {
		c.Notify.Timeout = 30 * time.Second
	}

	if c.Content.PostStatus == "" {
		c.Content.PostStatus = "publish"
	}
	if c.Content.PostType == "" {
		c.Content.PostType = "post"
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("invalid logging.level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}

	validLogFormats := map[string]bool{"json": true, "text": true}
	if !validLogFormats[c.Logging.Format] {
		return fmt.Errorf("invalid logging.format: %s (must be json or text)", c.Logging.Format)
	}

	if c.API.APIKey != "" && c.API.APIKeyHash != "" {
		return fmt.Errorf("api.api_key and api.api_key_hash are mutually exclusive")
	}

	if err := c.validateTLS(); err != nil {
		return err
	}

	if !strings.HasPrefix(c.Metrics.Path, "/") {
		return fmt.Errorf("metrics.path must start with /")
	}

	if err := c.validateGeneration(); err != nil {
		return err
	}

	if err := c.validateRateLimit(); err != nil {
		return err
	}

	if c.Notify.Enabled {
		if c.Notify.SMTPAddr == "" {
			return fmt.Errorf("notify.smtp_addr is required when notifications are enabled")
		}
		if c.Notify.From == "" {
			return fmt.Errorf("notify.from is required when notifications are enabled")
		}
		if len(c.Notify.To) == 0 {
			return fmt.Errorf("notify.to must not be empty when notifications are enabled")
		}
	}

	validStatuses := map[string]bool{"publish": true, "draft": true, "pending": true, "private": true}
	if !validStatuses[c.Content.PostStatus] {
		return fmt.Errorf("invalid content.post_status: %s (must be publish, draft, pending, or private)", c.Content.PostStatus)
	}

	return nil
}

// validateGeneration validates generation and provider settings
func (c *Config) validateGeneration() error {
	if _, ok := provider.Lookup(c.Generation.Provider); !ok {
		return fmt.Errorf("unknown generation.provider: %s (known: %s)", c.Generation.Provider, strings.Join(provider.IDs(), ", "))
	}

	if c.Generation.Temperature < 0 || c.Generation.Temperature > 2 {
		return fmt.Errorf("generation.temperature must be between 0 and 2")
	}

	for id := range c.Providers {
		if _, ok := provider.Lookup(id); !ok {
			return fmt.Errorf("unknown provider in providers: %s", id)
		}
	}

	return nil
}

// validateRateLimit validates rate limit values
func (c *Config) validateRateLimit() error {
	check := func(name string, v *LimitValues) error {
		if v != nil && (v.CallsPerHour < 0 || v.CallsPerDay < 0) {
			return fmt.Errorf("rate_limit.%s values must not be negative", name)
		}
		return nil
	}

	if err := check("global", c.RateLimit.Global); err != nil {
		return err
	}
	if err := check("default_provider", c.RateLimit.DefaultProvider); err != nil {
		return err
	}
	if err := check("default_campaign", c.RateLimit.DefaultCampaign); err != nil {
		return err
	}
	for id, v := range c.RateLimit.Providers {
		if err := check("providers."+id, v); err != nil {
			return err
		}
	}
	return nil
}

func (c *Config) validateTLS() error {
	t := c.API.TLS
	if (t.CertFile == "") != (t.KeyFile == "") {
		return fmt.Errorf("api.tls.cert_file and api.tls.key_file must be set together")
	}
	if t.ACME.Enabled {
		if t.CertFile != "" {
			return fmt.Errorf("api.tls.acme and api.tls.cert_file are mutually exclusive")
		}
		if len(t.ACME.Domains) == 0 {
			return fmt.Errorf("api.tls.acme.domains is required when acme is enabled")
		}
	}
	return nil
}

// TLS converts the API TLS section for tls.Setup
func (c *Config) TLS() apitls.Config {
	t := c.API.TLS
	return apitls.Config{
		CertFile: t.CertFile,
		KeyFile:  t.KeyFile,
		ACME:     t.ACME.Enabled,
		Email:    t.ACME.Email,
		Domains:  t.ACME.Domains,
		CacheDir: t.ACME.CacheDir,
	}
}

// LimiterConfig converts the rate limit section for ratelimit.NewLimiter
func (c *Config) LimiterConfig() *ratelimit.Config {
	convert := func(v *LimitValues) *ratelimit.LimitConfig {
		if v == nil {
			return nil
		}
		return &ratelimit.LimitConfig{CallsPerHour: v.CallsPerHour, CallsPerDay: v.CallsPerDay}
	}

	rl := &ratelimit.Config{
		Global:          convert(c.RateLimit.Global),
		DefaultProvider: convert(c.RateLimit.DefaultProvider),
		DefaultCampaign: convert(c.RateLimit.DefaultCampaign),
		FlushInterval:   c.RateLimit.FlushInterval,
	}
	if len(c.RateLimit.Providers) > 0 {
		rl.Providers = make(map[string]*ratelimit.LimitConfig, len(c.RateLimit.Providers))
		for id, v := range c.RateLimit.Providers {
			rl.Providers[strings.ToLower(id)] = convert(v)
		}
	}
	return rl
}

// BaseURLs returns provider endpoint overrides
func (c *Config) BaseURLs() map[string]string {
	urls := make(map[string]string)
	for id, p := range c.Providers {
		if p.BaseURL != "" {
			urls[strings.ToLower(id)] = p.BaseURL
		}
	}
	return urls
}

// DefaultProvider returns the provider used when a campaign has none
func (c *Config) DefaultProvider() string {
	return c.Generation.Provider
}

// DefaultModel returns the model for a provider: the provider section, then
// the global model for the default provider, then the vendor default
func (c *Config) DefaultModel(id string) string {
	id = strings.ToLower(id)
	if p, ok := c.Providers[id]; ok && p.Model != "" {
		return p.Model
	}
	if id == c.Generation.Provider && c.Generation.Model != "" {
		return c.Generation.Model
	}
	if v, ok := provider.Lookup(id); ok {
		return v.DefaultModel
	}
	return ""
}

// APIKey returns the credential of a provider. AUTOPOST_<PROVIDER>_API_KEY
// overrides the config file.
func (c *Config) APIKey(id string) (string, bool) {
	id = strings.ToLower(id)
	if key := os.Getenv(EnvKeyName(id)); key != "" {
		return key, true
	}
	if p, ok := c.Providers[id]; ok && p.APIKey != "" {
		return p.APIKey, true
	}
	return "", false
}

// EnvKeyName returns the environment variable holding a provider key
func EnvKeyName(id string) string {
	name := strings.ToUpper(strings.NewReplacer("-", "_", ".", "_").Replace(id))
	return "AUTOPOST_" + name + "_API_KEY"
}
