package infra

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"coin_dash/internal/domain"
	"coin_dash/internal/retry"
)

const (
	// DefaultUserAgent identifies the client to the market-data API.
	DefaultUserAgent = "coin_dash/1.0 (+https://www.coingecko.com/en/api)"

	// DefaultBaseURL is the public CoinGecko v3 endpoint.
	DefaultBaseURL = "https://api.coingecko.com/api/v3"
)

// RetryConfig is the YAML form of a retry.Policy.
type RetryConfig struct {
	MaxRetries     int     `yaml:"max_retries"`
	InitialDelayMS int     `yaml:"initial_delay_ms"`
	Multiplier     float64 `yaml:"multiplier"`
	StopOnFatal    bool    `yaml:"stop_on_fatal"`
}

// Policy converts the config into a retry.Policy.
func (r RetryConfig) Policy() retry.Policy {
	return retry.Policy{
		MaxRetries:   r.MaxRetries,
		InitialDelay: time.Duration(r.InitialDelayMS) * time.Millisecond,
		Multiplier:   r.Multiplier,
		StopOnFatal:  r.StopOnFatal,
	}
}

// Config holds every setting of the application.
// After LoadConfig reads the file, environment variables override secrets and
// polling intervals.
type Config struct {
	App struct {
		Name    string `yaml:"name"`
		Version string `yaml:"version"`
	} `yaml:"app"`

	API struct {
		CoinGecko struct {
			BaseURL       string `yaml:"base_url"`
			APIKey        string `yaml:"api_key"`
			TimeoutSec    int    `yaml:"timeout_sec"`
			CatalogTTLMin int    `yaml:"catalog_ttl_min"`
			SearchLimit   int    `yaml:"search_limit"`
		} `yaml:"coingecko"`
	} `yaml:"api"`

	Polling struct {
		TableIntervalSec int `yaml:"table_interval_sec"`
		ChartIntervalSec int `yaml:"chart_interval_sec"`
	} `yaml:"polling"`

	Dashboard struct {
		TopLimit          int         `yaml:"top_limit"`
		MinQueryLength    int         `yaml:"min_query_length"`
		AutoSelectDelayMS int         `yaml:"auto_select_delay_ms"`
		SearchFallbackSec int         `yaml:"search_fallback_sec"`
		RemoveDelayMS     int         `yaml:"remove_delay_ms"`
		LoadRetry         RetryConfig `yaml:"load_retry"`
		SearchRetry       RetryConfig `yaml:"search_retry"`
	} `yaml:"dashboard"`

	UI struct {
		Mode    string `yaml:"mode"` // tui | web | both
		PulseMS int    `yaml:"pulse_ms"`
	} `yaml:"ui"`

	Web struct {
		Addr string `yaml:"addr"`
	} `yaml:"web"`

	Icons struct {
		Dir         string `yaml:"dir"`
		Size        int    `yaml:"size"`
		Concurrency int    `yaml:"concurrency"`
	} `yaml:"icons"`

	Logging struct {
		Level string `yaml:"level"`
		Dir   string `yaml:"dir"`
	} `yaml:"logging"`
}

// DefaultConfig returns the settings used when no file is present.
func DefaultConfig() *Config {
	var cfg Config
	cfg.App.Name = "coin_dash"
	cfg.App.Version = "1.0.0"

	cfg.API.CoinGecko.BaseURL = DefaultBaseURL
	cfg.API.CoinGecko.TimeoutSec = 10
	cfg.API.CoinGecko.CatalogTTLMin = 30
	cfg.API.CoinGecko.SearchLimit = 10

	cfg.Polling.TableIntervalSec = 30
	cfg.Polling.ChartIntervalSec = 30

	cfg.Dashboard.TopLimit = 10
	cfg.Dashboard.MinQueryLength = 2
	cfg.Dashboard.AutoSelectDelayMS = 100
	cfg.Dashboard.SearchFallbackSec = 10
	cfg.Dashboard.RemoveDelayMS = 300
	cfg.Dashboard.LoadRetry = RetryConfig{MaxRetries: 3, InitialDelayMS: 1000, Multiplier: 2}
	cfg.Dashboard.SearchRetry = RetryConfig{MaxRetries: 2, InitialDelayMS: 500, Multiplier: 2}

	cfg.UI.Mode = "tui"
	cfg.UI.PulseMS = 300

	cfg.Web.Addr = ":8080"

	cfg.Icons.Size = 24
	cfg.Icons.Concurrency = 5

	cfg.Logging.Level = "info"
	cfg.Logging.Dir = "logs"
	return &cfg
}

// LoadConfig reads path on top of DefaultConfig, applies environment
// overrides and validates the result. A missing file yields
// domain.ErrConfigNotFound.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", domain.ErrConfigNotFound, path)
	}
	if err != nil {
		return nil, err
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	// 보안 우선: 환경 변수 오버라이드
	if err := overrideWithEnv(cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// FromEnv returns DefaultConfig with environment overrides applied.
func FromEnv() (*Config, error) {
	cfg := DefaultConfig()
	if err := overrideWithEnv(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks configuration validity
func (c *Config) Validate() error {
	u, err := url.Parse(c.API.CoinGecko.BaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return &domain.ConfigError{Field: "api.coingecko.base_url", Err: fmt.Errorf("invalid URL %q", c.API.CoinGecko.BaseURL)}
	}
	if c.Polling.TableIntervalSec <= 0 {
		return &domain.ConfigError{Field: "polling.table_interval_sec", Err: errors.New("must be positive")}
	}
	if c.Polling.ChartIntervalSec <= 0 {
		return &domain.ConfigError{Field: "polling.chart_interval_sec", Err: errors.New("must be positive")}
	}
	if c.Dashboard.TopLimit <= 0 || c.Dashboard.TopLimit > 250 {
		return &domain.ConfigError{Field: "dashboard.top_limit", Err: errors.New("must be between 1 and 250")}
	}
	if c.Dashboard.MinQueryLength <= 0 {
		return &domain.ConfigError{Field: "dashboard.min_query_length", Err: errors.New("must be positive")}
	}
	for field, r := range map[string]RetryConfig{
		"dashboard.load_retry":   c.Dashboard.LoadRetry,
		"dashboard.search_retry": c.Dashboard.SearchRetry,
	} {
		if r.MaxRetries < 0 || r.InitialDelayMS < 0 || r.Multiplier < 0 {
			return &domain.ConfigError{Field: field, Err: errors.New("values must not be negative")}
		}
	}
	switch c.UI.Mode {
	case "tui", "web", "both":
	default:
		return &domain.ConfigError{Field: "ui.mode", Err: fmt.Errorf("unknown mode %q", c.UI.Mode)}
	}
	return nil
}

// overrideWithEnv overwrites settings whose environment variable is set.
func overrideWithEnv(cfg *Config) error {
	if key := os.Getenv("COINDASH_API_KEY"); key != "" {
		cfg.API.CoinGecko.APIKey = key
	}
	if key := os.Getenv("APP_COINGECKO_API_KEY"); key != "" {
		cfg.API.CoinGecko.APIKey = key
	}
	if err := envSeconds("APP_TABLE_POOLING_FREQUENCY", &cfg.Polling.TableIntervalSec); err != nil {
		return err
	}
	if err := envSeconds("APP_LIVE_CHART_POOLING_FREQUENCY", &cfg.Polling.ChartIntervalSec); err != nil {
		return err
	}
	if level := os.Getenv("LOG_LEVEL"); level != "" {
		cfg.Logging.Level = strings.ToLower(level)
	}
	return nil
}

func envSeconds(name string, dst *int) error {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return &domain.ConfigError{Field: name, Err: err}
	}
	*dst = n
	return nil
}

// TableInterval returns the table polling interval.
func (c *Config) TableInterval() time.Duration {
	return time.Duration(c.Polling.TableIntervalSec) * time.Second
}

// ChartInterval returns the chart polling interval.
func (c *Config) ChartInterval() time.Duration {
	return time.Duration(c.Polling.ChartIntervalSec) * time.Second
}

// CatalogTTL returns how long the coin catalog stays fresh.
func (c *Config) CatalogTTL() time.Duration {
	return time.Duration(c.API.CoinGecko.CatalogTTLMin) * time.Minute
}
