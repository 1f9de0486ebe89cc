package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Stocksync StocksyncConfig `yaml:"stocksync"`
	Realtime  RealtimeConfig  `yaml:"realtime"`
	Batch     BatchConfig     `yaml:"batch"`
	Alerts    AlertsConfig    `yaml:"alerts"`
	Transport TransportConfig `yaml:"transport"`
	Store     StoreConfig     `yaml:"store"`
	Logging   LoggingConfig   `yaml:"logging"`
}

type StocksyncConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

// RealtimeConfig drives the connection supervisor: retry/backoff schedule,
// circuit breaker and heartbeat monitoring.
type RealtimeConfig struct {
	Enabled               bool          `yaml:"enabled"`
	MaxRetries            int           `yaml:"max_retries"`
	BaseDelay             time.Duration `yaml:"base_delay"`
	MaxDelay              time.Duration `yaml:"max_delay"`
	Cooldown              time.Duration `yaml:"cooldown"`
	CircuitBreakerTimeout time.Duration `yaml:"circuit_breaker_timeout"`
	HeartbeatInterval     time.Duration `yaml:"heartbeat_interval"`
	HeartbeatTimeout      time.Duration `yaml:"heartbeat_timeout"`
	ConnectTimeout        time.Duration `yaml:"connect_timeout"`
}

type BatchConfig struct {
	Size int `yaml:"size"`
}

type AlertsConfig struct {
	CriticalThreshold int `yaml:"critical_threshold"`
}

type TransportConfig struct {
	URL         string        `yaml:"url"`
	APIKey      string        `yaml:"api_key"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
}

type StoreConfig struct {
	URL       string          `yaml:"url"`
	APIKey    string          `yaml:"api_key"`
	Timeout   time.Duration   `yaml:"timeout"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
}

type RateLimitConfig struct {
	RequestsPerSecond int `yaml:"requests_per_second"`
	BurstSize         int `yaml:"burst_size"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
	MaxAge int    `yaml:"max_age"`
}

const defaultConfigPath = "config/config.yml"

var envConfigPaths = map[string]string{
	environmentDevelopment: "config/config.development.yml",
	environmentStaging:     "config/config.staging.yml",
	environmentProduction:  "config/config.production.yml",
}

// Defaults returns the configuration the supervisor and readers fall back to
// when a field is absent from the YAML file.
func Defaults() Config {
	return Config{
		Realtime: RealtimeConfig{
			Enabled:               true,
			MaxRetries:            5,
			BaseDelay:             time.Second,
			MaxDelay:              30 * time.Second,
			Cooldown:              10 * time.Second,
			CircuitBreakerTimeout: 60 * time.Second,
			HeartbeatInterval:     30 * time.Second,
			HeartbeatTimeout:      120 * time.Second,
			ConnectTimeout:        5 * time.Second,
		},
		Batch:  BatchConfig{Size: 20},
		Alerts: AlertsConfig{CriticalThreshold: 5},
		Transport: TransportConfig{
			DialTimeout: 10 * time.Second,
		},
		Store: StoreConfig{
			Timeout: 15 * time.Second,
			RateLimit: RateLimitConfig{
				RequestsPerSecond: 5,
				BurstSize:         1,
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

func LoadConfig(path string) (*Config, error) {
	path = resolveEnvSpecificPath(path, defaultConfigPath, envConfigPaths)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Defaults()
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Secrets come from the environment when present so config files can be
	// committed without credentials.
	if v := os.Getenv("STOCKSYNC_TRANSPORT_API_KEY"); v != "" {
		config.Transport.APIKey = strings.TrimSpace(v)
	}
	if v := os.Getenv("STOCKSYNC_STORE_API_KEY"); v != "" {
		config.Store.APIKey = strings.TrimSpace(v)
	}

	config.Transport.URL = strings.TrimSpace(config.Transport.URL)
	config.Store.URL = strings.TrimSpace(config.Store.URL)

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &config, nil
}

func validateConfig(cfg *Config) error {
	if cfg.Stocksync.Name == "" {
		return fmt.Errorf("stocksync.name is required")
	}

	if cfg.Stocksync.Version == "" {
		return fmt.Errorf("stocksync.version is required")
	}

	if cfg.Realtime.MaxRetries <= 0 {
		return fmt.Errorf("realtime.max_retries must be greater than 0")
	}
	if cfg.Realtime.BaseDelay <= 0 {
		return fmt.Errorf("realtime.base_delay must be greater than 0")
	}
	if cfg.Realtime.MaxDelay < cfg.Realtime.BaseDelay {
		return fmt.Errorf("realtime.max_delay must not be smaller than realtime.base_delay")
	}
	if cfg.Realtime.CircuitBreakerTimeout <= 0 {
		return fmt.Errorf("realtime.circuit_breaker_timeout must be greater than 0")
	}
	if cfg.Realtime.HeartbeatInterval <= 0 {
		return fmt.Errorf("realtime.heartbeat_interval must be greater than 0")
	}
	if cfg.Realtime.HeartbeatTimeout <= cfg.Realtime.HeartbeatInterval {
		return fmt.Errorf("realtime.heartbeat_timeout must be greater than realtime.heartbeat_interval")
	}

	if cfg.Batch.Size <= 0 {
		return fmt.Errorf("batch.size must be greater than 0")
	}

	if cfg.Alerts.CriticalThreshold < 0 {
		return fmt.Errorf("alerts.critical_threshold must not be negative")
	}

	if cfg.Transport.URL == "" {
		return fmt.Errorf("transport.url is required")
	}
	if cfg.Store.URL == "" {
		return fmt.Errorf("store.url is required")
	}
	if cfg.Store.RateLimit.RequestsPerSecond <= 0 {
		return fmt.Errorf("store.rate_limit.requests_per_second must be greater than 0")
	}

	if IsProductionLike(AppEnvironment()) {
		if cfg.Transport.APIKey == "" {
			return fmt.Errorf("transport.api_key is required in %s", AppEnvironment())
		}
		if cfg.Store.APIKey == "" {
			return fmt.Errorf("store.api_key is required in %s", AppEnvironment())
		}
	}

	return nil
}
