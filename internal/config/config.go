package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Storage  StorageConfig
	Cache    CacheConfig
	Provider ProviderConfig
	Runner   RunnerConfig
	Server   ServerConfig
	Log      LogConfig
}

type StorageConfig struct {
	DataDir string
}

type CacheConfig struct {
	// Backend is "sqlite", "redis" or "memory".
	Backend     string
	RedisURL    string
	RemoteURL   string
	RemoteToken string
}

type ProviderConfig struct {
	OpenRouterAPIKey  string
	OpenRouterBaseURL string
	OllamaBaseURL     string
	DefaultModel      string
}

type RunnerConfig struct {
	// APICallTimeout is in seconds.
	APICallTimeout     int
	MaxConcurrency     int
	StopOnException    bool
	ProgressIntervalMS int
}

// CallTimeout is APICallTimeout as a duration.
func (r RunnerConfig) CallTimeout() time.Duration {
	return time.Duration(r.APICallTimeout) * time.Second
}

// ProgressInterval is ProgressIntervalMS as a duration.
func (r RunnerConfig) ProgressInterval() time.Duration {
	return time.Duration(r.ProgressIntervalMS) * time.Millisecond
}

type ServerConfig struct {
	Port  int
	Token string
}

type LogConfig struct {
	Level string
}

func defaults() Config {
	return Config{
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Cache: CacheConfig{
			Backend: "sqlite",
		},
		Provider: ProviderConfig{
			OllamaBaseURL: "http://localhost:11434",
			DefaultModel:  "test/canned",
		},
		Runner: RunnerConfig{
			APICallTimeout:     60,
			MaxConcurrency:     100,
			ProgressIntervalMS: 1000,
		},
		Server: ServerConfig{
			Port: 4100,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

func defaultDataDir() string {
	dir := os.Getenv("XDG_DATA_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".local", "share")
		} else {
			return "panel-data"
		}
	}
	return filepath.Join(dir, "panel")
}

// Load reads configuration from the JSON file at
// $XDG_CONFIG_HOME/panel/config.json and the environment. A .env file in the
// working directory is loaded first; variables already set win over it.
//
// Environment variables (PANEL_*) override file values. Secrets are read from
// the environment only.
func Load() (Config, error) {
	_ = godotenv.Load()
	return loadWith(newFileBackend(configFilePath()))
}

func loadWith(b Backend) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	switch c.Cache.Backend {
	case "sqlite", "memory":
	case "redis":
		if c.Cache.RedisURL == "" {
			return fmt.Errorf("cache.backend is redis but cache.redis_url is not set (PANEL_CACHE_REDIS_URL)")
		}
	default:
		return fmt.Errorf("invalid cache.backend %q: want sqlite, redis or memory", c.Cache.Backend)
	}
	if c.Runner.APICallTimeout <= 0 {
		return fmt.Errorf("runner.api_call_timeout must be positive, got %d", c.Runner.APICallTimeout)
	}
	if c.Runner.MaxConcurrency <= 0 {
		return fmt.Errorf("runner.max_concurrency must be positive, got %d", c.Runner.MaxConcurrency)
	}
	return nil
}
