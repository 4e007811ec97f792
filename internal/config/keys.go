package config

import (
	"fmt"
	"log/slog"
	"math"
	"os"
	"strconv"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kBool
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "storage.data_dir", typ: kString, env: "PANEL_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "cache.backend", typ: kString, env: "PANEL_CACHE_BACKEND",
		apply:   func(cfg *Config, v any) { cfg.Cache.Backend = v.(string) },
		extract: func(cfg Config) any { return cfg.Cache.Backend },
	},
	{
		key: "cache.redis_url", typ: kString, env: "PANEL_CACHE_REDIS_URL",
		apply:   func(cfg *Config, v any) { cfg.Cache.RedisURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Cache.RedisURL },
	},
	{
		key: "cache.remote_url", typ: kString, env: "PANEL_CACHE_REMOTE_URL",
		apply:   func(cfg *Config, v any) { cfg.Cache.RemoteURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Cache.RemoteURL },
	},
	{
		key: "cache.remote_token", typ: kString, env: "PANEL_CACHE_REMOTE_TOKEN",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Cache.RemoteToken = v.(string) },
		extract: func(cfg Config) any { return cfg.Cache.RemoteToken },
	},
	{
		key: "provider.openrouter_api_key", typ: kString, env: "PANEL_OPENROUTER_API_KEY",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Provider.OpenRouterAPIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Provider.OpenRouterAPIKey },
	},
	{
		key: "provider.openrouter_base_url", typ: kString, env: "PANEL_OPENROUTER_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Provider.OpenRouterBaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Provider.OpenRouterBaseURL },
	},
	{
		key: "provider.ollama_base_url", typ: kString, env: "PANEL_OLLAMA_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Provider.OllamaBaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Provider.OllamaBaseURL },
	},
	{
		key: "provider.default_model", typ: kString, env: "PANEL_DEFAULT_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Provider.DefaultModel = v.(string) },
		extract: func(cfg Config) any { return cfg.Provider.DefaultModel },
	},
	{
		key: "runner.api_call_timeout", typ: kInt, env: "PANEL_API_CALL_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Runner.APICallTimeout = v.(int) },
		extract: func(cfg Config) any { return cfg.Runner.APICallTimeout },
	},
	{
		key: "runner.max_concurrency", typ: kInt, env: "PANEL_MAX_CONCURRENCY",
		apply:   func(cfg *Config, v any) { cfg.Runner.MaxConcurrency = v.(int) },
		extract: func(cfg Config) any { return cfg.Runner.MaxConcurrency },
	},
	{
		key: "runner.stop_on_exception", typ: kBool, env: "PANEL_STOP_ON_EXCEPTION",
		apply:   func(cfg *Config, v any) { cfg.Runner.StopOnException = v.(bool) },
		extract: func(cfg Config) any { return cfg.Runner.StopOnException },
	},
	{
		key: "runner.progress_interval_ms", typ: kInt, env: "PANEL_PROGRESS_INTERVAL_MS",
		apply:   func(cfg *Config, v any) { cfg.Runner.ProgressIntervalMS = v.(int) },
		extract: func(cfg Config) any { return cfg.Runner.ProgressIntervalMS },
	},
	{
		key: "server.port", typ: kInt, env: "PANEL_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "server.token", typ: kString, env: "PANEL_SERVER_TOKEN",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Server.Token = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.Token },
	},
	{
		key: "log.level", typ: kString, env: "PANEL_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
}

// decode converts a value read from the config file.
func (t keyType) decode(raw any) (any, error) {
	switch t {
	case kInt:
		switch v := raw.(type) {
		case float64:
			if v != math.Trunc(v) || v < math.MinInt || v > math.MaxInt {
				return nil, fmt.Errorf("%v is not an integer", v)
			}
			return int(v), nil
		case int:
			return v, nil
		case string:
			return t.parse(v)
		}
		return nil, fmt.Errorf("%v is not an integer", raw)
	case kBool:
		switch v := raw.(type) {
		case bool:
			return v, nil
		case string:
			return t.parse(v)
		}
		return nil, fmt.Errorf("%v is not a bool", raw)
	}
	if s, ok := raw.(string); ok {
		return s, nil
	}
	return fmt.Sprint(raw), nil
}

// parse converts a value given as text, from the environment or the command
// line.
func (t keyType) parse(raw string) (any, error) {
	switch t {
	case kInt:
		return strconv.Atoi(raw)
	case kBool:
		return strconv.ParseBool(raw)
	}
	return raw, nil
}

func applyBackend(cfg *Config, b Backend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		raw, ok := b.Lookup(s.key)
		if !ok {
			continue
		}
		v, err := s.typ.decode(raw)
		if err != nil {
			return fmt.Errorf("reading %s: %w", s.key, err)
		}
		s.apply(cfg, v)
	}
	return nil
}

// applyEnvOverrides lets PANEL_* variables win over the file. Unparseable
// values are logged and skipped.
func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		raw := os.Getenv(s.env)
		if s.env == "" || raw == "" {
			continue
		}
		v, err := s.typ.parse(raw)
		if err != nil {
			slog.Warn("ignoring environment override", "env", s.env, "value", raw, "error", err)
			continue
		}
		s.apply(cfg, v)
	}
}
