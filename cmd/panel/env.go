package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/kalambet/panel/internal/cache"
	"github.com/kalambet/panel/internal/config"
	"github.com/kalambet/panel/internal/storage"
)

// env holds what a command needs: configuration, the run history database
// and the response cache backend.
type env struct {
	cfg    config.Config
	logger *slog.Logger
	store  *storage.Store
	cache  cache.Store
	// responses wraps cache for every job run in this process, so its
	// counters cover all of them.
	responses *cache.Cache

	closers []func() error
}

// loadConfig is swapped in tests.
var loadConfig = config.Load

func openEnv(ctx context.Context) (*env, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	e := &env{cfg: cfg, logger: setupLogging(cfg.Log.Level)}

	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return nil, fmt.Errorf("opening storage: %w", err)
	}
	e.store = store
	e.closers = append(e.closers, store.Close)

	switch cfg.Cache.Backend {
	case "sqlite":
		e.cache = store
	case "memory":
		e.cache = cache.NewMemoryStore()
	case "redis":
		rs, err := cache.OpenRedis(ctx, cfg.Cache.RedisURL)
		if err != nil {
			e.Close()
			return nil, err
		}
		e.cache = rs
		e.closers = append(e.closers, rs.Close)
	default:
		e.Close()
		return nil, fmt.Errorf("unknown cache backend %q", cfg.Cache.Backend)
	}
	e.responses = cache.New(e.cache, e.logger)
	e.logger.Debug("environment ready", "data_dir", cfg.Storage.DataDir, "cache_backend", cfg.Cache.Backend)
	return e, nil
}

func (e *env) remote() (*cache.RemoteClient, error) {
	if e.cfg.Cache.RemoteURL == "" {
		return nil, errors.New("cache.remote_url is not set (PANEL_CACHE_REMOTE_URL)")
	}
	return cache.NewRemoteClient(e.cfg.Cache.RemoteURL, e.cfg.Cache.RemoteToken), nil
}

func (e *env) Close() {
	for i := len(e.closers) - 1; i >= 0; i-- {
		if err := e.closers[i](); err != nil {
			fmt.Fprintf(os.Stderr, "warning: closing: %v\n", err)
		}
	}
	e.closers = nil
}
