package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
)

// Backend persists values written by `panel config set`. Lookup returns the
// raw stored value; keySpec decodes it.
type Backend interface {
	Lookup(key string) (raw any, ok bool)
	Store(key string, v any) error
}

// configFilePath is $XDG_CONFIG_HOME/panel/config.json, falling back to
// ~/.config.
func configFilePath() string {
	base := os.Getenv("XDG_CONFIG_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			home = "."
		}
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, "panel", "config.json")
}

// fileBackend is one flat JSON object keyed by dotted names:
//
//	{"cache.backend": "redis", "runner.max_concurrency": 8}
type fileBackend struct {
	path   string
	values map[string]any
}

// newFileBackend reads path. A missing file is empty; an unreadable one is
// logged and treated as empty so a bad file never blocks a run.
func newFileBackend(path string) *fileBackend {
	b := &fileBackend{path: path, values: make(map[string]any)}
	if err := b.read(); err != nil {
		slog.Warn("ignoring config file", "path", path, "error", err)
		b.values = make(map[string]any)
	}
	return b
}

func (b *fileBackend) read() error {
	data, err := os.ReadFile(b.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	return json.Unmarshal(data, &b.values)
}

func (b *fileBackend) Lookup(key string) (any, bool) {
	v, ok := b.values[key]
	return v, ok
}

func (b *fileBackend) Store(key string, v any) error {
	b.values[key] = v
	return b.write()
}

// write replaces the file atomically so a crash never leaves half a config.
func (b *fileBackend) write() error {
	if err := os.MkdirAll(filepath.Dir(b.path), 0o700); err != nil {
		return fmt.Errorf("creating config dir: %w", err)
	}
	data, err := json.MarshalIndent(b.values, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	tmp := b.path + ".tmp"
	if err := os.WriteFile(tmp, append(data, '\n'), 0o600); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}
	if err := os.Rename(tmp, b.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replacing config: %w", err)
	}
	return nil
}
