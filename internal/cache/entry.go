// Package cache memoizes provider calls by fingerprint and syncs entries
// with a remote cache server.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"time"
)

// ErrMiss is returned by a Store when no entry has the key.
var ErrMiss = errors.New("cache miss")

// Entry is one memoized provider call.
type Entry struct {
	Key          string    `json:"key"`
	Model        string    `json:"model"`
	Parameters   string    `json:"parameters"`
	SystemPrompt string    `json:"system_prompt"`
	UserPrompt   string    `json:"user_prompt"`
	Output       string    `json:"output"`
	CreatedAt    time.Time `json:"timestamp"`
}

// Store is a durable key-value backend for entries. Implementations must be
// safe for concurrent use. Writes to an existing key are ignored.
type Store interface {
	Get(ctx context.Context, key string) (Entry, error)
	Put(ctx context.Context, e Entry) error
	Keys(ctx context.Context) ([]string, error)
	// GetMany returns the entries that exist among keys. Missing keys are
	// skipped.
	GetMany(ctx context.Context, keys []string) ([]Entry, error)
	// PutMany stores entries and returns how many keys were new.
	PutMany(ctx context.Context, entries []Entry) (int, error)
	Len(ctx context.Context) (int, error)
	Clear(ctx context.Context) error
}

// Request identifies one provider call.
type Request struct {
	Model  string
	Params map[string]any
	System string
	User   string
}

// Key returns the request's fingerprint.
func (r Request) Key() string {
	return Fingerprint(r.Model, r.Params, r.System, r.User)
}

// Entry returns an entry for r holding output.
func (r Request) Entry(output string) Entry {
	params, _ := json.Marshal(r.Params)
	if r.Params == nil {
		params = []byte("{}")
	}
	return Entry{
		Key:          r.Key(),
		Model:        r.Model,
		Parameters:   string(params),
		SystemPrompt: r.System,
		UserPrompt:   r.User,
		Output:       output,
		CreatedAt:    time.Now().UTC(),
	}
}

// Fingerprint is the SHA-256 hex digest of the canonical JSON encoding of
// the four inputs. Map keys are encoded in sorted order.
func Fingerprint(model string, params map[string]any, system, user string) string {
	if params == nil {
		params = map[string]any{}
	}
	b, err := json.Marshal([]any{model, params, system, user})
	if err != nil {
		// Unencodable params still need a stable key.
		b = []byte(model + "\x00" + system + "\x00" + user)
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
