package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kalambet/panel/internal/cache"
)

// Store implements cache.Store.
var _ cache.Store = (*Store)(nil)

// sqlite caps bound parameters per statement; batch lookups stay below it.
const maxBatch = 500

const entryColumns = `key, model, parameters, system_prompt, user_prompt, output, created_at`

func (s *Store) Get(ctx context.Context, key string) (cache.Entry, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+entryColumns+` FROM cache_entries WHERE key = ?`, key)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return cache.Entry{}, cache.ErrMiss
	}
	return e, err
}

func (s *Store) Put(ctx context.Context, e cache.Entry) error {
	_, err := s.PutMany(ctx, []cache.Entry{e})
	return err
}

// PutMany inserts entries in one transaction. Existing keys keep their
// first output; the count covers inserted rows only.
func (s *Store) PutMany(ctx context.Context, entries []cache.Entry) (int, error) {
	if len(entries) == 0 {
		return 0, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("beginning cache write: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO cache_entries (`+entryColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(key) DO NOTHING`)
	if err != nil {
		return 0, fmt.Errorf("preparing cache insert: %w", err)
	}
	defer stmt.Close()

	added := 0
	for _, e := range entries {
		created := e.CreatedAt
		if created.IsZero() {
			created = time.Now()
		}
		res, err := stmt.ExecContext(ctx, e.Key, e.Model, e.Parameters, e.SystemPrompt, e.UserPrompt, e.Output,
			formatTime(created))
		if err != nil {
			return 0, fmt.Errorf("inserting cache entry %s: %w", e.Key, err)
		}
		if n, err := res.RowsAffected(); err == nil {
			added += int(n)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing cache write: %w", err)
	}
	return added, nil
}

func (s *Store) Keys(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key FROM cache_entries ORDER BY key`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

func (s *Store) GetMany(ctx context.Context, keys []string) ([]cache.Entry, error) {
	var out []cache.Entry
	for start := 0; start < len(keys); start += maxBatch {
		batch := keys[start:min(start+maxBatch, len(keys))]
		placeholders := strings.Repeat(",?", len(batch)-1)
		args := make([]any, len(batch))
		for i, k := range batch {
			args[i] = k
		}

		rows, err := s.db.QueryContext(ctx, `SELECT `+entryColumns+` FROM cache_entries WHERE key IN (?`+placeholders+`)`, args...)
		if err != nil {
			return nil, err
		}
		for rows.Next() {
			e, err := scanEntry(rows)
			if err != nil {
				rows.Close()
				return nil, err
			}
			out = append(out, e)
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (s *Store) Len(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM cache_entries`).Scan(&n)
	return n, err
}

func (s *Store) Clear(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM cache_entries`)
	return err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(r scanner) (cache.Entry, error) {
	var e cache.Entry
	var createdAt string
	if err := r.Scan(&e.Key, &e.Model, &e.Parameters, &e.SystemPrompt, &e.UserPrompt, &e.Output, &createdAt); err != nil {
		return cache.Entry{}, err
	}
	t, err := time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return cache.Entry{}, fmt.Errorf("parsing created_at: %w", err)
	}
	e.CreatedAt = t
	return e, nil
}
