package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/redis/go-redis/v9"
)

const defaultRedisPrefix = "panel:cache"

// RedisStore keeps entries as JSON strings under prefix:entry:<key> and
// tracks keys in the set prefix:keys.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore wraps client. An empty prefix uses "panel:cache".
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	return &RedisStore{client: client, prefix: prefix}
}

// OpenRedis connects to the server at url (redis://host:port/db).
func OpenRedis(ctx context.Context, url string) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("pinging redis: %w", err)
	}
	return NewRedisStore(client, ""), nil
}

// Close closes the client.
func (r *RedisStore) Close() error {
	return r.client.Close()
}

func (r *RedisStore) entryKey(key string) string {
	return fmt.Sprintf("%s:entry:%s", r.prefix, key)
}

func (r *RedisStore) setKey() string {
	return r.prefix + ":keys"
}

func (r *RedisStore) Get(ctx context.Context, key string) (Entry, error) {
	data, err := r.client.Get(ctx, r.entryKey(key)).Result()
	if errors.Is(err, redis.Nil) {
		return Entry{}, ErrMiss
	}
	if err != nil {
		return Entry{}, err
	}
	var e Entry
	if err := json.Unmarshal([]byte(data), &e); err != nil {
		return Entry{}, fmt.Errorf("decoding entry %s: %w", key, err)
	}
	return e, nil
}

func (r *RedisStore) Put(ctx context.Context, e Entry) error {
	_, err := r.PutMany(ctx, []Entry{e})
	return err
}

func (r *RedisStore) Keys(ctx context.Context) ([]string, error) {
	keys, err := r.client.SMembers(ctx, r.setKey()).Result()
	if err != nil {
		return nil, err
	}
	sort.Strings(keys)
	return keys, nil
}

func (r *RedisStore) GetMany(ctx context.Context, keys []string) ([]Entry, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	ks := make([]string, len(keys))
	for i, k := range keys {
		ks[i] = r.entryKey(k)
	}
	vals, err := r.client.MGet(ctx, ks...).Result()
	if err != nil {
		return nil, err
	}
	var out []Entry
	for i, v := range vals {
		s, ok := v.(string)
		if !ok {
			continue
		}
		var e Entry
		if err := json.Unmarshal([]byte(s), &e); err != nil {
			return nil, fmt.Errorf("decoding entry %s: %w", keys[i], err)
		}
		out = append(out, e)
	}
	return out, nil
}

func (r *RedisStore) PutMany(ctx context.Context, entries []Entry) (int, error) {
	if len(entries) == 0 {
		return 0, nil
	}
	sets := make([]*redis.BoolCmd, 0, len(entries))
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, e := range entries {
			data, err := json.Marshal(e)
			if err != nil {
				return fmt.Errorf("encoding entry %s: %w", e.Key, err)
			}
			sets = append(sets, pipe.SetNX(ctx, r.entryKey(e.Key), data, 0))
			pipe.SAdd(ctx, r.setKey(), e.Key)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	added := 0
	for _, cmd := range sets {
		if cmd.Val() {
			added++
		}
	}
	return added, nil
}

func (r *RedisStore) Len(ctx context.Context) (int, error) {
	n, err := r.client.SCard(ctx, r.setKey()).Result()
	return int(n), err
}

func (r *RedisStore) Clear(ctx context.Context) error {
	keys, err := r.client.SMembers(ctx, r.setKey()).Result()
	if err != nil {
		return err
	}
	del := make([]string, 0, len(keys)+1)
	for _, k := range keys {
		del = append(del, r.entryKey(k))
	}
	del = append(del, r.setKey())
	return r.client.Del(ctx, del...).Err()
}
