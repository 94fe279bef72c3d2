// Package stagingcache implements the shared, process-wide key-value
// cache sitting between LocalBatch and ColdStore. Values are JSON text;
// reads decode bytes as JSON when possible and fall back to the raw
// string otherwise, mirroring the original Redis-backed service.
package stagingcache

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	apperrors "github.com/adelard07/cloud-logging/pkg/errors"
)

// Entry is one (key, decoded value) pair returned by GetAll.
type Entry struct {
	Key   string
	Value interface{}
}

// Cache is the StagingCache adapter backed by Redis.
type Cache struct {
	client *redis.Client
}

// Config holds the connection parameters read from configuration.
type Config struct {
	Host            string
	Port            int
	Username        string
	Password        string
	DecodeResponse  bool
	DB              int
}

// New builds a Cache over an already-constructed redis.Client, letting
// callers share a client across components or point at miniredis in
// tests.
func New(client *redis.Client) *Cache {
	return &Cache{client: client}
}

// NewFromConfig dials Redis using the given connection parameters.
func NewFromConfig(cfg Config) *Cache {
	addr := cfg.Host
	if cfg.Port != 0 {
		addr = fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	}
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Username: cfg.Username,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return New(client)
}

// Put idempotently overwrites key with valueJSON.
func (c *Cache) Put(ctx context.Context, key string, valueJSON []byte) error {
	if err := c.client.Set(ctx, key, valueJSON, 0).Err(); err != nil {
		return apperrors.StagingCacheError("put", "failed to set key").
			WithMetadata("key", key).Wrap(err)
	}
	return nil
}

// decodeValue mirrors Services.get_object's decode_value: try JSON
// decode first, fall back to the raw string on any decode failure.
func decodeValue(raw string) interface{} {
	var decoded interface{}
	if err := json.Unmarshal([]byte(raw), &decoded); err != nil {
		return raw
	}
	return decoded
}

// Get returns the decoded value for key, or (nil, false) if absent.
func (c *Cache) Get(ctx context.Context, key string) (interface{}, bool, error) {
	raw, err := c.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, apperrors.StagingCacheError("get", "failed to get key").
			WithMetadata("key", key).Wrap(err)
	}
	return decodeValue(raw), true, nil
}

// GetAll fetches every entry currently staged. Order is not significant;
// this is a full KEYS('*') scan followed by per-key GET, matching the
// original service's behavior.
func (c *Cache) GetAll(ctx context.Context) ([]Entry, error) {
	keys, err := c.client.Keys(ctx, "*").Result()
	if err != nil {
		return nil, apperrors.StagingCacheError("get_all", "failed to list keys").Wrap(err)
	}

	entries := make([]Entry, 0, len(keys))
	for _, key := range keys {
		raw, err := c.client.Get(ctx, key).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return nil, apperrors.StagingCacheError("get_all", "failed to get key").
				WithMetadata("key", key).Wrap(err)
		}
		entries = append(entries, Entry{Key: key, Value: decodeValue(raw)})
	}
	return entries, nil
}

// Delete evicts a single key, or every key when key is empty. Returns
// the number of keys removed.
func (c *Cache) Delete(ctx context.Context, key string) (int64, error) {
	if key != "" {
		n, err := c.client.Del(ctx, key).Result()
		if err != nil {
			return 0, apperrors.StagingCacheError("delete", "failed to delete key").
				WithMetadata("key", key).Wrap(err)
		}
		return n, nil
	}

	keys, err := c.client.Keys(ctx, "*").Result()
	if err != nil {
		return 0, apperrors.StagingCacheError("delete", "failed to list keys for mass delete").Wrap(err)
	}
	if len(keys) == 0 {
		return 0, nil
	}

	n, err := c.client.Del(ctx, keys...).Result()
	if err != nil {
		return 0, apperrors.StagingCacheError("delete", "failed to delete keys").Wrap(err)
	}
	return n, nil
}

// Len reports the current number of staged entries.
func (c *Cache) Len(ctx context.Context) (int, error) {
	keys, err := c.client.Keys(ctx, "*").Result()
	if err != nil {
		return 0, apperrors.StagingCacheError("len", "failed to list keys").Wrap(err)
	}
	return len(keys), nil
}

// Close releases the underlying Redis connection pool.
func (c *Cache) Close() error {
	return c.client.Close()
}
