// Package cache provides an optional Redis-backed cache for schema
// snapshots. Introspecting a user database is the per-question hot spot;
// caching the snapshot keyed by a digest of the DSN avoids repeating it.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/askdb/askdb/internal/config"
	"github.com/askdb/askdb/internal/connector"
)

// SchemaCache stores and retrieves schema snapshots. A nil *SchemaCache
// is valid and behaves as a permanent miss, so callers don't need to
// branch on whether caching is enabled.
type SchemaCache struct {
	client *redis.Client
	ttl    time.Duration
	logger *slog.Logger
}

// New connects to Redis per the configuration. Returns nil (cache
// disabled) when cfg.Enabled is false.
func New(ctx context.Context, cfg config.CacheConfig, logger *slog.Logger) (*SchemaCache, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Addr, err)
	}

	logger.Info("Schema cache connected", "addr", cfg.Addr, "ttl", cfg.TTL)
	return &SchemaCache{
		client: client,
		ttl:    cfg.TTL,
		logger: logger.With("component", "schema_cache"),
	}, nil
}

// newWithClient wires a cache over an existing Redis client. Used by tests.
func newWithClient(client *redis.Client, ttl time.Duration, logger *slog.Logger) *SchemaCache {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &SchemaCache{client: client, ttl: ttl, logger: logger.With("component", "schema_cache")}
}

// Key derives the cache key for a connection string. Only a digest is
// used so raw DSNs (which carry credentials) never reach Redis.
func Key(driver, dsn string) string {
	sum := sha256.Sum256([]byte(driver + "|" + dsn))
	return "askdb:schema:" + hex.EncodeToString(sum[:])
}

// Get returns the cached snapshot for the key, or nil on miss. Redis
// errors degrade to a miss: the caller just introspects again.
func (c *SchemaCache) Get(ctx context.Context, key string) *connector.SchemaInfo {
	if c == nil {
		return nil
	}

	val, err := c.client.Get(ctx, key).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.logger.WarnContext(ctx, "Schema cache lookup failed", "error", err)
		}
		return nil
	}

	var schema connector.SchemaInfo
	if err := json.Unmarshal([]byte(val), &schema); err != nil {
		c.logger.WarnContext(ctx, "Discarding undecodable schema cache entry", "error", err)
		return nil
	}
	return &schema
}

// Set stores a snapshot under the key with the configured TTL. Failures
// are logged and swallowed; caching is best effort.
func (c *SchemaCache) Set(ctx context.Context, key string, schema *connector.SchemaInfo) {
	if c == nil || schema == nil {
		return
	}

	data, err := json.Marshal(schema)
	if err != nil {
		c.logger.WarnContext(ctx, "Failed to encode schema for caching", "error", err)
		return
	}
	if err := c.client.Set(ctx, key, data, c.ttl).Err(); err != nil {
		c.logger.WarnContext(ctx, "Failed to store schema in cache", "error", err)
	}
}

// Close releases the Redis connection.
func (c *SchemaCache) Close() error {
	if c == nil {
		return nil
	}
	return c.client.Close()
}
