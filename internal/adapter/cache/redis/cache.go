// Package redis implements the enrichment memo cache. Entries are
// content-addressed by the caller, so a hit is always valid regardless of
// which job wrote it.
package redis

import (
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/ai-idea-evolver/internal/domain"
)

const keyPrefix = "enrich:"

// Cache is a thin write-once wrapper over one shared Redis client.
type Cache struct {
	rdb *redis.Client
}

func New(rdb *redis.Client) *Cache {
	return &Cache{rdb: rdb}
}

// Get returns the cached value and whether it was present. A Redis error is
// reported but callers treat it as a miss.
func (c *Cache) Get(ctx domain.Context, key string) ([]byte, bool, error) {
	b, err := c.rdb.Get(ctx, keyPrefix+key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("op=cache.get: %w", err)
	}
	return b, true, nil
}

// Set stores value under key if absent. SetNX keeps the first writer's value
// when concurrent enrichers race on the same content key.
func (c *Cache) Set(ctx domain.Context, key string, value []byte, ttl time.Duration) error {
	if err := c.rdb.SetNX(ctx, keyPrefix+key, value, ttl).Err(); err != nil {
		return fmt.Errorf("op=cache.set: %w", err)
	}
	return nil
}
