// Package ratelimiter enforces the process-wide LLM call quota with a token
// bucket held in Redis, so every replica draws from the same budget.
package ratelimiter

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
)

// Limiter gates outbound LLM calls. Allow is fail-open: a Redis outage must
// never take idea evolution down with it.
type Limiter interface {
	Allow(ctx context.Context, key string, cost int64) (allowed bool, retryAfter time.Duration, err error)
}

// BucketConfig is a token bucket: Capacity tokens, refilled continuously at
// RefillRate tokens per second.
type BucketConfig struct {
	Capacity   int64
	RefillRate float64
}

// Enabled reports whether the bucket actually limits anything.
func (c BucketConfig) Enabled() bool {
	return c.Capacity > 0 && c.RefillRate > 0
}

// RedisLuaLimiter runs the refill-and-take step as a single Lua script so
// concurrent callers across replicas never double-spend. Buckets without an
// explicit override use the default config, which is how per-model "llm:*"
// keys all share one quota shape.
type RedisLuaLimiter struct {
	redis      *redis.Client
	pool       *pgxpool.Pool
	defaultCfg BucketConfig
	overrides  map[string]BucketConfig
	script     *redis.Script
	mu         sync.RWMutex
}

// NewRedisLuaLimiter builds a limiter. pool may be nil; when set, bucket
// state is mirrored to postgres so quota survives a Redis flush.
func NewRedisLuaLimiter(rdb *redis.Client, pool *pgxpool.Pool, defaultCfg BucketConfig) *RedisLuaLimiter {
	if rdb == nil {
		return nil
	}
	return &RedisLuaLimiter{
		redis:      rdb,
		pool:       pool,
		defaultCfg: defaultCfg,
		overrides:  map[string]BucketConfig{},
		script:     redis.NewScript(luaTokenBucketScript),
	}
}

const luaTokenBucketScript = `
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local refill_rate = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local cost = tonumber(ARGV[4])

local tokens = capacity
local last_refill = now

local data = redis.call("HMGET", key, "tokens", "last_refill")
if data[1] ~= false and data[1] ~= nil then
  tokens = tonumber(data[1])
end
if data[2] ~= false and data[2] ~= nil then
  last_refill = tonumber(data[2])
end

if last_refill == nil then
  last_refill = now
end

local delta = now - last_refill
if delta < 0 then
  delta = 0
end

tokens = math.min(capacity, tokens + delta * refill_rate)
last_refill = now

local allowed = 0
local retry_after = 0

if tokens >= cost then
  tokens = tokens - cost
  allowed = 1
else
  local shortage = cost - tokens
  if refill_rate > 0 then
    retry_after = shortage / refill_rate
  else
    retry_after = 0
  end
end

redis.call("HMSET", key, "tokens", tokens, "last_refill", last_refill)

return { allowed, tokens, last_refill, retry_after }
`

// Allow takes cost tokens from the bucket for key. Keys without an enabled
// config pass through unlimited.
func (l *RedisLuaLimiter) Allow(ctx context.Context, key string, cost int64) (bool, time.Duration, error) {
	if l == nil || l.redis == nil {
		return true, 0, nil
	}
	cfg := l.configFor(key)
	if !cfg.Enabled() {
		return true, 0, nil
	}
	if cost <= 0 {
		cost = 1
	}

	nowSec := float64(time.Now().UnixNano()) / 1e9
	redisKey := "quota:" + key
	res, err := l.script.Run(ctx, l.redis, []string{redisKey}, cfg.Capacity, cfg.RefillRate, nowSec, cost).Result()
	if err != nil {
		slog.Error("quota script error", slog.String("key", key), slog.Any("error", err))
		// Fail open: provider-side 429 handling still backstops us.
		return true, 0, err
	}

	vals, ok := res.([]interface{})
	if !ok || len(vals) < 4 {
		slog.Error("quota script returned unexpected shape", slog.String("key", key), slog.Any("result", res))
		return true, 0, nil
	}

	allowed := toInt64(vals[0]) == 1
	tokens := toFloat64(vals[1])
	lastRefill := toFloat64(vals[2])
	retryAfter := time.Duration(toFloat64(vals[3]) * float64(time.Second))

	if l.pool != nil {
		l.mirrorToPostgres(ctx, key, cfg, tokens, lastRefill)
	}
	return allowed, retryAfter, nil
}

func (l *RedisLuaLimiter) configFor(key string) BucketConfig {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if cfg, ok := l.overrides[key]; ok {
		return cfg
	}
	return l.defaultCfg
}

// SetBucketConfig overrides the bucket for one key, e.g. to tighten a single
// model's budget from provider rate-limit headers. Safe for concurrent use.
func (l *RedisLuaLimiter) SetBucketConfig(key string, cfg BucketConfig) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.overrides[key] = cfg
}

func (l *RedisLuaLimiter) mirrorToPostgres(ctx context.Context, key string, cfg BucketConfig, tokens, lastRefillSec float64) {
	sec := int64(lastRefillSec)
	nsec := int64((lastRefillSec - float64(sec)) * 1e9)
	if nsec < 0 {
		nsec = 0
	}
	_, err := l.pool.Exec(ctx,
		`INSERT INTO quota_buckets (bucket_key, capacity, refill_rate, tokens, last_refill)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (bucket_key) DO UPDATE SET
		   capacity = EXCLUDED.capacity,
		   refill_rate = EXCLUDED.refill_rate,
		   tokens = EXCLUDED.tokens,
		   last_refill = EXCLUDED.last_refill`,
		key, cfg.Capacity, cfg.RefillRate, tokens, time.Unix(sec, nsec),
	)
	if err != nil {
		slog.Error("quota bucket mirror failed", slog.String("key", key), slog.Any("error", err))
	}
}

// WarmFromPostgres restores bucket state into Redis after a flush or a fresh
// Redis instance, so deployed quota is not silently reset to full.
func (l *RedisLuaLimiter) WarmFromPostgres(ctx context.Context) error {
	if l == nil || l.pool == nil || l.redis == nil {
		return nil
	}
	rows, err := l.pool.Query(ctx, `SELECT bucket_key, tokens, EXTRACT(EPOCH FROM last_refill) FROM quota_buckets`)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var key string
		var tokens, lastRefillSec float64
		if err := rows.Scan(&key, &tokens, &lastRefillSec); err != nil {
			return err
		}
		if err := l.redis.HMSet(ctx, "quota:"+key, "tokens", tokens, "last_refill", lastRefillSec).Err(); err != nil {
			slog.Error("quota bucket warm failed", slog.String("key", key), slog.Any("error", err))
		}
	}
	return rows.Err()
}

func toInt64(v interface{}) int64 {
	switch t := v.(type) {
	case int64:
		return t
	case int:
		return int64(t)
	case float64:
		return int64(t)
	default:
		return 0
	}
}

func toFloat64(v interface{}) float64 {
	switch t := v.(type) {
	case float64:
		return t
	case int64:
		return float64(t)
	case int:
		return float64(t)
	default:
		return math.NaN()
	}
}
