package trust

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"blockremote/internal/config"
	"blockremote/internal/model"
)

// Cache holds the latest trust score per device.
type Cache interface {
	Get(ctx context.Context, deviceID string) (score int, ok bool, err error)
	Set(ctx context.Context, deviceID string, score int, ttl time.Duration) error
	Close() error
}

func NewCache(cfg config.TrustCacheConfig) (Cache, error) {
	switch strings.ToLower(cfg.Driver) {
	case "memory":
		return NewMemoryCache(), nil
	case "redis":
		return NewRedisCache(cfg.RedisURL, cfg.KeyPrefix)
	default:
		return nil, fmt.Errorf("unsupported trust cache driver %q", cfg.Driver)
	}
}

// RedisCache stores scores under "<prefix><device>:trust".
type RedisCache struct {
	client *redis.Client
	prefix string
}

func NewRedisCache(url, prefix string) (*RedisCache, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return NewRedisCacheFromClient(redis.NewClient(opts), prefix), nil
}

func NewRedisCacheFromClient(client *redis.Client, prefix string) *RedisCache {
	if prefix == "" {
		prefix = "device:"
	}
	return &RedisCache{client: client, prefix: prefix}
}

func (c *RedisCache) key(deviceID string) string {
	return c.prefix + deviceID + ":trust"
}

func (c *RedisCache) Get(ctx context.Context, deviceID string) (int, bool, error) {
	val, err := c.client.Get(ctx, c.key(deviceID)).Result()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	score, err := strconv.Atoi(strings.TrimSpace(val))
	if err != nil {
		return 0, false, fmt.Errorf("cached score for %s: %w", deviceID, err)
	}
	return score, true, nil
}

func (c *RedisCache) Set(ctx context.Context, deviceID string, score int, ttl time.Duration) error {
	return c.client.Set(ctx, c.key(deviceID), strconv.Itoa(score), ttl).Err()
}

func (c *RedisCache) Close() error {
	return c.client.Close()
}

type memoryEntry struct {
	score   int
	expires time.Time
}

type MemoryCache struct {
	mu    sync.RWMutex
	items map[string]memoryEntry
	now   func() time.Time
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{items: make(map[string]memoryEntry), now: time.Now}
}

func (c *MemoryCache) Get(_ context.Context, deviceID string) (int, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.items[deviceID]
	if !ok {
		return 0, false, nil
	}
	if !e.expires.IsZero() && !c.now().Before(e.expires) {
		return 0, false, nil
	}
	return e.score, true, nil
}

func (c *MemoryCache) Set(_ context.Context, deviceID string, score int, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := memoryEntry{score: score}
	if ttl > 0 {
		e.expires = c.now().Add(ttl)
	}
	c.items[deviceID] = e
	return nil
}

func (c *MemoryCache) Close() error { return nil }

// Reader answers trust-score queries, falling back to a default for devices
// that are absent from the cache or whose entry expired.
type Reader struct {
	cache            Cache
	defaultScore     int
	verdictThreshold int
}

func NewReader(cache Cache, defaultScore, verdictThreshold int) *Reader {
	if defaultScore <= 0 {
		defaultScore = 80
	}
	if verdictThreshold <= 0 {
		verdictThreshold = 50
	}
	return &Reader{cache: cache, defaultScore: defaultScore, verdictThreshold: verdictThreshold}
}

func (r *Reader) Read(ctx context.Context, deviceID string) (int, error) {
	if r.cache == nil {
		return r.defaultScore, nil
	}
	score, ok, err := r.cache.Get(ctx, deviceID)
	if err != nil {
		return 0, err
	}
	if !ok {
		return r.defaultScore, nil
	}
	return score, nil
}

func (r *Reader) Verdict(score int) model.Verdict {
	return Verdict(score, r.verdictThreshold)
}
