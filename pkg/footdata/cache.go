package footdata

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Cache stores serialized match contexts keyed by fixture and language.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool)
	Set(ctx context.Context, key string, val []byte, ttl time.Duration)
}

// memoryCache is a TTL cache with a hard entry cap. When full, the oldest
// entry is evicted.
type memoryCache struct {
	mu      sync.Mutex
	entries map[string]memEntry
	max     int
	now     func() time.Time
}

type memEntry struct {
	val     []byte
	expires time.Time
}

// NewMemoryCache creates an in-process cache holding at most maxEntries.
func NewMemoryCache(maxEntries int) Cache {
	if maxEntries <= 0 {
		maxEntries = 512
	}
	return &memoryCache{
		entries: make(map[string]memEntry),
		max:     maxEntries,
		now:     time.Now,
	}
}

func (c *memoryCache) Get(_ context.Context, key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if c.now().After(e.expires) {
		delete(c.entries, key)
		return nil, false
	}
	return e.val, true
}

func (c *memoryCache) Set(_ context.Context, key string, val []byte, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.entries) >= c.max {
		c.evictOldest()
	}
	c.entries[key] = memEntry{val: val, expires: c.now().Add(ttl)}
}

func (c *memoryCache) evictOldest() {
	var oldestKey string
	var oldest time.Time
	for k, e := range c.entries {
		if oldestKey == "" || e.expires.Before(oldest) {
			oldestKey = k
			oldest = e.expires
		}
	}
	if oldestKey != "" {
		delete(c.entries, oldestKey)
	}
}

// redisCache backs the cache with Redis so multiple instances share it.
type redisCache struct {
	rdb    *redis.Client
	prefix string
}

// NewRedisCache wraps a Redis client as a Cache.
func NewRedisCache(rdb *redis.Client, prefix string) Cache {
	if prefix == "" {
		prefix = "footdata"
	}
	return &redisCache{rdb: rdb, prefix: prefix}
}

func (c *redisCache) Get(ctx context.Context, key string) ([]byte, bool) {
	val, err := c.rdb.Get(ctx, c.prefix+":"+key).Bytes()
	if err != nil {
		return nil, false
	}
	return val, true
}

func (c *redisCache) Set(ctx context.Context, key string, val []byte, ttl time.Duration) {
	c.rdb.Set(ctx, c.prefix+":"+key, val, ttl)
}

// CachingProvider wraps a Provider with a Cache. Match contexts are cached
// per fixture and language; final scores are never cached so settlement
// always sees fresh status.
type CachingProvider struct {
	inner Provider
	cache Cache
	ttl   time.Duration
}

// NewCachingProvider wraps inner with cache using the given TTL.
func NewCachingProvider(inner Provider, cache Cache, ttl time.Duration) *CachingProvider {
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &CachingProvider{inner: inner, cache: cache, ttl: ttl}
}

// MatchContext implements Provider.
func (p *CachingProvider) MatchContext(ctx context.Context, fixtureID int64, lang string) (*MatchContext, error) {
	key := fmt.Sprintf("ctx:%d:%s", fixtureID, lang)

	if raw, ok := p.cache.Get(ctx, key); ok {
		var mc MatchContext
		if err := json.Unmarshal(raw, &mc); err == nil {
			return &mc, nil
		}
	}

	mc, err := p.inner.MatchContext(ctx, fixtureID, lang)
	if err != nil {
		return nil, err
	}
	if raw, err := json.Marshal(mc); err == nil {
		p.cache.Set(ctx, key, raw, p.ttl)
	}
	return mc, nil
}

// FinalScore implements Provider, bypassing the cache.
func (p *CachingProvider) FinalScore(ctx context.Context, fixtureID int64) (*FinalScore, error) {
	return p.inner.FinalScore(ctx, fixtureID)
}
