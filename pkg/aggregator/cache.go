package aggregator

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	lru "github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/novelhub/pkg/novel"
	"github.com/platinummonkey/novelhub/pkg/observability"
)

// MatchCache remembers the outcome of reconciling a seed against one
// source. A hit with a nil novel records that the source had no match.
// Keys start with the source name followed by '@'; Forget drops every key
// of one source. Implementations are safe for concurrent use and never fail
// a lookup: backend errors read as misses.
type MatchCache interface {
	Get(ctx context.Context, key string) (match *novel.Novel, hit bool)
	Set(ctx context.Context, key string, match *novel.Novel)
	Forget(ctx context.Context, source string)
}

func sourcePrefix(source string) string { return source + "@" }

// CacheConfig holds the sizing shared by the cache implementations.
type CacheConfig struct {
	MaxEntries  int           // memory tier only, default 10000
	TTL         time.Duration // lifetime of a found match, default 30m
	NegativeTTL time.Duration // lifetime of a recorded miss, default 5m
}

// DefaultCacheConfig returns the default sizing.
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{MaxEntries: 10000, TTL: 30 * time.Minute, NegativeTTL: 5 * time.Minute}
}

func (c CacheConfig) withDefaults() CacheConfig {
	d := DefaultCacheConfig()
	if c.MaxEntries <= 0 {
		c.MaxEntries = d.MaxEntries
	}
	if c.TTL <= 0 {
		c.TTL = d.TTL
	}
	if c.NegativeTTL <= 0 {
		c.NegativeTTL = d.NegativeTTL
	}
	return c
}

// MemoryCache is an in-process MatchCache. Matches and misses live in
// separate LRUs so each can expire on its own schedule.
type MemoryCache struct {
	matches *lru.LRU[string, novel.Novel]
	misses  *lru.LRU[string, struct{}]
	metrics *observability.Metrics
}

// NewMemoryCache creates a MemoryCache.
func NewMemoryCache(cfg CacheConfig, metrics *observability.Metrics) *MemoryCache {
	cfg = cfg.withDefaults()
	return &MemoryCache{
		matches: lru.NewLRU[string, novel.Novel](cfg.MaxEntries, nil, cfg.TTL),
		misses:  lru.NewLRU[string, struct{}](cfg.MaxEntries, nil, cfg.NegativeTTL),
		metrics: metrics,
	}
}

func (c *MemoryCache) Get(_ context.Context, key string) (*novel.Novel, bool) {
	if n, ok := c.matches.Get(key); ok {
		c.metrics.RecordCache("memory", true)
		return &n, true
	}
	if _, ok := c.misses.Get(key); ok {
		c.metrics.RecordCache("memory", true)
		return nil, true
	}
	c.metrics.RecordCache("memory", false)
	return nil, false
}

func (c *MemoryCache) Set(_ context.Context, key string, match *novel.Novel) {
	if match == nil {
		c.matches.Remove(key)
		c.misses.Add(key, struct{}{})
		return
	}
	c.misses.Remove(key)
	c.matches.Add(key, *match)
}

func (c *MemoryCache) Forget(_ context.Context, source string) {
	prefix := sourcePrefix(source)
	for _, key := range c.matches.Keys() {
		if strings.HasPrefix(key, prefix) {
			c.matches.Remove(key)
		}
	}
	for _, key := range c.misses.Keys() {
		if strings.HasPrefix(key, prefix) {
			c.misses.Remove(key)
		}
	}
}

// Len reports the number of cached entries, matches and misses together.
func (c *MemoryCache) Len() int {
	return c.matches.Len() + c.misses.Len()
}

// Purge drops every entry.
func (c *MemoryCache) Purge() {
	c.matches.Purge()
	c.misses.Purge()
}

// RedisCache is a MatchCache shared between processes. Entries are JSON;
// a recorded miss is stored as JSON null.
type RedisCache struct {
	client  *redis.Client
	prefix  string
	cfg     CacheConfig
	log     *logrus.Logger
	metrics *observability.Metrics
}

// NewRedisCache creates a RedisCache storing keys under prefix.
func NewRedisCache(client *redis.Client, prefix string, cfg CacheConfig, log *logrus.Logger, metrics *observability.Metrics) *RedisCache {
	if log == nil {
		log = logrus.StandardLogger()
	}
	if prefix == "" {
		prefix = "novelhub:match:"
	}
	return &RedisCache{client: client, prefix: prefix, cfg: cfg.withDefaults(), log: log, metrics: metrics}
}

func (c *RedisCache) Get(ctx context.Context, key string) (*novel.Novel, bool) {
	data, err := c.client.Get(ctx, c.prefix+key).Bytes()
	if err == redis.Nil {
		c.metrics.RecordCache("redis", false)
		return nil, false
	} else if err != nil {
		c.log.WithError(err).Warn("Redis match cache read failed")
		c.metrics.RecordCache("redis", false)
		return nil, false
	}

	var match *novel.Novel
	if err := json.Unmarshal(data, &match); err != nil {
		// Drop corrupt entries so the next reconciliation rewrites them.
		c.client.Del(ctx, c.prefix+key)
		c.metrics.RecordCache("redis", false)
		return nil, false
	}
	c.metrics.RecordCache("redis", true)
	return match, true
}

func (c *RedisCache) Set(ctx context.Context, key string, match *novel.Novel) {
	ttl := c.cfg.TTL
	if match == nil {
		ttl = c.cfg.NegativeTTL
	}
	data, err := json.Marshal(match)
	if err != nil {
		return
	}
	if err := c.client.Set(ctx, c.prefix+key, data, ttl).Err(); err != nil {
		c.log.WithError(err).Warn("Redis match cache write failed")
	}
}

func (c *RedisCache) Forget(ctx context.Context, source string) {
	var keys []string
	iter := c.client.Scan(ctx, 0, c.prefix+sourcePrefix(source)+"*", 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		c.log.WithError(err).WithField("source", source).Warn("Redis match cache scan failed")
		return
	}
	if len(keys) == 0 {
		return
	}
	if err := c.client.Del(ctx, keys...).Err(); err != nil {
		c.log.WithError(err).WithField("source", source).Warn("Redis match cache purge failed")
	}
}

// TieredCache reads through an ordered list of caches, back-filling the
// faster tiers on a hit, and writes to all of them.
type TieredCache []MatchCache

func (t TieredCache) Get(ctx context.Context, key string) (*novel.Novel, bool) {
	for i, c := range t {
		if match, hit := c.Get(ctx, key); hit {
			for _, faster := range t[:i] {
				faster.Set(ctx, key, match)
			}
			return match, true
		}
	}
	return nil, false
}

func (t TieredCache) Set(ctx context.Context, key string, match *novel.Novel) {
	for _, c := range t {
		c.Set(ctx, key, match)
	}
}

func (t TieredCache) Forget(ctx context.Context, source string) {
	for _, c := range t {
		c.Forget(ctx, source)
	}
}
