package httpclient

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	goredis "github.com/redis/go-redis/v9"

	"github.com/marketscan/scanner/internal/domain"
)

// memoryTier is the in-memory tier of the two-tier cache: a
// short-TTL map consulted before the persistent tier.
type memoryTier interface {
	get(key string) (*domain.CacheEntry, bool)
	put(key string, entry *domain.CacheEntry)
}

// lruMemoryTier wraps hashicorp/golang-lru's expirable LRU, the default
// single-process memory tier.
type lruMemoryTier struct {
	cache *expirable.LRU[string, domain.CacheEntry]
}

func newLRUMemoryTier(size int, ttl time.Duration) *lruMemoryTier {
	return &lruMemoryTier{cache: expirable.NewLRU[string, domain.CacheEntry](size, nil, ttl)}
}

func (t *lruMemoryTier) get(key string) (*domain.CacheEntry, bool) {
	e, ok := t.cache.Get(key)
	if !ok {
		return nil, false
	}
	return &e, true
}

func (t *lruMemoryTier) put(key string, entry *domain.CacheEntry) {
	t.cache.Add(key, *entry)
}

// RedisMemoryTier is the alternate, shared-process memory tier backed by
// Redis, for deployments where several replicas should share one hot cache.
// Install it with CachedClient.WithRedisMemoryTier.
type RedisMemoryTier struct {
	client *goredis.Client
	ttl    time.Duration
}

func NewRedisMemoryTier(client *goredis.Client, ttl time.Duration) *RedisMemoryTier {
	return &RedisMemoryTier{client: client, ttl: ttl}
}

func (t *RedisMemoryTier) get(key string) (*domain.CacheEntry, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	blob, err := t.client.Get(ctx, key).Bytes()
	if err != nil {
		return nil, false
	}
	var e domain.CacheEntry
	if err := unmarshalEntry(blob, &e); err != nil {
		return nil, false
	}
	return &e, true
}

func (t *RedisMemoryTier) put(key string, entry *domain.CacheEntry) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	blob, err := marshalEntry(entry)
	if err != nil {
		return
	}
	_ = t.client.Set(ctx, key, blob, t.ttl).Err() // advisory; cache writes never propagate failure
}
