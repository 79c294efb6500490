package httpclient

import (
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"

	"github.com/marketscan/scanner/internal/domain"
)

func TestLRUMemoryTier_PutGet(t *testing.T) {
	tier := newLRUMemoryTier(10, time.Minute)

	entry := &domain.CacheEntry{CacheKey: "GETv1-quote", Data: []byte(`{"price":1}`)}
	tier.put("GETv1-quote", entry)

	got, ok := tier.get("GETv1-quote")
	if !ok {
		t.Fatal("expected hit")
	}
	if string(got.Data) != `{"price":1}` {
		t.Fatalf("unexpected data: %s", got.Data)
	}
}

func TestLRUMemoryTier_MissOnUnknownKey(t *testing.T) {
	tier := newLRUMemoryTier(10, time.Minute)
	if _, ok := tier.get("missing"); ok {
		t.Fatal("expected miss")
	}
}

func TestLRUMemoryTier_ExpiresByTTL(t *testing.T) {
	tier := newLRUMemoryTier(10, 10*time.Millisecond)
	tier.put("k", &domain.CacheEntry{CacheKey: "k"})

	time.Sleep(30 * time.Millisecond)
	if _, ok := tier.get("k"); ok {
		t.Fatal("expected entry to have expired out of the LRU")
	}
}

func newMiniredisTier(t *testing.T, ttl time.Duration) *RedisMemoryTier {
	t.Helper()
	srv := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisMemoryTier(client, ttl)
}

func TestRedisMemoryTier_PutGet(t *testing.T) {
	tier := newMiniredisTier(t, time.Minute)

	entry := &domain.CacheEntry{
		CacheKey:  "GETv1-quote",
		Data:      []byte(`{"price":1}`),
		ExpiresAt: time.Now().Add(time.Minute),
	}
	tier.put("GETv1-quote", entry)

	got, ok := tier.get("GETv1-quote")
	if !ok {
		t.Fatal("expected hit")
	}
	if string(got.Data) != `{"price":1}` {
		t.Fatalf("unexpected data: %s", got.Data)
	}
	if _, ok := tier.get("missing"); ok {
		t.Fatal("expected miss for unknown key")
	}
}
