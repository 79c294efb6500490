package httpclient_test

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/marketscan/scanner/internal/cachekv"
	"github.com/marketscan/scanner/internal/domain"
	"github.com/marketscan/scanner/internal/httpclient"
)

// fakeTier is an in-memory cachekv.Tier double.
type fakeTier struct {
	entries map[string]*domain.CacheEntry
}

func newFakeTier() *fakeTier { return &fakeTier{entries: map[string]*domain.CacheEntry{}} }

func (f *fakeTier) Get(_ context.Context, key string) (*domain.CacheEntry, bool, error) {
	e, ok := f.entries[key]
	return e, ok, nil
}

func (f *fakeTier) Put(_ context.Context, e *domain.CacheEntry) error {
	f.entries[e.CacheKey] = e
	return nil
}

func (f *fakeTier) Delete(_ context.Context, key string) error {
	delete(f.entries, key)
	return nil
}

func (f *fakeTier) ListForEviction(_ context.Context) ([]domain.CacheEntry, error) {
	out := make([]domain.CacheEntry, 0, len(f.entries))
	for _, e := range f.entries {
		out = append(out, *e)
	}
	return out, nil
}

func (f *fakeTier) Clear(_ context.Context) error {
	f.entries = map[string]*domain.CacheEntry{}
	return nil
}

func (f *fakeTier) Stats(_ context.Context) (cachekv.Stats, error) {
	var total int64
	for _, e := range f.entries {
		total += int64(len(e.Data))
	}
	return cachekv.Stats{Count: len(f.entries), TotalBytes: total}, nil
}

func newTestClient(t *testing.T, srv *httptest.Server, persist cachekv.Tier) *httpclient.CachedClient {
	t.Helper()
	cfg := httpclient.Config{
		BaseURL:        srv.URL,
		MaxConcurrency: 2,
		MaxRetries:     2,
		RetryBaseDelay: time.Millisecond,
		RequestTimeout: time.Second,
		RateLimit:      1000,
		RateBurst:      1000,
	}
	c := httpclient.New(context.Background(), cfg, persist, slog.Default())
	t.Cleanup(c.Close)
	return c
}

func TestCachedClient_RepeatGetServedFromMemory(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	persist := newFakeTier()
	c := newTestClient(t, srv, persist)

	ctx := context.Background()
	if _, err := c.Get(ctx, "/v1/quote", httpclient.Options{}); err != nil {
		t.Fatalf("first get: %v", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("expected exactly one upstream call, got %d", calls.Load())
	}

	if _, err := c.Get(ctx, "/v1/quote", httpclient.Options{}); err != nil {
		t.Fatalf("second get: %v", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("expected second get to be served from cache, upstream calls = %d", calls.Load())
	}

	snap := c.Stats()
	if snap.MemoryHits < 1 {
		t.Fatalf("expected at least one memory hit, got snapshot %+v", snap)
	}
}

func TestCachedClient_DeduplicatesConcurrentGets(t *testing.T) {
	release := make(chan struct{})
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		<-release
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv, newFakeTier())
	ctx := context.Background()

	const n = 5
	results := make(chan error, n)
	for i := 0; i < n; i++ {
		go func() {
			_, err := c.Get(ctx, "/v1/dedup", httpclient.Options{})
			results <- err
		}()
	}

	time.Sleep(50 * time.Millisecond) // let all n requests queue behind the same key
	close(release)

	for i := 0; i < n; i++ {
		if err := <-results; err != nil {
			t.Fatalf("get %d: %v", i, err)
		}
	}

	if calls.Load() != 1 {
		t.Fatalf("expected exactly one upstream call for deduplicated gets, got %d", calls.Load())
	}
	if snap := c.Stats(); snap.Deduplicated == 0 {
		t.Fatalf("expected deduplicated counter > 0, got %+v", snap)
	}
}

func TestCachedClient_RetriesOn5xxUntilSuccess(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		if n < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv, nil)
	ctx := context.Background()

	data, err := c.Get(ctx, "/v1/flaky", httpclient.Options{})
	if err != nil {
		t.Fatalf("expected eventual success after retries, got %v", err)
	}
	if string(data) != `{"ok":true}` {
		t.Fatalf("unexpected body: %s", data)
	}
	if calls.Load() != 3 {
		t.Fatalf("expected 3 attempts (2 failures + 1 success), got %d", calls.Load())
	}
	if snap := c.Stats(); snap.Retried == 0 {
		t.Fatalf("expected retried counter > 0, got %+v", snap)
	}
}

func TestCachedClient_FatalOn4xxNoRetry(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := newTestClient(t, srv, nil)
	ctx := context.Background()

	if _, err := c.Get(ctx, "/v1/missing", httpclient.Options{}); err == nil {
		t.Fatal("expected error for 404 response")
	}
	if calls.Load() != 1 {
		t.Fatalf("expected no retries on 4xx, got %d calls", calls.Load())
	}
}

func TestCachedClient_PostBypassesCache(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		body, _ := io.ReadAll(r.Body)
		w.Write(body)
	}))
	defer srv.Close()

	c := newTestClient(t, srv, newFakeTier())
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := c.Post(ctx, "/v1/jobs", map[string]string{"name": "scan"}, httpclient.Options{}); err != nil {
			t.Fatalf("post %d: %v", i, err)
		}
	}
	if calls.Load() != 2 {
		t.Fatalf("expected every POST to reach upstream, got %d calls", calls.Load())
	}
}
