// Package httpclient implements the cached, rate-limited, deduplicated
// vendor HTTP client: a priority-queued worker pool in front of a two-tier
// cache, with retry, circuit breaking, and call-quota limiting around the
// transport.
package httpclient

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/marketscan/scanner/internal/cachekv"
	"github.com/marketscan/scanner/internal/domain"
	"github.com/marketscan/scanner/internal/metrics"
)

// StatusError wraps a non-2xx HTTP response. 4xx is fatal (no retry); 5xx is
// retryable.
type StatusError struct {
	StatusCode int
	Body       []byte
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("httpclient: unexpected status %d", e.StatusCode)
}

func (e *StatusError) Retryable() bool {
	return e.StatusCode >= 500
}

// Options customizes a single call.
type Options struct {
	Params   map[string]string
	Headers  map[string]string
	Priority int // smaller = more urgent; 0 means Config.DefaultPriority
}

// Config configures a CachedClient. Zero values are replaced by defaults
// in New.
type Config struct {
	BaseURL string

	// DefaultParams are query parameters attached to every request (the
	// vendor API token, response-format switches). Per-call Options.Params
	// override them key by key.
	DefaultParams map[string]string

	MaxConcurrency  int
	DefaultPriority int
	MaxRetries      int
	RetryBaseDelay  time.Duration
	RequestTimeout  time.Duration

	MemoryTTL       time.Duration
	MemoryCacheSize int
	PersistentTTL   time.Duration
	PersistentCountCeiling int
	PersistentByteCeiling  int64

	RateLimit rate.Limit
	RateBurst int

	BreakerName               string
	BreakerMaxRequests        uint32
	BreakerInterval           time.Duration
	BreakerTimeout            time.Duration
	BreakerConsecutiveFailures uint32
}

func (c *Config) withDefaults() Config {
	cfg := *c
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 6
	}
	if cfg.DefaultPriority == 0 {
		cfg.DefaultPriority = 50
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = 200 * time.Millisecond
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	if cfg.MemoryTTL <= 0 {
		cfg.MemoryTTL = 5 * time.Minute
	}
	if cfg.MemoryCacheSize <= 0 {
		cfg.MemoryCacheSize = 10000
	}
	if cfg.PersistentTTL <= 0 {
		cfg.PersistentTTL = time.Hour
	}
	if cfg.PersistentCountCeiling <= 0 {
		cfg.PersistentCountCeiling = 50000
	}
	if cfg.PersistentByteCeiling <= 0 {
		cfg.PersistentByteCeiling = 512 * 1024 * 1024
	}
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = 10
	}
	if cfg.RateBurst <= 0 {
		cfg.RateBurst = 20
	}
	if cfg.BreakerName == "" {
		cfg.BreakerName = "httpclient"
	}
	if cfg.BreakerMaxRequests == 0 {
		cfg.BreakerMaxRequests = 2
	}
	if cfg.BreakerInterval <= 0 {
		cfg.BreakerInterval = 10 * time.Second
	}
	if cfg.BreakerTimeout <= 0 {
		cfg.BreakerTimeout = 30 * time.Second
	}
	if cfg.BreakerConsecutiveFailures == 0 {
		cfg.BreakerConsecutiveFailures = 5
	}
	return cfg
}

// CachedClient is the vendor-facing HTTP client. Its persistent cache is
// the primary mechanism for staying inside the vendor's call quota.
type CachedClient struct {
	cfg    Config
	logger *slog.Logger

	http    *http.Client
	mem     memoryTier
	persist cachekv.Tier

	queue   *priorityQueue
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker
	sf      singleflight.Group

	stats Stats

	evictMu sync.Mutex // serializes ceiling-eviction passes on the persistent tier
}

// New builds a CachedClient. persist may be nil, in which case the client
// runs memory-tier-only (no persistent tier invariants apply).
func New(ctx context.Context, cfg Config, persist cachekv.Tier, logger *slog.Logger) *CachedClient {
	cfg = cfg.withDefaults()

	breakerSettings := gobreaker.Settings{
		Name:        cfg.BreakerName,
		MaxRequests: cfg.BreakerMaxRequests,
		Interval:    cfg.BreakerInterval,
		Timeout:     cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.BreakerConsecutiveFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Info("circuit breaker state change", "breaker", name, "from", from, "to", to)
		},
	}

	c := &CachedClient{
		cfg:    cfg,
		logger: logger.With("component", "httpclient"),
		http: &http.Client{
			Timeout: cfg.RequestTimeout + 5*time.Second, // safety net above the per-request context deadline
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{MinVersion: tls.VersionTLS12},
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
				DialContext: (&net.Dialer{
					Timeout:   10 * time.Second,
					KeepAlive: 30 * time.Second,
				}).DialContext,
			},
			CheckRedirect: func(_ *http.Request, via []*http.Request) error {
				if len(via) >= 10 {
					return fmt.Errorf("stopped after 10 redirects")
				}
				return nil
			},
		},
		mem:     newLRUMemoryTier(cfg.MemoryCacheSize, cfg.MemoryTTL),
		persist: persist,
		queue:   newPriorityQueue(ctx, cfg.MaxConcurrency),
		limiter: rate.NewLimiter(cfg.RateLimit, cfg.RateBurst),
		breaker: gobreaker.NewCircuitBreaker(breakerSettings),
	}
	return c
}

// WithRedisMemoryTier swaps the default single-process LRU memory tier for a
// Redis-backed one shared by several replicas.
func (c *CachedClient) WithRedisMemoryTier(t memoryTier) { c.mem = t }

func (c *CachedClient) Close() { c.queue.close() }

func (c *CachedClient) Stats() Snapshot { return c.stats.Snapshot() }

func (c *CachedClient) url(path string) string {
	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		return path
	}
	return c.cfg.BaseURL + "/" + trimLeadingSlash(path)
}

func trimLeadingSlash(p string) string {
	for len(p) > 0 && p[0] == '/' {
		p = p[1:]
	}
	return p
}

// Get performs a cached GET: memory tier, persistent tier, then the queued
// network call.
func (c *CachedClient) Get(ctx context.Context, path string, opts Options) (json.RawMessage, error) {
	return c.cachedGet(ctx, path, c.withDefaultParams(opts))
}

func (c *CachedClient) Post(ctx context.Context, path string, body any, opts Options) (json.RawMessage, error) {
	return c.uncachedRequest(ctx, http.MethodPost, path, body, c.withDefaultParams(opts))
}

func (c *CachedClient) Put(ctx context.Context, path string, body any, opts Options) (json.RawMessage, error) {
	return c.uncachedRequest(ctx, http.MethodPut, path, body, c.withDefaultParams(opts))
}

func (c *CachedClient) Patch(ctx context.Context, path string, body any, opts Options) (json.RawMessage, error) {
	return c.uncachedRequest(ctx, http.MethodPatch, path, body, c.withDefaultParams(opts))
}

func (c *CachedClient) Delete(ctx context.Context, path string, opts Options) (json.RawMessage, error) {
	return c.uncachedRequest(ctx, http.MethodDelete, path, nil, c.withDefaultParams(opts))
}

// withDefaultParams folds Config.DefaultParams (the vendor API token and
// friends) under the per-call params; per-call values win.
func (c *CachedClient) withDefaultParams(opts Options) Options {
	if len(c.cfg.DefaultParams) == 0 {
		return opts
	}
	merged := make(map[string]string, len(c.cfg.DefaultParams)+len(opts.Params))
	for k, v := range c.cfg.DefaultParams {
		merged[k] = v
	}
	for k, v := range opts.Params {
		merged[k] = v
	}
	opts.Params = merged
	return opts
}

func (c *CachedClient) cachedGet(ctx context.Context, path string, opts Options) (json.RawMessage, error) {
	c.stats.total.Add(1)

	key := CacheKey(c.cfg.BaseURL, http.MethodGet, path, opts.Params, "")

	if e, ok := c.mem.get(key); ok && !e.Expired(time.Now()) {
		c.stats.memoryHits.Add(1)
		c.stats.successful.Add(1)
		metrics.CacheHitsTotal.WithLabelValues("memory").Inc()
		return e.Data, nil
	}

	if c.persist != nil {
		if e, ok, err := c.persist.Get(ctx, key); err == nil && ok && !e.Expired(time.Now()) {
			c.mem.put(key, e)
			c.stats.persistentHits.Add(1)
			c.stats.successful.Add(1)
			metrics.CacheHitsTotal.WithLabelValues("persistent").Inc()
			return e.Data, nil
		}
	}

	v, err, shared := c.sf.Do(key, func() (any, error) {
		return c.executeQueued(ctx, http.MethodGet, c.url(path), opts.Params, nil, opts.Headers, c.priorityOf(opts))
	})
	if shared {
		c.stats.deduplicated.Add(1)
		metrics.CacheDeduplicatedTotal.Inc()
	}
	if err != nil {
		c.stats.failed.Add(1)
		return nil, err
	}
	data := v.(json.RawMessage)

	c.writeThrough(ctx, key, path, opts.Params, data)
	c.stats.successful.Add(1)
	return data, nil
}

func (c *CachedClient) writeThrough(ctx context.Context, key, path string, params map[string]string, data json.RawMessage) {
	now := time.Now()
	paramsAny := make(map[string]any, len(params))
	for k, v := range params {
		paramsAny[k] = v
	}

	mem := &domain.CacheEntry{
		CacheKey: key, APIEndpoint: path, Params: paramsAny, Data: data,
		CreatedAt: now, UpdatedAt: now, ExpiresAt: now.Add(c.cfg.MemoryTTL), LastAccessAt: now,
	}
	c.mem.put(key, mem)

	if c.persist == nil {
		return
	}
	persisted := &domain.CacheEntry{
		CacheKey: key, APIEndpoint: path, Params: paramsAny, Data: data,
		CreatedAt: now, UpdatedAt: now, ExpiresAt: now.Add(c.cfg.PersistentTTL), LastAccessAt: now,
	}
	if err := c.persist.Put(ctx, persisted); err != nil {
		if !c.evictAndRetry(ctx, persisted) {
			c.logger.WarnContext(ctx, "persistent cache write failed", "key", key, "error", err)
		}
		return
	}
	c.enforceCeilings(ctx)
}

// evictAndRetry handles an out-of-space signal from the persistent tier:
// unconditionally evict half and retry exactly once. A tier that exposes
// EvictHalfOldest evicts its own oldest half (by creation time); any other
// tier is trimmed by the oldest half of ListForEviction (by last access).
func (c *CachedClient) evictAndRetry(ctx context.Context, e *domain.CacheEntry) bool {
	c.evictMu.Lock()
	defer c.evictMu.Unlock()

	if h, ok := c.persist.(interface {
		EvictHalfOldest(context.Context) (int, error)
	}); ok {
		if _, err := h.EvictHalfOldest(ctx); err != nil {
			return false
		}
		return c.persist.Put(ctx, e) == nil
	}

	entries, err := c.persist.ListForEviction(ctx)
	if err != nil {
		return false
	}
	for _, victim := range entries[:len(entries)/2] {
		_ = c.persist.Delete(ctx, victim.CacheKey)
	}
	return c.persist.Put(ctx, e) == nil
}

// enforceCeilings applies the persistent tier's size and entry-count
// ceilings on every write, evicting by LRU (oldest last-access) approximation.
func (c *CachedClient) enforceCeilings(ctx context.Context) {
	c.evictMu.Lock()
	defer c.evictMu.Unlock()

	stats, err := c.persist.Stats(ctx)
	if err != nil {
		return
	}
	if stats.Count <= c.cfg.PersistentCountCeiling && stats.TotalBytes <= c.cfg.PersistentByteCeiling {
		return
	}

	entries, err := c.persist.ListForEviction(ctx)
	if err != nil {
		return
	}
	for _, victim := range entries {
		if stats.Count <= c.cfg.PersistentCountCeiling && stats.TotalBytes <= c.cfg.PersistentByteCeiling {
			break
		}
		if err := c.persist.Delete(ctx, victim.CacheKey); err == nil {
			stats.Count--
			stats.TotalBytes -= int64(len(victim.Data))
		}
	}
}

func (c *CachedClient) uncachedRequest(ctx context.Context, method, path string, body any, opts Options) (json.RawMessage, error) {
	c.stats.total.Add(1)

	var bodyBytes []byte
	if body != nil {
		if s, ok := body.(string); ok {
			bodyBytes = []byte(s)
		} else {
			blob, err := json.Marshal(body)
			if err != nil {
				c.stats.failed.Add(1)
				return nil, fmt.Errorf("httpclient: marshal body: %w", err)
			}
			bodyBytes = blob
		}
	}

	data, err := c.executeQueued(ctx, method, c.url(path), opts.Params, bodyBytes, opts.Headers, c.priorityOf(opts))
	if err != nil {
		c.stats.failed.Add(1)
		return nil, err
	}
	c.stats.successful.Add(1)
	return data, nil
}

func (c *CachedClient) priorityOf(opts Options) int {
	if opts.Priority != 0 {
		return opts.Priority
	}
	return c.cfg.DefaultPriority
}

// executeQueued hands the call to the priority-queue worker pool and blocks
// until it completes or the caller's context is cancelled.
func (c *CachedClient) executeQueued(ctx context.Context, method, fullURL string, params map[string]string, body []byte, headers map[string]string, priority int) (json.RawMessage, error) {
	type result struct {
		data json.RawMessage
		err  error
	}
	resCh := make(chan result, 1)

	c.queue.submit(priority, func(taskCtx context.Context) {
		data, err := c.doWithRetry(taskCtx, method, fullURL, params, body, headers)
		resCh <- result{data, err}
	})

	select {
	case r := <-resCh:
		return r.data, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// doWithRetry applies the retry policy: network errors and 5xx
// are retryable up to MaxRetries with exponential backoff; 4xx is fatal.
func (c *CachedClient) doWithRetry(ctx context.Context, method, fullURL string, params map[string]string, body []byte, headers map[string]string) (json.RawMessage, error) {
	var lastErr error
	for attempt := 1; attempt <= c.cfg.MaxRetries+1; attempt++ {
		if attempt > 1 {
			c.stats.retried.Add(1)
			metrics.RetriesTotal.Inc()
			backoff := c.cfg.RetryBaseDelay * time.Duration(1<<uint(attempt-2))
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}

		data, err := c.roundTrip(ctx, method, fullURL, params, body, headers)
		if err == nil {
			return data, nil
		}
		lastErr = err

		var statusErr *StatusError
		if errors.As(err, &statusErr) && !statusErr.Retryable() {
			return nil, err
		}
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, err
		}
	}
	return nil, lastErr
}

func (c *CachedClient) roundTrip(ctx context.Context, method, fullURL string, params map[string]string, body []byte, headers map[string]string) (json.RawMessage, error) {
	started := time.Now()
	outcome := "error"
	defer func() {
		metrics.HTTPRequestDuration.WithLabelValues(method).Observe(time.Since(started).Seconds())
		metrics.HTTPRequestsTotal.WithLabelValues(method, outcome).Inc()
	}()

	reqCtx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()

	u, err := url.Parse(fullURL)
	if err != nil {
		return nil, fmt.Errorf("httpclient: parse url: %w", err)
	}
	if len(params) > 0 {
		q := u.Query()
		keys := make([]string, 0, len(params))
		for k := range params {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			q.Set(k, params[k])
		}
		u.RawQuery = q.Encode()
	}

	var bodyReader io.Reader
	if len(body) > 0 {
		bodyReader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(reqCtx, method, u.String(), bodyReader)
	if err != nil {
		return nil, fmt.Errorf("httpclient: build request: %w", err)
	}
	if len(body) > 0 {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.breaker.Execute(func() (any, error) {
		return c.http.Do(req)
	})
	if err != nil {
		return nil, err
	}
	httpResp := resp.(*http.Response)
	defer func() { _ = httpResp.Body.Close() }()

	blob, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("httpclient: read body: %w", err)
	}

	if httpResp.StatusCode >= 400 {
		outcome = "status_error"
		return nil, &StatusError{StatusCode: httpResp.StatusCode, Body: blob}
	}
	outcome = "ok"
	return json.RawMessage(blob), nil
}
