package httpclient_test

import (
	"testing"

	"github.com/marketscan/scanner/internal/httpclient"
)

func TestCacheKey_StableUnderParamReordering(t *testing.T) {
	a := httpclient.CacheKey("https://api.example.com", "get", "/v1/quote", map[string]string{"symbol": "AAPL", "range": "1d"}, "")
	b := httpclient.CacheKey("https://api.example.com", "GET", "/v1/quote", map[string]string{"range": "1d", "symbol": "AAPL"}, "")

	if a != b {
		t.Fatalf("expected stable key under param reordering, got %q vs %q", a, b)
	}
}

func TestCacheKey_NormalizesPathAndMethod(t *testing.T) {
	key := httpclient.CacheKey("https://api.example.com", "get", "https://api.example.com/v1/quote/daily", nil, "")
	if key != "GETv1-quote-daily" {
		t.Fatalf("unexpected key: %q", key)
	}
}

func TestCacheKey_DifferentParamsProduceDifferentKeys(t *testing.T) {
	a := httpclient.CacheKey("https://api.example.com", "GET", "/v1/quote", map[string]string{"symbol": "AAPL"}, "")
	b := httpclient.CacheKey("https://api.example.com", "GET", "/v1/quote", map[string]string{"symbol": "MSFT"}, "")

	if a == b {
		t.Fatalf("expected distinct keys for distinct params, both were %q", a)
	}
}

func TestCacheKey_NoParamsOrBodyOmitsHash(t *testing.T) {
	key := httpclient.CacheKey("https://api.example.com", "GET", "/v1/health", nil, "")
	if key != "GETv1-health" {
		t.Fatalf("expected no hash suffix, got %q", key)
	}
}
