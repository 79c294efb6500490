package httpclient

import (
	"encoding/json"
	"sort"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// CacheKey derives the deterministic cache key:
// upper-cased method + normalized path (base URL stripped, leading slash
// removed, remaining slashes replaced with "-") plus, when there are query
// params or a body, a base-36 rendering of a 32-bit xxhash over the sorted
// params and the body.
func CacheKey(baseURL, method, path string, params map[string]string, body string) string {
	normalized := normalizePath(baseURL, path)
	key := strings.ToUpper(method) + normalized

	if len(params) == 0 && body == "" {
		return key
	}
	return key + "-" + contentHash(params, body)
}

func normalizePath(baseURL, path string) string {
	p := strings.TrimPrefix(path, baseURL)
	p = strings.TrimPrefix(p, "/")
	p = strings.ReplaceAll(p, "/", "-")
	return p
}

// contentHash renders a 32-bit (truncated from xxhash's 64-bit digest,
// matching the "fast 32-bit non-cryptographic hash" requirement) hash of the
// sorted query params and body in base-36, so the key is stable under
// parameter re-ordering.
func contentHash(params map[string]string, body string) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	for _, k := range keys {
		sb.WriteString(k)
		sb.WriteByte('=')
		sb.WriteString(params[k])
		sb.WriteByte('&')
	}
	sb.WriteString(body)

	sum := xxhash.Sum64String(sb.String())
	truncated := uint32(sum)
	return strconv.FormatUint(uint64(truncated), 36)
}

// StableBody renders a request body deterministically for hashing purposes
// when callers pass structured data instead of a pre-serialized string.
func StableBody(v any) string {
	if v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	blob, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(blob)
}
