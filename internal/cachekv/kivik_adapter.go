package cachekv

import (
	"context"
	"fmt"
	"time"

	"github.com/marketscan/scanner/internal/domain"
	"github.com/marketscan/scanner/internal/store"
)

// KivikTier adapts a document-store collection (kivikstore.Database in
// production) to the Tier contract.
type KivikTier struct {
	coll store.Collection
}

func NewKivikTier(db store.Database, collection string) *KivikTier {
	return &KivikTier{coll: db.Collection(collection)}
}

func (t *KivikTier) Get(ctx context.Context, key string) (*domain.CacheEntry, bool, error) {
	var e domain.CacheEntry
	if err := t.coll.Get(ctx, key, &e); err != nil {
		if err == store.ErrNotFound {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("cachekv: get %s: %w", key, err)
	}
	e.LastAccessAt = time.Now()
	_ = t.coll.Replace(ctx, key, e) // advisory touch; cache writes never propagate failure
	return &e, true, nil
}

func (t *KivikTier) Put(ctx context.Context, e *domain.CacheEntry) error {
	e.CacheKey = idFor(e.CacheKey)
	existing := domain.CacheEntry{}
	if err := t.coll.Get(ctx, e.CacheKey, &existing); err == nil {
		return t.coll.Replace(ctx, e.CacheKey, e)
	}
	_, err := t.coll.Insert(ctx, withID(e))
	return err
}

func (t *KivikTier) Delete(ctx context.Context, key string) error {
	return t.coll.Delete(ctx, idFor(key))
}

func (t *KivikTier) ListForEviction(ctx context.Context) ([]domain.CacheEntry, error) {
	var out []domain.CacheEntry
	if err := t.coll.Find(ctx, store.Query{Sort: []string{"lastAccessAt"}}, &out); err != nil {
		return nil, fmt.Errorf("cachekv: list for eviction: %w", err)
	}
	return out, nil
}

func (t *KivikTier) Clear(ctx context.Context) error {
	var all []domain.CacheEntry
	if err := t.coll.Find(ctx, store.Query{}, &all); err != nil {
		return err
	}
	for _, e := range all {
		_ = t.coll.Delete(ctx, idFor(e.CacheKey))
	}
	return nil
}

func (t *KivikTier) Stats(ctx context.Context) (Stats, error) {
	count, err := t.coll.Count(ctx, store.Query{})
	if err != nil {
		return Stats{}, err
	}
	entries, err := t.ListForEviction(ctx)
	if err != nil {
		return Stats{}, err
	}
	var totalBytes int64
	for _, e := range entries {
		totalBytes += int64(len(e.Data))
	}
	return Stats{Count: count, TotalBytes: totalBytes}, nil
}

// idFor keeps cache-entry document ids stable and collision-free without
// leaking storage concerns into domain.CacheEntry.
func idFor(cacheKey string) string { return cacheKey }

func withID(e *domain.CacheEntry) map[string]any {
	return map[string]any{
		"_id":          e.CacheKey,
		"cacheKey":     e.CacheKey,
		"apiEndpoint":  e.APIEndpoint,
		"params":       e.Params,
		"data":         e.Data,
		"createdAt":    e.CreatedAt,
		"updatedAt":    e.UpdatedAt,
		"expiresAt":    e.ExpiresAt,
		"lastAccessAt": e.LastAccessAt,
	}
}
