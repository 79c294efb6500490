package cachekv

import (
	"context"

	"github.com/marketscan/scanner/internal/domain"
	"github.com/marketscan/scanner/internal/store/pgstore"
)

// PgTier adapts pgstore.KV, the Postgres/JSONB alternate backend, to the
// Tier contract.
type PgTier struct {
	kv *pgstore.KV
}

func NewPgTier(kv *pgstore.KV) *PgTier { return &PgTier{kv: kv} }

func (t *PgTier) Get(ctx context.Context, key string) (*domain.CacheEntry, bool, error) {
	return t.kv.Get(ctx, key)
}

func (t *PgTier) Put(ctx context.Context, e *domain.CacheEntry) error {
	return t.kv.Put(ctx, e)
}

func (t *PgTier) Delete(ctx context.Context, key string) error {
	return t.kv.Delete(ctx, key)
}

func (t *PgTier) ListForEviction(ctx context.Context) ([]domain.CacheEntry, error) {
	return t.kv.ListForEviction(ctx)
}

func (t *PgTier) Clear(ctx context.Context) error {
	return t.kv.Clear(ctx)
}

func (t *PgTier) Stats(ctx context.Context) (Stats, error) {
	s, err := t.kv.Stats(ctx)
	if err != nil {
		return Stats{}, err
	}
	return Stats{Count: s.Count, TotalBytes: s.TotalBytes}, nil
}

// EvictHalfOldest is only meaningful for the Postgres adapter — the
// out-of-space retry path falls back to
// ListForEviction-based trimming for tiers that don't expose it.
func (t *PgTier) EvictHalfOldest(ctx context.Context) (int, error) {
	return t.kv.EvictHalfOldest(ctx)
}
