// Package cachekv defines the persistent-tier contract for the cached HTTP
// client.
package cachekv

import (
	"context"

	"github.com/marketscan/scanner/internal/domain"
)

// Stats summarizes the persistent tier's current occupancy.
type Stats struct {
	Count      int
	TotalBytes int64
}

// Tier is the persistent-cache contract. Both the Kivik/document-store
// adapter and the Postgres/pgx adapter implement it identically, so
// internal/httpclient never knows which backs it.
type Tier interface {
	Get(ctx context.Context, key string) (*domain.CacheEntry, bool, error)
	Put(ctx context.Context, entry *domain.CacheEntry) error
	Delete(ctx context.Context, key string) error
	// ListForEviction returns entries ordered oldest-last-access-first.
	ListForEviction(ctx context.Context) ([]domain.CacheEntry, error)
	Clear(ctx context.Context) error
	Stats(ctx context.Context) (Stats, error)
}
