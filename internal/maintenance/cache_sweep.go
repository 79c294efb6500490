package maintenance

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/marketscan/scanner/internal/domain"
)

// CacheSweepReport counts what a cache sweep deleted, broken down by rule
// during one cache sweep.
type CacheSweepReport struct {
	ExpiredDeleted int
	CeilingDeleted int
	SizeDeleted    int
	OrphansDeleted int
}

// SweepCache applies the four cache-tier rules in order: expired
// entries, then entry-count ceiling, then size ceiling, then orphans missing
// required fields. Running it twice on a steady state deletes nothing.
func (s *Sweeper) SweepCache(ctx context.Context) (CacheSweepReport, error) {
	entries, err := s.cache.ListForEviction(ctx)
	if err != nil {
		return CacheSweepReport{}, fmt.Errorf("maintenance: list cache entries: %w", err)
	}

	var report CacheSweepReport
	now := time.Now()
	kept := make([]domain.CacheEntry, 0, len(entries))

	for _, e := range entries {
		if !e.ExpiresAt.IsZero() && now.After(e.ExpiresAt) {
			s.deleteCacheEntry(ctx, e, &report.ExpiredDeleted)
			continue
		}
		kept = append(kept, e)
	}

	sort.Slice(kept, func(i, j int) bool { return kept[i].CreatedAt.Before(kept[j].CreatedAt) })

	if ceiling := s.opts.CacheMaxDocuments; len(kept) > ceiling {
		excess := len(kept) - ceiling
		for i := 0; i < excess; i++ {
			s.deleteCacheEntry(ctx, kept[i], &report.CeilingDeleted)
		}
		kept = kept[excess:]
	}

	maxBytes := int64(s.opts.CacheMaxSizeMB) * 1024 * 1024
	if totalBytes(kept) > maxBytes {
		n := len(kept) / 10
		if n == 0 && len(kept) > 0 {
			n = 1
		}
		for i := 0; i < n; i++ {
			s.deleteCacheEntry(ctx, kept[i], &report.SizeDeleted)
		}
		kept = kept[n:]
	}

	for _, e := range kept {
		if e.CacheKey == "" || e.ExpiresAt.IsZero() || len(e.Data) == 0 {
			s.deleteCacheEntry(ctx, e, &report.OrphansDeleted)
		}
	}

	return report, nil
}

func totalBytes(entries []domain.CacheEntry) int64 {
	var total int64
	for _, e := range entries {
		total += int64(len(e.Data))
	}
	return total
}

func (s *Sweeper) deleteCacheEntry(ctx context.Context, e domain.CacheEntry, counter *int) {
	if err := s.cache.Delete(ctx, e.CacheKey); err != nil {
		s.logger.Warn("delete cache entry failed", "cacheKey", e.CacheKey, "error", err)
		return
	}
	*counter++
}
