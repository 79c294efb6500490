// Package pgstore is the Postgres/JSONB-backed alternate persistent cache
// tier, for deployments that keep the hot HTTP cache out of the document
// store.
package pgstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/marketscan/scanner/internal/domain"
)

// KV is a simple key-value table standing in for the persistent HTTP cache
// tier. Table shape: cache_entries(cache_key PK, api_endpoint,
// params jsonb, data jsonb, created_at, updated_at, expires_at,
// last_access_at). DDL/migrations are out of scope; the table is
// assumed to already exist.
type KV struct {
	pool *pgxpool.Pool
}

// NewPool builds a pgx pool with bounded sizing, a periodic health check,
// and a ping on open.
func NewPool(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("pgstore: parse db config: %w", err)
	}
	cfg.MaxConns = 25
	cfg.MinConns = 5
	cfg.MaxConnLifetime = time.Hour
	cfg.MaxConnIdleTime = 30 * time.Minute
	cfg.HealthCheckPeriod = 30 * time.Second
	cfg.ConnConfig.ConnectTimeout = 5 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("pgstore: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("pgstore: ping: %w", err)
	}
	return pool, nil
}

func New(pool *pgxpool.Pool) *KV {
	return &KV{pool: pool}
}

func (k *KV) Get(ctx context.Context, key string) (*domain.CacheEntry, bool, error) {
	row := k.pool.QueryRow(ctx, `
		SELECT cache_key, api_endpoint, params, data, created_at, updated_at, expires_at, last_access_at
		FROM cache_entries WHERE cache_key = $1`, key)
	e, err := scanEntry(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("pgstore: get %s: %w", key, err)
	}
	if _, err := k.pool.Exec(ctx, `UPDATE cache_entries SET last_access_at = NOW() WHERE cache_key = $1`, key); err != nil {
		return e, true, nil // advisory; cache writes never propagate failure
	}
	return e, true, nil
}

func (k *KV) Put(ctx context.Context, e *domain.CacheEntry) error {
	params, err := json.Marshal(e.Params)
	if err != nil {
		return fmt.Errorf("pgstore: marshal params: %w", err)
	}
	_, err = k.pool.Exec(ctx, `
		INSERT INTO cache_entries (cache_key, api_endpoint, params, data, created_at, updated_at, expires_at, last_access_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (cache_key) DO UPDATE SET
			api_endpoint = EXCLUDED.api_endpoint,
			params       = EXCLUDED.params,
			data         = EXCLUDED.data,
			updated_at   = EXCLUDED.updated_at,
			expires_at   = EXCLUDED.expires_at,
			last_access_at = EXCLUDED.last_access_at`,
		e.CacheKey, e.APIEndpoint, params, []byte(e.Data), e.CreatedAt, e.UpdatedAt, e.ExpiresAt, e.LastAccessAt)
	if err != nil {
		return fmt.Errorf("pgstore: put %s: %w", e.CacheKey, err)
	}
	return nil
}

func (k *KV) Delete(ctx context.Context, key string) error {
	_, err := k.pool.Exec(ctx, `DELETE FROM cache_entries WHERE cache_key = $1`, key)
	return err
}

// ListForEviction returns every entry ordered oldest-last-access-first, the
// ordering the size/count ceilings evict against.
func (k *KV) ListForEviction(ctx context.Context) ([]domain.CacheEntry, error) {
	rows, err := k.pool.Query(ctx, `
		SELECT cache_key, api_endpoint, params, data, created_at, updated_at, expires_at, last_access_at
		FROM cache_entries ORDER BY last_access_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("pgstore: list for eviction: %w", err)
	}
	defer rows.Close()

	var out []domain.CacheEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

func (k *KV) Clear(ctx context.Context) error {
	_, err := k.pool.Exec(ctx, `TRUNCATE cache_entries`)
	return err
}

type Stats struct {
	Count      int
	TotalBytes int64
}

func (k *KV) Stats(ctx context.Context) (Stats, error) {
	var s Stats
	err := k.pool.QueryRow(ctx, `
		SELECT COUNT(*), COALESCE(SUM(pg_column_size(data)), 0) FROM cache_entries`,
	).Scan(&s.Count, &s.TotalBytes)
	return s, err
}

// EvictHalfOldest unconditionally drops the oldest 50% by created_at,
// used on the out-of-space retry path.
func (k *KV) EvictHalfOldest(ctx context.Context) (int, error) {
	tag, err := k.pool.Exec(ctx, `
		DELETE FROM cache_entries WHERE cache_key IN (
			SELECT cache_key FROM cache_entries
			ORDER BY created_at ASC
			LIMIT (SELECT GREATEST(COUNT(*) / 2, 0) FROM cache_entries)
		)`)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (*domain.CacheEntry, error) {
	var e domain.CacheEntry
	var params []byte
	if err := row.Scan(&e.CacheKey, &e.APIEndpoint, &params, &e.Data, &e.CreatedAt, &e.UpdatedAt, &e.ExpiresAt, &e.LastAccessAt); err != nil {
		return nil, err
	}
	if len(params) > 0 {
		_ = json.Unmarshal(params, &e.Params)
	}
	return &e, nil
}
