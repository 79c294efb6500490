// Package store defines the document-store contract shared by job records,
// cache entries, and index rules. kivikstore (CouchDB via go-kivik) is its
// one adapter; pgstore (Postgres/JSONB via pgx) is a persistent cache tier
// and does not implement this contract. Callers depend only on this package.
package store

import (
	"context"
	"errors"
)

var (
	// ErrNotFound is returned by Get when no document matches the id.
	ErrNotFound = errors.New("store: document not found")
	// ErrConflict is returned by UpdateIf when the current document does not
	// match the expected predicate — the compare-and-swap failed.
	ErrConflict = errors.New("store: conditional update conflict")
)

// Query is a minimal Mango-style selector: field -> expected value, or
// field -> map[string]any for operators such as {"$lt": x}. It intentionally
// stays small; the engine never needs a general query planner.
type Query struct {
	Selector map[string]any
	Sort     []string
	Limit    int
}

// Collection is a named bucket of JSON documents, analogous to a Mongo
// collection or a CouchDB database/design-doc pair.
type Collection interface {
	// Insert creates a new document and returns its store-assigned id.
	Insert(ctx context.Context, doc any) (id string, err error)

	// Get loads the document with the given id into out.
	Get(ctx context.Context, id string, out any) error

	// Find returns every document matching q, decoded in order into outSlice
	// (a pointer to a slice of the caller's document type).
	Find(ctx context.Context, q Query, outSlice any) error

	// Replace overwrites the full document at id.
	Replace(ctx context.Context, id string, doc any) error

	// UpdateIf performs a conditional update: it loads the document, calls
	// mutate (which returns false to abort without writing), and writes the
	// result back. Implementations must make the load-mutate-write sequence
	// atomic with respect to other UpdateIf callers for the same id — the
	// job runner's status transitions rely on it behaving as a
	// compare-and-swap.
	UpdateIf(ctx context.Context, id string, mutate func(doc map[string]any) (ok bool, err error)) error

	// Delete removes the document with the given id.
	Delete(ctx context.Context, id string) error

	// Count returns the number of documents matching q.
	Count(ctx context.Context, q Query) (int, error)

	// EnsureIndex creates an index if absent; implementations treat
	// "already exists" as success.
	EnsureIndex(ctx context.Context, rule IndexRule) error

	// ListIndexes returns the names of existing indexes.
	ListIndexes(ctx context.Context) ([]string, error)
}

// IndexRule mirrors domain.IndexRule without importing the domain package,
// keeping store dependency-free of business types. indexmgr converts between
// the two at its boundary.
type IndexRule struct {
	Fields   []IndexField
	Unique   bool
	Name     string
	Priority int
}

type IndexField struct {
	Field     string
	Ascending bool
}

// NormalizedKey mirrors domain.IndexRule.NormalizedKey for the store-local
// type, so adapters can compare rule sets without a domain import cycle.
func (r IndexRule) NormalizedKey() string {
	fields := append([]IndexField(nil), r.Fields...)
	for i := 1; i < len(fields); i++ {
		for j := i; j > 0 && fields[j-1].Field > fields[j].Field; j-- {
			fields[j-1], fields[j] = fields[j], fields[j-1]
		}
	}
	key := ""
	for _, f := range fields {
		if f.Ascending {
			key += f.Field + ":1,"
		} else {
			key += f.Field + ":-1,"
		}
	}
	return key
}

// Database groups the collections the runtime needs and how to open them;
// each adapter's constructor returns one.
type Database interface {
	Collection(name string) Collection
	Ping(ctx context.Context) error
	Close() error
}
