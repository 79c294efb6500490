package indexmgr_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/marketscan/scanner/internal/domain"
	"github.com/marketscan/scanner/internal/store"
	"github.com/marketscan/scanner/internal/store/indexmgr"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeCollection records EnsureIndex calls and serves ListIndexes from the
// set of names created so far. failFirst injects one failure per named
// index before succeeding, to exercise the retry path.
type fakeCollection struct {
	mu        sync.Mutex
	indexes   map[string]bool
	created   int
	failFirst map[string]error
	failed    map[string]int
}

func newFakeCollection() *fakeCollection {
	return &fakeCollection{
		indexes:   map[string]bool{},
		failFirst: map[string]error{},
		failed:    map[string]int{},
	}
}

func (c *fakeCollection) EnsureIndex(_ context.Context, rule store.IndexRule) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err, ok := c.failFirst[rule.Name]; ok && c.failed[rule.Name] == 0 {
		c.failed[rule.Name]++
		return err
	}
	if !c.indexes[rule.Name] {
		c.indexes[rule.Name] = true
		c.created++
	}
	return nil
}

func (c *fakeCollection) ListIndexes(_ context.Context) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	names := make([]string, 0, len(c.indexes))
	for n := range c.indexes {
		names = append(names, n)
	}
	return names, nil
}

func (c *fakeCollection) Insert(context.Context, any) (string, error) { return "", nil }
func (c *fakeCollection) Get(context.Context, string, any) error      { return store.ErrNotFound }
func (c *fakeCollection) Find(context.Context, store.Query, any) error {
	return nil
}
func (c *fakeCollection) Replace(context.Context, string, any) error { return nil }
func (c *fakeCollection) UpdateIf(context.Context, string, func(map[string]any) (bool, error)) error {
	return nil
}
func (c *fakeCollection) Delete(context.Context, string) error { return nil }
func (c *fakeCollection) Count(context.Context, store.Query) (int, error) {
	return 0, nil
}

type fakeDatabase struct {
	mu    sync.Mutex
	colls map[string]*fakeCollection
}

func newFakeDatabase() *fakeDatabase {
	return &fakeDatabase{colls: map[string]*fakeCollection{}}
}

func (d *fakeDatabase) Collection(name string) store.Collection {
	d.mu.Lock()
	defer d.mu.Unlock()
	c, ok := d.colls[name]
	if !ok {
		c = newFakeCollection()
		d.colls[name] = c
	}
	return c
}

func (d *fakeDatabase) Ping(context.Context) error { return nil }
func (d *fakeDatabase) Close() error               { return nil }

func sampleRules() []indexmgr.Rule {
	return []indexmgr.Rule{
		{Collection: "job_records", Rule: domain.IndexRule{
			Fields:   []domain.IndexField{{Field: "name", Direction: domain.Ascending}},
			Priority: 1,
		}},
		{Collection: "job_records", Rule: domain.IndexRule{
			Fields: []domain.IndexField{
				{Field: "status", Direction: domain.Ascending},
				{Field: "scheduledAt", Direction: domain.Descending},
			},
			Priority: 2,
		}},
		{Collection: "http_cache", Rule: domain.IndexRule{
			Fields:   []domain.IndexField{{Field: "cacheKey", Direction: domain.Ascending}},
			Options:  domain.IndexOptions{Unique: true, Name: "cache_key_unique"},
			Priority: 1,
		}},
	}
}

func TestApplyCreatesMissingIndexes(t *testing.T) {
	db := newFakeDatabase()
	m := indexmgr.New(db, discardLogger())

	report := m.Apply(context.Background(), sampleRules())

	if len(report.Created) != 3 {
		t.Fatalf("created = %v, want 3 entries", report.Created)
	}
	if len(report.Failed) != 0 {
		t.Fatalf("failed = %v, want none", report.Failed)
	}
}

func TestApplyIsIdempotent(t *testing.T) {
	db := newFakeDatabase()
	m := indexmgr.New(db, discardLogger())

	first := m.Apply(context.Background(), sampleRules())
	if len(first.Created) != 3 {
		t.Fatalf("first run created = %v, want 3", first.Created)
	}

	second := m.Apply(context.Background(), sampleRules())
	if len(second.Created) != 0 {
		t.Fatalf("second run created = %v, want none", second.Created)
	}
	if len(second.Skipped) != 3 {
		t.Fatalf("second run skipped = %v, want 3", second.Skipped)
	}

	// The underlying index set must be unchanged between runs.
	for name, coll := range db.colls {
		if coll.created > countFor(name) {
			t.Errorf("collection %s: %d creations, want %d", name, coll.created, countFor(name))
		}
	}
}

func countFor(coll string) int {
	switch coll {
	case "job_records":
		return 2
	default:
		return 1
	}
}

func TestApplyRetriesRetryableErrors(t *testing.T) {
	db := newFakeDatabase()
	coll := db.Collection("job_records").(*fakeCollection)
	name := domain.IndexRule{
		Fields: []domain.IndexField{{Field: "name", Direction: domain.Ascending}},
	}.NormalizedKey()
	coll.failFirst[name] = errors.New("connection refused")

	m := indexmgr.New(db, discardLogger())
	report := m.Apply(context.Background(), sampleRules()[:1])

	if len(report.Failed) != 0 {
		t.Fatalf("failed = %v, want retry to recover", report.Failed)
	}
	if len(report.Created) != 1 {
		t.Fatalf("created = %v, want 1", report.Created)
	}
}

func TestApplyDoesNotAbortOnNonRetryableError(t *testing.T) {
	db := newFakeDatabase()
	coll := db.Collection("job_records").(*fakeCollection)
	name := domain.IndexRule{
		Fields: []domain.IndexField{{Field: "name", Direction: domain.Ascending}},
	}.NormalizedKey()
	coll.failFirst[name] = errors.New("invalid index specification")

	m := indexmgr.New(db, discardLogger())
	report := m.Apply(context.Background(), sampleRules())

	if len(report.Failed) != 1 {
		t.Fatalf("failed = %v, want exactly the poisoned index", report.Failed)
	}
	// The other two rules must still have been created.
	if len(report.Created) != 2 {
		t.Fatalf("created = %v, want 2", report.Created)
	}
}
