// Package kivikstore implements internal/store.Database over CouchDB via
// go-kivik, grounded on evalgo-org-eve's db.CouchDBService (kivik.New,
// client.DB, db.Get/Put/CreateDoc/Find/CreateIndex/GetIndexes).
package kivikstore

import (
	"context"
	"encoding/json"
	"fmt"

	kivik "github.com/go-kivik/kivik/v4"
	_ "github.com/go-kivik/kivik/v4/couchdb" // registers the "couch" driver

	"github.com/marketscan/scanner/internal/store"
)

// Database wraps a kivik.Client and lazily ensures each requested database
// exists, mirroring evalgo's DBExists/CreateDB dance.
type Database struct {
	client *kivik.Client
}

// Open connects to the CouchDB (or CouchDB-compatible) server at dsn.
func Open(ctx context.Context, dsn string) (*Database, error) {
	client, err := kivik.New("couch", dsn)
	if err != nil {
		return nil, fmt.Errorf("kivikstore: connect: %w", err)
	}
	if _, err := client.Ping(ctx); err != nil {
		return nil, fmt.Errorf("kivikstore: ping: %w", err)
	}
	return &Database{client: client}, nil
}

func (d *Database) Ping(ctx context.Context) error { _, err := d.client.Ping(ctx); return err }

func (d *Database) Close() error { return nil }

func (d *Database) Collection(name string) store.Collection {
	return &collection{client: d.client, name: name}
}

type collection struct {
	client *kivik.Client
	name   string
	ready  bool
}

func (c *collection) db(ctx context.Context) (*kivik.DB, error) {
	if !c.ready {
		exists, err := c.client.DBExists(ctx, c.name)
		if err != nil {
			return nil, fmt.Errorf("kivikstore: db exists %s: %w", c.name, err)
		}
		if !exists {
			if err := c.client.CreateDB(ctx, c.name); err != nil {
				return nil, fmt.Errorf("kivikstore: create db %s: %w", c.name, err)
			}
		}
		c.ready = true
	}
	return c.client.DB(c.name), nil
}

func (c *collection) Insert(ctx context.Context, doc any) (string, error) {
	db, err := c.db(ctx)
	if err != nil {
		return "", err
	}
	m, err := toMap(doc)
	if err != nil {
		return "", err
	}
	if id, ok := m["_id"].(string); ok && id != "" {
		rev, err := db.Put(ctx, id, m)
		if err != nil {
			return "", fmt.Errorf("kivikstore: put %s: %w", id, err)
		}
		_ = rev
		return id, nil
	}
	id, _, err := db.CreateDoc(ctx, m)
	if err != nil {
		return "", fmt.Errorf("kivikstore: create doc: %w", err)
	}
	return id, nil
}

func (c *collection) Get(ctx context.Context, id string, out any) error {
	db, err := c.db(ctx)
	if err != nil {
		return err
	}
	row := db.Get(ctx, id)
	if row.Err() != nil {
		if kivik.HTTPStatus(row.Err()) == 404 {
			return store.ErrNotFound
		}
		return fmt.Errorf("kivikstore: get %s: %w", id, row.Err())
	}
	return row.ScanDoc(out)
}

func (c *collection) Find(ctx context.Context, q store.Query, outSlice any) error {
	db, err := c.db(ctx)
	if err != nil {
		return err
	}
	selector := q.Selector
	if selector == nil {
		selector = map[string]any{}
	}
	params := map[string]interface{}{}
	if len(q.Sort) > 0 {
		sort := make([]map[string]string, 0, len(q.Sort))
		for _, f := range q.Sort {
			sort = append(sort, map[string]string{f: "asc"})
		}
		params["sort"] = sort
	}
	if q.Limit > 0 {
		params["limit"] = q.Limit
	}
	rows := db.Find(ctx, selector, kivik.Params(params))
	defer rows.Close()

	results := []json.RawMessage{}
	for rows.Next() {
		var raw json.RawMessage
		if err := rows.ScanDoc(&raw); err != nil {
			return fmt.Errorf("kivikstore: scan: %w", err)
		}
		results = append(results, raw)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("kivikstore: find: %w", err)
	}
	blob, err := json.Marshal(results)
	if err != nil {
		return err
	}
	return json.Unmarshal(blob, outSlice)
}

func (c *collection) Replace(ctx context.Context, id string, doc any) error {
	db, err := c.db(ctx)
	if err != nil {
		return err
	}
	m, err := toMap(doc)
	if err != nil {
		return err
	}
	m["_id"] = id
	if _, err := db.Put(ctx, id, m); err != nil {
		return fmt.Errorf("kivikstore: replace %s: %w", id, err)
	}
	return nil
}

// UpdateIf retries on MVCC conflict (HTTP 409), which is kivik's native
// compare-and-swap signal — a closer match to the required CAS semantics
// than any lock we could add on top.
func (c *collection) UpdateIf(ctx context.Context, id string, mutate func(map[string]any) (bool, error)) error {
	db, err := c.db(ctx)
	if err != nil {
		return err
	}
	const maxAttempts = 5
	for attempt := 0; attempt < maxAttempts; attempt++ {
		row := db.Get(ctx, id)
		if row.Err() != nil {
			if kivik.HTTPStatus(row.Err()) == 404 {
				return store.ErrNotFound
			}
			return fmt.Errorf("kivikstore: get %s: %w", id, row.Err())
		}
		var m map[string]any
		if err := row.ScanDoc(&m); err != nil {
			return err
		}
		ok, err := mutate(m)
		if err != nil {
			return err
		}
		if !ok {
			return store.ErrConflict
		}
		m["_id"] = id
		if _, err := db.Put(ctx, id, m); err != nil {
			if kivik.HTTPStatus(err) == 409 {
				continue // lost the race, retry with the fresh revision
			}
			return fmt.Errorf("kivikstore: put %s: %w", id, err)
		}
		return nil
	}
	return fmt.Errorf("kivikstore: update %s: %w", id, store.ErrConflict)
}

func (c *collection) Delete(ctx context.Context, id string) error {
	db, err := c.db(ctx)
	if err != nil {
		return err
	}
	row := db.Get(ctx, id)
	if row.Err() != nil {
		if kivik.HTTPStatus(row.Err()) == 404 {
			return nil
		}
		return row.Err()
	}
	var m map[string]any
	if err := row.ScanDoc(&m); err != nil {
		return err
	}
	rev, _ := m["_rev"].(string)
	_, err = db.Delete(ctx, id, rev)
	return err
}

func (c *collection) Count(ctx context.Context, q store.Query) (int, error) {
	var out []json.RawMessage
	if err := c.Find(ctx, q, &out); err != nil {
		return 0, err
	}
	return len(out), nil
}

func (c *collection) EnsureIndex(ctx context.Context, rule store.IndexRule) error {
	db, err := c.db(ctx)
	if err != nil {
		return err
	}
	fields := make([]string, 0, len(rule.Fields))
	for _, f := range rule.Fields {
		fields = append(fields, f.Field)
	}
	indexDef := map[string]interface{}{
		"index": map[string]interface{}{"fields": fields},
	}
	name := rule.Name
	if name == "" {
		name = rule.NormalizedKey()
	}
	err = db.CreateIndex(ctx, "", name, indexDef)
	if err != nil && kivik.HTTPStatus(err) == 409 {
		// Already exists under this name — treated as success.
		return nil
	}
	return err
}

func (c *collection) ListIndexes(ctx context.Context) ([]string, error) {
	db, err := c.db(ctx)
	if err != nil {
		return nil, err
	}
	indexes, err := db.GetIndexes(ctx)
	if err != nil {
		return nil, fmt.Errorf("kivikstore: list indexes: %w", err)
	}
	// kivik's Index type does not expose its field list in a stable Go
	// shape (evalgo-org-eve's own ListIndexes hits the same wall and falls
	// back to name/type/design-doc only). EnsureIndex names an index after
	// rule.Name, or after the rule's NormalizedKey when Name is empty, so
	// this returns index names; they equal normalized keys only for indexes
	// created without an explicit name.
	names := make([]string, 0, len(indexes))
	for _, idx := range indexes {
		names = append(names, idx.Name)
	}
	return names, nil
}

func toMap(doc any) (map[string]any, error) {
	blob, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("kivikstore: marshal: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(blob, &m); err != nil {
		return nil, fmt.Errorf("kivikstore: unmarshal: %w", err)
	}
	return m, nil
}
