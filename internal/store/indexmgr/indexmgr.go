// Package indexmgr applies declarative index rules to document-store
// collections: prioritized, bounded-parallel, retrying creation that treats
// "already exists" as success and never drops anything.
package indexmgr

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/marketscan/scanner/internal/domain"
	"github.com/marketscan/scanner/internal/store"
)

// Rule binds a domain.IndexRule to the collection it targets.
type Rule struct {
	Collection string
	Rule       domain.IndexRule
}

// Manager applies Rules at startup and at maintenance ticks. It never
// drops, modifies, or renames existing indexes — strictly additive and
// idempotent.
type Manager struct {
	db       store.Database
	logger   *slog.Logger
	parallel int
	timeout  time.Duration
}

// Option configures a Manager.
type Option func(*Manager)

func WithParallelism(n int) Option {
	return func(m *Manager) { m.parallel = n }
}

func WithPerIndexTimeout(d time.Duration) Option {
	return func(m *Manager) { m.timeout = d }
}

func New(db store.Database, logger *slog.Logger, opts ...Option) *Manager {
	m := &Manager{db: db, logger: logger.With("component", "indexmgr"), parallel: 3, timeout: 5 * time.Minute}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Report summarizes one Apply pass.
type Report struct {
	Created []string
	Skipped []string
	Failed  map[string]error
}

func toStoreRule(r domain.IndexRule) store.IndexRule {
	fields := make([]store.IndexField, 0, len(r.Fields))
	for _, f := range r.Fields {
		fields = append(fields, store.IndexField{Field: f.Field, Ascending: f.Direction >= 0})
	}
	name := r.Options.Name
	if name == "" {
		name = r.NormalizedKey()
	}
	return store.IndexRule{Fields: fields, Unique: r.Options.Unique, Name: name, Priority: r.Priority}
}

// Apply applies every rule, one collection at a time (collections are
// processed sequentially; indexes within a collection are bounded-parallel).
func (m *Manager) Apply(ctx context.Context, rules []Rule) Report {
	report := Report{Failed: map[string]error{}}
	var mu sync.Mutex

	byCollection := map[string][]domain.IndexRule{}
	for _, r := range rules {
		byCollection[r.Collection] = append(byCollection[r.Collection], r.Rule)
	}

	for collName, collRules := range byCollection {
		coll := m.db.Collection(collName)

		// Fast-path: if every rule's normalized key is already present,
		// skip this collection entirely.
		existing, err := coll.ListIndexes(ctx)
		if err != nil {
			mu.Lock()
			report.Failed[collName] = err
			mu.Unlock()
			continue
		}
		existingSet := map[string]bool{}
		for _, name := range existing {
			existingSet[name] = true
		}

		missing := make([]domain.IndexRule, 0, len(collRules))
		for _, r := range collRules {
			name := r.Options.Name
			if name == "" {
				name = r.NormalizedKey()
			}
			if existingSet[name] {
				mu.Lock()
				report.Skipped = append(report.Skipped, collName+"/"+name)
				mu.Unlock()
				continue
			}
			missing = append(missing, r)
		}
		if len(missing) == 0 {
			continue
		}

		// Sort by priority (1 = most critical), uniqueness then
		// compound-ness as tiebreakers.
		sort.SliceStable(missing, func(i, j int) bool {
			a, b := missing[i], missing[j]
			if a.Priority != b.Priority {
				return a.Priority < b.Priority
			}
			if a.Options.Unique != b.Options.Unique {
				return a.Options.Unique
			}
			return len(a.Fields) > len(b.Fields)
		})

		m.applyCollection(ctx, coll, collName, missing, &report, &mu)
	}
	return report
}

func (m *Manager) applyCollection(ctx context.Context, coll store.Collection, collName string, rules []domain.IndexRule, report *Report, mu *sync.Mutex) {
	sem := make(chan struct{}, m.parallel)
	var wg sync.WaitGroup

	for _, rule := range rules {
		wg.Add(1)
		sem <- struct{}{}
		go func(rule domain.IndexRule) {
			defer wg.Done()
			defer func() { <-sem }()

			name := rule.Options.Name
			if name == "" {
				name = rule.NormalizedKey()
			}

			err := m.createWithRetry(ctx, coll, rule)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				report.Failed[collName+"/"+name] = err
				m.logger.Error("index creation failed", "collection", collName, "index", name, "error", err)
				return
			}
			report.Created = append(report.Created, collName+"/"+name)
		}(rule)
	}
	wg.Wait()
}

func (m *Manager) createWithRetry(ctx context.Context, coll store.Collection, rule domain.IndexRule) error {
	const maxAttempts = 4
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, m.timeout)
		err := coll.EnsureIndex(callCtx, toStoreRule(rule))
		cancel()
		if err == nil {
			return m.validate(ctx, coll, rule)
		}
		if !isRetryable(err) {
			return err
		}
		lastErr = err
		backoff := time.Duration(1<<attempt) * 200 * time.Millisecond
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return lastErr
}

// validate re-lists indexes and confirms the created name appears.
func (m *Manager) validate(ctx context.Context, coll store.Collection, rule domain.IndexRule) error {
	name := rule.Options.Name
	if name == "" {
		name = rule.NormalizedKey()
	}
	existing, err := coll.ListIndexes(ctx)
	if err != nil {
		return err
	}
	for _, n := range existing {
		if n == name {
			return nil
		}
	}
	return errors.New("indexmgr: index not confirmed after creation: " + name)
}

// isRetryable classifies network, timeout, election, and shutdown-in-progress
// errors as retryable; everything else fails that index
// without aborting the rest.
func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{"timeout", "timed out", "connection refused", "election", "shutting down", "temporarily unavailable", "i/o timeout"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
