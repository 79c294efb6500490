// Package maintenance implements the periodic retention sweeps over the
// HTTP cache tier and the job-record history, plus the on-demand health
// report that surfaces degraded conditions.
package maintenance

import (
	"log/slog"

	"github.com/marketscan/scanner/internal/cachekv"
	"github.com/marketscan/scanner/internal/store"
)

const jobCollectionName = "job_records"

// Options configures retention thresholds.
type Options struct {
	MaxTotalJobs           int
	CompletedRetentionDays int
	FailedRetentionDays    int
	MinJobsToKeepPerType   int
	MaxLogsPerJob          int
	CacheMaxSizeMB         int
	CacheMaxDocuments      int
}

func (o Options) withDefaults() Options {
	if o.MaxTotalJobs <= 0 {
		o.MaxTotalJobs = 10000
	}
	if o.CompletedRetentionDays <= 0 {
		o.CompletedRetentionDays = 30
	}
	if o.FailedRetentionDays <= 0 {
		o.FailedRetentionDays = 90
	}
	if o.MinJobsToKeepPerType <= 0 {
		o.MinJobsToKeepPerType = 10
	}
	if o.MaxLogsPerJob <= 0 {
		o.MaxLogsPerJob = 1000
	}
	if o.CacheMaxSizeMB <= 0 {
		o.CacheMaxSizeMB = 500
	}
	if o.CacheMaxDocuments <= 0 {
		o.CacheMaxDocuments = 100000
	}
	return o
}

// Sweeper runs the cache and job-history maintenance passes. It holds no
// goroutines of its own; the caller drives it, typically from a recurring
// job or ticker.
type Sweeper struct {
	coll   store.Collection
	cache  cachekv.Tier
	logger *slog.Logger
	opts   Options
}

// New builds a Sweeper. db backs the "job_records" collection; cache is the
// persistent HTTP-cache tier the same process's httpclient writes through
// to.
func New(db store.Database, cache cachekv.Tier, logger *slog.Logger, opts Options) *Sweeper {
	return &Sweeper{
		coll:   db.Collection(jobCollectionName),
		cache:  cache,
		logger: logger.With("component", "maintenance"),
		opts:   opts.withDefaults(),
	}
}
