package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/lmittmann/tint"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/marketscan/scanner/config"
	"github.com/marketscan/scanner/internal/cachekv"
	"github.com/marketscan/scanner/internal/domain"
	"github.com/marketscan/scanner/internal/health"
	"github.com/marketscan/scanner/internal/httpclient"
	"github.com/marketscan/scanner/internal/jobrunner"
	ctxlog "github.com/marketscan/scanner/internal/log"
	"github.com/marketscan/scanner/internal/maintenance"
	"github.com/marketscan/scanner/internal/metrics"
	"github.com/marketscan/scanner/internal/orchestrator"
	"github.com/marketscan/scanner/internal/scan"
	"github.com/marketscan/scanner/internal/store/indexmgr"
	"github.com/marketscan/scanner/internal/store/kivikstore"
	"github.com/marketscan/scanner/internal/store/pgstore"
	"github.com/marketscan/scanner/internal/supervisor"
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Load()
	if err != nil {
		log.Printf("config: %v", err)
		return 1
	}

	logger := newLogger(cfg.Env, cfg.SlogLevel())

	sup := supervisor.New(logger)
	defer sup.RescueFromPanic()

	ctx, stop := sup.NotifyContext(context.Background())
	defer stop()

	db, err := kivikstore.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Error("open document store", "error", err)
		return 1
	}
	sup.RegisterCloser(func(context.Context) error { return db.Close() })
	logger.Info("document store connected")

	cacheTier, cleanup, err := openCacheTier(ctx, cfg, db)
	if err != nil {
		logger.Error("open cache tier", "error", err)
		return 1
	}
	if cleanup != nil {
		sup.RegisterCloser(cleanup)
	}

	metrics.Register()
	checker := health.NewChecker(db, logger, prometheus.DefaultRegisterer)

	idx := indexmgr.New(db, logger)
	report := idx.Apply(ctx, indexRules())
	logger.Info("index rules applied",
		"created", len(report.Created), "skipped", len(report.Skipped), "failed", len(report.Failed))

	client := httpclient.New(ctx, httpclient.Config{
		BaseURL:                cfg.VendorBaseURL,
		DefaultParams:          map[string]string{"api_token": cfg.VendorAPIKey},
		MaxConcurrency:         cfg.HTTPMaxConcurrency,
		DefaultPriority:        cfg.HTTPDefaultPriority,
		MaxRetries:             cfg.HTTPMaxRetries,
		RetryBaseDelay:         cfg.HTTPRetryBase(),
		RequestTimeout:         cfg.HTTPTimeout(),
		MemoryTTL:              cfg.HTTPMemoryTTL(),
		PersistentTTL:          cfg.HTTPPersistentTTL(),
		PersistentCountCeiling: cfg.HTTPPersistentEntryCeil,
		PersistentByteCeiling:  cfg.HTTPPersistentSizeBytes,
	}, cacheTier, logger)
	sup.RegisterCloser(func(context.Context) error { client.Close(); return nil })

	pipeline := scan.New(client, db, logger, cfg.ScanExchange)

	runner := jobrunner.New(db, logger,
		jobrunner.WithStuckThreshold(cfg.StuckThreshold()),
		jobrunner.WithHardTimeout(cfg.JobTimeout()),
	)
	sup.RegisterRescuer(runner)

	sweeper := maintenance.New(db, cacheTier, logger, maintenance.Options{
		MaxTotalJobs:           cfg.MaxTotalJobs,
		CompletedRetentionDays: cfg.CompletedRetentionDays,
		FailedRetentionDays:    cfg.FailedRetentionDays,
		MinJobsToKeepPerType:   cfg.MinJobsToKeepPerType,
		MaxLogsPerJob:          cfg.MaxLogsPerRecord,
		CacheMaxSizeMB:         cfg.CacheMaxSizeMB,
		CacheMaxDocuments:      cfg.CacheMaxDocuments,
	})

	if err := registerJobs(runner, pipeline, sweeper, logger, cfg); err != nil {
		logger.Error("register jobs", "error", err)
		return 1
	}
	runner.Start(ctx)

	metricsSrv := metrics.NewServer(":"+cfg.MetricsPort, checker)
	go func() {
		logger.Info("metrics server started", "port", cfg.MetricsPort)
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server", "error", err)
		}
	}()
	sup.RegisterCloser(metricsSrv.Shutdown)

	code := sup.RunSignal(ctx)
	logger.Info("scanner shut down")
	return code
}

// registerJobs binds the three recurring jobs: the market scan itself, the
// cache maintenance sweep, and the job-history maintenance sweep. The two
// maintenance sweeps run as ordinary jobs so their outcomes land in the same
// job-record history everything else uses.
func registerJobs(
	runner *jobrunner.Runner,
	pipeline *scan.Pipeline,
	sweeper *maintenance.Sweeper,
	logger *slog.Logger,
	cfg *config.Config,
) error {
	scanJob := func(jc *jobrunner.JobContext) (any, error) {
		jc.AppendLog("market scan started", domain.LogInfo)

		maxCycles := 1
		orch := orchestrator.New("market-scan", pipeline.Workflow(), logger, orchestrator.Options{
			MaxCycles: &maxCycles,
			Notifier: func(s domain.CycledListState) {
				jc.AppendLog(fmt.Sprintf("scan workflow is %s (cycle %d)", s.State, s.CurrentCycle), domain.LogInfo)
			},
		})
		orch.AddPausePredicate(pipeline.PauseOnRateLimit)
		orch.AddContinuePredicate(pipeline.QuotaRecovered)

		orch.Start(jc)
		select {
		case <-orch.Done():
		case <-jc.Done():
			orch.Stop("job cancelled")
			<-orch.Done()
		}

		st := orch.Status()
		if st.State != domain.StateCompleted {
			return nil, fmt.Errorf("scan workflow ended %s: %s", st.State, st.StopReason)
		}
		_ = jc.Progress(1)
		jc.AppendLog("market scan completed", domain.LogInfo)
		return map[string]any{"cycles": st.TotalCycles}, nil
	}
	if err := runner.Register(scanJob, jobrunner.RegisterOptions{
		Name:     "market-scan",
		Cron:     cfg.ScanCronExpression,
		Timezone: cfg.ScanTimezone,
		MaxLogs:  cfg.MaxLogsPerRecord,
	}); err != nil {
		return err
	}

	cacheSweep := func(jc *jobrunner.JobContext) (any, error) {
		report, err := sweeper.SweepCache(jc)
		if err != nil {
			return nil, err
		}
		jc.AppendLog(fmt.Sprintf("cache sweep completed: %+v", report), domain.LogInfo)
		return report, nil
	}
	if err := runner.Register(cacheSweep, jobrunner.RegisterOptions{
		Name:    "cache-maintenance",
		Cron:    fmt.Sprintf("7 */%d * * *", cfg.CacheMaintenanceHours),
		MaxLogs: cfg.MaxLogsPerRecord,
	}); err != nil {
		return err
	}

	jobSweep := func(jc *jobrunner.JobContext) (any, error) {
		report, err := sweeper.SweepJobHistory(jc)
		if err != nil {
			return nil, err
		}
		jc.AppendLog(fmt.Sprintf("job-history sweep completed: %+v", report), domain.LogInfo)
		return report, nil
	}
	return runner.Register(jobSweep, jobrunner.RegisterOptions{
		Name:    "job-history-maintenance",
		Cron:    fmt.Sprintf("23 */%d * * *", cfg.JobMaintenanceHours),
		MaxLogs: cfg.MaxLogsPerRecord,
	})
}

// openCacheTier picks the persistent HTTP-cache backend: the document store
// itself by default, or a Postgres JSONB table when configured.
func openCacheTier(ctx context.Context, cfg *config.Config, db *kivikstore.Database) (cachekv.Tier, supervisor.CloseFunc, error) {
	if cfg.CacheBackend == "postgres" {
		pool, err := pgstore.NewPool(ctx, cfg.CacheDatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		cleanup := func(context.Context) error { pool.Close(); return nil }
		return cachekv.NewPgTier(pgstore.New(pool)), cleanup, nil
	}
	return cachekv.NewKivikTier(db, "http_cache"), nil, nil
}

// indexRules is the declarative index set applied at startup: the job-record
// query paths the runner and maintenance sweeps depend on, the cache tier's
// key and TTL lookups, and the per-symbol upsert paths of the scan pipeline.
func indexRules() []indexmgr.Rule {
	jobRecords := []domain.IndexRule{
		{Fields: []domain.IndexField{{Field: "name", Direction: domain.Ascending}}, Priority: 1},
		{Fields: []domain.IndexField{{Field: "status", Direction: domain.Ascending}}, Priority: 1},
		{Fields: []domain.IndexField{{Field: "scheduledAt", Direction: domain.Descending}}, Priority: 2},
		{Fields: []domain.IndexField{
			{Field: "name", Direction: domain.Ascending},
			{Field: "scheduledAt", Direction: domain.Descending},
		}, Priority: 2},
		{Fields: []domain.IndexField{
			{Field: "status", Direction: domain.Ascending},
			{Field: "scheduledAt", Direction: domain.Descending},
		}, Priority: 2},
	}

	rules := make([]indexmgr.Rule, 0, len(jobRecords)+4)
	for _, r := range jobRecords {
		rules = append(rules, indexmgr.Rule{Collection: "job_records", Rule: r})
	}

	rules = append(rules,
		indexmgr.Rule{Collection: "http_cache", Rule: domain.IndexRule{
			Fields:   []domain.IndexField{{Field: "cacheKey", Direction: domain.Ascending}},
			Options:  domain.IndexOptions{Unique: true, Name: "cache_key_unique"},
			Priority: 1,
		}},
		indexmgr.Rule{Collection: "http_cache", Rule: domain.IndexRule{
			Fields:   []domain.IndexField{{Field: "expiresAt", Direction: domain.Ascending}},
			Priority: 2,
		}},
		indexmgr.Rule{Collection: "derivation_artifacts", Rule: domain.IndexRule{
			Fields:   []domain.IndexField{{Field: "symbol", Direction: domain.Ascending}},
			Priority: 3,
		}},
		indexmgr.Rule{Collection: "valuations", Rule: domain.IndexRule{
			Fields:   []domain.IndexField{{Field: "symbol", Direction: domain.Ascending}},
			Priority: 3,
		}},
	)
	return rules
}

func newLogger(env string, level slog.Level) *slog.Logger {
	var inner slog.Handler
	if env == "local" {
		inner = tint.NewHandler(os.Stdout, &tint.Options{
			Level:      level,
			TimeFormat: time.Kitchen,
		})
	} else {
		inner = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: level,
		})
	}
	return slog.New(ctxlog.NewContextHandler(inner))
}
