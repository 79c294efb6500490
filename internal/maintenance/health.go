package maintenance

import (
	"context"
	"fmt"
	"time"

	"github.com/marketscan/scanner/internal/domain"
	"github.com/marketscan/scanner/internal/store"
)

const (
	ceilingWarningFraction = 0.90
	failureRateWarning     = 0.30
)

// HealthReport is the on-demand maintenance health surface.
type HealthReport struct {
	Total           int
	ByStatus        map[domain.Status]int
	AverageLogs     float64
	MaxLogs         int
	OldestRecordAge time.Duration
	Status          string // "ok" or "warning"
	Warnings        []string
}

// HealthReport computes {total, by-status counts, average/max logs per
// record, oldest record age, warnings}; status degrades to "warning" at 90%
// of any ceiling or a failure rate above 30%.
func (s *Sweeper) HealthReport(ctx context.Context) (HealthReport, error) {
	var all []domain.JobRecord
	if err := s.coll.Find(ctx, store.Query{}, &all); err != nil {
		return HealthReport{}, fmt.Errorf("maintenance: health report: list jobs: %w", err)
	}

	report := HealthReport{ByStatus: map[domain.Status]int{}, Status: "ok", Total: len(all)}
	if report.Total == 0 {
		return report, nil
	}

	var totalLogs, failedCount int
	oldest := time.Now()
	for _, r := range all {
		report.ByStatus[r.Status]++
		totalLogs += len(r.Logs)
		if len(r.Logs) > report.MaxLogs {
			report.MaxLogs = len(r.Logs)
		}
		if r.CreatedAt.Before(oldest) {
			oldest = r.CreatedAt
		}
		if r.Status == domain.StatusFailed {
			failedCount++
		}
	}
	report.AverageLogs = float64(totalLogs) / float64(report.Total)
	report.OldestRecordAge = time.Since(oldest)

	if float64(report.Total) >= ceilingWarningFraction*float64(s.opts.MaxTotalJobs) {
		report.warn("job record count near the maxTotalJobs ceiling")
	}
	if float64(failedCount)/float64(report.Total) > failureRateWarning {
		report.warn("failure rate exceeds 30%")
	}

	if cacheStats, err := s.cache.Stats(ctx); err == nil {
		if float64(cacheStats.Count) >= ceilingWarningFraction*float64(s.opts.CacheMaxDocuments) {
			report.warn("cache document count near the cacheMaxDocuments ceiling")
		}
		maxBytes := int64(s.opts.CacheMaxSizeMB) * 1024 * 1024
		if float64(cacheStats.TotalBytes) >= ceilingWarningFraction*float64(maxBytes) {
			report.warn("cache size near the cacheMaxSizeMB ceiling")
		}
	} else {
		s.logger.Warn("health report: cache stats unavailable", "error", err)
	}

	return report, nil
}

func (r *HealthReport) warn(msg string) {
	r.Status = "warning"
	r.Warnings = append(r.Warnings, msg)
}
