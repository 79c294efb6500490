package maintenance

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/marketscan/scanner/internal/domain"
	"github.com/marketscan/scanner/internal/store"
)

// JobSweepReport counts what a job-history sweep deleted or mutated.
type JobSweepReport struct {
	RetentionDeleted int
	LogsTrimmed      int
	CeilingDeleted   int
}

// SweepJobHistory applies the job-history retention rules. Running or
// scheduled records are never touched.
func (s *Sweeper) SweepJobHistory(ctx context.Context) (JobSweepReport, error) {
	var terminal []domain.JobRecord
	if err := s.coll.Find(ctx, store.Query{
		Selector: map[string]any{"status": map[string]any{"$in": []string{
			string(domain.StatusCompleted), string(domain.StatusFailed),
		}}},
	}, &terminal); err != nil {
		return JobSweepReport{}, fmt.Errorf("maintenance: list terminal jobs: %w", err)
	}

	byName := map[string][]domain.JobRecord{}
	for _, r := range terminal {
		byName[r.Name] = append(byName[r.Name], r)
	}

	var report JobSweepReport
	now := time.Now()
	survivors := make([]domain.JobRecord, 0, len(terminal))

	for _, records := range byName {
		completed := filterStatus(records, domain.StatusCompleted)
		failed := filterStatus(records, domain.StatusFailed)
		sortByEndedAtDesc(completed)
		sortByEndedAtDesc(failed)

		kept := s.sweepOneStatus(ctx, completed, time.Duration(s.opts.CompletedRetentionDays)*24*time.Hour, now, &report)
		survivors = append(survivors, kept...)
		kept = s.sweepOneStatus(ctx, failed, time.Duration(s.opts.FailedRetentionDays)*24*time.Hour, now, &report)
		survivors = append(survivors, kept...)
	}

	for i := range survivors {
		if len(survivors[i].Logs) <= s.opts.MaxLogsPerJob {
			continue
		}
		survivors[i].Logs = survivors[i].Logs[len(survivors[i].Logs)-s.opts.MaxLogsPerJob:]
		if err := s.coll.Replace(ctx, survivors[i].ID, &survivors[i]); err != nil {
			s.logger.Warn("trim job logs failed", "record_id", survivors[i].ID, "error", err)
			continue
		}
		report.LogsTrimmed++
	}

	if err := s.enforceTotalCeiling(ctx, survivors, &report); err != nil {
		return report, err
	}

	return report, nil
}

// sweepOneStatus retains the first minJobsToKeepPerType records (already
// sorted most-recent-first) irrespective of age, then deletes the rest once
// they are older than retention.
func (s *Sweeper) sweepOneStatus(ctx context.Context, records []domain.JobRecord, retention time.Duration, now time.Time, report *JobSweepReport) []domain.JobRecord {
	survivors := make([]domain.JobRecord, 0, len(records))
	for i, r := range records {
		if i < s.opts.MinJobsToKeepPerType {
			survivors = append(survivors, r)
			continue
		}
		if r.EndedAt != nil && now.Sub(*r.EndedAt) > retention {
			s.deleteJob(ctx, r, &report.RetentionDeleted)
			continue
		}
		survivors = append(survivors, r)
	}
	return survivors
}

// enforceTotalCeiling deletes the oldest completed/failed records by
// endedAt once the total exceeds maxTotalJobs — the ceiling is evaluated
// against every record (including running/scheduled),
// but only terminal survivors are eligible for deletion.
func (s *Sweeper) enforceTotalCeiling(ctx context.Context, survivors []domain.JobRecord, report *JobSweepReport) error {
	total, err := s.coll.Count(ctx, store.Query{})
	if err != nil {
		return fmt.Errorf("maintenance: count total jobs: %w", err)
	}
	if total <= s.opts.MaxTotalJobs {
		return nil
	}
	excess := total - s.opts.MaxTotalJobs

	sort.Slice(survivors, func(i, j int) bool {
		return endedAtOrZero(survivors[i]).Before(endedAtOrZero(survivors[j]))
	})
	for i := 0; i < excess && i < len(survivors); i++ {
		s.deleteJob(ctx, survivors[i], &report.CeilingDeleted)
	}
	return nil
}

func (s *Sweeper) deleteJob(ctx context.Context, r domain.JobRecord, counter *int) {
	if err := s.coll.Delete(ctx, r.ID); err != nil {
		s.logger.Warn("delete job record failed", "record_id", r.ID, "error", err)
		return
	}
	*counter++
}

func filterStatus(records []domain.JobRecord, status domain.Status) []domain.JobRecord {
	out := make([]domain.JobRecord, 0, len(records))
	for _, r := range records {
		if r.Status == status {
			out = append(out, r)
		}
	}
	return out
}

func sortByEndedAtDesc(records []domain.JobRecord) {
	sort.Slice(records, func(i, j int) bool {
		return endedAtOrZero(records[i]).After(endedAtOrZero(records[j]))
	})
}

func endedAtOrZero(r domain.JobRecord) time.Time {
	if r.EndedAt == nil {
		return time.Time{}
	}
	return *r.EndedAt
}
