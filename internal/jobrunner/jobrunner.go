// Package jobrunner drives registered callbacks from cron ticks, writing a
// lifecycle record per firing: conditional status transitions, stuck-job
// rescue on the next tick, and a hard timeout race around every callback.
package jobrunner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	goerrors "github.com/go-faster/errors"
	"github.com/robfig/cron/v3"

	"github.com/marketscan/scanner/internal/domain"
	"github.com/marketscan/scanner/internal/metrics"
	"github.com/marketscan/scanner/internal/requestid"
	"github.com/marketscan/scanner/internal/store"
)

const collectionName = "job_records"

// JobContext is handed to a registered callback.
type JobContext struct {
	context.Context

	name    string
	id      string
	coll    store.Collection
	logger  *slog.Logger
	maxLogs int
}

// Progress reports fractional completion in [0,1]; out-of-range values are
// rejected rather than clamped.
func (jc *JobContext) Progress(p float64) error {
	if p < 0 || p > 1 {
		return domain.ErrInvalidProgress
	}
	return jc.coll.UpdateIf(jc, jc.id, func(doc map[string]any) (bool, error) {
		doc["progress"] = p
		doc["updatedAt"] = time.Now()
		return true, nil
	})
}

// AppendLog is non-blocking: persistence happens on a detached goroutine and
// only for {error, warn} levels or messages containing "started",
// "completed", or "Summary" — everything else only reaches the process
// logger, bounding record size.
func (jc *JobContext) AppendLog(msg string, level domain.LogLevel) {
	jc.logger.InfoContext(jc, "job log", "job", jc.name, "level", level, "msg", msg)

	if !shouldPersist(msg, level) {
		return
	}
	line := domain.LogLine{Timestamp: time.Now(), Level: level, Message: msg}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = jc.coll.UpdateIf(ctx, jc.id, func(doc map[string]any) (bool, error) {
			logs, _ := doc["logs"].([]any)
			logs = append(logs, map[string]any{
				"ts": line.Timestamp, "level": line.Level, "msg": line.Message,
			})
			if jc.maxLogs > 0 && len(logs) > jc.maxLogs {
				logs = logs[len(logs)-jc.maxLogs:]
			}
			doc["logs"] = logs
			doc["updatedAt"] = time.Now()
			return true, nil
		})
	}()
}

func shouldPersist(msg string, level domain.LogLevel) bool {
	if level == domain.LogError || level == domain.LogWarn {
		return true
	}
	for _, marker := range []string{"started", "completed", "Summary"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// JobFunc is a registered callback.
type JobFunc func(jc *JobContext) (result any, err error)

// RegisterOptions configures one registered job.
type RegisterOptions struct {
	Name     string
	Cron     string
	Timezone string
	RunNow   bool
	MaxLogs  int // default 1000, matching maintenance's default maxLogsPerJob
}

// Runner schedules and fires registered jobs, one Runner per process.
type Runner struct {
	db      store.Database
	coll    store.Collection
	logger  *slog.Logger
	cron    *cron.Cron
	machine string

	stuckThreshold time.Duration
	hardTimeout    time.Duration
}

// Option customizes a Runner.
type Option func(*Runner)

func WithStuckThreshold(d time.Duration) Option { return func(r *Runner) { r.stuckThreshold = d } }
func WithHardTimeout(d time.Duration) Option     { return func(r *Runner) { r.hardTimeout = d } }

// New builds a Runner. db backs the "job_records" collection.
func New(db store.Database, logger *slog.Logger, opts ...Option) *Runner {
	hostname, _ := os.Hostname()
	r := &Runner{
		db:             db,
		coll:           db.Collection(collectionName),
		logger:         logger.With("component", "jobrunner"),
		cron:           cron.New(),
		machine:        hostname,
		stuckThreshold: 2 * time.Hour,
		hardTimeout:    6 * time.Hour,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register binds fn to a cron expression; invocations are driven by time
// from Start onward. A non-empty Timezone is applied
// via cron's "CRON_TZ=" expression prefix, so each job can carry its own
// zone independent of the others registered on the same Runner.
func (r *Runner) Register(fn JobFunc, opts RegisterOptions) error {
	if opts.MaxLogs <= 0 {
		opts.MaxLogs = 1000
	}
	expr := opts.Cron
	if opts.Timezone != "" {
		expr = fmt.Sprintf("CRON_TZ=%s %s", opts.Timezone, opts.Cron)
	}
	schedule, err := cron.ParseStandard(expr)
	if err != nil {
		return fmt.Errorf("jobrunner: register %s: %w", opts.Name, err)
	}

	if _, err := r.cron.AddFunc(expr, func() {
		r.fire(context.Background(), fn, opts, schedule)
	}); err != nil {
		return fmt.Errorf("jobrunner: register %s: %w", opts.Name, err)
	}

	if opts.RunNow {
		go r.fire(context.Background(), fn, opts, schedule)
	}
	return nil
}

// Start begins driving registered jobs from cron ticks.
func (r *Runner) Start(ctx context.Context) {
	r.cron.Start()
	go func() {
		<-ctx.Done()
		stopCtx := r.cron.Stop()
		<-stopCtx.Done()
	}()
}

// fire runs one tick: rescue or skip, create the record, transition to
// running, then race the callback against the hard timeout.
func (r *Runner) fire(ctx context.Context, fn JobFunc, opts RegisterOptions, schedule cron.Schedule) {
	// One correlation id per firing; the context log handler stamps it onto
	// every record emitted under this invocation.
	ctx = requestid.WithRequestID(ctx, requestid.New())
	logger := r.logger.With("job", opts.Name)

	// Step 1: single-run-per-name invariant, with stuck-job rescue.
	var running []domain.JobRecord
	if err := r.coll.Find(ctx, store.Query{
		Selector: map[string]any{"name": opts.Name, "status": string(domain.StatusRunning)},
		Limit:    1,
	}, &running); err != nil {
		logger.Error("find running record", "error", err)
		return
	}
	if len(running) > 0 {
		rec := running[0]
		if rec.StartedAt != nil && time.Since(*rec.StartedAt) > r.stuckThreshold {
			r.markStuck(ctx, rec.ID, logger)
			// fall through: this tick proceeds to create a fresh record.
		} else {
			logger.Debug("skipping tick, job already running")
			return
		}
	}

	// Step 2: create the scheduled record.
	now := time.Now()
	next := schedule.Next(now)
	rec := domain.JobRecord{
		Name: opts.Name, ScheduledAt: now, Status: domain.StatusScheduled,
		MachineName: r.machine, CronExpression: opts.Cron, Timezone: opts.Timezone,
		NextRun: &next, CreatedAt: now, UpdatedAt: now,
	}
	id, err := r.coll.Insert(ctx, &rec)
	if err != nil {
		logger.Error("create scheduled record", "error", err)
		return
	}
	rec.ID = id

	// Step 3: CAS to running.
	if err := r.coll.UpdateIf(ctx, id, func(doc map[string]any) (bool, error) {
		if doc["status"] != string(domain.StatusScheduled) {
			return false, nil
		}
		startedAt := time.Now()
		doc["status"] = string(domain.StatusRunning)
		doc["startedAt"] = startedAt
		doc["updatedAt"] = startedAt
		return true, nil
	}); err != nil {
		logger.Error("transition to running", "error", err)
		return
	}

	// Step 4: race the callback against the hard timeout.
	r.runWithTimeout(ctx, fn, &rec, opts, logger)
}

func (r *Runner) markStuck(ctx context.Context, id string, logger *slog.Logger) {
	now := time.Now()
	err := r.coll.UpdateIf(ctx, id, func(doc map[string]any) (bool, error) {
		doc["status"] = string(domain.StatusFailed)
		doc["error"] = "stuck"
		doc["errorDetails"] = map[string]any{"message": "stuck", "code": "STUCK", "timestamp": now}
		doc["endedAt"] = now
		doc["updatedAt"] = now
		return true, nil
	})
	if err != nil {
		logger.Error("mark stuck job failed", "record_id", id, "error", err)
	} else {
		logger.Warn("marked stuck running record as failed", "record_id", id)
		metrics.StuckJobsRescuedTotal.WithLabelValues("tick").Inc()
	}
}

func (r *Runner) runWithTimeout(ctx context.Context, fn JobFunc, rec *domain.JobRecord, opts RegisterOptions, logger *slog.Logger) {
	jc := &JobContext{Context: ctx, name: opts.Name, id: rec.ID, coll: r.coll, logger: r.logger, maxLogs: opts.MaxLogs}

	type outcome struct {
		result any
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- outcome{err: fmt.Errorf("jobrunner: panic: %v", p)}
			}
		}()
		res, err := fn(jc)
		done <- outcome{result: res, err: err}
	}()

	timer := time.NewTimer(r.hardTimeout)
	defer timer.Stop()

	started := time.Now()
	recordOutcome := func(outcome string) {
		metrics.JobDuration.WithLabelValues(opts.Name, outcome).Observe(time.Since(started).Seconds())
		metrics.JobsTotal.WithLabelValues(opts.Name, outcome).Inc()
	}

	select {
	case o := <-done:
		if o.err != nil {
			recordOutcome("failed")
			r.markFailed(context.Background(), rec.ID, o.err, logger)
			return
		}
		recordOutcome("completed")
		r.markCompleted(context.Background(), rec.ID, o.result, logger)
	case <-timer.C:
		recordOutcome("timeout")
		r.markFailed(context.Background(), rec.ID, errors.New("hard timeout exceeded"), logger)
	}
}

func (r *Runner) markCompleted(ctx context.Context, id string, result any, logger *slog.Logger) {
	now := time.Now()
	err := r.coll.UpdateIf(ctx, id, func(doc map[string]any) (bool, error) {
		if doc["status"] != string(domain.StatusRunning) {
			return false, nil
		}
		doc["status"] = string(domain.StatusCompleted)
		doc["progress"] = 1.0
		doc["result"] = result
		doc["endedAt"] = now
		doc["updatedAt"] = now
		return true, nil
	})
	if err != nil {
		logger.Error("mark completed failed, falling back to unconditional overwrite", "record_id", id, "error", err)
		r.forceStatus(ctx, id, domain.StatusCompleted, nil, logger)
	}
}

func (r *Runner) markFailed(ctx context.Context, id string, cause error, logger *slog.Logger) {
	now := time.Now()
	details := &domain.ErrorDetails{
		Message:   cause.Error(),
		Stack:     fmt.Sprintf("%+v", goerrors.Wrap(cause, "jobrunner")),
		Timestamp: now,
	}
	err := r.coll.UpdateIf(ctx, id, func(doc map[string]any) (bool, error) {
		if doc["status"] != string(domain.StatusRunning) {
			return false, nil
		}
		doc["status"] = string(domain.StatusFailed)
		doc["error"] = cause.Error()
		doc["errorDetails"] = map[string]any{
			"message": details.Message, "stack": details.Stack, "timestamp": details.Timestamp,
		}
		doc["endedAt"] = now
		doc["updatedAt"] = now
		return true, nil
	})
	if err != nil {
		logger.Error("mark failed failed, falling back to unconditional overwrite", "record_id", id, "error", err)
		r.forceStatus(ctx, id, domain.StatusFailed, cause, logger)
	}
}

// forceStatus is the step-5 fallback: an unconditional overwrite so a record
// can never remain stuck in "running" because of a conflicting concurrent
// write.
func (r *Runner) forceStatus(ctx context.Context, id string, status domain.Status, cause error, logger *slog.Logger) {
	var rec domain.JobRecord
	if err := r.coll.Get(ctx, id, &rec); err != nil {
		logger.Error("forceStatus: load record", "record_id", id, "error", err)
		return
	}
	now := time.Now()
	rec.Status = status
	rec.EndedAt = &now
	rec.UpdatedAt = now
	if status == domain.StatusCompleted {
		rec.Progress = 1
	}
	if cause != nil {
		rec.Error = cause.Error()
		rec.ErrorDetails = &domain.ErrorDetails{Message: cause.Error(), Timestamp: now}
	}
	if err := r.coll.Replace(ctx, id, &rec); err != nil {
		logger.Error("forceStatus: overwrite failed", "record_id", id, "error", err)
	}
}

// RescueAll is the global rescue path: every
// record with status=running becomes failed with an "emergency" marker. It
// is registered with internal/supervisor and invoked on SIGINT/SIGTERM and
// unrecovered panics.
func (r *Runner) RescueAll(ctx context.Context) error {
	var running []domain.JobRecord
	if err := r.coll.Find(ctx, store.Query{
		Selector: map[string]any{"status": string(domain.StatusRunning)},
	}, &running); err != nil {
		return fmt.Errorf("jobrunner: rescue: find running: %w", err)
	}

	now := time.Now()
	var firstErr error
	for _, rec := range running {
		rec.Status = domain.StatusFailed
		rec.Error = "emergency"
		rec.ErrorDetails = &domain.ErrorDetails{Message: "emergency", Code: "EMERGENCY", Timestamp: now}
		rec.EndedAt = &now
		rec.UpdatedAt = now
		if err := r.coll.Replace(ctx, rec.ID, &rec); err != nil && firstErr == nil {
			firstErr = err
		}
		metrics.StuckJobsRescuedTotal.WithLabelValues("emergency").Inc()
	}
	return firstErr
}
