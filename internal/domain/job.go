// Package domain holds the repository's core record types: job lifecycle
// records, workflow nodes, cache entries, index rules, and derivation
// artifacts. None of these types know how they are persisted.
package domain

import (
	"errors"
	"time"
)

var (
	ErrJobNotFound       = errors.New("job record not found")
	ErrJobAlreadyRunning = errors.New("a job with this name is already running")
	ErrInvalidTransition = errors.New("invalid job status transition")
	ErrInvalidProgress   = errors.New("progress must be in [0,1]")
)

// Status is a JobRecord's lifecycle state.
type Status string

const (
	StatusScheduled Status = "scheduled"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// LogLevel classifies an appended job log line.
type LogLevel string

const (
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// LogLine is one entry in a JobRecord's bounded log sequence.
type LogLine struct {
	Timestamp time.Time `json:"ts"`
	Level     LogLevel  `json:"level"`
	Message   string    `json:"msg"`
}

// ErrorDetails is the structured counterpart to JobRecord.Error.
type ErrorDetails struct {
	Message          string    `json:"message"`
	Stack            string    `json:"stack,omitempty"`
	Code             string    `json:"code,omitempty"`
	ResponseSnapshot string    `json:"responseSnapshot,omitempty"`
	Timestamp        time.Time `json:"timestamp"`
}

// JobRecord is the durable lifecycle record for one cron firing of one named
// job. Identity is (Name, ScheduledAt) until first persisted, after
// which ID is the durable handle.
type JobRecord struct {
	ID          string    `json:"id,omitempty"`
	Name        string    `json:"name"`
	ScheduledAt time.Time `json:"scheduledAt"`

	Status      Status  `json:"status"`
	MachineName string  `json:"machineName"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	EndedAt     *time.Time `json:"endedAt,omitempty"`
	Progress    float64 `json:"progress"`

	Result       any           `json:"result,omitempty"`
	Error        string        `json:"error,omitempty"`
	ErrorDetails *ErrorDetails `json:"errorDetails,omitempty"`
	Logs         []LogLine     `json:"logs,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`

	CronExpression string `json:"cronExpression"`
	Timezone       string `json:"timezone"`
	NextRun        *time.Time `json:"nextRun,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// CanTransitionTo reports whether moving from r.Status to next is one of the
// allowed transitions: scheduled→running, scheduled→failed (stuck
// rescue of a fresh tick never applies, but pre-run cancellation could),
// running→completed, running→failed, and *→failed (rescue, handled by the
// caller bypassing this check entirely since rescue is unconditional).
func (r *JobRecord) CanTransitionTo(next Status) bool {
	switch {
	case r.Status == StatusScheduled && (next == StatusRunning || next == StatusFailed):
		return true
	case r.Status == StatusRunning && (next == StatusCompleted || next == StatusFailed):
		return true
	default:
		return false
	}
}

// AppendLog trims from the head when the record exceeds maxLogs, per the
// cap, trimming from the head on overflow.
func (r *JobRecord) AppendLog(line LogLine, maxLogs int) {
	r.Logs = append(r.Logs, line)
	if maxLogs > 0 && len(r.Logs) > maxLogs {
		r.Logs = r.Logs[len(r.Logs)-maxLogs:]
	}
}
