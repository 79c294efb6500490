package domain

import (
	"context"
	"errors"
	"time"
)

var (
	ErrWorkflowAlreadyExists = errors.New("a cycled workflow is already running under this name")
	ErrWorkflowNotFound      = errors.New("no cycled workflow registered under this name")
)

// NodeStatus is a WorkflowNode's per-cycle execution state.
type NodeStatus string

const (
	NodePending   NodeStatus = "pending"
	NodeRunning   NodeStatus = "running"
	NodeCompleted NodeStatus = "completed"
	NodeFailed    NodeStatus = "failed"
	NodeCancelled NodeStatus = "cancelled"
)

// StepFunc is the user callback bound to a WorkflowNode's functionName. It
// receives the enclosing cycle's context, which is cancelled the instant the
// orchestrator decides to pause.
type StepFunc func(ctx WorkflowContext) (any, error)

// WorkflowContext is threaded into every step invocation. The embedded
// context.Context is cancelled the instant the orchestrator decides to
// pause mid-step, so a long-running step can observe it and abort promptly.
type WorkflowContext struct {
	context.Context
	Cycle int
	Name  string
}

// WorkflowNode is one step of an ordered workflow.
type WorkflowNode struct {
	ID            string
	Name          string
	FunctionName  string
	ParallelGroup string
	Fn            StepFunc

	Status      NodeStatus
	Attempts    int
	MaxAttempts int
	Cancelled   bool

	Result      any
	Error       string
	StartedAt   *time.Time
	CompletedAt *time.Time
	FailedAt    *time.Time
}

// Reset clears per-cycle execution state while keeping identity and Fn,
// for `create` and for replaying a cancelled step from scratch.
func (n *WorkflowNode) Reset() {
	n.Status = NodePending
	n.Cancelled = false
	n.Result = nil
	n.Error = ""
	n.StartedAt = nil
	n.CompletedAt = nil
	n.FailedAt = nil
	if n.MaxAttempts == 0 {
		n.MaxAttempts = 3
	}
}

// OrchestratorState is one of the five cycled-list states.
type OrchestratorState string

const (
	StateUninitialized OrchestratorState = "uninitialized"
	StateRunning       OrchestratorState = "running"
	StatePaused        OrchestratorState = "paused"
	StateStopped       OrchestratorState = "stopped"
	StateCompleted     OrchestratorState = "completed"
)

// CycledListState is the full status snapshot of one cycled workflow. A
// CycledListState value (a copy) is passed by the orchestrator to its
// status-change notifier so callers can persist it without reaching back
// into orchestrator internals.
type CycledListState struct {
	Name string `json:"name"`

	IsRunning   bool   `json:"isRunning"`
	IsPaused    bool   `json:"isPaused"`
	ManualPause bool   `json:"manualPause"`
	PauseReason string `json:"pauseReason,omitempty"`
	StopReason  string `json:"stopReason,omitempty"`

	CurrentCycle         int  `json:"currentCycle"`
	TotalCycles          int  `json:"totalCycles"`
	MaxCycles            *int `json:"maxCycles,omitempty"`
	CurrentAsyncFnIndex  int  `json:"currentAsyncFnIndex"`

	State OrchestratorState `json:"state"`

	UpdatedAt time.Time `json:"updatedAt"`
}

// Valid checks the state invariant: isRunning and isPaused are mutually
// exclusive, and a manual pause implies paused.
func (s *CycledListState) Valid() bool {
	if s.IsRunning && s.IsPaused {
		return false
	}
	if s.ManualPause && !s.IsPaused {
		return false
	}
	return true
}
