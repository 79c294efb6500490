// Package orchestrator runs an ordered workflow in continuous cycles: steps
// tagged with the same parallel group run concurrently, pause and continue
// predicates decide whether a failure pauses or stops the list, and
// cancelled steps replay from scratch on resume.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/marketscan/scanner/internal/domain"
	"github.com/marketscan/scanner/internal/metrics"
)

// PausePredicate decides, given the most recent step error (nil on a clean
// cycle-end), whether the orchestrator should pause instead of stop.
type PausePredicate func(err error) bool

// ContinuePredicate decides whether a paused/just-finished orchestrator
// should advance to (or resume) running.
type ContinuePredicate func() bool

// CancelHook is invoked once, synchronously, the instant the orchestrator
// decides to pause mid-step.
type CancelHook func()

// StatusNotifier receives a snapshot on every terminal state transition
// so callers can persist it.
type StatusNotifier func(domain.CycledListState)

const defaultConditionCheckInterval = 5 * time.Second

// Options configures an Orchestrator at creation.
type Options struct {
	MaxCycles              *int
	ConditionCheckInterval time.Duration
	CancelHook             CancelHook
	Notifier               StatusNotifier
}

// Orchestrator drives one named workflow through the cycle state machine.
// The caller that constructs it owns it and passes it explicitly; the
// package keeps no module-level state. An Orchestrator is not registered
// with internal/supervisor, and nothing prevents several instances for the
// same workflow name.
type Orchestrator struct {
	name   string
	nodes  []*domain.WorkflowNode
	logger *slog.Logger

	mu    sync.Mutex
	state domain.CycledListState

	stepCancel  context.CancelFunc
	activeNodes []*domain.WorkflowNode

	conditionCheckInterval time.Duration
	cancelHook             CancelHook
	notifier               StatusNotifier

	pausePredicates    []PausePredicate
	continuePredicates []ContinuePredicate
	predMu             sync.Mutex // serializes continue-predicate evaluation; see DESIGN.md "Continue-predicate re-entrancy"

	wakeCh   chan struct{}
	stopCh   chan struct{}
	stopOnce sync.Once
	doneCh   chan struct{}
}

// New creates an Orchestrator in the running state. Call Start to begin
// driving cycles.
func New(name string, workflow []domain.WorkflowNode, logger *slog.Logger, opts Options) *Orchestrator {
	nodes := make([]*domain.WorkflowNode, len(workflow))
	for i := range workflow {
		n := workflow[i]
		n.Reset()
		nodes[i] = &n
	}

	interval := opts.ConditionCheckInterval
	if interval <= 0 {
		interval = defaultConditionCheckInterval
	}

	o := &Orchestrator{
		name:                   name,
		nodes:                  nodes,
		logger:                 logger.With("component", "orchestrator", "workflow", name),
		conditionCheckInterval: interval,
		cancelHook:             opts.CancelHook,
		notifier:               opts.Notifier,
		wakeCh:                 make(chan struct{}, 1),
		stopCh:                 make(chan struct{}),
		doneCh:                 make(chan struct{}),
	}
	o.state = domain.CycledListState{
		Name: name, IsRunning: true, State: domain.StateRunning,
		MaxCycles: opts.MaxCycles, UpdatedAt: time.Now(),
	}
	return o
}

// AddPausePredicate registers p; pause predicates are consulted in
// registration order, first true wins.
func (o *Orchestrator) AddPausePredicate(p PausePredicate) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.pausePredicates = append(o.pausePredicates, p)
}

// AddContinuePredicate registers p; all continue predicates must return
// true for the orchestrator to advance.
func (o *Orchestrator) AddContinuePredicate(p ContinuePredicate) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.continuePredicates = append(o.continuePredicates, p)
}

// Status returns a snapshot of the current CycledListState.
func (o *Orchestrator) Status() domain.CycledListState {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Done is closed once the run loop exits (stopped or context cancelled).
func (o *Orchestrator) Done() <-chan struct{} { return o.doneCh }

// Start launches the cycle loop and the background condition checker that
// evaluates continue predicates while the list is paused (but not manually
// paused).
func (o *Orchestrator) Start(ctx context.Context) {
	go o.conditionChecker(ctx)
	go o.runLoop(ctx)
}

func (o *Orchestrator) runLoop(ctx context.Context) {
	defer close(o.doneCh)
	for {
		select {
		case <-ctx.Done():
			o.transitionStopped("context cancelled")
			return
		case <-o.stopCh:
			return
		default:
		}

		if o.currentState() != domain.StateRunning {
			select {
			case <-o.wakeCh:
				continue
			case <-o.stopCh:
				return
			case <-ctx.Done():
				o.transitionStopped("context cancelled")
				return
			}
		}

		o.runCycle(ctx)

		if o.currentState() == domain.StateStopped {
			return
		}
		if o.currentState() != domain.StateRunning {
			// a step failure or manual pause transitioned us already.
			continue
		}

		o.mu.Lock()
		o.state.TotalCycles++
		o.state.CurrentCycle++
		o.state.CurrentAsyncFnIndex = 0
		reachedMax := o.state.MaxCycles != nil && o.state.TotalCycles >= *o.state.MaxCycles
		o.mu.Unlock()
		metrics.OrchestratorCyclesTotal.WithLabelValues(o.name).Inc()

		if reachedMax {
			o.transitionCompleted()
			return
		}

		if o.evaluateContinue() {
			continue // step 5: next cycle scheduled immediately, no delay
		}
		o.transitionPaused("continue predicate returned false", false)
	}
}

// runCycle executes one pass over the workflow from the resume index. It
// returns once every node has been visited, or once a pause/stop decision
// has been made (in which case the caller observes the new state).
func (o *Orchestrator) runCycle(ctx context.Context) {
	o.mu.Lock()
	i := o.state.CurrentAsyncFnIndex
	cycle := o.state.CurrentCycle
	o.mu.Unlock()

	for i < len(o.nodes) {
		if o.currentState() != domain.StateRunning {
			return
		}

		group := o.nodes[i].ParallelGroup
		if group == "" {
			err := o.runNode(ctx, o.nodes[i], cycle)
			if err != nil {
				o.handleStepFailure(err)
				return
			}
			if o.nodes[i].Cancelled {
				return
			}
			i++
			o.setIndex(i)
			continue
		}

		end := i
		for end < len(o.nodes) && o.nodes[end].ParallelGroup == group {
			end++
		}
		members := o.nodes[i:end]
		// A member failure must reach the pause-vs-stop decision even though
		// it also cancels its siblings, so the error check comes first; the
		// index stays at the group start either way.
		if err := o.runGroup(ctx, members, cycle); err != nil {
			o.handleStepFailure(err)
			return
		}
		for _, n := range members {
			if n.Cancelled {
				return
			}
		}
		i = end
		o.setIndex(i)
	}

	o.logger.Info("cycle complete", "cycle", cycle)
}

func (o *Orchestrator) runNode(ctx context.Context, n *domain.WorkflowNode, cycle int) (err error) {
	stepCtx, cancel := context.WithCancel(ctx)
	o.mu.Lock()
	o.stepCancel = cancel
	o.activeNodes = []*domain.WorkflowNode{n}
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		o.stepCancel = nil
		o.activeNodes = nil
		o.mu.Unlock()
		cancel()
		// A failure is about to pause or stop the list; abort whatever
		// in-flight work was queued on the step's behalf before the caller
		// decides which. The active-node snapshot is already cleared, so
		// handleStepFailure cannot fire the hook a second time.
		if err != nil && !n.Cancelled && o.cancelHook != nil {
			o.cancelHook()
		}
	}()

	started := time.Now()
	n.Status = domain.NodeRunning
	n.StartedAt = &started
	n.Cancelled = false // replay from scratch after a pause
	n.Attempts++

	result, err := n.Fn(domain.WorkflowContext{Context: stepCtx, Cycle: cycle, Name: o.name})

	if n.Cancelled {
		return nil
	}
	if err != nil {
		failedAt := time.Now()
		n.Status = domain.NodeFailed
		n.Error = err.Error()
		n.FailedAt = &failedAt
		return fmt.Errorf("orchestrator: node %s: %w", n.Name, err)
	}
	completedAt := time.Now()
	n.Status = domain.NodeCompleted
	n.Result = result
	n.CompletedAt = &completedAt
	return nil
}

// runGroup executes a maximal run of consecutive same-parallelGroup nodes
// concurrently and waits for every one to settle.
func (o *Orchestrator) runGroup(ctx context.Context, nodes []*domain.WorkflowNode, cycle int) error {
	groupCtx, cancel := context.WithCancel(ctx)
	o.mu.Lock()
	o.stepCancel = cancel
	o.activeNodes = append([]*domain.WorkflowNode(nil), nodes...)
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		o.stepCancel = nil
		o.activeNodes = nil
		o.mu.Unlock()
		cancel()
	}()

	// failFast aborts the rest of the group the moment one member fails:
	// still-running siblings are marked cancelled, the shared context is
	// cancelled so they settle promptly, and the external cancel hook fires
	// exactly once. The group still waits for every member to settle before
	// the failure propagates to the pause-vs-stop decision.
	var failOnce sync.Once
	failFast := func(failed *domain.WorkflowNode) {
		failOnce.Do(func() {
			for _, sib := range nodes {
				if sib != failed && sib.Status == domain.NodeRunning {
					sib.Cancelled = true
				}
			}
			cancel()
			if o.cancelHook != nil {
				o.cancelHook()
			}
		})
	}

	var wg sync.WaitGroup
	errs := make([]error, len(nodes))
	for _, n := range nodes {
		started := time.Now()
		n.Status = domain.NodeRunning
		n.StartedAt = &started
		n.Cancelled = false // replay from scratch after a pause
		n.Attempts++
	}
	for idx, n := range nodes {
		wg.Add(1)
		go func(idx int, n *domain.WorkflowNode) {
			defer wg.Done()
			result, err := n.Fn(domain.WorkflowContext{Context: groupCtx, Cycle: cycle, Name: o.name})
			if n.Cancelled {
				return
			}
			if err != nil {
				failedAt := time.Now()
				n.Status = domain.NodeFailed
				n.Error = err.Error()
				n.FailedAt = &failedAt
				errs[idx] = err
				failFast(n)
				return
			}
			completedAt := time.Now()
			n.Status = domain.NodeCompleted
			n.Result = result
			n.CompletedAt = &completedAt
		}(idx, n)
	}
	wg.Wait()

	for idx, err := range errs {
		if err != nil && !nodes[idx].Cancelled {
			return fmt.Errorf("orchestrator: parallel group node %s: %w", nodes[idx].Name, err)
		}
	}
	return nil
}

func (o *Orchestrator) handleStepFailure(err error) {
	o.cancelActiveSteps()
	if o.consultPausePredicates(err) {
		o.transitionPaused(err.Error(), false)
		return
	}
	o.Stop(err.Error())
}

func (o *Orchestrator) consultPausePredicates(err error) bool {
	o.mu.Lock()
	preds := append([]PausePredicate(nil), o.pausePredicates...)
	o.mu.Unlock()
	for _, p := range preds {
		if p(err) {
			return true
		}
	}
	return false
}

// evaluateContinue consults every registered continue predicate. A
// per-orchestrator mutex serializes calls so the same CycledList is never
// re-entered concurrently by the condition-checker and a cycle-end check
// racing each other (DESIGN.md "Continue-predicate re-entrancy").
func (o *Orchestrator) evaluateContinue() bool {
	o.predMu.Lock()
	defer o.predMu.Unlock()

	o.mu.Lock()
	preds := append([]ContinuePredicate(nil), o.continuePredicates...)
	o.mu.Unlock()

	for _, p := range preds {
		if !p() {
			return false
		}
	}
	return true
}

// cancelActiveSteps marks every
// currently-running node Cancelled, cancels their shared context, and
// invokes the external cancel hook once.
func (o *Orchestrator) cancelActiveSteps() {
	o.mu.Lock()
	cancel := o.stepCancel
	active := append([]*domain.WorkflowNode(nil), o.activeNodes...)
	o.mu.Unlock()

	for _, n := range active {
		n.Cancelled = true
	}
	if cancel != nil {
		cancel()
	}
	if len(active) > 0 && o.cancelHook != nil {
		o.cancelHook()
	}
}

func (o *Orchestrator) conditionChecker(ctx context.Context) {
	ticker := time.NewTicker(o.conditionCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-o.stopCh:
			return
		case <-ticker.C:
			o.mu.Lock()
			paused, manual := o.state.IsPaused, o.state.ManualPause
			o.mu.Unlock()
			if !paused || manual {
				continue
			}
			if o.evaluateContinue() {
				o.mu.Lock()
				o.state.IsPaused = false
				o.state.IsRunning = true
				o.state.ManualPause = false
				o.state.PauseReason = ""
				o.state.State = domain.StateRunning
				o.state.UpdatedAt = time.Now()
				o.mu.Unlock()
				o.wake()
			}
		}
	}
}

// PauseManually implements the `pauseManually()` transition.
func (o *Orchestrator) PauseManually() {
	o.cancelActiveSteps()
	o.transitionPaused("manual pause", true)
}

// ResumeManually implements the `resumeManually()` transition: it resumes
// regardless of the continue predicates, unlike the condition-checker path.
func (o *Orchestrator) ResumeManually() {
	o.mu.Lock()
	o.state.IsPaused = false
	o.state.IsRunning = true
	o.state.ManualPause = false
	o.state.PauseReason = ""
	o.state.State = domain.StateRunning
	o.state.UpdatedAt = time.Now()
	o.mu.Unlock()
	o.wake()
}

// Continue implements the paused `continue()` transition: resumes only if
// not manually paused and every continue predicate agrees.
func (o *Orchestrator) Continue() bool {
	o.mu.Lock()
	manual := o.state.ManualPause
	o.mu.Unlock()
	if manual || !o.evaluateContinue() {
		return false
	}
	o.ResumeManually()
	return true
}

// Stop implements the `stop(reason)` transition, terminal until Restart.
func (o *Orchestrator) Stop(reason string) {
	o.cancelActiveSteps()
	o.transitionStopped(reason)
	o.stopOnce.Do(func() { close(o.stopCh) })
}

// Restart clears a stopped list: every node is reset to pending and
// CurrentCycle and CurrentAsyncFnIndex return to zero; TotalCycles keeps its
// count across the restart. Callers must call Start again afterward.
func (o *Orchestrator) Restart() {
	for _, n := range o.nodes {
		n.Reset()
	}
	o.mu.Lock()
	o.state.IsRunning = true
	o.state.IsPaused = false
	o.state.ManualPause = false
	o.state.PauseReason = ""
	o.state.StopReason = ""
	o.state.CurrentCycle = 0
	o.state.CurrentAsyncFnIndex = 0
	o.state.State = domain.StateRunning
	o.state.UpdatedAt = time.Now()
	o.mu.Unlock()

	o.stopCh = make(chan struct{})
	o.stopOnce = sync.Once{}
	o.doneCh = make(chan struct{})
}

func (o *Orchestrator) currentState() domain.OrchestratorState {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state.State
}

func (o *Orchestrator) setIndex(i int) {
	o.mu.Lock()
	o.state.CurrentAsyncFnIndex = i
	o.mu.Unlock()
}

func (o *Orchestrator) wake() {
	select {
	case o.wakeCh <- struct{}{}:
	default:
	}
}

func (o *Orchestrator) transitionPaused(reason string, manual bool) {
	o.mu.Lock()
	o.state.IsRunning = false
	o.state.IsPaused = true
	o.state.ManualPause = manual
	o.state.PauseReason = reason
	o.state.State = domain.StatePaused
	o.state.UpdatedAt = time.Now()
	snapshot := o.state
	o.mu.Unlock()
	metrics.OrchestratorPausesTotal.WithLabelValues(o.name).Inc()
	metrics.OrchestratorState.WithLabelValues(o.name, string(domain.StatePaused)).Set(1)
	metrics.OrchestratorState.WithLabelValues(o.name, string(domain.StateRunning)).Set(0)
	o.notify(snapshot)
}

func (o *Orchestrator) transitionStopped(reason string) {
	o.mu.Lock()
	o.state.IsRunning = false
	o.state.IsPaused = false
	o.state.State = domain.StateStopped
	o.state.StopReason = reason
	o.state.UpdatedAt = time.Now()
	snapshot := o.state
	o.mu.Unlock()
	metrics.OrchestratorState.WithLabelValues(o.name, string(domain.StateStopped)).Set(1)
	o.notify(snapshot)
}

func (o *Orchestrator) transitionCompleted() {
	o.mu.Lock()
	o.state.IsRunning = false
	o.state.IsPaused = false
	o.state.State = domain.StateCompleted
	o.state.UpdatedAt = time.Now()
	snapshot := o.state
	o.mu.Unlock()
	metrics.OrchestratorState.WithLabelValues(o.name, string(domain.StateCompleted)).Set(1)
	o.notify(snapshot)
	// Release the condition checker; a completed list has nothing to resume.
	o.stopOnce.Do(func() { close(o.stopCh) })
}

func (o *Orchestrator) notify(s domain.CycledListState) {
	if o.notifier != nil {
		o.notifier(s)
	}
}
