package orchestrator

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/marketscan/scanner/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

func TestOrchestrator_RunsToCompletionAtMaxCycles(t *testing.T) {
	var runs int32
	nodes := []domain.WorkflowNode{
		{Name: "step1", Fn: func(domain.WorkflowContext) (any, error) {
			atomic.AddInt32(&runs, 1)
			return nil, nil
		}},
	}
	max := 3
	o := New("test", nodes, testLogger(), Options{MaxCycles: &max})
	o.Start(context.Background())

	select {
	case <-o.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("orchestrator did not finish")
	}

	if got := o.Status().State; got != domain.StateCompleted {
		t.Errorf("final state = %v, want completed", got)
	}
	if atomic.LoadInt32(&runs) != int32(max) {
		t.Errorf("step ran %d times, want %d", runs, max)
	}
}

func TestOrchestrator_FailureWithoutPausePredicateStops(t *testing.T) {
	nodes := []domain.WorkflowNode{
		{Name: "failing", Fn: func(domain.WorkflowContext) (any, error) {
			return nil, errors.New("boom")
		}},
	}
	o := New("test", nodes, testLogger(), Options{})
	o.Start(context.Background())

	waitFor(t, time.Second, func() bool { return o.Status().State == domain.StateStopped })
	if o.Status().StopReason == "" {
		t.Error("expected a non-empty stop reason")
	}
}

func TestOrchestrator_FailureWithPausePredicatePauses(t *testing.T) {
	nodes := []domain.WorkflowNode{
		{Name: "failing", Fn: func(domain.WorkflowContext) (any, error) {
			return nil, errors.New("transient")
		}},
	}
	o := New("test", nodes, testLogger(), Options{})
	o.AddPausePredicate(func(err error) bool { return err != nil })
	o.Start(context.Background())

	waitFor(t, time.Second, func() bool { return o.Status().State == domain.StatePaused })
	if o.Status().ManualPause {
		t.Error("pause triggered by a predicate must not be marked manual")
	}
}

func TestOrchestrator_StepFailureInvokesCancelHook(t *testing.T) {
	var hookCalls int32
	nodes := []domain.WorkflowNode{
		{Name: "failing", Fn: func(domain.WorkflowContext) (any, error) {
			return nil, errors.New("boom")
		}},
	}
	o := New("test", nodes, testLogger(), Options{
		CancelHook: func() { atomic.AddInt32(&hookCalls, 1) },
	})
	o.AddPausePredicate(func(err error) bool { return err != nil })
	o.Start(context.Background())

	waitFor(t, time.Second, func() bool { return o.Status().State == domain.StatePaused })
	if got := atomic.LoadInt32(&hookCalls); got != 1 {
		t.Errorf("cancel hook invoked %d times, want exactly 1", got)
	}
}

func TestOrchestrator_GroupFailureCancelsSiblingsAndPauses(t *testing.T) {
	var hookCalls int32
	nodes := []domain.WorkflowNode{
		{Name: "first", Fn: func(domain.WorkflowContext) (any, error) { return nil, nil }},
		{Name: "failing", ParallelGroup: "g", Fn: func(domain.WorkflowContext) (any, error) {
			return nil, errors.New("vendor quota exhausted")
		}},
		{Name: "sibling", ParallelGroup: "g", Fn: func(ctx domain.WorkflowContext) (any, error) {
			// Blocks until the group is cancelled out from under it.
			<-ctx.Done()
			return nil, ctx.Err()
		}},
		{Name: "last", Fn: func(domain.WorkflowContext) (any, error) {
			t.Error("node after the failed group must not start")
			return nil, nil
		}},
	}
	o := New("test", nodes, testLogger(), Options{
		CancelHook: func() { atomic.AddInt32(&hookCalls, 1) },
	})
	o.AddPausePredicate(func(err error) bool { return err != nil })
	o.Start(context.Background())

	waitFor(t, time.Second, func() bool { return o.Status().State == domain.StatePaused })

	if got := atomic.LoadInt32(&hookCalls); got != 1 {
		t.Errorf("cancel hook invoked %d times, want exactly 1", got)
	}
	if !o.nodes[2].Cancelled {
		t.Error("in-flight sibling should be marked cancelled")
	}
	if o.nodes[2].Status == domain.NodeFailed {
		t.Error("a cancelled sibling must not count as failed")
	}
	if got := o.Status().CurrentAsyncFnIndex; got != 1 {
		t.Errorf("index = %d, want 1 (first node of the parallel group)", got)
	}
}

func TestOrchestrator_ManualPauseAndResume(t *testing.T) {
	gate := make(chan struct{})
	nodes := []domain.WorkflowNode{
		{Name: "step1", Fn: func(domain.WorkflowContext) (any, error) {
			<-gate
			return nil, nil
		}},
	}
	o := New("test", nodes, testLogger(), Options{})
	o.Start(context.Background())
	close(gate)

	waitFor(t, time.Second, func() bool { return o.Status().TotalCycles >= 1 })
	o.PauseManually()
	waitFor(t, time.Second, func() bool { return o.Status().State == domain.StatePaused })
	if !o.Status().ManualPause {
		t.Error("expected ManualPause to be true")
	}

	o.ResumeManually()
	waitFor(t, time.Second, func() bool { return o.Status().State == domain.StateRunning })
}

func TestOrchestrator_ParallelGroupRunsConcurrently(t *testing.T) {
	var concurrent int32
	var maxConcurrent int32
	work := func(domain.WorkflowContext) (any, error) {
		n := atomic.AddInt32(&concurrent, 1)
		for {
			m := atomic.LoadInt32(&maxConcurrent)
			if n <= m || atomic.CompareAndSwapInt32(&maxConcurrent, m, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		atomic.AddInt32(&concurrent, -1)
		return nil, nil
	}
	max := 1
	nodes := []domain.WorkflowNode{
		{Name: "a", ParallelGroup: "g", Fn: work},
		{Name: "b", ParallelGroup: "g", Fn: work},
		{Name: "c", ParallelGroup: "g", Fn: work},
	}
	o := New("test", nodes, testLogger(), Options{MaxCycles: &max})
	o.Start(context.Background())

	select {
	case <-o.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("orchestrator did not finish")
	}
	if atomic.LoadInt32(&maxConcurrent) < 2 {
		t.Errorf("expected parallel group members to overlap, max concurrent = %d", maxConcurrent)
	}
}

func TestOrchestrator_ContinuePredicateFalsePauses(t *testing.T) {
	nodes := []domain.WorkflowNode{
		{Name: "step1", Fn: func(domain.WorkflowContext) (any, error) { return nil, nil }},
	}
	o := New("test", nodes, testLogger(), Options{})
	o.AddContinuePredicate(func() bool { return false })
	o.Start(context.Background())

	waitFor(t, time.Second, func() bool { return o.Status().State == domain.StatePaused })
	if o.Status().ManualPause {
		t.Error("continue-predicate pause must not be marked manual")
	}
}
