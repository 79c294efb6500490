package httpclient

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestPriorityQueue_RunsInPriorityOrder(t *testing.T) {
	q := newPriorityQueue(context.Background(), 1) // single slot forces strict ordering
	defer q.close()

	var mu sync.Mutex
	var order []int
	done := make(chan struct{})

	// submit a blocker first so all three below queue up before any run.
	release := make(chan struct{})
	q.submit(0, func(ctx context.Context) { <-release })

	for _, p := range []int{30, 10, 20} {
		p := p
		q.submit(p, func(ctx context.Context) {
			mu.Lock()
			order = append(order, p)
			mu.Unlock()
			if len(order) == 3 {
				close(done)
			}
		})
	}
	close(release)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for queued tasks")
	}

	mu.Lock()
	defer mu.Unlock()
	want := []int{10, 20, 30}
	for i, p := range want {
		if order[i] != p {
			t.Fatalf("expected priority order %v, got %v", want, order)
		}
	}
}

func TestPriorityQueue_BoundsConcurrency(t *testing.T) {
	const maxConcurrency = 2
	q := newPriorityQueue(context.Background(), maxConcurrency)
	defer q.close()

	var mu sync.Mutex
	inFlight, maxSeen := 0, 0
	var wg sync.WaitGroup
	wg.Add(6)

	for i := 0; i < 6; i++ {
		q.submit(50, func(ctx context.Context) {
			mu.Lock()
			inFlight++
			if inFlight > maxSeen {
				maxSeen = inFlight
			}
			mu.Unlock()

			time.Sleep(20 * time.Millisecond)

			mu.Lock()
			inFlight--
			mu.Unlock()
			wg.Done()
		})
	}

	wg.Wait()
	if maxSeen > maxConcurrency {
		t.Fatalf("expected at most %d concurrent tasks, saw %d", maxConcurrency, maxSeen)
	}
}
