package httpclient

import (
	"container/heap"
	"context"
	"sync"

	"github.com/marketscan/scanner/internal/metrics"
)

// task is one queued unit of work: a thunk plus the priority it was
// submitted with (numerically smaller = more urgent).
type task struct {
	priority int
	seq      int // insertion order, breaks priority ties FIFO
	run      func(context.Context)
	cancelled bool
}

// taskHeap is a container/heap min-heap ordered by (priority, seq).
type taskHeap []*task

func (h taskHeap) Len() int { return len(h) }
func (h taskHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority < h[j].priority
	}
	return h[i].seq < h[j].seq
}
func (h taskHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *taskHeap) Push(x any)   { *h = append(*h, x.(*task)) }
func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// priorityQueue is a bounded-concurrency worker pool (default max in-flight
// 6) pulling from a min-priority heap.
type priorityQueue struct {
	mu       sync.Mutex
	heap     taskHeap
	nextSeq  int
	slots    chan struct{}
	ctx      context.Context
	cancel   context.CancelFunc
	wake     chan struct{}
	wg       sync.WaitGroup
}

func newPriorityQueue(ctx context.Context, maxConcurrency int) *priorityQueue {
	qctx, cancel := context.WithCancel(ctx)
	q := &priorityQueue{
		slots:  make(chan struct{}, maxConcurrency),
		ctx:    qctx,
		cancel: cancel,
		wake:   make(chan struct{}, 1),
	}
	for i := 0; i < maxConcurrency; i++ {
		q.slots <- struct{}{}
	}
	q.wg.Add(1)
	go q.dispatchLoop()
	return q
}

// submit enqueues run at the given priority; run is invoked once a slot is
// free and this task is the most urgent pending one.
func (q *priorityQueue) submit(priority int, run func(context.Context)) *task {
	q.mu.Lock()
	t := &task{priority: priority, seq: q.nextSeq, run: run}
	q.nextSeq++
	heap.Push(&q.heap, t)
	depth := len(q.heap)
	q.mu.Unlock()
	metrics.QueueDepth.Set(float64(depth))

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return t
}

func (q *priorityQueue) dispatchLoop() {
	defer q.wg.Done()
	for {
		select {
		case <-q.ctx.Done():
			return
		case <-q.slots:
			t := q.popNext()
			if t == nil {
				q.slots <- struct{}{}
				select {
				case <-q.wake:
				case <-q.ctx.Done():
					return
				}
				continue
			}
			if t.cancelled {
				q.slots <- struct{}{}
				continue
			}
			go func(t *task) {
				defer func() { q.slots <- struct{}{} }()
				t.run(q.ctx)
			}(t)
		}
	}
}

func (q *priorityQueue) popNext() *task {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.heap) == 0 {
		return nil
	}
	t := heap.Pop(&q.heap).(*task)
	metrics.QueueDepth.Set(float64(len(q.heap)))
	return t
}

func (q *priorityQueue) close() {
	q.cancel()
	q.wg.Wait()
}
