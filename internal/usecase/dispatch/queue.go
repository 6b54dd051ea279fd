package dispatch

import (
	"container/heap"
	"sync"

	"nowhere-ai/internal/domain"
)

// taskHeap orders tasks by (priority desc, created_at asc) via Task.Before.
type taskHeap []*domain.Task

func (h taskHeap) Len() int            { return len(h) }
func (h taskHeap) Less(i, j int) bool  { return h[i].Before(h[j]) }
func (h taskHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *taskHeap) Push(x any)         { *h = append(*h, x.(*domain.Task)) }
func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// queue is one in-memory priority FIFO for a (tenant, agent_kind) pair. The
// persisted task record is the durability boundary; the heap only orders
// work already accepted. Paused and stopped both hold the backlog without
// dispatching; a stopped queue additionally rejects new submissions until
// resumed.
type queue struct {
	mu      sync.Mutex
	cond    *sync.Cond
	heap    taskHeap
	paused  bool
	stopped bool
	closed  bool
}

func newQueue() *queue {
	q := &queue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

func (q *queue) push(t *domain.Task) {
	q.mu.Lock()
	heap.Push(&q.heap, t)
	q.mu.Unlock()
	q.cond.Signal()
}

// pop blocks until a task is available and the queue is neither paused,
// stopped nor closed. Returns nil once closed.
func (q *queue) pop() *domain.Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	for {
		if q.closed {
			return nil
		}
		if !q.paused && !q.stopped && q.heap.Len() > 0 {
			return heap.Pop(&q.heap).(*domain.Task)
		}
		q.cond.Wait()
	}
}

// remove drops a queued task by id, for cancellation.
func (q *queue) remove(id string) *domain.Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, t := range q.heap {
		if t.ID == id {
			removed := heap.Remove(&q.heap, i).(*domain.Task)
			return removed
		}
	}
	return nil
}

func (q *queue) setPaused(paused bool) {
	q.mu.Lock()
	q.paused = paused
	q.mu.Unlock()
	q.cond.Broadcast()
}

func (q *queue) setStopped(stopped bool) {
	q.mu.Lock()
	q.stopped = stopped
	q.mu.Unlock()
	q.cond.Broadcast()
}

func (q *queue) isStopped() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.stopped
}

func (q *queue) depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.heap.Len()
}

func (q *queue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.cond.Broadcast()
}
