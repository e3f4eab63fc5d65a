// Package queue implements the priority-ordered ready queue. Tasks whose
// dependencies are unsatisfied are held in a waiting set and move to the
// ready heap as their dependencies complete. Ordering is priority
// descending, then creation time ascending, then insertion order.
package queue

import (
	"container/heap"
	"sync"

	"github.com/gleitzeit/gleitzeit/core"
)

// Queue is safe for concurrent callers.
type Queue struct {
	mu      sync.Mutex
	ready   readyHeap
	waiting map[string]*waiter
	// dependents indexes waiting tasks by the dependency ids they wait on
	dependents map[string]map[string]bool
	seq        uint64
	notify     chan struct{}
	closed     bool
}

type waiter struct {
	task    *core.Task
	pending map[string]bool
}

type item struct {
	task  *core.Task
	seq   uint64
	index int
}

type readyHeap []*item

func (h readyHeap) Len() int { return len(h) }

func (h readyHeap) Less(i, j int) bool {
	a, b := h[i], h[j]
	ra, rb := a.task.Priority.Rank(), b.task.Priority.Rank()
	if ra != rb {
		return ra > rb
	}
	if !a.task.CreatedAt.Equal(b.task.CreatedAt) {
		return a.task.CreatedAt.Before(b.task.CreatedAt)
	}
	return a.seq < b.seq
}

func (h readyHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *readyHeap) Push(x interface{}) {
	it := x.(*item)
	it.index = len(*h)
	*h = append(*h, it)
}

func (h *readyHeap) Pop() interface{} {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return it
}

// New creates an empty queue.
func New() *Queue {
	return &Queue{
		waiting:    make(map[string]*waiter),
		dependents: make(map[string]map[string]bool),
		notify:     make(chan struct{}, 1),
	}
}

// Ready signals when tasks become ready. The channel coalesces signals;
// consumers must drain the queue after each receive.
func (q *Queue) Ready() <-chan struct{} {
	return q.notify
}

// signal must be called with q.mu held.
func (q *Queue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// EnqueueBatch inserts tasks. Dependencies (by task id) not in the
// satisfied set count as pending; tasks with pending dependencies are held
// in the waiting set. Dependencies are counted pending whether or not the
// dependency task is itself part of this batch.
func (q *Queue) EnqueueBatch(tasks []*core.Task, satisfied map[string]bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}

	pushed := false
	for _, t := range tasks {
		pending := make(map[string]bool)
		for _, dep := range t.Dependencies {
			if !satisfied[dep] {
				pending[dep] = true
			}
		}
		if len(pending) == 0 {
			q.pushReady(t)
			pushed = true
			continue
		}
		q.waiting[t.ID] = &waiter{task: t, pending: pending}
		for dep := range pending {
			if q.dependents[dep] == nil {
				q.dependents[dep] = make(map[string]bool)
			}
			q.dependents[dep][t.ID] = true
		}
	}
	if pushed {
		q.signal()
	}
}

// pushReady must be called with q.mu held.
func (q *Queue) pushReady(t *core.Task) {
	q.seq++
	heap.Push(&q.ready, &item{task: t, seq: q.seq})
}

// Dequeue returns the highest-priority ready task for which eligible
// returns true, or nil when none qualifies. A nil predicate accepts every
// task.
func (q *Queue) Dequeue(eligible func(*core.Task) bool) *core.Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed || len(q.ready) == 0 {
		return nil
	}

	best := -1
	for i := range q.ready {
		if eligible != nil && !eligible(q.ready[i].task) {
			continue
		}
		if best == -1 || q.ready.Less(i, best) {
			best = i
		}
	}
	if best == -1 {
		return nil
	}
	it := heap.Remove(&q.ready, best).(*item)
	return it.task
}

// MarkCompleted records a task completion, satisfying that dependency for
// every waiting dependent. Returns the ids of tasks that just became
// ready; they are moved onto the ready heap.
func (q *Queue) MarkCompleted(id string) []string {
	q.mu.Lock()
	defer q.mu.Unlock()

	var ready []string
	for depID := range q.dependents[id] {
		w, ok := q.waiting[depID]
		if !ok {
			continue
		}
		delete(w.pending, id)
		if len(w.pending) == 0 {
			delete(q.waiting, depID)
			q.pushReady(w.task)
			ready = append(ready, depID)
		}
	}
	delete(q.dependents, id)
	if len(ready) > 0 {
		q.signal()
	}
	return ready
}

// MarkFailed records a task failure and returns the ids of waiting tasks
// that directly depend on it. The dependents stay in the waiting set; the
// caller decides, per the workflow's error strategy, whether to Cancel
// them or Release the failed dependency.
func (q *Queue) MarkFailed(id string) []string {
	q.mu.Lock()
	defer q.mu.Unlock()

	var ids []string
	for depID := range q.dependents[id] {
		if _, ok := q.waiting[depID]; ok {
			ids = append(ids, depID)
		}
	}
	return ids
}

// Release satisfies a single dependency of one waiting task, used when a
// failed dependency only gated ordering. Returns true when the task became
// ready.
func (q *Queue) Release(id, depID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	w, ok := q.waiting[id]
	if !ok {
		return false
	}
	delete(w.pending, depID)
	if set, ok := q.dependents[depID]; ok {
		delete(set, id)
		if len(set) == 0 {
			delete(q.dependents, depID)
		}
	}
	if len(w.pending) > 0 {
		return false
	}
	delete(q.waiting, id)
	q.pushReady(w.task)
	q.signal()
	return true
}

// Cancel removes a task from the queue, whether ready or waiting. Returns
// false when the task is not queued, e.g. already dequeued for execution.
func (q *Queue) Cancel(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if w, ok := q.waiting[id]; ok {
		delete(q.waiting, id)
		for dep := range w.pending {
			if set, ok := q.dependents[dep]; ok {
				delete(set, id)
				if len(set) == 0 {
					delete(q.dependents, dep)
				}
			}
		}
		return true
	}
	for i := range q.ready {
		if q.ready[i].task.ID == id {
			heap.Remove(&q.ready, i)
			return true
		}
	}
	return false
}

// Len returns the number of ready tasks.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ready)
}

// WaitingLen returns the number of tasks held for dependencies.
func (q *Queue) WaitingLen() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.waiting)
}

// Close drops all queued tasks and stops accepting new ones.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.ready = nil
	q.waiting = make(map[string]*waiter)
	q.dependents = make(map[string]map[string]bool)
}
