package dispatcher

import (
	"container/heap"
	"sort"
	"sync"

	"github.com/fleetworks/dispatcher/internal/task"
)

// TaskQueue is a thread-safe priority queue with a deterministic total
// order: higher priority first, then older created_at, then enqueue
// sequence. The queue stores task handles only; it never inspects
// dependency state.
type TaskQueue struct {
	mu  sync.Mutex
	h   taskHeap
	seq uint64
}

type queueItem struct {
	task  *task.Task
	seq   uint64
	index int
}

type taskHeap []*queueItem

func (h taskHeap) Len() int { return len(h) }

func (h taskHeap) Less(i, j int) bool {
	return itemLess(h[i], h[j])
}

func itemLess(a, b *queueItem) bool {
	if a.task.Priority != b.task.Priority {
		return a.task.Priority > b.task.Priority
	}
	if !a.task.CreatedAt.Equal(b.task.CreatedAt) {
		return a.task.CreatedAt.Before(b.task.CreatedAt)
	}
	return a.seq < b.seq
}

func (h taskHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *taskHeap) Push(x any) {
	item := x.(*queueItem)
	item.index = len(*h)
	*h = append(*h, item)
}

func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

func NewTaskQueue() *TaskQueue {
	return &TaskQueue{}
}

// Enqueue adds a task. O(log n).
func (q *TaskQueue) Enqueue(t *task.Task) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.seq++
	heap.Push(&q.h, &queueItem{task: t, seq: q.seq})
}

// Dequeue removes and returns the head, or nil when empty.
func (q *TaskQueue) Dequeue() *task.Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.h) == 0 {
		return nil
	}
	item := heap.Pop(&q.h).(*queueItem)
	return item.task
}

// Peek returns the head without removing it, or nil when empty.
func (q *TaskQueue) Peek() *task.Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.h) == 0 {
		return nil
	}
	return q.h[0].task
}

// Remove takes a specific task out of the queue by ID. Returns the task and
// true when it was queued.
func (q *TaskQueue) Remove(taskID string) (*task.Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, item := range q.h {
		if item.task.ID == taskID {
			heap.Remove(&q.h, item.index)
			return item.task, true
		}
	}
	return nil, false
}

// Contains reports whether a task with the given ID is currently queued.
func (q *TaskQueue) Contains(taskID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, item := range q.h {
		if item.task.ID == taskID {
			return true
		}
	}
	return false
}

func (q *TaskQueue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.h)
}

func (q *TaskQueue) IsEmpty() bool {
	return q.Size() == 0
}

func (q *TaskQueue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.h = nil
	q.seq = 0
}

// Snapshot returns all queued tasks in dequeue order without mutating the
// queue.
func (q *TaskQueue) Snapshot() []*task.Task {
	q.mu.Lock()
	defer q.mu.Unlock()

	items := make([]*queueItem, len(q.h))
	copy(items, q.h)
	sort.Slice(items, func(i, j int) bool {
		return itemLess(items[i], items[j])
	})

	tasks := make([]*task.Task, len(items))
	for i, item := range items {
		tasks[i] = item.task
	}
	return tasks
}
