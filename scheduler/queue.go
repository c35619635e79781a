package scheduler

import (
	"container/heap"
	"sync"
	"time"
)

// workItem is one scheduled execution of a task: either its first run
// or a retry attempt, gated until readyAt.
type workItem struct {
	taskID  string
	attempt int
	readyAt time.Time
	index   int
}

// delayHeap orders workItems by readyAt, earliest first: a retry
// becomes eligible when its backoff expires, and nothing outranks
// anything else since tasks carry no priority concept, only timing.
type delayHeap []*workItem

func (h delayHeap) Len() int           { return len(h) }
func (h delayHeap) Less(i, j int) bool { return h[i].readyAt.Before(h[j].readyAt) }
func (h delayHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index, h[j].index = i, j
}
func (h *delayHeap) Push(x interface{}) {
	item := x.(*workItem)
	item.index = len(*h)
	*h = append(*h, item)
}
func (h *delayHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// DelayQueue holds pending work items until their readyAt time, safe
// for concurrent use.
type DelayQueue struct {
	mu sync.Mutex
	h  delayHeap
}

func NewDelayQueue() *DelayQueue {
	return &DelayQueue{h: make(delayHeap, 0)}
}

// Push schedules taskID's attempt to become ready after delay.
func (q *DelayQueue) Push(taskID string, attempt int, delay time.Duration) {
	q.mu.Lock()
	defer q.mu.Unlock()
	heap.Push(&q.h, &workItem{taskID: taskID, attempt: attempt, readyAt: time.Now().Add(delay)})
}

// PopReady returns and removes the earliest item if it is ready, else
// (nil, false). scheduleRetry calls it once when a retry's timer fires.
func (q *DelayQueue) PopReady() (taskID string, attempt int, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.h) == 0 {
		return "", 0, false
	}
	if q.h[0].readyAt.After(time.Now()) {
		return "", 0, false
	}
	item := heap.Pop(&q.h).(*workItem)
	return item.taskID, item.attempt, true
}

func (q *DelayQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.h)
}
