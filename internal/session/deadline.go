package session

import (
	"container/heap"
	"time"
)

// deadlineEntry is one scheduled ack deadline for an outstanding chunk.
type deadlineEntry struct {
	deadline time.Time
	index    uint32
}

// DeadlineQueue is a monotonic priority queue keyed by (deadline, index),
// per spec §9's "stateful timers" design note: the owning task awaits the
// earliest entry instead of spawning one timer per outstanding chunk.
type DeadlineQueue struct {
	h deadlineHeap
}

func NewDeadlineQueue() *DeadlineQueue {
	return &DeadlineQueue{}
}

// Push schedules a deadline for index. Pushing an index that is already
// queued adds a second entry; the earlier one is not removed.
func (q *DeadlineQueue) Push(index uint32, deadline time.Time) {
	heap.Push(&q.h, deadlineEntry{deadline: deadline, index: index})
}

// Peek returns the earliest entry without removing it, and whether the
// queue is non-empty.
func (q *DeadlineQueue) Peek() (uint32, time.Time, bool) {
	if len(q.h) == 0 {
		return 0, time.Time{}, false
	}
	e := q.h[0]
	return e.index, e.deadline, true
}

// Pop removes and returns the earliest entry.
func (q *DeadlineQueue) Pop() (uint32, time.Time, bool) {
	if len(q.h) == 0 {
		return 0, time.Time{}, false
	}
	e := heap.Pop(&q.h).(deadlineEntry)
	return e.index, e.deadline, true
}

// Len returns the number of queued entries. The queue has no per-index
// removal (container/heap has no O(log n) arbitrary delete): a chunk may be
// scheduled several times across retries, and stale entries stay queued
// until they surface at the head. Callers should tolerate Pop returning an
// index whose chunk is no longer outstanding and simply ignore it.
func (q *DeadlineQueue) Len() int { return len(q.h) }

type deadlineHeap []deadlineEntry

func (h deadlineHeap) Len() int { return len(h) }
func (h deadlineHeap) Less(i, j int) bool {
	if h[i].deadline.Equal(h[j].deadline) {
		return h[i].index < h[j].index
	}
	return h[i].deadline.Before(h[j].deadline)
}
func (h deadlineHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *deadlineHeap) Push(x any) {
	*h = append(*h, x.(deadlineEntry))
}

func (h *deadlineHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
