package session

import (
	"testing"
	"time"
)

func TestDeadlineQueueOrdersByEarliest(t *testing.T) {
	q := NewDeadlineQueue()
	base := time.Now()
	q.Push(2, base.Add(3*time.Second))
	q.Push(0, base.Add(1*time.Second))
	q.Push(1, base.Add(2*time.Second))

	wantOrder := []uint32{0, 1, 2}
	for _, want := range wantOrder {
		idx, _, ok := q.Pop()
		if !ok || idx != want {
			t.Fatalf("Pop() = %d, ok=%v, want %d", idx, ok, want)
		}
	}
	if q.Len() != 0 {
		t.Fatalf("expected empty queue, len=%d", q.Len())
	}
}
