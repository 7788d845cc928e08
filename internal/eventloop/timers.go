package eventloop

import (
	"container/heap"
	"time"

	"github.com/dbehnke/s5066d/internal/conn"
)

// retransmitTimer is one scheduled ARQ retransmit-sweep deadline for a
// peer connection, the "monotonic minheap keyed by next-deadline"
// spec.md §5 names for per-peer retransmit timing.
type retransmitTimer struct {
	deadline time.Time
	conn     *conn.Connection
	index    int // heap.Interface bookkeeping, for O(log n) cancel
}

type timerHeap []*retransmitTimer

func (h timerHeap) Len() int            { return len(h) }
func (h timerHeap) Less(i, j int) bool  { return h[i].deadline.Before(h[j].deadline) }
func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *timerHeap) Push(x interface{}) {
	t := x.(*retransmitTimer)
	t.index = len(*h)
	*h = append(*h, t)
}

func (h *timerHeap) Pop() interface{} {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}

// timerQueue wraps timerHeap with the schedule/cancel/pop-expired
// operations the worker loop drives its epoll timeout from.
type timerQueue struct {
	h timerHeap
}

func newTimerQueue() *timerQueue {
	return &timerQueue{}
}

// schedule arms a new retransmit deadline for c, returning a handle
// cancel can later remove atomically.
func (q *timerQueue) schedule(deadline time.Time, c *conn.Connection) *retransmitTimer {
	t := &retransmitTimer{deadline: deadline, conn: c}
	heap.Push(&q.h, t)
	return t
}

// cancel removes t if it's still pending; a no-op if it already fired
// (popExpired sets index to -1 on removal).
func (q *timerQueue) cancel(t *retransmitTimer) {
	if t == nil || t.index < 0 || t.index >= len(q.h) || q.h[t.index] != t {
		return
	}
	heap.Remove(&q.h, t.index)
}

// nextDeadline reports the earliest pending deadline, if any.
func (q *timerQueue) nextDeadline() (time.Time, bool) {
	if len(q.h) == 0 {
		return time.Time{}, false
	}
	return q.h[0].deadline, true
}

// popExpired removes and returns every timer whose deadline has
// passed as of now.
func (q *timerQueue) popExpired(now time.Time) []*retransmitTimer {
	var due []*retransmitTimer
	for len(q.h) > 0 && !q.h[0].deadline.After(now) {
		due = append(due, heap.Pop(&q.h).(*retransmitTimer))
	}
	return due
}
