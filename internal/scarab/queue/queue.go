// Package queue implements the time-ordered, FIFO-within-same-time
// event queue that sits between the router and the run loop.
package queue

import (
	"container/heap"
	"sync"

	"github.com/billdback/scarab/internal/scarab/clock"
	"github.com/billdback/scarab/internal/scarab/event"
	"github.com/billdback/scarab/internal/scarab/scerr"
)

// item is one entry in the heap: an event plus the monotonic sequence
// number it was enqueued with, used to break ties within a sim-time.
type item struct {
	evt   event.Event
	seq   uint64
	index int
}

// innerHeap implements container/heap.Interface, ordering by
// (sim_time, seq) so ties resolve in strict FIFO order.
type innerHeap []*item

func (h innerHeap) Len() int { return len(h) }

func (h innerHeap) Less(i, j int) bool {
	if h[i].evt.SimTime != h[j].evt.SimTime {
		return h[i].evt.SimTime < h[j].evt.SimTime
	}
	return h[i].seq < h[j].seq
}

func (h innerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index, h[j].index = i, j
}

func (h *innerHeap) Push(x any) {
	it := x.(*item)
	it.index = len(*h)
	*h = append(*h, it)
}

func (h *innerHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return it
}

// Queue is a min-heap keyed by (sim_time, enqueue sequence). It is the
// only object shared between the dispatch thread and the control
// channel's I/O, so it is internally synchronized.
type Queue struct {
	mu   sync.Mutex
	h    innerHeap
	next uint64
}

// New returns an empty Queue.
func New() *Queue {
	q := &Queue{}
	heap.Init(&q.h)
	return q
}

// Push enqueues an event. The sequence counter is assigned under the
// queue's own lock, so concurrent pushers still get a strict enqueue
// order. Overflowing the 64-bit counter is a fatal invariant
// violation — 2^63 events per run is assumed unreachable.
func (q *Queue) Push(e event.Event) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.next == 1<<63 {
		return &scerr.InvariantViolation{Reason: "event queue sequence counter overflow"}
	}
	seq := q.next
	q.next++

	heap.Push(&q.h, &item{evt: e, seq: seq})
	return nil
}

// DrainDue pops and returns, in heap order, every event with
// sim_time <= now. The returned events are removed from the queue.
func (q *Queue) DrainDue(now clock.SimTime) []event.Event {
	q.mu.Lock()
	defer q.mu.Unlock()

	var due []event.Event
	for q.h.Len() > 0 && q.h[0].evt.SimTime <= now {
		it := heap.Pop(&q.h).(*item)
		due = append(due, it.evt)
	}
	return due
}

// PeekNextTime reports the sim_time of the earliest queued event and
// whether the queue is non-empty. Used for idle pacing checks.
func (q *Queue) PeekNextTime() (clock.SimTime, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.h.Len() == 0 {
		return 0, false
	}
	return q.h[0].evt.SimTime, true
}

// Len returns the number of events currently queued.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.h.Len()
}
