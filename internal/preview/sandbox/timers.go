package sandbox

import (
	"container/heap"
	"time"
)

// frameInterval is the virtual delay of an animation frame
const frameInterval = 16 * time.Millisecond

func msDuration(ms int64) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

// timer is one scheduled callback
type timer struct {
	id    int
	at    time.Duration
	every time.Duration
	order uint64
	run   func() error
	index int
	done  bool
}

// timerQueue orders timers on a virtual clock. Time only advances when a
// timer is taken from the queue, so delays never block the host.
type timerQueue struct {
	now    time.Duration
	nextID int
	order  uint64
	items  timerHeap
	byID   map[int]*timer
}

func newTimerQueue() *timerQueue {
	return &timerQueue{byID: make(map[int]*timer)}
}

// add schedules fn after delay; a positive every makes it repeat
func (q *timerQueue) add(delay, every time.Duration, fn func() error) int {
	q.nextID++
	q.order++
	t := &timer{id: q.nextID, at: q.now + delay, every: every, order: q.order, run: fn}
	q.byID[t.id] = t
	heap.Push(&q.items, t)
	return t.id
}

func (q *timerQueue) cancel(id int) {
	t, ok := q.byID[id]
	if !ok {
		return
	}
	t.done = true
	delete(q.byID, id)
	if t.index >= 0 {
		heap.Remove(&q.items, t.index)
	}
}

// next pops the earliest timer and advances the clock to it. It returns nil
// when the queue is empty or the earliest timer lies beyond horizon.
func (q *timerQueue) next(horizon time.Duration) *timer {
	if len(q.items) == 0 || q.items[0].at > horizon {
		return nil
	}
	t := heap.Pop(&q.items).(*timer)
	if t.at > q.now {
		q.now = t.at
	}
	return t
}

// reschedule requeues an interval timer that has not been cleared
func (q *timerQueue) reschedule(t *timer) {
	if t.every <= 0 || t.done {
		delete(q.byID, t.id)
		return
	}
	q.order++
	t.at = q.now + t.every
	t.order = q.order
	heap.Push(&q.items, t)
}

// Len reports the number of pending timers
func (q *timerQueue) Len() int {
	return len(q.items)
}

type timerHeap []*timer

func (h timerHeap) Len() int { return len(h) }

func (h timerHeap) Less(i, j int) bool {
	if h[i].at != h[j].at {
		return h[i].at < h[j].at
	}
	return h[i].order < h[j].order
}

func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *timerHeap) Push(x any) {
	t := x.(*timer)
	t.index = len(*h)
	*h = append(*h, t)
}

func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}
