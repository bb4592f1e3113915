package dispatch

import (
	"sync"

	"feedflow/internal/market"
)

// Policy selects the behavior of a full sink queue.
type Policy string

const (
	// Block stalls the producer until space frees; delivery is at-least-once.
	Block Policy = "block"
	// DropOldest evicts the oldest queued event to admit the new one.
	DropOldest Policy = "drop_oldest"
	// DropNewest discards the incoming event.
	DropNewest Policy = "drop_newest"
)

// queue is a bounded FIFO ring shared by one producer side (all connection
// tasks) and exactly one consumer goroutine, so per-sink arrival order is
// preserved.
type queue struct {
	mu       sync.Mutex
	notEmpty *sync.Cond
	notFull  *sync.Cond
	items    []*market.Event
	head     int
	count    int
	policy   Policy
	closed   bool
	dropped  int64
}

func newQueue(capacity int, policy Policy) *queue {
	q := &queue{
		items:  make([]*market.Event, capacity),
		policy: policy,
	}
	q.notEmpty = sync.NewCond(&q.mu)
	q.notFull = sync.NewCond(&q.mu)
	return q
}

// push enqueues ev according to the queue's policy. It reports whether an
// event was dropped (the incoming one or an evicted older one).
func (q *queue) push(ev *market.Event) (dropped bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return true
	}

	if q.count == len(q.items) {
		switch q.policy {
		case Block:
			for q.count == len(q.items) && !q.closed {
				q.notFull.Wait()
			}
			if q.closed {
				return true
			}
		case DropOldest:
			q.head = (q.head + 1) % len(q.items)
			q.count--
			dropped = true
		default: // DropNewest
			return true
		}
	}

	q.items[(q.head+q.count)%len(q.items)] = ev
	q.count++
	q.notEmpty.Signal()
	return dropped
}

// pop blocks until an event is available or the queue is closed and drained.
func (q *queue) pop() (*market.Event, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for q.count == 0 && !q.closed {
		q.notEmpty.Wait()
	}
	if q.count == 0 {
		return nil, false
	}
	ev := q.items[q.head]
	q.items[q.head] = nil
	q.head = (q.head + 1) % len(q.items)
	q.count--
	q.notFull.Signal()
	return ev, true
}

func (q *queue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.notEmpty.Broadcast()
	q.notFull.Broadcast()
}

func (q *queue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.count
}

// snapshot returns the queued events in FIFO order without consuming them.
func (q *queue) snapshot() []*market.Event {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*market.Event, 0, q.count)
	for i := 0; i < q.count; i++ {
		out = append(out, q.items[(q.head+i)%len(q.items)])
	}
	return out
}
