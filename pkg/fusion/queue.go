package fusion

import (
	"container/list"
	"sync"
	"sync/atomic"

	"github.com/agile-defense/minetrack/pkg/messages"
)

// DefaultQueueCapacity bounds the measurements waiting for the fusion worker
const DefaultQueueCapacity = 4096

// Queue is the bounded hand-off between measurement producers and the single
// fusion worker. Producers never block. When the queue is full the oldest
// pending measurement for the same (anchor, tag) pair is replaced by the new
// one; without a pending entry for the pair the globally oldest measurement
// is dropped instead.
type Queue struct {
	capacity int

	mu      sync.Mutex
	items   *list.List // of messages.Measurement, oldest first
	pending map[messages.PairKey][]*list.Element

	ready chan struct{}

	enqueued  atomic.Uint64
	coalesced atomic.Uint64
	overflow  atomic.Uint64
}

// QueueStats reports queue activity since start
type QueueStats struct {
	Depth     int    `json:"depth"`
	Capacity  int    `json:"capacity"`
	Enqueued  uint64 `json:"enqueued"`
	Coalesced uint64 `json:"coalesced"` // replaced by a newer measurement for the same pair
	Overflow  uint64 `json:"overflow"`  // oldest measurement of another pair dropped
}

// NewQueue creates a queue holding at most capacity measurements
func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = DefaultQueueCapacity
	}
	return &Queue{
		capacity: capacity,
		items:    list.New(),
		pending:  make(map[messages.PairKey][]*list.Element),
		ready:    make(chan struct{}, 1),
	}
}

// Submit enqueues a measurement without blocking
func (q *Queue) Submit(m messages.Measurement) {
	key := m.Key()

	q.mu.Lock()
	if q.items.Len() >= q.capacity {
		if elems := q.pending[key]; len(elems) > 0 {
			q.removeLocked(elems[0])
			q.coalesced.Add(1)
		} else {
			q.removeLocked(q.items.Front())
			q.overflow.Add(1)
		}
	}
	el := q.items.PushBack(m)
	q.pending[key] = append(q.pending[key], el)
	q.mu.Unlock()

	q.enqueued.Add(1)
	select {
	case q.ready <- struct{}{}:
	default:
	}
}

// removeLocked unlinks el, which is always the oldest pending entry of its pair
func (q *Queue) removeLocked(el *list.Element) {
	m := q.items.Remove(el).(messages.Measurement)
	key := m.Key()
	elems := q.pending[key]
	if len(elems) <= 1 {
		delete(q.pending, key)
		return
	}
	elems[0] = nil
	q.pending[key] = elems[1:]
}

// TryPop removes the oldest measurement if there is one
func (q *Queue) TryPop() (messages.Measurement, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	front := q.items.Front()
	if front == nil {
		return messages.Measurement{}, false
	}
	m := front.Value.(messages.Measurement)
	q.removeLocked(front)
	return m, true
}

// Ready is signalled after every Submit. A receive means the queue may be
// non-empty; drain it with TryPop.
func (q *Queue) Ready() <-chan struct{} {
	return q.ready
}

// Len returns the number of pending measurements
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.Len()
}

// Stats returns the queue counters
func (q *Queue) Stats() QueueStats {
	return QueueStats{
		Depth:     q.Len(),
		Capacity:  q.capacity,
		Enqueued:  q.enqueued.Load(),
		Coalesced: q.coalesced.Load(),
		Overflow:  q.overflow.Load(),
	}
}
