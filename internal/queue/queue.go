// Package queue provides the bounded in-memory dispatch buffer behind
// the beacon channel. Payloads waiting for a network write sit here;
// when it is full, low priority payloads are refused or evicted first
// so the caller can fall back to another channel.
package queue

import (
	"container/heap"
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Priority levels for payloads.
const (
	PriorityHigh = "high" // batch flushes, unload-time reports
	PriorityLow  = "low"  // single immediate events
)

var priorityValue = map[string]int{
	PriorityHigh: 2,
	PriorityLow:  1,
}

// Item is one serialized request awaiting dispatch.
type Item struct {
	URL      string
	Body     []byte
	Headers  map[string]string
	Priority string
	Enqueued time.Time
	seq      uint64
	index    int
}

// Stats holds buffer statistics.
type Stats struct {
	Size       int
	HighCount  int
	LowCount   int
	Refused    uint64
	DropsTotal uint64
	DropsLow   uint64
	DropsHigh  uint64
}

// Queue is a bounded priority buffer.
type Queue struct {
	mu       sync.Mutex
	items    priorityHeap
	maxSize  int
	seq      uint64
	refused  uint64
	dropsLow uint64
	dropsHi  uint64

	notifyCh chan struct{}
	closeCh  chan struct{}
	closed   bool
}

// NewQueue creates a buffer holding at most maxSize items.
func NewQueue(maxSize int) *Queue {
	if maxSize <= 0 {
		maxSize = 1
	}
	q := &Queue{
		items:    make(priorityHeap, 0, maxSize),
		maxSize:  maxSize,
		notifyCh: make(chan struct{}, 1),
		closeCh:  make(chan struct{}),
	}
	heap.Init(&q.items)
	return q
}

// Push offers item to the buffer. It returns false when the item was
// refused: the buffer is closed, or full of items at least as
// important. A high priority item may evict the oldest low one.
func (q *Queue) Push(item *Item) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		atomic.AddUint64(&q.refused, 1)
		return false
	}

	if len(q.items) >= q.maxSize && !q.evictFor(item) {
		atomic.AddUint64(&q.refused, 1)
		return false
	}

	q.seq++
	item.seq = q.seq
	heap.Push(&q.items, item)

	select {
	case q.notifyCh <- struct{}{}:
	default:
	}
	return true
}

// evictFor removes the oldest low priority item if item outranks it.
func (q *Queue) evictFor(item *Item) bool {
	if priorityValue[item.Priority] <= priorityValue[PriorityLow] {
		return false
	}

	victim := -1
	for i, it := range q.items {
		if it.Priority != PriorityLow {
			continue
		}
		if victim == -1 || it.seq < q.items[victim].seq {
			victim = i
		}
	}
	if victim == -1 {
		return false
	}

	heap.Remove(&q.items, victim)
	atomic.AddUint64(&q.dropsLow, 1)
	return true
}

// Pop removes and returns the most important, oldest item, or nil.
func (q *Queue) Pop() *Item {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return nil
	}
	return heap.Pop(&q.items).(*Item)
}

// DropHigh records a high priority item lost after it was accepted.
func (q *Queue) DropHigh() {
	atomic.AddUint64(&q.dropsHi, 1)
}

// Stats returns buffer statistics.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()

	low := atomic.LoadUint64(&q.dropsLow)
	high := atomic.LoadUint64(&q.dropsHi)
	stats := Stats{
		Size:       len(q.items),
		Refused:    atomic.LoadUint64(&q.refused),
		DropsLow:   low,
		DropsHigh:  high,
		DropsTotal: low + high,
	}
	for _, item := range q.items {
		switch item.Priority {
		case PriorityHigh:
			stats.HighCount++
		case PriorityLow:
			stats.LowCount++
		}
	}
	return stats
}

// Close stops accepting items. Buffered items stay poppable.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if !q.closed {
		q.closed = true
		close(q.closeCh)
	}
}

// Wait blocks until an item may be available, the queue is closed or
// ctx ends. It returns false in the latter two cases.
func (q *Queue) Wait(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return false
	case <-q.closeCh:
		return false
	case <-q.notifyCh:
		return true
	}
}

type priorityHeap []*Item

func (h priorityHeap) Len() int { return len(h) }

func (h priorityHeap) Less(i, j int) bool {
	pi := priorityValue[h[i].Priority]
	pj := priorityValue[h[j].Priority]
	if pi != pj {
		return pi > pj
	}
	return h[i].seq < h[j].seq
}

func (h priorityHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *priorityHeap) Push(x any) {
	item := x.(*Item)
	item.index = len(*h)
	*h = append(*h, item)
}

func (h *priorityHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*h = old[0 : n-1]
	return item
}
