// Package events carries connection events from the classifier to the
// callers that query or stream them.
package events

import (
	"sync"
	"sync/atomic"

	"github.com/psaab/meshdp/pkg/flow"
)

// DefaultQueueSize is the queue capacity used when none is configured.
const DefaultQueueSize = 4096

// Queue is a bounded multi-producer, single-consumer ring of events.
// Push never blocks: when the ring is full the oldest event is overwritten
// and counted as dropped, so the consumer always sees the newest traffic.
type Queue struct {
	mu    sync.Mutex
	buf   []flow.ConnectionEvent
	head  int // next read position
	count int

	dropped atomic.Uint64
	pushed  atomic.Uint64
}

// NewQueue creates a queue holding at most size events.
func NewQueue(size int) *Queue {
	if size < 1 {
		size = DefaultQueueSize
	}
	return &Queue{buf: make([]flow.ConnectionEvent, size)}
}

// Push appends ev, overwriting the oldest queued event when full.
func (q *Queue) Push(ev flow.ConnectionEvent) {
	q.mu.Lock()
	size := len(q.buf)
	if q.count == size {
		q.buf[q.head] = ev
		q.head = (q.head + 1) % size
		q.mu.Unlock()
		q.dropped.Add(1)
		q.pushed.Add(1)
		return
	}
	q.buf[(q.head+q.count)%size] = ev
	q.count++
	q.mu.Unlock()
	q.pushed.Add(1)
}

// Drain removes and returns every queued event, oldest first. It returns
// nil immediately when the queue is empty.
func (q *Queue) Drain() []flow.ConnectionEvent {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.count == 0 {
		return nil
	}
	out := make([]flow.ConnectionEvent, q.count)
	size := len(q.buf)
	for i := range out {
		out[i] = q.buf[(q.head+i)%size]
	}
	q.head = 0
	q.count = 0
	return out
}

// Len returns the number of queued events.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.count
}

// Cap returns the queue capacity.
func (q *Queue) Cap() int { return len(q.buf) }

// Dropped returns how many events were overwritten before being drained.
func (q *Queue) Dropped() uint64 { return q.dropped.Load() }

// Pushed returns the total number of events ever pushed.
func (q *Queue) Pushed() uint64 { return q.pushed.Load() }
