package events

import (
	"sync"

	"github.com/psaab/meshdp/pkg/flow"
)

// Aggregator collects classifier events for monitoring callers. Events are
// queued for SnapshotAndClear, kept in a small history for Latest, and
// fanned out to subscribers.
type Aggregator struct {
	queue *Queue

	mu     sync.RWMutex
	recent []flow.ConnectionEvent
	head   int
	count  int

	subMu sync.RWMutex
	subs  map[*Subscription]struct{}
}

// Subscription receives every event pushed after it was created. A slow
// subscriber misses events rather than stalling producers.
type Subscription struct {
	C   chan flow.ConnectionEvent
	agg *Aggregator
}

// Close unsubscribes. C is not closed, so pending reads must select on
// their own cancellation.
func (s *Subscription) Close() {
	s.agg.subMu.Lock()
	delete(s.agg.subs, s)
	s.agg.subMu.Unlock()
}

// NewAggregator creates an aggregator with the given queue and history
// sizes.
func NewAggregator(queueSize, historySize int) *Aggregator {
	if historySize < 1 {
		historySize = 256
	}
	return &Aggregator{
		queue:  NewQueue(queueSize),
		recent: make([]flow.ConnectionEvent, historySize),
		subs:   make(map[*Subscription]struct{}),
	}
}

// Push records ev. It never blocks.
func (a *Aggregator) Push(ev flow.ConnectionEvent) {
	a.queue.Push(ev)

	a.mu.Lock()
	a.recent[a.head] = ev
	a.head = (a.head + 1) % len(a.recent)
	if a.count < len(a.recent) {
		a.count++
	}
	a.mu.Unlock()

	a.subMu.RLock()
	for sub := range a.subs {
		select {
		case sub.C <- ev:
		default:
		}
	}
	a.subMu.RUnlock()
}

// SnapshotAndClear drains all queued events, oldest first. It returns nil
// without waiting when nothing is queued.
func (a *Aggregator) SnapshotAndClear() []flow.ConnectionEvent {
	return a.queue.Drain()
}

// Latest returns up to n of the most recent events, newest first, without
// draining the queue.
func (a *Aggregator) Latest(n int) []flow.ConnectionEvent {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if n > a.count {
		n = a.count
	}
	if n <= 0 {
		return nil
	}
	size := len(a.recent)
	out := make([]flow.ConnectionEvent, n)
	for i := 0; i < n; i++ {
		out[i] = a.recent[(a.head-1-i+size)%size]
	}
	return out
}

// Subscribe registers a subscriber with a channel buffer of bufSize.
func (a *Aggregator) Subscribe(bufSize int) *Subscription {
	if bufSize < 1 {
		bufSize = 64
	}
	sub := &Subscription{C: make(chan flow.ConnectionEvent, bufSize), agg: a}
	a.subMu.Lock()
	a.subs[sub] = struct{}{}
	a.subMu.Unlock()
	return sub
}

// Depth returns the number of events waiting to be drained.
func (a *Aggregator) Depth() int { return a.queue.Len() }

// Dropped returns the number of events overwritten in the queue.
func (a *Aggregator) Dropped() uint64 { return a.queue.Dropped() }

// Pushed returns the number of events ever pushed.
func (a *Aggregator) Pushed() uint64 { return a.queue.Pushed() }
