// Package conntrack tracks connections observed by the classifier.
package conntrack

import (
	"sort"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/psaab/meshdp/pkg/flow"
)

// DefaultSize bounds the table when no size is configured.
const DefaultSize = 65536

// Entry is the state kept per 5-tuple.
type Entry struct {
	Key       flow.Key
	FirstSeen time.Time
	LastSeen  time.Time
	Packets   uint64
	PID       uint32
}

// Table is an LRU-bounded connection table. The least recently observed
// connection is evicted when the table is full.
type Table struct {
	mu    sync.Mutex // serialises read-modify-write in Observe
	cache *lru.Cache[flow.Key, Entry]
	now   func() time.Time
}

// NewTable creates a table holding at most size connections.
func NewTable(size int) *Table {
	if size < 1 {
		size = DefaultSize
	}
	c, err := lru.New[flow.Key, Entry](size)
	if err != nil {
		// only returned for size <= 0
		panic(err)
	}
	return &Table{cache: c, now: time.Now}
}

// Observe records one event for its connection.
func (t *Table) Observe(ev flow.ConnectionEvent) {
	k := ev.Key()
	now := t.now()

	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.cache.Get(k)
	if !ok {
		e = Entry{Key: k, FirstSeen: now}
	}
	e.LastSeen = now
	e.Packets++
	if ev.PID != 0 {
		e.PID = ev.PID
	}
	t.cache.Add(k, e)
}

// Lookup returns the entry for k without touching its recency.
func (t *Table) Lookup(k flow.Key) (Entry, bool) {
	return t.cache.Peek(k)
}

// Len returns the number of tracked connections.
func (t *Table) Len() int { return t.cache.Len() }

// Entries returns every tracked connection, most recently seen first.
func (t *Table) Entries() []Entry {
	keys := t.cache.Keys()
	out := make([]Entry, 0, len(keys))
	for _, k := range keys {
		if e, ok := t.cache.Peek(k); ok {
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].LastSeen.After(out[j].LastSeen) })
	return out
}

// expire removes entries idle since before cutoff and returns how many
// were removed.
func (t *Table) expire(cutoff time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, k := range t.cache.Keys() {
		e, ok := t.cache.Peek(k)
		if ok && e.LastSeen.Before(cutoff) {
			t.cache.Remove(k)
			n++
		}
	}
	return n
}
