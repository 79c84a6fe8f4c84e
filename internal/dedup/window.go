// Package dedup tracks recently seen shred identity keys inside a bounded
// time window so the proxy forwards each distinct shred at most once.
package dedup

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
)

const (
	// granularity is the number of rotation intervals covering the window.
	// The ring holds one extra bucket so a key inserted just before a
	// rotation still survives for the full window.
	granularity = 8
	ringSize    = granularity + 1

	numShards = 16
	shardMask = numShards - 1

	// defaultMaxEntries bounds how many keys a single bucket may hold.
	defaultMaxEntries = 1 << 20
)

type shard struct {
	mu   sync.RWMutex
	keys map[uint64]struct{}
}

type bucket struct {
	shards [numShards]shard
}

// Window is a time-windowed set of identity keys. Keys are retained for at
// least the window duration and at most window + window/granularity, after
// which they are evicted wholesale with their bucket. Safe for concurrent use.
type Window struct {
	clk         clock.Clock
	interval    time.Duration
	maxPerShard int

	rotateMu   sync.Mutex
	nextRotate atomic.Int64
	cur        atomic.Int32
	buckets    [ringSize]*bucket
}

// NewWindow creates a window covering the given duration. maxEntries bounds
// the key count of each live bucket; zero or negative selects a default.
func NewWindow(window time.Duration, maxEntries int, clk clock.Clock) *Window {
	if window <= 0 {
		window = 2 * time.Second
	}
	if maxEntries <= 0 {
		maxEntries = defaultMaxEntries
	}
	if clk == nil {
		clk = clock.New()
	}
	w := &Window{
		clk:         clk,
		interval:    window / granularity,
		maxPerShard: (maxEntries + numShards - 1) / numShards,
	}
	for i := range w.buckets {
		w.buckets[i] = newBucket()
	}
	w.nextRotate.Store(clk.Now().Add(w.interval).UnixNano())
	return w
}

func newBucket() *bucket {
	b := &bucket{}
	for i := range b.shards {
		b.shards[i].keys = make(map[uint64]struct{})
	}
	return b
}

// TestAndInsert reports whether key was already seen within the window,
// inserting it when novel. Exactly one of any set of racing callers for the
// same key observes false; the insert and the final membership check happen
// under the same shard lock of the current bucket.
//
// When the current shard is at capacity the key is reported novel but not
// recorded: under a pathological key storm deduplication degrades to
// pass-through instead of blocking or growing without bound.
func (w *Window) TestAndInsert(key uint64) bool {
	w.maybeRotate()

	cur := int(w.cur.Load())
	si := int(key & shardMask)

	// Older buckets are read-only at this point; scan them first.
	for off := 1; off < ringSize; off++ {
		s := &w.buckets[(cur+off)%ringSize].shards[si]
		s.mu.RLock()
		_, ok := s.keys[key]
		s.mu.RUnlock()
		if ok {
			return true
		}
	}

	s := &w.buckets[cur].shards[si]
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.keys[key]; ok {
		return true
	}
	if len(s.keys) >= w.maxPerShard {
		return false
	}
	s.keys[key] = struct{}{}
	return false
}

// Len returns the approximate number of live keys. Intended for tests and
// periodic reporting, not the hot path.
func (w *Window) Len() int {
	total := 0
	for _, b := range w.buckets {
		for i := range b.shards {
			s := &b.shards[i]
			s.mu.RLock()
			total += len(s.keys)
			s.mu.RUnlock()
		}
	}
	return total
}

func (w *Window) maybeRotate() {
	now := w.clk.Now().UnixNano()
	if now < w.nextRotate.Load() {
		return
	}
	w.rotateMu.Lock()
	defer w.rotateMu.Unlock()

	next := w.nextRotate.Load()
	if now < next {
		return
	}
	step := w.interval.Nanoseconds()
	for steps := 0; now >= next && steps < ringSize; steps++ {
		w.advanceLocked()
		next += step
	}
	if now >= next {
		// Clock jumped past a full ring; every bucket is already fresh.
		next = now + step
	}
	w.nextRotate.Store(next)
}

// advanceLocked retires the oldest bucket by clearing it and making it the
// new current bucket. Shard locks serialize against in-flight readers.
func (w *Window) advanceLocked() {
	next := (int(w.cur.Load()) + 1) % ringSize
	b := w.buckets[next]
	for i := range b.shards {
		s := &b.shards[i]
		s.mu.Lock()
		s.keys = make(map[uint64]struct{})
		s.mu.Unlock()
	}
	w.cur.Store(int32(next))
}
