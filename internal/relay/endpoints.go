// Package relay tracks which upstream relay addresses the proxy currently
// accepts shreds from. The heartbeat client publishes whole snapshots; ingress
// workers read them lock-free on every packet.
package relay

import (
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
)

type snapshot struct {
	version uint64
	addrs   map[netip.Addr]struct{}

	// prev keeps the previous snapshot's members accepted until prevExpires
	// so a relay switchover overlaps old and new sources instead of cutting
	// the stream over a hard edge.
	prev        map[netip.Addr]struct{}
	prevExpires time.Time
}

// EndpointSet is a versioned, atomically-replaceable set of accepted source
// addresses. Snapshots are never mutated in place: Publish swaps the whole
// set, so readers always observe a consistent view. Before the first Publish
// every source is accepted, which is also the forward-only mode of operation.
type EndpointSet struct {
	clk   clock.Clock
	grace time.Duration

	mu  sync.Mutex
	cur atomic.Pointer[snapshot]
}

// NewEndpointSet creates an endpoint set whose retired snapshots stay
// accepted for the given grace duration after replacement.
func NewEndpointSet(grace time.Duration, clk clock.Clock) *EndpointSet {
	if clk == nil {
		clk = clock.New()
	}
	return &EndpointSet{clk: clk, grace: grace}
}

// Publish replaces the accepted set. It reports whether the set actually
// changed; publishing an identical set is a no-op and does not bump the
// version or restart the grace window.
func (s *EndpointSet) Publish(addrs []netip.Addr) bool {
	next := make(map[netip.Addr]struct{}, len(addrs))
	for _, a := range addrs {
		next[a.Unmap()] = struct{}{}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cur := s.cur.Load()
	if cur != nil && equalSets(cur.addrs, next) {
		return false
	}

	snap := &snapshot{addrs: next, version: 1}
	if cur != nil {
		snap.version = cur.version + 1
		snap.prev = cur.addrs
		snap.prevExpires = s.clk.Now().Add(s.grace)
	}
	s.cur.Store(snap)
	return true
}

// Allows reports whether a datagram from addr should be processed. Members of
// the snapshot retired within the grace window are still accepted, covering
// in-flight packets during re-homing.
func (s *EndpointSet) Allows(addr netip.Addr) bool {
	snap := s.cur.Load()
	if snap == nil {
		return true
	}
	if _, ok := snap.addrs[addr.Unmap()]; ok {
		return true
	}
	if snap.prev != nil && s.clk.Now().Before(snap.prevExpires) {
		_, ok := snap.prev[addr.Unmap()]
		return ok
	}
	return false
}

// Version returns the current snapshot version, zero before the first Publish.
func (s *EndpointSet) Version() uint64 {
	if snap := s.cur.Load(); snap != nil {
		return snap.version
	}
	return 0
}

// Current returns the addresses of the live snapshot.
func (s *EndpointSet) Current() []netip.Addr {
	snap := s.cur.Load()
	if snap == nil {
		return nil
	}
	out := make([]netip.Addr, 0, len(snap.addrs))
	for a := range snap.addrs {
		out = append(out, a)
	}
	return out
}

func equalSets(a, b map[netip.Addr]struct{}) bool {
	if len(a) != len(b) {
		return false
	}
	for k := range a {
		if _, ok := b[k]; !ok {
			return false
		}
	}
	return true
}
