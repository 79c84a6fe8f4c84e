package forwarder

import (
	"net/netip"
	"sync"
	"sync/atomic"

	"github.com/temporalxyz/shredstream-proxy/internal/telemetry"
)

// Registry is the process-wide set of downstream consumer addresses. Mutation
// builds a fresh immutable snapshot and publishes it atomically, so the
// forwarding hot path reads a consistent set without taking a lock. Writers
// serialize among themselves but never block readers.
type Registry struct {
	mu      sync.Mutex
	set     map[netip.AddrPort]struct{}
	snap    atomic.Pointer[[]netip.AddrPort]
	metrics *telemetry.Metrics
}

// NewRegistry creates a registry seeded with the given consumers. metrics may
// be nil.
func NewRegistry(seed []netip.AddrPort, metrics *telemetry.Metrics) *Registry {
	r := &Registry{
		set:     make(map[netip.AddrPort]struct{}, len(seed)),
		metrics: metrics,
	}
	for _, ap := range seed {
		r.set[ap] = struct{}{}
	}
	r.publishLocked()
	return r
}

// Add registers a consumer, reporting whether it was newly added.
func (r *Registry) Add(ap netip.AddrPort) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.set[ap]; ok {
		return false
	}
	r.set[ap] = struct{}{}
	r.publishLocked()
	return true
}

// Remove unregisters a consumer, reporting whether it was present.
func (r *Registry) Remove(ap netip.AddrPort) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.set[ap]; !ok {
		return false
	}
	delete(r.set, ap)
	r.publishLocked()
	return true
}

// Replace swaps the whole consumer set, used by destination discovery
// refreshes. It reports whether the set changed.
func (r *Registry) Replace(addrs []netip.AddrPort) bool {
	next := make(map[netip.AddrPort]struct{}, len(addrs))
	for _, ap := range addrs {
		next[ap] = struct{}{}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if len(next) == len(r.set) {
		same := true
		for ap := range next {
			if _, ok := r.set[ap]; !ok {
				same = false
				break
			}
		}
		if same {
			return false
		}
	}
	r.set = next
	r.publishLocked()
	return true
}

// Snapshot returns the current consumer set. The returned slice is shared and
// must not be mutated by callers.
func (r *Registry) Snapshot() []netip.AddrPort {
	return *r.snap.Load()
}

// Len returns the current consumer count.
func (r *Registry) Len() int {
	return len(r.Snapshot())
}

func (r *Registry) publishLocked() {
	snap := make([]netip.AddrPort, 0, len(r.set))
	for ap := range r.set {
		snap = append(snap, ap)
	}
	r.snap.Store(&snap)
	if r.metrics != nil {
		r.metrics.SetConsumerCount(len(snap))
	}
}
