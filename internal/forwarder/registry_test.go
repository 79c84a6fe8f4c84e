package forwarder

import (
	"fmt"
	"net/netip"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ap(s string) netip.AddrPort { return netip.MustParseAddrPort(s) }

func TestRegistryAddRemove(t *testing.T) {
	r := NewRegistry(nil, nil)
	assert.Empty(t, r.Snapshot())

	assert.True(t, r.Add(ap("127.0.0.1:8001")))
	assert.False(t, r.Add(ap("127.0.0.1:8001")), "set semantics: no duplicates")
	assert.True(t, r.Add(ap("127.0.0.1:8002")))
	assert.Len(t, r.Snapshot(), 2)

	assert.True(t, r.Remove(ap("127.0.0.1:8001")))
	assert.False(t, r.Remove(ap("127.0.0.1:8001")))
	assert.Equal(t, []netip.AddrPort{ap("127.0.0.1:8002")}, r.Snapshot())
}

func TestRegistryReplace(t *testing.T) {
	r := NewRegistry([]netip.AddrPort{ap("10.0.0.1:8001")}, nil)

	assert.True(t, r.Replace([]netip.AddrPort{ap("10.0.0.2:8001"), ap("10.0.0.3:8001")}))
	assert.ElementsMatch(t,
		[]netip.AddrPort{ap("10.0.0.2:8001"), ap("10.0.0.3:8001")},
		r.Snapshot(),
	)

	assert.False(t, r.Replace([]netip.AddrPort{ap("10.0.0.3:8001"), ap("10.0.0.2:8001")}),
		"replacing with the same set must be a no-op")
}

func TestSnapshotIsImmutable(t *testing.T) {
	r := NewRegistry([]netip.AddrPort{ap("127.0.0.1:8001")}, nil)
	snap := r.Snapshot()
	r.Add(ap("127.0.0.1:8002"))
	assert.Len(t, snap, 1, "a taken snapshot must not observe later mutation")
	assert.Len(t, r.Snapshot(), 2)
}

func TestRegistryConcurrentMutation(t *testing.T) {
	r := NewRegistry(nil, nil)

	const writers = 8
	const perWriter = 50

	var wg sync.WaitGroup
	stop := make(chan struct{})

	// Readers continuously take snapshots and check self-consistency.
	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				snap := r.Snapshot()
				seen := make(map[netip.AddrPort]struct{}, len(snap))
				for _, a := range snap {
					require.True(t, a.IsValid(), "snapshot must never contain a partially-constructed address")
					_, dup := seen[a]
					require.False(t, dup, "snapshot must never duplicate an address")
					seen[a] = struct{}{}
				}
			}
		}()
	}

	var writeWg sync.WaitGroup
	for w := 0; w < writers; w++ {
		writeWg.Add(1)
		go func(w int) {
			defer writeWg.Done()
			for i := 0; i < perWriter; i++ {
				a := ap(fmt.Sprintf("10.0.%d.%d:8001", w, i))
				r.Add(a)
				if i%3 == 0 {
					r.Remove(a)
				}
			}
		}(w)
	}
	writeWg.Wait()
	close(stop)
	wg.Wait()

	want := 0
	for i := 0; i < perWriter; i++ {
		if i%3 != 0 {
			want++
		}
	}
	assert.Len(t, r.Snapshot(), writers*want)
}
