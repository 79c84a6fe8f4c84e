package discovery

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/temporalxyz/shredstream-proxy/internal/forwarder"
)

func discard() *slog.Logger { return slog.New(slog.DiscardHandler) }

func TestRefreshUnionsStaticAndDiscovered(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`["10.1.0.1", "10.1.0.2", "not-an-ip"]`))
	}))
	defer srv.Close()

	reg := forwarder.NewRegistry(nil, nil)
	r := NewRefresher(reg, []string{"127.0.0.1:8001"}, srv.URL, 9001, time.Minute, clock.NewMock(), discard())

	require.NoError(t, r.refresh(context.Background()))
	assert.ElementsMatch(t, []netip.AddrPort{
		netip.MustParseAddrPort("127.0.0.1:8001"),
		netip.MustParseAddrPort("10.1.0.1:9001"),
		netip.MustParseAddrPort("10.1.0.2:9001"),
	}, reg.Snapshot())
}

func TestRefreshFailureKeepsPreviousSet(t *testing.T) {
	var fail atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if fail.Load() {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_, _ = w.Write([]byte(`["10.1.0.1"]`))
	}))
	defer srv.Close()

	reg := forwarder.NewRegistry(nil, nil)
	r := NewRefresher(reg, nil, srv.URL, 9001, time.Minute, clock.NewMock(), discard())

	require.NoError(t, r.refresh(context.Background()))
	want := []netip.AddrPort{netip.MustParseAddrPort("10.1.0.1:9001")}
	assert.Equal(t, want, reg.Snapshot())

	fail.Store(true)
	assert.Error(t, r.refresh(context.Background()))
	assert.Equal(t, want, reg.Snapshot(), "a failed refresh must not clobber destinations")
}

func TestRunRefreshesOnTick(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		_, _ = w.Write([]byte(`["10.1.0.1"]`))
	}))
	defer srv.Close()

	mock := clock.NewMock()
	reg := forwarder.NewRegistry(nil, nil)
	r := NewRefresher(reg, nil, srv.URL, 9001, time.Second, mock, discard())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	require.Eventually(t, func() bool { return calls.Load() >= 1 }, 3*time.Second, time.Millisecond)
	for calls.Load() < 3 {
		mock.Add(time.Second)
		time.Sleep(time.Millisecond)
	}

	cancel()
	require.NoError(t, <-done)
}

func TestResolveHostPort(t *testing.T) {
	t.Run("Literal", func(t *testing.T) {
		ap, err := ResolveHostPort(context.Background(), nil, "192.168.0.7:8001")
		require.NoError(t, err)
		assert.Equal(t, netip.MustParseAddrPort("192.168.0.7:8001"), ap)
	})

	t.Run("Hostname", func(t *testing.T) {
		ap, err := ResolveHostPort(context.Background(), nil, "localhost:8001")
		require.NoError(t, err)
		assert.True(t, ap.Addr().IsLoopback())
		assert.Equal(t, uint16(8001), ap.Port())
	})

	t.Run("Invalid", func(t *testing.T) {
		_, err := ResolveHostPort(context.Background(), nil, "no-port")
		assert.Error(t, err)

		_, err = ResolveHostPort(context.Background(), nil, "host:notaport")
		assert.Error(t, err)
	})
}

func TestPublicIP(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("203.0.113.9\n"))
	}))
	defer srv.Close()

	a, err := PublicIP(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.Equal(t, netip.MustParseAddr("203.0.113.9"), a)
}
