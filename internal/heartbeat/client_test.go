package heartbeat

import (
	"context"
	"errors"
	"log/slog"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/temporalxyz/shredstream-proxy/internal/relay"
	"github.com/temporalxyz/shredstream-proxy/internal/telemetry"
)

// fakeTransport scripts register/heartbeat outcomes and records call times.
type fakeTransport struct {
	mu sync.Mutex

	clk *clock.Mock

	registerErrs  int // fail this many registrations before succeeding
	registerTimes []time.Time
	endpoints     []string

	heartbeats   []Result
	heartbeatErr error
	hbCalls      int
	hbDone       chan struct{}
}

func (f *fakeTransport) Register(ctx context.Context, id Identity) (Session, []string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.registerTimes = append(f.registerTimes, f.clk.Now())
	if f.registerErrs > 0 {
		f.registerErrs--
		return Session{}, nil, errors.New("relay unreachable")
	}
	return Session{ID: "sess-1"}, f.endpoints, nil
}

func (f *fakeTransport) Heartbeat(ctx context.Context, s Session) (Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hbCalls++
	if f.hbDone != nil {
		select {
		case f.hbDone <- struct{}{}:
		default:
		}
	}
	if f.heartbeatErr != nil {
		return Result{}, f.heartbeatErr
	}
	if len(f.heartbeats) == 0 {
		return Result{Valid: true}, nil
	}
	r := f.heartbeats[0]
	if len(f.heartbeats) > 1 {
		f.heartbeats = f.heartbeats[1:]
	}
	return r, nil
}

func newTestClient(t *testing.T, cfg Config, ft *fakeTransport) (*Client, *relay.EndpointSet, *clock.Mock) {
	t.Helper()
	mock := clock.NewMock()
	ft.clk = mock
	eps := relay.NewEndpointSet(time.Second, mock)
	c := NewClient(cfg, ft, eps, telemetry.New(), slog.New(slog.DiscardHandler), mock)
	return c, eps, mock
}

// step advances the mock clock in small increments from a helper goroutine so
// timers armed by the client fire in order.
func step(mock *clock.Mock, total time.Duration, stop <-chan struct{}) {
	tick := 10 * time.Millisecond
	for elapsed := time.Duration(0); elapsed < total; elapsed += tick {
		select {
		case <-stop:
			return
		default:
		}
		mock.Add(tick)
		time.Sleep(100 * time.Microsecond)
	}
}

func TestRegistrationRetriesWithNonDecreasingBackoff(t *testing.T) {
	ft := &fakeTransport{registerErrs: 4}
	cfg := Config{
		Interval:    time.Second,
		BackoffBase: 100 * time.Millisecond,
		BackoffMax:  400 * time.Millisecond,
	}
	c, _, mock := newTestClient(t, cfg, ft)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	stop := make(chan struct{})
	go step(mock, time.Minute, stop)

	require.Eventually(t, func() bool { return c.State() == StateActive },
		5*time.Second, time.Millisecond)
	close(stop)
	cancel()
	<-done

	ft.mu.Lock()
	times := append([]time.Time(nil), ft.registerTimes...)
	ft.mu.Unlock()
	require.Len(t, times, 5, "4 failures then success")

	// Backoff doubles from base up to the ceiling: each retry gap must be at
	// least its scheduled wait (scheduling may stretch a gap, never shrink it).
	wantAtLeast := []time.Duration{
		cfg.BackoffBase,     // after failure 1
		2 * cfg.BackoffBase, // after failure 2
		cfg.BackoffMax,      // after failure 3, capped
		cfg.BackoffMax,      // after failure 4, stays at the ceiling
	}
	for i := 1; i < len(times); i++ {
		gap := times[i].Sub(times[i-1])
		assert.GreaterOrEqual(t, gap, wantAtLeast[i-1],
			"retry interval %d below its scheduled backoff", i)
	}
}

func TestHeartbeatPublishesEndpointUpdates(t *testing.T) {
	ft := &fakeTransport{
		endpoints: []string{"10.0.0.1"},
		heartbeats: []Result{
			{Valid: true, Endpoints: []string{"10.0.0.1"}},
			{Valid: true, Endpoints: []string{"10.0.0.2:20000"}},
		},
		hbDone: make(chan struct{}, 16),
	}
	c, eps, mock := newTestClient(t, Config{Interval: 100 * time.Millisecond}, ft)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	stop := make(chan struct{})
	defer close(stop)
	go step(mock, time.Minute, stop)

	// Registration already published version 1.
	require.Eventually(t, func() bool { return eps.Version() >= 1 }, 5*time.Second, time.Millisecond)
	assert.True(t, eps.Allows(netip.MustParseAddr("10.0.0.1")))

	// Second scripted heartbeat re-homes to 10.0.0.2.
	require.Eventually(t, func() bool { return eps.Version() >= 2 }, 5*time.Second, time.Millisecond)
	assert.True(t, eps.Allows(netip.MustParseAddr("10.0.0.2")))

	cancel()
	<-done
}

func TestSessionInvalidationForcesReRegistration(t *testing.T) {
	ft := &fakeTransport{
		heartbeats: []Result{{Valid: false}},
		hbDone:     make(chan struct{}, 16),
	}
	c, _, mock := newTestClient(t, Config{Interval: 50 * time.Millisecond}, ft)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	stop := make(chan struct{})
	defer close(stop)
	go step(mock, time.Minute, stop)

	require.Eventually(t, func() bool {
		ft.mu.Lock()
		defer ft.mu.Unlock()
		return len(ft.registerTimes) >= 2
	}, 5*time.Second, time.Millisecond, "invalid session must trigger a fresh registration")

	cancel()
	<-done
}

func TestFailureThresholdDropsSession(t *testing.T) {
	ft := &fakeTransport{
		heartbeatErr: errors.New("deadline exceeded"),
		hbDone:       make(chan struct{}, 16),
	}
	cfg := Config{
		Interval:         50 * time.Millisecond,
		BackoffBase:      50 * time.Millisecond,
		BackoffMax:       200 * time.Millisecond,
		FailureThreshold: 3,
	}
	c, _, mock := newTestClient(t, cfg, ft)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	stop := make(chan struct{})
	defer close(stop)
	go step(mock, time.Minute, stop)

	require.Eventually(t, func() bool {
		ft.mu.Lock()
		defer ft.mu.Unlock()
		return len(ft.registerTimes) >= 2 && ft.hbCalls >= 3
	}, 5*time.Second, time.Millisecond, "threshold crossing must restart registration")

	cancel()
	<-done
}
