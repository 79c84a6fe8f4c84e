// Package heartbeat keeps the proxy registered with the relay control plane.
// A state machine drives registration, periodic heartbeats, backoff on
// failure, and re-registration when the relay invalidates the session; relay
// endpoint updates carried on responses are published to ingress.
package heartbeat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"net/netip"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/temporalxyz/shredstream-proxy/internal/relay"
	"github.com/temporalxyz/shredstream-proxy/internal/telemetry"
)

// Identity is what the proxy announces when registering.
type Identity struct {
	ClientID   string
	ListenAddr string
	Regions    []string
}

// Session is the relay-issued control-plane session.
type Session struct {
	ID string
}

// Result is a heartbeat response. Valid=false means the relay no longer
// recognizes the session and the client must re-register.
type Result struct {
	Valid     bool
	Endpoints []string
}

// Transport performs the two control-plane calls. Implementations must honor
// the context deadline; the client sets one on every call.
type Transport interface {
	Register(ctx context.Context, id Identity) (Session, []string, error)
	Heartbeat(ctx context.Context, s Session) (Result, error)
}

// ErrSessionInvalidated reports that the relay explicitly rejected the
// session. It forces immediate re-registration and is never fatal.
var ErrSessionInvalidated = errors.New("control-plane session invalidated")

// State of the control-plane session.
type State int32

const (
	StateUnregistered State = iota
	StateActive
	StateDegraded
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateDegraded:
		return "degraded"
	default:
		return "unregistered"
	}
}

// Config tunes the client's cadence and resilience policy.
type Config struct {
	Identity Identity

	// Interval is the heartbeat cadence while the session is healthy.
	Interval time.Duration

	// Timeout bounds every control-plane call so a hung call never starves
	// the cadence.
	Timeout time.Duration

	// BackoffBase and BackoffMax bound the exponential retry backoff for
	// failed registrations and degraded heartbeats.
	BackoffBase time.Duration
	BackoffMax  time.Duration

	// FailureThreshold is how many consecutive heartbeat failures drop the
	// session back to unregistered.
	FailureThreshold int
}

func (c *Config) applyDefaults() {
	if c.Interval <= 0 {
		c.Interval = time.Second
	}
	if c.Timeout <= 0 {
		c.Timeout = 5 * time.Second
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 500 * time.Millisecond
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = 30 * time.Second
	}
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 3
	}
}

// Client runs the discovery/heartbeat loop. It never gives up: any terminal
// session failure restarts registration, because a proxy without discovery
// silently loses the stream.
type Client struct {
	cfg       Config
	transport Transport
	endpoints *relay.EndpointSet
	metrics   *telemetry.Metrics
	logger    *slog.Logger
	clk       clock.Clock

	state       atomic.Int32
	lastSuccess atomic.Int64
}

// NewClient wires a client. clk may be nil for wall time.
func NewClient(
	cfg Config,
	transport Transport,
	endpoints *relay.EndpointSet,
	metrics *telemetry.Metrics,
	logger *slog.Logger,
	clk clock.Clock,
) *Client {
	cfg.applyDefaults()
	if clk == nil {
		clk = clock.New()
	}
	return &Client{
		cfg:       cfg,
		transport: transport,
		endpoints: endpoints,
		metrics:   metrics,
		logger:    logger,
		clk:       clk,
	}
}

// State returns the current session state.
func (c *Client) State() State {
	return State(c.state.Load())
}

// LastSuccess returns when the last control-plane call succeeded, zero time
// before the first success.
func (c *Client) LastSuccess() time.Time {
	v := c.lastSuccess.Load()
	if v == 0 {
		return time.Time{}
	}
	return time.Unix(0, v)
}

// Run blocks until ctx is canceled, cycling register -> heartbeat ->
// (degrade) -> re-register forever.
func (c *Client) Run(ctx context.Context) error {
	for {
		sess, err := c.register(ctx)
		if err != nil {
			return nil // only context cancellation escapes register
		}
		err = c.heartbeatLoop(ctx, sess)
		if ctx.Err() != nil {
			return nil
		}
		c.setState(StateUnregistered)
		c.logger.Warn("control-plane session lost, re-registering", "error", err)
	}
}

// register retries until it succeeds or ctx is canceled, with exponential
// backoff between attempts.
func (c *Client) register(ctx context.Context) (Session, error) {
	attempt := 0
	for {
		callCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
		sess, eps, err := c.transport.Register(callCtx, c.cfg.Identity)
		cancel()
		if err == nil {
			c.setState(StateActive)
			c.markSuccess()
			c.publish(eps)
			c.logger.Info("registered with relay control plane",
				"session", sess.ID, "endpoints", len(eps))
			return sess, nil
		}

		wait := c.backoff(attempt)
		attempt++
		c.logger.Warn("registration failed, backing off",
			"attempt", attempt, "retry_in", wait, "error", err)
		if !c.sleep(ctx, wait) {
			return Session{}, ctx.Err()
		}
	}
}

// heartbeatLoop sends heartbeats at the configured cadence while healthy and
// with exponential backoff while degraded. It returns when the session is
// invalidated or the failure threshold is crossed.
func (c *Client) heartbeatLoop(ctx context.Context, sess Session) error {
	failures := 0
	for {
		var wait time.Duration
		if failures == 0 {
			wait = c.cfg.Interval
		} else {
			wait = c.backoff(failures - 1)
		}
		if !c.sleep(ctx, wait) {
			return ctx.Err()
		}

		callCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
		start := c.clk.Now()
		res, err := c.transport.Heartbeat(callCtx, sess)
		elapsed := c.clk.Now().Sub(start)
		cancel()

		switch {
		case err != nil:
			failures++
			c.metrics.ObserveHeartbeat(false, elapsed)
			c.setState(StateDegraded)
			c.logger.Warn("heartbeat failed",
				"session", sess.ID, "consecutive_failures", failures, "error", err)
			if failures >= c.cfg.FailureThreshold {
				return fmt.Errorf("%d consecutive heartbeat failures: %w", failures, err)
			}

		case !res.Valid:
			c.metrics.ObserveHeartbeat(false, elapsed)
			return ErrSessionInvalidated

		default:
			failures = 0
			c.metrics.ObserveHeartbeat(true, elapsed)
			c.setState(StateActive)
			c.markSuccess()
			c.publish(res.Endpoints)
		}
	}
}

// publish parses endpoint strings ("ip" or "ip:port") and swaps them into the
// shared endpoint set when changed. Unparseable entries are skipped.
func (c *Client) publish(endpoints []string) {
	if len(endpoints) == 0 {
		return
	}
	addrs := make([]netip.Addr, 0, len(endpoints))
	for _, e := range endpoints {
		if ap, err := netip.ParseAddrPort(e); err == nil {
			addrs = append(addrs, ap.Addr())
			continue
		}
		if a, err := netip.ParseAddr(e); err == nil {
			addrs = append(addrs, a)
			continue
		}
		c.logger.Warn("ignoring unparseable relay endpoint", "endpoint", e)
	}
	if len(addrs) == 0 {
		return
	}
	if c.endpoints.Publish(addrs) {
		c.metrics.SetEndpointVersion(c.endpoints.Version())
		c.logger.Info("relay endpoints updated",
			"version", c.endpoints.Version(), "endpoints", len(addrs))
	}
}

func (c *Client) backoff(attempt int) time.Duration {
	wait := c.cfg.BackoffBase
	for i := 0; i < attempt; i++ {
		wait *= 2
		if wait >= c.cfg.BackoffMax {
			wait = c.cfg.BackoffMax
			break
		}
	}
	// Up to 10% jitter keeps restarting proxies from synchronizing.
	if wait < c.cfg.BackoffMax {
		wait += time.Duration(rand.Int63n(int64(wait)/10 + 1))
	}
	return wait
}

func (c *Client) sleep(ctx context.Context, d time.Duration) bool {
	t := c.clk.Timer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func (c *Client) setState(s State) {
	if State(c.state.Swap(int32(s))) != s {
		c.metrics.SetSessionState(int(s))
	}
}

func (c *Client) markSuccess() {
	c.lastSuccess.Store(c.clk.Now().UnixNano())
}
