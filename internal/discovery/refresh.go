// Package discovery keeps the downstream consumer set current: it
// re-resolves configured hostnames and optionally merges in addresses fetched
// from an HTTP JSON endpoint, replacing the registry snapshot wholesale.
package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/temporalxyz/shredstream-proxy/internal/forwarder"
)

const httpTimeout = 10 * time.Second

// Refresher periodically rebuilds the consumer registry from static
// host:port entries plus a discovery endpoint. A failed refresh keeps the
// previous set; destinations only ever change on success.
type Refresher struct {
	registry *forwarder.Registry
	static   []string
	url      string
	port     uint16
	interval time.Duration
	client   *http.Client
	resolver *net.Resolver
	clk      clock.Clock
	logger   *slog.Logger
}

// NewRefresher wires a refresher. url may be empty to only re-resolve static
// hostnames; port is attached to every discovered address.
func NewRefresher(
	registry *forwarder.Registry,
	static []string,
	url string,
	port uint16,
	interval time.Duration,
	clk clock.Clock,
	logger *slog.Logger,
) *Refresher {
	if interval <= 0 {
		interval = time.Minute
	}
	if clk == nil {
		clk = clock.New()
	}
	return &Refresher{
		registry: registry,
		static:   static,
		url:      url,
		port:     port,
		interval: interval,
		client:   &http.Client{Timeout: httpTimeout},
		resolver: net.DefaultResolver,
		clk:      clk,
		logger:   logger,
	}
}

// Run refreshes immediately, then on every tick until ctx is canceled.
func (r *Refresher) Run(ctx context.Context) error {
	if err := r.refresh(ctx); err != nil {
		r.logger.Warn("initial destination refresh failed", "error", err)
	}

	ticker := r.clk.Ticker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := r.refresh(ctx); err != nil {
				r.logger.Warn("destination refresh failed, keeping previous set", "error", err)
			}
		}
	}
}

func (r *Refresher) refresh(ctx context.Context) error {
	set := make(map[netip.AddrPort]struct{})

	for _, hp := range r.static {
		ap, err := ResolveHostPort(ctx, r.resolver, hp)
		if err != nil {
			return fmt.Errorf("resolve %q: %w", hp, err)
		}
		set[ap] = struct{}{}
	}

	if r.url != "" {
		discovered, err := r.fetch(ctx)
		if err != nil {
			return err
		}
		for _, a := range discovered {
			set[netip.AddrPortFrom(a, r.port)] = struct{}{}
		}
	}

	addrs := make([]netip.AddrPort, 0, len(set))
	for ap := range set {
		addrs = append(addrs, ap)
	}
	if r.registry.Replace(addrs) {
		r.logger.Info("consumer destinations updated", "consumers", len(addrs))
	}
	return nil
}

// fetch expects the discovery endpoint to return a JSON array of IP strings.
func (r *Refresher) fetch(ctx context.Context) ([]netip.Addr, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.url, nil)
	if err != nil {
		return nil, fmt.Errorf("build discovery request: %w", err)
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", r.url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch %s: unexpected status %s", r.url, resp.Status)
	}

	var raw []string
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, fmt.Errorf("decode discovery response: %w", err)
	}

	addrs := make([]netip.Addr, 0, len(raw))
	for _, s := range raw {
		a, err := netip.ParseAddr(strings.TrimSpace(s))
		if err != nil {
			r.logger.Warn("ignoring unparseable discovered endpoint", "endpoint", s)
			continue
		}
		addrs = append(addrs, a)
	}
	return addrs, nil
}

// ResolveHostPort resolves "host:port" to a single concrete address,
// preferring the first resolver answer.
func ResolveHostPort(ctx context.Context, resolver *net.Resolver, hostport string) (netip.AddrPort, error) {
	host, portStr, err := net.SplitHostPort(hostport)
	if err != nil {
		return netip.AddrPort{}, err
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("invalid port %q: %w", portStr, err)
	}

	if a, err := netip.ParseAddr(host); err == nil {
		return netip.AddrPortFrom(a, uint16(port)), nil
	}
	if resolver == nil {
		resolver = net.DefaultResolver
	}
	addrs, err := resolver.LookupNetIP(ctx, "ip", host)
	if err != nil {
		return netip.AddrPort{}, err
	}
	if len(addrs) == 0 {
		return netip.AddrPort{}, fmt.Errorf("no addresses for %q", host)
	}
	return netip.AddrPortFrom(addrs[0].Unmap(), uint16(port)), nil
}

// PublicIP fetches the proxy's advertised address from a plaintext what's-my-ip
// endpoint, used when no public IP is configured.
func PublicIP(ctx context.Context, url string) (netip.Addr, error) {
	client := &http.Client{Timeout: httpTimeout}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("build public ip request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("fetch public ip: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return netip.Addr{}, fmt.Errorf("fetch public ip: unexpected status %s", resp.Status)
	}

	body := make([]byte, 64)
	n, _ := resp.Body.Read(body)
	a, err := netip.ParseAddr(strings.TrimSpace(string(body[:n])))
	if err != nil {
		return netip.Addr{}, fmt.Errorf("parse public ip response: %w", err)
	}
	return a, nil
}
