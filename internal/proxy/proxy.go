// Package proxy assembles the shredstream pipeline and owns its lifecycle:
// ingress workers, the heartbeat client, destination refresh, the probe
// endpoint, and graceful shutdown.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/temporalxyz/shredstream-proxy/internal/config"
	"github.com/temporalxyz/shredstream-proxy/internal/dedup"
	"github.com/temporalxyz/shredstream-proxy/internal/discovery"
	"github.com/temporalxyz/shredstream-proxy/internal/forwarder"
	"github.com/temporalxyz/shredstream-proxy/internal/heartbeat"
	"github.com/temporalxyz/shredstream-proxy/internal/ingress"
	"github.com/temporalxyz/shredstream-proxy/internal/relay"
	"github.com/temporalxyz/shredstream-proxy/internal/telemetry"
)

type Proxy struct {
	cfg     config.Config
	logger  *slog.Logger
	metrics *telemetry.Metrics

	endpoints *relay.EndpointSet
	registry  *forwarder.Registry
	ingress   *ingress.Ingress
	refresher *discovery.Refresher

	// nil in forward-only mode.
	hb          *heartbeat.Client
	hbTransport *heartbeat.GRPCTransport

	health *HealthStatus
}

// New resolves destinations, binds the ingress socket, and wires every
// component. Errors here are startup-fatal by design: no socket, no stream.
func New(ctx context.Context, cfg config.Config, logger *slog.Logger) (*Proxy, error) {
	metrics := telemetry.New()
	clk := clock.New()

	seed := make([]netip.AddrPort, 0, len(cfg.DestAddrs))
	for _, d := range cfg.DestAddrs {
		ap, err := discovery.ResolveHostPort(ctx, nil, d)
		if err != nil {
			return nil, fmt.Errorf("resolve destination %q: %w", d, err)
		}
		seed = append(seed, ap)
	}
	registry := forwarder.NewRegistry(seed, metrics)
	endpoints := relay.NewEndpointSet(cfg.EndpointGrace, clk)
	window := dedup.NewWindow(cfg.DedupWindow, cfg.DedupMaxEntries, clk)

	ing, err := ingress.New(ingress.Config{
		BindAddr:        cfg.SrcBindAddr,
		BindPort:        cfg.SrcBindPort,
		Workers:         cfg.NumWorkers,
		MaxSendFailures: cfg.MaxSendFailures,
		WriteTimeout:    cfg.SendWriteTimeout,
		TraceShreds:     cfg.TraceShreds,
	}, window, endpoints, registry, metrics, logger)
	if err != nil {
		return nil, fmt.Errorf("ingress: %w", err)
	}

	p := &Proxy{
		cfg:       cfg,
		logger:    logger,
		metrics:   metrics,
		endpoints: endpoints,
		registry:  registry,
		ingress:   ing,
		health:    NewHealthStatus(),
	}

	if cfg.EndpointDiscoveryURL != "" || len(cfg.DestAddrs) > 0 {
		p.refresher = discovery.NewRefresher(
			registry,
			cfg.DestAddrs,
			cfg.EndpointDiscoveryURL,
			cfg.DiscoveredEndpointsPort,
			cfg.DestRefreshInterval,
			clk,
			logger,
		)
	}

	if !cfg.ForwardOnly {
		tlsCfg, err := cfg.TLSConfig()
		if err != nil {
			_ = ing.Close()
			return nil, fmt.Errorf("tls config: %w", err)
		}
		identity, err := p.buildIdentity(ctx)
		if err != nil {
			_ = ing.Close()
			return nil, err
		}
		p.hbTransport = heartbeat.NewGRPCTransport(
			cfg.BlockEngineAddr, tlsCfg, cfg.AuthToken,
			cfg.RegisterMethod, cfg.HeartbeatMethod, logger,
		)
		p.hb = heartbeat.NewClient(heartbeat.Config{
			Identity:         identity,
			Interval:         cfg.HeartbeatInterval,
			Timeout:          cfg.HeartbeatTimeout,
			BackoffMax:       cfg.HeartbeatBackoffMax,
			FailureThreshold: cfg.HeartbeatFailureThreshold,
		}, p.hbTransport, endpoints, metrics, logger, clk)
	}

	return p, nil
}

// buildIdentity determines the address the relay should stream shreds to.
func (p *Proxy) buildIdentity(ctx context.Context) (heartbeat.Identity, error) {
	ip := p.cfg.PublicIP
	if !ip.IsValid() {
		fetched, err := discovery.PublicIP(ctx, p.cfg.PublicIPURL)
		if err != nil {
			return heartbeat.Identity{}, fmt.Errorf("determine public ip (set SHREDSTREAM_PUBLIC_IP to override): %w", err)
		}
		p.logger.Info("using fetched public ip", "ip", fetched.String())
		ip = fetched
	}
	listen := netip.AddrPortFrom(ip, p.ingress.LocalAddr().Port())
	return heartbeat.Identity{
		ClientID:   p.cfg.ClientID,
		ListenAddr: listen.String(),
		Regions:    p.cfg.Regions,
	}, nil
}

// Run blocks until ctx is canceled or the pipeline fails. SIGINT/SIGTERM
// start a graceful stop bounded by ShutdownTimeout; a second signal forces
// immediate exit.
func (p *Proxy) Run(ctx context.Context) error {
	p.logger.Info("starting shredstream proxy",
		"client_id", p.cfg.ClientID,
		"listen", p.ingress.LocalAddr().String(),
		"consumers", p.registry.Len(),
		"forward_only", p.cfg.ForwardOnly)

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	runErrCh := make(chan error, 1)
	go func() {
		runErrCh <- p.run(runCtx)
	}()

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	var runErr error
	select {
	case runErr = <-runErrCh:
		// Pipeline terminated on its own.
	case sig := <-sigCh:
		p.logger.Info("shutdown signal received", "signal", sig.String(), "timeout", p.cfg.ShutdownTimeout)
		cancelRun()

		graceTimer := time.NewTimer(p.cfg.ShutdownTimeout)
		defer graceTimer.Stop()

		select {
		case runErr = <-runErrCh:
		case sig2 := <-sigCh:
			p.logger.Warn("second signal received, forcing immediate shutdown", "signal", sig2.String())
			runErr = context.Canceled
		case <-graceTimer.C:
			p.logger.Warn("graceful shutdown timeout reached, forcing shutdown")
			runErr = context.DeadlineExceeded
		}
	}

	p.shutdown()

	if runErr != nil && !errors.Is(runErr, context.Canceled) && !errors.Is(runErr, context.DeadlineExceeded) {
		return runErr
	}
	p.logger.Info("shredstream proxy stopped")
	return nil
}

func (p *Proxy) run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer p.health.SetIngressRunning(false)
		p.health.SetIngressRunning(true)
		return p.ingress.Run(gctx)
	})
	if p.hb != nil {
		g.Go(func() error {
			return p.hb.Run(gctx)
		})
	}
	if p.refresher != nil {
		g.Go(func() error {
			return p.refresher.Run(gctx)
		})
	}
	g.Go(func() error {
		return p.runProbeListener(gctx)
	})
	g.Go(func() error {
		return p.runStatsLoop(gctx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// runStatsLoop periodically logs throughput deltas so an operator tailing the
// log can see the stream without a metrics scraper.
func (p *Proxy) runStatsLoop(ctx context.Context) error {
	if p.cfg.MetricsReportInterval <= 0 {
		<-ctx.Done()
		return nil
	}
	t := time.NewTicker(p.cfg.MetricsReportInterval)
	defer t.Stop()

	var lastReceived, lastForwarded, lastDuplicate uint64
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			received := p.metrics.Received.Load()
			forwarded := p.metrics.Forwarded.Load()
			duplicate := p.metrics.Duplicate.Load()
			p.logger.Info("shred stats",
				"received", received-lastReceived,
				"forwarded", forwarded-lastForwarded,
				"duplicate", duplicate-lastDuplicate,
				"consumers", p.registry.Len(),
			)
			if received > lastReceived {
				p.health.MarkShreds(time.Now())
			}
			lastReceived, lastForwarded, lastDuplicate = received, forwarded, duplicate
		}
	}
}

func (p *Proxy) shutdown() {
	var err error
	err = multierr.Append(err, p.ingress.Close())
	if p.hbTransport != nil {
		err = multierr.Append(err, p.hbTransport.Close())
	}
	if err != nil {
		p.logger.Warn("shutdown cleanup", "error", err)
	}

	p.logger.Info("final shred totals",
		"received", p.metrics.Received.Load(),
		"forwarded", p.metrics.Forwarded.Load(),
		"duplicate", p.metrics.Duplicate.Load(),
		"malformed", p.metrics.Malformed.Load(),
		"sends", p.metrics.Sent.Load(),
	)
}

// BuildLogger follows the configured level and format.
func BuildLogger(cfg config.Config) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	hOpts := &slog.HandlerOptions{Level: level}
	if cfg.LogJSON {
		return slog.New(slog.NewJSONHandler(os.Stdout, hOpts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, hOpts))
}
