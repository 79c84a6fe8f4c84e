// Package ingress owns the UDP listen socket and the hot receive loops:
// read datagrams in batches, filter by relay source, validate shape,
// deduplicate, and hand novel shreds to the fan-out forwarder.
package ingress

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"os"
	"time"

	"golang.org/x/net/ipv4"
	"golang.org/x/sync/errgroup"

	"github.com/temporalxyz/shredstream-proxy/internal/dedup"
	"github.com/temporalxyz/shredstream-proxy/internal/forwarder"
	"github.com/temporalxyz/shredstream-proxy/internal/relay"
	"github.com/temporalxyz/shredstream-proxy/internal/shred"
	"github.com/temporalxyz/shredstream-proxy/internal/telemetry"
)

const (
	batchSize = 64

	// readInterval bounds how long a worker sleeps in a read before
	// rechecking for shutdown.
	readInterval = 250 * time.Millisecond
)

// Config wires an Ingress. Workers defaults to a small constant; shred
// ingestion saturates well before one loop per core helps.
type Config struct {
	BindAddr netip.Addr
	BindPort uint16
	Workers  int

	// MaxSendFailures and WriteTimeout are handed to the per-worker
	// forwarders.
	MaxSendFailures int
	WriteTimeout    time.Duration

	TraceShreds bool
}

// Ingress receives the shred stream and drives the dedup+forward pipeline.
type Ingress struct {
	cfg       Config
	conn      *net.UDPConn
	window    *dedup.Window
	endpoints *relay.EndpointSet
	registry  *forwarder.Registry
	metrics   *telemetry.Metrics
	logger    *slog.Logger
}

// New binds the listen socket. A bind failure here is process-fatal: without
// the socket there is no stream, so the caller aborts startup.
func New(
	cfg Config,
	window *dedup.Window,
	endpoints *relay.EndpointSet,
	registry *forwarder.Registry,
	metrics *telemetry.Metrics,
	logger *slog.Logger,
) (*Ingress, error) {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	network := "udp"
	if cfg.BindAddr.Is4() {
		network = "udp4"
	}
	conn, err := net.ListenUDP(network, &net.UDPAddr{
		IP:   cfg.BindAddr.AsSlice(),
		Port: int(cfg.BindPort),
	})
	if err != nil {
		return nil, fmt.Errorf("bind %s:%d: %w", cfg.BindAddr, cfg.BindPort, err)
	}
	return &Ingress{
		cfg:       cfg,
		conn:      conn,
		window:    window,
		endpoints: endpoints,
		registry:  registry,
		metrics:   metrics,
		logger:    logger,
	}, nil
}

// LocalAddr returns the bound listen address, useful when BindPort was zero.
func (in *Ingress) LocalAddr() netip.AddrPort {
	return in.conn.LocalAddr().(*net.UDPAddr).AddrPort()
}

// Run starts the receive workers and blocks until ctx is canceled. Each
// worker owns its read buffers and its own send socket; the dedup window,
// endpoint set, and consumer registry are the only shared state.
func (in *Ingress) Run(ctx context.Context) error {
	in.logger.Info("ingress listening",
		"addr", in.LocalAddr().String(), "workers", in.cfg.Workers)

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < in.cfg.Workers; i++ {
		g.Go(func() error {
			fwd, err := forwarder.New(in.registry, in.cfg.MaxSendFailures, in.cfg.WriteTimeout, in.logger)
			if err != nil {
				return err
			}
			defer fwd.Close()
			return in.runWorker(gctx, fwd)
		})
	}
	err := g.Wait()
	if err != nil && ctx.Err() != nil {
		return nil
	}
	return err
}

// Close releases the listen socket, unblocking any worker still in a read.
func (in *Ingress) Close() error {
	return in.conn.Close()
}

func (in *Ingress) runWorker(ctx context.Context, fwd *forwarder.Forwarder) error {
	// Batch reads (recvmmsg) only work on an IPv4 socket; elsewhere fall
	// back to one datagram per syscall.
	if in.cfg.BindAddr.Is4() {
		return in.runBatchWorker(ctx, fwd)
	}
	return in.runSingleWorker(ctx, fwd)
}

func (in *Ingress) runBatchWorker(ctx context.Context, fwd *forwarder.Forwarder) error {
	pc := ipv4.NewPacketConn(in.conn)
	msgs := make([]ipv4.Message, batchSize)
	for i := range msgs {
		// One byte beyond MaxSize so oversized datagrams are observable
		// as N > MaxSize instead of silently truncating to a valid size.
		msgs[i].Buffers = [][]byte{make([]byte, shred.MaxSize+1)}
	}

	batchWorked := false
	for {
		if err := ctx.Err(); err != nil {
			return nil
		}
		_ = pc.SetReadDeadline(time.Now().Add(readInterval))
		n, err := pc.ReadBatch(msgs, 0)
		if err != nil {
			if isTimeout(err) {
				continue
			}
			if errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				return nil
			}
			if !batchWorked {
				in.logger.Warn("batch reads unavailable, using single-datagram reads", "error", err)
				return in.runSingleWorker(ctx, fwd)
			}
			in.logger.Warn("batch read failed", "error", err)
			continue
		}
		batchWorked = true
		for i := 0; i < n; i++ {
			in.process(msgs[i].Buffers[0][:msgs[i].N], msgs[i].Addr, fwd)
		}
	}
}

func (in *Ingress) runSingleWorker(ctx context.Context, fwd *forwarder.Forwarder) error {
	buf := make([]byte, shred.MaxSize+1)
	for {
		if err := ctx.Err(); err != nil {
			return nil
		}
		_ = in.conn.SetReadDeadline(time.Now().Add(readInterval))
		n, addr, err := in.conn.ReadFromUDP(buf)
		if err != nil {
			if isTimeout(err) {
				continue
			}
			if errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("read shred datagram: %w", err)
		}
		in.process(buf[:n], addr, fwd)
	}
}

// process runs the full per-datagram pipeline. payload aliases the worker's
// read buffer and is not retained past the forward call.
func (in *Ingress) process(payload []byte, src net.Addr, fwd *forwarder.Forwarder) {
	in.metrics.Received.Add(1)

	if ua, ok := src.(*net.UDPAddr); ok {
		if !in.endpoints.Allows(ua.AddrPort().Addr().Unmap()) {
			in.metrics.Ignored.Add(1)
			return
		}
	}
	if err := shred.Validate(payload); err != nil {
		in.metrics.Malformed.Add(1)
		return
	}
	if in.window.TestAndInsert(shred.Key(payload)) {
		in.metrics.Duplicate.Add(1)
		return
	}

	in.metrics.Forwarded.Add(1)
	fwd.Forward(payload)

	if in.cfg.TraceShreds {
		if h, err := shred.ParseHeader(payload); err == nil {
			in.logger.Debug("forwarded shred",
				"slot", h.Slot, "index", h.Index, "variant", h.Variant, "source", src.String())
		}
	}
}

func isTimeout(err error) bool {
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	return errors.Is(err, os.ErrDeadlineExceeded)
}
