// Package forwarder republishes deduplicated shreds to every registered
// downstream consumer over UDP. Sends are fire-and-forget: no retries, no
// ordering, a failed consumer never delays the others.
package forwarder

import (
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"time"
)

const defaultWriteTimeout = 50 * time.Millisecond

// Forwarder fans one shred out to the current registry snapshot. Each ingress
// worker owns its own Forwarder (and send socket), so Forward is not safe for
// concurrent use; the shared Registry is.
type Forwarder struct {
	registry     *Registry
	conn         *net.UDPConn
	writeTimeout time.Duration

	// maxFailures evicts a consumer after that many consecutive failed
	// sends; zero keeps failing consumers registered forever.
	maxFailures int
	failures    map[netip.AddrPort]int

	logger *slog.Logger
}

// New opens an ephemeral send socket for one forwarding worker.
func New(registry *Registry, maxFailures int, writeTimeout time.Duration, logger *slog.Logger) (*Forwarder, error) {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{})
	if err != nil {
		return nil, fmt.Errorf("open forward socket: %w", err)
	}
	if writeTimeout <= 0 {
		writeTimeout = defaultWriteTimeout
	}
	return &Forwarder{
		registry:     registry,
		conn:         conn,
		writeTimeout: writeTimeout,
		maxFailures:  maxFailures,
		failures:     make(map[netip.AddrPort]int),
		logger:       logger,
	}, nil
}

// Forward sends payload to every consumer in the current snapshot and returns
// the number of successful sends. Failures are counted per consumer and do
// not abort the remaining sends.
func (f *Forwarder) Forward(payload []byte) int {
	consumers := f.registry.Snapshot()
	if len(consumers) == 0 {
		return 0
	}

	// One deadline bounds the whole fan-out; UDP writes only block when the
	// local socket buffer is full, so this trips rarely.
	_ = f.conn.SetWriteDeadline(time.Now().Add(f.writeTimeout))

	sent := 0
	for _, ap := range consumers {
		if _, err := f.conn.WriteToUDPAddrPort(payload, ap); err != nil {
			f.sendFailed(ap, err)
			continue
		}
		sent++
		if f.maxFailures > 0 {
			delete(f.failures, ap)
		}
	}
	if m := f.registry.metrics; m != nil {
		m.Sent.Add(uint64(sent))
	}
	return sent
}

func (f *Forwarder) sendFailed(ap netip.AddrPort, err error) {
	if m := f.registry.metrics; m != nil {
		m.ConsumerSendFailed(ap.String())
	}
	if f.maxFailures <= 0 {
		return
	}
	f.failures[ap]++
	if f.failures[ap] >= f.maxFailures {
		delete(f.failures, ap)
		if f.registry.Remove(ap) {
			f.logger.Warn("evicting consumer after sustained send failures",
				"consumer", ap.String(), "consecutive_failures", f.maxFailures, "error", err)
		}
	}
}

// Close releases the send socket.
func (f *Forwarder) Close() error {
	return f.conn.Close()
}
