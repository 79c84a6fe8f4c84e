package proxy

import (
	"context"
	"log/slog"
	"net/netip"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	"github.com/stretchr/testify/require"

	"github.com/temporalxyz/shredstream-proxy/internal/config"
)

func forwardOnlyConfig() config.Config {
	return config.Config{
		ClientID:    "test-proxy",
		SrcBindAddr: netip.MustParseAddr("127.0.0.1"),
		SrcBindPort: 0,
		NumWorkers:  1,

		DestAddrs:   []string{"127.0.0.1:39999"},
		ForwardOnly: true,

		DedupWindow:   time.Second,
		EndpointGrace: time.Second,

		SendWriteTimeout: 50 * time.Millisecond,

		ProbeListenAddr:       "127.0.0.1:0",
		MetricsReportInterval: 0,
		ShutdownTimeout:       time.Second,
		LogLevel:              "error",
	}
}

func TestForwardOnlyStartStop(t *testing.T) {
	defer leaktest.CheckTimeout(t, 5*time.Second)()

	cfg := forwardOnlyConfig()
	require.NoError(t, cfg.Validate())

	logger := slog.New(slog.DiscardHandler)
	p, err := New(context.Background(), cfg, logger)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	// Give the pipeline a beat to come up, then stop it.
	time.Sleep(200 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("proxy did not stop after cancel")
	}
}

func TestNewRejectsUnresolvableDestination(t *testing.T) {
	cfg := forwardOnlyConfig()
	cfg.DestAddrs = []string{"not a hostport"}

	_, err := New(context.Background(), cfg, slog.New(slog.DiscardHandler))
	require.Error(t, err)
}
