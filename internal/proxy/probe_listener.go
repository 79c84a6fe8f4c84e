package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"
)

// runProbeListener serves the liveness endpoint and the Prometheus scrape
// endpoint on the probe address.
func (p *Proxy) runProbeListener(ctx context.Context) error {
	addr := strings.TrimSpace(p.cfg.ProbeListenAddr)
	if addr == "" {
		<-ctx.Done()
		return nil
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen probe endpoint %s: %w", addr, err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", p.handleHealthz)
	mux.Handle("/metrics", p.metrics.Handler())

	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 2 * time.Second,
	}

	p.logger.Info("probe endpoint listening", "addr", addr)

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutCtx)
	}()

	if serveErr := srv.Serve(ln); serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
		return fmt.Errorf("serve probe endpoint %s: %w", addr, serveErr)
	}
	return nil
}

func (p *Proxy) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	snap := p.health.Snapshot()
	snap["consumers"] = p.registry.Len()
	if p.hb != nil {
		snap["session_state"] = p.hb.State().String()
	}

	status := http.StatusOK
	if ok, _ := snap["ingress_running"].(bool); !ok {
		status = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(snap)
}
