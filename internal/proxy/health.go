package proxy

import (
	"sync/atomic"
	"time"
)

type HealthStatus struct {
	ingressRunning atomic.Bool
	lastShredAt    atomic.Int64
}

func NewHealthStatus() *HealthStatus {
	return &HealthStatus{}
}

func (h *HealthStatus) SetIngressRunning(ok bool) {
	h.ingressRunning.Store(ok)
}

func (h *HealthStatus) MarkShreds(ts time.Time) {
	h.lastShredAt.Store(ts.UnixNano())
}

func (h *HealthStatus) Snapshot() map[string]any {
	out := map[string]any{
		"ingress_running": h.ingressRunning.Load(),
	}
	if v := h.lastShredAt.Load(); v > 0 {
		out["last_shreds_at"] = time.Unix(0, v).UTC()
	}
	return out
}
