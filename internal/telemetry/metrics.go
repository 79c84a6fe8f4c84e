// Package telemetry collects the proxy's counters and gauges and exposes them
// in prometheus exposition format. Hot-path counters are plain atomics bridged
// into the registry with CounterFunc, so a scrape never touches the packet
// loop and the orchestrator can log exact cumulative totals at exit.
package telemetry

import (
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "shredstream"

// Session state gauge values.
const (
	SessionUnregistered = 0
	SessionActive       = 1
	SessionDegraded     = 2
)

// Metrics owns a private prometheus registry so parallel proxies (and tests)
// never collide on collector registration.
type Metrics struct {
	registry *prometheus.Registry

	Received  atomic.Uint64
	Duplicate atomic.Uint64
	Forwarded atomic.Uint64
	Malformed atomic.Uint64
	Ignored   atomic.Uint64
	Sent      atomic.Uint64

	HeartbeatSuccess atomic.Uint64
	HeartbeatFailure atomic.Uint64

	sendFailures     *prometheus.CounterVec
	heartbeatLatency prometheus.Histogram
	sessionState     prometheus.Gauge
	consumerCount    prometheus.Gauge
	endpointVersion  prometheus.Gauge
}

// New builds an empty metrics set with all collectors registered.
func New() *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}

	counter := func(name, help string, v *atomic.Uint64) prometheus.CounterFunc {
		return prometheus.NewCounterFunc(
			prometheus.CounterOpts{Namespace: namespace, Name: name, Help: help},
			func() float64 { return float64(v.Load()) },
		)
	}

	m.sendFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "consumer_send_failures_total",
			Help:      "Failed outbound sends, labeled by consumer address.",
		},
		[]string{"consumer"},
	)
	m.heartbeatLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "heartbeat_latency_seconds",
		Help:      "Latency of control-plane heartbeat calls.",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 13),
	})
	m.sessionState = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "session_state",
		Help:      "Control-plane session state (0 unregistered, 1 active, 2 degraded).",
	})
	m.consumerCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "consumers",
		Help:      "Number of registered downstream consumers.",
	})
	m.endpointVersion = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "relay_endpoint_version",
		Help:      "Version of the current relay endpoint snapshot.",
	})

	startTime := time.Now()
	uptime := prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{Namespace: namespace, Name: "uptime_seconds", Help: "Process uptime in seconds."},
		func() float64 { return time.Since(startTime).Seconds() },
	)

	m.registry.MustRegister(
		counter("shreds_received_total", "Datagrams read from the ingress socket.", &m.Received),
		counter("shreds_duplicate_total", "Shreds dropped as duplicates within the dedup window.", &m.Duplicate),
		counter("shreds_forwarded_total", "Deduplicated shreds handed to the fan-out forwarder.", &m.Forwarded),
		counter("shreds_malformed_total", "Datagrams dropped for failing size or shape checks.", &m.Malformed),
		counter("shreds_ignored_total", "Datagrams dropped for arriving from a non-relay source.", &m.Ignored),
		counter("sends_total", "Successful outbound sends across all consumers.", &m.Sent),
		counter("heartbeat_success_total", "Successful control-plane heartbeats.", &m.HeartbeatSuccess),
		counter("heartbeat_failure_total", "Failed control-plane heartbeats.", &m.HeartbeatFailure),
		m.sendFailures,
		m.heartbeatLatency,
		m.sessionState,
		m.consumerCount,
		m.endpointVersion,
		uptime,
	)
	return m
}

// Handler serves the /metrics endpoint for this instance's registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ConsumerSendFailed(consumer string) {
	m.sendFailures.WithLabelValues(consumer).Inc()
}

func (m *Metrics) ObserveHeartbeat(ok bool, d time.Duration) {
	if ok {
		m.HeartbeatSuccess.Add(1)
	} else {
		m.HeartbeatFailure.Add(1)
	}
	m.heartbeatLatency.Observe(d.Seconds())
}

func (m *Metrics) SetSessionState(state int) {
	m.sessionState.Set(float64(state))
}

func (m *Metrics) SetConsumerCount(n int) {
	m.consumerCount.Set(float64(n))
}

func (m *Metrics) SetEndpointVersion(v uint64) {
	m.endpointVersion.Set(float64(v))
}
