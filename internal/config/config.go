// Package config loads the proxy's process configuration from the
// environment. CLI and file layers sit above this and are out of scope here.
package config

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net/netip"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"
)

const Version = "0.3"

const (
	defaultRegisterMethod  = "/shredstream.v1.Relay/Register"
	defaultHeartbeatMethod = "/shredstream.v1.Relay/Heartbeat"
	defaultPublicIPURL     = "https://ifconfig.me/ip"
)

type Config struct {
	ClientID string

	// Ingress socket.
	SrcBindAddr netip.Addr
	SrcBindPort uint16
	NumWorkers  int

	// Static consumer destinations, host:port.
	DestAddrs []string

	// HTTP endpoint discovery for additional consumers; both or neither.
	EndpointDiscoveryURL    string
	DiscoveredEndpointsPort uint16
	DestRefreshInterval     time.Duration

	// Control plane. ForwardOnly skips registration entirely and forwards
	// whatever arrives on the ingress socket.
	ForwardOnly               bool
	BlockEngineAddr           string
	AuthToken                 string
	Regions                   []string
	RegisterMethod            string
	HeartbeatMethod           string
	HeartbeatInterval         time.Duration
	HeartbeatTimeout          time.Duration
	HeartbeatBackoffMax       time.Duration
	HeartbeatFailureThreshold int

	// Advertised address for registration; fetched from PublicIPURL when
	// unset.
	PublicIP    netip.Addr
	PublicIPURL string

	// Dedup.
	DedupWindow     time.Duration
	DedupMaxEntries int

	// Endpoint re-homing overlap.
	EndpointGrace time.Duration

	// Forwarding.
	SendWriteTimeout time.Duration
	MaxSendFailures  int
	TraceShreds      bool

	// Operations.
	ProbeListenAddr       string
	MetricsReportInterval time.Duration
	ShutdownTimeout       time.Duration
	LogJSON               bool
	LogLevel              string

	// Control-plane TLS.
	TLSEnabled    bool
	TLSSkipVerify bool
	TLSCAPath     string
	TLSCertPath   string
	TLSKeyPath    string
}

func Load() (Config, error) {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown-host"
	}

	bindAddr, err := envAddr("SHREDSTREAM_SRC_BIND_ADDR", netip.IPv4Unspecified())
	if err != nil {
		return Config{}, err
	}
	publicIP, err := envAddr("SHREDSTREAM_PUBLIC_IP", netip.Addr{})
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		ClientID:    env("SHREDSTREAM_CLIENT_ID", hostname),
		SrcBindAddr: bindAddr,
		SrcBindPort: uint16(envInt("SHREDSTREAM_SRC_BIND_PORT", 20000)),
		NumWorkers:  envInt("SHREDSTREAM_NUM_WORKERS", min(4, runtime.GOMAXPROCS(0))),

		DestAddrs: envList("SHREDSTREAM_DEST_IP_PORTS"),

		EndpointDiscoveryURL:    env("SHREDSTREAM_ENDPOINT_DISCOVERY_URL", ""),
		DiscoveredEndpointsPort: uint16(envInt("SHREDSTREAM_DISCOVERED_ENDPOINTS_PORT", 0)),
		DestRefreshInterval:     envDuration("SHREDSTREAM_DEST_REFRESH_INTERVAL", time.Minute),

		ForwardOnly:               envBool("SHREDSTREAM_FORWARD_ONLY", false),
		BlockEngineAddr:           env("SHREDSTREAM_BLOCK_ENGINE_ADDR", ""),
		AuthToken:                 env("SHREDSTREAM_AUTH_TOKEN", ""),
		Regions:                   envList("SHREDSTREAM_DESIRED_REGIONS"),
		RegisterMethod:            env("SHREDSTREAM_GRPC_REGISTER_METHOD", defaultRegisterMethod),
		HeartbeatMethod:           env("SHREDSTREAM_GRPC_HEARTBEAT_METHOD", defaultHeartbeatMethod),
		HeartbeatInterval:         envDuration("SHREDSTREAM_HEARTBEAT_INTERVAL", time.Second),
		HeartbeatTimeout:          envDuration("SHREDSTREAM_HEARTBEAT_TIMEOUT", 5*time.Second),
		HeartbeatBackoffMax:       envDuration("SHREDSTREAM_HEARTBEAT_BACKOFF_MAX", 30*time.Second),
		HeartbeatFailureThreshold: envInt("SHREDSTREAM_HEARTBEAT_FAILURE_THRESHOLD", 3),

		PublicIP:    publicIP,
		PublicIPURL: env("SHREDSTREAM_PUBLIC_IP_URL", defaultPublicIPURL),

		DedupWindow:     envDuration("SHREDSTREAM_DEDUP_WINDOW", 2*time.Second),
		DedupMaxEntries: envInt("SHREDSTREAM_DEDUP_MAX_ENTRIES", 0),

		EndpointGrace: envDuration("SHREDSTREAM_ENDPOINT_GRACE", 10*time.Second),

		SendWriteTimeout: envDuration("SHREDSTREAM_SEND_WRITE_TIMEOUT", 50*time.Millisecond),
		MaxSendFailures:  envInt("SHREDSTREAM_MAX_SEND_FAILURES", 0),
		TraceShreds:      envBool("SHREDSTREAM_DEBUG_TRACE_SHRED", false),

		ProbeListenAddr:       env("SHREDSTREAM_PROBE_ADDR", "0.0.0.0:7072"),
		MetricsReportInterval: envDuration("SHREDSTREAM_METRICS_REPORT_INTERVAL", 15*time.Second),
		ShutdownTimeout:       envDuration("SHREDSTREAM_SHUTDOWN_TIMEOUT", 10*time.Second),
		LogJSON:               envBool("SHREDSTREAM_LOG_JSON", false),
		LogLevel:              strings.ToLower(env("SHREDSTREAM_LOG_LEVEL", "info")),

		TLSEnabled:    envBool("SHREDSTREAM_TLS_ENABLED", false),
		TLSSkipVerify: envBool("SHREDSTREAM_TLS_SKIP_VERIFY", false),
		TLSCAPath:     env("SHREDSTREAM_TLS_CA_PATH", ""),
		TLSCertPath:   env("SHREDSTREAM_TLS_CERT_PATH", ""),
		TLSKeyPath:    env("SHREDSTREAM_TLS_KEY_PATH", ""),
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.ClientID == "" {
		return errors.New("SHREDSTREAM_CLIENT_ID is required")
	}
	if !c.SrcBindAddr.IsValid() {
		return errors.New("SHREDSTREAM_SRC_BIND_ADDR must be a valid IP")
	}
	if c.NumWorkers <= 0 {
		return errors.New("SHREDSTREAM_NUM_WORKERS must be > 0")
	}

	hasDiscovery := c.EndpointDiscoveryURL != ""
	if hasDiscovery != (c.DiscoveredEndpointsPort != 0) {
		return errors.New("SHREDSTREAM_ENDPOINT_DISCOVERY_URL and SHREDSTREAM_DISCOVERED_ENDPOINTS_PORT must be set together")
	}
	if len(c.DestAddrs) == 0 && !hasDiscovery {
		return errors.New("no destinations: set SHREDSTREAM_DEST_IP_PORTS or SHREDSTREAM_ENDPOINT_DISCOVERY_URL")
	}
	for _, d := range c.DestAddrs {
		if !strings.Contains(d, ":") {
			return fmt.Errorf("destination %q must be host:port", d)
		}
	}

	if !c.ForwardOnly {
		if c.BlockEngineAddr == "" {
			return errors.New("SHREDSTREAM_BLOCK_ENGINE_ADDR is required unless SHREDSTREAM_FORWARD_ONLY is set")
		}
		if len(c.Regions) == 0 {
			return errors.New("SHREDSTREAM_DESIRED_REGIONS is required unless SHREDSTREAM_FORWARD_ONLY is set")
		}
		if c.HeartbeatInterval <= 0 || c.HeartbeatTimeout <= 0 {
			return errors.New("heartbeat interval and timeout must be > 0")
		}
		if c.HeartbeatFailureThreshold <= 0 {
			return errors.New("SHREDSTREAM_HEARTBEAT_FAILURE_THRESHOLD must be > 0")
		}
	}

	if c.DedupWindow <= 0 {
		return errors.New("SHREDSTREAM_DEDUP_WINDOW must be > 0")
	}
	if c.ShutdownTimeout <= 0 {
		return errors.New("SHREDSTREAM_SHUTDOWN_TIMEOUT must be > 0")
	}
	if strings.TrimSpace(c.ProbeListenAddr) == "" {
		return errors.New("SHREDSTREAM_PROBE_ADDR is required")
	}
	return nil
}

// TLSConfig builds the control-plane TLS configuration, nil when disabled.
func (c Config) TLSConfig() (*tls.Config, error) {
	if !c.TLSEnabled {
		return nil, nil
	}
	tlsCfg := &tls.Config{MinVersion: tls.VersionTLS12, InsecureSkipVerify: c.TLSSkipVerify}
	if c.TLSCAPath != "" {
		caBytes, err := os.ReadFile(c.TLSCAPath)
		if err != nil {
			return nil, fmt.Errorf("read CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caBytes) {
			return nil, errors.New("append CA cert failed")
		}
		tlsCfg.RootCAs = pool
	}
	if c.TLSCertPath != "" || c.TLSKeyPath != "" {
		if c.TLSCertPath == "" || c.TLSKeyPath == "" {
			return nil, errors.New("both TLS cert and key are required")
		}
		crt, err := tls.LoadX509KeyPair(c.TLSCertPath, c.TLSKeyPath)
		if err != nil {
			return nil, fmt.Errorf("load mTLS cert/key: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{crt}
	}
	return tlsCfg, nil
}

func env(key, fallback string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	return v
}

func envList(key string) []string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func envInt(key string, fallback int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return i
}

func envBool(key string, fallback bool) bool {
	v := strings.TrimSpace(strings.ToLower(os.Getenv(key)))
	if v == "" {
		return fallback
	}
	switch v {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return fallback
	}
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}

func envAddr(key string, fallback netip.Addr) (netip.Addr, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback, nil
	}
	a, err := netip.ParseAddr(v)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("%s: %w", key, err)
	}
	return a, nil
}
