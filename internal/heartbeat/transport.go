package heartbeat

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/encoding"
	"google.golang.org/grpc/metadata"
)

// The control plane is consumed schema-free: a JSON codec plus explicit full
// method names, so the proxy carries no generated stubs.
type jsonCodec struct{}

func (jsonCodec) Name() string { return "json" }

func (jsonCodec) Marshal(v any) ([]byte, error) { return json.Marshal(v) }

func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }

type registerRequest struct {
	ClientID   string   `json:"client_id"`
	ListenAddr string   `json:"listen_addr"`
	Regions    []string `json:"regions"`
}

type registerResponse struct {
	SessionID string   `json:"session_id"`
	Endpoints []string `json:"relay_endpoints"`
}

type heartbeatRequest struct {
	SessionID string `json:"session_id"`
}

type heartbeatResponse struct {
	Valid     bool     `json:"valid"`
	Endpoints []string `json:"relay_endpoints"`
}

// GRPCTransport implements Transport against the relay's registration
// service. The connection is dialed lazily and reused across calls; gRPC's
// own reconnect handles transient drops underneath.
type GRPCTransport struct {
	mu sync.Mutex

	logger          *slog.Logger
	addr            string
	tlsConfig       *tls.Config
	token           string
	registerMethod  string
	heartbeatMethod string
	conn            *grpc.ClientConn
	dialTimeout     time.Duration
}

// NewGRPCTransport creates a transport for the relay at addr. tlsCfg nil
// selects plaintext; token, when set, is attached as a bearer credential.
func NewGRPCTransport(addr string, tlsCfg *tls.Config, token, registerMethod, heartbeatMethod string, logger *slog.Logger) *GRPCTransport {
	encoding.RegisterCodec(jsonCodec{})
	return &GRPCTransport{
		logger:          logger,
		addr:            addr,
		tlsConfig:       tlsCfg,
		token:           token,
		registerMethod:  registerMethod,
		heartbeatMethod: heartbeatMethod,
		dialTimeout:     8 * time.Second,
	}
}

func (t *GRPCTransport) Register(ctx context.Context, id Identity) (Session, []string, error) {
	req := registerRequest{ClientID: id.ClientID, ListenAddr: id.ListenAddr, Regions: id.Regions}
	var resp registerResponse
	if err := t.invoke(ctx, t.registerMethod, &req, &resp); err != nil {
		return Session{}, nil, fmt.Errorf("register: %w", err)
	}
	if resp.SessionID == "" {
		return Session{}, nil, fmt.Errorf("register: relay returned empty session id")
	}
	return Session{ID: resp.SessionID}, resp.Endpoints, nil
}

func (t *GRPCTransport) Heartbeat(ctx context.Context, s Session) (Result, error) {
	req := heartbeatRequest{SessionID: s.ID}
	var resp heartbeatResponse
	if err := t.invoke(ctx, t.heartbeatMethod, &req, &resp); err != nil {
		return Result{}, fmt.Errorf("heartbeat: %w", err)
	}
	return Result{Valid: resp.Valid, Endpoints: resp.Endpoints}, nil
}

// Close tears down the client connection.
func (t *GRPCTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil {
		return nil
	}
	err := t.conn.Close()
	t.conn = nil
	return err
}

func (t *GRPCTransport) invoke(ctx context.Context, method string, req, resp any) error {
	conn, err := t.ensureConn(ctx)
	if err != nil {
		return err
	}
	if t.token != "" {
		ctx = metadata.AppendToOutgoingContext(ctx, "authorization", "Bearer "+t.token)
	}
	return conn.Invoke(ctx, method, req, resp,
		grpc.ForceCodec(jsonCodec{}), grpc.CallContentSubtype("json"))
}

func (t *GRPCTransport) ensureConn(ctx context.Context) (*grpc.ClientConn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn != nil {
		return t.conn, nil
	}

	dialCtx, cancel := context.WithTimeout(context.Background(), t.dialTimeout)
	defer cancel()
	if dl, ok := ctx.Deadline(); ok {
		dialCtx, cancel = context.WithDeadline(context.Background(), dl)
		defer cancel()
	}

	var creds credentials.TransportCredentials
	if t.tlsConfig != nil {
		creds = credentials.NewTLS(t.tlsConfig)
	} else {
		creds = insecure.NewCredentials()
	}

	conn, err := grpc.DialContext(
		dialCtx,
		t.addr,
		grpc.WithTransportCredentials(creds),
		grpc.WithDefaultCallOptions(grpc.ForceCodec(jsonCodec{}), grpc.CallContentSubtype("json")),
	)
	if err != nil {
		return nil, fmt.Errorf("grpc dial %s: %w", t.addr, err)
	}
	t.conn = conn
	t.logger.Info("control-plane connection ready", "addr", t.addr)
	return conn, nil
}
