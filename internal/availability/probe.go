// Package availability tracks whether the workflow engine behind the agent
// API is reachable.
package availability

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ashureev/agentchat/internal/backend"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
)

// TemporalHealthService is the service name Temporal's frontend registers
// with the standard gRPC health server.
const TemporalHealthService = "temporal.api.workflowservice.v1.WorkflowService"

var errNotServing = errors.New("service not serving")

// Probe performs one reachability check. A nil error means available.
type Probe interface {
	Probe(ctx context.Context) error
}

// ProbeFunc adapts a function to Probe.
type ProbeFunc func(ctx context.Context) error

// Probe calls f(ctx).
func (f ProbeFunc) Probe(ctx context.Context) error { return f(ctx) }

// StatusFetcher is implemented by *backend.Client.
type StatusFetcher interface {
	FetchTemporalStatus(ctx context.Context, timeout time.Duration) (backend.TemporalStatus, error)
}

// HTTPProbe asks the agent API for workflow engine status.
type HTTPProbe struct {
	fetcher StatusFetcher
	timeout time.Duration
}

// NewHTTPProbe creates a probe bounded by timeout.
func NewHTTPProbe(fetcher StatusFetcher, timeout time.Duration) *HTTPProbe {
	return &HTTPProbe{fetcher: fetcher, timeout: timeout}
}

// Probe implements Probe.
func (p *HTTPProbe) Probe(ctx context.Context) error {
	status, err := p.fetcher.FetchTemporalStatus(ctx, p.timeout)
	if err != nil {
		return fmt.Errorf("temporal status: %w", err)
	}
	if !status.Available {
		if status.Error != "" {
			return fmt.Errorf("temporal unavailable: %s", status.Error)
		}
		return errors.New("temporal unavailable")
	}
	return nil
}

// GRPCProbe checks a gRPC endpoint with the standard health service.
type GRPCProbe struct {
	conn    *grpc.ClientConn
	client  healthpb.HealthClient
	addr    string
	service string
	timeout time.Duration
	logger  *slog.Logger
}

// NewGRPCProbe builds a probe for addr. No network I/O happens until the
// first Probe, so an unreachable engine at startup is not fatal.
func NewGRPCProbe(addr, service string, timeout time.Duration, logger *slog.Logger) (*GRPCProbe, error) {
	if logger == nil {
		logger = slog.Default()
	}

	kacp := keepalive.ClientParameters{
		Time:                2 * time.Minute,
		Timeout:             10 * time.Second,
		PermitWithoutStream: false,
	}

	conn, err := grpc.NewClient(addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(kacp),
	)
	if err != nil {
		return nil, fmt.Errorf("create grpc client for %s: %w", addr, err)
	}

	return &GRPCProbe{
		conn:    conn,
		client:  healthpb.NewHealthClient(conn),
		addr:    addr,
		service: service,
		timeout: timeout,
		logger:  logger,
	}, nil
}

// Probe implements Probe.
func (p *GRPCProbe) Probe(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	resp, err := p.client.Check(ctx, &healthpb.HealthCheckRequest{Service: p.service})
	if err != nil {
		return fmt.Errorf("grpc health check %s: %w", p.addr, err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		return fmt.Errorf("%w: %s is %s", errNotServing, p.addr, resp.GetStatus())
	}
	return nil
}

// Close closes the gRPC connection.
func (p *GRPCProbe) Close() {
	if err := p.conn.Close(); err != nil {
		p.logger.Warn("failed to close gRPC connection", "error", err)
	}
}

// MultiProbe reports available only when every probe succeeds.
type MultiProbe []Probe

// Probe implements Probe.
func (m MultiProbe) Probe(ctx context.Context) error {
	for _, p := range m {
		if err := p.Probe(ctx); err != nil {
			return err
		}
	}
	return nil
}
