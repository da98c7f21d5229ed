package sampler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/ChuLiYu/meshsteer/pkg/types"
)

// GRPCHealthProber measures a path as the round trip of a gRPC health check
// against the remote site's meshsteer server.
type GRPCHealthProber struct {
	service  string
	dialOpts []grpc.DialOption

	mu    sync.Mutex
	conns map[string]*grpc.ClientConn
}

// NewGRPCHealthProber creates a prober; service is the health service name to
// check ("" checks the whole server)
func NewGRPCHealthProber(service string, opts ...grpc.DialOption) *GRPCHealthProber {
	if len(opts) == 0 {
		opts = []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}
	}
	return &GRPCHealthProber{
		service:  service,
		dialOpts: opts,
		conns:    make(map[string]*grpc.ClientConn),
	}
}

func (p *GRPCHealthProber) conn(addr string) (*grpc.ClientConn, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if c, ok := p.conns[addr]; ok {
		return c, nil
	}
	c, err := grpc.NewClient(addr, p.dialOpts...)
	if err != nil {
		return nil, err
	}
	p.conns[addr] = c
	return c, nil
}

// Probe implements Prober
func (p *GRPCHealthProber) Probe(ctx context.Context, target Target) (types.Sample, error) {
	conn, err := p.conn(target.Dst)
	if err != nil {
		return types.Sample{}, fmt.Errorf("%w: dial %s: %w", ErrProbeTransport, target.Dst, err)
	}

	start := time.Now()
	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: p.service})
	if err != nil {
		return types.Sample{}, err
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		return types.Sample{}, fmt.Errorf("%w: %s reports %s", ErrProbeTransport, target.Dst, resp.GetStatus())
	}
	return types.Sample{LatencyMs: msSince(start)}, nil
}

// Close releases all cached connections
func (p *GRPCHealthProber) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var firstErr error
	for addr, c := range p.conns {
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(p.conns, addr)
	}
	return firstErr
}
