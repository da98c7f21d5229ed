package cli

// ============================================================================
// 職責說明：
// 1. 依設定組裝引擎與周邊元件（logging、tracing、metrics、prober、responder）
// 2. 載入設定檔中的拓撲與策略，選用 etcd membership
// 3. 啟動 gRPC 服務，等待 context 結束後依反向順序關閉
// ============================================================================

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ChuLiYu/meshsteer/internal/config"
	"github.com/ChuLiYu/meshsteer/internal/engine"
	"github.com/ChuLiYu/meshsteer/internal/logging"
	"github.com/ChuLiYu/meshsteer/internal/membership"
	"github.com/ChuLiYu/meshsteer/internal/metrics"
	"github.com/ChuLiYu/meshsteer/internal/observability"
	"github.com/ChuLiYu/meshsteer/internal/sampler"
	"github.com/ChuLiYu/meshsteer/internal/server"
)

// Run 啟動完整的引擎，直到 ctx 結束
func Run(ctx context.Context, cfg *config.Config) error {
	log := logging.Setup(cfg.Log)
	log.Info("Starting meshsteer", "version", Version, "probe", cfg.Probe.Kind)

	// Tracing
	shutdownTracing, err := observability.InitTracing(ctx, cfg.Tracing, log)
	if err != nil {
		return fmt.Errorf("failed to init tracing: %w", err)
	}
	defer observability.ShutdownWithTimeout(context.Background(), shutdownTracing, log)

	// Metrics
	var collector *metrics.Collector
	if cfg.Metrics.Enabled {
		collector, err = metrics.NewCollector(prometheus.DefaultRegisterer)
		if err != nil {
			return fmt.Errorf("failed to create metrics collector: %w", err)
		}
		srv, err := collector.StartServer(cfg.Metrics.Addr)
		if err != nil {
			return err
		}
		log.Info("Serving Prometheus metrics", "addr", cfg.Metrics.Addr)
		defer srv.Close()
	}

	// Prober + responder
	prober, closeProber := NewProber(cfg.Probe)
	defer closeProber()

	if cfg.Probe.Kind == config.ProbeUDP && cfg.Probe.ResponderAddr != "" {
		responder, err := sampler.Listen(cfg.Probe.ResponderAddr, log)
		if err != nil {
			return fmt.Errorf("failed to start echo responder: %w", err)
		}
		defer responder.Close()
		log.Info("UDP echo responder listening", "addr", responder.Addr().String())
	}

	// Engine
	eng, err := engine.New(cfg.EngineConfig(),
		engine.WithProber(prober),
		engine.WithMetrics(collector),
		engine.WithLogger(log),
	)
	if err != nil {
		return fmt.Errorf("failed to create engine: %w", err)
	}

	if err := SeedMesh(eng, cfg.Mesh); err != nil {
		return err
	}
	if len(cfg.Policies) > 0 {
		version, err := eng.ReplacePolicies(cfg.PolicySet())
		if err != nil {
			return err
		}
		log.Info("Policy set loaded", "version", version, "policies", len(cfg.Policies))
	}

	// Membership
	if cfg.Membership.Enabled {
		stopMembership, err := startMembership(ctx, cfg.Membership, eng, log)
		if err != nil {
			return err
		}
		defer stopMembership()
	}

	if err := eng.Start(ctx); err != nil {
		return fmt.Errorf("failed to start engine: %w", err)
	}
	defer eng.Stop()

	// gRPC
	if cfg.Server.Addr != "" {
		lis, err := net.Listen("tcp", cfg.Server.Addr)
		if err != nil {
			return fmt.Errorf("failed to listen on %s: %w", cfg.Server.Addr, err)
		}
		srv := server.New(eng, server.WithLogger(log), server.WithMetrics(collector))
		go func() {
			if err := srv.Serve(lis); err != nil {
				log.Error("gRPC server exited", "error", err)
			}
		}()
		defer srv.Stop()
	}

	log.Info("System started successfully", "engine", eng.ID())
	<-ctx.Done()
	log.Info("Received shutdown signal, stopping gracefully")
	return nil
}

// NewProber 依設定建立 prober；回傳的 close 函式釋放其連線
func NewProber(cfg config.ProbeConfig) (sampler.Prober, func()) {
	switch cfg.Kind {
	case config.ProbeICMP:
		return sampler.NewICMPProber(cfg.ICMPPrivileged), func() {}
	case config.ProbeGRPC:
		p := sampler.NewGRPCHealthProber(cfg.GRPCService)
		return p, func() { _ = p.Close() }
	case config.ProbeSimulated:
		p := sampler.NewSimulatedProber(cfg.Simulated.Seed)
		for id, c := range cfg.Simulated.Conditions {
			p.SetCondition(id, c)
		}
		return p, func() {}
	default:
		return sampler.NewUDPProber(), func() {}
	}
}

// MeshSink 接收設定檔拓撲的介面（*engine.Engine 實作）
type MeshSink = membership.Sink

// SeedMesh 依 sites → endpoints → paths 的順序載入設定檔中的拓撲
func SeedMesh(sink MeshSink, mesh config.MeshConfig) error {
	var errs []error
	for _, s := range mesh.Sites {
		if _, err := sink.UpsertSite(s); err != nil {
			errs = append(errs, fmt.Errorf("site %s: %w", s.ID, err))
		}
	}
	for _, ep := range mesh.Endpoints {
		if _, err := sink.UpsertEndpoint(ep); err != nil {
			errs = append(errs, fmt.Errorf("endpoint %s: %w", ep.ID, err))
		}
	}
	for _, p := range mesh.Paths {
		if _, err := sink.UpsertPath(p); err != nil {
			errs = append(errs, fmt.Errorf("path %s: %w", p.ID, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("failed to load mesh: %w", errors.Join(errs...))
	}
	return nil
}

func startMembership(ctx context.Context, mc config.MembershipConfig, eng *engine.Engine, log *slog.Logger) (func(), error) {
	client, err := membership.Dial(membership.Config{
		Endpoints: mc.Endpoints, Prefix: mc.Prefix, DialTimeout: mc.DialTimeout,
	})
	if err != nil {
		return nil, err
	}
	watcher := membership.NewWatcher(client, mc.Prefix, eng, log)
	if err := watcher.Start(ctx); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to start membership watcher: %w", err)
	}
	return func() {
		watcher.Stop()
		client.Close()
	}, nil
}

// Publish 把設定檔的拓撲與策略寫入 etcd，回傳寫入的 key 數量
func Publish(ctx context.Context, pub MeshPublisher, cfg *config.Config) (int, error) {
	n := 0
	for _, s := range cfg.Mesh.Sites {
		if err := pub.PutSite(ctx, s); err != nil {
			return n, err
		}
		n++
	}
	for _, ep := range cfg.Mesh.Endpoints {
		if err := pub.PutEndpoint(ctx, ep); err != nil {
			return n, err
		}
		n++
	}
	for _, p := range cfg.Mesh.Paths {
		if err := pub.PutPath(ctx, p); err != nil {
			return n, err
		}
		n++
	}
	if err := pub.PutPolicies(ctx, cfg.PolicySet()); err != nil {
		return n, err
	}
	return n + 1, nil
}
