// ============================================================================
// meshsteer Metrics - Prometheus 監控指標
// ============================================================================
//
// Package: internal/metrics
// 文件: metrics.go
// 功能: 收集和暴露路徑量測、路徑狀態與流量綁定的指標，支持 Prometheus 監控
//
// 指標分類:
//
//   1. 探測 (Counter / Histogram)：
//      - meshsteer_probes_total{result}: 探測次數，result = ok / timeout / transport
//      - meshsteer_probe_latency_seconds: 成功探測的往返時間分佈
//
//   2. 路徑狀態 (Gauge)：
//      - meshsteer_path_score{path}: 目前分數 0..100
//      - meshsteer_path_status{path}: 0=up, 1=degraded, 2=down
//      - meshsteer_path_latency_ms / jitter_ms / loss_ratio{path}: 視窗彙總
//      - meshsteer_path_transitions_total{from,to}: 狀態轉換次數
//
//   3. 流量綁定：
//      - meshsteer_flow_bindings: 目前追蹤中的流量數
//      - meshsteer_flow_changes_total{type,reason}: bound / rebound / unbound / evicted
//      - meshsteer_policy_flow_notifications_total{policy}: 各策略的流量活動次數
//
//   4. 其他：
//      - meshsteer_events_dropped_total{subscriber}: 慢訂閱者遺失的事件
//      - meshsteer_policy_set_version: 目前生效的策略集版本
//      - meshsteer_rpc_requests_total{method,code}: gRPC 請求
//
// Prometheus 查詢示例:
//
//   # 每條路徑的探測失敗率
//   rate(meshsteer_probes_total{result!="ok"}[1m]) / rate(meshsteer_probes_total[1m])
//
//   # 每分鐘 failover 次數
//   rate(meshsteer_flow_changes_total{type="flow_rebound",reason="failover"}[1m])
//
// 所有方法對 nil *Collector 安全，未啟用監控時可直接傳 nil。
//
// ============================================================================

package metrics

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"google.golang.org/grpc"
	"google.golang.org/grpc/status"

	"github.com/ChuLiYu/meshsteer/pkg/types"
)

// 探測結果標籤
const (
	ProbeOK        = "ok"
	ProbeTimeout   = "timeout"
	ProbeTransport = "transport"
)

// Collector Prometheus 指標收集器
type Collector struct {
	gatherer prometheus.Gatherer

	probes       *prometheus.CounterVec
	probeLatency prometheus.Histogram

	pathScore       *prometheus.GaugeVec
	pathStatus      *prometheus.GaugeVec
	pathLatency     *prometheus.GaugeVec
	pathJitter      *prometheus.GaugeVec
	pathLoss        *prometheus.GaugeVec
	pathTransitions *prometheus.CounterVec

	flowBindings      prometheus.Gauge
	flowChanges       *prometheus.CounterVec
	flowNotifications *prometheus.CounterVec

	eventsDropped *prometheus.CounterVec
	policyVersion prometheus.Gauge
	rpcRequests   *prometheus.CounterVec
}

// NewCollector 在 reg 上註冊所有指標；reg 為 nil 時使用全域 registry。
// 重複註冊時沿用既有的 collector。
func NewCollector(reg prometheus.Registerer) (*Collector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	c := &Collector{gatherer: gatherer}
	var errs []error
	must := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	var err error
	c.probes, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "meshsteer_probes_total",
		Help: "Total number of path probes, labeled by result.",
	}, []string{"result"}))
	must(err)
	c.probeLatency, err = register(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "meshsteer_probe_latency_seconds",
		Help:    "Round-trip time of successful probes in seconds.",
		Buckets: []float64{0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.2, 0.5},
	}))
	must(err)

	c.pathScore, err = register(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "meshsteer_path_score",
		Help: "Current quality score (0-100) of each path.",
	}, []string{"path"}))
	must(err)
	c.pathStatus, err = register(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "meshsteer_path_status",
		Help: "Current status of each path (0=up, 1=degraded, 2=down).",
	}, []string{"path"}))
	must(err)
	c.pathLatency, err = register(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "meshsteer_path_latency_ms",
		Help: "Mean latency over the sample window in milliseconds.",
	}, []string{"path"}))
	must(err)
	c.pathJitter, err = register(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "meshsteer_path_jitter_ms",
		Help: "Mean jitter over the sample window in milliseconds.",
	}, []string{"path"}))
	must(err)
	c.pathLoss, err = register(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "meshsteer_path_loss_ratio",
		Help: "Probe loss ratio (0-1) over the sample window.",
	}, []string{"path"}))
	must(err)
	c.pathTransitions, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "meshsteer_path_transitions_total",
		Help: "Total number of path status transitions.",
	}, []string{"from", "to"}))
	must(err)

	c.flowBindings, err = register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "meshsteer_flow_bindings",
		Help: "Current number of tracked flows.",
	}))
	must(err)
	c.flowChanges, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "meshsteer_flow_changes_total",
		Help: "Total number of flow binding changes, labeled by event type and reason.",
	}, []string{"type", "reason"}))
	must(err)
	c.flowNotifications, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "meshsteer_policy_flow_notifications_total",
		Help: "Total number of flow notifications, labeled by the resolved policy.",
	}, []string{"policy"}))
	must(err)

	c.eventsDropped, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "meshsteer_events_dropped_total",
		Help: "Events dropped because a subscriber fell behind.",
	}, []string{"subscriber"}))
	must(err)
	c.policyVersion, err = register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "meshsteer_policy_set_version",
		Help: "Version of the active policy set.",
	}))
	must(err)
	c.rpcRequests, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "meshsteer_rpc_requests_total",
		Help: "Total number of handled gRPC requests, labeled by method and status code.",
	}, []string{"method", "code"}))
	must(err)

	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return c, nil
}

// register 註冊 collector；已註冊同名同型別時返回既有實例
func register[T prometheus.Collector](reg prometheus.Registerer, c T) (T, error) {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(T); ok {
				return existing, nil
			}
			return c, fmt.Errorf("collector already registered with incompatible type: %w", err)
		}
		return c, err
	}
	return c, nil
}

// ============================================================================
// 記錄方法
// ============================================================================

// RecordProbe 記錄一次成功探測
func (c *Collector) RecordProbe(latencyMs float64) {
	if c == nil {
		return
	}
	c.probes.WithLabelValues(ProbeOK).Inc()
	c.probeLatency.Observe(latencyMs / 1000)
}

// RecordProbeFailure 記錄一次失敗探測，result 為 ProbeTimeout 或 ProbeTransport
func (c *Collector) RecordProbeFailure(result string) {
	if c == nil {
		return
	}
	c.probes.WithLabelValues(result).Inc()
}

// UpdatePath 更新路徑的分數、狀態與視窗彙總
func (c *Collector) UpdatePath(p types.PathSnapshot) {
	if c == nil {
		return
	}
	id := string(p.ID)
	c.pathScore.WithLabelValues(id).Set(p.Score)
	c.pathStatus.WithLabelValues(id).Set(float64(p.Status.Rank()))
	c.pathLatency.WithLabelValues(id).Set(p.Stats.LatencyMs)
	c.pathJitter.WithLabelValues(id).Set(p.Stats.JitterMs)
	c.pathLoss.WithLabelValues(id).Set(p.Stats.LossPct / 100)
}

// ForgetPath 移除已刪除路徑的標籤
func (c *Collector) ForgetPath(id types.PathID) {
	if c == nil {
		return
	}
	for _, v := range []*prometheus.GaugeVec{c.pathScore, c.pathStatus, c.pathLatency, c.pathJitter, c.pathLoss} {
		v.DeleteLabelValues(string(id))
	}
}

// RecordTransition 記錄一次路徑狀態轉換
func (c *Collector) RecordTransition(from, to types.PathStatus) {
	if c == nil {
		return
	}
	c.pathTransitions.WithLabelValues(string(from), string(to)).Inc()
}

// RecordFlowChange 記錄一次流量綁定變更
func (c *Collector) RecordFlowChange(t types.EventType, reason types.RebindReason) {
	if c == nil {
		return
	}
	c.flowChanges.WithLabelValues(string(t), string(reason)).Inc()
}

// RecordFlowNotification 記錄一次解析到 policy 的流量活動
func (c *Collector) RecordFlowNotification(policy types.PolicyID) {
	if c == nil {
		return
	}
	c.flowNotifications.WithLabelValues(string(policy)).Inc()
}

// SetFlowBindings 設置目前追蹤中的流量數
func (c *Collector) SetFlowBindings(n int) {
	if c == nil {
		return
	}
	c.flowBindings.Set(float64(n))
}

// RecordDroppedEvent 記錄慢訂閱者遺失的事件
func (c *Collector) RecordDroppedEvent(subscriber string) {
	if c == nil {
		return
	}
	c.eventsDropped.WithLabelValues(subscriber).Inc()
}

// SetPolicyVersion 設置目前策略集版本
func (c *Collector) SetPolicyVersion(v uint64) {
	if c == nil {
		return
	}
	c.policyVersion.Set(float64(v))
}

// ============================================================================
// gRPC / HTTP
// ============================================================================

// UnaryServerInterceptor 記錄 unary RPC 的請求數
func (c *Collector) UnaryServerInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		resp, err := handler(ctx, req)
		if c != nil && info != nil {
			c.rpcRequests.WithLabelValues(info.FullMethod, status.Code(err).String()).Inc()
		}
		return resp, err
	}
}

// StreamServerInterceptor 記錄 streaming RPC 的請求數
func (c *Collector) StreamServerInterceptor() grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		err := handler(srv, ss)
		if c != nil && info != nil {
			c.rpcRequests.WithLabelValues(info.FullMethod, status.Code(err).String()).Inc()
		}
		return err
	}
}

// Handler 返回 /metrics HTTP handler
func (c *Collector) Handler() http.Handler {
	if c == nil || c.gatherer == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(c.gatherer, promhttp.HandlerOpts{})
}

// StartServer 在 addr 上啟動 Prometheus metrics HTTP 伺服器
//
// 參數：
//   - addr: 監聽位址，例如 ":9090"
//
// 返回值：
//   - *http.Server: 呼叫端負責 Shutdown
//   - error: 監聽失敗的錯誤
func (c *Collector) StartServer(addr string) (*http.Server, error) {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("metrics listen %s: %w", addr, err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() { _ = srv.Serve(lis) }()
	return srv, nil
}
