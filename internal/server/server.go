package server

// ============================================================================
// 職責說明：
// 1. 把 meshsteer.v1.Steering RPC 轉成引擎操作
// 2. 把引擎的 sentinel error 轉成 gRPC status code
// 3. 維護 gRPC health service：整體服務 + 每條路徑一個 service name
// 4. WatchEvents 為每個串流建立一個事件訂閱，串流結束時取消
// ============================================================================

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/timestamppb"

	"github.com/ChuLiYu/meshsteer/internal/events"
	"github.com/ChuLiYu/meshsteer/internal/flowtable"
	"github.com/ChuLiYu/meshsteer/internal/metrics"
	"github.com/ChuLiYu/meshsteer/internal/pathstore"
	"github.com/ChuLiYu/meshsteer/internal/policy"
	"github.com/ChuLiYu/meshsteer/pkg/types"
)

// PathServicePrefix 每條路徑在 health service 中的名稱前綴
const PathServicePrefix = "meshsteer.path/"

// PathServiceName 路徑對應的 health service 名稱
func PathServiceName(id types.PathID) string {
	return PathServicePrefix + string(id)
}

// Engine 服務需要的引擎操作（*engine.Engine 實作此介面）
type Engine interface {
	UpsertSite(types.Site) (bool, error)
	UpsertEndpoint(types.Endpoint) (bool, error)
	UpsertPath(types.Path) (bool, error)
	TouchSite(types.SiteID) error
	Site(types.SiteID) (types.Site, error)
	NotifyFlow(context.Context, types.Flow) (types.Binding, error)
	GetBinding(types.Flow) (types.Binding, error)
	ListPaths() []types.PathSnapshot
	Subscribe(name string) *events.Subscription
}

// Server Steering 服務實作
type Server struct {
	engine  Engine
	health  *health.Server
	grpc    *grpc.Server
	log     *slog.Logger
	metrics *metrics.Collector

	mu        sync.Mutex
	healthSub *events.Subscription
	loopWg    sync.WaitGroup
}

// Option 服務選項
type Option func(*Server)

// WithLogger 設定 logger
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.log = l }
}

// WithMetrics 設定 RPC 計數的 collector
func WithMetrics(m *metrics.Collector) Option {
	return func(s *Server) { s.metrics = m }
}

// New 建立服務並註冊到新的 grpc.Server（含 health 與 reflection）
func New(eng Engine, opts ...Option) *Server {
	s := &Server{
		engine: eng,
		health: health.NewServer(),
		log:    slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.With("component", "server")

	s.grpc = grpc.NewServer(
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.ChainUnaryInterceptor(s.metrics.UnaryServerInterceptor()),
		grpc.ChainStreamInterceptor(s.metrics.StreamServerInterceptor()),
	)
	RegisterSteeringServer(s.grpc, s)
	healthpb.RegisterHealthServer(s.grpc, s.health)
	reflection.Register(s.grpc)

	s.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	s.health.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	return s
}

// GRPCServer 底層的 grpc.Server
func (s *Server) GRPCServer() *grpc.Server { return s.grpc }

// Serve 開始同步路徑健康狀態並在 lis 上服務，直到 Stop
func (s *Server) Serve(lis net.Listener) error {
	s.startHealthSync()
	s.log.Info("gRPC server listening", "addr", lis.Addr().String())
	return s.grpc.Serve(lis)
}

// Stop 標記 NOT_SERVING 後優雅關閉
func (s *Server) Stop() {
	s.health.Shutdown()

	s.mu.Lock()
	sub := s.healthSub
	s.healthSub = nil
	s.mu.Unlock()
	if sub != nil {
		sub.Unsubscribe()
	}
	s.loopWg.Wait()

	s.grpc.GracefulStop()
}

// ============================================================================
// Health
// ============================================================================

func (s *Server) startHealthSync() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.healthSub != nil {
		return
	}

	// 先訂閱再讀快照，避免遺漏兩者之間的轉換
	sub := s.engine.Subscribe("grpc-health")
	s.healthSub = sub
	for _, p := range s.engine.ListPaths() {
		s.setPathStatusLocked(p.ID, p.Status)
	}

	s.loopWg.Add(1)
	go func() {
		defer s.loopWg.Done()
		for e := range sub.C() {
			if e.Type != types.EventPathStatusChanged {
				continue
			}
			s.mu.Lock()
			s.setPathStatusLocked(e.PathID, e.ToStatus)
			s.mu.Unlock()
		}
	}()
}

func (s *Server) setPathStatusLocked(id types.PathID, st types.PathStatus) {
	serving := healthpb.HealthCheckResponse_SERVING
	if st == types.PathDown {
		serving = healthpb.HealthCheckResponse_NOT_SERVING
	}
	s.health.SetServingStatus(PathServiceName(id), serving)
}

// ============================================================================
// RPC 實作
// ============================================================================

// RegisterSite 註冊站點，並依序 upsert 附帶的端點與路徑
func (s *Server) RegisterSite(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var reg Registration
	if err := fromStruct(req, &reg); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	if reg.Site.ID == "" {
		return nil, status.Error(codes.InvalidArgument, "site.id is required")
	}

	changed, err := s.engine.UpsertSite(reg.Site)
	if err != nil {
		return nil, toStatus(err)
	}
	for _, ep := range reg.Endpoints {
		if ep.SiteID == "" {
			ep.SiteID = reg.Site.ID
		}
		if ep.SiteID != reg.Site.ID {
			return nil, status.Errorf(codes.InvalidArgument, "endpoint %s belongs to site %s, not %s", ep.ID, ep.SiteID, reg.Site.ID)
		}
		c, err := s.engine.UpsertEndpoint(ep)
		if err != nil {
			return nil, toStatus(err)
		}
		changed = changed || c
	}
	for _, p := range reg.Paths {
		c, err := s.engine.UpsertPath(p)
		if err != nil {
			return nil, toStatus(err)
		}
		changed = changed || c
	}

	site, err := s.engine.Site(reg.Site.ID)
	if err != nil {
		return nil, toStatus(err)
	}
	return encode(registerResponse{Site: site, Changed: changed})
}

// Heartbeat 更新站點存活時間
func (s *Server) Heartbeat(ctx context.Context, req *structpb.Struct) (*timestamppb.Timestamp, error) {
	var hb heartbeatRequest
	if err := fromStruct(req, &hb); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	if hb.SiteID == "" {
		return nil, status.Error(codes.InvalidArgument, "site_id is required")
	}
	if err := s.engine.TouchSite(hb.SiteID); err != nil {
		return nil, toStatus(err)
	}
	site, err := s.engine.Site(hb.SiteID)
	if err != nil {
		return nil, toStatus(err)
	}
	return timestamppb.New(site.LastSeen), nil
}

// NotifyFlow 回報流量活動；沒有可用路徑時回傳 Unavailable（流量仍被追蹤）
func (s *Server) NotifyFlow(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	f, err := decodeFlow(req)
	if err != nil {
		return nil, err
	}
	b, err := s.engine.NotifyFlow(ctx, f)
	if err != nil {
		return nil, toStatus(err)
	}
	return encode(b)
}

// GetBinding 查詢綁定
func (s *Server) GetBinding(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	f, err := decodeFlow(req)
	if err != nil {
		return nil, err
	}
	b, err := s.engine.GetBinding(f)
	if err != nil {
		return nil, toStatus(err)
	}
	return encode(b)
}

// ListPaths 所有路徑快照
func (s *Server) ListPaths(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	return encode(listPathsResponse{Paths: s.engine.ListPaths()})
}

// WatchEvents 推送事件直到用戶端斷線或引擎關閉
//
// 串流消費太慢時事件會被丟棄（at-most-once），不會阻塞引擎。
func (s *Server) WatchEvents(req *structpb.Struct, stream EventStream) error {
	var wr watchRequest
	if err := fromStruct(req, &wr); err != nil {
		return status.Error(codes.InvalidArgument, err.Error())
	}
	name := wr.Subscriber
	if name == "" {
		name = "grpc-watch"
	}
	want := make(map[types.EventType]struct{}, len(wr.Types))
	for _, t := range wr.Types {
		want[t] = struct{}{}
	}

	sub := s.engine.Subscribe(name)
	defer sub.Unsubscribe()
	s.log.Debug("Event stream opened", "subscriber", name)

	ctx := stream.Context()
	for {
		select {
		case <-ctx.Done():
			s.log.Debug("Event stream closed", "subscriber", name, "dropped", sub.Dropped())
			return nil
		case e, ok := <-sub.C():
			if !ok {
				return status.Error(codes.Unavailable, "engine stopped")
			}
			if len(want) > 0 {
				if _, ok := want[e.Type]; !ok {
					continue
				}
			}
			msg, err := encode(e)
			if err != nil {
				return err
			}
			if err := stream.Send(msg); err != nil {
				return err
			}
		}
	}
}

// ============================================================================
// Helpers
// ============================================================================

func encode(v any) (*structpb.Struct, error) {
	s, err := toStruct(v)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return s, nil
}

func decodeFlow(req *structpb.Struct) (types.Flow, error) {
	var f types.Flow
	if err := fromStruct(req, &f); err != nil {
		return f, status.Error(codes.InvalidArgument, err.Error())
	}
	if f.SrcSite == "" || f.DstSite == "" {
		return f, status.Error(codes.InvalidArgument, "src_site and dst_site are required")
	}
	return f, nil
}

// toStatus 把引擎錯誤轉成 gRPC status
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	var code codes.Code
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return status.FromContextError(err).Err()
	case errors.Is(err, pathstore.ErrUnknownSite),
		errors.Is(err, pathstore.ErrUnknownEndpoint),
		errors.Is(err, pathstore.ErrUnknownPath),
		errors.Is(err, flowtable.ErrUnknownFlow):
		code = codes.NotFound
	case errors.Is(err, pathstore.ErrInvalid),
		errors.Is(err, policy.ErrInvalidPolicySet):
		code = codes.InvalidArgument
	case errors.Is(err, pathstore.ErrConflict):
		code = codes.FailedPrecondition
	case errors.Is(err, flowtable.ErrNoAvailablePath):
		code = codes.Unavailable
	default:
		code = codes.Internal
	}
	return status.Error(code, err.Error())
}

// ============================================================================
// Dial
// ============================================================================

// Dial 建立到 Steering 服務的連線（明文，含 tracing）
func Dial(target string, opts ...grpc.DialOption) (*grpc.ClientConn, error) {
	opts = append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithStatsHandler(otelgrpc.NewClientHandler()),
	}, opts...)
	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", target, err)
	}
	return conn, nil
}

// WaitReady 等待連線就緒或逾時
func WaitReady(ctx context.Context, conn *grpc.ClientConn, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	conn.Connect()
	hc := healthpb.NewHealthClient(conn)
	_, err := hc.Check(ctx, &healthpb.HealthCheckRequest{Service: ServiceName}, grpc.WaitForReady(true))
	return err
}
