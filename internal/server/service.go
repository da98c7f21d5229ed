// ============================================================================
// meshsteer Steering Service - gRPC 服務描述
// ============================================================================
//
// Package: internal/server
// 文件: service.go
// 功能: meshsteer.v1.Steering 的 ServiceDesc 與用戶端
//
// 訊息使用 google.protobuf.Struct（欄位名稱同 JSON tag），
// Heartbeat 回傳 google.protobuf.Timestamp。
//
//   RegisterSite  {site, endpoints[], paths[]}  → {site, changed}
//   Heartbeat     {site_id}                     → Timestamp (last_seen)
//   NotifyFlow    Flow                          → Binding
//   GetBinding    Flow                          → Binding
//   ListPaths     {}                            → {paths[]}
//   WatchEvents   {subscriber, types[]}         → stream Event
//
// ============================================================================

package server

import (
	"context"
	"fmt"
	"io"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/timestamppb"

	"github.com/ChuLiYu/meshsteer/pkg/types"
)

// ServiceName gRPC 服務全名，也是 health service 的整體名稱
const ServiceName = "meshsteer.v1.Steering"

const (
	methodRegisterSite = "/" + ServiceName + "/RegisterSite"
	methodHeartbeat    = "/" + ServiceName + "/Heartbeat"
	methodNotifyFlow   = "/" + ServiceName + "/NotifyFlow"
	methodGetBinding   = "/" + ServiceName + "/GetBinding"
	methodListPaths    = "/" + ServiceName + "/ListPaths"
	methodWatchEvents  = "/" + ServiceName + "/WatchEvents"
)

// SteeringServer 服務端介面
type SteeringServer interface {
	RegisterSite(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Heartbeat(context.Context, *structpb.Struct) (*timestamppb.Timestamp, error)
	NotifyFlow(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetBinding(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListPaths(context.Context, *structpb.Struct) (*structpb.Struct, error)
	WatchEvents(*structpb.Struct, EventStream) error
}

// EventStream WatchEvents 的服務端串流
type EventStream interface {
	Send(*structpb.Struct) error
	grpc.ServerStream
}

type eventStream struct {
	grpc.ServerStream
}

func (s *eventStream) Send(m *structpb.Struct) error {
	return s.ServerStream.SendMsg(m)
}

// unaryHandler 產生 unary 方法的 handler
func unaryHandler[Resp any](method string, call func(SteeringServer, context.Context, *structpb.Struct) (Resp, error)) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			resp, err := call(srv.(SteeringServer), ctx, in)
			return resp, err
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: method}
		handler := func(ctx context.Context, req any) (any, error) {
			resp, err := call(srv.(SteeringServer), ctx, req.(*structpb.Struct))
			return resp, err
		}
		return interceptor(ctx, in, info, handler)
	}
}

func watchEventsHandler(srv any, stream grpc.ServerStream) error {
	in := new(structpb.Struct)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(SteeringServer).WatchEvents(in, &eventStream{stream})
}

// SteeringServiceDesc 服務描述
var SteeringServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*SteeringServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "RegisterSite", Handler: unaryHandler(methodRegisterSite, SteeringServer.RegisterSite)},
		{MethodName: "Heartbeat", Handler: unaryHandler(methodHeartbeat, SteeringServer.Heartbeat)},
		{MethodName: "NotifyFlow", Handler: unaryHandler(methodNotifyFlow, SteeringServer.NotifyFlow)},
		{MethodName: "GetBinding", Handler: unaryHandler(methodGetBinding, SteeringServer.GetBinding)},
		{MethodName: "ListPaths", Handler: unaryHandler(methodListPaths, SteeringServer.ListPaths)},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "WatchEvents", Handler: watchEventsHandler, ServerStreams: true},
	},
	Metadata: "meshsteer/v1/steering.proto",
}

// RegisterSteeringServer 註冊服務
func RegisterSteeringServer(s grpc.ServiceRegistrar, srv SteeringServer) {
	s.RegisterService(&SteeringServiceDesc, srv)
}

// ============================================================================
// Client
// ============================================================================

// Registration RegisterSite 的請求內容
type Registration struct {
	Site      types.Site       `json:"site"`
	Endpoints []types.Endpoint `json:"endpoints,omitempty"`
	Paths     []types.Path     `json:"paths,omitempty"`
}

// Client Steering 服務的用戶端
type Client struct {
	cc grpc.ClientConnInterface
}

// NewClient 建立用戶端
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

func (c *Client) call(ctx context.Context, method string, req any, resp any) error {
	in, err := toStruct(req)
	if err != nil {
		return err
	}
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, method, in, out); err != nil {
		return err
	}
	if resp == nil {
		return nil
	}
	return fromStruct(out, resp)
}

// RegisterSite 註冊站點及其端點、路徑；回傳站點是否有變更
func (c *Client) RegisterSite(ctx context.Context, reg Registration) (bool, error) {
	var resp struct {
		Changed bool `json:"changed"`
	}
	if err := c.call(ctx, methodRegisterSite, reg, &resp); err != nil {
		return false, err
	}
	return resp.Changed, nil
}

// Heartbeat 回報站點存活，回傳引擎記錄的時間
func (c *Client) Heartbeat(ctx context.Context, site types.SiteID) (time.Time, error) {
	in, err := toStruct(heartbeatRequest{SiteID: site})
	if err != nil {
		return time.Time{}, err
	}
	out := new(timestamppb.Timestamp)
	if err := c.cc.Invoke(ctx, methodHeartbeat, in, out); err != nil {
		return time.Time{}, err
	}
	return out.AsTime(), nil
}

// NotifyFlow 回報流量活動
func (c *Client) NotifyFlow(ctx context.Context, f types.Flow) (types.Binding, error) {
	var b types.Binding
	err := c.call(ctx, methodNotifyFlow, f, &b)
	return b, err
}

// GetBinding 查詢流量目前的綁定
func (c *Client) GetBinding(ctx context.Context, f types.Flow) (types.Binding, error) {
	var b types.Binding
	err := c.call(ctx, methodGetBinding, f, &b)
	return b, err
}

// ListPaths 所有路徑快照
func (c *Client) ListPaths(ctx context.Context) ([]types.PathSnapshot, error) {
	var resp listPathsResponse
	if err := c.call(ctx, methodListPaths, struct{}{}, &resp); err != nil {
		return nil, err
	}
	return resp.Paths, nil
}

// EventReceiver 事件串流的用戶端
type EventReceiver struct {
	stream grpc.ClientStream
}

// Recv 阻塞直到下一筆事件；串流結束時回傳 io.EOF
func (r *EventReceiver) Recv() (types.Event, error) {
	out := new(structpb.Struct)
	if err := r.stream.RecvMsg(out); err != nil {
		return types.Event{}, err
	}
	var e types.Event
	if err := fromStruct(out, &e); err != nil {
		return types.Event{}, err
	}
	return e, nil
}

// WatchEvents 訂閱事件串流；filter 為空時接收全部類型
func (c *Client) WatchEvents(ctx context.Context, subscriber string, filter ...types.EventType) (*EventReceiver, error) {
	in, err := toStruct(watchRequest{Subscriber: subscriber, Types: filter})
	if err != nil {
		return nil, err
	}
	stream, err := c.cc.NewStream(ctx, &SteeringServiceDesc.Streams[0], methodWatchEvents)
	if err != nil {
		return nil, err
	}
	if err := stream.SendMsg(in); err != nil {
		return nil, fmt.Errorf("send watch request: %w", err)
	}
	if err := stream.CloseSend(); err != nil && err != io.EOF {
		return nil, fmt.Errorf("close send: %w", err)
	}
	return &EventReceiver{stream: stream}, nil
}

// ============================================================================
// 請求 / 回應格式
// ============================================================================

type heartbeatRequest struct {
	SiteID types.SiteID `json:"site_id"`
}

type registerResponse struct {
	Site    types.Site `json:"site"`
	Changed bool       `json:"changed"`
}

type listPathsResponse struct {
	Paths []types.PathSnapshot `json:"paths"`
}

type watchRequest struct {
	Subscriber string            `json:"subscriber,omitempty"`
	Types      []types.EventType `json:"types,omitempty"`
}
