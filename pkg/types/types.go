// Package types 定義了 meshsteer 系統中使用的核心領域模型
package types

import (
	"fmt"
	"net/netip"
	"time"
)

// SiteID 站點唯一識別碼
type SiteID string

// EndpointID 端點唯一識別碼
type EndpointID string

// PathID 路徑唯一識別碼（排序時作為穩定的 tie-breaker）
type PathID string

// PolicyID 路由策略識別碼
type PolicyID string

// ============================================================================
// 狀態定義
// ============================================================================

// SiteStatus 站點狀態
type SiteStatus string

const (
	SiteActive   SiteStatus = "active"   // 站點存活且所有路徑正常
	SiteDegraded SiteStatus = "degraded" // 至少一條路徑非 Up
	SiteDown     SiteStatus = "down"     // 所有路徑 Down 或心跳逾時
)

// PathStatus 路徑狀態
type PathStatus string

const (
	PathUp       PathStatus = "up"
	PathDegraded PathStatus = "degraded"
	PathDown     PathStatus = "down"
)

// Rank 返回狀態的優先序（數字越小越好），用於候選排序
func (s PathStatus) Rank() int {
	switch s {
	case PathUp:
		return 0
	case PathDegraded:
		return 1
	default:
		return 2
	}
}

// LinkType 實體鏈路類型標籤
type LinkType string

const (
	LinkFiber     LinkType = "fiber"
	LinkCellular  LinkType = "cellular"
	LinkSatellite LinkType = "satellite"
	LinkBroadband LinkType = "broadband"
)

// ============================================================================
// 拓撲結構
// ============================================================================

// Site 代表參與 mesh 的一個網路位置
type Site struct {
	ID        SiteID       `json:"id" yaml:"id"`
	Name      string       `json:"name" yaml:"name"`
	Endpoints []EndpointID `json:"endpoints,omitempty" yaml:"-"` // 由 store 維護
	LastSeen  time.Time    `json:"last_seen" yaml:"-"`           // 最後一次心跳
	Status    SiteStatus   `json:"status" yaml:"-"`
}

// Endpoint 站點擁有的一個可達位址；建立後除 Reachable 外不可變
type Endpoint struct {
	ID        EndpointID `json:"id" yaml:"id"`
	SiteID    SiteID     `json:"site_id" yaml:"site"`
	Address   string     `json:"address" yaml:"address"` // host:port
	LinkType  LinkType   `json:"link_type" yaml:"link_type"`
	CostPerGB float64    `json:"cost_per_gb" yaml:"cost_per_gb"`
	Reachable bool       `json:"reachable" yaml:"reachable"`
}

// Path 兩個端點之間的量測鏈路，端點以識別碼引用（不持有指標）
type Path struct {
	ID            PathID     `json:"id" yaml:"id"`
	Src           EndpointID `json:"src" yaml:"src"`
	Dst           EndpointID `json:"dst" yaml:"dst"`
	Bidirectional bool       `json:"bidirectional" yaml:"bidirectional"`
}

// ============================================================================
// 量測資料
// ============================================================================

// Sample 單次探測的量測結果，記錄後不可變
//
// Lost 為 true 時代表探測無回應：LatencyMs 與 JitterMs 無意義，Loss 為 1。
type Sample struct {
	At            time.Time `json:"at" yaml:"at"`
	LatencyMs     float64   `json:"latency_ms" yaml:"latency_ms"`
	JitterMs      float64   `json:"jitter_ms" yaml:"jitter_ms"`
	Loss          float64   `json:"loss" yaml:"loss"` // 0..1
	BandwidthMbps float64   `json:"bandwidth_mbps,omitempty" yaml:"bandwidth_mbps"`
	Lost          bool      `json:"lost" yaml:"lost"`
}

// WindowStats 一個取樣視窗的彙總統計
type WindowStats struct {
	Samples       int     `json:"samples"`
	Received      int     `json:"received"`
	LatencyMs     float64 `json:"latency_ms"`
	LatencyP50Ms  float64 `json:"latency_p50_ms"`
	LatencyP95Ms  float64 `json:"latency_p95_ms"`
	LatencyP99Ms  float64 `json:"latency_p99_ms"`
	JitterMs      float64 `json:"jitter_ms"`
	LossPct       float64 `json:"loss_pct"` // 0..100
	BandwidthMbps float64 `json:"bandwidth_mbps"`
	CostPerGB     float64 `json:"cost_per_gb"`
}

// HasLatency 視窗內是否至少有一次成功的探測
func (w WindowStats) HasLatency() bool {
	return w.Received > 0
}

// PathSnapshot 路徑狀態的唯讀快照，供決策與監控使用
type PathSnapshot struct {
	ID           PathID      `json:"id"`
	Src          EndpointID  `json:"src"`
	Dst          EndpointID  `json:"dst"`
	SrcSite      SiteID      `json:"src_site"`
	DstSite      SiteID      `json:"dst_site"`
	Score        float64     `json:"score"`
	Status       PathStatus  `json:"status"`
	Recovering   bool        `json:"recovering,omitempty"` // 由 Down 回到 Degraded，尚未重新 Up
	LastSampleAt time.Time   `json:"last_sample_at"`
	Stats        WindowStats `json:"stats"`
}

// Selectable 是否可被選為流量路徑：Down 與尚未恢復 Up 的路徑都不可選
func (p PathSnapshot) Selectable() bool {
	return p.Status != PathDown && !p.Recovering
}

// ============================================================================
// 流量與綁定
// ============================================================================

// Protocol IP 協定號碼（6=TCP, 17=UDP）
type Protocol uint8

const (
	ProtoICMP Protocol = 1
	ProtoTCP  Protocol = 6
	ProtoUDP  Protocol = 17
)

// Flow 五元組等價的流量描述，可直接作為 map key
type Flow struct {
	SrcSite      SiteID     `json:"src_site"`
	DstSite      SiteID     `json:"dst_site"`
	SrcAddr      netip.Addr `json:"src_addr"`
	DstAddr      netip.Addr `json:"dst_addr"`
	Protocol     Protocol   `json:"protocol"`
	SrcPort      uint16     `json:"src_port"`
	DstPort      uint16     `json:"dst_port"`
	TrafficClass uint8      `json:"traffic_class"` // DSCP
}

func (f Flow) String() string {
	return fmt.Sprintf("%s/%s:%d->%s/%s:%d proto=%d dscp=%d",
		f.SrcSite, f.SrcAddr, f.SrcPort, f.DstSite, f.DstAddr, f.DstPort, f.Protocol, f.TrafficClass)
}

// Binding 流量目前的路徑指派
//
// PathID 為空代表該流量目前沒有可用路徑（等待下一次重新評估）。
type Binding struct {
	Flow         Flow      `json:"flow"`
	PathID       PathID    `json:"path_id"`
	PolicyID     PolicyID  `json:"policy_id"`
	BoundAt      time.Time `json:"bound_at"`
	LastSwitchAt time.Time `json:"last_switch_at"`
	LastActivity time.Time `json:"last_activity"`
	Switches     int       `json:"switches"`
}

// Bound 流量是否已綁定到某條路徑
func (b Binding) Bound() bool {
	return b.PathID != ""
}

// PolicyStats 單一策略的流量統計
//
// FlowsMatched 為曾經解析到此策略的不同流量數；Notifications 為流量活動次數。
// ActiveFlows / BoundFlows 為目前綁定表中的數量。
type PolicyStats struct {
	PolicyID      PolicyID  `json:"policy_id"`
	FlowsMatched  uint64    `json:"flows_matched"`
	Notifications uint64    `json:"notifications"`
	ActiveFlows   int       `json:"active_flows"`
	BoundFlows    int       `json:"bound_flows"`
	FirstSeen     time.Time `json:"first_seen"`
	LastUpdated   time.Time `json:"last_updated"`
}
