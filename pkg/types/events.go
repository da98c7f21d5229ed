package types

import "time"

// EventType 事件類型
type EventType string

const (
	EventPathStatusChanged EventType = "path_status_changed"
	EventPathProbeFailed   EventType = "path_probe_failed"
	EventFlowBound         EventType = "flow_bound"
	EventFlowRebound       EventType = "flow_rebound"
	EventFlowUnbound       EventType = "flow_unbound"
	EventFlowEvicted       EventType = "flow_evicted"
	EventPolicySetReplaced EventType = "policy_set_replaced"
)

// RebindReason 流量切換原因
type RebindReason string

const (
	ReasonFailover RebindReason = "failover" // 目前路徑 Down 或低於門檻，立即切換
	ReasonFailback RebindReason = "failback" // 更佳路徑持續可用超過 hysteresis
	ReasonNoPath   RebindReason = "no_path"  // 所有候選路徑皆 Down
	ReasonRestored RebindReason = "restored" // 原本無路徑的流量重新取得路徑
)

// Event 事件串流中的一筆記錄
//
// Seq 由事件匯流排依發布順序遞增指派；欄位依 Type 選擇性填寫。
type Event struct {
	ID   string    `json:"id"`
	Seq  uint64    `json:"seq"`
	Type EventType `json:"type"`
	At   time.Time `json:"at"`

	// 路徑相關
	PathID     PathID     `json:"path_id,omitempty"`
	FromStatus PathStatus `json:"from_status,omitempty"`
	ToStatus   PathStatus `json:"to_status,omitempty"`
	Score      float64    `json:"score,omitempty"`
	Error      string     `json:"error,omitempty"`

	// 流量相關
	Flow     *Flow        `json:"flow,omitempty"`
	FromPath PathID       `json:"from_path,omitempty"`
	ToPath   PathID       `json:"to_path,omitempty"`
	PolicyID PolicyID     `json:"policy_id,omitempty"`
	Reason   RebindReason `json:"reason,omitempty"`

	// 策略相關
	PolicyVersion uint64 `json:"policy_version,omitempty"`
}
