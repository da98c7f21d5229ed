// ============================================================================
// meshsteer 策略引擎 - 路由策略比對
// ============================================================================
//
// Package: internal/policy
// 文件: policy.go
// 功能: 保存依優先序排列的路由策略，將流量描述比對到第一個符合的策略
//
// 比對規則:
//   - 依 Priority 升冪逐一比對（數字越小越先）
//   - Match 中缺省的欄位視為萬用字元
//   - 協定 / 流量類別 / 站點：完全相等
//   - 埠號：區間包含（含端點）
//   - 來源 / 目的位址：CIDR 包含
//   - Disabled 的策略不參與比對
//   - 沒有符合者 → 回傳預設的 best-effort 策略
//
// 原子替換:
//   整組策略以 atomic.Pointer 保存；Replace 先完整驗證，通過後一次換上。
//   驗證失敗時目前生效的策略組完全不變，讀取端永遠看不到新舊混合的狀態。
//
// ============================================================================

package policy

import (
	"errors"
	"fmt"
	"math"
	"net/netip"
	"sort"
	"sync/atomic"
	"time"

	"github.com/ChuLiYu/meshsteer/internal/scoring"
	"github.com/ChuLiYu/meshsteer/pkg/types"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// ErrInvalidPolicySet 策略組驗證失敗，整組被拒絕
	ErrInvalidPolicySet = errors.New("invalid policy set")
	// ErrUnknownPolicy 策略組中沒有此識別碼
	ErrUnknownPolicy = errors.New("unknown policy")
)

// ============================================================================
// 資料結構定義
// ============================================================================

// Strategy 路徑選擇策略
type Strategy string

const (
	StrategyLowestLatency    Strategy = "lowest-latency"
	StrategyHighestBandwidth Strategy = "highest-bandwidth"
	StrategyLeastLoss        Strategy = "least-loss"
	StrategyLowestCost       Strategy = "lowest-cost"
	StrategyRoundRobin       Strategy = "round-robin"
	StrategyWeighted         Strategy = "weighted"
	StrategyPrimaryBackup    Strategy = "primary-backup"
	StrategyBestScore        Strategy = "best-score"
)

// Valid 是否為已知策略
func (s Strategy) Valid() bool {
	switch s {
	case StrategyLowestLatency, StrategyHighestBandwidth, StrategyLeastLoss,
		StrategyLowestCost, StrategyRoundRobin, StrategyWeighted,
		StrategyPrimaryBackup, StrategyBestScore:
		return true
	}
	return false
}

// Sticky 該策略是否維持綁定並做 failback；輪詢與加權只在失效時切換
func (s Strategy) Sticky() bool {
	return s != StrategyRoundRobin && s != StrategyWeighted
}

// 預設值
const (
	DefaultPolicyID           types.PolicyID = "default"
	DefaultFailoverThreshold                 = 70.0
	DefaultFailbackHysteresis                = 30 * time.Second
)

// PortRange 含端點的埠號區間
type PortRange struct {
	From uint16 `json:"from" yaml:"from"`
	To   uint16 `json:"to" yaml:"to"`
}

// Contains 埠號是否在區間內
func (r PortRange) Contains(port uint16) bool {
	return port >= r.From && port <= r.To
}

// Match 比對條件，nil / 空值為萬用字元
type Match struct {
	Protocol     *types.Protocol `json:"protocol,omitempty" yaml:"protocol"`
	SrcPorts     *PortRange      `json:"src_ports,omitempty" yaml:"src_ports"`
	DstPorts     *PortRange      `json:"dst_ports,omitempty" yaml:"dst_ports"`
	TrafficClass *uint8          `json:"traffic_class,omitempty" yaml:"traffic_class"`
	SrcSite      types.SiteID    `json:"src_site,omitempty" yaml:"src_site"`
	DstSite      types.SiteID    `json:"dst_site,omitempty" yaml:"dst_site"`
	SrcPrefix    string          `json:"src_prefix,omitempty" yaml:"src_prefix"`
	DstPrefix    string          `json:"dst_prefix,omitempty" yaml:"dst_prefix"`

	srcPrefix netip.Prefix
	dstPrefix netip.Prefix
}

// Policy 一條路由策略
type Policy struct {
	ID                 types.PolicyID           `json:"id" yaml:"id"`
	Name               string                   `json:"name,omitempty" yaml:"name"`
	Priority           int                      `json:"priority" yaml:"priority"`
	Match              Match                    `json:"match" yaml:"match"`
	Strategy           Strategy                 `json:"strategy" yaml:"strategy"`
	Profile            string                   `json:"profile,omitempty" yaml:"profile"`
	FailoverThreshold  *float64                 `json:"failover_threshold,omitempty" yaml:"failover_threshold"` // nil = 70；0 = 分數不觸發 failover
	FailbackHysteresis time.Duration            `json:"failback_hysteresis" yaml:"failback_hysteresis"`
	PathWeights        map[types.PathID]float64 `json:"path_weights,omitempty" yaml:"path_weights"`
	PreferredPaths     []types.PathID           `json:"preferred_paths,omitempty" yaml:"preferred_paths"`
	SLA                *SLA                     `json:"sla,omitempty" yaml:"sla"`
	Disabled           bool                     `json:"disabled,omitempty" yaml:"disabled"`

	profile    scoring.Profile
	hasProfile bool
}

// Threshold 生效的 failover 門檻；未設定時為 DefaultFailoverThreshold
func (p *Policy) Threshold() float64 {
	if p.FailoverThreshold == nil {
		return DefaultFailoverThreshold
	}
	return *p.FailoverThreshold
}

// Float 方便以字面值設定 FailoverThreshold 與 SLA 上限
func Float(v float64) *float64 { return &v }

// ScoringProfile 策略引用的 Profile（驗證後才有值）
func (p *Policy) ScoringProfile() (scoring.Profile, bool) {
	return p.profile, p.hasProfile
}

// Set 一組完整的策略與其引用的自訂 Profile
type Set struct {
	Policies []Policy                   `json:"policies" yaml:"policies"`
	Profiles map[string]scoring.Profile `json:"profiles,omitempty" yaml:"profiles"`
}

// DefaultPolicy best-effort 預設策略：依綜合分數選最佳路徑
func DefaultPolicy() *Policy {
	return &Policy{
		ID:                 DefaultPolicyID,
		Name:               "best-effort",
		Priority:           math.MaxInt,
		Strategy:           StrategyBestScore,
		FailbackHysteresis: DefaultFailbackHysteresis,
	}
}

// ============================================================================
// 比對
// ============================================================================

// Matches 流量是否符合此策略的比對條件
func (p *Policy) Matches(f types.Flow) bool {
	m := &p.Match
	if m.Protocol != nil && *m.Protocol != f.Protocol {
		return false
	}
	if m.SrcPorts != nil && !m.SrcPorts.Contains(f.SrcPort) {
		return false
	}
	if m.DstPorts != nil && !m.DstPorts.Contains(f.DstPort) {
		return false
	}
	if m.TrafficClass != nil && *m.TrafficClass != f.TrafficClass {
		return false
	}
	if m.SrcSite != "" && m.SrcSite != f.SrcSite {
		return false
	}
	if m.DstSite != "" && m.DstSite != f.DstSite {
		return false
	}
	if m.srcPrefix.IsValid() && !(f.SrcAddr.IsValid() && m.srcPrefix.Contains(f.SrcAddr.Unmap())) {
		return false
	}
	if m.dstPrefix.IsValid() && !(f.DstAddr.IsValid() && m.dstPrefix.Contains(f.DstAddr.Unmap())) {
		return false
	}
	return true
}

// ============================================================================
// 驗證
// ============================================================================

// Compile 驗證策略組並回傳可直接使用的副本（依優先序排序）
//
// 所有問題會一次收集後以 errors.Join 回傳，並包裝 ErrInvalidPolicySet。
func Compile(set Set) ([]Policy, error) {
	var problems []error
	seenID := make(map[types.PolicyID]struct{})
	seenPriority := make(map[int]types.PolicyID)

	for name, prof := range set.Profiles {
		prof.Name = name
		if err := prof.Validate(); err != nil {
			problems = append(problems, err)
		}
	}

	out := make([]Policy, 0, len(set.Policies))
	for i := range set.Policies {
		p := clonePolicy(set.Policies[i])
		label := fmt.Sprintf("policy %q", p.ID)

		if p.ID == "" {
			problems = append(problems, fmt.Errorf("policy #%d: id is empty", i))
			label = fmt.Sprintf("policy #%d", i)
		} else if p.ID == DefaultPolicyID {
			problems = append(problems, fmt.Errorf("%s: id is reserved", label))
		} else if _, dup := seenID[p.ID]; dup {
			problems = append(problems, fmt.Errorf("%s: duplicate id", label))
		}
		seenID[p.ID] = struct{}{}

		if other, dup := seenPriority[p.Priority]; dup {
			problems = append(problems, fmt.Errorf("%s: priority %d already used by %q", label, p.Priority, other))
		} else {
			seenPriority[p.Priority] = p.ID
		}

		if p.Strategy == "" {
			p.Strategy = StrategyBestScore
		}
		if !p.Strategy.Valid() {
			problems = append(problems, fmt.Errorf("%s: unknown strategy %q", label, p.Strategy))
		}

		if th := p.Threshold(); th < 0 || th > 100 {
			problems = append(problems, fmt.Errorf("%s: failover threshold %.1f out of range", label, th))
		}
		if p.FailbackHysteresis == 0 {
			p.FailbackHysteresis = DefaultFailbackHysteresis
		}
		if p.FailbackHysteresis < 0 {
			problems = append(problems, fmt.Errorf("%s: negative failback hysteresis", label))
		}

		if p.Profile != "" {
			prof, err := scoring.Lookup(p.Profile, set.Profiles)
			if err != nil {
				problems = append(problems, fmt.Errorf("%s: %w", label, err))
			} else {
				p.profile, p.hasProfile = prof, true
			}
		}

		problems = append(problems, compileMatch(label, &p.Match)...)
		if p.SLA != nil {
			problems = append(problems, p.SLA.validate(label)...)
		}

		switch p.Strategy {
		case StrategyWeighted:
			if len(p.PathWeights) == 0 {
				problems = append(problems, fmt.Errorf("%s: weighted strategy needs path_weights", label))
			}
			for id, w := range p.PathWeights {
				if w < 0 {
					problems = append(problems, fmt.Errorf("%s: negative weight for path %q", label, id))
				}
			}
		case StrategyPrimaryBackup:
			if len(p.PreferredPaths) == 0 {
				problems = append(problems, fmt.Errorf("%s: primary-backup strategy needs preferred_paths", label))
			}
		}

		out = append(out, p)
	}

	if len(problems) > 0 {
		return nil, fmt.Errorf("%w: %w", ErrInvalidPolicySet, errors.Join(problems...))
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].Priority < out[j].Priority })
	return out, nil
}

func compileMatch(label string, m *Match) []error {
	var problems []error
	if m.SrcPorts != nil && m.SrcPorts.From > m.SrcPorts.To {
		problems = append(problems, fmt.Errorf("%s: src port range %d-%d is inverted", label, m.SrcPorts.From, m.SrcPorts.To))
	}
	if m.DstPorts != nil && m.DstPorts.From > m.DstPorts.To {
		problems = append(problems, fmt.Errorf("%s: dst port range %d-%d is inverted", label, m.DstPorts.From, m.DstPorts.To))
	}
	if m.SrcPrefix != "" {
		prefix, err := netip.ParsePrefix(m.SrcPrefix)
		if err != nil {
			problems = append(problems, fmt.Errorf("%s: src prefix: %w", label, err))
		}
		m.srcPrefix = prefix.Masked()
	}
	if m.DstPrefix != "" {
		prefix, err := netip.ParsePrefix(m.DstPrefix)
		if err != nil {
			problems = append(problems, fmt.Errorf("%s: dst prefix: %w", label, err))
		}
		m.dstPrefix = prefix.Masked()
	}
	return problems
}

// clonePolicy 深拷貝，避免呼叫者事後修改已生效的策略
func clonePolicy(p Policy) Policy {
	if p.Match.Protocol != nil {
		v := *p.Match.Protocol
		p.Match.Protocol = &v
	}
	if p.Match.SrcPorts != nil {
		v := *p.Match.SrcPorts
		p.Match.SrcPorts = &v
	}
	if p.Match.DstPorts != nil {
		v := *p.Match.DstPorts
		p.Match.DstPorts = &v
	}
	if p.Match.TrafficClass != nil {
		v := *p.Match.TrafficClass
		p.Match.TrafficClass = &v
	}
	if p.PathWeights != nil {
		w := make(map[types.PathID]float64, len(p.PathWeights))
		for k, v := range p.PathWeights {
			w[k] = v
		}
		p.PathWeights = w
	}
	if p.PreferredPaths != nil {
		p.PreferredPaths = append([]types.PathID(nil), p.PreferredPaths...)
	}
	p.FailoverThreshold = cloneFloat(p.FailoverThreshold)
	if p.SLA != nil {
		sla := SLA{
			MaxLatencyMs: cloneFloat(p.SLA.MaxLatencyMs),
			MaxJitterMs:  cloneFloat(p.SLA.MaxJitterMs),
			MaxLossPct:   cloneFloat(p.SLA.MaxLossPct),
			MinSamples:   p.SLA.MinSamples,
		}
		p.SLA = &sla
	}
	return p
}

func cloneFloat(v *float64) *float64 {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

// ============================================================================
// Engine
// ============================================================================

type compiled struct {
	policies []Policy
	version  uint64
}

// Engine 保存目前生效的策略組
type Engine struct {
	current  atomic.Pointer[compiled]
	fallback atomic.Pointer[Policy]
}

// NewEngine 建立空策略組的 Engine（所有流量都落到預設策略）
func NewEngine() *Engine {
	e := &Engine{}
	e.current.Store(&compiled{})
	e.fallback.Store(DefaultPolicy())
	return e
}

// SetDefaultProfile 讓預設策略以指定 Profile 評分
func (e *Engine) SetDefaultProfile(p scoring.Profile) {
	fb := DefaultPolicy()
	fb.Profile = p.Name
	fb.profile, fb.hasProfile = p, true
	e.fallback.Store(fb)
}

// Validate 只驗證，不替換
func (e *Engine) Validate(set Set) error {
	_, err := Compile(set)
	return err
}

// Replace 驗證並原子替換整組策略，回傳新版本號
func (e *Engine) Replace(set Set) (uint64, error) {
	policies, err := Compile(set)
	if err != nil {
		return 0, err
	}
	for {
		old := e.current.Load()
		next := &compiled{policies: policies, version: old.version + 1}
		if e.current.CompareAndSwap(old, next) {
			return next.version, nil
		}
	}
}

// Resolve 回傳第一個符合的策略，沒有則回傳預設策略
//
// 回傳的指標指向不可變的已生效策略，呼叫者不得修改。
func (e *Engine) Resolve(f types.Flow) *Policy {
	cur := e.current.Load()
	for i := range cur.policies {
		p := &cur.policies[i]
		if p.Disabled {
			continue
		}
		if p.Matches(f) {
			return p
		}
	}
	return e.fallback.Load()
}

// Lookup 依識別碼取得策略
func (e *Engine) Lookup(id types.PolicyID) (*Policy, bool) {
	if id == DefaultPolicyID {
		return e.fallback.Load(), true
	}
	cur := e.current.Load()
	for i := range cur.policies {
		if cur.policies[i].ID == id {
			return &cur.policies[i], true
		}
	}
	return nil, false
}

// Policies 目前生效策略的副本（依優先序）
func (e *Engine) Policies() []Policy {
	cur := e.current.Load()
	out := make([]Policy, len(cur.policies))
	for i := range cur.policies {
		out[i] = clonePolicy(cur.policies[i])
	}
	return out
}

// Version 目前策略組版本，每次成功替換加一
func (e *Engine) Version() uint64 {
	return e.current.Load().version
}
