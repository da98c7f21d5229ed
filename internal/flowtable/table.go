// ============================================================================
// meshsteer 流量綁定表 - Flow → Path 指派
// ============================================================================
//
// Package: internal/flowtable
// 文件: table.go
// 功能: 決定並記住每個活躍流量使用的路徑，維持黏性並以 hysteresis 控制切換
//
// 新流量:
//   1. Resolve 取得策略
//   2. 取出連接兩站點的路徑，排除不可選的（Down 或尚未恢復 Up）
//   3. 依策略排序（同分以 PathID 排序），綁定第一名
//   4. 沒有可用路徑 → 仍記錄流量（未綁定），回傳 ErrNoAvailablePath
//
// 每次重新評估 (Reevaluate):
//   - 目前路徑 Down / 已移除        → 立即切換到最佳可用路徑；都沒有 → 解除綁定
//   - 目前路徑分數 < 策略門檻       → 立即切換到最佳 Up 替代路徑（沒有就維持，繼續 failback 判斷）
//   - 目前路徑正常但有更佳 Up 路徑  → 該路徑連續勝出 hysteresis 後才切回（failback）
//   - 未綁定的流量                  → 有可用路徑時重新綁定（restored）
//
// 防止來回擺盪:
//   因失效而離開的路徑記在 held 集合裡，只能經由 failback（需要 hysteresis）回去，
//   不會在門檻失效切換時被立即選回。
//
// 並發安全:
//   單一 RWMutex 保護整張表，查詢用 RLock；同一流量的綁定與切換在鎖內完成，
//   不會出現兩條路徑同時被視為有效的瞬間。
//   鎖順序：Table → 路徑來源（pathstore），反向呼叫不允許。
//
// ============================================================================

package flowtable

import (
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/ChuLiYu/meshsteer/internal/policy"
	"github.com/ChuLiYu/meshsteer/pkg/types"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// ErrUnknownFlow 流量不在表中
	ErrUnknownFlow = errors.New("unknown flow")
	// ErrNoAvailablePath 所有候選路徑皆不可用
	ErrNoAvailablePath = errors.New("no available path")
)

// DefaultIdleTimeout 流量閒置多久後被移除
const DefaultIdleTimeout = 300 * time.Second

// ============================================================================
// 介面
// ============================================================================

// PathSource 提供兩站點之間的路徑快照
type PathSource interface {
	PathsBetween(src, dst types.SiteID) []types.PathSnapshot
}

// Resolver 將流量對應到策略
type Resolver interface {
	Resolve(f types.Flow) *policy.Policy
}

// ============================================================================
// 資料結構定義
// ============================================================================

// Change 一次綁定變化，由呼叫者轉成事件
type Change struct {
	Type     types.EventType
	Flow     types.Flow
	From     types.PathID
	To       types.PathID
	PolicyID types.PolicyID
	Reason   types.RebindReason
	At       time.Time
}

type entry struct {
	binding        types.Binding
	held           map[types.PathID]struct{}
	candidate      types.PathID
	candidateSince time.Time
}

// Config 綁定表參數
type Config struct {
	IdleTimeout time.Duration
	Seed        int64 // weighted 策略的亂數種子
}

// Table 流量綁定表
type Table struct {
	mu       sync.RWMutex
	flows    map[types.Flow]*entry
	rr       map[types.PolicyID]uint64
	matched  map[types.PolicyID]*policyCounters
	rng      *rand.Rand
	source   PathSource
	policies Resolver
	idle     time.Duration
}

// New 建立綁定表
func New(source PathSource, policies Resolver, cfg Config) *Table {
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &Table{
		flows:    make(map[types.Flow]*entry),
		rr:       make(map[types.PolicyID]uint64),
		matched:  make(map[types.PolicyID]*policyCounters),
		rng:      rand.New(rand.NewSource(seed)),
		source:   source,
		policies: policies,
		idle:     cfg.IdleTimeout,
	}
}

// ============================================================================
// 公開方法
// ============================================================================

// Notify 記錄流量活動；首次出現時解析策略並綁定
//
// 回傳目前綁定，以及本次建立綁定時的 Change（沒有變化為 nil）。
// 沒有可用路徑時流量仍留在表中（未綁定），回傳 ErrNoAvailablePath。
func (t *Table) Notify(f types.Flow, now time.Time) (types.Binding, *Change, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.flows[f]
	if ok {
		if now.After(e.binding.LastActivity) {
			e.binding.LastActivity = now
		}
		if e.binding.Bound() {
			t.countLocked(e.binding.PolicyID, false, now)
			return e.binding, nil, nil
		}
	} else {
		e = &entry{
			binding: types.Binding{Flow: f, LastActivity: now},
			held:    make(map[types.PathID]struct{}),
		}
		t.flows[f] = e
	}

	// 未綁定的流量不看 held：Selectable 已排除 Down 與尚未恢復的路徑
	p := t.policies.Resolve(f)
	e.binding.PolicyID = p.ID
	t.countLocked(p.ID, !ok, now)
	best, found := t.pick(p, t.selectable(f, "", nil, false))
	if !found {
		return e.binding, nil, fmt.Errorf("%w: %s", ErrNoAvailablePath, f)
	}

	reason := types.RebindReason("")
	if ok {
		reason = types.ReasonRestored
	}
	ch := t.bindLocked(e, best.ID, now, reason)
	ch.Type = types.EventFlowBound
	return e.binding, ch, nil
}

// Lookup 取得流量目前的綁定
func (t *Table) Lookup(f types.Flow) (types.Binding, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	e, ok := t.flows[f]
	if !ok {
		return types.Binding{}, fmt.Errorf("%w: %s", ErrUnknownFlow, f)
	}
	return e.binding, nil
}

// Bindings 所有流量綁定（依流量字串排序）
func (t *Table) Bindings() []types.Binding {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]types.Binding, 0, len(t.flows))
	for _, e := range t.flows {
		out = append(out, e.binding)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Flow.String() < out[j].Flow.String() })
	return out
}

// Len 表中的流量數
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.flows)
}

// Remove 移除流量
func (t *Table) Remove(f types.Flow) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.flows[f]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownFlow, f)
	}
	delete(t.flows, f)
	return nil
}

// EvictIdle 移除閒置超過 idle timeout 的流量
func (t *Table) EvictIdle(now time.Time) []Change {
	t.mu.Lock()
	defer t.mu.Unlock()

	var changes []Change
	for f, e := range t.flows {
		if now.Sub(e.binding.LastActivity) <= t.idle {
			continue
		}
		delete(t.flows, f)
		changes = append(changes, Change{
			Type:     types.EventFlowEvicted,
			Flow:     f,
			From:     e.binding.PathID,
			PolicyID: e.binding.PolicyID,
			At:       now,
		})
	}
	sortChanges(changes)
	return changes
}

// Reevaluate 重新評估所有流量，回傳本次的綁定變化
//
// 每次都重新解析策略，讓策略組替換在下一次評估生效。
func (t *Table) Reevaluate(now time.Time) []Change {
	t.mu.Lock()
	defer t.mu.Unlock()

	flows := make([]types.Flow, 0, len(t.flows))
	for f := range t.flows {
		flows = append(flows, f)
	}
	sort.Slice(flows, func(i, j int) bool { return flows[i].String() < flows[j].String() })

	var changes []Change
	for _, f := range flows {
		if ch := t.reevaluateLocked(t.flows[f], now); ch != nil {
			changes = append(changes, *ch)
		}
	}
	return changes
}

// ============================================================================
// 內部邏輯
// ============================================================================

func (t *Table) reevaluateLocked(e *entry, now time.Time) *Change {
	f := e.binding.Flow
	p := t.policies.Resolve(f)
	e.binding.PolicyID = p.ID
	paths := t.source.PathsBetween(f.SrcSite, f.DstSite)

	if !e.binding.Bound() {
		best, ok := t.pick(p, filterSelectable(paths, "", nil, false))
		if !ok {
			return nil
		}
		ch := t.bindLocked(e, best.ID, now, types.ReasonRestored)
		ch.Type = types.EventFlowRebound
		return ch
	}

	cur, present := findPath(paths, e.binding.PathID)

	// 1. 目前路徑失效：立即切換，held 路徑只作為最後手段；
	//    有歷史的 held 路徑仍優先於沒測過的路徑
	if !present || cur.Status == types.PathDown {
		all := filterSelectable(paths, e.binding.PathID, nil, false)
		best, ok := t.pick(p, preferMeasured(p, filterSelectable(paths, e.binding.PathID, e.held, false), all))
		if !ok {
			best, ok = t.pick(p, all)
		}
		if !ok {
			return t.unbindLocked(e, now)
		}
		return t.failoverLocked(e, best.ID, now)
	}

	// 2. 低於策略門檻或違反 SLA：立即切換到非 held 的 Up 替代路徑；沒有就留給 failback 判斷
	scoreBreach := effectiveScore(p, cur) < p.Threshold()
	slaBreach := p.CheckSLA(cur.Stats).Violated()
	if scoreBreach || slaBreach {
		alts := filterSelectable(paths, e.binding.PathID, e.held, true)
		pool := preferMeasured(p, alts, append([]types.PathSnapshot{cur}, alts...))
		if slaBreach && !scoreBreach {
			pool = slaCompliant(p, pool)
		}
		if best, ok := t.pick(p, pool); ok {
			return t.failoverLocked(e, best.ID, now)
		}
	}

	// 3. failback：更佳的 Up 路徑需連續勝出 hysteresis
	if !p.Strategy.Sticky() {
		return nil
	}
	better := t.betterAlternative(p, paths, cur)
	if better == "" {
		e.candidate = ""
		return nil
	}
	if better != e.candidate {
		e.candidate = better
		e.candidateSince = now
	}
	if now.Sub(e.candidateSince) < p.FailbackHysteresis {
		return nil
	}
	ch := t.bindLocked(e, better, now, types.ReasonFailback)
	ch.Type = types.EventFlowRebound
	return ch
}

// betterAlternative 找出排名嚴格優於目前路徑、且分數不低於門檻的 Up 路徑
func (t *Table) betterAlternative(p *policy.Policy, paths []types.PathSnapshot, cur types.PathSnapshot) types.PathID {
	var pool []types.PathSnapshot
	for _, ps := range paths {
		if ps.ID == cur.ID || ps.Status != types.PathUp || !ps.Selectable() {
			continue
		}
		if ps.Stats.Samples == 0 || effectiveScore(p, ps) < p.Threshold() {
			continue
		}
		pool = append(pool, ps)
	}
	if len(pool) == 0 {
		return ""
	}
	ranked := rank(p, pool)
	if compare(p, ranked[0], cur) >= 0 {
		return ""
	}
	return ranked[0].ID
}

func (t *Table) failoverLocked(e *entry, to types.PathID, now time.Time) *Change {
	e.held[e.binding.PathID] = struct{}{}
	ch := t.bindLocked(e, to, now, types.ReasonFailover)
	ch.Type = types.EventFlowRebound
	return ch
}

func (t *Table) unbindLocked(e *entry, now time.Time) *Change {
	from := e.binding.PathID
	e.held[from] = struct{}{}
	e.binding.PathID = ""
	e.binding.LastSwitchAt = now
	e.candidate = ""
	return &Change{
		Type:     types.EventFlowUnbound,
		Flow:     e.binding.Flow,
		From:     from,
		PolicyID: e.binding.PolicyID,
		Reason:   types.ReasonNoPath,
		At:       now,
	}
}

// bindLocked 原子地改寫綁定；新路徑不再是 held
func (t *Table) bindLocked(e *entry, to types.PathID, now time.Time, reason types.RebindReason) *Change {
	from := e.binding.PathID
	e.binding.PathID = to
	if from == "" && e.binding.BoundAt.IsZero() {
		e.binding.BoundAt = now
	} else {
		e.binding.LastSwitchAt = now
		e.binding.Switches++
	}
	delete(e.held, to)
	e.candidate = ""
	return &Change{
		Flow:     e.binding.Flow,
		From:     from,
		To:       to,
		PolicyID: e.binding.PolicyID,
		Reason:   reason,
		At:       now,
	}
}

func (t *Table) selectable(f types.Flow, exclude types.PathID, held map[types.PathID]struct{}, upOnly bool) []types.PathSnapshot {
	return filterSelectable(t.source.PathsBetween(f.SrcSite, f.DstSite), exclude, held, upOnly)
}

func filterSelectable(paths []types.PathSnapshot, exclude types.PathID, held map[types.PathID]struct{}, upOnly bool) []types.PathSnapshot {
	out := make([]types.PathSnapshot, 0, len(paths))
	for _, ps := range paths {
		if ps.ID == exclude || !ps.Selectable() {
			continue
		}
		if upOnly && ps.Status != types.PathUp {
			continue
		}
		if _, isHeld := held[ps.ID]; isHeld {
			continue
		}
		out = append(out, ps)
	}
	return out
}

// preferMeasured 只要 alternatives 中有任何一條有歷史且分數 > 0 的路徑，
// 就從 pool 移除沒測過的路徑
func preferMeasured(p *policy.Policy, pool, alternatives []types.PathSnapshot) []types.PathSnapshot {
	measured := false
	for _, ps := range alternatives {
		if ps.Stats.Samples > 0 && effectiveScore(p, ps) > 0 {
			measured = true
			break
		}
	}
	if !measured {
		return pool
	}
	out := make([]types.PathSnapshot, 0, len(pool))
	for _, ps := range pool {
		if ps.Stats.Samples > 0 {
			out = append(out, ps)
		}
	}
	return out
}

func slaCompliant(p *policy.Policy, pool []types.PathSnapshot) []types.PathSnapshot {
	out := make([]types.PathSnapshot, 0, len(pool))
	for _, ps := range pool {
		if p.CheckSLA(ps.Stats).Compliant() {
			out = append(out, ps)
		}
	}
	return out
}

func findPath(paths []types.PathSnapshot, id types.PathID) (types.PathSnapshot, bool) {
	for _, ps := range paths {
		if ps.ID == id {
			return ps, true
		}
	}
	return types.PathSnapshot{}, false
}

func sortChanges(changes []Change) {
	sort.Slice(changes, func(i, j int) bool { return changes[i].Flow.String() < changes[j].Flow.String() })
}
