package flowtable

import (
	"sort"
	"time"

	"github.com/ChuLiYu/meshsteer/pkg/types"
)

// policyCounters 策略層級的累計計數；流量被移除後仍保留
type policyCounters struct {
	flows         uint64
	notifications uint64
	firstSeen     time.Time
	lastUpdated   time.Time
}

func (t *Table) countLocked(id types.PolicyID, newFlow bool, now time.Time) {
	c, ok := t.matched[id]
	if !ok {
		c = &policyCounters{firstSeen: now}
		t.matched[id] = c
	}
	if newFlow {
		c.flows++
	}
	c.notifications++
	if now.After(c.lastUpdated) {
		c.lastUpdated = now
	}
}

// PolicyStats 每個策略的流量統計（依策略 ID 排序）
//
// 只列出曾經有流量或目前仍有流量的策略。
func (t *Table) PolicyStats() []types.PolicyStats {
	t.mu.RLock()
	defer t.mu.RUnlock()

	byID := make(map[types.PolicyID]*types.PolicyStats, len(t.matched))
	get := func(id types.PolicyID) *types.PolicyStats {
		ps, ok := byID[id]
		if !ok {
			ps = &types.PolicyStats{PolicyID: id}
			byID[id] = ps
		}
		return ps
	}

	for id, c := range t.matched {
		ps := get(id)
		ps.FlowsMatched = c.flows
		ps.Notifications = c.notifications
		ps.FirstSeen = c.firstSeen
		ps.LastUpdated = c.lastUpdated
	}
	for _, e := range t.flows {
		ps := get(e.binding.PolicyID)
		ps.ActiveFlows++
		if e.binding.Bound() {
			ps.BoundFlows++
		}
	}

	out := make([]types.PolicyStats, 0, len(byID))
	for _, ps := range byID {
		out = append(out, *ps)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PolicyID < out[j].PolicyID })
	return out
}
