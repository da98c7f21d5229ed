package flowtable

import (
	"sort"

	"github.com/ChuLiYu/meshsteer/internal/policy"
	"github.com/ChuLiYu/meshsteer/internal/scoring"
	"github.com/ChuLiYu/meshsteer/pkg/types"
)

// effectiveScore 策略有 Profile 時以該 Profile 重新評分，否則使用路徑目前的分數
func effectiveScore(p *policy.Policy, s types.PathSnapshot) float64 {
	if prof, ok := p.ScoringProfile(); ok {
		return scoring.Score(s.Stats, prof)
	}
	return s.Score
}

// compare 依策略比較兩條路徑，<0 代表 a 較佳；不含 PathID tie-break
//
// 排序層級：
//  1. 有樣本的路徑優先（沒測過的路徑永遠排在有歷史的路徑之後）
//  2. 符合策略 SLA 的路徑優先
//  3. Up 優先於 Degraded
//  4. 策略本身的主鍵
//  5. 有效分數（高者優先）
func compare(p *policy.Policy, a, b types.PathSnapshot) int {
	if ah, bh := a.Stats.Samples > 0, b.Stats.Samples > 0; ah != bh {
		if ah {
			return -1
		}
		return 1
	}
	if as, bs := slaRank(p, a), slaRank(p, b); as != bs {
		return as - bs
	}
	if ar, br := a.Status.Rank(), b.Status.Rank(); ar != br {
		return ar - br
	}

	switch p.Strategy {
	case policy.StrategyPrimaryBackup:
		if c := preferredIndex(p, a.ID) - preferredIndex(p, b.ID); c != 0 {
			return c
		}
	case policy.StrategyHighestBandwidth:
		if c := cmpFloat(b.Stats.BandwidthMbps, a.Stats.BandwidthMbps); c != 0 {
			return c
		}
	case policy.StrategyLowestCost:
		if c := cmpFloat(a.Stats.CostPerGB, b.Stats.CostPerGB); c != 0 {
			return c
		}
	case policy.StrategyLeastLoss:
		if c := cmpFloat(a.Stats.LossPct, b.Stats.LossPct); c != 0 {
			return c
		}
	}

	return cmpFloat(effectiveScore(p, b), effectiveScore(p, a))
}

// slaRank 0 = 符合或策略沒有 SLA，1 = 不符合或尚未量測
func slaRank(p *policy.Policy, s types.PathSnapshot) int {
	if p.SLA == nil || p.CheckSLA(s.Stats).Compliant() {
		return 0
	}
	return 1
}

// rank 回傳排序後的副本；完全相同時以 PathID 排序
func rank(p *policy.Policy, pool []types.PathSnapshot) []types.PathSnapshot {
	out := append([]types.PathSnapshot(nil), pool...)
	sort.SliceStable(out, func(i, j int) bool {
		if c := compare(p, out[i], out[j]); c != 0 {
			return c < 0
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// pick 從候選中依策略選出一條路徑
//
// round-robin 與 weighted 只在最佳層級（同樣有樣本、同樣 SLA 判定、同樣狀態）之內輪替或抽選。
func (t *Table) pick(p *policy.Policy, pool []types.PathSnapshot) (types.PathSnapshot, bool) {
	if len(pool) == 0 {
		return types.PathSnapshot{}, false
	}
	ranked := rank(p, pool)

	switch p.Strategy {
	case policy.StrategyRoundRobin:
		tier := topTier(p, ranked)
		n := t.rr[p.ID]
		t.rr[p.ID] = n + 1
		return tier[n%uint64(len(tier))], true

	case policy.StrategyWeighted:
		tier := topTier(p, ranked)
		var total float64
		for _, ps := range tier {
			total += p.PathWeights[ps.ID]
		}
		if total <= 0 {
			return tier[0], true
		}
		r := t.rng.Float64() * total
		for _, ps := range tier {
			r -= p.PathWeights[ps.ID]
			if r < 0 {
				return ps, true
			}
		}
		return tier[len(tier)-1], true
	}

	return ranked[0], true
}

// topTier 與第一名同層級（樣本、SLA、狀態）的路徑，依 PathID 排序
func topTier(p *policy.Policy, ranked []types.PathSnapshot) []types.PathSnapshot {
	head := ranked[0]
	var tier []types.PathSnapshot
	for _, ps := range ranked {
		if (ps.Stats.Samples > 0) == (head.Stats.Samples > 0) &&
			slaRank(p, ps) == slaRank(p, head) &&
			ps.Status == head.Status {
			tier = append(tier, ps)
		}
	}
	sort.Slice(tier, func(i, j int) bool { return tier[i].ID < tier[j].ID })
	return tier
}

func preferredIndex(p *policy.Policy, id types.PathID) int {
	for i, pref := range p.PreferredPaths {
		if pref == id {
			return i
		}
	}
	return len(p.PreferredPaths)
}

func cmpFloat(a, b float64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}
