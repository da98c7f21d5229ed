// ============================================================================
// meshsteer 評分引擎 - 路徑品質分數計算
// ============================================================================
//
// Package: internal/scoring
// 文件: scoring.go
// 功能: 將一個取樣視窗轉換為 0–100 的品質分數
//
// 正規化規則（各因子 0–100）:
//   latency   = clamp(200 − latency_ms, 0, 200) / 2
//   jitter    = clamp(50 − jitter_ms, 0, 50) / 0.5
//   loss      = 100 − loss_pct
//   bandwidth = clamp(bw / RefBandwidthMbps × 100, 0, 100)
//   cost      = 100 − clamp(cost / MaxCostPerGB × 100, 0, 100)
//
// 最終分數為各因子依 Profile 權重的加權平均（權重總和為 1.0）。
//
// 邊界情況:
//   - 空視窗 → 0（未測試的路徑視為最差）
//   - 視窗內全部遺失 → latency/jitter 因子為 0
//   - 單一樣本即可計分，不設最低樣本數
//
// 本套件所有函式皆為純函式，無共享狀態。
//
// ============================================================================

package scoring

import (
	"math"
	"sort"

	"github.com/ChuLiYu/meshsteer/pkg/types"
)

const (
	maxLatencyMs = 200.0
	maxJitterMs  = 50.0
)

// Breakdown 各因子分數與最終分數
type Breakdown struct {
	Latency   float64 `json:"latency" yaml:"latency"`
	Jitter    float64 `json:"jitter" yaml:"jitter"`
	Loss      float64 `json:"loss" yaml:"loss"`
	Bandwidth float64 `json:"bandwidth" yaml:"bandwidth"`
	Cost      float64 `json:"cost" yaml:"cost"`
	Total     float64 `json:"total" yaml:"total"`
}

// Summarize 將取樣視窗彙總為 WindowStats
//
// latency 與 jitter 只對成功的樣本取平均；loss 對全部樣本取平均；
// bandwidth 只對有估計值（> 0）的樣本取平均。
// p50/p95/p99 為成功樣本的 latency 百分位數（見 Percentile）。
func Summarize(window []types.Sample) types.WindowStats {
	stats := types.WindowStats{Samples: len(window)}
	if len(window) == 0 {
		return stats
	}

	var latencySum, jitterSum, lossSum, bwSum float64
	bwCount := 0
	latencies := make([]float64, 0, len(window))
	for _, s := range window {
		lossSum += clamp(s.Loss, 0, 1)
		if s.BandwidthMbps > 0 {
			bwSum += s.BandwidthMbps
			bwCount++
		}
		if s.Lost {
			continue
		}
		stats.Received++
		latencies = append(latencies, s.LatencyMs)
		latencySum += s.LatencyMs
		jitterSum += s.JitterMs
	}

	if stats.Received > 0 {
		stats.LatencyMs = latencySum / float64(stats.Received)
		stats.JitterMs = jitterSum / float64(stats.Received)

		sort.Float64s(latencies)
		stats.LatencyP50Ms = Percentile(latencies, 50)
		stats.LatencyP95Ms = Percentile(latencies, 95)
		stats.LatencyP99Ms = Percentile(latencies, 99)
	}
	if bwCount > 0 {
		stats.BandwidthMbps = bwSum / float64(bwCount)
	}
	stats.LossPct = lossSum / float64(len(window)) * 100
	return stats
}

// Percentile 已排序樣本的第 p 百分位數，索引取 ceil(p/100 × (n−1))
//
// 不做內插，回傳值一定是實際量到的樣本；空輸入回傳 0。
func Percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(math.Ceil(clamp(p, 0, 100) / 100 * float64(len(sorted)-1)))
	if idx > len(sorted)-1 {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

// Score 依 Profile 計算視窗分數
func Score(stats types.WindowStats, p Profile) float64 {
	return Explain(stats, p).Total
}

// ScoreWindow 為 Summarize + Score 的便利函式
func ScoreWindow(window []types.Sample, p Profile) float64 {
	return Score(Summarize(window), p)
}

// Explain 計算各因子分數與加權後的總分
func Explain(stats types.WindowStats, p Profile) Breakdown {
	if stats.Samples == 0 {
		return Breakdown{}
	}

	var b Breakdown
	if stats.HasLatency() {
		b.Latency = LatencyScore(stats.LatencyMs)
		b.Jitter = JitterScore(stats.JitterMs)
	}
	b.Loss = LossScore(stats.LossPct)
	b.Bandwidth = BandwidthScore(stats.BandwidthMbps, p.refBandwidth())
	b.Cost = CostScore(stats.CostPerGB, p.maxCost())

	w := p.Weights
	total := w.Latency*b.Latency +
		w.Jitter*b.Jitter +
		w.Loss*b.Loss +
		w.Bandwidth*b.Bandwidth +
		w.Cost*b.Cost
	b.Total = clamp(total, 0, 100)
	return b
}

// LatencyScore clamp(200 − ms, 0, 200) / 2
func LatencyScore(ms float64) float64 {
	return clamp(maxLatencyMs-ms, 0, maxLatencyMs) / 2
}

// JitterScore clamp(50 − ms, 0, 50) / 0.5
func JitterScore(ms float64) float64 {
	return clamp(maxJitterMs-ms, 0, maxJitterMs) / 0.5
}

// LossScore 100 − loss_pct
func LossScore(pct float64) float64 {
	return 100 - clamp(pct, 0, 100)
}

// BandwidthScore 以參考頻寬為滿分的線性分數；未知頻寬為 0
func BandwidthScore(mbps, ref float64) float64 {
	if mbps <= 0 || ref <= 0 {
		return 0
	}
	return clamp(mbps/ref*100, 0, 100)
}

// CostScore 成本越低分數越高
func CostScore(cost, maxCost float64) float64 {
	if maxCost <= 0 {
		return 100
	}
	return 100 - clamp(cost/maxCost*100, 0, 100)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
