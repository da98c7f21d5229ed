package policy

// ============================================================================
// SLA 要求
// ============================================================================
//
// 策略可以附帶 SLA：p95 latency、平均 jitter、loss 的上限。
// 樣本數未達 MinSamples 的路徑視為「尚未量測」，既不算符合也不算違反。
//
// 在 flowtable 中的作用:
//   - 排序時符合 SLA 的路徑排在不符合的路徑之前
//   - 目前路徑確定違反 SLA 時，若有符合的 Up 替代路徑就立即切換
//   - 沒有任何路徑符合時仍會選出最佳路徑，SLA 不會造成 NoAvailablePath
//
// ============================================================================

import (
	"fmt"

	"github.com/ChuLiYu/meshsteer/pkg/types"
)

// DefaultSLAMinSamples 判定 SLA 前至少需要的樣本數
const DefaultSLAMinSamples = 10

// SLA 服務水準要求；nil 的上限不檢查
type SLA struct {
	MaxLatencyMs *float64 `json:"max_latency_ms,omitempty" yaml:"max_latency_ms"` // 對照 p95
	MaxJitterMs  *float64 `json:"max_jitter_ms,omitempty" yaml:"max_jitter_ms"`
	MaxLossPct   *float64 `json:"max_loss_pct,omitempty" yaml:"max_loss_pct"` // 0..100
	MinSamples   int      `json:"min_samples,omitempty" yaml:"min_samples"`   // 0 = DefaultSLAMinSamples
}

// Compliance 一條路徑對 SLA 的判定結果
type Compliance struct {
	Measured   bool `json:"measured"`
	LatencyMet bool `json:"latency_met"`
	JitterMet  bool `json:"jitter_met"`
	LossMet    bool `json:"loss_met"`
}

// Compliant 已量測且全部達標
func (c Compliance) Compliant() bool {
	return c.Measured && c.LatencyMet && c.JitterMet && c.LossMet
}

// Violated 已量測且至少一項未達標
func (c Compliance) Violated() bool {
	return c.Measured && !(c.LatencyMet && c.JitterMet && c.LossMet)
}

func (s *SLA) minSamples() int {
	if s.MinSamples <= 0 {
		return DefaultSLAMinSamples
	}
	return s.MinSamples
}

// Evaluate 以視窗統計判定 SLA
//
// 視窗內全部遺失時 latency / jitter 無從量測，有設上限就視為未達標。
func (s *SLA) Evaluate(stats types.WindowStats) Compliance {
	c := Compliance{
		Measured:   stats.Samples >= s.minSamples(),
		LatencyMet: true,
		JitterMet:  true,
		LossMet:    true,
	}
	if s.MaxLatencyMs != nil {
		c.LatencyMet = stats.HasLatency() && stats.LatencyP95Ms <= *s.MaxLatencyMs
	}
	if s.MaxJitterMs != nil {
		c.JitterMet = stats.HasLatency() && stats.JitterMs <= *s.MaxJitterMs
	}
	if s.MaxLossPct != nil {
		c.LossMet = stats.LossPct <= *s.MaxLossPct
	}
	return c
}

func (s *SLA) validate(label string) []error {
	var problems []error
	check := func(name string, v *float64, max float64) {
		if v != nil && (*v < 0 || *v > max) {
			problems = append(problems, fmt.Errorf("%s: sla %s %.1f out of range", label, name, *v))
		}
	}
	check("max_latency_ms", s.MaxLatencyMs, 1e6)
	check("max_jitter_ms", s.MaxJitterMs, 1e6)
	check("max_loss_pct", s.MaxLossPct, 100)
	if s.MinSamples < 0 {
		problems = append(problems, fmt.Errorf("%s: sla min_samples must not be negative", label))
	}
	return problems
}

// CheckSLA 以策略的 SLA 判定路徑；沒有 SLA 的策略永遠符合
func (p *Policy) CheckSLA(stats types.WindowStats) Compliance {
	if p.SLA == nil {
		return Compliance{Measured: true, LatencyMet: true, JitterMet: true, LossMet: true}
	}
	return p.SLA.Evaluate(stats)
}
