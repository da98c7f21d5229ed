package scoring

import (
	"errors"
	"fmt"
	"math"
	"sort"
)

// 內建 Profile 名稱
const (
	ProfileLatencySensitive  = "latency-sensitive"
	ProfileThroughputFocused = "throughput-focused"
	ProfileCostOptimized     = "cost-optimized"
	ProfileBalanced          = "balanced"
)

const (
	// DefaultRefBandwidthMbps 頻寬因子滿分的參考值
	DefaultRefBandwidthMbps = 1000.0
	// DefaultMaxCostPerGB 成本因子歸零的上限
	DefaultMaxCostPerGB = 1.0

	weightEpsilon = 1e-6
)

var (
	// ErrInvalidProfile 權重設定不合法
	ErrInvalidProfile = errors.New("invalid weight profile")
	// ErrUnknownProfile 找不到指定名稱的 Profile
	ErrUnknownProfile = errors.New("unknown weight profile")
)

// Weights 各因子權重，總和必須為 1.0
type Weights struct {
	Latency   float64 `json:"latency" yaml:"latency"`
	Jitter    float64 `json:"jitter" yaml:"jitter"`
	Loss      float64 `json:"loss" yaml:"loss"`
	Bandwidth float64 `json:"bandwidth" yaml:"bandwidth"`
	Cost      float64 `json:"cost" yaml:"cost"`
}

// Sum 權重總和
func (w Weights) Sum() float64 {
	return w.Latency + w.Jitter + w.Loss + w.Bandwidth + w.Cost
}

// Profile 具名的權重組合
type Profile struct {
	Name             string  `json:"name" yaml:"name"`
	Weights          Weights `json:"weights" yaml:"weights"`
	RefBandwidthMbps float64 `json:"ref_bandwidth_mbps,omitempty" yaml:"ref_bandwidth_mbps"`
	MaxCostPerGB     float64 `json:"max_cost_per_gb,omitempty" yaml:"max_cost_per_gb"`
}

func (p Profile) refBandwidth() float64 {
	if p.RefBandwidthMbps > 0 {
		return p.RefBandwidthMbps
	}
	return DefaultRefBandwidthMbps
}

func (p Profile) maxCost() float64 {
	if p.MaxCostPerGB > 0 {
		return p.MaxCostPerGB
	}
	return DefaultMaxCostPerGB
}

// Validate 檢查權重非負且總和為 1.0
func (p Profile) Validate() error {
	w := p.Weights
	for name, v := range map[string]float64{
		"latency": w.Latency, "jitter": w.Jitter, "loss": w.Loss,
		"bandwidth": w.Bandwidth, "cost": w.Cost,
	} {
		if v < 0 || math.IsNaN(v) {
			return fmt.Errorf("%w: profile %q has negative %s weight", ErrInvalidProfile, p.Name, name)
		}
	}
	if sum := w.Sum(); math.Abs(sum-1.0) > weightEpsilon {
		return fmt.Errorf("%w: profile %q weights sum to %.6f, want 1.0", ErrInvalidProfile, p.Name, sum)
	}
	if p.RefBandwidthMbps < 0 || p.MaxCostPerGB < 0 {
		return fmt.Errorf("%w: profile %q has negative reference value", ErrInvalidProfile, p.Name)
	}
	return nil
}

var builtins = map[string]Profile{
	ProfileLatencySensitive: {
		Name:    ProfileLatencySensitive,
		Weights: Weights{Latency: 0.5, Jitter: 0.3, Loss: 0.2},
	},
	ProfileThroughputFocused: {
		Name:    ProfileThroughputFocused,
		Weights: Weights{Latency: 0.1, Loss: 0.2, Bandwidth: 0.7},
	},
	ProfileCostOptimized: {
		Name:    ProfileCostOptimized,
		Weights: Weights{Latency: 0.2, Jitter: 0.1, Loss: 0.2, Cost: 0.5},
	},
	ProfileBalanced: {
		Name:    ProfileBalanced,
		Weights: Weights{Latency: 0.3, Jitter: 0.2, Loss: 0.3, Bandwidth: 0.2},
	},
}

// Builtin 依名稱取得內建 Profile
func Builtin(name string) (Profile, bool) {
	p, ok := builtins[name]
	return p, ok
}

// BuiltinNames 內建 Profile 名稱（已排序）
func BuiltinNames() []string {
	names := make([]string, 0, len(builtins))
	for name := range builtins {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Lookup 先查 custom，再查內建
func Lookup(name string, custom map[string]Profile) (Profile, error) {
	if p, ok := custom[name]; ok {
		if p.Name == "" {
			p.Name = name
		}
		return p, nil
	}
	if p, ok := builtins[name]; ok {
		return p, nil
	}
	return Profile{}, fmt.Errorf("%w: %q", ErrUnknownProfile, name)
}
