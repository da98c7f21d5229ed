package sampler

import (
	"context"
	"fmt"
	"math/rand"
	"sync"

	"github.com/ChuLiYu/meshsteer/pkg/types"
)

// Condition is the simulated quality of one path
type Condition struct {
	LatencyMs     float64 `yaml:"latency_ms"`
	JitterMs      float64 `yaml:"jitter_ms"` // latency varies uniformly by ±JitterMs
	Loss          float64 `yaml:"loss"`      // probability 0..1 that a probe is lost
	BandwidthMbps float64 `yaml:"bandwidth_mbps"`
	Down          bool    `yaml:"down"`
}

// DefaultCondition is used for paths without an explicit condition
var DefaultCondition = Condition{LatencyMs: 20, JitterMs: 2}

// SimulatedProber produces synthetic measurements from per-path conditions.
// Used by the demo and by tests; deterministic for a given seed.
type SimulatedProber struct {
	mu         sync.Mutex
	rng        *rand.Rand
	conditions map[types.PathID]Condition
}

// NewSimulatedProber creates a prober seeded with seed
func NewSimulatedProber(seed int64) *SimulatedProber {
	return &SimulatedProber{
		rng:        rand.New(rand.NewSource(seed)),
		conditions: make(map[types.PathID]Condition),
	}
}

// SetCondition changes the simulated quality of a path
func (p *SimulatedProber) SetCondition(id types.PathID, c Condition) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.conditions[id] = c
}

// Condition current simulated quality of a path
func (p *SimulatedProber) Condition(id types.PathID) Condition {
	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.conditions[id]; ok {
		return c
	}
	return DefaultCondition
}

// Probe implements Prober
func (p *SimulatedProber) Probe(ctx context.Context, target Target) (types.Sample, error) {
	if err := ctx.Err(); err != nil {
		return types.Sample{}, err
	}

	p.mu.Lock()
	c, ok := p.conditions[target.PathID]
	if !ok {
		c = DefaultCondition
	}
	lost := c.Down || p.rng.Float64() < c.Loss
	offset := (p.rng.Float64()*2 - 1) * c.JitterMs
	p.mu.Unlock()

	if lost {
		return types.Sample{}, fmt.Errorf("%w: simulated loss on %s", ErrProbeTimeout, target.PathID)
	}

	latency := c.LatencyMs + offset
	if latency < 0 {
		latency = 0
	}
	return types.Sample{LatencyMs: latency, BandwidthMbps: c.BandwidthMbps}, nil
}
