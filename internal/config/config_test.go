package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/meshsteer/internal/policy"
	"github.com/ChuLiYu/meshsteer/pkg/types"
)

const fullConfig = `
log:
  level: debug
  format: json
engine:
  sample_interval: 500ms
  probe_timeout: 200ms
  reevaluate_interval: 1s
  idle_timeout: 2m
  history_size: 30
failover:
  threshold: 50
  floor: 20
  loss_window: 10
  loss_ceiling: 0.4
  cooldown: 15s
probe:
  kind: simulated
  simulated:
    seed: 7
    conditions:
      a: {latency_ms: 20, jitter_ms: 2}
      b: {latency_ms: 80, loss: 0.05}
server:
  addr: 127.0.0.1:7443
metrics:
  enabled: false
state:
  file: /tmp/meshsteer-state.json
  interval: 10s
mesh:
  sites:
    - {id: hq, name: Headquarters}
    - {id: branch, name: Branch}
  endpoints:
    - {id: hq-fiber, site: hq, address: 10.0.0.1:4790, link_type: fiber, reachable: true}
    - {id: br-fiber, site: branch, address: 10.1.0.1:4790, link_type: fiber, reachable: true}
  paths:
    - {id: a, src: hq-fiber, dst: br-fiber, bidirectional: true}
profiles:
  voice:
    weights: {latency: 0.5, jitter: 0.5}
policies:
  - id: voip
    priority: 10
    match:
      protocol: 17
      dst_ports: {from: 5060, to: 5061}
    strategy: best-score
    profile: voice
    failover_threshold: 60
    failback_hysteresis: 20s
    sla:
      max_latency_ms: 150
      max_loss_pct: 1
      min_samples: 5
`

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, ProbeUDP, cfg.Probe.Kind)
	assert.Equal(t, ":7443", cfg.Server.Addr)
}

func TestParseEmptyKeepsDefaults(t *testing.T) {
	cfg, err := Parse(nil)
	require.NoError(t, err)
	assert.Equal(t, Default().Engine, cfg.Engine)
}

func TestParseFull(t *testing.T) {
	cfg, err := Parse([]byte(fullConfig))
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, 500*time.Millisecond, cfg.Engine.SampleInterval)
	assert.Equal(t, 2*time.Minute, cfg.Engine.IdleTimeout)
	assert.Equal(t, 15*time.Second, cfg.Failover.Cooldown)
	assert.Equal(t, int64(7), cfg.Probe.Simulated.Seed)
	assert.Equal(t, 80.0, cfg.Probe.Simulated.Conditions["b"].LatencyMs)
	assert.False(t, cfg.Metrics.Enabled)

	// 未出現的欄位保留預設值
	assert.Equal(t, Default().Engine.DefaultProfile, cfg.Engine.DefaultProfile)

	require.Len(t, cfg.Mesh.Sites, 2)
	require.Len(t, cfg.Mesh.Endpoints, 2)
	assert.Equal(t, types.SiteID("branch"), cfg.Mesh.Endpoints[1].SiteID)
	assert.Equal(t, types.LinkFiber, cfg.Mesh.Endpoints[0].LinkType)
	require.Len(t, cfg.Mesh.Paths, 1)

	require.Len(t, cfg.Policies, 1)
	p := cfg.Policies[0]
	assert.Equal(t, policy.StrategyBestScore, p.Strategy)
	assert.Equal(t, 20*time.Second, p.FailbackHysteresis)
	require.NotNil(t, p.Match.Protocol)
	assert.Equal(t, types.Protocol(17), *p.Match.Protocol)
	assert.Equal(t, 60.0, p.Threshold())
	require.NotNil(t, p.SLA)
	require.NotNil(t, p.SLA.MaxLatencyMs)
	assert.Equal(t, 150.0, *p.SLA.MaxLatencyMs)
	assert.Nil(t, p.SLA.MaxJitterMs)
	assert.Equal(t, 5, p.SLA.MinSamples)

	ec := cfg.EngineConfig()
	assert.Equal(t, 200*time.Millisecond, ec.Sampler.Timeout)
	assert.Equal(t, "/tmp/meshsteer-state.json", ec.StateFile)
	assert.Contains(t, ec.Profiles, "voice")
}

func TestParseRejectsUnknownField(t *testing.T) {
	_, err := Parse([]byte("engine:\n  sample_intervall: 1s\n"))
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestParseRejectsBadDuration(t *testing.T) {
	_, err := Parse([]byte("engine:\n  sample_interval: soon\n"))
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown probe kind", func(c *Config) { c.Probe.Kind = "carrier-pigeon" }},
		{"timeout not below interval", func(c *Config) { c.Engine.ProbeTimeout = c.Engine.SampleInterval }},
		{"metrics without addr", func(c *Config) { c.Metrics.Addr = "" }},
		{"membership without endpoints", func(c *Config) { c.Membership.Enabled = true }},
		{"unknown default profile", func(c *Config) { c.Engine.DefaultProfile = "nope" }},
		{"duplicate policy id", func(c *Config) {
			c.Policies = []policy.Policy{
				{ID: "x", Priority: 1, Strategy: policy.StrategyLowestLatency},
				{ID: "x", Priority: 2, Strategy: policy.StrategyLowestLatency},
			}
		}},
		{"sla loss above 100", func(c *Config) {
			c.Policies = []policy.Policy{{
				ID: "x", Priority: 1, Strategy: policy.StrategyLowestLatency,
				SLA: &policy.SLA{MaxLossPct: policy.Float(150)},
			}}
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)
		})
	}
}

func TestLoadAndMarshalRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "meshsteer.yaml")
	require.NoError(t, os.WriteFile(path, []byte(fullConfig), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	out, err := cfg.Marshal()
	require.NoError(t, err)

	again, err := Parse(out)
	require.NoError(t, err)
	assert.Equal(t, cfg.Engine, again.Engine)
	assert.Equal(t, cfg.Failover, again.Failover)
	assert.Equal(t, cfg.Mesh.Paths, again.Mesh.Paths)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}
