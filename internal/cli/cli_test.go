package cli

import (
	"bytes"
	"context"
	"fmt"
	"net/netip"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/meshsteer/internal/config"
	"github.com/ChuLiYu/meshsteer/internal/engine"
	"github.com/ChuLiYu/meshsteer/internal/logging"
	"github.com/ChuLiYu/meshsteer/internal/policy"
	"github.com/ChuLiYu/meshsteer/internal/sampler"
	"github.com/ChuLiYu/meshsteer/internal/snapshot"
	"github.com/ChuLiYu/meshsteer/pkg/types"
)

const meshYAML = `
log:
  level: error
metrics:
  enabled: false
mesh:
  sites:
    - {id: hq, name: HQ}
    - {id: branch, name: Branch}
  endpoints:
    - {id: hq-fiber, site: hq, address: 127.0.0.1:14790, link_type: fiber, reachable: true}
    - {id: br-fiber, site: branch, address: 127.0.0.1:14791, link_type: fiber, reachable: true}
  paths:
    - {id: a, src: hq-fiber, dst: br-fiber, bidirectional: true}
`

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := BuildCLI()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestBuildCLI(t *testing.T) {
	cmd := BuildCLI()
	assert.Equal(t, "meshsteer", cmd.Use)
	assert.Equal(t, Version, cmd.Version)

	names := make(map[string]bool)
	for _, c := range cmd.Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"run", "status", "score", "validate", "publish"} {
		assert.True(t, names[want], "missing %s command", want)
	}

	configFlag := cmd.PersistentFlags().Lookup("config")
	require.NotNil(t, configFlag)
	assert.Equal(t, DefaultConfigFile, configFlag.DefValue)
}

func TestScoreCommand(t *testing.T) {
	samples := writeFile(t, "samples.yaml", `
samples:
  - {latency_ms: 20, jitter_ms: 2}
  - {latency_ms: 20, jitter_ms: 2}
  - {latency_ms: 20, jitter_ms: 2}
`)
	out, err := execute(t, "score", "-f", samples, "-c", filepath.Join(t.TempDir(), "none.yaml"))
	require.NoError(t, err)
	assert.Contains(t, out, "latency-sensitive, 3 samples (3 received)")
	assert.Contains(t, out, "93.8")
	assert.Contains(t, out, "p50 20.00ms  p95 20.00ms  p99 20.00ms")
}

func TestScoreUnknownProfile(t *testing.T) {
	var buf bytes.Buffer
	err := scoreSamples(&buf, SampleFile{Profile: "nope", Samples: []types.Sample{{LatencyMs: 10}}}, nil)
	assert.Error(t, err)
}

func TestScoreCustomProfile(t *testing.T) {
	cfgPath := writeFile(t, "meshsteer.yaml", `
profiles:
  voice:
    weights: {latency: 0.5, jitter: 0.5}
`)
	samples := writeFile(t, "samples.yaml", `
samples:
  - {latency_ms: 20, jitter_ms: 2}
`)
	out, err := execute(t, "score", "-c", cfgPath, "-f", samples, "--profile", "voice")
	require.NoError(t, err)
	// 0.5*90 + 0.5*96
	assert.Contains(t, out, "93.0")
}

func TestValidateCommand(t *testing.T) {
	cfgPath := writeFile(t, "meshsteer.yaml", meshYAML)

	out, err := execute(t, "validate", "-c", cfgPath)
	require.NoError(t, err)
	assert.Contains(t, out, "OK (2 sites, 2 endpoints, 1 paths, 0 policies)")
	assert.Contains(t, out, "latency-sensitive")

	out, err = execute(t, "validate", "-c", cfgPath, "--print")
	require.NoError(t, err)
	assert.Contains(t, out, "sample_interval: 1s")

	bad := writeFile(t, "bad.yaml", "probe:\n  kind: smoke-signals\n")
	_, err = execute(t, "validate", "-c", bad)
	assert.ErrorIs(t, err, config.ErrInvalidConfig)
}

func TestStatusCommand(t *testing.T) {
	statePath := filepath.Join(t.TempDir(), "state.json")
	now := time.Now()
	require.NoError(t, snapshot.NewManager(statePath).Write(snapshot.State{
		EngineID:      "engine-1",
		WrittenAt:     now,
		PolicyVersion: 2,
		Sites:         []types.Site{{ID: "hq", Name: "HQ", Status: types.SiteActive, LastSeen: now}},
		Paths: []types.PathSnapshot{
			{ID: "a", SrcSite: "hq", DstSite: "branch", Score: 93.8, Status: types.PathUp,
				Stats: types.WindowStats{Samples: 10, Received: 10, LatencyMs: 21, LatencyP50Ms: 20, LatencyP95Ms: 34.5, LatencyP99Ms: 41}},
			{ID: "b", SrcSite: "hq", DstSite: "branch", Score: 20, Status: types.PathDegraded, Recovering: true},
		},
		Bindings: []types.Binding{{
			Flow: types.Flow{
				SrcSite: "hq", DstSite: "branch",
				SrcAddr: netip.MustParseAddr("10.0.0.1"), DstAddr: netip.MustParseAddr("10.1.0.1"),
				Protocol: types.ProtoTCP, DstPort: 443,
			},
			PathID: "a", PolicyID: "default",
		}},
		Policies: []types.PolicyStats{{PolicyID: "default", FlowsMatched: 7, Notifications: 1234, ActiveFlows: 1, BoundFlows: 1, LastUpdated: now}},
	}))

	out, err := execute(t, "status", "--state", statePath)
	require.NoError(t, err)
	assert.Contains(t, out, "engine-1")
	assert.Contains(t, out, "policy set v2")
	assert.Contains(t, out, "93.8")
	assert.Contains(t, out, "degraded (recovering)")
	assert.Contains(t, out, "10.1.0.1")
	assert.Contains(t, out, "20.0/34.5/41.0")
	assert.Contains(t, out, "FLOWS MATCHED")
	assert.Contains(t, out, "1234")

	_, err = execute(t, "status", "--state", filepath.Join(t.TempDir(), "missing.json"))
	assert.ErrorIs(t, err, snapshot.ErrSnapshotNotFound)
}

func TestNewProber(t *testing.T) {
	tests := []struct {
		kind string
		want any
	}{
		{config.ProbeUDP, &sampler.UDPProber{}},
		{config.ProbeICMP, &sampler.ICMPProber{}},
		{config.ProbeGRPC, &sampler.GRPCHealthProber{}},
		{config.ProbeSimulated, &sampler.SimulatedProber{}},
	}
	for _, tt := range tests {
		t.Run(tt.kind, func(t *testing.T) {
			p, closeFn := NewProber(config.ProbeConfig{Kind: tt.kind, GRPCService: "x"})
			defer closeFn()
			assert.IsType(t, tt.want, p)
		})
	}

	p, closeFn := NewProber(config.ProbeConfig{
		Kind: config.ProbeSimulated,
		Simulated: config.SimulatedConfig{
			Seed:       1,
			Conditions: map[types.PathID]sampler.Condition{"a": {LatencyMs: 42}},
		},
	})
	defer closeFn()
	assert.Equal(t, 42.0, p.(*sampler.SimulatedProber).Condition("a").LatencyMs)
}

func TestSeedMesh(t *testing.T) {
	cfg, err := config.Parse([]byte(meshYAML))
	require.NoError(t, err)

	eng, err := engine.New(cfg.EngineConfig(), engine.WithLogger(logging.Discard()))
	require.NoError(t, err)
	require.NoError(t, SeedMesh(eng, cfg.Mesh))

	assert.Len(t, eng.Sites(), 2)
	assert.Len(t, eng.ListPaths(), 1)

	// 路徑指向不存在的端點 → 錯誤彙整回報
	cfg.Mesh.Paths = append(cfg.Mesh.Paths, types.Path{ID: "z", Src: "nope", Dst: "br-fiber"})
	err = SeedMesh(eng, cfg.Mesh)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "path z")
}

// recordingPublisher 記錄寫入的 key
type recordingPublisher struct {
	keys []string
}

func (p *recordingPublisher) PutSite(_ context.Context, s types.Site) error {
	p.keys = append(p.keys, "sites/"+string(s.ID))
	return nil
}
func (p *recordingPublisher) PutEndpoint(_ context.Context, ep types.Endpoint) error {
	p.keys = append(p.keys, "endpoints/"+string(ep.ID))
	return nil
}
func (p *recordingPublisher) PutPath(_ context.Context, path types.Path) error {
	p.keys = append(p.keys, "paths/"+string(path.ID))
	return nil
}
func (p *recordingPublisher) PutPolicies(_ context.Context, set policy.Set) error {
	p.keys = append(p.keys, fmt.Sprintf("policies(%d)", len(set.Policies)))
	return nil
}

func TestPublish(t *testing.T) {
	cfg, err := config.Parse([]byte(meshYAML))
	require.NoError(t, err)

	pub := &recordingPublisher{}
	n, err := Publish(context.Background(), pub, cfg)
	require.NoError(t, err)
	assert.Equal(t, 6, n)
	assert.Equal(t, []string{
		"sites/hq", "sites/branch", "endpoints/hq-fiber", "endpoints/br-fiber", "paths/a", "policies(0)",
	}, pub.keys)
}

func TestPublishRequiresEndpoints(t *testing.T) {
	cfgPath := writeFile(t, "meshsteer.yaml", meshYAML)
	_, err := execute(t, "publish", "-c", cfgPath)
	assert.ErrorContains(t, err, "no etcd endpoints")
}

func TestRunWritesStateAndStops(t *testing.T) {
	dir := t.TempDir()
	statePath := filepath.Join(dir, "state.json")

	cfg, err := config.Parse([]byte(meshYAML + fmt.Sprintf(`
engine:
  sample_interval: 20ms
  probe_timeout: 10ms
  reevaluate_interval: 20ms
probe:
  kind: simulated
  simulated:
    conditions:
      a: {latency_ms: 15, jitter_ms: 1}
state:
  file: %s
  interval: 20ms
server:
  addr: 127.0.0.1:0
`, statePath)))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- Run(ctx, cfg) }()

	manager := snapshot.NewManager(statePath)
	require.Eventually(t, func() bool {
		state, err := manager.Load()
		return err == nil && len(state.Paths) == 1 && state.Paths[0].Score > 0
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
