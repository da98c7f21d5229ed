package engine

import (
	"context"
	"errors"
	"net/netip"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/meshsteer/internal/events"
	"github.com/ChuLiYu/meshsteer/internal/failover"
	"github.com/ChuLiYu/meshsteer/internal/flowtable"
	"github.com/ChuLiYu/meshsteer/internal/logging"
	"github.com/ChuLiYu/meshsteer/internal/pathstore"
	"github.com/ChuLiYu/meshsteer/internal/policy"
	"github.com/ChuLiYu/meshsteer/internal/sampler"
	"github.com/ChuLiYu/meshsteer/internal/scoring"
	"github.com/ChuLiYu/meshsteer/internal/snapshot"
	"github.com/ChuLiYu/meshsteer/pkg/types"
)

// ============================================================================
// Test Helper Functions
// ============================================================================

var t0 = time.Unix(1700000000, 0)

func at(sec int) time.Time { return t0.Add(time.Duration(sec) * time.Second) }

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

// testConfig 全域門檻放低，讓路徑狀態維持 Up，由策略門檻決定 failover
func testConfig() Config {
	cfg := DefaultConfig()
	cfg.HistorySize = 5
	cfg.Failover = failover.Config{
		Threshold:   35,
		Floor:       10,
		LossWindow:  5,
		LossCeiling: 1.0,
		Cooldown:    30 * time.Second,
	}
	return cfg
}

func newTestEngine(t *testing.T, cfg Config) (*Engine, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: t0}
	idle := sampler.ProberFunc(func(ctx context.Context, target sampler.Target) (types.Sample, error) {
		return types.Sample{LatencyMs: 1}, nil
	})
	e, err := New(cfg, WithClock(clock.Now), WithProber(idle), WithLogger(logging.Discard()))
	require.NoError(t, err)
	return e, clock
}

// buildMesh hq ↔ branch，兩條路徑：a 光纖、b 行動網路
func buildMesh(t *testing.T, e *Engine) {
	t.Helper()
	for _, s := range []types.Site{{ID: "hq", Name: "HQ"}, {ID: "branch", Name: "Branch"}} {
		_, err := e.UpsertSite(s)
		require.NoError(t, err)
	}
	for _, ep := range []types.Endpoint{
		{ID: "hq-fiber", SiteID: "hq", Address: "10.0.0.1:4790", LinkType: types.LinkFiber, Reachable: true},
		{ID: "hq-lte", SiteID: "hq", Address: "10.0.1.1:4790", LinkType: types.LinkCellular, Reachable: true},
		{ID: "br-fiber", SiteID: "branch", Address: "10.1.0.1:4790", LinkType: types.LinkFiber, Reachable: true},
		{ID: "br-lte", SiteID: "branch", Address: "10.1.1.1:4790", LinkType: types.LinkCellular, Reachable: true},
	} {
		_, err := e.UpsertEndpoint(ep)
		require.NoError(t, err)
	}
	for _, p := range []types.Path{
		{ID: "a", Src: "hq-fiber", Dst: "br-fiber"},
		{ID: "b", Src: "hq-lte", Dst: "br-lte"},
	} {
		_, err := e.UpsertPath(p)
		require.NoError(t, err)
	}
}

// feed 以相同量測值填滿路徑的樣本視窗
func feed(e *Engine, id types.PathID, now time.Time, latency, jitter float64) {
	for i := 0; i < e.cfg.HistorySize; i++ {
		e.recordSample(id, types.Sample{At: now, LatencyMs: latency, JitterMs: jitter})
	}
}

func feedLost(e *Engine, id types.PathID, now time.Time, n int) {
	for i := 0; i < n; i++ {
		e.recordSample(id, types.Sample{At: now, Loss: 1, Lost: true})
	}
}

func interactive() policy.Policy {
	return policy.Policy{
		ID:                 "interactive",
		Priority:           10,
		Match:              policy.Match{DstSite: "branch"},
		Strategy:           policy.StrategyLowestLatency,
		FailoverThreshold:  policy.Float(70),
		FailbackHysteresis: 30 * time.Second,
	}
}

func flowF() types.Flow {
	return types.Flow{
		SrcSite:  "hq",
		DstSite:  "branch",
		SrcAddr:  netip.MustParseAddr("10.0.0.10"),
		DstAddr:  netip.MustParseAddr("10.1.0.20"),
		Protocol: types.ProtoTCP,
		SrcPort:  51000,
		DstPort:  443,
	}
}

func drain(sub *events.Subscription) []types.Event {
	var out []types.Event
	for {
		select {
		case ev, ok := <-sub.C():
			if !ok {
				return out
			}
			out = append(out, ev)
		default:
			return out
		}
	}
}

func ofType(evs []types.Event, t types.EventType) []types.Event {
	var out []types.Event
	for _, ev := range evs {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

// ============================================================================
// Scenarios
// ============================================================================

func TestScoreFromSamples(t *testing.T) {
	e, _ := newTestEngine(t, testConfig())
	buildMesh(t, e)

	feed(e, "a", t0, 20, 2)

	p, err := e.Path("a")
	require.NoError(t, err)
	assert.InDelta(t, 93.8, p.Score, 1e-9)
	assert.Equal(t, types.PathUp, p.Status)
	assert.True(t, p.LastSampleAt.Equal(t0))

	bd, err := e.Explain("a")
	require.NoError(t, err)
	assert.InDelta(t, 90, bd.Latency, 1e-9)
	assert.InDelta(t, 96, bd.Jitter, 1e-9)
	assert.InDelta(t, 100, bd.Loss, 1e-9)

	// 沒有樣本的路徑分數為 0
	b, err := e.Path("b")
	require.NoError(t, err)
	assert.Equal(t, 0.0, b.Score)
}

// TestFailoverThenFailback A=93.8 B=42，A 掉到 63 後下一個 tick 立刻切 B；
// A 在 t=10 恢復，t=40 才切回
func TestFailoverThenFailback(t *testing.T) {
	e, clock := newTestEngine(t, testConfig())
	buildMesh(t, e)
	sub := e.Subscribe("audit")

	_, err := e.ReplacePolicies(policy.Set{Policies: []policy.Policy{interactive()}})
	require.NoError(t, err)

	feed(e, "a", t0, 20, 2)
	feed(e, "b", t0, 160, 30)

	b, err := e.NotifyFlow(context.Background(), flowF())
	require.NoError(t, err)
	assert.Equal(t, types.PathID("a"), b.PathID)
	assert.Equal(t, types.PolicyID("interactive"), b.PolicyID)

	// A 退化到 63（仍 Up），低於策略門檻 70
	feed(e, "a", at(1), 100, 20)
	clock.Set(at(1))
	changes := e.reevaluate(context.Background(), at(1))
	require.Len(t, changes, 1)
	assert.Equal(t, types.ReasonFailover, changes[0].Reason)

	b, err = e.GetBinding(flowF())
	require.NoError(t, err)
	assert.Equal(t, types.PathID("b"), b.PathID)

	// A 恢復
	feed(e, "a", at(10), 20, 2)
	e.reevaluate(context.Background(), at(10))
	e.reevaluate(context.Background(), at(39))
	b, _ = e.GetBinding(flowF())
	assert.Equal(t, types.PathID("b"), b.PathID, "failback must wait for the hysteresis")

	changes = e.reevaluate(context.Background(), at(40))
	require.Len(t, changes, 1)
	assert.Equal(t, types.ReasonFailback, changes[0].Reason)
	b, _ = e.GetBinding(flowF())
	assert.Equal(t, types.PathID("a"), b.PathID)

	evs := drain(sub)
	require.NotEmpty(t, ofType(evs, types.EventPolicySetReplaced))
	require.Len(t, ofType(evs, types.EventFlowBound), 1)
	rebound := ofType(evs, types.EventFlowRebound)
	require.Len(t, rebound, 2)
	assert.Equal(t, types.PathID("a"), rebound[0].FromPath)
	assert.Equal(t, types.PathID("b"), rebound[0].ToPath)
	assert.Equal(t, types.ReasonFailback, rebound[1].Reason)

	// 事件序號嚴格遞增
	for i := 1; i < len(evs); i++ {
		assert.Greater(t, evs[i].Seq, evs[i-1].Seq)
	}
}

func TestLossCeilingMarksPathDown(t *testing.T) {
	e, _ := newTestEngine(t, testConfig())
	buildMesh(t, e)
	sub := e.Subscribe("audit")

	feed(e, "a", t0, 20, 2)
	feed(e, "b", t0, 30, 3)
	_, err := e.NotifyFlow(context.Background(), flowF())
	require.NoError(t, err)

	feedLost(e, "a", at(1), 5)

	p, err := e.Path("a")
	require.NoError(t, err)
	assert.Equal(t, types.PathDown, p.Status)
	assert.Equal(t, 0.0, p.Score)

	changes := e.reevaluate(context.Background(), at(2))
	require.Len(t, changes, 1)
	assert.Equal(t, types.PathID("b"), changes[0].To)

	status := ofType(drain(sub), types.EventPathStatusChanged)
	require.NotEmpty(t, status)
	last := status[len(status)-1]
	assert.Equal(t, types.PathID("a"), last.PathID)
	assert.Equal(t, types.PathDown, last.ToStatus)
}

func TestDownPathNotReselectedUntilUp(t *testing.T) {
	e, _ := newTestEngine(t, testConfig())
	buildMesh(t, e)

	feedLost(e, "a", t0, 5)
	feed(e, "b", t0, 160, 30)
	b, err := e.NotifyFlow(context.Background(), flowF())
	require.NoError(t, err)
	assert.Equal(t, types.PathID("b"), b.PathID)

	// A 回到 Degraded（恢復中），仍不可選
	feed(e, "a", at(1), 20, 2)
	p, _ := e.Path("a")
	assert.Equal(t, types.PathDegraded, p.Status)
	assert.True(t, p.Recovering)

	f2 := flowF()
	f2.SrcPort = 52000
	b2, err := e.NotifyFlow(context.Background(), f2)
	require.NoError(t, err)
	assert.Equal(t, types.PathID("b"), b2.PathID)
}

func TestProbeFailurePublishesEvent(t *testing.T) {
	e, _ := newTestEngine(t, testConfig())
	buildMesh(t, e)
	sub := e.Subscribe("audit")

	e.probeFailed("a", errors.Join(sampler.ErrProbeTimeout, errors.New("10.1.0.1:4790")), at(3))

	evs := ofType(drain(sub), types.EventPathProbeFailed)
	require.Len(t, evs, 1)
	assert.Equal(t, types.PathID("a"), evs[0].PathID)
	assert.Contains(t, evs[0].Error, "probe timeout")
	assert.True(t, evs[0].At.Equal(at(3)))
}

func TestMembershipIsIdempotent(t *testing.T) {
	e, _ := newTestEngine(t, testConfig())
	buildMesh(t, e)
	before := e.ListPaths()

	changed, err := e.UpsertSite(types.Site{ID: "hq", Name: "HQ"})
	require.NoError(t, err)
	assert.False(t, changed)
	changed, err = e.UpsertEndpoint(types.Endpoint{ID: "hq-fiber", SiteID: "hq", Address: "10.0.0.1:4790", LinkType: types.LinkFiber, Reachable: true})
	require.NoError(t, err)
	assert.False(t, changed)
	changed, err = e.UpsertPath(types.Path{ID: "a", Src: "hq-fiber", Dst: "br-fiber"})
	require.NoError(t, err)
	assert.False(t, changed)

	assert.Equal(t, before, e.ListPaths())
	assert.Equal(t, 2, e.sampler.Paths())

	_, err = e.UpsertPath(types.Path{ID: "a", Src: "hq-lte", Dst: "br-fiber"})
	assert.ErrorIs(t, err, pathstore.ErrConflict)
}

func TestRemovePathRebindsImmediately(t *testing.T) {
	e, _ := newTestEngine(t, testConfig())
	buildMesh(t, e)
	sub := e.Subscribe("audit")

	feed(e, "a", t0, 20, 2)
	feed(e, "b", t0, 30, 3)
	_, err := e.NotifyFlow(context.Background(), flowF())
	require.NoError(t, err)

	require.NoError(t, e.RemovePath("a"))

	b, err := e.GetBinding(flowF())
	require.NoError(t, err)
	assert.Equal(t, types.PathID("b"), b.PathID)
	assert.Equal(t, 1, e.sampler.Paths())

	_, err = e.Path("a")
	assert.ErrorIs(t, err, pathstore.ErrUnknownPath)
	assert.ErrorIs(t, e.RemovePath("a"), pathstore.ErrUnknownPath)

	// 已移除的路徑不再接受樣本
	e.recordSample("a", types.Sample{At: at(1), LatencyMs: 5})
	_, err = e.Path("a")
	assert.ErrorIs(t, err, pathstore.ErrUnknownPath)

	assert.Len(t, ofType(drain(sub), types.EventFlowRebound), 1)
}

func TestRemoveSiteCascades(t *testing.T) {
	e, _ := newTestEngine(t, testConfig())
	buildMesh(t, e)

	require.NoError(t, e.RemoveSite("branch"))
	assert.Empty(t, e.ListPaths())
	assert.Equal(t, 0, e.sampler.Paths())
	assert.Len(t, e.Sites(), 1)
}

func TestNoAvailablePathAndUnknownFlow(t *testing.T) {
	e, _ := newTestEngine(t, testConfig())
	buildMesh(t, e)

	feedLost(e, "a", t0, 5)
	feedLost(e, "b", t0, 5)

	_, err := e.NotifyFlow(context.Background(), flowF())
	assert.ErrorIs(t, err, flowtable.ErrNoAvailablePath)

	other := flowF()
	other.DstPort = 22
	_, err = e.GetBinding(other)
	assert.ErrorIs(t, err, flowtable.ErrUnknownFlow)

	// 路徑恢復 Up 後，追蹤中的流量在下一個 tick 取得路徑
	cfg := e.cfg.Failover
	feed(e, "b", at(1), 20, 2)
	feed(e, "b", at(1).Add(cfg.Cooldown), 20, 2)
	p, _ := e.Path("b")
	require.Equal(t, types.PathUp, p.Status)

	changes := e.reevaluate(context.Background(), at(40))
	require.Len(t, changes, 1)
	assert.Equal(t, types.ReasonRestored, changes[0].Reason)

	// 沒有路徑時的流量活動也計入策略統計
	stats := e.PolicyStats()
	require.Len(t, stats, 1)
	assert.Equal(t, uint64(1), stats[0].FlowsMatched)
	assert.Equal(t, uint64(1), stats[0].Notifications)
	assert.Equal(t, 1, stats[0].BoundFlows)
	assert.Equal(t, stats, e.State().Policies)
}

func TestReplacePoliciesIsAtomic(t *testing.T) {
	e, _ := newTestEngine(t, testConfig())
	sub := e.Subscribe("audit")

	v, err := e.ReplacePolicies(policy.Set{Policies: []policy.Policy{interactive()}})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), v)

	dup := interactive()
	dup.ID = "bulk"
	bad := policy.Set{Policies: []policy.Policy{interactive(), dup}} // 優先序重複
	_, err = e.ReplacePolicies(bad)
	assert.ErrorIs(t, err, policy.ErrInvalidPolicySet)
	assert.ErrorIs(t, e.ValidatePolicies(bad), policy.ErrInvalidPolicySet)

	assert.Equal(t, uint64(1), e.PolicyVersion())
	require.Len(t, e.Policies(), 1)
	assert.Equal(t, types.PolicyID("interactive"), e.ResolvePolicy(flowF()).ID)

	// 被拒絕的策略組不發布事件；版本放在專屬欄位
	replaced := ofType(drain(sub), types.EventPolicySetReplaced)
	require.Len(t, replaced, 1)
	assert.Equal(t, uint64(1), replaced[0].PolicyVersion)
	assert.Zero(t, replaced[0].Score)
}

func TestCheckSLA(t *testing.T) {
	e, _ := newTestEngine(t, testConfig())
	buildMesh(t, e)

	p := interactive()
	p.SLA = &policy.SLA{MaxLatencyMs: policy.Float(50), MinSamples: 1}
	_, err := e.ReplacePolicies(policy.Set{Policies: []policy.Policy{p}})
	require.NoError(t, err)

	feed(e, "a", t0, 20, 2)
	feed(e, "b", t0, 80, 2)

	c, err := e.CheckSLA("interactive", "a")
	require.NoError(t, err)
	assert.True(t, c.Compliant())

	c, err = e.CheckSLA("interactive", "b")
	require.NoError(t, err)
	assert.True(t, c.Violated())
	assert.False(t, c.LatencyMet)
	assert.True(t, c.LossMet)

	_, err = e.CheckSLA("nope", "a")
	assert.ErrorIs(t, err, policy.ErrUnknownPolicy)
	_, err = e.CheckSLA("interactive", "zz")
	assert.Error(t, err)
}

func TestCustomProfileAvailableToPolicies(t *testing.T) {
	cfg := testConfig()
	cfg.Profiles = map[string]scoring.Profile{"voice": {Weights: scoring.Weights{Latency: 0.6, Jitter: 0.4}}}
	e, _ := newTestEngine(t, cfg)

	p := interactive()
	p.Profile = "voice"
	_, err := e.ReplacePolicies(policy.Set{Policies: []policy.Policy{p}})
	require.NoError(t, err)
}

func TestIdleEviction(t *testing.T) {
	cfg := testConfig()
	cfg.IdleTimeout = 10 * time.Second
	e, clock := newTestEngine(t, cfg)
	buildMesh(t, e)
	sub := e.Subscribe("audit")

	feed(e, "a", t0, 20, 2)
	_, err := e.NotifyFlow(context.Background(), flowF())
	require.NoError(t, err)

	assert.Empty(t, e.evictIdle(at(5)))
	evicted := e.evictIdle(at(11))
	require.Len(t, evicted, 1)

	_, err = e.GetBinding(flowF())
	assert.ErrorIs(t, err, flowtable.ErrUnknownFlow)

	clock.Set(at(12))
	b, err := e.NotifyFlow(context.Background(), flowF())
	require.NoError(t, err)
	assert.True(t, b.BoundAt.Equal(at(12)), "a fresh binding is created")
	assert.Equal(t, 0, b.Switches)

	assert.Len(t, ofType(drain(sub), types.EventFlowEvicted), 1)
}

func TestSiteLiveness(t *testing.T) {
	cfg := testConfig()
	cfg.SiteLivenessTimeout = 10 * time.Second
	e, clock := newTestEngine(t, cfg)
	buildMesh(t, e)

	clock.Set(at(8))
	require.NoError(t, e.TouchSite("hq"))

	expired := e.expireSites(at(11))
	assert.Equal(t, []types.SiteID{"branch"}, expired)

	s, err := e.Site("branch")
	require.NoError(t, err)
	assert.Equal(t, types.SiteDown, s.Status)

	// 只回報新逾時的站點
	assert.Empty(t, e.expireSites(at(12)))

	clock.Set(at(13))
	require.NoError(t, e.TouchSite("branch"))
	s, _ = e.Site("branch")
	assert.NotEqual(t, types.SiteDown, s.Status)
}

func TestConfigValidate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())

	cfg := DefaultConfig()
	cfg.Sampler.Timeout = 2 * time.Second
	assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)

	cfg = DefaultConfig()
	cfg.HistorySize = 3
	assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)

	cfg = DefaultConfig()
	cfg.DefaultProfile = "nope"
	assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)

	cfg = DefaultConfig()
	cfg.Failover.Floor = 80
	assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)

	_, err := New(cfg)
	assert.Error(t, err)
}

// TestEngineLifecycle 真實時鐘 + 模擬探測：路徑斷線後流量自動換到另一條
func TestEngineLifecycle(t *testing.T) {
	cfg := testConfig()
	cfg.Sampler = sampler.Config{Interval: 20 * time.Millisecond, Timeout: 10 * time.Millisecond}
	cfg.ReevalInterval = 20 * time.Millisecond
	cfg.StateFile = filepath.Join(t.TempDir(), "state.json")
	cfg.StateInterval = 20 * time.Millisecond

	sim := sampler.NewSimulatedProber(1)
	sim.SetCondition("a", sampler.Condition{LatencyMs: 10, JitterMs: 1})
	sim.SetCondition("b", sampler.Condition{LatencyMs: 60, JitterMs: 5})

	e, err := New(cfg, WithProber(sim), WithLogger(logging.Discard()))
	require.NoError(t, err)
	buildMesh(t, e)

	require.NoError(t, e.Start(context.Background()))
	assert.ErrorIs(t, e.Start(context.Background()), ErrAlreadyStarted)

	require.Eventually(t, func() bool {
		a, _ := e.Path("a")
		b, _ := e.Path("b")
		return a.Stats.Samples > 0 && b.Stats.Samples > 0
	}, 3*time.Second, 10*time.Millisecond)

	b, err := e.NotifyFlow(context.Background(), flowF())
	require.NoError(t, err)
	assert.Equal(t, types.PathID("a"), b.PathID)

	sim.SetCondition("a", sampler.Condition{Down: true})
	require.Eventually(t, func() bool {
		b, err := e.GetBinding(flowF())
		return err == nil && b.PathID == "b"
	}, 3*time.Second, 10*time.Millisecond)

	e.Stop()
	e.Stop()

	state, err := snapshot.NewManager(cfg.StateFile).Load()
	require.NoError(t, err)
	assert.Equal(t, e.ID(), state.EngineID)
	assert.Len(t, state.Paths, 2)
	require.Len(t, state.Bindings, 1)
	assert.Equal(t, types.PathID("b"), state.Bindings[0].PathID)
}
