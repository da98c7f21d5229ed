package main

// ============================================================================
// 職責說明：
// 1. 以模擬 prober 建立 hq ↔ branch 兩條路徑（fiber 與 cellular）
// 2. 綁定一條流量後讓 fiber 斷線，觀察 failover
// 3. 恢復 fiber，觀察 hysteresis 之後的 failback
// ============================================================================

import (
	"context"
	"fmt"
	"log"
	"net/netip"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ChuLiYu/meshsteer/internal/engine"
	"github.com/ChuLiYu/meshsteer/internal/logging"
	"github.com/ChuLiYu/meshsteer/internal/policy"
	"github.com/ChuLiYu/meshsteer/internal/sampler"
	"github.com/ChuLiYu/meshsteer/pkg/types"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	prober := sampler.NewSimulatedProber(42)
	prober.SetCondition("fiber", sampler.Condition{LatencyMs: 12, JitterMs: 1, BandwidthMbps: 900})
	prober.SetCondition("cellular", sampler.Condition{LatencyMs: 45, JitterMs: 6, BandwidthMbps: 80})

	cfg := engine.DefaultConfig()
	cfg.Sampler.Interval = 100 * time.Millisecond
	cfg.Sampler.Timeout = 50 * time.Millisecond
	cfg.ReevalInterval = 100 * time.Millisecond
	cfg.Failover.Cooldown = 500 * time.Millisecond

	eng, err := engine.New(cfg, engine.WithProber(prober), engine.WithLogger(logging.Discard()))
	if err != nil {
		log.Fatalf("Failed to create engine: %v", err)
	}
	if err := seed(eng); err != nil {
		log.Fatalf("Failed to seed mesh: %v", err)
	}

	events := eng.Subscribe("demo")
	go func() {
		for e := range events.C() {
			printEvent(e)
		}
	}()

	if err := eng.Start(ctx); err != nil {
		log.Fatalf("Failed to start engine: %v", err)
	}
	defer eng.Stop()
	fmt.Println("✓ Engine started (hq ↔ branch over fiber + cellular)")

	flow := types.Flow{
		SrcSite: "hq", DstSite: "branch",
		SrcAddr: netip.MustParseAddr("10.0.0.10"), DstAddr: netip.MustParseAddr("10.1.0.10"),
		Protocol: types.ProtoUDP, SrcPort: 5004, DstPort: 5004,
	}

	steps := []struct {
		wait time.Duration
		msg  string
		do   func()
	}{
		{1 * time.Second, "Notify a voice flow", func() {
			b, err := eng.NotifyFlow(ctx, flow)
			if err != nil {
				fmt.Printf("  NotifyFlow failed: %v\n", err)
				return
			}
			fmt.Printf("  bound to %s (policy %s)\n", b.PathID, b.PolicyID)
		}},
		{0, "⚡ Cutting the fiber", func() {
			prober.SetCondition("fiber", sampler.Condition{Down: true})
		}},
		{2 * time.Second, "🔧 Fiber repaired", func() {
			prober.SetCondition("fiber", sampler.Condition{LatencyMs: 12, JitterMs: 1, BandwidthMbps: 900})
		}},
		{3 * time.Second, "Final path table", printPaths(eng)},
	}

	for _, s := range steps {
		select {
		case <-ctx.Done():
			fmt.Println("\nReceived shutdown signal, stopping gracefully...")
			return
		case <-time.After(s.wait):
		}
		fmt.Printf("\n%s\n", s.msg)
		s.do()
	}

	fmt.Println("\n💡 Press Ctrl+C to exit")
	<-ctx.Done()
	fmt.Println("\nReceived shutdown signal, stopping gracefully...")
}

func seed(eng *engine.Engine) error {
	for _, s := range []types.Site{{ID: "hq", Name: "HQ"}, {ID: "branch", Name: "Branch"}} {
		if _, err := eng.UpsertSite(s); err != nil {
			return err
		}
	}
	for _, ep := range []types.Endpoint{
		{ID: "hq-fiber", SiteID: "hq", Address: "10.0.0.1:4790", LinkType: types.LinkFiber, Reachable: true},
		{ID: "hq-lte", SiteID: "hq", Address: "10.0.0.2:4790", LinkType: types.LinkCellular, CostPerGB: 2, Reachable: true},
		{ID: "br-fiber", SiteID: "branch", Address: "10.1.0.1:4790", LinkType: types.LinkFiber, Reachable: true},
	} {
		if _, err := eng.UpsertEndpoint(ep); err != nil {
			return err
		}
	}
	for _, p := range []types.Path{
		{ID: "fiber", Src: "hq-fiber", Dst: "br-fiber", Bidirectional: true},
		{ID: "cellular", Src: "hq-lte", Dst: "br-fiber", Bidirectional: true},
	} {
		if _, err := eng.UpsertPath(p); err != nil {
			return err
		}
	}

	voice := policy.Policy{
		ID:                 "voice",
		Priority:           10,
		Strategy:           policy.StrategyBestScore,
		Profile:            "latency-sensitive",
		FailoverThreshold:  policy.Float(60),
		FailbackHysteresis: time.Second,
	}
	proto := types.ProtoUDP
	voice.Match.Protocol = &proto
	_, err := eng.ReplacePolicies(policy.Set{Policies: []policy.Policy{voice}})
	return err
}

func printEvent(e types.Event) {
	switch e.Type {
	case types.EventPathStatusChanged:
		fmt.Printf("  [%d] path %s: %s → %s (score %.1f)\n", e.Seq, e.PathID, e.FromStatus, e.ToStatus, e.Score)
	case types.EventFlowBound:
		fmt.Printf("  [%d] flow bound → %s\n", e.Seq, e.ToPath)
	case types.EventFlowRebound:
		fmt.Printf("  [%d] flow rebound %s → %s (%s)\n", e.Seq, e.FromPath, e.ToPath, e.Reason)
	case types.EventFlowUnbound:
		fmt.Printf("  [%d] flow unbound from %s (%s)\n", e.Seq, e.FromPath, e.Reason)
	case types.EventPolicySetReplaced:
		fmt.Printf("  [%d] policy set v%d\n", e.Seq, e.PolicyVersion)
	}
}

func printPaths(eng *engine.Engine) func() {
	return func() {
		for _, p := range eng.ListPaths() {
			fmt.Fprintf(os.Stdout, "  %-9s %-9s score=%5.1f\n", p.ID, p.Status, p.Score)
		}
	}
}
