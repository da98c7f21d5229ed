package sampler

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/test/bufconn"

	"github.com/ChuLiYu/meshsteer/pkg/types"
)

// ============================================================================
// Test Helper Functions
// ============================================================================

type recordingSink struct {
	mu       sync.Mutex
	samples  map[types.PathID][]types.Sample
	failures map[types.PathID][]error
}

func newRecordingSink() *recordingSink {
	return &recordingSink{
		samples:  make(map[types.PathID][]types.Sample),
		failures: make(map[types.PathID][]error),
	}
}

func (s *recordingSink) RecordSample(id types.PathID, sample types.Sample) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.samples[id] = append(s.samples[id], sample)
}

func (s *recordingSink) ProbeFailed(id types.PathID, err error, _ time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[id] = append(s.failures[id], err)
}

func (s *recordingSink) get(id types.PathID) []types.Sample {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]types.Sample(nil), s.samples[id]...)
}

func (s *recordingSink) failed(id types.PathID) []error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]error(nil), s.failures[id]...)
}

// scriptedProber returns the latencies in order for each path, then repeats the last one
func scriptedProber(script map[types.PathID][]float64) Prober {
	var mu sync.Mutex
	next := make(map[types.PathID]int)
	return ProberFunc(func(ctx context.Context, target Target) (types.Sample, error) {
		mu.Lock()
		defer mu.Unlock()
		seq := script[target.PathID]
		i := next[target.PathID]
		if i >= len(seq) {
			i = len(seq) - 1
		}
		next[target.PathID]++
		return types.Sample{LatencyMs: seq[i]}, nil
	})
}

func fastConfig() Config {
	return Config{Interval: 10 * time.Millisecond, Timeout: 5 * time.Millisecond}
}

// ============================================================================
// Sampler
// ============================================================================

func TestJitterTracker(t *testing.T) {
	var jt jitterTracker
	assert.Equal(t, 0.0, jt.next(20))
	assert.Equal(t, 4.0, jt.next(24))
	assert.Equal(t, 6.0, jt.next(18))
	assert.Equal(t, 0.0, jt.next(18))
}

func TestSamplerRecordsSamplesWithJitter(t *testing.T) {
	sink := newRecordingSink()
	prober := scriptedProber(map[types.PathID][]float64{
		"a": {10, 14, 11},
		"b": {50, 50, 60},
	})
	s := New(fastConfig(), prober, sink, nil)
	s.Sync([]Target{{PathID: "a", Dst: "x"}, {PathID: "b", Dst: "y"}})
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	require.Eventually(t, func() bool {
		return len(sink.get("a")) >= 3 && len(sink.get("b")) >= 3
	}, 2*time.Second, 5*time.Millisecond)

	a := sink.get("a")
	assert.Equal(t, []float64{0, 4, 3}, []float64{a[0].JitterMs, a[1].JitterMs, a[2].JitterMs})
	for _, sample := range a {
		assert.False(t, sample.Lost)
		assert.Equal(t, 0.0, sample.Loss)
		assert.False(t, sample.At.IsZero())
	}

	b := sink.get("b")
	assert.Equal(t, []float64{0, 0, 10}, []float64{b[0].JitterMs, b[1].JitterMs, b[2].JitterMs})
}

func TestSamplerRecordsLossOnFailure(t *testing.T) {
	sink := newRecordingSink()
	prober := ProberFunc(func(ctx context.Context, target Target) (types.Sample, error) {
		return types.Sample{}, errors.New("connection refused")
	})
	s := New(fastConfig(), prober, sink, nil)
	s.Sync([]Target{{PathID: "a"}})
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	require.Eventually(t, func() bool { return len(sink.get("a")) >= 2 }, 2*time.Second, 5*time.Millisecond)

	for _, sample := range sink.get("a") {
		assert.True(t, sample.Lost)
		assert.Equal(t, 1.0, sample.Loss)
	}
	failures := sink.failed("a")
	require.NotEmpty(t, failures)
	assert.ErrorIs(t, failures[0], ErrProbeTransport)
}

func TestSlowPathDoesNotStallOthers(t *testing.T) {
	sink := newRecordingSink()
	prober := ProberFunc(func(ctx context.Context, target Target) (types.Sample, error) {
		if target.PathID == "slow" {
			<-ctx.Done()
			return types.Sample{}, ctx.Err()
		}
		return types.Sample{LatencyMs: 5}, nil
	})
	cfg := Config{Interval: 10 * time.Millisecond, Timeout: 50 * time.Millisecond}
	s := New(cfg, prober, sink, nil)
	s.Sync([]Target{{PathID: "slow"}, {PathID: "fast"}})
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	require.Eventually(t, func() bool { return len(sink.get("slow")) >= 1 }, 2*time.Second, 5*time.Millisecond)

	// fast 在 slow 第一次逾時之前已累積多個樣本
	assert.GreaterOrEqual(t, len(sink.get("fast")), 3)
	failures := sink.failed("slow")
	require.NotEmpty(t, failures)
	assert.ErrorIs(t, failures[0], ErrProbeTimeout)
}

func TestSyncAddsAndRemovesPaths(t *testing.T) {
	sink := newRecordingSink()
	s := New(fastConfig(), scriptedProber(map[types.PathID][]float64{"a": {1}, "b": {2}}), sink, nil)
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	s.Sync([]Target{{PathID: "a"}})
	assert.Equal(t, 1, s.Paths())
	require.Eventually(t, func() bool { return len(sink.get("a")) >= 1 }, 2*time.Second, 5*time.Millisecond)

	s.Sync([]Target{{PathID: "b"}})
	assert.Equal(t, 1, s.Paths())
	require.Eventually(t, func() bool { return len(sink.get("b")) >= 1 }, 2*time.Second, 5*time.Millisecond)

	// a 已停止，不再增加樣本
	time.Sleep(30 * time.Millisecond)
	before := len(sink.get("a"))
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, before, len(sink.get("a")))
}

func TestStopCancelsInFlightProbes(t *testing.T) {
	sink := newRecordingSink()
	started := make(chan struct{}, 1)
	prober := ProberFunc(func(ctx context.Context, target Target) (types.Sample, error) {
		select {
		case started <- struct{}{}:
		default:
		}
		<-ctx.Done()
		return types.Sample{}, ctx.Err()
	})
	s := New(Config{Interval: time.Second, Timeout: time.Hour}, prober, sink, nil)
	s.Sync([]Target{{PathID: "a"}})
	require.NoError(t, s.Start(context.Background()))
	<-started

	done := make(chan struct{})
	go func() {
		s.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not cancel the in-flight probe")
	}

	assert.Empty(t, sink.get("a"), "cancelled probes are not recorded as loss")
	assert.ErrorIs(t, s.Start(context.Background()), ErrAlreadyStarted)
}

// ============================================================================
// Probers
// ============================================================================

func TestUDPProberWithResponder(t *testing.T) {
	r, err := Listen("127.0.0.1:0", nil)
	require.NoError(t, err)
	defer r.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	p := NewUDPProber()
	sample, err := p.Probe(ctx, Target{PathID: "lo", Dst: r.Addr().String()})
	require.NoError(t, err)
	assert.GreaterOrEqual(t, sample.LatencyMs, 0.0)
	assert.Less(t, sample.LatencyMs, 1000.0)
}

func TestUDPProberTimeout(t *testing.T) {
	// 綁定但從不回應
	silent, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	defer silent.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err = NewUDPProber().Probe(ctx, Target{PathID: "lo", Dst: silent.LocalAddr().String()})
	assert.ErrorIs(t, err, ErrProbeTimeout)
}

func TestResponderIgnoresForeignDatagrams(t *testing.T) {
	r, err := Listen("127.0.0.1:0", nil)
	require.NoError(t, err)
	defer r.Close()

	conn, err := net.Dial("udp", r.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("hello"))
	require.NoError(t, err)
	_ = conn.SetReadDeadline(time.Now().Add(50 * time.Millisecond))
	_, err = conn.Read(make([]byte, 64))
	assert.Error(t, err)
}

func TestSimulatedProber(t *testing.T) {
	p := NewSimulatedProber(7)
	ctx := context.Background()

	p.SetCondition("a", Condition{LatencyMs: 30, JitterMs: 5, BandwidthMbps: 200})
	for i := 0; i < 50; i++ {
		s, err := p.Probe(ctx, Target{PathID: "a"})
		require.NoError(t, err)
		assert.InDelta(t, 30, s.LatencyMs, 5)
		assert.Equal(t, 200.0, s.BandwidthMbps)
	}

	p.SetCondition("a", Condition{Down: true})
	_, err := p.Probe(ctx, Target{PathID: "a"})
	assert.ErrorIs(t, err, ErrProbeTimeout)

	assert.Equal(t, DefaultCondition, p.Condition("unknown"))

	// 同一種子產生同樣的序列
	x, y := NewSimulatedProber(99), NewSimulatedProber(99)
	for i := 0; i < 10; i++ {
		sx, _ := x.Probe(ctx, Target{PathID: "z"})
		sy, _ := y.Probe(ctx, Target{PathID: "z"})
		assert.Equal(t, sx, sy)
	}
}

func TestGRPCHealthProber(t *testing.T) {
	lis := bufconn.Listen(1 << 16)
	srv := grpc.NewServer()
	hs := health.NewServer()
	healthpb.RegisterHealthServer(srv, hs)
	go func() { _ = srv.Serve(lis) }()
	defer srv.Stop()

	p := NewGRPCHealthProber("",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	defer p.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	target := Target{PathID: "a", Dst: "passthrough:///bufnet"}
	_, err := p.Probe(ctx, target)
	require.NoError(t, err)

	hs.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	_, err = p.Probe(ctx, target)
	assert.ErrorIs(t, err, ErrProbeTransport)
}

func TestClassify(t *testing.T) {
	assert.ErrorIs(t, classify(context.DeadlineExceeded, false), ErrProbeTimeout)
	assert.ErrorIs(t, classify(errors.New("boom"), true), ErrProbeTimeout)
	assert.ErrorIs(t, classify(errors.New("boom"), false), ErrProbeTransport)

	already := classify(ErrProbeTimeout, false)
	assert.Equal(t, ErrProbeTimeout, already)
}
