// ============================================================================
// meshsteer Metrics Sampler - Per-Path Probe Scheduler
// ============================================================================
//
// Package: internal/sampler
// File: sampler.go
// Function: Probe every known path at a fixed interval and hand the samples to a sink
//
// Execution Model:
//   ┌──────────────────────────────────────────┐
//   │  one goroutine per path                  │
//   │  ┌────────────────────────────────────┐  │
//   │  │ ticker (Interval)                  │  │
//   │  │   ├─ context.WithTimeout(Timeout)  │  │
//   │  │   ├─ prober.Probe(ctx, target)     │  │
//   │  │   ├─ jitter = |lat - prev lat|     │  │
//   │  │   └─ sink.RecordSample(...)        │  │
//   │  └────────────────────────────────────┘  │
//   └──────────────────────────────────────────┘
//
//   Path tasks share nothing with each other. A slow probe is bounded by its own
//   timeout and never delays another path's cycle.
//
// Failure Semantics:
//   - Timeout / transport error → the sample is still recorded (Lost=true, Loss=1)
//   - The sink is told about the failure (ProbeFailed) for events and metrics
//   - Probe errors are never returned to callers; they degrade the score instead
//
// Lifecycle:
//   Sync(targets) adds and removes path tasks at any time.
//   Start(ctx) launches them; Stop() cancels every task and in-flight probe.
//
// ============================================================================

package sampler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/ChuLiYu/meshsteer/pkg/types"
)

// ============================================================================
// Errors
// ============================================================================

var (
	// ErrProbeTimeout probe got no answer within its timeout
	ErrProbeTimeout = errors.New("probe timeout")
	// ErrProbeTransport probe could not be sent or the answer was unusable
	ErrProbeTransport = errors.New("probe transport error")
	// ErrAlreadyStarted Start called twice
	ErrAlreadyStarted = errors.New("sampler already started")
)

// Defaults
const (
	DefaultInterval = time.Second
	DefaultTimeout  = 500 * time.Millisecond
)

// ============================================================================
// Interfaces
// ============================================================================

// Target is what a prober needs to measure one path
type Target struct {
	PathID types.PathID
	Src    string // local endpoint address (host:port)
	Dst    string // remote endpoint address (host:port)
}

// Prober measures one round trip. It fills LatencyMs and optionally BandwidthMbps;
// the sampler owns At, JitterMs, Loss and Lost.
type Prober interface {
	Probe(ctx context.Context, target Target) (types.Sample, error)
}

// ProberFunc adapts a function to Prober
type ProberFunc func(ctx context.Context, target Target) (types.Sample, error)

// Probe implements Prober
func (f ProberFunc) Probe(ctx context.Context, target Target) (types.Sample, error) {
	return f(ctx, target)
}

// Sink receives every sample, including lost ones
type Sink interface {
	RecordSample(id types.PathID, s types.Sample)
	ProbeFailed(id types.PathID, err error, at time.Time)
}

// ============================================================================
// Sampler
// ============================================================================

// Config sampler timing
type Config struct {
	Interval time.Duration
	Timeout  time.Duration
}

type task struct {
	target Target
	cancel context.CancelFunc
}

// Sampler runs one probe loop per path
type Sampler struct {
	mu      sync.Mutex
	cfg     Config
	prober  Prober
	sink    Sink
	log     *slog.Logger
	now     func() time.Time
	tasks   map[types.PathID]*task
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
	stopped bool
}

// New creates a sampler; zero durations fall back to the defaults
func New(cfg Config, prober Prober, sink Sink, log *slog.Logger) *Sampler {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if log == nil {
		log = slog.Default()
	}
	return &Sampler{
		cfg:    cfg,
		prober: prober,
		sink:   sink,
		log:    log.With("component", "sampler"),
		now:    time.Now,
		tasks:  make(map[types.PathID]*task),
	}
}

// Start launches a loop for every synced target
func (s *Sampler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return ErrAlreadyStarted
	}
	s.started = true
	s.ctx, s.cancel = context.WithCancel(ctx)
	for _, t := range s.tasks {
		s.launchLocked(t)
	}
	s.log.Info("Sampler started", "paths", len(s.tasks), "interval", s.cfg.Interval, "timeout", s.cfg.Timeout)
	return nil
}

// Stop cancels all loops and in-flight probes and waits for them to exit
func (s *Sampler) Stop() {
	s.mu.Lock()
	if !s.started || s.stopped {
		s.stopped = true
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.cancel()
	s.mu.Unlock()

	s.wg.Wait()
	s.log.Info("Sampler stopped")
}

// Sync makes the running set of path loops match targets.
// Paths with a changed address are restarted; removed paths are cancelled.
func (s *Sampler) Sync(targets []Target) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return
	}

	want := make(map[types.PathID]Target, len(targets))
	for _, t := range targets {
		want[t.PathID] = t
	}

	for id, t := range s.tasks {
		if nt, ok := want[id]; !ok || nt != t.target {
			if t.cancel != nil {
				t.cancel()
			}
			delete(s.tasks, id)
		}
	}

	for id, target := range want {
		if _, ok := s.tasks[id]; ok {
			continue
		}
		t := &task{target: target}
		s.tasks[id] = t
		if s.started {
			s.launchLocked(t)
		}
	}
}

// Paths currently scheduled
func (s *Sampler) Paths() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

func (s *Sampler) launchLocked(t *task) {
	ctx, cancel := context.WithCancel(s.ctx)
	t.cancel = cancel
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.run(ctx, t.target)
	}()
}

// run is the per-path loop; the first probe fires immediately
func (s *Sampler) run(ctx context.Context, target Target) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	var jt jitterTracker
	for {
		s.probeOnce(ctx, target, &jt)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Sampler) probeOnce(ctx context.Context, target Target, jt *jitterTracker) {
	pctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	sample, err := s.prober.Probe(pctx, target)
	timedOut := errors.Is(pctx.Err(), context.DeadlineExceeded)
	cancel()

	// shutdown, not a network failure
	if ctx.Err() != nil {
		return
	}

	at := s.now()
	if err != nil {
		err = classify(err, timedOut)
		s.log.Debug("Probe failed", "path", target.PathID, "dst", target.Dst, "error", err)
		s.sink.RecordSample(target.PathID, types.Sample{At: at, Loss: 1, Lost: true})
		s.sink.ProbeFailed(target.PathID, err, at)
		return
	}

	sample.At = at
	sample.Lost = false
	sample.Loss = 0
	sample.JitterMs = jt.next(sample.LatencyMs)
	s.sink.RecordSample(target.PathID, sample)
}

// classify wraps an arbitrary prober error into one of the two probe error kinds
func classify(err error, timedOut bool) error {
	switch {
	case errors.Is(err, ErrProbeTimeout), errors.Is(err, ErrProbeTransport):
		return err
	case timedOut, errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %w", ErrProbeTimeout, err)
	default:
		return fmt.Errorf("%w: %w", ErrProbeTransport, err)
	}
}

// jitterTracker computes |latency - previous successful latency|; 0 for the first sample
type jitterTracker struct {
	prev    float64
	hasPrev bool
}

func (j *jitterTracker) next(latency float64) float64 {
	if !j.hasPrev {
		j.prev, j.hasPrev = latency, true
		return 0
	}
	d := math.Abs(latency - j.prev)
	j.prev = latency
	return d
}
