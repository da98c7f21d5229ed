// ============================================================================
// meshsteer 引擎 - 系統核心協調器
// ============================================================================
//
// Package: internal/engine
// 文件: engine.go
// 功能: 協調所有模組，提供對外的程序內 API
//
// 架構設計:
//   這是整個系統的"大腦"，負責協調以下組件：
//   - Sampler: 每條路徑一個探測 goroutine，樣本經由 sink 回到引擎
//   - PathStore: 拓撲與每條路徑的樣本環形緩衝、分數、狀態
//   - Failover: 每條路徑的 Up/Degraded/Down 狀態機
//   - Policy: 策略組，原子替換
//   - FlowTable: 流量 → 路徑綁定
//   - Bus: 事件串流（有界、最多一次）
//
// 資料流:
//   Sampler ─► AppendSample ─► Score ─► Failover.Evaluate ─► Store.Update
//                                                            └─► PathStatusChanged
//   reevaluate tick ─► FlowTable.Reevaluate ─► FlowRebound / FlowUnbound
//
// 核心循環 (3 個並發 Goroutine，另加 Sampler 自己的 per-path goroutine):
//   1. Reevaluate Loop - 每個 tick 重新評估所有綁定並清除閒置流量
//   2. Liveness Loop - 心跳逾時的站點標記為 Down（timeout > 0 時啟用）
//   3. State Loop - 定期寫出狀態檔（設定 StateFile 時啟用）
//
// 並發安全:
//   - topoMu 串行化拓撲變更與樣本處理，移除中的路徑不會被再次評估
//   - stopCh channel 用於優雅關閉所有循環
//   - sync.WaitGroup 確保所有 goroutine 正確退出
//
// ============================================================================

package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ChuLiYu/meshsteer/internal/events"
	"github.com/ChuLiYu/meshsteer/internal/failover"
	"github.com/ChuLiYu/meshsteer/internal/flowtable"
	"github.com/ChuLiYu/meshsteer/internal/metrics"
	"github.com/ChuLiYu/meshsteer/internal/observability"
	"github.com/ChuLiYu/meshsteer/internal/pathstore"
	"github.com/ChuLiYu/meshsteer/internal/policy"
	"github.com/ChuLiYu/meshsteer/internal/sampler"
	"github.com/ChuLiYu/meshsteer/internal/scoring"
	"github.com/ChuLiYu/meshsteer/internal/snapshot"
	"github.com/ChuLiYu/meshsteer/pkg/types"
)

var (
	// ErrAlreadyStarted Start 只能呼叫一次
	ErrAlreadyStarted = errors.New("engine already started")
	// ErrInvalidConfig 引擎參數不合法
	ErrInvalidConfig = errors.New("invalid engine config")
)

// ============================================================================
// 資料結構定義
// ============================================================================

// Config 引擎配置
type Config struct {
	Sampler             sampler.Config             // 取樣間隔與單次探測逾時
	ReevalInterval      time.Duration              // 綁定重新評估間隔
	IdleTimeout         time.Duration              // 流量閒置逾時
	HistorySize         int                        // 每條路徑保留的樣本數
	DefaultProfile      string                     // 路徑分數使用的權重組
	Profiles            map[string]scoring.Profile // 自訂權重組
	EventBuffer         int                        // 每個訂閱者的事件緩衝
	Failover            failover.Config            // 路徑狀態機參數
	SiteLivenessTimeout time.Duration              // 0 = 不檢查心跳
	StateFile           string                     // 空字串 = 不寫狀態檔
	StateInterval       time.Duration              // 狀態檔寫出間隔
	Seed                int64                      // weighted 策略亂數種子，0 = 依時間
}

// DefaultConfig 預設配置
func DefaultConfig() Config {
	return Config{
		Sampler: sampler.Config{
			Interval: sampler.DefaultInterval,
			Timeout:  sampler.DefaultTimeout,
		},
		ReevalInterval: time.Second,
		IdleTimeout:    flowtable.DefaultIdleTimeout,
		HistorySize:    pathstore.DefaultHistorySize,
		DefaultProfile: scoring.ProfileLatencySensitive,
		EventBuffer:    events.DefaultBufferSize,
		Failover:       failover.DefaultConfig(),
		StateInterval:  5 * time.Second,
	}
}

// Validate 檢查參數之間的約束
func (c Config) Validate() error {
	var errs []error
	if c.Sampler.Interval <= 0 {
		errs = append(errs, fmt.Errorf("sample interval must be positive"))
	}
	if c.Sampler.Timeout <= 0 || c.Sampler.Timeout >= c.Sampler.Interval {
		errs = append(errs, fmt.Errorf("probe timeout %s must be positive and below sample interval %s", c.Sampler.Timeout, c.Sampler.Interval))
	}
	if c.ReevalInterval <= 0 {
		errs = append(errs, fmt.Errorf("reevaluation interval must be positive"))
	}
	if c.IdleTimeout <= 0 {
		errs = append(errs, fmt.Errorf("idle timeout must be positive"))
	}
	if c.HistorySize < c.Failover.LossWindow {
		errs = append(errs, fmt.Errorf("history size %d is smaller than loss window %d", c.HistorySize, c.Failover.LossWindow))
	}
	if c.SiteLivenessTimeout < 0 {
		errs = append(errs, fmt.Errorf("site liveness timeout must not be negative"))
	}
	if c.StateFile != "" && c.StateInterval <= 0 {
		errs = append(errs, fmt.Errorf("state interval must be positive when a state file is set"))
	}
	if err := c.Failover.Validate(); err != nil {
		errs = append(errs, err)
	}
	if _, err := scoring.Lookup(c.DefaultProfile, c.Profiles); err != nil {
		errs = append(errs, err)
	}
	for name, p := range c.Profiles {
		if p.Name == "" {
			p.Name = name
		}
		if err := p.Validate(); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}

// Option 可選依賴
type Option func(*Engine)

// WithProber 替換探測實作（預設 UDP echo）
func WithProber(p sampler.Prober) Option {
	return func(e *Engine) { e.prober = p }
}

// WithMetrics 啟用 Prometheus 指標
func WithMetrics(m *metrics.Collector) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithLogger 指定 logger
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.log = l }
}

// WithClock 指定時鐘，測試用
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// Engine 核心協調器
type Engine struct {
	id      string
	cfg     Config
	profile scoring.Profile
	log     *slog.Logger
	now     func() time.Time
	tracer  trace.Tracer

	store    *pathstore.Store
	failover *failover.Controller
	policies *policy.Engine
	flows    *flowtable.Table
	bus      *events.Bus
	sampler  *sampler.Sampler
	prober   sampler.Prober
	metrics  *metrics.Collector
	state    *snapshot.Manager

	topoMu    sync.RWMutex   // 拓撲變更（寫）與樣本處理（讀）
	mu        sync.Mutex     // 保護生命週期欄位
	stopCh    chan struct{}  // 停止訊號
	started   bool           // 是否已啟動
	stopped   bool           // 標記是否已停止
	startTime time.Time      // 啟動時間
	loopWg    sync.WaitGroup // 等待所有循環退出
}

// ============================================================================
// 核心方法實作
// ============================================================================

// New 建立新的 Engine 實例
//
// 參數：
//   - cfg: 引擎配置
//   - opts: 可選依賴（prober、metrics、logger、clock）
//
// 返回值：
//   - *Engine: Engine 實例
//   - error: 配置不合法
func New(cfg Config, opts ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	profile, err := scoring.Lookup(cfg.DefaultProfile, cfg.Profiles)
	if err != nil {
		return nil, err
	}
	fc, err := failover.New(cfg.Failover)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		id:       uuid.NewString(),
		cfg:      cfg,
		profile:  profile,
		now:      time.Now,
		store:    pathstore.New(cfg.HistorySize),
		failover: fc,
		policies: policy.NewEngine(),
		bus:      events.NewBus(cfg.EventBuffer),
		stopCh:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.log == nil {
		e.log = slog.Default()
	}
	e.log = e.log.With("component", "engine")
	if e.prober == nil {
		e.prober = sampler.NewUDPProber()
	}
	e.tracer = observability.Tracer()

	e.policies.SetDefaultProfile(profile)
	e.flows = flowtable.New(e.store, e.policies, flowtable.Config{
		IdleTimeout: cfg.IdleTimeout,
		Seed:        cfg.Seed,
	})
	e.sampler = sampler.New(cfg.Sampler, e.prober, sink{e}, e.log)
	e.bus.OnDrop(func(subscriber string, _ types.Event) {
		e.metrics.RecordDroppedEvent(subscriber)
	})
	if cfg.StateFile != "" {
		e.state = snapshot.NewManager(cfg.StateFile)
	}
	return e, nil
}

// ID 引擎實例識別碼
func (e *Engine) ID() string { return e.id }

// Config 目前配置
func (e *Engine) Config() Config { return e.cfg }

// Start 啟動 Sampler 與所有核心循環
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.started {
		return ErrAlreadyStarted
	}
	e.started = true
	e.startTime = e.now()

	if err := e.sampler.Start(ctx); err != nil {
		return fmt.Errorf("start sampler: %w", err)
	}

	e.loopWg.Add(1)
	go e.reevaluateLoop()

	if e.cfg.SiteLivenessTimeout > 0 {
		e.loopWg.Add(1)
		go e.livenessLoop()
	}
	if e.state != nil {
		e.loopWg.Add(1)
		go e.stateLoop()
	}

	sites, endpoints, paths := e.store.Counts()
	e.log.Info("Engine started",
		"id", e.id,
		"sites", sites,
		"endpoints", endpoints,
		"paths", paths,
		"profile", e.profile.Name,
		"reevaluate", e.cfg.ReevalInterval)
	return nil
}

// Stop 優雅停止：取消所有探測、等待循環退出、寫出最後一次狀態檔、關閉事件串流
func (e *Engine) Stop() {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return
	}
	e.stopped = true
	started := e.started
	close(e.stopCh)
	e.mu.Unlock()

	e.sampler.Stop()
	e.loopWg.Wait()

	if started && e.state != nil {
		if err := e.writeState(); err != nil {
			e.log.Warn("Final state write failed", "error", err)
		}
	}
	e.bus.Close()
	e.log.Info("Engine stopped")
}

// ============================================================================
// 核心循環
// ============================================================================

// reevaluateLoop 定期重新評估綁定並清除閒置流量
func (e *Engine) reevaluateLoop() {
	defer e.loopWg.Done()

	ticker := time.NewTicker(e.cfg.ReevalInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.stopCh:
			return
		case <-ticker.C:
			select {
			case <-e.stopCh:
				return
			default:
			}
			now := e.now()
			e.reevaluate(context.Background(), now)
			e.evictIdle(now)
		}
	}
}

// livenessLoop 將心跳逾時的站點標記為 Down
func (e *Engine) livenessLoop() {
	defer e.loopWg.Done()

	interval := e.cfg.SiteLivenessTimeout / 2
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-e.stopCh:
			return
		case <-ticker.C:
			e.expireSites(e.now())
		}
	}
}

// stateLoop 定期寫出狀態檔
func (e *Engine) stateLoop() {
	defer e.loopWg.Done()

	ticker := time.NewTicker(e.cfg.StateInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.stopCh:
			return
		case <-ticker.C:
			if err := e.writeState(); err != nil {
				e.log.Error("State write failed", "path", e.state.GetPath(), "error", err)
			}
		}
	}
}

// reevaluate 一個評估 tick：所有綁定依最新分數與狀態重新決策
func (e *Engine) reevaluate(ctx context.Context, now time.Time) []flowtable.Change {
	_, span := e.tracer.Start(ctx, "engine.Reevaluate")
	defer span.End()

	changes := e.flows.Reevaluate(now)
	for _, c := range changes {
		e.publishChange(c)
	}
	span.SetAttributes(
		attribute.Int("meshsteer.flows", e.flows.Len()),
		attribute.Int("meshsteer.changes", len(changes)),
	)
	e.metrics.SetFlowBindings(e.flows.Len())
	return changes
}

func (e *Engine) evictIdle(now time.Time) []flowtable.Change {
	changes := e.flows.EvictIdle(now)
	for _, c := range changes {
		e.publishChange(c)
	}
	if len(changes) > 0 {
		e.metrics.SetFlowBindings(e.flows.Len())
	}
	return changes
}

func (e *Engine) expireSites(now time.Time) []types.SiteID {
	expired := e.store.ExpireSites(now, e.cfg.SiteLivenessTimeout)
	for _, id := range expired {
		e.log.Warn("Site heartbeat timed out", "site", id, "timeout", e.cfg.SiteLivenessTimeout)
	}
	return expired
}

// ============================================================================
// 樣本處理
// ============================================================================

// sink 讓 Sampler 把樣本交回引擎，不對外暴露 Sink 介面
type sink struct{ e *Engine }

func (s sink) RecordSample(id types.PathID, sample types.Sample) { s.e.recordSample(id, sample) }

func (s sink) ProbeFailed(id types.PathID, err error, at time.Time) { s.e.probeFailed(id, err, at) }

// recordSample 寫入樣本後立即重新計算分數並推進狀態機
func (e *Engine) recordSample(id types.PathID, sample types.Sample) {
	e.topoMu.RLock()
	defer e.topoMu.RUnlock()

	if err := e.store.AppendSample(id, sample); err != nil {
		// 路徑已被移除
		return
	}
	if !sample.Lost {
		e.metrics.RecordProbe(sample.LatencyMs)
	}
	e.evaluatePathLocked(id, sample.At)
}

func (e *Engine) evaluatePathLocked(id types.PathID, now time.Time) {
	stats, err := e.store.Stats(id)
	if err != nil {
		return
	}
	recent, err := e.store.Recent(id, e.cfg.Failover.LossWindow)
	if err != nil {
		return
	}

	score := scoring.Score(stats, e.profile)
	tr := e.failover.Evaluate(id, score, recent, now)
	if _, err := e.store.Update(id, score, tr.To); err != nil {
		return
	}
	if snap, err := e.store.Snapshot(id); err == nil {
		e.metrics.UpdatePath(snap)
	}

	if !tr.Changed {
		return
	}

	logFn := e.log.Info
	if tr.To == types.PathDown {
		logFn = e.log.Warn
	}
	logFn("Path status changed",
		"path", id,
		"from", tr.From,
		"to", tr.To,
		"score", fmt.Sprintf("%.1f", score),
		"reason", tr.Reason)
	e.metrics.RecordTransition(tr.From, tr.To)
	e.bus.Publish(types.Event{
		Type:       types.EventPathStatusChanged,
		At:         now,
		PathID:     id,
		FromStatus: tr.From,
		ToStatus:   tr.To,
		Score:      score,
	})
}

func (e *Engine) probeFailed(id types.PathID, err error, at time.Time) {
	result := metrics.ProbeTransport
	if errors.Is(err, sampler.ErrProbeTimeout) {
		result = metrics.ProbeTimeout
	}
	e.metrics.RecordProbeFailure(result)
	e.bus.Publish(types.Event{
		Type:   types.EventPathProbeFailed,
		At:     at,
		PathID: id,
		Error:  err.Error(),
	})
}

// ============================================================================
// 事件
// ============================================================================

func (e *Engine) publishChange(c flowtable.Change) {
	flow := c.Flow
	e.metrics.RecordFlowChange(c.Type, c.Reason)

	switch {
	case c.Type == types.EventFlowUnbound:
		e.log.Warn("Flow lost its path", "flow", flow.String(), "from", c.From, "policy", c.PolicyID)
	case c.Type == types.EventFlowRebound:
		e.log.Info("Flow rebound", "flow", flow.String(), "from", c.From, "to", c.To, "reason", c.Reason)
	default:
		e.log.Debug("Flow binding changed", "type", c.Type, "flow", flow.String(), "path", c.To)
	}

	e.bus.Publish(types.Event{
		Type:     c.Type,
		At:       c.At,
		Flow:     &flow,
		FromPath: c.From,
		ToPath:   c.To,
		PolicyID: c.PolicyID,
		Reason:   c.Reason,
	})
}

// Subscribe 訂閱事件串流；慢訂閱者會遺失事件，不影響引擎
func (e *Engine) Subscribe(name string) *events.Subscription {
	return e.bus.Subscribe(name)
}

// ============================================================================
// 拓撲（membership feed）
// ============================================================================

// UpsertSite 冪等註冊站點，同時視為一次心跳
func (e *Engine) UpsertSite(site types.Site) (bool, error) {
	e.topoMu.Lock()
	defer e.topoMu.Unlock()

	now := e.now()
	changed, err := e.store.UpsertSite(site, now)
	if err != nil {
		return false, err
	}
	if err := e.store.TouchSite(site.ID, now); err != nil {
		return false, err
	}
	if changed {
		e.log.Info("Site registered", "site", site.ID, "name", site.Name)
	}
	return changed, nil
}

// RemoveSite 移除站點及其所有端點與路徑
func (e *Engine) RemoveSite(id types.SiteID) error {
	e.topoMu.Lock()
	removed, err := e.store.RemoveSite(id)
	if err == nil {
		e.forgetPathsLocked(removed)
		e.syncTargetsLocked()
	}
	e.topoMu.Unlock()
	if err != nil {
		return err
	}

	e.log.Info("Site removed", "site", id, "paths", len(removed))
	e.afterPathRemoval(removed)
	return nil
}

// TouchSite 心跳
func (e *Engine) TouchSite(id types.SiteID) error {
	return e.store.TouchSite(id, e.now())
}

// Sites 所有站點（含推導狀態）
func (e *Engine) Sites() []types.Site { return e.store.Sites() }

// Site 單一站點
func (e *Engine) Site(id types.SiteID) (types.Site, error) { return e.store.Site(id) }

// UpsertEndpoint 冪等註冊端點
func (e *Engine) UpsertEndpoint(ep types.Endpoint) (bool, error) {
	e.topoMu.Lock()
	defer e.topoMu.Unlock()

	changed, err := e.store.UpsertEndpoint(ep)
	if err != nil {
		return false, err
	}
	if changed {
		e.log.Info("Endpoint registered", "endpoint", ep.ID, "site", ep.SiteID, "address", ep.Address, "link", ep.LinkType)
	}
	return changed, nil
}

// RemoveEndpoint 移除端點與經過它的路徑
func (e *Engine) RemoveEndpoint(id types.EndpointID) error {
	e.topoMu.Lock()
	removed, err := e.store.RemoveEndpoint(id)
	if err == nil {
		e.forgetPathsLocked(removed)
		e.syncTargetsLocked()
	}
	e.topoMu.Unlock()
	if err != nil {
		return err
	}

	e.log.Info("Endpoint removed", "endpoint", id, "paths", len(removed))
	e.afterPathRemoval(removed)
	return nil
}

// UpsertPath 冪等註冊路徑並開始探測
func (e *Engine) UpsertPath(p types.Path) (bool, error) {
	e.topoMu.Lock()
	defer e.topoMu.Unlock()

	changed, err := e.store.UpsertPath(p)
	if err != nil {
		return false, err
	}
	if changed {
		e.syncTargetsLocked()
		if snap, err := e.store.Snapshot(p.ID); err == nil {
			e.metrics.UpdatePath(snap)
		}
		e.log.Info("Path registered", "path", p.ID, "src", p.Src, "dst", p.Dst, "bidirectional", p.Bidirectional)
	}
	return changed, nil
}

// RemovePath 移除路徑；綁定在上面的流量立即重新評估
func (e *Engine) RemovePath(id types.PathID) error {
	e.topoMu.Lock()
	err := e.store.RemovePath(id)
	if err == nil {
		e.forgetPathsLocked([]types.PathID{id})
		e.syncTargetsLocked()
	}
	e.topoMu.Unlock()
	if err != nil {
		return err
	}

	e.log.Info("Path removed", "path", id)
	e.afterPathRemoval([]types.PathID{id})
	return nil
}

func (e *Engine) forgetPathsLocked(ids []types.PathID) {
	for _, id := range ids {
		e.failover.Forget(id)
		e.metrics.ForgetPath(id)
	}
}

// afterPathRemoval 不等下一個 tick，立刻讓受影響的流量換路徑
func (e *Engine) afterPathRemoval(removed []types.PathID) {
	if len(removed) == 0 {
		return
	}
	e.reevaluate(context.Background(), e.now())
}

// syncTargetsLocked 讓 Sampler 的探測集合與目前路徑一致
func (e *Engine) syncTargetsLocked() {
	paths := e.store.Paths()
	targets := make([]sampler.Target, 0, len(paths))
	for _, p := range paths {
		src, err := e.store.Endpoint(p.Src)
		if err != nil {
			continue
		}
		dst, err := e.store.Endpoint(p.Dst)
		if err != nil {
			continue
		}
		targets = append(targets, sampler.Target{PathID: p.ID, Src: src.Address, Dst: dst.Address})
	}
	e.sampler.Sync(targets)
}

// ============================================================================
// 策略（policy feed）
// ============================================================================

// ValidatePolicies 只驗證策略組
func (e *Engine) ValidatePolicies(set policy.Set) error {
	return e.policies.Validate(withProfiles(set, e.cfg.Profiles))
}

// ReplacePolicies 驗證並原子替換整組策略；失敗時原策略組不變
func (e *Engine) ReplacePolicies(set policy.Set) (uint64, error) {
	version, err := e.policies.Replace(withProfiles(set, e.cfg.Profiles))
	if err != nil {
		e.log.Error("Policy set rejected", "error", err)
		return 0, err
	}

	e.metrics.SetPolicyVersion(version)
	e.log.Info("Policy set replaced", "version", version, "policies", len(set.Policies))
	e.bus.Publish(types.Event{
		Type:          types.EventPolicySetReplaced,
		At:            e.now(),
		PolicyVersion: version,
	})
	return version, nil
}

// Policies 目前生效的策略（依優先序）
func (e *Engine) Policies() []policy.Policy { return e.policies.Policies() }

// PolicyVersion 目前策略組版本
func (e *Engine) PolicyVersion() uint64 { return e.policies.Version() }

// ResolvePolicy 流量會使用的策略
func (e *Engine) ResolvePolicy(f types.Flow) policy.Policy { return *e.policies.Resolve(f) }

// withProfiles 讓策略可以引用引擎配置中的自訂權重組
func withProfiles(set policy.Set, profiles map[string]scoring.Profile) policy.Set {
	if len(profiles) == 0 {
		return set
	}
	merged := make(map[string]scoring.Profile, len(profiles)+len(set.Profiles))
	for k, v := range profiles {
		merged[k] = v
	}
	for k, v := range set.Profiles {
		merged[k] = v
	}
	set.Profiles = merged
	return set
}

// ============================================================================
// 流量（flow observation feed）
// ============================================================================

// NotifyFlow 記錄流量活動，第一次看到時綁定路徑
//
// 沒有可用路徑時回傳 flowtable.ErrNoAvailablePath；流量仍被追蹤，路徑恢復後自動綁定。
func (e *Engine) NotifyFlow(ctx context.Context, f types.Flow) (types.Binding, error) {
	_, span := e.tracer.Start(ctx, "engine.NotifyFlow",
		trace.WithAttributes(
			attribute.String("meshsteer.src_site", string(f.SrcSite)),
			attribute.String("meshsteer.dst_site", string(f.DstSite)),
			attribute.Int("meshsteer.protocol", int(f.Protocol)),
			attribute.Int("meshsteer.dst_port", int(f.DstPort)),
		))
	defer span.End()

	b, change, err := e.flows.Notify(f, e.now())
	e.metrics.RecordFlowNotification(b.PolicyID)
	if change != nil {
		e.publishChange(*change)
		e.metrics.SetFlowBindings(e.flows.Len())
	}
	span.SetAttributes(
		attribute.String("meshsteer.path", string(b.PathID)),
		attribute.String("meshsteer.policy", string(b.PolicyID)),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return b, err
}

// PolicyStats 各策略的流量統計
func (e *Engine) PolicyStats() []types.PolicyStats {
	return e.flows.PolicyStats()
}

// GetBinding 流量目前的綁定；未追蹤的流量回傳 flowtable.ErrUnknownFlow
func (e *Engine) GetBinding(f types.Flow) (types.Binding, error) {
	return e.flows.Lookup(f)
}

// Bindings 所有綁定
func (e *Engine) Bindings() []types.Binding { return e.flows.Bindings() }

// ============================================================================
// 路徑查詢
// ============================================================================

// ListPaths 所有路徑的分數與狀態快照
func (e *Engine) ListPaths() []types.PathSnapshot { return e.store.List() }

// Path 單一路徑快照
func (e *Engine) Path(id types.PathID) (types.PathSnapshot, error) { return e.store.Snapshot(id) }

// Samples 路徑目前的樣本視窗（舊到新）
func (e *Engine) Samples(id types.PathID) ([]types.Sample, error) { return e.store.Window(id) }

// Explain 路徑分數的各項因子
func (e *Engine) Explain(id types.PathID) (scoring.Breakdown, error) {
	stats, err := e.store.Stats(id)
	if err != nil {
		return scoring.Breakdown{}, err
	}
	return scoring.Explain(stats, e.profile), nil
}

// CheckSLA 以策略的 SLA 判定路徑目前的視窗統計
func (e *Engine) CheckSLA(policyID types.PolicyID, id types.PathID) (policy.Compliance, error) {
	p, ok := e.policies.Lookup(policyID)
	if !ok {
		return policy.Compliance{}, fmt.Errorf("%w: %s", policy.ErrUnknownPolicy, policyID)
	}
	stats, err := e.store.Stats(id)
	if err != nil {
		return policy.Compliance{}, err
	}
	return p.CheckSLA(stats), nil
}

// ============================================================================
// 狀態檔
// ============================================================================

// State 引擎目前狀態
func (e *Engine) State() snapshot.State {
	e.mu.Lock()
	started := e.startTime
	e.mu.Unlock()

	return snapshot.State{
		EngineID:      e.id,
		WrittenAt:     e.now(),
		StartedAt:     started,
		PolicyVersion: e.policies.Version(),
		Sites:         e.store.Sites(),
		Paths:         e.store.List(),
		Bindings:      e.flows.Bindings(),
		Policies:      e.flows.PolicyStats(),
	}
}

func (e *Engine) writeState() error {
	if e.state == nil {
		return nil
	}
	return e.state.Write(e.State())
}
