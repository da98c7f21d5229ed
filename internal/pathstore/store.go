// ============================================================================
// meshsteer 路徑狀態儲存 - Mesh 拓撲與路徑歷史
// ============================================================================
//
// Package: internal/pathstore
// 文件: store.go
// 功能: 保存 mesh 拓撲（站點、端點、路徑）以及每條路徑的樣本歷史、分數與狀態
//
// 數據結構設計:
//   sites     map[SiteID]*siteRecord         - 站點與其擁有的端點集合
//   endpoints map[EndpointID]types.Endpoint  - 端點，建立後除 Reachable 外不可變
//   paths     map[PathID]*pathRecord         - 路徑 + 環形緩衝區 + 分數 + 狀態
//
//   所有跨實體的關聯（Path→Endpoint、Endpoint→Site）都以識別碼保存，
//   經由本 Store 解析，移除實體時不會留下懸空引用。
//
// 冪等性:
//   - Upsert 重播相同資料不會產生任何可觀察的變化（changed=false）
//   - 同一識別碼帶不同的不可變欄位 → ErrConflict
//   - 移除站點/端點會連帶移除其上的路徑
//
// 並發安全:
//   - sync.RWMutex 保護所有 map；讀取回傳副本，呼叫者不會看到寫到一半的樣本
//   - 每條路徑的歷史只由其 sampler 寫入，但寫入仍經過 Store 的鎖
//
// 職責說明：
//   1. 站點/端點/路徑的冪等註冊與移除
//   2. 每條路徑的樣本歷史（固定容量，FIFO）
//   3. 路徑分數與狀態的保存，以及由路徑推導的站點狀態
//   4. 站點存活（心跳）追蹤
//
// ============================================================================

package pathstore

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ChuLiYu/meshsteer/internal/scoring"
	"github.com/ChuLiYu/meshsteer/pkg/types"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// ErrUnknownSite 站點不存在
	ErrUnknownSite = errors.New("unknown site")
	// ErrUnknownEndpoint 端點不存在
	ErrUnknownEndpoint = errors.New("unknown endpoint")
	// ErrUnknownPath 路徑不存在
	ErrUnknownPath = errors.New("unknown path")
	// ErrConflict 同一識別碼帶有不同的不可變資料
	ErrConflict = errors.New("conflicting definition")
	// ErrInvalid 資料本身不合法（缺少識別碼、自我迴圈等）
	ErrInvalid = errors.New("invalid definition")
)

// ============================================================================
// 資料結構定義
// ============================================================================

type siteRecord struct {
	site      types.Site
	endpoints map[types.EndpointID]struct{}
	stale     bool // 心跳逾時
}

type pathRecord struct {
	path         types.Path
	history      *History
	score        float64
	status       types.PathStatus
	recovering   bool // Down 之後尚未回到 Up
	lastSampleAt time.Time
}

// Store 路徑狀態儲存
type Store struct {
	mu          sync.RWMutex
	sites       map[types.SiteID]*siteRecord
	endpoints   map[types.EndpointID]types.Endpoint
	paths       map[types.PathID]*pathRecord
	historySize int
}

// New 建立 Store，historySize <= 0 時使用 DefaultHistorySize
func New(historySize int) *Store {
	if historySize <= 0 {
		historySize = DefaultHistorySize
	}
	return &Store{
		sites:       make(map[types.SiteID]*siteRecord),
		endpoints:   make(map[types.EndpointID]types.Endpoint),
		paths:       make(map[types.PathID]*pathRecord),
		historySize: historySize,
	}
}

// HistorySize 每條路徑的樣本容量
func (s *Store) HistorySize() int { return s.historySize }

// ============================================================================
// 站點
// ============================================================================

// UpsertSite 註冊站點；已存在且名稱相同時不做任何變更
//
// 新站點的 LastSeen 設為 now。名稱不同時視為更名（changed=true）。
func (s *Store) UpsertSite(site types.Site, now time.Time) (bool, error) {
	if site.ID == "" {
		return false, fmt.Errorf("%w: site id is empty", ErrInvalid)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if rec, ok := s.sites[site.ID]; ok {
		if rec.site.Name == site.Name {
			return false, nil
		}
		rec.site.Name = site.Name
		return true, nil
	}

	s.sites[site.ID] = &siteRecord{
		site: types.Site{
			ID:       site.ID,
			Name:     site.Name,
			LastSeen: now,
		},
		endpoints: make(map[types.EndpointID]struct{}),
	}
	return true, nil
}

// RemoveSite 移除站點及其端點，回傳連帶移除的路徑
func (s *Store) RemoveSite(id types.SiteID) ([]types.PathID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.sites[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSite, id)
	}

	var removed []types.PathID
	for epID := range rec.endpoints {
		removed = append(removed, s.removeEndpointLocked(epID)...)
	}
	delete(s.sites, id)
	sortPathIDs(removed)
	return removed, nil
}

// TouchSite 刷新站點心跳
func (s *Store) TouchSite(id types.SiteID, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.sites[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSite, id)
	}
	if now.After(rec.site.LastSeen) {
		rec.site.LastSeen = now
	}
	rec.stale = false
	return nil
}

// ExpireSites 將超過 timeout 沒有心跳的站點標記為逾時，回傳本次新逾時的站點
func (s *Store) ExpireSites(now time.Time, timeout time.Duration) []types.SiteID {
	if timeout <= 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var expired []types.SiteID
	for id, rec := range s.sites {
		if rec.stale || now.Sub(rec.site.LastSeen) <= timeout {
			continue
		}
		rec.stale = true
		expired = append(expired, id)
	}
	sort.Slice(expired, func(i, j int) bool { return expired[i] < expired[j] })
	return expired
}

// Site 取得站點（含推導狀態）
func (s *Store) Site(id types.SiteID) (types.Site, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.sites[id]
	if !ok {
		return types.Site{}, fmt.Errorf("%w: %s", ErrUnknownSite, id)
	}
	return s.siteViewLocked(rec), nil
}

// Sites 所有站點，依識別碼排序
func (s *Store) Sites() []types.Site {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]types.Site, 0, len(s.sites))
	for _, rec := range s.sites {
		out = append(out, s.siteViewLocked(rec))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// siteViewLocked 組出站點副本並推導狀態
//
// 心跳逾時 → Down；否則依其路徑：沒有路徑 → Active，
// 全部 Down → Down，任一非 Up → Degraded。
func (s *Store) siteViewLocked(rec *siteRecord) types.Site {
	site := rec.site
	site.Endpoints = make([]types.EndpointID, 0, len(rec.endpoints))
	for id := range rec.endpoints {
		site.Endpoints = append(site.Endpoints, id)
	}
	sort.Slice(site.Endpoints, func(i, j int) bool { return site.Endpoints[i] < site.Endpoints[j] })

	if rec.stale {
		site.Status = types.SiteDown
		return site
	}

	total, down, notUp := 0, 0, 0
	for _, p := range s.paths {
		if s.siteOfLocked(p.path.Src) != site.ID && s.siteOfLocked(p.path.Dst) != site.ID {
			continue
		}
		total++
		switch p.status {
		case types.PathDown:
			down++
			notUp++
		case types.PathDegraded:
			notUp++
		}
	}

	switch {
	case total == 0:
		site.Status = types.SiteActive
	case down == total:
		site.Status = types.SiteDown
	case notUp > 0:
		site.Status = types.SiteDegraded
	default:
		site.Status = types.SiteActive
	}
	return site
}

func (s *Store) siteOfLocked(id types.EndpointID) types.SiteID {
	return s.endpoints[id].SiteID
}

// ============================================================================
// 端點
// ============================================================================

// UpsertEndpoint 註冊端點；所屬站點必須存在
//
// 已存在時只允許變更 Reachable，其他欄位不同 → ErrConflict。
func (s *Store) UpsertEndpoint(ep types.Endpoint) (bool, error) {
	if ep.ID == "" {
		return false, fmt.Errorf("%w: endpoint id is empty", ErrInvalid)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.sites[ep.SiteID]
	if !ok {
		return false, fmt.Errorf("%w: %s (endpoint %s)", ErrUnknownSite, ep.SiteID, ep.ID)
	}

	if cur, ok := s.endpoints[ep.ID]; ok {
		if cur.SiteID != ep.SiteID || cur.Address != ep.Address ||
			cur.LinkType != ep.LinkType || cur.CostPerGB != ep.CostPerGB {
			return false, fmt.Errorf("%w: endpoint %s", ErrConflict, ep.ID)
		}
		if cur.Reachable == ep.Reachable {
			return false, nil
		}
		cur.Reachable = ep.Reachable
		s.endpoints[ep.ID] = cur
		return true, nil
	}

	s.endpoints[ep.ID] = ep
	rec.endpoints[ep.ID] = struct{}{}
	return true, nil
}

// SetReachable 更新端點可達旗標
func (s *Store) SetReachable(id types.EndpointID, reachable bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ep, ok := s.endpoints[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownEndpoint, id)
	}
	ep.Reachable = reachable
	s.endpoints[id] = ep
	return nil
}

// RemoveEndpoint 移除端點，回傳連帶移除的路徑
func (s *Store) RemoveEndpoint(id types.EndpointID) ([]types.PathID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.endpoints[id]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownEndpoint, id)
	}
	removed := s.removeEndpointLocked(id)
	sortPathIDs(removed)
	return removed, nil
}

func (s *Store) removeEndpointLocked(id types.EndpointID) []types.PathID {
	var removed []types.PathID
	for pid, p := range s.paths {
		if p.path.Src == id || p.path.Dst == id {
			delete(s.paths, pid)
			removed = append(removed, pid)
		}
	}
	if ep, ok := s.endpoints[id]; ok {
		if rec, ok := s.sites[ep.SiteID]; ok {
			delete(rec.endpoints, id)
		}
	}
	delete(s.endpoints, id)
	return removed
}

// Endpoint 取得端點
func (s *Store) Endpoint(id types.EndpointID) (types.Endpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ep, ok := s.endpoints[id]
	if !ok {
		return types.Endpoint{}, fmt.Errorf("%w: %s", ErrUnknownEndpoint, id)
	}
	return ep, nil
}

// ============================================================================
// 路徑
// ============================================================================

// UpsertPath 建立路徑；兩端點必須存在
//
// 新路徑狀態為 Up、分數 0、沒有樣本。分數 0 讓它在有歷史的路徑面前永遠排最後。
func (s *Store) UpsertPath(p types.Path) (bool, error) {
	if p.ID == "" {
		return false, fmt.Errorf("%w: path id is empty", ErrInvalid)
	}
	if p.Src == p.Dst {
		return false, fmt.Errorf("%w: path %s connects endpoint %s to itself", ErrInvalid, p.ID, p.Src)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, ep := range []types.EndpointID{p.Src, p.Dst} {
		if _, ok := s.endpoints[ep]; !ok {
			return false, fmt.Errorf("%w: %s (path %s)", ErrUnknownEndpoint, ep, p.ID)
		}
	}

	if cur, ok := s.paths[p.ID]; ok {
		if cur.path != p {
			return false, fmt.Errorf("%w: path %s", ErrConflict, p.ID)
		}
		return false, nil
	}

	s.paths[p.ID] = &pathRecord{
		path:    p,
		history: NewHistory(s.historySize),
		status:  types.PathUp,
	}
	return true, nil
}

// RemovePath 移除路徑
func (s *Store) RemovePath(id types.PathID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.paths[id]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPath, id)
	}
	delete(s.paths, id)
	return nil
}

// Path 取得路徑定義
func (s *Store) Path(id types.PathID) (types.Path, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.paths[id]
	if !ok {
		return types.Path{}, fmt.Errorf("%w: %s", ErrUnknownPath, id)
	}
	return rec.path, nil
}

// Paths 所有路徑定義，依識別碼排序
func (s *Store) Paths() []types.Path {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]types.Path, 0, len(s.paths))
	for _, rec := range s.paths {
		out = append(out, rec.path)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// AppendSample 寫入一個樣本到路徑歷史
func (s *Store) AppendSample(id types.PathID, sample types.Sample) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.paths[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPath, id)
	}
	rec.history.Append(sample)
	if sample.At.After(rec.lastSampleAt) {
		rec.lastSampleAt = sample.At
	}
	return nil
}

// Window 路徑完整的樣本視窗（依記錄順序的副本）
func (s *Store) Window(id types.PathID) ([]types.Sample, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.paths[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPath, id)
	}
	return rec.history.Samples(), nil
}

// Recent 最近 n 個樣本
func (s *Store) Recent(id types.PathID, n int) ([]types.Sample, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.paths[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPath, id)
	}
	return rec.history.Last(n), nil
}

// Stats 路徑視窗統計，成本為兩端點 cost_per_gb 之和
func (s *Store) Stats(id types.PathID) (types.WindowStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.paths[id]
	if !ok {
		return types.WindowStats{}, fmt.Errorf("%w: %s", ErrUnknownPath, id)
	}
	return s.statsLocked(rec), nil
}

func (s *Store) statsLocked(rec *pathRecord) types.WindowStats {
	stats := scoring.Summarize(rec.history.Samples())
	stats.CostPerGB = s.endpoints[rec.path.Src].CostPerGB + s.endpoints[rec.path.Dst].CostPerGB
	return stats
}

// Update 原子地寫入路徑分數與狀態，回傳先前的狀態
//
// 路徑一旦 Down，在重新回到 Up 之前都標記為 recovering。
func (s *Store) Update(id types.PathID, score float64, status types.PathStatus) (types.PathStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.paths[id]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownPath, id)
	}
	prev := rec.status
	rec.score = score
	rec.status = status
	switch status {
	case types.PathDown:
		rec.recovering = true
	case types.PathUp:
		rec.recovering = false
	}
	return prev, nil
}

// Snapshot 單一路徑的唯讀快照
func (s *Store) Snapshot(id types.PathID) (types.PathSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.paths[id]
	if !ok {
		return types.PathSnapshot{}, fmt.Errorf("%w: %s", ErrUnknownPath, id)
	}
	return s.snapshotLocked(rec), nil
}

// List 所有路徑快照，依識別碼排序
func (s *Store) List() []types.PathSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]types.PathSnapshot, 0, len(s.paths))
	for _, rec := range s.paths {
		out = append(out, s.snapshotLocked(rec))
	}
	sortSnapshots(out)
	return out
}

// PathsBetween 連接兩站點的路徑快照
//
// 方向為 src→dst 的路徑一律包含；反向路徑只有在 Bidirectional 時才包含。
func (s *Store) PathsBetween(src, dst types.SiteID) []types.PathSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []types.PathSnapshot
	for _, rec := range s.paths {
		a := s.siteOfLocked(rec.path.Src)
		b := s.siteOfLocked(rec.path.Dst)
		forward := a == src && b == dst
		reverse := rec.path.Bidirectional && a == dst && b == src
		if forward || reverse {
			out = append(out, s.snapshotLocked(rec))
		}
	}
	sortSnapshots(out)
	return out
}

func (s *Store) snapshotLocked(rec *pathRecord) types.PathSnapshot {
	return types.PathSnapshot{
		ID:           rec.path.ID,
		Src:          rec.path.Src,
		Dst:          rec.path.Dst,
		SrcSite:      s.siteOfLocked(rec.path.Src),
		DstSite:      s.siteOfLocked(rec.path.Dst),
		Score:        rec.score,
		Status:       rec.status,
		Recovering:   rec.recovering && rec.status != types.PathDown,
		LastSampleAt: rec.lastSampleAt,
		Stats:        s.statsLocked(rec),
	}
}

// Counts 站點、端點、路徑數量
func (s *Store) Counts() (sites, endpoints, paths int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sites), len(s.endpoints), len(s.paths)
}

func sortSnapshots(ps []types.PathSnapshot) {
	sort.Slice(ps, func(i, j int) bool { return ps[i].ID < ps[j].ID })
}

func sortPathIDs(ids []types.PathID) {
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
}
