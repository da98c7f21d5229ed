// ============================================================================
// meshsteer Membership - etcd 拓撲來源
// ============================================================================
//
// Package: internal/membership
// 文件: membership.go
// 功能: 從 etcd 同步站點、端點、路徑與策略組到引擎
//
// Key 配置（prefix 預設 /meshsteer/）:
//   <prefix>sites/<id>       JSON types.Site
//   <prefix>endpoints/<id>   JSON types.Endpoint
//   <prefix>paths/<id>       JSON types.Path
//   <prefix>policies         JSON policy.Set
//
// 流程:
//   1. Start 先以 prefix 讀取全部 key，依 sites → endpoints → paths → policies
//      的順序套用（etcd 回傳的是字典序）
//   2. 從該 revision 之後開始 Watch，逐筆套用 PUT / DELETE
//   3. 遇到 compaction 時重新全量同步，並移除已經不存在的 key
//
// ============================================================================

package membership

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/ChuLiYu/meshsteer/internal/pathstore"
	"github.com/ChuLiYu/meshsteer/internal/policy"
	"github.com/ChuLiYu/meshsteer/pkg/types"
)

var (
	ErrAlreadyStarted = errors.New("membership watcher already started")
	ErrUnknownKey     = errors.New("unknown membership key")
)

// DefaultPrefix etcd key 前綴
const DefaultPrefix = "/meshsteer/"

// Kind key 的種類，數值即套用順序
type Kind int

const (
	KindSite Kind = iota
	KindEndpoint
	KindPath
	KindPolicies
)

func (k Kind) String() string {
	switch k {
	case KindSite:
		return "sites"
	case KindEndpoint:
		return "endpoints"
	case KindPath:
		return "paths"
	case KindPolicies:
		return "policies"
	}
	return "unknown"
}

// Sink 接收拓撲變更（*engine.Engine 實作此介面）
type Sink interface {
	UpsertSite(types.Site) (bool, error)
	RemoveSite(types.SiteID) error
	UpsertEndpoint(types.Endpoint) (bool, error)
	RemoveEndpoint(types.EndpointID) error
	UpsertPath(types.Path) (bool, error)
	RemovePath(types.PathID) error
	ReplacePolicies(policy.Set) (uint64, error)
}

// Config etcd 連線設定
type Config struct {
	Endpoints   []string
	Prefix      string
	DialTimeout time.Duration
}

// Dial 建立 etcd client，呼叫端負責 Close
func Dial(cfg Config) (*clientv3.Client, error) {
	timeout := cfg.DialTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	client, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: timeout,
	})
	if err != nil {
		return nil, fmt.Errorf("etcd dial: %w", err)
	}
	return client, nil
}

// ============================================================================
// Key 解析與套用（不依賴 etcd，可單獨測試）
// ============================================================================

// Key 組出完整的 etcd key；KindPolicies 忽略 id
func Key(prefix string, kind Kind, id string) string {
	if kind == KindPolicies {
		return prefix + kind.String()
	}
	return prefix + kind.String() + "/" + id
}

// ParseKey 把 etcd key 拆成種類與 ID
func ParseKey(prefix, key string) (Kind, string, error) {
	rest, ok := strings.CutPrefix(key, prefix)
	if !ok {
		return 0, "", fmt.Errorf("%w: %s", ErrUnknownKey, key)
	}
	if rest == KindPolicies.String() {
		return KindPolicies, "", nil
	}
	kindPart, id, ok := strings.Cut(rest, "/")
	if !ok || id == "" || strings.Contains(id, "/") {
		return 0, "", fmt.Errorf("%w: %s", ErrUnknownKey, key)
	}
	for _, k := range []Kind{KindSite, KindEndpoint, KindPath} {
		if kindPart == k.String() {
			return k, id, nil
		}
	}
	return 0, "", fmt.Errorf("%w: %s", ErrUnknownKey, key)
}

// Apply 套用一筆 PUT；JSON 內的 ID 以 key 為準
func Apply(sink Sink, kind Kind, id string, value []byte) error {
	switch kind {
	case KindSite:
		var s types.Site
		if err := json.Unmarshal(value, &s); err != nil {
			return fmt.Errorf("decode site %q: %w", id, err)
		}
		s.ID = types.SiteID(id)
		_, err := sink.UpsertSite(s)
		return err
	case KindEndpoint:
		var ep types.Endpoint
		if err := json.Unmarshal(value, &ep); err != nil {
			return fmt.Errorf("decode endpoint %q: %w", id, err)
		}
		ep.ID = types.EndpointID(id)
		_, err := sink.UpsertEndpoint(ep)
		return err
	case KindPath:
		var p types.Path
		if err := json.Unmarshal(value, &p); err != nil {
			return fmt.Errorf("decode path %q: %w", id, err)
		}
		p.ID = types.PathID(id)
		_, err := sink.UpsertPath(p)
		return err
	case KindPolicies:
		var set policy.Set
		if err := json.Unmarshal(value, &set); err != nil {
			return fmt.Errorf("decode policy set: %w", err)
		}
		_, err := sink.ReplacePolicies(set)
		return err
	}
	return fmt.Errorf("%w: kind %d", ErrUnknownKey, kind)
}

// Remove 套用一筆 DELETE；刪除 policies key 等同換成空的策略組
func Remove(sink Sink, kind Kind, id string) error {
	switch kind {
	case KindSite:
		return sink.RemoveSite(types.SiteID(id))
	case KindEndpoint:
		return sink.RemoveEndpoint(types.EndpointID(id))
	case KindPath:
		return sink.RemovePath(types.PathID(id))
	case KindPolicies:
		_, err := sink.ReplacePolicies(policy.Set{})
		return err
	}
	return fmt.Errorf("%w: kind %d", ErrUnknownKey, kind)
}

// Entry 一筆已解析的 key-value
type Entry struct {
	Key   string
	Kind  Kind
	ID    string
	Value []byte
}

// SortEntries 依套用順序排序：種類優先，其次 ID
func SortEntries(entries []Entry) {
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].Kind != entries[j].Kind {
			return entries[i].Kind < entries[j].Kind
		}
		return entries[i].ID < entries[j].ID
	})
}

// ============================================================================
// Watcher
// ============================================================================

// Watcher 把 etcd 的 prefix 內容同步到 Sink
type Watcher struct {
	client *clientv3.Client
	prefix string
	sink   Sink
	log    *slog.Logger

	mu      sync.Mutex
	known   map[string]Entry // 目前已套用的 key
	started bool
	cancel  context.CancelFunc
	loopWg  sync.WaitGroup
}

// NewWatcher 建立 Watcher；prefix 為空時使用 DefaultPrefix
func NewWatcher(client *clientv3.Client, prefix string, sink Sink, log *slog.Logger) *Watcher {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	if log == nil {
		log = slog.Default()
	}
	return &Watcher{
		client: client,
		prefix: prefix,
		sink:   sink,
		log:    log.With("component", "membership"),
		known:  make(map[string]Entry),
	}
}

// Start 完成第一次全量同步後才返回，之後在背景 watch
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.started {
		w.mu.Unlock()
		return ErrAlreadyStarted
	}
	w.started = true
	w.mu.Unlock()

	rev, err := w.resync(ctx)
	if err != nil {
		return err
	}

	watchCtx, cancel := context.WithCancel(context.Background())
	w.mu.Lock()
	w.cancel = cancel
	w.mu.Unlock()

	w.loopWg.Add(1)
	go w.watchLoop(watchCtx, rev)

	w.log.Info("Membership synchronised", "prefix", w.prefix, "revision", rev, "keys", w.Known())
	return nil
}

// Stop 停止 watch 並等待背景 goroutine 結束
func (w *Watcher) Stop() {
	w.mu.Lock()
	cancel := w.cancel
	w.cancel = nil
	w.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	w.loopWg.Wait()
}

// Known 目前已套用的 key 數量
func (w *Watcher) Known() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.known)
}

// resync 讀取 prefix 下所有 key 並套用，回傳讀取時的 revision
func (w *Watcher) resync(ctx context.Context) (int64, error) {
	resp, err := w.client.Get(ctx, w.prefix, clientv3.WithPrefix())
	if err != nil {
		return 0, fmt.Errorf("etcd list %q: %w", w.prefix, err)
	}

	entries := make([]Entry, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		kind, id, err := ParseKey(w.prefix, string(kv.Key))
		if err != nil {
			w.log.Warn("Ignoring key", "key", string(kv.Key))
			continue
		}
		entries = append(entries, Entry{Key: string(kv.Key), Kind: kind, ID: id, Value: kv.Value})
	}
	w.applySnapshot(entries)
	return resp.Header.Revision, nil
}

// applySnapshot 套用全量內容，並移除快照中已不存在的 key（反向順序：先路徑後站點）
func (w *Watcher) applySnapshot(entries []Entry) {
	SortEntries(entries)

	present := make(map[string]struct{}, len(entries))
	for _, e := range entries {
		present[e.Key] = struct{}{}
	}

	w.mu.Lock()
	var stale []Entry
	for k, e := range w.known {
		if _, ok := present[k]; !ok {
			stale = append(stale, e)
		}
	}
	w.mu.Unlock()

	SortEntries(stale)
	for i := len(stale) - 1; i >= 0; i-- {
		w.remove(stale[i])
	}
	for _, e := range entries {
		w.put(e)
	}
}

func (w *Watcher) put(e Entry) {
	if err := Apply(w.sink, e.Kind, e.ID, e.Value); err != nil {
		w.log.Warn("Failed to apply membership key", "key", e.Key, "error", err)
		return
	}
	w.mu.Lock()
	w.known[e.Key] = e
	w.mu.Unlock()
}

func (w *Watcher) remove(e Entry) {
	if err := Remove(w.sink, e.Kind, e.ID); err != nil && !isUnknown(err) {
		w.log.Warn("Failed to remove membership key", "key", e.Key, "error", err)
	}
	w.mu.Lock()
	delete(w.known, e.Key)
	w.mu.Unlock()
}

func isUnknown(err error) bool {
	return errors.Is(err, pathstore.ErrUnknownSite) ||
		errors.Is(err, pathstore.ErrUnknownEndpoint) ||
		errors.Is(err, pathstore.ErrUnknownPath)
}

// watchLoop 從 rev+1 開始 watch；通道關閉或 compaction 時重新同步
func (w *Watcher) watchLoop(ctx context.Context, rev int64) {
	defer w.loopWg.Done()

	for {
		wctx, wcancel := context.WithCancel(ctx)
		wch := w.client.Watch(wctx, w.prefix, clientv3.WithPrefix(), clientv3.WithRev(rev+1))
		for resp := range wch {
			if resp.CompactRevision != 0 {
				w.log.Warn("Watch revision compacted, resyncing", "compact_revision", resp.CompactRevision)
				break
			}
			if err := resp.Err(); err != nil {
				w.log.Warn("Watch error", "error", err)
				break
			}
			for _, ev := range resp.Events {
				key := string(ev.Kv.Key)
				kind, id, err := ParseKey(w.prefix, key)
				if err != nil {
					continue
				}
				e := Entry{Key: key, Kind: kind, ID: id, Value: ev.Kv.Value}
				switch ev.Type {
				case clientv3.EventTypePut:
					w.put(e)
				case clientv3.EventTypeDelete:
					w.remove(e)
				}
			}
			rev = resp.Header.Revision
		}
		wcancel()

		// 再次檢查是否已停止
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Second):
		}

		newRev, err := w.resync(ctx)
		if err != nil {
			w.log.Warn("Resync failed", "error", err)
			continue
		}
		rev = newRev
	}
}

// ============================================================================
// Publisher：把拓撲寫入 etcd（`meshsteer publish` 使用）
// ============================================================================

// Publisher 寫入 membership key
type Publisher struct {
	client *clientv3.Client
	prefix string
}

// NewPublisher 建立 Publisher
func NewPublisher(client *clientv3.Client, prefix string) *Publisher {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return &Publisher{client: client, prefix: prefix}
}

func (p *Publisher) put(ctx context.Context, kind Kind, id string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	k := Key(p.prefix, kind, id)
	if _, err := p.client.Put(ctx, k, string(data)); err != nil {
		return fmt.Errorf("etcd put %q: %w", k, err)
	}
	return nil
}

// PutSite 寫入站點
func (p *Publisher) PutSite(ctx context.Context, s types.Site) error {
	return p.put(ctx, KindSite, string(s.ID), s)
}

// PutEndpoint 寫入端點
func (p *Publisher) PutEndpoint(ctx context.Context, ep types.Endpoint) error {
	return p.put(ctx, KindEndpoint, string(ep.ID), ep)
}

// PutPath 寫入路徑
func (p *Publisher) PutPath(ctx context.Context, path types.Path) error {
	return p.put(ctx, KindPath, string(path.ID), path)
}

// PutPolicies 寫入整個策略組
func (p *Publisher) PutPolicies(ctx context.Context, set policy.Set) error {
	return p.put(ctx, KindPolicies, "", set)
}

// Delete 刪除單一 key
func (p *Publisher) Delete(ctx context.Context, kind Kind, id string) error {
	k := Key(p.prefix, kind, id)
	if _, err := p.client.Delete(ctx, k); err != nil {
		return fmt.Errorf("etcd delete %q: %w", k, err)
	}
	return nil
}
