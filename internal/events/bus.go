// ============================================================================
// meshsteer 事件匯流排 - 有界、最多一次投遞
// ============================================================================
//
// Package: internal/events
// 文件: bus.go
// 功能: 將路徑狀態變化與流量切換事件推送給多個訂閱者
//
// 投遞語意:
//   - 每個訂閱者一條帶緩衝的 channel
//   - Publish 不會阻塞：訂閱者 channel 滿了就丟棄該事件並累計 dropped
//   - 同一訂閱者收到的事件依 Seq 遞增（可能有缺號）
//   - 不保留歷史、不重送
//
// ============================================================================

package events

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ChuLiYu/meshsteer/pkg/types"
)

// DefaultBufferSize 每個訂閱者的預設緩衝大小
const DefaultBufferSize = 256

// DropFunc 事件被丟棄時的回呼（用於指標）
type DropFunc func(subscriber string, e types.Event)

// Bus 事件匯流排
type Bus struct {
	mu     sync.Mutex
	seq    uint64
	subs   map[uint64]*Subscription
	nextID uint64
	buffer int
	onDrop DropFunc
	closed bool
	now    func() time.Time
}

// Subscription 一個訂閱者
type Subscription struct {
	id      uint64
	name    string
	ch      chan types.Event
	dropped uint64
	bus     *Bus
	once    sync.Once
}

// NewBus 建立匯流排，bufferSize <= 0 時使用預設值
func NewBus(bufferSize int) *Bus {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	return &Bus{
		subs:   make(map[uint64]*Subscription),
		buffer: bufferSize,
		now:    time.Now,
	}
}

// OnDrop 設定丟棄回呼
func (b *Bus) OnDrop(fn DropFunc) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onDrop = fn
}

// Subscribe 新增訂閱者；匯流排關閉後回傳已關閉的訂閱
func (b *Bus) Subscribe(name string) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &Subscription{
		id:   b.nextID,
		name: name,
		ch:   make(chan types.Event, b.buffer),
		bus:  b,
	}
	if b.closed {
		close(sub.ch)
		sub.once.Do(func() {})
		return sub
	}
	b.subs[sub.id] = sub
	return sub
}

// Publish 指派 ID / Seq / 時間戳後推送給所有訂閱者，回傳已指派的事件
//
// 持鎖推送，保證所有訂閱者看到一致的 Seq 順序；推送本身不阻塞。
func (b *Bus) Publish(e types.Event) types.Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return e
	}

	b.seq++
	e.Seq = b.seq
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.At.IsZero() {
		e.At = b.now()
	}

	for _, sub := range b.subs {
		select {
		case sub.ch <- e:
		default:
			sub.dropped++
			if b.onDrop != nil {
				b.onDrop(sub.name, e)
			}
		}
	}
	return e
}

// Close 關閉匯流排與所有訂閱 channel
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		sub.once.Do(func() { close(sub.ch) })
		delete(b.subs, id)
	}
}

// Subscribers 目前訂閱者數量
func (b *Bus) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// C 事件 channel；取消訂閱或匯流排關閉後會被關閉
func (s *Subscription) C() <-chan types.Event { return s.ch }

// Name 訂閱者名稱
func (s *Subscription) Name() string { return s.name }

// Dropped 因緩衝已滿而丟棄的事件數
func (s *Subscription) Dropped() uint64 {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	return s.dropped
}

// Unsubscribe 取消訂閱並關閉 channel，可重複呼叫
func (s *Subscription) Unsubscribe() {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()

	delete(s.bus.subs, s.id)
	s.once.Do(func() { close(s.ch) })
}
