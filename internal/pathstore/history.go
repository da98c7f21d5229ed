package pathstore

import "github.com/ChuLiYu/meshsteer/pkg/types"

// DefaultHistorySize 每條路徑保留的樣本數（約等於最近 60 個取樣週期）
const DefaultHistorySize = 60

// History 固定容量的樣本環形緩衝區
//
// 寫滿之後長度維持不變，最舊的樣本被覆寫；Samples() 永遠依記錄順序回傳。
// History 本身不加鎖，由 Store 的鎖保護。
type History struct {
	buf   []types.Sample
	start int // 最舊樣本的位置
	size  int
}

// NewHistory 建立容量為 capacity 的環形緩衝區
func NewHistory(capacity int) *History {
	if capacity <= 0 {
		capacity = DefaultHistorySize
	}
	return &History{buf: make([]types.Sample, capacity)}
}

// Append 加入一個樣本，滿了就覆寫最舊的
func (h *History) Append(s types.Sample) {
	if h.size < len(h.buf) {
		h.buf[(h.start+h.size)%len(h.buf)] = s
		h.size++
		return
	}
	h.buf[h.start] = s
	h.start = (h.start + 1) % len(h.buf)
}

// Len 目前樣本數
func (h *History) Len() int { return h.size }

// Cap 固定容量
func (h *History) Cap() int { return len(h.buf) }

// Samples 依記錄順序回傳樣本副本（最舊在前）
func (h *History) Samples() []types.Sample {
	out := make([]types.Sample, h.size)
	for i := 0; i < h.size; i++ {
		out[i] = h.buf[(h.start+i)%len(h.buf)]
	}
	return out
}

// Last 回傳最近 n 個樣本（依記錄順序）
func (h *History) Last(n int) []types.Sample {
	if n > h.size {
		n = h.size
	}
	if n <= 0 {
		return nil
	}
	out := make([]types.Sample, n)
	offset := h.size - n
	for i := 0; i < n; i++ {
		out[i] = h.buf[(h.start+offset+i)%len(h.buf)]
	}
	return out
}

// Latest 最近一個樣本
func (h *History) Latest() (types.Sample, bool) {
	if h.size == 0 {
		return types.Sample{}, false
	}
	return h.buf[(h.start+h.size-1)%len(h.buf)], true
}
