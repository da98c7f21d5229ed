// ============================================================================
// meshsteer 故障切換控制器 - 路徑狀態機
// ============================================================================
//
// Package: internal/failover
// 文件: controller.go
// 功能: 依分數與最近的遺失率驅動每條路徑的 Up / Degraded / Down 狀態
//
// 狀態轉換 (State Machine):
//
//   Up ──score < threshold──→ Degraded ──score < floor 或遺失超限──→ Down
//    │                          ↑   │                                 │
//    └──score < floor 或遺失超限─┼───┼────────────────────────────→ Down
//                               │   │                                 │
//                               │   └─score ≥ threshold 持續 cooldown─→ Up
//                               └─────score ≥ floor 且遺失未超限────── Down
//
// 轉換規則:
//   - 往下不等待：一次評估即可 Up → Degraded 或直接 → Down
//   - 往上有 hysteresis：Degraded → Up 需要 score ≥ threshold 連續維持 cooldown
//   - Down 只能先回到 Degraded，不會一步跳回 Up
//   - 遺失超限：最近 K 個樣本的平均遺失率 ≥ ceiling（預設 5 個樣本 100% 遺失）
//
// 本層只負責狀態本身；流量重新綁定由 flowtable 另外處理，
// 讓每個 policy 可以套用自己的 failback hysteresis。
//
// ============================================================================

package failover

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ChuLiYu/meshsteer/pkg/types"
)

// 預設值
const (
	DefaultThreshold   = 70.0
	DefaultFloor       = 30.0
	DefaultLossWindow  = 5
	DefaultLossCeiling = 1.0
	DefaultCooldown    = 30 * time.Second
)

// ErrInvalidConfig 門檻設定不合法
var ErrInvalidConfig = errors.New("invalid failover config")

// Config 狀態機參數
type Config struct {
	Threshold   float64       `yaml:"threshold"`    // 低於此分數 → Degraded
	Floor       float64       `yaml:"floor"`        // 低於此分數 → Down
	LossWindow  int           `yaml:"loss_window"`  // K
	LossCeiling float64       `yaml:"loss_ceiling"` // 0..1
	Cooldown    time.Duration `yaml:"cooldown"`     // Degraded → Up 的連續健康時間
}

// DefaultConfig 預設參數
func DefaultConfig() Config {
	return Config{
		Threshold:   DefaultThreshold,
		Floor:       DefaultFloor,
		LossWindow:  DefaultLossWindow,
		LossCeiling: DefaultLossCeiling,
		Cooldown:    DefaultCooldown,
	}
}

// Validate 檢查 0 ≤ floor < threshold ≤ 100
func (c Config) Validate() error {
	if c.Floor < 0 || c.Floor >= c.Threshold || c.Threshold > 100 {
		return fmt.Errorf("%w: need 0 <= floor (%.1f) < threshold (%.1f) <= 100", ErrInvalidConfig, c.Floor, c.Threshold)
	}
	if c.LossWindow <= 0 {
		return fmt.Errorf("%w: loss window must be positive", ErrInvalidConfig)
	}
	if c.LossCeiling <= 0 || c.LossCeiling > 1 {
		return fmt.Errorf("%w: loss ceiling must be in (0, 1]", ErrInvalidConfig)
	}
	if c.Cooldown < 0 {
		return fmt.Errorf("%w: cooldown must not be negative", ErrInvalidConfig)
	}
	return nil
}

// Transition 一次評估的結果
type Transition struct {
	PathID  types.PathID
	From    types.PathStatus
	To      types.PathStatus
	Score   float64
	At      time.Time
	Reason  string
	Changed bool
}

type pathState struct {
	status     types.PathStatus
	aboveSince time.Time // 分數連續 ≥ threshold 的起點；零值代表目前不在門檻之上
}

// Controller 每條路徑一個狀態機
type Controller struct {
	mu     sync.Mutex
	cfg    Config
	states map[types.PathID]*pathState
}

// New 建立 Controller
func New(cfg Config) (*Controller, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Controller{
		cfg:    cfg,
		states: make(map[types.PathID]*pathState),
	}, nil
}

// Config 目前的參數
func (c *Controller) Config() Config { return c.cfg }

// Evaluate 以最新分數與最近樣本推進路徑狀態
//
// recent 為路徑最近的樣本（依記錄順序），只取最後 LossWindow 個判斷遺失。
// 尚未見過的路徑以 Up 起始。
func (c *Controller) Evaluate(id types.PathID, score float64, recent []types.Sample, now time.Time) Transition {
	c.mu.Lock()
	defer c.mu.Unlock()

	st, ok := c.states[id]
	if !ok {
		st = &pathState{status: types.PathUp}
		c.states[id] = st
	}

	lossBreach := c.lossBreached(recent)
	healthy := score >= c.cfg.Threshold && !lossBreach
	if healthy {
		if st.aboveSince.IsZero() {
			st.aboveSince = now
		}
	} else {
		st.aboveSince = time.Time{}
	}

	tr := Transition{PathID: id, From: st.status, To: st.status, Score: score, At: now}
	down := score < c.cfg.Floor || lossBreach

	switch st.status {
	case types.PathUp:
		switch {
		case down:
			tr.To, tr.Reason = types.PathDown, downReason(lossBreach)
		case score < c.cfg.Threshold:
			tr.To, tr.Reason = types.PathDegraded, "below threshold"
		}

	case types.PathDegraded:
		switch {
		case down:
			tr.To, tr.Reason = types.PathDown, downReason(lossBreach)
		case healthy && now.Sub(st.aboveSince) >= c.cfg.Cooldown:
			tr.To, tr.Reason = types.PathUp, "recovered"
		}

	case types.PathDown:
		if !down {
			tr.To, tr.Reason = types.PathDegraded, "above floor"
		}
	}

	tr.Changed = tr.To != tr.From
	st.status = tr.To
	return tr
}

func (c *Controller) lossBreached(recent []types.Sample) bool {
	k := c.cfg.LossWindow
	if len(recent) < k {
		return false
	}
	var sum float64
	for _, s := range recent[len(recent)-k:] {
		sum += s.Loss
	}
	return sum/float64(k) >= c.cfg.LossCeiling
}

func downReason(lossBreach bool) string {
	if lossBreach {
		return "loss ceiling"
	}
	return "below floor"
}

// Status 路徑目前狀態；未見過的路徑為 Up
func (c *Controller) Status(id types.PathID) types.PathStatus {
	c.mu.Lock()
	defer c.mu.Unlock()

	if st, ok := c.states[id]; ok {
		return st.status
	}
	return types.PathUp
}

// Forget 移除路徑的狀態機（路徑被移除時呼叫）
func (c *Controller) Forget(id types.PathID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.states, id)
}
