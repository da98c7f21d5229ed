package snapshot

// ============================================================================
// 職責說明：
// 1. 將引擎目前的路徑狀態與流量綁定序列化為 JSON 狀態檔
// 2. 使用原子性寫入（temp file + rename），讀取端永遠看不到寫一半的檔案
// 3. 載入時驗證 schema 版本相容性
// 4. 狀態檔只供外部監控與 `meshsteer status` 讀取，重啟時不會用來恢復
// ============================================================================

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ChuLiYu/meshsteer/pkg/types"
)

// SchemaVersion 目前的狀態檔版本
const SchemaVersion = 1

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	ErrCorruptedSnapshot   = errors.New("state file is corrupted")
	ErrIncompatibleVersion = errors.New("state file schema version is incompatible")
	ErrSnapshotNotFound    = errors.New("state file not found")
)

// ============================================================================
// 資料結構定義
// ============================================================================

// State 狀態檔內容
type State struct {
	SchemaVer     int                  `json:"schema_version"`
	EngineID      string               `json:"engine_id"`
	WrittenAt     time.Time            `json:"written_at"`
	StartedAt     time.Time            `json:"started_at"`
	PolicyVersion uint64               `json:"policy_version"`
	Sites         []types.Site         `json:"sites"`
	Paths         []types.PathSnapshot `json:"paths"`
	Bindings      []types.Binding      `json:"bindings"`
	Policies      []types.PolicyStats  `json:"policies,omitempty"`
}

// Manager 狀態檔管理器
type Manager struct {
	path string     // 狀態檔路徑
	mu   sync.Mutex // 保護檔案操作
}

// NewManager 建立狀態檔管理器實例
func NewManager(path string) *Manager {
	return &Manager{
		path: path,
	}
}

// ============================================================================
// 核心方法實作
// ============================================================================

// Write 原子性寫入狀態檔
//
// 使用原子性寫入流程：
// 1. 寫入同目錄下的臨時檔案
// 2. 使用 os.Rename 原子性替換原始檔案
//
// 參數：
//   - state: 引擎目前的狀態
//
// 返回值：
//   - error: 寫入失敗時的錯誤
func (m *Manager) Write(state State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	state.SchemaVer = SchemaVersion

	// 帶縮排，方便人工閱讀
	jsonBytes, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}

	// 臨時檔必須與目標同一個檔案系統，rename 才是原子的
	tmp, err := os.CreateTemp(filepath.Dir(m.path), filepath.Base(m.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp state file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(jsonBytes); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write temp state file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to close temp state file: %w", err)
	}

	if err := os.Rename(tmpPath, m.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename state file: %w", err)
	}
	return nil
}

// Load 載入狀態檔
//
// 行為：
//   - 檔案不存在時回傳 ErrSnapshotNotFound
//   - 驗證 schema 版本是否相容
//   - 偵測損壞的狀態檔
func (m *Manager) Load() (State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var state State

	jsonBytes, err := os.ReadFile(m.path)
	if err != nil {
		if os.IsNotExist(err) {
			return state, fmt.Errorf("%w: %s", ErrSnapshotNotFound, m.path)
		}
		return state, fmt.Errorf("failed to read state file: %w", err)
	}

	if err := json.Unmarshal(jsonBytes, &state); err != nil {
		return state, fmt.Errorf("%w: %v", ErrCorruptedSnapshot, err)
	}

	if state.SchemaVer != SchemaVersion {
		return state, fmt.Errorf("%w: got %d, want %d", ErrIncompatibleVersion, state.SchemaVer, SchemaVersion)
	}
	return state, nil
}

// Exists 檢查狀態檔是否存在
func (m *Manager) Exists() bool {
	_, err := os.Stat(m.path)
	return err == nil
}

// GetPath 取得狀態檔路徑
func (m *Manager) GetPath() string {
	return m.path
}
