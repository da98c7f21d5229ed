package snapshot

// ============================================================================
// Snapshot Manager 測試檔案
// 職責：驗證狀態檔的原子性寫入、載入、版本驗證與錯誤處理
// ============================================================================

import (
	"net/netip"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/meshsteer/pkg/types"
)

func sampleState(version uint64) State {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	return State{
		EngineID:      "engine-1",
		WrittenAt:     now,
		PolicyVersion: version,
		Sites:         []types.Site{{ID: "hq", Name: "HQ", Status: types.SiteActive}},
		Paths: []types.PathSnapshot{
			{ID: "a", Score: 93.8, Status: types.PathUp, LastSampleAt: now},
			{ID: "b", Score: 40, Status: types.PathDegraded},
		},
		Bindings: []types.Binding{{
			Flow: types.Flow{
				SrcSite: "hq", DstSite: "branch",
				SrcAddr: netip.MustParseAddr("10.0.0.1"), DstAddr: netip.MustParseAddr("10.1.0.1"),
				Protocol: types.ProtoTCP, DstPort: 443,
			},
			PathID:   "a",
			PolicyID: "default",
			BoundAt:  now,
		}},
	}
}

// ============================================================================
// 基礎功能測試
// ============================================================================

// TestNewManager 測試建立管理器
func TestNewManager(t *testing.T) {
	manager := NewManager("state.json")
	assert.NotNil(t, manager)
	assert.Equal(t, "state.json", manager.GetPath())
}

// TestWriteAndLoad 測試寫入與載入狀態檔
func TestWriteAndLoad(t *testing.T) {
	manager := NewManager(filepath.Join(t.TempDir(), "state.json"))

	original := sampleState(3)
	require.NoError(t, manager.Write(original))

	loaded, err := manager.Load()
	require.NoError(t, err)

	assert.Equal(t, SchemaVersion, loaded.SchemaVer)
	assert.Equal(t, original.EngineID, loaded.EngineID)
	assert.Equal(t, original.PolicyVersion, loaded.PolicyVersion)
	assert.True(t, original.WrittenAt.Equal(loaded.WrittenAt))
	require.Len(t, loaded.Paths, 2)
	assert.Equal(t, types.PathDegraded, loaded.Paths[1].Status)
	require.Len(t, loaded.Bindings, 1)
	assert.Equal(t, original.Bindings[0].Flow, loaded.Bindings[0].Flow)
}

// TestAtomicWrite 並發寫入與讀取時只會看到完整的檔案
func TestAtomicWrite(t *testing.T) {
	dir := t.TempDir()
	manager := NewManager(filepath.Join(dir, "state.json"))
	require.NoError(t, manager.Write(sampleState(1)))

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			assert.NoError(t, manager.Write(sampleState(2)))
		}()
		go func() {
			defer wg.Done()
			state, err := manager.Load()
			assert.NoError(t, err)
			assert.True(t, state.PolicyVersion == 1 || state.PolicyVersion == 2)
		}()
	}
	wg.Wait()

	// 不應殘留臨時檔
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

// TestExists 測試檔案存在性檢查
func TestExists(t *testing.T) {
	manager := NewManager(filepath.Join(t.TempDir(), "state.json"))
	assert.False(t, manager.Exists())

	require.NoError(t, manager.Write(State{}))
	assert.True(t, manager.Exists())
}

// ============================================================================
// 錯誤處理測試
// ============================================================================

func TestLoadMissing(t *testing.T) {
	manager := NewManager(filepath.Join(t.TempDir(), "missing.json"))
	_, err := manager.Load()
	assert.ErrorIs(t, err, ErrSnapshotNotFound)
}

func TestVersionMismatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"schema_version": 2}`), 0o644))

	_, err := NewManager(path).Load()
	assert.ErrorIs(t, err, ErrIncompatibleVersion)
}

func TestCorruptedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"schema_version": 1, "paths": [`), 0o644))

	_, err := NewManager(path).Load()
	assert.ErrorIs(t, err, ErrCorruptedSnapshot)
}

func TestWriteToMissingDirectory(t *testing.T) {
	manager := NewManager(filepath.Join(t.TempDir(), "nope", "state.json"))
	assert.Error(t, manager.Write(State{}))
}
