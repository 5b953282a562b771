package snapshot

// ============================================================================
// Snapshot Manager 測試檔案
// 職責：驗證快照的原子性寫入、載入、版本驗證與錯誤處理
// ============================================================================

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ChuLiYu/docflow/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleData() Data {
	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return Data{
		Jobs: map[types.JobID]types.Job{
			"job-001": {
				ID:        "job-001",
				Owner:     "alice",
				Status:    types.StatusQueued,
				Config:    types.Configuration{PdfaLevel: 2, OCREnabled: true, OCRLanguages: []string{"eng"}},
				Events:    []types.EventRef{{Seq: 1, Kind: types.EventJobAccepted}},
				CreatedAt: created,
			},
			"job-002": {
				ID:     "job-002",
				Owner:  "bob",
				Status: types.StatusCompleted,
				Result: &types.Result{OutputFilename: "out.pdf", Tier: 2, PdfaLevel: 1},
				Events: []types.EventRef{
					{Seq: 1, Kind: types.EventJobAccepted},
					{Seq: 2, Kind: types.EventJobStarted},
					{Seq: 3, Kind: types.EventFallbackApplied},
					{Seq: 4, Kind: types.EventJobCompleted},
				},
				CreatedAt: created,
			},
		},
	}
}

// ============================================================================
// 基礎功能測試
// ============================================================================

// TestNewManager 測試建立管理器
func TestNewManager(t *testing.T) {
	manager := NewManager("test_snapshot.json")
	assert.NotNil(t, manager)
	assert.Equal(t, "test_snapshot.json", manager.GetPath())
}

// TestWriteAndLoad 測試寫入與載入快照
func TestWriteAndLoad(t *testing.T) {
	manager := NewManager(filepath.Join(t.TempDir(), "jobs.json"))

	original := sampleData()
	require.NoError(t, manager.Write(original))

	loaded, err := manager.Load()
	require.NoError(t, err)

	assert.Equal(t, SchemaVersion, loaded.SchemaVer)
	require.Len(t, loaded.Jobs, len(original.Jobs))
	for id, want := range original.Jobs {
		got, ok := loaded.Jobs[id]
		require.True(t, ok, "Job %s should exist", id)
		assert.Equal(t, want.Status, got.Status)
		assert.Equal(t, want.Events, got.Events)
		assert.True(t, want.CreatedAt.Equal(got.CreatedAt))
	}
	assert.Equal(t, 2, loaded.Jobs["job-002"].Result.Tier)
}

// TestAtomicWrite 測試寫入後不留下臨時檔案
func TestAtomicWrite(t *testing.T) {
	dir := t.TempDir()
	manager := NewManager(filepath.Join(dir, "jobs.json"))

	require.NoError(t, manager.Write(sampleData()))
	require.NoError(t, manager.Write(sampleData()))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "jobs.json", entries[0].Name())
}

// TestExists 測試存在檢查
func TestExists(t *testing.T) {
	manager := NewManager(filepath.Join(t.TempDir(), "jobs.json"))
	assert.False(t, manager.Exists())
	require.NoError(t, manager.Write(Data{}))
	assert.True(t, manager.Exists())
}

// TestFirstBoot 首次啟動回傳空狀態
func TestFirstBoot(t *testing.T) {
	manager := NewManager(filepath.Join(t.TempDir(), "missing.json"))
	data, err := manager.Load()
	require.NoError(t, err)
	assert.NotNil(t, data.Jobs)
	assert.Empty(t, data.Jobs)
}

// TestVersionMismatch 測試版本不相容
func TestVersionMismatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "jobs.json")
	raw, err := json.Marshal(map[string]any{"schema_ver": 1, "jobs": map[string]any{}})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, raw, 0644))

	_, err = NewManager(path).Load()
	assert.ErrorIs(t, err, ErrIncompatibleVersion)
}

// TestCorrupted 測試損壞的快照
func TestCorrupted(t *testing.T) {
	path := filepath.Join(t.TempDir(), "jobs.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0644))

	_, err := NewManager(path).Load()
	assert.ErrorIs(t, err, ErrCorruptedSnapshot)
}

// TestWriteFailure 目錄不存在時寫入失敗
func TestWriteFailure(t *testing.T) {
	manager := NewManager(filepath.Join(t.TempDir(), "no", "such", "dir", "jobs.json"))
	err := manager.Write(sampleData())
	assert.Error(t, err)
	assert.False(t, manager.Exists())
}

// ============================================================================
// 並發測試
// ============================================================================

func TestConcurrentWrites(t *testing.T) {
	manager := NewManager(filepath.Join(t.TempDir(), "jobs.json"))

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			id := types.JobID(fmt.Sprintf("job-%03d", n))
			data := Data{Jobs: map[types.JobID]types.Job{id: {ID: id, Status: types.StatusQueued}}}
			assert.NoError(t, manager.Write(data))
		}(i)
	}
	wg.Wait()

	loaded, err := manager.Load()
	require.NoError(t, err)
	assert.Len(t, loaded.Jobs, 1)
}

func BenchmarkWrite(b *testing.B) {
	manager := NewManager(filepath.Join(b.TempDir(), "jobs.json"))
	data := Data{Jobs: make(map[types.JobID]types.Job)}
	for i := 0; i < 1000; i++ {
		id := types.JobID(fmt.Sprintf("job-%04d", i))
		data.Jobs[id] = types.Job{ID: id, Status: types.StatusCompleted}
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if err := manager.Write(data); err != nil {
			b.Fatal(err)
		}
	}
}
