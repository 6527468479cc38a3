package snapshot

// ============================================================================
// Snapshot Manager tests
// Atomic write, load, schema check and error handling
// ============================================================================

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/evtc-relay/pkg/types"
)

func sampleView(version uint64) types.View {
	retryAt := time.Date(2024, 5, 1, 20, 0, 30, 0, time.UTC)
	accepted := true
	return types.View{
		Session: "session-1",
		Version: version,
		TakenAt: time.Date(2024, 5, 1, 20, 0, 0, 0, time.UTC),
		Rows: []types.Row{
			{
				ID:            0,
				Location:      "/logs/vg.zevtc",
				Encounter:     "Vale Guardian - kill",
				Category:      15438,
				Parse:         types.StageView{State: types.StateDone},
				Report:        types.StageView{State: types.StateDone},
				Stats:         types.StageView{State: types.StateDone},
				ReportURL:     "https://dps.report/abc",
				StatsAccepted: &accepted,
			},
			{
				ID:            1,
				Location:      "/logs/gorse.zevtc",
				Parse:         types.StageView{State: types.StateDone},
				Report:        types.StageView{State: types.StateRetry, Error: "status 503", RetryAt: &retryAt},
				Stats:         types.StageView{State: types.StateActive},
				ReportRetries: 1,
			},
		},
	}
}

// ============================================================================
// Basic operations
// ============================================================================

func TestNewManager(t *testing.T) {
	manager := NewManager("test_snapshot.json")
	assert.NotNil(t, manager)
	assert.Equal(t, "test_snapshot.json", manager.Path())
}

func TestWriteAndLoad(t *testing.T) {
	snapshotPath := filepath.Join(t.TempDir(), "state", "view.json")
	manager := NewManager(snapshotPath)

	original := sampleView(7)
	require.NoError(t, manager.Write(original))

	loaded, err := manager.Load()
	require.NoError(t, err)

	assert.Equal(t, types.ViewSchemaVersion, loaded.SchemaVer)
	assert.Equal(t, original.Session, loaded.Session)
	assert.Equal(t, original.Version, loaded.Version)
	require.Len(t, loaded.Rows, 2)
	assert.Equal(t, types.StateRetry, loaded.Rows[1].Report.State)
	require.NotNil(t, loaded.Rows[1].Report.RetryAt)
	assert.True(t, loaded.Rows[1].Report.RetryAt.Equal(*original.Rows[1].Report.RetryAt))
	require.NotNil(t, loaded.Rows[0].StatsAccepted)
	assert.True(t, *loaded.Rows[0].StatsAccepted)
	assert.False(t, loaded.Settled())
}

func TestAtomicWrite(t *testing.T) {
	snapshotPath := filepath.Join(t.TempDir(), "view.json")
	manager := NewManager(snapshotPath)
	require.NoError(t, manager.Write(sampleView(1)))

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		for v := uint64(2); v < 50; v++ {
			assert.NoError(t, manager.Write(sampleView(v)))
		}
	}()

	// A reader that bypasses the manager's lock must only ever see complete files.
	go func() {
		defer wg.Done()
		for i := 0; i < 50; i++ {
			data, err := os.ReadFile(snapshotPath)
			if err != nil {
				continue
			}
			var view types.View
			assert.NoError(t, json.Unmarshal(data, &view), "reader saw a partial snapshot")
		}
	}()

	wg.Wait()

	_, err := os.Stat(snapshotPath + ".tmp")
	assert.True(t, os.IsNotExist(err), "temp file must not be left behind")
}

func TestExists(t *testing.T) {
	manager := NewManager(filepath.Join(t.TempDir(), "view.json"))
	assert.False(t, manager.Exists())
	require.NoError(t, manager.Write(sampleView(1)))
	assert.True(t, manager.Exists())
}

// ============================================================================
// Error handling
// ============================================================================

func TestLoad_NotFound(t *testing.T) {
	manager := NewManager(filepath.Join(t.TempDir(), "missing.json"))
	_, err := manager.Load()
	assert.ErrorIs(t, err, ErrSnapshotNotFound)
}

func TestLoad_VersionMismatch(t *testing.T) {
	snapshotPath := filepath.Join(t.TempDir(), "view.json")
	require.NoError(t, os.WriteFile(snapshotPath, []byte(`{"session":"x","schema_ver":99,"rows":[]}`), 0o644))

	_, err := NewManager(snapshotPath).Load()
	assert.ErrorIs(t, err, ErrIncompatibleVersion)
}

func TestLoad_Corrupted(t *testing.T) {
	snapshotPath := filepath.Join(t.TempDir(), "view.json")
	require.NoError(t, os.WriteFile(snapshotPath, []byte(`{"session": "x", "rows": [`), 0o644))

	_, err := NewManager(snapshotPath).Load()
	assert.ErrorIs(t, err, ErrCorruptedSnapshot)
}

func TestWrite_Failure(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "file")
	require.NoError(t, os.WriteFile(blocker, nil, 0o644))

	// parent "directory" is a regular file
	manager := NewManager(filepath.Join(blocker, "view.json"))
	assert.Error(t, manager.Write(sampleView(1)))
}

// ============================================================================
// Backups and follow
// ============================================================================

func TestWriteWithBackup(t *testing.T) {
	snapshotPath := filepath.Join(t.TempDir(), "view.json")
	manager := NewManager(snapshotPath)

	for v := uint64(1); v <= 4; v++ {
		require.NoError(t, manager.WriteWithBackup(sampleView(v), 2))
	}

	backups, err := manager.Backups()
	require.NoError(t, err)
	assert.Len(t, backups, 2)

	loaded, err := manager.Load()
	require.NoError(t, err)
	assert.Equal(t, uint64(4), loaded.Version)
}

func TestFollow_WritesOnVersionChange(t *testing.T) {
	snapshotPath := filepath.Join(t.TempDir(), "view.json")
	manager := NewManager(snapshotPath)

	var version atomic.Uint64
	version.Store(1)
	var calls atomic.Int32
	source := func() types.View {
		calls.Add(1)
		return sampleView(version.Load())
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		manager.Follow(ctx, 5*time.Millisecond, source, nil)
		close(done)
	}()

	require.Eventually(t, manager.Exists, time.Second, 5*time.Millisecond)
	version.Store(3)
	require.Eventually(t, func() bool {
		v, err := manager.Load()
		return err == nil && v.Version == 3
	}, time.Second, 5*time.Millisecond)

	cancel()
	<-done
	assert.Greater(t, calls.Load(), int32(1))
}

func TestConcurrentWrites(t *testing.T) {
	manager := NewManager(filepath.Join(t.TempDir(), "view.json"))

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(v int) {
			defer wg.Done()
			view := sampleView(uint64(v))
			view.Session = fmt.Sprintf("session-%d", v)
			assert.NoError(t, manager.Write(view))
		}(i)
	}
	wg.Wait()

	loaded, err := manager.Load()
	require.NoError(t, err)
	assert.Len(t, loaded.Rows, 2)
}
