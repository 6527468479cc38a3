// ============================================================================
// evtc-relay Snapshot Manager - Session View Persistence
// ============================================================================
//
// Package: internal/snapshot
// File: snapshot_manager.go
// Function: Writes the coordinator's published view to disk so the status
//           command can read it without a running relay
//
// Atomic write:
//   1. Encode the view as indented JSON
//   2. Write it to <path>.tmp
//   3. Rename over <path> (atomic on POSIX filesystems)
//   A crash leaves either the old or the new file, never half of one.
//
// Schema:
//   The file carries types.ViewSchemaVersion. Load refuses any other value.
//
// Follow:
//   Polls a view source and writes whenever the view version moves. The
//   coordinator only publishes on change, so an idle relay does no I/O.
//
// ============================================================================

package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/ChuLiYu/evtc-relay/pkg/types"
)

var (
	ErrCorruptedSnapshot   = errors.New("snapshot file is corrupted")
	ErrIncompatibleVersion = errors.New("snapshot schema version is incompatible")
	ErrSnapshotNotFound    = errors.New("snapshot file not found")
)

// Manager reads and writes one snapshot file.
type Manager struct {
	path string     // snapshot file path
	mu   sync.Mutex // serializes file operations
}

// NewManager returns a manager for the snapshot at path.
func NewManager(path string) *Manager {
	return &Manager{
		path: path,
	}
}

// Write stores view atomically.
func (m *Manager) Write(view types.View) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writeLocked(view)
}

func (m *Manager) writeLocked(view types.View) error {
	view.SchemaVer = types.ViewSchemaVersion

	jsonBytes, err := json.MarshalIndent(view, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(m.path), 0o755); err != nil {
		return fmt.Errorf("failed to create snapshot dir: %w", err)
	}

	tmpPath := m.path + ".tmp"
	if err := os.WriteFile(tmpPath, jsonBytes, 0o644); err != nil {
		return fmt.Errorf("failed to write temp snapshot: %w", err)
	}

	if err := os.Rename(tmpPath, m.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename snapshot: %w", err)
	}
	return nil
}

// Load reads the snapshot. A missing file returns ErrSnapshotNotFound.
func (m *Manager) Load() (types.View, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var view types.View

	jsonBytes, err := os.ReadFile(m.path)
	if err != nil {
		if os.IsNotExist(err) {
			return view, fmt.Errorf("%w: %s", ErrSnapshotNotFound, m.path)
		}
		return view, fmt.Errorf("failed to read snapshot: %w", err)
	}

	if err := json.Unmarshal(jsonBytes, &view); err != nil {
		return view, fmt.Errorf("%w: %v", ErrCorruptedSnapshot, err)
	}

	if view.SchemaVer != types.ViewSchemaVersion {
		return view, fmt.Errorf("%w: got %d, want %d", ErrIncompatibleVersion, view.SchemaVer, types.ViewSchemaVersion)
	}

	if view.Rows == nil {
		view.Rows = []types.Row{}
	}
	return view, nil
}

// Exists reports whether the snapshot file is present.
func (m *Manager) Exists() bool {
	_, err := os.Stat(m.path)
	return err == nil
}

// Path returns the snapshot file path.
func (m *Manager) Path() string {
	return m.path
}

// WriteWithBackup moves the current snapshot aside before writing and keeps
// at most keepBackups old copies. A new session starts with the previous
// session's view preserved.
func (m *Manager) WriteWithBackup(view types.View, keepBackups int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, err := os.Stat(m.path); err == nil {
		backupPath := fmt.Sprintf("%s.%s", m.path, time.Now().Format("20060102_150405.000000000"))
		if err := os.Rename(m.path, backupPath); err != nil {
			return fmt.Errorf("failed to backup old snapshot: %w", err)
		}
	}
	if err := m.pruneLocked(keepBackups); err != nil {
		return err
	}
	return m.writeLocked(view)
}

// Backups lists backup files, oldest first.
func (m *Manager) Backups() ([]string, error) {
	matches, err := filepath.Glob(m.path + ".2*")
	if err != nil {
		return nil, err
	}
	sort.Strings(matches)
	return matches, nil
}

func (m *Manager) pruneLocked(keep int) error {
	if keep < 0 {
		return nil
	}
	backups, err := m.Backups()
	if err != nil {
		return fmt.Errorf("failed to list snapshot backups: %w", err)
	}
	for len(backups) > keep {
		if err := os.Remove(backups[0]); err != nil {
			return fmt.Errorf("failed to remove old snapshot: %w", err)
		}
		backups = backups[1:]
	}
	return nil
}

// Follow writes the view returned by source every time its version changes,
// checking every interval, until ctx is done. A final write happens on exit.
func (m *Manager) Follow(ctx context.Context, interval time.Duration, source func() types.View, logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var written uint64
	write := func() {
		view := source()
		if view.Version == written {
			return
		}
		if err := m.Write(view); err != nil {
			logger.Error("snapshot write failed", "path", m.path, "error", err)
			return
		}
		written = view.Version
	}

	for {
		select {
		case <-ctx.Done():
			write()
			return
		case <-ticker.C:
			write()
		}
	}
}
