package report

// ============================================================================
// Responsibilities:
// 1. Serialize the final result of a task run to a JSON report
// 2. Write atomically (temp file + rename) so readers never see a torn file
// 3. Validate the schema version on load
// ============================================================================

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ChuLiYu/searchq/pkg/types"
)

// SchemaVersion is the current report layout.
const SchemaVersion = 1

var (
	ErrCorruptedReport     = errors.New("report file is corrupted")
	ErrIncompatibleVersion = errors.New("report schema version is incompatible")
	ErrReportNotFound      = errors.New("report file not found")
)

// Report is the persisted outcome of one run.
type Report struct {
	SchemaVer int              `json:"schema_version"`
	Task      string           `json:"task"`
	TaskID    types.TaskID     `json:"task_id"`
	Status    string           `json:"status"`
	Solution  types.Solution   `json:"solution"`
	Stats     *types.TaskStats `json:"stats,omitempty"`
	WrittenAt time.Time        `json:"written_at"`
}

// Manager reads and writes the report file.
type Manager struct {
	path string
	mu   sync.Mutex
}

func NewManager(path string) *Manager {
	return &Manager{path: path}
}

// Write stores r atomically.
//
// Flow:
//  1. write <path>.tmp
//  2. rename over <path>
func (m *Manager) Write(r Report) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r.SchemaVer = SchemaVersion
	if r.WrittenAt.IsZero() {
		r.WrittenAt = time.Now().UTC()
	}

	raw, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal report: %w", err)
	}

	if dir := filepath.Dir(m.path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create report directory: %w", err)
		}
	}

	tmpPath := m.path + ".tmp"
	if err := os.WriteFile(tmpPath, raw, 0o644); err != nil {
		return fmt.Errorf("failed to write temp report: %w", err)
	}
	if err := os.Rename(tmpPath, m.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename report: %w", err)
	}
	return nil
}

// Load reads the report and checks its schema version.
func (m *Manager) Load() (Report, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var r Report
	raw, err := os.ReadFile(m.path)
	if err != nil {
		if os.IsNotExist(err) {
			return r, ErrReportNotFound
		}
		return r, fmt.Errorf("failed to read report: %w", err)
	}
	if err := json.Unmarshal(raw, &r); err != nil {
		return r, fmt.Errorf("%w: %v", ErrCorruptedReport, err)
	}
	if r.SchemaVer != SchemaVersion {
		return r, fmt.Errorf("%w: got %d, want %d", ErrIncompatibleVersion, r.SchemaVer, SchemaVersion)
	}
	return r, nil
}

// Exists reports whether a report has been written.
func (m *Manager) Exists() bool {
	_, err := os.Stat(m.path)
	return err == nil
}

func (m *Manager) Path() string {
	return m.path
}
