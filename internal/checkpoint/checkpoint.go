// Package checkpoint snapshots a session and its task DAG to disk so a
// crashed or misbehaving run can be rolled back to a known-good point.
// Checkpoints are immutable once written; retention is handled by the
// recovery package's lifecycle sweeps.
package checkpoint

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/basket/aegis/internal/dag"
	"github.com/basket/aegis/internal/session"
	"github.com/basket/aegis/internal/shared"
)

// Info is the checkpoint.json metadata document.
type Info struct {
	CheckpointID   string    `json:"checkpoint_id"`
	SessionID      string    `json:"session_id"`
	CreatedAt      time.Time `json:"created_at"`
	TaskIndex      int       `json:"task_index"`
	TasksCompleted int       `json:"tasks_completed"`
	Description    string    `json:"description"`
	HasWorkspace   bool      `json:"has_workspace"`
}

var ErrNotFound = errors.New("checkpoint not found")

// Manager owns the checkpoints/<session_id>/cp-%04d/ tree under root.
type Manager struct {
	root string
}

func NewManager(root string) (*Manager, error) {
	dir := filepath.Join(root, "checkpoints")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create checkpoints dir: %w", err)
	}
	return &Manager{root: dir}, nil
}

func (m *Manager) sessionDir(sessionID string) string {
	return filepath.Join(m.root, sessionID)
}

func (m *Manager) checkpointDir(sessionID, checkpointID string) string {
	return filepath.Join(m.sessionDir(sessionID), checkpointID)
}

// nextID allocates the next monotonic checkpoint id for a session by
// scanning existing directories, so ids survive process restarts.
func (m *Manager) nextID(sessionID string) string {
	entries, err := os.ReadDir(m.sessionDir(sessionID))
	if err != nil {
		return "cp-0000"
	}
	next := 0
	for _, e := range entries {
		var n int
		if _, err := fmt.Sscanf(e.Name(), "cp-%04d", &n); err == nil && n >= next {
			next = n + 1
		}
	}
	return fmt.Sprintf("cp-%04d", next)
}

// Create writes a new checkpoint: session and DAG snapshots plus, when
// sandboxPath is non-empty, a full recursive copy of the workspace.
func (m *Manager) Create(s *session.Session, tasks []dag.Task, description, sandboxPath string) (Info, error) {
	id := m.nextID(s.ID)
	dir := m.checkpointDir(s.ID, id)

	completed := 0
	taskIndex := 0
	for i, t := range tasks {
		if t.Status == dag.StatusCompleted {
			completed++
			taskIndex = i + 1
		}
	}

	info := Info{
		CheckpointID:   id,
		SessionID:      s.ID,
		CreatedAt:      time.Now().UTC(),
		TaskIndex:      taskIndex,
		TasksCompleted: completed,
		Description:    description,
		HasWorkspace:   sandboxPath != "",
	}

	if err := shared.WriteJSONAtomic(filepath.Join(dir, "session.json"), s); err != nil {
		return Info{}, err
	}
	if err := shared.WriteJSONAtomic(filepath.Join(dir, "dag.json"), tasks); err != nil {
		return Info{}, err
	}
	if sandboxPath != "" {
		if err := shared.CopyDir(sandboxPath, filepath.Join(dir, "workspace")); err != nil {
			return Info{}, fmt.Errorf("snapshot workspace: %w", err)
		}
	}
	// Metadata last: a directory without checkpoint.json is treated as
	// incomplete and ignored by List and Rollback.
	if err := shared.WriteJSONAtomic(filepath.Join(dir, "checkpoint.json"), info); err != nil {
		return Info{}, err
	}
	return info, nil
}

// Rollback returns exactly the state captured at checkpointID. The
// third return value is the path of the workspace snapshot, empty when
// none was taken.
func (m *Manager) Rollback(sessionID, checkpointID string) (*session.Session, []dag.Task, string, error) {
	dir := m.checkpointDir(sessionID, checkpointID)

	var info Info
	if err := shared.ReadJSON(filepath.Join(dir, "checkpoint.json"), &info); err != nil {
		if os.IsNotExist(err) {
			return nil, nil, "", fmt.Errorf("%w: %s/%s", ErrNotFound, sessionID, checkpointID)
		}
		return nil, nil, "", err
	}

	var s session.Session
	if err := shared.ReadJSON(filepath.Join(dir, "session.json"), &s); err != nil {
		return nil, nil, "", fmt.Errorf("read session snapshot: %w", err)
	}
	var tasks []dag.Task
	if err := shared.ReadJSON(filepath.Join(dir, "dag.json"), &tasks); err != nil {
		return nil, nil, "", fmt.Errorf("read dag snapshot: %w", err)
	}

	workspace := ""
	if info.HasWorkspace {
		workspace = filepath.Join(dir, "workspace")
	}
	return &s, tasks, workspace, nil
}

// List returns a session's checkpoints in creation order. Directories
// missing checkpoint.json (interrupted writes) are skipped.
func (m *Manager) List(sessionID string) ([]Info, error) {
	entries, err := os.ReadDir(m.sessionDir(sessionID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	var infos []Info
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		var info Info
		if err := shared.ReadJSON(filepath.Join(m.sessionDir(sessionID), e.Name(), "checkpoint.json"), &info); err != nil {
			continue
		}
		infos = append(infos, info)
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].CheckpointID < infos[j].CheckpointID
	})
	return infos, nil
}

// Delete removes one checkpoint directory.
func (m *Manager) Delete(sessionID, checkpointID string) error {
	dir := m.checkpointDir(sessionID, checkpointID)
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return fmt.Errorf("%w: %s/%s", ErrNotFound, sessionID, checkpointID)
	}
	return os.RemoveAll(dir)
}

// DeleteSession removes every checkpoint for a session.
func (m *Manager) DeleteSession(sessionID string) error {
	return os.RemoveAll(m.sessionDir(sessionID))
}
