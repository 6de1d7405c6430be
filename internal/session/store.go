package session

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/basket/aegis/internal/dag"
	"github.com/basket/aegis/internal/shared"
)

// FileDiff records one file change for the review dashboard.
type FileDiff struct {
	Path      string    `json:"path"`
	Operation string    `json:"operation"`
	Bytes     int       `json:"bytes"`
	Timestamp time.Time `json:"timestamp"`
}

// Store persists sessions as JSON under root/sessions/<id>/. Each
// session directory carries session.json plus sibling plan.json and
// diff.json consumed by review collaborators.
type Store struct {
	root string
}

func NewStore(root string) (*Store, error) {
	dir := filepath.Join(root, "sessions")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create sessions dir: %w", err)
	}
	return &Store{root: dir}, nil
}

// Dir returns the directory holding one session's documents.
func (st *Store) Dir(sessionID string) string {
	return filepath.Join(st.root, sessionID)
}

// Save writes session.json atomically.
func (st *Store) Save(s *Session) error {
	return shared.WriteJSONAtomic(filepath.Join(st.Dir(s.ID), "session.json"), s)
}

// Load reads one session by id.
func (st *Store) Load(sessionID string) (*Session, error) {
	var s Session
	if err := shared.ReadJSON(filepath.Join(st.Dir(sessionID), "session.json"), &s); err != nil {
		return nil, fmt.Errorf("load session %s: %w", sessionID, err)
	}
	return &s, nil
}

// SavePlan writes the task list next to the session document.
func (st *Store) SavePlan(sessionID string, tasks []dag.Task) error {
	return shared.WriteJSONAtomic(filepath.Join(st.Dir(sessionID), "plan.json"), tasks)
}

// LoadPlan reads the persisted task list.
func (st *Store) LoadPlan(sessionID string) ([]dag.Task, error) {
	var tasks []dag.Task
	if err := shared.ReadJSON(filepath.Join(st.Dir(sessionID), "plan.json"), &tasks); err != nil {
		return nil, fmt.Errorf("load plan %s: %w", sessionID, err)
	}
	return tasks, nil
}

// SaveDiffs writes the file-change log next to the session document.
func (st *Store) SaveDiffs(sessionID string, diffs []FileDiff) error {
	return shared.WriteJSONAtomic(filepath.Join(st.Dir(sessionID), "diff.json"), diffs)
}

// LoadDiffs reads the persisted file-change log.
func (st *Store) LoadDiffs(sessionID string) ([]FileDiff, error) {
	var diffs []FileDiff
	if err := shared.ReadJSON(filepath.Join(st.Dir(sessionID), "diff.json"), &diffs); err != nil {
		return nil, fmt.Errorf("load diffs %s: %w", sessionID, err)
	}
	return diffs, nil
}

// List returns every persisted session, newest first.
func (st *Store) List() ([]*Session, error) {
	entries, err := os.ReadDir(st.root)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	var sessions []*Session
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		s, err := st.Load(e.Name())
		if err != nil {
			continue
		}
		sessions = append(sessions, s)
	}
	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].CreatedAt.After(sessions[j].CreatedAt)
	})
	return sessions, nil
}

// Delete removes a session's directory wholesale.
func (st *Store) Delete(sessionID string) error {
	return os.RemoveAll(st.Dir(sessionID))
}
