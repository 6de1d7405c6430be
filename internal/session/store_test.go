package session

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/basket/aegis/internal/dag"
)

func TestStoreRoundTrip(t *testing.T) {
	st, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	s := New("builder", "ship the feature", 5, 2)
	s.Transition(StatusRunning, time.Now())
	s.AddCost(0.42)
	s.Progress = Progress{Total: 3, Completed: 1}

	if err := st.Save(s); err != nil {
		t.Fatal(err)
	}
	got, err := st.Load(s.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Goal != s.Goal || got.Status != StatusRunning || got.CostUSD != 0.42 {
		t.Errorf("loaded session differs: %+v", got)
	}
	if got.Progress.Completed != 1 {
		t.Errorf("progress not persisted: %+v", got.Progress)
	}
}

func TestSaveLeavesNoTempFile(t *testing.T) {
	st, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	s := New("default", "goal", 5, 1)
	if err := st.Save(s); err != nil {
		t.Fatal(err)
	}
	entries, err := os.ReadDir(st.Dir(s.ID))
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range entries {
		if filepath.Ext(e.Name()) == ".tmp" {
			t.Errorf("temp file left behind: %s", e.Name())
		}
	}
}

func TestPlanAndDiffSiblings(t *testing.T) {
	st, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	s := New("default", "goal", 5, 1)
	if err := st.Save(s); err != nil {
		t.Fatal(err)
	}

	tasks := []dag.Task{
		{ID: "t1", Title: "first", Status: dag.StatusCompleted, Confidence: 0.9},
		{ID: "t2", Title: "second", Dependencies: []string{"t1"}, Status: dag.StatusPending},
	}
	if err := st.SavePlan(s.ID, tasks); err != nil {
		t.Fatal(err)
	}
	gotTasks, err := st.LoadPlan(s.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(gotTasks) != 2 || gotTasks[1].Dependencies[0] != "t1" {
		t.Errorf("plan round trip mismatch: %+v", gotTasks)
	}

	diffs := []FileDiff{{Path: "app.py", Operation: "create", Bytes: 120, Timestamp: time.Now().UTC()}}
	if err := st.SaveDiffs(s.ID, diffs); err != nil {
		t.Fatal(err)
	}
	gotDiffs, err := st.LoadDiffs(s.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(gotDiffs) != 1 || gotDiffs[0].Path != "app.py" {
		t.Errorf("diff round trip mismatch: %+v", gotDiffs)
	}
}

func TestListNewestFirst(t *testing.T) {
	st, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	older := New("default", "first", 5, 1)
	older.CreatedAt = time.Now().Add(-time.Hour)
	newer := New("default", "second", 5, 1)
	for _, s := range []*Session{older, newer} {
		if err := st.Save(s); err != nil {
			t.Fatal(err)
		}
	}
	list, err := st.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 2 {
		t.Fatalf("list = %d sessions, want 2", len(list))
	}
	if list[0].Goal != "second" {
		t.Errorf("newest session should come first, got %q", list[0].Goal)
	}
}

func TestDeleteRemovesDirectory(t *testing.T) {
	st, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	s := New("default", "goal", 5, 1)
	if err := st.Save(s); err != nil {
		t.Fatal(err)
	}
	if err := st.Delete(s.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(st.Dir(s.ID)); !os.IsNotExist(err) {
		t.Error("session directory should be gone after delete")
	}
}
