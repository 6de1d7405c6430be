package learning

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "learning.db"), slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRecordAndStats(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	s.Record(ctx, Outcome{SessionID: "s1", TaskID: "t1", ActionType: "write_code", Success: true, Confidence: 0.9, ActualMinutes: 4})
	s.Record(ctx, Outcome{SessionID: "s1", TaskID: "t2", ActionType: "write_code", Success: false, Confidence: 0.3, ActualMinutes: 2, Error: "boom"})
	s.Record(ctx, Outcome{SessionID: "s1", TaskID: "t3", ActionType: "run_tests", Success: true, Confidence: 0.8, ActualMinutes: 1})

	stats, err := s.StatsFor(ctx, "write_code")
	if err != nil {
		t.Fatal(err)
	}
	if stats.Attempts != 2 || stats.Successes != 1 {
		t.Errorf("stats = %+v, want 2 attempts 1 success", stats)
	}
	if stats.SuccessRate != 0.5 {
		t.Errorf("success rate = %v, want 0.5", stats.SuccessRate)
	}
	if stats.AvgMinutes != 3 {
		t.Errorf("avg minutes = %v, want 3", stats.AvgMinutes)
	}
}

func TestStatsForUnknownAction(t *testing.T) {
	s := openTestStore(t)
	stats, err := s.StatsFor(context.Background(), "nothing_yet")
	if err != nil {
		t.Fatal(err)
	}
	if stats.Attempts != 0 || stats.SuccessRate != 0 {
		t.Errorf("empty stats expected, got %+v", stats)
	}
}

func TestSessionOutcomesOrdered(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	s.Record(ctx, Outcome{SessionID: "s1", TaskID: "t1", ActionType: "a", Success: true, Confidence: 0.9})
	s.Record(ctx, Outcome{SessionID: "s1", TaskID: "t2", ActionType: "a", Success: false, Confidence: 0.2, Error: "x"})
	s.Record(ctx, Outcome{SessionID: "other", TaskID: "t9", ActionType: "a", Success: true, Confidence: 1})

	got, err := s.SessionOutcomes(ctx, "s1")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("outcomes = %d, want 2", len(got))
	}
	if got[1].TaskID != "t2" || got[1].Success || got[1].Error != "x" {
		t.Errorf("second outcome mismatch: %+v", got[1])
	}
}

func TestAuditInsert(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	s.Audit(ctx, "s1", "gate.evaluated", map[string]any{"approved": false, "checks_failed": 2})

	var count int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM audit_log WHERE session_id = 's1'").Scan(&count); err != nil {
		t.Fatal(err)
	}
	if count != 1 {
		t.Errorf("audit rows = %d, want 1", count)
	}
}
