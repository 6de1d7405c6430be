package recovery

import (
	"testing"
	"time"

	"github.com/basket/aegis/internal/session"
)

func runningSession(t *testing.T, heartbeatAge time.Duration, checkpoints int) *session.Session {
	t.Helper()
	s := session.New("default", "goal", 5, 2)
	if err := s.Transition(session.StatusRunning, time.Now().Add(-time.Hour)); err != nil {
		t.Fatal(err)
	}
	s.Heartbeat(time.Now().Add(-heartbeatAge))
	s.CheckpointCount = checkpoints
	return s
}

func TestStaleRunningWithCheckpointsResumes(t *testing.T) {
	d := NewDiagnoser(120 * time.Second)
	s := runningSession(t, 130*time.Second, 2)

	rec := d.Diagnose(s, "cp-0001")
	if rec.Action != ActionResume {
		t.Fatalf("action = %s, want resume: %+v", rec.Action, rec)
	}
	if rec.CheckpointID != "cp-0001" {
		t.Errorf("checkpoint id = %q, want cp-0001", rec.CheckpointID)
	}
}

func TestStaleRunningWithoutCheckpointsAborts(t *testing.T) {
	d := NewDiagnoser(120 * time.Second)
	s := runningSession(t, 130*time.Second, 0)

	rec := d.Diagnose(s, "")
	if rec.Action != ActionAbort {
		t.Fatalf("action = %s, want abort: %+v", rec.Action, rec)
	}
}

func TestFreshHeartbeatIsLive(t *testing.T) {
	d := NewDiagnoser(120 * time.Second)
	s := runningSession(t, 30*time.Second, 1)

	if rec := d.Diagnose(s, "cp-0000"); rec.Action != ActionNone {
		t.Errorf("live session should need no action, got %+v", rec)
	}
}

func TestTerminalAndPausedStatuses(t *testing.T) {
	d := NewDiagnoser(0)

	s := session.New("default", "goal", 5, 2)
	s.Status = session.StatusCompleted
	if rec := d.Diagnose(s, ""); rec.Action != ActionNone {
		t.Errorf("completed: got %+v", rec)
	}

	s.Status = session.StatusFailed
	s.ErrorMessage = "error_threshold"
	if rec := d.Diagnose(s, "cp-0002"); rec.Action != ActionRollback || rec.CheckpointID != "cp-0002" {
		t.Errorf("failed with checkpoint: got %+v", rec)
	}
	if rec := d.Diagnose(s, ""); rec.Action != ActionRetry {
		t.Errorf("failed without checkpoint: got %+v", rec)
	}

	s.Status = session.StatusPaused
	if rec := d.Diagnose(s, "cp-0001"); rec.Action != ActionResume {
		t.Errorf("paused: got %+v", rec)
	}

	s.Status = session.StatusCreated
	if rec := d.Diagnose(s, ""); rec.Action != ActionNone {
		t.Errorf("created: got %+v", rec)
	}
}
