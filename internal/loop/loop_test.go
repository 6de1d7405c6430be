package loop

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/basket/aegis/internal/dag"
	"github.com/basket/aegis/internal/learning"
	"github.com/basket/aegis/internal/session"
)

// scriptedExecutor returns canned results keyed by task id.
type scriptedExecutor struct {
	results map[string]TaskResult
	mu      sync.Mutex
	calls   []string
}

func (e *scriptedExecutor) Execute(_ context.Context, task *dag.Task) TaskResult {
	e.mu.Lock()
	e.calls = append(e.calls, task.ID)
	e.mu.Unlock()
	if res, ok := e.results[task.ID]; ok {
		return res
	}
	return TaskResult{Success: true, Confidence: 0.9}
}

type recordingLearner struct {
	mu       sync.Mutex
	outcomes []learning.Outcome
}

func (r *recordingLearner) Record(_ context.Context, o learning.Outcome) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes = append(r.outcomes, o)
}

func testLoop(t *testing.T, cfg Config) *Loop {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(cfg, nil, nil, nil, nil, logger)
}

func newRunningSession(t *testing.T) *session.Session {
	t.Helper()
	return session.New("default", "test goal", 100, 10)
}

func chainTasks(n int) []dag.Task {
	tasks := make([]dag.Task, n)
	for i := range tasks {
		tasks[i].ID = taskID(i)
		tasks[i].ActionType = "write_code"
		if i > 0 {
			tasks[i].Dependencies = []string{taskID(i - 1)}
		}
	}
	return tasks
}

func taskID(i int) string {
	return "t" + string(rune('1'+i))
}

func mustDAG(t *testing.T, tasks []dag.Task) *dag.DAG {
	t.Helper()
	d, err := dag.New(tasks)
	if err != nil {
		t.Fatal(err)
	}
	return d
}

func TestAllTasksCompleteGoalComplete(t *testing.T) {
	l := testLoop(t, Config{})
	s := newRunningSession(t)
	d := mustDAG(t, chainTasks(3))
	exec := &scriptedExecutor{}

	result := l.Run(context.Background(), s, d, exec)

	if result.StopReason != StopGoalComplete {
		t.Fatalf("stop reason = %q, want goal_complete", result.StopReason)
	}
	if result.TasksCompleted != 3 || result.TasksFailed != 0 {
		t.Errorf("completed=%d failed=%d, want 3/0", result.TasksCompleted, result.TasksFailed)
	}
	if s.Status != session.StatusCompleted {
		t.Errorf("session status = %s, want COMPLETED", s.Status)
	}
	if got := strings.Join(exec.calls, ","); got != "t1,t2,t3" {
		t.Errorf("execution order = %s, want dependency order", got)
	}
}

func TestConfidenceCollapseAtThreshold(t *testing.T) {
	l := testLoop(t, Config{CollapseThreshold: 3})
	s := newRunningSession(t)
	d := mustDAG(t, chainTasks(5))
	exec := &scriptedExecutor{results: map[string]TaskResult{
		"t1": {Success: true, Confidence: 0.4},
		"t2": {Success: true, Confidence: 0.3},
		"t3": {Success: true, Confidence: 0.45},
	}}

	result := l.Run(context.Background(), s, d, exec)

	if !strings.Contains(result.StopReason, "confidence_collapse") {
		t.Fatalf("stop reason = %q, want confidence_collapse", result.StopReason)
	}
	if result.TasksCompleted != 3 {
		t.Errorf("completed = %d, want exactly 3 before the stop", result.TasksCompleted)
	}
	if s.Status != session.StatusFailed {
		t.Errorf("session status = %s, want FAILED", s.Status)
	}
	if s.ErrorMessage == "" {
		t.Error("error message should carry the stop reason")
	}
}

func TestTwoLowConfidenceCompletionsDoNotCollapse(t *testing.T) {
	l := testLoop(t, Config{CollapseThreshold: 3})
	s := newRunningSession(t)
	d := mustDAG(t, chainTasks(5))
	exec := &scriptedExecutor{results: map[string]TaskResult{
		"t1": {Success: true, Confidence: 0.4},
		"t2": {Success: true, Confidence: 0.3},
		// t3 recovers, resetting the run.
		"t3": {Success: true, Confidence: 0.9},
		"t4": {Success: true, Confidence: 0.4},
		"t5": {Success: true, Confidence: 0.4},
	}}

	result := l.Run(context.Background(), s, d, exec)

	if result.StopReason != StopGoalComplete {
		t.Fatalf("stop reason = %q, want goal_complete (2 consecutive is under threshold)", result.StopReason)
	}
	if result.TasksCompleted != 5 {
		t.Errorf("completed = %d, want 5", result.TasksCompleted)
	}
}

func TestErrorStreakStopsLoop(t *testing.T) {
	l := testLoop(t, Config{ErrorStreakThreshold: 5})
	s := newRunningSession(t)

	// Independent tasks so a failure does not deadlock the rest.
	tasks := make([]dag.Task, 7)
	for i := range tasks {
		tasks[i].ID = taskID(i)
	}
	d := mustDAG(t, tasks)

	exec := &scriptedExecutor{results: map[string]TaskResult{}}
	for i := range 7 {
		exec.results[taskID(i)] = TaskResult{Success: false, Error: "boom"}
	}

	result := l.Run(context.Background(), s, d, exec)

	if result.StopReason != StopErrorThreshold {
		t.Fatalf("stop reason = %q, want error_threshold", result.StopReason)
	}
	if result.TasksFailed != 5 {
		t.Errorf("failed = %d, want exactly 5 before the stop", result.TasksFailed)
	}
	if len(result.Errors) != 5 {
		t.Errorf("errors recorded = %d, want 5", len(result.Errors))
	}
	if s.Status != session.StatusFailed {
		t.Errorf("session status = %s, want FAILED", s.Status)
	}
}

func TestCostCeilingStopsWithinOneTask(t *testing.T) {
	l := testLoop(t, Config{})
	s := session.New("default", "goal", 1.0, 10)
	d := mustDAG(t, chainTasks(5))
	exec := &scriptedExecutor{results: map[string]TaskResult{}}
	for i := range 5 {
		exec.results[taskID(i)] = TaskResult{Success: true, Confidence: 0.9, CostUSD: 0.4}
	}

	result := l.Run(context.Background(), s, d, exec)

	if !strings.Contains(result.StopReason, "cost limit") {
		t.Fatalf("stop reason = %q, want cost limit", result.StopReason)
	}
	// 0.4 + 0.4 = 0.8 is under, the third task crosses to 1.2.
	if result.TasksCompleted != 3 {
		t.Errorf("completed = %d, want 3 (stop within one task of the ceiling)", result.TasksCompleted)
	}
	if s.CostUSD < 1.0 {
		t.Errorf("cost = %v, want >= limit", s.CostUSD)
	}
	if s.Status != session.StatusPaused {
		t.Errorf("session status = %s, want PAUSED (budget limits are operator-resumable)", s.Status)
	}
}

func TestDeadlockWhenDependencyFails(t *testing.T) {
	l := testLoop(t, Config{})
	s := newRunningSession(t)
	d := mustDAG(t, chainTasks(3))
	exec := &scriptedExecutor{results: map[string]TaskResult{
		"t1": {Success: false, Error: "boom"},
	}}

	result := l.Run(context.Background(), s, d, exec)

	if result.StopReason != StopDeadlock {
		t.Fatalf("stop reason = %q, want deadlock", result.StopReason)
	}
	if result.TasksSkipped != 2 {
		t.Errorf("skipped = %d, want 2 unreachable tasks", result.TasksSkipped)
	}
	if s.Status != session.StatusFailed {
		t.Errorf("session status = %s, want FAILED", s.Status)
	}
}

func TestExternalStopPausesSession(t *testing.T) {
	l := testLoop(t, Config{})
	s := newRunningSession(t)
	d := mustDAG(t, chainTasks(3))
	l.RequestStop()

	result := l.Run(context.Background(), s, d, &scriptedExecutor{})

	if result.StopReason != StopRequested {
		t.Fatalf("stop reason = %q, want stop_requested", result.StopReason)
	}
	if result.TasksCompleted != 0 {
		t.Errorf("no task should run after a stop request, completed = %d", result.TasksCompleted)
	}
	if s.Status != session.StatusPaused {
		t.Errorf("session status = %s, want PAUSED", s.Status)
	}
}

func TestCheckpointTimer(t *testing.T) {
	var checkpoints int
	checkpoint := func(s *session.Session, tasks []dag.Task, description string) error {
		checkpoints++
		return nil
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	l := New(Config{CheckpointInterval: time.Nanosecond}, nil, nil, checkpoint, nil, logger)

	s := newRunningSession(t)
	d := mustDAG(t, chainTasks(3))
	l.Run(context.Background(), s, d, &scriptedExecutor{})

	if checkpoints != 3 {
		t.Errorf("checkpoints = %d, want one per task at nanosecond interval", checkpoints)
	}
	if s.CheckpointCount != 3 {
		t.Errorf("session checkpoint_count = %d, want 3", s.CheckpointCount)
	}
}

func TestOutcomesReportedToLearner(t *testing.T) {
	rec := &recordingLearner{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	l := New(Config{}, nil, rec, nil, nil, logger)

	s := newRunningSession(t)
	d := mustDAG(t, chainTasks(2))
	exec := &scriptedExecutor{results: map[string]TaskResult{
		"t2": {Success: false, Error: "boom"},
	}}
	l.Run(context.Background(), s, d, exec)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.outcomes) != 2 {
		t.Fatalf("outcomes = %d, want 2", len(rec.outcomes))
	}
	if !rec.outcomes[0].Success || rec.outcomes[1].Success {
		t.Errorf("outcome success flags wrong: %+v", rec.outcomes)
	}
	if rec.outcomes[1].Error != "boom" {
		t.Errorf("failure outcome error = %q", rec.outcomes[1].Error)
	}
}

func TestHeartbeatUpdatedEachIteration(t *testing.T) {
	l := testLoop(t, Config{})
	s := newRunningSession(t)
	d := mustDAG(t, chainTasks(1))

	before := time.Now()
	l.Run(context.Background(), s, d, &scriptedExecutor{})
	if s.LastHeartbeat.Before(before) {
		t.Error("heartbeat should be stamped during the run")
	}
}

func TestProgressTracked(t *testing.T) {
	l := testLoop(t, Config{})
	s := newRunningSession(t)
	tasks := []dag.Task{{ID: "a"}, {ID: "b"}}
	d := mustDAG(t, tasks)
	exec := &scriptedExecutor{results: map[string]TaskResult{
		"b": {Success: false, Error: "x"},
	}}

	l.Run(context.Background(), s, d, exec)

	if s.Progress.Total != 2 || s.Progress.Completed != 1 || s.Progress.Failed != 1 {
		t.Errorf("progress = %+v, want total 2, completed 1, failed 1", s.Progress)
	}
}

// gatedExecutor blocks inside Execute until released, so a test can
// observe the loop's persisted state while a task is in flight.
type gatedExecutor struct {
	entered chan struct{}
	release chan struct{}
}

func (e *gatedExecutor) Execute(_ context.Context, _ *dag.Task) TaskResult {
	e.entered <- struct{}{}
	<-e.release
	return TaskResult{Success: true, Confidence: 0.9}
}

func TestHeartbeatPersistedBeforeTaskExecutes(t *testing.T) {
	store, err := session.NewStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	l := New(Config{}, store, nil, nil, nil, logger)
	s := newRunningSession(t)
	d := mustDAG(t, []dag.Task{{ID: "t1", ActionType: "write_code"}})
	exec := &gatedExecutor{entered: make(chan struct{}), release: make(chan struct{})}

	done := make(chan ExecutionResult, 1)
	go func() { done <- l.Run(context.Background(), s, d, exec) }()
	<-exec.entered

	// The task has not returned; a concurrent recovery pass must still
	// see a live session on disk.
	persisted, err := store.Load(s.ID)
	if err != nil {
		t.Fatal(err)
	}
	if persisted.Status != session.StatusRunning {
		t.Errorf("persisted status = %s, want %s", persisted.Status, session.StatusRunning)
	}
	if persisted.LastHeartbeat.IsZero() {
		t.Error("persisted last_heartbeat is zero while a task is in flight")
	}

	close(exec.release)
	res := <-done
	if res.StopReason != StopGoalComplete {
		t.Errorf("stop reason = %s, want %s", res.StopReason, StopGoalComplete)
	}
}
