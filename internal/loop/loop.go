// Package loop drives one supervised session to completion: it pulls
// ready tasks from the DAG, executes them through an injected executor,
// accumulates cost, checkpoints on a timer, and stops on the session's
// guard conditions. The loop never raises past its own boundary; every
// per-task failure lands in the task's error field and the run's error
// list.
package loop

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/basket/aegis/internal/bus"
	"github.com/basket/aegis/internal/dag"
	"github.com/basket/aegis/internal/learning"
	"github.com/basket/aegis/internal/session"
)

// Stop reasons reported in ExecutionResult.StopReason.
const (
	StopGoalComplete       = "goal_complete"
	StopConfidenceCollapse = "confidence_collapse"
	StopErrorThreshold     = "error_threshold"
	StopDeadlock           = "deadlock"
	StopRequested          = "stop_requested"
)

// TaskResult is what the executor reports for one task.
type TaskResult struct {
	Success    bool
	Output     string
	Error      string
	Confidence float64
	CostUSD    float64
}

// Executor performs one task. Implementations typically delegate to the
// session container and the feedback loop; tests use stubs.
type Executor interface {
	Execute(ctx context.Context, task *dag.Task) TaskResult
}

// Recorder receives task outcomes for institutional learning.
// *learning.Store satisfies it. Reporting is fire-and-forget.
type Recorder interface {
	Record(ctx context.Context, o learning.Outcome)
}

// CheckpointFunc snapshots the session and DAG. Invoked on the
// checkpoint timer; a returned error is logged, never fatal.
type CheckpointFunc func(s *session.Session, tasks []dag.Task, description string) error

// ExecutionResult summarizes one run of the loop.
type ExecutionResult struct {
	TasksCompleted int           `json:"tasks_completed"`
	TasksFailed    int           `json:"tasks_failed"`
	TasksSkipped   int           `json:"tasks_skipped"`
	StopReason     string        `json:"stop_reason"`
	Elapsed        time.Duration `json:"elapsed"`
	CostUSD        float64       `json:"cost_usd"`
	Errors         []string      `json:"errors,omitempty"`
}

// Config carries the loop's tunable thresholds. The collapse and error
// streak values are empirical; they are configuration, not constants.
type Config struct {
	// Consecutive completions below ConfidenceFloor that stop the loop.
	CollapseThreshold int
	// Confidence below which a completion counts toward collapse.
	ConfidenceFloor float64
	// Consecutive failures that stop the loop.
	ErrorStreakThreshold int
	// Wall-clock interval between automatic checkpoints.
	CheckpointInterval time.Duration
}

const (
	defaultCollapseThreshold    = 3
	defaultConfidenceFloor      = 0.5
	defaultErrorStreakThreshold = 5
	defaultCheckpointInterval   = 15 * time.Minute
)

func (c Config) withDefaults() Config {
	if c.CollapseThreshold <= 0 {
		c.CollapseThreshold = defaultCollapseThreshold
	}
	if c.ConfidenceFloor <= 0 {
		c.ConfidenceFloor = defaultConfidenceFloor
	}
	if c.ErrorStreakThreshold <= 0 {
		c.ErrorStreakThreshold = defaultErrorStreakThreshold
	}
	if c.CheckpointInterval <= 0 {
		c.CheckpointInterval = defaultCheckpointInterval
	}
	return c
}

// Loop executes one session's DAG sequentially.
type Loop struct {
	cfg        Config
	store      *session.Store
	recorder   Recorder
	checkpoint CheckpointFunc
	eventBus   *bus.Bus
	logger     *slog.Logger
	now        func() time.Time

	stopRequested atomic.Bool
}

func New(cfg Config, store *session.Store, recorder Recorder, checkpoint CheckpointFunc, eventBus *bus.Bus, logger *slog.Logger) *Loop {
	if logger == nil {
		logger = slog.Default()
	}
	if eventBus == nil {
		eventBus = bus.New()
	}
	return &Loop{
		cfg:        cfg.withDefaults(),
		store:      store,
		recorder:   recorder,
		checkpoint: checkpoint,
		eventBus:   eventBus,
		logger:     logger,
		now:        time.Now,
	}
}

// RequestStop asks the loop to stop at the next iteration boundary.
// An in-flight task is allowed to finish; it is not interrupted.
func (l *Loop) RequestStop() {
	l.stopRequested.Store(true)
}

// Run drives the session until a stop condition fires or every task is
// terminal. On exit the session carries the mapped terminal status and
// has been persisted.
func (l *Loop) Run(ctx context.Context, s *session.Session, d *dag.DAG, executor Executor) ExecutionResult {
	result := ExecutionResult{}
	start := l.now()
	lastCheckpoint := start

	if s.Status == session.StatusCreated || s.Status == session.StatusPaused {
		if err := s.Transition(session.StatusRunning, start); err != nil {
			result.StopReason = StopRequested
			result.Errors = append(result.Errors, err.Error())
			return result
		}
	}
	s.Progress.Total = d.Len()
	l.publishSession(s, "")
	l.persist(s, d)

	lowConfidenceRun := 0
	errorStreak := 0

	for {
		now := l.now()
		s.Heartbeat(now)
		l.persistSession(s)
		l.eventBus.Publish(bus.TopicSessionHeartbeat, bus.SessionEvent{SessionID: s.ID, Status: string(s.Status)})

		if l.stopRequested.Load() || ctx.Err() != nil {
			result.StopReason = StopRequested
			break
		}
		if reason := s.CheckStopConditions(now); reason != "" {
			result.StopReason = reason
			break
		}
		if lowConfidenceRun >= l.cfg.CollapseThreshold {
			result.StopReason = StopConfidenceCollapse
			break
		}
		if errorStreak >= l.cfg.ErrorStreakThreshold {
			result.StopReason = StopErrorThreshold
			break
		}

		task := d.NextReady()
		if task == nil {
			if d.AllDone() {
				result.StopReason = StopGoalComplete
			} else {
				result.StopReason = StopDeadlock
				result.TasksSkipped = d.Counts()[dag.StatusPending]
			}
			break
		}

		if err := d.MarkRunning(task.ID, now); err != nil {
			// Cannot happen for a task NextReady returned; treat it as
			// a task failure rather than crashing the loop.
			result.Errors = append(result.Errors, err.Error())
			errorStreak++
			continue
		}
		l.eventBus.Publish(bus.TopicTaskStarted, bus.TaskEvent{SessionID: s.ID, TaskID: task.ID, Status: string(dag.StatusRunning)})
		l.logger.Info("task started", "session_id", s.ID, "task_id", task.ID, "title", task.Title)

		taskRes := executor.Execute(ctx, task)
		finished := l.now()

		if taskRes.CostUSD > 0 {
			if err := s.AddCost(taskRes.CostUSD); err != nil {
				result.Errors = append(result.Errors, err.Error())
			}
		}

		if taskRes.Success {
			if err := d.MarkCompleted(task.ID, taskRes.Output, taskRes.Confidence, finished); err != nil {
				result.Errors = append(result.Errors, err.Error())
			}
			result.TasksCompleted++
			s.Progress.Completed++
			errorStreak = 0
			if taskRes.Confidence < l.cfg.ConfidenceFloor {
				lowConfidenceRun++
			} else {
				lowConfidenceRun = 0
			}
			l.eventBus.Publish(bus.TopicTaskCompleted, bus.TaskEvent{
				SessionID: s.ID, TaskID: task.ID, Status: string(dag.StatusCompleted), Confidence: taskRes.Confidence,
			})
		} else {
			if err := d.MarkFailed(task.ID, taskRes.Error, finished); err != nil {
				result.Errors = append(result.Errors, err.Error())
			}
			result.TasksFailed++
			s.Progress.Failed++
			result.Errors = append(result.Errors, task.ID+": "+taskRes.Error)
			errorStreak++
			lowConfidenceRun = 0
			l.eventBus.Publish(bus.TopicTaskFailed, bus.TaskEvent{
				SessionID: s.ID, TaskID: task.ID, Status: string(dag.StatusFailed), Error: taskRes.Error,
			})
		}
		l.report(ctx, s, task, taskRes, finished)

		if finished.Sub(lastCheckpoint) >= l.cfg.CheckpointInterval {
			l.takeCheckpoint(s, d, result.TasksCompleted)
			lastCheckpoint = finished
		}
		l.persist(s, d)
	}

	result.Elapsed = l.now().Sub(start)
	result.CostUSD = s.CostUSD
	l.finish(s, d, result)
	return result
}

// finish maps the stop reason onto a terminal session status and
// persists the outcome.
func (l *Loop) finish(s *session.Session, d *dag.DAG, result ExecutionResult) {
	now := l.now()
	var err error
	switch result.StopReason {
	case StopGoalComplete:
		err = s.Transition(session.StatusCompleted, now)
	case StopConfidenceCollapse, StopErrorThreshold, StopDeadlock:
		s.ErrorMessage = result.StopReason
		err = s.Transition(session.StatusFailed, now)
	default:
		// External stop request or a budget limit: the session pauses
		// and can be resumed once the operator intervenes.
		s.ErrorMessage = result.StopReason
		err = s.Transition(session.StatusPaused, now)
	}
	if err != nil {
		l.logger.Warn("terminal transition failed", "session_id", s.ID, "stop_reason", result.StopReason, "error", err)
	}
	l.publishSession(s, result.StopReason)
	l.logger.Info("session stopped",
		"session_id", s.ID,
		"status", string(s.Status),
		"stop_reason", result.StopReason,
		"tasks_completed", result.TasksCompleted,
		"tasks_failed", result.TasksFailed,
		"cost_usd", s.CostUSD)
	l.persist(s, d)
}

func (l *Loop) takeCheckpoint(s *session.Session, d *dag.DAG, taskIndex int) {
	if l.checkpoint == nil {
		return
	}
	if err := l.checkpoint(s, d.Tasks(), "interval checkpoint"); err != nil {
		l.logger.Warn("checkpoint failed", "session_id", s.ID, "error", err)
		return
	}
	s.CheckpointCount++
	s.LastCheckpointAt = l.now()
	l.eventBus.Publish(bus.TopicCheckpointCreated, bus.CheckpointEvent{SessionID: s.ID, TaskIndex: taskIndex})
}

// report sends the outcome to the learning store. Fire-and-forget.
func (l *Loop) report(ctx context.Context, s *session.Session, task *dag.Task, res TaskResult, finished time.Time) {
	if l.recorder == nil {
		return
	}
	minutes := 0.0
	if !task.StartedAt.IsZero() {
		minutes = finished.Sub(task.StartedAt).Minutes()
	}
	l.recorder.Record(ctx, learning.Outcome{
		SessionID:     s.ID,
		TaskID:        task.ID,
		ActionType:    task.ActionType,
		Success:       res.Success,
		Confidence:    res.Confidence,
		ActualMinutes: minutes,
		Error:         res.Error,
	})
}

func (l *Loop) publishSession(s *session.Session, reason string) {
	topic := bus.TopicSessionStarted
	if s.Status != session.StatusRunning {
		topic = bus.TopicSessionStopped
	}
	l.eventBus.Publish(topic, bus.SessionEvent{SessionID: s.ID, Status: string(s.Status), Reason: reason})
}

// persistSession flushes only session.json. Recovery reads the
// persisted last_heartbeat to tell a slow session from a crashed one,
// so the stamp must land on disk before the task runs, not after.
func (l *Loop) persistSession(s *session.Session) {
	if l.store == nil {
		return
	}
	if err := l.store.Save(s); err != nil {
		l.logger.Warn("persist heartbeat failed", "session_id", s.ID, "error", err)
	}
}

func (l *Loop) persist(s *session.Session, d *dag.DAG) {
	if l.store == nil {
		return
	}
	if err := l.store.Save(s); err != nil {
		l.logger.Warn("persist session failed", "session_id", s.ID, "error", err)
	}
	if err := l.store.SavePlan(s.ID, d.Tasks()); err != nil {
		l.logger.Warn("persist plan failed", "session_id", s.ID, "error", err)
	}
}
