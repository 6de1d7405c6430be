// Package dag models a session's plan as a dependency graph of tasks.
// A task is ready when all of its dependencies have completed; the
// graph is validated acyclic at build time so the execution loop never
// has to detect cycles at runtime.
package dag

import (
	"errors"
	"fmt"
	"time"
)

// TaskStatus tracks a task through its lifetime.
type TaskStatus string

const (
	StatusPending   TaskStatus = "PENDING"
	StatusRunning   TaskStatus = "RUNNING"
	StatusCompleted TaskStatus = "COMPLETED"
	StatusFailed    TaskStatus = "FAILED"
)

var taskTransitions = map[TaskStatus][]TaskStatus{
	StatusPending: {StatusRunning},
	StatusRunning: {StatusCompleted, StatusFailed},
}

// Task is one unit of work in the plan.
type Task struct {
	ID            string     `json:"id"`
	Title         string     `json:"title"`
	ActionType    string     `json:"action_type"`
	Command       string     `json:"command,omitempty"`
	Dependencies  []string   `json:"dependencies,omitempty"`
	Status        TaskStatus `json:"status"`
	Confidence    float64    `json:"confidence,omitempty"`
	Output        string     `json:"output,omitempty"`
	Error         string     `json:"error,omitempty"`
	ActualMinutes float64    `json:"actual_minutes,omitempty"`
	StartedAt     time.Time  `json:"started_at,omitempty"`
	FinishedAt    time.Time  `json:"finished_at,omitempty"`
}

var (
	ErrTaskNotFound    = errors.New("task not found")
	ErrDuplicateTask   = errors.New("duplicate task id")
	ErrCycle           = errors.New("cycle detected in task dependencies")
	ErrBadTransition   = errors.New("invalid task status transition")
	ErrUnmetDependency = errors.New("task has an unmet dependency")
)

// DAG owns all tasks of one plan. It is not goroutine-safe; the
// execution loop is its single writer.
type DAG struct {
	tasks map[string]*Task
	order []string
}

// New builds a DAG from tasks, validating ids, dependency references
// and acyclicity. Insertion order is preserved for ready-task selection
// so plans execute in the author's order when dependencies allow.
func New(tasks []Task) (*DAG, error) {
	d := &DAG{tasks: make(map[string]*Task, len(tasks))}
	for i := range tasks {
		t := tasks[i]
		if t.ID == "" {
			return nil, fmt.Errorf("task %d: empty id", i)
		}
		if _, exists := d.tasks[t.ID]; exists {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateTask, t.ID)
		}
		if t.Status == "" {
			t.Status = StatusPending
		}
		d.tasks[t.ID] = &t
		d.order = append(d.order, t.ID)
	}
	for _, id := range d.order {
		for _, dep := range d.tasks[id].Dependencies {
			if _, exists := d.tasks[dep]; !exists {
				return nil, fmt.Errorf("task %s depends on nonexistent task %s", id, dep)
			}
		}
	}
	if err := d.checkAcyclic(); err != nil {
		return nil, err
	}
	return d, nil
}

// checkAcyclic runs Kahn's algorithm over the task ids. Any remainder
// after the frontier empties is a cycle.
func (d *DAG) checkAcyclic() error {
	processed := make(map[string]bool)
	for len(processed) < len(d.order) {
		progressed := false
		for _, id := range d.order {
			if processed[id] {
				continue
			}
			ok := true
			for _, dep := range d.tasks[id].Dependencies {
				if !processed[dep] {
					ok = false
					break
				}
			}
			if ok {
				processed[id] = true
				progressed = true
			}
		}
		if !progressed {
			return ErrCycle
		}
	}
	return nil
}

// Get returns the task with the given id.
func (d *DAG) Get(id string) (*Task, error) {
	t, ok := d.tasks[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	return t, nil
}

// NextReady returns the first task, in insertion order, whose status is
// PENDING and whose dependencies are all COMPLETED. Returns nil when no
// task is ready.
func (d *DAG) NextReady() *Task {
	for _, id := range d.order {
		t := d.tasks[id]
		if t.Status != StatusPending {
			continue
		}
		if d.depsCompleted(t) {
			return t
		}
	}
	return nil
}

func (d *DAG) depsCompleted(t *Task) bool {
	for _, dep := range t.Dependencies {
		if d.tasks[dep].Status != StatusCompleted {
			return false
		}
	}
	return true
}

// MarkRunning transitions a task to RUNNING. It refuses the transition
// when any dependency has not completed, regardless of caller intent.
func (d *DAG) MarkRunning(id string, now time.Time) error {
	t, err := d.Get(id)
	if err != nil {
		return err
	}
	if !d.depsCompleted(t) {
		return fmt.Errorf("%w: %s", ErrUnmetDependency, id)
	}
	if err := checkTransition(t.Status, StatusRunning); err != nil {
		return fmt.Errorf("task %s: %w", id, err)
	}
	t.Status = StatusRunning
	t.StartedAt = now
	return nil
}

// MarkCompleted finishes a task with its output and confidence score.
func (d *DAG) MarkCompleted(id string, output string, confidence float64, now time.Time) error {
	t, err := d.Get(id)
	if err != nil {
		return err
	}
	if err := checkTransition(t.Status, StatusCompleted); err != nil {
		return fmt.Errorf("task %s: %w", id, err)
	}
	t.Status = StatusCompleted
	t.Output = output
	t.Confidence = confidence
	t.FinishedAt = now
	if !t.StartedAt.IsZero() {
		t.ActualMinutes = now.Sub(t.StartedAt).Minutes()
	}
	return nil
}

// MarkFailed finishes a task with its error.
func (d *DAG) MarkFailed(id string, taskErr string, now time.Time) error {
	t, err := d.Get(id)
	if err != nil {
		return err
	}
	if err := checkTransition(t.Status, StatusFailed); err != nil {
		return fmt.Errorf("task %s: %w", id, err)
	}
	t.Status = StatusFailed
	t.Error = taskErr
	t.FinishedAt = now
	if !t.StartedAt.IsZero() {
		t.ActualMinutes = now.Sub(t.StartedAt).Minutes()
	}
	return nil
}

func checkTransition(from, to TaskStatus) error {
	for _, allowed := range taskTransitions[from] {
		if allowed == to {
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrBadTransition, from, to)
}

// Tasks returns all tasks in insertion order. The slice is a snapshot;
// the task values are copies.
func (d *DAG) Tasks() []Task {
	out := make([]Task, 0, len(d.order))
	for _, id := range d.order {
		out = append(out, *d.tasks[id])
	}
	return out
}

// Len returns the number of tasks.
func (d *DAG) Len() int { return len(d.order) }

// Counts returns how many tasks are in each status.
func (d *DAG) Counts() map[TaskStatus]int {
	counts := make(map[TaskStatus]int)
	for _, t := range d.tasks {
		counts[t.Status]++
	}
	return counts
}

// AllDone reports whether every task is in a terminal status.
func (d *DAG) AllDone() bool {
	for _, t := range d.tasks {
		if t.Status == StatusPending || t.Status == StatusRunning {
			return false
		}
	}
	return true
}

// Deadlocked reports whether pending tasks remain but none can ever
// become ready because a dependency has failed.
func (d *DAG) Deadlocked() bool {
	pending := 0
	for _, id := range d.order {
		t := d.tasks[id]
		if t.Status == StatusPending {
			pending++
		}
		if t.Status == StatusRunning {
			return false
		}
	}
	return pending > 0 && d.NextReady() == nil
}
