// Package session holds the supervised session state machine and its
// on-disk persistence. A session is owned by one execution loop while
// running; recovery and dashboard collaborators only read it.
package session

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Status is a session's lifecycle state.
type Status string

const (
	StatusCreated   Status = "CREATED"
	StatusRunning   Status = "RUNNING"
	StatusPaused    Status = "PAUSED"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
)

// Transitions are one-directional except RUNNING and PAUSED, which may
// alternate. A session reaches a terminal state only after it has run;
// creation-time errors surface to the caller before the session is
// saved, so CREATED has no edge to FAILED.
var allowedTransitions = map[Status]map[Status]struct{}{
	StatusCreated: {
		StatusRunning: {},
	},
	StatusRunning: {
		StatusPaused:    {},
		StatusCompleted: {},
		StatusFailed:    {},
	},
	StatusPaused: {
		StatusRunning:   {},
		StatusCompleted: {},
		StatusFailed:    {},
	},
}

// Terminal reports whether no further transitions are allowed.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

var (
	ErrBadTransition = errors.New("invalid session status transition")
	ErrCostDecrease  = errors.New("session cost cannot decrease")
)

// Progress summarizes task completion for dashboards.
type Progress struct {
	Total     int `json:"total"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}

// Session is the persistent record of one supervised run.
type Session struct {
	ID               string    `json:"id"`
	RoleName         string    `json:"role_name"`
	Goal             string    `json:"goal"`
	Status           Status    `json:"status"`
	CostUSD          float64   `json:"cost_usd"`
	MaxCostUSD       float64   `json:"max_cost_usd"`
	MaxDurationHours float64   `json:"max_duration_hours"`
	CheckpointCount  int       `json:"checkpoint_count"`
	LastCheckpointAt time.Time `json:"last_checkpoint_at,omitempty"`
	LastHeartbeat    time.Time `json:"last_heartbeat,omitempty"`
	ErrorMessage     string    `json:"error_message,omitempty"`
	Progress         Progress  `json:"progress"`
	CreatedAt        time.Time `json:"created_at"`
	StartedAt        time.Time `json:"started_at,omitempty"`
	FinishedAt       time.Time `json:"finished_at,omitempty"`
}

const (
	defaultMaxCostUSD       = 10.0
	defaultMaxDurationHours = 4.0
)

// New creates a session in CREATED with budget defaults applied where
// the caller left them zero.
func New(roleName, goal string, maxCostUSD, maxDurationHours float64) *Session {
	if maxCostUSD <= 0 {
		maxCostUSD = defaultMaxCostUSD
	}
	if maxDurationHours <= 0 {
		maxDurationHours = defaultMaxDurationHours
	}
	return &Session{
		ID:               uuid.NewString(),
		RoleName:         roleName,
		Goal:             goal,
		Status:           StatusCreated,
		MaxCostUSD:       maxCostUSD,
		MaxDurationHours: maxDurationHours,
		CreatedAt:        time.Now().UTC(),
	}
}

// Transition moves the session to next, enforcing the state machine.
func (s *Session) Transition(next Status, now time.Time) error {
	allowed, ok := allowedTransitions[s.Status]
	if ok {
		_, ok = allowed[next]
	}
	if !ok {
		return fmt.Errorf("%w: %s -> %s", ErrBadTransition, s.Status, next)
	}
	if s.Status == StatusCreated && next == StatusRunning {
		s.StartedAt = now
	}
	if next.Terminal() {
		s.FinishedAt = now
	}
	s.Status = next
	return nil
}

// Heartbeat stamps last_heartbeat. It is the only liveness signal the
// recovery manager has, so the loop calls it every iteration.
func (s *Session) Heartbeat(now time.Time) {
	s.LastHeartbeat = now
}

// AddCost accumulates spend. Cost is monotonic non-decreasing.
func (s *Session) AddCost(delta float64) error {
	if delta < 0 {
		return ErrCostDecrease
	}
	s.CostUSD += delta
	return nil
}

// Elapsed returns wall-clock time since the session started running.
func (s *Session) Elapsed(now time.Time) time.Duration {
	if s.StartedAt.IsZero() {
		return 0
	}
	return now.Sub(s.StartedAt)
}

// CheckStopConditions returns a non-empty reason when the cost or
// duration budget is met or exceeded. The loop checks this every
// iteration so a session cannot overspend by more than one task.
func (s *Session) CheckStopConditions(now time.Time) string {
	if s.CostUSD >= s.MaxCostUSD {
		return fmt.Sprintf("cost limit reached: $%.2f >= $%.2f", s.CostUSD, s.MaxCostUSD)
	}
	maxDur := time.Duration(s.MaxDurationHours * float64(time.Hour))
	if elapsed := s.Elapsed(now); elapsed >= maxDur {
		return fmt.Sprintf("duration limit reached: %s >= %s", elapsed.Round(time.Second), maxDur)
	}
	return ""
}

// HeartbeatStale reports whether the last heartbeat is older than
// threshold. A session that never heartbeat is stale.
func (s *Session) HeartbeatStale(now time.Time, threshold time.Duration) bool {
	if s.LastHeartbeat.IsZero() {
		return true
	}
	return now.Sub(s.LastHeartbeat) > threshold
}
