// Package recovery diagnoses interrupted sessions and enforces the
// retention policy over sessions and checkpoints.
package recovery

import (
	"fmt"
	"time"

	"github.com/basket/aegis/internal/session"
)

// Action is what the recovery manager recommends for one session.
type Action string

const (
	ActionResume   Action = "resume"
	ActionRollback Action = "rollback"
	ActionAbort    Action = "abort"
	ActionRetry    Action = "retry"
	ActionNone     Action = "none"
)

// Recommendation is a pure diagnostic result; nothing is persisted.
type Recommendation struct {
	Action       Action `json:"action"`
	Reason       string `json:"reason"`
	CheckpointID string `json:"checkpoint_id,omitempty"`
	RetryCount   int    `json:"retry_count,omitempty"`
}

// Stale heartbeat threshold separating "slow" from "crashed".
const DefaultStaleThreshold = 120 * time.Second

// Diagnoser inspects persisted sessions and recommends recovery actions.
type Diagnoser struct {
	staleThreshold time.Duration
	now            func() time.Time
}

func NewDiagnoser(staleThreshold time.Duration) *Diagnoser {
	if staleThreshold <= 0 {
		staleThreshold = DefaultStaleThreshold
	}
	return &Diagnoser{staleThreshold: staleThreshold, now: time.Now}
}

// Diagnose recommends an action for one session. A RUNNING session with
// a stale heartbeat crashed: resume from the latest checkpoint when one
// exists, abort when there is nothing to resume from.
func (d *Diagnoser) Diagnose(s *session.Session, latestCheckpointID string) Recommendation {
	now := d.now()

	switch s.Status {
	case session.StatusCompleted:
		return Recommendation{Action: ActionNone, Reason: "session completed"}
	case session.StatusFailed:
		if latestCheckpointID != "" {
			return Recommendation{
				Action:       ActionRollback,
				Reason:       fmt.Sprintf("session failed: %s", s.ErrorMessage),
				CheckpointID: latestCheckpointID,
			}
		}
		return Recommendation{Action: ActionRetry, Reason: "session failed with no checkpoint to roll back to", RetryCount: 1}
	case session.StatusPaused:
		return Recommendation{Action: ActionResume, Reason: "session paused by operator", CheckpointID: latestCheckpointID}
	case session.StatusCreated:
		return Recommendation{Action: ActionNone, Reason: "session never started"}
	}

	// RUNNING: the heartbeat decides.
	if !s.HeartbeatStale(now, d.staleThreshold) {
		return Recommendation{Action: ActionNone, Reason: "session is live"}
	}
	age := "never"
	if !s.LastHeartbeat.IsZero() {
		age = now.Sub(s.LastHeartbeat).Round(time.Second).String()
	}
	if s.CheckpointCount > 0 {
		return Recommendation{
			Action:       ActionResume,
			Reason:       fmt.Sprintf("heartbeat stale (%s), %d checkpoint(s) available", age, s.CheckpointCount),
			CheckpointID: latestCheckpointID,
		}
	}
	return Recommendation{
		Action: ActionAbort,
		Reason: fmt.Sprintf("heartbeat stale (%s) and no checkpoints exist", age),
	}
}
