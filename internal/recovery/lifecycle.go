package recovery

import (
	"context"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/basket/aegis/internal/checkpoint"
	"github.com/basket/aegis/internal/session"
)

// RetentionPolicy controls lifecycle sweeps. Zero values take the
// defaults below.
type RetentionPolicy struct {
	// Sessions in a terminal status older than this are deleted wholesale.
	SessionTTL time.Duration
	// Checkpoints beyond this per-session cap are pruned oldest-first.
	MaxCheckpointsPerSession int
	// Checkpoints older than this are pruned regardless of count.
	CheckpointTTL time.Duration
	// Cron schedule for the sweep, 5-field format.
	Schedule string
}

const (
	defaultSessionTTL    = 7 * 24 * time.Hour
	defaultCheckpointCap = 3
	defaultCheckpointTTL = 48 * time.Hour
	defaultSweepSchedule = "0 * * * *"
)

func (p RetentionPolicy) withDefaults() RetentionPolicy {
	if p.SessionTTL <= 0 {
		p.SessionTTL = defaultSessionTTL
	}
	if p.MaxCheckpointsPerSession <= 0 {
		p.MaxCheckpointsPerSession = defaultCheckpointCap
	}
	if p.CheckpointTTL <= 0 {
		p.CheckpointTTL = defaultCheckpointTTL
	}
	if p.Schedule == "" {
		p.Schedule = defaultSweepSchedule
	}
	return p
}

var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// Lifecycle runs retention sweeps on a cron schedule.
type Lifecycle struct {
	store       *session.Store
	checkpoints *checkpoint.Manager
	policy      RetentionPolicy
	logger      *slog.Logger
	now         func() time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewLifecycle(store *session.Store, checkpoints *checkpoint.Manager, policy RetentionPolicy, logger *slog.Logger) *Lifecycle {
	if logger == nil {
		logger = slog.Default()
	}
	return &Lifecycle{
		store:       store,
		checkpoints: checkpoints,
		policy:      policy.withDefaults(),
		logger:      logger,
		now:         time.Now,
	}
}

// Start schedules sweeps in a background goroutine until ctx is done.
func (l *Lifecycle) Start(ctx context.Context) error {
	schedule, err := cronParser.Parse(l.policy.Schedule)
	if err != nil {
		return err
	}
	ctx, l.cancel = context.WithCancel(ctx)
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		for {
			next := schedule.Next(l.now())
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Until(next)):
				l.Sweep()
			}
		}
	}()
	l.logger.Info("lifecycle sweeps scheduled", "schedule", l.policy.Schedule)
	return nil
}

// Stop cancels the sweep goroutine and waits for it.
func (l *Lifecycle) Stop() {
	if l.cancel != nil {
		l.cancel()
	}
	l.wg.Wait()
}

// Sweep applies the retention policy once: expired terminal sessions
// are deleted with their checkpoints, then surviving sessions have
// their checkpoints pruned by count cap and TTL.
func (l *Lifecycle) Sweep() {
	now := l.now()
	sessions, err := l.store.List()
	if err != nil {
		l.logger.Warn("retention sweep skipped", "error", err)
		return
	}
	for _, s := range sessions {
		if s.Status.Terminal() && !s.FinishedAt.IsZero() && now.Sub(s.FinishedAt) > l.policy.SessionTTL {
			l.logger.Info("deleting expired session", "session_id", s.ID, "status", string(s.Status))
			if err := l.checkpoints.DeleteSession(s.ID); err != nil {
				l.logger.Warn("delete session checkpoints failed", "session_id", s.ID, "error", err)
			}
			if err := l.store.Delete(s.ID); err != nil {
				l.logger.Warn("delete session failed", "session_id", s.ID, "error", err)
			}
			continue
		}
		l.pruneCheckpoints(s.ID, now)
	}
}

func (l *Lifecycle) pruneCheckpoints(sessionID string, now time.Time) {
	infos, err := l.checkpoints.List(sessionID)
	if err != nil {
		l.logger.Warn("list checkpoints failed", "session_id", sessionID, "error", err)
		return
	}

	// Count cap first, oldest first. List returns creation order.
	excess := len(infos) - l.policy.MaxCheckpointsPerSession
	for i := 0; i < excess; i++ {
		l.deleteCheckpoint(sessionID, infos[i].CheckpointID, "over per-session cap")
	}
	if excess > 0 {
		infos = infos[excess:]
	}

	for _, info := range infos {
		if now.Sub(info.CreatedAt) > l.policy.CheckpointTTL {
			l.deleteCheckpoint(sessionID, info.CheckpointID, "past ttl")
		}
	}
}

func (l *Lifecycle) deleteCheckpoint(sessionID, checkpointID, why string) {
	if err := l.checkpoints.Delete(sessionID, checkpointID); err != nil {
		l.logger.Warn("prune checkpoint failed", "session_id", sessionID, "checkpoint_id", checkpointID, "error", err)
		return
	}
	l.logger.Info("pruned checkpoint", "session_id", sessionID, "checkpoint_id", checkpointID, "reason", why)
}
