// Package learning records task outcomes and gate decisions in SQLite
// so future sessions can consult past performance. Reporting is
// fire-and-forget: a learning failure is logged and never propagated
// into loop control flow.
package learning

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// Outcome is one recorded task execution.
type Outcome struct {
	ID            string    `json:"id"`
	SessionID     string    `json:"session_id"`
	TaskID        string    `json:"task_id"`
	ActionType    string    `json:"action_type"`
	Success       bool      `json:"success"`
	Confidence    float64   `json:"confidence"`
	ActualMinutes float64   `json:"actual_minutes"`
	Error         string    `json:"error,omitempty"`
	RecordedAt    time.Time `json:"recorded_at"`
}

// ActionStats aggregates outcomes per action type.
type ActionStats struct {
	ActionType    string  `json:"action_type"`
	Attempts      int     `json:"attempts"`
	Successes     int     `json:"successes"`
	SuccessRate   float64 `json:"success_rate"`
	AvgConfidence float64 `json:"avg_confidence"`
	AvgMinutes    float64 `json:"avg_minutes"`
}

const schema = `
CREATE TABLE IF NOT EXISTS task_outcomes (
	id TEXT PRIMARY KEY,
	session_id TEXT NOT NULL,
	task_id TEXT NOT NULL,
	action_type TEXT NOT NULL,
	success INTEGER NOT NULL,
	confidence REAL NOT NULL,
	actual_minutes REAL NOT NULL,
	error TEXT NOT NULL DEFAULT '',
	recorded_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_outcomes_action ON task_outcomes(action_type);
CREATE INDEX IF NOT EXISTS idx_outcomes_session ON task_outcomes(session_id);

CREATE TABLE IF NOT EXISTS audit_log (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id TEXT NOT NULL,
	event TEXT NOT NULL,
	detail TEXT NOT NULL DEFAULT '{}',
	created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_audit_session ON audit_log(session_id);
`

// Store wraps the learning database.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

func Open(path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}
	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.ExecContext(context.Background(), "PRAGMA journal_mode=WAL;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set wal: %w", err)
	}
	if _, err := db.ExecContext(context.Background(), schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return &Store{db: db, logger: logger}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the underlying handle for collaborators that share the
// database, such as the audit trail.
func (s *Store) DB() *sql.DB { return s.db }

// Record inserts one outcome. Errors are swallowed after logging so
// callers can report without branching on the result.
func (s *Store) Record(ctx context.Context, o Outcome) {
	if o.ID == "" {
		o.ID = uuid.NewString()
	}
	if o.RecordedAt.IsZero() {
		o.RecordedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO task_outcomes (id, session_id, task_id, action_type, success, confidence, actual_minutes, error, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		o.ID, o.SessionID, o.TaskID, o.ActionType, boolToInt(o.Success), o.Confidence, o.ActualMinutes, o.Error, o.RecordedAt)
	if err != nil {
		s.logger.Warn("record outcome failed", "task_id", o.TaskID, "error", err)
	}
}

// Audit appends one structured audit event. detail is marshalled to
// JSON; failures are logged and swallowed.
func (s *Store) Audit(ctx context.Context, sessionID, event string, detail map[string]any) {
	payload := "{}"
	if len(detail) > 0 {
		if data, err := json.Marshal(detail); err == nil {
			payload = string(data)
		}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_log (session_id, event, detail, created_at)
		VALUES (?, ?, ?, ?)`,
		sessionID, event, payload, time.Now().UTC())
	if err != nil {
		s.logger.Warn("audit insert failed", "event", event, "error", err)
	}
}

// StatsFor aggregates outcomes for one action type.
func (s *Store) StatsFor(ctx context.Context, actionType string) (ActionStats, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(success), 0), COALESCE(AVG(confidence), 0), COALESCE(AVG(actual_minutes), 0)
		FROM task_outcomes WHERE action_type = ?`, actionType)

	stats := ActionStats{ActionType: actionType}
	if err := row.Scan(&stats.Attempts, &stats.Successes, &stats.AvgConfidence, &stats.AvgMinutes); err != nil {
		return ActionStats{}, fmt.Errorf("aggregate outcomes: %w", err)
	}
	if stats.Attempts > 0 {
		stats.SuccessRate = float64(stats.Successes) / float64(stats.Attempts)
	}
	return stats, nil
}

// SessionOutcomes returns every outcome recorded for a session, oldest
// first.
func (s *Store) SessionOutcomes(ctx context.Context, sessionID string) ([]Outcome, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, task_id, action_type, success, confidence, actual_minutes, error, recorded_at
		FROM task_outcomes WHERE session_id = ? ORDER BY recorded_at`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query outcomes: %w", err)
	}
	defer rows.Close()

	var out []Outcome
	for rows.Next() {
		var o Outcome
		var success int
		if err := rows.Scan(&o.ID, &o.SessionID, &o.TaskID, &o.ActionType, &success, &o.Confidence, &o.ActualMinutes, &o.Error, &o.RecordedAt); err != nil {
			return nil, fmt.Errorf("scan outcome: %w", err)
		}
		o.Success = success != 0
		out = append(out, o)
	}
	return out, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
