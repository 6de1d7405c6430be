// Package audit persists governance decisions to a JSONL file and,
// when a database is attached, the audit_log table. Secrets are
// redacted before anything touches disk.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/basket/aegis/internal/shared"
)

type entry struct {
	Timestamp     string `json:"timestamp"`
	Decision      string `json:"decision"`
	Action        string `json:"action"`
	Reason        string `json:"reason"`
	PolicyVersion string `json:"policy_version"`
	SessionID     string `json:"session_id,omitempty"`
}

// Trail writes governance decisions. Safe for concurrent use.
type Trail struct {
	mu        sync.Mutex
	file      *os.File
	db        *sql.DB
	denyCount atomic.Int64
}

// Open creates the trail's JSONL file under <homeDir>/logs/audit.jsonl.
func Open(homeDir string) (*Trail, error) {
	logDir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	f, err := os.OpenFile(filepath.Join(logDir, "audit.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open audit.jsonl: %w", err)
	}
	return &Trail{file: f}, nil
}

// SetDB attaches a database for audit_log table writes.
func (t *Trail) SetDB(db *sql.DB) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.db = db
}

func (t *Trail) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.file == nil {
		return nil
	}
	err := t.file.Close()
	t.file = nil
	return err
}

// DenyCount returns the total number of deny decisions since open.
func (t *Trail) DenyCount() int64 {
	return t.denyCount.Load()
}

// Record persists one decision. Redaction happens before any write.
func (t *Trail) Record(decision, action, reason, policyVersion, sessionID string) {
	if decision == "deny" {
		t.denyCount.Add(1)
	}

	reason = shared.Redact(reason)

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.file != nil {
		ev := entry{
			Timestamp:     time.Now().UTC().Format(time.RFC3339Nano),
			Decision:      decision,
			Action:        action,
			Reason:        reason,
			PolicyVersion: policyVersion,
			SessionID:     sessionID,
		}
		b, err := json.Marshal(ev)
		if err == nil {
			_, _ = t.file.Write(append(b, '\n'))
		}
	}

	if t.db != nil {
		_, _ = t.db.ExecContext(context.Background(), `
			INSERT INTO audit_log (session_id, event, detail, created_at)
			VALUES (?, ?, ?, ?);
		`, sessionID, action, fmt.Sprintf(`{"decision":%q,"reason":%q,"policy_version":%q}`, decision, reason, policyVersion), time.Now().UTC())
	}
}
