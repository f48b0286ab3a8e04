// Package audit writes an append-only record of every effect authorization
// decision: who decided (user or policy), what was requested, and under
// which rule set. Records go to a JSONL file and, when a database is
// attached, to the audit_log table as well.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coworkany/deskcore/internal/shared"
)

// Source identifies who made a decision.
const (
	SourceUser   = "user"
	SourcePolicy = "policy"
)

type entry struct {
	Timestamp     string `json:"timestamp"`
	TaskID        string `json:"task_id"`
	RequestID     string `json:"request_id"`
	EffectType    string `json:"effect_type"`
	Risk          int    `json:"risk"`
	Decision      string `json:"decision"`
	Source        string `json:"source"`
	Reason        string `json:"reason,omitempty"`
	PolicyVersion string `json:"policy_version"`
}

var (
	mu        sync.Mutex
	file      *os.File
	db        *sql.DB
	denyCount atomic.Int64
)

// Init opens the JSONL audit log under dataDir/logs. Calling Init twice is a
// no-op.
func Init(dataDir string) error {
	mu.Lock()
	defer mu.Unlock()
	if file != nil {
		return nil
	}
	logDir := filepath.Join(dataDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(filepath.Join(logDir, "audit.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	file = f
	return nil
}

// SetDB attaches a database so records also land in the audit_log table.
func SetDB(d *sql.DB) {
	mu.Lock()
	defer mu.Unlock()
	db = d
}

// Close closes the JSONL file. Safe to call when Init never ran.
func Close() error {
	mu.Lock()
	defer mu.Unlock()
	if file == nil {
		return nil
	}
	err := file.Close()
	file = nil
	return err
}

// DenyCount returns the total number of deny decisions since startup.
func DenyCount() int64 {
	return denyCount.Load()
}

// Decision describes one resolved effect authorization.
type Decision struct {
	TaskID        string
	RequestID     string
	EffectType    string
	Risk          int
	Approved      bool
	Source        string
	Reason        string
	PolicyVersion string
}

// Record persists one decision. Reasons are redacted before they hit disk so
// a prompt that quoted a credential never lands in the log. Errors writing
// the audit trail are swallowed; auditing must never block a decision.
func Record(d Decision) {
	decision := "allow"
	if !d.Approved {
		decision = "deny"
		denyCount.Add(1)
	}

	reason := shared.Redact(d.Reason)

	mu.Lock()
	defer mu.Unlock()

	if file != nil {
		e := entry{
			Timestamp:     time.Now().UTC().Format(time.RFC3339Nano),
			TaskID:        d.TaskID,
			RequestID:     d.RequestID,
			EffectType:    d.EffectType,
			Risk:          d.Risk,
			Decision:      decision,
			Source:        d.Source,
			Reason:        reason,
			PolicyVersion: d.PolicyVersion,
		}
		b, err := json.Marshal(e)
		if err == nil {
			_, _ = file.Write(append(b, '\n'))
		}
	}

	if db != nil {
		_, _ = db.ExecContext(context.Background(), `
			INSERT INTO audit_log (task_id, request_id, effect_type, risk, decision, source, reason, policy_version)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?);
		`, d.TaskID, d.RequestID, d.EffectType, d.Risk, decision, d.Source, reason, d.PolicyVersion)
	}
}
