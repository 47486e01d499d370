// Package audit writes an append-only JSONL trail of scheduling decisions
// (dispatch, cancel, terminal status) for a run loop, independent of the
// structured slog stream so operators can replay exactly what happened to a
// task without parsing general log output.
package audit

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/basket/taskcore/internal/shared"
)

type entry struct {
	Timestamp     string `json:"timestamp"`
	Decision      string `json:"decision"`
	TaskID        string `json:"task_id"`
	TaskType      string `json:"task_type"`
	CorrelationID string `json:"correlation_id,omitempty"`
	Reason        string `json:"reason,omitempty"`
}

var (
	mu         sync.Mutex
	file       *os.File
	denyCount  atomic.Int64 // failed/cancelled decisions
)

// Init opens (creating if needed) logs/audit.jsonl under homeDir for append.
func Init(homeDir string) error {
	mu.Lock()
	defer mu.Unlock()
	if file != nil {
		return nil
	}
	logDir := filepath.Join(homeDir, "logs")
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

// Close closes the underlying audit file. Safe to call when not initialized.
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

// DenyCount returns the number of "failed" or "cancelled" decisions recorded
// since startup.
func DenyCount() int64 {
	return denyCount.Load()
}

// Record appends one audit entry. decision is one of "dispatched",
// "completed", "failed", "cancelled". reason carries the task's error string
// for failed/cancelled decisions; it is redacted before persistence.
func Record(decision, taskID, taskType, correlationID, reason string) {
	if decision == "failed" || decision == "cancelled" {
		denyCount.Add(1)
	}
	reason = shared.Redact(reason)

	mu.Lock()
	defer mu.Unlock()
	if file == nil {
		return
	}
	ev := entry{
		Timestamp:     time.Now().UTC().Format(time.RFC3339Nano),
		Decision:      decision,
		TaskID:        taskID,
		TaskType:      taskType,
		CorrelationID: correlationID,
		Reason:        reason,
	}
	b, err := json.Marshal(ev)
	if err == nil {
		_, _ = file.Write(append(b, '\n'))
	}
}
