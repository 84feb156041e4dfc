package mcp

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/firmforge/firmforge/internal/common/logger"
)

// AuditEntry is one authorization decision, persisted as a JSON line.
type AuditEntry struct {
	Timestamp string `json:"timestamp"`
	AgentID   string `json:"agent_id"`
	Action    string `json:"action"`
	Resource  string `json:"resource"`
	Allowed   bool   `json:"allowed"`
	Reason    string `json:"reason,omitempty"`
}

// AuditLog appends authorization decisions to a JSON-lines file.
// Append failures are logged and swallowed: governance decisions never
// fail because the trail could not be written.
type AuditLog struct {
	path   string
	mu     sync.Mutex
	logger *logger.Logger
}

// NewAuditLog creates an audit log at the given path, creating parent
// directories as needed.
func NewAuditLog(path string, log *logger.Logger) (*AuditLog, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	return &AuditLog{
		path:   path,
		logger: log.WithFields(zap.String("component", "mcp-audit")),
	}, nil
}

// Path returns the location of the audit file.
func (a *AuditLog) Path() string { return a.path }

// Append writes one entry. The timestamp is stamped here if unset.
func (a *AuditLog) Append(entry AuditEntry) {
	if entry.Timestamp == "" {
		entry.Timestamp = time.Now().UTC().Format(time.RFC3339)
	}

	line, err := json.Marshal(entry)
	if err != nil {
		a.logger.Error("failed to marshal audit entry", zap.Error(err))
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	f, err := os.OpenFile(a.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		a.logger.Error("failed to open audit log", zap.String("path", a.path), zap.Error(err))
		return
	}
	defer f.Close()

	if _, err := f.Write(append(line, '\n')); err != nil {
		a.logger.Error("failed to append audit entry", zap.String("path", a.path), zap.Error(err))
	}
}
