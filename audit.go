package conveyor

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"sync"
	"time"
)

// Audit actions recorded by the engine.
const (
	AuditJobPaused       = "job.paused"
	AuditJobResumed      = "job.resumed"
	AuditJobReplayed     = "job.replayed"
	AuditJobCancelled    = "job.cancelled"
	AuditEventCreated    = "event.created"
	AuditEventDangling   = "event.dangling"
	AuditWebhookIssued   = "webhook.token_issued"
	AuditWebhookReceived = "webhook.received"
)

// AuditEntry is one record written to the audit sink.
type AuditEntry struct {
	Action     string         `json:"action"`
	WorkflowID string         `json:"workflow_id,omitempty"`
	JobID      string         `json:"job_id,omitempty"`
	Subject    string         `json:"subject,omitempty"`
	Detail     map[string]any `json:"detail,omitempty"`
	At         time.Time      `json:"at"`
}

// AuditLogger is the write-only audit sink consumed by the runtime, the
// reconciler, and the webhook gateway. Implementations must be safe for
// concurrent use.
type AuditLogger interface {
	LogAudit(ctx context.Context, entry *AuditEntry) error
}

// SlogAuditLogger writes audit entries to a slog logger.
type SlogAuditLogger struct {
	logger *slog.Logger
}

// NewSlogAuditLogger creates an audit sink backed by the given logger.
func NewSlogAuditLogger(logger *slog.Logger) *SlogAuditLogger {
	return &SlogAuditLogger{logger: logger}
}

// LogAudit implements AuditLogger.
func (l *SlogAuditLogger) LogAudit(ctx context.Context, entry *AuditEntry) error {
	l.logger.InfoContext(ctx, "audit",
		"action", entry.Action,
		"workflow_id", entry.WorkflowID,
		"job_id", entry.JobID,
		"subject", entry.Subject,
		"detail", entry.Detail)
	return nil
}

// FileAuditLogger appends audit entries to a file as JSON lines.
type FileAuditLogger struct {
	mu   sync.Mutex
	path string
}

// NewFileAuditLogger creates a file-backed audit sink.
func NewFileAuditLogger(path string) *FileAuditLogger {
	return &FileAuditLogger{path: path}
}

// LogAudit implements AuditLogger.
func (l *FileAuditLogger) LogAudit(ctx context.Context, entry *AuditEntry) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	defer f.Close()

	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	_, err = f.Write(append(data, '\n'))
	return err
}

// NullAuditLogger discards all entries.
type NullAuditLogger struct{}

// NewNullAuditLogger creates an audit sink that discards everything.
func NewNullAuditLogger() *NullAuditLogger {
	return &NullAuditLogger{}
}

// LogAudit implements AuditLogger.
func (l *NullAuditLogger) LogAudit(ctx context.Context, entry *AuditEntry) error {
	return nil
}

func newAuditEntry(action string) *AuditEntry {
	return &AuditEntry{Action: action, At: time.Now().UTC()}
}
