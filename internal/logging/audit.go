package logging

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"
)

// AuditEventType represents the type of audit event.
type AuditEventType string

// Audit event types.
const (
	AuditEventSessionStart        AuditEventType = "session_start"
	AuditEventSessionEnd          AuditEventType = "session_end"
	AuditEventViolation           AuditEventType = "violation"
	AuditEventEnforcementLost     AuditEventType = "enforcement_lost"
	AuditEventEnforcementRestored AuditEventType = "enforcement_restored"
	AuditEventReportArchived      AuditEventType = "report_archived"
	AuditEventReportDeleted       AuditEventType = "report_deleted"
	AuditEventConfigChange        AuditEventType = "config_change"
)

// AuditEvent is one line of the audit trail.
type AuditEvent struct {
	Timestamp time.Time              `json:"timestamp"`
	EventType AuditEventType         `json:"event_type"`
	Component string                 `json:"component"`
	SessionID string                 `json:"session_id,omitempty"`
	Action    string                 `json:"action"`
	Resource  string                 `json:"resource,omitempty"`
	Result    string                 `json:"result"` // "success", "failure"
	Details   map[string]interface{} `json:"details,omitempty"`
	Error     string                 `json:"error,omitempty"`
}

// AuditLogger appends JSON audit events, one per line.
type AuditLogger struct {
	component string
	w         io.Writer
	closer    io.Closer
	mu        sync.Mutex
	now       func() time.Time
}

// NewAuditLogger writes the audit trail to a rotated file at path.
func NewAuditLogger(path string, maxSizeMB int64, maxBackups int) (*AuditLogger, error) {
	rotator, err := NewFileRotator(path, maxSizeMB, maxBackups)
	if err != nil {
		return nil, fmt.Errorf("create audit rotator: %w", err)
	}
	a := NewAuditLoggerWithWriter(rotator)
	a.closer = rotator
	return a, nil
}

// NewAuditLoggerWithWriter writes the audit trail to w.
func NewAuditLoggerWithWriter(w io.Writer) *AuditLogger {
	return &AuditLogger{
		component: "examguard",
		w:         w,
		now:       time.Now,
	}
}

// Log writes an audit event.
func (a *AuditLogger) Log(ctx context.Context, event AuditEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	if event.Timestamp.IsZero() {
		event.Timestamp = a.now().UTC()
	}
	if event.Component == "" {
		event.Component = a.component
	}
	if event.Result == "" {
		event.Result = "success"
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal audit event: %w", err)
	}
	data = append(data, '\n')
	if _, err := a.w.Write(data); err != nil {
		return fmt.Errorf("write audit event: %w", err)
	}
	return nil
}

// LogSessionStart records the start of an exam session.
func (a *AuditLogger) LogSessionStart(ctx context.Context, sessionID string, details map[string]interface{}) error {
	return a.Log(ctx, AuditEvent{
		EventType: AuditEventSessionStart,
		Action:    "session_started",
		SessionID: sessionID,
		Details:   details,
	})
}

// LogSessionEnd records the end of an exam session.
func (a *AuditLogger) LogSessionEnd(ctx context.Context, sessionID string, details map[string]interface{}) error {
	return a.Log(ctx, AuditEvent{
		EventType: AuditEventSessionEnd,
		Action:    "session_ended",
		SessionID: sessionID,
		Details:   details,
	})
}

// LogViolation records one violation.
func (a *AuditLogger) LogViolation(ctx context.Context, sessionID, kind, severity, message string) error {
	return a.Log(ctx, AuditEvent{
		EventType: AuditEventViolation,
		Action:    kind,
		SessionID: sessionID,
		Details: map[string]interface{}{
			"severity": severity,
			"message":  message,
		},
	})
}

// LogEnforcement records pinning being lost or restored.
func (a *AuditLogger) LogEnforcement(ctx context.Context, sessionID string, restored bool) error {
	event := AuditEvent{
		EventType: AuditEventEnforcementLost,
		Action:    "pin_lost",
		Result:    "failure",
		SessionID: sessionID,
	}
	if restored {
		event.EventType = AuditEventEnforcementRestored
		event.Action = "pin_restored"
		event.Result = "success"
	}
	return a.Log(ctx, event)
}

// LogReportArchived records a sealed report being written to the archive.
func (a *AuditLogger) LogReportArchived(ctx context.Context, sessionID, rowHash string) error {
	return a.Log(ctx, AuditEvent{
		EventType: AuditEventReportArchived,
		Action:    "report_archived",
		SessionID: sessionID,
		Resource:  rowHash,
	})
}

// LogReportDeleted records the host discarding an archived report body.
func (a *AuditLogger) LogReportDeleted(ctx context.Context, sessionID string) error {
	return a.Log(ctx, AuditEvent{
		EventType: AuditEventReportDeleted,
		Action:    "report_deleted",
		SessionID: sessionID,
	})
}

// LogConfigChange records a configuration change.
func (a *AuditLogger) LogConfigChange(ctx context.Context, setting, oldValue, newValue string) error {
	return a.Log(ctx, AuditEvent{
		EventType: AuditEventConfigChange,
		Action:    "config_changed",
		Resource:  setting,
		Details: map[string]interface{}{
			"old_value": oldValue,
			"new_value": newValue,
		},
	})
}

// Close closes the audit file, if any.
func (a *AuditLogger) Close() error {
	if a.closer != nil {
		return a.closer.Close()
	}
	return nil
}
