package sentinel

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Severity ranks a recorded violation for downstream triage.
type Severity int

const (
	// SeverityInfo records evidence that is expected during normal use.
	SeverityInfo Severity = iota
	// SeverityWarning records a likely attempt to leave the exam surface.
	SeverityWarning
	// SeverityCritical records lost enforcement or a platform failure.
	SeverityCritical
)

// String returns the canonical upper-case name of the severity.
func (s Severity) String() string {
	switch s {
	case SeverityInfo:
		return "INFO"
	case SeverityWarning:
		return "WARNING"
	case SeverityCritical:
		return "CRITICAL"
	default:
		return fmt.Sprintf("Severity(%d)", int(s))
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s Severity) MarshalText() ([]byte, error) {
	switch s {
	case SeverityInfo, SeverityWarning, SeverityCritical:
		return []byte(s.String()), nil
	}
	return nil, fmt.Errorf("sentinel: invalid severity %d", int(s))
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Severity) UnmarshalText(text []byte) error {
	v, err := ParseSeverity(string(text))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// ParseSeverity parses INFO, WARNING or CRITICAL (case-insensitive).
func ParseSeverity(v string) (Severity, error) {
	switch strings.ToUpper(strings.TrimSpace(v)) {
	case "INFO":
		return SeverityInfo, nil
	case "WARNING", "WARN":
		return SeverityWarning, nil
	case "CRITICAL":
		return SeverityCritical, nil
	}
	return SeverityInfo, fmt.Errorf("sentinel: unknown severity %q", v)
}

// ViolationKind tags what produced a violation.
type ViolationKind string

const (
	KindPinLost              ViolationKind = "pin_lost"
	KindPinRepeatedFailure   ViolationKind = "pin_repeated_failure"
	KindPinQueryFailed       ViolationKind = "pin_query_failed"
	KindPinEnterFailed       ViolationKind = "pin_enter_failed"
	KindSurfacePaused        ViolationKind = "surface_paused"
	KindSurfaceStopped       ViolationKind = "surface_stopped"
	KindFocusLost            ViolationKind = "focus_lost"
	KindEnforcementReapplied ViolationKind = "enforcement_reapplied"
	KindRefocusFailed        ViolationKind = "refocus_failed"
	KindHostReported         ViolationKind = "host_reported"
	KindInternalPanic        ViolationKind = "internal_panic"
	KindSessionInterrupted   ViolationKind = "session_interrupted"
)

// ExamSession is one exam attempt. Values handed out by the registry are
// copies; mutating them has no effect on the registry.
type ExamSession struct {
	ID        string     `json:"session_id"`
	ExamID    string     `json:"exam_id"`
	ExamTitle string     `json:"exam_title"`
	StartTime time.Time  `json:"start_time"`
	EndTime   *time.Time `json:"end_time,omitempty"`
	Completed bool       `json:"completed"`
}

// Duration returns how long the session ran, or has been running so far.
func (s ExamSession) Duration() time.Duration {
	if s.EndTime != nil {
		return s.EndTime.Sub(s.StartTime)
	}
	return time.Since(s.StartTime)
}

// Violation is an immutable entry in a session's violation log.
type Violation struct {
	SessionID string        `json:"session_id"`
	Seq       int           `json:"seq"`
	Kind      ViolationKind `json:"kind"`
	Message   string        `json:"message"`
	Severity  Severity      `json:"severity"`
	Timestamp time.Time     `json:"timestamp"`
}

// EventType distinguishes events published to subscribers.
type EventType int

const (
	// SessionStarted indicates a new exam session began.
	SessionStarted EventType = iota
	// SessionEnded indicates the host completed a session.
	SessionEnded
	// ViolationRecorded indicates a violation was appended to a session log.
	ViolationRecorded
	// EnforcementLost indicates the monitor observed pinning drop.
	EnforcementLost
	// EnforcementRestored indicates pinning was confirmed active again.
	EnforcementRestored
)

func (t EventType) String() string {
	switch t {
	case SessionStarted:
		return "session_started"
	case SessionEnded:
		return "session_ended"
	case ViolationRecorded:
		return "violation_recorded"
	case EnforcementLost:
		return "enforcement_lost"
	case EnforcementRestored:
		return "enforcement_restored"
	default:
		return "unknown"
	}
}

// Event is published to subscribers when session state changes.
type Event struct {
	Type      EventType
	SessionID string
	Violation *Violation
	Timestamp time.Time
}

var (
	// ErrSessionNotFound is returned when a session id is unknown.
	ErrSessionNotFound = errors.New("sentinel: session not found")

	// ErrSessionActive is returned when discarding a session that has not ended.
	ErrSessionActive = errors.New("sentinel: session still active")

	// ErrClosed is returned by StartSession after Close.
	ErrClosed = errors.New("sentinel: closed")

	// ErrEnforcementRefused is returned by an EnforcementPort when the OS
	// declines to pin the exam surface. It is expected and retried.
	ErrEnforcementRefused = errors.New("sentinel: enforcement refused by platform")
)
