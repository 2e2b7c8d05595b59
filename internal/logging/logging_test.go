package logging

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input    string
		expected Level
		hasError bool
	}{
		{"debug", LevelDebug, false},
		{"DEBUG", LevelDebug, false},
		{"info", LevelInfo, false},
		{"", LevelInfo, false},
		{"warn", LevelWarn, false},
		{"warning", LevelWarn, false},
		{"error", LevelError, false},
		{"ERROR", LevelError, false},
		{"invalid", LevelInfo, true},
	}

	for _, test := range tests {
		t.Run(test.input, func(t *testing.T) {
			level, err := ParseLevel(test.input)
			if test.hasError && err == nil {
				t.Error("expected error, got nil")
			}
			if !test.hasError && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
			if !test.hasError && level != test.expected {
				t.Errorf("expected %v, got %v", test.expected, level)
			}
		})
	}
}

func TestParseFormat(t *testing.T) {
	if f, err := ParseFormat("JSON"); err != nil || f != FormatJSON {
		t.Errorf("ParseFormat(JSON) = %v, %v", f, err)
	}
	if f, err := ParseFormat("text"); err != nil || f != FormatText {
		t.Errorf("ParseFormat(text) = %v, %v", f, err)
	}
	if _, err := ParseFormat("xml"); err == nil {
		t.Error("expected error for xml")
	}
}

func TestLevelString(t *testing.T) {
	tests := []struct {
		level    Level
		expected string
	}{
		{LevelDebug, "debug"},
		{LevelInfo, "info"},
		{LevelWarn, "warn"},
		{LevelError, "error"},
	}

	for _, test := range tests {
		t.Run(test.expected, func(t *testing.T) {
			if got := LevelString(test.level); got != test.expected {
				t.Errorf("expected %q, got %q", test.expected, got)
			}
		})
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Level != LevelInfo {
		t.Errorf("expected default level Info, got %v", cfg.Level)
	}
	if cfg.Format != FormatText {
		t.Errorf("expected default format Text, got %v", cfg.Format)
	}
	if cfg.Output != "stderr" {
		t.Errorf("expected default output stderr, got %s", cfg.Output)
	}
	if !strings.HasSuffix(cfg.FilePath, filepath.Join("examguard", "examguard.log")) {
		t.Errorf("unexpected default log path %s", cfg.FilePath)
	}
}

func TestShouldRedact(t *testing.T) {
	tests := []struct {
		key      string
		expected bool
	}{
		{"password", true},
		{"PASSWORD", true},
		{"secret", true},
		{"api_key", true},
		{"auth_token", true},
		{"credential", true},
		{"private_key", true},
		{"hmac_key", true},
		{"session", false},
		{"severity", false},
		{"kind", false},
		{"exam", false},
	}

	for _, test := range tests {
		t.Run(test.key, func(t *testing.T) {
			if got := shouldRedact(test.key); got != test.expected {
				t.Errorf("shouldRedact(%q) = %v, expected %v", test.key, got, test.expected)
			}
		})
	}
}

func TestJSONFormatWithComponent(t *testing.T) {
	var buf bytes.Buffer
	cfg := DefaultConfig()
	cfg.Format = FormatJSON
	cfg.Component = "test"

	logger := NewWithWriter(&buf, cfg).WithComponent("sentinel.monitor")
	logger.Info("screen pinning restored", "session", "s-1", "token", "abc")

	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("log line is not JSON: %v: %s", err, buf.String())
	}
	if entry["msg"] != "screen pinning restored" {
		t.Errorf("unexpected msg %v", entry["msg"])
	}
	if entry["session"] != "s-1" {
		t.Errorf("session should not be redacted, got %v", entry["session"])
	}
	if entry["token"] != "[REDACTED]" {
		t.Errorf("token should be redacted, got %v", entry["token"])
	}
	if entry["component"] != "sentinel.monitor" {
		t.Errorf("expected child component, got %v", entry["component"])
	}
}

func TestNopDiscardsErrors(t *testing.T) {
	l := Nop()
	if l.Enabled(context.Background(), LevelError) {
		t.Error("Nop logger should not be enabled at error level")
	}
}

func TestLoggerFileOutput(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Output = "file"
	cfg.FilePath = filepath.Join(t.TempDir(), "logs", "examguard.log")

	logger, err := New(cfg)
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}
	logger.Warn("exam surface stopped")
	if err := logger.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	data, err := os.ReadFile(cfg.FilePath)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !strings.Contains(string(data), "exam surface stopped") {
		t.Errorf("log file missing entry: %s", data)
	}
}

func TestFileRotator(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "test.log")

	rotator, err := NewFileRotator(logPath, 1, 3)
	if err != nil {
		t.Fatalf("failed to create rotator: %v", err)
	}
	defer rotator.Close()

	testData := []byte("test log line\n")
	n, err := rotator.Write(testData)
	if err != nil {
		t.Fatalf("failed to write: %v", err)
	}
	if n != len(testData) {
		t.Errorf("expected to write %d bytes, wrote %d", len(testData), n)
	}
	if _, err := os.Stat(logPath); os.IsNotExist(err) {
		t.Error("log file was not created")
	}
	if err := rotator.Sync(); err != nil {
		t.Errorf("sync failed: %v", err)
	}
}

func TestFileRotatorRotation(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "test.log")

	rotator, err := NewFileRotator(logPath, 1, 2)
	if err != nil {
		t.Fatalf("failed to create rotator: %v", err)
	}
	defer rotator.Close()

	rotator.maxBytes = 32
	tick := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	rotator.now = func() time.Time {
		tick = tick.Add(time.Second)
		return tick
	}

	line := []byte("0123456789abcdef0123456789\n")
	for i := 0; i < 5; i++ {
		if _, err := rotator.Write(line); err != nil {
			t.Fatalf("write %d: %v", i, err)
		}
	}

	backups, err := rotator.Backups()
	if err != nil {
		t.Fatalf("backups: %v", err)
	}
	if len(backups) != 2 {
		t.Fatalf("expected 2 backups after pruning, got %d: %v", len(backups), backups)
	}

	info, err := os.Stat(logPath)
	if err != nil {
		t.Fatalf("stat current log: %v", err)
	}
	if info.Size() != int64(len(line)) {
		t.Errorf("current log should hold one line, has %d bytes", info.Size())
	}
}

func TestAuditLogger(t *testing.T) {
	auditPath := filepath.Join(t.TempDir(), "audit.log")

	audit, err := NewAuditLogger(auditPath, 10, 3)
	if err != nil {
		t.Fatalf("failed to create audit logger: %v", err)
	}

	ctx := context.Background()
	if err := audit.LogSessionStart(ctx, "s-1", map[string]interface{}{"exam_id": "math-101"}); err != nil {
		t.Fatalf("LogSessionStart: %v", err)
	}
	if err := audit.LogViolation(ctx, "s-1", "pin_lost", "CRITICAL", "screen pinning lost"); err != nil {
		t.Fatalf("LogViolation: %v", err)
	}
	if err := audit.LogEnforcement(ctx, "s-1", true); err != nil {
		t.Fatalf("LogEnforcement: %v", err)
	}
	if err := audit.LogSessionEnd(ctx, "s-1", nil); err != nil {
		t.Fatalf("LogSessionEnd: %v", err)
	}
	if err := audit.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	f, err := os.Open(auditPath)
	if err != nil {
		t.Fatalf("open audit log: %v", err)
	}
	defer f.Close()

	var events []AuditEvent
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var ev AuditEvent
		if err := json.Unmarshal(scanner.Bytes(), &ev); err != nil {
			t.Fatalf("invalid audit line %q: %v", scanner.Text(), err)
		}
		events = append(events, ev)
	}

	want := []AuditEventType{
		AuditEventSessionStart,
		AuditEventViolation,
		AuditEventEnforcementRestored,
		AuditEventSessionEnd,
	}
	if len(events) != len(want) {
		t.Fatalf("expected %d events, got %d", len(want), len(events))
	}
	for i, ev := range events {
		if ev.EventType != want[i] {
			t.Errorf("event %d: expected %s, got %s", i, want[i], ev.EventType)
		}
		if ev.SessionID != "s-1" {
			t.Errorf("event %d: expected session s-1, got %q", i, ev.SessionID)
		}
		if ev.Component != "examguard" {
			t.Errorf("event %d: expected component examguard, got %q", i, ev.Component)
		}
	}
	if events[1].Details["severity"] != "CRITICAL" {
		t.Errorf("violation severity not recorded: %v", events[1].Details)
	}
}

func TestAuditLoggerCancelledContext(t *testing.T) {
	var buf bytes.Buffer
	audit := NewAuditLoggerWithWriter(&buf)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := audit.LogConfigChange(ctx, "sentinel.poll_interval_ms", "1000", "500"); err == nil {
		t.Error("expected error for cancelled context")
	}
	if buf.Len() != 0 {
		t.Error("nothing should be written for a cancelled context")
	}
}

func TestCrashHandlerRecover(t *testing.T) {
	dir := t.TempDir()
	h := NewCrashHandler(dir, "1.0.0-test", Nop())

	got := h.Recover(map[string]interface{}{"command": "simulate"}, func() {
		panic("boom")
	})
	if got != "boom" {
		t.Fatalf("expected recovered value boom, got %v", got)
	}

	reports, err := h.Reports()
	if err != nil {
		t.Fatalf("reports: %v", err)
	}
	if len(reports) != 1 {
		t.Fatalf("expected 1 crash report, got %d", len(reports))
	}
	if reports[0].PanicValue != "boom" || reports[0].Version != "1.0.0-test" {
		t.Errorf("unexpected report %+v", reports[0])
	}
	if reports[0].Context["command"] != "simulate" {
		t.Errorf("context not stored: %v", reports[0].Context)
	}
}

func TestCrashHandlerNoPanic(t *testing.T) {
	h := NewCrashHandler(t.TempDir(), "1.0.0-test", Nop())
	if got := h.Recover(nil, func() {}); got != nil {
		t.Errorf("expected nil, got %v", got)
	}
	reports, err := h.Reports()
	if err != nil {
		t.Fatalf("reports: %v", err)
	}
	if len(reports) != 0 {
		t.Errorf("expected no reports, got %d", len(reports))
	}
}
