package config

import (
	"fmt"
	"net"
	"strings"
)

// ValidationError names one setting and what is wrong with it.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Message)
}

// ValidationErrors is every problem found in one pass.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	msgs := make([]string, len(e))
	for i := range e {
		msgs[i] = e[i].Error()
	}
	return strings.Join(msgs, "; ")
}

// Has reports whether field is among the failures.
func (e ValidationErrors) Has(field string) bool {
	for _, err := range e {
		if err.Field == field {
			return true
		}
	}
	return false
}

// Accepted refocus delay, in milliseconds.
const (
	MinRefocusDelayMs = 100
	MaxRefocusDelayMs = 500
)

const minPollIntervalMs = 50

// validator accumulates failures instead of stopping at the first.
type validator struct {
	errs ValidationErrors
}

func (v *validator) fail(field, format string, args ...interface{}) {
	v.errs = append(v.errs, ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
}

func (v *validator) require(field, value string) {
	if value == "" {
		v.fail(field, "must be set")
	}
}

func (v *validator) within(field string, value, lo, hi int) {
	if value < lo || value > hi {
		v.fail(field, "%d is outside [%d, %d]", value, lo, hi)
	}
}

func (v *validator) oneOf(field, value string, allowed ...string) bool {
	for _, a := range allowed {
		if strings.EqualFold(value, a) {
			return true
		}
	}
	v.fail(field, "%q is not one of %s", value, strings.Join(allowed, ", "))
	return false
}

// ValidateConfig checks every section and returns ValidationErrors
// listing all failed settings, or nil.
func ValidateConfig(c *Config) error {
	var v validator

	v.within("version", c.Version, 1, Version)

	s := c.Sentinel
	if s.PollIntervalMs < minPollIntervalMs {
		v.fail("sentinel.poll_interval_ms", "must be at least %d", minPollIntervalMs)
	}
	if s.MaxRecoveryAttempts < 1 {
		v.fail("sentinel.max_recovery_attempts", "must be at least 1")
	}
	v.within("sentinel.refocus_delay_ms", s.RefocusDelayMs, MinRefocusDelayMs, MaxRefocusDelayMs)
	if s.RapidStopWindowMs < 0 {
		v.fail("sentinel.rapid_stop_window_ms", "cannot be negative")
	}
	if s.StopTimeoutMs < 1 {
		v.fail("sentinel.stop_timeout_ms", "must be positive")
	}

	if c.Archive.Enabled {
		v.require("archive.path", c.Archive.Path)
		v.require("archive.key_path", c.Archive.KeyPath)
	}

	if c.Journal.Enabled {
		v.require("journal.dir", c.Journal.Dir)
		// Journal entries are keyed from the same master key as the archive.
		if !c.Archive.Enabled && c.Archive.KeyPath == "" {
			v.fail("archive.key_path", "required by the journal")
		}
	}

	l := c.Logging
	v.oneOf("logging.level", l.Level, "debug", "info", "warn", "warning", "error")
	v.oneOf("logging.format", l.Format, "text", "json")
	out := strings.ToLower(l.Output)
	if v.oneOf("logging.output", out, "stdout", "stderr", "file", "both") && (out == "file" || out == "both") {
		v.require("logging.file_path", l.FilePath)
	}
	if l.MaxSizeMB < 1 {
		v.fail("logging.max_size_mb", "must be at least 1")
	}
	if l.MaxBackups < 0 {
		v.fail("logging.max_backups", "cannot be negative")
	}

	if c.Metrics.Enabled {
		if _, _, err := net.SplitHostPort(c.Metrics.ListenAddr); err != nil {
			v.fail("metrics.listen_addr", "%q: %v", c.Metrics.ListenAddr, err)
		}
	}

	if len(v.errs) > 0 {
		return v.errs
	}
	return nil
}
