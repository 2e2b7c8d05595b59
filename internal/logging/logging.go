// Package logging builds the slog loggers used across examguard: the
// operational log, optionally rotated on disk, and the append-only audit
// trail of lockdown events.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

type Level = slog.Level

const (
	LevelDebug = slog.LevelDebug
	LevelInfo  = slog.LevelInfo
	LevelWarn  = slog.LevelWarn
	LevelError = slog.LevelError
)

// Format selects the slog handler.
type Format int

const (
	FormatText Format = iota
	FormatJSON
)

// Config describes where and how a Logger writes.
type Config struct {
	Level     Level
	Format    Format
	AddSource bool
	Component string // attached to every record as "component"

	// Output is "stdout", "stderr", "file", or "both" for stderr plus file.
	Output     string
	FilePath   string
	MaxSize    int64 // megabytes before rotation
	MaxBackups int
}

func DefaultConfig() *Config {
	return &Config{
		Level:      LevelInfo,
		Format:     FormatText,
		Component:  "examguard",
		Output:     "stderr",
		FilePath:   DefaultLogPath("examguard.log"),
		MaxSize:    20,
		MaxBackups: 5,
	}
}

// DefaultLogPath places name under $XDG_STATE_HOME/examguard, falling
// back to ~/.local/state and then the temp directory.
func DefaultLogPath(name string) string {
	base := os.Getenv("XDG_STATE_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return filepath.Join(os.TempDir(), "examguard", name)
		}
		base = filepath.Join(home, ".local", "state")
	}
	return filepath.Join(base, "examguard", name)
}

// Logger is a slog.Logger that owns the log file it writes to, if any.
// Child loggers share the file; closing any of them closes it.
type Logger struct {
	*slog.Logger
	file *fileHandle
}

type fileHandle struct {
	mu sync.Mutex
	r  *FileRotator
}

func (f *fileHandle) close() error {
	if f == nil {
		return nil
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.r == nil {
		return nil
	}
	err := f.r.Close()
	f.r = nil
	return err
}

var (
	defaultMu     sync.Mutex
	defaultLogger *Logger
)

// Default returns the process logger, a stderr text logger until
// SetDefault is called.
func Default() *Logger {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultLogger == nil {
		defaultLogger = NewWithWriter(os.Stderr, DefaultConfig())
	}
	return defaultLogger
}

// SetDefault installs l as the process logger and as slog's default.
func SetDefault(l *Logger) {
	defaultMu.Lock()
	defaultLogger = l
	defaultMu.Unlock()
	slog.SetDefault(l.Logger)
}

// Nop discards every record.
func Nop() *Logger {
	return &Logger{Logger: slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: LevelError + 1}))}
}

// New opens the outputs named by cfg.Output. An unrecognized output
// means stderr.
func New(cfg *Config) (*Logger, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	var (
		w   io.Writer = os.Stderr
		rot *FileRotator
	)
	output := strings.ToLower(cfg.Output)
	if output == "stdout" {
		w = os.Stdout
	}
	if output == "file" || output == "both" {
		r, err := NewFileRotator(cfg.FilePath, cfg.MaxSize, cfg.MaxBackups)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		rot = r
		w = r
		if output == "both" {
			w = io.MultiWriter(os.Stderr, r)
		}
	}

	l := NewWithWriter(w, cfg)
	if rot != nil {
		l.file = &fileHandle{r: rot}
	}
	return l, nil
}

// NewWithWriter builds a Logger on w. Nothing is closed by Close.
func NewWithWriter(w io.Writer, cfg *Config) *Logger {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	opts := &slog.HandlerOptions{
		Level:       cfg.Level,
		AddSource:   cfg.AddSource,
		ReplaceAttr: redact,
	}

	var h slog.Handler = slog.NewTextHandler(w, opts)
	if cfg.Format == FormatJSON {
		h = slog.NewJSONHandler(w, opts)
	}
	if cfg.Component != "" {
		h = h.WithAttrs([]slog.Attr{slog.String("component", cfg.Component)})
	}
	return &Logger{Logger: slog.New(h)}
}

// Attribute keys containing any of these are logged as [REDACTED].
var secretKeyParts = []string{
	"password", "secret", "token", "credential",
	"private", "hmac_key", "api_key", "apikey",
}

func shouldRedact(key string) bool {
	key = strings.ToLower(key)
	for _, part := range secretKeyParts {
		if strings.Contains(key, part) {
			return true
		}
	}
	return false
}

func redact(_ []string, a slog.Attr) slog.Attr {
	if shouldRedact(a.Key) {
		a.Value = slog.StringValue("[REDACTED]")
	}
	return a
}

// WithComponent returns a child logger whose records carry name as
// their component.
func (l *Logger) WithComponent(name string) *Logger {
	return &Logger{Logger: l.Logger.With(slog.String("component", name)), file: l.file}
}

// Close closes the log file opened by New.
func (l *Logger) Close() error {
	return l.file.close()
}

// ParseLevel accepts debug, info, warn or warning, and error, in any
// case. The empty string is info.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return LevelDebug, nil
	case "", "info":
		return LevelInfo, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "error":
		return LevelError, nil
	}
	return LevelInfo, fmt.Errorf("unknown log level %q", s)
}

func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(s) {
	case "", "text":
		return FormatText, nil
	case "json":
		return FormatJSON, nil
	}
	return FormatText, fmt.Errorf("unknown log format %q", s)
}

// LevelString is the inverse of ParseLevel.
func LevelString(level Level) string {
	switch level {
	case LevelDebug:
		return "debug"
	case LevelWarn:
		return "warn"
	case LevelError:
		return "error"
	}
	return "info"
}
