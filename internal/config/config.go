// Package config handles configuration loading, validation, and management for examguard.
package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/Natiabay/Autonomous-Blind-Examiner-Mobile-application-sub002/internal/logging"
	"github.com/Natiabay/Autonomous-Blind-Examiner-Mobile-application-sub002/internal/sentinel"
)

// Version is the current configuration schema version.
const Version = 1

// Config holds the complete examguard configuration.
type Config struct {
	// Version is the configuration schema version.
	Version int `toml:"version" json:"version" yaml:"version"`

	// Sentinel tunes the lockdown core.
	Sentinel SentinelConfig `toml:"sentinel" json:"sentinel" yaml:"sentinel"`

	// Archive configures the sealed report archive.
	Archive ArchiveConfig `toml:"archive" json:"archive" yaml:"archive"`

	// Journal configures the crash-recovery journal of active sessions.
	Journal JournalConfig `toml:"journal" json:"journal" yaml:"journal"`

	// Logging configuration.
	Logging LoggingConfig `toml:"logging" json:"logging" yaml:"logging"`

	// Metrics configures the HTTP metrics and health endpoint.
	Metrics MetricsConfig `toml:"metrics" json:"metrics" yaml:"metrics"`
}

// SentinelConfig holds the lockdown core timings.
type SentinelConfig struct {
	// PollIntervalMs is the pinning monitor tick period.
	PollIntervalMs int `toml:"poll_interval_ms" json:"poll_interval_ms" yaml:"poll_interval_ms"`

	// MaxRecoveryAttempts is the consecutive failed re-pin budget.
	MaxRecoveryAttempts int `toml:"max_recovery_attempts" json:"max_recovery_attempts" yaml:"max_recovery_attempts"`

	// RefocusDelayMs is the delay before the exam surface is brought back
	// to the front. Must be within 100-500.
	RefocusDelayMs int `toml:"refocus_delay_ms" json:"refocus_delay_ms" yaml:"refocus_delay_ms"`

	// RapidStopWindowMs escalates a stop following a pause to CRITICAL.
	RapidStopWindowMs int `toml:"rapid_stop_window_ms" json:"rapid_stop_window_ms" yaml:"rapid_stop_window_ms"`

	// StopTimeoutMs bounds how long ending a session waits for its tasks.
	StopTimeoutMs int `toml:"stop_timeout_ms" json:"stop_timeout_ms" yaml:"stop_timeout_ms"`

	KeepScreenOn    bool `toml:"keep_screen_on" json:"keep_screen_on" yaml:"keep_screen_on"`
	LockOrientation bool `toml:"lock_orientation" json:"lock_orientation" yaml:"lock_orientation"`
	Immersive       bool `toml:"immersive" json:"immersive" yaml:"immersive"`
}

// ArchiveConfig holds the report archive configuration.
type ArchiveConfig struct {
	// Enabled archives a sealed report when each session ends.
	Enabled bool `toml:"enabled" json:"enabled" yaml:"enabled"`

	// Path is the SQLite database file.
	Path string `toml:"path" json:"path" yaml:"path"`

	// KeyPath is the seal key file. It is generated on first use.
	KeyPath string `toml:"key_path" json:"key_path" yaml:"key_path"`
}

// JournalConfig holds the session journal configuration. Journals are
// keyed from the archive seal key.
type JournalConfig struct {
	// Enabled syncs every violation to a per-session journal.
	Enabled bool `toml:"enabled" json:"enabled" yaml:"enabled"`

	// Dir holds one journal file per active session.
	Dir string `toml:"dir" json:"dir" yaml:"dir"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	// Level is the minimum log level: debug, info, warn, error.
	Level string `toml:"level" json:"level" yaml:"level"`

	// Format is the log format: text or json.
	Format string `toml:"format" json:"format" yaml:"format"`

	// Output is stdout, stderr, file or both.
	Output string `toml:"output" json:"output" yaml:"output"`

	// FilePath is the log file path.
	FilePath string `toml:"file_path" json:"file_path" yaml:"file_path"`

	// AuditPath is the audit trail path. Empty disables the audit trail.
	AuditPath string `toml:"audit_path" json:"audit_path" yaml:"audit_path"`

	// MaxSizeMB is the log file size that triggers rotation.
	MaxSizeMB int `toml:"max_size_mb" json:"max_size_mb" yaml:"max_size_mb"`

	// MaxBackups is the number of rotated files kept.
	MaxBackups int `toml:"max_backups" json:"max_backups" yaml:"max_backups"`
}

// MetricsConfig holds the metrics endpoint configuration.
type MetricsConfig struct {
	Enabled    bool   `toml:"enabled" json:"enabled" yaml:"enabled"`
	ListenAddr string `toml:"listen_addr" json:"listen_addr" yaml:"listen_addr"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	dataDir := DataDir()
	return &Config{
		Version: Version,
		Sentinel: SentinelConfig{
			PollIntervalMs:      1000,
			MaxRecoveryAttempts: 5,
			RefocusDelayMs:      300,
			RapidStopWindowMs:   750,
			StopTimeoutMs:       2000,
			KeepScreenOn:        true,
			LockOrientation:     true,
			Immersive:           true,
		},
		Archive: ArchiveConfig{
			Enabled: true,
			Path:    filepath.Join(dataDir, "reports.db"),
			KeyPath: filepath.Join(dataDir, "seal.key"),
		},
		Journal: JournalConfig{
			Enabled: true,
			Dir:     filepath.Join(dataDir, "journal"),
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			Output:     "stderr",
			FilePath:   filepath.Join(dataDir, "logs", "examguard.log"),
			AuditPath:  filepath.Join(dataDir, "logs", "audit.log"),
			MaxSizeMB:  20,
			MaxBackups: 5,
		},
		Metrics: MetricsConfig{
			Enabled:    false,
			ListenAddr: "127.0.0.1:9464",
		},
	}
}

// Load reads configuration from path. A missing file yields the defaults.
// The format follows the file extension: .toml, .json, .yaml or .yml; any
// other extension is decoded as TOML. Environment overrides are applied
// but the result is not validated.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path == "" {
		path = ConfigPath()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.ApplyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config file: %w", err)
	}

	if err := decode(path, data, cfg); err != nil {
		return nil, err
	}

	cfg.ApplyEnvOverrides()
	return cfg, nil
}

func decode(path string, data []byte, cfg *Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("decode JSON: %w", err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("decode YAML: %w", err)
		}
	default:
		if _, err := toml.Decode(string(data), cfg); err != nil {
			return fmt.Errorf("decode TOML: %w", err)
		}
	}
	return nil
}

// SaveConfig writes cfg to path in the format implied by its extension.
func SaveConfig(cfg *Config, path string) error {
	var buf bytes.Buffer
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		enc := json.NewEncoder(&buf)
		enc.SetIndent("", "  ")
		if err := enc.Encode(cfg); err != nil {
			return fmt.Errorf("encode JSON: %w", err)
		}
	case ".yaml", ".yml":
		enc := yaml.NewEncoder(&buf)
		enc.SetIndent(2)
		if err := enc.Encode(cfg); err != nil {
			return fmt.Errorf("encode YAML: %w", err)
		}
		enc.Close()
	default:
		if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
			return fmt.Errorf("encode TOML: %w", err)
		}
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	if err := os.WriteFile(path, buf.Bytes(), 0600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	return ValidateConfig(c)
}

// Clone returns a copy of the configuration.
func (c *Config) Clone() *Config {
	cp := *c
	return &cp
}

// EnsureDirectories creates the directories the archive and logs live in.
func (c *Config) EnsureDirectories() error {
	dirs := []string{
		filepath.Dir(c.Archive.Path),
		filepath.Dir(c.Archive.KeyPath),
		filepath.Dir(c.Logging.FilePath),
		filepath.Dir(c.Logging.AuditPath),
		c.Journal.Dir,
	}
	for _, dir := range dirs {
		if dir == "" || dir == "." {
			continue
		}
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}
	return nil
}

// ApplyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables are prefixed with EXAMGUARD_ and use underscores.
// Unparseable numeric or boolean values are ignored.
func (c *Config) ApplyEnvOverrides() {
	envInt("EXAMGUARD_POLL_INTERVAL_MS", &c.Sentinel.PollIntervalMs)
	envInt("EXAMGUARD_MAX_RECOVERY_ATTEMPTS", &c.Sentinel.MaxRecoveryAttempts)
	envInt("EXAMGUARD_REFOCUS_DELAY_MS", &c.Sentinel.RefocusDelayMs)
	envInt("EXAMGUARD_RAPID_STOP_WINDOW_MS", &c.Sentinel.RapidStopWindowMs)
	envInt("EXAMGUARD_STOP_TIMEOUT_MS", &c.Sentinel.StopTimeoutMs)

	envBool("EXAMGUARD_ARCHIVE_ENABLED", &c.Archive.Enabled)
	envString("EXAMGUARD_ARCHIVE_PATH", &c.Archive.Path)
	envString("EXAMGUARD_ARCHIVE_KEY_PATH", &c.Archive.KeyPath)

	envBool("EXAMGUARD_JOURNAL_ENABLED", &c.Journal.Enabled)
	envString("EXAMGUARD_JOURNAL_DIR", &c.Journal.Dir)

	envString("EXAMGUARD_LOG_LEVEL", &c.Logging.Level)
	envString("EXAMGUARD_LOG_FORMAT", &c.Logging.Format)
	envString("EXAMGUARD_LOG_OUTPUT", &c.Logging.Output)
	envString("EXAMGUARD_LOG_FILE", &c.Logging.FilePath)
	envString("EXAMGUARD_AUDIT_FILE", &c.Logging.AuditPath)

	envBool("EXAMGUARD_METRICS_ENABLED", &c.Metrics.Enabled)
	envString("EXAMGUARD_METRICS_ADDR", &c.Metrics.ListenAddr)
}

func envString(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envBool(key string, dst *bool) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

// SentinelConfig converts the sentinel section to the core's config.
func (c *Config) SentinelConfig() *sentinel.Config {
	s := c.Sentinel
	return &sentinel.Config{
		PollInterval:        time.Duration(s.PollIntervalMs) * time.Millisecond,
		MaxRecoveryAttempts: s.MaxRecoveryAttempts,
		RefocusDelay:        time.Duration(s.RefocusDelayMs) * time.Millisecond,
		RapidStopWindow:     time.Duration(s.RapidStopWindowMs) * time.Millisecond,
		StopTimeout:         time.Duration(s.StopTimeoutMs) * time.Millisecond,
		KeepScreenOn:        s.KeepScreenOn,
		LockOrientation:     s.LockOrientation,
		Immersive:           s.Immersive,
	}
}

// LoggingConfig converts the logging section to a logger config.
func (c *Config) LoggingConfig() (*logging.Config, error) {
	level, err := logging.ParseLevel(c.Logging.Level)
	if err != nil {
		return nil, err
	}
	format, err := logging.ParseFormat(c.Logging.Format)
	if err != nil {
		return nil, err
	}
	lc := logging.DefaultConfig()
	lc.Level = level
	lc.Format = format
	lc.Output = c.Logging.Output
	lc.FilePath = c.Logging.FilePath
	lc.MaxSize = int64(c.Logging.MaxSizeMB)
	lc.MaxBackups = c.Logging.MaxBackups
	return lc, nil
}
