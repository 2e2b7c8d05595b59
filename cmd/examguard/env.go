package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/Natiabay/Autonomous-Blind-Examiner-Mobile-application-sub002/internal/config"
	"github.com/Natiabay/Autonomous-Blind-Examiner-Mobile-application-sub002/internal/journal"
	"github.com/Natiabay/Autonomous-Blind-Examiner-Mobile-application-sub002/internal/logging"
	"github.com/Natiabay/Autonomous-Blind-Examiner-Mobile-application-sub002/internal/metrics"
	"github.com/Natiabay/Autonomous-Blind-Examiner-Mobile-application-sub002/internal/security"
	"github.com/Natiabay/Autonomous-Blind-Examiner-Mobile-application-sub002/internal/sentinel"
	"github.com/Natiabay/Autonomous-Blind-Examiner-Mobile-application-sub002/internal/store"
)

// env is the process-wide stack shared by the subcommands.
type env struct {
	cfgPath  string
	cfg      *config.Config
	logger   *logging.Logger
	audit    *logging.AuditLogger
	registry *metrics.Registry
	metrics  *metrics.LockdownMetrics
	key      []byte
	archive  *store.Archive
	journal  *journal.Manager
}

func resolveConfigPath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if p := os.Getenv("EXAMGUARD_CONFIG"); p != "" {
		return p
	}
	if p := config.FindConfigFile(); p != "" {
		return p
	}
	return config.ConfigPath()
}

// setupEnv loads the configuration and brings up logging and auditing.
func setupEnv(cfgPath string) (*env, error) {
	path := resolveConfigPath(cfgPath)
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, err
	}

	lc, err := cfg.LoggingConfig()
	if err != nil {
		return nil, err
	}
	logger, err := logging.New(lc)
	if err != nil {
		return nil, err
	}
	logging.SetDefault(logger)

	audit := logging.NewAuditLoggerWithWriter(io.Discard)
	if cfg.Logging.AuditPath != "" {
		audit, err = logging.NewAuditLogger(cfg.Logging.AuditPath, int64(cfg.Logging.MaxSizeMB), cfg.Logging.MaxBackups)
		if err != nil {
			logger.Close()
			return nil, err
		}
	}

	registry := metrics.NewRegistry("examguard")
	return &env{
		cfgPath:  path,
		cfg:      cfg,
		logger:   logger,
		audit:    audit,
		registry: registry,
		metrics:  metrics.NewLockdownMetrics(registry),
	}, nil
}

// crashDir is where recovered panics are written.
func (e *env) crashDir() string {
	return filepath.Join(filepath.Dir(e.cfg.Archive.Path), "crashes")
}

// masterKey loads the seal key, generating it on first use.
func (e *env) masterKey() ([]byte, error) {
	if e.key != nil {
		return e.key, nil
	}
	key, err := security.LoadOrCreateKey(e.cfg.Archive.KeyPath)
	if err != nil {
		return nil, fmt.Errorf("load seal key: %w", err)
	}
	e.key = key
	return key, nil
}

// openArchive loads the seal key and opens the report archive.
func (e *env) openArchive() error {
	if e.archive != nil {
		return nil
	}
	key, err := e.masterKey()
	if err != nil {
		return err
	}
	a, err := store.Open(e.cfg.Archive.Path, key,
		store.WithLogger(e.logger),
		store.WithAudit(e.audit),
		store.WithMetrics(e.metrics),
	)
	if err != nil {
		return err
	}
	e.archive = a
	return nil
}

// openJournal opens the session journal directory.
func (e *env) openJournal() error {
	if e.journal != nil {
		return nil
	}
	key, err := e.masterKey()
	if err != nil {
		return err
	}
	j, err := journal.NewManager(e.cfg.Journal.Dir, key, e.logger)
	if err != nil {
		return err
	}
	e.journal = j
	return nil
}

// recoverJournals archives sessions left behind by an earlier process.
func (e *env) recoverJournals(ctx context.Context) ([]*journal.Recovered, error) {
	if err := e.openJournal(); err != nil {
		return nil, err
	}
	var archiver sentinel.Archiver
	if e.archive != nil {
		archiver = e.archive
	}
	return e.journal.Recover(ctx, archiver)
}

// sealKey loads the seal key without opening the archive.
func (e *env) sealKey() ([]byte, error) {
	if e.key != nil {
		return e.key, nil
	}
	key, err := security.ReadSecureFile(e.cfg.Archive.KeyPath, 1024)
	if err != nil {
		return nil, fmt.Errorf("load seal key: %w", err)
	}
	e.key = key
	return key, nil
}

func (e *env) Close() {
	if e.journal != nil {
		if err := e.journal.Close(); err != nil {
			e.logger.Warn("close journal", "error", err)
		}
	}
	if e.archive != nil {
		if err := e.archive.Close(); err != nil {
			e.logger.Warn("close archive", "error", err)
		}
	}
	if err := e.audit.Close(); err != nil {
		e.logger.Warn("close audit log", "error", err)
	}
	e.logger.Close()
}
