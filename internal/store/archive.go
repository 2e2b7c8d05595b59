package store

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/Natiabay/Autonomous-Blind-Examiner-Mobile-application-sub002/internal/logging"
	"github.com/Natiabay/Autonomous-Blind-Examiner-Mobile-application-sub002/internal/metrics"
	"github.com/Natiabay/Autonomous-Blind-Examiner-Mobile-application-sub002/internal/report"
	"github.com/Natiabay/Autonomous-Blind-Examiner-Mobile-application-sub002/internal/security"
	"github.com/Natiabay/Autonomous-Blind-Examiner-Mobile-application-sub002/internal/sentinel"
)

// Archive is a SQLite-backed store of sealed session reports. It
// implements sentinel.Archiver.
type Archive struct {
	mu       sync.Mutex
	db       *sql.DB
	lock     *security.FileLock
	path     string
	master   []byte
	chainKey []byte
	closed   bool

	logger  *logging.Logger
	audit   *logging.AuditLogger
	metrics *metrics.LockdownMetrics
	now     func() time.Time
}

var _ sentinel.Archiver = (*Archive)(nil)

// Option configures an Archive.
type Option func(*Archive)

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(a *Archive) { a.logger = l }
}

// WithAudit records archive writes and deletions in the audit log.
func WithAudit(al *logging.AuditLogger) Option {
	return func(a *Archive) { a.audit = al }
}

// WithMetrics counts archived reports.
func WithMetrics(m *metrics.LockdownMetrics) Option {
	return func(a *Archive) { a.metrics = m }
}

// Open opens or creates the archive at path. masterKey seals reports and
// keys the row chain; it must pass security.ValidateKeyStrength. A second
// Open of the same path fails with security.ErrLocked until the first
// archive is closed.
func Open(path string, masterKey []byte, opts ...Option) (*Archive, error) {
	if err := security.ValidateKeyStrength(masterKey); err != nil {
		return nil, fmt.Errorf("archive key: %w", err)
	}
	chainKey, err := security.DeriveKeyWithLabel(masterKey, "archive-chain-v1", security.KeySize)
	if err != nil {
		return nil, fmt.Errorf("derive chain key: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), security.PermSecretDir); err != nil {
		return nil, fmt.Errorf("create archive directory: %w", err)
	}

	lock, err := security.AcquireLock(path + ".lock")
	if err != nil {
		return nil, fmt.Errorf("lock archive: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		lock.Release()
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	fail := func(format string, err error) (*Archive, error) {
		db.Close()
		lock.Release()
		return nil, fmt.Errorf(format, err)
	}

	if err := db.Ping(); err != nil {
		return fail("open database: %w", err)
	}
	if err := os.Chmod(path, security.PermSecretFile); err != nil {
		return fail("set database permissions: %w", err)
	}
	if err := Migrate(context.Background(), db); err != nil {
		return fail("migrate database: %w", err)
	}

	a := &Archive{
		db:       db,
		lock:     lock,
		path:     path,
		master:   append([]byte(nil), masterKey...),
		chainKey: chainKey,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.logger == nil {
		a.logger = logging.Default()
	}
	a.logger = a.logger.WithComponent("store")
	return a, nil
}

// Path returns the database path.
func (a *Archive) Path() string {
	return a.path
}

// Archive builds, seals and appends the report for an ended session.
func (a *Archive) Archive(ctx context.Context, session sentinel.ExamSession, violations []sentinel.Violation) error {
	r, err := report.Build(session, violations)
	if err != nil {
		return err
	}
	r.GeneratedAt = a.now().UTC()
	if err := r.SealWith(a.master); err != nil {
		return fmt.Errorf("seal report: %w", err)
	}
	reportHash, err := r.Hash()
	if err != nil {
		return fmt.Errorf("hash report: %w", err)
	}
	var doc bytes.Buffer
	if err := r.Encode(&doc); err != nil {
		return fmt.Errorf("encode report: %w", err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return ErrClosed
	}

	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	prev, err := headHash(ctx, tx)
	if err != nil {
		return err
	}
	archivedAt := a.now().UnixNano()
	row := link{
		sessionID:  r.SessionID,
		reportHash: reportHash[:],
		prevHash:   prev,
		archivedAt: archivedAt,
	}
	rowHash := row.hash(a.chainKey)

	_, err = tx.ExecContext(ctx, `
		INSERT INTO reports (session_id, exam_id, start_ns, end_ns, critical, total,
		                     document, report_hash, prev_hash, row_hash, archived_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.SessionID, r.ExamID, r.StartTime.UnixNano(), r.EndTime.UnixNano(),
		r.Summary.Critical, r.Summary.Total,
		doc.Bytes(), reportHash[:], prev, rowHash, archivedAt,
	)
	if err != nil {
		var se sqlite3.Error
		if errors.As(err, &se) && se.ExtendedCode == sqlite3.ErrConstraintUnique {
			return fmt.Errorf("%w: %s", ErrDuplicate, r.SessionID)
		}
		return fmt.Errorf("insert report: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	head := hex.EncodeToString(rowHash)
	a.metrics.ReportArchived()
	a.logger.Info("report archived",
		"session", r.SessionID,
		"violations", r.Summary.Total,
		"critical", r.Summary.Critical,
		"row_hash", head)
	if a.audit != nil {
		if err := a.audit.LogReportArchived(ctx, r.SessionID, head); err != nil {
			a.logger.Warn("audit write failed", "error", err)
		}
	}
	return nil
}

// Get returns the archived report for sessionID after checking its seal
// and that it matches the hash recorded in the chain.
func (a *Archive) Get(ctx context.Context, sessionID string) (*report.Report, error) {
	var doc, reportHash []byte
	var deletedAt sql.NullInt64
	err := a.db.QueryRowContext(ctx,
		`SELECT document, report_hash, deleted_at FROM reports WHERE session_id = ?`,
		sessionID,
	).Scan(&doc, &reportHash, &deletedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, sessionID)
		}
		return nil, fmt.Errorf("get report: %w", err)
	}
	if deletedAt.Valid {
		return nil, fmt.Errorf("%w: %s", ErrDeleted, sessionID)
	}
	return a.openDocument(doc, reportHash)
}

func (a *Archive) openDocument(doc, reportHash []byte) (*report.Report, error) {
	r, err := report.Decode(doc)
	if err != nil {
		return nil, err
	}
	if err := r.Verify(a.master); err != nil {
		return nil, err
	}
	sum, err := r.Hash()
	if err != nil {
		return nil, fmt.Errorf("hash report: %w", err)
	}
	if !security.SecureCompare(sum[:], reportHash) {
		return nil, fmt.Errorf("%w: report hash differs from chain", ErrChainBroken)
	}
	return r, nil
}

// List returns every archived report in archive order.
func (a *Archive) List(ctx context.Context) ([]Entry, error) {
	rows, err := a.db.QueryContext(ctx, `
		SELECT id, session_id, exam_id, start_ns, end_ns, critical, total,
		       row_hash, archived_at, deleted_at
		FROM reports ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("query reports: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var startNs, endNs, archivedNs int64
		var rowHash []byte
		var deletedAt sql.NullInt64
		if err := rows.Scan(&e.Seq, &e.SessionID, &e.ExamID, &startNs, &endNs,
			&e.Critical, &e.Total, &rowHash, &archivedNs, &deletedAt); err != nil {
			return nil, fmt.Errorf("scan report: %w", err)
		}
		e.StartTime = time.Unix(0, startNs).UTC()
		e.EndTime = time.Unix(0, endNs).UTC()
		e.ArchivedAt = time.Unix(0, archivedNs).UTC()
		e.RowHash = hex.EncodeToString(rowHash)
		if deletedAt.Valid {
			t := time.Unix(0, deletedAt.Int64).UTC()
			e.DeletedAt = &t
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate reports: %w", err)
	}
	return entries, nil
}

// Delete discards the report body for sessionID. The chain link stays.
// Deleting an already deleted report is a no-op.
func (a *Archive) Delete(ctx context.Context, sessionID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return ErrClosed
	}

	res, err := a.db.ExecContext(ctx,
		`UPDATE reports SET document = NULL, deleted_at = ? WHERE session_id = ? AND deleted_at IS NULL`,
		a.now().UnixNano(), sessionID)
	if err != nil {
		return fmt.Errorf("delete report: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete report: %w", err)
	}
	if n == 0 {
		var exists int
		if err := a.db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM reports WHERE session_id = ?`, sessionID).Scan(&exists); err != nil {
			return fmt.Errorf("delete report: %w", err)
		}
		if exists == 0 {
			return fmt.Errorf("%w: %s", ErrNotFound, sessionID)
		}
		return nil
	}

	a.logger.Info("report deleted", "session", sessionID)
	if a.audit != nil {
		if err := a.audit.LogReportDeleted(ctx, sessionID); err != nil {
			a.logger.Warn("audit write failed", "error", err)
		}
	}
	return nil
}

// Stats returns archive counts and the current chain head.
func (a *Archive) Stats(ctx context.Context) (Stats, error) {
	var s Stats
	err := a.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COUNT(deleted_at) FROM reports`).Scan(&s.Reports, &s.Deleted)
	if err != nil {
		return Stats{}, fmt.Errorf("count reports: %w", err)
	}
	head, err := headHash(ctx, a.db)
	if err != nil {
		return Stats{}, err
	}
	if s.Reports > 0 {
		s.Head = hex.EncodeToString(head)
	}
	return s, nil
}

// Ping checks that the database is reachable.
func (a *Archive) Ping(ctx context.Context) error {
	a.mu.Lock()
	closed := a.closed
	a.mu.Unlock()
	if closed {
		return ErrClosed
	}
	return a.db.PingContext(ctx)
}

// Close closes the database and releases the lock file.
func (a *Archive) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil
	}
	a.closed = true
	err := a.db.Close()
	if lerr := a.lock.Release(); err == nil {
		err = lerr
	}
	return err
}
