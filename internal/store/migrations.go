package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// schemaStep is one versioned change to the archive schema.
type schemaStep struct {
	version int
	name    string
	up      string
	down    string
}

var schema = []schemaStep{
	{
		version: 1,
		name:    "sealed reports with chained row hashes",
		up: `
CREATE TABLE IF NOT EXISTS reports (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id  TEXT NOT NULL UNIQUE,
    exam_id     TEXT NOT NULL,
    start_ns    INTEGER NOT NULL,
    end_ns      INTEGER NOT NULL,
    critical    INTEGER NOT NULL,
    total       INTEGER NOT NULL,
    document    BLOB,
    report_hash BLOB NOT NULL,
    prev_hash   BLOB NOT NULL,
    row_hash    BLOB NOT NULL UNIQUE,
    archived_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS reports_by_exam ON reports(exam_id, start_ns);`,
		down: `
DROP INDEX IF EXISTS reports_by_exam;
DROP TABLE IF EXISTS reports;`,
	},
	{
		version: 2,
		name:    "deleted report bodies",
		up:      `ALTER TABLE reports ADD COLUMN deleted_at INTEGER;`,
		down:    `ALTER TABLE reports DROP COLUMN deleted_at;`,
	},
}

var errNothingToRollback = errors.New("store: no schema version to roll back")

// SchemaStatus is the applied and latest schema version.
type SchemaStatus struct {
	Current int
	Latest  int
	Pending []string
}

// withTx runs fn in a transaction, committing only when fn succeeds.
func withTx(ctx context.Context, db *sql.DB, fn func(*sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func ensureVersionTable(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_version (
    version    INTEGER PRIMARY KEY,
    name       TEXT NOT NULL,
    applied_ns INTEGER NOT NULL
)`)
	if err != nil {
		return fmt.Errorf("create schema_version: %w", err)
	}
	return nil
}

func appliedVersion(ctx context.Context, db *sql.DB) (int, error) {
	var v int
	if err := db.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_version`).Scan(&v); err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	return v, nil
}

// Migrate brings the schema up to the latest version, one transaction
// per step.
func Migrate(ctx context.Context, db *sql.DB) error {
	if err := ensureVersionTable(ctx, db); err != nil {
		return err
	}
	have, err := appliedVersion(ctx, db)
	if err != nil {
		return err
	}

	for _, step := range schema {
		if step.version <= have {
			continue
		}
		err := withTx(ctx, db, func(tx *sql.Tx) error {
			if _, err := tx.ExecContext(ctx, step.up); err != nil {
				return err
			}
			_, err := tx.ExecContext(ctx,
				`INSERT INTO schema_version (version, name, applied_ns) VALUES (?, ?, ?)`,
				step.version, step.name, time.Now().UnixNano())
			return err
		})
		if err != nil {
			return fmt.Errorf("schema v%d (%s): %w", step.version, step.name, err)
		}
	}
	return nil
}

// Rollback undoes the most recently applied schema step.
func Rollback(ctx context.Context, db *sql.DB) error {
	have, err := appliedVersion(ctx, db)
	if err != nil {
		return err
	}
	if have == 0 {
		return errNothingToRollback
	}

	for _, step := range schema {
		if step.version != have {
			continue
		}
		return withTx(ctx, db, func(tx *sql.Tx) error {
			if _, err := tx.ExecContext(ctx, step.down); err != nil {
				return fmt.Errorf("roll back v%d: %w", have, err)
			}
			_, err := tx.ExecContext(ctx, `DELETE FROM schema_version WHERE version = ?`, have)
			return err
		})
	}
	return fmt.Errorf("store: unknown schema version %d", have)
}

// Schema reports the applied version and the steps still to run.
func Schema(ctx context.Context, db *sql.DB) (SchemaStatus, error) {
	st := SchemaStatus{Latest: schema[len(schema)-1].version}
	if err := ensureVersionTable(ctx, db); err != nil {
		return st, err
	}
	have, err := appliedVersion(ctx, db)
	if err != nil {
		return st, err
	}
	st.Current = have
	for _, step := range schema {
		if step.version > have {
			st.Pending = append(st.Pending, step.name)
		}
	}
	return st, nil
}
