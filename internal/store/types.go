// Package store keeps sealed exam session reports in a local SQLite archive.
//
// Security Model:
//  1. File permissions: 0600 (owner read/write only)
//  2. Single writer: an exclusive lock file guards the database
//  3. Sealed bodies: every report carries an HMAC seal over its contents
//  4. Chain linking: each row's HMAC covers the previous row's hash
//
// Deleting a report clears its body but keeps its chain link, so the
// chain still verifies after a host discards old sessions.
package store

import (
	"errors"
	"time"
)

// Errors
var (
	ErrNotFound    = errors.New("store: report not found")
	ErrDeleted     = errors.New("store: report was deleted")
	ErrDuplicate   = errors.New("store: session already archived")
	ErrChainBroken = errors.New("store: archive chain broken")
	ErrClosed      = errors.New("store: archive closed")
)

// Entry describes one archived report without its body.
type Entry struct {
	Seq        int64
	SessionID  string
	ExamID     string
	StartTime  time.Time
	EndTime    time.Time
	Critical   int
	Total      int
	RowHash    string
	ArchivedAt time.Time
	DeletedAt  *time.Time
}

// Deleted reports whether the host discarded the report body.
func (e Entry) Deleted() bool {
	return e.DeletedAt != nil
}

// Stats summarizes the archive.
type Stats struct {
	Reports int64
	Deleted int64
	Head    string
}
