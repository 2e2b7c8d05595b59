package store

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"database/sql"
	"encoding/binary"
	"errors"
	"fmt"
)

// genesis is the prev_hash of the first row.
var genesis = make([]byte, sha256.Size)

// link is the chained part of a report row.
type link struct {
	sessionID  string
	reportHash []byte
	prevHash   []byte
	archivedAt int64
}

func (l link) hash(key []byte) []byte {
	h := hmac.New(sha256.New, key)
	h.Write([]byte("examguard-archive-v1"))
	h.Write(l.prevHash)
	h.Write(l.reportHash)
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(l.archivedAt))
	h.Write(ts[:])
	h.Write([]byte(l.sessionID))
	return h.Sum(nil)
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func headHash(ctx context.Context, q queryRower) ([]byte, error) {
	var head []byte
	err := q.QueryRowContext(ctx, `SELECT row_hash FROM reports ORDER BY id DESC LIMIT 1`).Scan(&head)
	if errors.Is(err, sql.ErrNoRows) {
		return genesis, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read chain head: %w", err)
	}
	return head, nil
}

// VerifyChain walks the archive in order, checking each row's link to its
// predecessor, its row HMAC, and for rows that still hold a body, the body
// seal and hash. It returns the number of rows checked.
func (a *Archive) VerifyChain(ctx context.Context) (int, error) {
	rows, err := a.db.QueryContext(ctx, `
		SELECT id, session_id, document, report_hash, prev_hash, row_hash, archived_at
		FROM reports ORDER BY id ASC`)
	if err != nil {
		return 0, fmt.Errorf("query reports: %w", err)
	}
	defer rows.Close()

	type row struct {
		id      int64
		doc     []byte
		rowHash []byte
		link
	}

	var all []row
	for rows.Next() {
		var r row
		if err := rows.Scan(&r.id, &r.sessionID, &r.doc, &r.reportHash,
			&r.prevHash, &r.rowHash, &r.archivedAt); err != nil {
			return 0, fmt.Errorf("scan report: %w", err)
		}
		all = append(all, r)
	}
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("iterate reports: %w", err)
	}

	prev := genesis
	for i, r := range all {
		if err := ctx.Err(); err != nil {
			return i, err
		}
		if !hmac.Equal(r.prevHash, prev) {
			return i, fmt.Errorf("%w: row %d does not link to its predecessor", ErrChainBroken, r.id)
		}
		if !hmac.Equal(r.rowHash, r.link.hash(a.chainKey)) {
			return i, fmt.Errorf("%w: row %d HMAC mismatch", ErrChainBroken, r.id)
		}
		if r.doc != nil {
			if _, err := a.openDocument(r.doc, r.reportHash); err != nil {
				return i, fmt.Errorf("%w: row %d body: %w", ErrChainBroken, r.id, err)
			}
		}
		prev = r.rowHash
	}
	return len(all), nil
}
