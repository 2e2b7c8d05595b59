package journal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/Natiabay/Autonomous-Blind-Examiner-Mobile-application-sub002/internal/logging"
	"github.com/Natiabay/Autonomous-Blind-Examiner-Mobile-application-sub002/internal/security"
	"github.com/Natiabay/Autonomous-Blind-Examiner-Mobile-application-sub002/internal/sentinel"
	"github.com/Natiabay/Autonomous-Blind-Examiner-Mobile-application-sub002/internal/store"
)

const (
	fileExt    = ".journal"
	corruptExt = ".corrupt"
	keyLabel   = "journal-v1"
)

var _ sentinel.Journal = (*Manager)(nil)

// Manager keeps one journal per active session in a directory.
type Manager struct {
	mu     sync.Mutex
	dir    string
	key    []byte
	open   map[string]*Log
	logger *logging.Logger
}

// NewManager journals sessions into dir. The HMAC key is derived from
// masterKey.
func NewManager(dir string, masterKey []byte, logger *logging.Logger) (*Manager, error) {
	if err := security.ValidateKeyStrength(masterKey); err != nil {
		return nil, err
	}
	key, err := security.DeriveKeyWithLabel(masterKey, keyLabel, 32)
	if err != nil {
		return nil, fmt.Errorf("derive journal key: %w", err)
	}
	if err := os.MkdirAll(dir, security.PermSecretDir); err != nil {
		return nil, fmt.Errorf("create journal directory: %w", err)
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Manager{
		dir:    dir,
		key:    key,
		open:   make(map[string]*Log),
		logger: logger.WithComponent("journal"),
	}, nil
}

// Dir returns the journal directory.
func (m *Manager) Dir() string {
	return m.dir
}

func (m *Manager) path(sessionID string) string {
	return filepath.Join(m.dir, sessionID+fileExt)
}

func appendJSON(l *Log, t EntryType, v interface{}) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", t, err)
	}
	return l.Append(t, payload)
}

// Begin creates the journal of a new session.
func (m *Manager) Begin(session sentinel.ExamSession) error {
	l, err := Create(m.path(session.ID), session.ID, m.key)
	if err != nil {
		return err
	}
	if err := appendJSON(l, EntrySessionStart, session); err != nil {
		l.Close()
		os.Remove(l.Path())
		return err
	}

	m.mu.Lock()
	m.open[session.ID] = l
	m.mu.Unlock()
	return nil
}

// Record appends a violation to its session's journal.
func (m *Manager) Record(v sentinel.Violation) error {
	m.mu.Lock()
	l := m.open[v.SessionID]
	m.mu.Unlock()
	if l == nil {
		return fmt.Errorf("journal: no open journal for session %s", v.SessionID)
	}
	return appendJSON(l, EntryViolation, v)
}

// Finish closes a session's journal. An archived session's journal is
// removed; otherwise it is kept, marked ended, for a later Recover.
func (m *Manager) Finish(session sentinel.ExamSession, archived bool) error {
	m.mu.Lock()
	l := m.open[session.ID]
	delete(m.open, session.ID)
	m.mu.Unlock()
	if l == nil {
		return nil
	}

	var err error
	if !archived {
		err = appendJSON(l, EntrySessionEnd, session)
	}
	if cerr := l.Close(); err == nil {
		err = cerr
	}
	if archived {
		if rerr := os.Remove(l.Path()); rerr != nil && !errors.Is(rerr, os.ErrNotExist) {
			return rerr
		}
	}
	return err
}

// Recovered is a session rebuilt from its journal.
type Recovered struct {
	Session    sentinel.ExamSession
	Violations []sentinel.Violation
	// Interrupted is set when the journal has no end entry, i.e. the
	// process stopped while the session was active.
	Interrupted bool
	// TornBytes is the size of a partial tail entry that was discarded.
	TornBytes int64
	Path      string
}

// Read rebuilds a session from the journal at path.
func (m *Manager) Read(path string) (*Recovered, error) {
	l, err := Open(path, m.key)
	if err != nil {
		return nil, err
	}
	defer l.Close()

	entries, err := l.Entries()
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 || entries[0].Type != EntrySessionStart {
		return nil, fmt.Errorf("journal %s: missing session start", path)
	}

	rec := &Recovered{Interrupted: true, TornBytes: l.TornBytes(), Path: path}
	if err := json.Unmarshal(entries[0].Payload, &rec.Session); err != nil {
		return nil, fmt.Errorf("decode session start: %w", err)
	}
	if rec.Session.ID != l.SessionID() {
		return nil, fmt.Errorf("journal %s: session %q does not match header %q", path, rec.Session.ID, l.SessionID())
	}

	last := entries[0].Time()
	for _, e := range entries[1:] {
		last = e.Time()
		switch e.Type {
		case EntryViolation:
			var v sentinel.Violation
			if err := json.Unmarshal(e.Payload, &v); err != nil {
				return nil, fmt.Errorf("decode violation %d: %w", e.Sequence, err)
			}
			rec.Violations = append(rec.Violations, v)
		case EntrySessionEnd:
			var s sentinel.ExamSession
			if err := json.Unmarshal(e.Payload, &s); err != nil {
				return nil, fmt.Errorf("decode session end: %w", err)
			}
			rec.Session = s
			rec.Interrupted = false
		default:
			m.logger.Warn("skipping unknown journal entry", "path", path, "type", e.Type.String())
		}
	}
	sort.SliceStable(rec.Violations, func(i, j int) bool { return rec.Violations[i].Seq < rec.Violations[j].Seq })

	if rec.Interrupted || !rec.Session.Completed || rec.Session.EndTime == nil {
		end := last.UTC()
		rec.Session.EndTime = &end
		rec.Session.Completed = true
		rec.Violations = append(rec.Violations, sentinel.Violation{
			SessionID: rec.Session.ID,
			Seq:       nextSeq(rec.Violations),
			Kind:      sentinel.KindSessionInterrupted,
			Message:   interruptedMessage(rec.TornBytes),
			Severity:  sentinel.SeverityCritical,
			Timestamp: end,
		})
	}
	return rec, nil
}

func nextSeq(vs []sentinel.Violation) int {
	if len(vs) == 0 {
		return 1
	}
	return vs[len(vs)-1].Seq + 1
}

func interruptedMessage(torn int64) string {
	msg := "session interrupted before it was ended; log recovered from journal"
	if torn > 0 {
		msg += fmt.Sprintf(" (%d bytes of a partial entry discarded)", torn)
	}
	return msg
}

// Pending lists journals not owned by an active session, oldest first.
func (m *Manager) Pending() ([]string, error) {
	dirEntries, err := os.ReadDir(m.dir)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	type pending struct {
		path string
		mod  time.Time
	}
	var found []pending
	for _, de := range dirEntries {
		name := de.Name()
		if de.IsDir() || !strings.HasSuffix(name, fileExt) {
			continue
		}
		if _, active := m.open[strings.TrimSuffix(name, fileExt)]; active {
			continue
		}
		info, err := de.Info()
		if err != nil {
			continue
		}
		found = append(found, pending{filepath.Join(m.dir, name), info.ModTime()})
	}
	sort.Slice(found, func(i, j int) bool { return found[i].mod.Before(found[j].mod) })

	paths := make([]string, len(found))
	for i, p := range found {
		paths[i] = p.path
	}
	return paths, nil
}

// Recover rebuilds every pending journal and hands it to archiver. A
// journal is removed once its report is archived, or is already in the
// archive. Unreadable journals are renamed with a .corrupt suffix so they
// are not retried. With a nil archiver the sessions are only returned.
func (m *Manager) Recover(ctx context.Context, archiver sentinel.Archiver) ([]*Recovered, error) {
	paths, err := m.Pending()
	if err != nil {
		return nil, err
	}

	var (
		recovered []*Recovered
		errs      []error
	)
	for _, path := range paths {
		if err := ctx.Err(); err != nil {
			return recovered, err
		}

		rec, err := m.Read(path)
		if err != nil {
			m.logger.Error("unreadable journal", "path", path, "error", err)
			if rerr := os.Rename(path, path+corruptExt); rerr != nil {
				errs = append(errs, rerr)
			}
			errs = append(errs, fmt.Errorf("%s: %w", filepath.Base(path), err))
			continue
		}

		if archiver != nil {
			err := archiver.Archive(ctx, rec.Session, rec.Violations)
			if err != nil && !errors.Is(err, store.ErrDuplicate) {
				errs = append(errs, fmt.Errorf("archive %s: %w", rec.Session.ID, err))
				continue
			}
			if err := os.Remove(path); err != nil {
				errs = append(errs, err)
			}
		}

		m.logger.Info("session recovered from journal", "session", rec.Session.ID,
			"violations", len(rec.Violations), "interrupted", rec.Interrupted)
		recovered = append(recovered, rec)
	}
	return recovered, errors.Join(errs...)
}

// Close closes the journals of sessions still active. They stay on disk
// for Recover.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var errs []error
	for id, l := range m.open {
		if err := l.Close(); err != nil {
			errs = append(errs, err)
		}
		delete(m.open, id)
	}
	return errors.Join(errs...)
}
