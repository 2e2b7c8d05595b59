package journal

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Natiabay/Autonomous-Blind-Examiner-Mobile-application-sub002/internal/logging"
	"github.com/Natiabay/Autonomous-Blind-Examiner-Mobile-application-sub002/internal/security"
	"github.com/Natiabay/Autonomous-Blind-Examiner-Mobile-application-sub002/internal/sentinel"
	"github.com/Natiabay/Autonomous-Blind-Examiner-Mobile-application-sub002/internal/store"
)

var t0 = time.Now().UTC().Add(-time.Hour).Truncate(time.Second)

func newTestManager(t *testing.T, dir string, key []byte) *Manager {
	t.Helper()
	m, err := NewManager(dir, key, logging.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })
	return m
}

func violation(id string, seq int, kind sentinel.ViolationKind, sev sentinel.Severity) sentinel.Violation {
	return sentinel.Violation{
		SessionID: id,
		Seq:       seq,
		Kind:      kind,
		Message:   string(kind),
		Severity:  sev,
		Timestamp: t0.Add(time.Duration(seq) * time.Second),
	}
}

func startSession(t *testing.T, m *Manager, id string) sentinel.ExamSession {
	t.Helper()
	s := sentinel.ExamSession{ID: id, ExamID: "math-101", ExamTitle: "Algebra", StartTime: t0}
	require.NoError(t, m.Begin(s))
	return s
}

func ended(s sentinel.ExamSession) sentinel.ExamSession {
	end := t0.Add(time.Minute)
	s.EndTime = &end
	s.Completed = true
	return s
}

func TestNewManagerRejectsWeakKey(t *testing.T) {
	_, err := NewManager(t.TempDir(), make([]byte, 32), nil)
	assert.ErrorIs(t, err, security.ErrWeakKey)
}

func TestFinishArchivedRemovesJournal(t *testing.T) {
	dir := t.TempDir()
	m := newTestManager(t, dir, newTestKey(t))

	s := startSession(t, m, "s-1")
	require.NoError(t, m.Record(violation("s-1", 1, sentinel.KindFocusLost, sentinel.SeverityWarning)))
	assert.FileExists(t, filepath.Join(dir, "s-1.journal"))

	require.NoError(t, m.Finish(ended(s), true))
	assert.NoFileExists(t, filepath.Join(dir, "s-1.journal"))
	assert.Error(t, m.Record(violation("s-1", 2, sentinel.KindFocusLost, sentinel.SeverityWarning)))
	assert.NoError(t, m.Finish(ended(s), true), "finishing twice is a no-op")
}

func TestFinishUnarchivedKeepsEndedJournal(t *testing.T) {
	dir := t.TempDir()
	m := newTestManager(t, dir, newTestKey(t))

	s := startSession(t, m, "s-1")
	require.NoError(t, m.Record(violation("s-1", 1, sentinel.KindSurfaceStopped, sentinel.SeverityCritical)))
	require.NoError(t, m.Finish(ended(s), false))

	rec, err := m.Read(filepath.Join(dir, "s-1.journal"))
	require.NoError(t, err)
	assert.False(t, rec.Interrupted)
	assert.Equal(t, ended(s).EndTime.UTC(), rec.Session.EndTime.UTC())
	require.Len(t, rec.Violations, 1)
	assert.Equal(t, sentinel.KindSurfaceStopped, rec.Violations[0].Kind)
	assert.Equal(t, sentinel.SeverityCritical, rec.Violations[0].Severity)
}

func TestPendingSkipsActiveSessions(t *testing.T) {
	dir := t.TempDir()
	m := newTestManager(t, dir, newTestKey(t))

	startSession(t, m, "active")
	done := startSession(t, m, "done")
	require.NoError(t, m.Finish(ended(done), false))

	pending, err := m.Pending()
	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Join(dir, "done.journal")}, pending)
}

func TestRecoverInterruptedSession(t *testing.T) {
	dir := t.TempDir()
	key := newTestKey(t)

	crashed := newTestManager(t, filepath.Join(dir, "journal"), key)
	startSession(t, crashed, "s-1")
	require.NoError(t, crashed.Record(violation("s-1", 2, sentinel.KindPinLost, sentinel.SeverityCritical)))
	require.NoError(t, crashed.Record(violation("s-1", 1, sentinel.KindFocusLost, sentinel.SeverityWarning)))
	require.NoError(t, crashed.Close())

	archive, err := store.Open(filepath.Join(dir, "reports.db"), key, store.WithLogger(logging.Nop()))
	require.NoError(t, err)
	defer archive.Close()

	m := newTestManager(t, filepath.Join(dir, "journal"), key)
	recovered, err := m.Recover(context.Background(), archive)
	require.NoError(t, err)
	require.Len(t, recovered, 1)

	rec := recovered[0]
	assert.True(t, rec.Interrupted)
	require.Len(t, rec.Violations, 3)
	assert.Equal(t, []int{1, 2, 3}, []int{rec.Violations[0].Seq, rec.Violations[1].Seq, rec.Violations[2].Seq})
	last := rec.Violations[2]
	assert.Equal(t, sentinel.KindSessionInterrupted, last.Kind)
	assert.Equal(t, sentinel.SeverityCritical, last.Severity)
	assert.NoFileExists(t, filepath.Join(dir, "journal", "s-1.journal"))

	r, err := archive.Get(context.Background(), "s-1")
	require.NoError(t, err)
	assert.Equal(t, 2, r.Summary.Critical)
	assert.Equal(t, 3, r.Summary.Total)

	again, err := m.Recover(context.Background(), archive)
	require.NoError(t, err)
	assert.Empty(t, again)
}

func TestRecoverAlreadyArchived(t *testing.T) {
	dir := t.TempDir()
	key := newTestKey(t)
	m := newTestManager(t, filepath.Join(dir, "journal"), key)

	s := startSession(t, m, "s-1")
	require.NoError(t, m.Finish(ended(s), false))

	archive, err := store.Open(filepath.Join(dir, "reports.db"), key, store.WithLogger(logging.Nop()))
	require.NoError(t, err)
	defer archive.Close()
	require.NoError(t, archive.Archive(context.Background(), ended(s), nil))

	recovered, err := m.Recover(context.Background(), archive)
	require.NoError(t, err)
	assert.Len(t, recovered, 1)
	assert.NoFileExists(t, filepath.Join(dir, "journal", "s-1.journal"))
}

func TestRecoverQuarantinesCorruptJournal(t *testing.T) {
	dir := t.TempDir()
	m := newTestManager(t, dir, newTestKey(t))

	bad := filepath.Join(dir, "bad.journal")
	require.NoError(t, os.WriteFile(bad, []byte("garbage"), 0600))

	recovered, err := m.Recover(context.Background(), nil)
	assert.ErrorIs(t, err, ErrInvalidMagic)
	assert.Empty(t, recovered)
	assert.NoFileExists(t, bad)
	assert.FileExists(t, bad+corruptExt)
}

func TestRecoverWithoutArchiverKeepsJournal(t *testing.T) {
	dir := t.TempDir()
	m := newTestManager(t, dir, newTestKey(t))
	s := startSession(t, m, "s-1")
	require.NoError(t, m.Finish(ended(s), false))

	recovered, err := m.Recover(context.Background(), nil)
	require.NoError(t, err)
	require.Len(t, recovered, 1)
	assert.False(t, recovered[0].Interrupted)
	assert.FileExists(t, filepath.Join(dir, "s-1.journal"))
}
