package sentinel_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Natiabay/Autonomous-Blind-Examiner-Mobile-application-sub002/internal/logging"
	"github.com/Natiabay/Autonomous-Blind-Examiner-Mobile-application-sub002/internal/metrics"
	"github.com/Natiabay/Autonomous-Blind-Examiner-Mobile-application-sub002/internal/platform/sim"
	"github.com/Natiabay/Autonomous-Blind-Examiner-Mobile-application-sub002/internal/sentinel"
)

type archived struct {
	session    sentinel.ExamSession
	violations []sentinel.Violation
}

type recordingArchiver struct {
	mu    sync.Mutex
	calls []archived
}

func (a *recordingArchiver) Archive(ctx context.Context, s sentinel.ExamSession, vs []sentinel.Violation) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls = append(a.calls, archived{session: s, violations: vs})
	return nil
}

func (a *recordingArchiver) archived() []archived {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]archived(nil), a.calls...)
}

func testConfig() *sentinel.Config {
	cfg := sentinel.DefaultConfig()
	cfg.PollInterval = 5 * time.Millisecond
	cfg.RefocusDelay = 20 * time.Millisecond
	cfg.StopTimeout = 200 * time.Millisecond
	return cfg
}

func newSentinel(t *testing.T, opts ...sentinel.Option) (*sentinel.Sentinel, *sim.Device) {
	t.Helper()
	dev := sim.NewDevice()
	opts = append([]sentinel.Option{sentinel.WithLogger(logging.Nop())}, opts...)
	s, err := sentinel.New(testConfig(), sentinel.NewRegistry(logging.Nop()), dev.Ports(), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close(context.Background()) })
	return s, dev
}

func TestNewValidation(t *testing.T) {
	dev := sim.NewDevice()
	reg := sentinel.NewRegistry(logging.Nop())

	_, err := sentinel.New(nil, nil, dev.Ports())
	assert.Error(t, err)

	_, err = sentinel.New(nil, reg, sentinel.Ports{})
	assert.Error(t, err)

	bad := sentinel.DefaultConfig()
	bad.PollInterval = 0
	_, err = sentinel.New(bad, reg, dev.Ports())
	var invalid sentinel.ErrInvalidConfig
	assert.ErrorAs(t, err, &invalid)

	s, err := sentinel.New(nil, reg, dev.Ports())
	require.NoError(t, err)
	assert.Equal(t, time.Second, s.Config().PollInterval)
}

func TestStartSessionEngagesLockdown(t *testing.T) {
	s, dev := newSentinel(t)

	id, err := s.StartSession(context.Background(), "bio-201", "Cell Biology")
	require.NoError(t, err)
	require.NotEmpty(t, id)

	session, ok := s.Session(id)
	require.True(t, ok)
	assert.Equal(t, "bio-201", session.ExamID)
	assert.False(t, session.Completed)
	assert.Equal(t, []string{id}, s.ActiveSessions())

	require.Eventually(t, func() bool { return s.IsEnforcementActive(context.Background()) }, time.Second, time.Millisecond)
	screenOn, orientation, immersive := dev.Display.State()
	assert.True(t, screenOn)
	assert.True(t, orientation)
	assert.True(t, immersive)
	assert.Equal(t, 1, dev.Surface.Listeners())
	assert.Empty(t, s.Violations(id))
}

func TestEndSessionIdempotent(t *testing.T) {
	archiver := &recordingArchiver{}
	m := metrics.NewLockdownMetrics(metrics.NewRegistry("test"))
	s, dev := newSentinel(t, sentinel.WithArchiver(archiver), sentinel.WithMetrics(m))

	id, err := s.StartSession(context.Background(), "e", "t")
	require.NoError(t, err)
	s.LogViolation(id, "screenshot attempt", sentinel.SeverityWarning)

	s.EndSession(context.Background(), id)
	s.EndSession(context.Background(), id)

	session, ok := s.Session(id)
	require.True(t, ok)
	assert.True(t, session.Completed)
	require.NotNil(t, session.EndTime)
	assert.Empty(t, s.ActiveSessions())
	assert.Equal(t, 0, dev.Surface.Listeners())

	_, _, exits := dev.Enforcement.Calls()
	assert.Equal(t, 1, exits)
	screenOn, _, _ := dev.Display.State()
	assert.False(t, screenOn)

	calls := archiver.archived()
	require.Len(t, calls, 1)
	assert.Equal(t, id, calls[0].session.ID)
	require.Len(t, calls[0].violations, 1)
	assert.Equal(t, "screenshot attempt", calls[0].violations[0].Message)

	assert.Equal(t, uint64(1), m.SessionsStarted.Value())
	assert.Equal(t, uint64(1), m.SessionsEnded.Value())
	assert.Equal(t, int64(0), m.ActiveSessions.Value())
	assert.Equal(t, uint64(1), m.Violations("WARNING"))
}

func TestEndUnknownSessionIsNoop(t *testing.T) {
	s, dev := newSentinel(t)

	assert.NotPanics(t, func() { s.EndSession(context.Background(), "no-such-session") })
	_, _, exits := dev.Enforcement.Calls()
	assert.Equal(t, 0, exits)
}

func TestLogViolationOrderAndFreeze(t *testing.T) {
	s, _ := newSentinel(t)

	id, err := s.StartSession(context.Background(), "e", "t")
	require.NoError(t, err)

	s.LogViolation(id, "first", sentinel.SeverityInfo)
	s.LogViolation(id, "second", sentinel.SeverityCritical)
	s.EndSession(context.Background(), id)
	s.LogViolation(id, "late", sentinel.SeverityCritical)
	s.LogViolation("unknown", "orphan", sentinel.SeverityCritical)

	vs := s.Violations(id)
	require.Len(t, vs, 2)
	assert.Equal(t, "first", vs[0].Message)
	assert.Equal(t, sentinel.KindHostReported, vs[0].Kind)
	assert.Equal(t, "second", vs[1].Message)
	assert.Equal(t, 2, vs[1].Seq)
	assert.Empty(t, s.Violations("unknown"))
}

func TestNoViolationAfterEndWithTickInFlight(t *testing.T) {
	s, dev := newSentinel(t)

	id, err := s.StartSession(context.Background(), "e", "t")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return s.IsEnforcementActive(context.Background()) }, time.Second, time.Millisecond)

	entered := make(chan struct{}, 1)
	release := make(chan struct{})
	dev.Enforcement.SetEnterFunc(func() error {
		select {
		case entered <- struct{}{}:
		default:
		}
		<-release
		return errors.New("late failure")
	})
	dev.Unpin()

	select {
	case <-entered:
	case <-time.After(time.Second):
		t.Fatal("monitor never tried to re-enter pinning")
	}

	s.EndSession(context.Background(), id)
	frozen := s.Violations(id)
	require.NotEmpty(t, frozen)
	assert.Equal(t, sentinel.KindPinLost, frozen[0].Kind)

	close(release)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, frozen, s.Violations(id))
}

func TestPinLossRecovery(t *testing.T) {
	s, dev := newSentinel(t)
	events := s.Subscribe()

	id, err := s.StartSession(context.Background(), "e", "t")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return s.IsEnforcementActive(context.Background()) }, time.Second, time.Millisecond)

	dev.Unpin()
	require.Eventually(t, func() bool {
		return len(s.Violations(id)) > 0 && s.IsEnforcementActive(context.Background())
	}, time.Second, time.Millisecond)

	vs := s.Violations(id)
	assert.Equal(t, sentinel.KindPinLost, vs[0].Kind)
	assert.Equal(t, sentinel.SeverityCritical, vs[0].Severity)

	want := map[sentinel.EventType]bool{
		sentinel.SessionStarted:      false,
		sentinel.ViolationRecorded:   false,
		sentinel.EnforcementLost:     false,
		sentinel.EnforcementRestored: false,
	}
	deadline := time.After(time.Second)
	for remaining := len(want); remaining > 0; {
		select {
		case ev := <-events:
			if seen, tracked := want[ev.Type]; tracked && !seen {
				want[ev.Type] = true
				remaining--
			}
		case <-deadline:
			t.Fatalf("missing events: %v", want)
		}
	}
}

func TestAppSwitchIsCriticalAndRefocused(t *testing.T) {
	s, dev := newSentinel(t)

	id, err := s.StartSession(context.Background(), "e", "t")
	require.NoError(t, err)

	dev.SwitchAway()

	vs := s.Violations(id)
	require.Len(t, vs, 2)
	assert.Equal(t, sentinel.KindSurfacePaused, vs[0].Kind)
	assert.Equal(t, sentinel.SeverityInfo, vs[0].Severity)
	assert.Equal(t, sentinel.KindSurfaceStopped, vs[1].Kind)
	assert.Equal(t, sentinel.SeverityCritical, vs[1].Severity)

	require.Eventually(t, func() bool { return len(dev.Foreground.BringToFrontCalls()) == 1 }, time.Second, time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	assert.Len(t, dev.Foreground.BringToFrontCalls(), 1)
}

// lifecycleLog records transitions seen on the surface. Registered after
// the guard, it sees each transition only once the guard has handled it.
type lifecycleLog struct {
	mu    sync.Mutex
	kinds []sentinel.LifecycleKind
}

func (l *lifecycleLog) OnLifecycle(ev sentinel.LifecycleEvent) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.kinds = append(l.kinds, ev.Kind)
}

func (l *lifecycleLog) count(kind sentinel.LifecycleKind) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, k := range l.kinds {
		if k == kind {
			n++
		}
	}
	return n
}

func TestRepeatedFocusLossIsRefocusedEachTime(t *testing.T) {
	s, dev := newSentinel(t)

	id, err := s.StartSession(context.Background(), "e", "t")
	require.NoError(t, err)
	seen := &lifecycleLog{}
	require.NoError(t, dev.Surface.Register(seen))

	for i := 1; i <= 2; i++ {
		dev.Foreground.SetForeground(false)
		dev.Publish(sentinel.FocusLost)
		require.Eventually(t, func() bool {
			return seen.count(sentinel.FocusGained) == i
		}, time.Second, time.Millisecond)
	}

	focusLost := 0
	for _, v := range s.Violations(id) {
		if v.Kind == sentinel.KindFocusLost {
			focusLost++
		}
	}
	assert.Equal(t, 2, focusLost)
	assert.Len(t, dev.Foreground.BringToFrontCalls(), 2)
}

func TestLifecycleAfterEndIgnored(t *testing.T) {
	s, dev := newSentinel(t)

	id, err := s.StartSession(context.Background(), "e", "t")
	require.NoError(t, err)
	s.EndSession(context.Background(), id)

	dev.SwitchAway()
	time.Sleep(50 * time.Millisecond)

	assert.Empty(t, s.Violations(id))
	assert.Empty(t, dev.Foreground.BringToFrontCalls())
}

func TestExitOnlyAfterLastSession(t *testing.T) {
	s, dev := newSentinel(t)

	a, err := s.StartSession(context.Background(), "e", "a")
	require.NoError(t, err)
	b, err := s.StartSession(context.Background(), "e", "b")
	require.NoError(t, err)

	s.EndSession(context.Background(), a)
	_, _, exits := dev.Enforcement.Calls()
	assert.Equal(t, 0, exits)

	s.EndSession(context.Background(), b)
	_, _, exits = dev.Enforcement.Calls()
	assert.Equal(t, 1, exits)
}

func TestIsEnforcementActiveQueryError(t *testing.T) {
	s, dev := newSentinel(t)

	dev.Enforcement.ScriptSteps(sim.Step{Err: sim.ErrQueryFailed})
	assert.False(t, s.IsEnforcementActive(context.Background()))

	dev.Enforcement.SetActive(true)
	assert.True(t, s.IsEnforcementActive(context.Background()))
}

func TestDiscardSession(t *testing.T) {
	s, _ := newSentinel(t)

	id, err := s.StartSession(context.Background(), "e", "t")
	require.NoError(t, err)
	assert.ErrorIs(t, s.DiscardSession(id), sentinel.ErrSessionActive)

	s.EndSession(context.Background(), id)
	require.NoError(t, s.DiscardSession(id))
	assert.ErrorIs(t, s.DiscardSession(id), sentinel.ErrSessionNotFound)
}

func TestSetConfigAppliesToNewSessions(t *testing.T) {
	s, _ := newSentinel(t)

	bad := testConfig()
	bad.MaxRecoveryAttempts = 0
	assert.Error(t, s.SetConfig(bad))
	assert.Error(t, s.SetConfig(nil))

	good := testConfig()
	good.MaxRecoveryAttempts = 2
	require.NoError(t, s.SetConfig(good))
	assert.Equal(t, 2, s.Config().MaxRecoveryAttempts)
}

func TestCloseEndsSessions(t *testing.T) {
	s, _ := newSentinel(t)
	events := s.Subscribe()

	id, err := s.StartSession(context.Background(), "e", "t")
	require.NoError(t, err)

	require.NoError(t, s.Close(context.Background()))
	require.NoError(t, s.Close(context.Background()))

	session, _ := s.Session(id)
	assert.True(t, session.Completed)

	_, err = s.StartSession(context.Background(), "e", "t")
	assert.ErrorIs(t, err, sentinel.ErrClosed)

	for range events {
	}
	_, open := <-s.Subscribe()
	assert.False(t, open)
}

type recordingJournal struct {
	mu       sync.Mutex
	begun    []string
	recorded []sentinel.Violation
	finished map[string]bool
}

func (j *recordingJournal) Begin(s sentinel.ExamSession) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.begun = append(j.begun, s.ID)
	return nil
}

func (j *recordingJournal) Record(v sentinel.Violation) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.recorded = append(j.recorded, v)
	return nil
}

func (j *recordingJournal) Finish(s sentinel.ExamSession, archived bool) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.finished == nil {
		j.finished = make(map[string]bool)
	}
	j.finished[s.ID] = archived
	return nil
}

type failingArchiver struct{}

func (failingArchiver) Archive(context.Context, sentinel.ExamSession, []sentinel.Violation) error {
	return errors.New("disk full")
}

func TestJournalFollowsSession(t *testing.T) {
	tests := []struct {
		name     string
		archiver sentinel.Archiver
		archived bool
	}{
		{"archived", &recordingArchiver{}, true},
		{"archive failed", failingArchiver{}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			j := &recordingJournal{}
			s, _ := newSentinel(t, sentinel.WithJournal(j), sentinel.WithArchiver(tt.archiver))

			id, err := s.StartSession(context.Background(), "e", "t")
			require.NoError(t, err)
			s.LogViolation(id, "second screen", sentinel.SeverityWarning)
			s.EndSession(context.Background(), id)

			j.mu.Lock()
			defer j.mu.Unlock()
			assert.Equal(t, []string{id}, j.begun)
			var messages []string
			for _, v := range j.recorded {
				messages = append(messages, v.Message)
			}
			assert.Contains(t, messages, "second screen")
			assert.Equal(t, map[string]bool{id: tt.archived}, j.finished)
		})
	}
}
