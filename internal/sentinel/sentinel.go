// Package sentinel is the exam lockdown core.
//
// A Sentinel keeps the exam surface pinned to the foreground for the life of
// each exam session, records every attempt to escape the lockdown, and
// recovers automatically when enforcement is lost. Per session it runs:
//   - a PinMonitor polling the platform's pin state and re-entering it
//   - a LifecycleGuard reacting to resume/pause/stop/focus transitions
//
// Both append to the session's violation log through the Registry, which
// is the only place session state is mutated. No failure inside the core is
// ever returned to the host's UI thread: platform errors and panics become
// CRITICAL violations and the exam continues.
package sentinel

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Natiabay/Autonomous-Blind-Examiner-Mobile-application-sub002/internal/logging"
	"github.com/Natiabay/Autonomous-Blind-Examiner-Mobile-application-sub002/internal/metrics"
)

// Archiver receives the frozen violation log of every ended session.
type Archiver interface {
	Archive(ctx context.Context, session ExamSession, violations []Violation) error
}

// Journal durably records session activity as it happens, so a session
// cut short by a process crash can be rebuilt. Finish reports whether the
// session's report reached the archiver.
type Journal interface {
	Begin(session ExamSession) error
	Record(v Violation) error
	Finish(session ExamSession, archived bool) error
}

// Option configures optional collaborators of a Sentinel.
type Option func(*Sentinel)

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(s *Sentinel) { s.logger = l }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.LockdownMetrics) Option {
	return func(s *Sentinel) { s.metrics = m }
}

// WithAudit sets the audit logger.
func WithAudit(a *logging.AuditLogger) Option {
	return func(s *Sentinel) { s.audit = a }
}

// WithArchiver sets where ended sessions are archived.
func WithArchiver(a Archiver) Option {
	return func(s *Sentinel) { s.archiver = a }
}

// WithJournal sets the write-ahead journal for session activity.
func WithJournal(j Journal) Option {
	return func(s *Sentinel) { s.journal = j }
}

// recorder appends violations through the registry and fans successful
// appends out to the sentinel's observers.
type recorder struct {
	reg      *Registry
	observe  func(Violation)
	inflight *inflight
}

func (r recorder) record(id string, kind ViolationKind, sev Severity, msg string) bool {
	if r.inflight != nil {
		r.inflight.enter(id)
		defer r.inflight.leave(id)
	}
	v, ok := r.reg.Record(id, kind, msg, sev)
	if ok && r.observe != nil {
		r.observe(v)
	}
	return ok
}

// inflight counts, per session, records that may have been appended to the
// registry but not yet observed. A record enters before it appends, so
// once the registry has ended a session its count can only fall.
type inflight struct {
	mu   sync.Mutex
	cond *sync.Cond
	n    map[string]int
}

func newInflight() *inflight {
	f := &inflight{n: make(map[string]int)}
	f.cond = sync.NewCond(&f.mu)
	return f
}

func (f *inflight) enter(id string) {
	f.mu.Lock()
	f.n[id]++
	f.mu.Unlock()
}

func (f *inflight) leave(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.n[id]--
	if f.n[id] <= 0 {
		delete(f.n, id)
		f.cond.Broadcast()
	}
}

// drain waits up to timeout for the session's records to be observed.
// It reports whether they all were.
func (f *inflight) drain(id string, timeout time.Duration) bool {
	finished := make(chan struct{})
	go func() {
		f.mu.Lock()
		for f.n[id] > 0 {
			f.cond.Wait()
		}
		f.mu.Unlock()
		close(finished)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-finished:
		return true
	case <-timer.C:
		return false
	}
}

// runtime is the background machinery of one active session.
type runtime struct {
	exec    *executor
	monitor *PinMonitor
	guard   *LifecycleGuard
	cfg     *Config
}

// Sentinel is the single entry point exposed to the host UI.
type Sentinel struct {
	mu sync.RWMutex

	config *Config
	reg    *Registry
	ports  Ports

	logger   *logging.Logger
	metrics  *metrics.LockdownMetrics
	audit    *logging.AuditLogger
	archiver Archiver
	journal  Journal

	runtimes    map[string]*runtime
	inflight    *inflight
	subscribers []chan Event
	closed      bool
}

// New creates a Sentinel around an existing registry. The registry is owned
// by the caller's composition root and may be inspected directly.
func New(cfg *Config, reg *Registry, ports Ports, opts ...Option) (*Sentinel, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if reg == nil {
		return nil, fmt.Errorf("sentinel: registry is required")
	}
	if ports.Enforcement == nil || ports.Foreground == nil {
		return nil, fmt.Errorf("sentinel: enforcement and foreground ports are required")
	}

	s := &Sentinel{
		config:   cfg.Clone(),
		reg:      reg,
		ports:    ports,
		runtimes: make(map[string]*runtime),
		inflight: newInflight(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = logging.Default()
	}
	s.logger = s.logger.WithComponent("sentinel")
	return s, nil
}

// SetConfig replaces the configuration used for sessions started afterwards.
func (s *Sentinel) SetConfig(cfg *Config) error {
	if cfg == nil {
		return ErrInvalidConfig{"config is nil"}
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.config = cfg.Clone()
	return nil
}

// Config returns a copy of the current configuration.
func (s *Sentinel) Config() *Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.config.Clone()
}

// Registry returns the session registry.
func (s *Sentinel) Registry() *Registry {
	return s.reg
}

// StartSession creates a session, starts its pinning monitor and registers
// its lifecycle guard. It does not wait on the platform: initial pinning and
// display measures are applied on the session's own goroutine.
func (s *Sentinel) StartSession(ctx context.Context, examID, examTitle string) (string, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return "", ErrClosed
	}
	cfg := s.config.Clone()

	session, err := s.reg.Create(examID, examTitle)
	if err != nil {
		s.mu.Unlock()
		return "", fmt.Errorf("create session: %w", err)
	}
	id := session.ID

	rec := s.violationRecorder()
	exec := newExecutor(context.Background())
	rt := &runtime{
		exec:    exec,
		cfg:     cfg,
		monitor: newPinMonitor(id, cfg, s.reg, s.ports.Enforcement, rec, s.logger, s.metrics, s.emitEvent),
		guard:   newLifecycleGuard(id, cfg, s.reg, s.ports, exec, rec, s.logger, s.metrics),
	}
	s.runtimes[id] = rt
	s.mu.Unlock()

	if s.journal != nil {
		if err := s.journal.Begin(session); err != nil {
			s.logger.Error("open session journal failed", "session", id, "error", err)
		}
	}

	if s.ports.Lifecycle != nil {
		if err := s.ports.Lifecycle.Register(rt.guard); err != nil {
			s.logger.Warn("register lifecycle guard failed", "session", id, "error", err)
		}
	}

	exec.Go(func(ctx context.Context) {
		s.engage(ctx, id, cfg)
		rt.monitor.Run(ctx)
	})

	s.metrics.SessionStarted()
	s.logger.Info("exam session started", "session", id, "exam", examID)
	if s.audit != nil {
		_ = s.audit.LogSessionStart(ctx, id, map[string]interface{}{
			"exam_id":    examID,
			"exam_title": examTitle,
		})
	}
	s.emitEvent(SessionStarted, id)
	return id, nil
}

// engage applies display measures and the initial pin for a new session.
func (s *Sentinel) engage(ctx context.Context, id string, cfg *Config) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("initial lockdown panicked", "session", id, "panic", r)
		}
	}()
	applyDisplay(ctx, s.ports.Display, cfg, true, s.logger)
	if err := s.ports.Enforcement.Enter(ctx); err != nil {
		s.logger.Warn("initial screen pinning not granted", "session", id, "error", err)
	}
}

// EndSession completes a session, cancels its monitor and pending recovery
// tasks, unregisters its lifecycle guard and reverses display measures.
// Once it returns, the session's violation log is frozen. Idempotent;
// unknown ids are ignored.
func (s *Sentinel) EndSession(ctx context.Context, id string) {
	s.mu.Lock()
	rt := s.runtimes[id]
	delete(s.runtimes, id)
	remaining := len(s.runtimes)
	s.mu.Unlock()

	completed := s.reg.End(id)
	if rt == nil {
		return
	}

	rt.monitor.Stop()
	rt.guard.cancelPending()
	if s.ports.Lifecycle != nil {
		s.ports.Lifecycle.Unregister(rt.guard)
	}
	if !rt.exec.Shutdown(rt.cfg.StopTimeout) {
		s.logger.Warn("session tasks did not stop in time", "session", id, "timeout", rt.cfg.StopTimeout)
	}
	// Violations appended before End must reach the journal before Finish.
	if !s.inflight.drain(id, rt.cfg.StopTimeout) {
		s.logger.Warn("violation observers did not finish in time", "session", id, "timeout", rt.cfg.StopTimeout)
	}

	if remaining == 0 {
		s.release(ctx, rt.cfg)
	}

	if !completed {
		return
	}

	session, _ := s.reg.Session(id)
	violations := s.reg.Violations(id)

	s.metrics.SessionEnded()
	s.logger.Info("exam session ended", "session", id,
		"violations", len(violations), "duration", session.Duration().Round(time.Second))
	if s.audit != nil {
		_ = s.audit.LogSessionEnd(ctx, id, map[string]interface{}{
			"violations": len(violations),
			"critical":   countSeverity(violations, SeverityCritical),
		})
	}
	s.emitEvent(SessionEnded, id)

	archived := false
	if s.archiver != nil {
		if err := s.archiver.Archive(ctx, session, violations); err != nil {
			s.logger.Error("archive session report failed", "session", id, "error", err)
		} else {
			archived = true
		}
	}
	if s.journal != nil {
		if err := s.journal.Finish(session, archived); err != nil {
			s.logger.Error("close session journal failed", "session", id, "error", err)
		}
	}
}

// release drops pinning and display measures once no session is active.
func (s *Sentinel) release(ctx context.Context, cfg *Config) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("releasing lockdown panicked", "panic", r)
		}
	}()
	applyDisplay(ctx, s.ports.Display, cfg, false, s.logger)
	if err := s.ports.Enforcement.Exit(ctx); err != nil {
		s.logger.Warn("exit screen pinning failed", "error", err)
	}
}

// LogViolation records a host-reported violation. It never fails from the
// caller's perspective; unknown or ended sessions are logged and ignored.
func (s *Sentinel) LogViolation(id, message string, sev Severity) {
	s.violationRecorder().record(id, KindHostReported, sev, message)
}

func (s *Sentinel) violationRecorder() recorder {
	return recorder{reg: s.reg, observe: s.observe, inflight: s.inflight}
}

// Violations returns the session's violation log in insertion order.
func (s *Sentinel) Violations(id string) []Violation {
	return s.reg.Violations(id)
}

// Session returns a copy of the session record.
func (s *Sentinel) Session(id string) (ExamSession, bool) {
	return s.reg.Session(id)
}

// ActiveSessions returns the ids of sessions with a running monitor.
func (s *Sentinel) ActiveSessions() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.runtimes))
	for id := range s.runtimes {
		ids = append(ids, id)
	}
	return ids
}

// DiscardSession removes an ended session and its log from the registry.
func (s *Sentinel) DiscardSession(id string) error {
	return s.reg.Discard(id)
}

// IsEnforcementActive queries the platform pin state. Errors report false.
func (s *Sentinel) IsEnforcementActive(ctx context.Context) (active bool) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("enforcement query panicked", "panic", r)
			active = false
		}
	}()
	active, err := s.ports.Enforcement.IsActive(ctx)
	if err != nil {
		s.logger.Warn("enforcement query failed", "error", err)
		return false
	}
	return active
}

// Subscribe returns a channel of session events. Slow subscribers miss
// events rather than block the core. The channel is closed by Close.
func (s *Sentinel) Subscribe() <-chan Event {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch := make(chan Event, 100)
	if s.closed {
		close(ch)
		return ch
	}
	s.subscribers = append(s.subscribers, ch)
	return ch
}

// Close ends every active session and closes subscriber channels.
func (s *Sentinel) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	ids := make([]string, 0, len(s.runtimes))
	for id := range s.runtimes {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	for _, id := range ids {
		s.EndSession(ctx, id)
	}

	s.mu.Lock()
	for _, ch := range s.subscribers {
		close(ch)
	}
	s.subscribers = nil
	s.mu.Unlock()
	return nil
}

// observe runs for every violation appended through a recorder.
func (s *Sentinel) observe(v Violation) {
	if s.journal != nil {
		if err := s.journal.Record(v); err != nil {
			s.logger.Error("journal violation failed", "session", v.SessionID, "error", err)
		}
	}
	s.metrics.ViolationRecorded(v.Severity.String())
	s.logger.Info("violation recorded", "session", v.SessionID, "kind", string(v.Kind),
		"severity", v.Severity.String(), "message", v.Message)
	if s.audit != nil {
		_ = s.audit.LogViolation(context.Background(), v.SessionID, string(v.Kind), v.Severity.String(), v.Message)
	}
	vv := v
	s.publish(Event{Type: ViolationRecorded, SessionID: v.SessionID, Violation: &vv, Timestamp: v.Timestamp})
}

func (s *Sentinel) emitEvent(t EventType, id string) {
	if s.audit != nil {
		switch t {
		case EnforcementLost:
			_ = s.audit.LogEnforcement(context.Background(), id, false)
		case EnforcementRestored:
			_ = s.audit.LogEnforcement(context.Background(), id, true)
		}
	}
	s.publish(Event{Type: t, SessionID: id, Timestamp: time.Now()})
}

func (s *Sentinel) publish(ev Event) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, ch := range s.subscribers {
		select {
		case ch <- ev:
		default:
			// Skip slow subscribers
		}
	}
}

func countSeverity(vs []Violation, sev Severity) int {
	n := 0
	for _, v := range vs {
		if v.Severity == sev {
			n++
		}
	}
	return n
}
