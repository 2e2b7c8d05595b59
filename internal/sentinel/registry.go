package sentinel

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Natiabay/Autonomous-Blind-Examiner-Mobile-application-sub002/internal/logging"
)

// sessionEntry holds the mutable state of one session. Every field is
// guarded by mu; the registry is the only writer.
type sessionEntry struct {
	mu         sync.Mutex
	session    ExamSession
	violations []Violation
	failures   int
}

// Registry owns all exam sessions and their violation logs. It is the sole
// synchronization boundary for session state: monitors and guards only go
// through its methods.
//
// Unknown session ids never produce errors from the hot-path methods. They
// are logged and treated as already completed so that a late monitor tick
// racing session cleanup cannot fault the host.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*sessionEntry

	logger *logging.Logger
	now    func() time.Time
	newID  func() (string, error)
}

// NewRegistry creates an empty registry. A nil logger uses the default one.
func NewRegistry(logger *logging.Logger) *Registry {
	if logger == nil {
		logger = logging.Default()
	}
	return &Registry{
		sessions: make(map[string]*sessionEntry),
		logger:   logger.WithComponent("sentinel.registry"),
		now:      time.Now,
		newID:    newSessionID,
	}
}

func newSessionID() (string, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return "", fmt.Errorf("generate session id: %w", err)
	}
	return id.String(), nil
}

// Create allocates a new session with an empty violation log.
func (r *Registry) Create(examID, examTitle string) (ExamSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var id string
	for {
		candidate, err := r.newID()
		if err != nil {
			return ExamSession{}, err
		}
		if _, taken := r.sessions[candidate]; !taken {
			id = candidate
			break
		}
	}

	entry := &sessionEntry{
		session: ExamSession{
			ID:        id,
			ExamID:    examID,
			ExamTitle: examTitle,
			StartTime: r.now(),
		},
		violations: make([]Violation, 0),
	}
	r.sessions[id] = entry
	return entry.session, nil
}

func (r *Registry) lookup(id string) *sessionEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessions[id]
}

// End marks the session completed. It returns true only for the call that
// completed it; repeated calls and unknown ids are no-ops.
func (r *Registry) End(id string) bool {
	entry := r.lookup(id)
	if entry == nil {
		r.logger.Warn("end requested for unknown session", "session", id)
		return false
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()
	if entry.session.Completed {
		return false
	}
	end := r.now()
	entry.session.Completed = true
	entry.session.EndTime = &end
	entry.failures = 0
	return true
}

// IsCompleted reports whether the session has ended. Unknown ids report true.
func (r *Registry) IsCompleted(id string) bool {
	entry := r.lookup(id)
	if entry == nil {
		return true
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	return entry.session.Completed
}

// Record appends a violation to the session log. The second return value is
// false when nothing was recorded: the session is unknown or already
// completed, and its log is frozen.
func (r *Registry) Record(id string, kind ViolationKind, message string, sev Severity) (Violation, bool) {
	entry := r.lookup(id)
	if entry == nil {
		r.logger.Warn("violation for unknown session dropped",
			"session", id, "kind", string(kind), "severity", sev.String())
		return Violation{}, false
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()
	if entry.session.Completed {
		r.logger.Debug("violation after completion discarded",
			"session", id, "kind", string(kind))
		return Violation{}, false
	}

	v := Violation{
		SessionID: id,
		Seq:       len(entry.violations) + 1,
		Kind:      kind,
		Message:   message,
		Severity:  sev,
		Timestamp: r.now(),
	}
	entry.violations = append(entry.violations, v)
	return v, true
}

// Violations returns a snapshot of the session log in insertion order.
// Unknown ids yield an empty slice.
func (r *Registry) Violations(id string) []Violation {
	entry := r.lookup(id)
	if entry == nil {
		r.logger.Debug("violations requested for unknown session", "session", id)
		return []Violation{}
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	out := make([]Violation, len(entry.violations))
	copy(out, entry.violations)
	return out
}

// Session returns a copy of the session record.
func (r *Registry) Session(id string) (ExamSession, bool) {
	entry := r.lookup(id)
	if entry == nil {
		return ExamSession{}, false
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	return copySession(entry.session), true
}

// Sessions returns copies of all sessions ordered by start time.
func (r *Registry) Sessions() []ExamSession {
	r.mu.RLock()
	entries := make([]*sessionEntry, 0, len(r.sessions))
	for _, e := range r.sessions {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	out := make([]ExamSession, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		out = append(out, copySession(e.session))
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartTime.Equal(out[j].StartTime) {
			return out[i].ID < out[j].ID
		}
		return out[i].StartTime.Before(out[j].StartTime)
	})
	return out
}

// Discard removes an ended session and its log.
func (r *Registry) Discard(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.sessions[id]
	if !ok {
		return ErrSessionNotFound
	}
	entry.mu.Lock()
	completed := entry.session.Completed
	entry.mu.Unlock()
	if !completed {
		return ErrSessionActive
	}
	delete(r.sessions, id)
	return nil
}

// IncFailures increments the consecutive pin failure counter and returns the
// new value. Unknown or completed sessions return 0.
func (r *Registry) IncFailures(id string) int {
	entry := r.lookup(id)
	if entry == nil {
		return 0
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	if entry.session.Completed {
		return 0
	}
	entry.failures++
	return entry.failures
}

// ResetFailures sets the consecutive pin failure counter back to zero and
// returns the value it held.
func (r *Registry) ResetFailures(id string) int {
	entry := r.lookup(id)
	if entry == nil {
		return 0
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	prev := entry.failures
	entry.failures = 0
	return prev
}

// Failures returns the consecutive pin failure counter.
func (r *Registry) Failures(id string) int {
	entry := r.lookup(id)
	if entry == nil {
		return 0
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	return entry.failures
}

func copySession(s ExamSession) ExamSession {
	if s.EndTime != nil {
		end := *s.EndTime
		s.EndTime = &end
	}
	return s
}
