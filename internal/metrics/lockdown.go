package metrics

import "time"

// LockdownMetrics holds the exam lockdown metrics. All methods are safe on
// a nil receiver, so callers never need to check whether metrics are
// enabled.
type LockdownMetrics struct {
	registry *Registry

	SessionsStarted      *Counter
	SessionsEnded        *Counter
	ActiveSessions       *Gauge
	PinLostTotal         *Counter
	PinRecoveriesTotal   *Counter
	PinRepeatedFailures  *Counter
	RefocusTotal         *Counter
	ReportsArchivedTotal *Counter
	MonitorTick          *Histogram
}

// NewLockdownMetrics registers the lockdown metrics in registry.
func NewLockdownMetrics(registry *Registry) *LockdownMetrics {
	if registry == nil {
		registry = NewRegistry("examguard")
	}
	return &LockdownMetrics{
		registry: registry,

		SessionsStarted: registry.Counter(
			"sessions_started_total",
			"Total number of exam sessions started",
			nil,
		),
		SessionsEnded: registry.Counter(
			"sessions_ended_total",
			"Total number of exam sessions ended",
			nil,
		),
		ActiveSessions: registry.Gauge(
			"active_sessions",
			"Number of exam sessions currently under lockdown",
			nil,
		),
		PinLostTotal: registry.Counter(
			"pin_lost_total",
			"Monitor ticks that found screen pinning inactive",
			nil,
		),
		PinRecoveriesTotal: registry.Counter(
			"pin_recoveries_total",
			"Times screen pinning came back after being lost",
			nil,
		),
		PinRepeatedFailures: registry.Counter(
			"pin_repeated_failures_total",
			"Times the recovery attempt budget was exhausted",
			nil,
		),
		RefocusTotal: registry.Counter(
			"refocus_total",
			"Attempts to bring the exam surface back to the foreground",
			nil,
		),
		ReportsArchivedTotal: registry.Counter(
			"reports_archived_total",
			"Sealed session reports written to the archive",
			nil,
		),
		MonitorTick: registry.Histogram(
			"monitor_tick_seconds",
			"Duration of one pinning monitor tick",
			nil,
			DurationBuckets,
		),
	}
}

// Registry returns the underlying registry.
func (m *LockdownMetrics) Registry() *Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// SessionStarted counts a new session.
func (m *LockdownMetrics) SessionStarted() {
	if m == nil {
		return
	}
	m.SessionsStarted.Inc()
	m.ActiveSessions.Inc()
}

// SessionEnded counts an ended session.
func (m *LockdownMetrics) SessionEnded() {
	if m == nil {
		return
	}
	m.SessionsEnded.Inc()
	m.ActiveSessions.Dec()
}

// ViolationRecorded counts a violation by severity.
func (m *LockdownMetrics) ViolationRecorded(severity string) {
	if m == nil {
		return
	}
	m.registry.Counter(
		"violations_total",
		"Violations recorded, by severity",
		Labels{"severity": severity},
	).Inc()
}

// Violations returns the violation count for a severity.
func (m *LockdownMetrics) Violations(severity string) uint64 {
	if m == nil {
		return 0
	}
	return m.registry.Counter("violations_total", "Violations recorded, by severity",
		Labels{"severity": severity}).Value()
}

// PinLost counts a tick that found pinning inactive.
func (m *LockdownMetrics) PinLost() {
	if m == nil {
		return
	}
	m.PinLostTotal.Inc()
}

// PinRecovered counts pinning coming back.
func (m *LockdownMetrics) PinRecovered() {
	if m == nil {
		return
	}
	m.PinRecoveriesTotal.Inc()
}

// PinRepeatedFailure counts an exhausted recovery budget.
func (m *LockdownMetrics) PinRepeatedFailure() {
	if m == nil {
		return
	}
	m.PinRepeatedFailures.Inc()
}

// Refocused counts a bring-to-front attempt.
func (m *LockdownMetrics) Refocused() {
	if m == nil {
		return
	}
	m.RefocusTotal.Inc()
}

// ReportArchived counts an archived report.
func (m *LockdownMetrics) ReportArchived() {
	if m == nil {
		return
	}
	m.ReportsArchivedTotal.Inc()
}

// ObserveTick records the duration of one monitor tick.
func (m *LockdownMetrics) ObserveTick(d time.Duration) {
	if m == nil {
		return
	}
	m.MonitorTick.ObserveDuration(d)
}
