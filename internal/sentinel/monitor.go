package sentinel

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Natiabay/Autonomous-Blind-Examiner-Mobile-application-sub002/internal/logging"
	"github.com/Natiabay/Autonomous-Blind-Examiner-Mobile-application-sub002/internal/metrics"
)

// PinMonitor keeps OS-level pinning active for one session. It polls the
// enforcement port on a fixed interval, re-enters pinning when it is lost,
// and records every loss in the session's violation log.
//
// The monitor never gives up: after MaxRecoveryAttempts consecutive failures
// it records a repeated-failure violation, resets its counter and keeps
// polling until the session completes or Stop is called.
type PinMonitor struct {
	sessionID   string
	reg         *Registry
	port        EnforcementPort
	rec         recorder
	interval    time.Duration
	maxAttempts int

	logger  *logging.Logger
	metrics *metrics.LockdownMetrics
	emit    func(EventType, string)

	running  atomic.Bool
	ticks    atomic.Uint64
	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

func newPinMonitor(sessionID string, cfg *Config, reg *Registry, port EnforcementPort, rec recorder,
	logger *logging.Logger, m *metrics.LockdownMetrics, emit func(EventType, string)) *PinMonitor {
	if emit == nil {
		emit = func(EventType, string) {}
	}
	return &PinMonitor{
		sessionID:   sessionID,
		reg:         reg,
		port:        port,
		rec:         rec,
		interval:    cfg.PollInterval,
		maxAttempts: cfg.MaxRecoveryAttempts,
		logger:      logger.WithComponent("sentinel.monitor"),
		metrics:     m,
		emit:        emit,
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
	}
}

// Run polls until the session completes, ctx is cancelled or Stop is
// called. A second concurrent Run returns immediately.
func (m *PinMonitor) Run(ctx context.Context) {
	if !m.running.CompareAndSwap(false, true) {
		return
	}
	defer close(m.done)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.logger.Debug("pinning monitor started", "session", m.sessionID, "interval", m.interval)
	for {
		select {
		case <-ctx.Done():
			m.logger.Debug("pinning monitor cancelled", "session", m.sessionID)
			return
		case <-m.stop:
			m.logger.Debug("pinning monitor stopped", "session", m.sessionID)
			return
		case <-ticker.C:
			if m.tick(ctx) {
				m.logger.Debug("pinning monitor observed completion", "session", m.sessionID)
				return
			}
		}
	}
}

// Stop asks the monitor to exit. Safe to call at any time, any number of
// times, including after the monitor already exited on its own.
func (m *PinMonitor) Stop() {
	m.stopOnce.Do(func() { close(m.stop) })
}

// Done is closed when Run returns.
func (m *PinMonitor) Done() <-chan struct{} {
	return m.done
}

// Ticks returns the number of ticks executed so far.
func (m *PinMonitor) Ticks() uint64 {
	return m.ticks.Load()
}

// tick performs one poll and reports whether the session has completed.
// Panics from the port are recovered and recorded.
func (m *PinMonitor) tick(ctx context.Context) (completed bool) {
	m.ticks.Add(1)
	start := time.Now()
	defer func() {
		m.metrics.ObserveTick(time.Since(start))
		if r := recover(); r != nil {
			m.logger.Error("pinning monitor tick panicked", "session", m.sessionID, "panic", r)
			m.rec.record(m.sessionID, KindInternalPanic, SeverityCritical,
				fmt.Sprintf("enforcement check crashed: %v", r))
			completed = false
		}
	}()

	if m.reg.IsCompleted(m.sessionID) {
		return true
	}

	active, err := m.port.IsActive(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return false
		}
		m.logger.Warn("enforcement query failed", "session", m.sessionID, "error", err)
		m.rec.record(m.sessionID, KindPinQueryFailed, SeverityCritical,
			fmt.Sprintf("could not query screen pinning state: %v", err))
		return false
	}

	if active {
		if prev := m.reg.ResetFailures(m.sessionID); prev > 0 {
			m.logger.Info("screen pinning restored", "session", m.sessionID, "attempts", prev)
			m.metrics.PinRecovered()
			m.emit(EnforcementRestored, m.sessionID)
		}
		return false
	}

	attempt := m.reg.IncFailures(m.sessionID)
	if attempt == 0 {
		// Completed between the check above and now.
		return true
	}
	m.metrics.PinLost()
	if attempt == 1 {
		m.emit(EnforcementLost, m.sessionID)
	}
	m.rec.record(m.sessionID, KindPinLost, SeverityCritical,
		fmt.Sprintf("screen pinning lost; recovery attempt %d of %d", attempt, m.maxAttempts))

	if err := m.port.Enter(ctx); err != nil {
		switch {
		case errors.Is(err, ErrEnforcementRefused):
			m.logger.Warn("platform refused screen pinning", "session", m.sessionID, "attempt", attempt)
		case ctx.Err() != nil:
			return false
		default:
			m.logger.Warn("enter screen pinning failed", "session", m.sessionID, "attempt", attempt, "error", err)
			m.rec.record(m.sessionID, KindPinEnterFailed, SeverityCritical,
				fmt.Sprintf("re-entering screen pinning failed: %v", err))
		}
	}

	if attempt >= m.maxAttempts {
		m.logger.Error("screen pinning could not be restored", "session", m.sessionID, "attempts", attempt)
		m.metrics.PinRepeatedFailure()
		m.rec.record(m.sessionID, KindPinRepeatedFailure, SeverityCritical,
			fmt.Sprintf("screen pinning not restored after %d consecutive attempts", attempt))
		m.reg.ResetFailures(m.sessionID)
	}
	return false
}
