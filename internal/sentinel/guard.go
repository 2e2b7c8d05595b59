package sentinel

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Natiabay/Autonomous-Blind-Examiner-Mobile-application-sub002/internal/logging"
	"github.com/Natiabay/Autonomous-Blind-Examiner-Mobile-application-sub002/internal/metrics"
)

// LifecycleGuard reacts to host-surface transitions for one session,
// independently of the pinning monitor's cadence.
//
// A repeated delivery of the same transition is ignored, and at most one
// refocus is pending at a time.
type LifecycleGuard struct {
	sessionID   string
	reg         *Registry
	enforcement EnforcementPort
	foreground  ForegroundPort
	display     DisplayPort
	exec        *executor
	rec         recorder
	cfg         *Config

	logger  *logging.Logger
	metrics *metrics.LockdownMetrics

	mu       sync.Mutex
	last     LifecycleKind
	pausedAt time.Time
	pending  *task
	gen      uint64
}

func newLifecycleGuard(sessionID string, cfg *Config, reg *Registry, ports Ports, exec *executor,
	rec recorder, logger *logging.Logger, m *metrics.LockdownMetrics) *LifecycleGuard {
	return &LifecycleGuard{
		sessionID:   sessionID,
		reg:         reg,
		enforcement: ports.Enforcement,
		foreground:  ports.Foreground,
		display:     ports.Display,
		exec:        exec,
		rec:         rec,
		cfg:         cfg,
		logger:      logger.WithComponent("sentinel.guard"),
		metrics:     m,
	}
}

// OnLifecycle implements LifecycleListener.
func (g *LifecycleGuard) OnLifecycle(ev LifecycleEvent) {
	defer func() {
		if r := recover(); r != nil {
			g.logger.Error("lifecycle handler panicked", "session", g.sessionID, "event", ev.Kind.String(), "panic", r)
			g.rec.record(g.sessionID, KindInternalPanic, SeverityCritical,
				fmt.Sprintf("lifecycle handler for %s crashed: %v", ev.Kind, r))
		}
	}()

	switch ev.Kind {
	case Resumed, Paused, Stopped, FocusLost, FocusGained:
	default:
		return
	}
	if g.reg.IsCompleted(g.sessionID) {
		return
	}
	if ev.At.IsZero() {
		ev.At = time.Now()
	}

	g.mu.Lock()
	if g.last == ev.Kind {
		g.mu.Unlock()
		g.logger.Debug("duplicate lifecycle transition ignored", "session", g.sessionID, "event", ev.Kind.String())
		return
	}
	g.last = ev.Kind
	pausedAt := g.pausedAt
	switch ev.Kind {
	case Paused:
		g.pausedAt = ev.At
	case Resumed, FocusGained:
		g.pausedAt = time.Time{}
		if g.pending != nil {
			g.pending.Cancel()
			g.pending = nil
		}
	}
	g.mu.Unlock()

	ctx := g.exec.Context()
	switch ev.Kind {
	case Resumed, FocusGained:
		g.reapply(ctx, ev.Kind)

	case Paused:
		g.rec.record(g.sessionID, KindSurfacePaused, SeverityInfo, "exam surface paused")

	case Stopped:
		sev := SeverityWarning
		msg := "exam surface stopped"
		if !pausedAt.IsZero() && ev.At.Sub(pausedAt) <= g.cfg.RapidStopWindow {
			sev = SeverityCritical
			msg = fmt.Sprintf("exam surface stopped %s after pause; likely app switch",
				ev.At.Sub(pausedAt).Round(time.Millisecond))
		}
		g.rec.record(g.sessionID, KindSurfaceStopped, sev, msg)
		g.scheduleRefocus()

	case FocusLost:
		g.rec.record(g.sessionID, KindFocusLost, SeverityWarning, "exam surface lost window focus")
		g.scheduleRefocus()
	}
}

// reapply restores display measures and re-enters pinning if it was lost
// while the surface was in the background.
func (g *LifecycleGuard) reapply(ctx context.Context, kind LifecycleKind) {
	applyDisplay(ctx, g.display, g.cfg, true, g.logger)

	active, err := g.enforcement.IsActive(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		g.rec.record(g.sessionID, KindPinQueryFailed, SeverityCritical,
			fmt.Sprintf("could not query screen pinning state on %s: %v", kind, err))
		return
	}
	if active {
		return
	}

	err = g.enforcement.Enter(ctx)
	g.rec.record(g.sessionID, KindEnforcementReapplied, SeverityWarning,
		fmt.Sprintf("screen pinning inactive on %s; re-entering", kind))
	if err != nil && !errors.Is(err, ErrEnforcementRefused) && ctx.Err() == nil {
		g.rec.record(g.sessionID, KindPinEnterFailed, SeverityCritical,
			fmt.Sprintf("re-entering screen pinning failed: %v", err))
	}
}

// scheduleRefocus brings the exam surface back after RefocusDelay. The delay
// lets momentary system transitions settle without a fight.
func (g *LifecycleGuard) scheduleRefocus() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.pending != nil {
		select {
		case <-g.pending.Done():
		default:
			return
		}
	}
	g.gen++
	gen := g.gen
	g.pending = g.exec.After(g.cfg.RefocusDelay, func(ctx context.Context) { g.refocus(ctx, gen) })
}

func (g *LifecycleGuard) refocus(ctx context.Context, gen uint64) {
	defer func() {
		if r := recover(); r != nil {
			g.logger.Error("refocus panicked", "session", g.sessionID, "panic", r)
			g.rec.record(g.sessionID, KindInternalPanic, SeverityCritical,
				fmt.Sprintf("refocus crashed: %v", r))
		}
	}()

	if g.reg.IsCompleted(g.sessionID) {
		return
	}
	if fg, err := g.foreground.IsForeground(ctx); err == nil && fg {
		g.logger.Debug("exam surface already in foreground", "session", g.sessionID)
		return
	}

	g.metrics.Refocused()
	if err := g.foreground.BringToFront(ctx); err != nil {
		if ctx.Err() != nil {
			return
		}
		g.logger.Warn("bring exam surface to front failed", "session", g.sessionID, "error", err)
		g.rec.record(g.sessionID, KindRefocusFailed, SeverityCritical,
			fmt.Sprintf("could not bring exam surface to front: %v", err))
		return
	}

	// Back in front: the next loss is a new departure, not a repeat.
	g.mu.Lock()
	g.last = 0
	if g.gen == gen {
		g.pending = nil
	}
	g.mu.Unlock()
}

// cancelPending drops a scheduled refocus, if any.
func (g *LifecycleGuard) cancelPending() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.pending != nil {
		g.pending.Cancel()
		g.pending = nil
	}
}

// applyDisplay sets or clears the configured display measures. Failures are
// cosmetic and only logged.
func applyDisplay(ctx context.Context, d DisplayPort, cfg *Config, on bool, logger *logging.Logger) {
	if d == nil {
		return
	}
	try := func(name string, fn func() error) {
		defer func() {
			if r := recover(); r != nil {
				logger.Debug("display measure panicked", "measure", name, "panic", r)
			}
		}()
		if err := fn(); err != nil {
			logger.Debug("display measure failed", "measure", name, "error", err)
		}
	}
	if cfg.KeepScreenOn {
		try("keep_screen_on", func() error { return d.KeepScreenOn(ctx, on) })
	}
	if cfg.LockOrientation {
		try("lock_orientation", func() error { return d.LockOrientation(ctx, on) })
	}
	if cfg.Immersive {
		try("immersive", func() error { return d.SetImmersive(ctx, on) })
	}
}
