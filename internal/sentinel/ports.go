package sentinel

import (
	"context"
	"sync"
	"time"
)

// EnforcementPort is the host OS kiosk/pin primitive.
//
// Enter returns ErrEnforcementRefused (possibly wrapped) when the platform
// declines to pin; any other error is treated as a transient platform fault.
type EnforcementPort interface {
	IsActive(ctx context.Context) (bool, error)
	Enter(ctx context.Context) error
	Exit(ctx context.Context) error
}

// ForegroundPort reports and restores the exam surface's foreground state.
type ForegroundPort interface {
	IsForeground(ctx context.Context) (bool, error)
	BringToFront(ctx context.Context) error
}

// DisplayPort applies cosmetic lockdown measures. All calls are best-effort;
// failures are logged and ignored.
type DisplayPort interface {
	KeepScreenOn(ctx context.Context, on bool) error
	LockOrientation(ctx context.Context, locked bool) error
	SetImmersive(ctx context.Context, enabled bool) error
}

// LifecycleKind is a host-surface transition.
type LifecycleKind int

const (
	Resumed LifecycleKind = iota + 1
	Paused
	Stopped
	FocusLost
	FocusGained
)

func (k LifecycleKind) String() string {
	switch k {
	case Resumed:
		return "resumed"
	case Paused:
		return "paused"
	case Stopped:
		return "stopped"
	case FocusLost:
		return "focus-lost"
	case FocusGained:
		return "focus-gained"
	default:
		return "unknown"
	}
}

// LifecycleEvent is one transition delivered by a LifecycleSource.
type LifecycleEvent struct {
	Kind LifecycleKind
	At   time.Time
}

// LifecycleListener receives lifecycle transitions.
type LifecycleListener interface {
	OnLifecycle(ev LifecycleEvent)
}

// LifecycleSource delivers host-surface transitions to registered listeners.
type LifecycleSource interface {
	Register(l LifecycleListener) error
	Unregister(l LifecycleListener)
}

// Ports bundles the host platform adapters a Sentinel drives.
// Enforcement and Foreground are required; Display and Lifecycle are optional.
type Ports struct {
	Enforcement EnforcementPort
	Foreground  ForegroundPort
	Display     DisplayPort
	Lifecycle   LifecycleSource
}

// Surface is an in-process LifecycleSource. The host calls Publish from its
// event thread; listeners are invoked serially in registration order.
type Surface struct {
	mu        sync.Mutex
	dispatch  sync.Mutex
	listeners []LifecycleListener
}

// NewSurface creates an empty surface.
func NewSurface() *Surface {
	return &Surface{}
}

// Register adds a listener. Registering the same listener twice is a no-op.
func (s *Surface) Register(l LifecycleListener) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.listeners {
		if existing == l {
			return nil
		}
	}
	s.listeners = append(s.listeners, l)
	return nil
}

// Unregister removes a listener if present.
func (s *Surface) Unregister(l LifecycleListener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, existing := range s.listeners {
		if existing == l {
			s.listeners = append(s.listeners[:i:i], s.listeners[i+1:]...)
			return
		}
	}
}

// Publish delivers ev to every registered listener. Concurrent publishers
// are serialized so listeners observe a single event stream.
func (s *Surface) Publish(ev LifecycleEvent) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}

	s.mu.Lock()
	listeners := make([]LifecycleListener, len(s.listeners))
	copy(listeners, s.listeners)
	s.mu.Unlock()

	s.dispatch.Lock()
	defer s.dispatch.Unlock()
	for _, l := range listeners {
		l.OnLifecycle(ev)
	}
}

// Listeners returns the number of registered listeners.
func (s *Surface) Listeners() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.listeners)
}
