// Package sim is an in-memory device for running the lockdown core without
// a real operating system: a scriptable pinning facility, a foreground
// tracker, display toggles and a lifecycle surface the caller drives.
package sim

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/Natiabay/Autonomous-Blind-Examiner-Mobile-application-sub002/internal/sentinel"
)

// ErrQueryFailed is returned by IsActive for scripted query failures.
var ErrQueryFailed = errors.New("sim: pin state unavailable")

// Enforcement simulates the OS screen-pinning facility.
//
// IsActive first consumes scripted results queued with Script; once the
// script is exhausted it reports the current pin state.
type Enforcement struct {
	mu      sync.Mutex
	active  bool
	script  []Step
	refuse  bool
	enterFn func() error

	isActiveCalls int
	enterCalls    int
	exitCalls     int
}

// Step is one scripted IsActive result.
type Step struct {
	Active bool
	Err    error
}

// NewEnforcement creates an unpinned facility.
func NewEnforcement() *Enforcement {
	return &Enforcement{}
}

// Script queues IsActive results.
func (e *Enforcement) Script(results ...bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, r := range results {
		e.script = append(e.script, Step{Active: r})
	}
}

// ScriptSteps queues IsActive results that may include errors.
func (e *Enforcement) ScriptSteps(steps ...Step) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.script = append(e.script, steps...)
}

// SetActive forces the pin state, as when the user unpins the app.
func (e *Enforcement) SetActive(active bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.active = active
}

// SetRefuse makes Enter fail with sentinel.ErrEnforcementRefused.
func (e *Enforcement) SetRefuse(refuse bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.refuse = refuse
}

// SetEnterFunc overrides Enter. A nil fn restores the default behavior.
// fn must set the pin state itself through SetActive if it succeeds.
func (e *Enforcement) SetEnterFunc(fn func() error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.enterFn = fn
}

// IsActive implements sentinel.EnforcementPort.
func (e *Enforcement) IsActive(ctx context.Context) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.isActiveCalls++
	if len(e.script) > 0 {
		step := e.script[0]
		e.script = e.script[1:]
		return step.Active, step.Err
	}
	return e.active, nil
}

// Enter implements sentinel.EnforcementPort.
func (e *Enforcement) Enter(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	e.mu.Lock()
	e.enterCalls++
	fn := e.enterFn
	e.mu.Unlock()
	if fn != nil {
		// Called unlocked so a blocking fn does not stall queries.
		return fn()
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.refuse {
		return sentinel.ErrEnforcementRefused
	}
	e.active = true
	return nil
}

// Exit implements sentinel.EnforcementPort.
func (e *Enforcement) Exit(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.exitCalls++
	e.active = false
	return nil
}

// Calls returns how many times IsActive, Enter and Exit were invoked.
func (e *Enforcement) Calls() (isActive, enter, exit int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.isActiveCalls, e.enterCalls, e.exitCalls
}

// Foreground simulates which app owns the screen.
type Foreground struct {
	mu         sync.Mutex
	foreground bool
	err        error
	fronts     []time.Time
	onFront    func()
}

// NewForeground creates a tracker with the exam surface in front.
func NewForeground() *Foreground {
	return &Foreground{foreground: true}
}

// SetForeground moves the exam surface in front of or behind other apps.
func (f *Foreground) SetForeground(fg bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.foreground = fg
}

// SetError makes BringToFront fail with err.
func (f *Foreground) SetError(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

// IsForeground implements sentinel.ForegroundPort.
func (f *Foreground) IsForeground(ctx context.Context) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.foreground, nil
}

// BringToFront implements sentinel.ForegroundPort.
//
// Bringing a backgrounded surface to front runs the OnFront hook after the
// tracker is unlocked, so the hook may publish lifecycle transitions.
func (f *Foreground) BringToFront(ctx context.Context) error {
	f.mu.Lock()
	f.fronts = append(f.fronts, time.Now())
	if f.err != nil {
		err := f.err
		f.mu.Unlock()
		return err
	}
	was := f.foreground
	f.foreground = true
	hook := f.onFront
	f.mu.Unlock()

	if !was && hook != nil {
		hook()
	}
	return nil
}

// OnFront sets a hook run whenever BringToFront returns the surface to
// the front. A nil fn removes it.
func (f *Foreground) OnFront(fn func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onFront = fn
}

// BringToFrontCalls returns the time of every BringToFront call.
func (f *Foreground) BringToFrontCalls() []time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]time.Time, len(f.fronts))
	copy(out, f.fronts)
	return out
}

// Display records the display measures currently applied.
type Display struct {
	mu              sync.Mutex
	screenOn        bool
	orientationLock bool
	immersive       bool
}

// KeepScreenOn implements sentinel.DisplayPort.
func (d *Display) KeepScreenOn(ctx context.Context, on bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.screenOn = on
	return nil
}

// LockOrientation implements sentinel.DisplayPort.
func (d *Display) LockOrientation(ctx context.Context, on bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.orientationLock = on
	return nil
}

// SetImmersive implements sentinel.DisplayPort.
func (d *Display) SetImmersive(ctx context.Context, on bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.immersive = on
	return nil
}

// State returns the applied measures.
func (d *Display) State() (screenOn, orientationLock, immersive bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.screenOn, d.orientationLock, d.immersive
}

// Device bundles the simulated ports with a lifecycle surface.
//
// A refocus through Foreground publishes the transition a real platform
// would report: Resumed if the surface was paused or stopped, FocusGained
// otherwise.
type Device struct {
	Enforcement *Enforcement
	Foreground  *Foreground
	Display     *Display
	Surface     *sentinel.Surface

	mu   sync.Mutex
	last sentinel.LifecycleKind
}

// NewDevice creates a device with the exam surface in front and unpinned.
func NewDevice() *Device {
	d := &Device{
		Enforcement: NewEnforcement(),
		Foreground:  NewForeground(),
		Display:     &Display{},
		Surface:     sentinel.NewSurface(),
	}
	d.Foreground.OnFront(d.returned)
	return d
}

func (d *Device) returned() {
	d.mu.Lock()
	last := d.last
	d.mu.Unlock()
	switch last {
	case sentinel.Paused, sentinel.Stopped:
		d.Publish(sentinel.Resumed)
	default:
		d.Publish(sentinel.FocusGained)
	}
}

// Ports returns the device as sentinel ports.
func (d *Device) Ports() sentinel.Ports {
	return sentinel.Ports{
		Enforcement: d.Enforcement,
		Foreground:  d.Foreground,
		Display:     d.Display,
		Lifecycle:   d.Surface,
	}
}

// Publish delivers a lifecycle transition to the registered guards.
func (d *Device) Publish(kind sentinel.LifecycleKind) {
	d.mu.Lock()
	d.last = kind
	d.mu.Unlock()
	d.Surface.Publish(sentinel.LifecycleEvent{Kind: kind, At: time.Now()})
}

// SwitchAway simulates the student leaving for another app: the surface
// pauses, is stopped immediately afterwards and loses the foreground.
func (d *Device) SwitchAway() {
	d.Foreground.SetForeground(false)
	d.Publish(sentinel.Paused)
	d.Publish(sentinel.Stopped)
}

// Unpin simulates the student breaking out of screen pinning.
func (d *Device) Unpin() {
	d.Enforcement.SetActive(false)
}

// Return simulates the exam surface coming back to the front.
func (d *Device) Return() {
	d.Foreground.SetForeground(true)
	d.Publish(sentinel.Resumed)
}
