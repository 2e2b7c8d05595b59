package sentinel

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/Natiabay/Autonomous-Blind-Examiner-Mobile-application-sub002/internal/logging"
)

// fakeEnforcement replays scripted IsActive results, then reports active.
type fakeEnforcement struct {
	mu       sync.Mutex
	results  []bool
	fallback bool
	queryErr error
	enterErr error
	panicMsg string

	isActiveCalls int
	enterCalls    int
	exitCalls     int
}

func newFakeEnforcement(results ...bool) *fakeEnforcement {
	return &fakeEnforcement{results: results, fallback: true}
}

func (f *fakeEnforcement) IsActive(ctx context.Context) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.isActiveCalls++
	if f.panicMsg != "" {
		panic(f.panicMsg)
	}
	if f.queryErr != nil {
		return false, f.queryErr
	}
	if len(f.results) == 0 {
		return f.fallback, nil
	}
	r := f.results[0]
	f.results = f.results[1:]
	return r, nil
}

func (f *fakeEnforcement) Enter(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enterCalls++
	return f.enterErr
}

func (f *fakeEnforcement) Exit(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.exitCalls++
	return nil
}

func (f *fakeEnforcement) setFallback(active bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fallback = active
}

func (f *fakeEnforcement) enters() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.enterCalls
}

func (f *fakeEnforcement) exits() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.exitCalls
}

// fakeForeground reports the exam surface as backgrounded until brought
// to front.
type fakeForeground struct {
	mu         sync.Mutex
	foreground bool
	frontErr   error
	fronts     int
}

func (f *fakeForeground) IsForeground(ctx context.Context) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.foreground, nil
}

func (f *fakeForeground) BringToFront(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fronts++
	if f.frontErr != nil {
		return f.frontErr
	}
	f.foreground = true
	return nil
}

func (f *fakeForeground) setForeground(fg bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.foreground = fg
}

func (f *fakeForeground) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fronts
}

// fakeDisplay counts display toggles.
type fakeDisplay struct {
	mu    sync.Mutex
	on    int
	off   int
	fails bool
}

func (d *fakeDisplay) toggle(on bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if on {
		d.on++
	} else {
		d.off++
	}
	if d.fails {
		return context.DeadlineExceeded
	}
	return nil
}

func (d *fakeDisplay) KeepScreenOn(ctx context.Context, on bool) error    { return d.toggle(on) }
func (d *fakeDisplay) LockOrientation(ctx context.Context, on bool) error { return d.toggle(on) }
func (d *fakeDisplay) SetImmersive(ctx context.Context, on bool) error    { return d.toggle(on) }

func (d *fakeDisplay) counts() (on, off int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.on, d.off
}

func newTestRegistry() *Registry {
	return NewRegistry(logging.Nop())
}

func testConfig() *Config {
	cfg := DefaultConfig()
	cfg.PollInterval = 5 * time.Millisecond
	cfg.RefocusDelay = 20 * time.Millisecond
	cfg.StopTimeout = time.Second
	return cfg
}

func kinds(vs []Violation) []ViolationKind {
	out := make([]ViolationKind, len(vs))
	for i, v := range vs {
		out[i] = v.Kind
	}
	return out
}

func countKind(vs []Violation, k ViolationKind) int {
	n := 0
	for _, v := range vs {
		if v.Kind == k {
			n++
		}
	}
	return n
}

// testContext returns a context cancelled when the test finishes, standing in
// for testing.T.Context on toolchains older than Go 1.24.
func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return ctx
}
