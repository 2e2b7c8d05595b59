package sentinel

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
)

type monitorHarness struct {
	reg     *Registry
	id      string
	port    *fakeEnforcement
	monitor *PinMonitor
	metrics *metrics.LockdownMetrics

	mu     sync.Mutex
	events []EventType
}

func newMonitorHarness(t *testing.T, maxAttempts int, results ...bool) *monitorHarness {
	t.Helper()
	h := &monitorHarness{
		reg:     newTestRegistry(),
		port:    newFakeEnforcement(results...),
		metrics: metrics.NewLockdownMetrics(metrics.NewRegistry("test")),
	}
	s, err := h.reg.Create("exam", "Exam")
	require.NoError(t, err)
	h.id = s.ID

	cfg := testConfig()
	cfg.MaxRecoveryAttempts = maxAttempts
	emit := func(ev EventType, _ string) {
		h.mu.Lock()
		h.events = append(h.events, ev)
		h.mu.Unlock()
	}
	h.monitor = newPinMonitor(h.id, cfg, h.reg, h.port, recorder{reg: h.reg}, logging.Nop(), h.metrics, emit)
	return h
}

func (h *monitorHarness) ticks(n int) {
	for i := 0; i < n; i++ {
		h.monitor.tick(context.Background())
	}
}

func (h *monitorHarness) emitted() []EventType {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]EventType(nil), h.events...)
}

func TestMonitorRecoverySequence(t *testing.T) {
	h := newMonitorHarness(t, 5, false, false, true, false, true, true)
	h.ticks(6)

	vs := h.reg.Violations(h.id)
	require.Len(t, vs, 3)
	for _, v := range vs {
		assert.Equal(t, KindPinLost, v.Kind)
		assert.Equal(t, SeverityCritical, v.Severity)
	}
	assert.Equal(t, "screen pinning lost; recovery attempt 1 of 5", vs[0].Message)
	assert.Equal(t, "screen pinning lost; recovery attempt 2 of 5", vs[1].Message)
	assert.Equal(t, "screen pinning lost; recovery attempt 1 of 5", vs[2].Message)

	assert.Equal(t, 0, h.reg.Failures(h.id))
	assert.Equal(t, 3, h.port.enters())
	assert.Equal(t, uint64(6), h.monitor.Ticks())
	assert.Equal(t, []EventType{EnforcementLost, EnforcementRestored, EnforcementLost, EnforcementRestored}, h.emitted())
	assert.Equal(t, uint64(3), h.metrics.PinLostTotal.Value())
	assert.Equal(t, uint64(2), h.metrics.PinRecoveriesTotal.Value())
	assert.Equal(t, uint64(6), h.metrics.MonitorTick.Count())
}

func TestMonitorFewerFailuresThanBudget(t *testing.T) {
	h := newMonitorHarness(t, 5, false, false, false)
	h.ticks(3)

	vs := h.reg.Violations(h.id)
	assert.Len(t, vs, 3)
	assert.Zero(t, countKind(vs, KindPinRepeatedFailure))
	assert.Equal(t, 3, h.reg.Failures(h.id))
}

func TestMonitorRepeatedFailureResetsBudget(t *testing.T) {
	h := newMonitorHarness(t, 5, false, false, false, false, false, false)
	h.ticks(6)

	vs := h.reg.Violations(h.id)
	assert.Equal(t, 6, countKind(vs, KindPinLost))
	assert.Equal(t, 1, countKind(vs, KindPinRepeatedFailure))

	// The repeated-failure entry follows the fifth loss.
	assert.Equal(t, KindPinRepeatedFailure, vs[5].Kind)
	assert.Equal(t, "screen pinning lost; recovery attempt 1 of 5", vs[6].Message)
	assert.Equal(t, 1, h.reg.Failures(h.id))
	assert.Equal(t, uint64(1), h.metrics.PinRepeatedFailures.Value())
}

func TestMonitorEnterRefusedIsNotAViolation(t *testing.T) {
	h := newMonitorHarness(t, 5, false)
	h.port.enterErr = ErrEnforcementRefused
	h.ticks(1)

	assert.Equal(t, []ViolationKind{KindPinLost}, kinds(h.reg.Violations(h.id)))
}

func TestMonitorEnterFailure(t *testing.T) {
	h := newMonitorHarness(t, 5, false)
	h.port.enterErr = errors.New("activity not attached")
	h.ticks(1)

	vs := h.reg.Violations(h.id)
	assert.Equal(t, []ViolationKind{KindPinLost, KindPinEnterFailed}, kinds(vs))
	assert.Equal(t, SeverityCritical, vs[1].Severity)
	assert.Contains(t, vs[1].Message, "activity not attached")
}

func TestMonitorQueryFailure(t *testing.T) {
	h := newMonitorHarness(t, 5)
	h.port.queryErr = errors.New("service unavailable")
	h.ticks(2)

	vs := h.reg.Violations(h.id)
	assert.Equal(t, []ViolationKind{KindPinQueryFailed, KindPinQueryFailed}, kinds(vs))
	assert.Equal(t, 0, h.port.enters())
	assert.Equal(t, 0, h.reg.Failures(h.id))
}

func TestMonitorRecoversPanics(t *testing.T) {
	h := newMonitorHarness(t, 5)
	h.port.panicMsg = "nil activity"

	assert.NotPanics(t, func() {
		assert.False(t, h.monitor.tick(context.Background()))
	})
	vs := h.reg.Violations(h.id)
	require.Len(t, vs, 1)
	assert.Equal(t, KindInternalPanic, vs[0].Kind)
	assert.Equal(t, SeverityCritical, vs[0].Severity)
}

func TestMonitorTickOnCompletedSession(t *testing.T) {
	h := newMonitorHarness(t, 5, false)
	h.reg.End(h.id)

	assert.True(t, h.monitor.tick(context.Background()))
	assert.Empty(t, h.reg.Violations(h.id))
	assert.Equal(t, 0, h.port.enters())
}

func TestMonitorRunStopsOnCompletion(t *testing.T) {
	h := newMonitorHarness(t, 5)
	go h.monitor.Run(context.Background())

	require.Eventually(t, func() bool { return h.monitor.Ticks() > 0 }, time.Second, time.Millisecond)
	h.reg.End(h.id)

	select {
	case <-h.monitor.Done():
	case <-time.After(time.Second):
		t.Fatal("monitor did not exit after session completed")
	}
}

func TestMonitorStop(t *testing.T) {
	h := newMonitorHarness(t, 5)
	go h.monitor.Run(context.Background())

	h.monitor.Stop()
	h.monitor.Stop()

	select {
	case <-h.monitor.Done():
	case <-time.After(time.Second):
		t.Fatal("monitor did not exit after Stop")
	}
	assert.False(t, h.reg.IsCompleted(h.id))
}

func TestMonitorContextCancel(t *testing.T) {
	h := newMonitorHarness(t, 5)
	ctx, cancel := context.WithCancel(context.Background())
	go h.monitor.Run(ctx)
	cancel()

	select {
	case <-h.monitor.Done():
	case <-time.After(time.Second):
		t.Fatal("monitor did not exit after cancel")
	}
}

func TestMonitorSingleRun(t *testing.T) {
	h := newMonitorHarness(t, 5)
	go h.monitor.Run(context.Background())
	defer h.monitor.Stop()
	require.Eventually(t, func() bool { return h.monitor.Ticks() > 0 }, time.Second, time.Millisecond)

	returned := make(chan struct{})
	go func() {
		h.monitor.Run(context.Background())
		close(returned)
	}()

	select {
	case <-returned:
	case <-time.After(time.Second):
		t.Fatal("second Run should return immediately")
	}
}
