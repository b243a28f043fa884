package session

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/sweeney/wellness-monitor/internal/fault"
	"github.com/sweeney/wellness-monitor/internal/landmark"
	"github.com/sweeney/wellness-monitor/internal/retry"
	"github.com/sweeney/wellness-monitor/internal/scheduler"
)

var t0 = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

type fakeTimer struct {
	d       time.Duration
	f       func()
	stopped bool
}

func (t *fakeTimer) Stop() bool {
	was := !t.stopped
	t.stopped = true
	return was
}

type fakeTimers struct {
	mu     sync.Mutex
	timers []*fakeTimer
}

func (ft *fakeTimers) AfterFunc(d time.Duration, f func()) retry.Timer {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	t := &fakeTimer{d: d, f: f}
	ft.timers = append(ft.timers, t)
	return t
}

func (ft *fakeTimers) last() *fakeTimer {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	if len(ft.timers) == 0 {
		return nil
	}
	return ft.timers[len(ft.timers)-1]
}

func (ft *fakeTimers) count() int {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	return len(ft.timers)
}

type harness struct {
	s      *Session
	src    *landmark.FakeSource
	ticks  *scheduler.ManualSource
	timers *fakeTimers
	faults []*fault.Error
	states []State
}

func newHarness(t *testing.T, steps []landmark.Step) *harness {
	t.Helper()
	h := &harness{
		src:    landmark.NewFakeSource(steps),
		ticks:  scheduler.NewManualSource(),
		timers: &fakeTimers{},
	}
	rc := retry.New(retry.DefaultConfig(),
		retry.WithAfterFunc(h.timers.AfterFunc),
		retry.WithRand(func() float64 { return 0 }),
		retry.WithClock(func() time.Time { return t0 }),
	)
	h.s = New(DefaultConfig(), h.src, h.ticks, rc,
		WithClock(func() time.Time { return t0 }),
		WithHooks(Hooks{
			OnFault: func(fe *fault.Error) { h.faults = append(h.faults, fe) },
			OnState: func(st State) { h.states = append(h.states, st) },
		}),
	)
	return h
}

// fire runs the most recent retry timer.
func (h *harness) fire(t *testing.T) {
	t.Helper()
	tm := h.timers.last()
	if tm == nil || tm.stopped {
		t.Fatal("no pending retry timer")
	}
	tm.f()
}

// run delivers n ticks 100ms apart, which admits every tick in balanced mode.
func (h *harness) run(from time.Time, n int) time.Time {
	return h.ticks.Advance(from, 100*time.Millisecond, n)
}

func face(ear float64) *landmark.Frame {
	return &landmark.Frame{Face: landmark.SyntheticFace(ear)}
}

func TestStartRunsFramePath(t *testing.T) {
	open, closed := face(0.3), face(0.1)
	steps := []landmark.Step{
		{Frame: open}, {Frame: closed}, {Frame: closed}, {Frame: open}, {Frame: open},
	}
	h := newHarness(t, steps)

	if err := h.s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if h.s.State() != StateRunning || !h.ticks.Running() {
		t.Fatalf("state %v, ticking %v", h.s.State(), h.ticks.Running())
	}
	if _, err := uuid.Parse(h.s.ID()); err != nil {
		t.Errorf("session ID %q is not a uuid: %v", h.s.ID(), err)
	}

	last := h.run(t0, 5)
	m := h.s.Metrics(last)
	if m.Blink.TotalBlinks != 1 {
		t.Errorf("TotalBlinks: got %d, want 1", m.Blink.TotalBlinks)
	}
	if m.BlinkRate.EventCount != 1 {
		t.Errorf("rate events: got %d, want 1", m.BlinkRate.EventCount)
	}
	if m.Performance.FramesProcessed != 5 {
		t.Errorf("FramesProcessed: got %d, want 5", m.Performance.FramesProcessed)
	}
	if !m.LastPresence.Equal(last) {
		t.Errorf("LastPresence: got %v, want %v", m.LastPresence, last)
	}
	if h.src.DetectCalls != 5 {
		t.Errorf("Detect calls: got %d, want 5", h.src.DetectCalls)
	}
}

func TestSkippedFramesDoNotDetect(t *testing.T) {
	h := newHarness(t, []landmark.Step{{Frame: face(0.3)}})
	h.s.Start(context.Background())

	// 10ms ticks: balanced mode admits one in ten.
	h.ticks.Advance(t0, 10*time.Millisecond, 100)
	if h.src.DetectCalls != 10 {
		t.Errorf("Detect calls: got %d, want 10", h.src.DetectCalls)
	}
}

func TestNoDetectionClearsNothing(t *testing.T) {
	h := newHarness(t, []landmark.Step{{Frame: face(0.3)}, {Frame: nil}})
	h.s.Start(context.Background())

	h.run(t0, 3)
	m := h.s.Metrics(t0.Add(time.Second))
	if !m.LastPresence.Equal(t0) {
		t.Errorf("LastPresence should stay at the last detection: %v", m.LastPresence)
	}
	if m.ConsecutiveErrors != 0 {
		t.Errorf("no detection is not an error: %d", m.ConsecutiveErrors)
	}
}

func TestPostureFeature(t *testing.T) {
	fr := &landmark.Frame{Pose: landmark.SyntheticPose(-0.1, 0)}
	h := newHarness(t, []landmark.Step{{Frame: fr}})

	cfg := DefaultConfig()
	cfg.Features.Posture = false
	h.s.UpdateConfig(cfg)
	h.s.Start(context.Background())
	h.run(t0, 3)
	if n := h.s.Metrics(t0).Posture.Samples; n != 0 {
		t.Errorf("posture disabled but %d samples taken", n)
	}

	cfg.Features.Posture = true
	h.s.UpdateConfig(cfg)
	h.run(t0.Add(time.Second), 3)
	if n := h.s.Metrics(t0).Posture.Samples; n != 3 {
		t.Errorf("posture samples: got %d, want 3", n)
	}

	b, err := h.s.Calibrate()
	if err != nil {
		t.Fatal(err)
	}
	if b.ShoulderRoll > -9.99 || b.ShoulderRoll < -10.01 {
		t.Errorf("baseline roll: %v", b.ShoulderRoll)
	}
	h.s.ClearCalibration()
	if h.s.Metrics(t0).Posture.Baseline != nil {
		t.Error("baseline not cleared")
	}
}

func TestTerminalStartFault(t *testing.T) {
	h := newHarness(t, nil)
	h.src.StartErrors = []error{fault.ErrPermissionDenied}

	err := h.s.Start(context.Background())
	var fe *fault.Error
	if !errors.As(err, &fe) || fe.Kind != fault.KindPermissionDenied || fe.Retryable {
		t.Fatalf("Start error: %#v", err)
	}
	if h.s.State() != StateFailed {
		t.Errorf("state: %v", h.s.State())
	}
	if h.timers.count() != 0 {
		t.Error("terminal fault scheduled a retry")
	}
	if len(h.faults) != 1 || !fe.Timestamp.Equal(t0) {
		t.Errorf("fault hook: %v", h.faults)
	}
}

func TestRetryableStartFaultRecovers(t *testing.T) {
	h := newHarness(t, []landmark.Step{{Frame: face(0.3)}})
	h.src.StartErrors = []error{errors.New("NotReadableError: device busy")}

	err := h.s.Start(context.Background())
	var fe *fault.Error
	if !errors.As(err, &fe) || fe.Kind != fault.KindCameraInUse || !fe.Retryable || fe.Attempt != 1 {
		t.Fatalf("Start error: %#v", err)
	}
	if h.s.State() != StateRetrying || h.ticks.Running() {
		t.Fatalf("state %v, ticking %v", h.s.State(), h.ticks.Running())
	}
	if d := h.timers.last().d; d != 2*time.Second {
		t.Errorf("first retry delay: %v", d)
	}

	h.fire(t)
	if h.s.State() != StateRunning || !h.ticks.Running() {
		t.Fatalf("after retry: state %v, ticking %v", h.s.State(), h.ticks.Running())
	}
	m := h.s.Metrics(t0)
	if m.Fault != nil || m.Retry.Attempts != 0 {
		t.Errorf("fault not cleared on recovery: %+v %+v", m.Fault, m.Retry)
	}
}

func TestRetryExhaustion(t *testing.T) {
	h := newHarness(t, nil)
	busy := fault.ErrCameraInUse
	h.src.StartErrors = []error{busy, busy, busy, busy, busy, busy, busy}

	h.s.Start(context.Background())
	for i := 0; i < 5; i++ {
		h.fire(t)
	}

	if h.s.State() != StateFailed {
		t.Fatalf("state: %v", h.s.State())
	}
	m := h.s.Metrics(t0)
	if m.Fault == nil || !m.Fault.Exhausted || m.Fault.Retryable || m.Fault.Attempt != 5 {
		t.Errorf("fault: %+v", m.Fault)
	}
	if h.src.StartCalls != 6 {
		t.Errorf("Start calls: got %d, want 6", h.src.StartCalls)
	}

	// Manual retry resets the budget.
	h.src.StartErrors = nil
	if err := h.s.ManualRetry(context.Background()); err != nil {
		t.Fatalf("ManualRetry: %v", err)
	}
	if h.s.State() != StateRunning {
		t.Errorf("after ManualRetry: %v", h.s.State())
	}
}

func TestConsecutiveFrameErrorsEscalate(t *testing.T) {
	glitch := errors.New("inference glitch")
	h := newHarness(t, []landmark.Step{{Err: glitch}})
	h.s.Start(context.Background())

	h.run(t0, 9)
	if h.s.State() != StateRunning {
		t.Fatalf("escalated early: %v", h.s.State())
	}
	if n := h.s.Metrics(t0).ConsecutiveErrors; n != 9 {
		t.Errorf("ConsecutiveErrors: got %d, want 9", n)
	}

	h.ticks.Tick(t0.Add(time.Second))
	if h.ticks.Running() {
		t.Error("ticks must stop before the retry fires")
	}
	if h.src.Started {
		t.Error("source not released")
	}
	if h.s.State() != StateRetrying {
		t.Fatalf("state: %v", h.s.State())
	}
	fe := h.s.Metrics(t0).Fault
	if fe == nil || fe.Kind != fault.KindRuntime || !fe.Retryable || !errors.Is(fe, glitch) {
		t.Errorf("fault: %+v", fe)
	}

	// Recovery: source restarts, frames now succeed.
	h.src.Steps = []landmark.Step{{Frame: face(0.3)}}
	h.src.Reset()
	h.fire(t)
	if h.s.State() != StateRunning {
		t.Fatalf("after retry: %v", h.s.State())
	}
	h.run(t0.Add(5*time.Second), 3)
	if n := h.s.Metrics(t0).ConsecutiveErrors; n != 0 {
		t.Errorf("ConsecutiveErrors after recovery: %d", n)
	}
}

func TestErrorRunResetBySuccess(t *testing.T) {
	glitch := errors.New("glitch")
	var steps []landmark.Step
	for i := 0; i < 3; i++ {
		for j := 0; j < 9; j++ {
			steps = append(steps, landmark.Step{Err: glitch})
		}
		steps = append(steps, landmark.Step{Frame: face(0.3)})
	}
	h := newHarness(t, steps)
	h.s.Start(context.Background())

	h.run(t0, len(steps))
	if h.s.State() != StateRunning {
		t.Errorf("non-consecutive errors escalated: %v", h.s.State())
	}
}

func TestErrorRunSpansEmptyTicks(t *testing.T) {
	glitch := errors.New("glitch")
	var steps []landmark.Step
	for i := 0; i < 10; i++ {
		steps = append(steps, landmark.Step{Err: glitch}, landmark.Step{})
	}
	h := newHarness(t, steps)
	h.s.Start(context.Background())

	h.run(t0, 18)
	if n := h.s.Metrics(t0).ConsecutiveErrors; n != 9 {
		t.Fatalf("ConsecutiveErrors after 9 errors between empty ticks: got %d, want 9", n)
	}
	h.run(t0.Add(time.Minute), 1)
	if h.s.State() != StateRetrying {
		t.Errorf("state: got %v, want retrying", h.s.State())
	}
	if fe := h.s.Metrics(t0).Fault; fe == nil || fe.Kind != fault.KindRuntime {
		t.Errorf("fault: %+v", fe)
	}
}

func TestTerminalFrameFault(t *testing.T) {
	h := newHarness(t, []landmark.Step{{Frame: face(0.3)}, {Err: fault.ErrCameraNotFound}})
	h.s.Start(context.Background())

	h.run(t0, 2)
	if h.s.State() != StateFailed || h.ticks.Running() {
		t.Errorf("state %v, ticking %v", h.s.State(), h.ticks.Running())
	}
	if h.timers.count() != 0 {
		t.Error("terminal frame fault scheduled a retry")
	}
}

func TestStopCancelsRetry(t *testing.T) {
	h := newHarness(t, nil)
	h.src.StartErrors = []error{fault.ErrModelLoad}
	h.s.Start(context.Background())
	pending := h.timers.last()

	if err := h.s.Stop(); err != nil {
		t.Fatal(err)
	}
	if !pending.stopped {
		t.Error("retry timer not cancelled")
	}

	// A timer that already fired must not resurrect the session.
	pending.f()
	if h.s.State() != StateStopped {
		t.Errorf("stale retry changed state to %v", h.s.State())
	}
	if h.src.StartCalls != 1 {
		t.Errorf("stale retry restarted the source: %d calls", h.src.StartCalls)
	}
}

func TestStopResetsExtractors(t *testing.T) {
	fr := &landmark.Frame{Face: landmark.SyntheticFace(0.1), Pose: landmark.SyntheticPose(0, 0)}
	h := newHarness(t, []landmark.Step{{Frame: fr}})
	h.s.Start(context.Background())
	h.run(t0, 5)

	h.s.Stop()
	m := h.s.Metrics(t0.Add(time.Second))
	if m.Blink.TotalBlinks != 0 || m.BlinkRate.EventCount != 0 || m.Posture.Samples != 0 ||
		m.Performance.FramesProcessed != 0 || !m.LastPresence.IsZero() {
		t.Errorf("state survived Stop: %+v", m)
	}
	if h.ticks.Running() || h.src.Started {
		t.Error("ticks or source still running")
	}

	// Ticks after stop are ignored even if delivered.
	h.ticks.Start()
	h.run(t0.Add(2*time.Second), 3)
	if h.s.Metrics(t0).Performance.FramesProcessed != 0 {
		t.Error("stopped session processed frames")
	}
}

func TestStateHook(t *testing.T) {
	h := newHarness(t, []landmark.Step{{Frame: face(0.3)}})
	h.s.Start(context.Background())
	h.s.Start(context.Background())
	h.s.Stop()

	want := []State{StateRunning, StateStopped}
	if len(h.states) != len(want) {
		t.Fatalf("states: %v", h.states)
	}
	for i := range want {
		if h.states[i] != want[i] {
			t.Errorf("state %d: got %v, want %v", i, h.states[i], want[i])
		}
	}
}

func TestThrottleHook(t *testing.T) {
	src := landmark.NewFakeSource([]landmark.Step{{Frame: face(0.3)}})
	ticks := scheduler.NewManualSource()
	rc := retry.New(retry.DefaultConfig())

	// Each call advances 90ms; detect spans one call, so every frame costs
	// 90ms of a 100ms interval: 90% CPU.
	clock := t0
	var events []scheduler.ThrottleEvent
	s := New(DefaultConfig(), src, ticks, rc,
		WithClock(func() time.Time { clock = clock.Add(90 * time.Millisecond); return clock }),
		WithHooks(Hooks{OnThrottle: func(ev scheduler.ThrottleEvent) { events = append(events, ev) }}),
	)
	s.Start(context.Background())
	ticks.Advance(t0, 100*time.Millisecond, 70)

	if len(events) != 1 {
		t.Fatalf("throttle events: got %d, want 1", len(events))
	}
	if events[0].PreviousFPS != 10 || math.Abs(events[0].NewFPS-7) > 1e-9 {
		t.Errorf("event: %+v", events[0])
	}
}
