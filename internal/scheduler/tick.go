package scheduler

import (
	"sync"
	"time"
)

// TickSource drives the frame loop. Production uses a ticker; tests use a
// ManualSource advanced by hand.
type TickSource interface {
	// Start begins delivering ticks to the registered callback.
	Start()
	// Stop cancels any pending tick. A callback already running may finish.
	Stop()
	// OnTick registers the callback invoked for each tick.
	OnTick(fn func(now time.Time))
}

// TickerSource delivers ticks from a time.Ticker on its own goroutine.
// Callbacks run serially.
type TickerSource struct {
	period time.Duration

	mu      sync.Mutex
	fn      func(time.Time)
	stop    chan struct{}
	running bool
}

// NewTickerSource creates a ticker-backed source with the given poll period.
func NewTickerSource(period time.Duration) *TickerSource {
	if period <= 0 {
		period = 10 * time.Millisecond
	}
	return &TickerSource{period: period}
}

// OnTick registers the tick callback.
func (t *TickerSource) OnTick(fn func(time.Time)) {
	t.mu.Lock()
	t.fn = fn
	t.mu.Unlock()
}

// Start launches the ticker goroutine. Calling Start twice is a no-op.
func (t *TickerSource) Start() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.running {
		return
	}
	t.running = true
	t.stop = make(chan struct{})
	go t.loop(t.stop)
}

// Stop ends the ticker goroutine. It does not wait for an in-flight callback.
func (t *TickerSource) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.running {
		return
	}
	t.running = false
	close(t.stop)
}

// Running reports whether ticks are being delivered.
func (t *TickerSource) Running() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.running
}

func (t *TickerSource) loop(stop <-chan struct{}) {
	ticker := time.NewTicker(t.period)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case now := <-ticker.C:
			t.mu.Lock()
			fn := t.fn
			t.mu.Unlock()
			if fn != nil {
				fn(now)
			}
		}
	}
}

// ManualSource is a synthetic tick source for tests. Tick delivers a tick
// synchronously when started.
type ManualSource struct {
	fn      func(time.Time)
	running bool

	// Starts and Stops count lifecycle calls.
	Starts int
	Stops  int
}

// NewManualSource creates a stopped ManualSource.
func NewManualSource() *ManualSource {
	return &ManualSource{}
}

// OnTick registers the tick callback.
func (m *ManualSource) OnTick(fn func(time.Time)) { m.fn = fn }

// Start enables tick delivery.
func (m *ManualSource) Start() {
	m.Starts++
	m.running = true
}

// Stop disables tick delivery.
func (m *ManualSource) Stop() {
	m.Stops++
	m.running = false
}

// Running reports whether ticks are delivered.
func (m *ManualSource) Running() bool { return m.running }

// Tick invokes the callback with now if the source is running.
// It reports whether the callback ran.
func (m *ManualSource) Tick(now time.Time) bool {
	if !m.running || m.fn == nil {
		return false
	}
	m.fn(now)
	return true
}

// Advance delivers n ticks spaced step apart starting at from, and returns
// the time of the last tick.
func (m *ManualSource) Advance(from time.Time, step time.Duration, n int) time.Time {
	now := from
	for i := 0; i < n; i++ {
		now = from.Add(time.Duration(i) * step)
		m.Tick(now)
	}
	return now
}
