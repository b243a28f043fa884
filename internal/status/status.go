// Package status provides a thread-safe status tracker for the
// wellness-monitor daemon. It is read by the HTTP handlers and the
// websocket feed, and written by the monitor after every evaluation.
package status

import (
	"sync"
	"time"

	"github.com/sweeney/wellness-monitor/internal/pause"
	"github.com/sweeney/wellness-monitor/internal/policy"
	"github.com/sweeney/wellness-monitor/internal/session"
)

// Config contains daemon configuration for display.
type Config struct {
	FPSMode     string
	TickMs      int64
	EvaluateMs  int64
	HeartbeatMs int64
	Broker      string
	HTTPAddr    string
}

// Counts tracks what the daemon has done since startup.
type Counts struct {
	BlinkNotifications   int
	PostureNotifications int
	Suppressed           int
	Faults               int
	ButtonPresses        int
}

// Snapshot is a point-in-time view of daemon state.
// It is a value type, safe to use after the lock is released.
type Snapshot struct {
	Session       session.Metrics
	Blink         policy.BlinkState
	Posture       policy.PostureState
	Pause         pause.State
	Idle          bool
	Counts        Counts
	StartTime     time.Time
	Now           time.Time
	MQTTConnected bool
	Config        Config
}

// Uptime returns the duration since the daemon started.
func (s Snapshot) Uptime() time.Duration {
	return s.Now.Sub(s.StartTime)
}

// Tracker holds mutable daemon state behind an RWMutex.
type Tracker struct {
	mu   sync.RWMutex
	snap Snapshot
	now  func() time.Time
}

// NewTracker creates a Tracker with the given start time and config.
func NewTracker(startTime time.Time, cfg Config) *Tracker {
	return &Tracker{
		snap: Snapshot{
			StartTime: startTime,
			Config:    cfg,
		},
		now: time.Now,
	}
}

// SetClock replaces the clock used to stamp snapshots.
func (t *Tracker) SetClock(now func() time.Time) {
	t.mu.Lock()
	t.now = now
	t.mu.Unlock()
}

// Update replaces the session and policy views. Called by the monitor on
// every evaluation.
func (t *Tracker) Update(m session.Metrics, b policy.BlinkState, p policy.PostureState) {
	t.mu.Lock()
	t.snap.Session = m
	t.snap.Blink = b
	t.snap.Posture = p
	t.mu.Unlock()
}

// SetPause records the pause state.
func (t *Tracker) SetPause(st pause.State, idle bool) {
	t.mu.Lock()
	t.snap.Pause = st
	t.snap.Idle = idle
	t.mu.Unlock()
}

// RecordNotification counts a delivered notification of the given kind.
func (t *Tracker) RecordNotification(kind policy.Kind) {
	t.mu.Lock()
	switch kind {
	case policy.KindBlink:
		t.snap.Counts.BlinkNotifications++
	case policy.KindPosture:
		t.snap.Counts.PostureNotifications++
	}
	t.mu.Unlock()
}

// RecordSuppressed counts a notification held back by a pause.
func (t *Tracker) RecordSuppressed() {
	t.mu.Lock()
	t.snap.Counts.Suppressed++
	t.mu.Unlock()
}

// RecordFault counts a session fault.
func (t *Tracker) RecordFault() {
	t.mu.Lock()
	t.snap.Counts.Faults++
	t.mu.Unlock()
}

// RecordButtonPress counts a pause button press.
func (t *Tracker) RecordButtonPress() {
	t.mu.Lock()
	t.snap.Counts.ButtonPresses++
	t.mu.Unlock()
}

// SetMQTTConnected sets the MQTT connection status.
func (t *Tracker) SetMQTTConnected(connected bool) {
	t.mu.Lock()
	t.snap.MQTTConnected = connected
	t.mu.Unlock()
}

// SetConfig replaces the displayed config after a reload.
func (t *Tracker) SetConfig(cfg Config) {
	t.mu.Lock()
	t.snap.Config = cfg
	t.mu.Unlock()
}

// Snapshot returns a point-in-time copy of the daemon state.
// The Now field is set to the current time at the moment of the call.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.RLock()
	s := t.snap
	now := t.now
	t.mu.RUnlock()
	s.Now = now()
	return s
}
