package monitor

import (
	"context"
	"time"

	"github.com/sweeney/wellness-monitor/internal/button"
	"github.com/sweeney/wellness-monitor/internal/pause"
	"github.com/sweeney/wellness-monitor/internal/posture"
)

// Pause suppresses notifications for d, or the configured manual duration
// when d <= 0.
func (m *Monitor) Pause(d time.Duration) (pause.State, error) {
	m.mu.Lock()
	if d <= 0 {
		d = m.manualPause
	}
	m.mu.Unlock()

	if err := m.pause.Pause(d, pause.SourceManual); err != nil {
		return pause.State{}, err
	}
	st := m.pause.State()
	m.syncPause()
	return st, nil
}

// Resume lifts any pause. It reports whether one was active.
func (m *Monitor) Resume() bool {
	ok := m.pause.Resume()
	m.syncPause()
	return ok
}

// TogglePause resumes if paused, otherwise pauses for the manual duration.
func (m *Monitor) TogglePause() (pause.State, error) {
	if m.pause.IsPaused(m.now()) {
		m.Resume()
		return m.pause.State(), nil
	}
	return m.Pause(0)
}

func (m *Monitor) syncPause() {
	if m.tracker == nil {
		return
	}
	m.mu.Lock()
	idle := m.idle.Idle()
	m.mu.Unlock()
	m.tracker.SetPause(m.pause.State(), idle)
}

// Calibrate records the current posture as the user's ideal.
func (m *Monitor) Calibrate() (posture.Baseline, error) {
	return m.sess.Calibrate()
}

// ClearCalibration removes the posture baseline.
func (m *Monitor) ClearCalibration() {
	m.sess.ClearCalibration()
	m.log.Info().Msg("posture calibration cleared")
}

// Retry restarts a failed session with a fresh retry budget.
func (m *Monitor) Retry(ctx context.Context) error {
	m.mu.Lock()
	active := m.active
	m.mu.Unlock()
	if !active {
		return ErrDetectionDisabled
	}
	return m.sess.ManualRetry(ctx)
}

// HandleButton feeds one pause button sample. A debounced press toggles a
// manual pause; it reports whether that happened.
func (m *Monitor) HandleButton(pressed bool, now time.Time) bool {
	m.mu.Lock()
	edge, ok := m.button.Process(pressed, now)
	m.mu.Unlock()

	if !ok || edge != button.EdgePress {
		return false
	}
	if m.tracker != nil {
		m.tracker.RecordButtonPress()
	}
	st, err := m.TogglePause()
	if err != nil {
		m.log.Error().Err(err).Msg("button pause")
		return false
	}
	m.log.Info().Bool("paused", st.IsPaused).Msg("pause button pressed")
	return true
}
