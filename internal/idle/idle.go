// Package idle pauses notifications when nobody has been in front of the
// camera for a while, and lifts that pause when they return.
package idle

import (
	"time"

	"github.com/sweeney/wellness-monitor/internal/pause"
)

// Config controls idle detection.
type Config struct {
	// Threshold is how long without presence counts as idle.
	Threshold time.Duration
	// PauseDuration is the length of the pause taken on going idle.
	PauseDuration time.Duration
}

// DefaultConfig returns a 5 minute threshold and a 1 hour pause.
func DefaultConfig() Config {
	return Config{
		Threshold:     5 * time.Minute,
		PauseDuration: time.Hour,
	}
}

// Pauser is the subset of pause.Coordinator the detector drives.
type Pauser interface {
	Pause(d time.Duration, src pause.Source) error
	ResumeIf(src pause.Source) bool
	IsPaused(now time.Time) bool
}

// Transition reports what a Check did.
type Transition int

const (
	None Transition = iota
	WentIdle
	Returned
)

func (t Transition) String() string {
	switch t {
	case WentIdle:
		return "idle"
	case Returned:
		return "returned"
	default:
		return "none"
	}
}

// Detector is not safe for concurrent use.
type Detector struct {
	cfg  Config
	p    Pauser
	idle bool
}

// New creates a Detector.
func New(cfg Config, p Pauser) *Detector {
	return &Detector{cfg: cfg, p: p}
}

// UpdateConfig swaps thresholds.
func (d *Detector) UpdateConfig(cfg Config) {
	d.cfg = cfg
}

// Idle reports whether the detector currently considers the user away.
func (d *Detector) Idle() bool {
	return d.idle
}

// Check compares lastPresence with now. An existing pause from another
// source is left alone and suppresses the idle pause.
func (d *Detector) Check(lastPresence, now time.Time) (Transition, error) {
	if d.cfg.Threshold <= 0 {
		return None, nil
	}
	away := now.Sub(lastPresence) >= d.cfg.Threshold

	switch {
	case away && !d.idle:
		if d.p.IsPaused(now) {
			return None, nil
		}
		if err := d.p.Pause(d.cfg.PauseDuration, pause.SourceIdle); err != nil {
			return None, err
		}
		d.idle = true
		return WentIdle, nil
	case !away && d.idle:
		d.idle = false
		d.p.ResumeIf(pause.SourceIdle)
		return Returned, nil
	}
	return None, nil
}

// Reset forgets the idle flag without touching the pauser.
func (d *Detector) Reset() {
	d.idle = false
}
