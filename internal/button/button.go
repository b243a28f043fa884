// Package button debounces the pause button line into press and release
// edges. It is pure logic: no GPIO, no clock; time is always passed in.
package button

import "time"

// DefaultDebounce is how long the line must hold a new level to count.
const DefaultDebounce = 50 * time.Millisecond

// State is the debounced level of the button.
type State string

const (
	StateReleased State = "RELEASED"
	StatePressed  State = "PRESSED"
)

// Edge is a debounced transition.
type Edge string

const (
	EdgePress   Edge = "PRESS"
	EdgeRelease Edge = "RELEASE"
)

// Detector tracks the button level and reports debounced edges. A level
// observed at startup only establishes the baseline; it never produces an
// edge, so a button held during boot does not toggle anything.
type Detector struct {
	debounce     time.Duration
	stable       State
	pending      State
	pendingSince time.Time
	baselined    bool
	presses      int
}

// NewDetector creates a detector with the given debounce duration.
func NewDetector(debounce time.Duration) *Detector {
	if debounce < 0 {
		debounce = 0
	}
	return &Detector{debounce: debounce}
}

// Process takes one sample and returns the edge it completes, if any.
func (d *Detector) Process(pressed bool, now time.Time) (Edge, bool) {
	level := StateReleased
	if pressed {
		level = StatePressed
	}

	if !d.baselined {
		if d.pending != level {
			d.pending = level
			d.pendingSince = now
		}
		if now.Sub(d.pendingSince) >= d.debounce {
			d.stable = level
			d.baselined = true
			d.pending = ""
		}
		return "", false
	}

	if level == d.stable {
		d.pending = ""
		return "", false
	}

	if d.pending != level {
		d.pending = level
		d.pendingSince = now
	}
	if now.Sub(d.pendingSince) < d.debounce {
		return "", false
	}

	d.stable = level
	d.pending = ""
	if level == StatePressed {
		d.presses++
		return EdgePress, true
	}
	return EdgeRelease, true
}

// IsBaselined returns whether the detector has established a baseline.
func (d *Detector) IsBaselined() bool {
	return d.baselined
}

// Current returns the stable level; empty before the baseline.
func (d *Detector) Current() State {
	return d.stable
}

// Presses returns how many press edges have been reported.
func (d *Detector) Presses() int {
	return d.presses
}
