// Package blink computes eye aspect ratio (EAR) from face-mesh landmarks and
// detects discrete blinks with a consecutive-frame rule plus an open-frame
// debounce.
package blink

import (
	"math"
	"time"

	"github.com/sweeney/wellness-monitor/internal/landmark"
)

// minuteWindow is the look-back used for the blinks-per-minute figure.
const minuteWindow = 60 * time.Second

// Config controls blink detection.
type Config struct {
	// EARThreshold is the average EAR below which the eyes count as closed.
	EARThreshold float64
	// MinClosedFrames is how many consecutive closed frames make a blink.
	MinClosedFrames int
	// MinOpenFrames is how many consecutive open frames clear the blinking
	// flag. Until then a new closed run cannot count as a second blink.
	MinOpenFrames int
}

// DefaultConfig returns the default detection thresholds.
func DefaultConfig() Config {
	return Config{
		EARThreshold:    0.21,
		MinClosedFrames: 2,
		MinOpenFrames:   2,
	}
}

// Metrics is a snapshot of blink state.
type Metrics struct {
	TotalBlinks    int
	LeftEAR        float64
	RightEAR       float64
	AverageEAR     float64
	LastBlink      time.Time
	BlinksInMinute int
	Blinking       bool
}

// Extractor tracks EAR and blink events across frames.
//
// Not safe for concurrent use.
type Extractor struct {
	cfg Config

	leftEAR, rightEAR, avgEAR float64

	consecutiveClosed int
	consecutiveOpen   int
	blinking          bool

	total     int
	lastBlink time.Time
	history   []time.Time
}

// New creates an Extractor.
func New(cfg Config) *Extractor {
	return &Extractor{cfg: normalize(cfg)}
}

func normalize(cfg Config) Config {
	def := DefaultConfig()
	if cfg.EARThreshold <= 0 {
		cfg.EARThreshold = def.EARThreshold
	}
	if cfg.MinClosedFrames < 1 {
		cfg.MinClosedFrames = def.MinClosedFrames
	}
	if cfg.MinOpenFrames < 1 {
		cfg.MinOpenFrames = def.MinOpenFrames
	}
	return cfg
}

// UpdateConfig swaps thresholds without touching counters.
func (e *Extractor) UpdateConfig(cfg Config) {
	e.cfg = normalize(cfg)
}

// Config returns the active configuration.
func (e *Extractor) Config() Config {
	return e.cfg
}

// EyeAspectRatio computes (|p2-p6| + |p3-p5|) / (2|p1-p4|) for one eye.
// It returns 0 if any of the six landmarks is absent or the eye has no width.
func EyeAspectRatio(lms []landmark.Landmark, eye [6]int) float64 {
	var p [6]landmark.Landmark
	for i, idx := range eye {
		lm, ok := landmark.At(lms, idx)
		if !ok {
			return 0
		}
		p[i] = lm
	}

	horizontal := dist(p[0], p[3])
	if horizontal == 0 {
		return 0
	}
	v1 := dist(p[1], p[5])
	v2 := dist(p[2], p[4])
	return (v1 + v2) / (2 * horizontal)
}

func dist(a, b landmark.Landmark) float64 {
	return math.Hypot(a.X-b.X, a.Y-b.Y)
}

// ProcessFrame updates EAR state from face-mesh landmarks and reports whether
// this frame completed a blink. A frame with no usable eye data leaves the
// counters untouched.
func (e *Extractor) ProcessFrame(face []landmark.Landmark, ts time.Time) bool {
	left := EyeAspectRatio(face, landmark.LeftEye)
	right := EyeAspectRatio(face, landmark.RightEye)
	if left == 0 || right == 0 {
		return false
	}

	e.leftEAR = left
	e.rightEAR = right
	e.avgEAR = (left + right) / 2

	if e.avgEAR < e.cfg.EARThreshold {
		e.consecutiveClosed++
		e.consecutiveOpen = 0

		if e.consecutiveClosed == e.cfg.MinClosedFrames && !e.blinking {
			e.blinking = true
			e.total++
			e.lastBlink = ts
			e.history = append(e.history, ts)
			e.purge(ts)
			return true
		}
		return false
	}

	e.consecutiveOpen++
	e.consecutiveClosed = 0
	if e.blinking && e.consecutiveOpen >= e.cfg.MinOpenFrames {
		e.blinking = false
	}
	return false
}

// purge drops blink history at or before now minus one minute.
func (e *Extractor) purge(now time.Time) {
	cutoff := now.Add(-minuteWindow)
	i := 0
	for i < len(e.history) && !e.history[i].After(cutoff) {
		i++
	}
	if i > 0 {
		n := copy(e.history, e.history[i:])
		e.history = e.history[:n]
	}
}

// Metrics returns a snapshot as of now. Blink history older than a minute is
// dropped as a side effect.
func (e *Extractor) Metrics(now time.Time) Metrics {
	e.purge(now)
	return Metrics{
		TotalBlinks:    e.total,
		LeftEAR:        e.leftEAR,
		RightEAR:       e.rightEAR,
		AverageEAR:     e.avgEAR,
		LastBlink:      e.lastBlink,
		BlinksInMinute: len(e.history),
		Blinking:       e.blinking,
	}
}

// Reset zeroes all counters, EAR values, timestamps and history.
func (e *Extractor) Reset() {
	cfg := e.cfg
	*e = Extractor{cfg: cfg}
}
