// Package scheduler decides which camera frames get processed. It gates
// frames to a target rate, optionally skips admitted frames, and lowers the
// rate when processing cost stays high for too long.
//
// The package is pure: no goroutines, no clock reads. Time always arrives as a
// parameter, so behaviour is reproducible under synthetic time.
package scheduler

import (
	"fmt"
	"math"
	"time"
)

// Mode selects the target frame rate.
type Mode string

const (
	ModeBattery  Mode = "battery"
	ModeBalanced Mode = "balanced"
	ModeAccurate Mode = "accurate"
)

// FPS returns the target frame rate for the mode. Unknown modes run balanced.
func (m Mode) FPS() float64 {
	switch m {
	case ModeBattery:
		return 6
	case ModeAccurate:
		return 15
	default:
		return 10
	}
}

// Window sizes and adjustment factors.
const (
	processingWindow = 30
	cpuWindow        = 100
	fpsWindow        = 30
	maxThrottleLog   = 50

	throttleDownFactor = 0.7
	throttleUpFactor   = 1.2
)

// Config controls admission and throttling.
type Config struct {
	Mode Mode
	// SkipFactor N processes one of every N interval-admitted frames. 0 or 1 disables skipping.
	SkipFactor int
	// CPUThreshold is the average CPU usage percentage above which throttling starts.
	CPUThreshold float64
	// MonitorDuration is how long usage must stay above (or below half) the
	// threshold before the rate changes.
	MonitorDuration time.Duration
	// MinFPS is the floor below which throttling never goes.
	MinFPS float64
}

// DefaultConfig returns the balanced-mode defaults.
func DefaultConfig() Config {
	return Config{
		Mode:            ModeBalanced,
		SkipFactor:      1,
		CPUThreshold:    80,
		MonitorDuration: 5 * time.Second,
		MinFPS:          3,
	}
}

// ThrottleEvent records one change of the effective frame rate.
type ThrottleEvent struct {
	Timestamp   time.Time
	Reason      string
	PreviousFPS float64
	NewFPS      float64
	CPUUsage    float64
}

// Metrics is a performance snapshot.
type Metrics struct {
	CurrentFPS        float64 // measured
	TargetFPS         float64
	EffectiveFPS      float64
	AvgProcessingTime time.Duration
	CPUUsagePercent   float64
	FramesProcessed   uint64
	FramesSkipped     uint64
	IsThrottled       bool
	ThrottleReason    string
}

// FrameScheduler gates frames and adapts the effective rate to CPU pressure.
//
// Invariants: MinFPS <= effectiveFPS <= targetFPS.
//
// Not safe for concurrent use; the owning session serializes access.
type FrameScheduler struct {
	cfg Config

	targetFPS    float64
	effectiveFPS float64

	lastFrame       time.Time
	frameCounter    uint64
	framesProcessed uint64
	framesSkipped   uint64

	processing  []time.Duration
	cpu         []float64
	processedAt []time.Time

	throttled      bool
	throttleReason string
	events         []ThrottleEvent

	// Start of the current run of high (or low) average usage; zero when not in a run.
	highSince time.Time
	lowSince  time.Time
}

// New creates a FrameScheduler.
func New(cfg Config) *FrameScheduler {
	cfg = normalize(cfg)
	fps := cfg.Mode.FPS()
	return &FrameScheduler{
		cfg:          cfg,
		targetFPS:    fps,
		effectiveFPS: fps,
	}
}

func normalize(cfg Config) Config {
	def := DefaultConfig()
	if cfg.Mode == "" {
		cfg.Mode = def.Mode
	}
	if cfg.SkipFactor < 1 {
		cfg.SkipFactor = 1
	}
	if cfg.CPUThreshold <= 0 {
		cfg.CPUThreshold = def.CPUThreshold
	}
	if cfg.MonitorDuration <= 0 {
		cfg.MonitorDuration = def.MonitorDuration
	}
	if cfg.MinFPS <= 0 {
		cfg.MinFPS = def.MinFPS
	}
	return cfg
}

// Config returns the active configuration.
func (s *FrameScheduler) Config() Config {
	return s.cfg
}

// FrameInterval returns the current admission interval (1/effectiveFPS).
func (s *FrameScheduler) FrameInterval() time.Duration {
	return time.Duration(float64(time.Second) / s.effectiveFPS)
}

// ShouldProcessFrame reports whether the frame arriving at now should be
// processed. It never blocks. Every call that passes the interval gate
// advances the frame counter, even when the skip factor then rejects it.
func (s *FrameScheduler) ShouldProcessFrame(now time.Time) bool {
	if !s.lastFrame.IsZero() && now.Sub(s.lastFrame) < s.FrameInterval() {
		return false
	}
	s.lastFrame = now
	s.frameCounter++

	if s.cfg.SkipFactor > 1 && s.frameCounter%uint64(s.cfg.SkipFactor) != 0 {
		s.framesSkipped++
		return false
	}

	s.framesProcessed++
	s.processedAt = appendBounded(s.processedAt, now, fpsWindow)
	return true
}

// RecordProcessingTime records how long one processed frame took and adjusts
// the effective rate. It returns the throttle event if the rate changed.
func (s *FrameScheduler) RecordProcessingTime(start, end time.Time) *ThrottleEvent {
	d := end.Sub(start)
	if d < 0 {
		d = 0
	}
	s.processing = appendBounded(s.processing, d, processingWindow)

	usage := float64(d) / float64(s.FrameInterval()) * 100
	s.cpu = appendBounded(s.cpu, usage, cpuWindow)

	return s.adjust(end)
}

// adjust applies the throttle state machine. Throttling down needs average usage
// above the threshold; throttling up needs it below half the threshold. The gap
// between the two keeps the rate from oscillating.
func (s *FrameScheduler) adjust(now time.Time) *ThrottleEvent {
	avg := mean(s.cpu)
	threshold := s.cfg.CPUThreshold

	switch {
	case avg > threshold:
		s.lowSince = time.Time{}
		if s.highSince.IsZero() {
			s.highSince = now
			return nil
		}
		if now.Sub(s.highSince) < s.cfg.MonitorDuration {
			return nil
		}
		s.highSince = time.Time{}
		return s.throttleDown(now, avg)

	case s.throttled && avg < threshold/2:
		s.highSince = time.Time{}
		if s.lowSince.IsZero() {
			s.lowSince = now
			return nil
		}
		if now.Sub(s.lowSince) < s.cfg.MonitorDuration {
			return nil
		}
		s.lowSince = time.Time{}
		return s.throttleUp(now, avg)

	default:
		s.highSince = time.Time{}
		s.lowSince = time.Time{}
		return nil
	}
}

func (s *FrameScheduler) throttleDown(now time.Time, avg float64) *ThrottleEvent {
	prev := s.effectiveFPS
	next := math.Max(s.floor(), prev*throttleDownFactor)
	if next >= prev {
		return nil // already at the floor
	}

	s.effectiveFPS = next
	s.throttled = true
	s.throttleReason = fmt.Sprintf("high CPU usage (%.0f%%)", avg)
	return s.record(now, s.throttleReason, prev, next, avg)
}

func (s *FrameScheduler) throttleUp(now time.Time, avg float64) *ThrottleEvent {
	prev := s.effectiveFPS
	next := math.Min(s.targetFPS, prev*throttleUpFactor)

	s.effectiveFPS = next
	reason := fmt.Sprintf("CPU usage recovered (%.0f%%)", avg)
	if next == s.targetFPS {
		s.throttled = false
		s.throttleReason = ""
	}
	return s.record(now, reason, prev, next, avg)
}

func (s *FrameScheduler) record(now time.Time, reason string, prev, next, avg float64) *ThrottleEvent {
	ev := ThrottleEvent{
		Timestamp:   now,
		Reason:      reason,
		PreviousFPS: prev,
		NewFPS:      next,
		CPUUsage:    avg,
	}
	s.events = appendBounded(s.events, ev, maxThrottleLog)
	// Usage is relative to the frame interval, which just changed.
	s.cpu = nil
	return &ev
}

func (s *FrameScheduler) floor() float64 {
	return math.Min(s.cfg.MinFPS, s.targetFPS)
}

// Metrics returns a performance snapshot as of now.
func (s *FrameScheduler) Metrics(now time.Time) Metrics {
	var avgProc time.Duration
	if n := len(s.processing); n > 0 {
		var sum time.Duration
		for _, d := range s.processing {
			sum += d
		}
		avgProc = sum / time.Duration(n)
	}

	return Metrics{
		CurrentFPS:        s.measuredFPS(now),
		TargetFPS:         s.targetFPS,
		EffectiveFPS:      s.effectiveFPS,
		AvgProcessingTime: avgProc,
		CPUUsagePercent:   mean(s.cpu),
		FramesProcessed:   s.framesProcessed,
		FramesSkipped:     s.framesSkipped,
		IsThrottled:       s.throttled,
		ThrottleReason:    s.throttleReason,
	}
}

// measuredFPS derives the processed-frame rate from recent timestamps.
// Frames older than two seconds are ignored so the figure decays when idle.
func (s *FrameScheduler) measuredFPS(now time.Time) float64 {
	cutoff := now.Add(-2 * time.Second)
	var first, last time.Time
	n := 0
	for _, ts := range s.processedAt {
		if ts.Before(cutoff) {
			continue
		}
		if n == 0 {
			first = ts
		}
		last = ts
		n++
	}
	if n < 2 {
		return 0
	}
	span := last.Sub(first).Seconds()
	if span <= 0 {
		return 0
	}
	return float64(n-1) / span
}

// ThrottleEvents returns a copy of the bounded throttle log, oldest first.
func (s *FrameScheduler) ThrottleEvents() []ThrottleEvent {
	out := make([]ThrottleEvent, len(s.events))
	copy(out, s.events)
	return out
}

// ResetMetrics clears the frame counters only. Sample windows and any
// throttle assessment in progress are kept.
func (s *FrameScheduler) ResetMetrics() {
	s.frameCounter = 0
	s.framesProcessed = 0
	s.framesSkipped = 0
}

// Reset clears counters, sample windows and throttle state but keeps the
// configuration.
func (s *FrameScheduler) Reset() {
	s.ResetMetrics()
	s.processing = nil
	s.cpu = nil
	s.processedAt = nil
	s.lastFrame = time.Time{}
	s.effectiveFPS = s.targetFPS
	s.throttled = false
	s.throttleReason = ""
	s.events = nil
	s.highSince = time.Time{}
	s.lowSince = time.Time{}
}

// UpdateConfig applies a new mode, skip factor or thresholds. When not
// throttled, the effective rate follows the new target immediately.
func (s *FrameScheduler) UpdateConfig(cfg Config) {
	s.cfg = normalize(cfg)
	s.targetFPS = s.cfg.Mode.FPS()

	if !s.throttled || s.effectiveFPS >= s.targetFPS {
		s.effectiveFPS = s.targetFPS
		s.throttled = false
		s.throttleReason = ""
		return
	}
	s.effectiveFPS = math.Max(s.effectiveFPS, s.floor())
}

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

func appendBounded[T any](xs []T, x T, limit int) []T {
	xs = append(xs, x)
	if len(xs) > limit {
		xs = xs[len(xs)-limit:]
	}
	return xs
}
