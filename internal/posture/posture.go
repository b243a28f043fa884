// Package posture derives head-pitch and shoulder-roll angles from pose
// landmarks, smooths them, and scores posture on a 0-100 scale relative to an
// optional calibrated baseline.
//
// Scoring only penalizes forward deviation. Leaning back or sitting up
// straighter than the baseline never lowers the score.
package posture

import (
	"errors"
	"math"
	"time"

	"github.com/sweeney/wellness-monitor/internal/landmark"
)

// ErrNoSamples is returned by SetBaseline when a value must be taken from the
// smoothed state but no frame has been processed yet.
var ErrNoSamples = errors.New("posture: no samples to calibrate from")

// Config controls smoothing and the penalty model.
type Config struct {
	// Alpha is the EMA weight given to each new sample, in (0,1].
	Alpha float64
	// HeadSpan is the forward head-pitch deviation (degrees) that earns the
	// full head penalty.
	HeadSpan float64
	// ShoulderSpan is the shoulder-roll deviation that earns the full
	// shoulder penalty.
	ShoulderSpan float64
	// HeadWeight and ShoulderWeight are the maximum penalties. They should
	// sum to 100.
	HeadWeight     float64
	ShoulderWeight float64
}

// DefaultConfig returns the default scoring model.
func DefaultConfig() Config {
	return Config{
		Alpha:          0.3,
		HeadSpan:       30,
		ShoulderSpan:   20,
		HeadWeight:     70,
		ShoulderWeight: 30,
	}
}

func normalize(cfg Config) Config {
	def := DefaultConfig()
	if cfg.Alpha <= 0 || cfg.Alpha > 1 {
		cfg.Alpha = def.Alpha
	}
	if cfg.HeadSpan <= 0 {
		cfg.HeadSpan = def.HeadSpan
	}
	if cfg.ShoulderSpan <= 0 {
		cfg.ShoulderSpan = def.ShoulderSpan
	}
	if cfg.HeadWeight < 0 {
		cfg.HeadWeight = def.HeadWeight
	}
	if cfg.ShoulderWeight < 0 {
		cfg.ShoulderWeight = def.ShoulderWeight
	}
	return cfg
}

// Baseline is the frozen "ideal posture" reference.
type Baseline struct {
	HeadPitch    float64
	ShoulderRoll float64
}

// Metrics is a snapshot of the smoothed posture state.
type Metrics struct {
	HeadPitch    float64
	ShoulderRoll float64
	Score        float64
	Samples      int
	LastSample   time.Time
	Baseline     *Baseline
}

// Extractor holds EMA state and the optional baseline.
//
// Not safe for concurrent use.
type Extractor struct {
	cfg Config

	headPitch    float64
	shoulderRoll float64
	score        float64
	samples      int
	lastSample   time.Time

	baseline *Baseline
}

// New creates an Extractor.
func New(cfg Config) *Extractor {
	return &Extractor{cfg: normalize(cfg)}
}

// UpdateConfig swaps the scoring model. Smoothed state and baseline are kept.
func (e *Extractor) UpdateConfig(cfg Config) {
	e.cfg = normalize(cfg)
}

// Config returns the active configuration.
func (e *Extractor) Config() Config {
	return e.cfg
}

func shoulderMid(pose []landmark.Landmark) (landmark.Landmark, bool) {
	l, ok := landmark.Visible(pose, landmark.PoseLeftShoulder)
	if !ok {
		return landmark.Landmark{}, false
	}
	r, ok := landmark.Visible(pose, landmark.PoseRightShoulder)
	if !ok {
		return landmark.Landmark{}, false
	}
	return landmark.Landmark{
		X: (l.X + r.X) / 2,
		Y: (l.Y + r.Y) / 2,
		Z: (l.Z + r.Z) / 2,
	}, true
}

// HeadPitch returns the forward tilt of the head in degrees: the angle of the
// nose ahead of the shoulder midpoint (z) against its height above it (y).
// Upright is 0; positive means the head is pushed towards the camera.
func HeadPitch(pose []landmark.Landmark) (float64, bool) {
	nose, ok := landmark.Visible(pose, landmark.PoseNose)
	if !ok {
		return 0, false
	}
	mid, ok := shoulderMid(pose)
	if !ok {
		return 0, false
	}
	return math.Atan2(mid.Z-nose.Z, mid.Y-nose.Y) * 180 / math.Pi, true
}

// ShoulderRoll returns the forward displacement of the shoulder midpoint
// relative to the nose, scaled by 100. Positive means the shoulders are
// rolling towards the camera.
func ShoulderRoll(pose []landmark.Landmark) (float64, bool) {
	nose, ok := landmark.Visible(pose, landmark.PoseNose)
	if !ok {
		return 0, false
	}
	mid, ok := shoulderMid(pose)
	if !ok {
		return 0, false
	}
	return (nose.Z - mid.Z) * 100, true
}

// ProcessFrame folds one pose sample into the smoothed state. It returns
// false, leaving state untouched, if the required landmarks are missing.
func (e *Extractor) ProcessFrame(pose []landmark.Landmark, ts time.Time) bool {
	head, ok := HeadPitch(pose)
	if !ok {
		return false
	}
	roll, ok := ShoulderRoll(pose)
	if !ok {
		return false
	}

	if e.samples == 0 {
		e.headPitch = head
		e.shoulderRoll = roll
		e.score = e.rawScore(head, roll)
	} else {
		a := e.cfg.Alpha
		e.headPitch = a*head + (1-a)*e.headPitch
		e.shoulderRoll = a*roll + (1-a)*e.shoulderRoll
		e.score = a*e.rawScore(e.headPitch, e.shoulderRoll) + (1-a)*e.score
	}
	e.score = clamp(e.score, 0, 100)
	e.samples++
	e.lastSample = ts
	return true
}

// rawScore scores one pair of angles against the baseline.
func (e *Extractor) rawScore(head, roll float64) float64 {
	var b Baseline
	if e.baseline != nil {
		b = *e.baseline
	}
	headDev := math.Max(0, head-b.HeadPitch)
	rollDev := math.Max(0, roll-b.ShoulderRoll)

	headPenalty := math.Min(headDev/e.cfg.HeadSpan, 1) * e.cfg.HeadWeight
	shoulderPenalty := math.Min(rollDev/e.cfg.ShoulderSpan, 1) * e.cfg.ShoulderWeight
	return clamp(100-headPenalty-shoulderPenalty, 0, 100)
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

// SetBaseline freezes the zero reference for scoring. A nil argument takes
// the current smoothed value for that angle.
func (e *Extractor) SetBaseline(headPitch, shoulderRoll *float64) (Baseline, error) {
	if (headPitch == nil || shoulderRoll == nil) && e.samples == 0 {
		return Baseline{}, ErrNoSamples
	}
	b := Baseline{HeadPitch: e.headPitch, ShoulderRoll: e.shoulderRoll}
	if headPitch != nil {
		b.HeadPitch = *headPitch
	}
	if shoulderRoll != nil {
		b.ShoulderRoll = *shoulderRoll
	}
	e.baseline = &b
	return b, nil
}

// ClearBaseline removes calibration; scoring reverts to absolute angles.
func (e *Extractor) ClearBaseline() {
	e.baseline = nil
}

// Baseline returns the active baseline, if any.
func (e *Extractor) Baseline() (Baseline, bool) {
	if e.baseline == nil {
		return Baseline{}, false
	}
	return *e.baseline, true
}

// Metrics returns the smoothed state.
func (e *Extractor) Metrics() Metrics {
	m := Metrics{
		HeadPitch:    e.headPitch,
		ShoulderRoll: e.shoulderRoll,
		Score:        e.score,
		Samples:      e.samples,
		LastSample:   e.lastSample,
	}
	if e.baseline != nil {
		b := *e.baseline
		m.Baseline = &b
	}
	return m
}

// Reset clears smoothed state and the baseline.
func (e *Extractor) Reset() {
	cfg := e.cfg
	*e = Extractor{cfg: cfg}
}
