// Package session runs one detection session: it pulls landmark frames on
// each scheduler tick, feeds the extractors and the blink-rate aggregator,
// and recovers from camera and model faults through the retry controller.
//
// The frame path (gate, detect, extract, aggregate) runs synchronously inside
// the tick callback under the session mutex. Lock order is session, then
// retry. The retry controller never holds its own lock while calling back in.
package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sweeney/wellness-monitor/internal/blink"
	"github.com/sweeney/wellness-monitor/internal/fault"
	"github.com/sweeney/wellness-monitor/internal/landmark"
	"github.com/sweeney/wellness-monitor/internal/logger"
	"github.com/sweeney/wellness-monitor/internal/posture"
	"github.com/sweeney/wellness-monitor/internal/rate"
	"github.com/sweeney/wellness-monitor/internal/retry"
	"github.com/sweeney/wellness-monitor/internal/scheduler"
)

// State is the session lifecycle position.
type State string

const (
	StateIdle     State = "idle"
	StateRunning  State = "running"
	StateRetrying State = "retrying"
	StateFailed   State = "failed"
	StateStopped  State = "stopped"
)

// Features selects which extractors run. Both fields are always set
// explicitly by the config layer.
type Features struct {
	Blink   bool
	Posture bool
}

// Config bundles the per-session component settings.
type Config struct {
	Scheduler  scheduler.Config
	Blink      blink.Config
	Posture    posture.Config
	RateWindow time.Duration
	Features   Features
	// MaxConsecutiveErrors is the run of per-frame failures that escalates
	// to a retryable runtime fault.
	MaxConsecutiveErrors int
}

// DefaultConfig returns defaults with both features enabled.
func DefaultConfig() Config {
	return Config{
		Scheduler:            scheduler.DefaultConfig(),
		Blink:                blink.DefaultConfig(),
		Posture:              posture.DefaultConfig(),
		RateWindow:           rate.DefaultWindow,
		Features:             Features{Blink: true, Posture: true},
		MaxConsecutiveErrors: 10,
	}
}

// Hooks are called outside the session lock.
type Hooks struct {
	OnFault    func(*fault.Error)
	OnThrottle func(scheduler.ThrottleEvent)
	OnState    func(State)
}

// Metrics is a snapshot of everything the session measures.
type Metrics struct {
	ID                string
	State             State
	StartedAt         time.Time
	Features          Features
	Performance       scheduler.Metrics
	Throttles         []scheduler.ThrottleEvent
	Blink             blink.Metrics
	BlinkRate         rate.Metrics
	Posture           posture.Metrics
	LastPresence      time.Time
	ConsecutiveErrors int
	Fault             *fault.Error
	Retry             retry.State
}

// Session is safe for concurrent use.
type Session struct {
	mu sync.Mutex

	cfg    Config
	source landmark.Source
	ticks  scheduler.TickSource
	retry  *retry.Controller
	now    func() time.Time
	log    *logger.Logger
	hooks  Hooks

	sched   *scheduler.FrameScheduler
	blink   *blink.Extractor
	posture *posture.Extractor
	rate    *rate.Aggregator

	ctx               context.Context
	id                string
	state             State
	startedAt         time.Time
	lastPresence      time.Time
	consecutiveErrors int
	lastFault         *fault.Error

	// pending collects hook calls made under the lock.
	pending []func()
}

// Option customizes a Session.
type Option func(*Session)

// WithClock sets the clock used for processing-time measurement and fault stamps.
func WithClock(now func() time.Time) Option {
	return func(s *Session) { s.now = now }
}

// WithLogger sets the session logger.
func WithLogger(l *logger.Logger) Option {
	return func(s *Session) { s.log = l }
}

// WithHooks installs lifecycle callbacks.
func WithHooks(h Hooks) Option {
	return func(s *Session) { s.hooks = h }
}

// New wires a session to its source, tick source and retry controller. The
// session registers itself as the tick callback and the retry failure handler.
func New(cfg Config, src landmark.Source, ticks scheduler.TickSource, rc *retry.Controller, opts ...Option) *Session {
	s := &Session{
		cfg:     cfg,
		source:  src,
		ticks:   ticks,
		retry:   rc,
		now:     time.Now,
		log:     logger.Nop(),
		sched:   scheduler.New(cfg.Scheduler),
		blink:   blink.New(cfg.Blink),
		posture: posture.New(cfg.Posture),
		rate:    rate.New(cfg.RateWindow),
		ctx:     context.Background(),
		state:   StateIdle,
	}
	if s.cfg.MaxConsecutiveErrors < 1 {
		s.cfg.MaxConsecutiveErrors = DefaultConfig().MaxConsecutiveErrors
	}
	for _, o := range opts {
		o(s)
	}
	ticks.OnTick(s.tick)
	rc.SetFailureHandler(s.onRetryFailure)
	return s
}

// Start opens the source and begins ticking. A retryable failure schedules a
// retry and is returned. A session that is running or retrying is left alone.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.state == StateRunning || s.state == StateRetrying {
		s.mu.Unlock()
		return nil
	}
	s.ctx = ctx
	s.id = uuid.NewString()
	fe := s.startLocked()
	s.unlockAndFlush()

	if fe != nil {
		return fe
	}
	return nil
}

// ManualRetry resets the retry budget and starts again. It is how a caller
// recovers a session whose retries are exhausted.
func (s *Session) ManualRetry(ctx context.Context) error {
	s.mu.Lock()
	s.retry.Reset()
	if s.state == StateRunning {
		s.mu.Unlock()
		return nil
	}
	s.ctx = ctx
	if s.id == "" {
		s.id = uuid.NewString()
	}
	s.log.Info().Str("session", s.id).Msg("manual retry")
	fe := s.startLocked()
	s.unlockAndFlush()

	if fe != nil {
		return fe
	}
	return nil
}

func (s *Session) startLocked() *fault.Error {
	if err := s.source.Start(s.ctx); err != nil {
		return s.failLocked(err)
	}
	s.startedAt = s.now()
	s.consecutiveErrors = 0
	s.lastFault = nil
	s.setStateLocked(StateRunning)
	s.ticks.Start()
	s.log.Info().Str("session", s.id).Msg("detection started")
	return nil
}

// failLocked records a fault and either schedules a retry or gives up.
func (s *Session) failLocked(err error) *fault.Error {
	fe := fault.New(err, s.now(), s.retry.State().Attempts)

	switch {
	case fe.Retryable && s.retry.ScheduleRetry(s.retryOp):
		st := s.retry.State()
		fe.Attempt = st.Attempts
		s.setStateLocked(StateRetrying)
		ev := s.log.Warn().Str("session", s.id).Str("kind", string(fe.Kind)).
			Int("attempt", st.Attempts).Int("max", st.MaxRetries).Err(fe.Err)
		if st.NextRetry != nil {
			ev = ev.Time("next_retry", *st.NextRetry)
		}
		ev.Msg("detection fault, retry scheduled")
	case fe.Retryable:
		fe.Retryable = false
		fe.Exhausted = true
		s.setStateLocked(StateFailed)
		s.log.Error().Str("session", s.id).Str("kind", string(fe.Kind)).
			Int("attempts", fe.Attempt).Err(fe.Err).Msg("detection fault, retries exhausted")
	default:
		s.setStateLocked(StateFailed)
		s.log.Error().Str("session", s.id).Str("kind", string(fe.Kind)).
			Err(fe.Err).Msg("detection fault")
	}

	s.lastFault = fe
	if h := s.hooks.OnFault; h != nil {
		s.pending = append(s.pending, func() { h(fe) })
	}
	return fe
}

// retryOp is the operation handed to the retry controller.
func (s *Session) retryOp() error {
	s.mu.Lock()
	defer s.unlockAndFlush()

	if s.state != StateRetrying {
		return nil
	}
	if err := s.source.Start(s.ctx); err != nil {
		return err
	}
	s.startedAt = s.now()
	s.consecutiveErrors = 0
	s.lastFault = nil
	s.setStateLocked(StateRunning)
	s.ticks.Start()
	s.log.Info().Str("session", s.id).Msg("detection recovered")
	return nil
}

func (s *Session) onRetryFailure(err error, _ int) {
	s.mu.Lock()
	if s.state == StateRetrying {
		s.failLocked(err)
	}
	s.unlockAndFlush()
}

// tick is the frame callback.
func (s *Session) tick(now time.Time) {
	s.mu.Lock()
	defer s.unlockAndFlush()

	if s.state != StateRunning {
		return
	}
	if !s.sched.ShouldProcessFrame(now) {
		return
	}

	start := s.now()
	frame, err := s.source.Detect(now)
	if err != nil {
		s.frameErrorLocked(err)
		return
	}
	if frame == nil {
		return
	}
	s.consecutiveErrors = 0

	if frame.Present() {
		s.lastPresence = now
	}
	if s.cfg.Features.Blink && frame.HasFace() {
		if s.blink.ProcessFrame(frame.Face, now) {
			s.rate.AddEvent(now)
		}
	}
	if s.cfg.Features.Posture && frame.HasPose() {
		s.posture.ProcessFrame(frame.Pose, now)
	}

	if ev := s.sched.RecordProcessingTime(start, s.now()); ev != nil {
		s.log.Info().Float64("from_fps", ev.PreviousFPS).Float64("to_fps", ev.NewFPS).
			Float64("cpu", ev.CPUUsage).Msg(ev.Reason)
		if h := s.hooks.OnThrottle; h != nil {
			e := *ev
			s.pending = append(s.pending, func() { h(e) })
		}
	}
}

func (s *Session) frameErrorLocked(err error) {
	s.consecutiveErrors++
	kind := fault.Classify(err)

	if kind == fault.KindPermissionDenied || kind == fault.KindCameraNotFound {
		s.haltLocked()
		s.failLocked(err)
		return
	}
	if s.consecutiveErrors < s.cfg.MaxConsecutiveErrors {
		s.log.Debug().Int("consecutive", s.consecutiveErrors).Err(err).Msg("frame error")
		return
	}

	n := s.consecutiveErrors
	s.haltLocked()
	s.failLocked(fault.Wrap(fault.KindRuntime, fmt.Errorf("%d consecutive frame errors: %w", n, err)))
}

// haltLocked stops ticking and releases the source so that a retry starts
// from a clean state.
func (s *Session) haltLocked() {
	s.ticks.Stop()
	s.consecutiveErrors = 0
	if err := s.source.Stop(); err != nil {
		s.log.Warn().Err(err).Msg("source stop")
	}
}

// Stop ends the session: ticks stop, any pending retry is cancelled and all
// extractor state is cleared.
func (s *Session) Stop() error {
	s.mu.Lock()
	defer s.unlockAndFlush()

	if s.state == StateIdle || s.state == StateStopped {
		return nil
	}
	s.ticks.Stop()
	s.retry.Reset()
	s.resetLocked()
	s.setStateLocked(StateStopped)
	s.log.Info().Str("session", s.id).Msg("detection stopped")

	if err := s.source.Stop(); err != nil {
		return fmt.Errorf("stop source: %w", err)
	}
	return nil
}

func (s *Session) resetLocked() {
	s.sched.Reset()
	s.blink.Reset()
	s.posture.Reset()
	s.rate.Reset()
	s.lastPresence = time.Time{}
	s.startedAt = time.Time{}
	s.consecutiveErrors = 0
}

func (s *Session) setStateLocked(st State) {
	if s.state == st {
		return
	}
	s.state = st
	if h := s.hooks.OnState; h != nil {
		s.pending = append(s.pending, func() { h(st) })
	}
}

// unlockAndFlush releases the lock, then runs hook calls queued under it.
func (s *Session) unlockAndFlush() {
	pending := s.pending
	s.pending = nil
	s.mu.Unlock()
	for _, fn := range pending {
		fn()
	}
}

// UpdateConfig applies new thresholds to the live components.
func (s *Session) UpdateConfig(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cfg.MaxConsecutiveErrors < 1 {
		cfg.MaxConsecutiveErrors = DefaultConfig().MaxConsecutiveErrors
	}
	s.cfg = cfg
	s.sched.UpdateConfig(cfg.Scheduler)
	s.blink.UpdateConfig(cfg.Blink)
	s.posture.UpdateConfig(cfg.Posture)
	s.rate.SetWindow(cfg.RateWindow)
}

// Config returns the active configuration.
func (s *Session) Config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// Calibrate freezes the current smoothed posture as the ideal baseline.
func (s *Session) Calibrate() (posture.Baseline, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, err := s.posture.SetBaseline(nil, nil)
	if err != nil {
		return posture.Baseline{}, err
	}
	s.log.Info().Float64("head_pitch", b.HeadPitch).Float64("shoulder_roll", b.ShoulderRoll).
		Msg("posture calibrated")
	return b, nil
}

// ClearCalibration removes the posture baseline.
func (s *Session) ClearCalibration() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.posture.ClearBaseline()
}

// State returns the lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// ID returns the current session ID, empty before the first Start.
func (s *Session) ID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id
}

// Metrics returns a snapshot as of now.
func (s *Session) Metrics(now time.Time) Metrics {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := Metrics{
		ID:                s.id,
		State:             s.state,
		StartedAt:         s.startedAt,
		Features:          s.cfg.Features,
		Performance:       s.sched.Metrics(now),
		Throttles:         s.sched.ThrottleEvents(),
		Blink:             s.blink.Metrics(now),
		BlinkRate:         s.rate.Metrics(now),
		Posture:           s.posture.Metrics(),
		LastPresence:      s.lastPresence,
		ConsecutiveErrors: s.consecutiveErrors,
		Retry:             s.retry.State(),
	}
	if s.lastFault != nil {
		f := *s.lastFault
		m.Fault = &f
	}
	return m
}
