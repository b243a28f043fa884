// Package monitor ties a detection session to the notification policies.
// It owns the pause coordinator, the idle detector and the status tracker,
// applies config reloads, and exposes the user controls used by the web
// server and the pause button.
package monitor

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sweeney/wellness-monitor/internal/button"
	"github.com/sweeney/wellness-monitor/internal/config"
	"github.com/sweeney/wellness-monitor/internal/fault"
	"github.com/sweeney/wellness-monitor/internal/idle"
	"github.com/sweeney/wellness-monitor/internal/landmark"
	"github.com/sweeney/wellness-monitor/internal/logger"
	"github.com/sweeney/wellness-monitor/internal/pause"
	"github.com/sweeney/wellness-monitor/internal/policy"
	"github.com/sweeney/wellness-monitor/internal/retry"
	"github.com/sweeney/wellness-monitor/internal/scheduler"
	"github.com/sweeney/wellness-monitor/internal/session"
	"github.com/sweeney/wellness-monitor/internal/status"
)

// PresenceFresh is how recent the last detection must be for a policy to be
// evaluated.
const PresenceFresh = 5 * time.Second

// ErrDetectionDisabled is returned by Retry when config keeps detection off.
var ErrDetectionDisabled = errors.New("detection disabled or consent not given")

// Report is what one Evaluate call did.
type Report struct {
	Idle    idle.Transition
	Blink   *policy.Result
	Posture *policy.Result
}

// HeartbeatData contains information for a heartbeat event.
type HeartbeatData struct {
	Timestamp time.Time
	Uptime    time.Duration
	Counts    status.Counts
}

// Monitor is safe for concurrent use.
type Monitor struct {
	mu sync.Mutex

	sess    *session.Session
	retry   *retry.Controller
	pause   *pause.Coordinator
	idle    *idle.Detector
	blink   *policy.Blink
	posture *policy.Posture
	tracker *status.Tracker
	button  *button.Detector

	log     *logger.Logger
	now     func() time.Time
	onFault func(*fault.Error)

	ctx           context.Context
	active        bool
	features      session.Features
	rateWindow    time.Duration
	manualPause   time.Duration
	startTime     time.Time
	lastHeartbeat time.Time
}

type options struct {
	now         func() time.Time
	log         *logger.Logger
	retryOpts   []retry.Option
	pauseOpts   []pause.Option
	onFault     func(*fault.Error)
	debounce    time.Duration
	sessionOpts []session.Option
}

// Option customizes a Monitor.
type Option func(*options)

// WithClock sets the clock for every component the monitor builds.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithLogger sets the parent logger; components get named children.
func WithLogger(l *logger.Logger) Option {
	return func(o *options) { o.log = l }
}

// WithRetryOptions passes options to the retry controller.
func WithRetryOptions(opts ...retry.Option) Option {
	return func(o *options) { o.retryOpts = append(o.retryOpts, opts...) }
}

// WithPauseOptions passes options to the pause coordinator.
func WithPauseOptions(opts ...pause.Option) Option {
	return func(o *options) { o.pauseOpts = append(o.pauseOpts, opts...) }
}

// WithFaultHandler is called, outside all locks, for every session fault.
func WithFaultHandler(fn func(*fault.Error)) Option {
	return func(o *options) { o.onFault = fn }
}

// WithButtonDebounce sets the pause button debounce.
func WithButtonDebounce(d time.Duration) Option {
	return func(o *options) { o.debounce = d }
}

// New builds the session and policies from cfg. Notifications go to n.
// Nothing starts until Start is called.
func New(cfg *config.Config, src landmark.Source, ticks scheduler.TickSource, n policy.Notifier, tracker *status.Tracker, opts ...Option) *Monitor {
	o := options{now: time.Now, log: logger.Nop(), debounce: button.DefaultDebounce}
	for _, fn := range opts {
		fn(&o)
	}

	m := &Monitor{
		tracker:     tracker,
		log:         o.log,
		now:         o.now,
		onFault:     o.onFault,
		ctx:         context.Background(),
		active:      cfg.DetectionActive(),
		features:    session.Features{Blink: cfg.Features.Blink, Posture: cfg.Features.Posture},
		rateWindow:  cfg.Blink.RateWindow,
		manualPause: cfg.Pause.ManualDuration,
		startTime:   o.now(),
		button:      button.NewDetector(o.debounce),
	}
	m.lastHeartbeat = m.startTime

	m.retry = retry.New(cfg.RetryConfig(), append([]retry.Option{retry.WithClock(o.now)}, o.retryOpts...)...)
	m.pause = pause.New(append([]pause.Option{pause.WithClock(o.now)}, o.pauseOpts...)...)
	m.idle = idle.New(cfg.IdleConfig(), m.pause)
	m.blink = policy.NewBlink(cfg.BlinkPolicyConfig(), n, m.pause)
	m.posture = policy.NewPosture(cfg.PosturePolicyConfig(), n, m.pause)

	sessLog := o.log.With().Str("component", "session").Logger()
	m.sess = session.New(cfg.SessionConfig(), src, ticks, m.retry,
		session.WithClock(o.now),
		session.WithLogger(&sessLog),
		session.WithHooks(session.Hooks{OnFault: m.handleFault}),
	)

	m.pause.Subscribe(m.onPauseChange)
	return m
}

func (m *Monitor) handleFault(fe *fault.Error) {
	if m.tracker != nil {
		m.tracker.RecordFault()
	}
	if m.onFault != nil {
		m.onFault(fe)
	}
}

func (m *Monitor) onPauseChange(st pause.State) {
	ev := m.log.Info().Bool("paused", st.IsPaused)
	if st.PausedUntil != nil {
		ev = ev.Time("until", *st.PausedUntil)
	}
	if st.Source != "" {
		ev = ev.Str("source", string(st.Source))
	}
	ev.Msg("notification pause changed")
}

// Start begins detection if config allows it. A start fault is returned;
// retryable faults keep retrying in the background.
func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ctx = ctx
	if !m.active {
		m.log.Info().Msg("detection inactive (disabled, no consent, or no features)")
		return nil
	}
	return m.sess.Start(ctx)
}

// Close stops detection and releases the pause timer.
func (m *Monitor) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	err := m.sess.Stop()
	m.pause.Close()
	return err
}

// Session exposes the detection session.
func (m *Monitor) Session() *session.Session {
	return m.sess
}

// PauseState returns the current pause state.
func (m *Monitor) PauseState() pause.State {
	return m.pause.State()
}

// Evaluate runs idle detection and both policies as of now, then refreshes
// the tracker.
func (m *Monitor) Evaluate(now time.Time) Report {
	m.mu.Lock()
	defer m.mu.Unlock()

	var rep Report
	met := m.sess.Metrics(now)
	running := met.State == session.StateRunning

	if running {
		last := met.LastPresence
		if last.IsZero() {
			last = met.StartedAt
		}
		tr, err := m.idle.Check(last, now)
		if err != nil {
			m.log.Error().Err(err).Msg("idle pause")
		}
		if tr != idle.None {
			m.log.Info().Stringer("transition", tr).Time("last_presence", met.LastPresence).Msg("presence changed")
		}
		rep.Idle = tr
	}

	fresh := !met.LastPresence.IsZero() && now.Sub(met.LastPresence) <= PresenceFresh

	if running && fresh && m.features.Blink && now.Sub(met.StartedAt) >= m.rateWindow {
		res := m.blink.Evaluate(met.BlinkRate.PerMinute, now)
		m.record(res, met.BlinkRate.PerMinute)
		rep.Blink = &res
	}
	if running && fresh && m.features.Posture && met.Posture.Samples > 0 {
		res := m.posture.Evaluate(met.Posture.Score, now)
		m.record(res, met.Posture.Score)
		rep.Posture = &res
	}

	if m.tracker != nil {
		m.tracker.Update(met, m.blink.State(), m.posture.State())
		m.tracker.SetPause(m.pause.State(), m.idle.Idle())
	}
	return rep
}

func (m *Monitor) record(res policy.Result, value float64) {
	switch {
	case res.Notified:
		ev := m.log.Info()
		if res.Err != nil {
			ev = m.log.Warn().Err(res.Err)
		}
		ev.Str("kind", string(res.Notification.Kind)).Float64("value", value).Msg("notification sent")
		if m.tracker != nil {
			m.tracker.RecordNotification(res.Notification.Kind)
		}
	case res.Suppressed == policy.ReasonPaused:
		if m.tracker != nil {
			m.tracker.RecordSuppressed()
		}
	}
}

// ApplyConfig pushes a reloaded config into every component, and starts or
// stops detection when enabled, consent or features change.
func (m *Monitor) ApplyConfig(cfg *config.Config) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.sess.UpdateConfig(cfg.SessionConfig())
	m.retry.UpdateConfig(cfg.RetryConfig())
	m.blink.UpdateConfig(cfg.BlinkPolicyConfig())
	m.posture.UpdateConfig(cfg.PosturePolicyConfig())
	m.idle.UpdateConfig(cfg.IdleConfig())
	m.manualPause = cfg.Pause.ManualDuration
	m.rateWindow = cfg.Blink.RateWindow

	feats := session.Features{Blink: cfg.Features.Blink, Posture: cfg.Features.Posture}
	if !feats.Blink && m.features.Blink {
		m.blink.Reset()
	}
	if !feats.Posture && m.features.Posture {
		m.posture.Reset()
	}
	m.features = feats

	active := cfg.DetectionActive()
	switch {
	case active && !m.active:
		m.log.Info().Msg("detection enabled by config")
		if err := m.sess.Start(m.ctx); err != nil {
			m.log.Error().Err(err).Msg("start detection")
		}
	case !active && m.active:
		m.log.Info().Msg("detection disabled by config")
		m.stopLocked()
	}
	m.active = active
}

func (m *Monitor) stopLocked() {
	if err := m.sess.Stop(); err != nil {
		m.log.Warn().Err(err).Msg("stop detection")
	}
	m.blink.Reset()
	m.posture.Reset()
	if m.idle.Idle() {
		m.pause.ResumeIf(pause.SourceIdle)
	}
	m.idle.Reset()
}

// CheckHeartbeat returns heartbeat data if the interval has elapsed since the
// last heartbeat (or startup). Returns nil if the interval has not elapsed or
// if interval is <= 0 (disabled).
func (m *Monitor) CheckHeartbeat(now time.Time, interval time.Duration) *HeartbeatData {
	if interval <= 0 {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if now.Sub(m.lastHeartbeat) < interval {
		return nil
	}
	m.lastHeartbeat = now

	hb := &HeartbeatData{Timestamp: now, Uptime: now.Sub(m.startTime)}
	if m.tracker != nil {
		hb.Counts = m.tracker.Snapshot().Counts
	}
	return hb
}
