// Package retry schedules recovery attempts with capped exponential backoff
// and additive jitter. At most one attempt is ever in flight.
package retry

import (
	"math"
	"math/rand"
	"sync"
	"time"
)

// Config controls backoff.
type Config struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	MaxRetries   int
	// Jitter is the maximum fraction of the base delay added at random.
	Jitter float64
}

// DefaultConfig returns 2s doubling to 60s, five attempts, up to 30% jitter.
func DefaultConfig() Config {
	return Config{
		InitialDelay: 2 * time.Second,
		Multiplier:   2,
		MaxDelay:     60 * time.Second,
		MaxRetries:   5,
		Jitter:       0.3,
	}
}

func normalize(cfg Config) Config {
	def := DefaultConfig()
	if cfg.InitialDelay <= 0 {
		cfg.InitialDelay = def.InitialDelay
	}
	if cfg.Multiplier < 1 {
		cfg.Multiplier = def.Multiplier
	}
	if cfg.MaxDelay < cfg.InitialDelay {
		cfg.MaxDelay = cfg.InitialDelay
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	if cfg.Jitter < 0 {
		cfg.Jitter = 0
	}
	return cfg
}

// Timer is the handle returned by an AfterFunc.
type Timer interface {
	Stop() bool
}

// AfterFunc schedules f after d. time.AfterFunc satisfies it via StdAfterFunc.
type AfterFunc func(d time.Duration, f func()) Timer

// StdAfterFunc wraps time.AfterFunc.
func StdAfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// Operation is one recovery attempt.
type Operation func() error

// FailureHandler is called after a failed attempt, once the controller is no
// longer retrying, with the error and the attempt count so far.
type FailureHandler func(err error, attempts int)

// State is a snapshot for status display.
type State struct {
	Attempts   int
	MaxRetries int
	IsRetrying bool
	NextRetry  *time.Time
}

// Controller is safe for concurrent use.
type Controller struct {
	mu sync.Mutex

	cfg       Config
	afterFunc AfterFunc
	rand      func() float64
	now       func() time.Time
	onFailure FailureHandler

	attempts  int
	retrying  bool
	nextRetry time.Time
	timer     Timer
	gen       uint64
}

// Option customizes a Controller.
type Option func(*Controller)

// WithAfterFunc replaces the timer source.
func WithAfterFunc(fn AfterFunc) Option {
	return func(c *Controller) { c.afterFunc = fn }
}

// WithRand replaces the jitter source. fn must return values in [0,1).
func WithRand(fn func() float64) Option {
	return func(c *Controller) { c.rand = fn }
}

// WithClock replaces the clock used for NextRetry.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

// New creates a Controller.
func New(cfg Config, opts ...Option) *Controller {
	c := &Controller{
		cfg:       normalize(cfg),
		afterFunc: StdAfterFunc,
		rand:      rand.Float64,
		now:       time.Now,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// SetFailureHandler installs the hook run after a failed attempt.
func (c *Controller) SetFailureHandler(fn FailureHandler) {
	c.mu.Lock()
	c.onFailure = fn
	c.mu.Unlock()
}

// UpdateConfig swaps backoff parameters. Attempts already made are kept.
func (c *Controller) UpdateConfig(cfg Config) {
	c.mu.Lock()
	c.cfg = normalize(cfg)
	c.mu.Unlock()
}

// Config returns the active configuration.
func (c *Controller) Config() Config {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cfg
}

// CalculateDelay returns the delay for the current attempt count:
// min(max, initial * multiplier^(attempts-1)) plus up to Jitter of that.
func (c *Controller) CalculateDelay() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.delayLocked()
}

func (c *Controller) delayLocked() time.Duration {
	n := c.attempts
	if n < 1 {
		n = 1
	}
	base := float64(c.cfg.InitialDelay) * math.Pow(c.cfg.Multiplier, float64(n-1))
	base = math.Min(base, float64(c.cfg.MaxDelay))
	return time.Duration(base + base*c.cfg.Jitter*c.rand())
}

// CanRetry reports whether another attempt is allowed.
func (c *Controller) CanRetry() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts < c.cfg.MaxRetries
}

// ScheduleRetry arms a single attempt of op after the backoff delay. It
// returns false without scheduling if an attempt is already pending or the
// retry budget is spent.
func (c *Controller) ScheduleRetry(op Operation) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.retrying || c.attempts >= c.cfg.MaxRetries {
		return false
	}
	c.attempts++
	c.retrying = true
	d := c.delayLocked()
	c.nextRetry = c.now().Add(d)
	c.gen++
	gen := c.gen
	c.timer = c.afterFunc(d, func() { c.fire(gen, op) })
	return true
}

func (c *Controller) fire(gen uint64, op Operation) {
	c.mu.Lock()
	if gen != c.gen || !c.retrying {
		c.mu.Unlock()
		return
	}
	c.timer = nil
	c.mu.Unlock()

	err := op()

	c.mu.Lock()
	if gen != c.gen {
		// Reset while the attempt was running.
		c.mu.Unlock()
		return
	}
	c.retrying = false
	c.nextRetry = time.Time{}
	if err == nil {
		c.attempts = 0
	}
	attempts := c.attempts
	handler := c.onFailure
	c.mu.Unlock()

	if err != nil && handler != nil {
		handler(err, attempts)
	}
}

// Reset cancels any pending attempt and zeroes all state.
func (c *Controller) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.gen++
	c.attempts = 0
	c.retrying = false
	c.nextRetry = time.Time{}
}

// State returns a snapshot.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := State{
		Attempts:   c.attempts,
		MaxRetries: c.cfg.MaxRetries,
		IsRetrying: c.retrying,
	}
	if !c.nextRetry.IsZero() {
		t := c.nextRetry
		s.NextRetry = &t
	}
	return s
}
