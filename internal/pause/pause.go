// Package pause holds the process-wide notification pause: who paused, until
// when, and the single auto-resume timer.
package pause

import (
	"errors"
	"sync"
	"time"
)

// Source tags who created a pause.
type Source string

const (
	SourceManual Source = "manual"
	SourceIdle   Source = "idle"
)

var (
	// ErrInvalidDuration is returned for a non-positive pause length.
	ErrInvalidDuration = errors.New("pause: duration must be positive")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("pause: coordinator closed")
)

// State is a snapshot. PausedUntil is nil iff IsPaused is false.
type State struct {
	IsPaused    bool       `json:"is_paused"`
	PausedUntil *time.Time `json:"paused_until"`
	Source      Source     `json:"source,omitempty"`
}

// Listener is called after every state change, outside the coordinator lock.
type Listener func(State)

// Timer is the handle returned by an AfterFunc.
type Timer interface {
	Stop() bool
}

// AfterFunc schedules f after d.
type AfterFunc func(d time.Duration, f func()) Timer

func stdAfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// Coordinator is safe for concurrent use.
type Coordinator struct {
	mu        sync.Mutex
	now       func() time.Time
	afterFunc AfterFunc

	paused bool
	until  time.Time
	source Source
	timer  Timer
	gen    uint64

	listeners map[int]Listener
	nextID    int
	closed    bool
}

// Option customizes a Coordinator.
type Option func(*Coordinator)

// WithClock replaces the wall clock.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// WithAfterFunc replaces the auto-resume timer source.
func WithAfterFunc(fn AfterFunc) Option {
	return func(c *Coordinator) { c.afterFunc = fn }
}

// New creates a Coordinator in the resumed state.
func New(opts ...Option) *Coordinator {
	c := &Coordinator{
		now:       time.Now,
		afterFunc: stdAfterFunc,
		listeners: make(map[int]Listener),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Pause pauses notifications for d. Pausing again replaces the window and
// its auto-resume timer.
func (c *Coordinator) Pause(d time.Duration, src Source) error {
	if d <= 0 {
		return ErrInvalidDuration
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.stopTimerLocked()
	c.paused = true
	c.until = c.now().Add(d)
	c.source = src
	gen := c.gen
	c.timer = c.afterFunc(d, func() { c.expire(gen) })
	st, ls := c.snapshotLocked()
	c.mu.Unlock()

	notify(ls, st)
	return nil
}

// Resume clears the pause. It reports false if nothing was paused.
func (c *Coordinator) Resume() bool {
	return c.resume(func(Source) bool { return true })
}

// ResumeIf clears the pause only if src created it.
func (c *Coordinator) ResumeIf(src Source) bool {
	return c.resume(func(s Source) bool { return s == src })
}

func (c *Coordinator) resume(match func(Source) bool) bool {
	c.mu.Lock()
	if !c.paused || !match(c.source) {
		c.mu.Unlock()
		return false
	}
	c.clearLocked()
	st, ls := c.snapshotLocked()
	c.mu.Unlock()

	notify(ls, st)
	return true
}

func (c *Coordinator) expire(gen uint64) {
	c.mu.Lock()
	if gen != c.gen || !c.paused {
		c.mu.Unlock()
		return
	}
	c.clearLocked()
	st, ls := c.snapshotLocked()
	c.mu.Unlock()

	notify(ls, st)
}

// stopTimerLocked cancels the auto-resume and invalidates a timer that has
// already fired but not yet taken the lock.
func (c *Coordinator) stopTimerLocked() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.gen++
}

func (c *Coordinator) clearLocked() {
	c.stopTimerLocked()
	c.paused = false
	c.until = time.Time{}
	c.source = ""
}

func (c *Coordinator) snapshotLocked() (State, []Listener) {
	st := State{IsPaused: c.paused, Source: c.source}
	if c.paused {
		u := c.until
		st.PausedUntil = &u
	}
	ls := make([]Listener, 0, len(c.listeners))
	for _, l := range c.listeners {
		ls = append(ls, l)
	}
	return st, ls
}

func notify(ls []Listener, st State) {
	for _, l := range ls {
		l(st)
	}
}

// IsPaused reports whether notifications are paused at now. A window whose
// end has passed counts as resumed even before the timer fires.
func (c *Coordinator) IsPaused(now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.paused && now.Before(c.until)
}

// State returns a snapshot.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, _ := c.snapshotLocked()
	return st
}

// Subscribe registers fn and returns a function that unregisters it.
func (c *Coordinator) Subscribe(fn Listener) (unsubscribe func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextID
	c.nextID++
	c.listeners[id] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.listeners, id)
			c.mu.Unlock()
		})
	}
}

// Close cancels the auto-resume timer and drops all listeners. Further
// pauses fail with ErrClosed.
func (c *Coordinator) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.clearLocked()
	c.listeners = make(map[int]Listener)
	c.closed = true
}
