// Package rate maintains a sliding time window of discrete events and
// reports their rate per minute.
package rate

import "time"

// DefaultWindow is the default sliding window length.
const DefaultWindow = 60 * time.Second

// Metrics is a point-in-time view of the aggregator.
type Metrics struct {
	EventCount int
	PerMinute  float64
	Window     time.Duration
	Oldest     time.Time // zero when EventCount == 0
}

// Aggregator keeps event timestamps for one window. No retained event is ever
// older than the window: entries with timestamp <= now-window are purged on
// every insert and read.
//
// Not safe for concurrent use.
type Aggregator struct {
	window time.Duration
	events []time.Time
}

// New creates an Aggregator. A non-positive window falls back to DefaultWindow.
func New(window time.Duration) *Aggregator {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Aggregator{window: window}
}

// Window returns the configured window length.
func (a *Aggregator) Window() time.Duration {
	return a.window
}

// SetWindow changes the window length. Existing events are purged lazily.
func (a *Aggregator) SetWindow(window time.Duration) {
	if window > 0 {
		a.window = window
	}
}

// AddEvent records an event at ts and purges relative to ts.
func (a *Aggregator) AddEvent(ts time.Time) {
	a.events = append(a.events, ts)
	a.purge(ts)
}

// Metrics reports the rate as of now.
//
//   - 2+ events: count / minutes since the oldest retained event
//   - 1 event:   extrapolated from that event's age, if it is inside the window
//   - 0 events:  0
func (a *Aggregator) Metrics(now time.Time) Metrics {
	a.purge(now)

	m := Metrics{EventCount: len(a.events), Window: a.window}
	if len(a.events) == 0 {
		return m
	}
	m.Oldest = a.events[0]

	span := now.Sub(a.events[0])
	switch {
	case len(a.events) >= 2:
		if span > 0 {
			m.PerMinute = float64(len(a.events)) / span.Minutes()
		}
	default:
		if span > 0 && span < a.window {
			m.PerMinute = 1 / span.Minutes()
		}
	}
	return m
}

// Count returns the number of retained events without purging.
func (a *Aggregator) Count() int {
	return len(a.events)
}

// Reset drops all events.
func (a *Aggregator) Reset() {
	a.events = nil
}

// purge drops events with timestamp <= now-window. Events arrive in order, so
// the retained set is always a suffix.
func (a *Aggregator) purge(now time.Time) {
	cutoff := now.Add(-a.window)
	i := 0
	for i < len(a.events) && !a.events[i].After(cutoff) {
		i++
	}
	if i == 0 {
		return
	}
	n := copy(a.events, a.events[i:])
	a.events = a.events[:n]
}
