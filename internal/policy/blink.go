package policy

import (
	"fmt"
	"sync"
	"time"
)

// BlinkConfig controls the low-blink-rate policy.
type BlinkConfig struct {
	// ThresholdBPM is the rate below which blinking counts as too infrequent.
	ThresholdBPM float64
	// Duration is how long the rate must stay low before notifying.
	Duration time.Duration
	Cooldown time.Duration
}

// DefaultBlinkConfig returns 9 bpm for 60s with a 10 minute cooldown.
func DefaultBlinkConfig() BlinkConfig {
	return BlinkConfig{
		ThresholdBPM: 9,
		Duration:     60 * time.Second,
		Cooldown:     10 * time.Minute,
	}
}

// BlinkState is a snapshot of the blink policy for display.
type BlinkState struct {
	Status             Status     `json:"status"`
	ConditionActive    bool       `json:"condition_active"`
	ConditionStartTime *time.Time `json:"condition_start_time"`
	LastNotification   *time.Time `json:"last_notification"`
}

// Blink notifies when the blink rate stays below threshold.
type Blink struct {
	mu       sync.Mutex
	cfg      BlinkConfig
	notifier Notifier
	gate     PauseGate

	active         bool
	conditionStart time.Time
	lastNotified   time.Time
}

// NewBlink creates a blink policy. gate may be nil.
func NewBlink(cfg BlinkConfig, n Notifier, gate PauseGate) *Blink {
	return &Blink{cfg: cfg, notifier: n, gate: gate}
}

// BlinkNotification renders the reminder for a measured rate.
func BlinkNotification(rate float64) Notification {
	return Notification{
		Title: "Time to blink",
		Body: fmt.Sprintf("You've blinked %d times per minute. Try blinking more often to keep your eyes comfortable.",
			int(rate)),
		Kind: KindBlink,
	}
}

// Evaluate advances the state machine with the current blink rate.
func (p *Blink) Evaluate(rate float64, now time.Time) Result {
	isPaused := paused(p.gate, now)

	p.mu.Lock()
	if rate >= p.cfg.ThresholdBPM {
		p.active = false
		p.conditionStart = time.Time{}
		p.mu.Unlock()
		return Result{Status: StatusNormal}
	}

	if !p.active {
		p.active = true
		p.conditionStart = now
	}
	res := Result{Status: StatusConditionActive}

	if now.Sub(p.conditionStart) < p.cfg.Duration {
		p.mu.Unlock()
		return res
	}
	if isPaused {
		res.Suppressed = ReasonPaused
		p.mu.Unlock()
		return res
	}
	if inCooldown(p.lastNotified, now, p.cfg.Cooldown) {
		res.Suppressed = ReasonCooldown
		p.mu.Unlock()
		return res
	}

	p.lastNotified = now
	notifier := p.notifier
	p.mu.Unlock()

	res.Notified = true
	res.Notification = BlinkNotification(rate)
	if notifier != nil {
		res.Err = notifier.Notify(res.Notification)
	}
	return res
}

// State returns a snapshot.
func (p *Blink) State() BlinkState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return BlinkState{
		Status:             statusOf(p.active),
		ConditionActive:    p.active,
		ConditionStartTime: timePtr(p.conditionStart),
		LastNotification:   timePtr(p.lastNotified),
	}
}

// Config returns the active configuration.
func (p *Blink) Config() BlinkConfig {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cfg
}

// UpdateConfig swaps thresholds. State is kept.
func (p *Blink) UpdateConfig(cfg BlinkConfig) {
	p.mu.Lock()
	p.cfg = cfg
	p.mu.Unlock()
}

// Reset returns the policy to its constructed state, clearing the cooldown.
func (p *Blink) Reset() {
	p.mu.Lock()
	p.active = false
	p.conditionStart = time.Time{}
	p.lastNotified = time.Time{}
	p.mu.Unlock()
}
