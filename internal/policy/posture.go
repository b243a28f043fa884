package policy

import (
	"fmt"
	"sync"
	"time"
)

// PostureConfig controls the poor-posture policy.
type PostureConfig struct {
	// ScoreThreshold is the score below which posture counts as poor.
	ScoreThreshold float64
	// MinDuration is how long the score must stay low before notifying.
	MinDuration time.Duration
	Cooldown    time.Duration
	// ImprovementThreshold is how far the score must rise above the score at
	// the last notification to clear the cooldown early.
	ImprovementThreshold float64
}

// DefaultPostureConfig returns score 60 for 30s, a 15 minute cooldown and a
// 15 point improvement reset.
func DefaultPostureConfig() PostureConfig {
	return PostureConfig{
		ScoreThreshold:       60,
		MinDuration:          30 * time.Second,
		Cooldown:             15 * time.Minute,
		ImprovementThreshold: 15,
	}
}

// PostureState is a snapshot of the posture policy for display.
type PostureState struct {
	Status              Status     `json:"status"`
	ConditionActive     bool       `json:"condition_active"`
	ConditionStartTime  *time.Time `json:"condition_start_time"`
	LastNotification    *time.Time `json:"last_notification"`
	ScoreAtNotification *float64   `json:"score_at_notification"`
}

// Posture notifies when the posture score stays below threshold.
type Posture struct {
	mu       sync.Mutex
	cfg      PostureConfig
	notifier Notifier
	gate     PauseGate

	active         bool
	conditionStart time.Time
	lastNotified   time.Time
	scoreAtNotify  *float64
}

// NewPosture creates a posture policy. gate may be nil.
func NewPosture(cfg PostureConfig, n Notifier, gate PauseGate) *Posture {
	return &Posture{cfg: cfg, notifier: n, gate: gate}
}

// PostureNotification renders the reminder for a score.
func PostureNotification(score float64) Notification {
	return Notification{
		Title: "Check your posture",
		Body: fmt.Sprintf("Your posture score is %d. Sit back, lift your head and relax your shoulders.",
			int(score)),
		Kind: KindPosture,
	}
}

// Evaluate advances the state machine with the current posture score.
func (p *Posture) Evaluate(score float64, now time.Time) Result {
	isPaused := paused(p.gate, now)

	p.mu.Lock()
	if score >= p.cfg.ScoreThreshold {
		p.active = false
		p.conditionStart = time.Time{}
		if p.scoreAtNotify != nil && score-*p.scoreAtNotify > p.cfg.ImprovementThreshold {
			p.lastNotified = time.Time{}
			p.scoreAtNotify = nil
		}
		p.mu.Unlock()
		return Result{Status: StatusNormal}
	}

	if !p.active {
		p.active = true
		p.conditionStart = now
	}
	res := Result{Status: StatusConditionActive}

	if now.Sub(p.conditionStart) < p.cfg.MinDuration {
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
	s := score
	p.scoreAtNotify = &s
	notifier := p.notifier
	p.mu.Unlock()

	res.Notified = true
	res.Notification = PostureNotification(score)
	if notifier != nil {
		res.Err = notifier.Notify(res.Notification)
	}
	return res
}

// State returns a snapshot.
func (p *Posture) State() PostureState {
	p.mu.Lock()
	defer p.mu.Unlock()
	st := PostureState{
		Status:             statusOf(p.active),
		ConditionActive:    p.active,
		ConditionStartTime: timePtr(p.conditionStart),
		LastNotification:   timePtr(p.lastNotified),
	}
	if p.scoreAtNotify != nil {
		s := *p.scoreAtNotify
		st.ScoreAtNotification = &s
	}
	return st
}

// Config returns the active configuration.
func (p *Posture) Config() PostureConfig {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cfg
}

// UpdateConfig swaps thresholds. State is kept.
func (p *Posture) UpdateConfig(cfg PostureConfig) {
	p.mu.Lock()
	p.cfg = cfg
	p.mu.Unlock()
}

// Reset returns the policy to its constructed state, clearing the cooldown.
func (p *Posture) Reset() {
	p.mu.Lock()
	p.active = false
	p.conditionStart = time.Time{}
	p.lastNotified = time.Time{}
	p.scoreAtNotify = nil
	p.mu.Unlock()
}
