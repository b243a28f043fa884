// Package policy decides when a degraded wellness metric has lasted long
// enough to notify the user, subject to a cooldown and the global pause gate.
//
// Each policy is a two-state machine (NORMAL, CONDITION_ACTIVE). Evaluate is
// a pure function of the metric value, the supplied time, the policy's own
// state, its config and the pause gate's answer for that time.
package policy

import (
	"errors"
	"time"
)

// Kind identifies the metric a notification is about.
type Kind string

const (
	KindBlink   Kind = "blink"
	KindPosture Kind = "posture"
)

// Status is the policy's state machine position.
type Status string

const (
	StatusNormal          Status = "NORMAL"
	StatusConditionActive Status = "CONDITION_ACTIVE"
)

// Notification is what gets dispatched to the user.
type Notification struct {
	Title string `json:"title"`
	Body  string `json:"body"`
	Kind  Kind   `json:"kind"`
}

// Notifier delivers notifications. Failures are reported but never retried
// by the policy.
type Notifier interface {
	Notify(n Notification) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(n Notification) error

func (f NotifierFunc) Notify(n Notification) error { return f(n) }

// Notifiers fans a notification out to several notifiers.
type Notifiers []Notifier

// Notify delivers to every notifier and joins their errors.
func (ns Notifiers) Notify(n Notification) error {
	var errs []error
	for _, x := range ns {
		if x == nil {
			continue
		}
		if err := x.Notify(n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// PauseGate reports whether notifications are globally paused at a given time.
type PauseGate interface {
	IsPaused(now time.Time) bool
}

// Suppression reasons reported in Result.
const (
	ReasonPaused   = "paused"
	ReasonCooldown = "cooldown"
)

// Result describes what one Evaluate call did.
type Result struct {
	Status       Status
	Notified     bool
	Notification Notification
	// Suppressed is set when a due notification was held back.
	Suppressed string
	// Err is the notifier's error, if dispatch failed.
	Err error
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func statusOf(active bool) Status {
	if active {
		return StatusConditionActive
	}
	return StatusNormal
}

func paused(gate PauseGate, now time.Time) bool {
	return gate != nil && gate.IsPaused(now)
}

func inCooldown(last, now time.Time, cooldown time.Duration) bool {
	return !last.IsZero() && now.Sub(last) < cooldown
}
