package status

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sweeney/wellness-monitor/internal/fault"
	"github.com/sweeney/wellness-monitor/internal/pause"
	"github.com/sweeney/wellness-monitor/internal/policy"
	"github.com/sweeney/wellness-monitor/internal/posture"
	"github.com/sweeney/wellness-monitor/internal/session"
)

var (
	start = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	now   = start.Add(90 * time.Minute)
)

func fixedTracker() *Tracker {
	tr := NewTracker(start, Config{FPSMode: "balanced", TickMs: 10, Broker: "tcp://localhost:1883", HTTPAddr: ":8080"})
	tr.SetClock(func() time.Time { return now })
	return tr
}

func TestNewTracker(t *testing.T) {
	tr := fixedTracker()

	snap := tr.Snapshot()
	if !snap.StartTime.Equal(start) {
		t.Errorf("StartTime: got %v, want %v", snap.StartTime, start)
	}
	if snap.Config.HTTPAddr != ":8080" {
		t.Errorf("Config.HTTPAddr: got %q, want :8080", snap.Config.HTTPAddr)
	}
	if snap.MQTTConnected || snap.Pause.IsPaused || snap.Idle {
		t.Error("expected zero flags initially")
	}
	if snap.Uptime() != 90*time.Minute {
		t.Errorf("Uptime: got %v, want 90m", snap.Uptime())
	}
}

func TestUpdateAndCounts(t *testing.T) {
	tr := fixedTracker()

	tr.Update(
		session.Metrics{ID: "abc", State: session.StateRunning},
		policy.BlinkState{Status: policy.StatusConditionActive, ConditionActive: true},
		policy.PostureState{Status: policy.StatusNormal},
	)
	tr.RecordNotification(policy.KindBlink)
	tr.RecordNotification(policy.KindBlink)
	tr.RecordNotification(policy.KindPosture)
	tr.RecordSuppressed()
	tr.RecordFault()
	tr.RecordButtonPress()

	snap := tr.Snapshot()
	if snap.Session.ID != "abc" || snap.Session.State != session.StateRunning {
		t.Errorf("session: got %+v", snap.Session)
	}
	if !snap.Blink.ConditionActive {
		t.Error("expected blink condition active")
	}
	want := Counts{BlinkNotifications: 2, PostureNotifications: 1, Suppressed: 1, Faults: 1, ButtonPresses: 1}
	if snap.Counts != want {
		t.Errorf("Counts: got %+v, want %+v", snap.Counts, want)
	}
}

func TestSnapshotIsCopy(t *testing.T) {
	tr := fixedTracker()
	tr.SetMQTTConnected(true)

	snap := tr.Snapshot()
	tr.SetMQTTConnected(false)

	if !snap.MQTTConnected {
		t.Error("snapshot should not change after tracker update")
	}
}

func TestSnapshotNowDefaultsToWallClock(t *testing.T) {
	tr := NewTracker(time.Now(), Config{})
	before := time.Now()
	snap := tr.Snapshot()
	if snap.Now.Before(before) {
		t.Errorf("Now %v should not be before %v", snap.Now, before)
	}
}

func TestFormatJSON(t *testing.T) {
	tr := fixedTracker()
	tr.SetMQTTConnected(true)

	lastSeen := now.Add(-2 * time.Second)
	until := now.Add(30 * time.Minute)
	notified := now.Add(-time.Minute)
	tr.Update(
		session.Metrics{
			ID:           "s-1",
			State:        session.StateRunning,
			Features:     session.Features{Blink: true, Posture: true},
			LastPresence: lastSeen,
			Posture:      posture.Metrics{Score: 72.456, Baseline: &posture.Baseline{}},
		},
		policy.BlinkState{Status: policy.StatusConditionActive, LastNotification: &notified},
		policy.PostureState{},
	)
	tr.SetPause(pause.State{IsPaused: true, PausedUntil: &until, Source: pause.SourceManual}, false)

	var parsed StatusJSON
	if err := json.Unmarshal(FormatJSON(tr.Snapshot()), &parsed); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	s := parsed.Status

	if s.Session.ID != "s-1" || s.Session.State != "running" {
		t.Errorf("session: %+v", s.Session)
	}
	if s.Session.LastPresence != "2026-01-01T01:29:58Z" {
		t.Errorf("LastPresence: got %q", s.Session.LastPresence)
	}
	if s.Blink.PolicyStatus != "CONDITION_ACTIVE" || s.Blink.LastNotified != "2026-01-01T01:29:00Z" {
		t.Errorf("blink: %+v", s.Blink)
	}
	if s.Posture.PolicyStatus != "NORMAL" {
		t.Errorf("posture status default: got %q", s.Posture.PolicyStatus)
	}
	if s.Posture.Score != 72.46 || !s.Posture.Calibrated {
		t.Errorf("posture: %+v", s.Posture)
	}
	if !s.Pause.Paused || s.Pause.Source != "manual" || s.Pause.Until != "2026-01-01T02:00:00Z" {
		t.Errorf("pause: %+v", s.Pause)
	}
	if s.UptimeSeconds != 5400 {
		t.Errorf("UptimeSeconds: got %d, want 5400", s.UptimeSeconds)
	}
	if !s.MQTT.Connected || s.MQTT.Broker != "tcp://localhost:1883" {
		t.Errorf("mqtt: %+v", s.MQTT)
	}
	if s.Fault != nil {
		t.Error("fault should be omitted when nil")
	}
	if s.Event != "" {
		t.Error("web JSON should not carry an event")
	}
}

func TestFormatJSONIdleSession(t *testing.T) {
	tr := fixedTracker()
	var parsed StatusJSON
	if err := json.Unmarshal(FormatJSON(tr.Snapshot()), &parsed); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if parsed.Status.Session.State != "idle" {
		t.Errorf("State: got %q, want idle", parsed.Status.Session.State)
	}
	if parsed.Status.Session.LastPresence != "" {
		t.Errorf("LastPresence should be empty, got %q", parsed.Status.Session.LastPresence)
	}
}

func TestFormatStatusEventWithFault(t *testing.T) {
	tr := fixedTracker()
	fe := fault.New(errors.New("device busy"), now, 3)
	tr.Update(session.Metrics{State: session.StateRetrying, Fault: fe}, policy.BlinkState{}, policy.PostureState{})

	payload := FormatStatusEvent(tr.Snapshot(), "FAULT", string(fe.Kind))

	var parsed StatusJSON
	if err := json.Unmarshal(payload, &parsed); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if parsed.Status.Event != "FAULT" || parsed.Status.Reason != "camera_in_use" {
		t.Errorf("event/reason: %q/%q", parsed.Status.Event, parsed.Status.Reason)
	}
	f := parsed.Status.Fault
	if f == nil {
		t.Fatal("expected fault")
	}
	if f.Kind != "camera_in_use" || !f.Retryable || f.Attempt != 3 || f.Message != "device busy" {
		t.Errorf("fault: %+v", f)
	}
}

func TestFormatStatusEventOmitsReasonWhenEmpty(t *testing.T) {
	payload := FormatStatusEvent(fixedTracker().Snapshot(), "STARTUP", "")

	var raw map[string]map[string]interface{}
	if err := json.Unmarshal(payload, &raw); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if _, ok := raw["status"]["reason"]; ok {
		t.Error("reason should be omitted when empty")
	}
	if raw["status"]["event"] != "STARTUP" {
		t.Errorf("event: got %v", raw["status"]["event"])
	}
}

func TestConcurrentAccess(t *testing.T) {
	tr := NewTracker(time.Now(), Config{})
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 1000; i++ {
			tr.Update(session.Metrics{ConsecutiveErrors: i}, policy.BlinkState{}, policy.PostureState{})
			tr.SetMQTTConnected(i%2 == 0)
			tr.RecordNotification(policy.KindBlink)
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 1000; i++ {
			_ = FormatJSON(tr.Snapshot())
		}
	}()

	wg.Wait()
}
