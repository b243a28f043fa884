package status

import (
	"encoding/json"
	"math"
	"time"
)

// StatusJSON is the top-level JSON envelope for status output.
type StatusJSON struct {
	Status StatusInner `json:"status"`
}

// StatusInner contains the status details.
type StatusInner struct {
	Event         string      `json:"event,omitempty"`
	Reason        string      `json:"reason,omitempty"`
	Session       SessionJSON `json:"session"`
	Blink         BlinkJSON   `json:"blink"`
	Posture       PostureJSON `json:"posture"`
	Pause         PauseJSON   `json:"pause"`
	Performance   PerfJSON    `json:"performance"`
	UptimeSeconds int64       `json:"uptime_seconds"`
	StartTime     string      `json:"start_time"`
	Timestamp     string      `json:"timestamp"`
	MQTT          MQTTStatus  `json:"mqtt"`
	Counts        CountsJSON  `json:"counts"`
	Fault         *FaultJSON  `json:"fault,omitempty"`
	Retry         RetryJSON   `json:"retry"`
	Config        ConfigJSON  `json:"config"`
}

// SessionJSON describes the detection session.
type SessionJSON struct {
	ID             string `json:"id,omitempty"`
	State          string `json:"state"`
	BlinkEnabled   bool   `json:"blink_enabled"`
	PostureEnabled bool   `json:"posture_enabled"`
	LastPresence   string `json:"last_presence,omitempty"`
}

// BlinkJSON combines the blink extractor, rate and policy views.
type BlinkJSON struct {
	Total          int     `json:"total"`
	PerMinute      float64 `json:"per_minute"`
	WindowEvents   int     `json:"window_events"`
	AverageEAR     float64 `json:"average_ear"`
	PolicyStatus   string  `json:"policy_status"`
	LastNotified   string  `json:"last_notified,omitempty"`
	ConditionSince string  `json:"condition_since,omitempty"`
}

// PostureJSON combines the posture extractor and policy views.
type PostureJSON struct {
	Score          float64 `json:"score"`
	HeadPitch      float64 `json:"head_pitch"`
	ShoulderRoll   float64 `json:"shoulder_roll"`
	Calibrated     bool    `json:"calibrated"`
	PolicyStatus   string  `json:"policy_status"`
	LastNotified   string  `json:"last_notified,omitempty"`
	ConditionSince string  `json:"condition_since,omitempty"`
}

// PauseJSON reports the pause state.
type PauseJSON struct {
	Paused bool   `json:"paused"`
	Until  string `json:"until,omitempty"`
	Source string `json:"source,omitempty"`
	Idle   bool   `json:"idle"`
}

// PerfJSON reports scheduler performance.
type PerfJSON struct {
	CurrentFPS      float64 `json:"current_fps"`
	TargetFPS       float64 `json:"target_fps"`
	EffectiveFPS    float64 `json:"effective_fps"`
	AvgProcessingMs float64 `json:"avg_processing_ms"`
	CPUPercent      float64 `json:"cpu_percent"`
	FramesProcessed uint64  `json:"frames_processed"`
	FramesSkipped   uint64  `json:"frames_skipped"`
	Throttled       bool    `json:"throttled"`
}

// MQTTStatus reports MQTT connection state.
type MQTTStatus struct {
	Connected bool   `json:"connected"`
	Broker    string `json:"broker"`
}

// CountsJSON is the JSON representation of Counts.
type CountsJSON struct {
	BlinkNotifications   int `json:"blink_notifications"`
	PostureNotifications int `json:"posture_notifications"`
	Suppressed           int `json:"suppressed"`
	Faults               int `json:"faults"`
	ButtonPresses        int `json:"button_presses"`
}

// FaultJSON is the last fault reported by the session.
type FaultJSON struct {
	Kind      string `json:"kind"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
	Exhausted bool   `json:"exhausted"`
	Attempt   int    `json:"attempt"`
	Timestamp string `json:"timestamp"`
}

// RetryJSON reports the retry controller.
type RetryJSON struct {
	Attempts   int    `json:"attempts"`
	MaxRetries int    `json:"max_retries"`
	Retrying   bool   `json:"retrying"`
	NextRetry  string `json:"next_retry,omitempty"`
}

// ConfigJSON is the JSON representation of daemon config.
type ConfigJSON struct {
	FPSMode     string `json:"fps_mode"`
	TickMs      int64  `json:"tick_ms"`
	EvaluateMs  int64  `json:"evaluate_ms"`
	HeartbeatMs int64  `json:"heartbeat_ms"`
	Broker      string `json:"broker"`
	HTTPAddr    string `json:"http_addr"`
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func formatTimePtr(t *time.Time) string {
	if t == nil {
		return ""
	}
	return formatTime(*t)
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

func buildInner(snap Snapshot) StatusInner {
	m := snap.Session
	state := string(m.State)
	if state == "" {
		state = "idle"
	}

	inner := StatusInner{
		Session: SessionJSON{
			ID:             m.ID,
			State:          state,
			BlinkEnabled:   m.Features.Blink,
			PostureEnabled: m.Features.Posture,
			LastPresence:   formatTime(m.LastPresence),
		},
		Blink: BlinkJSON{
			Total:          m.Blink.TotalBlinks,
			PerMinute:      round2(m.BlinkRate.PerMinute),
			WindowEvents:   m.BlinkRate.EventCount,
			AverageEAR:     round2(m.Blink.AverageEAR),
			PolicyStatus:   string(snap.Blink.Status),
			LastNotified:   formatTimePtr(snap.Blink.LastNotification),
			ConditionSince: formatTimePtr(snap.Blink.ConditionStartTime),
		},
		Posture: PostureJSON{
			Score:          round2(m.Posture.Score),
			HeadPitch:      round2(m.Posture.HeadPitch),
			ShoulderRoll:   round2(m.Posture.ShoulderRoll),
			Calibrated:     m.Posture.Baseline != nil,
			PolicyStatus:   string(snap.Posture.Status),
			LastNotified:   formatTimePtr(snap.Posture.LastNotification),
			ConditionSince: formatTimePtr(snap.Posture.ConditionStartTime),
		},
		Pause: PauseJSON{
			Paused: snap.Pause.IsPaused,
			Until:  formatTimePtr(snap.Pause.PausedUntil),
			Source: string(snap.Pause.Source),
			Idle:   snap.Idle,
		},
		Performance: PerfJSON{
			CurrentFPS:      round2(m.Performance.CurrentFPS),
			TargetFPS:       m.Performance.TargetFPS,
			EffectiveFPS:    round2(m.Performance.EffectiveFPS),
			AvgProcessingMs: round2(float64(m.Performance.AvgProcessingTime) / float64(time.Millisecond)),
			CPUPercent:      round2(m.Performance.CPUUsagePercent),
			FramesProcessed: m.Performance.FramesProcessed,
			FramesSkipped:   m.Performance.FramesSkipped,
			Throttled:       m.Performance.IsThrottled,
		},
		UptimeSeconds: int64(snap.Uptime().Truncate(time.Second).Seconds()),
		StartTime:     formatTime(snap.StartTime),
		Timestamp:     snap.Now.UTC().Format(time.RFC3339),
		MQTT:          MQTTStatus{Connected: snap.MQTTConnected, Broker: snap.Config.Broker},
		Counts: CountsJSON{
			BlinkNotifications:   snap.Counts.BlinkNotifications,
			PostureNotifications: snap.Counts.PostureNotifications,
			Suppressed:           snap.Counts.Suppressed,
			Faults:               snap.Counts.Faults,
			ButtonPresses:        snap.Counts.ButtonPresses,
		},
		Retry: RetryJSON{
			Attempts:   m.Retry.Attempts,
			MaxRetries: m.Retry.MaxRetries,
			Retrying:   m.Retry.IsRetrying,
			NextRetry:  formatTimePtr(m.Retry.NextRetry),
		},
		Config: ConfigJSON{
			FPSMode:     snap.Config.FPSMode,
			TickMs:      snap.Config.TickMs,
			EvaluateMs:  snap.Config.EvaluateMs,
			HeartbeatMs: snap.Config.HeartbeatMs,
			Broker:      snap.Config.Broker,
			HTTPAddr:    snap.Config.HTTPAddr,
		},
	}
	if inner.Blink.PolicyStatus == "" {
		inner.Blink.PolicyStatus = "NORMAL"
	}
	if inner.Posture.PolicyStatus == "" {
		inner.Posture.PolicyStatus = "NORMAL"
	}

	if f := m.Fault; f != nil {
		msg := ""
		if f.Err != nil {
			msg = f.Err.Error()
		}
		inner.Fault = &FaultJSON{
			Kind:      string(f.Kind),
			Message:   msg,
			Retryable: f.Retryable,
			Exhausted: f.Exhausted,
			Attempt:   f.Attempt,
			Timestamp: formatTime(f.Timestamp),
		}
	}
	return inner
}

// FormatJSON returns the JSON status for the web endpoint (no event/reason).
func FormatJSON(snap Snapshot) []byte {
	data, _ := json.MarshalIndent(StatusJSON{Status: buildInner(snap)}, "", "  ")
	return data
}

// FormatStatusEvent returns the JSON status for an MQTT system event.
func FormatStatusEvent(snap Snapshot, event, reason string) []byte {
	inner := buildInner(snap)
	inner.Event = event
	inner.Reason = reason

	data, _ := json.Marshal(StatusJSON{Status: inner})
	return data
}
