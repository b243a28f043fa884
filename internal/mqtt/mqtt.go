// Package mqtt carries the daemon's broker traffic: user notifications and
// system lifecycle events out, landmark frames in.
package mqtt

import (
	"encoding/json"
	"time"

	"github.com/sweeney/wellness-monitor/internal/policy"
)

// TopicNotifications is the MQTT topic for wellness notifications.
const TopicNotifications = "wellness/monitor/notifications"

// TopicSystem is the MQTT topic for system lifecycle events.
const TopicSystem = "wellness/monitor/system"

// DefaultLandmarkTopic is where the vision process publishes landmark frames.
const DefaultLandmarkTopic = "wellness/landmarks/frames"

// Publisher publishes notifications and system events. It satisfies
// policy.Notifier.
type Publisher interface {
	// Notify sends a wellness notification to the broker.
	// Returns error if publishing fails (should not crash the process).
	Notify(n policy.Notification) error

	// PublishSystem sends a system lifecycle event to the broker.
	PublishSystem(event SystemEvent) error

	// Close disconnects from the broker.
	Close() error
}

// ConnectionStatus reports whether the MQTT connection is active.
type ConnectionStatus interface {
	IsConnected() bool
}

// SystemEvent represents a system lifecycle event (STARTUP, SHUTDOWN,
// HEARTBEAT, FAULT, OFFLINE).
type SystemEvent struct {
	Timestamp  time.Time
	Event      string
	Reason     string // signal name, fault kind, ...
	RawPayload []byte // Pre-formatted JSON payload; if set, FormatSystemPayload returns it directly
	Retained   bool
}

// NotificationPayload is the MQTT message payload for a notification.
type NotificationPayload struct {
	Notification NotificationInner `json:"notification"`
}

// NotificationInner contains the notification details.
type NotificationInner struct {
	Timestamp string `json:"timestamp"`
	Kind      string `json:"kind"`
	Title     string `json:"title"`
	Body      string `json:"body"`
}

// FormatNotification creates the JSON payload for a notification sent at ts.
func FormatNotification(n policy.Notification, ts time.Time) ([]byte, error) {
	return json.Marshal(NotificationPayload{
		Notification: NotificationInner{
			Timestamp: ts.UTC().Format(time.RFC3339),
			Kind:      string(n.Kind),
			Title:     n.Title,
			Body:      n.Body,
		},
	})
}

// SystemPayload represents the MQTT message payload for simple system events
// that don't carry a full status snapshot.
type SystemPayload struct {
	System SystemPayloadInner `json:"system"`
}

// SystemPayloadInner contains the system event details.
type SystemPayloadInner struct {
	Timestamp string `json:"timestamp"`
	Event     string `json:"event"`
	Reason    string `json:"reason,omitempty"`
}

// FormatSystemPayload creates the JSON payload for a system event.
// If event.RawPayload is set, it is returned directly.
func FormatSystemPayload(event SystemEvent) ([]byte, error) {
	if event.RawPayload != nil {
		return event.RawPayload, nil
	}

	payload := SystemPayload{
		System: SystemPayloadInner{
			Timestamp: event.Timestamp.UTC().Format(time.RFC3339),
			Event:     event.Event,
			Reason:    event.Reason,
		},
	}
	return json.Marshal(payload)
}
