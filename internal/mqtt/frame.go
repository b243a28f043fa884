package mqtt

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/sweeney/wellness-monitor/internal/fault"
	"github.com/sweeney/wellness-monitor/internal/landmark"
)

// FrameMessage is the wire format published by the vision process. A message
// carrying Error reports a camera or model failure instead of a frame.
type FrameMessage struct {
	Timestamp time.Time           `json:"timestamp"`
	Face      []landmark.Landmark `json:"face,omitempty"`
	Pose      []landmark.Landmark `json:"pose,omitempty"`
	Error     string              `json:"error,omitempty"`
	Message   string              `json:"message,omitempty"`
}

// ParseFrame decodes a frame message. A reported failure comes back as a
// *fault.Error of the reported kind.
func ParseFrame(data []byte) (*landmark.Frame, error) {
	var msg FrameMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	if msg.Error != "" {
		text := msg.Message
		if text == "" {
			text = msg.Error
		}
		return nil, fault.Wrap(fault.ParseKind(msg.Error), errors.New(text))
	}
	return &landmark.Frame{
		Timestamp: msg.Timestamp,
		Face:      msg.Face,
		Pose:      msg.Pose,
	}, nil
}

// FormatFrame encodes a frame in the wire format. It is the inverse of
// ParseFrame for frames without an error.
func FormatFrame(f *landmark.Frame) ([]byte, error) {
	return json.Marshal(FrameMessage{
		Timestamp: f.Timestamp.UTC(),
		Face:      f.Face,
		Pose:      f.Pose,
	})
}
