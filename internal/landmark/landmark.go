// Package landmark defines the per-frame landmark samples consumed from an
// external vision process, the fixed anatomical indices used to address them,
// and the Source port through which frames are pulled.
package landmark

import (
	"context"
	"time"
)

// Landmark is a normalized 3D point in camera-relative space.
// X and Y are in [0,1] image coordinates (Y grows downward); Z is depth
// relative to the hips (pose) or face centre (face), negative towards the camera.
type Landmark struct {
	X          float64 `json:"x"`
	Y          float64 `json:"y"`
	Z          float64 `json:"z"`
	Visibility float64 `json:"visibility"`
}

// Frame is a timestamped bundle of optional face and pose landmark arrays.
// Frames are never retained past the frame in which they are processed.
type Frame struct {
	Timestamp time.Time
	Face      []Landmark
	Pose      []Landmark
}

// HasFace reports whether the frame carries face-mesh landmarks.
func (f *Frame) HasFace() bool {
	return f != nil && len(f.Face) > 0
}

// HasPose reports whether the frame carries pose landmarks.
func (f *Frame) HasPose() bool {
	return f != nil && len(f.Pose) > 0
}

// Present reports whether a person was detected in the frame at all.
func (f *Frame) Present() bool {
	return f.HasFace() || f.HasPose()
}

// Pose landmark indices (33-point body model).
const (
	PoseNose          = 0
	PoseLeftEye       = 2
	PoseRightEye      = 5
	PoseLeftEar       = 7
	PoseRightEar      = 8
	PoseLeftShoulder  = 11
	PoseRightShoulder = 12
	PoseLeftHip       = 23
	PoseRightHip      = 24
)

// Eye contour indices on the 468-point face mesh, ordered p1..p6:
// p1/p4 are the horizontal corners, (p2,p6) and (p3,p5) the vertical pairs.
var (
	LeftEye  = [6]int{362, 385, 387, 263, 373, 380}
	RightEye = [6]int{33, 160, 158, 133, 153, 144}
)

// MinVisibility is the visibility below which a pose landmark is treated as absent.
const MinVisibility = 0.5

// At returns the landmark at index i, or false if the slice is too short.
func At(lms []Landmark, i int) (Landmark, bool) {
	if i < 0 || i >= len(lms) {
		return Landmark{}, false
	}
	return lms[i], true
}

// Visible returns the landmark at index i if it exists and is visible enough.
// A zero visibility is taken to mean the producer does not report it.
func Visible(lms []Landmark, i int) (Landmark, bool) {
	lm, ok := At(lms, i)
	if !ok {
		return Landmark{}, false
	}
	if lm.Visibility != 0 && lm.Visibility < MinVisibility {
		return Landmark{}, false
	}
	return lm, true
}

// Source produces landmark frames. It is the seam between this daemon and the
// camera + vision model, which live outside this process.
type Source interface {
	// Start opens the camera/model. Errors should be classifiable by the fault package.
	Start(ctx context.Context) error

	// Detect returns the latest frame, or nil if no new frame is available.
	// A processed frame with no landmarks is a non-nil Frame that is not
	// Present. It is called at most once per admitted frame and must not block.
	Detect(now time.Time) (*Frame, error)

	// Stop releases the camera/model.
	Stop() error
}
