package landmark

import (
	"context"
	"errors"
	"time"
)

// Step is one scripted response from FakeSource.Detect.
type Step struct {
	Frame *Frame
	Err   error
}

// FakeSource is a test double that returns scripted frames.
type FakeSource struct {
	// Steps contains scripted responses. Each call to Detect consumes the next
	// step; once exhausted the last step repeats.
	Steps []Step

	// StartErrors are returned by successive Start calls; once exhausted Start succeeds.
	StartErrors []error

	// Started tracks whether the source is currently started.
	Started bool

	// StartCalls and StopCalls count lifecycle calls.
	StartCalls int
	StopCalls  int

	// DetectCalls counts Detect invocations.
	DetectCalls int

	index int
}

// NewFakeSource creates a FakeSource with the given steps.
func NewFakeSource(steps []Step) *FakeSource {
	return &FakeSource{Steps: steps}
}

// Start consumes the next scripted start error, if any.
func (f *FakeSource) Start(ctx context.Context) error {
	f.StartCalls++
	if len(f.StartErrors) > 0 {
		err := f.StartErrors[0]
		f.StartErrors = f.StartErrors[1:]
		if err != nil {
			return err
		}
	}
	f.Started = true
	return nil
}

// Detect returns the next scripted step.
func (f *FakeSource) Detect(now time.Time) (*Frame, error) {
	f.DetectCalls++
	if !f.Started {
		return nil, errors.New("landmark: source not started")
	}
	if len(f.Steps) == 0 {
		return nil, nil
	}

	step := f.Steps[f.index]
	if f.index < len(f.Steps)-1 {
		f.index++
	}
	if step.Err != nil {
		return nil, step.Err
	}
	if step.Frame == nil {
		return nil, nil
	}
	fr := *step.Frame
	fr.Timestamp = now
	return &fr, nil
}

// Stop marks the source as stopped.
func (f *FakeSource) Stop() error {
	f.StopCalls++
	f.Started = false
	return nil
}

// Reset rewinds the script.
func (f *FakeSource) Reset() {
	f.index = 0
}

// faceMeshSize is the number of points in a face-mesh frame.
const faceMeshSize = 468

// poseSize is the number of points in a pose frame.
const poseSize = 33

// SyntheticFace builds a face-mesh array whose eyes both have the given
// eye aspect ratio. Points other than the eye contours are left at the origin.
func SyntheticFace(ear float64) []Landmark {
	lms := make([]Landmark, faceMeshSize)
	placeEye(lms, LeftEye, 0.6, 0.4, ear)
	placeEye(lms, RightEye, 0.4, 0.4, ear)
	return lms
}

func placeEye(lms []Landmark, idx [6]int, cx, cy, ear float64) {
	const width = 0.04
	half := ear * width / 2
	lms[idx[0]] = Landmark{X: cx - width/2, Y: cy, Visibility: 1}
	lms[idx[3]] = Landmark{X: cx + width/2, Y: cy, Visibility: 1}
	lms[idx[1]] = Landmark{X: cx - width/6, Y: cy - half, Visibility: 1}
	lms[idx[5]] = Landmark{X: cx - width/6, Y: cy + half, Visibility: 1}
	lms[idx[2]] = Landmark{X: cx + width/6, Y: cy - half, Visibility: 1}
	lms[idx[4]] = Landmark{X: cx + width/6, Y: cy + half, Visibility: 1}
}

// SyntheticPose builds a pose array with the nose at depth noseZ and both
// shoulders at depth shoulderZ. The nose sits 0.2 above the shoulder line.
func SyntheticPose(noseZ, shoulderZ float64) []Landmark {
	lms := make([]Landmark, poseSize)
	for i := range lms {
		lms[i] = Landmark{X: 0.5, Y: 0.5, Visibility: 1}
	}
	lms[PoseNose] = Landmark{X: 0.5, Y: 0.3, Z: noseZ, Visibility: 1}
	lms[PoseLeftShoulder] = Landmark{X: 0.65, Y: 0.5, Z: shoulderZ, Visibility: 1}
	lms[PoseRightShoulder] = Landmark{X: 0.35, Y: 0.5, Z: shoulderZ, Visibility: 1}
	lms[PoseLeftHip] = Landmark{X: 0.6, Y: 0.9, Visibility: 1}
	lms[PoseRightHip] = Landmark{X: 0.4, Y: 0.9, Visibility: 1}
	return lms
}
