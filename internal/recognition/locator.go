package recognition

import (
	"context"

	"classroll/internal/attendance"
	"classroll/internal/capture"
	"classroll/internal/faceclient"
)

// Detector is the face service call the locator depends on.
type Detector interface {
	Detect(ctx context.Context, jpeg []byte) ([]faceclient.DetectedFace, error)
}

// ServiceLocator locates faces through the face microservice.
type ServiceLocator struct {
	detector Detector
}

// NewServiceLocator wraps a detector.
func NewServiceLocator(d Detector) *ServiceLocator {
	return &ServiceLocator{detector: d}
}

// Locate returns each detected face with a unit-length descriptor.
func (l *ServiceLocator) Locate(ctx context.Context, f capture.Frame) ([]capture.Face, error) {
	if len(f.Data) == 0 {
		return nil, nil
	}
	detected, err := l.detector.Detect(ctx, f.Data)
	if err != nil {
		return nil, err
	}
	faces := make([]capture.Face, 0, len(detected))
	for _, d := range detected {
		faces = append(faces, capture.Face{
			Region: capture.Region{
				X:      d.Box.X,
				Y:      d.Box.Y,
				Width:  d.Box.Width,
				Height: d.Box.Height,
			},
			Confidence: clamp(d.Confidence),
			Descriptor: Normalize(attendance.Descriptor(d.Embedding)),
		})
	}
	return faces, nil
}

func clamp(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
