// Package capture runs the per-session scanning loop that turns camera frames
// into attendance marks.
package capture

import (
	"context"
	"errors"
	"time"

	"classroll/internal/attendance"
)

var (
	// ErrCameraUnavailable is returned when a stream cannot be acquired. No loop is started.
	ErrCameraUnavailable = errors.New("capture: camera unavailable")
	// ErrAlreadyScanning is returned when a session already has a running loop.
	ErrAlreadyScanning = errors.New("capture: session is already scanning")
	// ErrNotScanning is returned when stopping or feeding a session without a loop.
	ErrNotScanning = errors.New("capture: session is not scanning")
)

// Frame is one sampled image.
type Frame struct {
	Seq  uint64
	Data []byte
	At   time.Time
}

// Region is a face bounding box in pixels.
type Region struct {
	X      int `json:"x"`
	Y      int `json:"y"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Face is a located face with its detection confidence in [0,1].
type Face struct {
	Region     Region
	Confidence float64
	Descriptor attendance.Descriptor
}

// Match is a recognised student and the similarity score in [0,1].
type Match struct {
	Student    attendance.Student
	Confidence float64
}

// Camera acquires a frame stream for a session.
type Camera interface {
	Open(ctx context.Context, sessionID string) (Stream, error)
}

// Stream yields frames until closed. Next reports false when no new frame is
// available since the previous call.
type Stream interface {
	Next(ctx context.Context) (Frame, bool, error)
	Close() error
}

// FaceLocator finds faces in a frame.
type FaceLocator interface {
	Locate(ctx context.Context, f Frame) ([]Face, error)
}

// Recognizer matches a face against candidate students.
type Recognizer interface {
	Recognize(ctx context.Context, face Face, candidates []attendance.Student) (Match, bool, error)
}

// Attendance is the slice of the attendance service the loop drives.
type Attendance interface {
	GetSession(ctx context.Context, id string) (attendance.Session, error)
	Unmarked(ctx context.Context, sessionID string) ([]attendance.Student, error)
	MarkPresent(ctx context.Context, sessionID, studentID string, confidence *float64) (attendance.MarkResult, error)
}

// Observer receives loop counters.
type Observer interface {
	Tick()
	FacesLocated(n int)
	Recognized()
	Scanning(n int)
}

type nopObserver struct{}

func (nopObserver) Tick()            {}
func (nopObserver) FacesLocated(int) {}
func (nopObserver) Recognized()      {}
func (nopObserver) Scanning(int)     {}
