// Package enroll turns uploaded student photos into stored face descriptors.
package enroll

import (
	"context"

	"classroll/internal/attendance"
	"classroll/internal/faceclient"
	"classroll/internal/logging"
	"classroll/internal/queue"
	"classroll/internal/recognition"
)

// Job results reported to the JobCounter.
const (
	ResultOK      = "ok"
	ResultInvalid = "invalid"
	ResultFailed  = "failed"
	ResultNoFace  = "no_face"
	ResultSkipped = "skipped"
)

// Embedder computes a face embedding for a photo URL.
type Embedder interface {
	EmbedWithScore(ctx context.Context, imageURL string) (*faceclient.EmbedResult, error)
}

// DescriptorStore persists a student's descriptors.
type DescriptorStore interface {
	SaveDescriptors(ctx context.Context, studentID string, descs []attendance.Descriptor, quality float64) error
}

// JobCounter records job outcomes.
type JobCounter interface {
	Job(typ, result string)
}

type nopCounter struct{}

func (nopCounter) Job(string, string) {}

// Enroller handles TypeDescriptorEnroll messages.
type Enroller struct {
	store   DescriptorStore
	face    Embedder
	metrics JobCounter
}

// New creates an enroller. A nil counter discards results.
func New(store DescriptorStore, face Embedder, metrics JobCounter) *Enroller {
	if metrics == nil {
		metrics = nopCounter{}
	}
	return &Enroller{store: store, face: face, metrics: metrics}
}

// Run handles messages until the channel is closed. Messages of other types
// are counted as skipped.
func (e *Enroller) Run(ctx context.Context, messages <-chan queue.Message) {
	logger := logging.FromContext(ctx)
	for msg := range messages {
		if msg.Type != queue.TypeDescriptorEnroll {
			logger.Warn("skipping unknown job", "type", msg.Type)
			e.metrics.Job(msg.Type, ResultSkipped)
			continue
		}
		e.Handle(ctx, msg)
	}
}

// Handle embeds the job's photo and stores the normalised descriptor.
func (e *Enroller) Handle(ctx context.Context, msg queue.Message) string {
	result := e.handle(ctx, msg)
	e.metrics.Job(msg.Type, result)
	return result
}

func (e *Enroller) handle(ctx context.Context, msg queue.Message) string {
	logger := logging.FromContext(ctx)
	var job queue.EnrollJob
	if err := msg.Decode(&job); err != nil || job.StudentID == "" || job.PhotoURL == "" {
		logger.Error("invalid enrollment job", "error", err, "body", string(msg.Body))
		return ResultInvalid
	}
	logger = logger.With("student_id", job.StudentID)

	res, err := e.face.EmbedWithScore(ctx, job.PhotoURL)
	if err != nil {
		logger.Error("face embed failed", "error", err)
		return ResultFailed
	}
	if len(res.Embedding) == 0 {
		logger.Warn("no face found in photo", "faces", res.FacesDetected)
		return ResultNoFace
	}

	quality := res.Score
	if res.Quality != nil {
		quality = res.Quality.Score
	}
	desc := recognition.Normalize(attendance.Descriptor(res.Embedding))
	if err := e.store.SaveDescriptors(ctx, job.StudentID, []attendance.Descriptor{desc}, quality); err != nil {
		logger.Error("save descriptors failed", "error", err)
		return ResultFailed
	}
	logger.Info("descriptors enrolled", "faces", res.FacesDetected, "score", res.Score)
	return ResultOK
}
