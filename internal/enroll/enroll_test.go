package enroll

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"classroll/internal/attendance"
	"classroll/internal/faceclient"
	"classroll/internal/queue"
)

type stubEmbedder struct {
	res *faceclient.EmbedResult
	err error
}

func (s stubEmbedder) EmbedWithScore(context.Context, string) (*faceclient.EmbedResult, error) {
	return s.res, s.err
}

type savedDescriptors struct {
	studentID string
	descs     []attendance.Descriptor
	quality   float64
}

func (s *savedDescriptors) SaveDescriptors(_ context.Context, studentID string, descs []attendance.Descriptor, quality float64) error {
	s.studentID, s.descs, s.quality = studentID, descs, quality
	return nil
}

type jobResults []string

func (j *jobResults) Job(_, result string) { *j = append(*j, result) }

func enrollMessage(t *testing.T, job queue.EnrollJob) queue.Message {
	t.Helper()
	msg, err := queue.NewMessage(queue.TypeDescriptorEnroll, job)
	if err != nil {
		t.Fatal(err)
	}
	return msg
}

func TestHandleStoresNormalizedDescriptor(t *testing.T) {
	saved := &savedDescriptors{}
	results := &jobResults{}
	e := New(saved, stubEmbedder{res: &faceclient.EmbedResult{Embedding: []float32{3, 4}, Score: 0.8, FacesDetected: 1}}, results)

	if got := e.Handle(context.Background(), enrollMessage(t, queue.EnrollJob{StudentID: "st-1", PhotoURL: "https://img/1.jpg"})); got != ResultOK {
		t.Fatalf("result %q", got)
	}
	if saved.studentID != "st-1" || len(saved.descs) != 1 || saved.quality != 0.8 {
		t.Fatalf("unexpected save %+v", saved)
	}
	d := saved.descs[0]
	if math.Abs(float64(d[0])-0.6) > 1e-6 || math.Abs(float64(d[1])-0.8) > 1e-6 {
		t.Fatalf("descriptor not normalized: %v", d)
	}
	if len(*results) != 1 || (*results)[0] != ResultOK {
		t.Fatalf("unexpected job results %v", *results)
	}
}

func TestHandlePrefersQualityScore(t *testing.T) {
	saved := &savedDescriptors{}
	e := New(saved, stubEmbedder{res: &faceclient.EmbedResult{
		Embedding: []float32{1, 0},
		Score:     0.9,
		Quality:   &faceclient.FaceQuality{Score: 0.4},
	}}, nil)
	e.Handle(context.Background(), enrollMessage(t, queue.EnrollJob{StudentID: "st-1", PhotoURL: "u"}))
	if saved.quality != 0.4 {
		t.Fatalf("quality = %v, want 0.4", saved.quality)
	}
}

func TestHandleFailures(t *testing.T) {
	cases := []struct {
		name string
		face Embedder
		job  queue.EnrollJob
		want string
	}{
		{"missing photo", stubEmbedder{}, queue.EnrollJob{StudentID: "st-1"}, ResultInvalid},
		{"embed error", stubEmbedder{err: errors.New("timeout")}, queue.EnrollJob{StudentID: "st-1", PhotoURL: "u"}, ResultFailed},
		{"skip mode", stubEmbedder{err: faceclient.ErrDisabled}, queue.EnrollJob{StudentID: "st-1", PhotoURL: "u"}, ResultFailed},
		{"no face", stubEmbedder{res: &faceclient.EmbedResult{}}, queue.EnrollJob{StudentID: "st-1", PhotoURL: "u"}, ResultNoFace},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			saved := &savedDescriptors{}
			results := &jobResults{}
			New(saved, tc.face, results).Handle(context.Background(), enrollMessage(t, tc.job))
			if saved.studentID != "" {
				t.Fatal("nothing should be saved")
			}
			if len(*results) != 1 || (*results)[0] != tc.want {
				t.Fatalf("got %v, want %s", *results, tc.want)
			}
		})
	}
}

func TestRunDrainsQueue(t *testing.T) {
	q := queue.NewInMemory(1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	messages, err := q.Consume(ctx)
	if err != nil {
		t.Fatal(err)
	}
	results := &jobResults{}
	done := make(chan struct{})
	go func() {
		New(&savedDescriptors{}, stubEmbedder{res: &faceclient.EmbedResult{Embedding: []float32{1}}}, results).Run(ctx, messages)
		close(done)
	}()

	// More messages than the buffer holds must not block publishers.
	for i := 0; i < 5; i++ {
		pubCtx, stop := context.WithTimeout(ctx, time.Second)
		err := q.Publish(pubCtx, enrollMessage(t, queue.EnrollJob{StudentID: "st", PhotoURL: "u"}))
		stop()
		if err != nil {
			t.Fatalf("publish %d: %v", i, err)
		}
	}
	other, _ := queue.NewMessage("report.build", struct{}{})
	if err := q.Publish(ctx, other); err != nil {
		t.Fatal(err)
	}
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after the queue closed")
	}
}
