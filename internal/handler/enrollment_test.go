package handler

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"classroll/internal/attendance"
	"classroll/internal/capture"
	"classroll/internal/enroll"
	"classroll/internal/faceclient"
	"classroll/internal/queue"
	"classroll/internal/recognition"
)

type photoEmbedder struct{ embedding []float32 }

func (p photoEmbedder) EmbedWithScore(context.Context, string) (*faceclient.EmbedResult, error) {
	return &faceclient.EmbedResult{Embedding: p.embedding, Score: 0.9, FacesDetected: 1}, nil
}

// oneFace reports the same face in every frame.
type oneFace struct{ descriptor attendance.Descriptor }

func (f oneFace) Locate(context.Context, capture.Frame) ([]capture.Face, error) {
	return []capture.Face{{Confidence: 0.95, Descriptor: f.descriptor}}, nil
}

func TestUploadedPhotoIsRecognisedDuringScan(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var notifiers attendance.Notifiers
	svc := attendance.NewService(attendance.NewMemoryStore(), attendance.WithNotifier(&notifiers))
	recognizer := recognition.NewDescriptorRecognizer(svc, recognition.DefaultThreshold, time.Minute)
	camera := capture.NewPushCamera(0)
	scanner := capture.NewManager(ctx, camera, capture.Config{
		Locator:    oneFace{descriptor: attendance.Descriptor{0.6, 0.8}},
		Recognizer: recognizer,
		Attendance: svc,
		Interval:   5 * time.Millisecond,
	})
	defer scanner.StopAll()
	notifiers = append(notifiers, scanner, recognizer)

	jobs := queue.NewInMemory(1)
	messages, err := jobs.Consume(ctx)
	if err != nil {
		t.Fatal(err)
	}
	go enroll.New(svc, photoEmbedder{embedding: []float32{3, 4}}, nil).Run(ctx, messages)

	e := &env{t: t, svc: svc, camera: camera, jobs: jobs, photos: &fakePhotos{}}
	e.serve(Deps{
		Service:     svc,
		Scanner:     scanner,
		Frames:      camera,
		Photos:      e.photos,
		Descriptors: recognizer,
		Jobs:        jobs,
	})
	class, st := e.seed()
	sess := e.openSession(class.ID)
	e.expect(e.do(http.MethodPost, "/v1/sessions/"+sess.ID+"/scan", nil), http.StatusAccepted)

	pushFrame := func() {
		req := httptest.NewRequest(http.MethodPost, "/v1/sessions/"+sess.ID+"/frames", bytes.NewReader([]byte{0xff, 0xd8, 0xff}))
		req.Header.Set("Content-Type", "image/jpeg")
		e.expect(e.request(req), http.StatusAccepted)
	}

	// Frames before enrollment find the face but nobody to match it to.
	pushFrame()
	time.Sleep(30 * time.Millisecond)
	if ids, _ := svc.MarkedSet(ctx, sess.ID); len(ids) != 0 {
		t.Fatalf("marked before enrollment: %v", ids)
	}

	e.expect(e.request(uploadRequest(t, "/v1/students/"+st.ID+"/photo")), http.StatusOK)

	deadline := time.Now().Add(3 * time.Second)
	for {
		pushFrame()
		ids, err := svc.MarkedSet(ctx, sess.ID)
		if err != nil {
			t.Fatal(err)
		}
		if len(ids) == 1 && ids[0] == st.ID {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("student was never recognised after the photo upload")
		}
		time.Sleep(10 * time.Millisecond)
	}

	stored, err := svc.Descriptors(ctx, []string{st.ID})
	if err != nil || len(stored[st.ID].Descriptors) != 1 {
		t.Fatalf("descriptor not stored: %+v %v", stored, err)
	}
	tally, err := svc.Tally(ctx, sess.ID)
	if err != nil || tally.Present != 1 {
		t.Fatalf("unexpected tally %+v %v", tally, err)
	}
}
