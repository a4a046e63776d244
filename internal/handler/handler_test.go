package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/crypto/bcrypt"

	"classroll/internal/attendance"
	"classroll/internal/auth"
	"classroll/internal/capture"
	"classroll/internal/cloudinary"
	"classroll/internal/queue"
)

type fakeScanner struct {
	mu      sync.Mutex
	running map[string]bool
}

func (s *fakeScanner) Start(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running[id] {
		return capture.ErrAlreadyScanning
	}
	s.running[id] = true
	return nil
}

func (s *fakeScanner) Stop(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running[id] {
		return capture.ErrNotScanning
	}
	delete(s.running, id)
	return nil
}

func (s *fakeScanner) Scanning(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running[id]
}

type fakePhotos struct {
	uploads []string
}

func (p *fakePhotos) UploadPhoto(_ context.Context, data []byte, filename, publicID string) (*cloudinary.UploadResult, error) {
	p.uploads = append(p.uploads, publicID)
	return &cloudinary.UploadResult{PublicID: publicID, SecureURL: "https://img.example/" + publicID + ".jpg", Bytes: len(data)}, nil
}

type invalidations []string

func (i *invalidations) Invalidate(id string) { *i = append(*i, id) }

type env struct {
	t       *testing.T
	router  *gin.Engine
	svc     *attendance.Service
	camera  *capture.PushCamera
	jobs    *queue.InMemory
	photos  *fakePhotos
	invalid *invalidations
	token   string
}

func newEnv(t *testing.T, withPhotos bool) *env {
	t.Helper()
	e := &env{
		t:       t,
		svc:     attendance.NewService(attendance.NewMemoryStore()),
		camera:  capture.NewPushCamera(0),
		jobs:    queue.NewInMemory(8),
		invalid: &invalidations{},
	}
	d := Deps{
		Service:     e.svc,
		Scanner:     &fakeScanner{running: map[string]bool{}},
		Frames:      e.camera,
		Descriptors: e.invalid,
		Jobs:        e.jobs,
	}
	if withPhotos {
		e.photos = &fakePhotos{}
		d.Photos = e.photos
	}
	e.serve(d)
	return e
}

// serve registers the routes for d and logs in as the admin operator.
func (e *env) serve(d Deps) {
	e.t.Helper()
	gin.SetMode(gin.TestMode)
	hash, err := bcrypt.GenerateFromPassword([]byte("s3cret"), bcrypt.MinCost)
	if err != nil {
		e.t.Fatal(err)
	}
	d.Auth = auth.NewAuthenticator("admin@school.test", string(hash), "admin")
	d.SigningKey = "test-key"
	d.Issuer = "classroll-test"
	d.AccessTTL = time.Hour
	e.router = gin.New()
	New(d).Register(e.router)

	rec := e.do(http.MethodPost, "/v1/auth/login", map[string]string{"email": "admin@school.test", "password": "s3cret"})
	if rec.Code != http.StatusOK {
		e.t.Fatalf("login: %d %s", rec.Code, rec.Body)
	}
	var tok auth.Token
	decode(e.t, rec, &tok)
	e.token = tok.AccessToken
}

func (e *env) request(req *http.Request) *httptest.ResponseRecorder {
	if e.token != "" {
		req.Header.Set("Authorization", "Bearer "+e.token)
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func (e *env) do(method, path string, body any) *httptest.ResponseRecorder {
	e.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			e.t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	return e.request(req)
}

func (e *env) expect(rec *httptest.ResponseRecorder, code int) {
	e.t.Helper()
	if rec.Code != code {
		e.t.Fatalf("expected %d, got %d: %s", code, rec.Code, rec.Body)
	}
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body, err)
	}
}

func (e *env) seed() (attendance.Class, attendance.Student) {
	e.t.Helper()
	ctx := context.Background()
	class, err := e.svc.CreateClass(ctx, attendance.ClassInput{ClassCode: "cs101", ClassName: "Intro to CS"})
	if err != nil {
		e.t.Fatal(err)
	}
	st, err := e.svc.CreateStudent(ctx, attendance.StudentInput{StudentID: "S-1", FirstName: "Ada", LastName: "Lovelace", Email: "ada@school.test"})
	if err != nil {
		e.t.Fatal(err)
	}
	return class, st
}

func (e *env) openSession(classID string) attendance.Session {
	e.t.Helper()
	rec := e.do(http.MethodPost, "/v1/sessions", map[string]string{"class_id": classID})
	e.expect(rec, http.StatusCreated)
	var sess attendance.Session
	decode(e.t, rec, &sess)
	return sess
}

func TestLoginAndAuth(t *testing.T) {
	e := newEnv(t, false)

	bad := e.do(http.MethodPost, "/v1/auth/login", map[string]string{"email": "admin@school.test", "password": "nope"})
	e.expect(bad, http.StatusUnauthorized)

	e.token = ""
	e.expect(e.do(http.MethodGet, "/v1/students", nil), http.StatusUnauthorized)
	e.token = "garbage"
	e.expect(e.do(http.MethodGet, "/v1/students", nil), http.StatusUnauthorized)
}

func TestStudentLifecycle(t *testing.T) {
	e := newEnv(t, false)

	in := map[string]any{"student_id": "S-7", "first_name": "Grace", "last_name": "Hopper", "email": "Grace@School.test"}
	rec := e.do(http.MethodPost, "/v1/students", in)
	e.expect(rec, http.StatusCreated)
	var st attendance.Student
	decode(t, rec, &st)
	if st.Email != "grace@school.test" || st.ID == "" {
		t.Fatalf("unexpected student %+v", st)
	}

	e.expect(e.do(http.MethodPost, "/v1/students", in), http.StatusConflict)

	rec = e.do(http.MethodPost, "/v1/students", map[string]any{"student_id": "S-8", "first_name": "No", "last_name": "Mail"})
	e.expect(rec, http.StatusUnprocessableEntity)
	var body struct {
		Fields map[string]string `json:"fields"`
	}
	decode(t, rec, &body)
	if _, ok := body.Fields["email"]; !ok {
		t.Fatalf("expected email field error, got %v", body.Fields)
	}

	e.expect(e.do(http.MethodGet, "/v1/students/"+st.ID, nil), http.StatusOK)
	e.expect(e.do(http.MethodDelete, "/v1/students/"+st.ID, nil), http.StatusNoContent)
	e.expect(e.do(http.MethodGet, "/v1/students/"+st.ID, nil), http.StatusNotFound)
}

func TestSessionMarkingFlow(t *testing.T) {
	e := newEnv(t, false)
	class, st := e.seed()

	sess := e.openSession(class.ID)
	if sess.Type != "lecture" || sess.Location != "Classroom" {
		t.Fatalf("unexpected defaults %+v", sess)
	}
	e.expect(e.do(http.MethodPost, "/v1/sessions", map[string]string{"class_id": class.ID}), http.StatusConflict)
	e.expect(e.do(http.MethodPost, "/v1/sessions", map[string]string{"class_id": "missing"}), http.StatusNotFound)

	marks := "/v1/sessions/" + sess.ID + "/marks"
	rec := e.do(http.MethodPost, marks, map[string]any{"student_id": st.ID, "recognition_confidence": 0.91})
	e.expect(rec, http.StatusCreated)
	var first attendance.MarkResult
	decode(t, rec, &first)
	if first.Duplicate || first.Tally.Present != 1 {
		t.Fatalf("unexpected first mark %+v", first)
	}

	rec = e.do(http.MethodPost, marks, map[string]any{"student_id": st.ID})
	e.expect(rec, http.StatusOK)
	var again attendance.MarkResult
	decode(t, rec, &again)
	if !again.Duplicate || again.Record.ID != first.Record.ID || again.Tally.Total != 1 {
		t.Fatalf("repeat mark should return the existing record, got %+v", again)
	}

	rec = e.do(http.MethodGet, "/v1/sessions/"+sess.ID+"/marked", nil)
	e.expect(rec, http.StatusOK)
	var marked struct {
		StudentIDs []string `json:"student_ids"`
	}
	decode(t, rec, &marked)
	if len(marked.StudentIDs) != 1 || marked.StudentIDs[0] != st.ID {
		t.Fatalf("unexpected marked set %v", marked.StudentIDs)
	}

	rec = e.do(http.MethodPatch, "/v1/records/"+first.Record.ID, map[string]string{"status": "late", "note": "bus delay"})
	e.expect(rec, http.StatusOK)
	var updated attendance.Record
	decode(t, rec, &updated)
	if updated.Status != attendance.StatusLate || !updated.ManualOverride {
		t.Fatalf("unexpected override %+v", updated)
	}
	e.expect(e.do(http.MethodPatch, "/v1/records/"+first.Record.ID, map[string]string{"status": "sleeping"}), http.StatusUnprocessableEntity)

	rec = e.do(http.MethodGet, "/v1/records/"+first.Record.ID+"/history", nil)
	e.expect(rec, http.StatusOK)
	var hist struct {
		Changes []attendance.StatusChange `json:"changes"`
	}
	decode(t, rec, &hist)
	if len(hist.Changes) != 1 || hist.Changes[0].ChangedBy != "admin@school.test" || hist.Changes[0].To != attendance.StatusLate {
		t.Fatalf("unexpected history %+v", hist.Changes)
	}

	e.expect(e.do(http.MethodPost, "/v1/sessions/"+sess.ID+"/close", map[string]bool{"mark_absent": true}), http.StatusOK)
	e.expect(e.do(http.MethodPost, "/v1/sessions/"+sess.ID+"/close", nil), http.StatusConflict)
	e.expect(e.do(http.MethodPost, marks, map[string]any{"student_id": st.ID}), http.StatusConflict)
	e.expect(e.do(http.MethodGet, "/v1/sessions/"+sess.ID+"/unmarked", nil), http.StatusConflict)
}

func TestScanAndFrames(t *testing.T) {
	e := newEnv(t, false)
	class, _ := e.seed()
	sess := e.openSession(class.ID)
	frames := "/v1/sessions/" + sess.ID + "/frames"

	push := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, frames, bytes.NewReader([]byte{0xff, 0xd8, 0xff}))
		req.Header.Set("Content-Type", "image/jpeg")
		return e.request(req)
	}
	e.expect(push(), http.StatusConflict)

	stream, err := e.camera.Open(context.Background(), sess.ID)
	if err != nil {
		t.Fatal(err)
	}
	defer stream.Close()
	e.expect(push(), http.StatusAccepted)
	frame, ok, err := stream.Next(context.Background())
	if err != nil || !ok || len(frame.Data) != 3 {
		t.Fatalf("frame not delivered: %+v %v %v", frame, ok, err)
	}

	scan := "/v1/sessions/" + sess.ID + "/scan"
	e.expect(e.do(http.MethodPost, scan, nil), http.StatusAccepted)
	e.expect(e.do(http.MethodPost, scan, nil), http.StatusConflict)

	rec := e.do(http.MethodGet, "/v1/sessions/"+sess.ID, nil)
	e.expect(rec, http.StatusOK)
	var got struct {
		Scanning bool `json:"scanning"`
	}
	decode(t, rec, &got)
	if !got.Scanning {
		t.Fatal("session should report scanning")
	}

	e.expect(e.do(http.MethodDelete, scan, nil), http.StatusNoContent)
	e.expect(e.do(http.MethodDelete, scan, nil), http.StatusConflict)

	e.expect(e.do(http.MethodPost, "/v1/sessions/"+sess.ID+"/close", nil), http.StatusOK)
	e.expect(e.do(http.MethodPost, scan, nil), http.StatusConflict)
}

func uploadRequest(t *testing.T, path string) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormFile("photo", "ada.jpg")
	if err != nil {
		t.Fatal(err)
	}
	_, _ = part.Write([]byte("jpeg-bytes"))
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	req := httptest.NewRequest(http.MethodPost, path, &buf)
	req.Header.Set("Content-Type", w.FormDataContentType())
	return req
}

func TestUploadPhotoWithoutStorage(t *testing.T) {
	e := newEnv(t, false)
	_, st := e.seed()
	e.expect(e.request(uploadRequest(t, "/v1/students/"+st.ID+"/photo")), http.StatusServiceUnavailable)
}

func TestUploadPhotoQueuesEnrollment(t *testing.T) {
	e := newEnv(t, true)
	_, st := e.seed()

	rec := e.request(uploadRequest(t, "/v1/students/"+st.ID+"/photo"))
	e.expect(rec, http.StatusOK)
	var body struct {
		PhotoURL string `json:"photo_url"`
		Queued   bool   `json:"enrollment_queued"`
	}
	decode(t, rec, &body)
	if !body.Queued || !strings.HasSuffix(body.PhotoURL, ".jpg") {
		t.Fatalf("unexpected response %+v", body)
	}

	got, err := e.svc.GetStudent(context.Background(), st.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.PhotoURL == nil || *got.PhotoURL != body.PhotoURL {
		t.Fatalf("photo url not stored: %v", got.PhotoURL)
	}
	if len(*e.invalid) != 1 || (*e.invalid)[0] != st.ID {
		t.Fatalf("descriptor cache not invalidated: %v", *e.invalid)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	msgs, _ := e.jobs.Consume(ctx)
	select {
	case msg := <-msgs:
		var job queue.EnrollJob
		if err := msg.Decode(&job); err != nil {
			t.Fatal(err)
		}
		if msg.Type != queue.TypeDescriptorEnroll || job.StudentID != st.ID || job.PhotoURL != body.PhotoURL {
			t.Fatalf("unexpected job %s %+v", msg.Type, job)
		}
	case <-ctx.Done():
		t.Fatal("no enrollment job queued")
	}

	e.expect(e.request(uploadRequest(t, "/v1/students/missing/photo")), http.StatusNotFound)
}

func TestReportsAndExports(t *testing.T) {
	e := newEnv(t, false)
	class, st := e.seed()
	sess := e.openSession(class.ID)
	e.expect(e.do(http.MethodPost, "/v1/sessions/"+sess.ID+"/marks", map[string]any{"student_id": st.ID, "recognition_confidence": 0.5}), http.StatusCreated)

	rec := e.do(http.MethodGet, "/v1/records?period=all&search=lovelace", nil)
	e.expect(rec, http.StatusOK)
	var list struct {
		Records []attendance.RecordView `json:"records"`
	}
	decode(t, rec, &list)
	if len(list.Records) != 1 || list.Records[0].ClassCode != "CS101" {
		t.Fatalf("unexpected records %+v", list.Records)
	}

	rec = e.do(http.MethodGet, "/v1/analytics?period=all", nil)
	e.expect(rec, http.StatusOK)
	var report struct {
		Period  string `json:"period"`
		Summary struct {
			Total          int     `json:"total_records"`
			AttendanceRate float64 `json:"attendance_rate"`
		} `json:"summary"`
	}
	decode(t, rec, &report)
	if report.Period != "all" || report.Summary.Total != 1 || report.Summary.AttendanceRate != 100 {
		t.Fatalf("unexpected report %+v", report)
	}

	rec = e.do(http.MethodGet, "/v1/exports/attendance.csv?period=all", nil)
	e.expect(rec, http.StatusOK)
	if cd := rec.Header().Get("Content-Disposition"); !strings.Contains(cd, "attendance-report-") || !strings.HasSuffix(cd, `.csv"`) {
		t.Fatalf("unexpected content disposition %q", cd)
	}
	if strings.HasSuffix(rec.Body.String(), "\n") {
		t.Fatal("csv must not end with a newline")
	}
	lines := strings.Split(rec.Body.String(), "\n")
	if len(lines) != 2 || lines[0] != "Date,Time,Class,Student ID,Student Name,Status,Confidence,Manual Override" {
		t.Fatalf("unexpected csv %q", rec.Body.String())
	}
	if !strings.Contains(lines[1], `,S-1,"Ada Lovelace",present,0.5,No`) {
		t.Fatalf("unexpected csv row %q", lines[1])
	}

	rec = e.do(http.MethodGet, "/v1/exports/attendance.xlsx?period=all", nil)
	e.expect(rec, http.StatusOK)
	if !bytes.HasPrefix(rec.Body.Bytes(), []byte("PK")) {
		t.Fatal("xlsx body is not a zip archive")
	}

	e.expect(e.do(http.MethodGet, "/v1/records?status=sleeping", nil), http.StatusUnprocessableEntity)
	e.expect(e.do(http.MethodGet, "/v1/analytics?period=decade", nil), http.StatusUnprocessableEntity)
}

func TestFailMapping(t *testing.T) {
	gin.SetMode(gin.TestMode)
	cases := []struct {
		err  error
		code int
	}{
		{attendance.ErrNotFound, http.StatusNotFound},
		{attendance.ErrSessionActive, http.StatusConflict},
		{capture.ErrAlreadyScanning, http.StatusConflict},
		{capture.ErrCameraUnavailable, http.StatusServiceUnavailable},
		{invalid("x", "bad"), http.StatusUnprocessableEntity},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		rec := httptest.NewRecorder()
		c, _ := gin.CreateTestContext(rec)
		c.Request = httptest.NewRequest(http.MethodGet, "/", nil)
		fail(c, tc.err)
		if rec.Code != tc.code {
			t.Errorf("%v: got %d, want %d", tc.err, rec.Code, tc.code)
		}
	}
}
