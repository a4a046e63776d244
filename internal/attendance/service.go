package attendance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"classroll/internal/logging"
)

const (
	defaultSessionType     = "lecture"
	defaultSessionLocation = "Classroom"
	defaultSessionMaxAge   = 12 * time.Hour
)

// Observer receives counters for metrics collection.
type Observer interface {
	MarkRecorded(outcome string)
	StatusOverridden(to Status)
	SessionClosed(reason string)
}

// Service coordinates sessions, marking and overrides on top of a Store.
type Service struct {
	store         Store
	marks         MarkCache
	notifier      Notifier
	observer      Observer
	validate      *validator.Validate
	now           func() time.Time
	maxSessionAge time.Duration
}

// Option customises a Service.
type Option func(*Service)

// WithMarkCache mirrors marked sets into an external cache.
func WithMarkCache(c MarkCache) Option { return func(s *Service) { s.marks = c } }

// WithNotifier publishes events to live observers.
func WithNotifier(n Notifier) Option { return func(s *Service) { s.notifier = n } }

// WithObserver wires metric hooks.
func WithObserver(o Observer) Option { return func(s *Service) { s.observer = o } }

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

// WithSessionMaxAge sets how long a session may stay open before ExpireStale closes it.
func WithSessionMaxAge(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.maxSessionAge = d
		}
	}
}

// NewService creates a service backed by a store.
func NewService(store Store, opts ...Option) *Service {
	s := &Service{
		store:         store,
		validate:      newValidator(),
		now:           func() time.Time { return time.Now().UTC() },
		maxSessionAge: defaultSessionMaxAge,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return f.Name
		}
		return name
	})
	return v
}

func (s *Service) check(in any) error {
	err := s.validate.Struct(in)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return err
	}
	out := &ValidationError{}
	for _, fe := range fieldErrs {
		out.add(fe.Field(), describe(fe))
	}
	return out
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "email":
		return "must be a valid email address"
	case "min", "gte":
		return "must be at least " + fe.Param()
	case "max", "lte":
		return "must be at most " + fe.Param()
	case "datetime":
		return "must match layout " + fe.Param()
	case "oneof":
		return "must be one of " + fe.Param()
	}
	return "is invalid"
}

func (s *Service) log(ctx context.Context) *slog.Logger {
	return logging.FromContext(ctx)
}

// StudentInput is the editable part of a student profile.
type StudentInput struct {
	StudentID   string  `json:"student_id" validate:"required,max=50"`
	FirstName   string  `json:"first_name" validate:"required,max=100"`
	LastName    string  `json:"last_name" validate:"required,max=100"`
	Email       string  `json:"email" validate:"required,email"`
	Phone       *string `json:"phone" validate:"omitempty,max=30"`
	Department  *string `json:"department" validate:"omitempty,max=100"`
	YearOfStudy *int    `json:"year_of_study" validate:"omitempty,min=1,max=10"`
}

func (in *StudentInput) normalize() {
	in.StudentID = strings.TrimSpace(in.StudentID)
	in.FirstName = strings.TrimSpace(in.FirstName)
	in.LastName = strings.TrimSpace(in.LastName)
	in.Email = strings.ToLower(strings.TrimSpace(in.Email))
	in.Phone = trimOptional(in.Phone)
	in.Department = trimOptional(in.Department)
}

// ClassInput describes a new class.
type ClassInput struct {
	ClassCode      string  `json:"class_code" validate:"required,max=20"`
	ClassName      string  `json:"class_name" validate:"required,max=200"`
	InstructorName *string `json:"instructor_name" validate:"omitempty,max=100"`
	Department     *string `json:"department" validate:"omitempty,max=100"`
	Semester       *string `json:"semester" validate:"omitempty,max=20"`
	AcademicYear   *string `json:"academic_year" validate:"omitempty,max=20"`
}

// SessionOptions override the defaults of a new session.
type SessionOptions struct {
	Date     string `json:"session_date" validate:"omitempty,datetime=2006-01-02"`
	Time     string `json:"session_time" validate:"omitempty,datetime=15:04:05"`
	Type     string `json:"session_type" validate:"omitempty,max=50"`
	Location string `json:"location" validate:"omitempty,max=100"`
}

func trimOptional(v *string) *string {
	if v == nil {
		return nil
	}
	t := strings.TrimSpace(*v)
	if t == "" {
		return nil
	}
	return &t
}

func deref(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}

// CreateStudent validates and stores a new student.
func (s *Service) CreateStudent(ctx context.Context, in StudentInput) (Student, error) {
	in.normalize()
	if err := s.check(in); err != nil {
		return Student{}, err
	}
	now := s.now()
	return s.store.InsertStudent(ctx, Student{
		StudentID:   in.StudentID,
		FirstName:   in.FirstName,
		LastName:    in.LastName,
		Email:       in.Email,
		Phone:       in.Phone,
		Department:  in.Department,
		YearOfStudy: in.YearOfStudy,
		CreatedAt:   now,
		UpdatedAt:   now,
	})
}

// UpdateStudent replaces the profile fields of an existing student.
func (s *Service) UpdateStudent(ctx context.Context, id string, in StudentInput) (Student, error) {
	in.normalize()
	if err := s.check(in); err != nil {
		return Student{}, err
	}
	current, err := s.store.GetStudent(ctx, id)
	if err != nil {
		return Student{}, err
	}
	current.StudentID = in.StudentID
	current.FirstName = in.FirstName
	current.LastName = in.LastName
	current.Email = in.Email
	current.Phone = in.Phone
	current.Department = in.Department
	current.YearOfStudy = in.YearOfStudy
	current.UpdatedAt = s.now()
	return s.store.UpdateStudent(ctx, current)
}

// DeleteStudent removes a student and their records.
func (s *Service) DeleteStudent(ctx context.Context, id string) error {
	return s.store.DeleteStudent(ctx, id)
}

// GetStudent returns one student.
func (s *Service) GetStudent(ctx context.Context, id string) (Student, error) {
	return s.store.GetStudent(ctx, id)
}

// ListStudents lists students matching an optional search term.
func (s *Service) ListStudents(ctx context.Context, search string) ([]Student, error) {
	return s.store.ListStudents(ctx, search)
}

// SetStudentPhoto records where the student's photo was uploaded.
func (s *Service) SetStudentPhoto(ctx context.Context, id, photoURL string) error {
	if strings.TrimSpace(photoURL) == "" {
		v := &ValidationError{}
		v.add("photo_url", "is required")
		return v
	}
	return s.store.SetStudentPhoto(ctx, id, photoURL, s.now())
}

// CreateClass validates and stores a class.
func (s *Service) CreateClass(ctx context.Context, in ClassInput) (Class, error) {
	in.ClassCode = strings.ToUpper(strings.TrimSpace(in.ClassCode))
	in.ClassName = strings.TrimSpace(in.ClassName)
	in.InstructorName = trimOptional(in.InstructorName)
	in.Department = trimOptional(in.Department)
	in.Semester = trimOptional(in.Semester)
	in.AcademicYear = trimOptional(in.AcademicYear)
	if err := s.check(in); err != nil {
		return Class{}, err
	}
	return s.store.InsertClass(ctx, Class{
		ClassCode:      in.ClassCode,
		ClassName:      in.ClassName,
		InstructorName: in.InstructorName,
		Department:     in.Department,
		Semester:       in.Semester,
		AcademicYear:   in.AcademicYear,
		CreatedAt:      s.now(),
	})
}

// GetClass returns one class.
func (s *Service) GetClass(ctx context.Context, id string) (Class, error) {
	return s.store.GetClass(ctx, id)
}

// ListClasses lists every class.
func (s *Service) ListClasses(ctx context.Context) ([]Class, error) {
	return s.store.ListClasses(ctx)
}

// Enroll adds a student to a class roster.
func (s *Service) Enroll(ctx context.Context, classID, studentID string) error {
	if _, err := s.store.GetClass(ctx, classID); err != nil {
		return err
	}
	if _, err := s.store.GetStudent(ctx, studentID); err != nil {
		return err
	}
	return s.store.Enroll(ctx, classID, studentID, s.now())
}

// Roster returns the students expected in a class.
func (s *Service) Roster(ctx context.Context, classID string) ([]Student, error) {
	return s.store.Roster(ctx, classID)
}

// CreateSession opens a session for a class. A class holds at most one active session.
func (s *Service) CreateSession(ctx context.Context, classID string, opts SessionOptions) (Session, error) {
	if err := s.check(opts); err != nil {
		return Session{}, err
	}
	class, err := s.store.GetClass(ctx, classID)
	if err != nil {
		return Session{}, err
	}
	if _, err := s.store.ActiveSession(ctx, classID); err == nil {
		return Session{}, ErrSessionActive
	} else if !errors.Is(err, ErrNotFound) {
		return Session{}, err
	}

	now := s.now()
	sess := Session{
		ClassID:   classID,
		Date:      opts.Date,
		Time:      opts.Time,
		Type:      strings.TrimSpace(opts.Type),
		Location:  strings.TrimSpace(opts.Location),
		CreatedBy: deref(class.InstructorName),
		Status:    SessionActive,
		StartedAt: now,
	}
	if sess.Date == "" {
		sess.Date = now.Format("2006-01-02")
	}
	if sess.Time == "" {
		sess.Time = now.Format("15:04:05")
	}
	if sess.Type == "" {
		sess.Type = defaultSessionType
	}
	if sess.Location == "" {
		sess.Location = defaultSessionLocation
	}
	created, err := s.store.InsertSession(ctx, sess)
	if err != nil {
		return Session{}, err
	}
	s.log(ctx).Info("session opened", "session_id", created.ID, "class_id", classID)
	return created, nil
}

// GetSession returns a session.
func (s *Service) GetSession(ctx context.Context, id string) (Session, error) {
	return s.store.GetSession(ctx, id)
}

// ActiveSession returns the open session of a class.
func (s *Service) ActiveSession(ctx context.Context, classID string) (Session, error) {
	return s.store.ActiveSession(ctx, classID)
}

// ListSessions lists sessions, newest first.
func (s *Service) ListSessions(ctx context.Context, classID string, since time.Time) ([]Session, error) {
	return s.store.ListSessions(ctx, classID, since)
}

// CloseSession ends an active session. With markAbsent every roster student
// without a record receives an absent record.
func (s *Service) CloseSession(ctx context.Context, id string, markAbsent bool) (Session, error) {
	return s.closeSession(ctx, id, markAbsent, "manual")
}

func (s *Service) closeSession(ctx context.Context, id string, markAbsent bool, reason string) (Session, error) {
	closed, err := s.store.CloseSession(ctx, id, s.now())
	if err != nil {
		return Session{}, err
	}
	if markAbsent {
		if err := s.fillAbsent(ctx, closed); err != nil {
			return Session{}, fmt.Errorf("mark absent: %w", err)
		}
	}
	if s.marks != nil {
		if err := s.marks.Forget(ctx, id); err != nil {
			s.log(ctx).Warn("forget marked set", "session_id", id, "err", err)
		}
	}
	tally, err := s.Tally(ctx, id)
	if err != nil {
		return Session{}, err
	}
	if s.observer != nil {
		s.observer.SessionClosed(reason)
	}
	s.notify(ctx, Event{Type: EventSessionClosed, SessionID: id, Tally: tally, At: s.now()})
	s.log(ctx).Info("session closed", "session_id", id, "reason", reason, "present", tally.Present, "total", tally.Total)
	return closed, nil
}

func (s *Service) fillAbsent(ctx context.Context, sess Session) error {
	roster, err := s.store.Roster(ctx, sess.ClassID)
	if err != nil {
		return err
	}
	now := s.now()
	for _, st := range roster {
		_, err := s.store.InsertRecord(ctx, Record{
			SessionID: sess.ID,
			StudentID: st.ID,
			Status:    StatusAbsent,
			MarkedAt:  now,
			UpdatedAt: now,
		})
		if err != nil && !errors.Is(err, ErrAlreadyMarked) {
			return err
		}
	}
	return nil
}

// ExpireStale closes sessions open longer than the configured maximum age and
// returns how many were closed.
func (s *Service) ExpireStale(ctx context.Context) (int, error) {
	stale, err := s.store.StaleSessions(ctx, s.now().Add(-s.maxSessionAge))
	if err != nil {
		return 0, err
	}
	closed := 0
	for _, sess := range stale {
		if _, err := s.closeSession(ctx, sess.ID, false, "expired"); err != nil {
			if errors.Is(err, ErrSessionClosed) {
				continue
			}
			return closed, fmt.Errorf("expire session %s: %w", sess.ID, err)
		}
		closed++
	}
	return closed, nil
}

// MarkResult is the outcome of a marking call.
type MarkResult struct {
	Record    Record `json:"record"`
	Duplicate bool   `json:"duplicate"`
	Tally     Tally  `json:"tally"`
}

// MarkPresent records a student as present at most once per session. A repeat
// call returns the existing record with Duplicate set.
func (s *Service) MarkPresent(ctx context.Context, sessionID, studentID string, confidence *float64) (MarkResult, error) {
	if confidence != nil && (*confidence < 0 || *confidence > 1) {
		v := &ValidationError{}
		v.add("recognition_confidence", "must be between 0 and 1")
		return MarkResult{}, v
	}
	return s.mark(ctx, sessionID, studentID, StatusPresent, confidence, "")
}

// MarkStatus lets an operator mark a student by hand, e.g. a late arrival. The
// record is not an override, since nothing was edited; the operator is kept in
// its notes.
func (s *Service) MarkStatus(ctx context.Context, sessionID, studentID string, status Status, actor string) (MarkResult, error) {
	if _, err := ParseStatus(string(status)); err != nil {
		v := &ValidationError{}
		v.add("status", "must be one of present absent late")
		return MarkResult{}, v
	}
	note := "marked by operator"
	if actor != "" {
		note = "marked by " + actor
	}
	return s.mark(ctx, sessionID, studentID, status, nil, note)
}

func (s *Service) mark(ctx context.Context, sessionID, studentID string, status Status, confidence *float64, note string) (MarkResult, error) {
	sess, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return MarkResult{}, err
	}
	if !sess.Active() {
		return MarkResult{}, ErrSessionClosed
	}

	if s.cachedMark(ctx, sessionID, studentID) {
		if existing, err := s.store.FindRecord(ctx, sessionID, studentID); err == nil {
			return s.duplicate(ctx, existing)
		}
	}

	now := s.now()
	rec, err := s.store.InsertRecord(ctx, Record{
		SessionID:      sessionID,
		StudentID:      studentID,
		Status:         status,
		MarkedAt:       now,
		Confidence:     confidence,
		Notes:          note,
		UpdatedAt:      now,
	})
	if errors.Is(err, ErrAlreadyMarked) {
		existing, findErr := s.store.FindRecord(ctx, sessionID, studentID)
		if findErr != nil {
			return MarkResult{}, findErr
		}
		s.remember(ctx, sessionID, studentID)
		return s.duplicate(ctx, existing)
	}
	if err != nil {
		s.observe("error")
		return MarkResult{}, err
	}

	s.remember(ctx, sessionID, studentID)
	tally, err := s.Tally(ctx, sessionID)
	if err != nil {
		return MarkResult{}, err
	}
	s.observe("recorded")
	s.notify(ctx, Event{Type: EventMarked, SessionID: sessionID, Record: &rec, Tally: tally, At: now})
	s.log(ctx).Info("attendance marked", "session_id", sessionID, "student_id", studentID, "status", status, "manual", note != "")
	return MarkResult{Record: rec, Tally: tally}, nil
}

func (s *Service) duplicate(ctx context.Context, rec Record) (MarkResult, error) {
	tally, err := s.Tally(ctx, rec.SessionID)
	if err != nil {
		return MarkResult{}, err
	}
	s.observe("duplicate")
	return MarkResult{Record: rec, Duplicate: true, Tally: tally}, nil
}

func (s *Service) cachedMark(ctx context.Context, sessionID, studentID string) bool {
	if s.marks == nil {
		return false
	}
	ok, err := s.marks.Contains(ctx, sessionID, studentID)
	if err != nil {
		s.log(ctx).Warn("marked set lookup", "session_id", sessionID, "err", err)
		return false
	}
	return ok
}

func (s *Service) remember(ctx context.Context, sessionID, studentID string) {
	if s.marks == nil {
		return
	}
	if err := s.marks.Add(ctx, sessionID, studentID); err != nil {
		s.log(ctx).Warn("marked set add", "session_id", sessionID, "err", err)
	}
}

func (s *Service) observe(outcome string) {
	if s.observer != nil {
		s.observer.MarkRecorded(outcome)
	}
}

func (s *Service) notify(ctx context.Context, evt Event) {
	if s.notifier != nil {
		s.notifier.Notify(ctx, evt)
	}
}

// SetStatus overwrites a record's status, always flagging it as a manual
// override, and appends the change to the record's history.
func (s *Service) SetStatus(ctx context.Context, recordID string, status Status, actor, note string) (Record, error) {
	parsed, err := ParseStatus(string(status))
	if err != nil {
		v := &ValidationError{}
		v.add("status", "must be one of present absent late")
		return Record{}, v
	}
	now := s.now()
	rec, err := s.store.OverrideStatus(ctx, recordID, parsed, StatusChange{
		RecordID:  recordID,
		To:        parsed,
		ChangedBy: actor,
		Note:      strings.TrimSpace(note),
		ChangedAt: now,
	})
	if err != nil {
		return Record{}, err
	}
	if s.observer != nil {
		s.observer.StatusOverridden(parsed)
	}
	tally, err := s.Tally(ctx, rec.SessionID)
	if err != nil {
		return Record{}, err
	}
	s.notify(ctx, Event{Type: EventUpdated, SessionID: rec.SessionID, Record: &rec, Tally: tally, At: now})
	s.log(ctx).Info("status overridden", "record_id", recordID, "status", parsed, "actor", actor)
	return rec, nil
}

// History returns the override log of a record, oldest first.
func (s *Service) History(ctx context.Context, recordID string) ([]StatusChange, error) {
	return s.store.History(ctx, recordID)
}

// MarkedSet returns the ids of students with a record in the session. The
// store is authoritative; the cache is refreshed from it.
func (s *Service) MarkedSet(ctx context.Context, sessionID string) ([]string, error) {
	if _, err := s.store.GetSession(ctx, sessionID); err != nil {
		return nil, err
	}
	recs, err := s.store.SessionRecords(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(recs))
	for _, r := range recs {
		ids = append(ids, r.StudentID)
		s.remember(ctx, sessionID, r.StudentID)
	}
	sort.Strings(ids)
	return ids, nil
}

// Unmarked returns the roster students of an active session that have no
// record yet. A closed session yields ErrSessionClosed.
func (s *Service) Unmarked(ctx context.Context, sessionID string) ([]Student, error) {
	sess, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if !sess.Active() {
		return nil, ErrSessionClosed
	}
	roster, err := s.store.Roster(ctx, sess.ClassID)
	if err != nil {
		return nil, err
	}
	recs, err := s.store.SessionRecords(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	marked := make(map[string]struct{}, len(recs))
	for _, r := range recs {
		marked[r.StudentID] = struct{}{}
	}
	out := roster[:0:0]
	for _, st := range roster {
		if _, ok := marked[st.ID]; !ok {
			out = append(out, st)
		}
	}
	return out, nil
}

// Tally counts the session's records by status.
func (s *Service) Tally(ctx context.Context, sessionID string) (Tally, error) {
	recs, err := s.store.SessionRecords(ctx, sessionID)
	if err != nil {
		return Tally{}, err
	}
	var t Tally
	for _, r := range recs {
		t.add(r.Status)
	}
	return t, nil
}

// ListRecords returns joined records matching the filter, newest first.
func (s *Service) ListRecords(ctx context.Context, f RecordFilter) ([]RecordView, error) {
	return s.store.ListRecords(ctx, f)
}

// SaveDescriptors stores a student's face descriptors. All samples must share one length.
func (s *Service) SaveDescriptors(ctx context.Context, studentID string, descs []Descriptor, quality float64) error {
	v := &ValidationError{}
	if len(descs) == 0 {
		v.add("descriptors", "is required")
	}
	for i, d := range descs {
		if len(d) == 0 || len(d) != len(descs[0]) {
			v.add("descriptors", fmt.Sprintf("sample %d has inconsistent length", i))
			break
		}
	}
	if v.HasErrors() {
		return v
	}
	now := s.now()
	if err := s.store.SaveDescriptors(ctx, StudentDescriptors{
		StudentID:   studentID,
		Descriptors: descs,
		Quality:     quality,
		UpdatedAt:   now,
	}); err != nil {
		return err
	}
	s.notify(ctx, Event{Type: EventDescriptorsSaved, StudentID: studentID, At: now})
	return nil
}

// Descriptors loads stored descriptors keyed by student id.
func (s *Service) Descriptors(ctx context.Context, studentIDs []string) (map[string]StudentDescriptors, error) {
	return s.store.Descriptors(ctx, studentIDs)
}
