package attendance

import (
	"context"
	"time"
)

// Store is the persistence collaborator behind the service. Implementations must
// enforce at most one record per (session, student) and at most one active
// session per class, reporting violations as ErrAlreadyMarked and ErrSessionActive.
type Store interface {
	InsertStudent(ctx context.Context, st Student) (Student, error)
	UpdateStudent(ctx context.Context, st Student) (Student, error)
	DeleteStudent(ctx context.Context, id string) error
	GetStudent(ctx context.Context, id string) (Student, error)
	ListStudents(ctx context.Context, search string) ([]Student, error)
	SetStudentPhoto(ctx context.Context, id, photoURL string, at time.Time) error

	InsertClass(ctx context.Context, c Class) (Class, error)
	GetClass(ctx context.Context, id string) (Class, error)
	ListClasses(ctx context.Context) ([]Class, error)
	Enroll(ctx context.Context, classID, studentID string, at time.Time) error
	// Roster returns the students enrolled in a class, or every student when
	// the class has no enrollments.
	Roster(ctx context.Context, classID string) ([]Student, error)

	InsertSession(ctx context.Context, s Session) (Session, error)
	GetSession(ctx context.Context, id string) (Session, error)
	ActiveSession(ctx context.Context, classID string) (Session, error)
	ListSessions(ctx context.Context, classID string, since time.Time) ([]Session, error)
	CloseSession(ctx context.Context, id string, at time.Time) (Session, error)
	StaleSessions(ctx context.Context, startedBefore time.Time) ([]Session, error)

	InsertRecord(ctx context.Context, r Record) (Record, error)
	GetRecord(ctx context.Context, id string) (Record, error)
	FindRecord(ctx context.Context, sessionID, studentID string) (Record, error)
	SessionRecords(ctx context.Context, sessionID string) ([]Record, error)
	// OverrideStatus updates the record and appends the change atomically.
	OverrideStatus(ctx context.Context, recordID string, status Status, change StatusChange) (Record, error)
	History(ctx context.Context, recordID string) ([]StatusChange, error)
	ListRecords(ctx context.Context, f RecordFilter) ([]RecordView, error)

	SaveDescriptors(ctx context.Context, d StudentDescriptors) error
	Descriptors(ctx context.Context, studentIDs []string) (map[string]StudentDescriptors, error)
}

// MarkCache mirrors each session's marked set outside the store so hot paths
// can skip students that are already recorded.
type MarkCache interface {
	Add(ctx context.Context, sessionID, studentID string) error
	Contains(ctx context.Context, sessionID, studentID string) (bool, error)
	Forget(ctx context.Context, sessionID string) error
}

// Notifier receives domain events for live observers.
type Notifier interface {
	Notify(ctx context.Context, evt Event)
}

// Event is published after a session, record or enrollment changes.
type Event struct {
	Type      string    `json:"type"`
	SessionID string    `json:"session_id,omitempty"`
	StudentID string    `json:"student_id,omitempty"`
	Record    *Record   `json:"record,omitempty"`
	Tally     Tally     `json:"tally"`
	At        time.Time `json:"at"`
}

const (
	EventMarked        = "attendance.marked"
	EventUpdated       = "attendance.updated"
	EventSessionClosed = "session.closed"

	// EventDescriptorsSaved carries StudentID and no session.
	EventDescriptorsSaved = "descriptors.saved"
)

// Notifiers fans an event out to several notifiers in order.
type Notifiers []Notifier

// Notify implements Notifier.
func (ns Notifiers) Notify(ctx context.Context, evt Event) {
	for _, n := range ns {
		if n != nil {
			n.Notify(ctx, evt)
		}
	}
}
