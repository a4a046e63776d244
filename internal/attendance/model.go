package attendance

import (
	"fmt"
	"strings"
	"time"
)

// Status is the presence state of a student within a session.
type Status string

const (
	StatusPresent Status = "present"
	StatusAbsent  Status = "absent"
	StatusLate    Status = "late"
)

// ParseStatus validates a raw status value.
func ParseStatus(s string) (Status, error) {
	switch st := Status(strings.ToLower(strings.TrimSpace(s))); st {
	case StatusPresent, StatusAbsent, StatusLate:
		return st, nil
	}
	return "", fmt.Errorf("unknown attendance status %q", s)
}

// SessionStatus is the lifecycle state of an attendance session.
type SessionStatus string

const (
	SessionActive SessionStatus = "active"
	SessionClosed SessionStatus = "closed"
)

// Student is an enrolled person that can be marked present.
type Student struct {
	ID          string    `json:"id"`
	StudentID   string    `json:"student_id"`
	FirstName   string    `json:"first_name"`
	LastName    string    `json:"last_name"`
	Email       string    `json:"email"`
	Phone       *string   `json:"phone,omitempty"`
	Department  *string   `json:"department,omitempty"`
	YearOfStudy *int      `json:"year_of_study,omitempty"`
	PhotoURL    *string   `json:"photo_url,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// FullName joins first and last name.
func (s Student) FullName() string {
	return strings.TrimSpace(s.FirstName + " " + s.LastName)
}

// Class is a course offering attendance is taken for.
type Class struct {
	ID             string    `json:"id"`
	ClassCode      string    `json:"class_code"`
	ClassName      string    `json:"class_name"`
	InstructorName *string   `json:"instructor_name,omitempty"`
	Department     *string   `json:"department,omitempty"`
	Semester       *string   `json:"semester,omitempty"`
	AcademicYear   *string   `json:"academic_year,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// Session is one attendance-taking event for a class.
type Session struct {
	ID        string        `json:"id"`
	ClassID   string        `json:"class_id"`
	Date      string        `json:"session_date"`
	Time      string        `json:"session_time"`
	Type      string        `json:"session_type"`
	Location  string        `json:"location"`
	CreatedBy string        `json:"created_by"`
	Status    SessionStatus `json:"status"`
	StartedAt time.Time     `json:"started_at"`
	ClosedAt  *time.Time    `json:"closed_at,omitempty"`
}

// Active reports whether attendance may still be recorded.
func (s Session) Active() bool { return s.Status == SessionActive }

// Record is the attendance of one student in one session.
type Record struct {
	ID             string    `json:"id"`
	SessionID      string    `json:"session_id"`
	StudentID      string    `json:"student_id"`
	Status         Status    `json:"status"`
	MarkedAt       time.Time `json:"marked_at"`
	Confidence     *float64  `json:"recognition_confidence,omitempty"`
	ManualOverride bool      `json:"manual_override"`
	Notes          string    `json:"notes,omitempty"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// RecordView is a record joined with its student and class for reporting.
type RecordView struct {
	Record
	StudentCode string  `json:"student_code"`
	FirstName   string  `json:"first_name"`
	LastName    string  `json:"last_name"`
	Department  *string `json:"department,omitempty"`
	ClassID     string  `json:"class_id"`
	ClassCode   string  `json:"class_code"`
	ClassName   string  `json:"class_name"`
}

// StudentName joins the student's first and last name.
func (v RecordView) StudentName() string {
	return strings.TrimSpace(v.FirstName + " " + v.LastName)
}

// StatusChange is one append-only entry in a record's override history.
type StatusChange struct {
	ID        string    `json:"id"`
	RecordID  string    `json:"record_id"`
	From      Status    `json:"from_status"`
	To        Status    `json:"to_status"`
	ChangedBy string    `json:"changed_by"`
	Note      string    `json:"note,omitempty"`
	ChangedAt time.Time `json:"changed_at"`
}

// Tally counts a session's records by status.
type Tally struct {
	Present int `json:"present"`
	Late    int `json:"late"`
	Absent  int `json:"absent"`
	Total   int `json:"total"`
}

func (t *Tally) add(s Status) {
	switch s {
	case StatusPresent:
		t.Present++
	case StatusLate:
		t.Late++
	case StatusAbsent:
		t.Absent++
	}
	t.Total++
}

// RecordFilter narrows record listings. Zero values mean "no filter".
type RecordFilter struct {
	ClassID   string
	SessionID string
	Status    Status
	Search    string
	Since     time.Time
	Limit     int
}

// Matches applies the filter to a joined record.
func (f RecordFilter) Matches(v RecordView) bool {
	if f.ClassID != "" && v.ClassID != f.ClassID {
		return false
	}
	if f.SessionID != "" && v.SessionID != f.SessionID {
		return false
	}
	if f.Status != "" && v.Status != f.Status {
		return false
	}
	if !f.Since.IsZero() && v.MarkedAt.Before(f.Since) {
		return false
	}
	if q := strings.ToLower(strings.TrimSpace(f.Search)); q != "" {
		for _, field := range []string{v.FirstName, v.LastName, v.StudentCode, v.ClassCode} {
			if strings.Contains(strings.ToLower(field), q) {
				return true
			}
		}
		return false
	}
	return true
}

// Descriptor is a face embedding stored for a student.
type Descriptor []float32

// StudentDescriptors holds every stored descriptor sample of a student.
type StudentDescriptors struct {
	StudentID   string       `json:"student_id"`
	Descriptors []Descriptor `json:"descriptors"`
	Quality     float64      `json:"quality"`
	UpdatedAt   time.Time    `json:"updated_at"`
}
