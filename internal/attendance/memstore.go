package attendance

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is a mutex-guarded Store for local runs and tests.
type MemoryStore struct {
	mu          sync.RWMutex
	students    map[string]Student
	classes     map[string]Class
	enrollments map[string]map[string]time.Time
	sessions    map[string]Session
	records     map[string]Record
	marked      map[[2]string]string
	history     map[string][]StatusChange
	descriptors map[string]StudentDescriptors
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		students:    make(map[string]Student),
		classes:     make(map[string]Class),
		enrollments: make(map[string]map[string]time.Time),
		sessions:    make(map[string]Session),
		records:     make(map[string]Record),
		marked:      make(map[[2]string]string),
		history:     make(map[string][]StatusChange),
		descriptors: make(map[string]StudentDescriptors),
	}
}

var _ Store = (*MemoryStore)(nil)

func (m *MemoryStore) InsertStudent(_ context.Context, st Student) (Student, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.students {
		if existing.StudentID == st.StudentID || strings.EqualFold(existing.Email, st.Email) {
			return Student{}, ErrAlreadyExists
		}
	}
	if st.ID == "" {
		st.ID = uuid.NewString()
	}
	m.students[st.ID] = st
	return st, nil
}

func (m *MemoryStore) UpdateStudent(_ context.Context, st Student) (Student, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.students[st.ID]
	if !ok {
		return Student{}, ErrNotFound
	}
	for id, existing := range m.students {
		if id != st.ID && (existing.StudentID == st.StudentID || strings.EqualFold(existing.Email, st.Email)) {
			return Student{}, ErrAlreadyExists
		}
	}
	st.CreatedAt = current.CreatedAt
	if st.PhotoURL == nil {
		st.PhotoURL = current.PhotoURL
	}
	m.students[st.ID] = st
	return st, nil
}

func (m *MemoryStore) DeleteStudent(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.students[id]; !ok {
		return ErrNotFound
	}
	delete(m.students, id)
	delete(m.descriptors, id)
	for _, roster := range m.enrollments {
		delete(roster, id)
	}
	for rid, r := range m.records {
		if r.StudentID == id {
			delete(m.records, rid)
			delete(m.marked, [2]string{r.SessionID, r.StudentID})
			delete(m.history, rid)
		}
	}
	return nil
}

func (m *MemoryStore) GetStudent(_ context.Context, id string) (Student, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.students[id]
	if !ok {
		return Student{}, ErrNotFound
	}
	return st, nil
}

func (m *MemoryStore) ListStudents(_ context.Context, search string) ([]Student, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	q := strings.ToLower(strings.TrimSpace(search))
	out := make([]Student, 0, len(m.students))
	for _, st := range m.students {
		if q != "" && !strings.Contains(strings.ToLower(st.FirstName+" "+st.LastName+" "+st.StudentID+" "+st.Email), q) {
			continue
		}
		out = append(out, st)
	}
	sortStudents(out)
	return out, nil
}

func (m *MemoryStore) SetStudentPhoto(_ context.Context, id, photoURL string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.students[id]
	if !ok {
		return ErrNotFound
	}
	st.PhotoURL = &photoURL
	st.UpdatedAt = at
	m.students[id] = st
	return nil
}

func (m *MemoryStore) InsertClass(_ context.Context, c Class) (Class, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.classes {
		if strings.EqualFold(existing.ClassCode, c.ClassCode) {
			return Class{}, ErrAlreadyExists
		}
	}
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	m.classes[c.ID] = c
	return c, nil
}

func (m *MemoryStore) GetClass(_ context.Context, id string) (Class, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.classes[id]
	if !ok {
		return Class{}, ErrNotFound
	}
	return c, nil
}

func (m *MemoryStore) ListClasses(_ context.Context) ([]Class, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Class, 0, len(m.classes))
	for _, c := range m.classes {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ClassCode < out[j].ClassCode })
	return out, nil
}

func (m *MemoryStore) Enroll(_ context.Context, classID, studentID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.classes[classID]; !ok {
		return ErrNotFound
	}
	if _, ok := m.students[studentID]; !ok {
		return ErrNotFound
	}
	roster, ok := m.enrollments[classID]
	if !ok {
		roster = make(map[string]time.Time)
		m.enrollments[classID] = roster
	}
	if _, dup := roster[studentID]; dup {
		return ErrAlreadyExists
	}
	roster[studentID] = at
	return nil
}

func (m *MemoryStore) Roster(_ context.Context, classID string) ([]Student, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.classes[classID]; !ok {
		return nil, ErrNotFound
	}
	var out []Student
	if roster := m.enrollments[classID]; len(roster) > 0 {
		for id := range roster {
			if st, ok := m.students[id]; ok {
				out = append(out, st)
			}
		}
	} else {
		for _, st := range m.students {
			out = append(out, st)
		}
	}
	sortStudents(out)
	return out, nil
}

func (m *MemoryStore) InsertSession(_ context.Context, s Session) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s.Status == SessionActive {
		for _, existing := range m.sessions {
			if existing.ClassID == s.ClassID && existing.Active() {
				return Session{}, ErrSessionActive
			}
		}
	}
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	m.sessions[s.ID] = s
	return s, nil
}

func (m *MemoryStore) GetSession(_ context.Context, id string) (Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return Session{}, ErrNotFound
	}
	return s, nil
}

func (m *MemoryStore) ActiveSession(_ context.Context, classID string) (Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, s := range m.sessions {
		if s.ClassID == classID && s.Active() {
			return s, nil
		}
	}
	return Session{}, ErrNotFound
}

func (m *MemoryStore) ListSessions(_ context.Context, classID string, since time.Time) ([]Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Session
	for _, s := range m.sessions {
		if classID != "" && s.ClassID != classID {
			continue
		}
		if !since.IsZero() && s.StartedAt.Before(since) {
			continue
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	return out, nil
}

func (m *MemoryStore) CloseSession(_ context.Context, id string, at time.Time) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return Session{}, ErrNotFound
	}
	if !s.Active() {
		return Session{}, ErrSessionClosed
	}
	s.Status = SessionClosed
	s.ClosedAt = &at
	m.sessions[id] = s
	return s, nil
}

func (m *MemoryStore) StaleSessions(_ context.Context, startedBefore time.Time) ([]Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Session
	for _, s := range m.sessions {
		if s.Active() && s.StartedAt.Before(startedBefore) {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out, nil
}

func (m *MemoryStore) InsertRecord(_ context.Context, r Record) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[r.SessionID]; !ok {
		return Record{}, ErrNotFound
	}
	if _, ok := m.students[r.StudentID]; !ok {
		return Record{}, ErrNotFound
	}
	key := [2]string{r.SessionID, r.StudentID}
	if _, dup := m.marked[key]; dup {
		return Record{}, ErrAlreadyMarked
	}
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	m.records[r.ID] = r
	m.marked[key] = r.ID
	return r, nil
}

func (m *MemoryStore) GetRecord(_ context.Context, id string) (Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.records[id]
	if !ok {
		return Record{}, ErrNotFound
	}
	return r, nil
}

func (m *MemoryStore) FindRecord(_ context.Context, sessionID, studentID string) (Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.marked[[2]string{sessionID, studentID}]
	if !ok {
		return Record{}, ErrNotFound
	}
	return m.records[id], nil
}

func (m *MemoryStore) SessionRecords(_ context.Context, sessionID string) ([]Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Record
	for _, r := range m.records {
		if r.SessionID == sessionID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MarkedAt.Before(out[j].MarkedAt) })
	return out, nil
}

func (m *MemoryStore) OverrideStatus(_ context.Context, recordID string, status Status, change StatusChange) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[recordID]
	if !ok {
		return Record{}, ErrNotFound
	}
	if change.ID == "" {
		change.ID = uuid.NewString()
	}
	change.RecordID = recordID
	change.From = r.Status
	r.Status = status
	r.ManualOverride = true
	r.UpdatedAt = change.ChangedAt
	if change.Note != "" {
		r.Notes = change.Note
	}
	m.records[recordID] = r
	m.history[recordID] = append(m.history[recordID], change)
	return r, nil
}

func (m *MemoryStore) History(_ context.Context, recordID string) ([]StatusChange, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.records[recordID]; !ok {
		return nil, ErrNotFound
	}
	out := make([]StatusChange, len(m.history[recordID]))
	copy(out, m.history[recordID])
	return out, nil
}

func (m *MemoryStore) ListRecords(_ context.Context, f RecordFilter) ([]RecordView, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []RecordView
	for _, r := range m.records {
		st := m.students[r.StudentID]
		sess := m.sessions[r.SessionID]
		cls := m.classes[sess.ClassID]
		v := RecordView{
			Record:      r,
			StudentCode: st.StudentID,
			FirstName:   st.FirstName,
			LastName:    st.LastName,
			Department:  st.Department,
			ClassID:     cls.ID,
			ClassCode:   cls.ClassCode,
			ClassName:   cls.ClassName,
		}
		if f.Matches(v) {
			out = append(out, v)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MarkedAt.After(out[j].MarkedAt) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (m *MemoryStore) SaveDescriptors(_ context.Context, d StudentDescriptors) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.students[d.StudentID]; !ok {
		return ErrNotFound
	}
	m.descriptors[d.StudentID] = d
	return nil
}

func (m *MemoryStore) Descriptors(_ context.Context, studentIDs []string) (map[string]StudentDescriptors, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]StudentDescriptors, len(studentIDs))
	for _, id := range studentIDs {
		if d, ok := m.descriptors[id]; ok {
			out[id] = d
		}
	}
	return out, nil
}

func sortStudents(s []Student) {
	sort.Slice(s, func(i, j int) bool {
		if s[i].LastName != s[j].LastName {
			return s[i].LastName < s[j].LastName
		}
		return s[i].StudentID < s[j].StudentID
	})
}
