package attendance

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"
)

// Repository persists attendance data in Postgres.
type Repository struct {
	db *sql.DB
}

// NewRepository creates a repo.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

var _ Store = (*Repository)(nil)

const (
	uniqueViolation = "23505"
	fkViolation     = "23503"

	// Raised when an id is not a valid uuid.
	invalidTextRepresentation = "22P02"

	activeSessionIndex = "uq_attendance_sessions_one_active"
	recordPairKey      = "uq_attendance_session_student"
)

// mapPGError translates constraint violations and malformed ids into domain sentinels.
func mapPGError(err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	switch pgErr.Code {
	case uniqueViolation:
		switch pgErr.ConstraintName {
		case activeSessionIndex:
			return ErrSessionActive
		case recordPairKey:
			return ErrAlreadyMarked
		}
		return fmt.Errorf("%w: %s", ErrAlreadyExists, pgErr.ConstraintName)
	case fkViolation:
		return fmt.Errorf("%w: %s", ErrNotFound, pgErr.ConstraintName)
	case invalidTextRepresentation:
		return ErrNotFound
	}
	return err
}

func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return mapPGError(err)
}

const studentColumns = `id, student_id, first_name, last_name, email, phone, department, year_of_study, photo_url, created_at, updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanStudent(row scanner) (Student, error) {
	var st Student
	err := row.Scan(&st.ID, &st.StudentID, &st.FirstName, &st.LastName, &st.Email, &st.Phone,
		&st.Department, &st.YearOfStudy, &st.PhotoURL, &st.CreatedAt, &st.UpdatedAt)
	return st, err
}

// InsertStudent writes a new student.
func (r *Repository) InsertStudent(ctx context.Context, st Student) (Student, error) {
	if st.ID == "" {
		st.ID = uuid.NewString()
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO students (id, student_id, first_name, last_name, email, phone, department, year_of_study, photo_url, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
	`, st.ID, st.StudentID, st.FirstName, st.LastName, st.Email, st.Phone, st.Department, st.YearOfStudy, st.PhotoURL, st.CreatedAt, st.UpdatedAt)
	if err != nil {
		return Student{}, mapPGError(err)
	}
	return st, nil
}

// UpdateStudent overwrites the mutable profile fields. A nil photo keeps the stored one.
func (r *Repository) UpdateStudent(ctx context.Context, st Student) (Student, error) {
	row := r.db.QueryRowContext(ctx, `
		UPDATE students
		SET student_id = $2, first_name = $3, last_name = $4, email = $5, phone = $6,
			department = $7, year_of_study = $8, photo_url = COALESCE($9, photo_url), updated_at = $10
		WHERE id = $1
		RETURNING `+studentColumns,
		st.ID, st.StudentID, st.FirstName, st.LastName, st.Email, st.Phone, st.Department, st.YearOfStudy, st.PhotoURL, st.UpdatedAt)
	updated, err := scanStudent(row)
	if err != nil {
		return Student{}, mapPGError(notFound(err))
	}
	return updated, nil
}

// DeleteStudent removes a student; records cascade.
func (r *Repository) DeleteStudent(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM students WHERE id = $1`, id)
	if err != nil {
		return mapPGError(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// GetStudent returns a single student by id.
func (r *Repository) GetStudent(ctx context.Context, id string) (Student, error) {
	st, err := scanStudent(r.db.QueryRowContext(ctx, `SELECT `+studentColumns+` FROM students WHERE id = $1`, id))
	if err != nil {
		return Student{}, notFound(err)
	}
	return st, nil
}

// ListStudents returns students ordered by last name, optionally filtered by a search term.
func (r *Repository) ListStudents(ctx context.Context, search string) ([]Student, error) {
	query := `SELECT ` + studentColumns + ` FROM students`
	var args []any
	if q := strings.TrimSpace(search); q != "" {
		query += ` WHERE first_name || ' ' || last_name || ' ' || student_id || ' ' || email ILIKE $1`
		args = append(args, "%"+q+"%")
	}
	query += ` ORDER BY last_name, student_id`
	return r.queryStudents(ctx, query, args...)
}

func (r *Repository) queryStudents(ctx context.Context, query string, args ...any) ([]Student, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []Student
	for rows.Next() {
		st, err := scanStudent(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, st)
	}
	return res, rows.Err()
}

// SetStudentPhoto stores the uploaded photo location.
func (r *Repository) SetStudentPhoto(ctx context.Context, id, photoURL string, at time.Time) error {
	res, err := r.db.ExecContext(ctx, `UPDATE students SET photo_url = $2, updated_at = $3 WHERE id = $1`, id, photoURL, at)
	if err != nil {
		return mapPGError(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

const classColumns = `id, class_code, class_name, instructor_name, department, semester, academic_year, created_at`

func scanClass(row scanner) (Class, error) {
	var c Class
	err := row.Scan(&c.ID, &c.ClassCode, &c.ClassName, &c.InstructorName, &c.Department, &c.Semester, &c.AcademicYear, &c.CreatedAt)
	return c, err
}

// InsertClass writes a new class.
func (r *Repository) InsertClass(ctx context.Context, c Class) (Class, error) {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO classes (id, class_code, class_name, instructor_name, department, semester, academic_year, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, c.ID, c.ClassCode, c.ClassName, c.InstructorName, c.Department, c.Semester, c.AcademicYear, c.CreatedAt)
	if err != nil {
		return Class{}, mapPGError(err)
	}
	return c, nil
}

// GetClass returns a class by id.
func (r *Repository) GetClass(ctx context.Context, id string) (Class, error) {
	c, err := scanClass(r.db.QueryRowContext(ctx, `SELECT `+classColumns+` FROM classes WHERE id = $1`, id))
	if err != nil {
		return Class{}, notFound(err)
	}
	return c, nil
}

// ListClasses returns classes ordered by code.
func (r *Repository) ListClasses(ctx context.Context) ([]Class, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+classColumns+` FROM classes ORDER BY class_code`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []Class
	for rows.Next() {
		c, err := scanClass(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

// Enroll links a student to a class.
func (r *Repository) Enroll(ctx context.Context, classID, studentID string, at time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO student_classes (student_id, class_id, enrolled_at) VALUES ($1, $2, $3)
	`, studentID, classID, at)
	return mapPGError(err)
}

// Roster returns enrolled students, or every student when nobody is enrolled.
func (r *Repository) Roster(ctx context.Context, classID string) ([]Student, error) {
	if _, err := r.GetClass(ctx, classID); err != nil {
		return nil, err
	}
	return r.queryStudents(ctx, `
		SELECT `+studentColumns+` FROM students s
		WHERE NOT EXISTS (SELECT 1 FROM student_classes WHERE class_id = $1)
		   OR EXISTS (SELECT 1 FROM student_classes sc WHERE sc.class_id = $1 AND sc.student_id = s.id)
		ORDER BY last_name, student_id
	`, classID)
}

const sessionColumns = `id, class_id, session_date::text, session_time::text, session_type, location, created_by, status, started_at, closed_at`

func scanSession(row scanner) (Session, error) {
	var s Session
	var closed sql.NullTime
	err := row.Scan(&s.ID, &s.ClassID, &s.Date, &s.Time, &s.Type, &s.Location, &s.CreatedBy, &s.Status, &s.StartedAt, &closed)
	if closed.Valid {
		t := closed.Time
		s.ClosedAt = &t
	}
	return s, err
}

// InsertSession writes a session; the partial unique index rejects a second active one per class.
func (r *Repository) InsertSession(ctx context.Context, s Session) (Session, error) {
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO attendance_sessions (id, class_id, session_date, session_time, session_type, location, created_by, status, started_at)
		VALUES ($1, $2, $3::text::date, $4::text::time, $5, $6, $7, $8, $9)
	`, s.ID, s.ClassID, s.Date, s.Time, s.Type, s.Location, s.CreatedBy, s.Status, s.StartedAt)
	if err != nil {
		return Session{}, mapPGError(err)
	}
	return s, nil
}

// GetSession returns a session by id.
func (r *Repository) GetSession(ctx context.Context, id string) (Session, error) {
	s, err := scanSession(r.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM attendance_sessions WHERE id = $1`, id))
	if err != nil {
		return Session{}, notFound(err)
	}
	return s, nil
}

// ActiveSession returns the open session of a class.
func (r *Repository) ActiveSession(ctx context.Context, classID string) (Session, error) {
	s, err := scanSession(r.db.QueryRowContext(ctx, `
		SELECT `+sessionColumns+` FROM attendance_sessions WHERE class_id = $1 AND status = 'active'
	`, classID))
	if err != nil {
		return Session{}, notFound(err)
	}
	return s, nil
}

// ListSessions returns sessions newest first.
func (r *Repository) ListSessions(ctx context.Context, classID string, since time.Time) ([]Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM attendance_sessions`
	var args []any
	var clauses []string
	if classID != "" {
		args = append(args, classID)
		clauses = append(clauses, fmt.Sprintf("class_id = $%d", len(args)))
	}
	if !since.IsZero() {
		args = append(args, since)
		clauses = append(clauses, fmt.Sprintf("started_at >= $%d", len(args)))
	}
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY started_at DESC"
	return r.querySessions(ctx, query, args...)
}

func (r *Repository) querySessions(ctx context.Context, query string, args ...any) ([]Session, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, mapPGError(err)
	}
	defer rows.Close()
	var res []Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

// CloseSession transitions an active session to closed.
func (r *Repository) CloseSession(ctx context.Context, id string, at time.Time) (Session, error) {
	s, err := scanSession(r.db.QueryRowContext(ctx, `
		UPDATE attendance_sessions SET status = 'closed', closed_at = $2
		WHERE id = $1 AND status = 'active'
		RETURNING `+sessionColumns,
		id, at))
	if err == nil {
		return s, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return Session{}, mapPGError(err)
	}
	if _, getErr := r.GetSession(ctx, id); getErr != nil {
		return Session{}, getErr
	}
	return Session{}, ErrSessionClosed
}

// StaleSessions returns active sessions started before the cutoff.
func (r *Repository) StaleSessions(ctx context.Context, startedBefore time.Time) ([]Session, error) {
	return r.querySessions(ctx, `
		SELECT `+sessionColumns+` FROM attendance_sessions
		WHERE status = 'active' AND started_at < $1
		ORDER BY started_at
	`, startedBefore)
}

const recordColumns = `a.id, a.session_id, a.student_id, a.status, a.marked_at, a.recognition_confidence, a.manual_override, a.notes, a.updated_at`

func scanRecord(row scanner, extra ...any) (Record, error) {
	var rec Record
	dest := []any{&rec.ID, &rec.SessionID, &rec.StudentID, &rec.Status, &rec.MarkedAt, &rec.Confidence, &rec.ManualOverride, &rec.Notes, &rec.UpdatedAt}
	err := row.Scan(append(dest, extra...)...)
	return rec, err
}

// InsertRecord writes a record once per (session, student); a conflict yields ErrAlreadyMarked.
func (r *Repository) InsertRecord(ctx context.Context, rec Record) (Record, error) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO attendance (id, session_id, student_id, status, marked_at, recognition_confidence, manual_override, notes, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		ON CONFLICT ON CONSTRAINT `+recordPairKey+` DO NOTHING
	`, rec.ID, rec.SessionID, rec.StudentID, rec.Status, rec.MarkedAt, rec.Confidence, rec.ManualOverride, rec.Notes, rec.UpdatedAt)
	if err != nil {
		return Record{}, mapPGError(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return Record{}, ErrAlreadyMarked
	}
	return rec, nil
}

// GetRecord returns a record by id.
func (r *Repository) GetRecord(ctx context.Context, id string) (Record, error) {
	rec, err := scanRecord(r.db.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM attendance a WHERE a.id = $1`, id))
	if err != nil {
		return Record{}, notFound(err)
	}
	return rec, nil
}

// FindRecord returns the record of a student in a session.
func (r *Repository) FindRecord(ctx context.Context, sessionID, studentID string) (Record, error) {
	rec, err := scanRecord(r.db.QueryRowContext(ctx, `
		SELECT `+recordColumns+` FROM attendance a WHERE a.session_id = $1 AND a.student_id = $2
	`, sessionID, studentID))
	if err != nil {
		return Record{}, notFound(err)
	}
	return rec, nil
}

// SessionRecords returns every record of a session in marking order.
func (r *Repository) SessionRecords(ctx context.Context, sessionID string) ([]Record, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+recordColumns+` FROM attendance a WHERE a.session_id = $1 ORDER BY a.marked_at
	`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, rec)
	}
	return res, rows.Err()
}

// OverrideStatus updates the record in place and appends the change in one transaction.
func (r *Repository) OverrideStatus(ctx context.Context, recordID string, status Status, change StatusChange) (Record, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return Record{}, err
	}
	defer func() { _ = tx.Rollback() }()

	var from Status
	if err := tx.QueryRowContext(ctx, `SELECT status FROM attendance WHERE id = $1 FOR UPDATE`, recordID).Scan(&from); err != nil {
		return Record{}, notFound(err)
	}
	rec, err := scanRecord(tx.QueryRowContext(ctx, `
		UPDATE attendance a
		SET status = $2, manual_override = TRUE, updated_at = $3,
			notes = CASE WHEN $4 = '' THEN a.notes ELSE $4 END
		WHERE a.id = $1
		RETURNING `+recordColumns,
		recordID, status, change.ChangedAt, change.Note))
	if err != nil {
		return Record{}, err
	}
	if change.ID == "" {
		change.ID = uuid.NewString()
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO attendance_status_changes (id, record_id, from_status, to_status, changed_by, note, changed_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`, change.ID, recordID, from, status, change.ChangedBy, change.Note, change.ChangedAt); err != nil {
		return Record{}, err
	}
	if err := tx.Commit(); err != nil {
		return Record{}, err
	}
	return rec, nil
}

// History returns a record's status changes, oldest first.
func (r *Repository) History(ctx context.Context, recordID string) ([]StatusChange, error) {
	if _, err := r.GetRecord(ctx, recordID); err != nil {
		return nil, err
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, record_id, from_status, to_status, changed_by, note, changed_at
		FROM attendance_status_changes WHERE record_id = $1 ORDER BY changed_at, id
	`, recordID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []StatusChange
	for rows.Next() {
		var c StatusChange
		if err := rows.Scan(&c.ID, &c.RecordID, &c.From, &c.To, &c.ChangedBy, &c.Note, &c.ChangedAt); err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

// recordsQuery builds the joined listing for f with positional arguments.
func recordsQuery(f RecordFilter) (string, []any) {
	query := `
		SELECT ` + recordColumns + `, s.student_id, s.first_name, s.last_name, s.department, c.id, c.class_code, c.class_name
		FROM attendance a
		JOIN students s ON s.id = a.student_id
		JOIN attendance_sessions se ON se.id = a.session_id
		JOIN classes c ON c.id = se.class_id`
	var args []any
	var clauses []string
	add := func(clause string, v any) {
		args = append(args, v)
		clauses = append(clauses, fmt.Sprintf(clause, len(args)))
	}
	if f.ClassID != "" {
		add("se.class_id = $%d", f.ClassID)
	}
	if f.SessionID != "" {
		add("a.session_id = $%d", f.SessionID)
	}
	if f.Status != "" {
		add("a.status = $%d", f.Status)
	}
	if !f.Since.IsZero() {
		add("a.marked_at >= $%d", f.Since)
	}
	if q := strings.TrimSpace(f.Search); q != "" {
		add("(s.first_name ILIKE $%[1]d OR s.last_name ILIKE $%[1]d OR s.student_id ILIKE $%[1]d OR c.class_code ILIKE $%[1]d)", "%"+q+"%")
	}
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY a.marked_at DESC"
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	return query, args
}

// ListRecords returns records joined with student and class, newest first.
func (r *Repository) ListRecords(ctx context.Context, f RecordFilter) ([]RecordView, error) {
	query, args := recordsQuery(f)
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, mapPGError(err)
	}
	defer rows.Close()
	var res []RecordView
	for rows.Next() {
		var v RecordView
		rec, err := scanRecord(rows, &v.StudentCode, &v.FirstName, &v.LastName, &v.Department, &v.ClassID, &v.ClassCode, &v.ClassName)
		if err != nil {
			return nil, err
		}
		v.Record = rec
		res = append(res, v)
	}
	return res, rows.Err()
}

// SaveDescriptors replaces a student's stored face descriptors.
func (r *Repository) SaveDescriptors(ctx context.Context, d StudentDescriptors) error {
	payload, err := json.Marshal(d.Descriptors)
	if err != nil {
		return fmt.Errorf("encode descriptors: %w", err)
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO face_descriptors (student_id, descriptors, quality, updated_at)
		VALUES ($1, $2::text::jsonb, $3, $4)
		ON CONFLICT (student_id) DO UPDATE SET
			descriptors = EXCLUDED.descriptors,
			quality = EXCLUDED.quality,
			updated_at = EXCLUDED.updated_at
	`, d.StudentID, string(payload), d.Quality, d.UpdatedAt)
	return mapPGError(err)
}

// Descriptors loads stored descriptors for the given students.
func (r *Repository) Descriptors(ctx context.Context, studentIDs []string) (map[string]StudentDescriptors, error) {
	out := make(map[string]StudentDescriptors, len(studentIDs))
	if len(studentIDs) == 0 {
		return out, nil
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT student_id, descriptors::text, quality, updated_at
		FROM face_descriptors WHERE student_id::text = ANY($1::text[])
	`, pq.Array(studentIDs))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var d StudentDescriptors
		var raw string
		if err := rows.Scan(&d.StudentID, &raw, &d.Quality, &d.UpdatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(raw), &d.Descriptors); err != nil {
			return nil, fmt.Errorf("decode descriptors for %s: %w", d.StudentID, err)
		}
		out[d.StudentID] = d
	}
	return out, rows.Err()
}
