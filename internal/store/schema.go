package store

var schema = []string{
	`CREATE TABLE IF NOT EXISTS students (
		id            UUID PRIMARY KEY,
		student_id    TEXT NOT NULL,
		first_name    TEXT NOT NULL,
		last_name     TEXT NOT NULL,
		email         TEXT NOT NULL,
		phone         TEXT,
		department    TEXT,
		year_of_study INT CHECK (year_of_study BETWEEN 1 AND 10),
		photo_url     TEXT,
		created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		CONSTRAINT uq_students_student_id UNIQUE (student_id),
		CONSTRAINT uq_students_email UNIQUE (email)
	)`,
	`CREATE TABLE IF NOT EXISTS classes (
		id              UUID PRIMARY KEY,
		class_code      TEXT NOT NULL,
		class_name      TEXT NOT NULL,
		instructor_name TEXT,
		department      TEXT,
		semester        TEXT,
		academic_year   TEXT,
		created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		CONSTRAINT uq_classes_code UNIQUE (class_code)
	)`,
	`CREATE TABLE IF NOT EXISTS student_classes (
		student_id  UUID NOT NULL REFERENCES students(id) ON DELETE CASCADE,
		class_id    UUID NOT NULL REFERENCES classes(id) ON DELETE CASCADE,
		enrolled_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		PRIMARY KEY (student_id, class_id)
	)`,
	`CREATE TABLE IF NOT EXISTS attendance_sessions (
		id           UUID PRIMARY KEY,
		class_id     UUID NOT NULL REFERENCES classes(id) ON DELETE CASCADE,
		session_date DATE NOT NULL,
		session_time TIME NOT NULL,
		session_type TEXT NOT NULL DEFAULT 'lecture',
		location     TEXT NOT NULL DEFAULT 'Classroom',
		created_by   TEXT NOT NULL DEFAULT '',
		status       TEXT NOT NULL DEFAULT 'active' CHECK (status IN ('active', 'closed')),
		started_at   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		closed_at    TIMESTAMPTZ
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS uq_attendance_sessions_one_active
		ON attendance_sessions (class_id) WHERE status = 'active'`,
	`CREATE INDEX IF NOT EXISTS idx_attendance_sessions_started ON attendance_sessions (started_at)`,
	`CREATE TABLE IF NOT EXISTS attendance (
		id                     UUID PRIMARY KEY,
		session_id             UUID NOT NULL REFERENCES attendance_sessions(id) ON DELETE CASCADE,
		student_id             UUID NOT NULL REFERENCES students(id) ON DELETE CASCADE,
		status                 TEXT NOT NULL CHECK (status IN ('present', 'absent', 'late')),
		marked_at              TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		recognition_confidence DOUBLE PRECISION CHECK (recognition_confidence BETWEEN 0 AND 1),
		manual_override        BOOLEAN NOT NULL DEFAULT FALSE,
		notes                  TEXT NOT NULL DEFAULT '',
		updated_at             TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		CONSTRAINT uq_attendance_session_student UNIQUE (session_id, student_id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_attendance_marked_at ON attendance (marked_at DESC)`,
	`CREATE TABLE IF NOT EXISTS attendance_status_changes (
		id          UUID PRIMARY KEY,
		record_id   UUID NOT NULL REFERENCES attendance(id) ON DELETE CASCADE,
		from_status TEXT NOT NULL,
		to_status   TEXT NOT NULL,
		changed_by  TEXT NOT NULL,
		note        TEXT NOT NULL DEFAULT '',
		changed_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_status_changes_record ON attendance_status_changes (record_id, changed_at)`,
	`CREATE TABLE IF NOT EXISTS face_descriptors (
		student_id  UUID PRIMARY KEY REFERENCES students(id) ON DELETE CASCADE,
		descriptors JSONB NOT NULL,
		quality     DOUBLE PRECISION NOT NULL DEFAULT 0,
		updated_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
}
