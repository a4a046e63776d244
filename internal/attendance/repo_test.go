package attendance

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

// stubConn is a database/sql connection that answers every statement with
// the configured result, recording the SQL it was given.
type stubConn struct {
	mu       sync.Mutex
	execErr  error
	queryErr error
	affected int64
	queries  []string
}

func (c *stubConn) Prepare(string) (driver.Stmt, error) {
	return nil, errors.New("prepare not supported")
}

func (c *stubConn) Close() error { return nil }

func (c *stubConn) Begin() (driver.Tx, error) {
	return nil, errors.New("tx not supported")
}

func (c *stubConn) ExecContext(_ context.Context, query string, _ []driver.NamedValue) (driver.Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.queries = append(c.queries, query)
	if c.execErr != nil {
		return nil, c.execErr
	}
	return driver.RowsAffected(c.affected), nil
}

func (c *stubConn) QueryContext(_ context.Context, query string, _ []driver.NamedValue) (driver.Rows, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.queries = append(c.queries, query)
	if c.queryErr != nil {
		return nil, c.queryErr
	}
	return nil, errors.New("rows not supported")
}

func (c *stubConn) lastQuery() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.queries) == 0 {
		return ""
	}
	return c.queries[len(c.queries)-1]
}

type stubConnector struct{ conn *stubConn }

func (s stubConnector) Connect(context.Context) (driver.Conn, error) {
	return s.conn, nil
}

func (s stubConnector) Driver() driver.Driver {
	return stubDriver{s.conn}
}

type stubDriver struct{ conn *stubConn }

func (d stubDriver) Open(string) (driver.Conn, error) { return d.conn, nil }

func newStubRepo(t *testing.T, conn *stubConn) *Repository {
	t.Helper()
	db := sql.OpenDB(stubConnector{conn})
	t.Cleanup(func() { _ = db.Close() })
	return NewRepository(db)
}

func TestMapPGError(t *testing.T) {
	plain := errors.New("connection reset")
	serialization := &pgconn.PgError{Code: "40001"}
	cases := []struct {
		name string
		err  error
		want error
	}{
		{"active session", &pgconn.PgError{Code: uniqueViolation, ConstraintName: activeSessionIndex}, ErrSessionActive},
		{"record pair", &pgconn.PgError{Code: uniqueViolation, ConstraintName: recordPairKey}, ErrAlreadyMarked},
		{"other unique", &pgconn.PgError{Code: uniqueViolation, ConstraintName: "students_student_id_key"}, ErrAlreadyExists},
		{"wrapped unique", fmt.Errorf("insert: %w", &pgconn.PgError{Code: uniqueViolation, ConstraintName: recordPairKey}), ErrAlreadyMarked},
		{"foreign key", &pgconn.PgError{Code: fkViolation, ConstraintName: "attendance_student_id_fkey"}, ErrNotFound},
		{"malformed uuid", &pgconn.PgError{Code: invalidTextRepresentation}, ErrNotFound},
		{"other code", serialization, serialization},
		{"not postgres", plain, plain},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := mapPGError(tc.err); !errors.Is(got, tc.want) {
				t.Fatalf("mapPGError = %v, want %v", got, tc.want)
			}
		})
	}
	if mapPGError(nil) != nil {
		t.Fatal("nil must stay nil")
	}
}

func TestInsertRecordConflictIsAlreadyMarked(t *testing.T) {
	conn := &stubConn{affected: 0}
	repo := newStubRepo(t, conn)
	now := time.Now()

	_, err := repo.InsertRecord(context.Background(), Record{SessionID: "s1", StudentID: "st1", Status: StatusPresent, MarkedAt: now, UpdatedAt: now})
	if !errors.Is(err, ErrAlreadyMarked) {
		t.Fatalf("zero affected rows: got %v, want ErrAlreadyMarked", err)
	}
	if q := conn.lastQuery(); !strings.Contains(q, "ON CONFLICT ON CONSTRAINT "+recordPairKey+" DO NOTHING") {
		t.Fatalf("insert does not rely on the unique pair: %s", q)
	}

	conn.affected = 1
	rec, err := repo.InsertRecord(context.Background(), Record{SessionID: "s1", StudentID: "st2", Status: StatusPresent, MarkedAt: now, UpdatedAt: now})
	if err != nil || rec.ID == "" {
		t.Fatalf("insert: %+v %v", rec, err)
	}
}

func TestInsertSessionSecondActive(t *testing.T) {
	conn := &stubConn{execErr: &pgconn.PgError{Code: uniqueViolation, ConstraintName: activeSessionIndex}}
	repo := newStubRepo(t, conn)
	_, err := repo.InsertSession(context.Background(), Session{ClassID: "c1", Date: "2024-03-01", Time: "09:00", Status: SessionActive, StartedAt: time.Now()})
	if !errors.Is(err, ErrSessionActive) {
		t.Fatalf("got %v, want ErrSessionActive", err)
	}
}

func TestMalformedIDIsNotFound(t *testing.T) {
	malformed := &pgconn.PgError{Code: invalidTextRepresentation, Message: `invalid input syntax for type uuid: "abc"`}
	repo := newStubRepo(t, &stubConn{execErr: malformed, queryErr: malformed})
	ctx := context.Background()

	if _, err := repo.GetStudent(ctx, "abc"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetStudent: %v", err)
	}
	if _, err := repo.GetSession(ctx, "abc"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetSession: %v", err)
	}
	if _, err := repo.GetRecord(ctx, "abc"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetRecord: %v", err)
	}
	if err := repo.DeleteStudent(ctx, "abc"); !errors.Is(err, ErrNotFound) {
		t.Errorf("DeleteStudent: %v", err)
	}
	if _, err := repo.ListRecords(ctx, RecordFilter{SessionID: "abc"}); !errors.Is(err, ErrNotFound) {
		t.Errorf("ListRecords: %v", err)
	}
}

func TestRecordsQuery(t *testing.T) {
	since := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	cases := []struct {
		name     string
		filter   RecordFilter
		clauses  []string
		args     []any
		excludes []string
	}{
		{
			name:     "no filter",
			filter:   RecordFilter{},
			clauses:  []string{"ORDER BY a.marked_at DESC"},
			excludes: []string{"WHERE", "LIMIT"},
		},
		{
			name:   "every filter",
			filter: RecordFilter{ClassID: "c1", SessionID: "s1", Status: StatusLate, Since: since, Search: "  ada ", Limit: 50},
			clauses: []string{
				"WHERE se.class_id = $1 AND a.session_id = $2 AND a.status = $3 AND a.marked_at >= $4 AND ",
				"(s.first_name ILIKE $5 OR s.last_name ILIKE $5 OR s.student_id ILIKE $5 OR c.class_code ILIKE $5)",
				"ORDER BY a.marked_at DESC LIMIT $6",
			},
			args: []any{"c1", "s1", StatusLate, since, "%ada%", 50},
		},
		{
			name:    "search only",
			filter:  RecordFilter{Search: "cs101"},
			clauses: []string{"WHERE (s.first_name ILIKE $1 OR", "c.class_code ILIKE $1)"},
			args:    []any{"%cs101%"},
		},
		{
			name:     "blank search ignored",
			filter:   RecordFilter{Search: "   ", Limit: 10},
			clauses:  []string{"ORDER BY a.marked_at DESC LIMIT $1"},
			args:     []any{10},
			excludes: []string{"WHERE"},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			query, args := recordsQuery(tc.filter)
			for _, want := range tc.clauses {
				if !strings.Contains(query, want) {
					t.Errorf("query missing %q:\n%s", want, query)
				}
			}
			for _, bad := range tc.excludes {
				if strings.Contains(query, bad) {
					t.Errorf("query should not contain %q:\n%s", bad, query)
				}
			}
			if !reflect.DeepEqual(args, tc.args) {
				t.Errorf("args = %#v, want %#v", args, tc.args)
			}
		})
	}
}
