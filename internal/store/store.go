package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // driver: pgx
	_ "modernc.org/sqlite"             // driver: sqlite
)

// ErrNotFound is returned when a looked-up row does not exist.
var ErrNotFound = errors.New("not found")

// Driver selects the SQL backend.
type Driver string

const (
	DriverSQLite   Driver = "sqlite"
	DriverPostgres Driver = "postgres"
)

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Queries holds every data access method. Outside a transaction it runs against the
// pool; inside InTx it runs against the transaction.
type Queries struct {
	q querier
}

// Store owns the database handle.
type Store struct {
	*Queries
	db     *sql.DB
	driver Driver
}

// New opens an SQLite database at path. ":memory:" gives a private in-memory database.
func New(path string) (*Store, error) {
	return Open(context.Background(), DriverSQLite, path)
}

// Open opens a database with the given driver and makes sure the schema exists.
func Open(ctx context.Context, driver Driver, dsn string) (*Store, error) {
	var drvName string
	switch driver {
	case DriverSQLite:
		drvName = "sqlite"
		if dsn == "" {
			dsn = "examengine.db"
		}
		if !strings.Contains(dsn, "?") {
			dsn += "?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
		}
	case DriverPostgres:
		drvName = "pgx"
		if dsn == "" {
			dsn = "postgres://localhost:5432/examengine?sslmode=disable"
		}
	default:
		return nil, fmt.Errorf("unsupported driver: %s", driver)
	}

	db, err := sql.Open(drvName, dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if driver == DriverSQLite {
		// One connection: ":memory:" databases are per connection, and SQLite
		// serializes writers anyway.
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	s := &Store{Queries: &Queries{q: db}, db: db, driver: driver}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks that the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Driver reports the backend in use.
func (s *Store) Driver() Driver {
	return s.driver
}

// InTx runs fn inside a transaction. fn must use the Queries it is given, never the
// Store: with SQLite the pool holds a single connection.
func (s *Store) InTx(ctx context.Context, fn func(q *Queries) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := fn(&Queries{q: tx}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (s *Store) migrate(ctx context.Context) error {
	schema := schemaSQLite
	if s.driver == DriverPostgres {
		schema = schemaPostgres
	}
	for _, stmt := range strings.Split(schema, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

const schemaSQLite = `
CREATE TABLE IF NOT EXISTS exams (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	title TEXT NOT NULL,
	passing_score INTEGER NOT NULL,
	duration_minutes INTEGER NOT NULL DEFAULT 0,
	exam_question_count INTEGER NOT NULL DEFAULT 0,
	max_attempts INTEGER NOT NULL DEFAULT 0,
	randomize_questions INTEGER NOT NULL DEFAULT 0,
	randomize_choices INTEGER NOT NULL DEFAULT 0,
	show_results_immediately INTEGER NOT NULL DEFAULT 1,
	auto_submit INTEGER NOT NULL DEFAULT 0,
	certificate_enabled INTEGER NOT NULL DEFAULT 0,
	created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS questions (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	exam_id INTEGER NOT NULL REFERENCES exams(id) ON DELETE CASCADE,
	question_type TEXT NOT NULL,
	question_text TEXT NOT NULL,
	points INTEGER NOT NULL DEFAULT 1,
	is_required INTEGER NOT NULL DEFAULT 1,
	sequence INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS choices (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	question_id INTEGER NOT NULL REFERENCES questions(id) ON DELETE CASCADE,
	choice_text TEXT NOT NULL,
	is_correct INTEGER NOT NULL DEFAULT 0,
	points INTEGER,
	sequence INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS registrations (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	user_id INTEGER NOT NULL,
	exam_id INTEGER NOT NULL REFERENCES exams(id),
	attempt_number INTEGER NOT NULL,
	status TEXT NOT NULL,
	seed INTEGER NOT NULL,
	selected_question_ids TEXT NOT NULL DEFAULT '[]',
	total_questions INTEGER NOT NULL DEFAULT 0,
	score REAL,
	auto_graded_score REAL,
	needs_manual_grading INTEGER NOT NULL DEFAULT 0,
	finish_reason TEXT NOT NULL DEFAULT '',
	certificate_id TEXT NOT NULL DEFAULT '',
	admin_notes TEXT NOT NULL DEFAULT '',
	graded_by INTEGER,
	created_at INTEGER NOT NULL,
	started_at INTEGER,
	finished_at INTEGER,
	graded_at INTEGER,
	UNIQUE (user_id, exam_id, attempt_number)
);

CREATE UNIQUE INDEX IF NOT EXISTS registrations_one_active
	ON registrations (user_id, exam_id)
	WHERE status IN ('pending', 'in_progress', 'pending_review');

CREATE INDEX IF NOT EXISTS registrations_status ON registrations (status);

CREATE TABLE IF NOT EXISTS answers (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	registration_id INTEGER NOT NULL REFERENCES registrations(id) ON DELETE CASCADE,
	question_id INTEGER NOT NULL REFERENCES questions(id),
	choice_id INTEGER,
	choice_ids TEXT NOT NULL DEFAULT '',
	answer_text TEXT,
	is_correct INTEGER,
	points_awarded REAL,
	needs_manual_grading INTEGER NOT NULL DEFAULT 0,
	admin_feedback TEXT NOT NULL DEFAULT '',
	graded_by INTEGER,
	answered_at INTEGER NOT NULL,
	graded_at INTEGER,
	UNIQUE (registration_id, question_id)
);

CREATE TABLE IF NOT EXISTS certificate_events (
	id TEXT PRIMARY KEY,
	registration_id INTEGER NOT NULL UNIQUE REFERENCES registrations(id),
	user_id INTEGER NOT NULL,
	exam_id INTEGER NOT NULL,
	score REAL NOT NULL,
	status TEXT NOT NULL,
	certificate_id TEXT NOT NULL DEFAULT '',
	error TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL,
	delivered_at INTEGER
);

CREATE TABLE IF NOT EXISTS imported_files (
	path TEXT PRIMARY KEY,
	hash TEXT NOT NULL,
	exam_id INTEGER NOT NULL,
	imported_at INTEGER NOT NULL
);
`

const schemaPostgres = `
CREATE TABLE IF NOT EXISTS exams (
	id BIGSERIAL PRIMARY KEY,
	title TEXT NOT NULL,
	passing_score INTEGER NOT NULL,
	duration_minutes INTEGER NOT NULL DEFAULT 0,
	exam_question_count INTEGER NOT NULL DEFAULT 0,
	max_attempts INTEGER NOT NULL DEFAULT 0,
	randomize_questions BOOLEAN NOT NULL DEFAULT FALSE,
	randomize_choices BOOLEAN NOT NULL DEFAULT FALSE,
	show_results_immediately BOOLEAN NOT NULL DEFAULT TRUE,
	auto_submit BOOLEAN NOT NULL DEFAULT FALSE,
	certificate_enabled BOOLEAN NOT NULL DEFAULT FALSE,
	created_at BIGINT NOT NULL
);

CREATE TABLE IF NOT EXISTS questions (
	id BIGSERIAL PRIMARY KEY,
	exam_id BIGINT NOT NULL REFERENCES exams(id) ON DELETE CASCADE,
	question_type TEXT NOT NULL,
	question_text TEXT NOT NULL,
	points INTEGER NOT NULL DEFAULT 1,
	is_required BOOLEAN NOT NULL DEFAULT TRUE,
	sequence INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS choices (
	id BIGSERIAL PRIMARY KEY,
	question_id BIGINT NOT NULL REFERENCES questions(id) ON DELETE CASCADE,
	choice_text TEXT NOT NULL,
	is_correct BOOLEAN NOT NULL DEFAULT FALSE,
	points INTEGER,
	sequence INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS registrations (
	id BIGSERIAL PRIMARY KEY,
	user_id BIGINT NOT NULL,
	exam_id BIGINT NOT NULL REFERENCES exams(id),
	attempt_number INTEGER NOT NULL,
	status TEXT NOT NULL,
	seed BIGINT NOT NULL,
	selected_question_ids TEXT NOT NULL DEFAULT '[]',
	total_questions INTEGER NOT NULL DEFAULT 0,
	score DOUBLE PRECISION,
	auto_graded_score DOUBLE PRECISION,
	needs_manual_grading BOOLEAN NOT NULL DEFAULT FALSE,
	finish_reason TEXT NOT NULL DEFAULT '',
	certificate_id TEXT NOT NULL DEFAULT '',
	admin_notes TEXT NOT NULL DEFAULT '',
	graded_by BIGINT,
	created_at BIGINT NOT NULL,
	started_at BIGINT,
	finished_at BIGINT,
	graded_at BIGINT,
	UNIQUE (user_id, exam_id, attempt_number)
);

CREATE UNIQUE INDEX IF NOT EXISTS registrations_one_active
	ON registrations (user_id, exam_id)
	WHERE status IN ('pending', 'in_progress', 'pending_review');

CREATE INDEX IF NOT EXISTS registrations_status ON registrations (status);

CREATE TABLE IF NOT EXISTS answers (
	id BIGSERIAL PRIMARY KEY,
	registration_id BIGINT NOT NULL REFERENCES registrations(id) ON DELETE CASCADE,
	question_id BIGINT NOT NULL REFERENCES questions(id),
	choice_id BIGINT,
	choice_ids TEXT NOT NULL DEFAULT '',
	answer_text TEXT,
	is_correct BOOLEAN,
	points_awarded DOUBLE PRECISION,
	needs_manual_grading BOOLEAN NOT NULL DEFAULT FALSE,
	admin_feedback TEXT NOT NULL DEFAULT '',
	graded_by BIGINT,
	answered_at BIGINT NOT NULL,
	graded_at BIGINT,
	UNIQUE (registration_id, question_id)
);

CREATE TABLE IF NOT EXISTS certificate_events (
	id TEXT PRIMARY KEY,
	registration_id BIGINT NOT NULL UNIQUE REFERENCES registrations(id),
	user_id BIGINT NOT NULL,
	exam_id BIGINT NOT NULL,
	score DOUBLE PRECISION NOT NULL,
	status TEXT NOT NULL,
	certificate_id TEXT NOT NULL DEFAULT '',
	error TEXT NOT NULL DEFAULT '',
	created_at BIGINT NOT NULL,
	delivered_at BIGINT
);

CREATE TABLE IF NOT EXISTS imported_files (
	path TEXT PRIMARY KEY,
	hash TEXT NOT NULL,
	exam_id BIGINT NOT NULL,
	imported_at BIGINT NOT NULL
);
`

// Timestamps are stored as unix milliseconds so both backends compare them the same way.
func toMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func nullMillis(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func fromNullMillis(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromMillis(n.Int64)
	return &t
}

// notFound maps sql.ErrNoRows to ErrNotFound with context.
func notFound(err error, what string, id int64) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s %d: %w", what, id, ErrNotFound)
	}
	return fmt.Errorf("%s %d: %w", what, id, err)
}
