package history

import (
	"context"
	"database/sql"
	"strconv"
	"strings"
)

// Dialect selects placeholder and column types for SQLSink.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

// SQLSink appends records to the operation_history table of a relational
// database. The schema is created if missing.
type SQLSink struct {
	db      *sql.DB
	dialect Dialect
}

// NewSQLSink takes ownership of db.
func NewSQLSink(ctx context.Context, db *sql.DB, dialect Dialect) (*SQLSink, error) {
	s := &SQLSink{db: db, dialect: dialect}
	if err := s.ensureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLSink) ensureSchema(ctx context.Context) error {
	ts, id := "TIMESTAMP", "INTEGER PRIMARY KEY AUTOINCREMENT"
	if s.dialect == DialectPostgres {
		ts, id = "TIMESTAMPTZ", "BIGSERIAL PRIMARY KEY"
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS operation_history(
			seq ` + id + `,
			id TEXT NOT NULL,
			kind TEXT NOT NULL,
			target TEXT NOT NULL,
			started_at ` + ts + ` NOT NULL,
			finished_at ` + ts + ` NOT NULL,
			success BOOLEAN NOT NULL,
			error TEXT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_operation_history_kind ON operation_history(kind);`,
	}
	for _, q := range stmts {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

// bind rewrites ? placeholders for the dialect.
func (s *SQLSink) bind(q string) string {
	if s.dialect != DialectPostgres {
		return q
	}
	var b strings.Builder
	n := 0
	for _, r := range q {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *SQLSink) Send(ctx context.Context, r Record) error {
	var errText any
	if r.Error != "" {
		errText = r.Error
	}
	_, err := s.db.ExecContext(ctx, s.bind(`
		INSERT INTO operation_history(id, kind, target, started_at, finished_at, success, error)
		VALUES(?, ?, ?, ?, ?, ?, ?);`),
		r.ID, r.Kind, r.Target, r.StartedAt.UTC(), r.FinishedAt.UTC(), r.Success, errText)
	return err
}

func (s *SQLSink) Recent(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, s.bind(`
		SELECT id, kind, target, started_at, finished_at, success, error
		FROM operation_history ORDER BY seq DESC LIMIT ?;`), limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []Record
	for rows.Next() {
		var (
			r       Record
			errText sql.NullString
		)
		if err := rows.Scan(&r.ID, &r.Kind, &r.Target, &r.StartedAt, &r.FinishedAt, &r.Success, &errText); err != nil {
			return nil, err
		}
		r.Error = errText.String
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *SQLSink) Close() error { return s.db.Close() }
