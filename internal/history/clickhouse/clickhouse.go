package clickhouse

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"github.com/loykin/atpinstall/internal/history"
)

// DefaultTable receives records when the DSN names no table.
const DefaultTable = "operation_history"

var tableName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)?$`)

// Sink sends records to ClickHouse using the official ClickHouse Go client.
type Sink struct {
	conn  driver.Conn
	table string
}

// Options builds client options for addr ("host:port") using the default
// database and user.
func Options(addr string) *clickhouse.Options {
	return &clickhouse.Options{
		Addr: []string{addr},
		Auth: clickhouse.Auth{
			Database: "default",
			Username: "default",
		},
		DialTimeout: 5 * time.Second,
	}
}

// New connects with opts and creates table if missing.
func New(opts *clickhouse.Options, table string) (*Sink, error) {
	if table == "" {
		table = DefaultTable
	}
	if !tableName.MatchString(table) {
		return nil, fmt.Errorf("invalid ClickHouse table name %q", table)
	}
	conn, err := clickhouse.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to ClickHouse: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := conn.Ping(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping ClickHouse: %w", err)
	}
	s := &Sink{conn: conn, table: table}
	if err := s.ensureSchema(ctx); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return s, nil
}

func (s *Sink) ensureSchema(ctx context.Context) error {
	return s.conn.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS `+s.table+` (
			id String,
			kind LowCardinality(String),
			target String,
			started_at DateTime64(6),
			finished_at DateTime64(6),
			success Bool,
			error Nullable(String)
		) ENGINE = MergeTree()
		ORDER BY (finished_at, kind)`)
}

func (s *Sink) Send(ctx context.Context, r history.Record) error {
	var errText *string
	if r.Error != "" {
		errText = &r.Error
	}
	query := fmt.Sprintf(`INSERT INTO %s (id, kind, target, started_at, finished_at, success, error) VALUES (?, ?, ?, ?, ?, ?, ?)`, s.table)
	if err := s.conn.Exec(ctx, query, r.ID, r.Kind, r.Target, r.StartedAt.UTC(), r.FinishedAt.UTC(), r.Success, errText); err != nil {
		return fmt.Errorf("failed to insert record into ClickHouse: %w", err)
	}
	return nil
}

func (s *Sink) Recent(ctx context.Context, limit int) ([]history.Record, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.conn.Query(ctx, fmt.Sprintf(
		`SELECT id, kind, target, started_at, finished_at, success, error FROM %s ORDER BY finished_at DESC LIMIT %d`, s.table, limit))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []history.Record
	for rows.Next() {
		var (
			r       history.Record
			errText *string
		)
		if err := rows.Scan(&r.ID, &r.Kind, &r.Target, &r.StartedAt, &r.FinishedAt, &r.Success, &errText); err != nil {
			return nil, err
		}
		if errText != nil {
			r.Error = *errText
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Sink) Close() error {
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}
