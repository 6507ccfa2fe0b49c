package database

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/loykin/atpinstall/internal/config"
)

// systemDatabases are hidden from ListDatabases.
var systemDatabases = map[string]bool{
	"postgres":           true,
	"information_schema": true,
	"pg_catalog":         true,
	"defaultdb":          true,
}

// MaintenanceDB is the database used for administrative statements.
func MaintenanceDB(host string) string {
	if strings.Contains(host, "cockroach") {
		return "defaultdb"
	}
	return "postgres"
}

// ConnString builds a pgx connection URL for database db on c. CockroachDB
// hosts require TLS; other hosts use the driver default.
func ConnString(c config.DatabaseConfig, db string) string {
	port := c.Port
	if port == 0 {
		port = 5432
	}
	u := url.URL{
		Scheme: "postgres",
		Host:   net.JoinHostPort(c.Host, strconv.Itoa(port)),
		Path:   "/" + db,
	}
	if c.Pass != "" {
		u.User = url.UserPassword(c.User, c.Pass)
	} else if c.User != "" {
		u.User = url.User(c.User)
	}
	q := url.Values{}
	if strings.Contains(c.Host, "cockroach") {
		q.Set("sslmode", "require")
	}
	q.Set("connect_timeout", "10")
	u.RawQuery = q.Encode()
	return u.String()
}

func connect(ctx context.Context, c config.DatabaseConfig, db string) (*pgx.Conn, error) {
	conn, err := pgx.Connect(ctx, ConnString(c, db))
	if err != nil {
		return nil, fmt.Errorf("connect %s@%s/%s: %w", c.User, c.Host, db, err)
	}
	return conn, nil
}

func withMaintenance(ctx context.Context, c config.DatabaseConfig, fn func(*pgx.Conn) error) error {
	conn, err := connect(ctx, c, MaintenanceDB(c.Host))
	if err != nil {
		return err
	}
	defer func() { _ = conn.Close(context.Background()) }()
	return fn(conn)
}

// Ping runs SELECT 1 against the maintenance database.
func Ping(ctx context.Context, c config.DatabaseConfig) error {
	return withMaintenance(ctx, c, func(conn *pgx.Conn) error {
		var one int
		return conn.QueryRow(ctx, "SELECT 1").Scan(&one)
	})
}

// ListDatabases returns non-template user databases.
func ListDatabases(ctx context.Context, c config.DatabaseConfig) ([]string, error) {
	var out []string
	err := withMaintenance(ctx, c, func(conn *pgx.Conn) error {
		rows, err := conn.Query(ctx, "SELECT datname FROM pg_database WHERE datistemplate = false ORDER BY datname")
		if err != nil {
			return err
		}
		names, err := pgx.CollectRows(rows, pgx.RowTo[string])
		if err != nil {
			return err
		}
		for _, n := range names {
			if !systemDatabases[n] {
				out = append(out, n)
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list databases: %w", err)
	}
	return out, nil
}

// CreateDatabase creates database name.
func CreateDatabase(ctx context.Context, c config.DatabaseConfig, name string) error {
	if name == "" {
		return errors.New("database name is required")
	}
	err := withMaintenance(ctx, c, func(conn *pgx.Conn) error {
		_, err := conn.Exec(ctx, "CREATE DATABASE "+pgx.Identifier{name}.Sanitize())
		return err
	})
	if err != nil {
		return fmt.Errorf("create database %q: %w", name, err)
	}
	return nil
}

// EnsureDatabase creates c.Name unless it is already listed.
func EnsureDatabase(ctx context.Context, c config.DatabaseConfig) (created bool, err error) {
	names, err := ListDatabases(ctx, c)
	if err != nil {
		return false, err
	}
	for _, n := range names {
		if n == c.Name {
			return false, nil
		}
	}
	if err := CreateDatabase(ctx, c, c.Name); err != nil {
		return false, err
	}
	return true, nil
}

// IsEmpty reports whether c.Name has no tables outside the system schemas.
// A database that does not exist counts as empty.
func IsEmpty(ctx context.Context, c config.DatabaseConfig) (bool, error) {
	conn, err := connect(ctx, c, c.Name)
	if err != nil {
		if missingDatabase(err) {
			return true, nil
		}
		return false, err
	}
	defer func() { _ = conn.Close(context.Background()) }()
	var n int
	err = conn.QueryRow(ctx, `SELECT count(*) FROM information_schema.tables
		WHERE table_schema NOT IN ('information_schema', 'pg_catalog', 'crdb_internal')`).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("count tables in %q: %w", c.Name, err)
	}
	return n == 0, nil
}

func missingDatabase(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "3D000" {
		return true
	}
	return strings.Contains(err.Error(), "does not exist")
}

// Wipe drops and recreates c.Name.
func Wipe(ctx context.Context, c config.DatabaseConfig) error {
	if c.Name == "" {
		return errors.New("database name is required")
	}
	err := withMaintenance(ctx, c, func(conn *pgx.Conn) error {
		ident := pgx.Identifier{c.Name}.Sanitize()
		if _, err := conn.Exec(ctx, "DROP DATABASE IF EXISTS "+ident); err != nil {
			return err
		}
		_, err := conn.Exec(ctx, "CREATE DATABASE "+ident)
		return err
	})
	if err != nil {
		return fmt.Errorf("wipe database %q: %w", c.Name, err)
	}
	return nil
}
