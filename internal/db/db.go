package db

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	sq "github.com/Masterminds/squirrel"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"briefcast/internal/logging"
)

const defaultDBName = "briefcast.db"

// Dialect selects placeholder style and dialect-specific SQL.
type Dialect string

const (
	SQLite   Dialect = "sqlite"
	Postgres Dialect = "postgres"
)

// Placeholder returns the squirrel placeholder format for the dialect.
func (d Dialect) Placeholder() sq.PlaceholderFormat {
	if d == Postgres {
		return sq.Dollar
	}
	return sq.Question
}

// Builder returns a squirrel statement builder for the dialect.
func (d Dialect) Builder() sq.StatementBuilderType {
	return sq.StatementBuilder.PlaceholderFormat(d.Placeholder())
}

func ParseDialect(driver string) (Dialect, error) {
	switch driver {
	case "", "sqlite", "sqlite3":
		return SQLite, nil
	case "postgres", "postgresql", "pq":
		return Postgres, nil
	}
	return "", fmt.Errorf("unsupported database driver %q", driver)
}

type Config struct {
	Driver       string
	DSN          string
	Workspace    string
	MaxOpenConns int
}

func dbPath(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, ".briefcast", defaultDBName)
}

// EnsureWorkspace creates workspace directory if missing.
func EnsureWorkspace(workspace string) (string, error) {
	if workspace == "" {
		workspace = "."
	}
	path := filepath.Join(workspace, ".briefcast")
	if err := os.MkdirAll(path, 0o755); err != nil {
		return "", err
	}
	return path, nil
}

// Open opens the configured database and verifies the connection.
func Open(cfg Config, logger logging.Logger) (*sql.DB, Dialect, error) {
	logger = logging.OrDiscard(logger)
	dialect, err := ParseDialect(cfg.Driver)
	if err != nil {
		return nil, "", err
	}
	var conn *sql.DB
	switch dialect {
	case Postgres:
		if cfg.DSN == "" {
			return nil, "", fmt.Errorf("database dsn is required for postgres")
		}
		conn, err = sql.Open("postgres", cfg.DSN)
		if err != nil {
			return nil, "", fmt.Errorf("failed to open database: %w", err)
		}
		maxOpen := cfg.MaxOpenConns
		if maxOpen <= 0 {
			maxOpen = 10
		}
		conn.SetMaxOpenConns(maxOpen)
		conn.SetMaxIdleConns(maxOpen / 2)
		conn.SetConnMaxLifetime(5 * time.Minute)
	default:
		dsn := cfg.DSN
		if dsn == "" {
			if _, err := EnsureWorkspace(cfg.Workspace); err != nil {
				return nil, "", err
			}
			dsn = SQLiteDSN(dbPath(cfg.Workspace))
		}
		conn, err = sql.Open("sqlite", dsn)
		if err != nil {
			return nil, "", fmt.Errorf("failed to open database: %w", err)
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := conn.PingContext(ctx); err != nil {
		_ = conn.Close()
		return nil, "", fmt.Errorf("failed to ping database: %w", err)
	}
	logger.WithFields(logging.Fields{
		"driver": string(dialect),
	}).Info("Database connected")
	return conn, dialect, nil
}

// SQLiteDSN builds a DSN with WAL, a busy timeout, and immediate write
// transactions so overlapping workers wait instead of failing.
func SQLiteDSN(path string) string {
	return fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_txlock=immediate", path)
}

// Path returns the db path for the workspace.
func Path(workspace string) string {
	return dbPath(workspace)
}
