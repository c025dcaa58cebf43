package migrate_test

import (
	"path/filepath"
	"testing"

	"briefcast/internal/db"
	"briefcast/internal/migrate"
)

func TestMigrateIsIdempotent(t *testing.T) {
	conn, dialect, err := db.Open(db.Config{Driver: "sqlite", DSN: db.SQLiteDSN(filepath.Join(t.TempDir(), "m.db"))}, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer conn.Close()
	first, err := migrate.Migrate(conn, dialect)
	if err != nil {
		t.Fatalf("migrate: %v", err)
	}
	latest, err := migrate.Latest(dialect)
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if first != latest {
		t.Fatalf("expected version %d, got %d", latest, first)
	}
	second, err := migrate.Migrate(conn, dialect)
	if err != nil || second != first {
		t.Fatalf("second migrate: %d %v", second, err)
	}
	for _, table := range []string{"content_records", "pipeline_events"} {
		var name string
		if err := conn.QueryRow(`SELECT name FROM sqlite_master WHERE type='table' AND name=?`, table).Scan(&name); err != nil {
			t.Fatalf("table %s missing: %v", table, err)
		}
	}
}

func TestPostgresMigrationsEmbedded(t *testing.T) {
	v, err := migrate.Latest(db.Postgres)
	if err != nil || v < 1 {
		t.Fatalf("postgres migrations: %d %v", v, err)
	}
}
