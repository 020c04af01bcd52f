package migrate

import (
	"context"
	"database/sql"
	"testing"

	_ "github.com/duckdb/duckdb-go/v2"
	_ "modernc.org/sqlite"
)

const migrationCount = 2

func openTestDB(t *testing.T, driver string) *sql.DB {
	t.Helper()
	dsn := ""
	if driver == "sqlite" {
		dsn = ":memory:"
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		t.Fatalf("open %s: %v", driver, err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	return db
}

func forEachDriver(t *testing.T, fn func(t *testing.T, db *sql.DB)) {
	for _, driver := range []string{"duckdb", "sqlite"} {
		t.Run(driver, func(t *testing.T) {
			fn(t, openTestDB(t, driver))
		})
	}
}

func TestRunAppliesAllMigrations(t *testing.T) {
	forEachDriver(t, func(t *testing.T, db *sql.DB) {
		ctx := context.Background()
		if err := NewRunner(db).Run(ctx); err != nil {
			t.Fatalf("Run: %v", err)
		}
		for _, table := range []string{"monitorings", "schema_migrations"} {
			var n int64
			if err := db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table).Scan(&n); err != nil {
				t.Errorf("table %s not queryable: %v", table, err)
			}
		}
	})
}

func TestRunIsIdempotent(t *testing.T) {
	forEachDriver(t, func(t *testing.T, db *sql.DB) {
		ctx := context.Background()
		r := NewRunner(db)
		if err := r.Run(ctx); err != nil {
			t.Fatalf("first Run: %v", err)
		}
		if err := r.Run(ctx); err != nil {
			t.Fatalf("second Run: %v", err)
		}

		cur, pending, err := r.Status(ctx)
		if err != nil {
			t.Fatalf("Status: %v", err)
		}
		if cur != migrationCount || pending != 0 {
			t.Errorf("expected version=%d pending=0, got version=%d pending=%d", migrationCount, cur, pending)
		}
	})
}

func TestStatusBeforeRun(t *testing.T) {
	forEachDriver(t, func(t *testing.T, db *sql.DB) {
		cur, pending, err := NewRunner(db).Status(context.Background())
		if err != nil {
			t.Fatalf("Status: %v", err)
		}
		if cur != 0 || pending != migrationCount {
			t.Errorf("expected version=0 pending=%d, got version=%d pending=%d", migrationCount, cur, pending)
		}
	})
}

func TestSplitStatements(t *testing.T) {
	got := splitStatements("-- comment; with semicolon\nCREATE TABLE a (x INT);\n\nCREATE INDEX i ON a (x);\n")
	if len(got) != 2 {
		t.Fatalf("splitStatements returned %d statements, want 2: %q", len(got), got)
	}
	if got[0] != "CREATE TABLE a (x INT)" {
		t.Errorf("first statement = %q", got[0])
	}
}
