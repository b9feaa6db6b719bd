package db

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestRebind(t *testing.T) {
	q := `UPDATE tasks SET task_status=?, locked_by=? WHERE id=? AND project_id=?`
	if got := Rebind(SQLite, q); got != q {
		t.Fatalf("sqlite rebind changed query: %s", got)
	}
	want := `UPDATE tasks SET task_status=$1, locked_by=$2 WHERE id=$3 AND project_id=$4`
	if got := Rebind(Postgres, q); got != want {
		t.Fatalf("postgres rebind = %s, want %s", got, want)
	}
}

func TestParseDialect(t *testing.T) {
	cases := map[string]Dialect{"": SQLite, "sqlite": SQLite, "postgres": Postgres, "pgx": Postgres}
	for in, want := range cases {
		got, err := ParseDialect(in)
		if err != nil || got != want {
			t.Fatalf("ParseDialect(%q) = %v, %v", in, got, err)
		}
	}
	if _, err := ParseDialect("oracle"); err == nil {
		t.Fatalf("expected unsupported driver error")
	}
}

func TestOpenSQLiteWorkspace(t *testing.T) {
	dir := t.TempDir()
	conn, err := Open(Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer conn.Close()
	if err := conn.PingContext(context.Background()); err != nil {
		t.Fatalf("ping: %v", err)
	}
	if _, err := os.Stat(Path(dir)); err != nil {
		t.Fatalf("db file missing: %v", err)
	}
	tx, err := conn.BeginTx(context.Background(), nil)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer tx.Rollback()
	if tx.ForUpdate() != "" {
		t.Fatalf("sqlite must not emit FOR UPDATE")
	}
}

func TestPostgresRequiresDSN(t *testing.T) {
	if _, err := Open(Config{Driver: "postgres"}); err == nil {
		t.Fatalf("expected dsn error")
	}
}

func TestSQLiteDSNAddsMissingSettings(t *testing.T) {
	got := sqliteDSN("file:/tmp/x.db")
	for _, want := range []string{"?_pragma=foreign_keys(1)", "&_pragma=busy_timeout(5000)", "&_txlock=immediate"} {
		if !strings.Contains(got, want) {
			t.Fatalf("dsn %q missing %q", got, want)
		}
	}
	custom := "file:/tmp/x.db?_pragma=busy_timeout(100)&_txlock=deferred"
	got = sqliteDSN(custom)
	if strings.Count(got, "busy_timeout") != 1 || strings.Count(got, "_txlock") != 1 {
		t.Fatalf("existing settings duplicated: %q", got)
	}
	if !strings.HasSuffix(got, "&_pragma=foreign_keys(1)") {
		t.Fatalf("foreign_keys not appended: %q", got)
	}
}

func TestOpenCustomSQLiteDSNEnablesForeignKeys(t *testing.T) {
	dsn := "file:" + filepath.Join(t.TempDir(), "custom.db")
	conn, err := Open(Config{Driver: "sqlite", DSN: dsn})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer conn.Close()
	var fk int
	if err := conn.QueryRowContext(context.Background(), "PRAGMA foreign_keys").Scan(&fk); err != nil {
		t.Fatalf("pragma: %v", err)
	}
	if fk != 1 {
		t.Fatalf("foreign_keys = %d, want 1", fk)
	}
}
