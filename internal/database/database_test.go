package database

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	logx "schedcore/pkg/logx"
)

func TestOpenUnknownDriver(t *testing.T) {
	t.Parallel()
	_, err := Open(context.Background(), Config{Driver: "oracle"}, logx.Nop())
	if !errors.Is(err, ErrUnknownDriver) {
		t.Fatalf("error = %v, want ErrUnknownDriver", err)
	}
}

func TestOpenSQLiteRequiresPath(t *testing.T) {
	t.Parallel()
	if _, err := Open(context.Background(), Config{Driver: "sqlite"}, logx.Nop()); err == nil {
		t.Fatal("empty sqlite path accepted")
	}
}

func TestOpenSQLiteRoundTrip(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "sched.db")
	ctx := context.Background()

	db, err := Open(ctx, Config{Driver: "sqlite", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("Open error: %v", err)
	}
	defer db.Close()

	if db.Driver() != "sqlite" {
		t.Fatalf("Driver() = %q", db.Driver())
	}
	if !db.Healthy(ctx) {
		t.Fatal("fresh connection not healthy")
	}

	if _, err := db.ExecContext(ctx, `CREATE TABLE kv (k TEXT PRIMARY KEY, v TEXT)`); err != nil {
		t.Fatalf("create table: %v", err)
	}
	if _, err := db.ExecContext(ctx, `INSERT INTO kv (k, v) VALUES (?, ?)`, "cursor", "42"); err != nil {
		t.Fatalf("insert: %v", err)
	}
	var v string
	if err := db.GetContext(ctx, &v, `SELECT v FROM kv WHERE k = ?`, "cursor"); err != nil {
		t.Fatalf("select: %v", err)
	}
	if v != "42" {
		t.Fatalf("value = %q, want 42", v)
	}
}
