package migrate

import (
	"context"
	"database/sql"
	"strings"
	"testing"
	"testing/fstest"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
)

func newMock(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db, mock
}

func testFiles() fstest.MapFS {
	return fstest.MapFS{
		"0001_grants.up.sql":   {Data: []byte("create table grants (id text primary key);")},
		"0001_grants.down.sql": {Data: []byte("drop table grants;")},
		"0002_audit.up.sql":    {Data: []byte("create table audit (id text);\ncreate index audit_idx on audit (id);")},
		"0002_audit.down.sql":  {Data: []byte("drop table audit;")},
	}
}

func TestUpAppliesOnlyPendingMigrations(t *testing.T) {
	db, mock := newMock(t)
	m := NewManager(db, testFiles())

	mock.ExpectExec("create table if not exists schema_migrations").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("select version from schema_migrations").
		WillReturnRows(sqlmock.NewRows([]string{"version"}).AddRow("0001"))

	// 0001 is already recorded; only 0002 runs, both statements in one tx.
	mock.ExpectBegin()
	mock.ExpectExec("create table audit").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("create index audit_idx").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()
	mock.ExpectExec("insert into schema_migrations").
		WithArgs("0002", "audit", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	ran, err := m.Up(context.Background())
	if err != nil {
		t.Fatalf("Up: %v", err)
	}
	if ran != 1 {
		t.Fatalf("ran = %d, want 1", ran)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestUpRollsBackFailedMigration(t *testing.T) {
	db, mock := newMock(t)
	m := NewManager(db, testFiles())

	mock.ExpectExec("create table if not exists schema_migrations").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("select version from schema_migrations").
		WillReturnRows(sqlmock.NewRows([]string{"version"}))

	mock.ExpectBegin()
	mock.ExpectExec("create table grants").WillReturnError(sql.ErrConnDone)
	mock.ExpectRollback()

	ran, err := m.Up(context.Background())
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "apply migration 0001") {
		t.Fatalf("err = %v, want apply migration 0001 context", err)
	}
	if ran != 0 {
		t.Fatalf("ran = %d, want 0", ran)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestDownRollsBackLatest(t *testing.T) {
	db, mock := newMock(t)
	m := NewManager(db, testFiles())
	now := time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC)

	mock.ExpectExec("create table if not exists schema_migrations").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("select version, name, applied_at from schema_migrations").
		WillReturnRows(sqlmock.NewRows([]string{"version", "name", "applied_at"}).
			AddRow("0001", "grants", now).
			AddRow("0002", "audit", now.Add(time.Second)))

	mock.ExpectBegin()
	mock.ExpectExec("drop table audit").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()
	mock.ExpectExec("delete from schema_migrations").
		WithArgs("0002").
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := m.Down(context.Background()); err != nil {
		t.Fatalf("Down: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestDownWithoutHistoryFails(t *testing.T) {
	db, mock := newMock(t)
	m := NewManager(db, testFiles())

	mock.ExpectExec("create table if not exists schema_migrations").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("select version, name, applied_at from schema_migrations").
		WillReturnRows(sqlmock.NewRows([]string{"version", "name", "applied_at"}))

	err := m.Down(context.Background())
	if err == nil || !strings.Contains(err.Error(), "no migrations applied") {
		t.Fatalf("err = %v, want no migrations applied", err)
	}
}

func TestDownRequiresDownFile(t *testing.T) {
	db, mock := newMock(t)
	files := fstest.MapFS{
		"0001_grants.up.sql": {Data: []byte("create table grants (id text);")},
	}
	m := NewManager(db, files)
	now := time.Now()

	mock.ExpectExec("create table if not exists schema_migrations").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("select version, name, applied_at from schema_migrations").
		WillReturnRows(sqlmock.NewRows([]string{"version", "name", "applied_at"}).
			AddRow("0001", "grants", now))

	err := m.Down(context.Background())
	if err == nil || !strings.Contains(err.Error(), "missing down migration") {
		t.Fatalf("err = %v, want missing down migration", err)
	}
}

func TestVersionReportsLatestApplied(t *testing.T) {
	db, mock := newMock(t)
	m := NewManager(db, testFiles())
	now := time.Now()

	mock.ExpectExec("create table if not exists schema_migrations").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("select version, name, applied_at from schema_migrations").
		WillReturnRows(sqlmock.NewRows([]string{"version", "name", "applied_at"}))

	v, err := m.Version(context.Background())
	if err != nil {
		t.Fatalf("Version: %v", err)
	}
	if v != "" {
		t.Fatalf("empty schema version = %q, want blank", v)
	}

	mock.ExpectExec("create table if not exists schema_migrations").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("select version, name, applied_at from schema_migrations").
		WillReturnRows(sqlmock.NewRows([]string{"version", "name", "applied_at"}).
			AddRow("0001", "grants", now).
			AddRow("0002", "audit", now.Add(time.Second)))

	v, err = m.Version(context.Background())
	if err != nil {
		t.Fatalf("Version: %v", err)
	}
	if v != "0002" {
		t.Fatalf("version = %q, want 0002", v)
	}
}

func TestMigrationsRejectsMalformedNames(t *testing.T) {
	m := NewManager(nil, fstest.MapFS{
		"grants.up.sql": {Data: []byte("create table grants (id text);")},
	})
	if _, err := m.Migrations(); err == nil {
		t.Fatal("expected error for file without version prefix")
	}

	m = NewManager(nil, fstest.MapFS{
		"0001_grants.down.sql": {Data: []byte("drop table grants;")},
	})
	if _, err := m.Migrations(); err == nil {
		t.Fatal("expected error for version without up file")
	}
}

func TestEmbeddedSetIsComplete(t *testing.T) {
	m := NewManager(nil, Files())
	all, err := m.Migrations()
	if err != nil {
		t.Fatalf("Migrations: %v", err)
	}
	want := []string{"grants", "grant_documents", "grant_unlocks", "audit_entries", "outbox_messages"}
	if len(all) != len(want) {
		t.Fatalf("embedded migrations = %d, want %d", len(all), len(want))
	}
	for i, mig := range all {
		if mig.Name != want[i] {
			t.Fatalf("migration %d = %q, want %q", i, mig.Name, want[i])
		}
		if mig.downPath == "" {
			t.Fatalf("migration %s has no down file", mig.Version)
		}
	}
}

func TestSplitStatementsRespectsQuotedSemicolons(t *testing.T) {
	in := "insert into t (v) values ('a;b');\ncreate index i on t (v);"
	got := splitStatements(in)
	if len(got) != 2 {
		t.Fatalf("statements = %d, want 2", len(got))
	}
	if !strings.Contains(got[0], "'a;b'") {
		t.Fatalf("first statement lost quoted semicolon: %q", got[0])
	}
}
