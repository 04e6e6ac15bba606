package migrate

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"time"
)

//go:embed migrations/*.sql
var embedded embed.FS

// Files returns the embedded migration set for the grant schema.
func Files() fs.FS {
	sub, err := fs.Sub(embedded, "migrations")
	if err != nil {
		panic(err)
	}
	return sub
}

const defaultTable = "schema_migrations"

// Migration is one schema step, named <version>_<name>.up.sql with an
// optional .down.sql counterpart. Versions order lexically, so keep them
// zero-padded.
type Migration struct {
	Version string
	Name    string

	upPath   string
	downPath string
}

// Applied is one bookkeeping row from the migrations table.
type Applied struct {
	Version   string
	Name      string
	AppliedAt time.Time
}

// Manager applies SQL migrations from an embedded filesystem, one
// transaction per file.
type Manager struct {
	db    *sql.DB
	files fs.FS
	table string
}

// Option configures Manager.
type Option func(*Manager)

// WithTable overrides the default bookkeeping table.
func WithTable(name string) Option {
	return func(m *Manager) {
		if name != "" {
			m.table = name
		}
	}
}

// NewManager constructs a Manager over files, usually Files().
func NewManager(db *sql.DB, files fs.FS, opts ...Option) *Manager {
	m := &Manager{
		db:    db,
		files: files,
		table: defaultTable,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Up applies all pending migrations and reports how many ran.
func (m *Manager) Up(ctx context.Context) (int, error) {
	if err := m.ensureTable(ctx); err != nil {
		return 0, err
	}
	applied, err := m.appliedSet(ctx)
	if err != nil {
		return 0, err
	}
	all, err := m.Migrations()
	if err != nil {
		return 0, err
	}
	ran := 0
	for _, mig := range all {
		if applied[mig.Version] {
			continue
		}
		if err := m.exec(ctx, mig.upPath); err != nil {
			return ran, fmt.Errorf("apply migration %s: %w", mig.Version, err)
		}
		if err := m.record(ctx, mig); err != nil {
			return ran, err
		}
		ran++
	}
	return ran, nil
}

// Down rolls back the most recently applied migration.
func (m *Manager) Down(ctx context.Context) error {
	if err := m.ensureTable(ctx); err != nil {
		return err
	}
	history, err := m.history(ctx)
	if err != nil {
		return err
	}
	if len(history) == 0 {
		return errors.New("no migrations applied")
	}
	last := history[len(history)-1]
	all, err := m.Migrations()
	if err != nil {
		return err
	}
	var target *Migration
	for i := range all {
		if all[i].Version == last.Version {
			target = &all[i]
			break
		}
	}
	if target == nil || target.downPath == "" {
		return fmt.Errorf("missing down migration for version %s", last.Version)
	}
	if err := m.exec(ctx, target.downPath); err != nil {
		return fmt.Errorf("rollback migration %s: %w", last.Version, err)
	}
	_, err = m.db.ExecContext(ctx, fmt.Sprintf(`delete from %s where version = $1`, m.table), last.Version)
	return err
}

// Status returns applied migrations in apply order.
func (m *Manager) Status(ctx context.Context) ([]Applied, error) {
	if err := m.ensureTable(ctx); err != nil {
		return nil, err
	}
	return m.history(ctx)
}

// Version reports the latest applied version, or "" on an empty schema.
func (m *Manager) Version(ctx context.Context) (string, error) {
	history, err := m.Status(ctx)
	if err != nil {
		return "", err
	}
	if len(history) == 0 {
		return "", nil
	}
	return history[len(history)-1].Version, nil
}

// Migrations lists the embedded set in version order.
func (m *Manager) Migrations() ([]Migration, error) {
	entries, err := fs.ReadDir(m.files, ".")
	if err != nil {
		return nil, err
	}
	byVersion := make(map[string]*Migration)
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		up := false
		switch {
		case strings.HasSuffix(name, ".up.sql"):
			up = true
		case strings.HasSuffix(name, ".down.sql"):
		default:
			continue
		}
		base := strings.TrimSuffix(strings.TrimSuffix(name, ".up.sql"), ".down.sql")
		version, title, ok := strings.Cut(base, "_")
		if !ok || version == "" || title == "" {
			return nil, fmt.Errorf("migration %s: want <version>_<name>.up.sql", name)
		}
		mig := byVersion[version]
		if mig == nil {
			mig = &Migration{Version: version, Name: title}
			byVersion[version] = mig
		}
		if up {
			mig.upPath = name
		} else {
			mig.downPath = name
		}
	}
	out := make([]Migration, 0, len(byVersion))
	for _, mig := range byVersion {
		if mig.upPath == "" {
			return nil, fmt.Errorf("migration version %s has no up file", mig.Version)
		}
		out = append(out, *mig)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}

func (m *Manager) ensureTable(ctx context.Context) error {
	ddl := fmt.Sprintf(`
		create table if not exists %s (
			version text primary key,
			name text not null,
			applied_at timestamptz not null default now()
		);`, m.table)
	_, err := m.db.ExecContext(ctx, ddl)
	return err
}

func (m *Manager) exec(ctx context.Context, path string) error {
	sqlBytes, err := fs.ReadFile(m.files, path)
	if err != nil {
		return err
	}
	statements := splitStatements(string(sqlBytes))
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	for _, stmt := range statements {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (m *Manager) record(ctx context.Context, mig Migration) error {
	_, err := m.db.ExecContext(ctx,
		fmt.Sprintf(`insert into %s(version, name, applied_at) values ($1, $2, $3)`, m.table),
		mig.Version, mig.Name, time.Now().UTC())
	return err
}

func (m *Manager) appliedSet(ctx context.Context) (map[string]bool, error) {
	rows, err := m.db.QueryContext(ctx, fmt.Sprintf(`select version from %s`, m.table))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	set := make(map[string]bool)
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		set[v] = true
	}
	return set, rows.Err()
}

func (m *Manager) history(ctx context.Context) ([]Applied, error) {
	rows, err := m.db.QueryContext(ctx, fmt.Sprintf(`select version, name, applied_at from %s order by applied_at, version`, m.table))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Applied
	for rows.Next() {
		var a Applied
		if err := rows.Scan(&a.Version, &a.Name, &a.AppliedAt); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// splitStatements splits SQL on semicolons outside single-quoted strings.
func splitStatements(sql string) []string {
	var stmts []string
	var current strings.Builder
	inString := false
	for _, r := range sql {
		switch r {
		case '\'':
			current.WriteRune(r)
			inString = !inString
		case ';':
			current.WriteRune(r)
			if !inString {
				stmts = append(stmts, current.String())
				current.Reset()
			}
		default:
			current.WriteRune(r)
		}
	}
	if strings.TrimSpace(current.String()) != "" {
		stmts = append(stmts, current.String())
	}
	return stmts
}
