package persistence

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strings"

	"github.com/rs/zerolog"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// Migration is one versioned schema change. Files follow the golang-migrate
// naming: {version}_{name}.up.sql and {version}_{name}.down.sql.
type Migration struct {
	Version string
	UpFile  string
	Applied bool
}

// Migrator applies the migrations compiled into the binary and records
// them in public.schema_migrations.
type Migrator struct {
	db    *sql.DB
	files fs.FS
	log   zerolog.Logger
}

func NewMigrator(db *sql.DB) *Migrator {
	sub, _ := fs.Sub(migrationFiles, "migrations")
	return &Migrator{db: db, files: sub, log: zerolog.Nop()}
}

func (m *Migrator) WithLogger(log zerolog.Logger) *Migrator {
	m.log = log
	return m
}

// Status lists every known migration in version order.
func (m *Migrator) Status(ctx context.Context) ([]Migration, error) {
	if err := m.ensureTable(ctx); err != nil {
		return nil, fmt.Errorf("ensure migration table: %w", err)
	}
	applied, err := m.appliedVersions(ctx)
	if err != nil {
		return nil, fmt.Errorf("read applied versions: %w", err)
	}

	entries, err := fs.ReadDir(m.files, ".")
	if err != nil {
		return nil, fmt.Errorf("list migrations: %w", err)
	}
	var out []Migration
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".up.sql") {
			continue
		}
		version, _, _ := strings.Cut(name, "_")
		out = append(out, Migration{Version: version, UpFile: name, Applied: applied[version]})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}

// Up applies every pending migration, each in its own transaction.
func (m *Migrator) Up(ctx context.Context) error {
	migrations, err := m.Status(ctx)
	if err != nil {
		return err
	}
	for _, mg := range migrations {
		if mg.Applied {
			continue
		}
		err := m.exec(ctx, mg.UpFile,
			`INSERT INTO public.schema_migrations (version, filename) VALUES ($1, $2)`,
			mg.Version, mg.UpFile)
		if err != nil {
			return err
		}
		m.log.Info().Str("version", mg.Version).Str("file", mg.UpFile).Msg("applied migration")
	}
	return nil
}

// Down reverts the most recently applied migration. It is a no-op on an
// empty schema.
func (m *Migrator) Down(ctx context.Context) error {
	if err := m.ensureTable(ctx); err != nil {
		return err
	}

	var version, upFile string
	err := m.db.QueryRowContext(ctx,
		`SELECT version, filename FROM public.schema_migrations ORDER BY version DESC LIMIT 1`,
	).Scan(&version, &upFile)
	if errors.Is(err, sql.ErrNoRows) {
		m.log.Info().Msg("no migrations to roll back")
		return nil
	}
	if err != nil {
		return fmt.Errorf("latest migration: %w", err)
	}

	downFile := strings.TrimSuffix(upFile, ".up.sql") + ".down.sql"
	if err := m.exec(ctx, downFile, `DELETE FROM public.schema_migrations WHERE version = $1`, version); err != nil {
		return err
	}
	m.log.Info().Str("version", version).Str("file", downFile).Msg("rolled back migration")
	return nil
}

// exec runs the script in file and the bookkeeping statement atomically.
func (m *Migrator) exec(ctx context.Context, file, record string, args ...any) error {
	script, err := fs.ReadFile(m.files, file)
	if err != nil {
		return fmt.Errorf("read %s: %w", file, err)
	}

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin %s: %w", file, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, string(script)); err != nil {
		return fmt.Errorf("exec %s: %w", file, err)
	}
	if _, err := tx.ExecContext(ctx, record, args...); err != nil {
		return fmt.Errorf("record %s: %w", file, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit %s: %w", file, err)
	}
	return nil
}

func (m *Migrator) ensureTable(ctx context.Context) error {
	_, err := m.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS public.schema_migrations (
			version    TEXT PRIMARY KEY,
			filename   TEXT NOT NULL,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`)
	return err
}

func (m *Migrator) appliedVersions(ctx context.Context) (map[string]bool, error) {
	rows, err := m.db.QueryContext(ctx, `SELECT version FROM public.schema_migrations`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	applied := make(map[string]bool)
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		applied[v] = true
	}
	return applied, rows.Err()
}
