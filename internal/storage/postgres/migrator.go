package postgres

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"regexp"
	"sort"
	"strconv"
	"strings"

	sq "github.com/Masterminds/squirrel"
)

const (
	migrationsGlob    = "sql/migrations/*.sql"
	migrationsTable   = "schema_migrations"
	migrationLockKey  = int64(0x66756c66) // "fulf"
	migrationTableDDL = `
CREATE TABLE IF NOT EXISTS schema_migrations (
    version BIGINT PRIMARY KEY,
    name TEXT NOT NULL,
    applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`
)

var (
	//go:embed sql/migrations/*.sql
	migrationsFS embed.FS

	migrationFilePattern = regexp.MustCompile(`^(\d+)_([a-zA-Z0-9_]+)\.(up|down)\.sql$`)
)

type migrationDirection string

const (
	migrationUp   migrationDirection = "up"
	migrationDown migrationDirection = "down"
)

type migration struct {
	Version int64
	Name    string
	UpSQL   string
	DownSQL string
}

// migrationFile — разобранное имя файла вида 0001_orders.up.sql.
type migrationFile struct {
	version   int64
	name      string
	direction migrationDirection
}

func parseMigrationFile(base string) (migrationFile, error) {
	m := migrationFilePattern.FindStringSubmatch(base)
	if m == nil {
		return migrationFile{}, fmt.Errorf("invalid migration file name: %s", base)
	}
	version, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return migrationFile{}, fmt.Errorf("parse migration version from %s: %w", base, err)
	}
	return migrationFile{version: version, name: m[2], direction: migrationDirection(m[3])}, nil
}

func (m *migration) set(f migrationFile, body string) error {
	if m.Name != f.name {
		return fmt.Errorf("migration name mismatch for version %d: %s vs %s", f.version, m.Name, f.name)
	}
	target := &m.UpSQL
	if f.direction == migrationDown {
		target = &m.DownSQL
	}
	if *target != "" {
		return fmt.Errorf("duplicate %s migration for version %d", f.direction, f.version)
	}
	*target = body
	return nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func ensureMigrationTable(ctx context.Context, db execer) error {
	if _, err := db.ExecContext(ctx, migrationTableDDL); err != nil {
		return fmt.Errorf("ensure migration table: %w", err)
	}
	return nil
}

// MigrateUp применяет до steps неприменённых миграций; 0 применяет все.
func (s *Store) MigrateUp(ctx context.Context, steps int) error {
	return s.migrate(ctx, migrationUp, steps)
}

// MigrateDown откатывает последние steps миграций, по умолчанию одну.
func (s *Store) MigrateDown(ctx context.Context, steps int) error {
	if steps <= 0 {
		steps = 1
	}
	return s.migrate(ctx, migrationDown, steps)
}

// MigrationStatus возвращает текущую версию и количество применённых миграций.
func (s *Store) MigrationStatus(ctx context.Context) (int64, int, error) {
	if s == nil || s.db == nil {
		return 0, 0, errStoreNotInitialized
	}

	queryCtx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if err := ensureMigrationTable(queryCtx, s.db); err != nil {
		return 0, 0, err
	}
	query, args, err := psql.Select("COALESCE(MAX(version), 0)", "COUNT(*)").From(migrationsTable).ToSql()
	if err != nil {
		return 0, 0, fmt.Errorf("build migration status query: %w", err)
	}

	var (
		version int64
		count   int
	)
	if err := s.db.QueryRowContext(queryCtx, query, args...).Scan(&version, &count); err != nil {
		return 0, 0, fmt.Errorf("query migration status: %w", err)
	}
	return version, count, nil
}

// MigrationInfo описывает встроенную миграцию и факт её применения.
type MigrationInfo struct {
	Version int64
	Name    string
	Applied bool
}

// Migrations возвращает все встроенные миграции с отметкой о применении.
func (s *Store) Migrations(ctx context.Context) ([]MigrationInfo, error) {
	if s == nil || s.db == nil {
		return nil, errStoreNotInitialized
	}

	migrations, err := loadMigrationsFromFS(migrationsFS)
	if err != nil {
		return nil, err
	}

	if err := ensureMigrationTable(ctx, s.db); err != nil {
		return nil, err
	}
	applied, err := loadAppliedVersions(ctx, s.db)
	if err != nil {
		return nil, err
	}
	return describeMigrations(migrations, applied), nil
}

func describeMigrations(migrations []migration, applied map[int64]bool) []MigrationInfo {
	infos := make([]MigrationInfo, 0, len(migrations))
	for _, m := range migrations {
		infos = append(infos, MigrationInfo{Version: m.Version, Name: m.Name, Applied: applied[m.Version]})
	}
	return infos
}

func (s *Store) migrate(ctx context.Context, direction migrationDirection, steps int) error {
	if s == nil || s.db == nil {
		return errStoreNotInitialized
	}

	migrations, err := loadMigrationsFromFS(migrationsFS)
	if err != nil {
		return err
	}

	conn, err := s.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("acquire db connection: %w", err)
	}
	defer conn.Close()

	// Advisory lock держится на соединении, поэтому все шаги идут через conn.
	lockCtx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	if _, err := conn.ExecContext(lockCtx, "SELECT pg_advisory_lock($1)", migrationLockKey); err != nil {
		return fmt.Errorf("acquire migration lock: %w", err)
	}
	defer func() {
		_, _ = conn.ExecContext(context.Background(), "SELECT pg_advisory_unlock($1)", migrationLockKey)
	}()

	if err := ensureMigrationTable(ctx, conn); err != nil {
		return err
	}
	applied, err := loadAppliedVersions(ctx, conn)
	if err != nil {
		return err
	}

	plan, err := planMigrations(migrations, applied, direction, steps)
	if err != nil {
		return err
	}
	for _, step := range plan {
		if err := withTx(ctx, conn, step.apply(ctx)); err != nil {
			return fmt.Errorf("%s migration %d_%s: %w", step.direction, step.Version, step.Name, err)
		}
	}
	return nil
}

// migrationStep — одна миграция в выбранном направлении.
type migrationStep struct {
	migration
	direction migrationDirection
}

func (st migrationStep) apply(ctx context.Context) func(tx *sql.Tx) error {
	body := st.UpSQL
	var record sq.Sqlizer = psql.Insert(migrationsTable).Columns("version", "name").Values(st.Version, st.Name)
	if st.direction == migrationDown {
		body = st.DownSQL
		record = psql.Delete(migrationsTable).Where(sq.Eq{"version": st.Version})
	}

	return func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, body); err != nil {
			return fmt.Errorf("execute: %w", err)
		}
		query, args, err := record.ToSql()
		if err != nil {
			return fmt.Errorf("build bookkeeping query: %w", err)
		}
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("update %s: %w", migrationsTable, err)
		}
		return nil
	}
}

// planMigrations выбирает шаги: up идёт по неприменённым версиям по возрастанию,
// down снимает применённые версии с конца. steps<=0 для up означает "все".
func planMigrations(migrations []migration, applied map[int64]bool, direction migrationDirection, steps int) ([]migrationStep, error) {
	var plan []migrationStep
	limitReached := func() bool { return steps > 0 && len(plan) >= steps }

	switch direction {
	case migrationUp:
		for _, m := range migrations {
			if limitReached() {
				break
			}
			if !applied[m.Version] {
				plan = append(plan, migrationStep{migration: m, direction: migrationUp})
			}
		}
	case migrationDown:
		known := make(map[int64]migration, len(migrations))
		for _, m := range migrations {
			known[m.Version] = m
		}
		versions := make([]int64, 0, len(applied))
		for version, ok := range applied {
			if ok {
				versions = append(versions, version)
			}
		}
		sort.Slice(versions, func(i, j int) bool { return versions[i] > versions[j] })
		for _, version := range versions {
			if limitReached() {
				break
			}
			m, ok := known[version]
			if !ok {
				return nil, fmt.Errorf("cannot rollback unknown migration version %d", version)
			}
			plan = append(plan, migrationStep{migration: m, direction: migrationDown})
		}
	default:
		return nil, fmt.Errorf("unsupported migration direction: %s", direction)
	}
	return plan, nil
}

func loadAppliedVersions(ctx context.Context, db queryer) (map[int64]bool, error) {
	query, args, err := psql.Select("version").From(migrationsTable).ToSql()
	if err != nil {
		return nil, fmt.Errorf("build applied migrations query: %w", err)
	}
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query applied migrations: %w", err)
	}
	defer rows.Close()

	applied := make(map[int64]bool)
	for rows.Next() {
		var version int64
		if err := rows.Scan(&version); err != nil {
			return nil, fmt.Errorf("scan applied migration version: %w", err)
		}
		applied[version] = true
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate applied migrations: %w", err)
	}
	return applied, nil
}

// loadMigrationsFromFS собирает пары up/down по версии; каждой версии нужны оба файла.
func loadMigrationsFromFS(fsys fs.FS) ([]migration, error) {
	files, err := fs.Glob(fsys, migrationsGlob)
	if err != nil {
		return nil, fmt.Errorf("list migrations: %w", err)
	}
	if len(files) == 0 {
		return nil, errors.New("no migration files found")
	}

	byVersion := make(map[int64]*migration, len(files)/2)
	for _, file := range files {
		f, err := parseMigrationFile(path.Base(file))
		if err != nil {
			return nil, err
		}
		raw, err := fs.ReadFile(fsys, file)
		if err != nil {
			return nil, fmt.Errorf("read migration file %s: %w", file, err)
		}
		body := strings.TrimSpace(string(raw))
		if body == "" {
			return nil, fmt.Errorf("migration file is empty: %s", path.Base(file))
		}

		m, ok := byVersion[f.version]
		if !ok {
			m = &migration{Version: f.version, Name: f.name}
			byVersion[f.version] = m
		}
		if err := m.set(f, body); err != nil {
			return nil, err
		}
	}

	migrations := make([]migration, 0, len(byVersion))
	for _, m := range byVersion {
		if m.UpSQL == "" || m.DownSQL == "" {
			return nil, fmt.Errorf("migration %d_%s must have both up and down files", m.Version, m.Name)
		}
		migrations = append(migrations, *m)
	}
	sort.Slice(migrations, func(i, j int) bool { return migrations[i].Version < migrations[j].Version })
	return migrations, nil
}
