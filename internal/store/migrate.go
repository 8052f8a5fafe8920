package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"go.uber.org/zap"
)

var migrationPattern = regexp.MustCompile(`^(\d+)_.*\.(up|down)\.sql$`)

type migrationFile struct {
	version string
	name    string
	path    string
}

// listMigrations returns the files for one direction ordered by version.
func listMigrations(migrationsDir, direction string) ([]migrationFile, error) {
	entries, err := os.ReadDir(migrationsDir)
	if err != nil {
		return nil, fmt.Errorf("read migrations dir: %w", err)
	}

	files := []migrationFile{}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		match := migrationPattern.FindStringSubmatch(entry.Name())
		if match == nil || match[2] != direction {
			continue
		}
		files = append(files, migrationFile{
			version: match[1],
			name:    entry.Name(),
			path:    filepath.Join(migrationsDir, entry.Name()),
		})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].name < files[j].name })
	return files, nil
}

// ApplyMigrations runs every pending *.up.sql file in its own transaction
// and returns the names that were applied.
func ApplyMigrations(ctx context.Context, db *sql.DB, migrationsDir string, logger *zap.Logger) ([]string, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := ensureMigrationsTable(ctx, db); err != nil {
		return nil, err
	}

	files, err := listMigrations(migrationsDir, "up")
	if err != nil {
		return nil, err
	}

	applied := []string{}
	for _, file := range files {
		migrated, err := isMigrated(ctx, db, file.name)
		if err != nil {
			return applied, err
		}
		if migrated {
			continue
		}
		if err := execMigration(ctx, db, file, func(tx *sql.Tx) error {
			_, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations(version) VALUES($1)`, file.name)
			return err
		}); err != nil {
			return applied, err
		}
		logger.Info("migration applied", zap.String("version", file.name))
		applied = append(applied, file.name)
	}
	return applied, nil
}

// RollbackMigrations runs down files for the newest applied versions.
// steps <= 0 rolls back everything.
func RollbackMigrations(ctx context.Context, db *sql.DB, migrationsDir string, steps int, logger *zap.Logger) ([]string, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := ensureMigrationsTable(ctx, db); err != nil {
		return nil, err
	}

	ups, err := listMigrations(migrationsDir, "up")
	if err != nil {
		return nil, err
	}
	downs, err := listMigrations(migrationsDir, "down")
	if err != nil {
		return nil, err
	}
	downByVersion := make(map[string]migrationFile, len(downs))
	for _, down := range downs {
		downByVersion[down.version] = down
	}

	rolledBack := []string{}
	for i := len(ups) - 1; i >= 0; i-- {
		if steps > 0 && len(rolledBack) >= steps {
			break
		}
		up := ups[i]
		migrated, err := isMigrated(ctx, db, up.name)
		if err != nil {
			return rolledBack, err
		}
		if !migrated {
			continue
		}
		down, ok := downByVersion[up.version]
		if !ok {
			return rolledBack, fmt.Errorf("no down migration for %s", up.name)
		}
		if err := execMigration(ctx, db, down, func(tx *sql.Tx) error {
			_, err := tx.ExecContext(ctx, `DELETE FROM schema_migrations WHERE version=$1`, up.name)
			return err
		}); err != nil {
			return rolledBack, err
		}
		logger.Info("migration rolled back", zap.String("version", up.name))
		rolledBack = append(rolledBack, up.name)
	}
	return rolledBack, nil
}

func execMigration(ctx context.Context, db *sql.DB, file migrationFile, record func(*sql.Tx) error) error {
	contents, err := os.ReadFile(file.path)
	if err != nil {
		return fmt.Errorf("read migration %s: %w", file.name, err)
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx %s: %w", file.name, err)
	}
	defer func() { _ = tx.Rollback() }()

	if sqlText := strings.TrimSpace(string(contents)); sqlText != "" {
		if _, err := tx.ExecContext(ctx, sqlText); err != nil {
			return fmt.Errorf("execute migration %s: %w", file.name, err)
		}
	}
	if err := record(tx); err != nil {
		return fmt.Errorf("record migration %s: %w", file.name, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration %s: %w", file.name, err)
	}
	return nil
}

func ensureMigrationsTable(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`)
	if err != nil {
		return fmt.Errorf("ensure schema_migrations: %w", err)
	}
	return nil
}

func isMigrated(ctx context.Context, db *sql.DB, version string) (bool, error) {
	var exists bool
	err := db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE version=$1)`, version).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check migration %s: %w", version, err)
	}
	return exists, nil
}
