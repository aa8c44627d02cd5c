package store

import (
	"context"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"golang.org/x/crypto/blake2b"
)

// migrationLockKey serializes migration runs of every replica sharing a database.
const migrationLockKey int64 = 0x6c6578647261 // "lexdra"

var migrationName = regexp.MustCompile(`^(\d+)_([a-z0-9_]+)\.(up|down)\.sql$`)

var ErrMigrationChanged = errors.New("applied migration was modified")

// Migration is one numbered pair of up/down files.
type Migration struct {
	Version  string
	Name     string
	UpPath   string
	DownPath string
}

// File is the name recorded in schema_migrations.
func (m Migration) File() string {
	return filepath.Base(m.UpPath)
}

// LoadMigrations reads dir and pairs up and down files by version, in version order.
func LoadMigrations(dir string) ([]Migration, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read migrations dir: %w", err)
	}
	byVersion := map[string]*Migration{}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		match := migrationName.FindStringSubmatch(entry.Name())
		if match == nil {
			continue
		}
		version, name, direction := match[1], match[2], match[3]
		m := byVersion[version]
		if m == nil {
			m = &Migration{Version: version, Name: name}
			byVersion[version] = m
		}
		if m.Name != name {
			return nil, fmt.Errorf("migration %s has mismatched names %q and %q", version, m.Name, name)
		}
		path := filepath.Join(dir, entry.Name())
		switch direction {
		case "up":
			if m.UpPath != "" {
				return nil, fmt.Errorf("duplicate up migration for version %s", version)
			}
			m.UpPath = path
		case "down":
			if m.DownPath != "" {
				return nil, fmt.Errorf("duplicate down migration for version %s", version)
			}
			m.DownPath = path
		}
	}

	out := make([]Migration, 0, len(byVersion))
	for version, m := range byVersion {
		if m.UpPath == "" || m.DownPath == "" {
			return nil, fmt.Errorf("migration %s must include both up and down files", version)
		}
		out = append(out, *m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}

// ApplyMigrations runs every pending up migration, each in its own transaction.
// A recorded migration whose file changed since it ran stops the run.
func ApplyMigrations(ctx context.Context, db *sql.DB, migrationsDir string) error {
	migrations, err := LoadMigrations(migrationsDir)
	if err != nil {
		return err
	}
	return withMigrationLock(ctx, db, func(conn *sql.Conn) error {
		applied, err := appliedMigrations(ctx, conn)
		if err != nil {
			return err
		}
		for _, m := range migrations {
			contents, err := os.ReadFile(m.UpPath)
			if err != nil {
				return fmt.Errorf("read migration %s: %w", m.File(), err)
			}
			sum := checksum(contents)
			if recorded, ok := applied[m.File()]; ok {
				if recorded != "" && recorded != sum {
					return fmt.Errorf("%w: %s", ErrMigrationChanged, m.File())
				}
				continue
			}
			if err := runMigration(ctx, conn, m.File(), string(contents), func(tx *sql.Tx) error {
				_, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations(version, checksum) VALUES($1, $2)`, m.File(), sum)
				return err
			}); err != nil {
				return err
			}
		}
		return nil
	})
}

// RollbackMigrations reverts the newest steps applied migrations.
func RollbackMigrations(ctx context.Context, db *sql.DB, migrationsDir string, steps int) ([]string, error) {
	migrations, err := LoadMigrations(migrationsDir)
	if err != nil {
		return nil, err
	}
	var reverted []string
	err = withMigrationLock(ctx, db, func(conn *sql.Conn) error {
		applied, err := appliedMigrations(ctx, conn)
		if err != nil {
			return err
		}
		for i := len(migrations) - 1; i >= 0 && len(reverted) < steps; i-- {
			m := migrations[i]
			if _, ok := applied[m.File()]; !ok {
				continue
			}
			contents, err := os.ReadFile(m.DownPath)
			if err != nil {
				return fmt.Errorf("read migration %s: %w", filepath.Base(m.DownPath), err)
			}
			if err := runMigration(ctx, conn, filepath.Base(m.DownPath), string(contents), func(tx *sql.Tx) error {
				_, err := tx.ExecContext(ctx, `DELETE FROM schema_migrations WHERE version=$1`, m.File())
				return err
			}); err != nil {
				return err
			}
			reverted = append(reverted, m.File())
		}
		return nil
	})
	return reverted, err
}

func withMigrationLock(ctx context.Context, db *sql.DB, fn func(conn *sql.Conn) error) error {
	// Advisory locks belong to a session, so everything runs on one connection.
	conn, err := db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("acquire migration connection: %w", err)
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, `SELECT pg_advisory_lock($1)`, migrationLockKey); err != nil {
		return fmt.Errorf("lock migrations: %w", err)
	}
	defer func() {
		_, _ = conn.ExecContext(context.WithoutCancel(ctx), `SELECT pg_advisory_unlock($1)`, migrationLockKey)
	}()

	if err := ensureMigrationsTable(ctx, conn); err != nil {
		return err
	}
	return fn(conn)
}

func runMigration(ctx context.Context, conn *sql.Conn, name, contents string, record func(tx *sql.Tx) error) error {
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx %s: %w", name, err)
	}
	if strings.TrimSpace(contents) != "" {
		if _, err := tx.ExecContext(ctx, contents); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("execute migration %s: %w", name, err)
		}
	}
	if err := record(tx); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("record migration %s: %w", name, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration %s: %w", name, err)
	}
	return nil
}

func ensureMigrationsTable(ctx context.Context, conn *sql.Conn) error {
	_, err := conn.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		ALTER TABLE schema_migrations ADD COLUMN IF NOT EXISTS checksum TEXT NOT NULL DEFAULT ''
	`)
	if err != nil {
		return fmt.Errorf("ensure schema_migrations: %w", err)
	}
	return nil
}

func appliedMigrations(ctx context.Context, conn *sql.Conn) (map[string]string, error) {
	rows, err := conn.QueryContext(ctx, `SELECT version, checksum FROM schema_migrations`)
	if err != nil {
		return nil, fmt.Errorf("list applied migrations: %w", err)
	}
	defer rows.Close()
	applied := map[string]string{}
	for rows.Next() {
		var version, sum string
		if err := rows.Scan(&version, &sum); err != nil {
			return nil, fmt.Errorf("scan applied migration: %w", err)
		}
		applied[version] = sum
	}
	return applied, rows.Err()
}

func checksum(contents []byte) string {
	sum := blake2b.Sum256(contents)
	return hex.EncodeToString(sum[:])
}
