package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"path"
	"slices"
	"strings"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// Migrator 执行内嵌的 SQL 迁移脚本。
type Migrator struct {
	db  *sql.DB
	fs  fs.FS
	dir string
}

func NewMigrator(db *sql.DB) *Migrator {
	return &Migrator{db: db, fs: migrationFS, dir: "migrations"}
}

// Up 按文件名字典序执行全部脚本（001_xxx.sql -> 002_xxx.sql）。
// 每次都全部执行，脚本需幂等；执行完成后把最后一个脚本名写入 schema_meta.last_migration。
func (m *Migrator) Up(ctx context.Context) error {
	names, err := m.scripts()
	if err != nil {
		return err
	}

	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return err
		}
		raw, err := fs.ReadFile(m.fs, path.Join(m.dir, name))
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}
		if _, err := m.db.ExecContext(ctx, string(raw)); err != nil {
			return fmt.Errorf("exec migration %s: %w", name, err)
		}
	}

	if len(names) > 0 {
		if _, err := m.db.ExecContext(ctx,
			`INSERT OR REPLACE INTO schema_meta(key, value) VALUES('last_migration', ?)`,
			names[len(names)-1],
		); err != nil {
			return fmt.Errorf("record last migration: %w", err)
		}
	}
	return nil
}

func (m *Migrator) scripts() ([]string, error) {
	entries, err := fs.ReadDir(m.fs, m.dir)
	if err != nil {
		return nil, fmt.Errorf("read embedded migrations: %w", err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".sql") {
			continue
		}
		names = append(names, e.Name())
	}
	slices.Sort(names)
	return names, nil
}
