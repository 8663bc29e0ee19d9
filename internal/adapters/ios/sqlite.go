package ios

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"

	"trace-correlator/internal/domain/model"
	"trace-correlator/internal/platform/timebase"

	_ "modernc.org/sqlite"
)

// ErrMissingTable 表示提取出的数据库中没有期望的表（系统版本差异或文件损坏）。
var ErrMissingTable = errors.New("ios: expected table not found")

func openDB(ctx context.Context, path string) (*sql.DB, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("stat db: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, `PRAGMA busy_timeout = 5000`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy_timeout: %w", err)
	}
	return db, nil
}

func requireTable(ctx context.Context, db *sql.DB, table string) error {
	var n int
	if err := db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?`, table,
	).Scan(&n); err != nil {
		return fmt.Errorf("inspect sqlite_master: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrMissingTable, table)
	}
	return nil
}

// appleInstant 把 Apple 纪元秒转换为 Instant；NULL 属于前置条件破坏，不做默认值。
func appleInstant(v sql.NullFloat64, what string) (timebase.Instant, error) {
	if !v.Valid {
		return 0, fmt.Errorf("%w: %s is NULL", model.ErrInvalidRecord, what)
	}
	ts, err := timebase.FromAppleSeconds(v.Float64)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", what, err)
	}
	return ts, nil
}

func requiredFloat(v sql.NullFloat64, what string) (float64, error) {
	if !v.Valid {
		return 0, fmt.Errorf("%w: %s is NULL", model.ErrInvalidRecord, what)
	}
	return v.Float64, nil
}

func optFloat(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}

func optInt(v sql.NullInt64) *int64 {
	if !v.Valid {
		return nil
	}
	i := v.Int64
	return &i
}
