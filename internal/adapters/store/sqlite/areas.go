package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"trace-correlator/internal/domain/model"
	"trace-correlator/internal/platform/id"
)

// AddArea 新增案件区域（圆形围栏），返回带 ID 的记录。
func (s *Store) AddArea(ctx context.Context, a model.Area) (model.Area, error) {
	if err := a.Validate(); err != nil {
		return a, err
	}
	if a.ID == "" {
		a.ID = id.New("area")
	}
	now := time.Now().Unix()
	a.CreatedAt, a.UpdatedAt = now, now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO areas(area_id, case_id, name, latitude, longitude, radius_m, color, created_at, updated_at)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, a.ID, a.CaseID, a.Name, a.Latitude, a.Longitude, a.RadiusMeters, nullIfEmpty(a.Color), a.CreatedAt, a.UpdatedAt)
	if err != nil {
		return a, fmt.Errorf("insert area: %w", err)
	}
	return a, nil
}

// ListAreas 返回案件全部区域，按创建顺序。
func (s *Store) ListAreas(ctx context.Context, caseID string) ([]model.Area, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT area_id, case_id, name, latitude, longitude, radius_m, COALESCE(color, ''), created_at, updated_at
		FROM areas
		WHERE case_id = ?
		ORDER BY created_at ASC, area_id ASC
	`, caseID)
	if err != nil {
		return nil, fmt.Errorf("query areas: %w", err)
	}
	defer rows.Close()

	out := []model.Area{}
	for rows.Next() {
		var a model.Area
		if err := rows.Scan(&a.ID, &a.CaseID, &a.Name, &a.Latitude, &a.Longitude, &a.RadiusMeters, &a.Color, &a.CreatedAt, &a.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan area: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate areas: %w", err)
	}
	return out, nil
}

// GetArea 按 ID 查询区域，不存在返回 nil, nil。
func (s *Store) GetArea(ctx context.Context, areaID string) (*model.Area, error) {
	var a model.Area
	err := s.db.QueryRowContext(ctx, `
		SELECT area_id, case_id, name, latitude, longitude, radius_m, COALESCE(color, ''), created_at, updated_at
		FROM areas
		WHERE area_id = ?
	`, areaID).Scan(&a.ID, &a.CaseID, &a.Name, &a.Latitude, &a.Longitude, &a.RadiusMeters, &a.Color, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("query area: %w", err)
	}
	return &a, nil
}

// UpdateArea 覆盖区域的名称、中心、半径与颜色。
func (s *Store) UpdateArea(ctx context.Context, a model.Area) error {
	if err := a.Validate(); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE areas SET name = ?, latitude = ?, longitude = ?, radius_m = ?, color = ?, updated_at = ?
		WHERE area_id = ?
	`, a.Name, a.Latitude, a.Longitude, a.RadiusMeters, nullIfEmpty(a.Color), time.Now().Unix(), a.ID)
	if err != nil {
		return fmt.Errorf("update area: %w", err)
	}
	return requireAffected(res, "area", a.ID)
}

func (s *Store) DeleteArea(ctx context.Context, areaID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM areas WHERE area_id = ?`, areaID)
	if err != nil {
		return fmt.Errorf("delete area: %w", err)
	}
	return requireAffected(res, "area", areaID)
}
