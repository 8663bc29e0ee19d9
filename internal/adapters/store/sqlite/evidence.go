package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"trace-correlator/internal/domain/model"
)

const insertBatchSize = 100

// ReplaceLocations 用 rows 替换设备的全部定位（单事务）。
func (s *Store) ReplaceLocations(ctx context.Context, deviceID string, rows []model.Location) error {
	return s.replace(ctx, deviceID, "device_locations",
		[]string{"device_id", "latitude", "longitude", "speed", "horizontal_accuracy", "vertical_accuracy", "ts_ms"},
		len(rows),
		func(i int) []any {
			l := rows[i]
			return []any{deviceID, l.Latitude, l.Longitude, nullable(l.Speed), nullable(l.HorizontalAccuracy), nullable(l.VerticalAccuracy), int64(l.Timestamp)}
		})
}

// ReplaceWifiSightings 用 rows 替换设备的全部 WiFi 观测。
func (s *Store) ReplaceWifiSightings(ctx context.Context, deviceID string, rows []model.WifiSighting) error {
	return s.replace(ctx, deviceID, "wifi_locations",
		[]string{
			"device_id", "mac", "channel", "info_mask", "ts_ms", "latitude", "longitude",
			"horizontal_accuracy", "altitude", "vertical_accuracy", "speed", "course",
			"confidence", "score", "reach", "fence_foreign_key",
		},
		len(rows),
		func(i int) []any {
			w := rows[i]
			return []any{
				deviceID, int64(w.MAC), nullable(w.Channel), nullable(w.InfoMask), int64(w.Timestamp), w.Latitude, w.Longitude,
				nullable(w.HorizontalAccuracy), nullable(w.Altitude), nullable(w.VerticalAccuracy), nullable(w.Speed), nullable(w.Course),
				nullable(w.Confidence), nullable(w.Score), nullable(w.Reach), nullable(w.FenceForeignKey),
			}
		})
}

// ReplaceSnapshotArtifacts 用 rows 替换设备的全部快照索引。
func (s *Store) ReplaceSnapshotArtifacts(ctx context.Context, deviceID string, rows []model.SnapshotArtifact) error {
	return s.replace(ctx, deviceID, "snapshot_files",
		[]string{"device_id", "filename", "filepath", "sha256", "size_bytes", "ts_ms"},
		len(rows),
		func(i int) []any {
			a := rows[i]
			return []any{deviceID, a.Filename, a.Filepath, nullIfEmpty(a.SHA256), a.SizeBytes, int64(a.Timestamp)}
		})
}

// ReplaceUsageIntervals 用 rows 替换设备的全部应用使用区间。
func (s *Store) ReplaceUsageIntervals(ctx context.Context, deviceID string, rows []model.UsageInterval) error {
	return s.replace(ctx, deviceID, "application_data",
		[]string{"device_id", "bundle_identifier", "start_ms", "end_ms", "duration_seconds", "kind"},
		len(rows),
		func(i int) []any {
			u := rows[i]
			return []any{deviceID, u.BundleIdentifier, int64(u.StartTime), int64(u.EndTime), u.DurationSeconds, string(u.Kind)}
		})
}

// replace 在一个事务内删除设备旧数据并按批写入新数据（每条 INSERT 最多 insertBatchSize 行）。
func (s *Store) replace(ctx context.Context, deviceID, table string, cols []string, n int, args func(i int) []any) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx replace %s: %w", table, err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if err = requireDevice(ctx, tx, deviceID); err != nil {
		return err
	}
	if _, err = tx.ExecContext(ctx, `DELETE FROM `+table+` WHERE device_id = ?`, deviceID); err != nil {
		return fmt.Errorf("clear %s: %w", table, err)
	}

	head := "INSERT INTO " + table + "(" + strings.Join(cols, ", ") + ") VALUES "
	tuple := "(" + strings.TrimSuffix(strings.Repeat("?, ", len(cols)), ", ") + ")"
	for start := 0; start < n; start += insertBatchSize {
		end := min(start+insertBatchSize, n)
		var b strings.Builder
		b.WriteString(head)
		values := make([]any, 0, (end-start)*len(cols))
		for i := start; i < end; i++ {
			if i > start {
				b.WriteString(", ")
			}
			b.WriteString(tuple)
			values = append(values, args(i)...)
		}
		if _, err = tx.ExecContext(ctx, b.String(), values...); err != nil {
			return fmt.Errorf("insert %s batch %d: %w", table, start/insertBatchSize, err)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit replace %s: %w", table, err)
	}
	return nil
}

// GetLocations 返回设备定位（按时间升序），实现 evidence.Source。
func (s *Store) GetLocations(ctx context.Context, deviceID string) ([]model.Location, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, device_id, latitude, longitude, speed, horizontal_accuracy, vertical_accuracy, ts_ms
		FROM device_locations
		WHERE device_id = ?
		ORDER BY ts_ms ASC, id ASC
	`, deviceID)
	if err != nil {
		return nil, fmt.Errorf("query locations: %w", err)
	}
	defer rows.Close()

	out := []model.Location{}
	for rows.Next() {
		var l model.Location
		if err := rows.Scan(&l.ID, &l.DeviceID, &l.Latitude, &l.Longitude, &l.Speed, &l.HorizontalAccuracy, &l.VerticalAccuracy, &l.Timestamp); err != nil {
			return nil, fmt.Errorf("scan location: %w", err)
		}
		out = append(out, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate locations: %w", err)
	}
	return out, nil
}

// GetWifiSightings 返回案件下全部设备的 WiFi 观测（按时间升序）。
func (s *Store) GetWifiSightings(ctx context.Context, caseID string) ([]model.WifiSighting, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT w.id, w.device_id, w.mac, w.channel, w.info_mask, w.ts_ms, w.latitude, w.longitude,
		       w.horizontal_accuracy, w.altitude, w.vertical_accuracy, w.speed, w.course,
		       w.confidence, w.score, w.reach, w.fence_foreign_key
		FROM wifi_locations w
		JOIN devices d ON d.device_id = w.device_id
		WHERE d.case_id = ?
		ORDER BY w.ts_ms ASC, w.id ASC
	`, caseID)
	if err != nil {
		return nil, fmt.Errorf("query wifi: %w", err)
	}
	defer rows.Close()

	out := []model.WifiSighting{}
	for rows.Next() {
		var w model.WifiSighting
		var mac int64
		if err := rows.Scan(
			&w.ID, &w.DeviceID, &mac, &w.Channel, &w.InfoMask, &w.Timestamp, &w.Latitude, &w.Longitude,
			&w.HorizontalAccuracy, &w.Altitude, &w.VerticalAccuracy, &w.Speed, &w.Course,
			&w.Confidence, &w.Score, &w.Reach, &w.FenceForeignKey,
		); err != nil {
			return nil, fmt.Errorf("scan wifi: %w", err)
		}
		w.MAC = uint64(mac)
		out = append(out, w)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate wifi: %w", err)
	}
	return out, nil
}

// GetSnapshotArtifacts 返回设备快照索引（按时间升序）。
func (s *Store) GetSnapshotArtifacts(ctx context.Context, deviceID string) ([]model.SnapshotArtifact, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, device_id, filename, filepath, COALESCE(sha256, ''), COALESCE(size_bytes, 0), ts_ms
		FROM snapshot_files
		WHERE device_id = ?
		ORDER BY ts_ms ASC, id ASC
	`, deviceID)
	if err != nil {
		return nil, fmt.Errorf("query snapshots: %w", err)
	}
	defer rows.Close()

	out := []model.SnapshotArtifact{}
	for rows.Next() {
		a, err := scanSnapshot(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate snapshots: %w", err)
	}
	return out, nil
}

// GetSnapshotArtifact 按行 ID 查询快照，不存在返回 nil, nil。
func (s *Store) GetSnapshotArtifact(ctx context.Context, artifactID int64) (*model.SnapshotArtifact, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, device_id, filename, filepath, COALESCE(sha256, ''), COALESCE(size_bytes, 0), ts_ms
		FROM snapshot_files
		WHERE id = ?
	`, artifactID)
	if err != nil {
		return nil, fmt.Errorf("query snapshot: %w", err)
	}
	defer rows.Close()
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("query snapshot: %w", err)
		}
		return nil, nil
	}
	a, err := scanSnapshot(rows)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func scanSnapshot(rows *sql.Rows) (model.SnapshotArtifact, error) {
	var a model.SnapshotArtifact
	if err := rows.Scan(&a.ID, &a.DeviceID, &a.Filename, &a.Filepath, &a.SHA256, &a.SizeBytes, &a.Timestamp); err != nil {
		return a, fmt.Errorf("scan snapshot: %w", err)
	}
	return a, nil
}

// GetUsageIntervals 返回设备应用使用区间（按开始时间升序）。
func (s *Store) GetUsageIntervals(ctx context.Context, deviceID string) ([]model.UsageInterval, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, device_id, bundle_identifier, start_ms, end_ms, duration_seconds, kind
		FROM application_data
		WHERE device_id = ?
		ORDER BY start_ms ASC, id ASC
	`, deviceID)
	if err != nil {
		return nil, fmt.Errorf("query usage: %w", err)
	}
	defer rows.Close()

	out := []model.UsageInterval{}
	for rows.Next() {
		var u model.UsageInterval
		if err := rows.Scan(&u.ID, &u.DeviceID, &u.BundleIdentifier, &u.StartTime, &u.EndTime, &u.DurationSeconds, &u.Kind); err != nil {
			return nil, fmt.Errorf("scan usage: %w", err)
		}
		out = append(out, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate usage: %w", err)
	}
	return out, nil
}

// nullable 把可选字段转换为驱动参数：nil 写 NULL。
func nullable[T int64 | float64](p *T) any {
	if p == nil {
		return nil
	}
	return *p
}
