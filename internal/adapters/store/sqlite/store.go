package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"trace-correlator/internal/domain/model"
	"trace-correlator/internal/platform/id"
)

// Store 封装与 SQLite 的读写逻辑。
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// EnsureCase 确保案件存在；如果未传 caseID 则自动创建。
// caseNo 作为授权工单/文书编号落库，便于后续审计追溯。
func (s *Store) EnsureCase(ctx context.Context, caseID, caseNo, title, operator, note string) (string, error) {
	now := time.Now().Unix()
	if caseID == "" {
		caseID = id.New("case")
	}
	if title == "" {
		title = "Case"
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cases(case_id, case_no, title, status, created_by, note, created_at, updated_at)
		VALUES(?, ?, ?, 'open', ?, ?, ?, ?)
		ON CONFLICT(case_id) DO UPDATE SET
			updated_at=excluded.updated_at,
			case_no=CASE WHEN excluded.case_no IS NULL OR excluded.case_no='' THEN cases.case_no ELSE excluded.case_no END,
			title=CASE WHEN excluded.title IS NULL OR excluded.title='' THEN cases.title ELSE excluded.title END,
			note=CASE WHEN excluded.note IS NULL OR excluded.note='' THEN cases.note ELSE excluded.note END
	`, caseID, nullIfEmpty(caseNo), title, operator, note, now, now)
	if err != nil {
		return "", fmt.Errorf("upsert case: %w", err)
	}

	return caseID, nil
}

// GetSchemaMetaValue 查询 schema_meta 表指定 key 的 value。
func (s *Store) GetSchemaMetaValue(ctx context.Context, key string) (string, error) {
	var v string
	err := s.db.QueryRowContext(ctx, `
		SELECT value
		FROM schema_meta
		WHERE key = ?
		LIMIT 1
	`, key).Scan(&v)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		return "", fmt.Errorf("query schema_meta %s: %w", key, err)
	}
	return v, nil
}

// MetaActiveTargetsPath 记录当前启用的提取规则文件（空值表示内置规则）。
const MetaActiveTargetsPath = "active_targets_path"

// UpsertSchemaMetaValue 写入 schema_meta 的运行期设置（例如当前启用的提取规则文件）。
func (s *Store) UpsertSchemaMetaValue(ctx context.Context, key, value string) error {
	if strings.TrimSpace(key) == "" {
		return errors.New("schema_meta key is required")
	}
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO schema_meta(key, value) VALUES(?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value); err != nil {
		return fmt.Errorf("upsert schema_meta %s: %w", key, err)
	}
	return nil
}

// GetCase 查询单个案件，不存在返回 nil, nil。
func (s *Store) GetCase(ctx context.Context, caseID string) (*model.CaseSummary, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT case_id, COALESCE(case_no, ''), COALESCE(title, ''), status,
		       COALESCE(created_by, ''), COALESCE(note, ''), created_at, updated_at
		FROM cases
		WHERE case_id = ?
	`, caseID)
	var out model.CaseSummary
	if err := row.Scan(&out.CaseID, &out.CaseNo, &out.Title, &out.Status, &out.CreatedBy, &out.Note, &out.CreatedAt, &out.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("query case: %w", err)
	}
	return &out, nil
}

// GetCaseOverview 返回案件摘要与各类证据计数。
func (s *Store) GetCaseOverview(ctx context.Context, caseID string) (*model.CaseOverview, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT
			c.case_id,
			COALESCE(c.case_no, ''),
			COALESCE(c.title, ''),
			c.status,
			COALESCE(c.created_by, ''),
			COALESCE(c.note, ''),
			c.created_at,
			c.updated_at,
			(SELECT COUNT(*) FROM devices d WHERE d.case_id = c.case_id),
			(SELECT COUNT(*) FROM device_locations l JOIN devices d ON d.device_id = l.device_id WHERE d.case_id = c.case_id),
			(SELECT COUNT(*) FROM wifi_locations w JOIN devices d ON d.device_id = w.device_id WHERE d.case_id = c.case_id),
			(SELECT COUNT(*) FROM snapshot_files f JOIN devices d ON d.device_id = f.device_id WHERE d.case_id = c.case_id),
			(SELECT COUNT(*) FROM application_data a JOIN devices d ON d.device_id = a.device_id WHERE d.case_id = c.case_id),
			(SELECT COUNT(*) FROM areas a WHERE a.case_id = c.case_id),
			(SELECT COUNT(*) FROM reports r WHERE r.case_id = c.case_id)
		FROM cases c
		WHERE c.case_id = ?
	`, caseID)

	var out model.CaseOverview
	if err := row.Scan(
		&out.CaseID,
		&out.CaseNo,
		&out.Title,
		&out.Status,
		&out.CreatedBy,
		&out.Note,
		&out.CreatedAt,
		&out.UpdatedAt,
		&out.DeviceCount,
		&out.LocationCount,
		&out.WifiCount,
		&out.SnapshotCount,
		&out.UsageCount,
		&out.AreaCount,
		&out.ReportCount,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("query case overview: %w", err)
	}
	return &out, nil
}

// ListCases 返回案件列表，按更新时间倒序。
func (s *Store) ListCases(ctx context.Context, limit, offset int) ([]model.CaseSummary, error) {
	if limit <= 0 {
		limit = 50
	}
	if limit > 500 {
		limit = 500
	}
	if offset < 0 {
		offset = 0
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT
			c.case_id,
			COALESCE(c.case_no, ''),
			COALESCE(c.title, ''),
			c.status,
			COALESCE(c.created_by, ''),
			COALESCE(c.note, ''),
			c.created_at,
			c.updated_at
		FROM cases c
		ORDER BY c.updated_at DESC, c.created_at DESC
		LIMIT ? OFFSET ?
	`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("query cases: %w", err)
	}
	defer rows.Close()

	var out []model.CaseSummary
	for rows.Next() {
		var item model.CaseSummary
		if err := rows.Scan(
			&item.CaseID,
			&item.CaseNo,
			&item.Title,
			&item.Status,
			&item.CreatedBy,
			&item.Note,
			&item.CreatedAt,
			&item.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan case summary: %w", err)
		}
		out = append(out, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate case summaries: %w", err)
	}
	if out == nil {
		out = []model.CaseSummary{}
	}
	return out, nil
}

// UpdateCaseStatus 修改案件状态。
func (s *Store) UpdateCaseStatus(ctx context.Context, caseID string, status model.CaseStatus) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE cases SET status = ?, updated_at = ? WHERE case_id = ?
	`, string(status), time.Now().Unix(), caseID)
	if err != nil {
		return fmt.Errorf("update case status: %w", err)
	}
	return requireAffected(res, "case", caseID)
}

// DeleteCase 删除案件；设备、证据与区域随外键级联删除，审计与报告索引保留。
func (s *Store) DeleteCase(ctx context.Context, caseID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM cases WHERE case_id = ?`, caseID)
	if err != nil {
		return fmt.Errorf("delete case: %w", err)
	}
	return requireAffected(res, "case", caseID)
}

func (s *Store) touchCase(ctx context.Context, tx *sql.Tx, caseID string) error {
	if _, err := tx.ExecContext(ctx, `UPDATE cases SET updated_at = ? WHERE case_id = ?`, time.Now().Unix(), caseID); err != nil {
		return fmt.Errorf("touch case: %w", err)
	}
	return nil
}

// AddDevice 在案件中登记设备及其候选镜像。d.ID 为空时自动生成。
// 案件必须已存在。
func (s *Store) AddDevice(ctx context.Context, d model.Device) (model.Device, error) {
	if strings.TrimSpace(d.CaseID) == "" {
		return d, errors.New("add device: case_id is required")
	}
	if strings.TrimSpace(d.Name) == "" {
		return d, errors.New("add device: device name is required")
	}
	if d.ID == "" {
		d.ID = id.New("dev")
	}
	if d.OS == "" {
		d.OS = model.OSIOS
	}
	d.CreatedAt = time.Now().Unix()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return d, fmt.Errorf("begin tx add device: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	var exists int
	if err = tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM cases WHERE case_id = ?`, d.CaseID).Scan(&exists); err != nil {
		return d, fmt.Errorf("check case: %w", err)
	}
	if exists == 0 {
		err = fmt.Errorf("%w: case %s", ErrNotFound, d.CaseID)
		return d, err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO devices(device_id, case_id, device_name, os_type, product_version, identifier, created_at, seq)
		VALUES(?, ?, ?, ?, ?, ?, ?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM devices WHERE case_id = ?))
	`, d.ID, d.CaseID, d.Name, string(d.OS), nullIfEmpty(d.ProductVersion), nullIfEmpty(d.Identifier), d.CreatedAt, d.CaseID)
	if err != nil {
		return d, fmt.Errorf("insert device: %w", err)
	}
	if err = writeDeviceImages(ctx, tx, d.ID, d.ImagePaths); err != nil {
		return d, err
	}
	if err = s.touchCase(ctx, tx, d.CaseID); err != nil {
		return d, err
	}
	if err = tx.Commit(); err != nil {
		return d, fmt.Errorf("commit add device: %w", err)
	}
	if d.ImagePaths == nil {
		d.ImagePaths = []string{}
	}
	return d, nil
}

// SetDeviceImages 替换设备的候选镜像列表。
func (s *Store) SetDeviceImages(ctx context.Context, deviceID string, paths []string) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx set images: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if err = requireDevice(ctx, tx, deviceID); err != nil {
		return err
	}
	if _, err = tx.ExecContext(ctx, `DELETE FROM device_images WHERE device_id = ?`, deviceID); err != nil {
		return fmt.Errorf("clear device images: %w", err)
	}
	if err = writeDeviceImages(ctx, tx, deviceID, paths); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit set images: %w", err)
	}
	return nil
}

func writeDeviceImages(ctx context.Context, tx *sql.Tx, deviceID string, paths []string) error {
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO device_images(device_id, position, image_path) VALUES(?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare insert device images: %w", err)
	}
	defer stmt.Close()
	for i, p := range paths {
		if _, err := stmt.ExecContext(ctx, deviceID, i, p); err != nil {
			return fmt.Errorf("insert device image %s: %w", p, err)
		}
	}
	return nil
}

// ListDevices 返回案件设备，按登记顺序排列（该顺序决定展示序号）。
func (s *Store) ListDevices(ctx context.Context, caseID string) ([]model.Device, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT device_id, case_id, device_name, os_type,
		       COALESCE(product_version, ''), COALESCE(identifier, ''), created_at
		FROM devices
		WHERE case_id = ?
		ORDER BY seq ASC, created_at ASC
	`, caseID)
	if err != nil {
		return nil, fmt.Errorf("query devices: %w", err)
	}
	var out []model.Device
	for rows.Next() {
		var d model.Device
		if err := rows.Scan(&d.ID, &d.CaseID, &d.Name, &d.OS, &d.ProductVersion, &d.Identifier, &d.CreatedAt); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan device: %w", err)
		}
		d.ImagePaths = []string{}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("iterate devices: %w", err)
	}
	rows.Close()

	if out == nil {
		return []model.Device{}, nil
	}

	// 单连接：上一个结果集关闭后再查镜像。
	images, err := s.imagesByCase(ctx, caseID)
	if err != nil {
		return nil, err
	}
	for i := range out {
		if paths, ok := images[out[i].ID]; ok {
			out[i].ImagePaths = paths
		}
	}
	return out, nil
}

// GetDevice 按 ID 查询设备，不存在返回 nil, nil。
func (s *Store) GetDevice(ctx context.Context, deviceID string) (*model.Device, error) {
	var d model.Device
	err := s.db.QueryRowContext(ctx, `
		SELECT device_id, case_id, device_name, os_type,
		       COALESCE(product_version, ''), COALESCE(identifier, ''), created_at
		FROM devices
		WHERE device_id = ?
	`, deviceID).Scan(&d.ID, &d.CaseID, &d.Name, &d.OS, &d.ProductVersion, &d.Identifier, &d.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("query device: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT image_path FROM device_images WHERE device_id = ? ORDER BY position ASC
	`, deviceID)
	if err != nil {
		return nil, fmt.Errorf("query device images: %w", err)
	}
	defer rows.Close()
	d.ImagePaths = []string{}
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, fmt.Errorf("scan device image: %w", err)
		}
		d.ImagePaths = append(d.ImagePaths, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate device images: %w", err)
	}
	return &d, nil
}

func (s *Store) imagesByCase(ctx context.Context, caseID string) (map[string][]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT i.device_id, i.image_path
		FROM device_images i
		JOIN devices d ON d.device_id = i.device_id
		WHERE d.case_id = ?
		ORDER BY i.device_id, i.position ASC
	`, caseID)
	if err != nil {
		return nil, fmt.Errorf("query device images: %w", err)
	}
	defer rows.Close()

	out := map[string][]string{}
	for rows.Next() {
		var devID, p string
		if err := rows.Scan(&devID, &p); err != nil {
			return nil, fmt.Errorf("scan device image: %w", err)
		}
		out[devID] = append(out[devID], p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate device images: %w", err)
	}
	return out, nil
}

// UpdateDeviceInfo 回填从镜像 plist 中读到的系统信息；空值不覆盖已有值。
func (s *Store) UpdateDeviceInfo(ctx context.Context, deviceID, productVersion, identifier string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE devices SET
			product_version = COALESCE(?, product_version),
			identifier = COALESCE(?, identifier)
		WHERE device_id = ?
	`, nullIfEmpty(productVersion), nullIfEmpty(identifier), deviceID)
	if err != nil {
		return fmt.Errorf("update device info: %w", err)
	}
	return requireAffected(res, "device", deviceID)
}

// RemoveDevice 删除设备，全部证据随外键级联删除。
func (s *Store) RemoveDevice(ctx context.Context, deviceID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM devices WHERE device_id = ?`, deviceID)
	if err != nil {
		return fmt.Errorf("delete device: %w", err)
	}
	return requireAffected(res, "device", deviceID)
}

// AppendAudit 追加一条审计日志（链式哈希）。
// 读取上一条哈希与写入在同一事务内完成，并发追加不会产生分叉。
func (s *Store) AppendAudit(ctx context.Context, caseID, deviceID, eventType, action, status, actor, source string, detail any) (err error) {
	detailJSON := []byte("{}")
	if detail != nil {
		raw, mErr := json.Marshal(detail)
		if mErr == nil {
			detailJSON = raw
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx append audit: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	prev := ""
	err = tx.QueryRowContext(ctx, `
		SELECT chain_hash
		FROM audit_logs
		WHERE case_id = ?
		ORDER BY occurred_at DESC, event_id DESC
		LIMIT 1
	`, caseID).Scan(&prev)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("query previous chain hash: %w", err)
	}

	entry := model.AuditLog{
		EventID:    id.New("evt"),
		CaseID:     caseID,
		EventType:  eventType,
		Action:     action,
		Status:     status,
		DetailJSON: detailJSON,
		OccurredAt: time.Now().UnixMilli(),
	}
	entry.ChainHash = entry.ComputeChainHash(prev)

	_, err = tx.ExecContext(ctx, `
		INSERT INTO audit_logs(
			event_id, case_id, device_id, event_type, action, status,
			actor, source, detail_json, occurred_at, chain_prev_hash, chain_hash
		)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, entry.EventID, caseID, nullIfEmpty(deviceID), eventType, action, status, actor, source,
		string(detailJSON), entry.OccurredAt, nullIfEmpty(prev), entry.ChainHash)
	if err != nil {
		return fmt.Errorf("insert audit log: %w", err)
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit audit log: %w", err)
	}
	return nil
}

// ListAuditLogs 按时间正序返回案件审计日志。
func (s *Store) ListAuditLogs(ctx context.Context, caseID string, limit int) ([]model.AuditLog, error) {
	if limit <= 0 {
		limit = 500
	}
	if limit > 5000 {
		limit = 5000
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT
			event_id,
			case_id,
			COALESCE(device_id, ''),
			event_type,
			action,
			status,
			COALESCE(actor, ''),
			COALESCE(source, ''),
			COALESCE(detail_json, '{}'),
			occurred_at,
			COALESCE(chain_prev_hash, ''),
			chain_hash
		FROM audit_logs
		WHERE case_id = ?
		ORDER BY occurred_at ASC, event_id ASC
		LIMIT ?
	`, caseID, limit)
	if err != nil {
		return nil, fmt.Errorf("query audit logs: %w", err)
	}
	defer rows.Close()

	var out []model.AuditLog
	for rows.Next() {
		var item model.AuditLog
		var detail string
		if err := rows.Scan(
			&item.EventID,
			&item.CaseID,
			&item.DeviceID,
			&item.EventType,
			&item.Action,
			&item.Status,
			&item.Actor,
			&item.Source,
			&detail,
			&item.OccurredAt,
			&item.ChainPrevHash,
			&item.ChainHash,
		); err != nil {
			return nil, fmt.Errorf("scan audit log: %w", err)
		}
		item.DetailJSON = json.RawMessage(detail)
		out = append(out, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit logs: %w", err)
	}
	if out == nil {
		out = []model.AuditLog{}
	}
	return out, nil
}

// SaveReport 登记一份导出文件（PDF / ZIP）。
func (s *Store) SaveReport(ctx context.Context, caseID, reportType, filePath, sha256, generatorVersion, status string) (string, error) {
	reportID := id.New("report")
	now := time.Now().Unix()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO reports(
			report_id, case_id, report_type, file_path, sha256, generated_at, generator_version, status
		)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?)
	`, reportID, caseID, reportType, filePath, sha256, now, generatorVersion, status)
	if err != nil {
		return "", fmt.Errorf("insert report: %w", err)
	}
	return reportID, nil
}

// GetReportByID 按报告 ID 查询报告索引。
func (s *Store) GetReportByID(ctx context.Context, reportID string) (*model.ReportInfo, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT report_id, case_id, report_type, file_path, sha256, generated_at, COALESCE(generator_version, ''), status
		FROM reports
		WHERE report_id = ?
		LIMIT 1
	`, reportID)
	return scanReportInfo(row)
}

// ListReportsByCase 返回案件全部报告索引，按生成时间倒序。
func (s *Store) ListReportsByCase(ctx context.Context, caseID string) ([]model.ReportInfo, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT report_id, case_id, report_type, file_path, sha256, generated_at, COALESCE(generator_version, ''), status
		FROM reports
		WHERE case_id = ?
		ORDER BY generated_at DESC, report_id DESC
	`, caseID)
	if err != nil {
		return nil, fmt.Errorf("query reports by case: %w", err)
	}
	defer rows.Close()

	var out []model.ReportInfo
	for rows.Next() {
		var item model.ReportInfo
		if err := rows.Scan(
			&item.ReportID,
			&item.CaseID,
			&item.ReportType,
			&item.FilePath,
			&item.SHA256,
			&item.GeneratedAt,
			&item.GeneratorVersion,
			&item.Status,
		); err != nil {
			return nil, fmt.Errorf("scan report: %w", err)
		}
		out = append(out, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate reports: %w", err)
	}
	if out == nil {
		out = []model.ReportInfo{}
	}
	return out, nil
}

func scanReportInfo(row *sql.Row) (*model.ReportInfo, error) {
	var out model.ReportInfo
	if err := row.Scan(
		&out.ReportID,
		&out.CaseID,
		&out.ReportType,
		&out.FilePath,
		&out.SHA256,
		&out.GeneratedAt,
		&out.GeneratorVersion,
		&out.Status,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("query report info: %w", err)
	}
	return &out, nil
}

func requireDevice(ctx context.Context, tx *sql.Tx, deviceID string) error {
	var n int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM devices WHERE device_id = ?`, deviceID).Scan(&n); err != nil {
		return fmt.Errorf("check device: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: device %s", ErrNotFound, deviceID)
	}
	return nil
}

func requireAffected(res sql.Result, kind, key string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s %s", ErrNotFound, kind, key)
	}
	return nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
