package model

import (
	"fmt"
	"strings"
)

// CaseStatus 是案件状态。
type CaseStatus string

const (
	CaseOpen     CaseStatus = "open"
	CaseArchived CaseStatus = "archived"
	CaseClosed   CaseStatus = "closed"
)

// ParseCaseStatus 校验并返回案件状态。
func ParseCaseStatus(s string) (CaseStatus, error) {
	st := CaseStatus(strings.ToLower(strings.TrimSpace(s)))
	switch st {
	case CaseOpen, CaseArchived, CaseClosed:
		return st, nil
	default:
		return "", fmt.Errorf("unknown case status: %s", s)
	}
}

// CaseSummary 是案件列表页用的轻量结构。
type CaseSummary struct {
	CaseID    string `json:"case_id"`
	CaseNo    string `json:"case_no,omitempty"`
	Title     string `json:"title,omitempty"`
	Status    string `json:"status"`
	CreatedBy string `json:"created_by,omitempty"`
	Note      string `json:"note,omitempty"`
	CreatedAt int64  `json:"created_at"`
	UpdatedAt int64  `json:"updated_at"`
}

// CaseOverview 是案件摘要（各类证据计数），便于 UI 首页与报告展示。
type CaseOverview struct {
	CaseSummary
	DeviceCount   int `json:"device_count"`
	LocationCount int `json:"location_count"`
	WifiCount     int `json:"wifi_count"`
	SnapshotCount int `json:"snapshot_count"`
	UsageCount    int `json:"usage_count"`
	AreaCount     int `json:"area_count"`
	ReportCount   int `json:"report_count"`
}

// Area 是案件内的圆形地理围栏。
type Area struct {
	ID           string  `json:"area_id"`
	CaseID       string  `json:"case_id"`
	Name         string  `json:"name"`
	Latitude     float64 `json:"latitude"`
	Longitude    float64 `json:"longitude"`
	RadiusMeters float64 `json:"radius_m"`
	Color        string  `json:"color,omitempty"`
	CreatedAt    int64   `json:"created_at"`
	UpdatedAt    int64   `json:"updated_at"`
}

func (a Area) Validate() error {
	if strings.TrimSpace(a.Name) == "" {
		return fmt.Errorf("%w: area name is required", ErrInvalidRecord)
	}
	if a.RadiusMeters <= 0 {
		return fmt.Errorf("%w: area %s radius must be > 0", ErrInvalidRecord, a.Name)
	}
	if err := validateCoordinate(a.Latitude, a.Longitude); err != nil {
		return fmt.Errorf("%w: area %s: %v", ErrInvalidRecord, a.Name, err)
	}
	return nil
}

// ReportInfo 表示报告索引信息（reports 表）。
type ReportInfo struct {
	ReportID         string `json:"report_id"`
	CaseID           string `json:"case_id"`
	ReportType       string `json:"report_type"`
	FilePath         string `json:"file_path"`
	SHA256           string `json:"sha256"`
	GeneratedAt      int64  `json:"generated_at"`
	GeneratorVersion string `json:"generator_version"`
	Status           string `json:"status"`
}
