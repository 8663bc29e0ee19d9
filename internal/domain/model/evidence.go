package model

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"trace-correlator/internal/platform/timebase"
)

// ErrInvalidRecord 表示记录违反了数据模型不变式（坐标缺失、时间区间倒置等）。
// 这类问题属于前置条件破坏，必须作为硬错误向上传递，而不是静默修正。
var ErrInvalidRecord = errors.New("invalid evidence record")

// OSType 标识设备操作系统。
type OSType string

const (
	OSIOS     OSType = "ios"
	OSUnknown OSType = "unknown"
)

// EvidenceKind 是四类证据流。
type EvidenceKind string

const (
	KindLocations EvidenceKind = "locations"
	KindWifi      EvidenceKind = "wifi"
	KindSnapshots EvidenceKind = "snapshots"
	KindUsage     EvidenceKind = "usage"

	// KindDeviceInfo 只出现在提取目标中（SystemVersion.plist），不是证据流。
	KindDeviceInfo EvidenceKind = "device_info"
)

// AllKinds 按固定顺序列出全部证据类型。
func AllKinds() []EvidenceKind {
	return []EvidenceKind{KindLocations, KindWifi, KindSnapshots, KindUsage}
}

// ParseKind 解析证据类型名称。
func ParseKind(s string) (EvidenceKind, error) {
	k := EvidenceKind(strings.ToLower(strings.TrimSpace(s)))
	switch k {
	case KindLocations, KindWifi, KindSnapshots, KindUsage:
		return k, nil
	default:
		return "", fmt.Errorf("unknown evidence kind: %s", s)
	}
}

// UsageKind 区分前台焦点（/app/inFocus）与应用使用（/app/usage）。
type UsageKind string

const (
	UsageFocus UsageKind = "focus"
	UsageUsage UsageKind = "usage"
)

// Device 是案件中登记的一台被调查设备。
// ImagePaths 是该设备的候选镜像（zip 或 iTunes 备份目录），提取时逐个尝试。
type Device struct {
	ID             string   `json:"device_id"`
	CaseID         string   `json:"case_id"`
	Name           string   `json:"device_name"`
	OS             OSType   `json:"os_type"`
	ProductVersion string   `json:"product_version,omitempty"`
	Identifier     string   `json:"identifier,omitempty"`
	ImagePaths     []string `json:"image_paths"`
	CreatedAt      int64    `json:"created_at"`
}

// DeviceRef 是一次案件加载中的设备与展示序号（从 1 开始）。
// 序号只用于图例/配色，不等同于 device_id。
type DeviceRef struct {
	DeviceID       string `json:"device_id"`
	DisplayOrdinal int    `json:"display_ordinal"`
	Name           string `json:"device_name"`
}

// Location 是一条 GPS 定位记录。
type Location struct {
	ID                 int64            `json:"id,omitempty"`
	DeviceID           string           `json:"device_id"`
	DisplayOrdinal     int              `json:"display_ordinal,omitempty"`
	Latitude           float64          `json:"latitude"`
	Longitude          float64          `json:"longitude"`
	Speed              *float64         `json:"speed,omitempty"`
	HorizontalAccuracy *float64         `json:"horizontal_accuracy,omitempty"`
	VerticalAccuracy   *float64         `json:"vertical_accuracy,omitempty"`
	Timestamp          timebase.Instant `json:"timestamp"`
}

func (l Location) Validate() error {
	if strings.TrimSpace(l.DeviceID) == "" {
		return fmt.Errorf("%w: location without device_id", ErrInvalidRecord)
	}
	if err := validateCoordinate(l.Latitude, l.Longitude); err != nil {
		return fmt.Errorf("%w: location %d: %v", ErrInvalidRecord, l.ID, err)
	}
	return nil
}

// WifiSighting 是一次 WiFi 热点观测。可选字段原样透传。
type WifiSighting struct {
	ID                 int64            `json:"id,omitempty"`
	DeviceID           string           `json:"device_id"`
	DisplayOrdinal     int              `json:"display_ordinal,omitempty"`
	MAC                uint64           `json:"mac"`
	Channel            *int64           `json:"channel,omitempty"`
	InfoMask           *int64           `json:"info_mask,omitempty"`
	Timestamp          timebase.Instant `json:"timestamp"`
	Latitude           float64          `json:"latitude"`
	Longitude          float64          `json:"longitude"`
	HorizontalAccuracy *float64         `json:"horizontal_accuracy,omitempty"`
	Altitude           *float64         `json:"altitude,omitempty"`
	VerticalAccuracy   *float64         `json:"vertical_accuracy,omitempty"`
	Speed              *float64         `json:"speed,omitempty"`
	Course             *float64         `json:"course,omitempty"`
	Confidence         *float64         `json:"confidence,omitempty"`
	Score              *float64         `json:"score,omitempty"`
	Reach              *float64         `json:"reach,omitempty"`
	FenceForeignKey    *int64           `json:"fence_foreign_key,omitempty"`
}

// MACAddress 返回冒号分隔的大写十六进制 MAC。
func (w WifiSighting) MACAddress() string {
	return FormatMAC(w.MAC)
}

func (w WifiSighting) Validate() error {
	if strings.TrimSpace(w.DeviceID) == "" {
		return fmt.Errorf("%w: wifi sighting without device_id", ErrInvalidRecord)
	}
	if w.MAC > 0xFFFFFFFFFFFF {
		return fmt.Errorf("%w: wifi mac exceeds 48 bits: %d", ErrInvalidRecord, w.MAC)
	}
	if err := validateCoordinate(w.Latitude, w.Longitude); err != nil {
		return fmt.Errorf("%w: wifi %s: %v", ErrInvalidRecord, w.MACAddress(), err)
	}
	return nil
}

// FormatMAC 把 48 位整数渲染为 "AA:BB:CC:DD:EE:FF"。
func FormatMAC(mac uint64) string {
	hex := fmt.Sprintf("%012X", mac&0xFFFFFFFFFFFF)
	var b strings.Builder
	b.Grow(17)
	for i := 0; i < 12; i += 2 {
		if i > 0 {
			b.WriteByte(':')
		}
		b.WriteString(hex[i : i+2])
	}
	return b.String()
}

// SnapshotArtifact 是从镜像中提取的界面缩略图（KTX）。
// Timestamp 取镜像内文件的原始修改时间，而不是提取时间。
type SnapshotArtifact struct {
	ID        int64            `json:"id,omitempty"`
	DeviceID  string           `json:"device_id"`
	Filename  string           `json:"filename"`
	Filepath  string           `json:"filepath"`
	SHA256    string           `json:"sha256,omitempty"`
	SizeBytes int64            `json:"size_bytes,omitempty"`
	Timestamp timebase.Instant `json:"timestamp"`
}

func (s SnapshotArtifact) Validate() error {
	if strings.TrimSpace(s.DeviceID) == "" {
		return fmt.Errorf("%w: snapshot without device_id", ErrInvalidRecord)
	}
	if strings.TrimSpace(s.Filepath) == "" {
		return fmt.Errorf("%w: snapshot %q without filepath", ErrInvalidRecord, s.Filename)
	}
	return nil
}

// UsageInterval 是一段应用焦点/使用区间。
// DurationSeconds 以设备记录为准，不做重算。
type UsageInterval struct {
	ID               int64            `json:"id,omitempty"`
	DeviceID         string           `json:"device_id"`
	BundleIdentifier string           `json:"bundle_identifier"`
	StartTime        timebase.Instant `json:"start_time"`
	EndTime          timebase.Instant `json:"end_time"`
	DurationSeconds  float64          `json:"duration_seconds"`
	Kind             UsageKind        `json:"kind"`
}

// Contains 判断 ts 是否落在闭区间 [StartTime, EndTime] 内。
func (u UsageInterval) Contains(ts timebase.Instant) bool {
	return u.StartTime <= ts && ts <= u.EndTime
}

func (u UsageInterval) Validate() error {
	if strings.TrimSpace(u.DeviceID) == "" {
		return fmt.Errorf("%w: usage interval without device_id", ErrInvalidRecord)
	}
	if u.StartTime > u.EndTime {
		return fmt.Errorf("%w: usage %s start %s after end %s", ErrInvalidRecord, u.BundleIdentifier, u.StartTime, u.EndTime)
	}
	if u.Kind != UsageFocus && u.Kind != UsageUsage {
		return fmt.Errorf("%w: usage kind %q", ErrInvalidRecord, u.Kind)
	}
	return nil
}

// MatchedLocation 是关联结果：一条定位 + 至多一个快照 + 至多一个包含它的使用区间。
// 每次关联都重新生成，不在原值上修改。
type MatchedLocation struct {
	Location
	HasArtifact bool              `json:"has_artifact"`
	Artifact    *SnapshotArtifact `json:"artifact"`
	Usage       *UsageInterval    `json:"usage"`
}

func validateCoordinate(lat, lon float64) error {
	if math.IsNaN(lat) || math.IsInf(lat, 0) || math.IsNaN(lon) || math.IsInf(lon, 0) {
		return errors.New("non-finite coordinate")
	}
	if lat < -90 || lat > 90 || lon < -180 || lon > 180 {
		return fmt.Errorf("coordinate out of range: %f,%f", lat, lon)
	}
	return nil
}
