package privacy

import (
	"fmt"
	"math"
	"path/filepath"
	"strings"

	"trace-correlator/internal/domain/model"
)

// Mode 是导出材料的隐私模式。
type Mode string

const (
	ModeOff    Mode = "off"
	ModeMasked Mode = "masked"
)

// ParseMode 解析隐私模式；空值视为 off。
func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case "", ModeOff:
		return ModeOff, nil
	case ModeMasked:
		return m, nil
	default:
		return "", fmt.Errorf("unknown privacy mode: %s", s)
	}
}

// CoordinateDecimals 是 masked 模式下坐标保留的小数位（约 1 公里精度）。
const CoordinateDecimals = 2

// MaskSnapshotPath 用于把绝对路径压缩为“文件名”形式，避免在对外材料中暴露目录结构。
func MaskSnapshotPath(p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return ""
	}
	return filepath.Base(p)
}

// MaskCoordinate 把坐标截到 CoordinateDecimals 位。
func MaskCoordinate(v float64) float64 {
	scale := math.Pow(10, CoordinateDecimals)
	return math.Round(v*scale) / scale
}

// MaskMAC 只保留厂商前缀（OUI），形如 "AA:BB:CC:**:**:**"。
func MaskMAC(mac uint64) string {
	full := model.FormatMAC(mac)
	return full[:8] + ":**:**:**"
}

// MaskMatched 对关联结果做“展示层脱敏”（不修改数据库原始记录）：
// 坐标降精度，快照只保留文件名，精度/速度类字段保留。
func MaskMatched(rows []model.MatchedLocation) []model.MatchedLocation {
	out := make([]model.MatchedLocation, 0, len(rows))
	for _, r := range rows {
		rr := r // copy
		rr.Latitude = MaskCoordinate(rr.Latitude)
		rr.Longitude = MaskCoordinate(rr.Longitude)
		if rr.Artifact != nil {
			a := *rr.Artifact
			a.Filepath = MaskSnapshotPath(a.Filepath)
			rr.Artifact = &a
		}
		out = append(out, rr)
	}
	return out
}

// MaskedWifi 是 masked 模式下 WiFi 观测的展示形式（MAC 用字符串表示）。
type MaskedWifi struct {
	DeviceID  string  `json:"device_id"`
	MAC       string  `json:"mac"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Timestamp int64   `json:"timestamp"`
}

// MaskWifi 对 WiFi 观测脱敏：MAC 只留 OUI，坐标降精度，可选字段丢弃。
func MaskWifi(rows []model.WifiSighting) []MaskedWifi {
	out := make([]MaskedWifi, 0, len(rows))
	for _, w := range rows {
		out = append(out, MaskedWifi{
			DeviceID:  w.DeviceID,
			MAC:       MaskMAC(w.MAC),
			Latitude:  MaskCoordinate(w.Latitude),
			Longitude: MaskCoordinate(w.Longitude),
			Timestamp: int64(w.Timestamp),
		})
	}
	return out
}

// MaskDevice 隐藏设备标识与镜像路径（只保留文件名）。
func MaskDevice(d model.Device) model.Device {
	d.Identifier = maskTail(d.Identifier)
	paths := make([]string, 0, len(d.ImagePaths))
	for _, p := range d.ImagePaths {
		paths = append(paths, MaskSnapshotPath(p))
	}
	d.ImagePaths = paths
	return d
}

// maskTail 保留头 4 位，其余替换为 "..."；过短时整体替换。
func maskTail(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	if len(s) <= 6 {
		return "<masked>"
	}
	return s[:4] + "..."
}
