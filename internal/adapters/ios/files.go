package ios

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"trace-correlator/internal/adapters/archive"
	"trace-correlator/internal/domain/model"
	"trace-correlator/internal/platform/timebase"

	"howett.net/plist"
)

// SnapshotFromExtracted 把提取出的 KTX 文件转成快照证据。
// 时间取镜像内条目的修改时间（设备上的原始时间），不是本地落盘时间。
func SnapshotFromExtracted(x archive.Extracted, deviceID string) (model.SnapshotArtifact, error) {
	if x.ModTime.IsZero() {
		return model.SnapshotArtifact{}, fmt.Errorf("%w: snapshot %s has no mtime", model.ErrInvalidRecord, x.Entry)
	}
	s := model.SnapshotArtifact{
		DeviceID:  deviceID,
		Filename:  filepath.Base(x.LocalPath),
		Filepath:  x.LocalPath,
		SHA256:    x.SHA256,
		SizeBytes: x.Size,
		Timestamp: timebase.FromTime(x.ModTime),
	}
	if err := s.Validate(); err != nil {
		return model.SnapshotArtifact{}, err
	}
	return s, nil
}

// DeviceInfo 是从镜像中的 plist 读出的设备基本信息。
type DeviceInfo struct {
	Name           string `json:"device_name,omitempty"`
	ProductName    string `json:"product_name,omitempty"`
	ProductVersion string `json:"product_version,omitempty"`
	BuildVersion   string `json:"build_version,omitempty"`
	Identifier     string `json:"identifier,omitempty"`
}

// ReadDeviceInfo 解析 SystemVersion.plist（整盘镜像）或备份根目录的 Info.plist。
// 两种格式字段名不同，这里都认。
func ReadDeviceInfo(path string) (DeviceInfo, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return DeviceInfo{}, fmt.Errorf("read plist: %w", err)
	}
	var m map[string]any
	if _, err := plist.Unmarshal(raw, &m); err != nil {
		return DeviceInfo{}, fmt.Errorf("parse plist %s: %w", filepath.Base(path), err)
	}
	info := DeviceInfo{
		Name:           firstString(m, "Device Name", "Display Name"),
		ProductName:    firstString(m, "ProductName", "Product Type"),
		ProductVersion: firstString(m, "ProductVersion", "Product Version"),
		BuildVersion:   firstString(m, "ProductBuildVersion", "Build Version"),
		Identifier:     firstString(m, "Unique Identifier", "Target Identifier", "Serial Number"),
	}
	if info == (DeviceInfo{}) {
		return DeviceInfo{}, fmt.Errorf("plist %s carries no device fields", filepath.Base(path))
	}
	return info, nil
}

func firstString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if s, ok := m[k].(string); ok && strings.TrimSpace(s) != "" {
			return strings.TrimSpace(s)
		}
	}
	return ""
}
