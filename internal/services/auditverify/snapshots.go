package auditverify

import (
	"strings"

	"trace-correlator/internal/domain/model"
	"trace-correlator/internal/platform/hash"
)

// 文件校验项状态
const (
	StatusOK       = "ok"
	StatusMissing  = "missing"
	StatusMismatch = "mismatch"
	StatusError    = "error"
)

// SnapshotItem 是一张快照文件的复核结果。
type SnapshotItem struct {
	ArtifactID     int64  `json:"artifact_id"`
	DeviceID       string `json:"device_id"`
	Filepath       string `json:"filepath"`
	ExpectedSHA256 string `json:"expected_sha256"`
	ActualSHA256   string `json:"actual_sha256,omitempty"`
	ExpectedSize   int64  `json:"expected_size"`
	ActualSize     int64  `json:"actual_size"`
	Status         string `json:"status"`
	Error          string `json:"error,omitempty"`
}

// FileReport 汇总一批文件的复核结果。
type FileReport[T any] struct {
	OK     bool `json:"ok"`
	Total  int  `json:"total"`
	Passed int  `json:"passed"`
	Failed int  `json:"failed"`
	Items  []T  `json:"items"`
}

// VerifySnapshots 重新计算提取出的快照文件哈希，与入库时的 sha256/size 对比。
// 入库时没有记录 sha256 的快照只核对文件是否存在。
func VerifySnapshots(snaps []model.SnapshotArtifact) FileReport[SnapshotItem] {
	rep := FileReport[SnapshotItem]{OK: true, Total: len(snaps), Items: make([]SnapshotItem, 0, len(snaps))}
	for _, s := range snaps {
		item := SnapshotItem{
			ArtifactID:     s.ID,
			DeviceID:       s.DeviceID,
			Filepath:       s.Filepath,
			ExpectedSHA256: s.SHA256,
			ExpectedSize:   s.SizeBytes,
		}
		sum, size, err := hash.File(s.Filepath)
		switch {
		case err != nil:
			// 常见：文件被删除/移动；权限不足
			item.Status = StatusMissing
			item.Error = err.Error()
		case s.SHA256 == "":
			item.ActualSHA256, item.ActualSize = sum, size
			item.Status = StatusOK
		case !strings.EqualFold(sum, strings.TrimSpace(s.SHA256)) || size != s.SizeBytes:
			item.ActualSHA256, item.ActualSize = sum, size
			item.Status = StatusMismatch
		default:
			item.ActualSHA256, item.ActualSize = sum, size
			item.Status = StatusOK
		}
		if item.Status == StatusOK {
			rep.Passed++
		} else {
			rep.Failed++
			rep.OK = false
		}
		rep.Items = append(rep.Items, item)
	}
	return rep
}
