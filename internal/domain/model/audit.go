package model

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"

	"trace-correlator/internal/platform/hash"
)

// AuditLog 表示一条审计日志记录（audit_logs 表）。
// 同一案件的记录按 (occurred_at, event_id) 串成哈希链。
type AuditLog struct {
	EventID       string          `json:"event_id"`
	CaseID        string          `json:"case_id"`
	DeviceID      string          `json:"device_id,omitempty"`
	EventType     string          `json:"event_type"`
	Action        string          `json:"action"`
	Status        string          `json:"status"`
	Actor         string          `json:"actor,omitempty"`
	Source        string          `json:"source,omitempty"`
	DetailJSON    json.RawMessage `json:"detail_json,omitempty"`
	OccurredAt    int64           `json:"occurred_at"` // unix 毫秒
	ChainPrevHash string          `json:"chain_prev_hash,omitempty"`
	ChainHash     string          `json:"chain_hash"`
}

// ComputeChainHash 按 prev 重算本条记录应有的 chain_hash。
// 写入与校验两侧都走这里。
func (a AuditLog) ComputeChainHash(prev string) string {
	return hash.Fields(
		prev,
		a.CaseID,
		a.EventType,
		a.Action,
		a.Status,
		strconv.FormatInt(a.OccurredAt, 10),
		CompactDetail(a.DetailJSON),
	)
}

// CompactDetail 返回 detail 的紧凑 JSON 形式；空值视为 "{}"。
// 导出的 manifest 会被美化缩进，参与哈希前必须先还原。
func CompactDetail(raw []byte) string {
	if len(bytes.TrimSpace(raw)) == 0 {
		return "{}"
	}
	var b bytes.Buffer
	if err := json.Compact(&b, raw); err != nil {
		return strings.TrimSpace(string(raw))
	}
	return b.String()
}
