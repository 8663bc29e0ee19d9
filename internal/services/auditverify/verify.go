package auditverify

import (
	"strings"

	"trace-correlator/internal/domain/model"
)

// FailureItem 是审计链上一处断点的明细。
type FailureItem struct {
	Index      int    `json:"index"`
	EventID    string `json:"event_id"`
	CaseID     string `json:"case_id"`
	OccurredAt int64  `json:"occurred_at"`
	EventType  string `json:"event_type"`
	Action     string `json:"action"`
	Status     string `json:"status"`

	PrevHashMismatch bool   `json:"prev_hash_mismatch"`
	ExpectedPrevHash string `json:"expected_prev_hash,omitempty"`
	ActualPrevHash   string `json:"actual_prev_hash,omitempty"`

	ChainHashMismatch bool   `json:"chain_hash_mismatch"`
	ExpectedChainHash string `json:"expected_chain_hash,omitempty"`
	ActualChainHash   string `json:"actual_chain_hash,omitempty"`

	Message string `json:"message,omitempty"`
}

// Result 是审计链校验结果。
type Result struct {
	OK    bool `json:"ok"`
	Total int  `json:"total"`

	Failed          int `json:"failed"`
	PrevHashFailed  int `json:"prev_hash_failed"`
	ChainHashFailed int `json:"chain_hash_failed"`

	// LastChainHash 是最后一条记录的 chain_hash（多个案件混排时为最后出现的那条）。
	LastChainHash string        `json:"last_chain_hash,omitempty"`
	Failures      []FailureItem `json:"failures,omitempty"`
}

// VerifyAuditLogs 按输入顺序校验审计链。
//
// 每个案件单独成链：chain_prev_hash 必须等于同案件上一条的 chain_hash；
// chain_hash 必须等于以本条 chain_prev_hash 重算的结果，两类断点分开计数。
// 发现断点后以记录里的 chain_hash 继续推进，后续异常仍能逐条定位。
func VerifyAuditLogs(logs []model.AuditLog) Result {
	res := Result{OK: true, Total: len(logs), Failures: []FailureItem{}}
	heads := map[string]string{}

	for i, it := range logs {
		wantPrev := heads[it.CaseID]
		gotPrev := strings.TrimSpace(it.ChainPrevHash)
		wantChain := it.ComputeChainHash(gotPrev)
		gotChain := strings.TrimSpace(it.ChainHash)

		heads[it.CaseID] = gotChain
		res.LastChainHash = gotChain

		prevBad, chainBad := gotPrev != wantPrev, gotChain != wantChain
		if !prevBad && !chainBad {
			continue
		}
		res.OK = false
		res.Failed++
		f := FailureItem{
			Index:      i,
			EventID:    it.EventID,
			CaseID:     it.CaseID,
			OccurredAt: it.OccurredAt,
			EventType:  it.EventType,
			Action:     it.Action,
			Status:     it.Status,
		}
		var msgs []string
		if prevBad {
			res.PrevHashFailed++
			f.PrevHashMismatch = true
			f.ExpectedPrevHash, f.ActualPrevHash = wantPrev, gotPrev
			msgs = append(msgs, "chain_prev_hash mismatch")
		}
		if chainBad {
			res.ChainHashFailed++
			f.ChainHashMismatch = true
			f.ExpectedChainHash, f.ActualChainHash = wantChain, gotChain
			msgs = append(msgs, "chain_hash mismatch")
		}
		f.Message = strings.Join(msgs, "; ")
		res.Failures = append(res.Failures, f)
	}
	return res
}
