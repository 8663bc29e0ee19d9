package main

import (
	"context"
	"fmt"
	"strings"

	"trace-correlator/internal/domain/model"
	"trace-correlator/internal/services/auditverify"

	"github.com/dustin/go-humanize"
)

// runVerify 是 verify 子命令路由：
// - verify zip：校验司法导出包内的 hashes.sha256 与审计链
// - verify snapshots：复核提取出的快照文件哈希（与入库 sha256 对比）
// - verify audits：审计链强校验
func runVerify(ctx context.Context, args []string) error {
	if len(args) == 0 {
		printVerifyUsage()
		return nil
	}

	switch args[0] {
	case "zip", "forensic-zip":
		return runVerifyZip(args[1:])
	case "snapshots":
		return runVerifySnapshots(ctx, args[1:])
	case "audits":
		return runVerifyAudits(ctx, args[1:])
	default:
		printVerifyUsage()
		return fmt.Errorf("unknown verify command: %s", args[0])
	}
}

func printVerifyUsage() {
	fmt.Println("Usage:")
	fmt.Println("  correlator-cli verify zip --zip PATH_TO_ZIP")
	fmt.Println("  correlator-cli verify snapshots --case-id CASE_ID [--device-id DEV_ID]")
	fmt.Println("  correlator-cli verify audits --case-id CASE_ID [--limit 5000]")
}

func runVerifyZip(args []string) error {
	fs, common := newFlagSet("verify zip")
	zipPath := fs.String("zip", "", "path to forensic zip (required)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	path, err := requireFlag("zip", *zipPath)
	if err != nil {
		return err
	}
	if _, err := common.load(); err != nil {
		return err
	}

	rep, err := auditverify.VerifyForensicZip(path)
	if err != nil {
		return err
	}

	fmt.Println("forensic zip verify completed")
	fmt.Printf("zip=%s\n", path)
	fmt.Printf("files_total=%d ok=%d failed=%d\n", rep.Total, rep.Passed, rep.Failed)
	for _, it := range rep.Items {
		if it.Status == auditverify.StatusOK {
			continue
		}
		fmt.Printf("FAIL %s status=%s expected=%s actual=%s %s\n", it.Path, it.Status, it.Expected, it.Actual, it.Error)
	}
	if rep.Audit != nil {
		printAuditResult(*rep.Audit)
	}
	if !rep.OK {
		return fmt.Errorf("forensic zip verify failed")
	}
	return nil
}

func runVerifySnapshots(ctx context.Context, args []string) error {
	fs, common := newFlagSet("verify snapshots")
	caseID := fs.String("case-id", "", "case id (required)")
	deviceID := fs.String("device-id", "", "only this device")
	operator := fs.String("operator", "", "operator id or name")
	if err := fs.Parse(args); err != nil {
		return err
	}
	id, err := requireFlag("case-id", *caseID)
	if err != nil {
		return err
	}
	cfg, err := common.load()
	if err != nil {
		return err
	}
	store, closeDB, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeDB()

	devices, err := store.ListDevices(ctx, id)
	if err != nil {
		return err
	}
	var snaps []model.SnapshotArtifact
	for _, d := range devices {
		if v := strings.TrimSpace(*deviceID); v != "" && v != d.ID {
			continue
		}
		rows, err := store.GetSnapshotArtifacts(ctx, d.ID)
		if err != nil {
			return err
		}
		snaps = append(snaps, rows...)
	}

	rep := auditverify.VerifySnapshots(snaps)
	var totalBytes int64
	for _, it := range rep.Items {
		totalBytes += it.ActualSize
		if it.Status == auditverify.StatusOK {
			continue
		}
		fmt.Printf("FAIL artifact_id=%d status=%s expected=%s actual=%s path=%s %s\n", it.ArtifactID, it.Status, it.ExpectedSHA256, it.ActualSHA256, it.Filepath, it.Error)
	}
	fmt.Printf("case_id=%s total=%d ok=%d failed=%d bytes=%s\n", id, rep.Total, rep.Passed, rep.Failed, humanize.Bytes(uint64(totalBytes)))

	status := "success"
	if !rep.OK {
		status = "failed"
	}
	_ = store.AppendAudit(ctx, id, strings.TrimSpace(*deviceID), "verify", "snapshots", status, operatorOr(cfg, *operator), "cli.verify.snapshots", map[string]any{
		"total": rep.Total, "passed": rep.Passed, "failed": rep.Failed,
	})
	if !rep.OK {
		return fmt.Errorf("snapshot verify failed: %d files", rep.Failed)
	}
	return nil
}

func runVerifyAudits(ctx context.Context, args []string) error {
	fs, common := newFlagSet("verify audits")
	caseID := fs.String("case-id", "", "case id (required)")
	limit := fs.Int("limit", 5000, "max audit rows (oldest first)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	id, err := requireFlag("case-id", *caseID)
	if err != nil {
		return err
	}
	cfg, err := common.load()
	if err != nil {
		return err
	}
	store, closeDB, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeDB()

	logs, err := store.ListAuditLogs(ctx, id, *limit)
	if err != nil {
		return err
	}
	res := auditverify.VerifyAuditLogs(logs)
	fmt.Printf("case_id=%s ", id)
	printAuditResult(res)
	if !res.OK {
		return fmt.Errorf("audit chain verify failed")
	}
	return nil
}

func printAuditResult(res auditverify.Result) {
	fmt.Printf("audit_chain_total=%d failed=%d prev_hash_failed=%d chain_hash_failed=%d last=%s\n",
		res.Total, res.Failed, res.PrevHashFailed, res.ChainHashFailed, res.LastChainHash)
	for _, f := range res.Failures {
		fmt.Printf("FAIL audit_chain index=%d event_id=%s message=%s expected_prev=%s actual_prev=%s expected_hash=%s actual_hash=%s\n",
			f.Index, f.EventID, f.Message, f.ExpectedPrevHash, f.ActualPrevHash, f.ExpectedChainHash, f.ActualChainHash,
		)
	}
}
