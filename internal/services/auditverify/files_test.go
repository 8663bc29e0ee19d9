package auditverify

import (
	"archive/zip"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"trace-correlator/internal/domain/model"
)

func sha(b []byte) string {
	s := sha256.Sum256(b)
	return hex.EncodeToString(s[:])
}

func TestVerifySnapshots(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "good.ktx")
	bad := filepath.Join(dir, "bad.ktx")
	for _, p := range []string{good, bad} {
		if err := os.WriteFile(p, []byte("ktx"), 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
	}

	rep := VerifySnapshots([]model.SnapshotArtifact{
		{ID: 1, DeviceID: "dev1", Filepath: good, SHA256: sha([]byte("ktx")), SizeBytes: 3},
		{ID: 2, DeviceID: "dev1", Filepath: bad, SHA256: sha([]byte("other")), SizeBytes: 3},
		{ID: 3, DeviceID: "dev1", Filepath: filepath.Join(dir, "gone.ktx"), SHA256: sha([]byte("ktx")), SizeBytes: 3},
		{ID: 4, DeviceID: "dev1", Filepath: good},
	})
	if rep.OK || rep.Total != 4 || rep.Passed != 2 || rep.Failed != 2 {
		t.Fatalf("unexpected counters: %+v", rep)
	}
	want := []string{StatusOK, StatusMismatch, StatusMissing, StatusOK}
	for i, it := range rep.Items {
		if it.Status != want[i] {
			t.Fatalf("item %d status=%s want=%s", i, it.Status, want[i])
		}
	}
}

// writeExportZip 按导出包格式写一个最小 ZIP：payload 文件 + manifest.json + hashes.sha256。
func writeExportZip(t *testing.T, files map[string][]byte, audits []model.AuditLog, tamper string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "export.zip")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	defer f.Close()
	zw := zip.NewWriter(f)

	manifest, _ := json.MarshalIndent(map[string]any{"audits": audits}, "", "  ")
	all := map[string][]byte{"manifest.json": manifest}
	for k, v := range files {
		all[k] = v
	}
	list := "# test\n"
	for name, data := range all {
		list += fmt.Sprintf("%s  %s\n", sha(data), name)
		if name == tamper {
			data = append(append([]byte{}, data...), 'x')
		}
		w, err := zw.Create(name)
		if err != nil {
			t.Fatalf("zip create: %v", err)
		}
		_, _ = w.Write(data)
	}
	list += sha([]byte("never written")) + "  missing.json\n"
	w, _ := zw.Create("hashes.sha256")
	_, _ = w.Write([]byte(list))
	if err := zw.Close(); err != nil {
		t.Fatalf("zip close: %v", err)
	}
	return path
}

func chain(logs []model.AuditLog) []model.AuditLog {
	prev := ""
	for i := range logs {
		logs[i].ChainPrevHash = prev
		logs[i].ChainHash = logs[i].ComputeChainHash(prev)
		prev = logs[i].ChainHash
	}
	return logs
}

func TestVerifyForensicZip(t *testing.T) {
	audits := chain([]model.AuditLog{
		{EventID: "evt_1", CaseID: "case_1", EventType: "export", Action: "forensic_pdf", Status: "success", DetailJSON: []byte(`{"a":[1,2]}`), OccurredAt: 1},
	})
	payload := map[string][]byte{"timeline.json": []byte("[]"), "wifi.json": []byte("[]")}

	rep, err := VerifyForensicZip(writeExportZip(t, payload, audits, ""))
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	// missing.json 缺失
	if rep.OK || rep.Total != 4 || rep.Passed != 3 || rep.Failed != 1 {
		t.Fatalf("unexpected counters: %+v", rep.FileReport)
	}
	if rep.Audit == nil || !rep.Audit.OK {
		t.Fatalf("audit chain should survive indented manifest: %+v", rep.Audit)
	}

	rep, err = VerifyForensicZip(writeExportZip(t, payload, audits, "wifi.json"))
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	mismatch := 0
	for _, it := range rep.Items {
		if it.Status == StatusMismatch && it.Path == "wifi.json" {
			mismatch++
		}
	}
	if mismatch != 1 {
		t.Fatalf("expected wifi.json mismatch: %+v", rep.Items)
	}

	audits[0].Status = "failed"
	rep, err = VerifyForensicZip(writeExportZip(t, payload, audits, ""))
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if rep.Audit == nil || rep.Audit.OK || rep.Audit.ChainHashFailed != 1 {
		t.Fatalf("expected audit chain failure: %+v", rep.Audit)
	}
}

func TestVerifyForensicZip_NoHashList(t *testing.T) {
	path := filepath.Join(t.TempDir(), "plain.zip")
	f, _ := os.Create(path)
	zw := zip.NewWriter(f)
	_, _ = zw.Create("a.txt")
	_ = zw.Close()
	_ = f.Close()
	if _, err := VerifyForensicZip(path); err == nil {
		t.Fatalf("expected error for zip without hashes.sha256")
	}
}
