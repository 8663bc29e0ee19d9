package auditverify

import (
	"archive/zip"
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"trace-correlator/internal/domain/model"
	"trace-correlator/internal/platform/hash"
)

// ZipItem 是导出包内一个文件的校验结果。
type ZipItem struct {
	Path     string `json:"path"`
	Expected string `json:"expected"`
	Actual   string `json:"actual,omitempty"`
	Status   string `json:"status"`
	Error    string `json:"error,omitempty"`
}

// ZipReport 是司法导出包的校验结果。Audit 为空表示包内没有可解析的 manifest.json。
type ZipReport struct {
	FileReport[ZipItem]
	Audit *Result `json:"audit,omitempty"`
}

// VerifyForensicZip 按包内 hashes.sha256 逐个复算文件哈希，并对 manifest.json 中的审计链做强校验。
func VerifyForensicZip(path string) (*ZipReport, error) {
	r, err := zip.OpenReader(path)
	if err != nil {
		return nil, fmt.Errorf("open zip: %w", err)
	}
	defer r.Close()

	files := make(map[string]*zip.File, len(r.File))
	for _, f := range r.File {
		files[f.Name] = f
	}

	hashList, ok := files["hashes.sha256"]
	if !ok {
		return nil, fmt.Errorf("hashes.sha256 not found in zip")
	}
	expected, err := readHashList(hashList)
	if err != nil {
		return nil, err
	}

	rep := &ZipReport{FileReport: FileReport[ZipItem]{OK: true, Items: make([]ZipItem, 0, len(expected))}}
	for _, e := range expected {
		rep.Total++
		item := ZipItem{Path: e.path, Expected: e.sum}
		if f, ok := files[e.path]; !ok {
			item.Status = StatusMissing
		} else if sum, err := sumZipFile(f); err != nil {
			item.Status = StatusError
			item.Error = err.Error()
		} else {
			item.Actual = sum
			item.Status = StatusMismatch
			if strings.EqualFold(sum, e.sum) {
				item.Status = StatusOK
			}
		}
		if item.Status == StatusOK {
			rep.Passed++
		} else {
			rep.Failed++
			rep.OK = false
		}
		rep.Items = append(rep.Items, item)
	}

	// 审计链单独给结果，不计入文件统计
	if mf, ok := files["manifest.json"]; ok {
		if data, err := readZipFile(mf); err == nil {
			var payload struct {
				Audits []model.AuditLog `json:"audits"`
			}
			if err := json.Unmarshal(data, &payload); err == nil {
				res := VerifyAuditLogs(payload.Audits)
				rep.Audit = &res
				if !res.OK {
					rep.OK = false
				}
			}
		}
	}
	return rep, nil
}

type hashLine struct {
	sum  string
	path string
}

// readHashList 解析 sha256sum 格式：<sha256><两个空格><path>，允许 "#" 注释行。
func readHashList(f *zip.File) ([]hashLine, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, fmt.Errorf("open hashes.sha256: %w", err)
	}
	defer rc.Close()

	var out []hashLine
	sc := bufio.NewScanner(rc)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		sum, p, ok := strings.Cut(line, "  ")
		sum, p = strings.TrimSpace(sum), strings.TrimSpace(p)
		if !ok || len(sum) != 64 || p == "" {
			continue
		}
		out = append(out, hashLine{sum: sum, path: p})
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read hashes.sha256: %w", err)
	}
	return out, nil
}

func sumZipFile(f *zip.File) (string, error) {
	rc, err := f.Open()
	if err != nil {
		return "", err
	}
	defer rc.Close()
	sum, _, err := hash.Reader(rc)
	return sum, err
}

func readZipFile(f *zip.File) ([]byte, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}
