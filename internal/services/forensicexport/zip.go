package forensicexport

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"trace-correlator/internal/app"
	"trace-correlator/internal/domain/evidence"
	"trace-correlator/internal/domain/model"
	"trace-correlator/internal/platform/hash"
	"trace-correlator/internal/services/caseview"
	"trace-correlator/internal/services/privacy"
	"trace-correlator/internal/services/timeline"
)

// Store 是导出需要的查询与登记能力（sqlite.Store 满足该接口）。
type Store interface {
	GetCaseOverview(ctx context.Context, caseID string) (*model.CaseOverview, error)
	ListDevices(ctx context.Context, caseID string) ([]model.Device, error)
	ListAreas(ctx context.Context, caseID string) ([]model.Area, error)
	ListAuditLogs(ctx context.Context, caseID string, limit int) ([]model.AuditLog, error)
	ListReportsByCase(ctx context.Context, caseID string) ([]model.ReportInfo, error)
	SaveReport(ctx context.Context, caseID, reportType, filePath, sha256, generatorVersion, status string) (string, error)
	AppendAudit(ctx context.Context, caseID, deviceID, eventType, action, status, actor, source string, detail any) error
}

// ZipOptions 定义“司法导出包（ZIP）”生成参数。
type ZipOptions struct {
	// Range 为空（两端都未设置）时导出整个案件时间范围。
	Range       timeline.Range
	ExportDir   string
	// TargetsPath 是本次使用的提取规则文件，为空表示内置规则（不打包）。
	TargetsPath string
	Privacy     privacy.Mode
	Operator    string
	Note        string
}

type FileHashEntry struct {
	Path      string `json:"path"`       // ZIP 内路径（使用 "/" 分隔）
	SHA256    string `json:"sha256"`     // 文件内容 SHA-256
	SizeBytes int64  `json:"size_bytes"` // 原始字节数
	Kind      string `json:"kind"`       // snapshot|report|rule|timeline|manifest|hashlist
}

type ManifestSnapshot struct {
	Snapshot model.SnapshotArtifact `json:"snapshot"`
	ZipPath  string                 `json:"zip_path"`
}

type ManifestReport struct {
	Report  model.ReportInfo `json:"report"`
	ZipPath string           `json:"zip_path"`
}

type ZipManifest struct {
	Schema      string `json:"schema"`
	GeneratedAt int64  `json:"generated_at"`

	App struct {
		Version   string `json:"version"`
		Commit    string `json:"commit"`
		BuildTime string `json:"build_time"`
	} `json:"app"`

	Case      *model.CaseOverview `json:"case"`
	Range     timeline.Range      `json:"range"`
	Privacy   privacy.Mode        `json:"privacy_mode"`
	Devices   []model.Device      `json:"devices"`
	Ordinals  []model.DeviceRef   `json:"device_ordinals"`
	Areas     []caseview.AreaHit  `json:"areas"`
	Snapshots []ManifestSnapshot  `json:"snapshots"`
	Failures  []evidence.Failure  `json:"failures,omitempty"`
	Audits    []model.AuditLog    `json:"audits"`
	Reports   []ManifestReport    `json:"reports"`
	Files     []FileHashEntry     `json:"files"`
	Warnings  []string            `json:"warnings,omitempty"`
	Note      string              `json:"note,omitempty"`
	Stats     map[string]any      `json:"stats,omitempty"`
}

// ZipResult 是一次 ZIP 导出任务的摘要输出。
type ZipResult struct {
	CaseID     string   `json:"case_id"`
	ReportID   string   `json:"report_id"`
	ZipPath    string   `json:"zip_path"`
	ZipSHA256  string   `json:"zip_sha256"`
	Warnings   []string `json:"warnings,omitempty"`
	StartedAt  int64    `json:"started_at"`
	FinishedAt int64    `json:"finished_at"`
}

const (
	ReportTypeZip    = "forensic_zip"
	manifestSchemaV1 = "trace_correlator.forensic_export_manifest.v1"
	zipGeneratorVer  = "forensic-exportzip-1.0.0"
)

// exportRange 把“未设置范围”解释为整个案件；只设一端的范围照常返回空结果。
func exportRange(r timeline.Range, sess *caseview.Session) timeline.Range {
	if r.Start == nil && r.End == nil {
		return sess.Bounds
	}
	return r
}

// GenerateForensicZip 生成“司法导出包（ZIP）”并在 reports 表中登记为 report_type=forensic_zip。
//
// 输出 ZIP 内容（v1）：
// - manifest.json：案件/设备/围栏/快照/审计/报告的结构化清单
// - timeline.json / wifi.json：范围内的关联结果与 WiFi 观测（masked 模式下脱敏）
// - snapshots/..：范围内的快照文件（masked 模式不打包）
// - reports/..：已有报告产物（不包含 forensic_zip 以避免递归）
// - rules/..：提取规则文件
// - hashes.sha256：ZIP 内各文件（除自身）sha256 列表（sha256sum 兼容格式）
func GenerateForensicZip(ctx context.Context, store Store, sess *caseview.Session, opts ZipOptions) (*ZipResult, error) {
	startedAt := time.Now().Unix()
	if sess == nil {
		return nil, fmt.Errorf("case session is required")
	}
	caseID := sess.CaseID
	operator := strings.TrimSpace(opts.Operator)
	if operator == "" {
		operator = "system"
	}
	mode := opts.Privacy
	if mode == "" {
		mode = privacy.ModeOff
	}
	exportDir := strings.TrimSpace(opts.ExportDir)
	if exportDir == "" {
		exportDir = app.DefaultConfig().ExportDir
	}
	if err := os.MkdirAll(exportDir, 0o755); err != nil {
		return nil, fmt.Errorf("create export dir: %w", err)
	}

	overview, err := store.GetCaseOverview(ctx, caseID)
	if err != nil {
		return nil, err
	}
	if overview == nil {
		return nil, fmt.Errorf("case not found: %s", caseID)
	}
	devices, err := store.ListDevices(ctx, caseID)
	if err != nil {
		return nil, err
	}
	areas, err := store.ListAreas(ctx, caseID)
	if err != nil {
		return nil, err
	}
	audits, err := store.ListAuditLogs(ctx, caseID, 5000)
	if err != nil {
		return nil, err
	}
	allReports, err := store.ListReportsByCase(ctx, caseID)
	if err != nil {
		return nil, err
	}

	r := exportRange(opts.Range, sess)
	rows := sess.Filtered(r)
	wifi := timeline.FilterWifi(sess.Evidence.WifiSightings(), r)
	snaps := snapshotsInRange(sess.Evidence.Snapshots(), r)

	type includeSpec struct {
		SrcPath string
		ZipPath string
		Kind    string
	}
	var (
		warnings []string
		includes []includeSpec
	)

	manifestSnaps := make([]ManifestSnapshot, 0, len(snaps))
	for _, s := range snaps {
		zp := ""
		if mode == privacy.ModeOff {
			zp = filepath.ToSlash(filepath.Join("snapshots", s.DeviceID, filepath.Base(s.Filepath)))
			includes = append(includes, includeSpec{SrcPath: s.Filepath, ZipPath: zp, Kind: "snapshot"})
		} else {
			s.Filepath = privacy.MaskSnapshotPath(s.Filepath)
		}
		manifestSnaps = append(manifestSnaps, ManifestSnapshot{Snapshot: s, ZipPath: zp})
	}

	manifestReports := make([]ManifestReport, 0, len(allReports))
	for _, rep := range allReports {
		if rep.ReportType == ReportTypeZip {
			continue
		}
		zp := filepath.ToSlash(filepath.Join("reports", filepath.Base(rep.FilePath)))
		includes = append(includes, includeSpec{SrcPath: rep.FilePath, ZipPath: zp, Kind: "report"})
		manifestReports = append(manifestReports, ManifestReport{Report: rep, ZipPath: zp})
	}
	if p := strings.TrimSpace(opts.TargetsPath); p != "" {
		includes = append(includes, includeSpec{
			SrcPath: p,
			ZipPath: filepath.ToSlash(filepath.Join("rules", filepath.Base(p))),
			Kind:    "rule",
		})
	}

	zipName := fmt.Sprintf("%s_forensic_export_%d.zip", caseID, time.Now().UnixNano())
	zipPath := filepath.Join(exportDir, zipName)
	f, err := os.Create(zipPath)
	if err != nil {
		return nil, fmt.Errorf("create zip: %w", err)
	}
	defer func() { _ = f.Close() }()

	pk := &packer{zw: zip.NewWriter(f)}
	defer func() { _ = pk.zw.Close() }()

	for _, it := range includes {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := pk.addFile(it.SrcPath, it.ZipPath, it.Kind); err != nil {
			// 缺失文件不阻断导出，但必须在 manifest 里留下痕迹
			warnings = append(warnings, fmt.Sprintf("skip file %s -> %s: %v", it.SrcPath, it.ZipPath, err))
		}
	}

	var timelineDoc, wifiDoc any = rows, wifi
	if mode == privacy.ModeMasked {
		timelineDoc, wifiDoc = privacy.MaskMatched(rows), privacy.MaskWifi(wifi)
		for i := range devices {
			devices[i] = privacy.MaskDevice(devices[i])
		}
	}
	if err := pk.addJSON("timeline.json", "timeline", timelineDoc); err != nil {
		return nil, err
	}
	if err := pk.addJSON("wifi.json", "timeline", wifiDoc); err != nil {
		return nil, err
	}

	manifest := ZipManifest{
		Schema:      manifestSchemaV1,
		GeneratedAt: time.Now().Unix(),
		Case:        overview,
		Range:       r,
		Privacy:     mode,
		Devices:     devices,
		Ordinals:    sess.Evidence.Devices(),
		Areas:       caseview.AreaHits(rows, areas),
		Snapshots:   manifestSnaps,
		Failures:    sess.Evidence.Failures(),
		Audits:      audits,
		Reports:     manifestReports,
		Files:       pk.sorted(),
		Warnings:    warnings,
		Note:        strings.TrimSpace(opts.Note),
		Stats: map[string]any{
			"device_count":   len(devices),
			"location_count": len(rows),
			"wifi_count":     len(wifi),
			"snapshot_count": len(snaps),
			"audit_count":    len(audits),
			"report_count":   len(manifestReports),
		},
	}
	manifest.App.Version = app.Version
	manifest.App.Commit = app.Commit
	manifest.App.BuildTime = app.BuildTime

	if err := pk.addJSON("manifest.json", "manifest", manifest); err != nil {
		return nil, err
	}
	// hashes.sha256 覆盖 manifest 在内的全部条目，但不包含自身
	if err := pk.addBytes("hashes.sha256", "hashlist", hashList(pk.sorted(), time.Now())); err != nil {
		return nil, err
	}

	if err := pk.zw.Close(); err != nil {
		return nil, fmt.Errorf("close zip writer: %w", err)
	}
	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("close zip file: %w", err)
	}

	zipSum, _, err := hash.File(zipPath)
	if err != nil {
		return nil, fmt.Errorf("hash zip: %w", err)
	}

	reportID, err := store.SaveReport(ctx, caseID, ReportTypeZip, zipPath, zipSum, zipGeneratorVer, "ready")
	if err != nil {
		return nil, err
	}
	_ = store.AppendAudit(ctx, caseID, "", "export", ReportTypeZip, "success", operator, "forensicexport.GenerateForensicZip", map[string]any{
		"zip_path":     zipPath,
		"zip_sha256":   zipSum,
		"privacy_mode": mode,
		"warnings":     warnings,
	})

	return &ZipResult{
		CaseID:     caseID,
		ReportID:   reportID,
		ZipPath:    zipPath,
		ZipSHA256:  zipSum,
		Warnings:   warnings,
		StartedAt:  startedAt,
		FinishedAt: time.Now().Unix(),
	}, nil
}

func snapshotsInRange(all []model.SnapshotArtifact, r timeline.Range) []model.SnapshotArtifact {
	out := []model.SnapshotArtifact{}
	if !r.Complete() {
		return out
	}
	for _, s := range all {
		if *r.Start <= s.Timestamp && s.Timestamp <= *r.End {
			out = append(out, s)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp < out[j].Timestamp })
	return out
}

// packer 顺序写入 ZIP 条目，并在写入的同时记录每个条目的摘要。
type packer struct {
	zw    *zip.Writer
	files []FileHashEntry
}

func (p *packer) addFile(src, name, kind string) error {
	fi, err := os.Stat(src)
	if err != nil {
		return err
	}
	if fi.IsDir() {
		return fmt.Errorf("is a directory")
	}
	hdr, err := zip.FileInfoHeader(fi)
	if err != nil {
		return err
	}
	hdr.Name, hdr.Method = name, zip.Deflate

	f, err := os.Open(src)
	if err != nil {
		return err
	}
	defer f.Close()
	return p.add(hdr, f, kind)
}

func (p *packer) addBytes(name, kind string, b []byte) error {
	hdr := &zip.FileHeader{Name: name, Method: zip.Deflate, Modified: time.Now()}
	if err := p.add(hdr, bytes.NewReader(b), kind); err != nil {
		return fmt.Errorf("write %s to zip: %w", name, err)
	}
	return nil
}

func (p *packer) addJSON(name, kind string, v any) error {
	raw, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", name, err)
	}
	return p.addBytes(name, kind, raw)
}

func (p *packer) add(hdr *zip.FileHeader, r io.Reader, kind string) error {
	w, err := p.zw.CreateHeader(hdr)
	if err != nil {
		return err
	}
	sum, size, err := hash.Reader(io.TeeReader(r, w))
	if err != nil {
		return err
	}
	p.files = append(p.files, FileHashEntry{Path: hdr.Name, SHA256: sum, SizeBytes: size, Kind: kind})
	return nil
}

// sorted 返回已写入条目按路径排序后的副本。
func (p *packer) sorted() []FileHashEntry {
	out := append([]FileHashEntry{}, p.files...)
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

// hashList 生成 sha256sum 兼容的摘要清单（# 开头为注释行）。
func hashList(files []FileHashEntry, at time.Time) []byte {
	var b strings.Builder
	b.WriteString("# trace-correlator forensic export hash list\n")
	fmt.Fprintf(&b, "# generated_at=%d\n", at.Unix())
	b.WriteString("# format: <sha256><two spaces><path>\n")
	for _, fh := range files {
		fmt.Fprintf(&b, "%s  %s\n", fh.SHA256, fh.Path)
	}
	return []byte(b.String())
}
