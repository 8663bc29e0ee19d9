package forensicpdf

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"trace-correlator/internal/app"
	"trace-correlator/internal/domain/evidence"
	"trace-correlator/internal/domain/model"
	"trace-correlator/internal/platform/hash"
	"trace-correlator/internal/platform/timebase"
	"trace-correlator/internal/services/caseview"
	"trace-correlator/internal/services/privacy"
	"trace-correlator/internal/services/timeline"

	"github.com/dustin/go-humanize"
	"github.com/phpdave11/gofpdf"
)

// 取证 PDF 报告（forensic_pdf）
//
// 报告入库登记到 reports 表，并写入 audit_logs 留痕。
// PDF 属于二进制产物，不走 report?content=true 的内联预览，必须通过 /api/reports/{id}/download 获取。

// Store 是生成 PDF 需要的查询与登记能力（sqlite.Store 满足该接口）。
type Store interface {
	GetCaseOverview(ctx context.Context, caseID string) (*model.CaseOverview, error)
	ListDevices(ctx context.Context, caseID string) ([]model.Device, error)
	ListAreas(ctx context.Context, caseID string) ([]model.Area, error)
	ListAuditLogs(ctx context.Context, caseID string, limit int) ([]model.AuditLog, error)
	SaveReport(ctx context.Context, caseID, reportType, filePath, sha256, generatorVersion, status string) (string, error)
	AppendAudit(ctx context.Context, caseID, deviceID, eventType, action, status, actor, source string, detail any) error
}

type Options struct {
	// Range 为空时覆盖整个案件时间范围。
	Range     timeline.Range
	ReportDir string
	FontPath  string
	Privacy   privacy.Mode
	Operator  string
	Note      string
}

type Result struct {
	ReportID    string   `json:"report_id"`
	PDFPath     string   `json:"pdf_path"`
	PDFSHA256   string   `json:"pdf_sha256"`
	Warnings    []string `json:"warnings,omitempty"`
	GeneratedAt int64    `json:"generated_at"`
}

const (
	ReportTypePDF   = "forensic_pdf"
	pdfGeneratorVer = "forensicpdf-1.0.0"
)

// 只展示部分列表，完整数据走 ZIP 导出。
const (
	maxDevices   = 100
	maxTimeline  = 500
	maxSnapshots = 200
)

type reportData struct {
	overview  model.CaseOverview
	rng       timeline.Range
	devices   []model.Device
	ordinals  map[string]int
	failures  []evidence.Failure
	areas     []caseview.AreaHit
	rows      []model.MatchedLocation
	wifiCount int
	snapshots []model.SnapshotArtifact
	lastAudit string
	operator  string
	note      string
	mode      privacy.Mode
	warnings  []string
}

// GenerateForensicPDF 生成“取证 PDF 报告”，并在 reports 表中登记为 report_type=forensic_pdf。
func GenerateForensicPDF(ctx context.Context, store Store, sess *caseview.Session, opts Options) (*Result, error) {
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

	ov, err := store.GetCaseOverview(ctx, caseID)
	if err != nil {
		return nil, fmt.Errorf("get case overview: %w", err)
	}
	if ov == nil {
		return nil, fmt.Errorf("case not found: %s", caseID)
	}

	warnings := []string{}

	devices, err := store.ListDevices(ctx, caseID)
	if err != nil {
		warnings = append(warnings, "list devices failed: "+err.Error())
		devices = []model.Device{}
	}
	areas, err := store.ListAreas(ctx, caseID)
	if err != nil {
		warnings = append(warnings, "list areas failed: "+err.Error())
		areas = []model.Area{}
	}
	audits, err := store.ListAuditLogs(ctx, caseID, 5000)
	if err != nil {
		warnings = append(warnings, "list audits failed: "+err.Error())
		audits = []model.AuditLog{}
	}

	r := opts.Range
	if r.Start == nil && r.End == nil {
		r = sess.Bounds
	}
	rows := sess.Filtered(r)
	data := reportData{
		overview:  *ov,
		rng:       r,
		devices:   devices,
		ordinals:  map[string]int{},
		failures:  sess.Evidence.Failures(),
		areas:     caseview.AreaHits(rows, areas),
		rows:      rows,
		wifiCount: len(timeline.FilterWifi(sess.Evidence.WifiSightings(), r)),
		snapshots: snapshotsInRange(sess.Evidence.Snapshots(), r),
		operator:  operator,
		note:      strings.TrimSpace(opts.Note),
		mode:      mode,
	}
	for _, d := range sess.Evidence.Devices() {
		data.ordinals[d.DeviceID] = d.DisplayOrdinal
	}
	if len(audits) > 0 {
		data.lastAudit = audits[len(audits)-1].ChainHash
	}
	if mode == privacy.ModeMasked {
		data.rows = privacy.MaskMatched(data.rows)
		for i := range data.devices {
			data.devices[i] = privacy.MaskDevice(data.devices[i])
		}
		for i := range data.snapshots {
			data.snapshots[i].Filepath = privacy.MaskSnapshotPath(data.snapshots[i].Filepath)
		}
	}
	if len(data.rows) > maxTimeline {
		warnings = append(warnings, fmt.Sprintf("timeline truncated: showing %d of %d rows", maxTimeline, len(data.rows)))
		data.rows = data.rows[:maxTimeline]
	}
	if len(data.devices) > maxDevices {
		data.devices = data.devices[:maxDevices]
	}
	if len(data.snapshots) > maxSnapshots {
		warnings = append(warnings, fmt.Sprintf("snapshots truncated: showing %d of %d", maxSnapshots, len(data.snapshots)))
		data.snapshots = data.snapshots[:maxSnapshots]
	}

	now := time.Now().Unix()
	reportDir := strings.TrimSpace(opts.ReportDir)
	if reportDir == "" {
		reportDir = app.DefaultConfig().ExportDir
	}
	if err := os.MkdirAll(reportDir, 0o755); err != nil {
		return nil, fmt.Errorf("mkdir reports: %w", err)
	}
	pdfPath := filepath.Join(reportDir, fmt.Sprintf("%s_forensic_%d.pdf", caseID, time.Now().UnixNano()))

	pdf, fontFamily, utf8OK := newPDF(opts.FontPath)
	if !utf8OK {
		// 不支持 UTF-8 字体时会把非 ASCII 字符替换为 '?'，写进 warnings 避免误解为内容丢失
		warnings = append(warnings, "pdf utf8 font not available; non-ascii text may be replaced with '?'")
	}
	data.warnings = warnings
	buildPDF(pdf, fontFamily, utf8OK, data, now)
	if err := pdf.OutputFileAndClose(pdfPath); err != nil {
		return nil, fmt.Errorf("write pdf: %w", err)
	}

	sum, _, err := hash.File(pdfPath)
	if err != nil {
		return nil, fmt.Errorf("sha256 pdf: %w", err)
	}

	reportID, err := store.SaveReport(ctx, caseID, ReportTypePDF, pdfPath, sum, pdfGeneratorVer, "ready")
	if err != nil {
		return nil, fmt.Errorf("save report: %w", err)
	}

	_ = store.AppendAudit(ctx, caseID, "", "export", ReportTypePDF, "success", operator, "forensicpdf.GenerateForensicPDF", map[string]any{
		"pdf":            pdfPath,
		"pdf_sha256":     sum,
		"privacy_mode":   mode,
		"device_count":   ov.DeviceCount,
		"location_count": len(rows),
		"note":           data.note,
		"warnings":       warnings,
	})

	return &Result{
		ReportID:    reportID,
		PDFPath:     pdfPath,
		PDFSHA256:   sum,
		Warnings:    warnings,
		GeneratedAt: now,
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
	return out
}

func newPDF(fontPath string) (*gofpdf.Fpdf, string, bool) {
	pdf := gofpdf.New("P", "mm", "A4", "")
	pdf.SetMargins(14, 14, 14)
	pdf.SetAutoPageBreak(true, 14)
	pdf.SetTitle("Trace Correlator - Forensic Report", false)
	family, ok := initPDFUnicodeFont(pdf, fontPath)
	return pdf, family, ok
}

func buildPDF(pdf *gofpdf.Fpdf, fontFamily string, utf8OK bool, d reportData, generatedAt int64) {
	empty := func() {
		pdf.SetFont(fontFamily, "", 10)
		pdf.SetTextColor(90, 90, 90)
		pdf.MultiCell(0, 5, "(empty)", "", "L", false)
	}

	pdf.AddPage()

	pdf.SetFont(fontFamily, "B", 16)
	pdf.CellFormat(0, 9, "Trace Correlator - Forensic PDF Report", "", 1, "L", false, 0, "")

	pdf.SetFont(fontFamily, "", 10)
	pdf.SetTextColor(60, 60, 60)
	pdf.CellFormat(0, 6, fmt.Sprintf("Generated at: %s (UTC)", fmtTime(generatedAt)), "", 1, "L", false, 0, "")
	pdf.CellFormat(0, 6, fmt.Sprintf("Operator: %s", safeText(d.operator, utf8OK)), "", 1, "L", false, 0, "")
	pdf.CellFormat(0, 6, fmt.Sprintf("Privacy mode: %s", d.mode), "", 1, "L", false, 0, "")
	if d.note != "" {
		pdf.MultiCell(0, 5, fmt.Sprintf("Note: %s", safeText(d.note, utf8OK)), "", "L", false)
	}
	pdf.Ln(2)

	ov := d.overview
	sectionTitle(pdf, fontFamily, "1. Case Overview")
	kv(pdf, fontFamily, utf8OK, "Case ID", ov.CaseID)
	kv(pdf, fontFamily, utf8OK, "Case No", ov.CaseNo)
	kv(pdf, fontFamily, utf8OK, "Title", ov.Title)
	kv(pdf, fontFamily, utf8OK, "Status", ov.Status)
	kv(pdf, fontFamily, utf8OK, "Created By", ov.CreatedBy)
	kv(pdf, fontFamily, utf8OK, "Created At", fmtTime(ov.CreatedAt))
	kv(pdf, fontFamily, utf8OK, "Devices", fmt.Sprintf("%d", ov.DeviceCount))
	kv(pdf, fontFamily, utf8OK, "Evidence", fmt.Sprintf("locations=%d wifi=%d snapshots=%d usage=%d",
		ov.LocationCount, ov.WifiCount, ov.SnapshotCount, ov.UsageCount))
	kv(pdf, fontFamily, utf8OK, "Range", fmtRange(d.rng))
	kv(pdf, fontFamily, utf8OK, "In Range", fmt.Sprintf("locations=%d wifi=%d snapshots=%d", len(d.rows), d.wifiCount, len(d.snapshots)))
	if d.lastAudit != "" {
		kv(pdf, fontFamily, utf8OK, "Audit Chain Last Hash", d.lastAudit)
	}
	pdf.Ln(2)

	if len(d.warnings) > 0 || len(d.failures) > 0 {
		sectionTitle(pdf, fontFamily, "Warnings")
		pdf.SetFont(fontFamily, "", 9)
		pdf.SetTextColor(120, 80, 0)
		for _, f := range d.failures {
			pdf.MultiCell(0, 4.5, "- load "+safeText(f.String(), utf8OK), "", "L", false)
		}
		for _, w := range d.warnings {
			pdf.MultiCell(0, 4.5, "- "+safeText(w, utf8OK), "", "L", false)
		}
		pdf.Ln(2)
	}

	sectionTitle(pdf, fontFamily, "2. Devices")
	if len(d.devices) == 0 {
		empty()
	}
	for _, dev := range d.devices {
		pdf.SetFont(fontFamily, "B", 11)
		pdf.SetTextColor(20, 20, 20)
		pdf.CellFormat(0, 6, fmt.Sprintf("Device #%d", d.ordinals[dev.ID]), "", 1, "L", false, 0, "")
		kv(pdf, fontFamily, utf8OK, "Device ID", dev.ID)
		kv(pdf, fontFamily, utf8OK, "Name", dev.Name)
		kv(pdf, fontFamily, utf8OK, "iOS Version", dev.ProductVersion)
		kv(pdf, fontFamily, utf8OK, "Identifier", dev.Identifier)
		kv(pdf, fontFamily, utf8OK, "Images", strings.Join(dev.ImagePaths, ", "))
		pdf.Ln(1)
	}
	pdf.Ln(2)

	sectionTitle(pdf, fontFamily, "3. Area Hits")
	if len(d.areas) == 0 {
		empty()
	}
	for _, a := range d.areas {
		pdf.SetFont(fontFamily, "", 9)
		pdf.SetTextColor(30, 30, 30)
		line := fmt.Sprintf("%s (r=%.0fm): %d locations", safeText(a.Area.Name, utf8OK), a.Area.RadiusMeters, a.Count)
		if a.Count > 0 {
			line += fmt.Sprintf(", %s ~ %s, devices %v", fmtInstant(a.First), fmtInstant(a.Last), a.Devices)
		}
		pdf.MultiCell(0, 4.5, line, "", "L", false)
	}
	pdf.Ln(2)

	sectionTitle(pdf, fontFamily, "4. Correlated Timeline")
	if len(d.rows) == 0 {
		empty()
	} else {
		pdf.SetFont(fontFamily, "B", 8)
		pdf.SetTextColor(20, 20, 20)
		for _, h := range []struct {
			w float64
			s string
		}{{38, "Time (UTC)"}, {10, "Dev"}, {42, "Coordinate"}, {46, "Snapshot"}, {46, "App"}} {
			pdf.CellFormat(h.w, 5, h.s, "B", 0, "L", false, 0, "")
		}
		pdf.Ln(-1)
		pdf.SetFont(fontFamily, "", 8)
		pdf.SetTextColor(40, 40, 40)
		for _, row := range d.rows {
			snap, bundle := "-", "-"
			if row.Artifact != nil {
				snap = row.Artifact.Filename
			}
			if row.Usage != nil {
				bundle = row.Usage.BundleIdentifier
			}
			pdf.CellFormat(38, 4.5, fmtInstant(row.Timestamp), "", 0, "L", false, 0, "")
			pdf.CellFormat(10, 4.5, fmt.Sprintf("#%d", d.ordinals[row.DeviceID]), "", 0, "L", false, 0, "")
			pdf.CellFormat(42, 4.5, fmt.Sprintf("%.6f, %.6f", row.Latitude, row.Longitude), "", 0, "L", false, 0, "")
			pdf.CellFormat(46, 4.5, clip(safeText(snap, utf8OK), 30), "", 0, "L", false, 0, "")
			pdf.CellFormat(46, 4.5, clip(safeText(bundle, utf8OK), 30), "", 1, "L", false, 0, "")
		}
	}
	pdf.Ln(2)

	sectionTitle(pdf, fontFamily, "5. Snapshots")
	if len(d.snapshots) == 0 {
		empty()
	}
	for _, s := range d.snapshots {
		pdf.SetFont(fontFamily, "B", 9)
		pdf.SetTextColor(20, 20, 20)
		pdf.MultiCell(0, 4.5, fmt.Sprintf("%s | #%d | %s | %s", safeText(s.Filename, utf8OK), d.ordinals[s.DeviceID], fmtInstant(s.Timestamp), humanize.Bytes(uint64(max(s.SizeBytes, 0)))), "", "L", false)
		pdf.SetFont(fontFamily, "", 8)
		pdf.SetTextColor(40, 40, 40)
		pdf.MultiCell(0, 4, fmt.Sprintf("path: %s", safeText(s.Filepath, utf8OK)), "", "L", false)
		if s.SHA256 != "" {
			pdf.MultiCell(0, 4, fmt.Sprintf("sha256: %s", s.SHA256), "", "L", false)
		}
	}

	pdf.Ln(2)
	pdf.SetFont(fontFamily, "", 9)
	pdf.SetTextColor(90, 90, 90)
	pdf.MultiCell(0, 4.5, "Note: For the full evidence chain, use the Forensic ZIP export (manifest.json + hashes.sha256).", "", "L", false)
}

func fmtRange(r timeline.Range) string {
	if !r.Complete() {
		return "-"
	}
	return fmtInstant(*r.Start) + " ~ " + fmtInstant(*r.End)
}

func clip(s string, n int) string {
	rs := []rune(s)
	if len(rs) <= n {
		return s
	}
	return string(rs[:n-1]) + "~"
}

func sectionTitle(pdf *gofpdf.Fpdf, fontFamily string, title string) {
	pdf.SetFont(fontFamily, "B", 12)
	pdf.SetTextColor(0, 0, 0)
	pdf.CellFormat(0, 7, title, "", 1, "L", false, 0, "")
	pdf.SetDrawColor(200, 200, 200)
	pdf.Line(pdf.GetX(), pdf.GetY(), 200, pdf.GetY())
	pdf.Ln(2)
}

func kv(pdf *gofpdf.Fpdf, fontFamily string, utf8OK bool, key string, value string) {
	if strings.TrimSpace(value) == "" {
		value = "-"
	}
	pdf.SetFont(fontFamily, "B", 10)
	pdf.SetTextColor(30, 30, 30)
	pdf.CellFormat(36, 5.2, key+":", "", 0, "L", false, 0, "")
	pdf.SetFont(fontFamily, "", 10)
	pdf.SetTextColor(20, 20, 20)
	pdf.MultiCell(0, 5.2, safeText(value, utf8OK), "", "L", false)
}

func fmtTime(ts int64) string {
	if ts <= 0 {
		return "-"
	}
	return time.Unix(ts, 0).UTC().Format("2006-01-02 15:04:05")
}

func fmtInstant(ts timebase.Instant) string {
	return ts.Time().Format("2006-01-02 15:04:05.000")
}

func safeText(s string, utf8OK bool) string {
	// 未加载 UTF-8 字体时，把非 ASCII 字符替换为 '?'，保证 PDF 一定能生成
	s = strings.ReplaceAll(s, "\r", " ")
	s = strings.ReplaceAll(s, "\n", " ")
	s = strings.ReplaceAll(s, "\t", " ")
	s = strings.TrimSpace(s)
	if utf8OK {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r >= 32 && r <= 126 {
			b.WriteRune(r)
		} else {
			b.WriteRune('?')
		}
	}
	return b.String()
}

// initPDFUnicodeFont 尝试加载 UTF-8 字体（TrueType），以支持中文等非 ASCII 字符。
//
// FontPath 非空时优先使用，其次是环境变量 TRACE_CORRELATOR_PDF_FONT，再按常见系统字体路径探测；
// 都失败则回退到核心字体（Helvetica），由 safeText() 兜底替换非 ASCII 字符。
func initPDFUnicodeFont(pdf *gofpdf.Fpdf, fontPath string) (family string, utf8OK bool) {
	const familyName = "unicode"
	candidates := []string{}

	if v := strings.TrimSpace(fontPath); v != "" {
		candidates = append(candidates, v)
	}
	if v := strings.TrimSpace(os.Getenv("TRACE_CORRELATOR_PDF_FONT")); v != "" {
		candidates = append(candidates, v)
	}

	switch runtime.GOOS {
	case "darwin":
		candidates = append(candidates,
			"/System/Library/Fonts/Supplemental/Arial Unicode.ttf",
			"/System/Library/Fonts/Supplemental/AppleMyungjo.ttf",
			"/System/Library/Fonts/Supplemental/AppleGothic.ttf",
			"/System/Library/Fonts/Hiragino Sans GB.ttc",
			"/System/Library/Fonts/PingFang.ttc",
		)
	case "windows":
		candidates = append(candidates,
			`C:\Windows\Fonts\arialuni.ttf`,
			`C:\Windows\Fonts\simhei.ttf`,
			`C:\Windows\Fonts\simsun.ttc`,
			`C:\Windows\Fonts\msyh.ttc`,
		)
	default:
		// Linux (best effort)
		candidates = append(candidates,
			"/usr/share/fonts/truetype/dejavu/DejaVuSans.ttf",
			"/usr/share/fonts/truetype/noto/NotoSansCJK-Regular.ttc",
			"/usr/share/fonts/opentype/noto/NotoSansCJK-Regular.ttc",
			"/usr/share/fonts/truetype/arphic/uming.ttc",
		)
	}

	for _, p := range candidates {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if _, err := os.Stat(p); err != nil {
			continue
		}

		// 即使只有一个字体文件，这里也注册 B 样式，避免 SetFont(...,"B",...) 报错。
		pdf.AddUTF8Font(familyName, "", p)
		if pdf.Err() {
			pdf.ClearError()
			continue
		}
		pdf.AddUTF8Font(familyName, "B", p)
		if pdf.Err() {
			// bold 失败也不致命：清错后仍可用 regular
			pdf.ClearError()
		}
		return familyName, true
	}

	return "Helvetica", false
}
