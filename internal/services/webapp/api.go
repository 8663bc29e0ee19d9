package webapp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	sqliteadapter "trace-correlator/internal/adapters/store/sqlite"
	"trace-correlator/internal/domain/model"
	"trace-correlator/internal/platform/timebase"
	"trace-correlator/internal/services/auditverify"
	"trace-correlator/internal/services/caseview"
	"trace-correlator/internal/services/forensicexport"
	"trace-correlator/internal/services/forensicpdf"
	"trace-correlator/internal/services/matcher"
	"trace-correlator/internal/services/privacy"
	"trace-correlator/internal/services/timeline"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":      true,
		"service": "webapp",
		"time":    time.Now().Unix(),
	})
}

func (s *Server) handleCases(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		limit := parseInt(r.URL.Query().Get("limit"), 50)
		offset := parseInt(r.URL.Query().Get("offset"), 0)

		rows, err := s.store.ListCases(r.Context(), limit, offset)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"cases": rows})
	case http.MethodPost:
		// 允许不传 case_id（服务端自动生成）；case_no 可作为工单/文书编号
		type createCaseRequest struct {
			CaseID   string `json:"case_id,omitempty"`
			CaseNo   string `json:"case_no,omitempty"`
			Title    string `json:"title,omitempty"`
			Operator string `json:"operator,omitempty"`
			Note     string `json:"note,omitempty"`
		}

		var req createCaseRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid json: %w", err))
			return
		}
		caseID, err := s.store.EnsureCase(r.Context(),
			strings.TrimSpace(req.CaseID),
			strings.TrimSpace(req.CaseNo),
			strings.TrimSpace(req.Title),
			s.operator(req.Operator),
			strings.TrimSpace(req.Note),
		)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}

		ov, err := s.store.GetCaseOverview(r.Context(), caseID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"case_id":  caseID,
			"overview": ov,
		})
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleCaseRoutes(w http.ResponseWriter, r *http.Request) {
	caseID, action, rest := splitRoute(r.URL.Path, "/api/cases/")
	if caseID == "" {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	switch action {
	case "", "overview":
		s.handleCase(w, r, caseID)
	case "devices":
		s.handleCaseDevices(w, r, caseID)
	case "timeline":
		s.handleCaseTimeline(w, r, caseID)
	case "wifi":
		s.handleCaseWifi(w, r, caseID)
	case "areas":
		s.handleCaseAreas(w, r, caseID)
	case "reports":
		s.handleCaseReports(w, r, caseID)
	case "report":
		s.handleCaseReport(w, r, caseID)
	case "audits":
		s.handleCaseAudits(w, r, caseID)
	case "exports":
		// POST /api/cases/{case_id}/exports/{forensic-zip|forensic-pdf}
		s.handleCaseExports(w, r, caseID, rest)
	case "verify":
		// POST /api/cases/{case_id}/verify/{audits|snapshots}
		s.handleCaseVerify(w, r, caseID, rest)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (s *Server) handleCase(w http.ResponseWriter, r *http.Request, caseID string) {
	switch r.Method {
	case http.MethodGet:
		ov, err := s.store.GetCaseOverview(r.Context(), caseID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		if ov == nil {
			writeError(w, http.StatusNotFound, fmt.Errorf("case not found: %s", caseID))
			return
		}
		writeJSON(w, http.StatusOK, ov)
	case http.MethodPatch:
		var req struct {
			Status   string `json:"status"`
			Operator string `json:"operator,omitempty"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid json: %w", err))
			return
		}
		st, err := model.ParseCaseStatus(req.Status)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		if err := s.store.UpdateCaseStatus(r.Context(), caseID, st); err != nil {
			writeStoreError(w, err)
			return
		}
		_ = s.store.AppendAudit(r.Context(), caseID, "", "case", "status", "success", s.operator(req.Operator), "webapp.handleCase", map[string]any{"status": st})
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "case_id": caseID, "status": st})
	case http.MethodDelete:
		if err := s.store.DeleteCase(r.Context(), caseID); err != nil {
			writeStoreError(w, err)
			return
		}
		s.sessions.Invalidate(caseID)
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "case_id": caseID})
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleCaseTimeline(w http.ResponseWriter, r *http.Request, caseID string) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	q := r.URL.Query()
	rng, err := parseRange(q.Get("start"), q.Get("end"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	sess, err := s.session(r.Context(), caseID, parseBool(q.Get("reload"), false))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	// cursor 缺省时停在最后一条（越界由 Window 收敛）
	cursor := parseInt(q.Get("cursor"), len(sess.Matched))
	maxVisible := parseInt(q.Get("max_visible"), s.cfg.Playback.MaxVisible)

	view := sess.Query(rng, cursor, maxVisible)
	if s.cfg.Privacy() != privacy.ModeMasked {
		writeJSON(w, http.StatusOK, view)
		return
	}

	// masked：WiFi 以字符串 MAC 单独返回，投影里的原始记录清空
	view.Projection.Visible = privacy.MaskMatched(view.Projection.Visible)
	if view.Projection.Current != nil {
		cur := privacy.MaskMatched([]model.MatchedLocation{*view.Projection.Current})[0]
		view.Projection.Current = &cur
	}
	maskedWifi := privacy.MaskWifi(view.Projection.Wifi)
	view.Projection.Wifi = []model.WifiSighting{}
	writeJSON(w, http.StatusOK, struct {
		caseview.TimelineView
		MaskedWifi []privacy.MaskedWifi `json:"masked_wifi"`
	}{view, maskedWifi})
}

func (s *Server) handleCaseWifi(w http.ResponseWriter, r *http.Request, caseID string) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	rng, err := parseRange(r.URL.Query().Get("start"), r.URL.Query().Get("end"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	sess, err := s.session(r.Context(), caseID, false)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	rows := timeline.FilterWifi(sess.Evidence.WifiSightings(), rng)
	if s.cfg.Privacy() == privacy.ModeMasked {
		writeJSON(w, http.StatusOK, map[string]any{"wifi": privacy.MaskWifi(rows)})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"wifi": rows})
}

func (s *Server) handleCaseReports(w http.ResponseWriter, r *http.Request, caseID string) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	rows, err := s.store.ListReportsByCase(r.Context(), caseID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"reports": rows})
}

func (s *Server) handleCaseReport(w http.ResponseWriter, r *http.Request, caseID string) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	reportID := strings.TrimSpace(r.URL.Query().Get("report_id"))
	includeContent := parseBool(r.URL.Query().Get("content"), false)

	// ZIP/PDF 都是二进制产物，不做内联预览，只能走 download
	view, err := caseview.GetReportView(r.Context(), s.store, caseID, reportID, false)
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	out := map[string]any{"overview": view.Overview, "report": view.Report, "content_available": false}
	if includeContent {
		out["content_omitted_reason"] = "binary_report"
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleCaseAudits(w http.ResponseWriter, r *http.Request, caseID string) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	limit := parseInt(r.URL.Query().Get("limit"), 500)
	rows, err := s.store.ListAuditLogs(r.Context(), caseID, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"audits": rows})
}

// handleCaseExports 同步生成导出产物。
func (s *Server) handleCaseExports(w http.ResponseWriter, r *http.Request, caseID string, parts []string) {
	if len(parts) < 1 {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	type reqBody struct {
		Start    string `json:"start,omitempty"`
		End      string `json:"end,omitempty"`
		Privacy  string `json:"privacy_mode,omitempty"`
		Operator string `json:"operator,omitempty"`
		Note     string `json:"note,omitempty"`
	}
	var req reqBody
	_ = json.NewDecoder(r.Body).Decode(&req) // 允许空 body

	rng, err := parseRange(req.Start, req.End)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	mode := s.cfg.Privacy()
	if strings.TrimSpace(req.Privacy) != "" {
		if mode, err = privacy.ParseMode(req.Privacy); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
	}
	sess, err := s.session(r.Context(), caseID, false)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	operator := s.operator(req.Operator)
	note := strings.TrimSpace(req.Note)

	var reportID string
	out := map[string]any{"ok": true, "case_id": caseID}
	switch strings.TrimSpace(parts[0]) {
	case "forensic-zip":
		res, err := forensicexport.GenerateForensicZip(r.Context(), s.store, sess, forensicexport.ZipOptions{
			Range:       rng,
			ExportDir:   s.cfg.ExportDir,
			TargetsPath: s.activeTargetsPath(r.Context()),
			Privacy:     mode,
			Operator:    operator,
			Note:        note,
		})
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		reportID = res.ReportID
		out["zip_path"], out["zip_sha256"], out["warnings"] = res.ZipPath, res.ZipSHA256, res.Warnings
	case "forensic-pdf":
		res, err := forensicpdf.GenerateForensicPDF(r.Context(), s.store, sess, forensicpdf.Options{
			Range:     rng,
			ReportDir: s.cfg.ExportDir,
			Privacy:   mode,
			Operator:  operator,
			Note:      note,
		})
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		reportID = res.ReportID
		out["pdf_path"], out["pdf_sha256"], out["warnings"] = res.PDFPath, res.PDFSHA256, res.Warnings
	default:
		w.WriteHeader(http.StatusNotFound)
		return
	}

	info, err := s.store.GetReportByID(r.Context(), reportID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	out["report_id"] = reportID
	out["report"] = info
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleCaseVerify(w http.ResponseWriter, r *http.Request, caseID string, parts []string) {
	if len(parts) < 1 {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		Operator string `json:"operator,omitempty"`
		Note     string `json:"note,omitempty"`
	}
	_ = json.NewDecoder(r.Body).Decode(&req)

	var (
		ok     bool
		result any
		detail map[string]any
	)
	switch strings.TrimSpace(parts[0]) {
	case "audits":
		logs, err := s.store.ListAuditLogs(r.Context(), caseID, 5000)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		res := auditverify.VerifyAuditLogs(logs)
		ok, result = res.OK, res
		detail = map[string]any{"total": res.Total, "failed": res.Failed, "last_chain_hash": res.LastChainHash}
	case "snapshots":
		devices, err := s.store.ListDevices(r.Context(), caseID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		var snaps []model.SnapshotArtifact
		for _, d := range devices {
			rows, err := s.store.GetSnapshotArtifacts(r.Context(), d.ID)
			if err != nil {
				writeError(w, http.StatusInternalServerError, err)
				return
			}
			snaps = append(snaps, rows...)
		}
		res := auditverify.VerifySnapshots(snaps)
		ok, result = res.OK, res
		detail = map[string]any{"total": res.Total, "passed": res.Passed, "failed": res.Failed}
	default:
		w.WriteHeader(http.StatusNotFound)
		return
	}

	status := "success"
	if !ok {
		status = "failed"
	}
	detail["note"] = strings.TrimSpace(req.Note)
	_ = s.store.AppendAudit(r.Context(), caseID, "", "verify", parts[0], status, s.operator(req.Operator), "webapp.handleCaseVerify", detail)
	writeJSON(w, http.StatusOK, map[string]any{"ok": ok, "case_id": caseID, "result": result})
}

func (s *Server) handleReportRoutes(w http.ResponseWriter, r *http.Request) {
	reportID, action, _ := splitRoute(r.URL.Path, "/api/reports/")
	if reportID == "" || action != "download" {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	info, err := s.store.GetReportByID(r.Context(), reportID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if info == nil {
		writeError(w, http.StatusNotFound, fmt.Errorf("report not found: %s", reportID))
		return
	}
	serveDownload(w, r, download{Path: info.FilePath, Name: "report_" + reportID, SHA256: info.SHA256})
}

// session 返回案件当前的关联结果；reload 时强制重算。
func (s *Server) session(ctx context.Context, caseID string, reload bool) (*caseview.Session, error) {
	opts := caseview.Options{
		Matcher: matcher.Options{ArtifactWindow: s.cfg.ArtifactWindow()},
		Logger:  s.log,
	}
	if reload {
		return s.sessions.Reload(ctx, s.store, caseID, opts)
	}
	return s.sessions.Ensure(ctx, s.store, caseID, opts)
}

func (s *Server) operator(v string) string {
	if v = strings.TrimSpace(v); v != "" {
		return v
	}
	if s.cfg.Operator != "" {
		return s.cfg.Operator
	}
	return "system"
}

// --- helpers ---

// splitRoute 把 "/api/x/{id}/{action}/rest..." 拆成 id、action 与剩余段。
func splitRoute(path, prefix string) (id, action string, rest []string) {
	trimmed := strings.Trim(strings.TrimPrefix(path, prefix), "/")
	if trimmed == "" {
		return "", "", nil
	}
	parts := strings.Split(trimmed, "/")
	id = parts[0]
	if len(parts) > 1 {
		action = parts[1]
	}
	if len(parts) > 2 {
		rest = parts[2:]
	}
	return id, action, rest
}

// parseRange 解析 start/end；缺省的一端保持为空（过滤结果为空集）。
func parseRange(start, end string) (timeline.Range, error) {
	var r timeline.Range
	if strings.TrimSpace(start) != "" {
		v, err := timebase.ParseInstant(start)
		if err != nil {
			return r, fmt.Errorf("invalid start: %w", err)
		}
		r.Start = &v
	}
	if strings.TrimSpace(end) != "" {
		v, err := timebase.ParseInstant(end)
		if err != nil {
			return r, fmt.Errorf("invalid end: %w", err)
		}
		r.End = &v
	}
	return r, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]any{
		"error": err.Error(),
	})
}

// writeStoreError 把写路径上的 ErrNotFound 映射为 404，其余为 500；校验失败为 400。
func writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, sqliteadapter.ErrNotFound):
		writeError(w, http.StatusNotFound, err)
	case errors.Is(err, model.ErrInvalidRecord):
		writeError(w, http.StatusBadRequest, err)
	default:
		writeError(w, http.StatusInternalServerError, err)
	}
}

func parseInt(s string, def int) int {
	s = strings.TrimSpace(s)
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}

func parseBool(s string, def bool) bool {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return def
	}
	switch s {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return def
	}
}
