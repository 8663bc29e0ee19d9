package webapp

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"trace-correlator/internal/adapters/ktx"
	"trace-correlator/internal/domain/model"
	"trace-correlator/internal/services/caseview"
	"trace-correlator/internal/services/ingest"
	"trace-correlator/internal/services/privacy"
	"trace-correlator/internal/services/timeline"
)

// --- 设备 ---

func (s *Server) handleCaseDevices(w http.ResponseWriter, r *http.Request, caseID string) {
	switch r.Method {
	case http.MethodGet:
		rows, err := s.store.ListDevices(r.Context(), caseID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		if s.cfg.Privacy() == privacy.ModeMasked {
			for i := range rows {
				rows[i] = privacy.MaskDevice(rows[i])
			}
		}
		writeJSON(w, http.StatusOK, map[string]any{"devices": rows})
	case http.MethodPost:
		var req struct {
			Name       string   `json:"device_name,omitempty"`
			ImagePaths []string `json:"image_paths"`
			Operator   string   `json:"operator,omitempty"`
			Ingest     bool     `json:"ingest,omitempty"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid json: %w", err))
			return
		}
		targets, err := s.loadTargets(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		dev, err := ingest.AddDevice(r.Context(), s.store, ingest.AddDeviceOptions{
			CaseID:      caseID,
			Name:        req.Name,
			ImagePaths:  req.ImagePaths,
			Operator:    s.operator(req.Operator),
			ExtractRoot: s.cfg.ExtractRoot,
			Targets:     targets,
		})
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		s.sessions.Invalidate(caseID)
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "device": dev})
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// handleDeviceRoutes:
//   - GET/DELETE /api/devices/{id}
//   - PUT /api/devices/{id}/images
//   - POST /api/devices/{id}/ingest（后台任务）
func (s *Server) handleDeviceRoutes(w http.ResponseWriter, r *http.Request) {
	deviceID, action, _ := splitRoute(r.URL.Path, "/api/devices/")
	if deviceID == "" {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	dev, err := s.store.GetDevice(r.Context(), deviceID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if dev == nil {
		writeError(w, http.StatusNotFound, fmt.Errorf("device not found: %s", deviceID))
		return
	}

	switch {
	case action == "" && r.Method == http.MethodGet:
		if s.cfg.Privacy() == privacy.ModeMasked {
			masked := privacy.MaskDevice(*dev)
			dev = &masked
		}
		writeJSON(w, http.StatusOK, dev)
	case action == "" && r.Method == http.MethodDelete:
		if err := s.store.RemoveDevice(r.Context(), deviceID); err != nil {
			writeStoreError(w, err)
			return
		}
		_ = s.store.AppendAudit(r.Context(), dev.CaseID, deviceID, "device", "device_remove", "success", s.operator(r.URL.Query().Get("operator")), "webapp.handleDeviceRoutes", map[string]any{"device_name": dev.Name})
		s.sessions.Invalidate(dev.CaseID)
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "device_id": deviceID})
	case action == "images" && r.Method == http.MethodPut:
		var req struct {
			ImagePaths []string `json:"image_paths"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid json: %w", err))
			return
		}
		if err := s.store.SetDeviceImages(r.Context(), deviceID, req.ImagePaths); err != nil {
			writeStoreError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "device_id": deviceID, "image_paths": req.ImagePaths})
	case action == "ingest" && r.Method == http.MethodPost:
		s.startIngest(w, r, dev)
	case action == "" || action == "images" || action == "ingest":
		w.WriteHeader(http.StatusMethodNotAllowed)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

// --- 区域 ---

type areaRequest struct {
	Name         string  `json:"name"`
	Latitude     float64 `json:"latitude"`
	Longitude    float64 `json:"longitude"`
	RadiusMeters float64 `json:"radius_m"`
	Color        string  `json:"color,omitempty"`
}

func (a areaRequest) toModel(caseID, areaID string) model.Area {
	return model.Area{
		ID:           areaID,
		CaseID:       caseID,
		Name:         strings.TrimSpace(a.Name),
		Latitude:     a.Latitude,
		Longitude:    a.Longitude,
		RadiusMeters: a.RadiusMeters,
		Color:        strings.TrimSpace(a.Color),
	}
}

func (s *Server) handleCaseAreas(w http.ResponseWriter, r *http.Request, caseID string) {
	switch r.Method {
	case http.MethodGet:
		areas, err := s.store.ListAreas(r.Context(), caseID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		out := map[string]any{"areas": areas}

		// 带 start/end 时顺带统计命中；不带时按整个案件范围
		q := r.URL.Query()
		rng, err := parseRange(q.Get("start"), q.Get("end"))
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		if parseBool(q.Get("hits"), true) && len(areas) > 0 {
			sess, err := s.session(r.Context(), caseID, false)
			if err != nil {
				writeError(w, http.StatusInternalServerError, err)
				return
			}
			if rng.Start == nil && rng.End == nil {
				rng = sess.Bounds
			}
			out["hits"] = caseview.AreaHits(timeline.Filter(sess.Matched, rng), areas)
		}
		writeJSON(w, http.StatusOK, out)
	case http.MethodPost:
		var req areaRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid json: %w", err))
			return
		}
		area, err := s.store.AddArea(r.Context(), req.toModel(caseID, ""))
		if err != nil {
			writeStoreError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "area": area})
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleAreaRoutes(w http.ResponseWriter, r *http.Request) {
	areaID, action, _ := splitRoute(r.URL.Path, "/api/areas/")
	if areaID == "" || action != "" {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	area, err := s.store.GetArea(r.Context(), areaID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if area == nil {
		writeError(w, http.StatusNotFound, fmt.Errorf("area not found: %s", areaID))
		return
	}

	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, area)
	case http.MethodPut:
		var req areaRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid json: %w", err))
			return
		}
		next := req.toModel(area.CaseID, areaID)
		if err := s.store.UpdateArea(r.Context(), next); err != nil {
			writeStoreError(w, err)
			return
		}
		updated, err := s.store.GetArea(r.Context(), areaID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "area": updated})
	case http.MethodDelete:
		if err := s.store.DeleteArea(r.Context(), areaID); err != nil {
			writeStoreError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "area_id": areaID})
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// --- 快照 ---

// handleSnapshotRoutes:
//   - GET /api/snapshots/{id}/image     KTX 转 PNG（带缓存）
//   - GET /api/snapshots/{id}/download  原始文件
func (s *Server) handleSnapshotRoutes(w http.ResponseWriter, r *http.Request) {
	rawID, action, _ := splitRoute(r.URL.Path, "/api/snapshots/")
	artifactID, err := strconv.ParseInt(rawID, 10, 64)
	if err != nil || artifactID <= 0 {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	snap, err := s.store.GetSnapshotArtifact(r.Context(), artifactID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if snap == nil {
		writeError(w, http.StatusNotFound, fmt.Errorf("snapshot not found: %d", artifactID))
		return
	}

	switch action {
	case "image":
		png, err := s.images.ToPNG(r.Context(), snap.Filepath)
		if err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, ktx.ErrNoTranscoder) {
				status = http.StatusNotImplemented
			}
			s.log.Warn("snapshot transcode failed", "snapshot_id", artifactID, "error", err)
			writeError(w, status, err)
			return
		}
		w.Header().Set("Content-Type", "image/png")
		w.Header().Set("Cache-Control", "private, max-age=3600")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(png)
	case "download":
		serveDownload(w, r, download{Path: snap.Filepath, SHA256: snap.SHA256})
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}
