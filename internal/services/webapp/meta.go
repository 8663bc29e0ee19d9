package webapp

import (
	"net/http"
	"time"

	"trace-correlator/internal/app"
)

func (s *Server) handleMeta(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	schemaVersion, _ := s.store.GetSchemaMetaValue(r.Context(), "schema_version")
	timeBase, _ := s.store.GetSchemaMetaValue(r.Context(), "time_base")

	loaded, err := s.loadTargets(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"ok":   true,
		"time": time.Now().Unix(),
		"app": map[string]any{
			"version":    app.Version,
			"commit":     app.Commit,
			"build_time": app.BuildTime,
		},
		"db": map[string]any{
			"schema_version": schemaVersion,
			"time_base":      timeBase,
			"path":           s.cfg.DBPath,
		},
		"targets": map[string]any{
			"source":  loaded.Source,
			"version": loaded.Bundle.Version,
			"total":   len(loaded.Bundle.Targets),
			"sha256":  loaded.SHA256,
		},
		"matcher": map[string]any{
			"artifact_window_ms": s.cfg.ArtifactWindow(),
		},
		"playback": map[string]any{
			"interval_ms": s.cfg.PlaybackInterval().Milliseconds(),
			"max_visible": s.cfg.Playback.MaxVisible,
			"step":        s.cfg.Playback.Step,
		},
		"map": map[string]any{
			"tile_layer":  s.cfg.Map.TileLayer,
			"tile_layers": app.TileLayers(),
		},
		"privacy_mode": s.cfg.Privacy(),
	})
}
