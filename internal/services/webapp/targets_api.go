package webapp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"trace-correlator/internal/adapters/rules"
	sqliteadapter "trace-correlator/internal/adapters/store/sqlite"
	"trace-correlator/internal/platform/hash"

	"gopkg.in/yaml.v3"
)

type targetsFileInfo struct {
	Path       string `json:"path"`
	Filename   string `json:"filename"`
	BundleType string `json:"bundle_type"`
	Version    string `json:"version,omitempty"`
	SHA256     string `json:"sha256,omitempty"`
	Active     bool   `json:"active"`
}

func (s *Server) targetsDir() string {
	// 与 DB 同级的 data/rules（应用目录可能只读，运行数据落在 data/）
	return filepath.Join(filepath.Dir(s.cfg.DBPath), "rules")
}

// activeTargetsPath 返回当前生效的规则文件；为空表示内置规则。
func (s *Server) activeTargetsPath(ctx context.Context) string {
	if v, _ := s.store.GetSchemaMetaValue(ctx, sqliteadapter.MetaActiveTargetsPath); strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v)
	}
	return strings.TrimSpace(s.cfg.TargetsPath)
}

func (s *Server) loadTargets(ctx context.Context) (*rules.LoadedTargets, error) {
	return rules.NewLoader(s.activeTargetsPath(ctx)).Load(ctx)
}

func (s *Server) handleTargets(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.handleTargetsList(w, r)
	case http.MethodPost:
		// POST /api/targets?action=import|activate
		switch action := strings.ToLower(strings.TrimSpace(r.URL.Query().Get("action"))); action {
		case "import":
			s.handleTargetsImport(w, r)
		case "activate":
			s.handleTargetsActivate(w, r)
		default:
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid action: %s", action))
		}
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleTargetsList(w http.ResponseWriter, r *http.Request) {
	dir := s.targetsDir()
	_ = os.MkdirAll(dir, 0o755)
	active := s.activeTargetsPath(r.Context())

	// 候选：配置文件指定的路径、当前 active、dir 下的 *.yaml/*.yml
	candidates := map[string]struct{}{}
	for _, p := range []string{s.cfg.TargetsPath, active} {
		if p = strings.TrimSpace(p); p != "" {
			candidates[p] = struct{}{}
		}
	}
	for _, pat := range []string{"*.yaml", "*.yml"} {
		files, _ := filepath.Glob(filepath.Join(dir, pat))
		for _, f := range files {
			candidates[f] = struct{}{}
		}
	}

	files := []targetsFileInfo{}
	for p := range candidates {
		info, err := inspectTargetsFile(p)
		if err != nil || info.BundleType != rules.BundleType {
			continue
		}
		info.Active = p == active
		files = append(files, info)
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Filename < files[j].Filename })

	loaded, err := s.loadTargets(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":          true,
		"active_path": active,
		"source":      loaded.Source,
		"sha256":      loaded.SHA256,
		"version":     loaded.Bundle.Version,
		"targets":     loaded.Bundle.Targets,
		"rules_dir":   dir,
		"files":       files,
	})
}

// handleTargetsImport 接收 YAML 文本并落盘，校验通过后设为 active。
func (s *Server) handleTargetsImport(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Filename string `json:"filename,omitempty"`
		Content  string `json:"content"`
		Operator string `json:"operator,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid json: %w", err))
		return
	}
	content := strings.TrimSpace(req.Content)
	if content == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("empty content"))
		return
	}

	dir := s.targetsDir()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Errorf("create rules dir: %w", err))
		return
	}

	now := time.Now().Unix()
	name := sanitizeFilename(filepath.Base(strings.TrimSpace(req.Filename)))
	if name == "" || name == "." {
		name = fmt.Sprintf("targets_import_%d.yaml", now)
	}
	if lower := strings.ToLower(name); !strings.HasSuffix(lower, ".yaml") && !strings.HasSuffix(lower, ".yml") {
		name += ".yaml"
	}
	dst := filepath.Join(dir, fmt.Sprintf("targets_%d_%s", now, name))
	if err := os.WriteFile(dst, []byte(content), 0o644); err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Errorf("write file: %w", err))
		return
	}

	loaded, err := rules.NewLoader(dst).Load(r.Context())
	if err != nil {
		_ = os.Remove(dst)
		writeError(w, http.StatusBadRequest, fmt.Errorf("targets validation failed: %w", err))
		return
	}
	if err := s.store.UpsertSchemaMetaValue(r.Context(), sqliteadapter.MetaActiveTargetsPath, dst); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.log.Info("extraction targets imported", "path", dst, "sha256", loaded.SHA256)

	info, _ := inspectTargetsFile(dst)
	info.Active = true
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "file": info})
}

// handleTargetsActivate 切换生效的规则文件；path 为空时回到配置默认值（可能是内置规则）。
func (s *Server) handleTargetsActivate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Path string `json:"path"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid json: %w", err))
		return
	}
	path := strings.TrimSpace(req.Path)
	if path == "" {
		path = strings.TrimSpace(s.cfg.TargetsPath)
	}

	loaded, err := rules.NewLoader(path).Load(r.Context())
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("targets validation failed: %w", err))
		return
	}
	if err := s.store.UpsertSchemaMetaValue(r.Context(), sqliteadapter.MetaActiveTargetsPath, path); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":          true,
		"active_path": path,
		"source":      loaded.Source,
		"sha256":      loaded.SHA256,
	})
}

func sanitizeFilename(in string) string {
	in = strings.TrimSpace(in)
	if in == "" {
		return ""
	}
	in = strings.ReplaceAll(in, " ", "_")
	in = strings.ReplaceAll(in, string(os.PathSeparator), "_")
	in = strings.ReplaceAll(in, "..", "_")
	return in
}

func inspectTargetsFile(path string) (targetsFileInfo, error) {
	if strings.TrimSpace(path) == "" {
		return targetsFileInfo{}, fmt.Errorf("empty path")
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return targetsFileInfo{}, err
	}

	var meta struct {
		Version    string `yaml:"version"`
		BundleType string `yaml:"bundle_type"`
	}
	if err := yaml.Unmarshal(raw, &meta); err != nil {
		return targetsFileInfo{}, err
	}
	sum, _, err := hash.Reader(bytes.NewReader(raw))
	if err != nil {
		return targetsFileInfo{}, err
	}
	return targetsFileInfo{
		Path:       path,
		Filename:   filepath.Base(path),
		BundleType: strings.TrimSpace(meta.BundleType),
		Version:    strings.TrimSpace(meta.Version),
		SHA256:     sum,
	}, nil
}
