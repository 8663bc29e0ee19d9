package webapp

import (
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"path"
	"strings"

	"trace-correlator/internal/adapters/ktx"
	sqliteadapter "trace-correlator/internal/adapters/store/sqlite"
	"trace-correlator/internal/app"
	"trace-correlator/internal/services/caseview"
)

// Server 是内置 Web UI/API 的运行时对象。
type Server struct {
	cfg   app.Config
	store *sqliteadapter.Store
	// sessions 缓存每个案件的关联结果；设备或证据变化后整体失效重载。
	sessions *caseview.Registry
	images   ktx.Transcoder

	ui   fs.FS
	mux  *http.ServeMux
	jobs *jobManager
	log  *slog.Logger
}

// Handler 返回完整路由（API + 静态 UI）。
func (s *Server) Handler() http.Handler {
	return s.mux
}

func (s *Server) registerRoutes(mux *http.ServeMux) {
	// API
	mux.HandleFunc("/api/health", s.handleHealth)
	mux.HandleFunc("/api/meta", s.handleMeta)
	mux.HandleFunc("/api/cases", s.handleCases)
	mux.HandleFunc("/api/cases/", s.handleCaseRoutes)
	mux.HandleFunc("/api/devices/", s.handleDeviceRoutes)
	mux.HandleFunc("/api/areas/", s.handleAreaRoutes)
	mux.HandleFunc("/api/snapshots/", s.handleSnapshotRoutes)
	mux.HandleFunc("/api/reports/", s.handleReportRoutes)
	mux.HandleFunc("/api/jobs/", s.handleJobRoutes)
	mux.HandleFunc("/api/targets", s.handleTargets)

	mux.Handle("/", spaHandler{root: s.ui, files: http.FileServer(http.FS(s.ui))})
}

// spaHandler 提供内置前端：存在的静态文件原样返回；
// 无扩展名的未知路径交给 index.html（前端路由），带扩展名的缺失资源返回 404。
type spaHandler struct {
	root  fs.FS
	files http.Handler
}

func (h spaHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	name := strings.TrimPrefix(r.URL.Path, "/")
	switch {
	case strings.HasPrefix(name, "api/"):
		writeError(w, http.StatusNotFound, fmt.Errorf("unknown api route: %s", r.URL.Path))
	case name == "" || h.isFile(name):
		// "/" 不能改写成 /index.html：FileServer 会 301 回 "./"
		h.files.ServeHTTP(w, r)
	case path.Ext(name) != "":
		w.WriteHeader(http.StatusNotFound)
	default:
		r2 := r.Clone(r.Context())
		r2.URL.Path = "/"
		h.files.ServeHTTP(w, r2)
	}
}

func (h spaHandler) isFile(name string) bool {
	info, err := fs.Stat(h.root, name)
	return err == nil && !info.IsDir()
}
