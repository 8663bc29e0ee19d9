package webapp

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"time"

	"trace-correlator/internal/adapters/ktx"
	sqliteadapter "trace-correlator/internal/adapters/store/sqlite"
	"trace-correlator/internal/app"
	"trace-correlator/internal/logging"
	"trace-correlator/internal/services/caseview"
)

// go:embed 的路径必须相对当前包目录；ui_dist/ 至少要有一个文件（占位 index.html），否则无法编译。
//
//go:embed ui_dist
var uiFS embed.FS

// Options 定义 Web UI + API 服务启动参数。
// 单用户本地工具：不做鉴权，默认只监听 127.0.0.1。
type Options struct {
	Config app.Config
	// Transcoder 为空时按 Config.KTX 构造外部转换器。
	Transcoder ktx.Transcoder
	Logger     *slog.Logger
}

// Run 打开案件库并启动内置 Web UI/API，ctx 取消后优雅退出。
func Run(ctx context.Context, opts Options) error {
	cfg := opts.Config
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	for _, dir := range []string{cfg.ExtractRoot, cfg.ExportDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}

	db, err := sqliteadapter.Open(ctx, cfg.DBPath)
	if err != nil {
		return err
	}
	defer db.Close()

	s, err := New(sqliteadapter.NewStore(db), opts)
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	s.log.Info("webapp listening", "url", "http://"+cfg.ListenAddr, "db", cfg.DBPath)
	err = httpServer.ListenAndServe()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// New 构造服务（不监听端口），便于测试直接使用 Handler()。
func New(store *sqliteadapter.Store, opts Options) (*Server, error) {
	sub, err := fs.Sub(uiFS, "ui_dist")
	if err != nil {
		return nil, fmt.Errorf("sub ui fs: %w", err)
	}
	log := opts.Logger
	if log == nil {
		log = logging.New("webapp")
	}
	tc := opts.Transcoder
	if tc == nil {
		tc = ktx.ExecTranscoder{Binary: opts.Config.KTX.Transcoder}
	}
	s := &Server{
		cfg:      opts.Config,
		store:    store,
		sessions: caseview.NewRegistry(),
		images:   ktx.NewCache(tc, opts.Config.KTX.CacheSize),
		ui:       sub,
		jobs:     newJobManager(),
		log:      log,
	}
	s.mux = http.NewServeMux()
	s.registerRoutes(s.mux)
	return s, nil
}
