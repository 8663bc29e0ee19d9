package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	"trace-correlator/internal/app"
	"trace-correlator/internal/logging"
	"trace-correlator/internal/services/webapp"
)

func main() {
	if err := run(context.Background(), os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// uiWindow 是内嵌窗口的最小能力；不支持的平台上 newWebViewWindow 返回 errNoWebView。
type uiWindow interface {
	Run()
	Terminate()
	Destroy()
}

var errNoWebView = errors.New("embedded webview not available on this build")

// desktop 入口：启动内置 Web UI/API，然后打开内嵌窗口（macOS）或系统浏览器。
func run(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("correlator-desktop", flag.ContinueOnError)
	configPath := fs.String("config", os.Getenv("TRACE_CORRELATOR_CONFIG"), "config file (.yaml/.yml/.toml)")
	listen := fs.String("listen", "", "listen address (overrides config)")
	dbPath := fs.String("db", "", "sqlite database path (overrides config)")
	privacyMode := fs.String("privacy-mode", "", "off|masked (overrides config)")
	noOpen := fs.Bool("no-open", false, "do not open a window or browser")
	useBrowser := fs.Bool("browser", false, "always use the system browser")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := app.LoadConfig(strings.TrimSpace(*configPath))
	if err != nil {
		return err
	}
	if v := strings.TrimSpace(*listen); v != "" {
		cfg.ListenAddr = v
	}
	if v := strings.TrimSpace(*dbPath); v != "" {
		cfg.DBPath = v
	}
	if v := strings.TrimSpace(*privacyMode); v != "" {
		cfg.PrivacyMode = v
	}
	level, err := logging.ParseLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	logging.Init(level, cfg.LogFormat)

	// Ctrl+C 优雅退出：给 http.Server.Shutdown 一个机会释放端口
	sigCtx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	serverErrCh := make(chan error, 1)
	go func() {
		serverErrCh <- webapp.Run(sigCtx, webapp.Options{Config: cfg, Logger: logging.New("webapp")})
	}()

	uiURL := "http://" + normalizeListenForBrowser(cfg.ListenAddr)
	if !*noOpen {
		// 等服务起来再打开（减少空白页）
		_ = waitForHTTP(sigCtx, uiURL+"/api/health", 12*time.Second)
		if !*useBrowser {
			if w, err := newWebViewWindow(uiURL, "Trace Correlator "+app.Version); err == nil {
				go func() {
					<-sigCtx.Done()
					w.Terminate()
				}()
				// 窗口主循环必须在主 goroutine；关闭窗口即退出服务
				w.Run()
				w.Destroy()
				cancel()
				return <-serverErrCh
			}
		}
		_ = openBrowser(uiURL)
	}

	return <-serverErrCh
}

func normalizeListenForBrowser(listen string) string {
	// 127.0.0.1:8787 / 0.0.0.0:8787 / :8787 / [::]:8787
	host, port, err := net.SplitHostPort(listen)
	if err != nil {
		return listen
	}
	switch host {
	case "", "0.0.0.0", "::", "[::]":
		host = "127.0.0.1"
	}
	return net.JoinHostPort(host, port)
}

func waitForHTTP(ctx context.Context, url string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		req, _ := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		resp, err := http.DefaultClient.Do(req)
		if err == nil {
			_ = resp.Body.Close()
			if resp.StatusCode >= 200 && resp.StatusCode < 300 {
				return nil
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(250 * time.Millisecond):
		}
	}
	return fmt.Errorf("timeout waiting for %s", url)
}

func openBrowser(url string) error {
	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "darwin":
		cmd = exec.Command("open", url)
	case "windows":
		cmd = exec.Command("cmd", "/c", "start", "", url)
	default:
		cmd = exec.Command("xdg-open", url)
	}
	// 不阻塞主流程
	return cmd.Start()
}
