//go:build darwin && cgo

package main

import (
	"fmt"

	webview "github.com/webview/webview_go"
)

// newWebViewWindow 创建内嵌 WebView 窗口（系统 WebKit，需要 CGO）。
// 窗口只负责展示；后端服务仍在本进程内监听本地端口。
func newWebViewWindow(url, title string) (uiWindow, error) {
	if url == "" {
		return nil, fmt.Errorf("webview url is empty")
	}
	w := webview.New(false)
	w.SetTitle(title)
	// 时间轴 + 地图 + 快照面板并排，窗口不宜过窄
	w.SetSize(1440, 900, webview.HintNone)
	w.Navigate(url)
	return w, nil
}
