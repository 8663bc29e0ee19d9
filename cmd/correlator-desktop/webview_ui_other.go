//go:build !darwin || !cgo

package main

func newWebViewWindow(string, string) (uiWindow, error) {
	return nil, errNoWebView
}
