package ktx

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"
)

// ErrNoTranscoder 表示未配置外部转换程序。
var ErrNoTranscoder = errors.New("ktx: transcoder not configured")

var pngMagic = []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n'}

// Transcoder 把快照文件转成可在浏览器显示的 PNG。
type Transcoder interface {
	ToPNG(ctx context.Context, path string) ([]byte, error)
}

// ExecTranscoder 调用外部程序转换：`<Binary> <path>`，程序在 `<path>.png` 写出结果。
type ExecTranscoder struct {
	Binary  string
	Timeout time.Duration
}

func (t ExecTranscoder) ToPNG(ctx context.Context, path string) ([]byte, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read snapshot: %w", err)
	}
	// 部分快照本身就是 PNG
	if bytes.HasPrefix(raw, pngMagic) {
		return raw, nil
	}

	out := path + ".png"
	if cached, err := os.ReadFile(out); err == nil && bytes.HasPrefix(cached, pngMagic) {
		return cached, nil
	}
	if strings.TrimSpace(t.Binary) == "" {
		return nil, ErrNoTranscoder
	}

	timeout := t.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var stderr bytes.Buffer
	cmd := exec.CommandContext(cctx, t.Binary, path)
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg != "" {
			return nil, fmt.Errorf("run transcoder: %w: %s", err, msg)
		}
		return nil, fmt.Errorf("run transcoder: %w", err)
	}

	png, err := os.ReadFile(out)
	if err != nil {
		return nil, fmt.Errorf("read transcoder output: %w", err)
	}
	if !bytes.HasPrefix(png, pngMagic) {
		return nil, fmt.Errorf("transcoder output %s is not a png", out)
	}
	return png, nil
}
