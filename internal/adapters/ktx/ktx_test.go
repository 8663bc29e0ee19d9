package ktx

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"sync/atomic"
	"testing"
)

func pngBytes(tail string) []byte {
	return append(append([]byte{}, pngMagic...), tail...)
}

func TestExecTranscoder_PassthroughAndSidecar(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	direct := filepath.Join(dir, "direct.ktx")
	if err := os.WriteFile(direct, pngBytes("a"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	got, err := ExecTranscoder{}.ToPNG(ctx, direct)
	if err != nil || string(got) != string(pngBytes("a")) {
		t.Fatalf("passthrough got=%q err=%v", got, err)
	}

	ktx := filepath.Join(dir, "snap.ktx")
	if err := os.WriteFile(ktx, []byte("\xabKTX 11\xbb"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := (ExecTranscoder{}).ToPNG(ctx, ktx); !errors.Is(err, ErrNoTranscoder) {
		t.Fatalf("expected ErrNoTranscoder, got %v", err)
	}

	if err := os.WriteFile(ktx+".png", pngBytes("b"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	got, err = ExecTranscoder{}.ToPNG(ctx, ktx)
	if err != nil || string(got) != string(pngBytes("b")) {
		t.Fatalf("existing output got=%q err=%v", got, err)
	}
}

func TestExecTranscoder_RunsBinary(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("shell script converter")
	}
	ctx := context.Background()
	dir := t.TempDir()
	ktx := filepath.Join(dir, "snap.ktx")
	if err := os.WriteFile(ktx, []byte("\xabKTX 11\xbb"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	script := filepath.Join(dir, "convert.sh")
	if err := os.WriteFile(script, []byte("#!/bin/sh\nprintf '\\211PNG\\r\\n\\032\\nok' > \"$1.png\"\n"), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	got, err := ExecTranscoder{Binary: script}.ToPNG(ctx, ktx)
	if err != nil {
		t.Fatalf("transcode: %v", err)
	}
	if string(got) != string(pngBytes("ok")) {
		t.Fatalf("got=%q", got)
	}

	failing := filepath.Join(dir, "fail.sh")
	if err := os.WriteFile(failing, []byte("#!/bin/sh\necho broken >&2\nexit 3\n"), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	other := filepath.Join(dir, "other.ktx")
	_ = os.WriteFile(other, []byte("x"), 0o644)
	if _, err := (ExecTranscoder{Binary: failing}).ToPNG(ctx, other); err == nil {
		t.Fatalf("expected failure")
	}
}

type countingTranscoder struct {
	calls atomic.Int32
	fail  bool
}

func (c *countingTranscoder) ToPNG(_ context.Context, path string) ([]byte, error) {
	c.calls.Add(1)
	if c.fail {
		return nil, errors.New("boom")
	}
	return []byte(path), nil
}

func TestCache_LRU(t *testing.T) {
	ctx := context.Background()
	next := &countingTranscoder{}
	c := NewCache(next, 2)

	for _, p := range []string{"a", "b", "a"} {
		if _, err := c.ToPNG(ctx, p); err != nil {
			t.Fatalf("to png: %v", err)
		}
	}
	if next.calls.Load() != 2 {
		t.Fatalf("expected 2 conversions, got %d", next.calls.Load())
	}

	// a 最近使用过，插入 c 时淘汰 b
	_, _ = c.ToPNG(ctx, "c")
	_, _ = c.ToPNG(ctx, "a")
	if next.calls.Load() != 3 {
		t.Fatalf("a should still be cached, calls=%d", next.calls.Load())
	}
	_, _ = c.ToPNG(ctx, "b")
	if next.calls.Load() != 4 || c.Len() != 2 {
		t.Fatalf("b should have been evicted, calls=%d len=%d", next.calls.Load(), c.Len())
	}

	bad := NewCache(&countingTranscoder{fail: true}, 0)
	if _, err := bad.ToPNG(ctx, "x"); err == nil || bad.Len() != 0 {
		t.Fatalf("failures must not be cached")
	}
}
