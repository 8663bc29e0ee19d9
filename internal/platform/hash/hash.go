package hash

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"strings"
)

// sep 是字段分隔符（ASCII unit separator），不会出现在正常文本字段里。
const sep = "\x1f"

// Fields 计算字段序列的 SHA-256（十六进制）。
// 每个字段先去掉首尾空白；审计链与提取文件命名都依赖这个规则，不要随意改动。
func Fields(parts ...string) string {
	h := sha256.New()
	_, _ = io.WriteString(h, strings.TrimSpace(first(parts)))
	for _, p := range rest(parts) {
		_, _ = io.WriteString(h, sep)
		_, _ = io.WriteString(h, strings.TrimSpace(p))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Short 返回 Fields 结果的前 n 位。
func Short(n int, parts ...string) string {
	sum := Fields(parts...)
	if n <= 0 || n > len(sum) {
		return sum
	}
	return sum[:n]
}

// File 计算文件内容的 SHA-256 与字节数。
func File(path string) (sum string, size int64, err error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()
	return Reader(f)
}

// Reader 读完 r 并返回 SHA-256 与字节数。
func Reader(r io.Reader) (sum string, size int64, err error) {
	h := sha256.New()
	size, err = io.Copy(h, r)
	if err != nil {
		return "", size, err
	}
	return hex.EncodeToString(h.Sum(nil)), size, nil
}

func first(parts []string) string {
	if len(parts) == 0 {
		return ""
	}
	return parts[0]
}

func rest(parts []string) []string {
	if len(parts) <= 1 {
		return nil
	}
	return parts[1:]
}
